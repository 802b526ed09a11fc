// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package steer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/AleutianAI/molsteer/services/campaign/queue"
	"github.com/AleutianAI/molsteer/services/campaign/selector"
	"github.com/AleutianAI/molsteer/services/campaign/solution"
	"github.com/AleutianAI/molsteer/services/campaign/store"
)

// SingleStepThinker runs one train → infer → select → simulate round
// per batch: fit a surrogate to everything known, score the whole
// search space, simulate what the selector picks, repeat until the
// run budget is spent.
type SingleStepThinker struct {
	deps Deps
}

// NewSingleStep is the Factory for SingleStepThinker. It requires a
// SingleFidelityActiveLearning solution with a scorer and selector.
func NewSingleStep(deps Deps) (Thinker, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	sfal, ok := deps.Solution.(solution.SingleFidelityActiveLearning)
	if !ok {
		return nil, errors.New("single-step thinker needs a single-fidelity active-learning solution")
	}
	if sfal.Scorer == nil {
		return nil, errors.New("active-learning solution has no scorer")
	}
	if sfal.Selector == nil {
		return nil, errors.New("active-learning solution has no selector")
	}
	return &SingleStepThinker{deps: deps}, nil
}

// Queues exposes the queue system the thinker drives.
func (t *SingleStepThinker) Queues() *queue.System { return t.deps.Queues }

// Run steers the campaign until NumToRun candidates are evaluated or
// the search space is exhausted.
func (t *SingleStepThinker) Run(ctx context.Context) error {
	d := &t.deps
	sfal := d.Solution.(solution.SingleFidelityActiveLearning)

	budget := sfal.NumToRun
	evaluated := 0
	round := 0

	for evaluated < budget {
		round++
		candidates := d.remaining()
		if len(candidates) == 0 {
			if evaluated == 0 {
				return ErrNoCandidates
			}
			break
		}

		var picked []string
		if sfal.Starter.Threshold > 0 && d.Store.Len() < sfal.Starter.Threshold {
			// Too little data to train on: seed with the starter.
			picked = sfal.Starter.Select(sliceSeq(candidates), budget-evaluated)
			d.Logger.Info("seeding with starter sample",
				slog.Int("round", round),
				slog.Int("picked", len(picked)),
			)
		} else {
			scored, err := t.scoreCandidates(ctx, sfal, candidates)
			if err != nil {
				return err
			}
			chosen := sfal.Selector.Select(scored, budget-evaluated)
			picked = make([]string, len(chosen))
			for i, c := range chosen {
				picked[i] = c.Key
			}
			d.Logger.Info("selection round complete",
				slog.Int("round", round),
				slog.Int("scored", len(scored)),
				slog.Int("picked", len(picked)),
			)
		}
		if len(picked) == 0 {
			break
		}

		n, err := t.simulateBatch(ctx, picked)
		if err != nil {
			return err
		}
		if n == 0 {
			// Every simulation in the batch failed; rerunning the
			// same selection would spin.
			d.Logger.Warn("batch produced no results, stopping",
				slog.Int("round", round),
			)
			break
		}
		evaluated += n
	}

	d.Logger.Info("campaign budget spent",
		slog.Int("evaluated", evaluated),
		slog.Int("rounds", round),
	)
	return nil
}

// scoreCandidates trains the surrogate and scores every candidate.
func (t *SingleStepThinker) scoreCandidates(ctx context.Context, sfal solution.SingleFidelityActiveLearning, candidates []string) ([]selector.Scored, error) {
	d := &t.deps

	var records []*store.Record
	d.Store.Each(func(rec *store.Record) bool {
		records = append(records, rec)
		return true
	})

	trainFut, err := d.Queues.Submit(ctx, solution.TopicTrain, TrainTask{Records: records})
	if err != nil {
		return nil, fmt.Errorf("submitting training: %w", err)
	}
	trainRes, err := trainFut.Wait(ctx)
	if err != nil {
		return nil, err
	}
	if trainRes.Err != nil {
		return nil, fmt.Errorf("training failed: %w", trainRes.Err)
	}
	train, ok := trainRes.Value.(TrainOutcome)
	if !ok {
		return nil, errors.New("unexpected training payload")
	}
	model := train.Model

	chunkSize := d.Options.InferenceChunkSize
	if chunkSize <= 0 {
		chunkSize = DefaultInferenceChunkSize
	}

	// Fan out inference chunks, then await futures in order so scores
	// line up with candidates.
	var futures []*queue.Future
	for start := 0; start < len(candidates); start += chunkSize {
		end := min(start+chunkSize, len(candidates))
		task, err := t.inferTask(ctx, model, candidates[start:end])
		if err != nil {
			return nil, err
		}
		fut, err := d.Queues.Submit(ctx, solution.TopicInference, task)
		if err != nil {
			return nil, fmt.Errorf("submitting inference chunk: %w", err)
		}
		futures = append(futures, fut)
	}

	scored := make([]selector.Scored, 0, len(candidates))
	idx := 0
	for _, fut := range futures {
		res, err := fut.Wait(ctx)
		if err != nil {
			return nil, err
		}
		if res.Err != nil {
			return nil, fmt.Errorf("inference failed: %w", res.Err)
		}
		inferred, ok := res.Value.(InferOutcome)
		if !ok {
			return nil, errors.New("unexpected inference payload")
		}
		for _, score := range inferred.Scores {
			scored = append(scored, selector.Scored{Key: candidates[idx], Score: score})
			idx++
		}
	}
	if idx != len(candidates) {
		return nil, fmt.Errorf("scorer returned %d scores for %d candidates", idx, len(candidates))
	}
	return scored, nil
}

// inferTask builds an inference payload, parking the candidate chunk in
// the topic's transport store when one is bound.
func (t *SingleStepThinker) inferTask(ctx context.Context, model []byte, chunk []string) (InferTask, error) {
	objStore := t.deps.Transport.Store(solution.TopicInference)
	if objStore == nil {
		return InferTask{Model: model, Candidates: chunk}, nil
	}

	payload, err := json.Marshal(chunk)
	if err != nil {
		return InferTask{}, fmt.Errorf("serializing candidate chunk: %w", err)
	}
	key := "inference/" + uuid.NewString()
	if err := objStore.Put(ctx, key, payload); err != nil {
		return InferTask{}, err
	}
	return InferTask{Model: model, ObjectRef: key}, nil
}

// simulateBatch submits picked candidates and records their outcomes,
// waiting on the simulate topic's result stream.
func (t *SingleStepThinker) simulateBatch(ctx context.Context, picked []string) (int, error) {
	d := &t.deps

	// Stream delivery starts with the first Results call, so take the
	// channel before the first submission can complete.
	results, err := d.Queues.Results(solution.TopicSimulate)
	if err != nil {
		return 0, err
	}

	for _, cand := range picked {
		if _, err := d.Queues.Submit(ctx, solution.TopicSimulate, SimulateTask{Identifier: cand}); err != nil {
			return 0, fmt.Errorf("submitting %s: %w", cand, err)
		}
	}

	recorded := 0
	for received := 0; received < len(picked); received++ {
		select {
		case <-ctx.Done():
			return recorded, ctx.Err()
		case res, ok := <-results:
			if !ok {
				return recorded, errors.New("result stream closed mid-batch")
			}
			if res.Err != nil {
				d.Logger.Warn("simulation failed",
					slog.String("task_id", res.TaskID),
					slog.String("error", res.Err.Error()),
				)
				continue
			}
			out, ok := res.Value.(SimulateOutcome)
			if !ok {
				continue
			}
			if err := d.record(out); err != nil {
				return recorded, err
			}
			recorded++
		}
	}
	return recorded, nil
}
