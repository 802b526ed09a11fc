// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package steer

import (
	"context"
	"fmt"
	"iter"
	"log/slog"

	"github.com/AleutianAI/molsteer/services/campaign/queue"
	"github.com/AleutianAI/molsteer/services/campaign/solution"
)

// BruteForceThinker evaluates candidates without any learning loop:
// pick a batch, simulate everything, record the results. It is both the
// baseline strategy and the smoke test for a topology, since it only
// needs the simulate topic.
type BruteForceThinker struct {
	deps Deps
}

// NewBruteForce is the Factory for BruteForceThinker.
func NewBruteForce(deps Deps) (Thinker, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	return &BruteForceThinker{deps: deps}, nil
}

// Queues exposes the queue system the thinker drives.
func (t *BruteForceThinker) Queues() *queue.System { return t.deps.Queues }

// Run submits the batch and waits for every result on the simulate
// topic's channel.
func (t *BruteForceThinker) Run(ctx context.Context) error {
	d := &t.deps

	batch := t.pickBatch()
	if len(batch) == 0 {
		return ErrNoCandidates
	}
	d.Logger.Info("brute-force round starting",
		slog.Int("batch", len(batch)),
		slog.Int("known_records", d.Store.Len()),
	)

	// Take the stream before submitting: delivery starts with the
	// first Results call, so a fast worker must not complete ahead
	// of it.
	results, err := d.Queues.Results(solution.TopicSimulate)
	if err != nil {
		return err
	}

	for _, cand := range batch {
		if _, err := d.Queues.Submit(ctx, solution.TopicSimulate, SimulateTask{Identifier: cand}); err != nil {
			return fmt.Errorf("submitting %s: %w", cand, err)
		}
	}

	recorded := 0
	for recorded < len(batch) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case res, ok := <-results:
			if !ok {
				return fmt.Errorf("result stream closed with %d results outstanding", len(batch)-recorded)
			}
			recorded++
			if res.Err != nil {
				d.Logger.Warn("simulation failed",
					slog.String("task_id", res.TaskID),
					slog.String("error", res.Err.Error()),
				)
				continue
			}
			out, ok := res.Value.(SimulateOutcome)
			if !ok {
				d.Logger.Warn("unexpected simulate payload", slog.String("task_id", res.TaskID))
				continue
			}
			if err := d.record(out); err != nil {
				return fmt.Errorf("recording %s: %w", out.Identifier, err)
			}
		}
	}

	d.Logger.Info("brute-force round complete", slog.Int("recorded", recorded))
	return nil
}

// pickBatch chooses which candidates to run: a starter sample while the
// store is below the starter threshold, the leading unevaluated
// candidates otherwise.
func (t *BruteForceThinker) pickBatch() []string {
	d := &t.deps
	candidates := d.remaining()
	if len(candidates) == 0 {
		return nil
	}

	numToRun := len(candidates)
	var spec solution.Spec
	switch s := d.Solution.(type) {
	case solution.Spec:
		spec = s
	case solution.SingleFidelityActiveLearning:
		spec = s.Spec
	}
	if spec.NumToRun > 0 && spec.NumToRun < numToRun {
		numToRun = spec.NumToRun
	}

	if spec.Starter.Threshold > 0 && d.Store.Len() < spec.Starter.Threshold {
		return spec.Starter.Select(sliceSeq(candidates), numToRun)
	}
	return candidates[:numToRun]
}

// sliceSeq adapts a slice to the starter's stream interface.
func sliceSeq(items []string) iter.Seq[string] {
	return func(yield func(string) bool) {
		for _, it := range items {
			if !yield(it) {
				return
			}
		}
	}
}
