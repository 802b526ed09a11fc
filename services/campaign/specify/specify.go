// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package specify is the composition root: it turns a declarative
// campaign specification into a live, correctly wired runtime topology.
//
// Assemble opens the record store, materializes (or reuses) the
// preprocessed search space, reconciles the compute description against
// the solution's topics, resolves transport bindings, starts the queue
// system, and constructs the thinker. The returned Runtime owns those
// resources for the caller's scope and releases all of them on Close,
// on every exit path.
//
// # Concurrency
//
// Two Assemble calls must not share a run directory: search-space cache
// writes are atomic but uncoordinated, so a racing pair degrades to
// last-write-wins.
package specify

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/molsteer/services/campaign/cachespace"
	"github.com/AleutianAI/molsteer/services/campaign/queue"
	"github.com/AleutianAI/molsteer/services/campaign/recipe"
	"github.com/AleutianAI/molsteer/services/campaign/sim"
	"github.com/AleutianAI/molsteer/services/campaign/solution"
	"github.com/AleutianAI/molsteer/services/campaign/steer"
	"github.com/AleutianAI/molsteer/services/campaign/store"
	"github.com/AleutianAI/molsteer/services/campaign/topology"
	"github.com/AleutianAI/molsteer/services/campaign/transport"
)

var tracer = otel.Tracer("molsteer.specify")

// ErrIncomplete is returned when a specification is missing a required
// field.
var ErrIncomplete = errors.New("incomplete specification")

// Specification bundles everything needed to assemble a campaign.
//
// It holds configuration only, never runtime objects: the same field
// values always re-derive an identical topology, which is what makes
// the search-space cache sound. Treat a Specification as immutable once
// Assemble has been called.
type Specification struct {
	// Database locates the record store: a file path or a prebuilt store.
	Database store.Source

	// SearchSpace lists candidate files, one identifier per line.
	SearchSpace []string

	// Solution is the strategy; it declares the required topics.
	Solution solution.Solution

	// Simulator executes individual evaluations.
	Simulator sim.Simulator

	// Recipes name the properties being computed. The first recipe
	// receives simulation outcomes.
	Recipes []recipe.PropertySpec

	// Thinker constructs the steering loop. Nil uses the brute-force
	// thinker.
	Thinker steer.Factory

	// Compute describes the available worker pools.
	Compute topology.ComputeConfig

	// RunDir is where cached preprocessing and campaign state live.
	RunDir string

	// Transport binds object stores to topics for bulk payloads.
	// The zero value binds none. Stores are caller-owned: Close does
	// not touch them.
	Transport transport.Binding

	// ThinkerOptions tune the steering loop and feed the cache key.
	ThinkerOptions steer.Options

	// Logger for assembly and runtime events. Nil uses slog.Default().
	Logger *slog.Logger
}

// Runtime is an assembled, started campaign topology.
type Runtime struct {
	// Doer owns the queues and worker pools.
	Doer *queue.System

	// Thinker is the steering loop, bound to Doer and Store.
	Thinker steer.Thinker

	// Store is the open record store.
	Store store.Store

	logger    *slog.Logger
	closeOnce sync.Once
	closeErr  error
}

// cacheSettings is the fingerprint input for search-space preprocessing:
// every field that changes the preprocessed artifact belongs here.
type cacheSettings struct {
	SearchSpace    []string      `json:"search_space"`
	Solution       any           `json:"solution"`
	ThinkerOptions steer.Options `json:"thinker_options"`
}

func (s *Specification) validate() error {
	switch {
	case s.Database == nil:
		return fmt.Errorf("%w: no database", ErrIncomplete)
	case len(s.SearchSpace) == 0:
		return fmt.Errorf("%w: no search-space files", ErrIncomplete)
	case s.Solution == nil:
		return fmt.Errorf("%w: no solution", ErrIncomplete)
	case s.Simulator == nil:
		return fmt.Errorf("%w: no simulator", ErrIncomplete)
	case len(s.Recipes) == 0:
		return fmt.Errorf("%w: no recipes", ErrIncomplete)
	case s.RunDir == "":
		return fmt.Errorf("%w: no run directory", ErrIncomplete)
	}
	return nil
}

// LoadDatabase opens the record store as a scoped resource. The caller
// owns the returned store and must Close it.
func (s *Specification) LoadDatabase(ctx context.Context) (store.Store, error) {
	if s.Database == nil {
		return nil, fmt.Errorf("%w: no database", ErrIncomplete)
	}
	return s.Database.Open(ctx, s.Logger)
}

// Assemble builds and starts the full topology, yielding the doer, the
// thinker, and the open store inside a Runtime.
//
// On any construction failure every already-acquired in-process
// resource is released before the error propagates; cache artifacts on
// disk are deliberately left in place. Configuration errors surface
// before any executor pool is started.
func (s *Specification) Assemble(ctx context.Context) (rt *Runtime, err error) {
	if err := s.validate(); err != nil {
		return nil, err
	}
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, span := tracer.Start(ctx, "specify.Assemble",
		trace.WithAttributes(attribute.String("run_dir", s.RunDir)),
	)
	defer span.End()

	st, err := s.Database.Open(ctx, logger)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = st.Close()
		}
	}()

	settings := cacheSettings{
		SearchSpace:    s.SearchSpace,
		Solution:       s.Solution.Settings(),
		ThinkerOptions: s.ThinkerOptions,
	}
	artifact, err := cachespace.GetOrBuild(ctx, s.RunDir, settings, s.buildSearchSpace, logger)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	topics := s.Solution.Topics()
	assignment, err := topology.Resolve(s.Compute, topics)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	names, err := transport.Resolve(s.Transport, topics)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	doer, err := queue.New(assignment, s.buildHandlers(), queue.Options{
		Logger:         logger,
		TransportNames: names,
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if err = doer.Start(ctx); err != nil {
		span.RecordError(err)
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = doer.Stop(ctx)
		}
	}()

	factory := s.Thinker
	if factory == nil {
		factory = steer.NewBruteForce
	}
	thinker, err := factory(steer.Deps{
		Queues:      doer,
		Store:       st,
		SearchSpace: artifact.Candidates,
		Solution:    s.Solution,
		Recipes:     s.Recipes,
		Transport:   s.Transport,
		Options:     s.ThinkerOptions,
		Logger:      logger,
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("constructing thinker: %w", err)
	}

	logger.Info("campaign assembled",
		slog.Int("topics", len(topics)),
		slog.Int("executors", len(doer.Executors())),
		slog.Int("candidates", len(artifact.Candidates)),
		slog.Int("records", st.Len()),
	)
	return &Runtime{
		Doer:    doer,
		Thinker: thinker,
		Store:   st,
		logger:  logger,
	}, nil
}

// With assembles, hands the runtime to fn, and guarantees teardown on
// every exit path: normal return, early return, or error. A teardown
// failure surfaces unless fn already failed.
func (s *Specification) With(ctx context.Context, fn func(ctx context.Context, rt *Runtime) error) (err error) {
	rt, err := s.Assemble(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := rt.Close(ctx); cerr != nil && err == nil {
			err = cerr
		}
	}()
	err = fn(ctx, rt)
	return err
}

// Close drains and stops the queue system, then closes the store.
// Idempotent; later calls return the first result.
func (r *Runtime) Close(ctx context.Context) error {
	r.closeOnce.Do(func() {
		var errs []error
		if err := r.Doer.Drain(ctx); err != nil && !errors.Is(err, queue.ErrStopped) {
			errs = append(errs, fmt.Errorf("draining queues: %w", err))
		}
		if err := r.Doer.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stopping queues: %w", err))
		}
		if err := r.Store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing store: %w", err))
		}
		r.closeErr = errors.Join(errs...)
		if r.closeErr == nil {
			r.logger.Debug("campaign runtime closed")
		}
	})
	return r.closeErr
}

// buildSearchSpace reads every candidate file, normalizes identifiers,
// and deduplicates them preserving first-seen order. This is the
// expensive preprocessing the cache amortizes.
func (s *Specification) buildSearchSpace(ctx context.Context) ([]string, error) {
	seen := make(map[string]bool)
	var out []string
	for _, path := range s.SearchSpace {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("opening search-space file: %w", err)
		}
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			key := store.CanonicalKey(scanner.Text())
			if key == "" || seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, key)
		}
		if err := scanner.Err(); err != nil {
			f.Close()
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
		f.Close()
	}
	return out, nil
}

// buildHandlers wires topic handlers from the specification's simulator
// and, for learning solutions, its scorer.
func (s *Specification) buildHandlers() map[queue.Topic]queue.Handler {
	handlers := map[queue.Topic]queue.Handler{
		solution.TopicSimulate: s.simulateHandler(),
	}
	if sfal, ok := s.Solution.(solution.SingleFidelityActiveLearning); ok && sfal.Scorer != nil {
		handlers[solution.TopicTrain] = trainHandler(sfal.Scorer)
		handlers[solution.TopicInference] = s.inferHandler(sfal.Scorer)
	}
	return handlers
}

func (s *Specification) simulateHandler() queue.Handler {
	rec := s.Recipes[0]
	return func(ctx context.Context, task queue.Task) (any, error) {
		req, ok := task.Payload.(steer.SimulateTask)
		if !ok {
			return nil, fmt.Errorf("simulate task %s has payload %T", task.ID, task.Payload)
		}
		outcome, err := s.Simulator.Optimize(ctx, sim.OptimizeRequest{
			Identifier: req.Identifier,
			ConfigName: rec.Level,
			Charge:     rec.Charge,
		})
		if err != nil {
			return nil, err
		}
		if outcome.Final.Energy == nil {
			return nil, fmt.Errorf("simulator returned no energy for %s", req.Identifier)
		}
		return steer.SimulateOutcome{
			Identifier: req.Identifier,
			Energy:     *outcome.Final.Energy,
			Metadata:   outcome.Metadata,
		}, nil
	}
}

func trainHandler(scorer solution.Scorer) queue.Handler {
	return func(ctx context.Context, task queue.Task) (any, error) {
		req, ok := task.Payload.(steer.TrainTask)
		if !ok {
			return nil, fmt.Errorf("train task %s has payload %T", task.ID, task.Payload)
		}
		model, err := scorer.Train(ctx, req.Records)
		if err != nil {
			return nil, err
		}
		return steer.TrainOutcome{Model: model}, nil
	}
}

func (s *Specification) inferHandler(scorer solution.Scorer) queue.Handler {
	return func(ctx context.Context, task queue.Task) (any, error) {
		req, ok := task.Payload.(steer.InferTask)
		if !ok {
			return nil, fmt.Errorf("inference task %s has payload %T", task.ID, task.Payload)
		}
		candidates := req.Candidates
		if req.ObjectRef != "" {
			fetched, err := fetchChunk(ctx, s.Transport, req.ObjectRef)
			if err != nil {
				return nil, err
			}
			candidates = fetched
		}
		scores, err := scorer.Score(ctx, req.Model, candidates)
		if err != nil {
			return nil, err
		}
		return steer.InferOutcome{Scores: scores}, nil
	}
}

// fetchChunk retrieves a parked candidate chunk from the inference
// topic's transport store.
func fetchChunk(ctx context.Context, binding transport.Binding, ref string) ([]string, error) {
	objStore := binding.Store(solution.TopicInference)
	if objStore == nil {
		return nil, fmt.Errorf("task references object %q but no transport store is bound", ref)
	}
	raw, err := objStore.Get(ctx, ref)
	if err != nil {
		return nil, err
	}
	var chunk []string
	if err := json.Unmarshal(raw, &chunk); err != nil {
		return nil, fmt.Errorf("decoding candidate chunk %q: %w", ref, err)
	}
	return chunk, nil
}
