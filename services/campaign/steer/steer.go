// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package steer holds the steering loops that decide what work to submit
// and consume the results.
//
// A thinker runs as a single control flow: it issues tasks to the queue
// system and performs blocking multi-way waits across topic result
// channels, never occupying a worker while waiting. Shutdown is explicit
// through context cancellation.
package steer

import (
	"context"
	"errors"
	"log/slog"

	"github.com/AleutianAI/molsteer/services/campaign/queue"
	"github.com/AleutianAI/molsteer/services/campaign/recipe"
	"github.com/AleutianAI/molsteer/services/campaign/solution"
	"github.com/AleutianAI/molsteer/services/campaign/store"
	"github.com/AleutianAI/molsteer/services/campaign/transport"
)

// ErrNoCandidates is returned when the search space holds nothing left
// to evaluate.
var ErrNoCandidates = errors.New("no unevaluated candidates in search space")

// Task payloads exchanged with topic handlers.
type (
	// SimulateTask asks a simulation pool to evaluate one candidate.
	SimulateTask struct {
		Identifier string
	}

	// SimulateOutcome is the recorded value for one candidate.
	SimulateOutcome struct {
		Identifier string
		Energy     float64
		Metadata   string
	}

	// TrainTask carries the records a surrogate model learns from.
	TrainTask struct {
		Records []*store.Record
	}

	// TrainOutcome is an opaque serialized model.
	TrainOutcome struct {
		Model []byte
	}

	// InferTask scores candidates with a trained model. When ObjectRef
	// is set the candidate chunk was parked in the topic's transport
	// store and Candidates is empty.
	InferTask struct {
		Model      []byte
		Candidates []string
		ObjectRef  string
	}

	// InferOutcome holds one score per candidate, in input order.
	InferOutcome struct {
		Scores []float64
	}
)

// Options tune a thinker. All fields feed the search-space cache
// fingerprint, so changing one invalidates cached preprocessing.
type Options struct {
	// InferenceChunkSize is how many candidates one inference task
	// scores. Zero means DefaultInferenceChunkSize.
	InferenceChunkSize int `json:"inference_chunk_size,omitempty" yaml:"inference_chunk_size,omitempty"`
}

// DefaultInferenceChunkSize bounds inference task payloads.
const DefaultInferenceChunkSize = 128

// Deps is everything a thinker needs, injected at assembly time.
type Deps struct {
	// Queues is the started queue system.
	Queues *queue.System

	// Store is the shared record store.
	Store store.Store

	// SearchSpace is the preprocessed candidate list.
	SearchSpace []string

	// Solution describes the strategy parameters.
	Solution solution.Solution

	// Recipes name the properties being computed. The first recipe
	// receives simulation outcomes.
	Recipes []recipe.PropertySpec

	// Transport gives access to the object stores bound to topics, for
	// parking bulk payloads.
	Transport transport.Binding

	// Options are the thinker tunables.
	Options Options

	// Logger for steering events. Nil uses slog.Default().
	Logger *slog.Logger
}

// Factory constructs a thinker from its dependencies. Specifications
// carry a Factory so the thinker type itself stays pluggable.
type Factory func(deps Deps) (Thinker, error)

// Thinker is a steering loop bound to an assembled topology.
type Thinker interface {
	// Run steers the campaign until done or the context ends.
	Run(ctx context.Context) error

	// Queues exposes the queue system the thinker drives, including
	// the per-topic transport-name mapping.
	Queues() *queue.System
}

// validate checks the dependency set shared by all built-in thinkers.
func (d *Deps) validate() error {
	if d.Queues == nil {
		return errors.New("thinker needs a queue system")
	}
	if d.Store == nil {
		return errors.New("thinker needs a record store")
	}
	if d.Solution == nil {
		return errors.New("thinker needs a solution")
	}
	if len(d.Recipes) == 0 {
		return errors.New("thinker needs at least one recipe")
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return nil
}

// remaining returns search-space candidates whose first recipe value is
// not yet in the store.
func (d *Deps) remaining() []string {
	rec := d.Recipes[0]
	var out []string
	for _, cand := range d.SearchSpace {
		key := store.CanonicalKey(cand)
		if r, err := d.Store.Get(key); err == nil {
			if _, done := r.Property(rec.Name, rec.Level); done {
				continue
			}
		}
		out = append(out, cand)
	}
	return out
}

// record writes one simulation outcome into the store under the first
// recipe's property key.
func (d *Deps) record(out SimulateOutcome) error {
	rec := d.Recipes[0]
	key := store.CanonicalKey(out.Identifier)
	r, err := d.Store.Get(key)
	if err != nil {
		if r, err = store.NewRecord(out.Identifier); err != nil {
			return err
		}
	}
	r.SetProperty(rec.Name, rec.Level, out.Energy)
	return d.Store.Update(r)
}
