// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package solution declares what a campaign is trying to do and which
// work topics it needs.
//
// The required topic set always comes from the solution, never from the
// user's compute description: the topology resolver reconciles the two.
package solution

import (
	"context"

	"github.com/AleutianAI/molsteer/services/campaign/selector"
	"github.com/AleutianAI/molsteer/services/campaign/store"
	"github.com/AleutianAI/molsteer/services/campaign/topology"
)

// Work topics a solution can declare.
const (
	TopicSimulate  topology.Topic = "simulate"
	TopicTrain     topology.Topic = "train"
	TopicInference topology.Topic = "inference"
)

// Solution describes a strategy for exploring the search space.
type Solution interface {
	// Topics returns the work topics the strategy needs queues for.
	Topics() []topology.Topic

	// Settings returns a JSON-serializable snapshot of every field
	// that affects search-space preprocessing. It feeds the cache
	// fingerprint: changing a setting invalidates the cached space.
	Settings() any
}

// Scorer trains surrogate models and scores candidates with them.
// Model internals are out of the core's hands; models move through the
// queues as opaque bytes.
type Scorer interface {
	// Train fits a model to the current records.
	Train(ctx context.Context, records []*store.Record) ([]byte, error)

	// Score predicts a value for each candidate using a trained model.
	Score(ctx context.Context, model []byte, candidates []string) ([]float64, error)
}

// Spec is the base solution: evaluate candidates by brute force with no
// learning loop.
type Spec struct {
	// NumToRun is how many candidates to evaluate.
	NumToRun int `json:"num_to_run" yaml:"num_to_run" validate:"min=1"`

	// Starter seeds the campaign when the database is too small for
	// anything smarter.
	Starter selector.RandomStarter `json:"starter" yaml:"starter"`
}

// Topics returns the single simulation topic.
func (s Spec) Topics() []topology.Topic {
	return []topology.Topic{TopicSimulate}
}

// Settings returns the preprocessing-relevant fields.
func (s Spec) Settings() any {
	return map[string]any{
		"kind":       "brute_force",
		"num_to_run": s.NumToRun,
	}
}

// SingleFidelityActiveLearning trains a surrogate on known records,
// scores the whole search space with it, and simulates the candidates
// the selector picks.
type SingleFidelityActiveLearning struct {
	Spec

	// Selector ranks scored candidates for simulation.
	Selector selector.Selector

	// Scorer provides training and inference for the surrogate.
	Scorer Scorer

	// ModelCount is how many ensemble members to train per round.
	ModelCount int `json:"model_count" yaml:"model_count"`
}

// Topics adds the learning topics to the base simulation topic.
func (s SingleFidelityActiveLearning) Topics() []topology.Topic {
	return []topology.Topic{TopicSimulate, TopicTrain, TopicInference}
}

// Settings returns the preprocessing-relevant fields.
func (s SingleFidelityActiveLearning) Settings() any {
	return map[string]any{
		"kind":        "single_fidelity_active_learning",
		"num_to_run":  s.NumToRun,
		"model_count": s.ModelCount,
	}
}
