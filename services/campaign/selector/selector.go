// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package selector provides candidate selection strategies.
//
// Selection decides which scored candidates are worth a simulation.
// Strategies are pluggable: the steering loop consumes the Selector
// interface and never depends on a concrete policy.
package selector

import (
	"iter"
	"math/rand/v2"
	"sort"
)

// Scored is a candidate with its predicted value.
type Scored struct {
	Key   string
	Score float64
}

// Selector picks at most k candidates from a scored pool.
type Selector interface {
	Select(candidates []Scored, k int) []Scored
}

// Random picks k candidates uniformly, ignoring scores. It is the
// baseline every acquisition policy has to beat.
type Random struct {
	// Rand is the source of randomness. Nil uses the shared source.
	Rand *rand.Rand
}

// Select returns k candidates drawn without replacement.
func (r Random) Select(candidates []Scored, k int) []Scored {
	if k >= len(candidates) {
		out := make([]Scored, len(candidates))
		copy(out, candidates)
		return out
	}
	perm := r.perm(len(candidates))
	out := make([]Scored, k)
	for i := 0; i < k; i++ {
		out[i] = candidates[perm[i]]
	}
	return out
}

func (r Random) perm(n int) []int {
	if r.Rand != nil {
		return r.Rand.Perm(n)
	}
	return rand.Perm(n)
}

// Greedy picks the k candidates with the highest scores.
type Greedy struct{}

// Select returns the top k candidates by score, best first.
func (Greedy) Select(candidates []Scored, k int) []Scored {
	sorted := make([]Scored, len(candidates))
	copy(sorted, candidates)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Score > sorted[j].Score
	})
	if k < len(sorted) {
		sorted = sorted[:k]
	}
	return sorted
}

// RandomStarter seeds a campaign before any model can be trained.
//
// It reservoir-samples candidates from a stream, optionally bounded to
// the first MaxToConsider items so enormous search spaces stay cheap to
// start from.
type RandomStarter struct {
	// Threshold is the store size below which the starter runs.
	Threshold int

	// MinToSelect is the smallest sample the starter returns, even
	// when fewer are requested.
	MinToSelect int

	// MaxToConsider bounds how much of the stream is examined.
	// Zero means the whole stream.
	MaxToConsider int

	// Rand is the source of randomness. Nil uses the shared source.
	Rand *rand.Rand
}

// Select reservoir-samples max(count, MinToSelect) distinct candidates
// from the stream, looking at no more than MaxToConsider items.
func (s RandomStarter) Select(candidates iter.Seq[string], count int) []string {
	k := count
	if s.MinToSelect > k {
		k = s.MinToSelect
	}
	if k <= 0 {
		return nil
	}

	reservoir := make([]string, 0, k)
	seen := 0
	for c := range candidates {
		if s.MaxToConsider > 0 && seen >= s.MaxToConsider {
			break
		}
		seen++
		if len(reservoir) < k {
			reservoir = append(reservoir, c)
			continue
		}
		j := s.intN(seen)
		if j < k {
			reservoir[j] = c
		}
	}
	return reservoir
}

func (s RandomStarter) intN(n int) int {
	if s.Rand != nil {
		return s.Rand.IntN(n)
	}
	return rand.IntN(n)
}
