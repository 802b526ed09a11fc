// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package topology matches a compute-resource description against the
// topics a solution requires.
//
// A ComputeConfig is a user-supplied, loosely constrained list of worker
// pool descriptors; the required topic set comes from the solution, never
// from the user. Resolve reconciles the two into a topic → executor
// assignment, or fails fast with a configuration error before any worker
// pool is started.
//
// # Resolution precedence
//
// The order is load-bearing and must not change:
//
//  1. An executor whose label equals a topic name serves that topic.
//  2. A single unlabeled ("catch-all") executor serves every topic that
//     step 1 left unassigned.
//  3. If the whole config holds exactly one executor, it serves every
//     topic regardless of label (the common single-pool setup).
//  4. Otherwise resolution fails, naming the unassigned topics.
package topology

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Sentinel errors for configuration problems. All of them surface at
// assembly time, before any executor is started.
var (
	// ErrNoExecutors is returned for an empty compute config.
	ErrNoExecutors = errors.New("compute config has no executors")

	// ErrDuplicateLabel is returned when two executors share a label.
	ErrDuplicateLabel = errors.New("duplicate executor label")

	// ErrMultipleCatchAll is returned when more than one executor is
	// unlabeled. At most one catch-all is allowed.
	ErrMultipleCatchAll = errors.New("more than one unlabeled executor")

	// ErrUnassignedTopics is returned when required topics cannot be
	// matched to any executor.
	ErrUnassignedTopics = errors.New("topics have no assigned executor")

	// ErrInvalidExecutor is returned when an executor descriptor fails
	// field validation.
	ErrInvalidExecutor = errors.New("invalid executor descriptor")
)

// Topic is a named category of work routed to its own queue and executor
// subset (e.g. "train", "simulate", "inference").
type Topic string

// ExecutorSpec describes one worker pool.
type ExecutorSpec struct {
	// Label binds the executor to the topic with the same name.
	// Empty means catch-all; at most one executor may be unlabeled.
	Label string `json:"label,omitempty" yaml:"label,omitempty"`

	// Workers is the pool size.
	Workers int `json:"workers" yaml:"workers" validate:"required,min=1"`

	// Address is the connection info for the pool's host.
	Address string `json:"address" yaml:"address" validate:"required"`
}

// ComputeConfig is an ordered list of executor descriptors.
type ComputeConfig struct {
	Executors []ExecutorSpec `json:"executors" yaml:"executors"`
}

// Assignment maps every required topic to its ordered executor subset.
type Assignment map[Topic][]ExecutorSpec

// Executors returns the distinct executors in the assignment, in the
// order they appear in the originating ComputeConfig.
func (a Assignment) Executors() []ExecutorSpec {
	seen := make(map[ExecutorSpec]bool)
	var out []ExecutorSpec
	topics := make([]string, 0, len(a))
	for t := range a {
		topics = append(topics, string(t))
	}
	sort.Strings(topics)
	for _, t := range topics {
		for _, ex := range a[Topic(t)] {
			if !seen[ex] {
				seen[ex] = true
				out = append(out, ex)
			}
		}
	}
	return out
}

// Topics returns the sorted topic set of the assignment.
func (a Assignment) Topics() []Topic {
	out := make([]Topic, 0, len(a))
	for t := range a {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks structural invariants of the compute config:
// non-empty, per-executor field validity, unique labels, and at most
// one unlabeled catch-all.
func (c ComputeConfig) Validate() error {
	if len(c.Executors) == 0 {
		return ErrNoExecutors
	}

	labels := make(map[string]bool)
	unlabeled := 0
	for i, ex := range c.Executors {
		if err := validate.Struct(ex); err != nil {
			return fmt.Errorf("%w: executor %d: %v", ErrInvalidExecutor, i, err)
		}
		if ex.Label == "" {
			unlabeled++
			continue
		}
		if labels[ex.Label] {
			return fmt.Errorf("%w: %q", ErrDuplicateLabel, ex.Label)
		}
		labels[ex.Label] = true
	}
	if unlabeled > 1 {
		return fmt.Errorf("%w (%d found)", ErrMultipleCatchAll, unlabeled)
	}
	return nil
}

// Resolve produces the topic → executor assignment for the required
// topics, following the resolution precedence documented on the package.
func Resolve(cfg ComputeConfig, topics []Topic) (Assignment, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(topics) == 0 {
		return nil, errors.New("solution declares no topics")
	}

	assignment := make(Assignment, len(topics))

	// Step 1: exact label matches.
	byLabel := make(map[string]ExecutorSpec)
	var catchAll *ExecutorSpec
	for i := range cfg.Executors {
		ex := cfg.Executors[i]
		if ex.Label == "" {
			catchAll = &ex
			continue
		}
		byLabel[ex.Label] = ex
	}
	var unassigned []Topic
	for _, t := range topics {
		if ex, ok := byLabel[string(t)]; ok {
			assignment[t] = []ExecutorSpec{ex}
		} else {
			unassigned = append(unassigned, t)
		}
	}
	if len(unassigned) == 0 {
		return assignment, nil
	}

	// Step 2: catch-all serves everything still unassigned.
	if catchAll != nil {
		for _, t := range unassigned {
			assignment[t] = []ExecutorSpec{*catchAll}
		}
		return assignment, nil
	}

	// Step 3: a singleton config serves all topics regardless of label.
	if len(cfg.Executors) == 1 {
		only := cfg.Executors[0]
		for _, t := range unassigned {
			assignment[t] = []ExecutorSpec{only}
		}
		return assignment, nil
	}

	// Step 4: fail, naming the topics a user must cover.
	names := make([]string, len(unassigned))
	for i, t := range unassigned {
		names[i] = string(t)
	}
	sort.Strings(names)
	return nil, fmt.Errorf("%w: %s", ErrUnassignedTopics, strings.Join(names, ", "))
}
