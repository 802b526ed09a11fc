// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config loads campaign files: the YAML form of a
// specification.
//
// A campaign file holds only the declarative parts. Pluggable code
// (the simulator, a surrogate scorer) is injected at build time via
// BuildOptions, so the file stays portable between machines that run
// different simulation backends.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/molsteer/services/campaign/recipe"
	"github.com/AleutianAI/molsteer/services/campaign/selector"
	"github.com/AleutianAI/molsteer/services/campaign/sim"
	"github.com/AleutianAI/molsteer/services/campaign/solution"
	"github.com/AleutianAI/molsteer/services/campaign/specify"
	"github.com/AleutianAI/molsteer/services/campaign/steer"
	"github.com/AleutianAI/molsteer/services/campaign/store"
	"github.com/AleutianAI/molsteer/services/campaign/topology"
	"github.com/AleutianAI/molsteer/services/campaign/transport"
)

// Solution kinds accepted in campaign files.
const (
	KindBruteForce     = "brute_force"
	KindActiveLearning = "single_fidelity_active_learning"
)

// Selector kinds accepted in campaign files.
const (
	SelectorGreedy = "greedy"
	SelectorRandom = "random"
)

var (
	// ErrUnknownKind is returned for an unrecognized solution,
	// selector, simulator, or thinker kind.
	ErrUnknownKind = errors.New("unknown kind in campaign file")

	// ErrInvalid is returned when a campaign file fails validation.
	ErrInvalid = errors.New("invalid campaign file")
)

// Campaign is the on-disk YAML schema.
type Campaign struct {
	// RunDir is where cached preprocessing and logs live. Relative
	// paths resolve against the campaign file's directory.
	RunDir string `yaml:"run_dir" validate:"required"`

	// Database is the NDJSON record file path.
	Database string `yaml:"database" validate:"required"`

	// SearchSpace lists candidate files.
	SearchSpace []string `yaml:"search_space" validate:"required,min=1"`

	// Recipes name the properties to compute.
	Recipes []Recipe `yaml:"recipes" validate:"required,min=1,dive"`

	// Solution picks and parameterizes the strategy.
	Solution Solution `yaml:"solution"`

	// Compute lists the executor pools.
	Compute topology.ComputeConfig `yaml:"compute"`

	// Transport optionally binds object stores to topics.
	Transport []TransportStore `yaml:"transport,omitempty"`

	// Thinker tunes the steering loop.
	Thinker Thinker `yaml:"thinker,omitempty"`

	// Log configures logging destinations.
	Log Log `yaml:"log,omitempty"`
}

// Recipe is one property to compute.
type Recipe struct {
	Name   string `yaml:"name" validate:"required"`
	Level  string `yaml:"level" validate:"required"`
	Charge int    `yaml:"charge,omitempty"`
}

// Solution selects and parameterizes the campaign strategy.
type Solution struct {
	Kind       string  `yaml:"kind" validate:"required"`
	NumToRun   int     `yaml:"num_to_run" validate:"required,min=1"`
	Selector   string  `yaml:"selector,omitempty"`
	ModelCount int     `yaml:"model_count,omitempty"`
	Starter    Starter `yaml:"starter,omitempty"`
}

// Starter parameterizes the random seeding phase.
type Starter struct {
	Threshold     int `yaml:"threshold,omitempty"`
	MinToSelect   int `yaml:"min_to_select,omitempty"`
	MaxToConsider int `yaml:"max_to_consider,omitempty"`
}

// TransportStore declares one object store and the topics it serves.
// An entry with no topics serves every topic.
type TransportStore struct {
	Name     string   `yaml:"name" validate:"required"`
	Path     string   `yaml:"path,omitempty"`
	InMemory bool     `yaml:"in_memory,omitempty"`
	Topics   []string `yaml:"topics,omitempty"`
}

// Thinker tunes the steering loop.
type Thinker struct {
	InferenceChunkSize int `yaml:"inference_chunk_size,omitempty"`
}

// Log configures logging destinations for the campaign process.
type Log struct {
	Level string `yaml:"level,omitempty"`
	Dir   string `yaml:"dir,omitempty"`
	JSON  bool   `yaml:"json,omitempty"`
	Quiet bool   `yaml:"quiet,omitempty"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load reads and validates a campaign file. Relative paths inside the
// file are resolved against the file's directory.
func Load(path string) (*Campaign, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading campaign file: %w", err)
	}
	var c Campaign
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	c.resolvePaths(filepath.Dir(path))
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks the schema constraints plus the cross-field rules the
// struct tags cannot express.
func (c *Campaign) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := c.Compute.Validate(); err != nil {
		return fmt.Errorf("%w: compute: %v", ErrInvalid, err)
	}

	switch c.Solution.Kind {
	case KindBruteForce:
	case KindActiveLearning:
		switch c.Solution.Selector {
		case SelectorGreedy, SelectorRandom:
		case "":
			return fmt.Errorf("%w: %s requires a selector", ErrInvalid, KindActiveLearning)
		default:
			return fmt.Errorf("%w: selector %q", ErrUnknownKind, c.Solution.Selector)
		}
	default:
		return fmt.Errorf("%w: solution %q", ErrUnknownKind, c.Solution.Kind)
	}

	seen := make(map[string]bool)
	for _, ts := range c.Transport {
		if seen[ts.Name] {
			return fmt.Errorf("%w: duplicate transport store %q", ErrInvalid, ts.Name)
		}
		seen[ts.Name] = true
		if !ts.InMemory && ts.Path == "" {
			return fmt.Errorf("%w: transport store %q needs a path or in_memory", ErrInvalid, ts.Name)
		}
	}
	return nil
}

func (c *Campaign) resolvePaths(base string) {
	resolve := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(base, p)
	}
	c.RunDir = resolve(c.RunDir)
	c.Database = resolve(c.Database)
	for i, p := range c.SearchSpace {
		c.SearchSpace[i] = resolve(p)
	}
	for i := range c.Transport {
		c.Transport[i].Path = resolve(c.Transport[i].Path)
	}
}

// BuildOptions inject the pluggable code a campaign file cannot name.
type BuildOptions struct {
	// Simulator runs the evaluations. Required.
	Simulator sim.Simulator

	// Scorer provides the surrogate for active-learning solutions.
	// Required when the solution kind is single_fidelity_active_learning.
	Scorer solution.Scorer

	// Logger for assembly and runtime events.
	Logger *slog.Logger
}

// Build turns the campaign into an assemblable specification. The
// returned cleanup closes the object stores Build opened; call it after
// the runtime's scope ends.
func (c *Campaign) Build(opts BuildOptions) (*specify.Specification, func() error, error) {
	if opts.Simulator == nil {
		return nil, nil, errors.New("build requires a simulator")
	}

	sol, thinker, err := c.buildSolution(opts)
	if err != nil {
		return nil, nil, err
	}

	binding, cleanup, err := c.buildTransport()
	if err != nil {
		return nil, nil, err
	}

	recipes := make([]recipe.PropertySpec, len(c.Recipes))
	for i, r := range c.Recipes {
		recipes[i] = recipe.PropertySpec{Name: r.Name, Level: r.Level, Charge: r.Charge}
	}

	spec := &specify.Specification{
		Database:    store.File(c.Database),
		SearchSpace: c.SearchSpace,
		Solution:    sol,
		Simulator:   opts.Simulator,
		Recipes:     recipes,
		Thinker:     thinker,
		Compute:     c.Compute,
		RunDir:      c.RunDir,
		Transport:   binding,
		ThinkerOptions: steer.Options{
			InferenceChunkSize: c.Thinker.InferenceChunkSize,
		},
		Logger: opts.Logger,
	}
	return spec, cleanup, nil
}

func (c *Campaign) buildSolution(opts BuildOptions) (solution.Solution, steer.Factory, error) {
	base := solution.Spec{
		NumToRun: c.Solution.NumToRun,
		Starter: selector.RandomStarter{
			Threshold:     c.Solution.Starter.Threshold,
			MinToSelect:   c.Solution.Starter.MinToSelect,
			MaxToConsider: c.Solution.Starter.MaxToConsider,
		},
	}

	switch c.Solution.Kind {
	case KindBruteForce:
		return base, steer.NewBruteForce, nil
	case KindActiveLearning:
		if opts.Scorer == nil {
			return nil, nil, fmt.Errorf("%s requires a scorer", KindActiveLearning)
		}
		var sel selector.Selector
		switch c.Solution.Selector {
		case SelectorGreedy:
			sel = selector.Greedy{}
		case SelectorRandom:
			sel = selector.Random{}
		default:
			return nil, nil, fmt.Errorf("%w: selector %q", ErrUnknownKind, c.Solution.Selector)
		}
		return solution.SingleFidelityActiveLearning{
			Spec:       base,
			Selector:   sel,
			Scorer:     opts.Scorer,
			ModelCount: c.Solution.ModelCount,
		}, steer.NewSingleStep, nil
	default:
		return nil, nil, fmt.Errorf("%w: solution %q", ErrUnknownKind, c.Solution.Kind)
	}
}

// buildTransport opens the declared object stores and folds them into a
// binding. Stores opened here are owned by the returned cleanup.
func (c *Campaign) buildTransport() (transport.Binding, func() error, error) {
	if len(c.Transport) == 0 {
		return transport.None(), func() error { return nil }, nil
	}

	var opened []*transport.KVStore
	cleanup := func() error {
		var errs []error
		for i := len(opened) - 1; i >= 0; i-- {
			if err := opened[i].Close(); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}

	var global *transport.KVStore
	perTopic := make(map[string]transport.ObjectStore)
	for _, ts := range c.Transport {
		kv, err := transport.OpenKV(transport.KVConfig{
			Name:     ts.Name,
			Path:     ts.Path,
			InMemory: ts.InMemory,
		})
		if err != nil {
			_ = cleanup()
			return transport.Binding{}, nil, fmt.Errorf("opening transport store %q: %w", ts.Name, err)
		}
		opened = append(opened, kv)

		if len(ts.Topics) == 0 {
			if global != nil {
				_ = cleanup()
				return transport.Binding{}, nil, fmt.Errorf("%w: two global transport stores", ErrInvalid)
			}
			global = kv
			continue
		}
		for _, topic := range ts.Topics {
			if _, dup := perTopic[topic]; dup {
				_ = cleanup()
				return transport.Binding{}, nil, fmt.Errorf("%w: topic %q bound twice", ErrInvalid, topic)
			}
			perTopic[topic] = kv
		}
	}

	switch {
	case global != nil && len(perTopic) > 0:
		_ = cleanup()
		return transport.Binding{}, nil, fmt.Errorf("%w: mixing global and per-topic transport stores", ErrInvalid)
	case global != nil:
		return transport.Global(global), cleanup, nil
	default:
		return transport.PerTopic(perTopic), cleanup, nil
	}
}
