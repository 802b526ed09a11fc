// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/molsteer/services/campaign/selector"
	"github.com/AleutianAI/molsteer/services/campaign/sim"
	"github.com/AleutianAI/molsteer/services/campaign/solution"
	"github.com/AleutianAI/molsteer/services/campaign/store"
)

const sampleCampaign = `
run_dir: runs/demo
database: records.ndjson
search_space:
  - space.smi
recipes:
  - name: ionization_energy
    level: mopac_pm7
    charge: 1
solution:
  kind: brute_force
  num_to_run: 8
  starter:
    threshold: 10
    min_to_select: 2
    max_to_consider: 1000
compute:
  executors:
    - label: simulate
      workers: 4
      address: hpc-a
    - workers: 1
      address: local
thinker:
  inference_chunk_size: 64
log:
  level: debug
`

func writeCampaign(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "campaign.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadResolvesRelativePaths(t *testing.T) {
	path := writeCampaign(t, sampleCampaign)
	base := filepath.Dir(path)

	c, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(base, "runs/demo"), c.RunDir)
	assert.Equal(t, filepath.Join(base, "records.ndjson"), c.Database)
	require.Len(t, c.SearchSpace, 1)
	assert.Equal(t, filepath.Join(base, "space.smi"), c.SearchSpace[0])
	assert.Equal(t, 64, c.Thinker.InferenceChunkSize)
	assert.Equal(t, "debug", c.Log.Level)
}

func TestLoadRejectsInvalidCampaigns(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not yaml", "run_dir: [unclosed"},
		{"missing run_dir", `
database: db.ndjson
search_space: [space.smi]
recipes: [{name: ie, level: pm7}]
solution: {kind: brute_force, num_to_run: 1}
compute: {executors: [{workers: 1, address: local}]}
`},
		{"no executors", `
run_dir: runs
database: db.ndjson
search_space: [space.smi]
recipes: [{name: ie, level: pm7}]
solution: {kind: brute_force, num_to_run: 1}
compute: {executors: []}
`},
		{"unknown solution kind", `
run_dir: runs
database: db.ndjson
search_space: [space.smi]
recipes: [{name: ie, level: pm7}]
solution: {kind: simulated_annealing, num_to_run: 1}
compute: {executors: [{workers: 1, address: local}]}
`},
		{"active learning without selector", `
run_dir: runs
database: db.ndjson
search_space: [space.smi]
recipes: [{name: ie, level: pm7}]
solution: {kind: single_fidelity_active_learning, num_to_run: 1}
compute: {executors: [{workers: 1, address: local}]}
`},
		{"transport store without path", `
run_dir: runs
database: db.ndjson
search_space: [space.smi]
recipes: [{name: ie, level: pm7}]
solution: {kind: brute_force, num_to_run: 1}
compute: {executors: [{workers: 1, address: local}]}
transport: [{name: proxy}]
`},
		{"duplicate transport store", `
run_dir: runs
database: db.ndjson
search_space: [space.smi]
recipes: [{name: ie, level: pm7}]
solution: {kind: brute_force, num_to_run: 1}
compute: {executors: [{workers: 1, address: local}]}
transport: [{name: proxy, in_memory: true}, {name: proxy, in_memory: true}]
`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeCampaign(t, tt.body))
			require.Error(t, err)
		})
	}
}

func TestBuildBruteForce(t *testing.T) {
	c, err := Load(writeCampaign(t, sampleCampaign))
	require.NoError(t, err)

	spec, cleanup, err := c.Build(BuildOptions{Simulator: sim.Fake{}})
	require.NoError(t, err)
	defer func() { require.NoError(t, cleanup()) }()

	sol, ok := spec.Solution.(solution.Spec)
	require.True(t, ok)
	assert.Equal(t, 8, sol.NumToRun)
	assert.Equal(t, 10, sol.Starter.Threshold)
	assert.Equal(t, 2, sol.Starter.MinToSelect)
	require.Len(t, spec.Recipes, 1)
	assert.Equal(t, "ionization_energy", spec.Recipes[0].Name)
	assert.Equal(t, 1, spec.Recipes[0].Charge)
	assert.True(t, spec.Transport.IsNone())
	assert.Equal(t, 64, spec.ThinkerOptions.InferenceChunkSize)
}

func TestBuildRequiresSimulator(t *testing.T) {
	c, err := Load(writeCampaign(t, sampleCampaign))
	require.NoError(t, err)

	_, _, err = c.Build(BuildOptions{})
	require.Error(t, err)
}

type nopScorer struct{}

func (nopScorer) Train(_ context.Context, _ []*store.Record) ([]byte, error) {
	return []byte{1}, nil
}

func (nopScorer) Score(_ context.Context, _ []byte, candidates []string) ([]float64, error) {
	return make([]float64, len(candidates)), nil
}

func TestBuildActiveLearning(t *testing.T) {
	body := `
run_dir: runs
database: db.ndjson
search_space: [space.smi]
recipes: [{name: ie, level: pm7}]
solution:
  kind: single_fidelity_active_learning
  num_to_run: 4
  selector: greedy
  model_count: 2
compute: {executors: [{workers: 1, address: local}]}
transport: [{name: proxy, in_memory: true, topics: [inference]}]
`
	c, err := Load(writeCampaign(t, body))
	require.NoError(t, err)

	// An active-learning campaign cannot build without a scorer.
	_, _, err = c.Build(BuildOptions{Simulator: sim.Fake{}})
	require.Error(t, err)

	spec, cleanup, err := c.Build(BuildOptions{Simulator: sim.Fake{}, Scorer: nopScorer{}})
	require.NoError(t, err)
	defer func() { require.NoError(t, cleanup()) }()

	sfal, ok := spec.Solution.(solution.SingleFidelityActiveLearning)
	require.True(t, ok)
	assert.Equal(t, 2, sfal.ModelCount)
	assert.IsType(t, selector.Greedy{}, sfal.Selector)

	objStore := spec.Transport.Store(solution.TopicInference)
	require.NotNil(t, objStore)
	assert.Equal(t, "proxy", objStore.Name())
	assert.Nil(t, spec.Transport.Store(solution.TopicSimulate))
}
