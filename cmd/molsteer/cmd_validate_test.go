// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/molsteer/services/campaign/config"
	"github.com/AleutianAI/molsteer/services/campaign/sim"
	"github.com/AleutianAI/molsteer/services/campaign/solution"
)

const validCampaign = `
run_dir: runs
database: db.ndjson
search_space: [space.smi]
recipes: [{name: ie, level: pm7}]
solution: {kind: brute_force, num_to_run: 2}
compute: {executors: [{workers: 1, address: local}]}
`

func TestRunValidate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "campaign.yaml")
	require.NoError(t, os.WriteFile(path, []byte(validCampaign), 0o644))

	old := campaignFile
	campaignFile = path
	defer func() { campaignFile = old }()

	require.NoError(t, runValidate(validateCmd, nil))

	campaignFile = filepath.Join(dir, "missing.yaml")
	require.Error(t, runValidate(validateCmd, nil))
}

func TestBuildSimulator(t *testing.T) {
	s, err := buildSimulator("fake")
	require.NoError(t, err)
	assert.IsType(t, sim.Fake{}, s)

	_, err = buildSimulator("xtb")
	require.Error(t, err)
}

func TestBuildScorer(t *testing.T) {
	s, err := buildScorer("baseline", config.KindActiveLearning)
	require.NoError(t, err)
	assert.IsType(t, solution.BaselineScorer{}, s)

	s, err = buildScorer("baseline", config.KindBruteForce)
	require.NoError(t, err)
	assert.Nil(t, s, "brute force needs no scorer")

	_, err = buildScorer("gpr", config.KindActiveLearning)
	require.Error(t, err)
}
