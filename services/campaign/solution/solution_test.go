// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package solution

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/molsteer/services/campaign/selector"
	"github.com/AleutianAI/molsteer/services/campaign/store"
	"github.com/AleutianAI/molsteer/services/campaign/topology"
)

func TestSpecTopics(t *testing.T) {
	s := Spec{NumToRun: 4}
	assert.Equal(t, []topology.Topic{TopicSimulate}, s.Topics())
}

func TestActiveLearningTopics(t *testing.T) {
	s := SingleFidelityActiveLearning{
		Spec:     Spec{NumToRun: 4},
		Selector: selector.Greedy{},
	}
	assert.Equal(t,
		[]topology.Topic{TopicSimulate, TopicTrain, TopicInference},
		s.Topics(),
	)
}

func TestSettingsCarryDiscriminator(t *testing.T) {
	base, ok := Spec{NumToRun: 2}.Settings().(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "brute_force", base["kind"])
	assert.Equal(t, 2, base["num_to_run"])

	sfal, ok := SingleFidelityActiveLearning{
		Spec:       Spec{NumToRun: 2},
		ModelCount: 3,
	}.Settings().(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "single_fidelity_active_learning", sfal["kind"])
	assert.Equal(t, 3, sfal["model_count"])
	assert.NotEqual(t, base["kind"], sfal["kind"], "settings must distinguish the strategies")
}

func TestBaselineScorerIsDeterministic(t *testing.T) {
	ctx := context.Background()

	rec, err := store.NewRecord("CC")
	require.NoError(t, err)
	rec.SetProperty("energy", "fake", -2.0)

	model, err := BaselineScorer{}.Train(ctx, []*store.Record{rec})
	require.NoError(t, err)

	candidates := []string{"O", "N", "CCO"}
	first, err := BaselineScorer{}.Score(ctx, model, candidates)
	require.NoError(t, err)
	require.Len(t, first, 3)

	second, err := BaselineScorer{}.Score(ctx, model, candidates)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	// Scores differ per candidate so selection is not degenerate.
	assert.NotEqual(t, first[0], first[2])
}

func TestBaselineScorerRejectsGarbageModel(t *testing.T) {
	_, err := BaselineScorer{}.Score(context.Background(), []byte("not json"), []string{"CC"})
	require.Error(t, err)

	_, err = BaselineScorer{}.Train(context.Background(), nil)
	require.NoError(t, err, "an empty training set yields a zero model")
}
