// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package specify

import (
	"context"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/AleutianAI/molsteer/services/campaign/cachespace"
	"github.com/AleutianAI/molsteer/services/campaign/recipe"
	"github.com/AleutianAI/molsteer/services/campaign/selector"
	"github.com/AleutianAI/molsteer/services/campaign/sim"
	"github.com/AleutianAI/molsteer/services/campaign/solution"
	"github.com/AleutianAI/molsteer/services/campaign/steer"
	"github.com/AleutianAI/molsteer/services/campaign/store"
	"github.com/AleutianAI/molsteer/services/campaign/topology"
	"github.com/AleutianAI/molsteer/services/campaign/transport"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// meanScorer is a minimal surrogate: the "model" is the mean energy of
// the training set, and every candidate scores the negated mean plus a
// length penalty so ordering is deterministic.
type meanScorer struct{}

func (meanScorer) Train(ctx context.Context, records []*store.Record) ([]byte, error) {
	var sum float64
	var n int
	for _, r := range records {
		for _, levels := range r.Properties {
			for _, v := range levels {
				sum += v
				n++
			}
		}
	}
	mean := 0.0
	if n > 0 {
		mean = sum / float64(n)
	}
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(int64(mean*1e6)))
	return buf, nil
}

func (meanScorer) Score(ctx context.Context, model []byte, candidates []string) ([]float64, error) {
	if len(model) != 8 {
		return nil, errors.New("malformed model")
	}
	scores := make([]float64, len(candidates))
	for i, c := range candidates {
		scores[i] = float64(len(c))
	}
	return scores, nil
}

func writeSearchSpace(t *testing.T, dir string, lines ...string) string {
	t.Helper()
	path := filepath.Join(dir, "space.smi")
	var data []byte
	for _, l := range lines {
		data = append(data, []byte(l+"\n")...)
	}
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func bruteSpec(t *testing.T, dir string, numToRun int) *Specification {
	t.Helper()
	space := writeSearchSpace(t, dir, "CC", "O", "N", "CCO", "C")
	dbPath := filepath.Join(dir, "records.ndjson")
	if _, err := os.Stat(dbPath); err != nil {
		require.NoError(t, os.WriteFile(dbPath, nil, 0o644))
	}
	return &Specification{
		Database:    store.File(dbPath),
		SearchSpace: []string{space},
		Solution: solution.Spec{
			NumToRun: numToRun,
			Starter:  selector.RandomStarter{Threshold: 2, MinToSelect: 1, MaxToConsider: 100},
		},
		Simulator: sim.Fake{},
		Recipes:   []recipe.PropertySpec{{Name: "ionization_energy", Level: "fake_pm7", Charge: 1}},
		Compute: topology.ComputeConfig{
			Executors: []topology.ExecutorSpec{{Workers: 2, Address: "local"}},
		},
		RunDir: dir,
	}
}

func TestAssembleAndRunBruteForce(t *testing.T) {
	dir := t.TempDir()
	spec := bruteSpec(t, dir, 3)
	ctx := context.Background()

	rt, err := spec.Assemble(ctx)
	require.NoError(t, err)

	require.NoError(t, rt.Thinker.Run(ctx))
	assert.Equal(t, 3, rt.Store.Len())
	rt.Store.Each(func(r *store.Record) bool {
		v, ok := r.Property("ionization_energy", "fake_pm7")
		assert.True(t, ok)
		assert.Less(t, v, 0.0)
		return true
	})

	require.NoError(t, rt.Close(ctx))
	assert.NoError(t, rt.Close(ctx), "close is idempotent")

	// Results were written back to the database file.
	reopened, err := store.OpenFile(ctx, filepath.Join(dir, "records.ndjson"), nil)
	require.NoError(t, err)
	assert.Equal(t, 3, reopened.Len())
	require.NoError(t, reopened.Close())
}

func TestAssembleRequiresCompleteSpecification(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	mutations := map[string]func(*Specification){
		"database":    func(s *Specification) { s.Database = nil },
		"searchspace": func(s *Specification) { s.SearchSpace = nil },
		"solution":    func(s *Specification) { s.Solution = nil },
		"simulator":   func(s *Specification) { s.Simulator = nil },
		"recipes":     func(s *Specification) { s.Recipes = nil },
		"rundir":      func(s *Specification) { s.RunDir = "" },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			spec := bruteSpec(t, dir, 1)
			mutate(spec)
			_, err := spec.Assemble(ctx)
			require.ErrorIs(t, err, ErrIncomplete)
		})
	}
}

func TestAssembleFailsOnUnassignedTopic(t *testing.T) {
	dir := t.TempDir()
	spec := bruteSpec(t, dir, 1)
	spec.Solution = solution.SingleFidelityActiveLearning{
		Spec:     solution.Spec{NumToRun: 1},
		Selector: selector.Greedy{},
		Scorer:   meanScorer{},
	}
	// Labeled simulate pool only: train and inference stay unassigned
	// and there is no catch-all to absorb them.
	spec.Compute = topology.ComputeConfig{
		Executors: []topology.ExecutorSpec{
			{Label: "simulate", Workers: 1, Address: "local"},
		},
	}

	_, err := spec.Assemble(context.Background())
	require.ErrorIs(t, err, topology.ErrUnassignedTopics)
}

func TestAssembleRoutesTopicsByLabel(t *testing.T) {
	dir := t.TempDir()
	spec := bruteSpec(t, dir, 1)
	spec.Solution = solution.SingleFidelityActiveLearning{
		Spec:       solution.Spec{NumToRun: 1, Starter: selector.RandomStarter{Threshold: 1, MinToSelect: 1, MaxToConsider: 10}},
		Selector:   selector.Greedy{},
		Scorer:     meanScorer{},
		ModelCount: 1,
	}
	spec.Compute = topology.ComputeConfig{
		Executors: []topology.ExecutorSpec{
			{Label: "simulate", Workers: 2, Address: "hpc"},
			{Workers: 1, Address: "local"}, // catch-all takes train and inference
		},
	}

	ctx := context.Background()
	rt, err := spec.Assemble(ctx)
	require.NoError(t, err)
	defer func() { require.NoError(t, rt.Close(ctx)) }()

	execs := rt.Doer.Executors()
	require.Len(t, execs, 2)
	assert.Contains(t, execs, topology.ExecutorSpec{Label: "simulate", Workers: 2, Address: "hpc"})
	assert.Contains(t, execs, topology.ExecutorSpec{Workers: 1, Address: "local"})

	names := rt.Doer.TransportNames()
	assert.Contains(t, names, solution.TopicTrain, "learning solutions get a train queue")
	assert.Contains(t, names, solution.TopicInference)
}

func TestAssemblePropagatesTransportNames(t *testing.T) {
	dir := t.TempDir()
	kv, err := transport.OpenKV(transport.KVConfig{Name: "proxy", InMemory: true})
	require.NoError(t, err)
	defer func() { require.NoError(t, kv.Close()) }()

	spec := bruteSpec(t, dir, 1)
	spec.Transport = transport.Global(kv)

	ctx := context.Background()
	rt, err := spec.Assemble(ctx)
	require.NoError(t, err)
	defer func() { require.NoError(t, rt.Close(ctx)) }()

	names := rt.Thinker.Queues().TransportNames()
	assert.Equal(t, "proxy", names[solution.TopicSimulate])
}

func TestAssembleReusesSearchSpaceCache(t *testing.T) {
	dir := t.TempDir()
	spec := bruteSpec(t, dir, 1)
	ctx := context.Background()

	rt, err := spec.Assemble(ctx)
	require.NoError(t, err)
	require.NoError(t, rt.Close(ctx))

	descriptor := filepath.Join(dir, cachespace.SubdirName, cachespace.DescriptorName)
	first, err := os.ReadFile(descriptor)
	require.NoError(t, err)

	// Same settings: the descriptor survives byte-identical.
	rt, err = spec.Assemble(ctx)
	require.NoError(t, err)
	require.NoError(t, rt.Close(ctx))
	second, err := os.ReadFile(descriptor)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	// A solution settings change rewrites it.
	changed := bruteSpec(t, dir, 4)
	rt, err = changed.Assemble(ctx)
	require.NoError(t, err)
	require.NoError(t, rt.Close(ctx))
	third, err := os.ReadFile(descriptor)
	require.NoError(t, err)
	assert.NotEqual(t, first, third)

	// So does a thinker tuning change, inference chunk size included.
	rechunked := bruteSpec(t, dir, 4)
	rechunked.ThinkerOptions.InferenceChunkSize = 16
	rt, err = rechunked.Assemble(ctx)
	require.NoError(t, err)
	require.NoError(t, rt.Close(ctx))
	fourth, err := os.ReadFile(descriptor)
	require.NoError(t, err)
	assert.NotEqual(t, third, fourth)
}

func TestWithClosesRuntimeOnEveryPath(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	var captured *Runtime
	err := bruteSpec(t, dir, 1).With(ctx, func(ctx context.Context, rt *Runtime) error {
		captured = rt
		return nil
	})
	require.NoError(t, err)
	require.NotNil(t, captured)
	assert.ErrorIs(t, captured.Store.Update(&store.Record{Key: "CC"}), store.ErrClosed)

	boom := errors.New("boom")
	err = bruteSpec(t, dir, 1).With(ctx, func(ctx context.Context, rt *Runtime) error {
		captured = rt
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, captured.Store.Update(&store.Record{Key: "CC"}), store.ErrClosed)
}

// faultyCloseStore fails its Close so teardown errors are observable.
type faultyCloseStore struct {
	store.Store
	closeErr error
}

func (f faultyCloseStore) Close() error { return f.closeErr }

func TestWithSurfacesTeardownFailure(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	flushErr := errors.New("flush failed")

	spec := bruteSpec(t, dir, 1)
	spec.Database = store.Prebuilt{Store: faultyCloseStore{
		Store:    store.NewInMemoryStore(nil),
		closeErr: flushErr,
	}}
	err := spec.With(ctx, func(ctx context.Context, rt *Runtime) error {
		return nil
	})
	assert.ErrorIs(t, err, flushErr, "a failed teardown must not vanish")

	// When fn itself fails, its error wins over the teardown error.
	boom := errors.New("boom")
	err = spec.With(ctx, func(ctx context.Context, rt *Runtime) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, flushErr)
}

func TestAssembleAndRunActiveLearning(t *testing.T) {
	dir := t.TempDir()
	spec := bruteSpec(t, dir, 2)
	spec.Solution = solution.SingleFidelityActiveLearning{
		Spec:       solution.Spec{NumToRun: 2, Starter: selector.RandomStarter{Threshold: 1, MinToSelect: 2, MaxToConsider: 10}},
		Selector:   selector.Greedy{},
		Scorer:     meanScorer{},
		ModelCount: 1,
	}
	spec.Thinker = steer.NewSingleStep
	// Seed one record so training has data on the first round.
	seed, err := store.NewRecord("C#N")
	require.NoError(t, err)
	seed.SetProperty("ionization_energy", "fake_pm7", -0.5)
	seeded := store.NewInMemoryStore(nil)
	require.NoError(t, seeded.Update(seed))
	spec.Database = store.Prebuilt{Store: seeded}

	ctx := context.Background()
	rt, err := spec.Assemble(ctx)
	require.NoError(t, err)

	require.NoError(t, rt.Thinker.Run(ctx))
	assert.GreaterOrEqual(t, rt.Store.Len(), 3, "seed plus two evaluated candidates")
	require.NoError(t, rt.Close(ctx))
}

func TestLoadDatabaseStandalone(t *testing.T) {
	dir := t.TempDir()
	spec := bruteSpec(t, dir, 1)

	st, err := spec.LoadDatabase(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, st.Len())
	require.NoError(t, st.Close())
}
