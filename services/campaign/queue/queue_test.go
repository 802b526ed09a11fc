// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/AleutianAI/molsteer/services/campaign/topology"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testAssignment(t *testing.T, topics ...Topic) topology.Assignment {
	t.Helper()
	cfg := topology.ComputeConfig{Executors: []topology.ExecutorSpec{
		{Workers: 2, Address: "localhost"},
	}}
	assignment, err := topology.Resolve(cfg, topics)
	require.NoError(t, err)
	return assignment
}

// echoHandler returns the payload unchanged.
func echoHandler(_ context.Context, task Task) (any, error) {
	return task.Payload, nil
}

func startedSystem(t *testing.T, assignment topology.Assignment, handlers map[Topic]Handler, opts Options) *System {
	t.Helper()
	s, err := New(assignment, handlers, opts)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() {
		_ = s.Stop(context.Background())
	})
	return s
}

func TestSystem_SubmitAndWait(t *testing.T) {
	s := startedSystem(t, testAssignment(t, "simulate"),
		map[Topic]Handler{"simulate": echoHandler}, Options{})

	fut, err := s.Submit(context.Background(), "simulate", "CC")
	require.NoError(t, err)

	res, err := fut.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "CC", res.Value)
	assert.NoError(t, res.Err)
	assert.Equal(t, Topic("simulate"), res.Topic)
	assert.NotEmpty(t, res.TaskID)
}

func TestSystem_StateErrors(t *testing.T) {
	s, err := New(testAssignment(t, "simulate"),
		map[Topic]Handler{"simulate": echoHandler}, Options{})
	require.NoError(t, err)

	_, err = s.Submit(context.Background(), "simulate", nil)
	assert.ErrorIs(t, err, ErrNotStarted)

	require.NoError(t, s.Start(context.Background()))
	assert.ErrorIs(t, s.Start(context.Background()), ErrAlreadyStarted)

	_, err = s.Submit(context.Background(), "train", nil)
	assert.ErrorIs(t, err, ErrUnknownTopic)

	require.NoError(t, s.Drain(context.Background()))
	_, err = s.Submit(context.Background(), "simulate", nil)
	assert.ErrorIs(t, err, ErrDraining)

	require.NoError(t, s.Stop(context.Background()))
	_, err = s.Submit(context.Background(), "simulate", nil)
	assert.ErrorIs(t, err, ErrStopped)
	assert.Equal(t, StateStopped, s.State())

	// Terminal state is sticky.
	require.NoError(t, s.Stop(context.Background()))
	assert.ErrorIs(t, s.Drain(context.Background()), ErrStopped)
}

func TestSystem_MissingHandler(t *testing.T) {
	_, err := New(testAssignment(t, "simulate", "train"),
		map[Topic]Handler{"simulate": echoHandler}, Options{})
	assert.ErrorIs(t, err, ErrNoHandler)
}

func TestSystem_DefaultHandlerCoversAllTopics(t *testing.T) {
	s := startedSystem(t, testAssignment(t, "simulate", "train"),
		map[Topic]Handler{"": echoHandler}, Options{})
	assert.Equal(t, []Topic{"simulate", "train"}, s.Topics())
}

func TestSystem_PerTopicFIFO(t *testing.T) {
	// A single slow worker pool must still deliver results in
	// submission order on the topic stream.
	var mu sync.Mutex
	delays := map[int]time.Duration{0: 30 * time.Millisecond, 1: 5 * time.Millisecond, 2: 0}

	handler := func(_ context.Context, task Task) (any, error) {
		i := task.Payload.(int)
		mu.Lock()
		d := delays[i%3]
		mu.Unlock()
		time.Sleep(d)
		return i, nil
	}

	s := startedSystem(t, testAssignment(t, "simulate"),
		map[Topic]Handler{"simulate": handler}, Options{})

	results, err := s.Results("simulate")
	require.NoError(t, err)

	const n = 9
	for i := 0; i < n; i++ {
		_, err := s.Submit(context.Background(), "simulate", i)
		require.NoError(t, err)
	}

	for want := 0; want < n; want++ {
		select {
		case res := <-results:
			assert.Equal(t, want, res.Value, "results must arrive in submission order")
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for result %d", want)
		}
	}
}

func TestSystem_FutureOnlyConsumerNeverStalls(t *testing.T) {
	// A topic consumed exclusively through futures must make progress
	// past any buffer bound: until Results is called the collector
	// skips the stream entirely instead of filling it.
	cfg := topology.ComputeConfig{Executors: []topology.ExecutorSpec{
		{Workers: 1, Address: "localhost"},
	}}
	assignment, err := topology.Resolve(cfg, []Topic{"simulate"})
	require.NoError(t, err)

	s := startedSystem(t, assignment,
		map[Topic]Handler{"simulate": echoHandler}, Options{BufferSize: 1})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	const n = 8
	for i := 0; i < n; i++ {
		fut, err := s.Submit(ctx, "simulate", i)
		require.NoErrorf(t, err, "submit %d", i)
		res, err := fut.Wait(ctx)
		require.NoErrorf(t, err, "wait %d", i)
		assert.Equal(t, i, res.Value)
	}
}

func TestSystem_StreamStartsAtFirstResultsCall(t *testing.T) {
	s := startedSystem(t, testAssignment(t, "simulate"),
		map[Topic]Handler{"simulate": echoHandler}, Options{})

	// Completed before anyone streamed: resolved via the future only.
	early, err := s.Submit(context.Background(), "simulate", "early")
	require.NoError(t, err)
	res, err := early.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, "early", res.Value)

	results, err := s.Results("simulate")
	require.NoError(t, err)

	_, err = s.Submit(context.Background(), "simulate", "late")
	require.NoError(t, err)

	select {
	case res := <-results:
		assert.Equal(t, "late", res.Value,
			"pre-stream completions stay off the stream")
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for streamed result")
	}
}

func TestSystem_HandlerErrorSurfaces(t *testing.T) {
	boom := errors.New("simulation diverged")
	s := startedSystem(t, testAssignment(t, "simulate"),
		map[Topic]Handler{"simulate": func(context.Context, Task) (any, error) {
			return nil, boom
		}}, Options{})

	fut, err := s.Submit(context.Background(), "simulate", "CC")
	require.NoError(t, err)
	res, err := fut.Wait(context.Background())
	require.NoError(t, err)
	assert.ErrorIs(t, res.Err, boom)
}

func TestSystem_DrainCancelsQueuedTasks(t *testing.T) {
	release := make(chan struct{})
	handler := func(ctx context.Context, task Task) (any, error) {
		select {
		case <-release:
			return task.Payload, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	// One worker so everything after the first submission stays queued.
	cfg := topology.ComputeConfig{Executors: []topology.ExecutorSpec{
		{Workers: 1, Address: "localhost"},
	}}
	assignment, err := topology.Resolve(cfg, []Topic{"simulate"})
	require.NoError(t, err)

	s := startedSystem(t, assignment,
		map[Topic]Handler{"simulate": handler}, Options{})

	running, err := s.Submit(context.Background(), "simulate", "running")
	require.NoError(t, err)
	queued, err := s.Submit(context.Background(), "simulate", "queued")
	require.NoError(t, err)

	drained := make(chan error, 1)
	go func() { drained <- s.Drain(context.Background()) }()
	require.Eventually(t, func() bool { return s.State() == StateDraining },
		time.Second, time.Millisecond)

	// The running task is allowed to complete.
	close(release)
	res, err := running.Wait(context.Background())
	require.NoError(t, err)
	assert.NoError(t, res.Err)
	assert.Equal(t, "running", res.Value)

	// The queued task never reached a worker: canceled.
	res, err = queued.Wait(context.Background())
	require.NoError(t, err)
	assert.ErrorIs(t, res.Err, ErrTaskCanceled)

	require.NoError(t, <-drained)
}

func TestSystem_LaunchFailureTearsDown(t *testing.T) {
	cfg := topology.ComputeConfig{Executors: []topology.ExecutorSpec{
		{Label: "train", Workers: 1, Address: "localhost"},
		{Label: "simulate", Workers: 1, Address: "badhost"},
	}}
	assignment, err := topology.Resolve(cfg, []Topic{"train", "simulate"})
	require.NoError(t, err)

	var released []string
	s, err := New(assignment, map[Topic]Handler{"": echoHandler}, Options{
		LaunchHook: func(_ context.Context, _ Topic, ex topology.ExecutorSpec) error {
			if ex.Address == "badhost" {
				return fmt.Errorf("connection refused")
			}
			return nil
		},
		ReleaseHook: func(_ Topic, ex topology.ExecutorSpec) error {
			released = append(released, ex.Label)
			return nil
		},
	})
	require.NoError(t, err)

	err = s.Start(context.Background())
	require.ErrorIs(t, err, ErrStartFailed)
	assert.Equal(t, StateStopped, s.State(), "caller must observe a stopped topology")
	assert.Contains(t, released, "train", "already-started pools are released")
}

func TestSystem_TransportNames(t *testing.T) {
	s, err := New(testAssignment(t, "simulate", "inference"),
		map[Topic]Handler{"": echoHandler},
		Options{TransportNames: map[Topic]string{"inference": "file"}})
	require.NoError(t, err)

	assert.Equal(t, "file", s.TransportName("inference"))
	assert.Equal(t, "", s.TransportName("simulate"))
	assert.Equal(t, map[Topic]string{"inference": "file", "simulate": ""}, s.TransportNames())
	require.NoError(t, s.Stop(context.Background()))
}

func TestSystem_CrossTopicIndependence(t *testing.T) {
	block := make(chan struct{})
	handlers := map[Topic]Handler{
		"train": func(ctx context.Context, _ Task) (any, error) {
			select {
			case <-block:
			case <-ctx.Done():
			}
			return "trained", nil
		},
		"simulate": echoHandler,
	}

	cfg := topology.ComputeConfig{Executors: []topology.ExecutorSpec{
		{Label: "train", Workers: 1, Address: "localhost"},
		{Label: "simulate", Workers: 1, Address: "localhost"},
	}}
	assignment, err := topology.Resolve(cfg, []Topic{"train", "simulate"})
	require.NoError(t, err)
	s := startedSystem(t, assignment, handlers, Options{})

	_, err = s.Submit(context.Background(), "train", nil)
	require.NoError(t, err)

	// A blocked train pool must not delay simulate results.
	fut, err := s.Submit(context.Background(), "simulate", "O")
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := fut.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "O", res.Value)

	close(block)
}
