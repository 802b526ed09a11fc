// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/molsteer/services/campaign/topology"
)

var tracer = otel.Tracer("molsteer.queue")

// Prometheus metrics for queue operations.
var (
	tasksSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "queue_tasks_submitted_total",
		Help: "Tasks submitted per topic",
	}, []string{"topic"})

	tasksCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "queue_tasks_completed_total",
		Help: "Tasks completed per topic and outcome",
	}, []string{"topic", "outcome"})

	activeWorkers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "queue_active_workers",
		Help: "Workers currently executing a task, per topic",
	}, []string{"topic"})
)

// Topic aliases the topology topic type for callers that only see queues.
type Topic = topology.Topic

// State is the lifecycle state of a System.
type State int32

// Lifecycle states, in transition order.
const (
	StateCreated State = iota
	StateStarted
	StateDraining
	StateStopped
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStarted:
		return "started"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Task is one unit of work bound for a topic's workers.
type Task struct {
	// ID is assigned at submission.
	ID string

	// Topic routes the task.
	Topic Topic

	// Payload is the task input, interpreted by the topic's handler.
	Payload any

	// ObjectRef optionally names a key in the topic's transport store
	// holding a bulk payload.
	ObjectRef string
}

// Result is the outcome of one task.
type Result struct {
	TaskID string
	Topic  Topic
	Value  any
	Err    error
}

// Handler executes tasks for one topic on a worker.
type Handler func(ctx context.Context, task Task) (any, error)

// Future resolves to the result of a single submitted task.
type Future struct {
	ch chan Result
}

// Wait blocks until the result is available or the context ends.
func (f *Future) Wait(ctx context.Context) (Result, error) {
	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case res := <-f.ch:
		return res, nil
	}
}

// Done exposes the underlying completion channel for select loops.
func (f *Future) Done() <-chan Result { return f.ch }

func (f *Future) resolve(res Result) {
	select {
	case f.ch <- res:
	default:
		// Already resolved. A future carries exactly one result.
	}
}

// submission couples a task with its future and per-topic sequence.
type submission struct {
	task   Task
	future *Future
	seq    uint64
}

// completion is what a worker reports back to the topic collector.
type completion struct {
	sub     submission
	value   any
	err     error
	discard bool // canceled before dispatch: skip the result stream
}

// topicQueue is the per-topic channel pair plus ordering state.
type topicQueue struct {
	topic   Topic
	intake  chan submission
	done    chan completion
	results chan Result
	// streaming flips on the first Results call. Until then the
	// collector resolves futures only and skips the results channel,
	// so a future-only consumer can outrun the buffer without ever
	// stalling the pipeline behind an unread stream.
	streaming atomic.Bool
	nextSeq   atomic.Uint64
	workers   sync.WaitGroup
}

// Options configure a System.
type Options struct {
	// Logger for lifecycle and worker events. Nil uses slog.Default().
	Logger *slog.Logger

	// BufferSize is the per-topic intake and result buffer. Default 256.
	BufferSize int

	// TransportNames is the per-topic object store name mapping resolved
	// at assembly time; carried here so consumers of the queues can
	// route bulk payloads. May be nil.
	TransportNames map[Topic]string

	// LaunchHook, if set, is invoked once per (topic, executor) pair as
	// its pool starts. A non-nil error aborts Start; pools that already
	// launched get their ReleaseHook before the error surfaces.
	// Deployments use it to dial remote pools; tests use it to inject
	// launch failures.
	LaunchHook func(ctx context.Context, topic Topic, ex topology.ExecutorSpec) error

	// ReleaseHook, if set, is invoked once per launched (topic,
	// executor) pair during Stop, and during Start rollback after a
	// LaunchHook failure. Errors are logged, not propagated.
	ReleaseHook func(topic Topic, ex topology.ExecutorSpec) error
}

// pool identifies one launched (topic, executor) pair.
type pool struct {
	topic Topic
	ex    topology.ExecutorSpec
}

// System owns one queue per topic and the worker pools serving them.
//
// All methods are safe for concurrent use.
type System struct {
	mu         sync.RWMutex
	state      State
	assignment topology.Assignment
	handlers   map[Topic]Handler
	queues     map[Topic]*topicQueue
	opts       Options
	logger     *slog.Logger

	workCtx    context.Context
	workCancel context.CancelFunc
	group      *errgroup.Group
	pools      []pool

	draining atomic.Bool
	stopped  atomic.Bool
}

// New allocates queues for every topic in the assignment. No workers are
// live until Start.
//
// Every topic must have a handler: either its own entry in handlers or
// the "" default entry serving any topic without one.
func New(assignment topology.Assignment, handlers map[Topic]Handler, opts Options) (*System, error) {
	if len(assignment) == 0 {
		return nil, fmt.Errorf("empty executor assignment")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = 256
	}

	fallback := handlers[Topic("")]
	resolved := make(map[Topic]Handler, len(assignment))
	queues := make(map[Topic]*topicQueue, len(assignment))
	for _, t := range assignment.Topics() {
		h := handlers[t]
		if h == nil {
			h = fallback
		}
		if h == nil {
			return nil, fmt.Errorf("%w: %s", ErrNoHandler, t)
		}
		resolved[t] = h
		queues[t] = &topicQueue{
			topic:   t,
			intake:  make(chan submission, opts.BufferSize),
			done:    make(chan completion, opts.BufferSize),
			results: make(chan Result, opts.BufferSize),
		}
	}

	return &System{
		state:      StateCreated,
		assignment: assignment,
		handlers:   resolved,
		queues:     queues,
		opts:       opts,
		logger:     opts.Logger,
	}, nil
}

// Topics returns the sorted topic set the system serves.
func (s *System) Topics() []Topic { return s.assignment.Topics() }

// Executors returns the distinct executors backing the system.
func (s *System) Executors() []topology.ExecutorSpec { return s.assignment.Executors() }

// TransportName returns the object store name bound to a topic ("" if none).
func (s *System) TransportName(topic Topic) string {
	return s.opts.TransportNames[topic]
}

// TransportNames returns the full per-topic store-name mapping.
func (s *System) TransportNames() map[Topic]string {
	out := make(map[Topic]string, len(s.queues))
	for t := range s.queues {
		out[t] = s.opts.TransportNames[t]
	}
	return out
}

// State reports the current lifecycle state.
func (s *System) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Start launches the worker pools for every topic.
//
// A pool launch failure tears down every pool that already started and
// returns ErrStartFailed: the caller never observes a half-started
// system.
func (s *System) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateStarted, StateDraining:
		return ErrAlreadyStarted
	case StateStopped:
		return ErrStopped
	}

	ctx, span := tracer.Start(ctx, "queue.Start",
		trace.WithAttributes(attribute.Int("queue.topics", len(s.queues))),
	)
	defer span.End()

	// Dial every pool before a single worker goroutine exists, so a
	// launch failure rolls back cleanly: release the pools that made
	// it, propagate, and the caller observes a stopped topology.
	for _, t := range s.assignment.Topics() {
		for _, ex := range s.assignment[t] {
			if s.opts.LaunchHook != nil {
				if err := s.opts.LaunchHook(ctx, t, ex); err != nil {
					s.releasePoolsLocked()
					s.state = StateStopped
					s.stopped.Store(true)
					span.RecordError(err)
					return fmt.Errorf("%w: topic %s executor %q: %v", ErrStartFailed, t, ex.Label, err)
				}
			}
			s.pools = append(s.pools, pool{topic: t, ex: ex})
		}
	}

	s.workCtx, s.workCancel = context.WithCancel(context.WithoutCancel(ctx))
	s.group = &errgroup.Group{}

	launched := 0
	for _, t := range s.assignment.Topics() {
		tq := s.queues[t]
		for _, ex := range s.assignment[t] {
			for i := 0; i < ex.Workers; i++ {
				executor, worker := ex, i
				tq.workers.Add(1)
				s.group.Go(func() error {
					defer tq.workers.Done()
					s.workerLoop(tq, executor, worker)
					return nil
				})
				launched++
			}
		}

		// One collector per topic restores submission order.
		collector := tq
		s.group.Go(func() error {
			s.collectorLoop(collector)
			return nil
		})

		// Close the topic's done channel once its workers are gone.
		go func(tq *topicQueue) {
			tq.workers.Wait()
			close(tq.done)
		}(tq)
	}

	s.state = StateStarted
	s.logger.Info("queue system started",
		slog.Int("topics", len(s.queues)),
		slog.Int("workers", launched),
	)
	return nil
}

// Submit enqueues a task for a topic and returns its future.
//
// Submission is non-blocking while the topic buffer has room; a full
// buffer blocks until a worker frees a slot or the context ends.
func (s *System) Submit(ctx context.Context, topic Topic, payload any) (*Future, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	switch s.state {
	case StateCreated:
		return nil, ErrNotStarted
	case StateDraining:
		return nil, ErrDraining
	case StateStopped:
		return nil, ErrStopped
	}

	tq, ok := s.queues[topic]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTopic, topic)
	}

	sub := submission{
		task: Task{
			ID:      uuid.NewString(),
			Topic:   topic,
			Payload: payload,
		},
		future: &Future{ch: make(chan Result, 1)},
		seq:    tq.nextSeq.Add(1) - 1,
	}

	select {
	case tq.intake <- sub:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	tasksSubmitted.WithLabelValues(string(topic)).Inc()
	return sub.future, nil
}

// Results streams a topic's results in submission order. The channel
// closes when the system stops.
//
// Streaming starts with the first Results call for a topic: tasks that
// complete before it are resolved through their futures only. Callers
// that consume a topic through the stream must therefore obtain the
// channel before submitting, and must keep reading it — a topic whose
// results are consumed only through futures should simply never call
// Results, and its stream costs nothing.
func (s *System) Results(topic Topic) (<-chan Result, error) {
	tq, ok := s.queues[topic]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTopic, topic)
	}
	tq.streaming.Store(true)
	return tq.results, nil
}

// Drain stops intake and cancels tasks that never reached a worker.
// Tasks already on a worker run to completion; Drain waits for them
// until the context ends.
func (s *System) Drain(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateCreated:
		s.mu.Unlock()
		return ErrNotStarted
	case StateStopped:
		s.mu.Unlock()
		return ErrStopped
	case StateDraining:
		s.mu.Unlock()
		return nil
	}
	s.state = StateDraining
	s.draining.Store(true)
	for _, tq := range s.queues {
		close(tq.intake)
	}
	s.mu.Unlock()

	_, span := tracer.Start(ctx, "queue.Drain")
	defer span.End()

	// Wait for in-flight work, bounded by the caller's context.
	waitDone := make(chan struct{})
	go func() {
		for _, tq := range s.queues {
			tq.workers.Wait()
		}
		close(waitDone)
	}()
	select {
	case <-waitDone:
		s.logger.Info("queue system drained")
		return nil
	case <-ctx.Done():
		s.logger.Warn("drain timed out with tasks still running")
		return ctx.Err()
	}
}

// Stop forces the terminal state: running tasks are cancelled through
// their context, worker pools shut down, and result channels close.
// Stop after Stop is a no-op.
func (s *System) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		return nil
	}
	if s.state == StateCreated {
		s.state = StateStopped
		s.stopped.Store(true)
		s.mu.Unlock()
		return nil
	}
	if s.state == StateStarted {
		// Skip the graceful wait; intake still has to close.
		s.state = StateDraining
		s.draining.Store(true)
		for _, tq := range s.queues {
			close(tq.intake)
		}
	}
	s.stopped.Store(true)
	cancel := s.workCancel
	group := s.group
	s.mu.Unlock()

	_, span := tracer.Start(ctx, "queue.Stop")
	defer span.End()

	cancel()
	_ = group.Wait()

	s.mu.Lock()
	s.releasePoolsLocked()
	s.state = StateStopped
	s.mu.Unlock()
	s.logger.Info("queue system stopped")
	return nil
}

// releasePoolsLocked runs the ReleaseHook for every launched pool in
// reverse launch order. Hook errors are logged only: teardown is best
// effort and must not mask the original failure.
func (s *System) releasePoolsLocked() {
	if s.opts.ReleaseHook == nil {
		s.pools = nil
		return
	}
	for i := len(s.pools) - 1; i >= 0; i-- {
		p := s.pools[i]
		if err := s.opts.ReleaseHook(p.topic, p.ex); err != nil {
			s.logger.Warn("executor release failed",
				slog.String("topic", string(p.topic)),
				slog.String("executor", p.ex.Label),
				slog.String("error", err.Error()),
			)
		}
	}
	s.pools = nil
}

// workerLoop pulls submissions for one topic until intake closes or the
// work context is cancelled.
func (s *System) workerLoop(tq *topicQueue, ex topology.ExecutorSpec, worker int) {
	logger := s.logger.With(
		slog.String("topic", string(tq.topic)),
		slog.String("executor", ex.Label),
		slog.Int("worker", worker),
	)
	handler := s.handlers[tq.topic]

	for {
		select {
		case <-s.workCtx.Done():
			return
		case sub, ok := <-tq.intake:
			if !ok {
				return
			}
			if s.draining.Load() {
				// Queued but never dispatched: cancel, keep the
				// sequence moving so ordered delivery stays whole.
				s.report(tq, completion{sub: sub, err: ErrTaskCanceled, discard: true})
				continue
			}

			activeWorkers.WithLabelValues(string(tq.topic)).Inc()
			start := time.Now()
			value, err := handler(s.workCtx, sub.task)
			activeWorkers.WithLabelValues(string(tq.topic)).Dec()

			outcome := "success"
			if err != nil {
				outcome = "failure"
				logger.Debug("task failed",
					slog.String("task_id", sub.task.ID),
					slog.Duration("duration", time.Since(start)),
					slog.String("error", err.Error()),
				)
			}
			tasksCompleted.WithLabelValues(string(tq.topic), outcome).Inc()
			s.report(tq, completion{sub: sub, value: value, err: err})
		}
	}
}

// report hands a completion to the topic collector. After Stop the
// collector may already be gone, so a cancelled work context drops the
// completion instead of blocking the worker forever.
func (s *System) report(tq *topicQueue, comp completion) {
	select {
	case tq.done <- comp:
	case <-s.workCtx.Done():
		comp.sub.future.resolve(Result{
			TaskID: comp.sub.task.ID,
			Topic:  tq.topic,
			Err:    s.workCtx.Err(),
		})
	}
}

// collectorLoop re-sequences completions so a topic's results are
// delivered in submission order, resolves futures, and feeds the topic
// result stream when one is consumed. Results that surface after Stop
// are discarded.
func (s *System) collectorLoop(tq *topicQueue) {
	defer close(tq.results)

	pending := make(map[uint64]completion)
	var next uint64

	for comp := range tq.done {
		pending[comp.sub.seq] = comp
		for {
			c, ok := pending[next]
			if !ok {
				break
			}
			delete(pending, next)
			next++

			res := Result{
				TaskID: c.sub.task.ID,
				Topic:  tq.topic,
				Value:  c.value,
				Err:    c.err,
			}
			c.sub.future.resolve(res)
			if c.discard || s.stopped.Load() || !tq.streaming.Load() {
				continue
			}
			select {
			case tq.results <- res:
			case <-s.workCtx.Done():
				return
			}
		}
	}
}
