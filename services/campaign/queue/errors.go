// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package queue owns the task queues and worker pools behind a campaign:
// one queue per topic, backed by the executors the topology resolver
// assigned to that topic.
//
// # Lifecycle
//
// A System moves through exactly four states:
//
//	Created -> Started -> Draining -> Stopped
//
// Created allocates queues without live workers. Start launches the
// worker pools; submissions are accepted only while Started. Draining
// stops intake, cancels tasks that never reached a worker, and lets
// running tasks finish. Stopped is terminal: pools shut down, buffers
// released. Every transition is one-way.
//
// # Ordering
//
// Results are delivered in submission order per topic. There is no
// ordering guarantee across topics, and submissions to different topics
// never interfere.
package queue

import "errors"

// Sentinel errors for queue operations. State errors are always surfaced
// to the caller, never silently dropped.
var (
	// ErrUnknownTopic is returned when a topic is not in the executor
	// assignment the system was built from.
	ErrUnknownTopic = errors.New("topic not in executor assignment")

	// ErrNotStarted is returned for submissions before Start.
	ErrNotStarted = errors.New("queue system not started")

	// ErrAlreadyStarted is returned when Start is called twice.
	ErrAlreadyStarted = errors.New("queue system already started")

	// ErrDraining is returned for submissions while draining.
	ErrDraining = errors.New("queue system is draining")

	// ErrStopped is returned for operations on a stopped system.
	ErrStopped = errors.New("queue system is stopped")

	// ErrStartFailed wraps executor pool launch failures. Pools that
	// started before the failure are torn down before this surfaces.
	ErrStartFailed = errors.New("executor pool failed to start")

	// ErrTaskCanceled resolves the future of a task that was still
	// queued when draining began.
	ErrTaskCanceled = errors.New("task canceled before dispatch")

	// ErrNoHandler is returned when a required topic has no handler.
	ErrNoHandler = errors.New("no handler registered for topic")
)
