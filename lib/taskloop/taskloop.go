// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package taskloop provides a single-goroutine task queue. State owned
// by a Loop is only touched by tasks posted to it, so it needs no
// locks. The shell's service manager lives on a Loop, and watcher
// callbacks are delivered to the Loop that registered them.
package taskloop

import (
	"context"
	"sync"
)

// Runner accepts tasks for sequential execution.
type Runner interface {
	// Post queues task. It returns false if the runner has stopped and
	// the task will never run.
	Post(task func()) bool
}

// Loop runs posted tasks one at a time, in posting order, on the
// goroutine that calls Run. The queue is unbounded so that Post never
// blocks, even when called from a task.
type Loop struct {
	mu      sync.Mutex
	queue   []func()
	wake    chan struct{}
	stopped bool
	done    chan struct{}
}

var _ Runner = (*Loop)(nil)

// New creates a Loop. Tasks may be posted before Run starts.
func New() *Loop {
	return &Loop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// Post queues task to run on the loop goroutine.
func (l *Loop) Post(task func()) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, task)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Run executes tasks until ctx is cancelled or Stop is called. Tasks
// still queued when the loop stops are dropped.
func (l *Loop) Run(ctx context.Context) {
	defer close(l.done)
	for {
		l.mu.Lock()
		if l.stopped {
			l.queue = nil
			l.mu.Unlock()
			return
		}
		batch := l.queue
		l.queue = nil
		l.mu.Unlock()

		for _, task := range batch {
			task()
		}
		if len(batch) > 0 {
			continue
		}

		select {
		case <-l.wake:
		case <-ctx.Done():
			l.Stop()
		}
	}
}

// Stop makes Run return after the task currently executing. Posts
// after Stop are rejected.
func (l *Loop) Stop() {
	l.mu.Lock()
	l.stopped = true
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Done is closed when Run has returned.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Call posts fn and waits for it to finish. It returns false if the
// loop stopped before fn ran. Calling it from the loop goroutine
// deadlocks.
func (l *Loop) Call(ctx context.Context, fn func()) bool {
	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		fn()
	}) {
		return false
	}
	select {
	case <-finished:
		return true
	case <-l.done:
		select {
		case <-finished:
			return true
		default:
			return false
		}
	case <-ctx.Done():
		return false
	}
}
