// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package ratelog suppresses repeated log lines for the same failure.
//
// The first failure for a key is always logged. Later failures for the
// same key are logged only after an exponentially growing quiet period,
// and the emitted line reports how many were suppressed in between. A
// key that stays quiet for longer than the maximum period starts over.
package ratelog

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jpillora/backoff"

	"github.com/bureau-foundation/servicebus/lib/clock"
)

// Limiter tracks per-key backoff state.
type Limiter struct {
	clock  clock.Clock
	min    time.Duration
	max    time.Duration
	mu     sync.Mutex
	states map[string]*keyState
}

type keyState struct {
	backoff    *backoff.Backoff
	next       time.Time
	suppressed int
}

// New creates a Limiter whose quiet period starts at min and doubles up
// to max.
func New(c clock.Clock, min, max time.Duration) *Limiter {
	if c == nil {
		c = clock.Real()
	}
	return &Limiter{
		clock:  c,
		min:    min,
		max:    max,
		states: make(map[string]*keyState),
	}
}

// Allow reports whether a failure for key should be logged now, and how
// many failures were suppressed since the last one that was.
func (l *Limiter) Allow(key string) (bool, int) {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	state, ok := l.states[key]
	if ok && now.Sub(state.next) > l.max {
		delete(l.states, key)
		ok = false
	}
	if !ok {
		state = &keyState{backoff: &backoff.Backoff{
			Min:    l.min,
			Max:    l.max,
			Factor: 2,
		}}
		l.states[key] = state
	}

	if now.Before(state.next) {
		state.suppressed++
		return false, 0
	}
	suppressed := state.suppressed
	state.suppressed = 0
	state.next = now.Add(state.backoff.Duration())
	return true, suppressed
}

// Warn logs msg at warn level for key unless it is being suppressed.
func (l *Limiter) Warn(logger *slog.Logger, key, msg string, args ...any) {
	l.log(logger, slog.LevelWarn, key, msg, args)
}

// Error logs msg at error level for key unless it is being suppressed.
func (l *Limiter) Error(logger *slog.Logger, key, msg string, args ...any) {
	l.log(logger, slog.LevelError, key, msg, args)
}

func (l *Limiter) log(logger *slog.Logger, level slog.Level, key, msg string, args []any) {
	allowed, suppressed := l.Allow(key)
	if !allowed {
		return
	}
	if suppressed > 0 {
		args = append(args, "suppressed", suppressed)
	}
	logger.Log(context.Background(), level, msg, args...)
}

// Reset forgets the state for key, so its next failure is logged
// immediately. Called when the failing operation succeeds.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	delete(l.states, key)
	l.mu.Unlock()
}
