// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"errors"
	"fmt"
	"time"
)

// pollInterval is how often Eventually rechecks its condition.
const pollInterval = 5 * time.Millisecond

// Fataler is the part of testing.TB the helpers need.
type Fataler interface {
	Helper()
	Fatalf(format string, args ...any)
}

// RequireReceive reads one value from ch within timeout, or fails the
// test. A closed channel fails too.
//
//	state := testutil.RequireReceive(t, fired, 5*time.Second, "watcher callback")
func RequireReceive[T any](t Fataler, ch <-chan T, timeout time.Duration, what ...any) T {
	t.Helper()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case v, ok := <-ch:
		if !ok {
			t.Fatalf("%s: channel closed with nothing sent", describe(what))
		}
		return v
	case <-timer.C:
		t.Fatalf("%s: nothing received within %v", describe(what), timeout)
	}
	panic("unreachable")
}

// RequireSend sends v on ch within timeout, or fails the test.
func RequireSend[T any](t Fataler, ch chan<- T, v T, timeout time.Duration, what ...any) {
	t.Helper()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case ch <- v:
	case <-timer.C:
		t.Fatalf("%s: send blocked for %v", describe(what), timeout)
	}
}

// RequireClosed waits for ch to close (or deliver) within timeout.
//
//	testutil.RequireClosed(t, ch.Done(), 5*time.Second, "channel stops")
func RequireClosed(t Fataler, ch <-chan struct{}, timeout time.Duration, what ...any) {
	t.Helper()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
	case <-timer.C:
		t.Fatalf("%s: still open after %v", describe(what), timeout)
	}
}

// RequireErrorIs fails the test unless errors.Is(err, target). Result
// codes are errors, so this is how tests assert on them.
//
//	testutil.RequireErrorIs(t, err, system.ErrAccessDenied, "connect to stranger")
func RequireErrorIs(t Fataler, err, target error, what ...any) {
	t.Helper()
	if !errors.Is(err, target) {
		t.Fatalf("%s: err = %v, want %v", describe(what), err, target)
	}
}

// Eventually polls condition until it holds, or fails the test after
// timeout. It is for state the code under test publishes without a
// notification, such as a PID reported through another pipe.
func Eventually(t Fataler, timeout time.Duration, condition func() bool, what ...any) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !condition() {
		if time.Now().After(deadline) {
			t.Fatalf("%s: condition not met within %v", describe(what), timeout)
			return
		}
		time.Sleep(pollInterval)
	}
}

// describe renders the optional description: nothing, a string, or a
// format string with arguments.
func describe(what []any) string {
	switch {
	case len(what) == 0:
		return "unnamed wait"
	case len(what) == 1:
		return fmt.Sprint(what[0])
	}
	if format, ok := what[0].(string); ok {
		return fmt.Sprintf(format, what[1:]...)
	}
	return fmt.Sprint(what...)
}
