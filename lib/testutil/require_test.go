// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// recorder captures a failure instead of ending the test.
type recorder struct {
	failed  bool
	message string
}

func (r *recorder) Helper() {}

func (r *recorder) Fatalf(format string, args ...any) {
	r.failed = true
	r.message = fmt.Sprintf(format, args...)
}

func TestRequireReceive(t *testing.T) {
	ch := make(chan int, 1)
	ch <- 7
	if got := RequireReceive(t, ch, time.Second, "value"); got != 7 {
		t.Errorf("got %d, want 7", got)
	}
}

func TestRequireErrorIs(t *testing.T) {
	sentinel := errors.New("peer closed")
	RequireErrorIs(t, fmt.Errorf("reading: %w", sentinel), sentinel, "wrapped")

	var r recorder
	RequireErrorIs(&r, errors.New("other"), sentinel, "read %d", 2)
	if !r.failed {
		t.Fatal("mismatched error passed")
	}
	if !strings.HasPrefix(r.message, "read 2:") {
		t.Errorf("message = %q", r.message)
	}
}

func TestEventually(t *testing.T) {
	var calls atomic.Int32
	Eventually(t, time.Second, func() bool { return calls.Add(1) >= 3 }, "third poll")
	if calls.Load() != 3 {
		t.Errorf("condition checked %d times, want 3", calls.Load())
	}

	var r recorder
	Eventually(&r, 20*time.Millisecond, func() bool { return false }, "never")
	if !r.failed || !strings.Contains(r.message, "never") {
		t.Errorf("failure = %v, %q", r.failed, r.message)
	}
}

func TestDescribe(t *testing.T) {
	tests := []struct {
		what []any
		want string
	}{
		{what: nil, want: "unnamed wait"},
		{what: []any{"instance destroyed"}, want: "instance destroyed"},
		{what: []any{"instance %d", 4}, want: "instance 4"},
		{what: []any{42}, want: "42"},
	}
	for _, test := range tests {
		if got := describe(test.what); got != test.want {
			t.Errorf("describe(%v) = %q, want %q", test.what, got, test.want)
		}
	}
}
