// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ratelog

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/servicebus/lib/clock"
)

func TestLimiterBackoff(t *testing.T) {
	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	limiter := New(fake, time.Second, 8*time.Second)

	steps := []struct {
		advance        time.Duration
		wantAllowed    bool
		wantSuppressed int
	}{
		{0, true, 0},
		{0, false, 0},
		{time.Second, true, 1},
		{time.Second, false, 0},
		{time.Second, true, 1},
		{time.Second, false, 0},
		{time.Second, false, 0},
		{2 * time.Second, true, 2},
	}
	for i, step := range steps {
		fake.Advance(step.advance)
		allowed, suppressed := limiter.Allow("servicebus:missing")
		if allowed != step.wantAllowed || suppressed != step.wantSuppressed {
			t.Fatalf("step %d: Allow() = (%v, %d), want (%v, %d)",
				i, allowed, suppressed, step.wantAllowed, step.wantSuppressed)
		}
	}
}

func TestLimiterKeysAreIndependent(t *testing.T) {
	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	limiter := New(fake, time.Second, time.Minute)

	if allowed, _ := limiter.Allow("a"); !allowed {
		t.Fatal("first failure for a was suppressed")
	}
	if allowed, _ := limiter.Allow("b"); !allowed {
		t.Fatal("first failure for b was suppressed by a")
	}
}

func TestLimiterQuietKeyStartsOver(t *testing.T) {
	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	limiter := New(fake, time.Second, 4*time.Second)

	limiter.Allow("key")
	limiter.Allow("key")
	fake.Advance(time.Hour)

	allowed, suppressed := limiter.Allow("key")
	if !allowed || suppressed != 0 {
		t.Fatalf("Allow() after long quiet = (%v, %d), want (true, 0)", allowed, suppressed)
	}
}

func TestLimiterReset(t *testing.T) {
	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	limiter := New(fake, time.Minute, time.Hour)

	limiter.Allow("key")
	limiter.Reset("key")
	if allowed, _ := limiter.Allow("key"); !allowed {
		t.Fatal("failure after Reset was suppressed")
	}
}

func TestLimiterWarnReportsSuppressedCount(t *testing.T) {
	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	limiter := New(fake, time.Second, time.Minute)

	var buffer bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buffer, nil))

	limiter.Warn(logger, "key", "resolution failed", "name", "servicebus:x")
	limiter.Warn(logger, "key", "resolution failed", "name", "servicebus:x")
	limiter.Warn(logger, "key", "resolution failed", "name", "servicebus:x")
	fake.Advance(time.Second)
	limiter.Warn(logger, "key", "resolution failed", "name", "servicebus:x")

	lines := strings.Split(strings.TrimSpace(buffer.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d log lines, want 2:\n%s", len(lines), buffer.String())
	}
	if !strings.Contains(lines[1], "suppressed=2") {
		t.Errorf("second line %q does not report suppressed=2", lines[1])
	}
}
