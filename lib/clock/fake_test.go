// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sync/atomic"
	"testing"
	"time"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeClockNow(t *testing.T) {
	clock := Fake(epoch)
	if got := clock.Now(); !got.Equal(epoch) {
		t.Fatalf("Now() = %v, want %v", got, epoch)
	}
	clock.Advance(5 * time.Second)
	want := epoch.Add(5 * time.Second)
	if got := clock.Now(); !got.Equal(want) {
		t.Fatalf("Now() after Advance = %v, want %v", got, want)
	}
}

func TestFakeClockAfter(t *testing.T) {
	tests := []struct {
		name      string
		duration  time.Duration
		advance   time.Duration
		wantFired bool
	}{
		{"zero fires immediately", 0, 0, true},
		{"negative fires immediately", -time.Second, 0, true},
		{"before deadline", 5 * time.Second, 3 * time.Second, false},
		{"exact deadline", 5 * time.Second, 5 * time.Second, true},
		{"past deadline", 5 * time.Second, time.Minute, true},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			clock := Fake(epoch)
			channel := clock.After(test.duration)
			clock.Advance(test.advance)
			select {
			case <-channel:
				if !test.wantFired {
					t.Fatal("After fired before its deadline")
				}
			default:
				if test.wantFired {
					t.Fatal("After did not fire")
				}
			}
		})
	}
}

func TestFakeClockAfterFunc(t *testing.T) {
	clock := Fake(epoch)
	var called atomic.Bool
	clock.AfterFunc(2*time.Second, func() { called.Store(true) })

	clock.Advance(time.Second)
	if called.Load() {
		t.Fatal("AfterFunc fired before deadline")
	}
	clock.Advance(time.Second)
	if !called.Load() {
		t.Fatal("AfterFunc did not fire at deadline")
	}
}

func TestFakeClockAfterFuncStop(t *testing.T) {
	clock := Fake(epoch)
	var called atomic.Bool
	timer := clock.AfterFunc(time.Second, func() { called.Store(true) })

	if !timer.Stop() {
		t.Fatal("Stop on a pending timer returned false")
	}
	if timer.Stop() {
		t.Fatal("second Stop returned true")
	}
	clock.Advance(time.Minute)
	if called.Load() {
		t.Fatal("stopped timer fired")
	}
}

func TestFakeClockFiresInDeadlineOrder(t *testing.T) {
	clock := Fake(epoch)
	var order []int
	clock.AfterFunc(3*time.Second, func() { order = append(order, 3) })
	clock.AfterFunc(1*time.Second, func() { order = append(order, 1) })
	clock.AfterFunc(2*time.Second, func() { order = append(order, 2) })

	clock.Advance(10 * time.Second)
	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Fatalf("fire order = %v, want [1 2 3]", order)
	}
}

func TestFakeClockWaitForTimers(t *testing.T) {
	clock := Fake(epoch)
	done := make(chan struct{})
	go func() {
		<-clock.After(time.Second)
		close(done)
	}()

	clock.WaitForTimers(1)
	if got := clock.PendingCount(); got != 1 {
		t.Fatalf("PendingCount() = %d, want 1", got)
	}
	clock.Advance(time.Second)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("goroutine did not observe the advanced clock")
	}
	if got := clock.PendingCount(); got != 0 {
		t.Fatalf("PendingCount() after firing = %d, want 0", got)
	}
}
