// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package taskloop

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/servicebus/lib/testutil"
)

func startLoop(t *testing.T) *Loop {
	t.Helper()
	loop := New()
	ctx, cancel := context.WithCancel(context.Background())
	go loop.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-loop.Done()
	})
	return loop
}

func TestLoopRunsTasksInOrder(t *testing.T) {
	loop := startLoop(t)

	var order []int
	done := make(chan struct{})
	for i := range 100 {
		loop.Post(func() { order = append(order, i) })
	}
	loop.Post(func() { close(done) })

	testutil.RequireClosed(t, done, 5*time.Second, "tasks did not run")
	for i, value := range order {
		if value != i {
			t.Fatalf("order[%d] = %d, want %d", i, value, i)
		}
	}
}

func TestLoopPostFromTask(t *testing.T) {
	loop := startLoop(t)

	done := make(chan struct{})
	loop.Post(func() {
		loop.Post(func() { close(done) })
	})
	testutil.RequireClosed(t, done, 5*time.Second, "nested task did not run")
}

func TestLoopPostBeforeRun(t *testing.T) {
	loop := New()
	ran := make(chan struct{})
	if !loop.Post(func() { close(ran) }) {
		t.Fatal("Post before Run was rejected")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.Run(ctx)
	testutil.RequireClosed(t, ran, 5*time.Second, "queued task did not run")
}

func TestLoopStopRejectsPosts(t *testing.T) {
	loop := New()
	go loop.Run(context.Background())
	loop.Stop()
	testutil.RequireClosed(t, loop.Done(), 5*time.Second, "Run did not return")

	if loop.Post(func() {}) {
		t.Fatal("Post after Stop was accepted")
	}
	if loop.Call(context.Background(), func() {}) {
		t.Fatal("Call after Stop reported success")
	}
}

func TestLoopCallConcurrent(t *testing.T) {
	loop := startLoop(t)

	counter := 0
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			loop.Call(context.Background(), func() { counter++ })
		}()
	}
	wg.Wait()

	var got int
	loop.Call(context.Background(), func() { got = counter })
	if got != 50 {
		t.Fatalf("counter = %d, want 50", got)
	}
}
