// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package system

import (
	"context"
	"sync/atomic"

	"github.com/bureau-foundation/servicebus/lib/taskloop"
)

// Watcher is a one-shot asynchronous wait registered with Watch.
type Watcher struct {
	cancel    context.CancelFunc
	cancelled atomic.Bool
}

// Cancel stops the watcher. The callback will not run after Cancel
// returns unless it is already running.
func (w *Watcher) Cancel() {
	w.cancelled.Store(true)
	w.cancel()
}

// Watch waits for h to satisfy signals in the background and posts
// callback with the outcome to runner, normally the caller's own task
// loop. The callback sees the same results as Wait, including
// ErrCancelled when h is closed first.
func (c *Core) Watch(h Handle, signals Signals, runner taskloop.Runner, callback func(SignalsState, error)) (*Watcher, error) {
	// Fail fast on a bad handle instead of through the callback.
	if _, err := c.table.get(h); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	w := &Watcher{cancel: cancel}
	go func() {
		defer cancel()
		state, err := c.Wait(ctx, h, signals)
		if w.cancelled.Load() {
			return
		}
		runner.Post(func() {
			if !w.cancelled.Load() {
				callback(state, err)
			}
		})
	}()
	return w, nil
}
