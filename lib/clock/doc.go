// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time source.
//
// Components that schedule work against wall time (rate-limited
// logging, shell shutdown deadlines, quit timeouts) take a Clock
// instead of calling the time package directly. Production code uses
// Real(); tests use Fake() and move time forward explicitly:
//
//	c := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	go component.Run(c)
//	c.WaitForTimers(1)
//	c.Advance(5 * time.Second)
//
// WaitForTimers closes the race between a goroutine registering a timer
// and the test advancing past its deadline.
package clock
