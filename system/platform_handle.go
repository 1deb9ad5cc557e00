// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package system

import (
	"os"
	"sync"
)

type platformHandleDispatcher struct {
	core *Core

	mu     sync.Mutex
	file   *os.File
	closed bool
}

func newPlatformHandleDispatcher(core *Core, file *os.File) *platformHandleDispatcher {
	return &platformHandleDispatcher{core: core, file: file}
}

// WrapPlatformHandle takes ownership of file and returns a handle for
// it. The file can then travel over message pipes.
func (c *Core) WrapPlatformHandle(file *os.File) (Handle, error) {
	if file == nil {
		return InvalidHandle, Errorf(CodeInvalidArgument, "nil file")
	}
	return c.addHandle(newPlatformHandleDispatcher(c, file))
}

// UnwrapPlatformHandle closes h and returns the file it wrapped. The
// caller owns the file.
func (c *Core) UnwrapPlatformHandle(h Handle) (*os.File, error) {
	c.table.mu.Lock()
	d, err := c.table.getLocked(h)
	if err != nil {
		c.table.mu.Unlock()
		return nil, err
	}
	wrapper, ok := d.(*platformHandleDispatcher)
	if !ok {
		c.table.mu.Unlock()
		return nil, Errorf(CodeInvalidArgument, "handle %d is a %s, not a platform handle", h, d.kind())
	}
	delete(c.table.entries, h)
	c.table.mu.Unlock()
	c.metrics.HandlesRemoved(1)

	wrapper.mu.Lock()
	defer wrapper.mu.Unlock()
	file := wrapper.file
	wrapper.file = nil
	wrapper.closed = true
	return file, nil
}

func (d *platformHandleDispatcher) kind() dispatcherKind { return kindPlatformHandle }

func (d *platformHandleDispatcher) addWaiter(*waiter) (SignalsState, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return SignalsState{}, true, ErrCancelled
	}
	return SignalsState{}, true, ErrFailedPrecondition
}

func (d *platformHandleDispatcher) removeWaiter(*waiter) {}

func (d *platformHandleDispatcher) close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	if d.file != nil {
		d.file.Close()
		d.file = nil
	}
}

func (d *platformHandleDispatcher) beginTransit() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrCancelled
	}
	return nil
}

func (d *platformHandleDispatcher) endTransit(t *transitWriter) handleDescriptor {
	defer d.mu.Unlock()
	desc := handleDescriptor{Kind: kindPlatformHandle, File: t.addFile(d.file)}
	d.file = nil
	d.closed = true
	return desc
}

func (d *platformHandleDispatcher) cancelTransit() { d.mu.Unlock() }
