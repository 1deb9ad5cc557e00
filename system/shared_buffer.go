// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package system

import (
	"errors"
	"os"
	"sync"

	"github.com/bureau-foundation/servicebus/lib/sharedmem"
)

type sharedBufferDispatcher struct {
	core *Core

	mu          sync.Mutex
	region      *sharedmem.Region
	closed      bool
	transitFile *os.File
}

// CreateSharedBuffer allocates size bytes of zeroed shared memory.
func (c *Core) CreateSharedBuffer(size int) (Handle, error) {
	if size <= 0 {
		return InvalidHandle, Errorf(CodeInvalidArgument, "shared buffer size %d", size)
	}
	region, err := sharedmem.Create("servicebus-shared-buffer", size)
	if err != nil {
		return InvalidHandle, Errorf(CodeResourceExhausted, "%v", err)
	}
	h, err := c.addHandle(&sharedBufferDispatcher{core: c, region: region})
	if err != nil {
		return InvalidHandle, err
	}
	c.metrics.PipeCreated("shared_buffer")
	return h, nil
}

// DuplicateBufferHandle returns a second handle to the same memory.
func (c *Core) DuplicateBufferHandle(h Handle) (Handle, error) {
	buffer, err := c.sharedBuffer(h)
	if err != nil {
		return InvalidHandle, err
	}
	buffer.mu.Lock()
	if buffer.closed {
		buffer.mu.Unlock()
		return InvalidHandle, ErrCancelled
	}
	file, err := buffer.region.Duplicate()
	buffer.mu.Unlock()
	if err != nil {
		return InvalidHandle, Errorf(CodeResourceExhausted, "%v", err)
	}
	duplicate, err := openSharedBuffer(c, file)
	if err != nil {
		return InvalidHandle, err
	}
	return c.addHandle(duplicate)
}

// MapBuffer maps size bytes of the buffer starting at offset. The
// mapping outlives the handle and must be unmapped by the caller.
func (c *Core) MapBuffer(h Handle, offset, size int) (*sharedmem.Mapping, error) {
	buffer, err := c.sharedBuffer(h)
	if err != nil {
		return nil, err
	}
	buffer.mu.Lock()
	defer buffer.mu.Unlock()
	if buffer.closed {
		return nil, ErrCancelled
	}
	mapping, err := buffer.region.Map(offset, size)
	if errors.Is(err, sharedmem.ErrInvalidRange) {
		return nil, Errorf(CodeInvalidArgument, "range [%d, %d) outside buffer of %d bytes", offset, offset+size, buffer.region.Size())
	}
	if err != nil {
		return nil, Errorf(CodeResourceExhausted, "%v", err)
	}
	return mapping, nil
}

// BufferSize returns the size of a shared buffer.
func (c *Core) BufferSize(h Handle) (int, error) {
	buffer, err := c.sharedBuffer(h)
	if err != nil {
		return 0, err
	}
	return buffer.region.Size(), nil
}

func (c *Core) sharedBuffer(h Handle) (*sharedBufferDispatcher, error) {
	d, err := c.table.get(h)
	if err != nil {
		return nil, err
	}
	buffer, ok := d.(*sharedBufferDispatcher)
	if !ok {
		return nil, Errorf(CodeInvalidArgument, "handle %d is a %s, not a shared buffer", h, d.kind())
	}
	return buffer, nil
}

// openSharedBuffer adopts file, closing it on failure.
func openSharedBuffer(core *Core, file *os.File) (*sharedBufferDispatcher, error) {
	region, err := sharedmem.Open(file)
	if err != nil {
		return nil, Errorf(CodeInvalidArgument, "%v", err)
	}
	return &sharedBufferDispatcher{core: core, region: region}, nil
}

func (d *sharedBufferDispatcher) kind() dispatcherKind { return kindSharedBuffer }

// Shared buffers have no signals.
func (d *sharedBufferDispatcher) addWaiter(*waiter) (SignalsState, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return SignalsState{}, true, ErrCancelled
	}
	return SignalsState{}, true, ErrFailedPrecondition
}

func (d *sharedBufferDispatcher) removeWaiter(*waiter) {}

func (d *sharedBufferDispatcher) close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	d.region.Close()
}

func (d *sharedBufferDispatcher) beginTransit() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrCancelled
	}
	file, err := d.region.Duplicate()
	if err != nil {
		d.mu.Unlock()
		return Errorf(CodeResourceExhausted, "%v", err)
	}
	d.transitFile = file
	return nil
}

func (d *sharedBufferDispatcher) endTransit(t *transitWriter) handleDescriptor {
	defer d.mu.Unlock()
	desc := handleDescriptor{Kind: kindSharedBuffer, File: t.addFile(d.transitFile)}
	d.transitFile = nil
	d.closed = true
	d.region.Close()
	return desc
}

func (d *sharedBufferDispatcher) cancelTransit() {
	d.transitFile.Close()
	d.transitFile = nil
	d.mu.Unlock()
}
