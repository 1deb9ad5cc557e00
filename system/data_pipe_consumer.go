// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package system

import (
	"math/bits"

	"github.com/bureau-foundation/servicebus/ports"
)

type dataPipeConsumer struct {
	dataPipeEnd

	readOffset     int
	bytesAvailable int
}

func newDataPipeConsumer(core *Core, options DataPipeOptions, control ports.PortRef, ring *ring, readOffset, available int, peerClosed bool) *dataPipeConsumer {
	c := &dataPipeConsumer{
		dataPipeEnd: dataPipeEnd{
			core:       core,
			options:    options,
			control:    control,
			ring:       ring,
			peerClosed: peerClosed,
		},
		readOffset:     readOffset,
		bytesAvailable: available,
	}
	core.node.SetUserData(control, c)
	c.mu.Lock()
	c.updateLocked()
	c.mu.Unlock()
	return c
}

func (c *Core) consumer(h Handle) (*dataPipeConsumer, error) {
	d, err := c.table.get(h)
	if err != nil {
		return nil, err
	}
	consumer, ok := d.(*dataPipeConsumer)
	if !ok {
		return nil, Errorf(CodeInvalidArgument, "handle %d is a %s, not a data pipe consumer", h, d.kind())
	}
	return consumer, nil
}

// ReadData reads up to len(buf) bytes of whole elements. With
// ReadDataQuery it returns the readable byte count instead, and with
// ReadDataDiscard it consumes len(buf) bytes without copying.
func (c *Core) ReadData(h Handle, buf []byte, flags ReadDataFlags) (int, error) {
	consumer, err := c.consumer(h)
	if err != nil {
		return 0, err
	}
	n, err := consumer.read(buf, len(buf), flags)
	if n > 0 && flags&(ReadDataQuery|ReadDataPeek) == 0 {
		c.metrics.DataPipeRead(n)
	}
	return n, err
}

// QueryData returns the number of bytes ready to read.
func (c *Core) QueryData(h Handle) (int, error) {
	return c.ReadData(h, nil, ReadDataQuery)
}

// DiscardData consumes up to n bytes without copying them.
func (c *Core) DiscardData(h Handle, n int, flags ReadDataFlags) (int, error) {
	consumer, err := c.consumer(h)
	if err != nil {
		return 0, err
	}
	return consumer.read(nil, n, flags|ReadDataDiscard)
}

// BeginReadData starts a two-phase read, returning the contiguous
// readable span of the ring. The span is valid until EndReadData.
func (c *Core) BeginReadData(h Handle) ([]byte, error) {
	consumer, err := c.consumer(h)
	if err != nil {
		return nil, err
	}
	return consumer.beginRead()
}

// EndReadData consumes n bytes of the span from BeginReadData. An
// invalid n still ends the two-phase read, consuming nothing.
func (c *Core) EndReadData(h Handle, n int) error {
	consumer, err := c.consumer(h)
	if err != nil {
		return err
	}
	if err := consumer.endRead(n); err != nil {
		return err
	}
	c.metrics.DataPipeRead(n)
	return nil
}

func (c *dataPipeConsumer) kind() dispatcherKind { return kindDataPipeConsumer }

func (c *dataPipeConsumer) updateLocked() {
	c.drainNoticesLocked(func(notice dataPipeNotice) {
		if notice.Type != noticeDataWasWritten {
			return
		}
		c.bytesAvailable += notice.Bytes
		if c.bytesAvailable > c.options.CapacityBytes {
			c.core.logger.Warn("data pipe producer reported more than capacity",
				"port", c.control.Name().String(), "available", c.bytesAvailable)
			c.bytesAvailable = c.options.CapacityBytes
		}
	})
}

func (c *dataPipeConsumer) signalsStateLocked() SignalsState {
	state := SignalsState{Satisfiable: SignalPeerClosed}
	if c.peerClosed {
		state.Satisfied |= SignalPeerClosed
	}
	if c.bytesAvailable > 0 || !c.peerClosed {
		state.Satisfiable |= SignalReadable
	}
	if c.bytesAvailable > 0 && !c.twoPhase {
		state.Satisfied |= SignalReadable
	}
	return state
}

func (c *dataPipeConsumer) emptyError() error {
	if c.peerClosed {
		return Errorf(CodeFailedPrecondition, "data pipe producer closed and drained")
	}
	return ErrShouldWait
}

func (c *dataPipeConsumer) read(buf []byte, count int, flags ReadDataFlags) (int, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, ErrCancelled
	}
	c.updateLocked()
	n, consumed, err := c.readLocked(buf, count, flags)
	c.waiters.awake(c.signalsStateLocked())
	c.mu.Unlock()

	if consumed {
		c.sendNotice(noticeDataWasRead, n)
	}
	return n, err
}

func (c *dataPipeConsumer) readLocked(buf []byte, count int, flags ReadDataFlags) (int, bool, error) {
	if c.twoPhase {
		return 0, false, ErrBusy
	}
	if bits.OnesCount32(uint32(flags&(ReadDataDiscard|ReadDataQuery|ReadDataPeek))) > 1 {
		return 0, false, Errorf(CodeInvalidArgument, "discard, query and peek are exclusive")
	}
	if flags&ReadDataQuery != 0 {
		return c.bytesAvailable, false, nil
	}
	if count < 0 || count%c.options.ElementSize != 0 {
		return 0, false, Errorf(CodeInvalidArgument, "%d bytes is not a whole number of %d-byte elements", count, c.options.ElementSize)
	}
	if flags&ReadDataAllOrNone != 0 {
		if count > c.options.CapacityBytes {
			return 0, false, Errorf(CodeOutOfRange, "%d bytes exceeds capacity %d", count, c.options.CapacityBytes)
		}
		if count > c.bytesAvailable {
			return 0, false, c.emptyError()
		}
	}
	if c.bytesAvailable == 0 {
		return 0, false, c.emptyError()
	}
	if count == 0 {
		return 0, false, nil
	}

	n := min(count, c.bytesAvailable)
	if flags&ReadDataDiscard == 0 {
		c.ring.read(c.readOffset, buf[:n])
	}
	if flags&ReadDataPeek != 0 {
		return n, false, nil
	}
	c.consumeLocked(n)
	return n, true, nil
}

func (c *dataPipeConsumer) consumeLocked(n int) {
	c.readOffset = (c.readOffset + n) % c.options.CapacityBytes
	c.bytesAvailable -= n
}

func (c *dataPipeConsumer) beginRead() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrCancelled
	}
	c.updateLocked()
	if c.twoPhase {
		return nil, ErrBusy
	}
	if c.bytesAvailable == 0 {
		return nil, c.emptyError()
	}
	span := min(c.options.CapacityBytes-c.readOffset, c.bytesAvailable)
	c.twoPhase = true
	c.twoPhaseMax = span
	return c.ring.buffer()[c.readOffset : c.readOffset+span], nil
}

func (c *dataPipeConsumer) endRead(n int) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrCancelled
	}
	if !c.twoPhase {
		c.mu.Unlock()
		return Errorf(CodeFailedPrecondition, "no two-phase read in progress")
	}
	c.twoPhase = false
	var err error
	if n < 0 || n > c.twoPhaseMax || n%c.options.ElementSize != 0 {
		err = Errorf(CodeInvalidArgument, "consuming %d bytes of a %d-byte span", n, c.twoPhaseMax)
	} else {
		c.consumeLocked(n)
	}
	c.twoPhaseMax = 0
	c.waiters.awake(c.signalsStateLocked())
	c.mu.Unlock()

	if err != nil {
		return err
	}
	c.sendNotice(noticeDataWasRead, n)
	return nil
}

func (c *dataPipeConsumer) addWaiter(w *waiter) (SignalsState, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return SignalsState{}, true, ErrCancelled
	}
	c.updateLocked()
	state := c.signalsStateLocked()
	done, err := c.waiters.register(w, state)
	return state, done, err
}

func (c *dataPipeConsumer) onPortStatusChanged() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.updateLocked()
	c.waiters.awake(c.signalsStateLocked())
}

func (c *dataPipeConsumer) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.shutdownLocked(true)
}

func (c *dataPipeConsumer) beginTransit() error {
	c.mu.Lock()
	if err := c.beginTransitLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	return nil
}

func (c *dataPipeConsumer) endTransit(t *transitWriter) handleDescriptor {
	defer c.mu.Unlock()
	c.updateLocked()
	desc := c.endTransitLocked(t, kindDataPipeConsumer)
	desc.Offset = c.readOffset
	desc.Count = c.bytesAvailable
	c.shutdownLocked(false)
	return desc
}

func (c *dataPipeConsumer) cancelTransit() {
	c.cancelTransitLocked()
	c.mu.Unlock()
}
