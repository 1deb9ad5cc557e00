// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package system

import "github.com/bureau-foundation/servicebus/ports"

type dataPipeProducer struct {
	dataPipeEnd

	writeOffset       int
	availableCapacity int
}

func newDataPipeProducer(core *Core, options DataPipeOptions, control ports.PortRef, ring *ring, writeOffset, available int, peerClosed bool) *dataPipeProducer {
	p := &dataPipeProducer{
		dataPipeEnd: dataPipeEnd{
			core:       core,
			options:    options,
			control:    control,
			ring:       ring,
			peerClosed: peerClosed,
		},
		writeOffset:       writeOffset,
		availableCapacity: available,
	}
	core.node.SetUserData(control, p)
	// Notices may have queued while the port was in transit.
	p.mu.Lock()
	p.updateLocked()
	p.mu.Unlock()
	return p
}

func (c *Core) producer(h Handle) (*dataPipeProducer, error) {
	d, err := c.table.get(h)
	if err != nil {
		return nil, err
	}
	p, ok := d.(*dataPipeProducer)
	if !ok {
		return nil, Errorf(CodeInvalidArgument, "handle %d is a %s, not a data pipe producer", h, d.kind())
	}
	return p, nil
}

// WriteData copies whole elements of data into the pipe and returns the
// byte count written.
func (c *Core) WriteData(h Handle, data []byte, flags WriteDataFlags) (int, error) {
	p, err := c.producer(h)
	if err != nil {
		return 0, err
	}
	n, err := p.write(data, flags)
	if n > 0 {
		c.metrics.DataPipeWritten(n)
	}
	return n, err
}

// BeginWriteData starts a two-phase write, returning the contiguous
// free span of the ring. The span is valid until EndWriteData.
func (c *Core) BeginWriteData(h Handle) ([]byte, error) {
	p, err := c.producer(h)
	if err != nil {
		return nil, err
	}
	return p.beginWrite()
}

// EndWriteData commits n bytes of the span from BeginWriteData. An
// invalid n still ends the two-phase write, committing nothing.
func (c *Core) EndWriteData(h Handle, n int) error {
	p, err := c.producer(h)
	if err != nil {
		return err
	}
	if err := p.endWrite(n); err != nil {
		return err
	}
	c.metrics.DataPipeWritten(n)
	return nil
}

func (p *dataPipeProducer) kind() dispatcherKind { return kindDataPipeProducer }

func (p *dataPipeProducer) updateLocked() {
	p.drainNoticesLocked(func(notice dataPipeNotice) {
		if notice.Type != noticeDataWasRead {
			return
		}
		p.availableCapacity += notice.Bytes
		if p.availableCapacity > p.options.CapacityBytes {
			p.core.logger.Warn("data pipe consumer acknowledged more than was written",
				"port", p.control.Name().String(), "available", p.availableCapacity)
			p.availableCapacity = p.options.CapacityBytes
		}
	})
}

func (p *dataPipeProducer) signalsStateLocked() SignalsState {
	state := SignalsState{Satisfiable: SignalPeerClosed}
	if p.peerClosed {
		state.Satisfied |= SignalPeerClosed
		return state
	}
	state.Satisfiable |= SignalWritable
	if p.availableCapacity > 0 && !p.twoPhase {
		state.Satisfied |= SignalWritable
	}
	return state
}

func (p *dataPipeProducer) write(data []byte, flags WriteDataFlags) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, ErrCancelled
	}
	p.updateLocked()
	n, err := p.writeLocked(data, flags)
	p.waiters.awake(p.signalsStateLocked())
	p.mu.Unlock()

	p.sendNotice(noticeDataWasWritten, n)
	return n, err
}

func (p *dataPipeProducer) writeLocked(data []byte, flags WriteDataFlags) (int, error) {
	if p.twoPhase {
		return 0, ErrBusy
	}
	if p.peerClosed {
		return 0, Errorf(CodeFailedPrecondition, "data pipe consumer closed")
	}
	if len(data)%p.options.ElementSize != 0 {
		return 0, Errorf(CodeInvalidArgument, "%d bytes is not a whole number of %d-byte elements", len(data), p.options.ElementSize)
	}
	if len(data) == 0 {
		return 0, nil
	}
	if flags&WriteDataAllOrNone != 0 {
		if len(data) > p.options.CapacityBytes {
			return 0, Errorf(CodeOutOfRange, "%d bytes exceeds capacity %d", len(data), p.options.CapacityBytes)
		}
		if len(data) > p.availableCapacity {
			return 0, ErrShouldWait
		}
	}
	if p.availableCapacity == 0 {
		return 0, ErrShouldWait
	}

	n := min(len(data), p.availableCapacity)
	p.ring.write(p.writeOffset, data[:n])
	p.commitLocked(n)
	return n, nil
}

func (p *dataPipeProducer) commitLocked(n int) {
	p.writeOffset = (p.writeOffset + n) % p.options.CapacityBytes
	p.availableCapacity -= n
}

func (p *dataPipeProducer) beginWrite() ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrCancelled
	}
	p.updateLocked()
	if p.twoPhase {
		return nil, ErrBusy
	}
	if p.peerClosed {
		return nil, Errorf(CodeFailedPrecondition, "data pipe consumer closed")
	}
	if p.availableCapacity == 0 {
		return nil, ErrShouldWait
	}
	span := min(p.options.CapacityBytes-p.writeOffset, p.availableCapacity)
	p.twoPhase = true
	p.twoPhaseMax = span
	return p.ring.buffer()[p.writeOffset : p.writeOffset+span], nil
}

func (p *dataPipeProducer) endWrite(n int) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrCancelled
	}
	if !p.twoPhase {
		p.mu.Unlock()
		return Errorf(CodeFailedPrecondition, "no two-phase write in progress")
	}
	p.twoPhase = false
	var err error
	if n < 0 || n > p.twoPhaseMax || n%p.options.ElementSize != 0 {
		err = Errorf(CodeInvalidArgument, "committing %d bytes of a %d-byte span", n, p.twoPhaseMax)
	} else {
		p.commitLocked(n)
	}
	p.twoPhaseMax = 0
	p.waiters.awake(p.signalsStateLocked())
	p.mu.Unlock()

	if err != nil {
		return err
	}
	p.sendNotice(noticeDataWasWritten, n)
	return nil
}

func (p *dataPipeProducer) addWaiter(w *waiter) (SignalsState, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return SignalsState{}, true, ErrCancelled
	}
	p.updateLocked()
	state := p.signalsStateLocked()
	done, err := p.waiters.register(w, state)
	return state, done, err
}

func (p *dataPipeProducer) onPortStatusChanged() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.updateLocked()
	p.waiters.awake(p.signalsStateLocked())
}

func (p *dataPipeProducer) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.shutdownLocked(true)
}

func (p *dataPipeProducer) beginTransit() error {
	p.mu.Lock()
	if err := p.beginTransitLocked(); err != nil {
		p.mu.Unlock()
		return err
	}
	return nil
}

func (p *dataPipeProducer) endTransit(t *transitWriter) handleDescriptor {
	defer p.mu.Unlock()
	p.updateLocked()
	desc := p.endTransitLocked(t, kindDataPipeProducer)
	desc.Offset = p.writeOffset
	desc.Count = p.availableCapacity
	p.shutdownLocked(false)
	return desc
}

func (p *dataPipeProducer) cancelTransit() {
	p.cancelTransitLocked()
	p.mu.Unlock()
}
