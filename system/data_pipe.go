// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package system

import (
	"errors"
	"os"
	"sync"

	"github.com/bureau-foundation/servicebus/lib/codec"
	"github.com/bureau-foundation/servicebus/lib/sharedmem"
	"github.com/bureau-foundation/servicebus/ports"
)

// DataPipeOptions configures CreateDataPipe.
type DataPipeOptions struct {
	// ElementSize is the unit of every read and write. Zero means 1.
	ElementSize int

	// CapacityBytes is the ring size. Zero means the default capacity
	// rounded down to a whole number of elements.
	CapacityBytes int

	// MayDiscard permits dropping unread data under pressure. It is
	// accepted for compatibility and does not change behavior.
	MayDiscard bool
}

// WriteDataFlags modify WriteData.
type WriteDataFlags uint32

const (
	// WriteDataAllOrNone writes everything or nothing.
	WriteDataAllOrNone WriteDataFlags = 1 << iota
)

// ReadDataFlags modify ReadData. ReadDataDiscard, ReadDataQuery and
// ReadDataPeek are mutually exclusive.
type ReadDataFlags uint32

const (
	// ReadDataAllOrNone reads the full request or nothing.
	ReadDataAllOrNone ReadDataFlags = 1 << iota

	// ReadDataDiscard consumes data without copying it out.
	ReadDataDiscard

	// ReadDataQuery reports the readable byte count and consumes
	// nothing.
	ReadDataQuery

	// ReadDataPeek copies data out without consuming it.
	ReadDataPeek
)

func (c *Core) validateDataPipeOptions(options DataPipeOptions) (DataPipeOptions, error) {
	if options.ElementSize < 0 || options.CapacityBytes < 0 {
		return DataPipeOptions{}, Errorf(CodeInvalidArgument, "negative data pipe options %+v", options)
	}
	if options.ElementSize == 0 {
		options.ElementSize = 1
	}
	if options.CapacityBytes == 0 {
		options.CapacityBytes = c.limits.DefaultDataPipeCapacity - c.limits.DefaultDataPipeCapacity%options.ElementSize
		if options.CapacityBytes == 0 {
			options.CapacityBytes = options.ElementSize
		}
	}
	if options.CapacityBytes%options.ElementSize != 0 {
		return DataPipeOptions{}, Errorf(CodeInvalidArgument, "capacity %d is not a multiple of element size %d", options.CapacityBytes, options.ElementSize)
	}
	if options.CapacityBytes > c.limits.MaxDataPipeCapacity {
		return DataPipeOptions{}, Errorf(CodeInvalidArgument, "capacity %d exceeds limit %d", options.CapacityBytes, c.limits.MaxDataPipeCapacity)
	}
	return options, nil
}

// CreateDataPipe creates a producer and consumer sharing a ring buffer.
// nil options mean element size 1 and the default capacity.
func (c *Core) CreateDataPipe(options *DataPipeOptions) (Handle, Handle, error) {
	var requested DataPipeOptions
	if options != nil {
		requested = *options
	}
	validated, err := c.validateDataPipeOptions(requested)
	if err != nil {
		return InvalidHandle, InvalidHandle, err
	}

	producerRing, err := createRing(validated.CapacityBytes)
	if err != nil {
		return InvalidHandle, InvalidHandle, Errorf(CodeResourceExhausted, "%v", err)
	}
	file, err := producerRing.region.Duplicate()
	if err != nil {
		producerRing.close()
		return InvalidHandle, InvalidHandle, Errorf(CodeResourceExhausted, "%v", err)
	}
	consumerRing, err := openRing(file, validated.CapacityBytes)
	if err != nil {
		producerRing.close()
		return InvalidHandle, InvalidHandle, Errorf(CodeResourceExhausted, "%v", err)
	}

	producerPort, consumerPort, err := c.node.CreatePortPair()
	if err != nil {
		producerRing.close()
		consumerRing.close()
		return InvalidHandle, InvalidHandle, Errorf(CodeResourceExhausted, "creating control ports: %v", err)
	}

	handles, err := c.addHandles([]dispatcher{
		newDataPipeProducer(c, validated, producerPort, producerRing, 0, validated.CapacityBytes, false),
		newDataPipeConsumer(c, validated, consumerPort, consumerRing, 0, 0, false),
	})
	if err != nil {
		return InvalidHandle, InvalidHandle, err
	}
	c.metrics.PipeCreated("data")
	return handles[0], handles[1], nil
}

// ring is one end's view of the shared buffer.
type ring struct {
	region  *sharedmem.Region
	mapping *sharedmem.Mapping
}

func createRing(capacity int) (*ring, error) {
	region, err := sharedmem.Create("servicebus-data-pipe", capacity)
	if err != nil {
		return nil, err
	}
	return mapRing(region, capacity)
}

// openRing adopts file, closing it on failure.
func openRing(file *os.File, capacity int) (*ring, error) {
	region, err := sharedmem.Open(file)
	if err != nil {
		return nil, Errorf(CodeInvalidArgument, "%v", err)
	}
	if region.Size() < capacity {
		region.Close()
		return nil, Errorf(CodeInvalidArgument, "ring of %d bytes for capacity %d", region.Size(), capacity)
	}
	return mapRing(region, capacity)
}

func mapRing(region *sharedmem.Region, capacity int) (*ring, error) {
	mapping, err := region.Map(0, capacity)
	if err != nil {
		region.Close()
		return nil, err
	}
	return &ring{region: region, mapping: mapping}, nil
}

func (r *ring) buffer() []byte { return r.mapping.Bytes() }

// write copies data in at offset, wrapping at the end.
func (r *ring) write(offset int, data []byte) {
	buf := r.buffer()
	n := copy(buf[offset:], data)
	copy(buf, data[n:])
}

// read copies len(out) bytes out from offset, wrapping at the end.
func (r *ring) read(offset int, out []byte) {
	buf := r.buffer()
	n := copy(out, buf[offset:])
	copy(out[n:], buf)
}

func (r *ring) close() {
	r.mapping.Unmap()
	r.region.Close()
}

type noticeType uint8

const (
	noticeDataWasWritten noticeType = iota + 1
	noticeDataWasRead
)

// dataPipeNotice travels on a data pipe's control ports.
type dataPipeNotice struct {
	Type  noticeType `cbor:"type"`
	Bytes int        `cbor:"bytes"`
}

// dataPipeEnd holds what the producer and consumer have in common.
// Fields below mu are guarded by it.
type dataPipeEnd struct {
	core    *Core
	options DataPipeOptions
	control ports.PortRef
	ring    *ring

	mu          sync.Mutex
	closed      bool
	peerClosed  bool
	twoPhase    bool
	twoPhaseMax int
	waiters     waiterSet

	// transitFile is the ring descriptor prepared by beginTransit.
	transitFile *os.File
}

// drainNoticesLocked applies every queued notice and notes peer
// closure once the control port reports it.
func (e *dataPipeEnd) drainNoticesLocked(apply func(dataPipeNotice)) {
	for {
		event, err := e.core.node.GetMessage(e.control, nil)
		if errors.Is(err, ports.ErrPeerClosed) {
			e.peerClosed = true
			return
		}
		if err != nil || event == nil {
			return
		}
		var notice dataPipeNotice
		if err := codec.Unmarshal(event.Message.Payload, &notice); err != nil || notice.Bytes < 0 {
			e.core.logger.Warn("ignoring malformed data pipe notice", "port", e.control.Name().String())
			event.Message.Close()
			continue
		}
		apply(notice)
	}
}

// sendNotice reports progress to the other end. Called without e.mu
// held: a local peer handles the notice synchronously.
func (e *dataPipeEnd) sendNotice(kind noticeType, n int) {
	if n == 0 {
		return
	}
	payload, err := codec.Marshal(dataPipeNotice{Type: kind, Bytes: n})
	if err != nil {
		return
	}
	// Failure means the peer is gone, which the control port reports
	// separately.
	e.core.node.SendMessage(e.control, ports.NewUserEvent(&ports.Message{Payload: payload}, nil))
	e.core.drainLocalEvents()
}

func (e *dataPipeEnd) removeWaiter(w *waiter) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.waiters.remove(w)
}

// shutdownLocked releases this end's resources. The control port is
// closed unless it has been handed to a message.
func (e *dataPipeEnd) shutdownLocked(closePort bool) {
	e.closed = true
	e.waiters.cancelAll()
	if closePort {
		e.core.node.ClosePort(e.control)
	}
	e.ring.close()
}

func (e *dataPipeEnd) beginTransitLocked() error {
	if e.closed {
		return ErrCancelled
	}
	if e.twoPhase {
		return Errorf(CodeBusy, "data pipe end is in a two-phase operation")
	}
	file, err := e.ring.region.Duplicate()
	if err != nil {
		return Errorf(CodeResourceExhausted, "%v", err)
	}
	e.transitFile = file
	return nil
}

func (e *dataPipeEnd) cancelTransitLocked() {
	if e.transitFile != nil {
		e.transitFile.Close()
		e.transitFile = nil
	}
}

// endTransitLocked fills the fields common to both ends.
func (e *dataPipeEnd) endTransitLocked(t *transitWriter, kind dispatcherKind) handleDescriptor {
	desc := handleDescriptor{
		Kind:        kind,
		Port:        t.addPort(e.control.Name()),
		File:        t.addFile(e.transitFile),
		ElementSize: e.options.ElementSize,
		Capacity:    e.options.CapacityBytes,
		PeerClosed:  e.peerClosed,
	}
	e.transitFile = nil
	return desc
}
