// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package system

import (
	"errors"
	"sync"

	"github.com/bureau-foundation/servicebus/lib/codec"
	"github.com/bureau-foundation/servicebus/ports"
)

// ReadMessageFlags modify ReadMessage.
type ReadMessageFlags uint32

const (
	// ReadMessageMayDiscard drops a message that does not fit the
	// caller's buffers instead of leaving it queued.
	ReadMessageMayDiscard ReadMessageFlags = 1 << iota
)

// ReadResult reports the size of the message ReadMessage returned or,
// with ErrResourceExhausted, the sizes it needs.
type ReadResult struct {
	NumBytes   int
	NumHandles int
}

// Message is a whole message read with ReadNextMessage.
type Message struct {
	Bytes   []byte
	Handles []Handle
}

type messagePipeDispatcher struct {
	core *Core
	port ports.PortRef

	mu      sync.Mutex
	closed  bool
	waiters waiterSet
}

func newMessagePipeDispatcher(core *Core, port ports.PortRef) *messagePipeDispatcher {
	d := &messagePipeDispatcher{core: core, port: port}
	core.node.SetUserData(port, d)
	return d
}

// CreateMessagePipe creates a connected pair of message pipe ends.
func (c *Core) CreateMessagePipe() (Handle, Handle, error) {
	a, b, err := c.node.CreatePortPair()
	if err != nil {
		return InvalidHandle, InvalidHandle, Errorf(CodeResourceExhausted, "creating port pair: %v", err)
	}
	handles, err := c.addHandles([]dispatcher{
		newMessagePipeDispatcher(c, a),
		newMessagePipeDispatcher(c, b),
	})
	if err != nil {
		return InvalidHandle, InvalidHandle, err
	}
	c.metrics.PipeCreated("message")
	return handles[0], handles[1], nil
}

// WrapPort makes a handle for a receiving port created outside the
// Core's own calls, such as a bootstrap port merged with another
// process.
func (c *Core) WrapPort(port ports.PortRef) (Handle, error) {
	return c.addHandle(newMessagePipeDispatcher(c, port))
}

// WriteMessage sends data and the endpoints behind handles to the peer
// of h. The carried handles are closed in this table whether or not
// the write succeeds, except when it fails validation, in which case
// nothing changes.
func (c *Core) WriteMessage(h Handle, data []byte, handles []Handle) error {
	defer c.drainLocalEvents()

	if len(data) > c.limits.MaxMessageBytes {
		return Errorf(CodeResourceExhausted, "message of %d bytes exceeds limit %d", len(data), c.limits.MaxMessageBytes)
	}
	if len(handles) > c.limits.MaxMessageHandles {
		return Errorf(CodeResourceExhausted, "message carries %d handles, limit %d", len(handles), c.limits.MaxMessageHandles)
	}

	pipe, attached, err := c.detachForWrite(h, handles)
	if err != nil {
		return err
	}

	var transit transitWriter
	env := envelope{Data: data}
	if len(attached) > 0 {
		env.Handles = make([]handleDescriptor, len(attached))
		for i, d := range attached {
			env.Handles[i] = d.endTransit(&transit)
		}
	}

	payload, err := codec.Marshal(&env)
	if err != nil {
		c.discardTransit(&transit)
		return Errorf(CodeInvalidArgument, "encoding message: %v", err)
	}
	event := ports.NewUserEvent(&ports.Message{Payload: payload, Files: transit.files}, transit.ports)
	if err := c.node.SendMessage(pipe.port, event); err != nil {
		c.discardTransit(&transit)
		return portError(err)
	}
	return nil
}

// detachForWrite validates h and the handles it would carry, then
// removes the carried handles from the table and begins their transit,
// all in one critical section.
func (c *Core) detachForWrite(h Handle, handles []Handle) (*messagePipeDispatcher, []dispatcher, error) {
	c.table.mu.Lock()
	defer c.table.mu.Unlock()

	d, err := c.table.getLocked(h)
	if err != nil {
		return nil, nil, err
	}
	pipe, ok := d.(*messagePipeDispatcher)
	if !ok {
		return nil, nil, Errorf(CodeInvalidArgument, "handle %d is a %s, not a message pipe", h, d.kind())
	}
	peerNode, peerPort, err := c.node.Peer(pipe.port)
	if err != nil {
		return nil, nil, ErrCancelled
	}
	status, err := c.node.Status(pipe.port)
	if err != nil {
		return nil, nil, ErrCancelled
	}
	if status.PeerClosed {
		return nil, nil, Errorf(CodeFailedPrecondition, "peer of handle %d is closed", h)
	}
	if len(handles) == 0 {
		return pipe, nil, nil
	}

	attached := make([]dispatcher, len(handles))
	seen := make(map[Handle]struct{}, len(handles))
	for i, carried := range handles {
		if carried == h {
			return nil, nil, Errorf(CodeInvalidArgument, "handle %d cannot carry itself", h)
		}
		if _, dup := seen[carried]; dup {
			return nil, nil, Errorf(CodeInvalidArgument, "handle %d attached twice", carried)
		}
		seen[carried] = struct{}{}
		carriedDispatcher, err := c.table.getLocked(carried)
		if err != nil {
			return nil, nil, err
		}
		if other, ok := carriedDispatcher.(*messagePipeDispatcher); ok &&
			peerNode == c.node.Name() && other.port.Name() == peerPort {
			return nil, nil, Errorf(CodeInvalidArgument, "handle %d is the peer of handle %d", carried, h)
		}
		attached[i] = carriedDispatcher
	}

	for i, carried := range attached {
		if err := carried.beginTransit(); err != nil {
			for _, started := range attached[:i] {
				started.cancelTransit()
			}
			return nil, nil, err
		}
	}
	for _, carried := range handles {
		delete(c.table.entries, carried)
	}
	c.metrics.HandlesRemoved(len(handles))
	return pipe, attached, nil
}

// discardTransit releases the ports and files of a message that was
// never sent.
func (c *Core) discardTransit(t *transitWriter) {
	for _, name := range t.ports {
		c.closePortByName(name)
	}
	for _, file := range t.files {
		file.Close()
	}
}

// ReadMessage reads the next message on h into buf and handles. If
// either is too small it returns ErrResourceExhausted with the needed
// sizes, leaving the message queued unless ReadMessageMayDiscard is
// set. An empty pipe returns ErrShouldWait while the peer is open and
// ErrFailedPrecondition after.
func (c *Core) ReadMessage(h Handle, buf []byte, handles []Handle, flags ReadMessageFlags) (ReadResult, error) {
	defer c.drainLocalEvents()

	pipe, err := c.messagePipe(h)
	if err != nil {
		return ReadResult{}, err
	}

	var (
		result   ReadResult
		env      envelope
		decodeOK bool
		tooSmall bool
	)
	selector := func(event *ports.Event) bool {
		decodeOK = codec.Unmarshal(event.Message.Payload, &env) == nil
		if !decodeOK {
			return true
		}
		result = ReadResult{NumBytes: len(env.Data), NumHandles: len(env.Handles)}
		tooSmall = len(buf) < result.NumBytes || len(handles) < result.NumHandles
		return !tooSmall || flags&ReadMessageMayDiscard != 0
	}

	event, err := c.node.GetMessage(pipe.port, selector)
	if err != nil {
		return ReadResult{}, portError(err)
	}
	if event == nil {
		if tooSmall {
			return result, Errorf(CodeResourceExhausted, "message needs %d bytes and %d handles", result.NumBytes, result.NumHandles)
		}
		return ReadResult{}, ErrShouldWait
	}
	if !decodeOK {
		c.discardEvent(event)
		c.logger.Warn("discarded undecodable message", "handle", h)
		return ReadResult{}, Errorf(CodeFailedPrecondition, "undecodable message discarded")
	}
	if tooSmall {
		c.discardEvent(event)
		return result, Errorf(CodeResourceExhausted, "message of %d bytes and %d handles discarded", result.NumBytes, result.NumHandles)
	}

	received, err := c.materializeHandles(event, env.Handles)
	if err != nil {
		return ReadResult{}, err
	}
	copy(buf, env.Data)
	copy(handles, received)
	return result, nil
}

// ReadNextMessage reads the next message on h whatever its size.
func (c *Core) ReadNextMessage(h Handle) (*Message, error) {
	defer c.drainLocalEvents()

	pipe, err := c.messagePipe(h)
	if err != nil {
		return nil, err
	}
	event, err := c.node.GetMessage(pipe.port, nil)
	if err != nil {
		return nil, portError(err)
	}
	if event == nil {
		return nil, ErrShouldWait
	}
	var env envelope
	if err := codec.Unmarshal(event.Message.Payload, &env); err != nil {
		c.discardEvent(event)
		c.logger.Warn("discarded undecodable message", "handle", h, "error", err)
		return nil, Errorf(CodeFailedPrecondition, "undecodable message discarded")
	}
	received, err := c.materializeHandles(event, env.Handles)
	if err != nil {
		return nil, err
	}
	return &Message{Bytes: env.Data, Handles: received}, nil
}

// materializeHandles rebuilds the carried endpoints of event and adds
// them to the table. On failure the whole message is released.
func (c *Core) materializeHandles(event *ports.Event, descriptors []handleDescriptor) ([]Handle, error) {
	reader := newTransitReader(c, event)
	defer reader.releaseUnclaimed()
	if len(descriptors) == 0 {
		return nil, nil
	}

	ds := make([]dispatcher, 0, len(descriptors))
	for _, desc := range descriptors {
		d, err := reader.materialize(desc)
		if err != nil {
			for _, built := range ds {
				built.close()
			}
			c.logger.Warn("discarded message with unusable endpoint", "kind", desc.Kind.String(), "error", err)
			return nil, err
		}
		ds = append(ds, d)
	}
	return c.addHandles(ds)
}

func (c *Core) discardEvent(event *ports.Event) {
	reader := newTransitReader(c, event)
	reader.releaseUnclaimed()
}

func (c *Core) messagePipe(h Handle) (*messagePipeDispatcher, error) {
	d, err := c.table.get(h)
	if err != nil {
		return nil, err
	}
	pipe, ok := d.(*messagePipeDispatcher)
	if !ok {
		return nil, Errorf(CodeInvalidArgument, "handle %d is a %s, not a message pipe", h, d.kind())
	}
	return pipe, nil
}

// portError maps routing errors onto result codes.
func portError(err error) error {
	switch {
	case errors.Is(err, ports.ErrPeerClosed):
		return Errorf(CodeFailedPrecondition, "peer closed")
	case errors.Is(err, ports.ErrPortStateUnexpected), errors.Is(err, ports.ErrPortUnknown):
		return Errorf(CodeCancelled, "%v", err)
	default:
		return Errorf(CodeInvalidArgument, "%v", err)
	}
}

func (d *messagePipeDispatcher) kind() dispatcherKind { return kindMessagePipe }

func (d *messagePipeDispatcher) signalsStateLocked() SignalsState {
	status, err := d.core.node.Status(d.port)
	if err != nil {
		return SignalsState{}
	}
	var state SignalsState
	state.Satisfiable |= SignalPeerClosed
	if status.HasMessages {
		state.Satisfied |= SignalReadable
	}
	if status.ReceivingMessages {
		state.Satisfiable |= SignalReadable
	}
	if status.PeerClosed {
		state.Satisfied |= SignalPeerClosed
	} else {
		state.Satisfied |= SignalWritable
		state.Satisfiable |= SignalWritable
	}
	return state
}

func (d *messagePipeDispatcher) addWaiter(w *waiter) (SignalsState, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return SignalsState{}, true, ErrCancelled
	}
	state := d.signalsStateLocked()
	done, err := d.waiters.register(w, state)
	return state, done, err
}

func (d *messagePipeDispatcher) removeWaiter(w *waiter) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.waiters.remove(w)
}

func (d *messagePipeDispatcher) onPortStatusChanged() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.waiters.awake(d.signalsStateLocked())
}

func (d *messagePipeDispatcher) close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	d.waiters.cancelAll()
	d.core.node.ClosePort(d.port)
}

func (d *messagePipeDispatcher) beginTransit() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrCancelled
	}
	return nil
}

func (d *messagePipeDispatcher) endTransit(t *transitWriter) handleDescriptor {
	defer d.mu.Unlock()
	d.closed = true
	d.waiters.cancelAll()
	return handleDescriptor{Kind: kindMessagePipe, Port: t.addPort(d.port.Name())}
}

func (d *messagePipeDispatcher) cancelTransit() { d.mu.Unlock() }
