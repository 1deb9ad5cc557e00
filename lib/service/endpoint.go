// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bureau-foundation/servicebus/lib/codec"
	"github.com/bureau-foundation/servicebus/system"
)

// ErrDisconnected is returned by calls pending when the peer closes its
// end of the pipe, and by calls made after.
var ErrDisconnected = errors.New("service: peer disconnected")

// ActionFunc handles one inbound request. The handler owns
// req.Handles. A nil result replies {ok: true}; a non-nil result is
// CBOR-encoded into the reply's data, and an Attached result also
// sends handles. Results of notifications are discarded.
type ActionFunc func(ctx context.Context, req *Request) (any, error)

// Attached is a handler result that carries handles with its value.
type Attached struct {
	Value   any
	Handles []system.Handle
}

// envelope is the wire form of every message on an endpoint's pipe.
// ID 0 marks a notification, which gets no reply.
type envelope struct {
	ID     uint64           `cbor:"id,omitempty"`
	Reply  bool             `cbor:"reply,omitempty"`
	Action string           `cbor:"action,omitempty"`
	OK     bool             `cbor:"ok,omitempty"`
	Code   system.Code      `cbor:"code,omitempty"`
	Error  string           `cbor:"error,omitempty"`
	Data   codec.RawMessage `cbor:"data,omitempty"`
}

// Request is an inbound call or notification.
type Request struct {
	Action  string
	Data    codec.RawMessage
	Handles []system.Handle
	id      uint64
}

// Decode unmarshals the request data into v. An empty body leaves v
// unchanged.
func (r *Request) Decode(v any) error {
	if len(r.Data) == 0 {
		return nil
	}
	if err := codec.Unmarshal(r.Data, v); err != nil {
		return system.Errorf(system.CodeInvalidArgument, "decoding %s request: %v", r.Action, err)
	}
	return nil
}

// Reply is the successful result of Call. The caller owns Handles.
type Reply struct {
	Data    codec.RawMessage
	Handles []system.Handle
}

// Decode unmarshals the reply data into v.
func (r *Reply) Decode(v any) error {
	if len(r.Data) == 0 {
		return nil
	}
	return codec.Unmarshal(r.Data, v)
}

// ServiceError is returned by Call when the peer's handler failed. It
// unwraps to the system.Code the handler's error carried, so
// errors.Is(err, system.ErrAccessDenied) works across the pipe.
type ServiceError struct {
	Action  string
	Code    system.Code
	Message string
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("service error on %q: %s", e.Action, e.Message)
}

func (e *ServiceError) Unwrap() error {
	if e.Code == system.CodeOK {
		return nil
	}
	return e.Code
}

type result struct {
	reply *Reply
	err   error
}

// Endpoint speaks a request-reply protocol over one message pipe
// handle. Either side may call the other: each end registers handlers
// for the actions it serves and calls the actions the peer serves.
//
// Handlers run one at a time in arrival order on a goroutine separate
// from the reader, so a handler may itself Call the peer. Register
// handlers before Serve.
type Endpoint struct {
	core   *system.Core
	handle system.Handle
	logger *slog.Logger

	handlers     map[string]ActionFunc
	onDisconnect func()

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]chan result
	inbox   []*Request
	closed  bool
	lost    bool
	wake    chan struct{}
	done    chan struct{}
}

// NewEndpoint wraps handle, which the endpoint owns from now on.
func NewEndpoint(core *system.Core, handle system.Handle, logger *slog.Logger) *Endpoint {
	return &Endpoint{
		core:     core,
		handle:   handle,
		logger:   logger,
		handlers: make(map[string]ActionFunc),
		pending:  make(map[uint64]chan result),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Handle registers handler for action. Panics on a duplicate.
func (e *Endpoint) Handle(action string, handler ActionFunc) {
	if _, exists := e.handlers[action]; exists {
		panic(fmt.Sprintf("service.Endpoint: duplicate handler for action %q", action))
	}
	e.handlers[action] = handler
}

// OnDisconnect sets a function called once, from the Serve goroutine,
// when the peer closes its end. It is not called after Close.
func (e *Endpoint) OnDisconnect(fn func()) {
	e.onDisconnect = fn
}

// Done is closed when Serve has returned.
func (e *Endpoint) Done() <-chan struct{} { return e.done }

// Serve reads the pipe and dispatches requests until the peer closes,
// Close is called, or ctx ends. Calls block until Serve routes their
// replies, so an endpoint that makes calls must be served.
func (e *Endpoint) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var handlers sync.WaitGroup
	handlers.Add(1)
	go func() {
		defer handlers.Done()
		e.runHandlers(ctx)
	}()

	err := e.readLoop(ctx)

	e.mu.Lock()
	disconnected := !e.closed && err == nil
	e.lost = true
	pending := e.pending
	e.pending = make(map[uint64]chan result)
	e.mu.Unlock()
	for _, ch := range pending {
		ch <- result{err: ErrDisconnected}
	}

	cancel()
	handlers.Wait()
	e.discardInbox()
	close(e.done)

	if disconnected && e.onDisconnect != nil {
		e.onDisconnect()
	}
	if errors.Is(err, system.ErrCancelled) {
		return nil
	}
	return err
}

// readLoop returns nil when the peer closes and the queue is drained.
func (e *Endpoint) readLoop(ctx context.Context) error {
	for {
		state, err := e.core.Wait(ctx, e.handle, system.SignalReadable|system.SignalPeerClosed)
		if err != nil {
			if errors.Is(err, system.ErrFailedPrecondition) {
				return nil
			}
			return err
		}
		if !state.Satisfies(system.SignalReadable) {
			return nil
		}
		msg, err := e.core.ReadNextMessage(e.handle)
		switch {
		case err == nil:
		case errors.Is(err, system.ErrShouldWait), errors.Is(err, system.ErrFailedPrecondition):
			continue
		default:
			return err
		}
		e.route(msg)
	}
}

func (e *Endpoint) route(msg *system.Message) {
	var env envelope
	if err := codec.Unmarshal(msg.Bytes, &env); err != nil {
		e.logger.Warn("discarding malformed envelope", "error", err)
		e.closeHandles(msg.Handles)
		return
	}

	if env.Reply {
		e.mu.Lock()
		ch, ok := e.pending[env.ID]
		delete(e.pending, env.ID)
		e.mu.Unlock()
		if !ok {
			// The caller gave up waiting.
			e.closeHandles(msg.Handles)
			return
		}
		if !env.OK {
			e.closeHandles(msg.Handles)
			ch <- result{err: &ServiceError{Action: env.Action, Code: env.Code, Message: env.Error}}
			return
		}
		ch <- result{reply: &Reply{Data: env.Data, Handles: msg.Handles}}
		return
	}

	e.mu.Lock()
	e.inbox = append(e.inbox, &Request{Action: env.Action, Data: env.Data, Handles: msg.Handles, id: env.ID})
	e.mu.Unlock()
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Endpoint) runHandlers(ctx context.Context) {
	for {
		e.mu.Lock()
		batch := e.inbox
		e.inbox = nil
		e.mu.Unlock()

		for _, req := range batch {
			if ctx.Err() != nil {
				e.closeHandles(req.Handles)
				continue
			}
			e.dispatch(ctx, req)
		}
		if len(batch) > 0 {
			continue
		}
		select {
		case <-e.wake:
		case <-ctx.Done():
			return
		}
	}
}

func (e *Endpoint) dispatch(ctx context.Context, req *Request) {
	handler, ok := e.handlers[req.Action]
	if !ok {
		e.closeHandles(req.Handles)
		e.logger.Debug("unknown action", "action", req.Action)
		if req.id != 0 {
			e.reply(req, nil, system.Errorf(system.CodeUnimplemented, "unknown action %q", req.Action))
		}
		return
	}

	value, err := handler(ctx, req)
	if err != nil {
		e.logger.Debug("action failed", "action", req.Action, "error", err)
	}
	if req.id == 0 {
		if attached, ok := value.(Attached); ok {
			e.closeHandles(attached.Handles)
		}
		return
	}
	e.reply(req, value, err)
}

func (e *Endpoint) reply(req *Request, value any, handlerErr error) {
	env := envelope{ID: req.id, Reply: true, Action: req.Action}
	var handles []system.Handle
	if attached, ok := value.(Attached); ok {
		value, handles = attached.Value, attached.Handles
	}

	if handlerErr != nil {
		env.Code = system.CodeOf(handlerErr)
		env.Error = handlerErr.Error()
		e.closeHandles(handles)
		handles = nil
	} else {
		env.OK = true
		if value != nil {
			data, err := codec.Marshal(value)
			if err != nil {
				env.OK = false
				env.Code = system.CodeUnknown
				env.Error = fmt.Sprintf("encoding %s result: %v", req.Action, err)
				e.closeHandles(handles)
				handles = nil
			} else {
				env.Data = data
			}
		}
	}

	if err := e.write(&env, handles); err != nil {
		e.logger.Debug("reply not delivered", "action", req.Action, "error", err)
	}
}

// Call sends a request and waits for the reply. The handles travel
// with the request and are consumed whether or not it succeeds. A
// failed handler surfaces as *ServiceError.
func (e *Endpoint) Call(ctx context.Context, action string, request any, handles []system.Handle) (*Reply, error) {
	data, err := encodeRequest(action, request)
	if err != nil {
		e.closeHandles(handles)
		return nil, err
	}

	ch := make(chan result, 1)
	e.mu.Lock()
	if e.lost || e.closed {
		e.mu.Unlock()
		e.closeHandles(handles)
		return nil, ErrDisconnected
	}
	e.nextID++
	id := e.nextID
	e.pending[id] = ch
	e.mu.Unlock()

	if err := e.write(&envelope{ID: id, Action: action, Data: data}, handles); err != nil {
		e.forget(id)
		return nil, fmt.Errorf("calling %q: %w", action, err)
	}

	select {
	case r := <-ch:
		return r.reply, r.err
	case <-ctx.Done():
		e.forget(id)
		// A reply may have raced the cancellation.
		select {
		case r := <-ch:
			if r.reply != nil {
				e.closeHandles(r.reply.Handles)
			}
		default:
		}
		return nil, fmt.Errorf("calling %q: %w", action, ctx.Err())
	}
}

// Notify sends a request that gets no reply.
func (e *Endpoint) Notify(action string, request any, handles []system.Handle) error {
	data, err := encodeRequest(action, request)
	if err != nil {
		e.closeHandles(handles)
		return err
	}
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		e.closeHandles(handles)
		return ErrDisconnected
	}
	return e.write(&envelope{Action: action, Data: data}, handles)
}

// Close closes the pipe. Serve returns and pending calls fail with
// ErrDisconnected.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()
	return e.core.CloseHandle(e.handle)
}

func (e *Endpoint) forget(id uint64) {
	e.mu.Lock()
	delete(e.pending, id)
	e.mu.Unlock()
}

func (e *Endpoint) write(env *envelope, handles []system.Handle) error {
	payload, err := codec.Marshal(env)
	if err != nil {
		e.closeHandles(handles)
		return fmt.Errorf("encoding envelope: %w", err)
	}
	if err := e.core.WriteMessage(e.handle, payload, handles); err != nil {
		// A write refused before detaching leaves the handles in the
		// table; handle values are not reissued before wrapping, so
		// closing ones already detached is harmless.
		e.closeHandles(handles)
		if errors.Is(err, system.ErrFailedPrecondition) {
			return ErrDisconnected
		}
		return err
	}
	return nil
}

func (e *Endpoint) discardInbox() {
	e.mu.Lock()
	inbox := e.inbox
	e.inbox = nil
	e.mu.Unlock()
	for _, req := range inbox {
		e.closeHandles(req.Handles)
	}
}

func (e *Endpoint) closeHandles(handles []system.Handle) {
	for _, h := range handles {
		e.core.CloseHandle(h)
	}
}

func encodeRequest(action string, request any) (codec.RawMessage, error) {
	if request == nil {
		return nil, nil
	}
	data, err := codec.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("encoding %s request: %w", action, err)
	}
	return data, nil
}
