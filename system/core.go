// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package system

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bureau-foundation/servicebus/lib/clock"
	"github.com/bureau-foundation/servicebus/lib/metrics"
	"github.com/bureau-foundation/servicebus/ports"
)

// Router delivers events addressed to other nodes. transport.Controller
// is the production implementation. ForwardEvent is called with port
// locks held and must not block or call back into the Core.
type Router interface {
	ForwardEvent(node ports.NodeName, event *ports.Event)

	// BroadcastEvent delivers event to every other reachable node.
	BroadcastEvent(event *ports.Event)
}

// Options configures a Core.
type Options struct {
	// NodeName names the Core's node. Zero picks a random name.
	NodeName ports.NodeName

	Limits  Limits
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Clock   clock.Clock
}

// Core is the process-wide context: the handle table, the local node,
// and the limits every operation is checked against. Several Cores can
// coexist in one process, each acting as a separate node.
type Core struct {
	logger  *slog.Logger
	metrics *metrics.Metrics
	clock   clock.Clock
	limits  Limits

	node   *ports.Node
	table  *handleTable
	router atomic.Pointer[routerBox]

	// Events a node sends to itself are queued here and delivered by
	// drainLocalEvents once no locks are held.
	localMu     sync.Mutex
	localEvents []*ports.Event
	drainMu     sync.Mutex
}

type routerBox struct{ Router }

// NewCore creates a Core with an empty handle table.
func NewCore(options Options) *Core {
	c := &Core{
		logger:  options.Logger,
		metrics: options.Metrics,
		clock:   options.Clock,
		limits:  options.Limits.withDefaults(),
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.clock == nil {
		c.clock = clock.Real()
	}
	name := options.NodeName
	if name.IsZero() {
		name = ports.RandomNodeName()
	}
	c.node = ports.NewNode(name, (*coreDelegate)(c))
	c.table = newHandleTable(c.limits.MaxHandleTableSize)
	c.logger = c.logger.With("node", name.String())
	return c
}

// Node returns the Core's routing node.
func (c *Core) Node() *ports.Node { return c.node }

// Limits returns the limits in force.
func (c *Core) Limits() Limits { return c.limits }

// Logger returns the Core's logger.
func (c *Core) Logger() *slog.Logger { return c.logger }

// Metrics returns the Core's metrics, which may be nil.
func (c *Core) Metrics() *metrics.Metrics { return c.metrics }

// SetRouter installs the router for events bound to other nodes.
// Until one is set such events are dropped.
func (c *Core) SetRouter(router Router) {
	if router == nil {
		c.router.Store(nil)
		return
	}
	c.router.Store(&routerBox{router})
}

// AcceptEvent delivers an event that arrived from another node.
func (c *Core) AcceptEvent(event *ports.Event) error {
	defer c.drainLocalEvents()
	return c.node.AcceptEvent(event)
}

// LostConnectionToNode marks every pipe whose peer lives on node as
// peer-closed.
func (c *Core) LostConnectionToNode(node ports.NodeName) {
	defer c.drainLocalEvents()
	c.node.LostConnectionToNode(node)
}

// LostAllRemoteConnections marks every pipe whose peer lives in another
// node as peer-closed.
func (c *Core) LostAllRemoteConnections() {
	defer c.drainLocalEvents()
	c.node.LostAllRemoteConnections()
}

// ClosePort closes a port that no handle owns, such as one end of a
// pipe waiting to be merged.
func (c *Core) ClosePort(ref ports.PortRef) {
	defer c.drainLocalEvents()
	c.node.ClosePort(ref)
}

// MergePorts joins the pipe ending in ref, which no handle owns, with
// the pipe ending in port on node. The far ends of the two pipes
// become peers.
func (c *Core) MergePorts(ref ports.PortRef, node ports.NodeName, port ports.PortName) error {
	defer c.drainLocalEvents()
	return c.node.MergePorts(ref, node, port)
}

// HandleCount returns the number of open handles.
func (c *Core) HandleCount() int { return c.table.len() }

// Close closes every open handle.
func (c *Core) Close() {
	defer c.drainLocalEvents()
	ds := c.table.removeAll()
	for _, d := range ds {
		d.close()
	}
	c.metrics.HandlesRemoved(len(ds))
}

// CloseHandle closes h. Waiters on h are released with ErrCancelled. A
// second close of the same handle fails with ErrInvalidArgument.
func (c *Core) CloseHandle(h Handle) error {
	defer c.drainLocalEvents()
	d, err := c.table.remove(h)
	if err != nil {
		return err
	}
	c.metrics.HandlesRemoved(1)
	d.close()
	return nil
}

func (c *Core) addHandle(d dispatcher) (Handle, error) {
	h, err := c.table.add(d)
	if err != nil {
		d.close()
		return InvalidHandle, err
	}
	c.metrics.HandlesAdded(1)
	return h, nil
}

func (c *Core) addHandles(ds []dispatcher) ([]Handle, error) {
	handles, err := c.table.addMany(ds)
	if err != nil {
		for _, d := range ds {
			d.close()
		}
		return nil, err
	}
	c.metrics.HandlesAdded(len(ds))
	return handles, nil
}

// Wait blocks until h satisfies any of signals. It returns
// ErrFailedPrecondition once none of them can hold again, ErrCancelled
// if h is closed meanwhile, and ErrDeadlineExceeded (or ErrCancelled
// for a cancelled context) when ctx ends first. A ctx that has already
// ended returns without looking at h.
func (c *Core) Wait(ctx context.Context, h Handle, signals Signals) (SignalsState, error) {
	_, states, err := c.WaitMany(ctx, []Handle{h}, []Signals{signals})
	if len(states) == 0 {
		return SignalsState{}, err
	}
	return states[0], err
}

// WaitUntil is Wait with an absolute deadline measured on the Core's
// clock.
func (c *Core) WaitUntil(h Handle, signals Signals, deadline time.Time) (SignalsState, error) {
	remaining := deadline.Sub(c.clock.Now())
	if remaining <= 0 {
		return SignalsState{}, ErrDeadlineExceeded
	}
	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)
	timer := c.clock.AfterFunc(remaining, func() { cancel(context.DeadlineExceeded) })
	defer timer.Stop()
	return c.Wait(ctx, h, signals)
}

// WaitMany blocks until any handle satisfies its signals and returns
// that handle's index, along with the states of all handles as of the
// wakeup. The index is also set when the result is an error tied to one
// handle.
func (c *Core) WaitMany(ctx context.Context, handles []Handle, signals []Signals) (int, []SignalsState, error) {
	if err := contextError(ctx); err != nil {
		return -1, nil, err
	}
	if len(handles) != len(signals) || len(handles) == 0 {
		return -1, nil, Errorf(CodeInvalidArgument, "%d handles with %d signal sets", len(handles), len(signals))
	}

	ds := make([]dispatcher, len(handles))
	for i, h := range handles {
		d, err := c.table.get(h)
		if err != nil {
			return i, nil, err
		}
		ds[i] = d
	}

	results := make(chan waitResult, len(handles))
	waiters := make([]*waiter, len(handles))
	states := make([]SignalsState, len(handles))
	registered := 0
	unregister := func() {
		for i := 0; i < registered; i++ {
			ds[i].removeWaiter(waiters[i])
		}
	}

	for i, d := range ds {
		waiters[i] = &waiter{signals: signals[i], index: i, results: results}
		state, done, err := d.addWaiter(waiters[i])
		states[i] = state
		if done {
			unregister()
			return i, states, err
		}
		registered++
	}

	select {
	case result := <-results:
		unregister()
		states[result.index] = result.state
		return result.index, states, result.err
	case <-ctx.Done():
		unregister()
		// A result may have raced the deadline.
		select {
		case result := <-results:
			states[result.index] = result.state
			return result.index, states, result.err
		default:
		}
		return -1, states, contextError(ctx)
	}
}

func contextError(ctx context.Context) error {
	if ctx.Err() == nil {
		return nil
	}
	if errors.Is(context.Cause(ctx), context.DeadlineExceeded) {
		return ErrDeadlineExceeded
	}
	return ErrCancelled
}

// closePortByName closes a port that no endpoint owns.
func (c *Core) closePortByName(name ports.PortName) {
	if ref, err := c.node.GetPort(name); err == nil {
		c.node.ClosePort(ref)
	}
}

// drainLocalEvents delivers queued self-addressed events. One goroutine
// drains at a time so events are applied in the order they were
// queued; a goroutine that finds the drain busy leaves its events to
// the current drainer.
func (c *Core) drainLocalEvents() {
	for {
		if !c.drainMu.TryLock() {
			return
		}
		for {
			c.localMu.Lock()
			if len(c.localEvents) == 0 {
				c.localMu.Unlock()
				break
			}
			event := c.localEvents[0]
			c.localEvents[0] = nil
			c.localEvents = c.localEvents[1:]
			c.localMu.Unlock()

			if err := c.node.AcceptEvent(event); err != nil && !errors.Is(err, ports.ErrPortUnknown) {
				c.logger.Debug("local event rejected", "event", event.Type.String(), "port", event.Port.String(), "error", err)
			}
		}
		c.drainMu.Unlock()

		// Events queued between the final check and the unlock would
		// otherwise wait for the next operation.
		c.localMu.Lock()
		empty := len(c.localEvents) == 0
		c.localMu.Unlock()
		if empty {
			return
		}
	}
}

// coreDelegate is the Core seen as the node's ports.Delegate.
type coreDelegate Core

func (d *coreDelegate) ForwardEvent(node ports.NodeName, event *ports.Event) {
	c := (*Core)(d)
	if node == c.node.Name() {
		c.localMu.Lock()
		c.localEvents = append(c.localEvents, event)
		c.localMu.Unlock()
		return
	}
	box := c.router.Load()
	if box == nil {
		c.logger.Debug("dropping event for unreachable node", "event", event.Type.String(), "to", node.String())
		event.Message.Close()
		return
	}
	box.ForwardEvent(node, event)
}

func (d *coreDelegate) PortStatusChanged(ref ports.PortRef) {
	c := (*Core)(d)
	data, err := c.node.UserData(ref)
	if err != nil {
		return
	}
	if observer, ok := data.(portObserver); ok {
		observer.onPortStatusChanged()
	}
}

func (d *coreDelegate) BroadcastEvent(event *ports.Event) {
	c := (*Core)(d)
	if box := c.router.Load(); box != nil {
		box.BroadcastEvent(event)
	}
}
