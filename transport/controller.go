// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/bureau-foundation/servicebus/lib/metrics"
	"github.com/bureau-foundation/servicebus/ports"
	"github.com/bureau-foundation/servicebus/system"
)

// ErrNoBroker is returned by client operations before ConnectToBroker.
var ErrNoBroker = errors.New("transport: not connected to a broker")

// Options configures a Controller.
type Options struct {
	// Broker makes this node the broker: it accepts clients and relays
	// events between them. Otherwise the node is a client with at most
	// one channel, to its broker.
	Broker bool

	Channel ChannelOptions
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// mergeRequest is a child's half of a bootstrap pipe that arrived
// before the parent registered the token.
type mergeRequest struct {
	node ports.NodeName
	port ports.PortName
}

// Controller binds a Core's node to channels. It is the Core's router:
// events for other nodes are framed and queued on the right channel,
// and frames read from channels are delivered to the Core.
//
// The topology is a star. A client sends everything through its
// broker, which delivers events addressed to itself and relays the
// rest to the client named in the frame.
type Controller struct {
	core    *system.Core
	broker  bool
	options ChannelOptions
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu sync.Mutex
	// clients are the broker's channels by peer name, once the peer's
	// hello has arrived.
	clients map[ports.NodeName]*Channel
	// upstream is a client's channel to its broker.
	upstream *Channel
	// all holds every live channel, named or not.
	all    map[*Channel]struct{}
	closed bool

	pendingParents  map[string]ports.PortRef
	pendingChildren map[string]mergeRequest
}

// NewController creates a controller and installs it as core's router.
func NewController(core *system.Core, options Options) *Controller {
	logger := options.Logger
	if logger == nil {
		logger = core.Logger()
	}
	c := &Controller{
		core:            core,
		broker:          options.Broker,
		options:         options.Channel.withDefaults(),
		logger:          logger.With("node", core.Node().Name().String()),
		metrics:         options.Metrics,
		clients:         make(map[ports.NodeName]*Channel),
		all:             make(map[*Channel]struct{}),
		pendingParents:  make(map[string]ports.PortRef),
		pendingChildren: make(map[string]mergeRequest),
	}
	if c.metrics == nil {
		c.metrics = core.Metrics()
	}
	core.SetRouter(c)
	return c
}

// IsBroker reports whether this controller relays for clients.
func (c *Controller) IsBroker() bool { return c.broker }

// AcceptBrokerClient starts serving a client connected on conn. The
// client is known by name once its hello arrives.
func (c *Controller) AcceptBrokerClient(conn *net.UnixConn) (*Channel, error) {
	if !c.broker {
		conn.Close()
		return nil, fmt.Errorf("transport: AcceptBrokerClient on a client node")
	}
	return c.startChannel(conn, false)
}

// ConnectToBroker makes conn this client's channel to its broker.
func (c *Controller) ConnectToBroker(conn *net.UnixConn) (*Channel, error) {
	if c.broker {
		conn.Close()
		return nil, fmt.Errorf("transport: ConnectToBroker on the broker")
	}
	return c.startChannel(conn, true)
}

func (c *Controller) startChannel(conn *net.UnixConn, upstream bool) (*Channel, error) {
	ch := newChannel(conn, c.options, c.logger, c.metrics, c.handleFrame, c.channelClosed)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return nil, ErrChannelClosed
	}
	if upstream {
		if c.upstream != nil {
			c.mu.Unlock()
			conn.Close()
			return nil, fmt.Errorf("transport: already connected to a broker")
		}
		c.upstream = ch
	}
	c.all[ch] = struct{}{}
	c.mu.Unlock()

	ch.start()
	if err := ch.send(&frame{Type: frameHello, Node: c.core.Node().Name(), Broker: c.broker}); err != nil {
		ch.Close()
		return nil, err
	}
	return ch, nil
}

// Close shuts every channel down. Remote pipes become peer-closed as
// their channels stop.
func (c *Controller) Close() {
	c.mu.Lock()
	c.closed = true
	channels := make([]*Channel, 0, len(c.all))
	for ch := range c.all {
		channels = append(channels, ch)
	}
	c.mu.Unlock()
	for _, ch := range channels {
		ch.Close()
		<-ch.Done()
	}
}

// ForwardEvent implements system.Router.
func (c *Controller) ForwardEvent(node ports.NodeName, event *ports.Event) {
	c.mu.Lock()
	var (
		ch   *Channel
		kind frameType
	)
	if c.broker {
		ch, kind = c.clients[node], frameEvent
	} else {
		ch, kind = c.upstream, frameRelay
	}
	c.mu.Unlock()

	if ch == nil {
		c.logger.Debug("dropping event for unreachable node", "event", event.Type.String(), "to", node.String())
		event.Message.Close()
		return
	}
	if err := ch.send(eventFrame(kind, node, event)); err != nil {
		c.logger.Debug("dropping event", "event", event.Type.String(), "to", node.String(), "error", err)
	}
}

// BroadcastEvent implements system.Router.
func (c *Controller) BroadcastEvent(event *ports.Event) {
	if c.broker {
		c.broadcast(nil, event)
		return
	}
	c.mu.Lock()
	upstream := c.upstream
	c.mu.Unlock()
	if upstream != nil {
		upstream.send(eventFrame(frameBroadcast, ports.NodeName{}, event))
	}
}

// broadcast sends event to every client except the one it came from.
func (c *Controller) broadcast(from *Channel, event *ports.Event) {
	c.mu.Lock()
	targets := make([]*Channel, 0, len(c.clients))
	for _, ch := range c.clients {
		if ch != from {
			targets = append(targets, ch)
		}
	}
	c.mu.Unlock()
	for _, ch := range targets {
		ch.send(eventFrame(frameEvent, ports.NodeName{}, event))
	}
}

// CreateParentMessagePipe returns one end of a pipe whose other end
// will be joined with the pipe a child creates under the same token
// with CreateChildMessagePipe. Messages written before the child
// arrives are held. Called on the broker.
func (c *Controller) CreateParentMessagePipe(token string) (system.Handle, error) {
	if !c.broker {
		return system.InvalidHandle, fmt.Errorf("transport: parent pipes are created on the broker")
	}
	local, pending, err := c.core.Node().CreatePortPair()
	if err != nil {
		return system.InvalidHandle, err
	}
	h, err := c.core.WrapPort(local)
	if err != nil {
		c.core.ClosePort(pending)
		return system.InvalidHandle, err
	}

	c.mu.Lock()
	if _, exists := c.pendingParents[token]; exists {
		c.mu.Unlock()
		c.core.CloseHandle(h)
		c.core.ClosePort(pending)
		return system.InvalidHandle, fmt.Errorf("transport: token %q already registered", token)
	}
	request, arrived := c.pendingChildren[token]
	if arrived {
		delete(c.pendingChildren, token)
	} else {
		c.pendingParents[token] = pending
	}
	c.mu.Unlock()

	if arrived {
		c.merge(token, pending, request)
	}
	return h, nil
}

// ForgetToken abandons a parent pipe whose child never arrived. Its
// handle becomes peer-closed.
func (c *Controller) ForgetToken(token string) {
	c.mu.Lock()
	pending, ok := c.pendingParents[token]
	delete(c.pendingParents, token)
	delete(c.pendingChildren, token)
	c.mu.Unlock()
	if ok {
		c.core.ClosePort(pending)
	}
}

// CreateChildMessagePipe returns one end of a pipe that the broker
// joins with the parent pipe registered under token. Called on a
// client.
func (c *Controller) CreateChildMessagePipe(token string) (system.Handle, error) {
	c.mu.Lock()
	upstream := c.upstream
	c.mu.Unlock()
	if upstream == nil {
		return system.InvalidHandle, ErrNoBroker
	}

	local, remote, err := c.core.Node().CreatePortPair()
	if err != nil {
		return system.InvalidHandle, err
	}
	h, err := c.core.WrapPort(local)
	if err != nil {
		c.core.ClosePort(remote)
		return system.InvalidHandle, err
	}
	// A lost broker leaves the handle peer-closed, like any other
	// transport failure.
	if err := upstream.send(&frame{Type: frameMergePort, Token: token, Port: remote.Name()}); err != nil {
		c.core.ClosePort(remote)
	}
	return h, nil
}

func (c *Controller) merge(token string, pending ports.PortRef, request mergeRequest) {
	if err := c.core.MergePorts(pending, request.node, request.port); err != nil {
		c.logger.Warn("joining bootstrap pipe failed", "token", token, "to", request.node.String(), "error", err)
		c.core.ClosePort(pending)
	}
}

func (c *Controller) handleFrame(ch *Channel, f *frame) {
	peer := ch.Peer()
	if peer.IsZero() && f.Type != frameHello {
		f.closeFiles()
		c.protocolError(ch, fmt.Errorf("%s frame before hello", f.Type))
		return
	}

	switch f.Type {
	case frameHello:
		c.handleHello(ch, f)

	case frameEvent:
		c.deliver(ch, f)

	case frameRelay:
		if !c.broker {
			f.closeFiles()
			c.protocolError(ch, fmt.Errorf("relay frame sent to a client"))
			return
		}
		c.relay(ch, f)

	case frameMergePort:
		if !c.broker {
			c.protocolError(ch, fmt.Errorf("merge frame sent to a client"))
			return
		}
		c.handleMerge(peer, f)

	case frameBroadcast:
		if !c.broker || f.Event == nil || f.Event.Type == ports.EventUser {
			f.closeFiles()
			c.protocolError(ch, fmt.Errorf("unexpected broadcast frame"))
			return
		}
		c.broadcast(ch, f.Event)
		c.deliver(ch, f)

	case frameNodeLost:
		if c.broker {
			c.protocolError(ch, fmt.Errorf("node_lost frame sent to the broker"))
			return
		}
		c.core.LostConnectionToNode(f.Node)

	default:
		f.closeFiles()
		c.protocolError(ch, fmt.Errorf("unknown frame type %d", f.Type))
	}
}

func (c *Controller) handleHello(ch *Channel, f *frame) {
	switch {
	case !ch.Peer().IsZero():
		c.protocolError(ch, fmt.Errorf("second hello"))
		return
	case f.Node.IsZero() || f.Node == c.core.Node().Name():
		c.protocolError(ch, fmt.Errorf("hello with invalid node name %s", f.Node))
		return
	case f.Broker == c.broker:
		c.protocolError(ch, fmt.Errorf("hello from %s has broker=%t on a broker=%t node", f.Node, f.Broker, c.broker))
		return
	}

	if c.broker {
		c.mu.Lock()
		if _, exists := c.clients[f.Node]; exists {
			c.mu.Unlock()
			c.protocolError(ch, fmt.Errorf("node %s is already connected", f.Node))
			return
		}
		c.clients[f.Node] = ch
		c.mu.Unlock()
	}
	ch.setPeer(f.Node)
	c.logger.Info("channel connected", "peer", f.Node.String(), "broker", f.Broker)
}

func (c *Controller) deliver(ch *Channel, f *frame) {
	event, err := f.takeEvent()
	if err != nil {
		f.closeFiles()
		c.protocolError(ch, err)
		return
	}
	if err := c.core.AcceptEvent(event); err != nil && !errors.Is(err, ports.ErrPortUnknown) {
		c.logger.Debug("event rejected", "event", event.Type.String(), "port", event.Port.String(), "from", ch.Peer().String(), "error", err)
	}
}

// relay forwards a client's event to its destination. An event for a
// node the broker cannot reach is dropped and the sender told the node
// is gone, so its pipes to that node become peer-closed.
func (c *Controller) relay(from *Channel, f *frame) {
	if f.Node == c.core.Node().Name() {
		c.deliver(from, f)
		return
	}
	c.mu.Lock()
	to := c.clients[f.Node]
	c.mu.Unlock()
	if to == nil {
		f.closeFiles()
		from.send(&frame{Type: frameNodeLost, Node: f.Node})
		return
	}
	if f.Event == nil {
		f.closeFiles()
		c.protocolError(from, fmt.Errorf("relay frame without event"))
		return
	}
	f.Type = frameEvent
	if err := to.send(f); err != nil {
		c.logger.Debug("relay failed", "to", f.Node.String(), "error", err)
	}
}

func (c *Controller) handleMerge(peer ports.NodeName, f *frame) {
	request := mergeRequest{node: peer, port: f.Port}
	c.mu.Lock()
	pending, ok := c.pendingParents[f.Token]
	if ok {
		delete(c.pendingParents, f.Token)
	} else {
		c.pendingChildren[f.Token] = request
	}
	c.mu.Unlock()
	if ok {
		c.merge(f.Token, pending, request)
	}
}

func (c *Controller) protocolError(ch *Channel, err error) {
	c.logger.Warn("closing channel after protocol error", "peer", ch.Peer().String(), "error", err)
	ch.Close()
}

func (c *Controller) channelClosed(ch *Channel, err error) {
	peer := ch.Peer()
	c.mu.Lock()
	delete(c.all, ch)
	if c.upstream == ch {
		c.upstream = nil
	}
	var others []*Channel
	if c.broker && !peer.IsZero() && c.clients[peer] == ch {
		delete(c.clients, peer)
		for token, request := range c.pendingChildren {
			if request.node == peer {
				delete(c.pendingChildren, token)
			}
		}
		for _, other := range c.clients {
			others = append(others, other)
		}
	}
	c.mu.Unlock()

	if err != nil {
		c.logger.Warn("channel failed", "peer", peer.String(), "error", err)
	} else {
		c.logger.Info("channel closed", "peer", peer.String())
	}

	if !c.broker {
		c.core.LostAllRemoteConnections()
		return
	}
	if peer.IsZero() {
		return
	}
	c.core.LostConnectionToNode(peer)
	for _, other := range others {
		other.send(&frame{Type: frameNodeLost, Node: peer})
	}
}
