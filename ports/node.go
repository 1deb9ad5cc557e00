// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ports

import (
	"fmt"
	"sync"
)

// Delegate connects a node to the rest of the fabric.
type Delegate interface {
	// ForwardEvent hands event to the node named node, which may be
	// the forwarding node itself. It is called with port locks held,
	// so it must not block or call back into the Node; local events
	// have to be queued and delivered after the current call returns.
	ForwardEvent(node NodeName, event *Event)

	// PortStatusChanged reports that a receiving port may have become
	// readable or seen its peer close. Called without locks held.
	PortStatusChanged(ref PortRef)

	// BroadcastEvent hands event to every other reachable node. Used
	// only to announce proxies that died with a lost connection, whose
	// referrers could be anywhere. Called without locks held.
	BroadcastEvent(event *Event)
}

// Node holds the ports of one routing participant.
type Node struct {
	name     NodeName
	delegate Delegate

	// mu guards ports and is always taken before any Port.mu.
	mu    sync.Mutex
	ports map[PortName]*Port
}

// NewNode creates a node with the given name.
func NewNode(name NodeName, delegate Delegate) *Node {
	return &Node{
		name:     name,
		delegate: delegate,
		ports:    make(map[PortName]*Port),
	}
}

// Name returns the node's name.
func (n *Node) Name() NodeName { return n.name }

// PortCount returns the number of ports the node holds, proxies
// included.
func (n *Node) PortCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.ports)
}

// GetPort looks up a port by name.
func (n *Node) GetPort(name PortName) (PortRef, error) {
	port := n.lookup(name)
	if port == nil {
		return PortRef{}, ErrPortUnknown
	}
	return PortRef{name: name, port: port}, nil
}

// CreateUninitializedPort creates a port with no peer. It must be given
// one with InitializePort before use.
func (n *Node) CreateUninitializedPort() (PortRef, error) {
	name := RandomPortName()
	port := newPort(initialSequenceNum, initialSequenceNum)
	if err := n.addPort(name, port); err != nil {
		return PortRef{}, err
	}
	return PortRef{name: name, port: port}, nil
}

// InitializePort gives an uninitialized port its peer.
func (n *Node) InitializePort(ref PortRef, peerNode NodeName, peerPort PortName) error {
	port := ref.port
	port.mu.Lock()
	defer port.mu.Unlock()
	if port.state != stateUninitialized {
		return ErrPortStateUnexpected
	}
	port.state = stateReceiving
	port.peerNode = peerNode
	port.peerPort = peerPort
	return nil
}

// CreatePortPair creates two ports on this node, each the other's peer.
func (n *Node) CreatePortPair() (PortRef, PortRef, error) {
	a, err := n.CreateUninitializedPort()
	if err != nil {
		return PortRef{}, PortRef{}, err
	}
	b, err := n.CreateUninitializedPort()
	if err != nil {
		n.ClosePort(a)
		return PortRef{}, PortRef{}, err
	}
	n.InitializePort(a, n.name, b.name)
	n.InitializePort(b, n.name, a.name)
	return a, b, nil
}

// SetUserData attaches an arbitrary value to a port. The value is
// dropped when the port is closed or transferred away.
func (n *Node) SetUserData(ref PortRef, data any) error {
	port := ref.port
	port.mu.Lock()
	defer port.mu.Unlock()
	if port.state == stateClosed {
		return ErrPortStateUnexpected
	}
	port.userData = data
	return nil
}

// UserData returns the value set with SetUserData.
func (n *Node) UserData(ref PortRef) (any, error) {
	port := ref.port
	port.mu.Lock()
	defer port.mu.Unlock()
	if port.state == stateClosed {
		return nil, ErrPortStateUnexpected
	}
	return port.userData, nil
}

// Peer returns the current peer address of a receiving port.
func (n *Node) Peer(ref PortRef) (NodeName, PortName, error) {
	port := ref.port
	port.mu.Lock()
	defer port.mu.Unlock()
	if port.state != stateReceiving {
		return NodeName{}, PortName{}, ErrPortStateUnexpected
	}
	return port.peerNode, port.peerPort, nil
}

// ClosePort closes a receiving port. Queued messages are discarded,
// along with any ports and files they carry, and the peer is told the
// last sequence number this port sent.
func (n *Node) ClosePort(ref PortRef) error {
	port := ref.port

	n.mu.Lock()
	port.mu.Lock()
	switch port.state {
	case stateUninitialized:
		port.state = stateClosed
		port.mu.Unlock()
		n.removeLocked(ref.name, port)
		n.mu.Unlock()
		return nil
	case stateReceiving:
	default:
		port.mu.Unlock()
		n.mu.Unlock()
		return ErrPortStateUnexpected
	}

	port.state = stateClosed
	port.userData = nil
	closure := &Event{
		Type:            EventObserveClosure,
		Port:            port.peerPort,
		LastSequenceNum: port.nextSequenceNumToSend - 1,
	}
	peerNode := port.peerNode
	dropped := port.queue.drain()
	port.mu.Unlock()
	n.removeLocked(ref.name, port)
	n.mu.Unlock()

	n.delegate.ForwardEvent(peerNode, closure)
	n.discard(dropped)
	return nil
}

// Status reports the state of a receiving port.
func (n *Node) Status(ref PortRef) (PortStatus, error) {
	port := ref.port
	port.mu.Lock()
	defer port.mu.Unlock()
	if port.state != stateReceiving {
		return PortStatus{}, ErrPortStateUnexpected
	}
	return PortStatus{
		HasMessages:       port.queue.hasNextMessage(),
		ReceivingMessages: port.canAcceptMoreMessages(),
		PeerClosed:        port.peerClosed,
	}, nil
}

// GetMessage takes the next in-order message from a receiving port if
// selector (nil for any) accepts it. It returns a nil event when
// nothing is ready and ErrPeerClosed once the peer has closed and
// every message it sent has been taken.
func (n *Node) GetMessage(ref PortRef, selector func(*Event) bool) (*Event, error) {
	port := ref.port
	port.mu.Lock()
	if port.state != stateReceiving {
		port.mu.Unlock()
		return nil, ErrPortStateUnexpected
	}
	if !port.canAcceptMoreMessages() {
		port.mu.Unlock()
		return nil, ErrPeerClosed
	}
	event := port.queue.next(selector)
	port.mu.Unlock()

	if event == nil {
		return nil, nil
	}
	// Ports carried by the message now belong to the reader.
	for _, name := range event.Ports {
		if attached := n.lookup(name); attached != nil {
			attached.mu.Lock()
			attached.queue.signalable = true
			attached.mu.Unlock()
		}
	}
	return event, nil
}

// SendMessage sends a user event from a receiving port to its peer.
// Ports listed in event.Ports must be receiving ports on this node;
// they become proxies and are adopted under new names wherever the
// message lands.
func (n *Node) SendMessage(ref PortRef, event *Event) error {
	if event.Type != EventUser {
		return fmt.Errorf("%w: send of %s event", ErrMalformedEvent, event.Type)
	}
	seen := make(map[PortName]struct{}, len(event.Ports))
	for _, name := range event.Ports {
		if name == ref.name {
			return ErrCannotSendSelf
		}
		if _, dup := seen[name]; dup {
			return ErrDuplicatePort
		}
		seen[name] = struct{}{}
	}
	event.SequenceNum = 0

	port := ref.port
	n.mu.Lock()
	port.mu.Lock()
	if port.state != stateReceiving {
		port.mu.Unlock()
		n.mu.Unlock()
		return ErrPortStateUnexpected
	}
	if port.peerClosed {
		port.mu.Unlock()
		n.mu.Unlock()
		return ErrPeerClosed
	}
	if err := n.willSendMessageLocked(port, ref.name, event); err != nil {
		port.mu.Unlock()
		n.mu.Unlock()
		return err
	}
	peerNode := port.peerNode
	if peerNode != n.name {
		n.delegate.ForwardEvent(peerNode, event)
		port.mu.Unlock()
		n.mu.Unlock()
		return nil
	}
	port.mu.Unlock()
	n.mu.Unlock()

	// A missing local peer means it closed concurrently; the closure
	// event reports that on its own.
	n.AcceptEvent(event)
	return nil
}

// MergePorts joins two port cycles. The receiving port ref on this node
// and destPort on destNode both become proxies, and their former peers
// end up talking to each other.
func (n *Node) MergePorts(ref PortRef, destNode NodeName, destPort PortName) error {
	port := ref.port
	n.mu.Lock()
	port.mu.Lock()
	defer n.mu.Unlock()
	defer port.mu.Unlock()
	if port.state != stateReceiving {
		return ErrPortStateUnexpected
	}
	newName := ref.name
	var descriptor PortDescriptor
	n.willSendPortLocked(port, destNode, &newName, &descriptor)
	n.delegate.ForwardEvent(destNode, &Event{
		Type:  EventMergePort,
		Port:  destPort,
		Merge: &MergeInfo{NewPort: newName, Descriptor: descriptor},
	})
	return nil
}

// AcceptEvent applies an event addressed to a port on this node.
// Events for ports that no longer exist are dropped, releasing what
// they carry.
func (n *Node) AcceptEvent(event *Event) error {
	if err := event.validate(); err != nil {
		event.Message.Close()
		return err
	}
	switch event.Type {
	case EventUser:
		return n.onUserMessage(event)
	case EventPortAccepted:
		return n.onPortAccepted(event.Port)
	case EventObserveProxy:
		return n.onObserveProxy(event.Port, event.Proxy)
	case EventObserveProxyAck:
		return n.onObserveProxyAck(event.Port, event.LastSequenceNum)
	case EventObserveClosure:
		return n.onObserveClosure(event.Port, event.LastSequenceNum)
	case EventMergePort:
		return n.onMergePort(event.Port, event.Merge)
	}
	return nil
}

// LostConnectionToNode treats every port whose peer lives on node as
// peer-closed after the messages already received. Proxies and
// buffering ports that were forwarding to node are removed.
func (n *Node) LostConnectionToNode(node NodeName) {
	n.destroyPortsWhere(func(p *Port) bool { return p.peerNode == node })
}

// LostAllRemoteConnections is LostConnectionToNode for every node but
// this one.
func (n *Node) LostAllRemoteConnections() {
	n.destroyPortsWhere(func(p *Port) bool { return p.peerNode != n.name })
}

// destroyPortsWhere marks matching receiving ports peer-closed and
// removes matching proxies. A removed proxy cannot complete the normal
// removal handshake, so its death is announced to every node, and
// handled here, so that ports still pointing at it close too.
func (n *Node) destroyPortsWhere(match func(*Port) bool) {
	var notify []PortRef
	var dropped []*Event
	var deadProxies []PortName

	n.mu.Lock()
	for name, port := range n.ports {
		port.mu.Lock()
		if port.state != stateUninitialized && match(port) {
			if !port.peerClosed {
				port.peerClosed = true
				port.lastSequenceNumToReceive = port.queue.lastContiguous()
				if port.state == stateReceiving {
					notify = append(notify, PortRef{name: name, port: port})
				}
			}
			if port.state != stateReceiving {
				port.state = stateClosed
				dropped = append(dropped, port.queue.drain()...)
				delete(n.ports, name)
				deadProxies = append(deadProxies, name)
			}
		}
		port.mu.Unlock()
	}
	n.mu.Unlock()

	n.discard(dropped)
	for _, ref := range notify {
		n.delegate.PortStatusChanged(ref)
	}
	for _, proxy := range deadProxies {
		n.delegate.BroadcastEvent(&Event{
			Type:  EventObserveProxy,
			Proxy: &ProxyInfo{Node: n.name, Port: proxy},
		})
		n.destroyPortsWithPeer(n.name, proxy)
	}
}

// destroyPortsWithPeer handles the death of the port node:port.
func (n *Node) destroyPortsWithPeer(node NodeName, port PortName) {
	n.destroyPortsWhere(func(p *Port) bool { return p.peerNode == node && p.peerPort == port })
}

func (n *Node) onUserMessage(event *Event) error {
	// Adopt the carried ports first, even if the message ends up
	// dropped, so their referrers learn they can stop buffering.
	for i, name := range event.Ports {
		if err := n.acceptPort(name, event.Descriptors[i]); err != nil {
			n.closeAdopted(event.Ports[:i])
			event.Message.Close()
			return err
		}
	}

	port := n.lookup(event.Port)
	accepted, hasNext := false, false
	var forwardErr error
	if port != nil {
		n.mu.Lock()
		port.mu.Lock()
		if port.state != stateClosed && port.state != stateUninitialized && port.canAcceptMoreMessages() {
			accepted = true
			hasNext = port.queue.accept(event)
			switch port.state {
			case stateBuffering:
				hasNext = false
			case stateProxying:
				hasNext = false
				forwardErr = n.forwardMessagesLocked(port, event.Port)
				if forwardErr == nil {
					n.maybeRemoveProxyLocked(port, event.Port)
				}
			}
		}
		port.mu.Unlock()
		n.mu.Unlock()
	}

	if !accepted {
		n.closeAdopted(event.Ports)
		event.Message.Close()
		return nil
	}
	if hasNext {
		n.delegate.PortStatusChanged(PortRef{name: event.Port, port: port})
	}
	return forwardErr
}

func (n *Node) onPortAccepted(name PortName) error {
	port := n.lookup(name)
	if port == nil {
		return ErrPortUnknown
	}
	n.mu.Lock()
	port.mu.Lock()
	defer n.mu.Unlock()
	defer port.mu.Unlock()
	return n.beginProxyingLocked(port, name)
}

func (n *Node) onObserveProxy(name PortName, info *ProxyInfo) error {
	if name.IsZero() {
		// A broadcast announcing that info.Port died with its node's
		// connection.
		n.destroyPortsWithPeer(info.Node, info.Port)
		return nil
	}
	port := n.lookup(name)
	if port == nil {
		// The port may have closed meanwhile; its closure reaches the
		// proxy through the usual path.
		return nil
	}

	port.mu.Lock()
	defer port.mu.Unlock()

	if port.peerNode != info.Node || port.peerPort != info.Port {
		// Not ours. Pass it along toward the proxy's referrer.
		n.delegate.ForwardEvent(port.peerNode, &Event{
			Type:  EventObserveProxy,
			Port:  port.peerPort,
			Proxy: info,
		})
		return nil
	}

	if port.state == stateReceiving {
		port.peerNode = info.ToNode
		port.peerPort = info.ToPort
		n.delegate.ForwardEvent(info.Node, &Event{
			Type:            EventObserveProxyAck,
			Port:            info.Port,
			LastSequenceNum: port.nextSequenceNumToSend - 1,
		})
		return nil
	}

	// This port is itself on the move. Ask the proxy to retry once we
	// are gone, by which time our successor is its peer.
	port.sendOnProxyRemoval = &pendingEvent{
		node: info.Node,
		event: &Event{
			Type:            EventObserveProxyAck,
			Port:            info.Port,
			LastSequenceNum: invalidSequenceNum,
		},
	}
	return nil
}

func (n *Node) onObserveProxyAck(name PortName, last uint64) error {
	port := n.lookup(name)
	if port == nil {
		return ErrPortUnknown
	}

	n.mu.Lock()
	port.mu.Lock()
	defer n.mu.Unlock()
	defer port.mu.Unlock()

	if port.state != stateProxying {
		return ErrPortStateUnexpected
	}
	if last == invalidSequenceNum {
		n.initiateProxyRemovalLocked(port, name)
		return nil
	}
	port.removeProxyOnLastMessage = true
	port.lastSequenceNumToReceive = last
	n.maybeRemoveProxyLocked(port, name)
	return nil
}

func (n *Node) onObserveClosure(name PortName, last uint64) error {
	port := n.lookup(name)
	if port == nil {
		return nil
	}

	notify := false
	n.mu.Lock()
	port.mu.Lock()
	port.peerClosed = true
	port.lastSequenceNumToReceive = last

	forwardedLast := last
	if port.state == stateReceiving {
		notify = true
		// Anyone still routing toward us through the closed peer's
		// proxies needs our own count.
		forwardedLast = port.nextSequenceNumToSend - 1
	} else {
		port.removeProxyOnLastMessage = true
		if port.state == stateProxying {
			n.maybeRemoveProxyLocked(port, name)
		}
	}
	n.delegate.ForwardEvent(port.peerNode, &Event{
		Type:            EventObserveClosure,
		Port:            port.peerPort,
		LastSequenceNum: forwardedLast,
	})
	port.mu.Unlock()
	n.mu.Unlock()

	if notify {
		n.delegate.PortStatusChanged(PortRef{name: name, port: port})
	}
	return nil
}

func (n *Node) onMergePort(name PortName, merge *MergeInfo) error {
	port := n.lookup(name)
	if port == nil {
		return ErrPortUnknown
	}

	closeTarget, closeNew := false, false
	if err := n.acceptPort(merge.NewPort, merge.Descriptor); err != nil {
		closeTarget = true
	} else {
		n.mu.Lock()
		port.mu.Lock()
		if port.state != stateReceiving {
			closeNew = true
		} else {
			newPort := n.ports[merge.NewPort]
			newPort.mu.Lock()

			port.peerNode, newPort.peerNode = newPort.peerNode, port.peerNode
			port.peerPort, newPort.peerPort = newPort.peerPort, port.peerPort
			port.peerClosed, newPort.peerClosed = newPort.peerClosed, port.peerClosed
			port.lastSequenceNumToReceive, newPort.lastSequenceNumToReceive = newPort.lastSequenceNumToReceive, port.lastSequenceNumToReceive

			for _, p := range []*Port{port, newPort} {
				p.state = stateBuffering
				if p.peerClosed {
					p.removeProxyOnLastMessage = true
				}
			}

			errTarget := n.beginProxyingLocked(port, name)
			errNew := n.beginProxyingLocked(newPort, merge.NewPort)
			newPort.mu.Unlock()
			port.mu.Unlock()
			n.mu.Unlock()
			if errTarget == nil && errNew == nil {
				return nil
			}
			return fmt.Errorf("merging %s: %w", name, ErrPortStateUnexpected)
		}
		port.mu.Unlock()
		n.mu.Unlock()
	}

	if closeTarget {
		n.ClosePort(PortRef{name: name, port: port})
	}
	if closeNew {
		n.closeAdopted([]PortName{merge.NewPort})
	}
	return fmt.Errorf("merging %s: %w", name, ErrPortStateUnexpected)
}

// acceptPort adopts a transferred port and acknowledges it to its
// referrer. The new port is not signalable until the message that
// carried it is read.
func (n *Node) acceptPort(name PortName, descriptor PortDescriptor) error {
	port := newPort(descriptor.NextSequenceNumToSend, descriptor.NextSequenceNumToReceive)
	port.state = stateReceiving
	port.peerNode = descriptor.PeerNode
	port.peerPort = descriptor.PeerPort
	port.lastSequenceNumToReceive = descriptor.LastSequenceNumToReceive
	port.peerClosed = descriptor.PeerClosed
	port.queue.signalable = false

	if err := n.addPort(name, port); err != nil {
		return err
	}
	n.delegate.ForwardEvent(descriptor.ReferringNode, &Event{
		Type: EventPortAccepted,
		Port: descriptor.ReferringPort,
	})
	return nil
}

// willSendMessageLocked assigns the next sequence number, converts
// carried ports into proxies and addresses the event to the peer.
// Requires n.mu and port.mu.
func (n *Node) willSendMessageLocked(port *Port, name PortName, event *Event) error {
	assigned := false
	if event.SequenceNum == 0 {
		event.SequenceNum = port.nextSequenceNumToSend
		port.nextSequenceNumToSend++
		assigned = true
	}

	if len(event.Ports) > 0 {
		attached := make([]*Port, 0, len(event.Ports))
		unlock := func() {
			for _, p := range attached {
				p.mu.Unlock()
			}
		}
		for _, attachedName := range event.Ports {
			p := n.ports[attachedName]
			var err error
			switch {
			case p == nil:
				err = ErrPortUnknown
			case attachedName == port.peerPort:
				err = ErrCannotSendPeer
			}
			if err == nil {
				p.mu.Lock()
				if p.state != stateReceiving {
					p.mu.Unlock()
					err = ErrPortStateUnexpected
				}
			}
			if err != nil {
				unlock()
				if assigned {
					port.nextSequenceNumToSend--
					event.SequenceNum = 0
				}
				return err
			}
			attached = append(attached, p)
		}

		event.Descriptors = make([]PortDescriptor, len(event.Ports))
		for i, p := range attached {
			n.willSendPortLocked(p, port.peerNode, &event.Ports[i], &event.Descriptors[i])
		}
		unlock()
	}

	event.Port = port.peerPort
	return nil
}

// willSendPortLocked turns port into a buffering proxy that will be
// adopted on toNode. name is replaced with the name the adopted port
// will have, and descriptor is filled in. Requires n.mu and port.mu.
func (n *Node) willSendPortLocked(port *Port, toNode NodeName, name *PortName, descriptor *PortDescriptor) {
	localName := *name
	newName := RandomPortName()

	port.state = stateBuffering
	port.userData = nil
	if port.peerClosed {
		port.removeProxyOnLastMessage = true
	}

	*name = newName
	*descriptor = PortDescriptor{
		PeerNode:                 port.peerNode,
		PeerPort:                 port.peerPort,
		ReferringNode:            n.name,
		ReferringPort:            localName,
		NextSequenceNumToSend:    port.nextSequenceNumToSend,
		NextSequenceNumToReceive: port.queue.nextSequenceNum,
		LastSequenceNumToReceive: port.lastSequenceNumToReceive,
		PeerClosed:               port.peerClosed,
	}

	port.peerNode = toNode
	port.peerPort = newName
}

// beginProxyingLocked starts forwarding from a buffering port whose
// successor has been adopted. Requires n.mu and port.mu.
func (n *Node) beginProxyingLocked(port *Port, name PortName) error {
	if port.state != stateBuffering {
		return ErrPortStateUnexpected
	}
	port.state = stateProxying

	if err := n.forwardMessagesLocked(port, name); err != nil {
		return err
	}

	if port.removeProxyOnLastMessage {
		// The peer is already closed, so there is nobody to ask for a
		// final count. Pass the closure on and leave once drained.
		n.maybeRemoveProxyLocked(port, name)
		n.delegate.ForwardEvent(port.peerNode, &Event{
			Type:            EventObserveClosure,
			Port:            port.peerPort,
			LastSequenceNum: port.lastSequenceNumToReceive,
		})
		return nil
	}
	n.initiateProxyRemovalLocked(port, name)
	return nil
}

// forwardMessagesLocked sends every in-order message queued on a proxy
// to its peer. Requires n.mu and port.mu.
func (n *Node) forwardMessagesLocked(port *Port, name PortName) error {
	for {
		event := port.queue.next(nil)
		if event == nil {
			return nil
		}
		if err := n.willSendMessageLocked(port, name, event); err != nil {
			return err
		}
		n.delegate.ForwardEvent(port.peerNode, event)
	}
}

// initiateProxyRemovalLocked asks the proxy's peer to bypass it.
func (n *Node) initiateProxyRemovalLocked(port *Port, name PortName) {
	n.delegate.ForwardEvent(port.peerNode, &Event{
		Type: EventObserveProxy,
		Port: port.peerPort,
		Proxy: &ProxyInfo{
			Node:   n.name,
			Port:   name,
			ToNode: port.peerNode,
			ToPort: port.peerPort,
		},
	})
}

// maybeRemoveProxyLocked removes a proxy that has forwarded the last
// message it will ever see. Requires n.mu and port.mu.
func (n *Node) maybeRemoveProxyLocked(port *Port, name PortName) {
	if !port.removeProxyOnLastMessage || port.canAcceptMoreMessages() {
		return
	}
	port.state = stateClosed
	n.removeLocked(name, port)
	if pending := port.sendOnProxyRemoval; pending != nil {
		port.sendOnProxyRemoval = nil
		n.delegate.ForwardEvent(pending.node, pending.event)
	}
}

func (n *Node) addPort(name PortName, port *Port) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, exists := n.ports[name]; exists {
		return ErrPortExists
	}
	n.ports[name] = port
	return nil
}

// removeLocked deletes name from the map if it still maps to port.
func (n *Node) removeLocked(name PortName, port *Port) {
	if n.ports[name] == port {
		delete(n.ports, name)
	}
}

func (n *Node) lookup(name PortName) *Port {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.ports[name]
}

// closeAdopted closes ports that were adopted for a message nobody will
// read.
func (n *Node) closeAdopted(names []PortName) {
	for _, name := range names {
		if ref, err := n.GetPort(name); err == nil {
			n.ClosePort(ref)
		}
	}
}

// discard releases undeliverable events.
func (n *Node) discard(events []*Event) {
	for _, event := range events {
		event.Message.Close()
		n.closeAdopted(event.Ports)
	}
}
