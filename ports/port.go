// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ports

import "sync"

type portState uint8

const (
	stateUninitialized portState = iota
	stateReceiving
	stateBuffering
	stateProxying
	stateClosed
)

// pendingEvent is an event held until a proxy is removed.
type pendingEvent struct {
	node  NodeName
	event *Event
}

// Port is the per-port routing state. All fields are guarded by mu.
// When both are needed, the owning node's port map lock is taken
// first.
type Port struct {
	mu sync.Mutex

	state    portState
	peerNode NodeName
	peerPort PortName

	nextSequenceNumToSend    uint64
	lastSequenceNumToReceive uint64
	queue                    messageQueue

	peerClosed               bool
	removeProxyOnLastMessage bool
	sendOnProxyRemoval       *pendingEvent

	userData any
}

func newPort(nextSequenceNumToSend, nextSequenceNumToReceive uint64) *Port {
	return &Port{
		state:                 stateUninitialized,
		nextSequenceNumToSend: nextSequenceNumToSend,
		queue:                 newMessageQueue(nextSequenceNumToReceive),
	}
}

// canAcceptMoreMessages is false once the peer has gone away (closed,
// or this proxy is due for removal) and every message it sent has been
// taken from the queue.
func (p *Port) canAcceptMoreMessages() bool {
	next := p.queue.nextSequenceNum
	if (p.peerClosed || p.removeProxyOnLastMessage) && p.lastSequenceNumToReceive == next-1 {
		return false
	}
	return true
}

// PortRef is a handle to a port held by a node.
type PortRef struct {
	name PortName
	port *Port
}

// Name returns the port's name.
func (r PortRef) Name() PortName { return r.name }

// IsValid reports whether r refers to a port.
func (r PortRef) IsValid() bool { return r.port != nil }

// PortStatus is a snapshot of a receiving port.
type PortStatus struct {
	// HasMessages is true when the next in-order message is queued.
	HasMessages bool

	// ReceivingMessages is true while more messages may still arrive
	// or be read.
	ReceivingMessages bool

	// PeerClosed is true once the peer has closed, even if messages
	// remain to be read.
	PeerClosed bool
}
