// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ports

import (
	"fmt"
	"math"
	"os"
)

// EventType distinguishes the events exchanged between nodes.
type EventType uint8

const (
	// EventUser carries an application message.
	EventUser EventType = iota + 1

	// EventPortAccepted tells a buffering port that its transferred
	// counterpart exists and it may start forwarding.
	EventPortAccepted

	// EventObserveProxy announces that a port has become a proxy, so the
	// port pointing at it can point past it.
	EventObserveProxy

	// EventObserveProxyAck answers ObserveProxy with the last sequence
	// number the acknowledging port sent through the proxy.
	EventObserveProxyAck

	// EventObserveClosure reports that the peer closed after sending
	// LastSequenceNum.
	EventObserveClosure

	// EventMergePort splices two port cycles into one.
	EventMergePort
)

func (t EventType) String() string {
	switch t {
	case EventUser:
		return "user"
	case EventPortAccepted:
		return "port_accepted"
	case EventObserveProxy:
		return "observe_proxy"
	case EventObserveProxyAck:
		return "observe_proxy_ack"
	case EventObserveClosure:
		return "observe_closure"
	case EventMergePort:
		return "merge_port"
	default:
		return fmt.Sprintf("event_type(%d)", uint8(t))
	}
}

const (
	initialSequenceNum uint64 = 1
	invalidSequenceNum uint64 = math.MaxUint64
)

// PortDescriptor is everything a node needs to adopt a transferred
// port.
type PortDescriptor struct {
	PeerNode                 NodeName `cbor:"peer_node"`
	PeerPort                 PortName `cbor:"peer_port"`
	ReferringNode            NodeName `cbor:"referring_node"`
	ReferringPort            PortName `cbor:"referring_port"`
	NextSequenceNumToSend    uint64   `cbor:"next_send"`
	NextSequenceNumToReceive uint64   `cbor:"next_receive"`
	LastSequenceNumToReceive uint64   `cbor:"last_receive"`
	PeerClosed               bool     `cbor:"peer_closed,omitempty"`
}

// ProxyInfo is the payload of ObserveProxy.
type ProxyInfo struct {
	Node   NodeName `cbor:"node"`
	Port   PortName `cbor:"port"`
	ToNode NodeName `cbor:"to_node"`
	ToPort PortName `cbor:"to_port"`
}

// MergeInfo is the payload of MergePort.
type MergeInfo struct {
	NewPort    PortName       `cbor:"new_port"`
	Descriptor PortDescriptor `cbor:"descriptor"`
}

// Event is one unit of traffic between nodes. Port names the
// destination port on the receiving node; the remaining fields are
// populated according to Type.
type Event struct {
	Type EventType `cbor:"type"`
	Port PortName  `cbor:"port"`

	// User events.
	SequenceNum uint64           `cbor:"seq,omitempty"`
	Ports       []PortName       `cbor:"ports,omitempty"`
	Descriptors []PortDescriptor `cbor:"descriptors,omitempty"`

	// ObserveProxy.
	Proxy *ProxyInfo `cbor:"proxy,omitempty"`

	// ObserveProxyAck and ObserveClosure.
	LastSequenceNum uint64 `cbor:"last_seq,omitempty"`

	// MergePort.
	Merge *MergeInfo `cbor:"merge,omitempty"`

	// Message is the application payload of a user event. Channels
	// carry it beside the encoded event rather than inside it.
	Message *Message `cbor:"-"`
}

// NewUserEvent wraps message for sending. ports lists ports on the
// sending node that travel with the message.
func NewUserEvent(message *Message, ports []PortName) *Event {
	return &Event{Type: EventUser, Ports: ports, Message: message}
}

// validate checks that the fields required by the event's type are
// present.
func (e *Event) validate() error {
	switch e.Type {
	case EventUser:
		if len(e.Ports) != len(e.Descriptors) {
			return fmt.Errorf("%w: %d ports but %d descriptors", ErrMalformedEvent, len(e.Ports), len(e.Descriptors))
		}
		if e.SequenceNum == 0 || e.SequenceNum == invalidSequenceNum {
			return fmt.Errorf("%w: user event without sequence number", ErrMalformedEvent)
		}
	case EventObserveProxy:
		if e.Proxy == nil {
			return fmt.Errorf("%w: observe_proxy without proxy info", ErrMalformedEvent)
		}
	case EventMergePort:
		if e.Merge == nil {
			return fmt.Errorf("%w: merge_port without merge info", ErrMalformedEvent)
		}
	case EventPortAccepted, EventObserveProxyAck, EventObserveClosure:
	default:
		return fmt.Errorf("%w: unknown type %d", ErrMalformedEvent, e.Type)
	}
	return nil
}

// Message is the payload of a user event: opaque bytes plus the OS
// descriptors that travel with them.
type Message struct {
	Payload []byte
	Files   []*os.File
}

// Close releases the descriptors of a message that will not be
// delivered. Safe on nil.
func (m *Message) Close() {
	if m == nil {
		return
	}
	for _, file := range m.Files {
		if file != nil {
			file.Close()
		}
	}
	m.Files = nil
}
