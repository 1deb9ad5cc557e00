// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ports

import "github.com/google/uuid"

// NodeName identifies a node. Names are random 128-bit values.
type NodeName [16]byte

// PortName identifies a port within the whole fabric. A port keeps its
// name only while it stays on one node; a transferred port is adopted
// under a new name.
type PortName [16]byte

// RandomNodeName returns a fresh node name.
func RandomNodeName() NodeName { return NodeName(uuid.New()) }

// RandomPortName returns a fresh port name.
func RandomPortName() PortName { return PortName(uuid.New()) }

// IsZero reports whether n is the zero name.
func (n NodeName) IsZero() bool { return n == NodeName{} }

func (n NodeName) String() string { return uuid.UUID(n).String() }

// MarshalText encodes the name in UUID text form.
func (n NodeName) MarshalText() ([]byte, error) { return uuid.UUID(n).MarshalText() }

// UnmarshalText decodes a name in UUID text form.
func (n *NodeName) UnmarshalText(data []byte) error {
	return (*uuid.UUID)(n).UnmarshalText(data)
}

// IsZero reports whether p is the zero name.
func (p PortName) IsZero() bool { return p == PortName{} }

func (p PortName) String() string { return uuid.UUID(p).String() }

// MarshalText encodes the name in UUID text form.
func (p PortName) MarshalText() ([]byte, error) { return uuid.UUID(p).MarshalText() }

// UnmarshalText decodes a name in UUID text form.
func (p *PortName) UnmarshalText(data []byte) error {
	return (*uuid.UUID)(p).UnmarshalText(data)
}
