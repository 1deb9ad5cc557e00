// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ports

import "errors"

var (
	// ErrPortUnknown is returned for a port name the node does not hold.
	ErrPortUnknown = errors.New("ports: unknown port")

	// ErrPortExists is returned when adopting a name already in use.
	ErrPortExists = errors.New("ports: port already exists")

	// ErrPortStateUnexpected is returned when an operation does not
	// apply to the port's current state, such as sending on a port
	// that has itself been sent.
	ErrPortStateUnexpected = errors.New("ports: port in unexpected state")

	// ErrCannotSendSelf is returned when a message would carry the port
	// it is sent on.
	ErrCannotSendSelf = errors.New("ports: cannot send a port over itself")

	// ErrCannotSendPeer is returned when a message would carry the peer
	// of the port it is sent on.
	ErrCannotSendPeer = errors.New("ports: cannot send a port to its peer")

	// ErrDuplicatePort is returned when a message lists the same port
	// twice.
	ErrDuplicatePort = errors.New("ports: port attached twice")

	// ErrPeerClosed is returned when the peer is closed and every
	// message it sent has been consumed.
	ErrPeerClosed = errors.New("ports: peer closed")

	// ErrMalformedEvent is returned for an event whose fields are
	// inconsistent with its type.
	ErrMalformedEvent = errors.New("ports: malformed event")
)
