// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package ports implements the routing state machine behind message
// pipes.
//
// Every message pipe end is a port on some node. A node is one
// participant in the routing fabric, normally one per process. Each
// port knows the (node, port) address of its peer and numbers the user
// messages it sends, so the receiver can restore order no matter how
// events were interleaved on the way.
//
// Moving a port to another node never stops traffic. The original port
// becomes a buffering proxy, the destination adopts a freshly named
// port built from a PortDescriptor, and the proxy forwards everything
// it holds once the destination acknowledges with PortAccepted. The
// proxy then announces itself with ObserveProxy so the peer can point
// directly at the new port, and removes itself after forwarding the
// last message the peer reports having sent.
//
// Closing a port sends ObserveClosure carrying the sequence number of
// the last message sent. The peer keeps delivering queued messages and
// reports peer closure only once it has consumed all of them.
//
// The package does no I/O. A Node hands outbound events to its
// Delegate, which delivers them to the destination node's AcceptEvent,
// locally or over a channel.
package ports
