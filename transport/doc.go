// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport connects nodes in different processes.
//
// A [Channel] carries frames over a Unix stream socket. Each frame is a
// 24-byte header followed by a CBOR body: the header holds the body
// length, the number of descriptors passed with the frame as
// SCM_RIGHTS, the compression applied to the body (LZ4 or zstd above a
// size threshold), and a keyed BLAKE3 digest that detects a corrupted
// or desynchronized stream. A frame that fails validation closes the
// channel, and every pipe routed over it becomes peer-closed.
//
// A [Controller] binds a [system.Core] to its channels and is the
// Core's router. Nodes form a star around a broker, normally the
// shell: clients send every event to the broker, which delivers the
// ones addressed to itself and relays the rest. When a client's
// channel closes the broker tells the remaining clients, so pipes into
// the lost process fail everywhere.
//
// A child process gets its first pipe without any handle to carry it:
// the parent calls [Controller.CreateParentMessagePipe] with a token,
// passes the token and a bootstrap socket to the child, and the child
// calls [Controller.CreateChildMessagePipe] with the same token after
// [Controller.ConnectToBroker]. The broker merges the two pipes.
// Messages written by either side before the merge are held, not lost.
package transport
