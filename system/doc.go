// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package system is the handle-based API applications program against.
//
// A Core owns a table of handles. Each handle refers to one endpoint:
// a message pipe end, a data pipe producer or consumer, a shared
// buffer, or a wrapped platform file. Operations on endpoints never
// block; they return ErrShouldWait, and callers either Wait on the
// handle or register a Watch that posts a callback to their task loop.
//
// Message pipe ends are ports on the Core's ports.Node. Writing a
// message that carries handles removes them from the table in the same
// critical section that validates them, so a handle is live in at most
// one table. Carried endpoints travel as ports and files and are
// rebuilt in the reader's table when the message is read.
//
// Data pipes share a ring buffer in a memfd. The two ends exchange
// DATA_WAS_WRITTEN and DATA_WAS_READ notices over a private port pair,
// so each end learns the other's progress without touching its state.
//
// A Core talks to other processes only through its Router, normally a
// transport.Controller. Without one, every pipe is process-local.
package system
