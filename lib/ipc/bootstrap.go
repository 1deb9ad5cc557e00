// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ipc

// A launched child finds its bootstrap channel through these
// environment variables. The descriptor is a Unix stream socket
// connected to the shell's node; the token names the message pipe the
// shell created for the child on the far side of it. The first message
// on that pipe carries the child's ShellClient handle.
const (
	BootstrapFDVariable    = "SERVICEBUS_BOOTSTRAP_FD"
	BootstrapTokenVariable = "SERVICEBUS_BOOTSTRAP_TOKEN"

	// BootstrapSocketVariable names the shell's listening socket. A
	// process started outside the shell sets it, with the token the
	// shell issued for it, and dials in instead of inheriting a
	// descriptor.
	BootstrapSocketVariable = "SERVICEBUS_SHELL_SOCKET"

	// DefaultBootstrapFD is the first descriptor after stdio, where
	// exec.Cmd.ExtraFiles puts the first extra file.
	DefaultBootstrapFD = 3
)
