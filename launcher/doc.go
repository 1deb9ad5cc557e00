// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package launcher starts native applications as child processes and
// bootstraps each with its ShellClient handle.
//
// A child inherits one end of a Unix socket pair as descriptor 3 and a
// random token in its environment. The launcher attaches the other end
// to the shell's transport controller as a broker client and registers
// a parent pipe under the token; the child's application library joins
// the same pipe from its side and receives the ShellClient handle as
// the pipe's first message.
//
// Children run in their own process group and die with the launcher.
// Sandboxed starts wrap the child in bubblewrap and are refused with
// system.ErrUnimplemented when no wrapper is configured.
package launcher
