// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package application is the library every service bus application
// links. It serves the ShellClient protocol on the handle the shell
// gave the application, hands the application a Connector for
// outbound connections, and binds interface requests on each
// connection to the factories the application registered.
//
// Executables call RunMain, which finds the bootstrap descriptor the
// launcher passed, joins the shell's node, and serves until the shell
// closes the connection. In-process applications (loaders, tests)
// call New and Run with a handle they already hold.
//
// Interface requests are filtered here, at the callee: a request for
// an interface outside the connection's granted set is dropped and
// its pipe closed, which the caller observes as peer closure.
package application
