// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package ipc defines the CBOR-encoded wire types exchanged between the
// shell and applications over message pipes: the ShellClient protocol
// every application serves, the Connector protocol the shell serves,
// per-connection interface requests, and lifecycle listener
// notifications. The shell and the application library both import
// this package so the types are defined once rather than mirrored.
//
// Handles travel beside the encoded body, never inside it. Request
// types say in their documentation which handles accompany them and in
// what order.
package ipc
