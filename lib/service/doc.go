// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package service runs a CBOR request-reply protocol over a message
// pipe. The shell and applications use it for every protocol they
// speak to each other: ShellClient, Connector, interface providers,
// and lifecycle listeners.
//
// An Endpoint owns one pipe handle. Each message is an envelope
// carrying an action name, a request ID, and CBOR data; handles ride
// alongside. Requests with ID zero are notifications and get no reply.
// Handler errors travel back with their system.Code, so callers test
// them with errors.Is as they would a local error.
//
// Endpoints compose in the caller's own goroutines rather than in a
// framework: register handlers, start Serve, then Call and Notify.
package service
