// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for service bus
// packages.
//
// [RequireReceive], [RequireSend], and [RequireClosed] wrap the
// select-with-timeout pattern so individual tests do not need direct
// time.After calls. [RequireErrorIs] asserts on result codes, which
// are errors, and [Eventually] polls state that changes without a
// notification. [SocketDir] creates a short directory in /tmp for
// Unix sockets, whose paths are limited to 108 bytes. [UniqueID]
// produces distinguishable identifiers for message bodies and instance
// names. [Logger] returns a logger that stays quiet unless something
// goes wrong.
//
// All helpers call t.Fatalf on failure rather than returning errors.
package testutil
