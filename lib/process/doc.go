// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package process provides entrypoint helpers for service bus binaries:
// exit codes, fatal error reporting before the structured logger
// exists, and construction of that logger.
package process
