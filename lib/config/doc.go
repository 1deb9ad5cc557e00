// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the shell embedder's configuration.
//
// Configuration comes from a single YAML file named by the --config
// flag or the SERVICEBUS_CONFIG environment variable. There is no
// discovery and no per-field environment override: the file is the
// single source of truth. The file may carry development and
// production sections that override base values when the environment
// matches, and path values may use ${VAR} and ${VAR:-default}.
package config
