// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package system

import "github.com/bureau-foundation/servicebus/lib/config"

// Limits bounds what a Core accepts.
type Limits struct {
	MaxMessageBytes         int
	MaxMessageHandles       int
	MaxHandleTableSize      int
	DefaultDataPipeCapacity int
	MaxDataPipeCapacity     int
}

// DefaultLimits returns the built-in limits.
func DefaultLimits() Limits {
	return Limits{
		MaxMessageBytes:         4 << 20,
		MaxMessageHandles:       10000,
		MaxHandleTableSize:      1000000,
		DefaultDataPipeCapacity: 1 << 20,
		MaxDataPipeCapacity:     256 << 20,
	}
}

// LimitsFromConfig applies configured limits over the defaults. Zero
// fields keep the default.
func LimitsFromConfig(cfg config.LimitsConfig) Limits {
	limits := DefaultLimits()
	override := func(target *int, value int) {
		if value > 0 {
			*target = value
		}
	}
	override(&limits.MaxMessageBytes, cfg.MaxMessageBytes)
	override(&limits.MaxMessageHandles, cfg.MaxMessageHandles)
	override(&limits.MaxHandleTableSize, cfg.MaxHandleTableSize)
	override(&limits.DefaultDataPipeCapacity, cfg.DefaultDataPipeCapacity)
	override(&limits.MaxDataPipeCapacity, cfg.MaxDataPipeCapacity)
	return limits
}

func (l Limits) withDefaults() Limits {
	defaults := DefaultLimits()
	if l.MaxMessageBytes <= 0 {
		l.MaxMessageBytes = defaults.MaxMessageBytes
	}
	if l.MaxMessageHandles <= 0 {
		l.MaxMessageHandles = defaults.MaxMessageHandles
	}
	if l.MaxHandleTableSize <= 0 {
		l.MaxHandleTableSize = defaults.MaxHandleTableSize
	}
	if l.DefaultDataPipeCapacity <= 0 {
		l.DefaultDataPipeCapacity = defaults.DefaultDataPipeCapacity
	}
	if l.MaxDataPipeCapacity <= 0 {
		l.MaxDataPipeCapacity = defaults.MaxDataPipeCapacity
	}
	return l
}
