// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package shell is the service manager: it resolves application names,
// starts instances through loaders or the native runner, brokers
// connections between them, and applies each caller's capability spec
// to what the callee is told the caller may request.
//
// All manager state lives on one taskloop.Loop. Endpoint goroutines
// decode requests and post them to the loop; nothing else touches an
// instance. Instances are kept in an arena and referred to by
// generation-checked refs, so a request that outlives its instance
// finds nothing rather than a reused slot.
//
// Names have the form scheme:opaque[/opaque]*. Loaders match a name
// exactly; the catalog resolves the scheme and first component.
package shell
