// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the CBOR encoding configuration shared by
// every service bus wire format: channel frames between nodes, port
// descriptors carried inside transferred messages, data pipe control
// messages, and the action envelopes spoken over message pipes by the
// shell and its applications.
//
// The encoder uses Core Deterministic Encoding (RFC 8949 §4.2): sorted
// map keys, smallest integer encoding, no indefinite-length items. The
// same logical value always produces identical bytes, which keeps frame
// digests stable across processes.
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
//
// Types that travel only between service bus processes carry `cbor`
// struct tags. Types that are also read from JSON (catalog manifests)
// carry `json` tags; fxamacker/cbor falls back to them when no `cbor`
// tag is present. Never put both tags on one field.
package codec
