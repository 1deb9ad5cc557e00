// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package shell

import (
	"slices"
	"sort"

	"github.com/bureau-foundation/servicebus/lib/ipc"
	"github.com/bureau-foundation/servicebus/system"
)

// Wildcard as a required key matches any target; as a class or
// interface it matches everything the target provides.
const Wildcard = "*"

// CapabilitySpec is a validated ipc.CapabilitySpec.
type CapabilitySpec struct {
	required map[string]ipc.CapabilityRequest
	provided map[string][]string
}

// NewCapabilitySpec validates spec. A wildcard required key must be the
// only one.
func NewCapabilitySpec(spec ipc.CapabilitySpec) (CapabilitySpec, error) {
	if _, ok := spec.Required[Wildcard]; ok && len(spec.Required) > 1 {
		return CapabilitySpec{}, system.Errorf(system.CodeInvalidArgument,
			"capability spec mixes %q with %d named targets", Wildcard, len(spec.Required)-1)
	}
	for class, interfaces := range spec.Provided {
		if class == "" || class == Wildcard {
			return CapabilitySpec{}, system.Errorf(system.CodeInvalidArgument, "invalid provided class name %q", class)
		}
		if slices.Contains(interfaces, "") {
			return CapabilitySpec{}, system.Errorf(system.CodeInvalidArgument, "class %q lists an empty interface name", class)
		}
	}
	return CapabilitySpec{required: spec.Required, provided: spec.Provided}, nil
}

// PermissiveSpec may connect to anything and request everything. The
// shell and the embedder connect with it.
func PermissiveSpec() CapabilitySpec {
	return CapabilitySpec{required: map[string]ipc.CapabilityRequest{
		Wildcard: {Classes: []string{Wildcard}, Interfaces: []string{Wildcard}},
	}}
}

// Wire returns the spec in wire form.
func (s CapabilitySpec) Wire() ipc.CapabilitySpec {
	return ipc.CapabilitySpec{Required: s.required, Provided: s.provided}
}

// request returns what s may ask of target.
func (s CapabilitySpec) request(target string) (ipc.CapabilityRequest, bool) {
	if request, ok := s.required[target]; ok {
		return request, true
	}
	request, ok := s.required[Wildcard]
	return request, ok
}

// Allows reports whether s may connect to target.
func (s CapabilitySpec) Allows(target string) bool {
	_, ok := s.request(target)
	return ok
}

// Classes returns the names of the classes s provides, sorted.
func (s CapabilitySpec) Classes() []string {
	classes := make([]string, 0, len(s.provided))
	for class := range s.provided {
		classes = append(classes, class)
	}
	sort.Strings(classes)
	return classes
}

// Grant computes what a caller holding s may request of a callee
// reached as target: the caller's requested classes that the callee
// provides, flattened to their interfaces, plus any interfaces the
// caller names directly. A wildcard interface grants everything.
func (s CapabilitySpec) Grant(target string, callee CapabilitySpec) ipc.CapabilityRequest {
	request, ok := s.request(target)
	if !ok {
		return ipc.CapabilityRequest{}
	}
	if slices.Contains(request.Interfaces, Wildcard) {
		return ipc.CapabilityRequest{Classes: callee.Classes(), Interfaces: []string{Wildcard}}
	}

	classes := make(map[string]struct{})
	interfaces := make(map[string]struct{})
	for _, class := range request.Classes {
		if class == Wildcard {
			for provided := range callee.provided {
				classes[provided] = struct{}{}
			}
			continue
		}
		if _, ok := callee.provided[class]; ok {
			classes[class] = struct{}{}
		}
	}
	for class := range classes {
		for _, name := range callee.provided[class] {
			interfaces[name] = struct{}{}
		}
	}
	for _, name := range request.Interfaces {
		interfaces[name] = struct{}{}
	}
	return ipc.CapabilityRequest{Classes: sortedKeys(classes), Interfaces: sortedKeys(interfaces)}
}

func sortedKeys(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	keys := make([]string, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
