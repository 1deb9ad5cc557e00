// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package shell

import (
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/bureau-foundation/servicebus/lib/ipc"
	"github.com/bureau-foundation/servicebus/system"
)

// Identity names an instance: two instances differ when any field
// does.
type Identity = ipc.Identity

// Name is a parsed application name.
type Name struct {
	Scheme string

	// Host is the first path component, the part of the name that
	// participates in resolution.
	Host string

	// Rest is everything after the first component, opaque to the
	// shell. It does not include the separating slash.
	Rest string
}

var schemePattern = regexp.MustCompile(`^[a-z][a-z0-9+.-]*$`)

// ParseName splits a name of the form scheme:opaque[/opaque]*.
func ParseName(name string) (Name, error) {
	scheme, opaque, found := strings.Cut(name, ":")
	if !found || !schemePattern.MatchString(scheme) {
		return Name{}, system.Errorf(system.CodeInvalidArgument, "name %q has no valid scheme", name)
	}
	if opaque == "" {
		return Name{}, system.Errorf(system.CodeInvalidArgument, "name %q is empty after the scheme", name)
	}
	for _, component := range strings.Split(opaque, "/") {
		if component == "" {
			return Name{}, system.Errorf(system.CodeInvalidArgument, "name %q has an empty component", name)
		}
	}
	host, rest, _ := strings.Cut(opaque, "/")
	return Name{Scheme: scheme, Host: host, Rest: rest}, nil
}

// Base returns scheme:host.
func (n Name) Base() string { return n.Scheme + ":" + n.Host }

func (n Name) String() string {
	if n.Rest == "" {
		return n.Base()
	}
	return n.Base() + "/" + n.Rest
}

// validUserID accepts a GUID or the inherit marker.
func validUserID(id string) bool {
	if id == ipc.InheritUserID {
		return true
	}
	_, err := uuid.Parse(id)
	return err == nil
}

// NewUserID returns a fresh random user ID.
func NewUserID() string { return uuid.NewString() }
