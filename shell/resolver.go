// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package shell

import (
	"context"
	"errors"
	"fmt"

	"github.com/bureau-foundation/servicebus/lib/ipc"
	"github.com/bureau-foundation/servicebus/lib/service"
	"github.com/bureau-foundation/servicebus/system"
)

// ErrNotFound is returned by resolvers that know nothing about a name.
var ErrNotFound = errors.New("shell: name not found")

// Resolver maps an application name to what the shell needs to start
// it. Resolve may block; the manager calls it off its loop.
type Resolver interface {
	Resolve(ctx context.Context, name string) (ipc.ResolveResponse, error)
}

// StaticResolver resolves from a fixed map keyed by full name.
type StaticResolver map[string]ipc.ResolveResponse

func (s StaticResolver) Resolve(ctx context.Context, name string) (ipc.ResolveResponse, error) {
	response, ok := s[name]
	if !ok {
		return ipc.ResolveResponse{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if response.ResolvedName == "" {
		response.ResolvedName = name
	}
	return response, nil
}

// ChainResolver asks each resolver in turn and returns the first
// answer. ErrNotFound moves on to the next; any other error stops.
type ChainResolver []Resolver

func (c ChainResolver) Resolve(ctx context.Context, name string) (ipc.ResolveResponse, error) {
	for _, resolver := range c {
		response, err := resolver.Resolve(ctx, name)
		if err == nil {
			return response, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return ipc.ResolveResponse{}, err
		}
	}
	return ipc.ResolveResponse{}, fmt.Errorf("%w: %s", ErrNotFound, name)
}

// RemoteResolver resolves by calling the resolve action on an
// endpoint, typically one served by an application that owns a
// catalog of its own.
type RemoteResolver struct {
	Endpoint *service.Endpoint
}

func (r RemoteResolver) Resolve(ctx context.Context, name string) (ipc.ResolveResponse, error) {
	reply, err := r.Endpoint.Call(ctx, ipc.ActionResolve, ipc.ResolveRequest{Name: name}, nil)
	if err != nil {
		if errors.Is(err, system.ErrFailedPrecondition) {
			return ipc.ResolveResponse{}, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return ipc.ResolveResponse{}, fmt.Errorf("resolving %s: %w", name, err)
	}
	var response ipc.ResolveResponse
	if err := reply.Decode(&response); err != nil {
		return ipc.ResolveResponse{}, fmt.Errorf("decoding resolve response for %s: %w", name, err)
	}
	return response, nil
}

// ServeResolver registers resolver as the resolve action on endpoint.
// Unknown names fail with system.CodeFailedPrecondition.
func ServeResolver(endpoint *service.Endpoint, resolver Resolver) {
	endpoint.Handle(ipc.ActionResolve, func(ctx context.Context, req *service.Request) (any, error) {
		var request ipc.ResolveRequest
		if err := req.Decode(&request); err != nil {
			return nil, err
		}
		response, err := resolver.Resolve(ctx, request.Name)
		if errors.Is(err, ErrNotFound) {
			return nil, system.Errorf(system.CodeFailedPrecondition, "%v", err)
		}
		if err != nil {
			return nil, err
		}
		return response, nil
	})
}
