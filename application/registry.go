// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package application

import (
	"context"
	"log/slog"
	"slices"
	"sync"

	"github.com/bureau-foundation/servicebus/lib/ipc"
	"github.com/bureau-foundation/servicebus/lib/service"
	"github.com/bureau-foundation/servicebus/system"
)

// InterfaceFactory binds a pipe to an implementation of one interface.
// It owns handle.
type InterfaceFactory func(handle system.Handle)

// registry serves get_interface on one interface provider pipe.
type registry struct {
	core    *system.Core
	logger  *slog.Logger
	granted []string

	mu        sync.Mutex
	factories map[string]InterfaceFactory
}

func newRegistry(core *system.Core, granted []string, logger *slog.Logger) *registry {
	return &registry{
		core:      core,
		logger:    logger,
		granted:   granted,
		factories: make(map[string]InterfaceFactory),
	}
}

func (r *registry) add(name string, factory InterfaceFactory) {
	r.mu.Lock()
	r.factories[name] = factory
	r.mu.Unlock()
}

// allowed reports whether name may be bound. A nil granted list allows
// everything; "*" does too.
func (r *registry) allowed(name string) bool {
	if r.granted == nil {
		return true
	}
	return slices.Contains(r.granted, "*") || slices.Contains(r.granted, name)
}

func (r *registry) register(endpoint *service.Endpoint) {
	endpoint.Handle(ipc.ActionGetInterface, r.getInterface)
}

func (r *registry) getInterface(ctx context.Context, req *service.Request) (any, error) {
	var request ipc.GetInterfaceRequest
	if err := req.Decode(&request); err != nil {
		r.closeAll(req.Handles)
		return nil, err
	}
	if len(req.Handles) != 1 {
		r.closeAll(req.Handles)
		return nil, system.Errorf(system.CodeInvalidArgument, "get_interface carries %d handles, want 1", len(req.Handles))
	}
	handle := req.Handles[0]

	if !r.allowed(request.Name) {
		r.logger.Warn("interface request outside granted set", "interface", request.Name)
		r.core.CloseHandle(handle)
		return nil, system.Errorf(system.CodeAccessDenied, "interface %q not granted", request.Name)
	}

	r.mu.Lock()
	factory, ok := r.factories[request.Name]
	r.mu.Unlock()
	if !ok {
		r.logger.Debug("no factory for interface", "interface", request.Name)
		r.core.CloseHandle(handle)
		return nil, system.Errorf(system.CodeUnimplemented, "interface %q not provided", request.Name)
	}
	factory(handle)
	return nil, nil
}

func (r *registry) closeAll(handles []system.Handle) {
	for _, h := range handles {
		r.core.CloseHandle(h)
	}
}
