// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package application

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bureau-foundation/servicebus/lib/ipc"
	"github.com/bureau-foundation/servicebus/lib/service"
	"github.com/bureau-foundation/servicebus/system"
)

// Connection is one connection between two instances, seen from one
// side. Interfaces added with AddInterface are offered to the remote
// instance; GetInterface asks the remote instance for one of its own.
type Connection struct {
	core *system.Core

	// Remote is the instance on the other side: the caller for an
	// inbound connection, the target for an outbound one.
	Remote   ipc.Identity
	RemoteID uint32

	// TargetName is the name the caller asked for, which may differ
	// from the name the serving instance runs under.
	TargetName string

	// Granted is what the caller may request of this side. It is only
	// meaningful on inbound connections.
	Granted ipc.CapabilityRequest

	exposed  *registry
	provider *service.Endpoint
	served   *service.Endpoint
}

func newConnection(core *system.Core, granted []string, logger *slog.Logger) *Connection {
	return &Connection{core: core, exposed: newRegistry(core, granted, logger)}
}

// serve starts the endpoints of c. exposed is the pipe c answers
// interface requests on; provider is where c sends its own.
func (c *Connection) serve(ctx context.Context, exposed, provider system.Handle, logger *slog.Logger) {
	if exposed != system.InvalidHandle {
		c.served = service.NewEndpoint(c.core, exposed, logger)
		c.exposed.register(c.served)
		go c.served.Serve(ctx)
	}
	if provider != system.InvalidHandle {
		c.provider = service.NewEndpoint(c.core, provider, logger)
		go c.provider.Serve(ctx)
	}
}

// AddInterface offers the interface name to the remote instance.
// Requests outside the granted set never reach factory.
func (c *Connection) AddInterface(name string, factory InterfaceFactory) {
	c.exposed.add(name, factory)
}

// GetInterface asks the remote instance to bind name and returns this
// side's end of the new pipe. A remote that refuses closes its end,
// which shows up as peer closure on the returned handle.
func (c *Connection) GetInterface(name string) (system.Handle, error) {
	if c.provider == nil {
		return system.InvalidHandle, system.Errorf(system.CodeFailedPrecondition, "connection to %s exposes no interfaces", c.Remote.Name)
	}
	local, remote, err := c.core.CreateMessagePipe()
	if err != nil {
		return system.InvalidHandle, err
	}
	if err := c.provider.Notify(ipc.ActionGetInterface, ipc.GetInterfaceRequest{Name: name}, []system.Handle{remote}); err != nil {
		c.core.CloseHandle(local)
		return system.InvalidHandle, fmt.Errorf("requesting %s from %s: %w", name, c.Remote.Name, err)
	}
	return local, nil
}

// Close closes both interface provider pipes.
func (c *Connection) Close() {
	if c.served != nil {
		c.served.Close()
	}
	if c.provider != nil {
		c.provider.Close()
	}
}
