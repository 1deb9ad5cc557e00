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

// Connector makes outbound connections through the shell. Each
// Connector is its own pipe to the shell; Clone makes another bound to
// the same instance, so independent goroutines need not share one.
type Connector struct {
	ctx      context.Context
	core     *system.Core
	endpoint *service.Endpoint
	logger   *slog.Logger
}

func newConnector(ctx context.Context, core *system.Core, handle system.Handle, logger *slog.Logger) *Connector {
	c := &Connector{
		ctx:      ctx,
		core:     core,
		endpoint: service.NewEndpoint(core, handle, logger),
		logger:   logger,
	}
	go c.endpoint.Serve(ctx)
	return c
}

// ConnectOptions adjusts a connect.
type ConnectOptions struct {
	// Expose is called with the new connection before the request is
	// sent, so the target can find the interfaces it adds.
	Expose func(conn *Connection)

	// Process hands the shell a child process this application
	// launched itself: its ShellClient pipe and a PID receiver pipe.
	// The connector takes both handles.
	Process *ProcessHandles
}

// ProcessHandles identify a caller-launched process.
type ProcessHandles struct {
	ShellClient system.Handle
	PIDReceiver system.Handle
}

// Connect asks the shell to connect this instance to target. A target
// UserID of ipc.InheritUserID uses this instance's user. The returned
// error carries the shell's result code: system.ErrAccessDenied when
// the capability spec forbids the target, system.ErrInvalidArgument for
// a malformed identity.
func (c *Connector) Connect(ctx context.Context, target ipc.Identity, options *ConnectOptions) (*Connection, error) {
	if options == nil {
		options = &ConnectOptions{}
	}
	conn := newConnection(c.core, nil, c.logger)
	if options.Expose != nil {
		options.Expose(conn)
	}

	providerLocal, providerRemote, err := c.core.CreateMessagePipe()
	if err != nil {
		return nil, err
	}
	exposedLocal, exposedRemote, err := c.core.CreateMessagePipe()
	if err != nil {
		c.core.CloseHandle(providerLocal)
		c.core.CloseHandle(providerRemote)
		return nil, err
	}

	request := ipc.ConnectRequest{
		Target:              target,
		HasRemoteInterfaces: true,
		HasLocalInterfaces:  true,
	}
	handles := []system.Handle{providerRemote, exposedRemote}
	if options.Process != nil {
		request.Process = &ipc.ProcessConnection{
			HasShellClient: options.Process.ShellClient != system.InvalidHandle,
			HasPIDReceiver: options.Process.PIDReceiver != system.InvalidHandle,
		}
		for _, h := range []system.Handle{options.Process.ShellClient, options.Process.PIDReceiver} {
			if h != system.InvalidHandle {
				handles = append(handles, h)
			}
		}
	}

	reply, err := c.endpoint.Call(ctx, ipc.ActionConnect, request, handles)
	if err != nil {
		c.core.CloseHandle(providerLocal)
		c.core.CloseHandle(exposedLocal)
		return nil, fmt.Errorf("connecting to %s: %w", target.Name, err)
	}
	var response ipc.ConnectResponse
	if err := reply.Decode(&response); err != nil {
		c.core.CloseHandle(providerLocal)
		c.core.CloseHandle(exposedLocal)
		return nil, fmt.Errorf("decoding connect response: %w", err)
	}
	if response.Result != system.CodeOK {
		c.core.CloseHandle(providerLocal)
		c.core.CloseHandle(exposedLocal)
		return nil, fmt.Errorf("connecting to %s: %w", target.Name, response.Result)
	}

	conn.Remote = ipc.Identity{Name: target.Name, UserID: response.UserID, InstanceName: target.InstanceName}
	conn.RemoteID = response.InstanceID
	conn.TargetName = target.Name
	conn.serve(c.ctx, exposedLocal, providerLocal, c.logger)
	return conn, nil
}

// Clone returns a second Connector bound to the same instance.
func (c *Connector) Clone() (*Connector, error) {
	local, remote, err := c.core.CreateMessagePipe()
	if err != nil {
		return nil, err
	}
	if err := c.endpoint.Notify(ipc.ActionClone, nil, []system.Handle{remote}); err != nil {
		c.core.CloseHandle(local)
		return nil, fmt.Errorf("cloning connector: %w", err)
	}
	return newConnector(c.ctx, c.core, local, c.logger), nil
}

// Quit asks the shell to shut this instance down. The shell asks the
// application's QuitHandler, if any, before closing the connection.
func (c *Connector) Quit() error {
	return c.endpoint.Notify(ipc.ActionQuit, nil, nil)
}

// Close closes this connector's pipe. Clones are unaffected.
func (c *Connector) Close() error {
	return c.endpoint.Close()
}
