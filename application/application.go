// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bureau-foundation/servicebus/lib/ipc"
	"github.com/bureau-foundation/servicebus/lib/service"
	"github.com/bureau-foundation/servicebus/system"
)

// Delegate is implemented by every application.
type Delegate interface {
	// Initialize is called once, before any connection arrives.
	Initialize(app *Application) error

	// AcceptConnection is called for each inbound connection. The
	// delegate adds the interfaces it offers and returns true, or
	// returns false to close the connection.
	AcceptConnection(conn *Connection) bool
}

// QuitHandler is implemented by delegates that want a say in shutdown.
// Without it the application always agrees to quit.
type QuitHandler interface {
	// OnQuitRequested returns false to keep running. Connections that
	// arrive while the question is pending are delivered afterwards.
	OnQuitRequested(ctx context.Context) bool
}

// Application serves the ShellClient protocol for one instance.
type Application struct {
	core     *system.Core
	delegate Delegate
	logger   *slog.Logger
	shell    *service.Endpoint

	mu          sync.Mutex
	ctx         context.Context
	identity    ipc.Identity
	instanceID  uint32
	connector   *Connector
	connections []*Connection
	initialized chan struct{}
}

// New prepares an application on shellClient, which it takes. Nothing
// is read until Run.
func New(core *system.Core, shellClient system.Handle, delegate Delegate, logger *slog.Logger) *Application {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Application{
		core:        core,
		delegate:    delegate,
		logger:      logger,
		shell:       service.NewEndpoint(core, shellClient, logger),
		initialized: make(chan struct{}),
	}
	a.shell.Handle(ipc.ActionInitialize, a.handleInitialize)
	a.shell.Handle(ipc.ActionAcceptConnection, a.handleAcceptConnection)
	a.shell.Handle(ipc.ActionQuitRequested, a.handleQuitRequested)
	return a
}

// Run serves the shell until it closes the connection or ctx ends,
// then closes every connection the application made or accepted.
func (a *Application) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	a.mu.Lock()
	a.ctx = ctx
	a.mu.Unlock()

	err := a.shell.Serve(ctx)

	a.mu.Lock()
	connections := a.connections
	a.connections = nil
	connector := a.connector
	a.mu.Unlock()
	for _, conn := range connections {
		conn.Close()
	}
	if connector != nil {
		connector.Close()
	}
	return err
}

// WaitInitialized blocks until the shell has initialized the
// application.
func (a *Application) WaitInitialized(ctx context.Context) error {
	select {
	case <-a.initialized:
		return nil
	case <-a.shell.Done():
		return service.ErrDisconnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Core returns the Core the application's handles live in.
func (a *Application) Core() *system.Core { return a.core }

// Logger returns the application's logger.
func (a *Application) Logger() *slog.Logger {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.logger
}

// Identity returns the identity the shell assigned. It is zero before
// initialization.
func (a *Application) Identity() ipc.Identity {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.identity
}

// InstanceID returns the instance ID the shell assigned.
func (a *Application) InstanceID() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.instanceID
}

// Connector returns the application's connector, nil before
// initialization.
func (a *Application) Connector() *Connector {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connector
}

// Connect is shorthand for Connector().Connect.
func (a *Application) Connect(ctx context.Context, target ipc.Identity, options *ConnectOptions) (*Connection, error) {
	connector := a.Connector()
	if connector == nil {
		return nil, system.Errorf(system.CodeFailedPrecondition, "application not initialized")
	}
	conn, err := connector.Connect(ctx, target, options)
	if err != nil {
		return nil, err
	}
	a.track(conn)
	return conn, nil
}

func (a *Application) track(conn *Connection) {
	a.mu.Lock()
	a.connections = append(a.connections, conn)
	a.mu.Unlock()
}

func (a *Application) handleInitialize(ctx context.Context, req *service.Request) (any, error) {
	var request ipc.InitializeRequest
	if err := req.Decode(&request); err != nil {
		closeHandles(a.core, req.Handles)
		return nil, err
	}
	if len(req.Handles) != 1 {
		closeHandles(a.core, req.Handles)
		return nil, system.Errorf(system.CodeInvalidArgument, "initialize carries %d handles, want 1", len(req.Handles))
	}

	a.mu.Lock()
	if a.connector != nil {
		a.mu.Unlock()
		closeHandles(a.core, req.Handles)
		return nil, system.Errorf(system.CodeFailedPrecondition, "already initialized")
	}
	a.identity = request.Identity
	a.instanceID = request.InstanceID
	a.logger = a.logger.With("name", request.Identity.Name, "instance_id", request.InstanceID)
	a.connector = newConnector(a.ctx, a.core, req.Handles[0], a.logger)
	a.mu.Unlock()

	if err := a.delegate.Initialize(a); err != nil {
		a.Logger().Error("application initialization failed", "error", err)
		a.shell.Close()
		return nil, fmt.Errorf("initializing %s: %w", request.Identity.Name, err)
	}
	close(a.initialized)
	return nil, nil
}

func (a *Application) handleAcceptConnection(ctx context.Context, req *service.Request) (any, error) {
	var request ipc.AcceptConnectionRequest
	if err := req.Decode(&request); err != nil {
		closeHandles(a.core, req.Handles)
		return nil, err
	}
	want := 0
	if request.HasRemoteInterfaces {
		want++
	}
	if request.HasLocalInterfaces {
		want++
	}
	if len(req.Handles) != want {
		closeHandles(a.core, req.Handles)
		return nil, system.Errorf(system.CodeInvalidArgument, "accept_connection carries %d handles, want %d", len(req.Handles), want)
	}

	handles := req.Handles
	exposed, provider := system.InvalidHandle, system.InvalidHandle
	if request.HasRemoteInterfaces {
		exposed, handles = handles[0], handles[1:]
	}
	if request.HasLocalInterfaces {
		provider = handles[0]
	}

	granted := request.Granted.Interfaces
	if granted == nil {
		granted = []string{}
	}
	conn := newConnection(a.core, granted, a.logger)
	conn.Remote = request.Source
	conn.RemoteID = request.SourceID
	conn.TargetName = request.TargetName
	conn.Granted = request.Granted

	if !a.delegate.AcceptConnection(conn) {
		closeHandles(a.core, []system.Handle{exposed, provider})
		return nil, nil
	}
	a.mu.Lock()
	runCtx := a.ctx
	a.mu.Unlock()
	conn.serve(runCtx, exposed, provider, a.logger)
	a.track(conn)
	return nil, nil
}

func (a *Application) handleQuitRequested(ctx context.Context, req *service.Request) (any, error) {
	quit := true
	if handler, ok := a.delegate.(QuitHandler); ok {
		quit = handler.OnQuitRequested(ctx)
	}
	return ipc.QuitRequestedResponse{Quit: quit}, nil
}

// Quit asks the shell to end this instance.
func (a *Application) Quit() error {
	connector := a.Connector()
	if connector == nil {
		return a.shell.Close()
	}
	if err := connector.Quit(); err != nil && !errors.Is(err, service.ErrDisconnected) {
		return err
	}
	return nil
}

func closeHandles(core *system.Core, handles []system.Handle) {
	for _, h := range handles {
		if h != system.InvalidHandle {
			core.CloseHandle(h)
		}
	}
}
