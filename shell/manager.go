// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package shell

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/bureau-foundation/servicebus/application"
	"github.com/bureau-foundation/servicebus/launcher"
	"github.com/bureau-foundation/servicebus/lib/clock"
	"github.com/bureau-foundation/servicebus/lib/ipc"
	"github.com/bureau-foundation/servicebus/lib/metrics"
	"github.com/bureau-foundation/servicebus/lib/ratelog"
	"github.com/bureau-foundation/servicebus/lib/service"
	"github.com/bureau-foundation/servicebus/lib/taskloop"
	"github.com/bureau-foundation/servicebus/system"
)

// DefaultQuitTimeout bounds quit questions and Shutdown when Options
// leaves QuitTimeout zero.
const DefaultQuitTimeout = 10 * time.Second

// Options configures a Manager.
type Options struct {
	Core *system.Core

	// Resolver maps names to executables and capability specs. Nil
	// resolves nothing: only loaders can start applications.
	Resolver Resolver

	// Runner starts executables. Nil refuses names that resolve to an
	// executable with system.CodeUnimplemented.
	Runner NativeRunner

	QuitTimeout time.Duration
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
	Clock       clock.Clock
}

// ConnectParams describes a connection requested by the embedder.
type ConnectParams struct {
	// Source is the instance the connection is made on behalf of. Nil
	// means the shell itself, which may connect to anything.
	Source *Identity

	// Target is the instance to connect to. An empty UserID, like
	// ipc.InheritUserID, takes the source's user.
	Target Identity

	// RemoteInterfaces is served by the target with the interfaces it
	// exposes; LocalInterfaces carries interfaces the caller exposes
	// to it. Either may be system.InvalidHandle. The manager takes
	// both.
	RemoteInterfaces system.Handle
	LocalInterfaces  system.Handle

	// OnEnd runs on the manager's loop when the target instance is
	// destroyed.
	OnEnd func()

	// Callback receives the result, once, on the manager's loop.
	Callback func(ConnectResult)
}

// Manager is the service manager. Create one with NewManager and drive
// it with Run.
type Manager struct {
	core        *system.Core
	resolver    Resolver
	runner      NativeRunner
	quitTimeout time.Duration
	logger      *slog.Logger
	metrics     *metrics.Metrics

	loop     *taskloop.Loop
	failures *ratelog.Limiter
	shellApp *application.Application
	started  chan struct{}

	// Everything below is confined to loop.
	ctx           context.Context
	instances     arena[instance]
	byIdentity    map[Identity]ref
	byID          map[uint32]ref
	nextID        uint32
	loaders       map[string]Loader
	defaultLoader Loader
	listeners     listenerSet
	stopping      bool
}

// NewManager creates a manager. Nothing runs until Run.
func NewManager(options Options) (*Manager, error) {
	if options.Core == nil {
		return nil, errors.New("shell: Options.Core is required")
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}
	if options.Clock == nil {
		options.Clock = clock.Real()
	}
	if options.QuitTimeout <= 0 {
		options.QuitTimeout = DefaultQuitTimeout
	}
	m := &Manager{
		core:        options.Core,
		resolver:    options.Resolver,
		runner:      options.Runner,
		quitTimeout: options.QuitTimeout,
		logger:      options.Logger,
		metrics:     options.Metrics,
		loop:        taskloop.New(),
		failures:    ratelog.New(options.Clock, time.Second, 5*time.Minute),
		started:     make(chan struct{}),
		byIdentity:  make(map[Identity]ref),
		byID:        make(map[uint32]ref),
		loaders:     make(map[string]Loader),
		listeners:   listenerSet{logger: options.Logger},
	}
	m.loaders[ipc.ShellName] = shellLoader{manager: m}
	return m, nil
}

// Run starts the shell's own instance and serves until ctx ends or
// Shutdown finishes. Ending ctx stops the loop at once; call Shutdown
// first for an orderly stop.
func (m *Manager) Run(ctx context.Context) error {
	m.ctx = ctx
	m.loop.Post(m.startShellInstance)
	m.loop.Run(ctx)
	return nil
}

// QuitTimeout bounds quit questions and the wait in Shutdown.
func (m *Manager) QuitTimeout() time.Duration { return m.quitTimeout }

// Shell returns the shell's own application, once it is initialized.
// Connections made through it come from servicebus:shell, which may
// connect to anything.
func (m *Manager) Shell(ctx context.Context) (*application.Application, error) {
	select {
	case <-m.started:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if err := m.shellApp.WaitInitialized(ctx); err != nil {
		return nil, fmt.Errorf("waiting for shell application: %w", err)
	}
	return m.shellApp, nil
}

// SetLoaderForName makes loader serve name, replacing any loader set
// before. Instances already running are unaffected.
func (m *Manager) SetLoaderForName(name string, loader Loader) {
	m.loop.Post(func() { m.loaders[name] = loader })
}

// SetDefaultLoader sets the loader used for names nothing else can
// resolve.
func (m *Manager) SetDefaultLoader(loader Loader) {
	m.loop.Post(func() { m.defaultLoader = loader })
}

// Connect brokers a connection on behalf of the embedder.
func (m *Manager) Connect(params ConnectParams) {
	callback := params.Callback
	request := &connectRequest{
		target: params.Target,
		remote: params.RemoteInterfaces,
		local:  params.LocalInterfaces,
		onEnd:  params.OnEnd,
		finish: func(result ConnectResult) {
			if callback != nil {
				callback(result)
			}
		},
	}
	if request.target.UserID == "" {
		request.target.UserID = ipc.InheritUserID
	}
	if !m.loop.Post(func() { m.connectFromEmbedder(params.Source, request) }) {
		m.closeHandles(request.handles())
		if callback != nil {
			callback(ConnectResult{Result: system.CodeCancelled})
		}
	}
}

// CreateInstanceForHandle registers an instance whose process the
// embedder started itself. shellClient is the shell's end of the
// process's ShellClient pipe; pidReceiver, if valid, is served for
// set_pid. The manager takes both handles.
func (m *Manager) CreateInstanceForHandle(identity Identity, spec ipc.CapabilitySpec, shellClient, pidReceiver system.Handle) error {
	var result error
	ok := m.loop.Call(context.Background(), func() {
		if identity.UserID == "" || identity.UserID == ipc.InheritUserID {
			identity.UserID = ipc.RootUserID
		}
		result = m.createForHandle(identity, spec, shellClient, pidReceiver)
	})
	if !ok {
		m.closeHandles([]system.Handle{shellClient, pidReceiver})
		return system.Errorf(system.CodeCancelled, "shell stopped")
	}
	return result
}

func (m *Manager) createForHandle(identity Identity, wire ipc.CapabilitySpec, shellClient, pidReceiver system.Handle) error {
	handles := []system.Handle{shellClient, pidReceiver}
	if shellClient == system.InvalidHandle {
		m.closeHandles(handles)
		return system.Errorf(system.CodeInvalidArgument, "no shell client handle")
	}
	if _, err := ParseName(identity.Name); err != nil {
		m.closeHandles(handles)
		return err
	}
	if _, exists := m.byIdentity[identity]; exists {
		m.closeHandles(handles)
		return system.Errorf(system.CodeInvalidArgument, "instance %s already exists", identity.Name)
	}
	spec, err := NewCapabilitySpec(wire)
	if err != nil {
		m.closeHandles(handles)
		return err
	}
	inst, err := m.createInstanceOn(identity, spec, shellClient)
	if err != nil {
		m.closeHandles([]system.Handle{pidReceiver})
		return err
	}
	if pidReceiver != system.InvalidHandle {
		m.servePIDReceiver(inst, pidReceiver)
	}
	return nil
}

// AddListener registers handle as a lifecycle listener. The listener
// first receives the roster of running instances, then a notification
// for every creation, destruction, and PID report.
func (m *Manager) AddListener(handle system.Handle) {
	if !m.loop.Post(func() { m.addListener(handle) }) {
		m.core.CloseHandle(handle)
	}
}

// RequestQuit asks instance id whether it will quit, and destroys it
// if it agrees.
func (m *Manager) RequestQuit(id uint32) {
	m.loop.Post(func() {
		if r, ok := m.byID[id]; ok {
			m.requestQuit(r)
		}
	})
}

// Instances returns every running instance, ordered by ID.
func (m *Manager) Instances(ctx context.Context) ([]ipc.ApplicationInfo, error) {
	var roster []ipc.ApplicationInfo
	if !m.loop.Call(ctx, func() { roster = m.roster() }) {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, system.Errorf(system.CodeCancelled, "shell stopped")
	}
	return roster, nil
}

// Shutdown destroys every instance, closing their ShellClient pipes,
// then waits up to the quit timeout for native processes to exit and
// kills what remains. The manager's loop stops; Run returns. The
// embedder closes the node afterwards.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.loop.Call(ctx, func() {
		m.stopping = true
		var all []*instance
		m.instances.each(func(_ ref, inst *instance) { all = append(all, inst) })
		for _, inst := range all {
			m.end(inst, "shutdown")
		}
		m.listeners.closeAll()
	})

	var err error
	if m.runner != nil {
		waitCtx, cancel := context.WithTimeout(ctx, m.quitTimeout)
		err = m.runner.Wait(waitCtx)
		cancel()
		if err != nil {
			m.logger.Warn("applications did not exit in time, killing", "timeout", m.quitTimeout)
			m.runner.KillAll()
			err = m.runner.Wait(ctx)
		}
	}
	m.loop.Stop()
	select {
	case <-m.loop.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}

func (m *Manager) startShellInstance() {
	identity := Identity{Name: ipc.ShellName, UserID: ipc.RootUserID}
	request := &connectRequest{
		target:     identity,
		source:     identity,
		sourceSpec: PermissiveSpec(),
		remote:     system.InvalidHandle,
		local:      system.InvalidHandle,
		finish: func(result ConnectResult) {
			if result.Result != system.CodeOK {
				m.logger.Error("starting shell application failed", "result", result.Result.String())
			}
		},
	}
	m.connect(request)
	close(m.started)
}

func (m *Manager) connectFromEmbedder(source *Identity, request *connectRequest) {
	if source == nil {
		request.source = Identity{Name: ipc.ShellName, UserID: ipc.RootUserID}
		request.sourceSpec = PermissiveSpec()
		if r, ok := m.byIdentity[request.source]; ok {
			inst, _ := m.instances.get(r)
			request.sourceID = inst.id
		}
	} else {
		r, ok := m.byIdentity[*source]
		inst, live := m.instances.get(r)
		if !ok || !live {
			m.fail(request, system.CodeInvalidArgument, "source instance is not running", "source", source.Name)
			return
		}
		request.source = inst.identity
		request.sourceID = inst.id
		request.sourceSpec = inst.spec
	}
	if code, reason := m.validateTarget(request); code != system.CodeOK {
		m.fail(request, code, reason)
		return
	}
	m.connect(request)
}

// connectFromInstance applies an instance's capability spec to a
// connect it sent on its Connector. Failures have no side effect.
func (m *Manager) connectFromInstance(source ref, request *connectRequest) {
	inst, ok := m.instances.get(source)
	if !ok {
		m.fail(request, system.CodeCancelled, "source instance destroyed")
		return
	}
	request.source = inst.identity
	request.sourceID = inst.id
	request.sourceSpec = inst.spec

	if code, reason := m.validateTarget(request); code != system.CodeOK {
		m.fail(request, code, reason)
		return
	}
	if request.process != nil {
		if request.process.shellClient == system.InvalidHandle || request.process.pidReceiver == system.InvalidHandle {
			m.fail(request, system.CodeInvalidArgument, "process connection needs a shell client and a PID receiver")
			return
		}
		target := request.target
		if target.UserID == ipc.InheritUserID {
			target.UserID = inst.identity.UserID
			if target.UserID == "" {
				target.UserID = ipc.RootUserID
			}
		}
		if _, ok := m.existing(target); ok {
			m.fail(request, system.CodeInvalidArgument, "process connection target already running")
			return
		}
	}
	if !inst.spec.Allows(request.target.Name) {
		m.failures.Warn(m.logger, "deny:"+inst.identity.Name+">"+request.target.Name,
			"connection refused by capability spec", "source", inst.identity.Name, "target", request.target.Name)
		m.fail(request, system.CodeAccessDenied, "")
		return
	}
	m.connect(request)
}

func (m *Manager) validateTarget(request *connectRequest) (system.Code, string) {
	if _, err := ParseName(request.target.Name); err != nil {
		return system.CodeInvalidArgument, err.Error()
	}
	if !validUserID(request.target.UserID) {
		return system.CodeInvalidArgument, "user ID is neither a GUID nor inherit"
	}
	return system.CodeOK, ""
}

// connect routes a validated request: to a running instance, to a
// loader, or through the resolver to a new instance.
func (m *Manager) connect(request *connectRequest) {
	if m.stopping {
		m.fail(request, system.CodeCancelled, "shell is shutting down")
		return
	}
	if request.target.UserID == ipc.InheritUserID {
		request.target.UserID = request.source.UserID
		if request.target.UserID == "" {
			request.target.UserID = ipc.RootUserID
		}
	}
	if m.connectToExisting(request) {
		return
	}
	if loader, ok := m.loaders[request.target.Name]; ok {
		m.loadWith(loader, request)
		return
	}
	if m.resolver == nil {
		m.resolved(request, ipc.ResolveResponse{}, fmt.Errorf("%w: no resolver", ErrNotFound))
		return
	}

	resolver := m.resolver
	ctx := m.ctx
	name := request.target.Name
	go func() {
		response, err := resolver.Resolve(ctx, name)
		if !m.loop.Post(func() { m.resolved(request, response, err) }) {
			m.closeHandles(request.handles())
		}
	}()
}

func (m *Manager) resolved(request *connectRequest, response ipc.ResolveResponse, err error) {
	if m.stopping {
		m.fail(request, system.CodeCancelled, "shell is shutting down")
		return
	}
	name := request.target.Name
	if err != nil {
		if m.defaultLoader != nil {
			m.loadWith(m.defaultLoader, request)
			return
		}
		m.failures.Warn(m.logger, "resolve:"+name, "cannot resolve application", "name", name, "error", err)
		m.fail(request, system.CodeFailedPrecondition, "")
		return
	}
	m.failures.Reset("resolve:" + name)

	if request.target.InstanceName == "" && response.ResolvedInstance != "" {
		request.target.InstanceName = response.ResolvedInstance
	}
	// Another request may have started the same instance while this
	// one was resolving.
	if m.connectToExisting(request) {
		return
	}

	spec, err := NewCapabilitySpec(response.Spec)
	if err != nil {
		m.logger.Warn("resolved capability spec is invalid", "name", name, "error", err)
		m.fail(request, system.CodeFailedPrecondition, "")
		return
	}

	if request.process != nil {
		process := request.process
		request.process = nil
		inst, err := m.createInstanceOn(request.target, spec, process.shellClient)
		if err != nil {
			m.closeHandles([]system.Handle{process.pidReceiver})
			m.fail(request, system.CodeOf(err), err.Error())
			return
		}
		m.servePIDReceiver(inst, process.pidReceiver)
		m.deliver(inst, request)
		return
	}

	if response.Executable == "" {
		if m.defaultLoader != nil {
			m.loadWith(m.defaultLoader, request)
			return
		}
		m.fail(request, system.CodeFailedPrecondition, "name resolved to no executable")
		return
	}
	if m.runner == nil {
		m.fail(request, system.CodeUnimplemented, "no native runner")
		return
	}

	inst, appSide, err := m.createInstance(request.target, spec)
	if err != nil {
		m.fail(request, system.CodeOf(err), err.Error())
		return
	}
	m.deliver(inst, request)
	if response.ResolvedName != request.target.Name {
		m.logger.Info("loading through package", "name", request.target.Name, "package", response.ResolvedName)
	}
	m.startNative(inst, response, appSide)
}

func (m *Manager) loadWith(loader Loader, request *connectRequest) {
	spec := PermissiveSpec()
	if provider, ok := loader.(SpecProvider); ok {
		var err error
		spec, err = NewCapabilitySpec(provider.Spec(request.target.Name))
		if err != nil {
			m.fail(request, system.CodeFailedPrecondition, err.Error())
			return
		}
	}
	inst, appSide, err := m.createInstance(request.target, spec)
	if err != nil {
		m.fail(request, system.CodeOf(err), err.Error())
		return
	}
	m.deliver(inst, request)
	loader.Load(m.ctx, request.target.Name, appSide)
}

func (m *Manager) startNative(inst *instance, response ipc.ResolveResponse, appSide system.Handle) {
	r := inst.ref
	_, err := m.runner.Start(m.ctx, launcher.StartParams{
		Path:        response.Executable,
		Sandboxed:   response.Sandboxed,
		ShellClient: appSide,
		OnPID: func(pid int) {
			m.loop.Post(func() { m.pidAvailable(r, pid) })
		},
		OnExit: func(err error) {
			m.loop.Post(func() { m.processExited(r, err) })
		},
	})
	if err != nil {
		m.logger.Error("starting application process failed",
			"name", inst.identity.Name, "executable", response.Executable, "error", err)
		m.end(inst, "start failed")
	}
}

func (m *Manager) connectToExisting(request *connectRequest) bool {
	inst, ok := m.existing(request.target)
	if !ok {
		return false
	}
	if request.process != nil {
		// Resolution raced with another start of the same identity.
		m.fail(request, system.CodeInvalidArgument, "process connection target already running",
			"instance_id", inst.id)
		return true
	}
	m.deliver(inst, request)
	return true
}

// existing returns the instance serving identity: an exact match, else
// the root user's instance of the same name.
func (m *Manager) existing(identity Identity) (*instance, bool) {
	r, ok := m.byIdentity[identity]
	if !ok {
		rooted := identity
		rooted.UserID = ipc.RootUserID
		r, ok = m.byIdentity[rooted]
	}
	if !ok {
		return nil, false
	}
	return m.instances.get(r)
}

// createInstance makes an instance and the pipe its application will
// serve ShellClient on. The caller hands the returned handle to a
// loader or runner.
func (m *Manager) createInstance(identity Identity, spec CapabilitySpec) (*instance, system.Handle, error) {
	shellSide, appSide, err := m.core.CreateMessagePipe()
	if err != nil {
		return nil, system.InvalidHandle, fmt.Errorf("creating shell client pipe: %w", err)
	}
	inst, err := m.createInstanceOn(identity, spec, shellSide)
	if err != nil {
		m.core.CloseHandle(appSide)
		return nil, system.InvalidHandle, err
	}
	return inst, appSide, nil
}

// createInstanceOn makes an instance around shellClient, the shell's
// end of its ShellClient pipe, and sends initialize.
func (m *Manager) createInstanceOn(identity Identity, spec CapabilitySpec, shellClient system.Handle) (*instance, error) {
	connectorShell, connectorApp, err := m.core.CreateMessagePipe()
	if err != nil {
		m.core.CloseHandle(shellClient)
		return nil, fmt.Errorf("creating connector pipe: %w", err)
	}

	m.nextID++
	if m.nextID == ipc.InvalidInstanceID {
		m.nextID++
	}
	inst := &instance{
		id:       m.nextID,
		identity: identity,
		spec:     spec,
	}
	if identity.Name == ipc.ShellName {
		inst.pid = os.Getpid()
	}
	inst.ref = m.instances.insert(inst)
	m.byIdentity[identity] = inst.ref
	m.byID[inst.id] = inst.ref

	logger := m.logger.With("instance_id", inst.id, "name", identity.Name)
	inst.shellClient = service.NewEndpoint(m.core, shellClient, logger)
	r := inst.ref
	inst.shellClient.OnDisconnect(func() {
		m.loop.Post(func() { m.instanceLost(r) })
	})
	initialize := ipc.InitializeRequest{Identity: identity, InstanceID: inst.id}
	if err := inst.shellClient.Notify(ipc.ActionInitialize, initialize, []system.Handle{connectorApp}); err != nil {
		logger.Debug("initialize not delivered", "error", err)
	}
	go inst.shellClient.Serve(m.ctx)
	m.serveConnector(inst, connectorShell)

	m.metrics.InstanceCreated()
	m.listeners.created(inst.info())
	logger.Info("application instance created", "user_id", identity.UserID, "instance_name", identity.InstanceName)
	return inst, nil
}

// deliver reports success to the caller and hands the connection to
// inst, or queues it while inst decides whether to quit.
func (m *Manager) deliver(inst *instance, request *connectRequest) {
	m.finish(request, ConnectResult{Result: system.CodeOK, UserID: inst.identity.UserID, InstanceID: inst.id})
	if inst.quit != running {
		inst.queued = append(inst.queued, request)
		return
	}
	if request.onEnd != nil {
		inst.onEnd = append(inst.onEnd, request.onEnd)
		request.onEnd = nil
	}
	granted := request.sourceSpec.Grant(inst.identity.Name, inst.spec)
	accept, handles := request.acceptRequest(granted)
	if err := inst.shellClient.Notify(ipc.ActionAcceptConnection, accept, handles); err != nil {
		m.logger.Debug("connection not delivered", "instance_id", inst.id, "error", err)
	}
}

func (m *Manager) serveConnector(inst *instance, handle system.Handle) {
	logger := m.logger.With("instance_id", inst.id, "name", inst.identity.Name)
	endpoint := service.NewEndpoint(m.core, handle, logger)
	r := inst.ref

	endpoint.Handle(ipc.ActionConnect, func(ctx context.Context, req *service.Request) (any, error) {
		return m.handleConnect(ctx, r, req)
	})
	endpoint.Handle(ipc.ActionClone, func(ctx context.Context, req *service.Request) (any, error) {
		if len(req.Handles) != 1 {
			m.closeHandles(req.Handles)
			return nil, system.Errorf(system.CodeInvalidArgument, "clone carries %d handles, want 1", len(req.Handles))
		}
		clone := req.Handles[0]
		if !m.loop.Post(func() {
			inst, ok := m.instances.get(r)
			if !ok {
				m.core.CloseHandle(clone)
				return
			}
			m.serveConnector(inst, clone)
		}) {
			m.core.CloseHandle(clone)
		}
		return nil, nil
	})
	endpoint.Handle(ipc.ActionQuit, func(ctx context.Context, req *service.Request) (any, error) {
		m.closeHandles(req.Handles)
		m.loop.Post(func() { m.requestQuit(r) })
		return nil, nil
	})
	endpoint.OnDisconnect(func() {
		m.loop.Post(func() {
			if inst, ok := m.instances.get(r); ok {
				inst.connectors = removeEndpoint(inst.connectors, endpoint)
			}
		})
	})

	inst.connectors = append(inst.connectors, endpoint)
	go endpoint.Serve(m.ctx)
}

func (m *Manager) handleConnect(ctx context.Context, source ref, req *service.Request) (any, error) {
	var wire ipc.ConnectRequest
	if err := req.Decode(&wire); err != nil {
		m.closeHandles(req.Handles)
		return nil, err
	}
	if len(req.Handles) != wire.HandleCount() {
		m.closeHandles(req.Handles)
		return ipc.ConnectResponse{Result: system.CodeInvalidArgument, UserID: ipc.InheritUserID}, nil
	}

	handles := req.Handles
	take := func(present bool) system.Handle {
		if !present {
			return system.InvalidHandle
		}
		h := handles[0]
		handles = handles[1:]
		return h
	}
	done := make(chan ConnectResult, 1)
	request := &connectRequest{
		target: wire.Target,
		remote: take(wire.HasRemoteInterfaces),
		local:  take(wire.HasLocalInterfaces),
		finish: func(result ConnectResult) { done <- result },
	}
	if wire.Process != nil {
		request.process = &processConnection{
			shellClient: take(wire.Process.HasShellClient),
			pidReceiver: take(wire.Process.HasPIDReceiver),
		}
	}

	if !m.loop.Post(func() { m.connectFromInstance(source, request) }) {
		m.closeHandles(request.handles())
		return ipc.ConnectResponse{Result: system.CodeCancelled, UserID: ipc.InheritUserID}, nil
	}
	select {
	case result := <-done:
		return ipc.ConnectResponse{Result: result.Result, UserID: result.UserID, InstanceID: result.InstanceID}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Manager) servePIDReceiver(inst *instance, handle system.Handle) {
	if inst.pidReceiver != nil {
		m.core.CloseHandle(handle)
		return
	}
	endpoint := service.NewEndpoint(m.core, handle, m.logger.With("instance_id", inst.id))
	r := inst.ref
	endpoint.Handle(ipc.ActionSetPID, func(ctx context.Context, req *service.Request) (any, error) {
		m.closeHandles(req.Handles)
		var request ipc.SetPIDRequest
		if err := req.Decode(&request); err != nil {
			return nil, err
		}
		if request.PID <= 0 {
			return nil, system.Errorf(system.CodeInvalidArgument, "pid %d", request.PID)
		}
		m.loop.Post(func() { m.pidAvailable(r, request.PID) })
		return nil, nil
	})
	inst.pidReceiver = endpoint
	go endpoint.Serve(m.ctx)
}

func (m *Manager) pidAvailable(r ref, pid int) {
	inst, ok := m.instances.get(r)
	if !ok || inst.pid == pid {
		return
	}
	inst.pid = pid
	m.listeners.pidAvailable(inst.id, pid)
}

func (m *Manager) processExited(r ref, err error) {
	inst, ok := m.instances.get(r)
	if !ok {
		return
	}
	if err != nil {
		m.logger.Warn("application process exited", "instance_id", inst.id, "name", inst.identity.Name, "error", err)
	}
	m.end(inst, "process exited")
}

// requestQuit asks the application whether it will quit. Connections
// arriving meanwhile are queued.
func (m *Manager) requestQuit(r ref) {
	inst, ok := m.instances.get(r)
	if !ok || inst.quit != running {
		return
	}
	inst.quit = quiescing
	endpoint := inst.shellClient
	timeout := m.quitTimeout
	ctx := m.ctx
	go func() {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		quit := true
		reply, err := endpoint.Call(callCtx, ipc.ActionQuitRequested, nil, nil)
		switch {
		case errors.Is(err, service.ErrDisconnected):
			// instanceLost takes it from here.
			return
		case err != nil:
			m.logger.Warn("quit question unanswered, quitting", "error", err)
		default:
			var response ipc.QuitRequestedResponse
			if err := reply.Decode(&response); err != nil {
				m.logger.Warn("bad quit answer, quitting", "error", err)
			} else {
				quit = response.Quit
			}
			m.closeHandles(reply.Handles)
		}
		m.loop.Post(func() { m.quitAnswered(r, quit) })
	}()
}

func (m *Manager) quitAnswered(r ref, quit bool) {
	inst, ok := m.instances.get(r)
	if !ok || inst.quit != quiescing {
		return
	}
	if !quit {
		inst.quit = running
		queued := inst.queued
		inst.queued = nil
		for _, request := range queued {
			m.deliver(inst, request)
		}
		return
	}
	inst.quit = quitting
	m.end(inst, "quit")
}

func (m *Manager) instanceLost(r ref) {
	inst, ok := m.instances.get(r)
	if !ok {
		return
	}
	m.end(inst, "shell client closed")
}

// end destroys inst and reissues any connections it was holding.
// They start a fresh instance, since inst is gone from the registry.
func (m *Manager) end(inst *instance, reason string) {
	queued := inst.queued
	inst.queued = nil
	m.destroy(inst, reason)
	for _, request := range queued {
		m.connect(request)
	}
}

func (m *Manager) destroy(inst *instance, reason string) {
	if !m.instances.remove(inst.ref) {
		return
	}
	if m.byIdentity[inst.identity] == inst.ref {
		delete(m.byIdentity, inst.identity)
	}
	delete(m.byID, inst.id)

	inst.shellClient.Close()
	for _, connector := range inst.connectors {
		connector.Close()
	}
	inst.connectors = nil
	if inst.pidReceiver != nil {
		inst.pidReceiver.Close()
	}

	m.metrics.InstanceDestroyed()
	m.listeners.destroyed(inst.id)
	m.logger.Info("application instance destroyed", "instance_id", inst.id, "name", inst.identity.Name, "reason", reason)

	for _, onEnd := range inst.onEnd {
		onEnd()
	}
	inst.onEnd = nil
}

func (m *Manager) addListener(handle system.Handle) {
	if m.stopping {
		m.core.CloseHandle(handle)
		return
	}
	endpoint := service.NewEndpoint(m.core, handle, m.logger)
	endpoint.OnDisconnect(func() {
		m.loop.Post(func() { m.listeners.remove(endpoint) })
	})
	if m.listeners.add(endpoint, m.roster()) {
		go endpoint.Serve(m.ctx)
	}
}

func (m *Manager) roster() []ipc.ApplicationInfo {
	roster := make([]ipc.ApplicationInfo, 0, m.instances.len())
	m.instances.each(func(_ ref, inst *instance) { roster = append(roster, inst.info()) })
	sort.Slice(roster, func(i, j int) bool { return roster[i].ID < roster[j].ID })
	return roster
}

// fail closes a request's handles and reports code to its caller.
func (m *Manager) fail(request *connectRequest, code system.Code, reason string, args ...any) {
	m.closeHandles(request.handles())
	request.remote, request.local, request.process = system.InvalidHandle, system.InvalidHandle, nil
	if reason != "" {
		m.logger.Debug("connect failed", append([]any{"target", request.target.Name, "result", code.String(), "reason", reason}, args...)...)
	}
	m.finish(request, ConnectResult{Result: code, UserID: ipc.InheritUserID})
}

func (m *Manager) finish(request *connectRequest, result ConnectResult) {
	if request.finish == nil {
		return
	}
	m.metrics.Connect(strings.ReplaceAll(result.Result.String(), " ", "_"))
	finish := request.finish
	request.finish = nil
	finish(result)
}

func (m *Manager) closeHandles(handles []system.Handle) {
	for _, h := range handles {
		if h != system.InvalidHandle {
			m.core.CloseHandle(h)
		}
	}
}

func removeEndpoint(endpoints []*service.Endpoint, endpoint *service.Endpoint) []*service.Endpoint {
	for i, e := range endpoints {
		if e == endpoint {
			return append(endpoints[:i], endpoints[i+1:]...)
		}
	}
	return endpoints
}
