// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package shell

import (
	"context"
	"errors"
	"os"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/servicebus/application"
	"github.com/bureau-foundation/servicebus/launcher"
	"github.com/bureau-foundation/servicebus/lib/ipc"
	"github.com/bureau-foundation/servicebus/lib/service"
	"github.com/bureau-foundation/servicebus/lib/testutil"
	"github.com/bureau-foundation/servicebus/system"
)

const testTimeout = 5 * time.Second

// testApp is a delegate shared by every instance a loader starts. It
// offers the listed interfaces on each connection.
type testApp struct {
	interfaces []string
	apps       chan *application.Application
	accepted   chan *application.Connection
	bound      chan string

	// quitAnswer, when set, makes OnQuitRequested report on quitAsked
	// and wait for the answer.
	quitAsked  chan struct{}
	quitAnswer chan bool
}

func newTestApp(interfaces ...string) *testApp {
	return &testApp{
		interfaces: interfaces,
		apps:       make(chan *application.Application, 8),
		accepted:   make(chan *application.Connection, 8),
		bound:      make(chan string, 8),
	}
}

func (d *testApp) Initialize(app *application.Application) error {
	d.apps <- app
	return nil
}

func (d *testApp) AcceptConnection(conn *application.Connection) bool {
	for _, name := range d.interfaces {
		conn.AddInterface(name, func(h system.Handle) { d.bound <- name })
	}
	d.accepted <- conn
	return true
}

func (d *testApp) OnQuitRequested(ctx context.Context) bool {
	if d.quitAnswer == nil {
		return true
	}
	d.quitAsked <- struct{}{}
	select {
	case answer := <-d.quitAnswer:
		return answer
	case <-ctx.Done():
		return true
	}
}

type harness struct {
	t       *testing.T
	ctx     context.Context
	core    *system.Core
	manager *Manager
	shell   *application.Application
}

func startManager(t *testing.T, configure func(*Options)) *harness {
	t.Helper()
	core := system.NewCore(system.Options{Logger: testutil.Logger()})
	t.Cleanup(core.Close)

	options := Options{Core: core, Logger: testutil.Logger(), QuitTimeout: testTimeout}
	if configure != nil {
		configure(&options)
	}
	manager, err := NewManager(options)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go manager.Run(ctx)

	waitCtx, waitCancel := context.WithTimeout(ctx, testTimeout)
	defer waitCancel()
	shell, err := manager.Shell(waitCtx)
	if err != nil {
		t.Fatalf("Shell: %v", err)
	}
	return &harness{t: t, ctx: ctx, core: core, manager: manager, shell: shell}
}

func (h *harness) load(name string, spec ipc.CapabilitySpec, delegate *testApp) {
	h.manager.SetLoaderForName(name, &ApplicationLoader{
		Core:         h.core,
		NewDelegate:  func(string) application.Delegate { return delegate },
		Capabilities: spec,
		Logger:       testutil.Logger(),
	})
}

func (h *harness) connect(from *application.Application, name, userID string) (*application.Connection, error) {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(h.ctx, testTimeout)
	defer cancel()
	return from.Connect(ctx, ipc.Identity{Name: name, UserID: userID}, nil)
}

func (h *harness) mustConnect(from *application.Application, name, userID string) *application.Connection {
	h.t.Helper()
	conn, err := h.connect(from, name, userID)
	if err != nil {
		h.t.Fatalf("connect to %s: %v", name, err)
	}
	return conn
}

func (h *harness) instances() []ipc.ApplicationInfo {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(h.ctx, testTimeout)
	defer cancel()
	roster, err := h.manager.Instances(ctx)
	if err != nil {
		h.t.Fatalf("Instances: %v", err)
	}
	return roster
}

func (h *harness) instanceNamed(name string) (ipc.ApplicationInfo, bool) {
	for _, info := range h.instances() {
		if info.Name == name {
			return info, true
		}
	}
	return ipc.ApplicationInfo{}, false
}

// requirePeerClosed waits for the far end of handle to close.
func (h *harness) requirePeerClosed(handle system.Handle) {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(h.ctx, testTimeout)
	defer cancel()
	if _, err := h.core.Wait(ctx, handle, system.SignalPeerClosed); err != nil {
		h.t.Fatalf("waiting for peer close: %v", err)
	}
}

func TestCapabilityDeniedConnectHasNoSideEffect(t *testing.T) {
	h := startManager(t, nil)
	a := newTestApp()
	b := newTestApp()
	h.load("test:a", ipc.CapabilitySpec{Required: map[string]ipc.CapabilityRequest{"test:c": {}}}, a)
	h.load("test:b", ipc.CapabilitySpec{}, b)

	h.mustConnect(h.shell, "test:a", ipc.InheritUserID)
	appA := testutil.RequireReceive(t, a.apps, testTimeout, "test:a never initialized")

	_, err := h.connect(appA, "test:b", ipc.InheritUserID)
	if !errors.Is(err, system.ErrAccessDenied) {
		t.Fatalf("connect to unlisted target: err = %v, want access denied", err)
	}
	if _, ok := h.instanceNamed("test:b"); ok {
		t.Error("refused connect created an instance")
	}
}

func TestConnectValidatesTargetIdentity(t *testing.T) {
	h := startManager(t, nil)
	tests := []struct {
		name   string
		target ipc.Identity
	}{
		{name: "bad name", target: ipc.Identity{Name: "no scheme", UserID: ipc.InheritUserID}},
		{name: "bad user", target: ipc.Identity{Name: "test:b", UserID: "someone"}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(h.ctx, testTimeout)
			defer cancel()
			_, err := h.shell.Connect(ctx, test.target, nil)
			if !errors.Is(err, system.ErrInvalidArgument) {
				t.Fatalf("err = %v, want invalid argument", err)
			}
		})
	}
}

func TestGrantedInterfacesFollowProvidedClasses(t *testing.T) {
	h := startManager(t, nil)
	a := newTestApp()
	b := newTestApp("IFoo", "IBaz", "IBar")
	h.load("test:a", ipc.CapabilitySpec{Required: map[string]ipc.CapabilityRequest{
		"test:b": {Classes: []string{"foo"}},
	}}, a)
	h.load("test:b", ipc.CapabilitySpec{Provided: map[string][]string{
		"foo": {"IFoo", "IBaz"},
		"bar": {"IBar"},
	}}, b)

	h.mustConnect(h.shell, "test:a", ipc.InheritUserID)
	appA := testutil.RequireReceive(t, a.apps, testTimeout, "test:a never initialized")
	conn := h.mustConnect(appA, "test:b", ipc.InheritUserID)

	accepted := testutil.RequireReceive(t, b.accepted, testTimeout, "test:b never saw the connection")
	if !slices.Equal(accepted.Granted.Interfaces, []string{"IBaz", "IFoo"}) {
		t.Errorf("granted interfaces = %v, want [IBaz IFoo]", accepted.Granted.Interfaces)
	}
	if accepted.Remote.Name != "test:a" || accepted.RemoteID != appA.InstanceID() {
		t.Errorf("source = %+v id %d, want test:a id %d", accepted.Remote, accepted.RemoteID, appA.InstanceID())
	}

	if _, err := conn.GetInterface("IFoo"); err != nil {
		t.Fatalf("GetInterface(IFoo): %v", err)
	}
	if got := testutil.RequireReceive(t, b.bound, testTimeout, "IFoo never bound"); got != "IFoo" {
		t.Errorf("bound %q, want IFoo", got)
	}

	refused, err := conn.GetInterface("IBar")
	if err != nil {
		t.Fatalf("GetInterface(IBar): %v", err)
	}
	h.requirePeerClosed(refused)
	select {
	case name := <-b.bound:
		t.Errorf("ungranted interface %q was bound", name)
	default:
	}
}

func TestInstancesAreKeyedByUser(t *testing.T) {
	h := startManager(t, nil)
	b := newTestApp()
	h.load("test:b", ipc.CapabilitySpec{}, b)

	alice, bob := NewUserID(), NewUserID()
	first := h.mustConnect(h.shell, "test:b", alice)
	second := h.mustConnect(h.shell, "test:b", bob)
	again := h.mustConnect(h.shell, "test:b", alice)

	if first.RemoteID == second.RemoteID {
		t.Errorf("users %s and %s share instance %d", alice, bob, first.RemoteID)
	}
	if again.RemoteID != first.RemoteID {
		t.Errorf("second connect for %s got instance %d, want %d", alice, again.RemoteID, first.RemoteID)
	}
	if first.Remote.UserID != alice || second.Remote.UserID != bob {
		t.Errorf("assigned users %q and %q", first.Remote.UserID, second.Remote.UserID)
	}

	count := 0
	for _, info := range h.instances() {
		if info.Name == "test:b" {
			count++
		}
	}
	if count != 2 {
		t.Errorf("%d test:b instances, want 2", count)
	}
}

func TestRootInstanceServesEveryUser(t *testing.T) {
	h := startManager(t, nil)
	b := newTestApp()
	h.load("test:b", ipc.CapabilitySpec{}, b)

	root := h.mustConnect(h.shell, "test:b", ipc.InheritUserID)
	if root.Remote.UserID != ipc.RootUserID {
		t.Fatalf("shell's inherit resolved to %q, want root", root.Remote.UserID)
	}
	other := h.mustConnect(h.shell, "test:b", NewUserID())
	if other.RemoteID != root.RemoteID {
		t.Errorf("user connect got instance %d, want the root instance %d", other.RemoteID, root.RemoteID)
	}
}

func TestCloneConnectsAsSameInstance(t *testing.T) {
	h := startManager(t, nil)
	a := newTestApp()
	b := newTestApp()
	h.load("test:a", ipc.CapabilitySpec{Required: map[string]ipc.CapabilityRequest{
		"test:b": {Interfaces: []string{"IPing"}},
	}}, a)
	h.load("test:b", ipc.CapabilitySpec{}, b)

	h.mustConnect(h.shell, "test:a", ipc.InheritUserID)
	appA := testutil.RequireReceive(t, a.apps, testTimeout, "test:a never initialized")

	h.mustConnect(appA, "test:b", ipc.InheritUserID)
	viaOriginal := testutil.RequireReceive(t, b.accepted, testTimeout, "first connection")

	clone, err := appA.Connector().Clone()
	if err != nil {
		t.Fatalf("Clone: %v", err)
	}
	defer clone.Close()
	ctx, cancel := context.WithTimeout(h.ctx, testTimeout)
	defer cancel()
	if _, err := clone.Connect(ctx, ipc.Identity{Name: "test:b", UserID: ipc.InheritUserID}, nil); err != nil {
		t.Fatalf("connect through clone: %v", err)
	}
	viaClone := testutil.RequireReceive(t, b.accepted, testTimeout, "second connection")

	if viaClone.RemoteID != viaOriginal.RemoteID || viaClone.Remote != viaOriginal.Remote {
		t.Errorf("clone connected as %+v (%d), original as %+v (%d)",
			viaClone.Remote, viaClone.RemoteID, viaOriginal.Remote, viaOriginal.RemoteID)
	}
	if !slices.Equal(viaClone.Granted.Interfaces, viaOriginal.Granted.Interfaces) {
		t.Errorf("clone granted %v, original %v", viaClone.Granted.Interfaces, viaOriginal.Granted.Interfaces)
	}
}

func TestRefusedQuitReplaysQueuedConnections(t *testing.T) {
	h := startManager(t, nil)
	b := newTestApp()
	b.quitAsked = make(chan struct{}, 1)
	b.quitAnswer = make(chan bool, 1)
	h.load("test:b", ipc.CapabilitySpec{}, b)

	callers := []string{"test:caller1", "test:caller2"}
	var callerApps []*application.Application
	for _, name := range callers {
		caller := newTestApp()
		h.load(name, ipc.CapabilitySpec{Required: map[string]ipc.CapabilityRequest{"test:b": {}}}, caller)
		h.mustConnect(h.shell, name, ipc.InheritUserID)
		callerApps = append(callerApps, testutil.RequireReceive(t, caller.apps, testTimeout, name+" never initialized"))
	}

	first := h.mustConnect(h.shell, "test:b", ipc.InheritUserID)
	testutil.RequireReceive(t, b.accepted, testTimeout, "first connection")

	h.manager.RequestQuit(first.RemoteID)
	testutil.RequireReceive(t, b.quitAsked, testTimeout, "quit never asked")

	for i, app := range callerApps {
		queued := h.mustConnect(app, "test:b", ipc.InheritUserID)
		if queued.RemoteID != first.RemoteID {
			t.Fatalf("%s connected while quiescing to instance %d, want %d", callers[i], queued.RemoteID, first.RemoteID)
		}
	}
	select {
	case <-b.accepted:
		t.Fatal("connection delivered before the quit answer")
	case <-time.After(100 * time.Millisecond):
	}

	b.quitAnswer <- false
	for _, want := range callers {
		replayed := testutil.RequireReceive(t, b.accepted, testTimeout, "queued connection never replayed")
		if replayed.Remote.Name != want {
			t.Errorf("replayed connection from %q, want %q", replayed.Remote.Name, want)
		}
		if replayed.TargetName != "test:b" {
			t.Errorf("replayed connection targets %q", replayed.TargetName)
		}
	}
	select {
	case extra := <-b.accepted:
		t.Fatalf("connection from %q delivered twice", extra.Remote.Name)
	case <-time.After(100 * time.Millisecond):
	}
	info, ok := h.instanceNamed("test:b")
	if !ok || info.ID != first.RemoteID {
		t.Errorf("instance after refused quit = %+v, %v; want id %d", info, ok, first.RemoteID)
	}
}

func TestAcceptedQuitMovesQueuedConnectionsToNewInstance(t *testing.T) {
	h := startManager(t, nil)
	b := newTestApp()
	b.quitAsked = make(chan struct{}, 1)
	b.quitAnswer = make(chan bool, 1)
	h.load("test:b", ipc.CapabilitySpec{}, b)

	first := h.mustConnect(h.shell, "test:b", ipc.InheritUserID)
	testutil.RequireReceive(t, b.apps, testTimeout, "first instance")
	testutil.RequireReceive(t, b.accepted, testTimeout, "first connection")

	h.manager.RequestQuit(first.RemoteID)
	testutil.RequireReceive(t, b.quitAsked, testTimeout, "quit never asked")
	h.mustConnect(h.shell, "test:b", ipc.InheritUserID)

	b.quitAnswer <- true
	second := testutil.RequireReceive(t, b.apps, testTimeout, "queued connection did not start a new instance")
	testutil.RequireReceive(t, b.accepted, testTimeout, "queued connection never delivered")
	if second.InstanceID() == first.RemoteID {
		t.Errorf("replacement reused instance id %d", first.RemoteID)
	}
}

func TestUnresolvableNameFailsPrecondition(t *testing.T) {
	h := startManager(t, nil)
	_, err := h.connect(h.shell, "test:nobody", ipc.InheritUserID)
	if !errors.Is(err, system.ErrFailedPrecondition) {
		t.Fatalf("err = %v, want failed precondition", err)
	}

	fallback := newTestApp()
	h.manager.SetDefaultLoader(&ApplicationLoader{
		Core:        h.core,
		NewDelegate: func(string) application.Delegate { return fallback },
		Logger:      testutil.Logger(),
	})
	h.mustConnect(h.shell, "test:nobody", ipc.InheritUserID)
	app := testutil.RequireReceive(t, fallback.apps, testTimeout, "default loader never ran")
	if app.Identity().Name != "test:nobody" {
		t.Errorf("default loader got %q", app.Identity().Name)
	}
}

func TestListenerSeesRosterAndLifecycle(t *testing.T) {
	h := startManager(t, nil)
	watcher := newTestApp()
	b := newTestApp()
	h.load("test:watcher", ipc.CapabilitySpec{Required: map[string]ipc.CapabilityRequest{
		ipc.ShellName: {Classes: []string{InstanceListenerClass}},
		"test:b":      {},
	}}, watcher)
	h.load("test:b", ipc.CapabilitySpec{}, b)

	h.mustConnect(h.shell, "test:watcher", ipc.InheritUserID)
	app := testutil.RequireReceive(t, watcher.apps, testTimeout, "watcher never initialized")
	shellConn := h.mustConnect(app, ipc.ShellName, ipc.InheritUserID)
	listenerHandle, err := shellConn.GetInterface(ipc.InstanceListenerInterface)
	if err != nil {
		t.Fatalf("GetInterface: %v", err)
	}

	rosters := make(chan ipc.InstanceRoster, 1)
	created := make(chan ipc.ApplicationInfo, 4)
	destroyed := make(chan uint32, 4)
	listener := service.NewEndpoint(h.core, listenerHandle, testutil.Logger())
	listener.Handle(ipc.ActionInstanceRoster, func(ctx context.Context, req *service.Request) (any, error) {
		var roster ipc.InstanceRoster
		err := req.Decode(&roster)
		rosters <- roster
		return nil, err
	})
	listener.Handle(ipc.ActionInstanceCreated, func(ctx context.Context, req *service.Request) (any, error) {
		var info ipc.ApplicationInfo
		err := req.Decode(&info)
		created <- info
		return nil, err
	})
	listener.Handle(ipc.ActionInstanceDestroyed, func(ctx context.Context, req *service.Request) (any, error) {
		var gone ipc.InstanceDestroyed
		err := req.Decode(&gone)
		destroyed <- gone.ID
		return nil, err
	})
	listener.Handle(ipc.ActionInstancePIDAvailable, func(ctx context.Context, req *service.Request) (any, error) {
		return nil, nil
	})
	go listener.Serve(h.ctx)

	roster := testutil.RequireReceive(t, rosters, testTimeout, "no roster")
	var sawShell, sawWatcher bool
	for _, info := range roster.Instances {
		switch info.Name {
		case ipc.ShellName:
			sawShell = true
			if info.PID != os.Getpid() || info.UserID != ipc.RootUserID {
				t.Errorf("shell roster entry = %+v", info)
			}
		case "test:watcher":
			sawWatcher = info.ID == app.InstanceID()
		}
	}
	if !sawShell || !sawWatcher {
		t.Errorf("roster %+v is missing the shell or the watcher", roster.Instances)
	}

	h.mustConnect(app, "test:b", ipc.InheritUserID)
	info := testutil.RequireReceive(t, created, testTimeout, "no created notification")
	if info.Name != "test:b" {
		t.Errorf("created %+v, want test:b", info)
	}
	appB := testutil.RequireReceive(t, b.apps, testTimeout, "test:b never initialized")
	if err := appB.Quit(); err != nil {
		t.Fatalf("Quit: %v", err)
	}
	if id := testutil.RequireReceive(t, destroyed, testTimeout, "no destroyed notification"); id != info.ID {
		t.Errorf("destroyed %d, want %d", id, info.ID)
	}
}

func TestListenerInterfaceNeedsCapability(t *testing.T) {
	h := startManager(t, nil)
	a := newTestApp()
	h.load("test:a", ipc.CapabilitySpec{Required: map[string]ipc.CapabilityRequest{ipc.ShellName: {}}}, a)

	h.mustConnect(h.shell, "test:a", ipc.InheritUserID)
	app := testutil.RequireReceive(t, a.apps, testTimeout, "test:a never initialized")
	conn := h.mustConnect(app, ipc.ShellName, ipc.InheritUserID)
	handle, err := conn.GetInterface(ipc.InstanceListenerInterface)
	if err != nil {
		t.Fatalf("GetInterface: %v", err)
	}
	h.requirePeerClosed(handle)
}

func TestOnEndRunsWhenTargetIsDestroyed(t *testing.T) {
	h := startManager(t, nil)
	b := newTestApp()
	h.load("test:b", ipc.CapabilitySpec{}, b)

	results := make(chan ConnectResult, 1)
	ended := make(chan struct{})
	h.manager.Connect(ConnectParams{
		Target:           ipc.Identity{Name: "test:b"},
		RemoteInterfaces: system.InvalidHandle,
		LocalInterfaces:  system.InvalidHandle,
		OnEnd:            func() { close(ended) },
		Callback:         func(result ConnectResult) { results <- result },
	})
	result := testutil.RequireReceive(t, results, testTimeout, "no connect result")
	if result.Result != system.CodeOK || result.UserID != ipc.RootUserID {
		t.Fatalf("result = %+v", result)
	}

	testutil.RequireReceive(t, b.apps, testTimeout, "test:b never initialized")
	h.manager.RequestQuit(result.InstanceID)
	testutil.RequireClosed(t, ended, testTimeout, "OnEnd never ran")
}

// fakeRunner runs "executables" as in-process applications.
type fakeRunner struct {
	core     *system.Core
	delegate *testApp
	pid      int

	mu      sync.Mutex
	started []launcher.StartParams
	running sync.WaitGroup
}

func (r *fakeRunner) Start(ctx context.Context, params launcher.StartParams) (*launcher.Process, error) {
	r.mu.Lock()
	r.started = append(r.started, params)
	r.mu.Unlock()

	app := application.New(r.core, params.ShellClient, r.delegate, testutil.Logger())
	r.running.Add(1)
	go func() {
		defer r.running.Done()
		err := app.Run(ctx)
		params.OnExit(err)
	}()
	params.OnPID(r.pid)
	return nil, nil
}

func (r *fakeRunner) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.running.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *fakeRunner) KillAll() {}

func (r *fakeRunner) starts() []launcher.StartParams {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.started)
}

func TestResolvedNamesRunThroughNativeRunner(t *testing.T) {
	tools := newTestApp()
	var runner *fakeRunner
	h := startManager(t, func(options *Options) {
		runner = &fakeRunner{core: options.Core, delegate: tools, pid: 4242}
		options.Runner = runner
		options.Resolver = StaticResolver{
			"servicebus:hammer": {
				ResolvedName: "servicebus:tools",
				Executable:   "/opt/tools/bin/tools",
				Spec:         ipc.CapabilitySpec{Provided: map[string][]string{"hammer": {"IHammer"}}},
			},
		}
	})

	conn := h.mustConnect(h.shell, "servicebus:hammer", ipc.InheritUserID)
	app := testutil.RequireReceive(t, tools.apps, testTimeout, "runner never started the package")
	if app.Identity().Name != "servicebus:hammer" {
		t.Errorf("package instance named %q, want the requested name", app.Identity().Name)
	}
	starts := runner.starts()
	if len(starts) != 1 || starts[0].Path != "/opt/tools/bin/tools" {
		t.Fatalf("runner starts = %+v", starts)
	}

	deadline := time.Now().Add(testTimeout)
	for {
		info, ok := h.instanceNamed("servicebus:hammer")
		if ok && info.PID == 4242 {
			if info.ID != conn.RemoteID {
				t.Errorf("instance id %d, connection says %d", info.ID, conn.RemoteID)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("PID never recorded: %+v", info)
		}
		time.Sleep(10 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	if err := h.manager.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if _, err := h.manager.Instances(ctx); err == nil {
		t.Error("Instances succeeded after Shutdown")
	}
}

func TestExecutableWithoutRunnerIsUnimplemented(t *testing.T) {
	h := startManager(t, func(options *Options) {
		options.Resolver = StaticResolver{"servicebus:tool": {Executable: "/bin/true"}}
	})
	_, err := h.connect(h.shell, "servicebus:tool", ipc.InheritUserID)
	if !errors.Is(err, system.ErrUnimplemented) {
		t.Fatalf("err = %v, want unimplemented", err)
	}
}

func TestProcessConnection(t *testing.T) {
	child := newTestApp()
	h := startManager(t, func(options *Options) {
		options.Resolver = StaticResolver{"test:child": {}}
	})
	parent := newTestApp()
	h.load("test:parent", ipc.CapabilitySpec{Required: map[string]ipc.CapabilityRequest{"test:child": {}}}, parent)
	h.mustConnect(h.shell, "test:parent", ipc.InheritUserID)
	app := testutil.RequireReceive(t, parent.apps, testTimeout, "parent never initialized")

	ctx, cancel := context.WithTimeout(h.ctx, testTimeout)
	defer cancel()
	target := ipc.Identity{Name: "test:child", UserID: ipc.InheritUserID}

	t.Run("missing PID receiver", func(t *testing.T) {
		shellSide, childSide, err := h.core.CreateMessagePipe()
		if err != nil {
			t.Fatal(err)
		}
		defer h.core.CloseHandle(childSide)
		_, err = app.Connect(ctx, target, &application.ConnectOptions{
			Process: &application.ProcessHandles{ShellClient: shellSide, PIDReceiver: system.InvalidHandle},
		})
		if !errors.Is(err, system.ErrInvalidArgument) {
			t.Fatalf("err = %v, want invalid argument", err)
		}
	})

	t.Run("complete", func(t *testing.T) {
		shellSide, childSide, err := h.core.CreateMessagePipe()
		if err != nil {
			t.Fatal(err)
		}
		pidLocal, pidRemote, err := h.core.CreateMessagePipe()
		if err != nil {
			t.Fatal(err)
		}
		go application.New(h.core, childSide, child, testutil.Logger()).Run(h.ctx)

		conn, err := app.Connect(ctx, target, &application.ConnectOptions{
			Process: &application.ProcessHandles{ShellClient: shellSide, PIDReceiver: pidRemote},
		})
		if err != nil {
			t.Fatalf("Connect: %v", err)
		}
		childApp := testutil.RequireReceive(t, child.apps, testTimeout, "child never initialized")
		if childApp.InstanceID() != conn.RemoteID {
			t.Errorf("child instance %d, connection says %d", childApp.InstanceID(), conn.RemoteID)
		}
		testutil.RequireReceive(t, child.accepted, testTimeout, "child never saw the parent")

		pids := service.NewEndpoint(h.core, pidLocal, testutil.Logger())
		go pids.Serve(h.ctx)
		if _, err := pids.Call(ctx, ipc.ActionSetPID, ipc.SetPIDRequest{PID: 777}, nil); err != nil {
			t.Fatalf("set_pid: %v", err)
		}
		testutil.Eventually(t, testTimeout, func() bool {
			info, ok := h.instanceNamed("test:child")
			return ok && info.PID == 777
		}, "PID from the receiver recorded")
	})

	t.Run("collision", func(t *testing.T) {
		shellSide, childSide, err := h.core.CreateMessagePipe()
		if err != nil {
			t.Fatal(err)
		}
		defer h.core.CloseHandle(childSide)
		pidLocal, pidRemote, err := h.core.CreateMessagePipe()
		if err != nil {
			t.Fatal(err)
		}
		defer h.core.CloseHandle(pidLocal)
		_, err = app.Connect(ctx, target, &application.ConnectOptions{
			Process: &application.ProcessHandles{ShellClient: shellSide, PIDReceiver: pidRemote},
		})
		if !errors.Is(err, system.ErrInvalidArgument) {
			t.Fatalf("err = %v, want invalid argument", err)
		}
	})
}

func TestProcessConnectionCollidesWithRootInstance(t *testing.T) {
	h := startManager(t, nil)
	child := newTestApp()
	h.load("test:child", ipc.CapabilitySpec{}, child)
	h.mustConnect(h.shell, "test:child", ipc.RootUserID)
	testutil.RequireReceive(t, child.apps, testTimeout, "root child never initialized")
	testutil.RequireReceive(t, child.accepted, testTimeout, "root child never saw the shell")

	parent := newTestApp()
	h.load("test:parent", ipc.CapabilitySpec{Required: map[string]ipc.CapabilityRequest{"test:child": {}}}, parent)
	h.mustConnect(h.shell, "test:parent", NewUserID())
	app := testutil.RequireReceive(t, parent.apps, testTimeout, "parent never initialized")

	shellSide, childSide, err := h.core.CreateMessagePipe()
	if err != nil {
		t.Fatal(err)
	}
	defer h.core.CloseHandle(childSide)
	pidLocal, pidRemote, err := h.core.CreateMessagePipe()
	if err != nil {
		t.Fatal(err)
	}
	defer h.core.CloseHandle(pidLocal)

	ctx, cancel := context.WithTimeout(h.ctx, testTimeout)
	defer cancel()
	_, err = app.Connect(ctx, ipc.Identity{Name: "test:child", UserID: ipc.InheritUserID}, &application.ConnectOptions{
		Process: &application.ProcessHandles{ShellClient: shellSide, PIDReceiver: pidRemote},
	})
	testutil.RequireErrorIs(t, err, system.ErrInvalidArgument, "process connection onto the root instance")
	select {
	case conn := <-child.accepted:
		t.Fatalf("root child accepted a connection from %q", conn.Remote.Name)
	case <-time.After(100 * time.Millisecond):
	}
	count := 0
	for _, info := range h.instances() {
		if info.Name == "test:child" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("%d test:child instances, want 1", count)
	}
}

func TestFailedConnectReportsInheritUser(t *testing.T) {
	h := startManager(t, nil)
	results := make(chan ConnectResult, 1)
	h.manager.Connect(ConnectParams{
		Target:           Identity{Name: "test:nobody", UserID: NewUserID()},
		RemoteInterfaces: system.InvalidHandle,
		LocalInterfaces:  system.InvalidHandle,
		Callback:         func(result ConnectResult) { results <- result },
	})
	result := testutil.RequireReceive(t, results, testTimeout, "connect never finished")
	if result.Result != system.CodeFailedPrecondition {
		t.Errorf("result = %v, want failed precondition", result.Result)
	}
	if result.UserID != ipc.InheritUserID || result.InstanceID != 0 {
		t.Errorf("failed connect reported user %q instance %d", result.UserID, result.InstanceID)
	}
}
