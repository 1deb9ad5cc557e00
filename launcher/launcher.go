// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package launcher

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"slices"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/servicebus/lib/ipc"
	"github.com/bureau-foundation/servicebus/lib/metrics"
	"github.com/bureau-foundation/servicebus/system"
	"github.com/bureau-foundation/servicebus/transport"
)

// Options configures a Launcher.
type Options struct {
	// SandboxWrapper is the bubblewrap binary. Empty refuses sandboxed
	// starts.
	SandboxWrapper string
	Sandbox        SandboxProfile

	// Env is appended to the launcher's own environment for every
	// child.
	Env []string

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// StartParams describes one child.
type StartParams struct {
	Path      string
	Args      []string
	Sandboxed bool

	// ShellClient is the handle the child receives. The launcher
	// takes it whether or not Start succeeds.
	ShellClient system.Handle

	// OnPID is called once the child is running. OnExit is called
	// when it exits, with the error from exec.Cmd.Wait. Both are
	// called from launcher goroutines.
	OnPID  func(pid int)
	OnExit func(err error)
}

// Launcher starts children on behalf of a broker node.
type Launcher struct {
	core       *system.Core
	controller *transport.Controller
	options    Options
	logger     *slog.Logger

	mu        sync.Mutex
	processes map[int]*Process
}

// New creates a Launcher whose children join controller's node, which
// must be a broker.
func New(core *system.Core, controller *transport.Controller, options Options) (*Launcher, error) {
	if !controller.IsBroker() {
		return nil, fmt.Errorf("launcher: controller is not a broker")
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Launcher{
		core:       core,
		controller: controller,
		options:    options,
		logger:     logger,
		processes:  make(map[int]*Process),
	}, nil
}

// Process is a running child.
type Process struct {
	cmd  *exec.Cmd
	pid  int
	done chan struct{}
	err  error
}

// PID returns the child's process ID.
func (p *Process) PID() int { return p.pid }

// Done is closed when the child has exited.
func (p *Process) Done() <-chan struct{} { return p.done }

// Err returns the exit error. It is only meaningful after Done.
func (p *Process) Err() error { return p.err }

// Signal sends sig to the child's process group.
func (p *Process) Signal(sig syscall.Signal) error {
	return unix.Kill(-p.pid, sig)
}

// Start launches a child and sends it params.ShellClient. Ending ctx
// kills the child's process group.
func (l *Launcher) Start(ctx context.Context, params StartParams) (*Process, error) {
	if params.Sandboxed && l.options.SandboxWrapper == "" {
		l.core.CloseHandle(params.ShellClient)
		return nil, system.Errorf(system.CodeUnimplemented, "sandboxed start of %s: no sandbox wrapper configured", params.Path)
	}
	command := append([]string{params.Path}, params.Args...)
	if params.Sandboxed {
		args, err := bwrapArgs(l.options.Sandbox, command)
		if err != nil {
			l.core.CloseHandle(params.ShellClient)
			return nil, err
		}
		command = append([]string{l.options.SandboxWrapper}, args...)
	}

	parentConn, childFile, err := transport.NewBootstrapPair()
	if err != nil {
		l.core.CloseHandle(params.ShellClient)
		return nil, err
	}
	defer childFile.Close()

	channel, err := l.controller.AcceptBrokerClient(parentConn)
	if err != nil {
		parentConn.Close()
		l.core.CloseHandle(params.ShellClient)
		return nil, fmt.Errorf("attaching bootstrap channel: %w", err)
	}

	token := uuid.NewString()
	pipe, err := l.controller.CreateParentMessagePipe(token)
	if err != nil {
		channel.Close()
		l.core.CloseHandle(params.ShellClient)
		return nil, fmt.Errorf("creating bootstrap pipe: %w", err)
	}
	err = l.core.WriteMessage(pipe, nil, []system.Handle{params.ShellClient})
	l.core.CloseHandle(pipe)
	if err != nil {
		l.controller.ForgetToken(token)
		channel.Close()
		return nil, fmt.Errorf("sending shell client handle: %w", err)
	}

	cmd := exec.CommandContext(ctx, command[0], command[1:]...)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{childFile}
	cmd.Env = slices.DeleteFunc(os.Environ(), func(variable string) bool {
		return strings.HasPrefix(variable, ipc.BootstrapSocketVariable+"=")
	})
	cmd.Env = append(cmd.Env, l.options.Env...)
	cmd.Env = append(cmd.Env,
		ipc.BootstrapFDVariable+"="+strconv.Itoa(ipc.DefaultBootstrapFD),
		ipc.BootstrapTokenVariable+"="+token,
	)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}
	// Cancel kills the whole group, not just the leader.
	cmd.Cancel = func() error {
		return unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
	}

	if err := cmd.Start(); err != nil {
		l.controller.ForgetToken(token)
		channel.Close()
		return nil, fmt.Errorf("starting %s: %w", params.Path, err)
	}

	process := &Process{cmd: cmd, pid: cmd.Process.Pid, done: make(chan struct{})}
	l.mu.Lock()
	l.processes[process.pid] = process
	l.mu.Unlock()
	l.options.Metrics.ProcessStarted()
	l.logger.Info("started application process",
		"path", params.Path,
		"pid", process.pid,
		"sandboxed", params.Sandboxed,
	)
	if params.OnPID != nil {
		params.OnPID(process.pid)
	}

	go func() {
		process.err = cmd.Wait()
		l.mu.Lock()
		delete(l.processes, process.pid)
		l.mu.Unlock()
		l.options.Metrics.ProcessExited(process.err == nil)
		if process.err != nil {
			l.logger.Warn("application process exited", "path", params.Path, "pid", process.pid, "error", process.err)
		} else {
			l.logger.Info("application process exited", "path", params.Path, "pid", process.pid)
		}
		// A grandchild may still hold the child's end.
		channel.Close()
		close(process.done)
		if params.OnExit != nil {
			params.OnExit(process.err)
		}
	}()
	return process, nil
}

// Running returns the number of children that have not exited.
func (l *Launcher) Running() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.processes)
}

// Wait blocks until every child started so far has exited or ctx ends.
func (l *Launcher) Wait(ctx context.Context) error {
	l.mu.Lock()
	pending := make([]*Process, 0, len(l.processes))
	for _, process := range l.processes {
		pending = append(pending, process)
	}
	l.mu.Unlock()

	for _, process := range pending {
		select {
		case <-process.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// KillAll sends SIGKILL to every remaining child's process group.
func (l *Launcher) KillAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for pid, process := range l.processes {
		if err := process.Signal(syscall.SIGKILL); err != nil {
			l.logger.Debug("killing application process", "pid", pid, "error", err)
		}
	}
}
