// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package application

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/bureau-foundation/servicebus/lib/config"
	"github.com/bureau-foundation/servicebus/lib/ipc"
	"github.com/bureau-foundation/servicebus/system"
	"github.com/bureau-foundation/servicebus/transport"
)

// Bootstrap joins the shell's node and returns the ShellClient handle
// the shell sent. The node is reached over the inherited descriptor,
// or by dialing the socket in SERVICEBUS_SHELL_SOCKET when that is
// set. The controller must not be a broker.
func Bootstrap(ctx context.Context, core *system.Core, controller *transport.Controller) (system.Handle, error) {
	token := os.Getenv(ipc.BootstrapTokenVariable)
	if token == "" {
		return system.InvalidHandle, fmt.Errorf("%s is not set; was this process started by a shell?", ipc.BootstrapTokenVariable)
	}
	conn, err := bootstrapConn(ctx)
	if err != nil {
		return system.InvalidHandle, err
	}
	if _, err := controller.ConnectToBroker(conn); err != nil {
		conn.Close()
		return system.InvalidHandle, fmt.Errorf("connecting to shell node: %w", err)
	}

	pipe, err := controller.CreateChildMessagePipe(token)
	if err != nil {
		return system.InvalidHandle, fmt.Errorf("creating bootstrap pipe: %w", err)
	}
	defer core.CloseHandle(pipe)

	if _, err := core.Wait(ctx, pipe, system.SignalReadable); err != nil {
		return system.InvalidHandle, fmt.Errorf("waiting for shell client handle: %w", err)
	}
	msg, err := core.ReadNextMessage(pipe)
	if err != nil {
		return system.InvalidHandle, fmt.Errorf("reading shell client handle: %w", err)
	}
	if len(msg.Handles) != 1 {
		closeHandles(core, msg.Handles)
		return system.InvalidHandle, fmt.Errorf("bootstrap message carries %d handles, want 1", len(msg.Handles))
	}
	return msg.Handles[0], nil
}

func bootstrapConn(ctx context.Context) (*net.UnixConn, error) {
	if path := os.Getenv(ipc.BootstrapSocketVariable); path != "" {
		conn, err := transport.Dial(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("dialing shell at %s: %w", path, err)
		}
		return conn, nil
	}
	fd := ipc.DefaultBootstrapFD
	if value := os.Getenv(ipc.BootstrapFDVariable); value != "" {
		parsed, err := strconv.Atoi(value)
		if err != nil || parsed < 0 {
			return nil, fmt.Errorf("invalid %s %q", ipc.BootstrapFDVariable, value)
		}
		fd = parsed
	}
	conn, err := transport.FileConn(os.NewFile(uintptr(fd), "bootstrap"))
	if err != nil {
		return nil, fmt.Errorf("adopting bootstrap descriptor %d: %w", fd, err)
	}
	return conn, nil
}

// RunMain is the body of an application executable's main: it builds
// a Core, bootstraps from the launcher's descriptor, and serves
// delegate until the shell disconnects or the process is signalled.
func RunMain(delegate Delegate, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.Default()
	if path := os.Getenv(config.EnvironmentVariable); path != "" {
		loaded, err := config.LoadFile(path)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		cfg = loaded
	}
	channelOptions, err := transport.ChannelOptionsFromConfig(cfg.Channel)
	if err != nil {
		return err
	}

	core := system.NewCore(system.Options{
		Limits: system.LimitsFromConfig(cfg.Limits),
		Logger: logger,
	})
	defer core.Close()
	controller := transport.NewController(core, transport.Options{
		Channel: channelOptions,
		Logger:  logger,
	})
	defer controller.Close()

	shellClient, err := Bootstrap(ctx, core, controller)
	if err != nil {
		return err
	}
	return New(core, shellClient, delegate, logger).Run(ctx)
}
