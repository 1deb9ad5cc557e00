// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
)

// Listener accepts clients on a Unix socket path and hands each to a
// broker controller. Applications started outside the shell connect
// here instead of inheriting a bootstrap descriptor.
type Listener struct {
	listener *net.UnixListener
}

// Listen creates a listener at path, replacing a stale socket file.
func Listen(path string) (*Listener, error) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("removing stale socket %s: %w", path, err)
	}
	listener, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, err
	}
	return &Listener{listener: listener}, nil
}

// Serve accepts clients for controller until ctx is cancelled or Close
// is called. Returns nil on clean shutdown.
func (l *Listener) Serve(ctx context.Context, controller *Controller) error {
	if !controller.IsBroker() {
		return fmt.Errorf("transport: serving clients requires a broker controller")
	}
	go func() {
		<-ctx.Done()
		l.listener.Close()
	}()

	for {
		conn, err := l.listener.AcceptUnix()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		if _, err := controller.AcceptBrokerClient(conn); err != nil {
			controller.logger.Warn("rejecting client", "error", err)
		}
	}
}

// Address returns the socket path.
func (l *Listener) Address() string {
	return l.listener.Addr().String()
}

// Close stops accepting clients and removes the socket file.
func (l *Listener) Close() error {
	return l.listener.Close()
}

// Dial connects to a broker listening at path.
func Dial(ctx context.Context, path string) (*net.UnixConn, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, err
	}
	return conn.(*net.UnixConn), nil
}
