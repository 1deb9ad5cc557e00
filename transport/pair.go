// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"fmt"
	"net"
	"os"

	"github.com/prep/socketpair"
	"golang.org/x/sys/unix"
)

// NewChannelPair returns two connected sockets for joining nodes that
// live in the same process.
func NewChannelPair() (*net.UnixConn, *net.UnixConn, error) {
	a, b, err := socketpair.New("unix")
	if err != nil {
		return nil, nil, fmt.Errorf("creating socket pair: %w", err)
	}
	ua, okA := a.(*net.UnixConn)
	ub, okB := b.(*net.UnixConn)
	if !okA || !okB {
		a.Close()
		b.Close()
		return nil, nil, fmt.Errorf("socket pair returned %T and %T", a, b)
	}
	return ua, ub, nil
}

// NewBootstrapPair returns a connected socket for the parent and the
// descriptor to pass to a child process, which reopens it with
// FileConn. The child's descriptor is not close-on-exec once dup'd
// into the child by os/exec.
func NewBootstrapPair() (*net.UnixConn, *os.File, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("socketpair: %w", err)
	}
	parentFile := os.NewFile(uintptr(fds[0]), "servicebus-bootstrap-parent")
	childFile := os.NewFile(uintptr(fds[1]), "servicebus-bootstrap-child")

	conn, err := FileConn(parentFile)
	if err != nil {
		childFile.Close()
		return nil, nil, err
	}
	return conn, childFile, nil
}

// FileConn adopts a Unix socket descriptor, closing file.
func FileConn(file *os.File) (*net.UnixConn, error) {
	defer file.Close()
	conn, err := net.FileConn(file)
	if err != nil {
		return nil, fmt.Errorf("adopting %s: %w", file.Name(), err)
	}
	unixConn, ok := conn.(*net.UnixConn)
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("%s is a %T, not a Unix socket", file.Name(), conn)
	}
	return unixConn, nil
}
