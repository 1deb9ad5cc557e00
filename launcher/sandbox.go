// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package launcher

import (
	"fmt"
	"os"
)

// SandboxProfile describes the bubblewrap environment of a sandboxed
// child. The zero profile shares nothing but a read-only root.
type SandboxProfile struct {
	// ShareNetwork keeps the host network namespace.
	ShareNetwork bool

	// ReadOnlyBinds are host paths visible read-only at the same path.
	// Missing paths are skipped.
	ReadOnlyBinds []string

	// WritableBinds are host paths visible read-write at the same path.
	WritableBinds []string
}

// DefaultSandboxProfile exposes the system directories a dynamically
// linked executable needs.
func DefaultSandboxProfile() SandboxProfile {
	return SandboxProfile{
		ReadOnlyBinds: []string{"/usr", "/lib", "/lib64", "/bin", "/etc"},
	}
}

// bwrapArgs builds the bubblewrap arguments that run command under
// profile. The executable itself is bound read-only so it need not lie
// under one of the profile's binds.
func bwrapArgs(profile SandboxProfile, command []string) ([]string, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("command is required")
	}

	args := []string{"--unshare-all", "--die-with-parent", "--new-session"}
	if profile.ShareNetwork {
		args = append(args, "--share-net")
	}
	args = append(args, "--proc", "/proc", "--dev", "/dev", "--tmpfs", "/tmp")

	for _, path := range profile.ReadOnlyBinds {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue
		}
		args = append(args, "--ro-bind", path, path)
	}
	for _, path := range profile.WritableBinds {
		args = append(args, "--bind", path, path)
	}
	args = append(args, "--ro-bind", command[0], command[0])

	args = append(args, "--")
	args = append(args, command...)
	return args, nil
}
