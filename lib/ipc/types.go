// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ipc

import "github.com/bureau-foundation/servicebus/system"

// Distinguished user IDs. Ordinary user IDs are random GUIDs.
const (
	// RootUserID owns the shell and applications started on behalf of
	// nobody in particular.
	RootUserID = "505c0ee9-3013-43c0-82b0-a84f50cf8d84"

	// InheritUserID in a connect target means "the caller's user".
	InheritUserID = "d26290e4-4485-4eae-81a2-66d1eeb40a9d"
)

// ShellName is the name of the shell's own application.
const ShellName = "servicebus:shell"

// InstanceListenerInterface is the interface, requested from
// ShellName, whose pipe becomes a lifecycle listener.
const InstanceListenerInterface = "servicebus.InstanceListener"

// Actions of the ShellClient protocol, served by applications.
const (
	ActionInitialize       = "initialize"
	ActionAcceptConnection = "accept_connection"
	ActionQuitRequested    = "quit_requested"
)

// Actions of the Connector protocol, served by the shell. Quit asks the
// shell to end the calling instance.
const (
	ActionConnect = "connect"
	ActionClone   = "clone"
	ActionQuit    = "quit"
)

// ActionSetPID is sent on a PID receiver pipe.
const ActionSetPID = "set_pid"

// ActionGetInterface is served on interface provider pipes.
const ActionGetInterface = "get_interface"

// Lifecycle listener notifications, sent by the shell.
const (
	ActionInstanceRoster       = "instance_roster"
	ActionInstanceCreated      = "instance_created"
	ActionInstanceDestroyed    = "instance_destroyed"
	ActionInstancePIDAvailable = "instance_pid_available"
)

// ActionResolve is served by pluggable resolvers.
const ActionResolve = "resolve"

// Identity names an application instance. Two instances with the same
// name but different users or instance names are distinct.
type Identity struct {
	Name         string `cbor:"name"`
	UserID       string `cbor:"user_id"`
	InstanceName string `cbor:"instance_name,omitempty"`
}

// CapabilityRequest is what a caller may ask of one target: every
// interface of the listed classes, plus the listed interfaces.
type CapabilityRequest struct {
	Classes    []string `cbor:"classes,omitempty"`
	Interfaces []string `cbor:"interfaces,omitempty"`
}

// CapabilitySpec declares what an application needs and offers.
type CapabilitySpec struct {
	// Required maps a target name, or "*" for any target, to what may
	// be requested of it.
	Required map[string]CapabilityRequest `cbor:"required,omitempty"`

	// Provided maps a class name to the interfaces it comprises.
	Provided map[string][]string `cbor:"provided,omitempty"`
}

// ApplicationInfo describes a running instance to lifecycle listeners.
type ApplicationInfo struct {
	ID           uint32 `cbor:"id"`
	Name         string `cbor:"name"`
	UserID       string `cbor:"user_id"`
	InstanceName string `cbor:"instance_name,omitempty"`
	PID          int    `cbor:"pid,omitempty"`
}

// InitializeRequest is the first call on a ShellClient. One handle
// accompanies it: the application's Connector pipe.
type InitializeRequest struct {
	Identity   Identity `cbor:"identity"`
	InstanceID uint32   `cbor:"instance_id"`
}

// AcceptConnectionRequest delivers an inbound connection. Handles, in
// order: the interface provider the application serves to the caller
// when HasRemoteInterfaces, then the caller's own interface provider
// when HasLocalInterfaces.
type AcceptConnectionRequest struct {
	Source     Identity          `cbor:"source"`
	SourceID   uint32            `cbor:"source_id"`
	TargetName string            `cbor:"target_name"`
	Granted    CapabilityRequest `cbor:"granted"`

	HasRemoteInterfaces bool `cbor:"has_remote_interfaces,omitempty"`
	HasLocalInterfaces  bool `cbor:"has_local_interfaces,omitempty"`
}

// QuitRequestedResponse answers ActionQuitRequested. Quit false asks the
// shell to keep the instance.
type QuitRequestedResponse struct {
	Quit bool `cbor:"quit"`
}

// ConnectRequest asks the shell to connect the caller to Target.
// Handles, in order: the interface provider request when
// HasRemoteInterfaces, the caller's interface provider when
// HasLocalInterfaces, then the ShellClient and PID receiver pipes of a
// caller-launched process when Process is set.
type ConnectRequest struct {
	Target Identity `cbor:"target"`

	HasRemoteInterfaces bool `cbor:"has_remote_interfaces,omitempty"`
	HasLocalInterfaces  bool `cbor:"has_local_interfaces,omitempty"`

	Process *ProcessConnection `cbor:"process,omitempty"`
}

// ProcessConnection says which pipes of a caller-launched process
// accompany a ConnectRequest. Both are required.
type ProcessConnection struct {
	HasShellClient bool `cbor:"has_shell_client"`
	HasPIDReceiver bool `cbor:"has_pid_receiver"`
}

// HandleCount returns the number of handles the request carries.
func (r ConnectRequest) HandleCount() int {
	n := 0
	for _, present := range []bool{r.HasRemoteInterfaces, r.HasLocalInterfaces} {
		if present {
			n++
		}
	}
	if r.Process != nil {
		if r.Process.HasShellClient {
			n++
		}
		if r.Process.HasPIDReceiver {
			n++
		}
	}
	return n
}

// ConnectResponse reports the outcome of a connect. InstanceID is
// InvalidInstanceID unless Result is ok.
type ConnectResponse struct {
	Result     system.Code `cbor:"result"`
	UserID     string      `cbor:"user_id,omitempty"`
	InstanceID uint32      `cbor:"instance_id"`
}

// InvalidInstanceID is never assigned to an instance.
const InvalidInstanceID uint32 = 0

// SetPIDRequest reports the process ID of a caller-launched process.
type SetPIDRequest struct {
	PID int `cbor:"pid"`
}

// GetInterfaceRequest binds the accompanying pipe to the named
// interface.
type GetInterfaceRequest struct {
	Name string `cbor:"name"`
}

// InstanceRoster is delivered to a new listener.
type InstanceRoster struct {
	Instances []ApplicationInfo `cbor:"instances"`
}

// InstanceDestroyed and InstancePIDAvailable identify the instance by
// ID; InstanceCreated carries a full ApplicationInfo.
type InstanceDestroyed struct {
	ID uint32 `cbor:"id"`
}

type InstancePIDAvailable struct {
	ID  uint32 `cbor:"id"`
	PID int    `cbor:"pid"`
}

// ResolveRequest asks a resolver about a name.
type ResolveRequest struct {
	Name string `cbor:"name"`
}

// ResolveResponse is what a resolver knows about a name. Executable is
// empty for names served by a loader. A ResolvedName different from
// the requested name is a package redirect: the requested name is
// served by the package's executable.
type ResolveResponse struct {
	ResolvedName     string         `cbor:"resolved_name"`
	ResolvedInstance string         `cbor:"resolved_instance,omitempty"`
	Spec             CapabilitySpec `cbor:"spec"`
	Executable       string         `cbor:"executable,omitempty"`
	ProcessGroup     string         `cbor:"process_group,omitempty"`
	Sandboxed        bool           `cbor:"sandboxed,omitempty"`
}
