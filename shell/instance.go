// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package shell

import (
	"github.com/bureau-foundation/servicebus/lib/ipc"
	"github.com/bureau-foundation/servicebus/lib/service"
	"github.com/bureau-foundation/servicebus/system"
)

type quitState int

const (
	// running instances receive connections as they arrive.
	running quitState = iota
	// quiescing instances have been asked whether they will quit;
	// connections queue until they answer.
	quiescing
	// quitting instances agreed and are being destroyed.
	quitting
)

// instance is the shell's record of one application instance. It is
// confined to the manager's loop.
type instance struct {
	ref      ref
	id       uint32
	identity Identity
	spec     CapabilitySpec
	pid      int

	shellClient *service.Endpoint
	connectors  []*service.Endpoint
	pidReceiver *service.Endpoint

	onEnd  []func()
	quit   quitState
	queued []*connectRequest
}

func (inst *instance) info() ipc.ApplicationInfo {
	return ipc.ApplicationInfo{
		ID:           inst.id,
		Name:         inst.identity.Name,
		UserID:       inst.identity.UserID,
		InstanceName: inst.identity.InstanceName,
		PID:          inst.pid,
	}
}

// processConnection is a child process the caller started itself.
type processConnection struct {
	shellClient system.Handle
	pidReceiver system.Handle
}

// connectRequest is one connection on its way to a target instance.
type connectRequest struct {
	source     Identity
	sourceID   uint32
	sourceSpec CapabilitySpec

	target  Identity
	remote  system.Handle
	local   system.Handle
	process *processConnection
	onEnd   func()

	// finish reports the result to the caller. The manager calls it
	// at most once and clears it.
	finish func(ConnectResult)
}

func (r *connectRequest) handles() []system.Handle {
	handles := []system.Handle{r.remote, r.local}
	if r.process != nil {
		handles = append(handles, r.process.shellClient, r.process.pidReceiver)
	}
	return handles
}

func (r *connectRequest) acceptRequest(granted ipc.CapabilityRequest) (ipc.AcceptConnectionRequest, []system.Handle) {
	request := ipc.AcceptConnectionRequest{
		Source:              r.source,
		SourceID:            r.sourceID,
		TargetName:          r.target.Name,
		Granted:             granted,
		HasRemoteInterfaces: r.remote != system.InvalidHandle,
		HasLocalInterfaces:  r.local != system.InvalidHandle,
	}
	var handles []system.Handle
	for _, h := range []system.Handle{r.remote, r.local} {
		if h != system.InvalidHandle {
			handles = append(handles, h)
		}
	}
	r.remote, r.local = system.InvalidHandle, system.InvalidHandle
	return request, handles
}

// ConnectResult is reported to the caller of a connect.
type ConnectResult struct {
	Result     system.Code
	UserID     string
	InstanceID uint32
}
