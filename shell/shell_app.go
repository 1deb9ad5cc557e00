// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package shell

import (
	"context"

	"github.com/bureau-foundation/servicebus/application"
	"github.com/bureau-foundation/servicebus/lib/ipc"
	"github.com/bureau-foundation/servicebus/system"
)

// InstanceListenerClass is the capability class under which the shell
// application provides lifecycle listener registration.
const InstanceListenerClass = "instance_listener"

// shellLoader runs the shell's own application in-process. It is
// registered for ipc.ShellName before the manager starts.
type shellLoader struct {
	manager *Manager
}

func (l shellLoader) Load(ctx context.Context, name string, shellClient system.Handle) {
	m := l.manager
	app := application.New(m.core, shellClient, shellDelegate{manager: m}, m.logger.With("name", name))
	m.shellApp = app
	go func() {
		if err := app.Run(ctx); err != nil {
			m.logger.Warn("shell application ended", "error", err)
		}
	}()
}

// Spec lets the shell connect anywhere and offers listener
// registration to callers that request the class.
func (l shellLoader) Spec(name string) ipc.CapabilitySpec {
	return ipc.CapabilitySpec{
		Required: map[string]ipc.CapabilityRequest{
			Wildcard: {Classes: []string{Wildcard}, Interfaces: []string{Wildcard}},
		},
		Provided: map[string][]string{
			InstanceListenerClass: {ipc.InstanceListenerInterface},
		},
	}
}

type shellDelegate struct {
	manager *Manager
}

func (d shellDelegate) Initialize(app *application.Application) error { return nil }

func (d shellDelegate) AcceptConnection(conn *application.Connection) bool {
	conn.AddInterface(ipc.InstanceListenerInterface, d.manager.AddListener)
	return true
}
