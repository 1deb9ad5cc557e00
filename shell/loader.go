// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package shell

import (
	"context"
	"log/slog"

	"github.com/bureau-foundation/servicebus/application"
	"github.com/bureau-foundation/servicebus/lib/ipc"
	"github.com/bureau-foundation/servicebus/launcher"
	"github.com/bureau-foundation/servicebus/system"
)

// Loader starts an application for name, serving ShellClient on
// shellClient. Load owns shellClient and must not block; it is called
// on the manager's loop. ctx ends when the manager stops.
type Loader interface {
	Load(ctx context.Context, name string, shellClient system.Handle)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(ctx context.Context, name string, shellClient system.Handle)

func (f LoaderFunc) Load(ctx context.Context, name string, shellClient system.Handle) {
	f(ctx, name, shellClient)
}

// SpecProvider is implemented by loaders that know the capability spec
// of what they load. Instances started by other loaders get
// PermissiveSpec.
type SpecProvider interface {
	Spec(name string) ipc.CapabilitySpec
}

// ApplicationLoader runs applications in-process, on the manager's
// Core, one goroutine per instance.
type ApplicationLoader struct {
	Core         *system.Core
	NewDelegate  func(name string) application.Delegate
	Capabilities ipc.CapabilitySpec
	Logger       *slog.Logger
}

func (l *ApplicationLoader) Load(ctx context.Context, name string, shellClient system.Handle) {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	app := application.New(l.Core, shellClient, l.NewDelegate(name), logger)
	go func() {
		if err := app.Run(ctx); err != nil {
			logger.Warn("in-process application ended", "name", name, "error", err)
		}
	}()
}

func (l *ApplicationLoader) Spec(name string) ipc.CapabilitySpec { return l.Capabilities }

// NativeRunner starts executables. *launcher.Launcher implements it.
type NativeRunner interface {
	Start(ctx context.Context, params launcher.StartParams) (*launcher.Process, error)
	// Wait blocks until every started process has exited or ctx ends.
	Wait(ctx context.Context) error
	KillAll()
}

var _ NativeRunner = (*launcher.Launcher)(nil)
