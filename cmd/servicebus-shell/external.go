// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/bureau-foundation/servicebus/lib/ipc"
	"github.com/bureau-foundation/servicebus/shell"
	"github.com/bureau-foundation/servicebus/system"
	"github.com/bureau-foundation/servicebus/transport"
)

type externalParams struct {
	name       string
	core       *system.Core
	controller *transport.Controller
	manager    *shell.Manager
	resolver   shell.Resolver
	tokenDir   string
	socket     string
	logger     *slog.Logger
}

// issueExternal reserves an instance for an application that will be
// started by someone else. The shell creates the instance at once; the
// application's ShellClient pipe waits at the far end of a bootstrap
// pipe named by a fresh token until the process dials in with it.
//
// The token is written to <tokenDir>/<host>.token, readable only by
// the shell's user.
func issueExternal(ctx context.Context, p externalParams) error {
	name, err := shell.ParseName(p.name)
	if err != nil {
		return fmt.Errorf("--external: %w", err)
	}

	spec := ipc.CapabilitySpec{}
	response, err := p.resolver.Resolve(ctx, p.name)
	switch {
	case err == nil:
		spec = response.Spec
	case errors.Is(err, shell.ErrNotFound):
		p.logger.Warn("external application has no manifest; it may connect nowhere", "name", p.name)
	default:
		return fmt.Errorf("resolving %s: %w", p.name, err)
	}

	token := uuid.NewString()
	bootstrap, err := p.controller.CreateParentMessagePipe(token)
	if err != nil {
		return fmt.Errorf("creating bootstrap pipe for %s: %w", p.name, err)
	}
	defer p.core.CloseHandle(bootstrap)

	shellSide, appSide, err := p.core.CreateMessagePipe()
	if err != nil {
		p.controller.ForgetToken(token)
		return err
	}
	if err := p.core.WriteMessage(bootstrap, nil, []system.Handle{appSide}); err != nil {
		p.core.CloseHandle(appSide)
		p.core.CloseHandle(shellSide)
		p.controller.ForgetToken(token)
		return fmt.Errorf("queueing shell client for %s: %w", p.name, err)
	}
	identity := ipc.Identity{Name: p.name, UserID: ipc.RootUserID}
	if err := p.manager.CreateInstanceForHandle(identity, spec, shellSide, system.InvalidHandle); err != nil {
		p.controller.ForgetToken(token)
		return fmt.Errorf("creating instance for %s: %w", p.name, err)
	}

	tokenPath := filepath.Join(p.tokenDir, tokenFileName(name))
	if err := os.WriteFile(tokenPath, []byte(token+"\n"), 0o600); err != nil {
		return fmt.Errorf("writing join token: %w", err)
	}
	p.logger.Info("external application slot ready",
		"name", p.name,
		"token_file", tokenPath,
		"join", fmt.Sprintf("%s=%s %s=$(cat %s)", ipc.BootstrapSocketVariable, p.socket, ipc.BootstrapTokenVariable, tokenPath),
	)
	return nil
}

func tokenFileName(name shell.Name) string {
	return strings.NewReplacer("/", "_", ":", "_").Replace(name.Base()) + ".token"
}
