// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"

	"github.com/bureau-foundation/servicebus/application"
	"github.com/bureau-foundation/servicebus/lib/ipc"
	"github.com/bureau-foundation/servicebus/lib/service"
	"github.com/bureau-foundation/servicebus/system"
)

// PingInterface is the interface name the test app offers.
const PingInterface = "servicebus.test.Ping"

type pingResponse struct {
	Name       string `cbor:"name"`
	UserID     string `cbor:"user_id"`
	InstanceID uint32 `cbor:"instance_id"`
	Caller     string `cbor:"caller"`
}

type connectRequest struct {
	Name string `cbor:"name"`
}

type connectResponse struct {
	Result     system.Code `cbor:"result"`
	InstanceID uint32      `cbor:"instance_id,omitempty"`
}

type pingApp struct {
	connectTo  []string
	refuseQuit bool
	app        *application.Application
}

func (p *pingApp) Initialize(app *application.Application) error {
	p.app = app
	for _, name := range p.connectTo {
		go p.connectOnward(name)
	}
	return nil
}

func (p *pingApp) connectOnward(name string) {
	conn, err := p.app.Connect(context.Background(), ipc.Identity{Name: name, UserID: ipc.InheritUserID}, nil)
	if err != nil {
		p.app.Logger().Warn("connect failed", "target", name, "error", err)
		return
	}
	p.app.Logger().Info("connected", "target", name, "instance_id", conn.RemoteID)
}

func (p *pingApp) AcceptConnection(conn *application.Connection) bool {
	caller := conn.Remote.Name
	conn.AddInterface(PingInterface, func(h system.Handle) {
		p.servePing(h, caller)
	})
	return true
}

func (p *pingApp) OnQuitRequested(ctx context.Context) bool {
	return !p.refuseQuit
}

func (p *pingApp) servePing(h system.Handle, caller string) {
	endpoint := service.NewEndpoint(p.app.Core(), h, p.app.Logger())
	endpoint.Handle("ping", func(ctx context.Context, req *service.Request) (any, error) {
		identity := p.app.Identity()
		return pingResponse{
			Name:       identity.Name,
			UserID:     identity.UserID,
			InstanceID: p.app.InstanceID(),
			Caller:     caller,
		}, nil
	})
	endpoint.Handle("connect", func(ctx context.Context, req *service.Request) (any, error) {
		var request connectRequest
		if err := req.Decode(&request); err != nil {
			return nil, err
		}
		conn, err := p.app.Connect(ctx, ipc.Identity{Name: request.Name, UserID: ipc.InheritUserID}, nil)
		if err != nil {
			code := system.CodeOf(err)
			if code == system.CodeUnknown {
				return nil, fmt.Errorf("connecting to %s: %w", request.Name, err)
			}
			return connectResponse{Result: code}, nil
		}
		return connectResponse{Result: system.CodeOK, InstanceID: conn.RemoteID}, nil
	})
	go endpoint.Serve(context.Background())
}
