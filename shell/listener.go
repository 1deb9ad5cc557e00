// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package shell

import (
	"log/slog"
	"slices"

	"github.com/bureau-foundation/servicebus/lib/ipc"
	"github.com/bureau-foundation/servicebus/lib/service"
)

// listenerSet holds lifecycle listeners. It is confined to the
// manager's loop. A listener whose pipe fails is dropped.
type listenerSet struct {
	logger    *slog.Logger
	endpoints []*service.Endpoint
}

// add registers endpoint and sends it roster. It reports whether the
// roster was delivered.
func (s *listenerSet) add(endpoint *service.Endpoint, roster []ipc.ApplicationInfo) bool {
	if err := endpoint.Notify(ipc.ActionInstanceRoster, ipc.InstanceRoster{Instances: roster}, nil); err != nil {
		s.logger.Debug("lifecycle listener gone before roster", "error", err)
		endpoint.Close()
		return false
	}
	s.endpoints = append(s.endpoints, endpoint)
	return true
}

func (s *listenerSet) remove(endpoint *service.Endpoint) {
	s.endpoints = slices.DeleteFunc(s.endpoints, func(e *service.Endpoint) bool { return e == endpoint })
}

func (s *listenerSet) len() int { return len(s.endpoints) }

func (s *listenerSet) created(info ipc.ApplicationInfo) {
	s.broadcast(ipc.ActionInstanceCreated, info)
}

func (s *listenerSet) destroyed(id uint32) {
	s.broadcast(ipc.ActionInstanceDestroyed, ipc.InstanceDestroyed{ID: id})
}

func (s *listenerSet) pidAvailable(id uint32, pid int) {
	s.broadcast(ipc.ActionInstancePIDAvailable, ipc.InstancePIDAvailable{ID: id, PID: pid})
}

func (s *listenerSet) broadcast(action string, value any) {
	var failed []*service.Endpoint
	for _, endpoint := range s.endpoints {
		if err := endpoint.Notify(action, value, nil); err != nil {
			s.logger.Debug("dropping lifecycle listener", "action", action, "error", err)
			failed = append(failed, endpoint)
		}
	}
	for _, endpoint := range failed {
		s.remove(endpoint)
		endpoint.Close()
	}
}

func (s *listenerSet) closeAll() {
	for _, endpoint := range s.endpoints {
		endpoint.Close()
	}
	s.endpoints = nil
}
