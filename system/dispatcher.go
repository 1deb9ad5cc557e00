// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package system

import (
	"fmt"
	"os"

	"github.com/bureau-foundation/servicebus/ports"
)

type dispatcherKind uint8

const (
	kindMessagePipe dispatcherKind = iota + 1
	kindDataPipeProducer
	kindDataPipeConsumer
	kindSharedBuffer
	kindPlatformHandle
)

func (k dispatcherKind) String() string {
	switch k {
	case kindMessagePipe:
		return "message_pipe"
	case kindDataPipeProducer:
		return "data_pipe_producer"
	case kindDataPipeConsumer:
		return "data_pipe_consumer"
	case kindSharedBuffer:
		return "shared_buffer"
	case kindPlatformHandle:
		return "platform_handle"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// dispatcher is the endpoint behind a handle.
//
// Moving an endpoint into a message is a three-step protocol run by
// WriteMessage. beginTransit is called with the handle table locked
// and, if it succeeds, leaves the dispatcher locked. Exactly one of
// endTransit or cancelTransit follows and unlocks it. After endTransit
// the dispatcher is dead and its resources belong to the message.
type dispatcher interface {
	kind() dispatcherKind

	// addWaiter registers w unless the current state already decides
	// the wait, in which case it reports done with the result.
	addWaiter(w *waiter) (state SignalsState, done bool, err error)
	removeWaiter(w *waiter)

	close()

	beginTransit() error
	endTransit(t *transitWriter) handleDescriptor
	cancelTransit()
}

// portObserver is stored as port user data so the Core can route
// status changes to the owning dispatcher.
type portObserver interface {
	onPortStatusChanged()
}

// envelope is the payload of every user message on a message pipe.
type envelope struct {
	Data    []byte             `cbor:"data"`
	Handles []handleDescriptor `cbor:"handles,omitempty"`
}

// handleDescriptor describes one carried endpoint. Port and File index
// into the event's port list and the message's file list.
type handleDescriptor struct {
	Kind dispatcherKind `cbor:"kind"`
	Port int            `cbor:"port,omitempty"`
	File int            `cbor:"file,omitempty"`

	// Data pipe ends.
	ElementSize int  `cbor:"element_size,omitempty"`
	Capacity    int  `cbor:"capacity,omitempty"`
	Offset      int  `cbor:"offset,omitempty"`
	Count       int  `cbor:"count,omitempty"`
	PeerClosed  bool `cbor:"peer_closed,omitempty"`
}

// transitWriter collects the ports and files of endpoints being
// written into one message.
type transitWriter struct {
	ports []ports.PortName
	files []*os.File
}

func (t *transitWriter) addPort(name ports.PortName) int {
	t.ports = append(t.ports, name)
	return len(t.ports) - 1
}

func (t *transitWriter) addFile(file *os.File) int {
	t.files = append(t.files, file)
	return len(t.files) - 1
}

// transitReader hands out the ports and files of a received message to
// the endpoints rebuilt from it. Whatever is not claimed is released.
type transitReader struct {
	core         *Core
	event        *ports.Event
	portsClaimed []bool
	filesClaimed []bool
}

func newTransitReader(core *Core, event *ports.Event) *transitReader {
	return &transitReader{
		core:         core,
		event:        event,
		portsClaimed: make([]bool, len(event.Ports)),
		filesClaimed: make([]bool, len(event.Message.Files)),
	}
}

func (r *transitReader) port(index int) (ports.PortRef, error) {
	if index < 0 || index >= len(r.event.Ports) || r.portsClaimed[index] {
		return ports.PortRef{}, Errorf(CodeInvalidArgument, "carried endpoint names port %d of %d", index, len(r.event.Ports))
	}
	ref, err := r.core.node.GetPort(r.event.Ports[index])
	if err != nil {
		return ports.PortRef{}, Errorf(CodeInvalidArgument, "carried port %s: %v", r.event.Ports[index], err)
	}
	r.portsClaimed[index] = true
	return ref, nil
}

func (r *transitReader) file(index int) (*os.File, error) {
	files := r.event.Message.Files
	if index < 0 || index >= len(files) || r.filesClaimed[index] || files[index] == nil {
		return nil, Errorf(CodeInvalidArgument, "carried endpoint names file %d of %d", index, len(files))
	}
	r.filesClaimed[index] = true
	return files[index], nil
}

// releaseUnclaimed closes every port and file no endpoint took.
func (r *transitReader) releaseUnclaimed() {
	for i, claimed := range r.portsClaimed {
		if !claimed {
			r.core.closePortByName(r.event.Ports[i])
		}
	}
	for i, claimed := range r.filesClaimed {
		if !claimed && r.event.Message.Files[i] != nil {
			r.event.Message.Files[i].Close()
		}
	}
}

// materialize rebuilds the endpoint described by desc.
func (r *transitReader) materialize(desc handleDescriptor) (dispatcher, error) {
	switch desc.Kind {
	case kindMessagePipe:
		ref, err := r.port(desc.Port)
		if err != nil {
			return nil, err
		}
		return newMessagePipeDispatcher(r.core, ref), nil

	case kindDataPipeProducer, kindDataPipeConsumer:
		options, err := r.core.validateDataPipeOptions(DataPipeOptions{ElementSize: desc.ElementSize, CapacityBytes: desc.Capacity})
		if err != nil {
			return nil, err
		}
		if desc.Offset < 0 || desc.Offset >= options.CapacityBytes || desc.Count < 0 || desc.Count > options.CapacityBytes {
			return nil, Errorf(CodeInvalidArgument, "data pipe state offset=%d count=%d outside capacity %d", desc.Offset, desc.Count, options.CapacityBytes)
		}
		file, err := r.file(desc.File)
		if err != nil {
			return nil, err
		}
		ring, err := openRing(file, options.CapacityBytes)
		if err != nil {
			return nil, err
		}
		control, err := r.port(desc.Port)
		if err != nil {
			ring.close()
			return nil, err
		}
		if desc.Kind == kindDataPipeProducer {
			return newDataPipeProducer(r.core, options, control, ring, desc.Offset, desc.Count, desc.PeerClosed), nil
		}
		return newDataPipeConsumer(r.core, options, control, ring, desc.Offset, desc.Count, desc.PeerClosed), nil

	case kindSharedBuffer:
		file, err := r.file(desc.File)
		if err != nil {
			return nil, err
		}
		return openSharedBuffer(r.core, file)

	case kindPlatformHandle:
		file, err := r.file(desc.File)
		if err != nil {
			return nil, err
		}
		return newPlatformHandleDispatcher(r.core, file), nil
	}
	return nil, Errorf(CodeInvalidArgument, "carried endpoint of unknown kind %d", desc.Kind)
}
