// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package system

import (
	"bytes"
	"errors"
	"io"
	"os"
	"testing"

	"github.com/bureau-foundation/servicebus/lib/config"
)

func configLimits(maxBytes, maxHandles int) config.LimitsConfig {
	return config.LimitsConfig{MaxMessageBytes: maxBytes, MaxMessageHandles: maxHandles}
}

func readMessage(t *testing.T, core *Core, h Handle) *Message {
	t.Helper()
	msg, err := core.ReadNextMessage(h)
	if err != nil {
		t.Fatalf("ReadNextMessage(%d): %v", h, err)
	}
	return msg
}

func TestEcho(t *testing.T) {
	core := newTestCore(t)
	a, b := messagePipe(t, core)

	if err := core.WriteMessage(a, []byte("hello"), nil); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	buf := make([]byte, 16)
	result, err := core.ReadMessage(b, buf, nil, 0)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if got := string(buf[:result.NumBytes]); got != "hello" || result.NumHandles != 0 {
		t.Fatalf("read (%q, %d handles), want (hello, 0)", got, result.NumHandles)
	}

	if err := core.WriteMessage(b, []byte("world"), nil); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	if msg := readMessage(t, core, a); string(msg.Bytes) != "world" || len(msg.Handles) != 0 {
		t.Fatalf("read %+v, want world", msg)
	}
}

func TestHandleTransferPreservesOrdering(t *testing.T) {
	core := newTestCore(t)
	a, b := messagePipe(t, core)
	c, d := messagePipe(t, core)

	if err := core.WriteMessage(c, []byte("first"), nil); err != nil {
		t.Fatalf("WriteMessage(first): %v", err)
	}
	if err := core.WriteMessage(a, []byte("carrier"), []Handle{d}); err != nil {
		t.Fatalf("WriteMessage(carrier): %v", err)
	}
	if err := core.CloseHandle(d); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("sent handle still open: CloseHandle err = %v", err)
	}

	carrier := readMessage(t, core, b)
	if string(carrier.Bytes) != "carrier" || len(carrier.Handles) != 1 {
		t.Fatalf("read %+v, want carrier with one handle", carrier)
	}
	moved := carrier.Handles[0]
	if msg := readMessage(t, core, moved); string(msg.Bytes) != "first" {
		t.Fatalf("read %q, want first", msg.Bytes)
	}
	if _, err := core.ReadNextMessage(moved); !errors.Is(err, ErrShouldWait) {
		t.Fatalf("extra message queued: err = %v", err)
	}

	// The moved handle is the same endpoint: it still talks to c.
	if err := core.WriteMessage(c, []byte("second"), nil); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	if msg := readMessage(t, core, moved); string(msg.Bytes) != "second" {
		t.Fatalf("read %q, want second", msg.Bytes)
	}
	if err := core.WriteMessage(moved, []byte("back"), nil); err != nil {
		t.Fatalf("WriteMessage(back): %v", err)
	}
	if msg := readMessage(t, core, c); string(msg.Bytes) != "back" {
		t.Fatalf("read %q, want back", msg.Bytes)
	}
}

func TestZeroByteMessageIsReadable(t *testing.T) {
	core := newTestCore(t)
	a, b := messagePipe(t, core)
	if err := core.WriteMessage(a, nil, nil); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	state, err := core.Wait(t.Context(), b, SignalReadable)
	if err != nil || !state.Satisfies(SignalReadable) {
		t.Fatalf("Wait = %+v, %v", state, err)
	}
	result, err := core.ReadMessage(b, nil, nil, 0)
	if err != nil || result.NumBytes != 0 {
		t.Fatalf("ReadMessage = %+v, %v", result, err)
	}
}

func TestReadIntoSmallBuffers(t *testing.T) {
	core := newTestCore(t)
	a, b := messagePipe(t, core)
	c, _ := messagePipe(t, core)
	core.WriteMessage(a, []byte("twelve bytes"), []Handle{c})

	result, err := core.ReadMessage(b, nil, nil, 0)
	if !errors.Is(err, ErrResourceExhausted) {
		t.Fatalf("err = %v, want ErrResourceExhausted", err)
	}
	if result.NumBytes != 12 || result.NumHandles != 1 {
		t.Fatalf("required sizes = %+v, want 12 bytes and 1 handle", result)
	}

	// Still queued: a big enough read succeeds.
	buf := make([]byte, 12)
	handles := make([]Handle, 1)
	result, err = core.ReadMessage(b, buf, handles, 0)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if string(buf) != "twelve bytes" || handles[0] == InvalidHandle {
		t.Fatalf("read %q with handle %d", buf, handles[0])
	}
}

func TestReadMayDiscard(t *testing.T) {
	core := newTestCore(t)
	a, b := messagePipe(t, core)
	core.WriteMessage(a, []byte("too long"), nil)
	core.WriteMessage(a, []byte("ok"), nil)

	result, err := core.ReadMessage(b, make([]byte, 2), nil, ReadMessageMayDiscard)
	if !errors.Is(err, ErrResourceExhausted) || result.NumBytes != 8 {
		t.Fatalf("ReadMessage = %+v, %v", result, err)
	}
	buf := make([]byte, 2)
	if _, err := core.ReadMessage(b, buf, nil, ReadMessageMayDiscard); err != nil || string(buf) != "ok" {
		t.Fatalf("next read = %q, %v", buf, err)
	}
}

func TestReadAfterPeerClosed(t *testing.T) {
	core := newTestCore(t)
	a, b := messagePipe(t, core)

	if _, err := core.ReadNextMessage(b); !errors.Is(err, ErrShouldWait) {
		t.Fatalf("empty read: err = %v, want ErrShouldWait", err)
	}
	core.WriteMessage(a, []byte("parting"), nil)
	core.CloseHandle(a)

	if msg := readMessage(t, core, b); string(msg.Bytes) != "parting" {
		t.Fatalf("read %q", msg.Bytes)
	}
	if _, err := core.ReadNextMessage(b); !errors.Is(err, ErrFailedPrecondition) {
		t.Fatalf("drained read: err = %v, want ErrFailedPrecondition", err)
	}
	if err := core.WriteMessage(b, []byte("anyone?"), nil); !errors.Is(err, ErrFailedPrecondition) {
		t.Fatalf("write to closed peer: err = %v, want ErrFailedPrecondition", err)
	}
}

func TestWriteMessageRejectsBadAttachments(t *testing.T) {
	core := newTestCore(t)
	a, b := messagePipe(t, core)
	c, _ := messagePipe(t, core)

	tests := []struct {
		name    string
		handles []Handle
	}{
		{"self", []Handle{a}},
		{"peer", []Handle{b}},
		{"duplicate", []Handle{c, c}},
		{"unknown", []Handle{c, Handle(424242)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := core.WriteMessage(a, []byte("x"), tt.handles); !errors.Is(err, ErrInvalidArgument) {
				t.Fatalf("err = %v, want ErrInvalidArgument", err)
			}
		})
	}
	// Nothing was removed by the failed writes.
	for _, h := range []Handle{a, b, c} {
		if _, err := core.table.get(h); err != nil {
			t.Errorf("handle %d lost: %v", h, err)
		}
	}
	if _, err := core.ReadNextMessage(b); !errors.Is(err, ErrShouldWait) {
		t.Errorf("failed write delivered something: err = %v", err)
	}
}

func TestWriteToClosedPeerKeepsAttachments(t *testing.T) {
	core := newTestCore(t)
	a, b := messagePipe(t, core)
	c, _ := messagePipe(t, core)
	core.CloseHandle(b)

	if err := core.WriteMessage(a, nil, []Handle{c}); !errors.Is(err, ErrFailedPrecondition) {
		t.Fatalf("err = %v, want ErrFailedPrecondition", err)
	}
	if _, err := core.table.get(c); err != nil {
		t.Errorf("attachment removed by failed write: %v", err)
	}
}

func TestMessageLimits(t *testing.T) {
	core := NewCore(Options{Limits: Limits{MaxMessageBytes: 4, MaxMessageHandles: 1}})
	defer core.Close()
	a, _ := messagePipe(t, core)
	c, d := messagePipe(t, core)

	if err := core.WriteMessage(a, []byte("12345"), nil); !errors.Is(err, ErrResourceExhausted) {
		t.Errorf("oversized message: err = %v", err)
	}
	if err := core.WriteMessage(a, nil, []Handle{c, d}); !errors.Is(err, ErrResourceExhausted) {
		t.Errorf("too many handles: err = %v", err)
	}
}

func TestClosingUnreadCarrierClosesCarriedPipe(t *testing.T) {
	core := newTestCore(t)
	a, b := messagePipe(t, core)
	c, d := messagePipe(t, core)

	core.WriteMessage(a, []byte("carrier"), []Handle{d})
	core.CloseHandle(b)

	state, err := core.Wait(t.Context(), c, SignalPeerClosed)
	if err != nil || !state.Satisfies(SignalPeerClosed) {
		t.Fatalf("carried pipe's peer not closed: %+v, %v", state, err)
	}
}

func TestPlatformHandleTransfer(t *testing.T) {
	core := newTestCore(t)
	a, b := messagePipe(t, core)

	reader, writer, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	defer reader.Close()
	wrapped, err := core.WrapPlatformHandle(writer)
	if err != nil {
		t.Fatalf("WrapPlatformHandle: %v", err)
	}
	if err := core.WriteMessage(a, []byte("fd"), []Handle{wrapped}); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	msg := readMessage(t, core, b)
	file, err := core.UnwrapPlatformHandle(msg.Handles[0])
	if err != nil {
		t.Fatalf("UnwrapPlatformHandle: %v", err)
	}
	file.Write([]byte("through"))
	file.Close()
	got, _ := io.ReadAll(reader)
	if string(got) != "through" {
		t.Errorf("read %q through transferred descriptor", got)
	}

	if _, err := core.UnwrapPlatformHandle(a); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("unwrapping a message pipe: err = %v", err)
	}
}

func TestSharedBuffer(t *testing.T) {
	core := newTestCore(t)
	a, b := messagePipe(t, core)

	buffer, err := core.CreateSharedBuffer(4096)
	if err != nil {
		t.Fatalf("CreateSharedBuffer: %v", err)
	}
	duplicate, err := core.DuplicateBufferHandle(buffer)
	if err != nil {
		t.Fatalf("DuplicateBufferHandle: %v", err)
	}
	mapping, err := core.MapBuffer(buffer, 100, 10)
	if err != nil {
		t.Fatalf("MapBuffer: %v", err)
	}
	defer mapping.Unmap()
	copy(mapping.Bytes(), "shared!")

	if err := core.WriteMessage(a, nil, []Handle{duplicate}); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	received := readMessage(t, core, b).Handles[0]
	if size, err := core.BufferSize(received); err != nil || size != 4096 {
		t.Fatalf("BufferSize = %d, %v", size, err)
	}
	view, err := core.MapBuffer(received, 100, 7)
	if err != nil {
		t.Fatalf("MapBuffer(received): %v", err)
	}
	defer view.Unmap()
	if !bytes.Equal(view.Bytes(), []byte("shared!")) {
		t.Errorf("received buffer holds %q", view.Bytes())
	}

	if _, err := core.MapBuffer(buffer, 4000, 200); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("out-of-range map: err = %v", err)
	}
	if _, err := core.CreateSharedBuffer(0); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("zero-size buffer: err = %v", err)
	}
	if _, err := core.Wait(t.Context(), buffer, SignalReadable); !errors.Is(err, ErrFailedPrecondition) {
		t.Errorf("waiting on a buffer: err = %v", err)
	}
}
