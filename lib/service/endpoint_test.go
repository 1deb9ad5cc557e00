// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bureau-foundation/servicebus/lib/testutil"
	"github.com/bureau-foundation/servicebus/system"
)

type echoRequest struct {
	Text string `cbor:"text"`
}

type echoResponse struct {
	Text string `cbor:"text"`
}

// endpointPair returns two endpoints on the ends of one pipe, each
// served until the test ends.
func endpointPair(t *testing.T, register func(client, server *Endpoint)) (*system.Core, *Endpoint, *Endpoint) {
	t.Helper()
	core := system.NewCore(system.Options{Logger: testutil.Logger()})
	t.Cleanup(core.Close)

	a, b, err := core.CreateMessagePipe()
	if err != nil {
		t.Fatalf("CreateMessagePipe: %v", err)
	}
	client := NewEndpoint(core, a, testutil.Logger())
	server := NewEndpoint(core, b, testutil.Logger())
	if register != nil {
		register(client, server)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go client.Serve(ctx)
	go server.Serve(ctx)
	return core, client, server
}

func TestCallRoundTrip(t *testing.T) {
	_, client, _ := endpointPair(t, func(_, server *Endpoint) {
		server.Handle("echo", func(ctx context.Context, req *Request) (any, error) {
			var request echoRequest
			if err := req.Decode(&request); err != nil {
				return nil, err
			}
			return echoResponse{Text: request.Text + "!"}, nil
		})
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	reply, err := client.Call(ctx, "echo", echoRequest{Text: "hello"}, nil)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	var response echoResponse
	if err := reply.Decode(&response); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if response.Text != "hello!" {
		t.Errorf("response = %q, want %q", response.Text, "hello!")
	}
}

func TestCallErrors(t *testing.T) {
	_, client, _ := endpointPair(t, func(_, server *Endpoint) {
		server.Handle("deny", func(ctx context.Context, req *Request) (any, error) {
			return nil, system.Errorf(system.CodeAccessDenied, "not granted")
		})
		server.Handle("plain", func(ctx context.Context, req *Request) (any, error) {
			return nil, errors.New("broken")
		})
	})

	tests := []struct {
		action string
		want   error
		code   system.Code
	}{
		{"deny", system.ErrAccessDenied, system.CodeAccessDenied},
		{"plain", nil, system.CodeUnknown},
		{"missing", system.ErrUnimplemented, system.CodeUnimplemented},
	}
	for _, test := range tests {
		t.Run(test.action, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_, err := client.Call(ctx, test.action, nil, nil)
			var serviceErr *ServiceError
			if !errors.As(err, &serviceErr) {
				t.Fatalf("Call error = %v, want *ServiceError", err)
			}
			if serviceErr.Code != test.code {
				t.Errorf("code = %v, want %v", serviceErr.Code, test.code)
			}
			if test.want != nil && !errors.Is(err, test.want) {
				t.Errorf("errors.Is(%v, %v) = false", err, test.want)
			}
		})
	}
}

func TestHandlesTravelBothWays(t *testing.T) {
	core := system.NewCore(system.Options{Logger: testutil.Logger()})
	t.Cleanup(core.Close)

	a, b, err := core.CreateMessagePipe()
	if err != nil {
		t.Fatalf("CreateMessagePipe: %v", err)
	}
	caller := NewEndpoint(core, a, testutil.Logger())
	callee := NewEndpoint(core, b, testutil.Logger())
	callee.Handle("swap", func(ctx context.Context, req *Request) (any, error) {
		if len(req.Handles) != 1 {
			return nil, system.Errorf(system.CodeInvalidArgument, "want one handle, got %d", len(req.Handles))
		}
		msg, err := core.ReadNextMessage(req.Handles[0])
		if err != nil {
			return nil, err
		}
		core.CloseHandle(req.Handles[0])

		x, y, err := core.CreateMessagePipe()
		if err != nil {
			return nil, err
		}
		if err := core.WriteMessage(x, append(msg.Bytes, " back"...), nil); err != nil {
			return nil, err
		}
		core.CloseHandle(x)
		return Attached{Value: echoResponse{Text: "attached"}, Handles: []system.Handle{y}}, nil
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go caller.Serve(ctx)
	go callee.Serve(ctx)

	p, q, err := core.CreateMessagePipe()
	if err != nil {
		t.Fatalf("CreateMessagePipe: %v", err)
	}
	if err := core.WriteMessage(p, []byte("there"), nil); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	core.CloseHandle(p)

	reply, err := caller.Call(ctx, "swap", nil, []system.Handle{q})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if len(reply.Handles) != 1 {
		t.Fatalf("reply carried %d handles, want 1", len(reply.Handles))
	}
	msg, err := core.ReadNextMessage(reply.Handles[0])
	if err != nil {
		t.Fatalf("ReadNextMessage: %v", err)
	}
	if string(msg.Bytes) != "there back" {
		t.Errorf("message = %q, want %q", msg.Bytes, "there back")
	}
}

func TestNotifyGetsNoReply(t *testing.T) {
	got := make(chan string, 1)
	_, client, _ := endpointPair(t, func(_, server *Endpoint) {
		server.Handle("note", func(ctx context.Context, req *Request) (any, error) {
			var request echoRequest
			if err := req.Decode(&request); err != nil {
				return nil, err
			}
			got <- request.Text
			return echoResponse{Text: "ignored"}, nil
		})
	})

	if err := client.Notify("note", echoRequest{Text: "fire"}, nil); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if text := testutil.RequireReceive(t, got, 5*time.Second, "notification"); text != "fire" {
		t.Errorf("notification = %q, want %q", text, "fire")
	}
}

func TestHandlersMayCallBack(t *testing.T) {
	_, client, _ := endpointPair(t, func(client, server *Endpoint) {
		client.Handle("inner", func(ctx context.Context, req *Request) (any, error) {
			return echoResponse{Text: "inner"}, nil
		})
		server.Handle("outer", func(ctx context.Context, req *Request) (any, error) {
			reply, err := server.Call(ctx, "inner", nil, nil)
			if err != nil {
				return nil, err
			}
			var response echoResponse
			if err := reply.Decode(&response); err != nil {
				return nil, err
			}
			return echoResponse{Text: "outer+" + response.Text}, nil
		})
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	reply, err := client.Call(ctx, "outer", nil, nil)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	var response echoResponse
	if err := reply.Decode(&response); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if response.Text != "outer+inner" {
		t.Errorf("response = %q, want %q", response.Text, "outer+inner")
	}
}

func TestPeerCloseFailsPendingCalls(t *testing.T) {
	release := make(chan struct{})
	disconnected := make(chan struct{})
	_, client, server := endpointPair(t, func(client, server *Endpoint) {
		server.Handle("hang", func(ctx context.Context, req *Request) (any, error) {
			<-release
			return nil, nil
		})
		client.OnDisconnect(func() { close(disconnected) })
	})
	defer close(release)

	errs := make(chan error, 1)
	go func() {
		_, err := client.Call(context.Background(), "hang", nil, nil)
		errs <- err
	}()

	// Give the call time to reach the handler before the server closes.
	time.Sleep(10 * time.Millisecond)
	server.Close()

	err := testutil.RequireReceive(t, errs, 5*time.Second, "pending call result")
	if !errors.Is(err, ErrDisconnected) {
		t.Errorf("Call error = %v, want ErrDisconnected", err)
	}
	testutil.RequireClosed(t, disconnected, 5*time.Second, "OnDisconnect")

	if _, err := client.Call(context.Background(), "hang", nil, nil); !errors.Is(err, ErrDisconnected) {
		t.Errorf("Call after disconnect = %v, want ErrDisconnected", err)
	}
}

func TestCallHonoursContext(t *testing.T) {
	release := make(chan struct{})
	_, client, _ := endpointPair(t, func(_, server *Endpoint) {
		server.Handle("slow", func(ctx context.Context, req *Request) (any, error) {
			<-release
			return nil, nil
		})
	})
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := client.Call(ctx, "slow", nil, nil); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Call error = %v, want context.DeadlineExceeded", err)
	}
}
