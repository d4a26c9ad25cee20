// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/modelcontextprotocol/go-core/jsonrpc"
)

var (
	testImpl       = &Implementation{Name: "testServer", Version: "v1.0.0"}
	testClientImpl = &Implementation{Name: "testClient", Version: "v1.0.0"}
)

// connectPair connects client and server over an in-memory transport and
// registers cleanup for both sessions.
func connectPair(t *testing.T, server *Server, client *Client) (*ClientSession, *ServerSession) {
	t.Helper()
	ctx := context.Background()
	ct, st := NewInMemoryTransports()
	ss, err := server.Connect(ctx, st)
	if err != nil {
		t.Fatalf("server.Connect: %v", err)
	}
	cs, err := client.Connect(ctx, ct)
	if err != nil {
		t.Fatalf("client.Connect: %v", err)
	}
	t.Cleanup(func() {
		cs.Close()
		ss.Close()
	})
	return cs, ss
}

func TestEndToEnd(t *testing.T) {
	ctx := context.Background()

	server := NewServer(testImpl, &ServerOptions{Instructions: "use this server"})
	echoed := make(chan string, 1)
	server.SetRequestHandler("test/echo", func(ctx context.Context, req *Request) (any, error) {
		var params struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return nil, err
		}
		return map[string]any{"text": params.Text}, nil
	})
	server.SetNotificationHandler("test/notify", func(ctx context.Context, req *Request) error {
		var params struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return err
		}
		echoed <- params.Text
		return nil
	})

	client := NewClient(testClientImpl, nil)
	cs, ss := connectPair(t, server, client)

	res := cs.InitializeResult()
	if res == nil {
		t.Fatal("no initialize result")
	}
	if res.ProtocolVersion != latestProtocolVersion {
		t.Errorf("negotiated version %q, want %q", res.ProtocolVersion, latestProtocolVersion)
	}
	if res.Instructions != "use this server" {
		t.Errorf("instructions %q", res.Instructions)
	}
	if res.Capabilities == nil || res.Capabilities.Logging == nil {
		t.Error("server did not announce logging capability")
	}
	if got := ss.InitializeParams(); got == nil || got.ClientInfo.Name != "testClient" {
		t.Errorf("server-side initialize params = %+v", got)
	}

	// Ping works in both directions.
	if err := cs.Ping(ctx, nil); err != nil {
		t.Errorf("client ping: %v", err)
	}
	if err := ss.Ping(ctx, nil); err != nil {
		t.Errorf("server ping: %v", err)
	}

	// A registered request handler round-trips.
	raw, err := cs.Call(ctx, "test/echo", map[string]any{"text": "hello"}, nil)
	if err != nil {
		t.Fatalf("test/echo: %v", err)
	}
	var got struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatal(err)
	}
	if got.Text != "hello" {
		t.Errorf("echo returned %q", got.Text)
	}

	// Notifications reach their handler.
	if err := cs.Notify(ctx, "test/notify", map[string]any{"text": "ping"}); err != nil {
		t.Fatal(err)
	}
	select {
	case text := <-echoed:
		if text != "ping" {
			t.Errorf("notification text %q", text)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("notification not received")
	}

	// Unknown methods fail with -32601.
	_, err = cs.Call(ctx, "test/unknown", nil, nil)
	var wireErr *jsonrpc.Error
	if !errors.As(err, &wireErr) || wireErr.Code != jsonrpc.CodeMethodNotFound {
		t.Errorf("unknown method: got %v, want code %d", err, jsonrpc.CodeMethodNotFound)
	}
}

func TestLoggingLevelFilter(t *testing.T) {
	ctx := context.Background()

	server := NewServer(testImpl, nil)
	client := NewClient(testClientImpl, nil)
	messages := make(chan LoggingMessageParams, 10)
	client.SetNotificationHandler(notificationLoggingMessage, func(ctx context.Context, req *Request) error {
		var params LoggingMessageParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return err
		}
		messages <- params
		return nil
	})
	cs, ss := connectPair(t, server, client)

	if err := cs.SetLoggingLevel(ctx, &SetLoggingLevelParams{Level: LevelWarning}); err != nil {
		t.Fatalf("SetLoggingLevel: %v", err)
	}

	// Below the configured level: dropped. At or above: delivered.
	if err := ss.Log(ctx, &LoggingMessageParams{Level: LevelDebug, Data: "quiet"}); err != nil {
		t.Fatal(err)
	}
	if err := ss.Log(ctx, &LoggingMessageParams{Level: LevelError, Data: "loud"}); err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-messages:
		if got.Level != LevelError {
			t.Errorf("received level %q, want %q", got.Level, LevelError)
		}
		if got.Data != "loud" {
			t.Errorf("received data %v, want %q", got.Data, "loud")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("log message not received")
	}
	select {
	case got := <-messages:
		t.Errorf("unexpected extra message: %+v", got)
	default:
	}

	// Unknown levels are rejected.
	err := cs.SetLoggingLevel(ctx, &SetLoggingLevelParams{Level: "verbose"})
	var wireErr *jsonrpc.Error
	if !errors.As(err, &wireErr) || wireErr.Code != jsonrpc.CodeInvalidParams {
		t.Errorf("SetLoggingLevel(verbose) = %v, want invalid params", err)
	}
}

func TestCapabilityChecks(t *testing.T) {
	ctx := context.Background()

	server := NewServer(testImpl, nil)
	client := NewClient(testClientImpl, nil) // no sampling, no roots
	cs, ss := connectPair(t, server, client)

	var capErr *CapabilityError
	if _, err := ss.CreateMessage(ctx, nil, nil); !errors.As(err, &capErr) {
		t.Errorf("CreateMessage without sampling: got %v, want CapabilityError", err)
	}
	if _, err := ss.ListRoots(ctx, nil); !errors.As(err, &capErr) {
		t.Errorf("ListRoots without roots: got %v, want CapabilityError", err)
	}

	// The server announced no tools capability.
	if _, err := cs.Call(ctx, methodListTools, nil, nil); !errors.As(err, &capErr) {
		t.Errorf("tools/list without tools capability: got %v, want CapabilityError", err)
	}

	// Logging is always announced, so setLevel passes the check.
	if err := cs.SetLoggingLevel(ctx, &SetLoggingLevelParams{Level: LevelInfo}); err != nil {
		t.Errorf("SetLoggingLevel: %v", err)
	}
}

func TestClientCapabilitiesEnableServerCalls(t *testing.T) {
	ctx := context.Background()

	server := NewServer(testImpl, nil)
	client := NewClient(testClientImpl, &ClientOptions{
		Capabilities: &ClientCapabilities{Sampling: &SamplingCapabilities{}},
	})
	client.SetRequestHandler(methodCreateMessage, func(ctx context.Context, req *Request) (any, error) {
		return map[string]any{"model": "test-model"}, nil
	})
	_, ss := connectPair(t, server, client)

	raw, err := ss.CreateMessage(ctx, json.RawMessage(`{"maxTokens":10}`), nil)
	if err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatal(err)
	}
	if got["model"] != "test-model" {
		t.Errorf("CreateMessage result %v", got)
	}
}

func TestRequestCancellation(t *testing.T) {
	ctx := context.Background()

	started := make(chan struct{})
	cancelled := make(chan struct{})
	server := NewServer(testImpl, nil)
	server.SetRequestHandler("test/slow", func(ctx context.Context, req *Request) (any, error) {
		close(started)
		<-ctx.Done()
		close(cancelled)
		return nil, ctx.Err()
	})
	client := NewClient(testClientImpl, nil)
	cs, _ := connectPair(t, server, client)

	callCtx, cancel := context.WithCancel(ctx)
	errs := make(chan error, 1)
	go func() {
		_, err := cs.Call(callCtx, "test/slow", nil, nil)
		errs <- err
	}()

	<-started
	cancel()

	if err := <-errs; !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled call returned %v, want context.Canceled", err)
	}
	// The cancellation notification must reach the handler.
	select {
	case <-cancelled:
	case <-time.After(5 * time.Second):
		t.Fatal("handler context was not cancelled")
	}
}

func TestRequestTimeout(t *testing.T) {
	ctx := context.Background()

	release := make(chan struct{})
	defer close(release)
	server := NewServer(testImpl, nil)
	server.SetRequestHandler("test/slow", func(ctx context.Context, req *Request) (any, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil, ctx.Err()
	})
	client := NewClient(testClientImpl, nil)
	cs, _ := connectPair(t, server, client)

	_, err := cs.Call(ctx, "test/slow", nil, &RequestOptions{Timeout: 50 * time.Millisecond})
	var wireErr *jsonrpc.Error
	if !errors.As(err, &wireErr) || wireErr.Code != jsonrpc.CodeRequestTimeout {
		t.Fatalf("got %v, want code %d", err, jsonrpc.CodeRequestTimeout)
	}
	if !strings.Contains(wireErr.Message, "timed out") {
		t.Errorf("timeout message %q", wireErr.Message)
	}
}

func TestProgress(t *testing.T) {
	ctx := context.Background()

	server := NewServer(testImpl, nil)
	server.SetRequestHandler("test/progress", func(ctx context.Context, req *Request) (any, error) {
		token, ok := req.GetMeta()[progressTokenKey]
		if !ok {
			return nil, fmt.Errorf("no progress token")
		}
		session := req.ServerSession()
		for i := 1; i <= 3; i++ {
			if err := session.NotifyProgress(ctx, &ProgressNotificationParams{
				ProgressToken: token,
				Progress:      float64(i),
				Total:         3,
			}); err != nil {
				return nil, err
			}
		}
		return struct{}{}, nil
	})
	client := NewClient(testClientImpl, nil)
	cs, _ := connectPair(t, server, client)

	progressed := make(chan float64, 10)
	_, err := cs.Call(ctx, "test/progress", nil, &RequestOptions{
		OnProgress: func(p *ProgressNotificationParams) {
			progressed <- p.Progress
		},
	})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	// Progress notifications may still be in flight after the response.
	var got []float64
	deadline := time.After(5 * time.Second)
	for len(got) < 3 {
		select {
		case p := <-progressed:
			got = append(got, p)
		case <-deadline:
			t.Fatalf("got %d progress notifications, want 3", len(got))
		}
	}
	if diff := cmp.Diff([]float64{1, 2, 3}, got); diff != "" {
		t.Errorf("progress sequence mismatch (-want +got):\n%s", diff)
	}
}

func TestTransformErrorEnvelope(t *testing.T) {
	ctx := context.Background()

	server := NewServer(testImpl, &ServerOptions{
		TransformErrorEnvelope: func(e *jsonrpc.Error) {
			e.Message = "internal failure"
			e.Code = 42 // must be ignored
		},
	})
	server.SetRequestHandler("test/fail", func(ctx context.Context, req *Request) (any, error) {
		return nil, errors.New("secret database password leaked")
	})
	server.SetRequestHandler("test/wirefail", func(ctx context.Context, req *Request) (any, error) {
		return nil, &jsonrpc.Error{Code: jsonrpc.CodeInvalidParams, Message: "bad input"}
	})
	client := NewClient(testClientImpl, nil)
	cs, _ := connectPair(t, server, client)

	_, err := cs.Call(ctx, "test/fail", nil, nil)
	var wireErr *jsonrpc.Error
	if !errors.As(err, &wireErr) {
		t.Fatalf("got %v, want wire error", err)
	}
	if wireErr.Code != jsonrpc.CodeInternalError {
		t.Errorf("code %d, want %d (transform must not change it)", wireErr.Code, jsonrpc.CodeInternalError)
	}
	if wireErr.Message != "internal failure" {
		t.Errorf("message %q, want %q", wireErr.Message, "internal failure")
	}

	// Explicit wire errors cross unchanged.
	_, err = cs.Call(ctx, "test/wirefail", nil, nil)
	if !errors.As(err, &wireErr) || wireErr.Code != jsonrpc.CodeInvalidParams || wireErr.Message != "bad input" {
		t.Errorf("wire error crossed as %v", err)
	}
}

func TestGatingBeforeInitialized(t *testing.T) {
	ctx := context.Background()

	server := NewServer(testImpl, nil)
	server.SetRequestHandler("test/echo", func(ctx context.Context, req *Request) (any, error) {
		return struct{}{}, nil
	})
	ct, st := NewInMemoryTransports()
	ss, err := server.Connect(ctx, st)
	if err != nil {
		t.Fatal(err)
	}
	defer ss.Close()

	conn, err := ct.Connect(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	// A request before initialize must be rejected.
	if err := conn.Write(ctx, &jsonrpc.Request{ID: jsonrpc.Int64ID(1), Method: "test/echo"}); err != nil {
		t.Fatal(err)
	}
	msg, err := conn.Read(ctx)
	if err != nil {
		t.Fatal(err)
	}
	resp, ok := msg.(*jsonrpc.Response)
	if !ok {
		t.Fatalf("got %T, want response", msg)
	}
	wireErr, ok := resp.Error.(*jsonrpc.Error)
	if !ok || wireErr.Code != jsonrpc.CodeInvalidRequest {
		t.Errorf("pre-initialize request: got %v, want invalid request", resp.Error)
	}
	if !strings.Contains(wireErr.Message, "invalid during session initialization") {
		t.Errorf("message %q", wireErr.Message)
	}
}

func TestSecondInitializeRejected(t *testing.T) {
	ctx := context.Background()

	server := NewServer(testImpl, nil)
	client := NewClient(testClientImpl, nil)
	cs, _ := connectPair(t, server, client)

	_, err := cs.e.call(ctx, methodInitialize, &InitializeParams{
		ProtocolVersion: latestProtocolVersion,
		ClientInfo:      testClientImpl,
		Capabilities:    &ClientCapabilities{},
	}, nil)
	var wireErr *jsonrpc.Error
	if !errors.As(err, &wireErr) || wireErr.Code != jsonrpc.CodeInvalidRequest {
		t.Errorf("second initialize: got %v, want invalid request", err)
	}
}

func TestCloseRejectsOutstanding(t *testing.T) {
	ctx := context.Background()

	started := make(chan struct{})
	server := NewServer(testImpl, nil)
	server.SetRequestHandler("test/hang", func(ctx context.Context, req *Request) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	client := NewClient(testClientImpl, nil)
	cs, _ := connectPair(t, server, client)

	errs := make(chan error, 1)
	go func() {
		_, err := cs.Call(ctx, "test/hang", nil, nil)
		errs <- err
	}()
	<-started
	cs.Close()

	if err := <-errs; !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("call after close returned %v, want ErrConnectionClosed", err)
	}
	if err := cs.Wait(); err != nil {
		t.Errorf("Wait after clean close = %v, want nil", err)
	}
}

func TestRegistrationAfterConnect(t *testing.T) {
	server := NewServer(testImpl, nil)
	client := NewClient(testClientImpl, nil)
	connectPair(t, server, client)

	h := func(ctx context.Context, req *Request) (any, error) { return nil, nil }
	if err := server.SetRequestHandler("test/late", h); !errors.Is(err, ErrRegistrationAfterConnect) {
		t.Errorf("server registration after connect: %v", err)
	}
	if err := client.SetRequestHandler("test/late", h); !errors.Is(err, ErrRegistrationAfterConnect) {
		t.Errorf("client registration after connect: %v", err)
	}
	if err := server.SetRequestHandler(methodInitialize, h); err == nil {
		t.Error("registering a reserved method succeeded")
	}
}
