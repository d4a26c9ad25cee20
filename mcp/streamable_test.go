// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// postJSON sends a POST accepting only JSON, so responses arrive as a plain
// JSON body rather than an SSE stream.
func postJSON(t *testing.T, url, sessionID, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	if sessionID != "" {
		req.Header.Set("Mcp-Session-Id", sessionID)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return string(body)
}

const initializeBody = `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-06-18","capabilities":{},"clientInfo":{"name":"testClient","version":"v1.0.0"}}}`

// initializeSession drives the handshake over plain JSON POSTs and returns
// the assigned session ID.
func initializeSession(t *testing.T, url string) string {
	t.Helper()
	resp := postJSON(t, url, "", initializeBody)
	body := readBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("initialize returned %d: %s", resp.StatusCode, body)
	}
	sessionID := resp.Header.Get("Mcp-Session-Id")
	if sessionID == "" {
		t.Fatal("initialize response has no Mcp-Session-Id header")
	}
	if !strings.Contains(body, `"protocolVersion":"2025-06-18"`) {
		t.Errorf("initialize response body: %s", body)
	}
	resp = postJSON(t, url, sessionID, `{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("initialized notification returned %d, want 202", resp.StatusCode)
	}
	return sessionID
}

func TestStreamableHandlerLifecycle(t *testing.T) {
	server := NewServer(testImpl, nil)
	closed := make(chan string, 1)
	handler := NewStreamableHTTPHandler(func(*http.Request) *Server { return server }, &StreamableHTTPOptions{
		OnSessionClosed: func(id string) { closed <- id },
	})
	httpServer := httptest.NewServer(handler)
	defer httpServer.Close()
	url := httpServer.URL

	// A non-initialize POST without a session is rejected.
	resp := postJSON(t, url, "", `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("sessionless ping returned %d, want 400", resp.StatusCode)
	}

	// An unknown session gets a 404 with a JSON-RPC error envelope.
	resp = postJSON(t, url, "no-such-session", `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown session returned %d, want 404", resp.StatusCode)
	}
	body := readBody(t, resp)
	if !strings.Contains(body, `"code":-32000`) || !strings.Contains(body, `"id":null`) {
		t.Errorf("unknown session body: %s", body)
	}

	sessionID := initializeSession(t, url)

	// Pings on the session round-trip.
	resp = postJSON(t, url, sessionID, `{"jsonrpc":"2.0","id":2,"method":"ping"}`)
	body = readBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("ping returned %d: %s", resp.StatusCode, body)
	}
	if !strings.Contains(body, `"id":2`) || !strings.Contains(body, `"result"`) {
		t.Errorf("ping response body: %s", body)
	}

	// A second initialize on an established session is rejected.
	resp = postJSON(t, url, sessionID, initializeBody)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("second initialize returned %d, want 400", resp.StatusCode)
	}

	// OPTIONS is answered; unsupported methods get a 405 with Allow.
	req, _ := http.NewRequest(http.MethodOptions, url, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent || resp.Header.Get("Allow") == "" {
		t.Errorf("OPTIONS returned %d, Allow %q", resp.StatusCode, resp.Header.Get("Allow"))
	}
	req, _ = http.NewRequest(http.MethodPut, url, strings.NewReader("{}"))
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("PUT returned %d, want 405", resp.StatusCode)
	}

	// DELETE terminates the session.
	req, _ = http.NewRequest(http.MethodDelete, url, nil)
	req.Header.Set("Mcp-Session-Id", sessionID)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("DELETE returned %d, want 200", resp.StatusCode)
	}
	select {
	case id := <-closed:
		if id != sessionID {
			t.Errorf("OnSessionClosed(%q), want %q", id, sessionID)
		}
	case <-time.After(time.Second):
		t.Error("OnSessionClosed not invoked")
	}
	resp = postJSON(t, url, sessionID, `{"jsonrpc":"2.0","id":3,"method":"ping"}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("POST after DELETE returned %d, want 404", resp.StatusCode)
	}
}

func TestStreamableBatchRejectedOnNewProtocol(t *testing.T) {
	server := NewServer(testImpl, nil)
	handler := NewStreamableHTTPHandler(func(*http.Request) *Server { return server }, nil)
	httpServer := httptest.NewServer(handler)
	defer httpServer.Close()

	sessionID := initializeSession(t, httpServer.URL)

	resp := postJSON(t, httpServer.URL, sessionID,
		`[{"jsonrpc":"2.0","id":2,"method":"ping"},{"jsonrpc":"2.0","id":3,"method":"ping"}]`)
	body := readBody(t, resp)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("batch on 2025-06-18 returned %d, want 400", resp.StatusCode)
	}
	if !strings.Contains(body, "batching is not supported") {
		t.Errorf("batch rejection body: %s", body)
	}
}

func TestStreamableGETStream(t *testing.T) {
	ctx := context.Background()
	server := NewServer(testImpl, nil)
	handler := NewStreamableHTTPHandler(func(*http.Request) *Server { return server }, nil)
	httpServer := httptest.NewServer(handler)
	defer httpServer.Close()
	url := httpServer.URL

	sessionID := initializeSession(t, url)
	sessions := server.Sessions()
	if len(sessions) != 1 {
		t.Fatalf("got %d sessions, want 1", len(sessions))
	}
	ss := sessions[0]

	// A notification sent with no stream attached is retained for the next
	// standalone GET.
	if err := ss.Log(ctx, &LoggingMessageParams{Level: LevelError, Data: "first"}); err != nil {
		t.Fatal(err)
	}

	get := func(lastEventID string) *http.Response {
		req, err := http.NewRequest(http.MethodGet, url, nil)
		if err != nil {
			t.Fatal(err)
		}
		req.Header.Set("Accept", "text/event-stream")
		req.Header.Set("Mcp-Session-Id", sessionID)
		if lastEventID != "" {
			req.Header.Set("Last-Event-ID", lastEventID)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		return resp
	}

	resp1 := get("")
	defer resp1.Body.Close()
	if resp1.StatusCode != http.StatusOK {
		t.Fatalf("GET returned %d", resp1.StatusCode)
	}

	events1 := make(chan event, 10)
	go func() {
		for evt, err := range scanEvents(resp1.Body) {
			if err != nil {
				return
			}
			events1 <- evt
		}
	}()

	select {
	case evt := <-events1:
		if evt.id != "0_0" {
			t.Errorf("first event ID %q, want 0_0", evt.id)
		}
		if !strings.Contains(string(evt.data), "notifications/message") {
			t.Errorf("first event data: %s", evt.data)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no event on standalone GET")
	}

	// A second standalone GET supersedes the first, which closes with an
	// error event.
	resp2 := get("")
	defer resp2.Body.Close()
	select {
	case evt := <-events1:
		if evt.name != "error" {
			t.Errorf("superseded stream got event %q, want error", evt.name)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("superseded GET not closed")
	}

	// The new GET resumes after the delivered event and receives subsequent
	// notifications.
	if err := ss.Log(ctx, &LoggingMessageParams{Level: LevelError, Data: "second"}); err != nil {
		t.Fatal(err)
	}
	gotSecond := make(chan event, 10)
	go func() {
		for evt, err := range scanEvents(resp2.Body) {
			if err != nil {
				return
			}
			gotSecond <- evt
		}
	}()
	// The second GET replays from the start of the stream; skip to the new
	// event.
	deadline := time.After(5 * time.Second)
	for {
		select {
		case evt := <-gotSecond:
			if strings.Contains(string(evt.data), "second") {
				if evt.id != "0_1" {
					t.Errorf("second event ID %q, want 0_1", evt.id)
				}
				return
			}
		case <-deadline:
			t.Fatal("second notification not delivered")
		}
	}
}

func TestStreamableResumption(t *testing.T) {
	ctx := context.Background()
	server := NewServer(testImpl, nil)
	handler := NewStreamableHTTPHandler(func(*http.Request) *Server { return server }, nil)
	httpServer := httptest.NewServer(handler)
	defer httpServer.Close()
	url := httpServer.URL

	sessionID := initializeSession(t, url)
	ss := server.Sessions()[0]

	for i := range 3 {
		if err := ss.Log(ctx, &LoggingMessageParams{Level: LevelError, Data: fmt.Sprintf("msg-%d", i)}); err != nil {
			t.Fatal(err)
		}
	}

	// Resume after the first event: only the later two replay.
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Mcp-Session-Id", sessionID)
	req.Header.Set("Last-Event-ID", "0_0")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	events := make(chan event, 10)
	go func() {
		for evt, err := range scanEvents(resp.Body) {
			if err != nil {
				return
			}
			events <- evt
		}
	}()

	for i := 1; i <= 2; i++ {
		select {
		case evt := <-events:
			if want := fmt.Sprintf("0_%d", i); evt.id != want {
				t.Errorf("replayed event ID %q, want %q", evt.id, want)
			}
			if !strings.Contains(string(evt.data), fmt.Sprintf("msg-%d", i)) {
				t.Errorf("replayed event data: %s", evt.data)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("replayed event %d not delivered", i)
		}
	}
}

func TestStreamableStateless(t *testing.T) {
	server := NewServer(testImpl, nil)
	handler := NewStreamableHTTPHandler(func(*http.Request) *Server { return server }, &StreamableHTTPOptions{
		Stateless: true,
	})
	httpServer := httptest.NewServer(handler)
	defer httpServer.Close()
	url := httpServer.URL

	// Every POST is self-contained: no session header is required or
	// assigned.
	resp := postJSON(t, url, "", `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	body := readBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stateless ping returned %d: %s", resp.StatusCode, body)
	}
	if !strings.Contains(body, `"result"`) {
		t.Errorf("stateless ping body: %s", body)
	}
	if resp.Header.Get("Mcp-Session-Id") != "" {
		t.Error("stateless response assigned a session ID")
	}

	// GET is not supported without sessions.
	req, _ := http.NewRequest(http.MethodGet, url, nil)
	req.Header.Set("Accept", "text/event-stream")
	getResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	getResp.Body.Close()
	if getResp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("stateless GET returned %d, want 405", getResp.StatusCode)
	}
}

func TestStreamableSessionIdleTimeout(t *testing.T) {
	server := NewServer(testImpl, nil)
	handler := NewStreamableHTTPHandler(func(*http.Request) *Server { return server }, &StreamableHTTPOptions{
		SessionIdleTimeout: 50 * time.Millisecond,
	})
	defer handler.Close()
	httpServer := httptest.NewServer(handler)
	defer httpServer.Close()

	sessionID := initializeSession(t, httpServer.URL)

	// The session expires once no requests arrive for the idle timeout.
	deadline := time.Now().Add(10 * time.Second)
	for {
		resp := postJSON(t, httpServer.URL, sessionID, `{"jsonrpc":"2.0","id":9,"method":"ping"}`)
		resp.Body.Close()
		if resp.StatusCode == http.StatusNotFound {
			break
		}
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("ping returned %d", resp.StatusCode)
		}
		if time.Now().After(deadline) {
			t.Fatal("session not evicted")
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func TestStreamableSessionRehydration(t *testing.T) {
	store := NewMemorySessionStore()
	newHandler := func() *StreamableHTTPHandler {
		server := NewServer(testImpl, nil)
		return NewStreamableHTTPHandler(func(*http.Request) *Server { return server }, &StreamableHTTPOptions{
			SessionStore: store,
		})
	}

	server1 := httptest.NewServer(newHandler())
	sessionID := initializeSession(t, server1.URL)
	server1.Close()

	// A different process behind the same store can serve the session.
	server2 := httptest.NewServer(newHandler())
	defer server2.Close()
	resp := postJSON(t, server2.URL, sessionID, `{"jsonrpc":"2.0","id":2,"method":"ping"}`)
	body := readBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("rehydrated ping returned %d: %s", resp.StatusCode, body)
	}
	if !strings.Contains(body, `"result"`) {
		t.Errorf("rehydrated ping body: %s", body)
	}

	// Rehydrated sessions keep their negotiated state: a new initialize is
	// still rejected.
	resp = postJSON(t, server2.URL, sessionID, initializeBody)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("initialize of rehydrated session returned %d, want 400", resp.StatusCode)
	}
}

func TestStreamableClientEndToEnd(t *testing.T) {
	ctx := context.Background()

	server := NewServer(testImpl, nil)
	server.SetRequestHandler("test/echo", func(ctx context.Context, req *Request) (any, error) {
		return json.RawMessage(req.Params), nil
	})
	handler := NewStreamableHTTPHandler(func(*http.Request) *Server { return server }, nil)
	httpServer := httptest.NewServer(handler)
	defer httpServer.Close()

	client := NewClient(testClientImpl, &ClientOptions{
		Capabilities: &ClientCapabilities{Sampling: &SamplingCapabilities{}},
	})
	client.SetRequestHandler(methodCreateMessage, func(ctx context.Context, req *Request) (any, error) {
		return map[string]any{"model": "remote-model"}, nil
	})
	messages := make(chan string, 10)
	client.SetNotificationHandler(notificationLoggingMessage, func(ctx context.Context, req *Request) error {
		var params LoggingMessageParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return err
		}
		messages <- fmt.Sprint(params.Data)
		return nil
	})

	cs, err := client.Connect(ctx, &StreamableClientTransport{Endpoint: httpServer.URL})
	if err != nil {
		t.Fatalf("client.Connect: %v", err)
	}
	defer cs.Close()

	if cs.ID() == "" {
		t.Error("client session has no ID")
	}

	// Client-to-server calls round-trip.
	raw, err := cs.Call(ctx, "test/echo", map[string]any{"text": "over http"}, nil)
	if err != nil {
		t.Fatalf("echo: %v", err)
	}
	if !strings.Contains(string(raw), "over http") {
		t.Errorf("echo result: %s", raw)
	}

	// Server-initiated traffic arrives over the hanging GET.
	ss := server.Sessions()[0]
	if err := ss.Log(ctx, &LoggingMessageParams{Level: LevelError, Data: "hello client"}); err != nil {
		t.Fatal(err)
	}
	select {
	case got := <-messages:
		if got != "hello client" {
			t.Errorf("notification data %q", got)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("server notification not delivered")
	}

	// Server-to-client calls round-trip the same way.
	res, err := ss.CreateMessage(ctx, json.RawMessage(`{"maxTokens":1}`), nil)
	if err != nil {
		t.Fatalf("CreateMessage over http: %v", err)
	}
	if !strings.Contains(string(res), "remote-model") {
		t.Errorf("CreateMessage result: %s", res)
	}
}

func TestStreamableClientTerminatesSession(t *testing.T) {
	ctx := context.Background()

	server := NewServer(testImpl, nil)
	closed := make(chan string, 1)
	handler := NewStreamableHTTPHandler(func(*http.Request) *Server { return server }, &StreamableHTTPOptions{
		OnSessionClosed: func(id string) { closed <- id },
	})
	httpServer := httptest.NewServer(handler)
	defer httpServer.Close()

	client := NewClient(testClientImpl, nil)
	cs, err := client.Connect(ctx, &StreamableClientTransport{Endpoint: httpServer.URL})
	if err != nil {
		t.Fatal(err)
	}
	sessionID := cs.ID()
	cs.Close()

	select {
	case id := <-closed:
		if id != sessionID {
			t.Errorf("closed session %q, want %q", id, sessionID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("DELETE on close did not reach the handler")
	}
}

func TestStreamableTransportRejectsSecondInitialize(t *testing.T) {
	// A transport bound to custom HTTP plumbing enforces the single-initialize
	// rule itself, without a StreamableHTTPHandler in front.
	server := NewServer(testImpl, nil)
	transport := NewStreamableServerTransport("direct-session", nil)
	if _, err := server.Connect(context.Background(), transport); err != nil {
		t.Fatal(err)
	}
	defer transport.Close()
	httpServer := httptest.NewServer(transport)
	defer httpServer.Close()
	url := httpServer.URL

	resp := postJSON(t, url, "", initializeBody)
	body := readBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("initialize returned %d: %s", resp.StatusCode, body)
	}
	resp = postJSON(t, url, "", `{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("initialized notification returned %d, want 202", resp.StatusCode)
	}

	resp = postJSON(t, url, "", initializeBody)
	body = readBody(t, resp)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("second initialize returned %d, want 400: %s", resp.StatusCode, body)
	}
	if !strings.Contains(body, "already initialized") {
		t.Errorf("second initialize body: %s", body)
	}

	// The session survives the rejected initialize.
	resp = postJSON(t, url, "", `{"jsonrpc":"2.0","id":2,"method":"ping"}`)
	body = readBody(t, resp)
	if resp.StatusCode != http.StatusOK || !strings.Contains(body, `"id":2`) {
		t.Errorf("ping after rejected initialize: %d %s", resp.StatusCode, body)
	}
}

func TestConsumeSSEDelivery(t *testing.T) {
	c := &streamableClientConn{
		incoming: make(chan []byte, 10),
		done:     make(chan struct{}),
	}
	stream := "event: message\ndata:\n\n" +
		"data: {\"jsonrpc\":\"2.0\",\"method\":\"notifications/progress\"}\n\n" +
		"event: heartbeat\ndata: ignored\n\n" +
		"event: error\ndata: {\"code\":-32000}\n\n"
	resp := &http.Response{Body: io.NopCloser(strings.NewReader(stream))}
	if err := c.consumeSSE(resp, false); err != nil {
		t.Fatalf("consumeSSE: %v", err)
	}

	var got []string
	for len(c.incoming) > 0 {
		got = append(got, string(<-c.incoming))
	}
	// Message events are delivered verbatim, zero-length data included; named
	// non-message events are not JSON-RPC traffic and are dropped.
	want := []string{"", `{"jsonrpc":"2.0","method":"notifications/progress"}`}
	if len(got) != len(want) {
		t.Fatalf("delivered %q, want %q", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("delivered[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	// Undecodable payloads surface as recoverable errors, not stream failures.
	c.incoming <- []byte("")
	_, err := c.Read(context.Background())
	var malformed *malformedMessageError
	if !errors.As(err, &malformed) {
		t.Errorf("Read of empty payload = %v, want malformed-message error", err)
	}
}

func TestParseEventID(t *testing.T) {
	for _, tt := range []struct {
		in  string
		sid int64
		idx int
		ok  bool
	}{
		{"0_0", 0, 0, true},
		{"12_34", 12, 34, true},
		{"", 0, 0, false},
		{"1", 0, 0, false},
		{"a_1", 0, 0, false},
		{"1_b", 0, 0, false},
		{"-1_0", 0, 0, false},
		{"1_-1", 0, 0, false},
	} {
		sid, idx, ok := parseEventID(tt.in)
		if sid != tt.sid || idx != tt.idx || ok != tt.ok {
			t.Errorf("parseEventID(%q) = (%d, %d, %v), want (%d, %d, %v)", tt.in, sid, idx, ok, tt.sid, tt.idx, tt.ok)
		}
		if tt.ok {
			if got := formatEventID(tt.sid, tt.idx); got != tt.in {
				t.Errorf("formatEventID(%d, %d) = %q, want %q", tt.sid, tt.idx, got, tt.in)
			}
		}
	}
}

func TestAcceptable(t *testing.T) {
	for _, tt := range []struct {
		accept           string
		jsonOK, streamOK bool
	}{
		{"", true, true},
		{"application/json", true, false},
		{"text/event-stream", false, true},
		{"application/json, text/event-stream", true, true},
		{"text/html", false, false},
		{"*/*", true, true},
		{"application/json;q=0.9, text/event-stream", true, true},
	} {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		if tt.accept != "" {
			req.Header.Set("Accept", tt.accept)
		}
		jsonOK, streamOK := acceptable(req)
		if jsonOK != tt.jsonOK || streamOK != tt.streamOK {
			t.Errorf("acceptable(%q) = (%v, %v), want (%v, %v)", tt.accept, jsonOK, streamOK, tt.jsonOK, tt.streamOK)
		}
	}
}
