// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mcp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-core/auth"
	"github.com/modelcontextprotocol/go-core/internal/jsonrpc2"
	"github.com/modelcontextprotocol/go-core/jsonrpc"
)

// A StreamableHTTPHandler is an http.Handler that serves streamable MCP
// sessions: a single endpoint multiplexed over POST, GET, DELETE and OPTIONS,
// with optional SSE streaming and session identity.
type StreamableHTTPHandler struct {
	getServer  func(*http.Request) *Server
	opts       StreamableHTTPOptions
	eventStore EventStore

	sessionsMu sync.Mutex
	sessions   map[string]*streamableSession

	closeOnce sync.Once
	closed    chan struct{}
}

// A streamableSession pairs a live transport with the server session bound to
// it.
type streamableSession struct {
	transport *StreamableServerTransport
	server    *Server
	ss        *ServerSession

	lastAccess atomic.Int64 // unix nanos of the last HTTP request
}

func (s *streamableSession) touch() {
	s.lastAccess.Store(time.Now().UnixNano())
}

// StreamableHTTPOptions configure a [StreamableHTTPHandler].
type StreamableHTTPOptions struct {
	// GetSessionID generates session IDs for new sessions. If nil, random
	// UUIDs are used.
	GetSessionID func() string
	// Stateless disables session state: each request is served by an
	// ephemeral session, no Mcp-Session-Id header is required or assigned,
	// and GET and DELETE are not supported.
	Stateless bool
	// EventStore retains SSE events for resumption. If nil, an in-memory
	// store with default retention is used.
	EventStore EventStore
	// SessionStore, if set, persists session state so that sessions survive
	// process restarts: a request for an unknown session ID is served by a
	// session rehydrated from the store.
	SessionStore SessionStore
	// MaxBodyBytes limits request bodies: 0 means [DefaultMaxBodyBytes],
	// negative means no limit.
	MaxBodyBytes int64
	// SessionIdleTimeout, if positive, evicts sessions that receive no HTTP
	// requests for the given duration. Open SSE streams of an evicted session
	// close with an error event, and the session ID becomes invalid.
	SessionIdleTimeout time.Duration
	// Logger receives handler diagnostics. If nil, slog.Default() is used.
	Logger *slog.Logger
	// OnSessionClosed is invoked after a session is terminated by DELETE.
	OnSessionClosed func(sessionID string)
}

// NewStreamableHTTPHandler returns a new [StreamableHTTPHandler].
//
// The getServer function is used to create or look up servers for new
// sessions. It is OK for getServer to return the same server multiple times.
func NewStreamableHTTPHandler(getServer func(*http.Request) *Server, opts *StreamableHTTPOptions) *StreamableHTTPHandler {
	h := &StreamableHTTPHandler{
		getServer: getServer,
		sessions:  make(map[string]*streamableSession),
	}
	if opts != nil {
		h.opts = *opts
	}
	if h.opts.GetSessionID == nil {
		h.opts.GetSessionID = uuid.NewString
	}
	if h.opts.Logger == nil {
		h.opts.Logger = slog.Default()
	}
	h.eventStore = h.opts.EventStore
	if h.eventStore == nil {
		h.eventStore = NewMemoryEventStore(nil)
	}
	h.closed = make(chan struct{})
	if h.opts.SessionIdleTimeout > 0 {
		go h.evictIdleSessions()
	}
	return h
}

// evictIdleSessions closes sessions whose last request is older than the
// idle timeout. It runs until the handler is closed.
func (h *StreamableHTTPHandler) evictIdleSessions() {
	interval := h.opts.SessionIdleTimeout / 2
	if interval > 30*time.Second {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-h.closed:
			return
		case <-ticker.C:
		}
		deadline := time.Now().Add(-h.opts.SessionIdleTimeout).UnixNano()
		var expired []*streamableSession
		h.sessionsMu.Lock()
		for _, s := range h.sessions {
			if s.lastAccess.Load() < deadline {
				expired = append(expired, s)
			}
		}
		h.sessionsMu.Unlock()
		for _, s := range expired {
			h.opts.Logger.Info("evicting idle session", "sessionID", s.transport.sessionID)
			h.closeSession(context.Background(), s)
		}
	}
}

// writeJSONRPCError writes a bare JSON-RPC error envelope with a null id, for
// failures that precede message dispatch.
func writeJSONRPCError(w http.ResponseWriter, status int, code int64, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"jsonrpc":"2.0","error":{"code":%d,"message":%s},"id":null}`, code, strconv.Quote(message))
}

// acceptable reports which response content types the request accepts.
// An absent Accept header accepts everything.
func acceptable(req *http.Request) (jsonOK, streamOK bool) {
	values := req.Header.Values("Accept")
	if len(values) == 0 {
		return true, true
	}
	for _, c := range strings.Split(strings.Join(values, ","), ",") {
		mediaType, _, _ := strings.Cut(strings.TrimSpace(c), ";")
		switch mediaType {
		case "application/json":
			jsonOK = true
		case "text/event-stream":
			streamOK = true
		case "*/*":
			jsonOK, streamOK = true, true
		case "application/*":
			jsonOK = true
		case "text/*":
			streamOK = true
		}
	}
	return jsonOK, streamOK
}

func (h *StreamableHTTPHandler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodOptions:
		w.Header().Set("Allow", "GET, POST, DELETE, OPTIONS")
		w.WriteHeader(http.StatusNoContent)
		return
	case http.MethodGet, http.MethodPost, http.MethodDelete:
	default:
		w.Header().Set("Allow", "GET, POST, DELETE, OPTIONS")
		http.Error(w, "unsupported method", http.StatusMethodNotAllowed)
		return
	}

	jsonOK, streamOK := acceptable(req)
	if req.Method == http.MethodGet && !streamOK {
		http.Error(w, "Accept must contain 'text/event-stream' for GET requests", http.StatusBadRequest)
		return
	}
	if req.Method == http.MethodPost && !jsonOK && !streamOK {
		http.Error(w, "Accept must contain 'application/json' or 'text/event-stream'", http.StatusBadRequest)
		return
	}

	if h.opts.Stateless {
		h.serveStateless(w, req)
		return
	}

	var session *streamableSession
	if id := req.Header.Get("Mcp-Session-Id"); id != "" {
		h.sessionsMu.Lock()
		session = h.sessions[id]
		h.sessionsMu.Unlock()
		if session == nil {
			session = h.rehydrate(req, id)
		}
		if session == nil {
			writeJSONRPCError(w, http.StatusNotFound, jsonrpc.CodeConnectionClosed, fmt.Sprintf("unknown or terminated session %q", id))
			return
		}
		session.touch()
	}

	switch req.Method {
	case http.MethodDelete:
		if session == nil {
			http.Error(w, "DELETE requires an Mcp-Session-Id header", http.StatusBadRequest)
			return
		}
		h.closeSession(req.Context(), session)
		w.WriteHeader(http.StatusOK)
		return

	case http.MethodGet:
		if session == nil {
			writeJSONRPCError(w, http.StatusNotFound, jsonrpc.CodeConnectionClosed, "GET requires an established session")
			return
		}
		session.transport.serveGET(w, req)
		return
	}

	// POST: read and parse the body before deciding on session creation, as
	// only an initialize request may create a session.
	msgs, batch, ok := h.readBody(w, req)
	if !ok {
		return
	}
	hasInitialize := false
	for _, msg := range msgs {
		if req, isReq := msg.(*jsonrpc.Request); isReq && req.Method == methodInitialize {
			hasInitialize = true
		}
	}

	if session == nil {
		if !hasInitialize {
			writeJSONRPCError(w, http.StatusBadRequest, jsonrpc.CodeConnectionClosed, "session required: send an initialize request first")
			return
		}
		transport := NewStreamableServerTransport(h.opts.GetSessionID(), &StreamableServerTransportOptions{
			EventStore: h.eventStore,
		})
		if h.opts.SessionStore != nil {
			transport.onStateChange = h.persistState(transport.sessionID)
		}
		server := h.getServer(req)
		if server == nil {
			http.Error(w, "no server available", http.StatusInternalServerError)
			return
		}
		ss, err := server.Connect(req.Context(), transport)
		if err != nil {
			http.Error(w, "failed connection", http.StatusInternalServerError)
			return
		}
		session = &streamableSession{transport: transport, server: server, ss: ss}
		session.touch()
		h.sessionsMu.Lock()
		h.sessions[transport.sessionID] = session
		h.sessionsMu.Unlock()
	} else if hasInitialize {
		writeJSONRPCError(w, http.StatusBadRequest, jsonrpc.CodeConnectionClosed, "session is already initialized")
		return
	}

	session.transport.servePOST(w, req, msgs, batch)
}

// serveStateless serves a POST with an ephemeral single-request session.
func (h *StreamableHTTPHandler) serveStateless(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		http.Error(w, "stateless mode supports POST only", http.StatusMethodNotAllowed)
		return
	}
	msgs, batch, ok := h.readBody(w, req)
	if !ok {
		return
	}
	transport := NewStreamableServerTransport(h.opts.GetSessionID(), &StreamableServerTransportOptions{
		EventStore: NewMemoryEventStore(nil),
	})
	transport.stateless = true
	server := h.getServer(req)
	if server == nil {
		http.Error(w, "no server available", http.StatusInternalServerError)
		return
	}
	if _, err := server.Connect(req.Context(), transport); err != nil {
		http.Error(w, "failed connection", http.StatusInternalServerError)
		return
	}
	defer transport.Close()
	// In stateless mode every request must be self-contained, so pretend the
	// session is initialized.
	transport.sessionUpdated(ServerSessionState{
		InitializeParams:  &InitializeParams{ProtocolVersion: latestProtocolVersion},
		InitializedParams: &InitializedParams{},
	})
	transport.servePOST(w, req, msgs, batch)
}

// readBody reads, bounds and parses a POST body. On failure it writes the
// HTTP error and reports ok=false.
func (h *StreamableHTTPHandler) readBody(w http.ResponseWriter, req *http.Request) (msgs []jsonrpc.Message, batch bool, ok bool) {
	if limit := effectiveMaxBodyBytes(h.opts.MaxBodyBytes); limit > 0 {
		req.Body = http.MaxBytesReader(w, req.Body, limit)
	}
	body, err := io.ReadAll(req.Body)
	if err != nil {
		if isMaxBytesError(err) {
			writeRequestBodyTooLarge(w)
		} else {
			http.Error(w, "failed to read body", http.StatusBadRequest)
		}
		return nil, false, false
	}
	if len(body) == 0 {
		http.Error(w, "POST requires a non-empty body", http.StatusBadRequest)
		return nil, false, false
	}
	msgs, batch, err = jsonrpc2.DecodeBatch(body)
	if err != nil {
		code := jsonrpc.CodeParseError
		if errors.Is(err, jsonrpc2.ErrInvalidRequest) {
			code = jsonrpc.CodeInvalidRequest
		}
		writeJSONRPCError(w, http.StatusBadRequest, code, fmt.Sprintf("malformed payload: %v", err))
		return nil, false, false
	}
	return msgs, batch, true
}

// rehydrate restores a session from the session store, if configured.
func (h *StreamableHTTPHandler) rehydrate(req *http.Request, id string) *streamableSession {
	if h.opts.SessionStore == nil {
		return nil
	}
	state, err := h.opts.SessionStore.Load(req.Context(), id)
	if err != nil || state == nil {
		return nil
	}
	transport := NewStreamableServerTransport(id, &StreamableServerTransportOptions{
		EventStore: h.eventStore,
		State:      state,
	})
	transport.onStateChange = h.persistState(id)
	server := h.getServer(req)
	if server == nil {
		return nil
	}
	ss, err := server.Connect(req.Context(), transport)
	if err != nil {
		return nil
	}
	session := &streamableSession{transport: transport, server: server, ss: ss}
	session.touch()
	h.sessionsMu.Lock()
	// Lost the race to another request: use theirs.
	if existing, ok := h.sessions[id]; ok {
		h.sessionsMu.Unlock()
		transport.Close()
		return existing
	}
	h.sessions[id] = session
	h.sessionsMu.Unlock()
	return session
}

func (h *StreamableHTTPHandler) persistState(sessionID string) func(ServerSessionState) {
	return func(state ServerSessionState) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.opts.SessionStore.Store(ctx, sessionID, &state); err != nil {
			h.opts.Logger.Warn("persisting session state", "sessionID", sessionID, "error", err)
		}
	}
}

// closeSession terminates a session: all streams close, queued task messages
// are dropped, and stored state is deleted.
func (h *StreamableHTTPHandler) closeSession(ctx context.Context, session *streamableSession) {
	id := session.transport.sessionID
	h.sessionsMu.Lock()
	delete(h.sessions, id)
	h.sessionsMu.Unlock()

	session.transport.Close()
	if q, ok := session.server.opts.TaskQueue.(interface{ DropSession(string) }); ok {
		q.DropSession(id)
	}
	if err := h.eventStore.SessionClosed(ctx, id); err != nil {
		h.opts.Logger.Warn("releasing session events", "sessionID", id, "error", err)
	}
	if h.opts.SessionStore != nil {
		if err := h.opts.SessionStore.Delete(ctx, id); err != nil {
			h.opts.Logger.Warn("deleting session state", "sessionID", id, "error", err)
		}
	}
	if h.opts.OnSessionClosed != nil {
		h.opts.OnSessionClosed(id)
	}
}

// Close closes all ongoing sessions.
func (h *StreamableHTTPHandler) Close() error {
	h.closeOnce.Do(func() { close(h.closed) })
	h.sessionsMu.Lock()
	sessions := h.sessions
	h.sessions = make(map[string]*streamableSession)
	h.sessionsMu.Unlock()
	for _, s := range sessions {
		s.transport.Close()
	}
	return nil
}

// StreamableServerTransportOptions configure a [StreamableServerTransport].
type StreamableServerTransportOptions struct {
	// EventStore retains outgoing events for resumption. If nil, an
	// in-memory store is used.
	EventStore EventStore
	// State seeds the session state, for sessions resumed from persistent
	// storage.
	State *ServerSessionState
}

// NewStreamableServerTransport returns a new [StreamableServerTransport] for
// a single session with the given ID.
//
// Most users will serve sessions through a [StreamableHTTPHandler] rather
// than using this directly; the transport is exported so that sessions can be
// bound to custom HTTP plumbing.
func NewStreamableServerTransport(sessionID string, opts *StreamableServerTransportOptions) *StreamableServerTransport {
	t := &StreamableServerTransport{
		sessionID:      sessionID,
		incoming:       make(chan jsonrpc.Message, 10),
		done:           make(chan struct{}),
		signals:        make(map[int64]chan struct{}),
		requestStreams: make(map[jsonrpc.ID]int64),
		streamRequests: make(map[int64]map[jsonrpc.ID]struct{}),
		counts:         make(map[int64]int),
		extras:         make(map[jsonrpc.ID]*RequestExtra),
	}
	if opts != nil {
		t.eventStore = opts.EventStore
		if opts.State != nil {
			t.state = *opts.State
			t.hasState = true
		}
	}
	if t.eventStore == nil {
		t.eventStore = NewMemoryEventStore(nil)
	}
	return t
}

// A StreamableServerTransport is the server side of one streamable HTTP
// session. It implements [Transport] and [Connection]: the session's HTTP
// requests feed its incoming queue, and messages written by the server are
// distributed to the HTTP response streams that own them.
//
// Sessions can span multiple HTTP requests, and individual streams may be
// resumed after a disconnect; the event store keeps the events needed for
// replay.
type StreamableServerTransport struct {
	sessionID  string
	eventStore EventStore
	stateless  bool

	// onStateChange, if set, observes every session state update.
	onStateChange func(ServerSessionState)

	incoming chan jsonrpc.Message

	nextStreamID atomic.Int64 // 0 is the standalone GET stream

	mu     sync.Mutex
	isDone bool
	done   chan struct{}

	// requestStreams maps incoming requests to the logical stream on which
	// their responses should be delivered. Stream 0 is the default stream,
	// carrying messages that relate to no request.
	requestStreams map[jsonrpc.ID]int64
	// streamRequests tracks the unanswered requests of each stream; a POST
	// response stream closes once its last request is answered.
	streamRequests map[int64]map[jsonrpc.ID]struct{}
	// signals wakes the HTTP response currently consuming each stream. At
	// most one response owns a stream at a time.
	signals map[int64]chan struct{}
	// counts is the number of events appended to each stream.
	counts map[int64]int
	// standaloneDone, when non-nil, supersedes the current standalone GET.
	standaloneDone chan struct{}
	// extras holds per-request transport metadata until the request is
	// answered.
	extras map[jsonrpc.ID]*RequestExtra

	state    ServerSessionState
	hasState bool
}

// Connect implements the [Transport] interface.
func (t *StreamableServerTransport) Connect(context.Context) (Connection, error) {
	return t, nil
}

// SessionID implements the [Connection] interface.
func (t *StreamableServerTransport) SessionID() string { return t.sessionID }

func (t *StreamableServerTransport) sessionUpdated(state ServerSessionState) {
	t.mu.Lock()
	t.state = state
	t.hasState = true
	callback := t.onStateChange
	t.mu.Unlock()
	if callback != nil {
		callback(state)
	}
}

// initialSessionState seeds the server session for resumed sessions.
func (t *StreamableServerTransport) initialSessionState() *ServerSessionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.hasState {
		return nil
	}
	state := t.state
	return &state
}

func (t *StreamableServerTransport) protocolVersion() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.InitializeParams == nil {
		return ""
	}
	return t.state.InitializeParams.ProtocolVersion
}

// requestExtra implements the optional connection interface consulted by the
// engine when dispatching requests.
func (t *StreamableServerTransport) requestExtra(id jsonrpc.ID) *RequestExtra {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.extras[id]
}

// ServeHTTP handles a single HTTP request for the session, for use without a
// [StreamableHTTPHandler].
func (t *StreamableServerTransport) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodGet:
		t.serveGET(w, req)
	case http.MethodPost:
		req.Body = http.MaxBytesReader(w, req.Body, DefaultMaxBodyBytes)
		body, err := io.ReadAll(req.Body)
		if err != nil {
			if isMaxBytesError(err) {
				writeRequestBodyTooLarge(w)
			} else {
				http.Error(w, "failed to read body", http.StatusBadRequest)
			}
			return
		}
		if len(body) == 0 {
			http.Error(w, "POST requires a non-empty body", http.StatusBadRequest)
			return
		}
		msgs, batch, err := jsonrpc2.DecodeBatch(body)
		if err != nil {
			writeJSONRPCError(w, http.StatusBadRequest, jsonrpc.CodeParseError, fmt.Sprintf("malformed payload: %v", err))
			return
		}
		t.servePOST(w, req, msgs, batch)
	default:
		w.Header().Set("Allow", "GET, POST")
		http.Error(w, "unsupported method", http.StatusMethodNotAllowed)
	}
}

// serveGET serves the standalone notification stream, or resumes a prior
// stream if a Last-Event-ID header is present. A new standalone GET
// supersedes the current one, which is closed with an error event.
func (t *StreamableServerTransport) serveGET(w http.ResponseWriter, req *http.Request) {
	id, nextIdx := int64(0), 0
	if len(req.Header.Values("Last-Event-ID")) > 0 {
		eid := req.Header.Get("Last-Event-ID")
		var ok bool
		id, nextIdx, ok = parseEventID(eid)
		if !ok {
			http.Error(w, fmt.Sprintf("malformed Last-Event-ID %q", eid), http.StatusBadRequest)
			return
		}
		nextIdx++
	}

	t.mu.Lock()
	if id == 0 {
		// Supersede the current standalone stream, if any.
		if t.standaloneDone != nil {
			close(t.standaloneDone)
		}
		t.standaloneDone = make(chan struct{})
	} else if _, busy := t.signals[id]; busy {
		t.mu.Unlock()
		http.Error(w, "stream is owned by an ongoing request", http.StatusConflict)
		return
	}
	signal := make(chan struct{}, 1)
	// Take ownership; the prior owner, if any, observes superseded and exits
	// without touching signals for this stream again.
	t.signals[id] = signal
	superseded := t.standaloneDone
	if id != 0 {
		superseded = nil
	}
	t.mu.Unlock()

	t.streamResponse(w, req, id, nextIdx, signal, superseded, false)
}

// servePOST dispatches the parsed messages of a POST body and streams back
// the correlated messages.
func (t *StreamableServerTransport) servePOST(w http.ResponseWriter, req *http.Request, msgs []jsonrpc.Message, batch bool) {
	if len(req.Header.Values("Last-Event-ID")) > 0 {
		http.Error(w, "can't send Last-Event-ID for POST request", http.StatusBadRequest)
		return
	}
	if batch {
		if v := t.protocolVersion(); v != "" && !batchingSupported(v) {
			writeJSONRPCError(w, http.StatusBadRequest, jsonrpc.CodeInvalidRequest,
				fmt.Sprintf("JSON-RPC batching is not supported in 2025-06-18 and later (request version: %s)", v))
			return
		}
	}
	// A session accepts exactly one initialize request, on the POST that
	// established it. Stateless transports pretend to be initialized and are
	// exempt.
	if !t.stateless && t.protocolVersion() != "" {
		for _, msg := range msgs {
			if jreq, ok := msg.(*jsonrpc.Request); ok && jreq.Method == methodInitialize {
				writeJSONRPCError(w, http.StatusBadRequest, jsonrpc.CodeConnectionClosed, "session is already initialized")
				return
			}
		}
	}

	requests := make(map[jsonrpc.ID]struct{})
	for _, msg := range msgs {
		if jreq, ok := msg.(*jsonrpc.Request); ok && jreq.ID.IsValid() {
			requests[jreq.ID] = struct{}{}
		}
	}

	extra := &RequestExtra{
		Header:    req.Header.Clone(),
		TokenInfo: auth.TokenInfoFromContext(req.Context()),
	}

	id := t.nextStreamID.Add(1)
	signal := make(chan struct{}, 1)
	t.mu.Lock()
	if t.isDone {
		t.mu.Unlock()
		writeJSONRPCError(w, http.StatusNotFound, jsonrpc.CodeConnectionClosed, "session is terminated")
		return
	}
	if len(requests) > 0 {
		t.streamRequests[id] = make(map[jsonrpc.ID]struct{})
	}
	for reqID := range requests {
		t.requestStreams[reqID] = id
		t.streamRequests[id][reqID] = struct{}{}
		t.extras[reqID] = extra
	}
	t.signals[id] = signal
	t.mu.Unlock()

	for _, msg := range msgs {
		select {
		case t.incoming <- msg:
		case <-t.done:
			writeJSONRPCError(w, http.StatusNotFound, jsonrpc.CodeConnectionClosed, "session is terminated")
			return
		}
	}

	_, streamOK := acceptable(req)
	t.streamResponse(w, req, id, 0, signal, nil, !streamOK)
}

// streamResponse writes the events of a logical stream to an HTTP response:
// as SSE events, or, in json mode, buffered into a single JSON body once the
// stream completes.
func (t *StreamableServerTransport) streamResponse(w http.ResponseWriter, req *http.Request, id int64, nextIndex int, signal chan struct{}, superseded <-chan struct{}, jsonMode bool) {
	defer func() {
		t.mu.Lock()
		if t.signals[id] == signal {
			delete(t.signals, id)
		}
		t.mu.Unlock()
	}()

	if t.sessionID != "" && !t.stateless {
		w.Header().Set("Mcp-Session-Id", t.sessionID)
	}
	if v := t.protocolVersion(); v != "" {
		w.Header().Set("Mcp-Protocol-Version", v)
	}

	var collected [][]byte // json mode accumulator
	headersSent := false
	writes := 0

	writeOne := func(data []byte, idx int) bool {
		if jsonMode {
			collected = append(collected, data)
			return true
		}
		if !headersSent {
			w.Header().Set("Content-Type", "text/event-stream")
			w.Header().Set("Cache-Control", "no-cache, no-transform")
			w.Header().Set("Connection", "keep-alive")
			w.WriteHeader(http.StatusOK)
			headersSent = true
		}
		_, err := writeEvent(w, event{
			name: "message",
			id:   formatEventID(id, idx),
			data: data,
		})
		return err == nil
	}

	for {
		// Drain events at and after nextIndex.
		for data, err := range t.eventStore.After(req.Context(), t.sessionID, id, nextIndex) {
			if err != nil {
				if writes == 0 && !headersSent {
					http.Error(w, fmt.Sprintf("replay failed: %v", err), http.StatusBadRequest)
				}
				return
			}
			if !writeOne(data, nextIndex) {
				return
			}
			writes++
			nextIndex++
		}

		t.mu.Lock()
		nOutstanding := len(t.streamRequests[id])
		total := t.counts[id]
		t.mu.Unlock()

		if nextIndex < total {
			continue // more to drain
		}

		if req.Method == http.MethodPost && nOutstanding == 0 {
			// All requests answered (or the POST carried none).
			if jsonMode {
				t.writeJSONBody(w, collected)
			} else if writes == 0 {
				w.WriteHeader(http.StatusAccepted)
			}
			return
		}

		select {
		case <-signal:
		case <-superseded:
			if headersSent {
				writeEvent(w, event{
					name: "error",
					data: fmt.Appendf(nil, `{"code":%d,"message":"stream superseded by a new connection"}`, jsonrpc.CodeConnectionClosed),
				})
			}
			return
		case <-t.done:
			if writes == 0 && !headersSent {
				writeJSONRPCError(w, http.StatusNotFound, jsonrpc.CodeConnectionClosed, "session is terminated")
			} else if headersSent {
				writeEvent(w, event{
					name: "error",
					data: fmt.Appendf(nil, `{"code":%d,"message":"session is terminated"}`, jsonrpc.CodeConnectionClosed),
				})
			}
			return
		case <-req.Context().Done():
			if writes == 0 && !headersSent && !jsonMode {
				w.WriteHeader(http.StatusNoContent)
			}
			return
		}
	}
}

// writeJSONBody terminates a non-streaming POST: 202 with no body when there
// is nothing to say, a single JSON object for one message, and a JSON array
// for several.
func (t *StreamableServerTransport) writeJSONBody(w http.ResponseWriter, msgs [][]byte) {
	if len(msgs) == 0 {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if len(msgs) == 1 {
		w.Write(msgs[0])
		return
	}
	w.Write([]byte{'['})
	for i, msg := range msgs {
		if i > 0 {
			w.Write([]byte{','})
		}
		w.Write(msg)
	}
	w.Write([]byte{']'})
}

// Event IDs encode the logical stream and the index within it, as
// <streamID>_<idx>.

// formatEventID returns the SSE event ID for message idx of stream sid.
//
// See also [parseEventID].
func formatEventID(sid int64, idx int) string {
	return fmt.Sprintf("%d_%d", sid, idx)
}

// parseEventID parses a Last-Event-ID value into a logical stream ID and
// index.
//
// See also [formatEventID].
func parseEventID(eventID string) (sid int64, idx int, ok bool) {
	parts := strings.Split(eventID, "_")
	if len(parts) != 2 {
		return 0, 0, false
	}
	stream, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || stream < 0 {
		return 0, 0, false
	}
	idx, err = strconv.Atoi(parts[1])
	if err != nil || idx < 0 {
		return 0, 0, false
	}
	return stream, idx, true
}

// Read implements the [Connection] interface.
func (t *StreamableServerTransport) Read(ctx context.Context) (jsonrpc.Message, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg := <-t.incoming:
		return msg, nil
	case <-t.done:
		return nil, io.EOF
	}
}

// Write implements the [Connection] interface. The message is appended to
// the logical stream that owns it: the stream of the request it responds to,
// the stream of the request being handled when it was sent, or the standalone
// stream.
func (t *StreamableServerTransport) Write(ctx context.Context, msg jsonrpc.Message) error {
	var forRequest, replyTo jsonrpc.ID
	if resp, ok := msg.(*jsonrpc.Response); ok {
		forRequest = resp.ID
		replyTo = resp.ID
	} else if id, ok := relatedRequestID(ctx); ok {
		forRequest = id
	}

	var forStream int64
	if forRequest.IsValid() {
		t.mu.Lock()
		forStream = t.requestStreams[forRequest]
		t.mu.Unlock()
	}

	data, err := jsonrpc.EncodeMessage(msg)
	if err != nil {
		return err
	}

	t.mu.Lock()
	if t.isDone {
		t.mu.Unlock()
		return ErrConnectionClosed
	}
	if _, live := t.streamRequests[forStream]; !live && forStream != 0 {
		// The stream's requests were all answered: deliver on the standalone
		// stream rather than dropping the message.
		forStream = 0
	}
	t.mu.Unlock()

	idx, err := t.eventStore.Append(ctx, t.sessionID, forStream, data)
	if err != nil {
		return &TransportError{Kind: SendFailed, Err: err}
	}

	t.mu.Lock()
	if idx+1 > t.counts[forStream] {
		t.counts[forStream] = idx + 1
	}
	if replyTo.IsValid() {
		// Once the reply is queued, the request is no longer outstanding.
		delete(t.extras, replyTo)
		if reqs, ok := t.streamRequests[forStream]; ok {
			delete(reqs, replyTo)
			if len(reqs) == 0 {
				delete(t.streamRequests, forStream)
			}
		}
	}
	signal := t.signals[forStream]
	t.mu.Unlock()

	if signal != nil {
		select {
		case signal <- struct{}{}:
		default:
		}
	}
	return nil
}

// Close implements the [Connection] interface.
func (t *StreamableServerTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.isDone {
		t.isDone = true
		close(t.done)
	}
	return nil
}

// A StreamableClientTransport is a [Transport] that can communicate with an
// MCP endpoint serving the streamable HTTP transport.
type StreamableClientTransport struct {
	// Endpoint is the URL of the MCP endpoint.
	Endpoint string
	// HTTPClient is the client to use for HTTP requests. If nil,
	// http.DefaultClient is used.
	HTTPClient *http.Client
	// MaxRetries bounds retries of transient POST and GET failures. If 0, a
	// default of 4 is used; negative disables retries.
	MaxRetries int
	// InitialBackoff is the delay before the first retry, doubling per
	// attempt with jitter. If 0, one second.
	InitialBackoff time.Duration
	// Logger receives transport diagnostics. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Connect implements the [Transport] interface.
//
// The resulting [Connection] writes messages via POST requests to the
// endpoint with the Mcp-Session-Id header set, reads correlated messages
// from their response streams, and maintains a hanging GET for
// server-initiated messages. Closing the connection issues a DELETE to
// terminate the session.
func (t *StreamableClientTransport) Connect(ctx context.Context) (Connection, error) {
	client := t.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	maxRetries := t.MaxRetries
	if maxRetries == 0 {
		maxRetries = 4
	} else if maxRetries < 0 {
		maxRetries = 0
	}
	backoff := t.InitialBackoff
	if backoff <= 0 {
		backoff = time.Second
	}
	logger := t.Logger
	if logger == nil {
		logger = slog.Default()
	}
	conn := &streamableClientConn{
		url:            t.Endpoint,
		client:         client,
		logger:         logger,
		maxRetries:     maxRetries,
		initialBackoff: backoff,
		incoming:       make(chan []byte, 100),
		done:           make(chan struct{}),
		randSource:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	conn.sessionID.Store("")
	conn.negotiatedVersion.Store("")
	go conn.maintainStandaloneStream()
	return conn, nil
}

type streamableClientConn struct {
	url    string
	client *http.Client
	logger *slog.Logger

	maxRetries     int
	initialBackoff time.Duration
	randSource     *rand.Rand

	sessionID         atomic.Value // string
	negotiatedVersion atomic.Value // string

	incoming chan []byte
	done     chan struct{}

	closeOnce sync.Once
	closeErr  error

	mu sync.Mutex
	// lastEventID of the standalone stream, for resumption.
	lastEventID string
	// err is the failure that rendered the connection unusable.
	err error
	// cancelStandalone interrupts the current hanging GET.
	cancelStandalone context.CancelFunc
}

// SessionID implements the [Connection] interface.
func (c *streamableClientConn) SessionID() string {
	return c.sessionID.Load().(string)
}

// setProtocolVersion records the negotiated version, echoed on subsequent
// requests.
func (c *streamableClientConn) setProtocolVersion(v string) {
	c.negotiatedVersion.Store(v)
}

func (c *streamableClientConn) setHeaders(req *http.Request) {
	if id := c.SessionID(); id != "" {
		req.Header.Set("Mcp-Session-Id", id)
	}
	if v := c.negotiatedVersion.Load().(string); v != "" {
		req.Header.Set("Mcp-Protocol-Version", v)
	}
}

// Read implements the [Connection] interface.
func (c *streamableClientConn) Read(ctx context.Context) (jsonrpc.Message, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.err != nil {
			return nil, c.err
		}
		return nil, io.EOF
	case data := <-c.incoming:
		msg, err := jsonrpc.DecodeMessage(data)
		if err != nil {
			// A bad payload on one stream must not fail the whole session.
			return nil, &malformedMessageError{err: err}
		}
		return msg, nil
	}
}

// Write implements the [Connection] interface: the message is POSTed to the
// endpoint, retrying transient failures with exponential backoff, and any
// response stream is consumed in the background.
func (c *streamableClientConn) Write(ctx context.Context, msg jsonrpc.Message) error {
	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-c.done:
				return ErrConnectionClosed
			case <-time.After(c.backoffDelay(attempt - 1)):
			}
		}
		lastErr = c.postMessage(ctx, msg)
		if lastErr == nil {
			return nil
		}
		if !isRetryable(lastErr) {
			break
		}
	}
	return &TransportError{Kind: SendFailed, Err: lastErr}
}

func (c *streamableClientConn) backoffDelay(attempt int) time.Duration {
	d := c.initialBackoff * time.Duration(1<<uint(attempt))
	if d > 30*time.Second {
		d = 30 * time.Second
	}
	return d + time.Duration(c.randSource.Int63n(int64(d/2)+1))
}

// postMessage POSTs a single message, capturing an assigned session ID and
// consuming an SSE response body in the background.
func (c *streamableClientConn) postMessage(ctx context.Context, msg jsonrpc.Message) error {
	data, err := jsonrpc.EncodeMessage(msg)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	c.setHeaders(req)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		resp.Body.Close()
		return &httpStatusError{
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("POST returned %s: %s", resp.Status, strings.TrimSpace(string(body))),
		}
	}
	if id := resp.Header.Get("Mcp-Session-Id"); id != "" && c.SessionID() == "" {
		c.sessionID.Store(id)
	}

	contentType, _, _ := strings.Cut(resp.Header.Get("Content-Type"), ";")
	switch contentType {
	case "text/event-stream":
		go c.consumeSSE(resp, false)
	case "application/json":
		go c.consumeJSON(resp)
	default:
		resp.Body.Close()
	}
	return nil
}

// consumeJSON delivers a single-document POST response body.
func (c *streamableClientConn) consumeJSON(resp *http.Response) {
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.logger.Warn("reading response body", "error", err)
		return
	}
	msgs, _, err := jsonrpc2.DecodeBatch(body)
	if err != nil {
		c.logger.Warn("malformed response body", "error", err)
		return
	}
	for _, msg := range msgs {
		data, err := jsonrpc.EncodeMessage(msg)
		if err != nil {
			continue
		}
		select {
		case c.incoming <- data:
		case <-c.done:
			return
		}
	}
}

// consumeSSE delivers the events of a response stream. For the standalone
// stream, it records event IDs for resumption.
func (c *streamableClientConn) consumeSSE(resp *http.Response, standalone bool) error {
	defer resp.Body.Close()
	for evt, err := range scanEvents(resp.Body) {
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		if standalone && evt.id != "" {
			c.mu.Lock()
			c.lastEventID = evt.id
			c.mu.Unlock()
		}
		switch evt.name {
		case "", "message":
			// Message data is delivered verbatim, zero-length included.
		case "error":
			continue // stream-level error event; the stream is about to close
		default:
			continue // not a message-bearing event
		}
		select {
		case c.incoming <- evt.data:
		case <-c.done:
			return io.EOF
		}
	}
	return nil
}

// maintainStandaloneStream keeps a hanging GET open for server-initiated
// messages, resuming from the last received event ID after disconnects.
func (c *streamableClientConn) maintainStandaloneStream() {
	backoff := c.initialBackoff
	retries := 0
	for {
		select {
		case <-c.done:
			return
		default:
		}
		if c.SessionID() == "" {
			// The session is assigned by the first POST.
			select {
			case <-c.done:
				return
			case <-time.After(50 * time.Millisecond):
			}
			continue
		}

		ctx, cancel := context.WithCancel(context.Background())
		c.mu.Lock()
		c.cancelStandalone = cancel
		lastEventID := c.lastEventID
		c.mu.Unlock()

		err := c.standaloneGET(ctx, lastEventID)

		c.mu.Lock()
		c.cancelStandalone = nil
		c.mu.Unlock()
		cancel()

		if err == nil {
			retries = 0
			backoff = c.initialBackoff
			continue
		}
		var httpErr *httpStatusError
		if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusMethodNotAllowed {
			return // server does not support the standalone stream
		}
		if retries >= c.maxRetries {
			c.failConnection(fmt.Errorf("standalone stream failed after %d retries: %w", c.maxRetries, err))
			return
		}
		select {
		case <-c.done:
			return
		case <-time.After(backoff + time.Duration(c.randSource.Int63n(int64(backoff/2)+1))):
			retries++
			if backoff *= 2; backoff > 30*time.Second {
				backoff = 30 * time.Second
			}
		}
	}
}

func (c *streamableClientConn) standaloneGET(ctx context.Context, lastEventID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return err
	}
	c.setHeaders(req)
	req.Header.Set("Accept", "text/event-stream")
	if lastEventID != "" {
		req.Header.Set("Last-Event-ID", lastEventID)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		resp.Body.Close()
		return &httpStatusError{
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("GET returned %s: %s", resp.Status, strings.TrimSpace(string(body))),
		}
	}
	return c.consumeSSE(resp, true)
}

// failConnection marks the connection broken and closes it.
func (c *streamableClientConn) failConnection(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = &TransportError{Kind: ConnectionLost, Err: err}
	}
	c.mu.Unlock()
	c.Close()
}

// isRetryable reports whether err indicates a transient condition that
// warrants a retry.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	var httpErr *httpStatusError
	if errors.As(err, &httpErr) {
		switch httpErr.StatusCode {
		case http.StatusRequestTimeout, // 408
			http.StatusTooEarly,            // 425
			http.StatusTooManyRequests,     // 429
			http.StatusInternalServerError, // 500
			http.StatusBadGateway,          // 502
			http.StatusServiceUnavailable,  // 503
			http.StatusGatewayTimeout:      // 504
			return true
		}
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return true
	}
	return false
}

// Close implements the [Connection] interface. It stops the background
// stream and sends a best-effort DELETE to terminate the session.
func (c *streamableClientConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.mu.Lock()
		if c.cancelStandalone != nil {
			c.cancelStandalone()
		}
		c.mu.Unlock()

		if id := c.SessionID(); id != "" {
			req, err := http.NewRequest(http.MethodDelete, c.url, nil)
			if err == nil {
				c.setHeaders(req)
				if resp, derr := c.client.Do(req); derr == nil {
					resp.Body.Close()
				}
			}
		}
	})
	return c.closeErr
}

// httpStatusError wraps an error with the HTTP status that produced it.
type httpStatusError struct {
	StatusCode int
	Err        error
}

func (e *httpStatusError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("HTTP status %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("HTTP status %d", e.StatusCode)
}

func (e *httpStatusError) Unwrap() error { return e.Err }
