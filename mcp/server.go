// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-core/internal/jsonrpc2"
	"github.com/modelcontextprotocol/go-core/jsonrpc"
)

// ServerOptions configure the behavior of a [Server].
type ServerOptions struct {
	// Instructions describes how to use the server, returned to clients from
	// initialize.
	Instructions string
	// Capabilities that the server announces, merged with the capabilities
	// implied by other options: logging is always announced, and tasks when
	// TaskStore is set.
	Capabilities *ServerCapabilities
	// RequestTimeout is the default deadline for outbound calls.
	// If zero, it is 60 seconds.
	RequestTimeout time.Duration
	// KeepAlive, if positive, enables periodic pings on each session; a
	// failed ping closes the session.
	KeepAlive time.Duration
	// Logger receives session diagnostics. If nil, slog.Default() is used.
	Logger *slog.Logger
	// OnError receives protocol-level anomalies that have no caller to return
	// to, such as parse errors on incoming responses.
	OnError func(error)
	// TransformErrorEnvelope may rewrite the message and data of the internal
	// error envelope produced when a handler fails. The code is locked.
	TransformErrorEnvelope func(*jsonrpc.Error)
	// TaskStore enables task-augmented requests. If nil, task augmentation is
	// rejected.
	TaskStore TaskStore
	// TaskQueue buffers messages that belong to a task while their session
	// has no live stream to the client. Requires TaskStore.
	TaskQueue TaskQueue
	// TaskPollInterval is the interval suggested to clients polling
	// tasks/result, and the fallback wakeup interval of the poll itself.
	// If zero, it is 1 second.
	TaskPollInterval time.Duration
	// TaskPageSize bounds tasks/list pages. If zero, it is 100.
	TaskPageSize int
}

// A Server is an MCP server.
//
// Handlers for the methods the server serves are registered before the first
// connection; a single Server may then be connected to multiple peers, one
// [ServerSession] each.
type Server struct {
	impl *Implementation
	opts ServerOptions

	tasks *serverTasks // nil unless TaskStore is configured

	mu                   sync.Mutex
	frozen               bool // set by the first Connect; registration is rejected after
	requestHandlers      map[string]RequestHandler
	notificationHandlers map[string]NotificationHandler
	sessions             []*ServerSession
}

// NewServer creates a new MCP server. The resulting server has no handlers;
// registries add theirs with [Server.SetRequestHandler] before connecting.
//
// The first argument must not be nil.
func NewServer(impl *Implementation, opts *ServerOptions) *Server {
	if impl == nil {
		panic("nil Implementation")
	}
	s := &Server{
		impl:                 impl,
		requestHandlers:      make(map[string]RequestHandler),
		notificationHandlers: make(map[string]NotificationHandler),
	}
	if opts != nil {
		s.opts = *opts
	}
	if s.opts.Logger == nil {
		s.opts.Logger = slog.Default()
	}
	if s.opts.TaskStore != nil {
		s.tasks = &serverTasks{
			store:        s.opts.TaskStore,
			queue:        s.opts.TaskQueue,
			pollInterval: s.opts.TaskPollInterval,
			pageSize:     s.opts.TaskPageSize,
		}
	}
	return s
}

// reservedMethods cannot be registered: the engine serves them itself.
var reservedMethods = []string{
	methodInitialize,
	methodPing,
	methodGetTask,
	methodTaskResult,
	methodListTasks,
	methodCancelTask,
}

// SetRequestHandler registers the handler for the given request method.
//
// Registration is only possible before the first connection; afterwards it
// fails with [ErrRegistrationAfterConnect].
func (s *Server) SetRequestHandler(method string, h RequestHandler) error {
	if slices.Contains(reservedMethods, method) {
		return fmt.Errorf("method %q is reserved", method)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frozen {
		return ErrRegistrationAfterConnect
	}
	s.requestHandlers[method] = h
	return nil
}

// SetNotificationHandler registers the handler for the given notification
// method. See [Server.SetRequestHandler] for the registration rules.
func (s *Server) SetNotificationHandler(method string, h NotificationHandler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frozen {
		return ErrRegistrationAfterConnect
	}
	s.notificationHandlers[method] = h
	return nil
}

// capabilities returns the capabilities to announce: the configured ones plus
// those implied by server state.
func (s *Server) capabilities() *ServerCapabilities {
	caps := s.opts.Capabilities.clone()
	if caps == nil {
		caps = &ServerCapabilities{}
	}
	if caps.Logging == nil {
		caps.Logging = &LoggingCapabilities{}
	}
	if s.tasks != nil && caps.Tasks == nil {
		caps.Tasks = &TaskCapabilities{List: &struct{}{}, Cancel: &struct{}{}}
	}
	return caps
}

// Connect begins an MCP session by connecting over t.
//
// The returned session remains valid until it is closed by either side; use
// [ServerSession.Wait] to await the peer.
func (s *Server) Connect(ctx context.Context, t Transport) (*ServerSession, error) {
	s.mu.Lock()
	s.frozen = true
	s.mu.Unlock()

	ss := &ServerSession{server: s}
	ss.e = newEndpoint(ss, endpointOptions{
		requestTimeout: s.opts.RequestTimeout,
		keepAlive:      s.opts.KeepAlive,
		logger:         s.opts.Logger,
		onError:        s.opts.OnError,
		transformError: s.opts.TransformErrorEnvelope,
	})
	if s.tasks != nil && s.tasks.queue != nil {
		ss.e.addRouter(s.tasks.router(ss))
	}
	if err := ss.e.connect(ctx, t); err != nil {
		return nil, err
	}

	// A transport that resumes an existing session provides its saved state.
	ss.mu.Lock()
	type stateProvider interface {
		initialSessionState() *ServerSessionState
	}
	ss.e.mu.Lock()
	conn := ss.e.conn
	ss.e.mu.Unlock()
	if p, ok := conn.(stateProvider); ok {
		if state := p.initialSessionState(); state != nil {
			ss.state = *state
		}
	}
	ss.mu.Unlock()

	s.mu.Lock()
	s.sessions = append(s.sessions, ss)
	s.mu.Unlock()
	return ss, nil
}

// Sessions returns a snapshot of the connected sessions.
func (s *Server) Sessions() []*ServerSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.sessions)
}

func (s *Server) removeSession(ss *ServerSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = slices.DeleteFunc(s.sessions, func(x *ServerSession) bool { return x == ss })
}

// A ServerSession is a logical connection from a single MCP client. Its
// methods can be used to send requests or notifications to the client.
//
// Call [Server.Connect] to create a ServerSession.
type ServerSession struct {
	server *Server
	e      *endpoint

	mu    sync.Mutex
	state ServerSessionState
}

// ID returns the session ID, or "" if the transport has no session concept.
func (ss *ServerSession) ID() string { return ss.e.sessionID() }

// Close performs a graceful shutdown of the connection: in-flight handlers
// are cancelled and pending calls fail with [ErrConnectionClosed].
func (ss *ServerSession) Close() error { return ss.e.close() }

// Wait blocks until the session is terminated by either side, returning the
// transport failure that ended it, if any.
func (ss *ServerSession) Wait() error { return ss.e.wait() }

// InitializeParams returns the parameters of the session's initialize
// request, or nil before initialization.
func (ss *ServerSession) InitializeParams() *InitializeParams {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.state.InitializeParams
}

// updateState mutates the session state and propagates it to the transport.
func (ss *ServerSession) updateState(mutate func(*ServerSessionState)) {
	ss.mu.Lock()
	mutate(&ss.state)
	state := ss.state
	ss.e.mu.Lock()
	conn := ss.e.conn
	ss.e.mu.Unlock()
	ss.mu.Unlock()
	if u, ok := conn.(sessionUpdater); ok {
		u.sessionUpdated(state)
	}
}

// Call sends a request to the client and awaits its result.
//
// Known server-originated methods are checked against the client's announced
// capabilities; a missing capability fails locally with [*CapabilityError]
// before any wire I/O. When called from a handler running inside a task, the
// request is tagged with the task's metadata, subjecting it to queue routing.
func (ss *ServerSession) Call(ctx context.Context, method string, params any, opts *RequestOptions) (json.RawMessage, error) {
	if err := ss.checkPeerCapability(method); err != nil {
		return nil, err
	}
	params, err := taggedParams(ctx, params)
	if err != nil {
		return nil, err
	}
	res, err := ss.e.call(ctx, method, params, opts)
	if taskID, ok := taskIDFromContext(ctx); ok && err == nil && ss.server.tasks != nil {
		ss.server.tasks.markWorking(ctx, ss.ID(), taskID)
	}
	return res, err
}

// Notify sends a notification to the client. Known server notifications are
// checked against the server's own announced capabilities.
func (ss *ServerSession) Notify(ctx context.Context, method string, params any) error {
	if err := ss.checkOwnNotificationCapability(method); err != nil {
		return err
	}
	params, err := taggedParams(ctx, params)
	if err != nil {
		return err
	}
	return ss.e.notify(ctx, method, params)
}

// Ping pings the client.
func (ss *ServerSession) Ping(ctx context.Context, params *PingParams) error {
	_, err := ss.e.call(ctx, methodPing, orZero(params), nil)
	return err
}

// CreateMessage asks the client to sample an LLM. The params and result are
// opaque to the engine. Requires the client's sampling capability.
func (ss *ServerSession) CreateMessage(ctx context.Context, params json.RawMessage, opts *RequestOptions) (json.RawMessage, error) {
	return ss.Call(ctx, methodCreateMessage, params, opts)
}

// Elicit asks the client for additional input. Requires the client's
// elicitation capability.
func (ss *ServerSession) Elicit(ctx context.Context, params json.RawMessage, opts *RequestOptions) (json.RawMessage, error) {
	return ss.Call(ctx, methodElicit, params, opts)
}

// ListRoots asks the client for its roots. Requires the client's roots
// capability.
func (ss *ServerSession) ListRoots(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	return ss.Call(ctx, methodListRoots, params, nil)
}

// Log sends a log message to the client, honoring the minimum level the
// client configured with logging/setLevel. Messages below that level are
// silently dropped.
func (ss *ServerSession) Log(ctx context.Context, params *LoggingMessageParams) error {
	ss.mu.Lock()
	minLevel := ss.state.LogLevel
	ss.mu.Unlock()
	if minLevel != "" && compareLevels(params.Level, minLevel) < 0 {
		return nil
	}
	return ss.Notify(ctx, notificationLoggingMessage, params)
}

// NotifyProgress sends a progress notification for an ongoing request.
func (ss *ServerSession) NotifyProgress(ctx context.Context, params *ProgressNotificationParams) error {
	return ss.e.notify(ctx, notificationProgress, params)
}

func (ss *ServerSession) checkPeerCapability(method string) error {
	ss.mu.Lock()
	var caps *ClientCapabilities
	if ss.state.InitializeParams != nil {
		caps = ss.state.InitializeParams.Capabilities
	}
	ss.mu.Unlock()
	if caps == nil {
		caps = &ClientCapabilities{}
	}
	switch method {
	case methodCreateMessage:
		if caps.Sampling == nil {
			return &CapabilityError{Method: method, Capability: "sampling", Peer: true}
		}
	case methodElicit:
		if caps.Elicitation == nil {
			return &CapabilityError{Method: method, Capability: "elicitation", Peer: true}
		}
	case methodListRoots:
		if caps.Roots == nil {
			return &CapabilityError{Method: method, Capability: "roots", Peer: true}
		}
	}
	return nil
}

func (ss *ServerSession) checkOwnNotificationCapability(method string) error {
	caps := ss.server.capabilities()
	fail := func(capability string) error {
		return &CapabilityError{Method: method, Capability: capability}
	}
	switch method {
	case notificationLoggingMessage:
		if caps.Logging == nil {
			return fail("logging")
		}
	case notificationToolListChanged:
		if caps.Tools == nil || !caps.Tools.ListChanged {
			return fail("tools.listChanged")
		}
	case notificationPromptListChanged:
		if caps.Prompts == nil || !caps.Prompts.ListChanged {
			return fail("prompts.listChanged")
		}
	case notificationResourceListChanged:
		if caps.Resources == nil || !caps.Resources.ListChanged {
			return fail("resources.listChanged")
		}
	case notificationResourceUpdated:
		if caps.Resources == nil {
			return fail("resources")
		}
	}
	return nil
}

// dispatchRequest implements endpointOwner.
func (ss *ServerSession) dispatchRequest(ctx context.Context, req *Request) (any, error) {
	req.session = ss

	ss.mu.Lock()
	initialized := ss.state.InitializeParams != nil
	ss.mu.Unlock()

	switch req.Method {
	case methodInitialize:
		return ss.handleInitialize(ctx, req)
	case methodPing:
		return struct{}{}, nil
	}

	if !initialized {
		return nil, &jsonrpc.Error{
			Code:    jsonrpc.CodeInvalidRequest,
			Message: fmt.Sprintf("method %q is invalid during session initialization", req.Method),
		}
	}

	if ss.server.tasks != nil {
		switch req.Method {
		case methodGetTask:
			return ss.server.tasks.getTask(ctx, ss, req)
		case methodTaskResult:
			return ss.server.tasks.taskResult(ctx, ss, req)
		case methodListTasks:
			return ss.server.tasks.listTasks(ctx, ss, req)
		case methodCancelTask:
			return ss.server.tasks.cancelTask(ctx, ss, req)
		}
	}

	// Task-augmented requests are intercepted before the method handler runs.
	if meta := taskMetadataFromParams(req.Params); meta != nil {
		if ss.server.tasks == nil || !slices.Contains(taskCapableMethods, req.Method) {
			return nil, &jsonrpc.Error{
				Code:    jsonrpc.CodeInvalidRequest,
				Message: fmt.Sprintf("method %q does not support task execution", req.Method),
			}
		}
		handler := ss.server.requestHandler(req.Method)
		if handler == nil {
			return nil, methodNotFound(req.Method)
		}
		return ss.server.tasks.startTask(ctx, ss, req, meta, handler)
	}

	if handler := ss.server.requestHandler(req.Method); handler != nil {
		return handler(ctx, req)
	}

	if req.Method == methodSetLevel {
		return ss.handleSetLevel(ctx, req)
	}
	return nil, methodNotFound(req.Method)
}

func (s *Server) requestHandler(method string) RequestHandler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requestHandlers[method]
}

func methodNotFound(method string) error {
	return &jsonrpc.Error{
		Code:    jsonrpc.CodeMethodNotFound,
		Message: fmt.Sprintf("method %q not found", method),
	}
}

func (ss *ServerSession) handleInitialize(_ context.Context, req *Request) (any, error) {
	var params InitializeParams
	if err := unmarshalParams(req.Params, &params); err != nil {
		return nil, err
	}
	ss.mu.Lock()
	already := ss.state.InitializeParams != nil
	ss.mu.Unlock()
	if already {
		return nil, &jsonrpc.Error{
			Code:    jsonrpc.CodeInvalidRequest,
			Message: "session is already initialized",
		}
	}
	ss.updateState(func(state *ServerSessionState) {
		state.InitializeParams = &params
	})
	return &InitializeResult{
		ProtocolVersion: negotiatedVersion(params.ProtocolVersion),
		Capabilities:    ss.server.capabilities(),
		Instructions:    ss.server.opts.Instructions,
		ServerInfo:      ss.server.impl,
	}, nil
}

func (ss *ServerSession) handleSetLevel(_ context.Context, req *Request) (any, error) {
	var params SetLoggingLevelParams
	if err := unmarshalParams(req.Params, &params); err != nil {
		return nil, err
	}
	if _, known := loggingLevelOrder[params.Level]; !known {
		return nil, &jsonrpc.Error{
			Code:    jsonrpc.CodeInvalidParams,
			Message: fmt.Sprintf("unknown logging level %q", params.Level),
		}
	}
	ss.updateState(func(state *ServerSessionState) {
		state.LogLevel = params.Level
	})
	return struct{}{}, nil
}

// dispatchNotification implements endpointOwner.
func (ss *ServerSession) dispatchNotification(ctx context.Context, req *Request) {
	req.session = ss
	if req.Method == notificationInitialized {
		var params InitializedParams
		if err := unmarshalParams(req.Params, &params); err == nil {
			ss.updateState(func(state *ServerSessionState) {
				state.InitializedParams = &params
			})
		}
	}
	ss.server.mu.Lock()
	handler := ss.server.notificationHandlers[req.Method]
	ss.server.mu.Unlock()
	if handler == nil {
		return
	}
	if err := handler(ctx, req); err != nil {
		ss.server.opts.Logger.Warn("notification handler failed", "method", req.Method, "error", err)
	}
}

// disconnected implements endpointOwner.
func (ss *ServerSession) disconnected(err error) {
	ss.server.removeSession(ss)
	if err != nil {
		ss.server.opts.Logger.Info("session disconnected", "sessionID", ss.ID(), "error", err)
	}
}

// unmarshalParams parses params for an engine-handled method, surfacing
// malformed input as an invalid-params wire error.
func unmarshalParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return &jsonrpc.Error{Code: jsonrpc.CodeInvalidParams, Message: "missing required params"}
	}
	if err := jsonrpc2.StrictUnmarshal(raw, v); err != nil {
		return &jsonrpc.Error{
			Code:    jsonrpc.CodeInvalidParams,
			Message: fmt.Sprintf("invalid params: %v", err),
		}
	}
	return nil
}

// taggedParams applies the ambient task tag, if any, to outgoing params.
func taggedParams(ctx context.Context, params any) (any, error) {
	taskID, ok := taskIDFromContext(ctx)
	if !ok {
		return params, nil
	}
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	raw, err = setRawMeta(raw, relatedTaskMetaKey, map[string]any{"taskId": taskID})
	if err != nil {
		return nil, err
	}
	return raw, nil
}

// orZero returns the zero value of T if p is nil.
func orZero[T any](p *T) T {
	if p == nil {
		var zero T
		return zero
	}
	return *p
}
