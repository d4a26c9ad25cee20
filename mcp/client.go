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

	"github.com/modelcontextprotocol/go-core/jsonrpc"
)

// ClientOptions configure the behavior of a [Client].
type ClientOptions struct {
	// Capabilities that the client announces in initialize.
	Capabilities *ClientCapabilities
	// ProtocolVersion is the version requested in initialize. If empty, the
	// latest supported version is requested.
	ProtocolVersion string
	// RequestTimeout is the default deadline for outbound calls.
	// If zero, it is 60 seconds.
	RequestTimeout time.Duration
	// KeepAlive, if positive, enables periodic pings; a failed ping closes
	// the session.
	KeepAlive time.Duration
	// Logger receives session diagnostics. If nil, slog.Default() is used.
	Logger *slog.Logger
	// OnError receives protocol-level anomalies that have no caller to return
	// to.
	OnError func(error)
	// TransformErrorEnvelope may rewrite the message and data of internal
	// error envelopes produced when a local handler fails. The code is
	// locked.
	TransformErrorEnvelope func(*jsonrpc.Error)
}

// A Client is an MCP client, which may be connected to an MCP server using
// the [Client.Connect] method.
type Client struct {
	impl *Implementation
	opts ClientOptions

	mu                   sync.Mutex
	frozen               bool
	requestHandlers      map[string]RequestHandler
	notificationHandlers map[string]NotificationHandler
}

// NewClient creates a new [Client].
//
// The first argument must not be nil.
func NewClient(impl *Implementation, opts *ClientOptions) *Client {
	if impl == nil {
		panic("nil Implementation")
	}
	c := &Client{
		impl:                 impl,
		requestHandlers:      make(map[string]RequestHandler),
		notificationHandlers: make(map[string]NotificationHandler),
	}
	if opts != nil {
		c.opts = *opts
	}
	if c.opts.Logger == nil {
		c.opts.Logger = slog.Default()
	}
	return c
}

// SetRequestHandler registers the handler for server-originated requests of
// the given method, such as sampling/createMessage or roots/list.
//
// Registration is only possible before the first connection; afterwards it
// fails with [ErrRegistrationAfterConnect].
func (c *Client) SetRequestHandler(method string, h RequestHandler) error {
	if method == methodInitialize || method == methodPing {
		return fmt.Errorf("method %q is reserved", method)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.frozen {
		return ErrRegistrationAfterConnect
	}
	c.requestHandlers[method] = h
	return nil
}

// SetNotificationHandler registers the handler for the given notification
// method. See [Client.SetRequestHandler] for the registration rules.
func (c *Client) SetNotificationHandler(method string, h NotificationHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.frozen {
		return ErrRegistrationAfterConnect
	}
	c.notificationHandlers[method] = h
	return nil
}

func (c *Client) capabilities() *ClientCapabilities {
	caps := c.opts.Capabilities.clone()
	if caps == nil {
		caps = &ClientCapabilities{}
	}
	return caps
}

// Connect begins an MCP session by connecting over t and performing the
// initialization handshake: initialize is called, the negotiated protocol
// version is validated, and notifications/initialized is sent.
func (c *Client) Connect(ctx context.Context, t Transport) (*ClientSession, error) {
	c.mu.Lock()
	c.frozen = true
	c.mu.Unlock()

	cs := &ClientSession{client: c}
	cs.e = newEndpoint(cs, endpointOptions{
		requestTimeout: c.opts.RequestTimeout,
		keepAlive:      c.opts.KeepAlive,
		logger:         c.opts.Logger,
		onError:        c.opts.OnError,
		transformError: c.opts.TransformErrorEnvelope,
	})
	if err := cs.e.connect(ctx, t); err != nil {
		return nil, err
	}

	version := c.opts.ProtocolVersion
	if version == "" {
		version = latestProtocolVersion
	}
	raw, err := cs.e.call(ctx, methodInitialize, &InitializeParams{
		ProtocolVersion: version,
		Capabilities:    c.capabilities(),
		ClientInfo:      c.impl,
	}, nil)
	if err != nil {
		cs.e.close()
		return nil, fmt.Errorf("initialize: %w", err)
	}
	var result InitializeResult
	if err := unmarshalParams(raw, &result); err != nil {
		cs.e.close()
		return nil, fmt.Errorf("initialize: invalid result: %w", err)
	}
	if !slices.Contains(supportedProtocolVersions, result.ProtocolVersion) {
		cs.e.close()
		return nil, fmt.Errorf("initialize: server offered unsupported protocol version %q", result.ProtocolVersion)
	}

	cs.mu.Lock()
	cs.initializeResult = &result
	cs.mu.Unlock()

	// Subsequent HTTP requests must echo the negotiated version.
	cs.e.mu.Lock()
	conn := cs.e.conn
	cs.e.mu.Unlock()
	type versionSetter interface{ setProtocolVersion(string) }
	if v, ok := conn.(versionSetter); ok {
		v.setProtocolVersion(result.ProtocolVersion)
	}

	if err := cs.e.notify(ctx, notificationInitialized, &InitializedParams{}); err != nil {
		cs.e.close()
		return nil, fmt.Errorf("sending initialized: %w", err)
	}
	return cs, nil
}

// A ClientSession is a logical connection with an MCP server. Its methods can
// be used to send requests or notifications to the server.
//
// Call [Client.Connect] to create a ClientSession.
type ClientSession struct {
	client *Client
	e      *endpoint

	mu               sync.Mutex
	initializeResult *InitializeResult
}

// ID returns the session ID assigned by the server, or "" if the transport
// has no session concept.
func (cs *ClientSession) ID() string { return cs.e.sessionID() }

// Close performs a graceful close of the connection.
func (cs *ClientSession) Close() error { return cs.e.close() }

// Wait blocks until the session is terminated by either side, returning the
// transport failure that ended it, if any.
func (cs *ClientSession) Wait() error { return cs.e.wait() }

// InitializeResult returns the result of the initialization handshake.
func (cs *ClientSession) InitializeResult() *InitializeResult {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.initializeResult
}

func (cs *ClientSession) serverCapabilities() *ServerCapabilities {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.initializeResult == nil || cs.initializeResult.Capabilities == nil {
		return &ServerCapabilities{}
	}
	return cs.initializeResult.Capabilities
}

// Call sends a request to the server and awaits its result.
//
// Methods with a known capability requirement are checked against the
// server's announced capabilities; a missing capability fails locally with
// [*CapabilityError] before any wire I/O.
func (cs *ClientSession) Call(ctx context.Context, method string, params any, opts *RequestOptions) (json.RawMessage, error) {
	if err := cs.checkPeerCapability(method); err != nil {
		return nil, err
	}
	return cs.e.call(ctx, method, params, opts)
}

// Notify sends a notification to the server.
func (cs *ClientSession) Notify(ctx context.Context, method string, params any) error {
	if method == notificationRootsListChanged {
		caps := cs.client.capabilities()
		if caps.Roots == nil || !caps.Roots.ListChanged {
			return &CapabilityError{Method: method, Capability: "roots.listChanged"}
		}
	}
	return cs.e.notify(ctx, method, params)
}

// Ping pings the server.
func (cs *ClientSession) Ping(ctx context.Context, params *PingParams) error {
	_, err := cs.e.call(ctx, methodPing, orZero(params), nil)
	return err
}

// SetLoggingLevel asks the server to send log messages at or above the given
// level.
func (cs *ClientSession) SetLoggingLevel(ctx context.Context, params *SetLoggingLevelParams) error {
	_, err := cs.Call(ctx, methodSetLevel, params, nil)
	return err
}

// NotifyProgress sends a progress notification for an ongoing request.
func (cs *ClientSession) NotifyProgress(ctx context.Context, params *ProgressNotificationParams) error {
	return cs.e.notify(ctx, notificationProgress, params)
}

// GetTask retrieves the metadata of a task.
func (cs *ClientSession) GetTask(ctx context.Context, params *GetTaskParams) (*Task, error) {
	raw, err := cs.Call(ctx, methodGetTask, params, nil)
	if err != nil {
		return nil, err
	}
	var task Task
	if err := unmarshalParams(raw, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// GetTaskResult polls for the result of a task. The call blocks on the
// server until the task is terminal, so callers typically pass options with
// a generous timeout.
func (cs *ClientSession) GetTaskResult(ctx context.Context, params *GetTaskResultParams, opts *RequestOptions) (json.RawMessage, error) {
	return cs.Call(ctx, methodTaskResult, params, opts)
}

// ListTasks lists the session's tasks, one page per call.
func (cs *ClientSession) ListTasks(ctx context.Context, params *ListTasksParams) (*ListTasksResult, error) {
	raw, err := cs.Call(ctx, methodListTasks, orZero(params), nil)
	if err != nil {
		return nil, err
	}
	var result ListTasksResult
	if err := unmarshalParams(raw, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// CancelTask cancels a non-terminal task, returning the updated task.
func (cs *ClientSession) CancelTask(ctx context.Context, params *CancelTaskParams) (*Task, error) {
	raw, err := cs.Call(ctx, methodCancelTask, params, nil)
	if err != nil {
		return nil, err
	}
	var task Task
	if err := unmarshalParams(raw, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

func (cs *ClientSession) checkPeerCapability(method string) error {
	caps := cs.serverCapabilities()
	fail := func(capability string) error {
		return &CapabilityError{Method: method, Capability: capability, Peer: true}
	}
	switch method {
	case methodSetLevel:
		if caps.Logging == nil {
			return fail("logging")
		}
	case methodCallTool, methodListTools:
		if caps.Tools == nil {
			return fail("tools")
		}
	case methodListResources, methodSubscribe, methodUnsubscribe:
		if caps.Resources == nil {
			return fail("resources")
		}
	case methodListPrompts:
		if caps.Prompts == nil {
			return fail("prompts")
		}
	case methodComplete:
		if caps.Completions == nil {
			return fail("completions")
		}
	case methodGetTask, methodTaskResult:
		if caps.Tasks == nil {
			return fail("tasks")
		}
	case methodListTasks:
		if caps.Tasks == nil || caps.Tasks.List == nil {
			return fail("tasks.list")
		}
	case methodCancelTask:
		if caps.Tasks == nil || caps.Tasks.Cancel == nil {
			return fail("tasks.cancel")
		}
	}
	return nil
}

// dispatchRequest implements endpointOwner.
func (cs *ClientSession) dispatchRequest(ctx context.Context, req *Request) (any, error) {
	req.session = cs
	if req.Method == methodPing {
		return struct{}{}, nil
	}
	if taskMetadataFromParams(req.Params) != nil {
		return nil, &jsonrpc.Error{
			Code:    jsonrpc.CodeInvalidRequest,
			Message: fmt.Sprintf("method %q does not support task execution", req.Method),
		}
	}
	cs.client.mu.Lock()
	handler := cs.client.requestHandlers[req.Method]
	cs.client.mu.Unlock()
	if handler != nil {
		return handler(ctx, req)
	}
	return nil, methodNotFound(req.Method)
}

// dispatchNotification implements endpointOwner.
func (cs *ClientSession) dispatchNotification(ctx context.Context, req *Request) {
	req.session = cs
	cs.client.mu.Lock()
	handler := cs.client.notificationHandlers[req.Method]
	cs.client.mu.Unlock()
	if handler == nil {
		return
	}
	if err := handler(ctx, req); err != nil {
		cs.client.opts.Logger.Warn("notification handler failed", "method", req.Method, "error", err)
	}
}

// disconnected implements endpointOwner.
func (cs *ClientSession) disconnected(err error) {
	if err != nil {
		cs.client.opts.Logger.Info("session disconnected", "error", err)
	}
}
