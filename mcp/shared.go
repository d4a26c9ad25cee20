// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mcp

// This file implements the endpoint, the transport-agnostic engine shared by
// client and server sessions: correlation of outbound calls, dispatch of
// inbound messages, timeouts, and cancellation in both directions.

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	internaljson "github.com/modelcontextprotocol/go-core/internal/json"
	"github.com/modelcontextprotocol/go-core/jsonrpc"
)

// defaultRequestTimeout applies to outbound calls that neither the session
// options nor the per-call options override.
const defaultRequestTimeout = 60 * time.Second

// idContextKey carries the inbound request ID through a handler's context, so
// that transports can correlate messages emitted by the handler with the
// response stream of the originating request.
type idContextKey struct{}

// RequestOptions configure a single outbound call.
type RequestOptions struct {
	// Timeout overrides the session's default request timeout.
	Timeout time.Duration
	// ResetTimeoutOnProgress extends the deadline by the request timeout each
	// time a progress notification for this request arrives.
	ResetTimeoutOnProgress bool
	// MaxTotalTimeout bounds the accumulated deadline extensions. Zero means
	// no bound.
	MaxTotalTimeout time.Duration
	// OnProgress is invoked for each progress notification related to this
	// request. Setting it attaches a progress token to the request.
	OnProgress func(*ProgressNotificationParams)
	// ProgressToken overrides the token attached to the request metadata. If
	// unset, the request ID is used when a token is needed.
	ProgressToken any
}

// A sendRouter may claim an outgoing message before it reaches the transport.
// It reports whether it handled the message.
type sendRouter func(ctx context.Context, msg jsonrpc.Message) (bool, error)

// An endpointOwner provides the session-specific halves of the engine.
type endpointOwner interface {
	// dispatchRequest handles an incoming call and returns its result.
	dispatchRequest(ctx context.Context, req *Request) (any, error)
	// dispatchNotification handles an incoming notification.
	dispatchNotification(ctx context.Context, req *Request)
	// disconnected is invoked exactly once, after the read loop has stopped.
	// err is nil for a clean close.
	disconnected(err error)
}

// endpointOptions configure an endpoint. They are derived from the public
// client/server options.
type endpointOptions struct {
	requestTimeout time.Duration
	keepAlive      time.Duration
	logger         *slog.Logger
	// onError receives protocol-level anomalies that have no caller to return
	// to, such as parse errors on incoming responses.
	onError func(error)
	// transformError may rewrite the message and data (never the code) of
	// internal error envelopes produced from handler errors.
	transformError func(*jsonrpc.Error)
}

func (o *endpointOptions) timeout() time.Duration {
	if o.requestTimeout > 0 {
		return o.requestTimeout
	}
	return defaultRequestTimeout
}

// An endpoint is one side of an MCP connection.
//
// All mutations of the correlation state are guarded by mu. Handlers run in
// their own goroutines, so a slow handler never blocks dispatch.
type endpoint struct {
	owner endpointOwner
	opts  endpointOptions

	nextID atomic.Int64 // outbound request IDs

	mu          sync.Mutex
	conn        Connection
	closing     bool
	outstanding map[jsonrpc.ID]*outstanding
	inflight    map[jsonrpc.ID]context.CancelFunc
	routers     []sendRouter

	cancelRead context.CancelFunc
	done       chan struct{} // closed when the read loop exits
	doneErr    error         // read cause; guarded by done
}

// An outstanding records an outbound call awaiting its response.
//
// The resolver is bound to the connection that issued the send: a response
// read from a different connection does not resolve it.
type outstanding struct {
	id   jsonrpc.ID
	conn Connection
	ch   chan callResult // 1-buffered; receives exactly one result

	// timer is nil until the request reaches the wire; see armOutstanding.
	timer       *time.Timer
	start       time.Time
	timeout     time.Duration
	maxTotal    time.Duration
	extend      bool
	progressKey string
	onProgress  func(*ProgressNotificationParams)
}

type callResult struct {
	resp *jsonrpc.Response
	err  error
}

func newEndpoint(owner endpointOwner, opts endpointOptions) *endpoint {
	return &endpoint{
		owner:       owner,
		opts:        opts,
		outstanding: make(map[jsonrpc.ID]*outstanding),
		inflight:    make(map[jsonrpc.ID]context.CancelFunc),
		done:        make(chan struct{}),
	}
}

// connect establishes the transport and starts the read loop. The context
// applies to establishing the connection only, not to its lifetime.
func (e *endpoint) connect(ctx context.Context, t Transport) error {
	e.mu.Lock()
	if e.conn != nil {
		e.mu.Unlock()
		return ErrAlreadyConnected
	}
	e.mu.Unlock()

	conn, err := t.Connect(ctx)
	if err != nil {
		return &TransportError{Kind: ConnectionFailed, Err: err}
	}

	e.mu.Lock()
	if e.conn != nil {
		e.mu.Unlock()
		conn.Close()
		return ErrAlreadyConnected
	}
	readCtx, cancel := context.WithCancel(context.Background())
	e.conn = conn
	e.cancelRead = cancel
	e.mu.Unlock()

	go e.readLoop(readCtx, conn)
	if e.opts.keepAlive > 0 {
		go e.keepalive(e.opts.keepAlive)
	}
	return nil
}

func (e *endpoint) sessionID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn == nil {
		return ""
	}
	return e.conn.SessionID()
}

// addRouter installs a routing hook consulted on the send path.
func (e *endpoint) addRouter(r sendRouter) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.routers = append(e.routers, r)
}

// write sends msg, consulting the routing hooks first. It reports whether a
// hook claimed the message instead of the transport.
func (e *endpoint) write(ctx context.Context, msg jsonrpc.Message) (routed bool, err error) {
	e.mu.Lock()
	conn := e.conn
	closing := e.closing
	routers := e.routers
	e.mu.Unlock()
	if conn == nil {
		return false, ErrNotConnected
	}
	if closing {
		return false, ErrConnectionClosed
	}
	for _, r := range routers {
		handled, err := r(ctx, msg)
		if err != nil {
			return false, err
		}
		if handled {
			return true, nil
		}
	}
	return false, conn.Write(ctx, msg)
}

// call issues an outbound request and awaits the correlated response.
//
// Exactly one of four outcomes terminates the wait: a response is delivered;
// the deadline elapses; ctx is cancelled; or the connection closes. On
// timeout and cancellation a notifications/cancelled is sent to the peer.
func (e *endpoint) call(ctx context.Context, method string, params any, opts *RequestOptions) (json.RawMessage, error) {
	if opts == nil {
		opts = &RequestOptions{}
	}
	id := jsonrpc.Int64ID(e.nextID.Add(1))

	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}

	var progressKey string
	if opts.OnProgress != nil || opts.ResetTimeoutOnProgress {
		token := opts.ProgressToken
		if token == nil {
			token = id.Raw()
		}
		progressKey = tokenKey(token)
		raw, err = setRawMeta(raw, progressTokenKey, token)
		if err != nil {
			return nil, err
		}
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = e.opts.timeout()
	}

	e.mu.Lock()
	conn := e.conn
	if conn == nil || e.closing {
		e.mu.Unlock()
		if conn == nil {
			return nil, ErrNotConnected
		}
		return nil, ErrConnectionClosed
	}
	o := &outstanding{
		id:          id,
		conn:        conn,
		ch:          make(chan callResult, 1),
		start:       time.Now(),
		timeout:     timeout,
		maxTotal:    opts.MaxTotalTimeout,
		extend:      opts.ResetTimeoutOnProgress,
		progressKey: progressKey,
		onProgress:  opts.OnProgress,
	}
	e.outstanding[id] = o
	e.mu.Unlock()

	routed, err := e.write(ctx, &jsonrpc.Request{ID: id, Method: method, Params: raw})
	if err != nil {
		e.removeOutstanding(id)
		return nil, err
	}
	// The deadline starts when the request reaches the wire. A routed call is
	// held for later delivery; whoever delivers it arms its timer then.
	if !routed {
		e.armOutstanding(id)
	}

	select {
	case res := <-o.ch:
		if res.err != nil {
			return nil, res.err
		}
		if res.resp.Error != nil {
			return nil, res.resp.Error
		}
		return res.resp.Result, nil
	case <-ctx.Done():
		if e.removeOutstanding(id) != nil {
			e.sendCancelled(id, "client cancelled")
		}
		return nil, ctx.Err()
	}
}

// notify sends a fire-and-forget notification.
func (e *endpoint) notify(ctx context.Context, method string, params any) error {
	raw, err := marshalParams(params)
	if err != nil {
		return err
	}
	_, err = e.write(ctx, &jsonrpc.Request{Method: method, Params: raw})
	return err
}

// armOutstanding starts the request timer for id, if the call is still
// pending and its timer has not started yet.
func (e *endpoint) armOutstanding(id jsonrpc.ID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.outstanding[id]
	if !ok || o.timer != nil {
		return
	}
	o.start = time.Now()
	o.timer = time.AfterFunc(o.timeout, func() { e.timeoutOutstanding(id) })
}

// removeOutstanding atomically removes and returns the record for id, or nil
// if it has already been resolved.
func (e *endpoint) removeOutstanding(id jsonrpc.ID) *outstanding {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.outstanding[id]
	if !ok {
		return nil
	}
	delete(e.outstanding, id)
	if o.timer != nil {
		o.timer.Stop()
	}
	return o
}

func (e *endpoint) timeoutOutstanding(id jsonrpc.ID) {
	o := e.removeOutstanding(id)
	if o == nil {
		return
	}
	e.sendCancelled(id, "request timed out")
	o.ch <- callResult{err: &jsonrpc.Error{
		Code:    jsonrpc.CodeRequestTimeout,
		Message: fmt.Sprintf("request timed out after %v", o.timeout),
	}}
}

// sendCancelled notifies the peer that the outbound request id is abandoned.
// Best effort: the peer may have already responded.
func (e *endpoint) sendCancelled(id jsonrpc.ID, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.notify(ctx, notificationCancelled, &CancelledParams{
		RequestID: id.Raw(),
		Reason:    reason,
	}); err != nil {
		e.reportError(fmt.Errorf("sending cancellation for %v: %w", id, err))
	}
}

// keepalive pings the peer at the given interval, closing the connection
// after a failed ping.
func (e *endpoint) keepalive(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-e.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			_, err := e.call(ctx, methodPing, &PingParams{}, nil)
			cancel()
			if err != nil {
				e.reportError(fmt.Errorf("keepalive ping failed: %w", err))
				e.close()
				return
			}
		}
	}
}

func (e *endpoint) readLoop(ctx context.Context, conn Connection) {
	var readErr error
	for {
		msg, err := conn.Read(ctx)
		if err != nil {
			// A message the transport could not decode has no caller to
			// return to: report it and keep the connection alive.
			var malformed *malformedMessageError
			if errors.As(err, &malformed) {
				e.reportError(malformed)
				continue
			}
			if err != io.EOF {
				readErr = err
			}
			break
		}
		switch msg := msg.(type) {
		case *jsonrpc.Request:
			if msg.IsCall() {
				e.handleCall(ctx, conn, msg)
			} else {
				e.handleNotification(ctx, conn, msg)
			}
		case *jsonrpc.Response:
			e.handleResponse(conn, msg)
		}
	}
	e.connBroken(readErr)
}

// connBroken finalizes the endpoint after the read loop stops: every
// outstanding outbound call is rejected and every inflight inbound handler is
// cancelled.
func (e *endpoint) connBroken(readErr error) {
	e.mu.Lock()
	clean := e.closing || readErr == nil
	var failure error = ErrConnectionClosed
	if !clean {
		failure = &TransportError{Kind: ConnectionLost, Err: readErr}
	}
	pending := e.outstanding
	e.outstanding = make(map[jsonrpc.ID]*outstanding)
	cancels := e.inflight
	e.inflight = make(map[jsonrpc.ID]context.CancelFunc)
	e.closing = true
	conn := e.conn
	e.mu.Unlock()

	for _, o := range pending {
		if o.timer != nil {
			o.timer.Stop()
		}
		o.ch <- callResult{err: failure}
	}
	for _, cancel := range cancels {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}
	if clean {
		readErr = nil
	}
	e.doneErr = readErr
	close(e.done)
	e.owner.disconnected(readErr)
}

// handleCall dispatches an inbound request to the owner in its own goroutine
// and writes exactly one response for it.
func (e *endpoint) handleCall(ctx context.Context, conn Connection, req *jsonrpc.Request) {
	hctx, cancel := context.WithCancel(ctx)
	hctx = context.WithValue(hctx, idContextKey{}, req.ID)

	e.mu.Lock()
	if _, dup := e.inflight[req.ID]; dup {
		e.mu.Unlock()
		cancel()
		e.respond(hctx, conn, req.ID, nil, &jsonrpc.Error{
			Code:    jsonrpc.CodeInvalidRequest,
			Message: fmt.Sprintf("duplicate request id %v", req.ID),
		})
		return
	}
	e.inflight[req.ID] = cancel
	e.mu.Unlock()

	go func() {
		defer func() {
			e.mu.Lock()
			delete(e.inflight, req.ID)
			e.mu.Unlock()
			cancel()
		}()

		result, err := e.owner.dispatchRequest(hctx, &Request{
			Method: req.Method,
			Params: req.Params,
			ID:     req.ID,
			Extra:  extraForRequest(conn, req.ID),
		})
		if hctx.Err() != nil {
			// Cancelled by the peer or by connection close: the return value
			// is discarded and no response is written.
			return
		}
		if err != nil {
			e.respond(hctx, conn, req.ID, nil, e.toWireError(err))
			return
		}
		raw, merr := marshalResult(result)
		if merr != nil {
			e.respond(hctx, conn, req.ID, nil, &jsonrpc.Error{
				Code:    jsonrpc.CodeInternalError,
				Message: merr.Error(),
			})
			return
		}
		e.respond(hctx, conn, req.ID, raw, nil)
	}()
}

func (e *endpoint) respond(ctx context.Context, conn Connection, id jsonrpc.ID, result json.RawMessage, wireErr *jsonrpc.Error) {
	resp := &jsonrpc.Response{ID: id}
	if wireErr != nil {
		resp.Error = wireErr
	} else {
		resp.Result = result
	}
	if err := conn.Write(ctx, resp); err != nil {
		e.reportError(fmt.Errorf("writing response for %v: %w", id, err))
	}
}

// toWireError translates a handler error to its wire envelope. A
// [*jsonrpc.Error] crosses unchanged; anything else becomes an internal
// error, whose message and data (never code) the transformError hook may
// rewrite.
func (e *endpoint) toWireError(err error) *jsonrpc.Error {
	if wireErr, ok := err.(*jsonrpc.Error); ok {
		return wireErr
	}
	wireErr := &jsonrpc.Error{Code: jsonrpc.CodeInternalError, Message: err.Error()}
	if e.opts.transformError != nil {
		code := wireErr.Code
		e.opts.transformError(wireErr)
		wireErr.Code = code
	}
	return wireErr
}

func (e *endpoint) handleNotification(ctx context.Context, conn Connection, req *jsonrpc.Request) {
	switch req.Method {
	case notificationCancelled:
		var params CancelledParams
		if err := internaljson.Unmarshal(req.Params, &params); err != nil {
			e.reportError(fmt.Errorf("malformed cancellation: %w", err))
			return
		}
		if id, ok := wireID(params.RequestID); ok {
			e.mu.Lock()
			cancel := e.inflight[id]
			e.mu.Unlock()
			if cancel != nil {
				cancel()
			}
		}
	case notificationProgress:
		var params ProgressNotificationParams
		if err := internaljson.Unmarshal(req.Params, &params); err != nil {
			e.reportError(fmt.Errorf("malformed progress notification: %w", err))
			return
		}
		e.handleProgress(&params)
	}

	go e.owner.dispatchNotification(ctx, &Request{
		Method: req.Method,
		Params: req.Params,
		Extra:  extraForRequest(conn, jsonrpc.ID{}),
	})
}

// handleProgress extends the deadline of the related outstanding call, if
// progress-based extension is enabled for it, and invokes its progress
// callback.
func (e *endpoint) handleProgress(params *ProgressNotificationParams) {
	key := tokenKey(params.ProgressToken)
	if key == "" {
		return
	}
	var onProgress func(*ProgressNotificationParams)
	e.mu.Lock()
	for _, o := range e.outstanding {
		if o.progressKey != key {
			continue
		}
		if o.extend && o.timer != nil {
			d := o.timeout
			if o.maxTotal > 0 {
				if rem := o.maxTotal - time.Since(o.start); rem < d {
					d = rem
				}
			}
			if d > 0 {
				o.timer.Reset(d)
			}
		}
		onProgress = o.onProgress
		break
	}
	e.mu.Unlock()
	if onProgress != nil {
		onProgress(params)
	}
}

// handleResponse resolves the outstanding call for the response, provided it
// was issued on the same connection the response arrived on.
func (e *endpoint) handleResponse(conn Connection, resp *jsonrpc.Response) {
	e.mu.Lock()
	o, ok := e.outstanding[resp.ID]
	if ok && o.conn != conn {
		e.mu.Unlock()
		e.reportError(fmt.Errorf("dropping response %v from a connection that did not issue the request", resp.ID))
		return
	}
	if ok {
		delete(e.outstanding, resp.ID)
		if o.timer != nil {
			o.timer.Stop()
		}
	}
	e.mu.Unlock()
	if !ok {
		e.reportError(fmt.Errorf("no outstanding request for response %v", resp.ID))
		return
	}
	o.ch <- callResult{resp: resp}
}

// resolveLocal delivers a response produced locally, bypassing the transport.
// The task subsystem uses it to complete calls whose responses arrive inside
// a tasks/result poll.
func (e *endpoint) resolveLocal(resp *jsonrpc.Response) bool {
	e.mu.Lock()
	o, ok := e.outstanding[resp.ID]
	if ok {
		delete(e.outstanding, resp.ID)
		if o.timer != nil {
			o.timer.Stop()
		}
	}
	e.mu.Unlock()
	if !ok {
		return false
	}
	o.ch <- callResult{resp: resp}
	return true
}

// close terminates the connection: outstanding calls are rejected with
// [ErrConnectionClosed] and inflight handlers are cancelled.
func (e *endpoint) close() error {
	e.mu.Lock()
	if e.conn == nil {
		e.mu.Unlock()
		return nil
	}
	alreadyClosing := e.closing
	e.closing = true
	conn := e.conn
	cancelRead := e.cancelRead
	e.mu.Unlock()
	if alreadyClosing {
		return nil
	}
	err := conn.Close()
	if cancelRead != nil {
		cancelRead()
	}
	return err
}

// wait blocks until the connection has stopped, returning the read failure
// that stopped it, if any.
func (e *endpoint) wait() error {
	<-e.done
	return e.doneErr
}

func (e *endpoint) reportError(err error) {
	if e.opts.onError != nil {
		e.opts.onError(err)
	}
	if e.opts.logger != nil {
		e.opts.logger.Warn("mcp endpoint", "error", err)
	}
}

// relatedRequestID returns the inbound request ID stored in ctx by the
// dispatcher, if the caller is running inside a request handler.
func relatedRequestID(ctx context.Context) (jsonrpc.ID, bool) {
	id, ok := ctx.Value(idContextKey{}).(jsonrpc.ID)
	return id, ok
}

// extraForRequest queries the connection for transport metadata about a
// message, if the transport records any.
func extraForRequest(conn Connection, id jsonrpc.ID) *RequestExtra {
	type extraProvider interface {
		requestExtra(jsonrpc.ID) *RequestExtra
	}
	if p, ok := conn.(extraProvider); ok {
		return p.requestExtra(id)
	}
	return nil
}

// marshalParams produces raw wire params: nil stays nil, raw bytes pass
// through, anything else is marshaled.
func marshalParams(params any) (json.RawMessage, error) {
	switch p := params.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	default:
		raw, err := internaljson.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshaling params: %w", err)
		}
		return raw, nil
	}
}

func marshalResult(result any) (json.RawMessage, error) {
	switch r := result.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return r, nil
	default:
		raw, err := internaljson.Marshal(result)
		if err != nil {
			return nil, fmt.Errorf("marshaling result: %w", err)
		}
		return raw, nil
	}
}

// metaFromRaw extracts the _meta field of raw params or result bytes.
func metaFromRaw(raw json.RawMessage) Meta {
	if len(raw) == 0 {
		return nil
	}
	var probe struct {
		Meta Meta `json:"_meta"`
	}
	if err := internaljson.Unmarshal(raw, &probe); err != nil {
		return nil
	}
	return probe.Meta
}

// setRawMeta returns raw with _meta[key] set to value, preserving the other
// members.
func setRawMeta(raw json.RawMessage, key string, value any) (json.RawMessage, error) {
	params := map[string]any{}
	if len(raw) > 0 {
		if err := internaljson.Unmarshal(raw, &params); err != nil {
			return nil, fmt.Errorf("attaching metadata: %w", err)
		}
	}
	meta, _ := params["_meta"].(map[string]any)
	if meta == nil {
		meta = map[string]any{}
	}
	meta[key] = value
	params["_meta"] = meta
	return internaljson.Marshal(params)
}

// relatedTaskID returns the task ID carried in the reserved related-task
// metadata key, or "".
func relatedTaskID(meta Meta) string {
	related, ok := meta[relatedTaskMetaKey].(map[string]any)
	if !ok {
		return ""
	}
	id, _ := related["taskId"].(string)
	return id
}

// messageMeta returns the _meta of an outgoing message's params or result.
func messageMeta(msg jsonrpc.Message) Meta {
	switch msg := msg.(type) {
	case *jsonrpc.Request:
		return metaFromRaw(msg.Params)
	case *jsonrpc.Response:
		return metaFromRaw(msg.Result)
	}
	return nil
}

// tokenKey normalizes a progress token for comparison. JSON numbers arrive as
// float64 while locally attached tokens may be int64.
func tokenKey(token any) string {
	switch t := token.(type) {
	case nil:
		return ""
	case string:
		return "s:" + t
	case int64:
		return fmt.Sprintf("n:%d", t)
	case int:
		return fmt.Sprintf("n:%d", t)
	case float64:
		if t == float64(int64(t)) {
			return fmt.Sprintf("n:%d", int64(t))
		}
		return fmt.Sprintf("f:%g", t)
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return fmt.Sprintf("n:%d", i)
		}
		return "s:" + t.String()
	default:
		return fmt.Sprintf("v:%v", t)
	}
}

// wireID converts a decoded requestId value (a JSON number or string) to a
// request ID.
func wireID(v any) (jsonrpc.ID, bool) {
	switch v := v.(type) {
	case string:
		return jsonrpc.StringID(v), true
	case float64:
		return jsonrpc.Int64ID(int64(v)), true
	case int64:
		return jsonrpc.Int64ID(v), true
	case int:
		return jsonrpc.Int64ID(int64(v)), true
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return jsonrpc.Int64ID(i), true
		}
	}
	return jsonrpc.ID{}, false
}
