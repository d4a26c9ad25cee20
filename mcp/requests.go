// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mcp

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/modelcontextprotocol/go-core/auth"
	"github.com/modelcontextprotocol/go-core/jsonrpc"
)

// A Request is an incoming JSON-RPC call or notification being dispatched to
// a handler.
//
// Handlers receive the raw params and are responsible for unmarshaling them;
// methods the engine handles itself (lifecycle, tasks) parse their own params.
type Request struct {
	// Method is the JSON-RPC method name.
	Method string
	// Params holds the raw request parameters. May be nil.
	Params json.RawMessage
	// ID is the JSON-RPC request ID. It is unset for notifications.
	ID jsonrpc.ID
	// Extra holds transport-level metadata for this request, when the
	// transport provides any.
	Extra *RequestExtra

	session any // *ServerSession or *ClientSession
}

// ServerSession returns the server session that received the request, or nil
// if the request was received by a client.
func (r *Request) ServerSession() *ServerSession {
	ss, _ := r.session.(*ServerSession)
	return ss
}

// ClientSession returns the client session that received the request, or nil
// if the request was received by a server.
func (r *Request) ClientSession() *ClientSession {
	cs, _ := r.session.(*ClientSession)
	return cs
}

// GetMeta returns the _meta field of the request params, which may be nil.
func (r *Request) GetMeta() Meta {
	return metaFromRaw(r.Params)
}

// RequestExtra carries transport-level metadata for an incoming request.
type RequestExtra struct {
	// TokenInfo describes the verified bearer token of the HTTP request that
	// delivered this message, if auth middleware is installed.
	TokenInfo *auth.TokenInfo
	// Header holds the headers of the HTTP request that delivered this
	// message, if the transport is HTTP-based.
	Header http.Header
}

// A RequestHandler responds to an incoming request.
//
// The returned result is marshaled as the JSON-RPC result. If the returned
// error is a [*jsonrpc.Error], its code and message cross the wire unchanged;
// any other error is translated to an internal error envelope.
//
// The context is cancelled if the peer cancels the request or the connection
// closes; a handler that observes cancellation may return early, and its
// return value is discarded.
type RequestHandler func(ctx context.Context, req *Request) (any, error)

// A NotificationHandler handles an incoming notification. Errors are reported
// to the session logger; notifications have no reply.
type NotificationHandler func(ctx context.Context, req *Request) error
