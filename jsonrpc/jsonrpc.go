// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package jsonrpc exposes the JSON-RPC 2.0 message types used on the wire by
// the MCP engine and transports.
package jsonrpc

import (
	"github.com/modelcontextprotocol/go-core/internal/jsonrpc2"
)

// ID is a JSON-RPC request ID: an integer or a string.
type ID = jsonrpc2.ID

// Message is a JSON-RPC message: either a *Request or a *Response.
type Message = jsonrpc2.Message

// Request is a JSON-RPC request or notification.
type Request = jsonrpc2.Request

// Response is a JSON-RPC response.
type Response = jsonrpc2.Response

// Error is a JSON-RPC error object.
type Error = jsonrpc2.WireError

// Int64ID returns a request ID for the given integer.
func Int64ID(i int64) ID { return jsonrpc2.Int64ID(i) }

// StringID returns a request ID for the given string.
func StringID(s string) ID { return jsonrpc2.StringID(s) }

// EncodeMessage serializes a message to its wire form.
func EncodeMessage(msg Message) ([]byte, error) { return jsonrpc2.EncodeMessage(msg) }

// DecodeMessage parses a message from its wire form.
func DecodeMessage(data []byte) (Message, error) { return jsonrpc2.DecodeMessage(data) }

// Reserved error codes. See the package documentation of internal/jsonrpc2
// for their meaning.
const (
	CodeParseError             = jsonrpc2.CodeParseError
	CodeInvalidRequest         = jsonrpc2.CodeInvalidRequest
	CodeMethodNotFound         = jsonrpc2.CodeMethodNotFound
	CodeInvalidParams          = jsonrpc2.CodeInvalidParams
	CodeInternalError          = jsonrpc2.CodeInternalError
	CodeConnectionClosed       = jsonrpc2.CodeConnectionClosed
	CodeRequestTimeout         = jsonrpc2.CodeRequestTimeout
	CodeURLElicitationRequired = jsonrpc2.CodeURLElicitationRequired
)
