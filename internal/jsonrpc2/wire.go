// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package jsonrpc2

import (
	"encoding/json"
	"fmt"
)

// This file contains the exact JSON-RPC 2.0 wire representation.
//
// See https://www.jsonrpc.org/specification for details.

// Error codes reserved by JSON-RPC 2.0 and by MCP.
//
// The -32000 to -32099 range is reserved for implementation-defined errors;
// MCP assigns the codes below.
const (
	// CodeParseError indicates invalid JSON was received by the server.
	CodeParseError int64 = -32700
	// CodeInvalidRequest indicates the JSON sent is not a valid request object.
	CodeInvalidRequest int64 = -32600
	// CodeMethodNotFound indicates the method does not exist or is unavailable.
	CodeMethodNotFound int64 = -32601
	// CodeInvalidParams indicates invalid method parameters.
	CodeInvalidParams int64 = -32602
	// CodeInternalError indicates an internal JSON-RPC error.
	CodeInternalError int64 = -32603

	// CodeConnectionClosed indicates the connection (or session) was closed
	// before the request completed.
	CodeConnectionClosed int64 = -32000
	// CodeRequestTimeout indicates a request did not complete within its
	// deadline.
	CodeRequestTimeout int64 = -32001
	// CodeURLElicitationRequired indicates the server requires the client to
	// complete a URL elicitation before the request can proceed. The engine
	// passes this code through without interpreting it.
	CodeURLElicitationRequired int64 = -32042
)

// Predefined errors for the reserved codes. Handlers may return these
// (possibly wrapped with %w) to produce an error response with the
// corresponding code.
var (
	ErrParse          = NewError(CodeParseError, "JSON-RPC parse error")
	ErrInvalidRequest = NewError(CodeInvalidRequest, "JSON-RPC invalid request")
	ErrMethodNotFound = NewError(CodeMethodNotFound, "JSON-RPC method not found")
	ErrInvalidParams  = NewError(CodeInvalidParams, "JSON-RPC invalid params")
	ErrInternal       = NewError(CodeInternalError, "JSON-RPC internal error")
)

// A WireError is the JSON-RPC error object, and is the payload of the "error"
// member of a response.
type WireError struct {
	// Code is an error code indicating the error type.
	Code int64 `json:"code"`
	// Message is a short description of the error.
	Message string `json:"message"`
	// Data optionally carries structured information about the error.
	Data json.RawMessage `json:"data,omitempty"`
}

// NewError returns a new error with the given code and message.
func NewError(code int64, message string) *WireError {
	return &WireError{Code: code, Message: message}
}

// Errorf returns a new error with the given code and a formatted message.
func Errorf(code int64, format string, args ...any) *WireError {
	return &WireError{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (err *WireError) Error() string {
	return err.Message
}

// Is makes WireErrors comparable with errors.Is: two wire errors match if
// they carry the same code.
func (err *WireError) Is(other error) bool {
	w, ok := other.(*WireError)
	if !ok {
		return false
	}
	return err.Code == w.Code
}

// wireCombined is the union of all the fields a JSON-RPC message may carry.
// The message kind is recovered from which fields are populated.
type wireCombined struct {
	VersionTag string          `json:"jsonrpc"`
	ID         json.RawMessage `json:"id,omitempty"`
	Method     string          `json:"method,omitempty"`
	Params     json.RawMessage `json:"params,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      *WireError      `json:"error,omitempty"`
}

const wireVersion = "2.0"
