// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package jsonrpc2 implements the JSON-RPC 2.0 message codec used by the MCP
// engine and transports.
//
// The package frames, validates and (de)serializes messages; it knows nothing
// about MCP methods or transports.
package jsonrpc2

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	internaljson "github.com/modelcontextprotocol/go-core/internal/json"
)

// An ID identifies a request. Per JSON-RPC 2.0, an ID is either an integer or
// a string; the zero ID is reserved for notifications and is not a valid
// request identifier.
type ID struct {
	value any
}

// Int64ID returns an ID for the given integer value.
func Int64ID(i int64) ID { return ID{value: i} }

// StringID returns an ID for the given string value.
func StringID(s string) ID { return ID{value: s} }

// IsValid reports whether the ID is set. Notifications carry an invalid
// (unset) ID.
func (id ID) IsValid() bool { return id.value != nil }

// Raw returns the underlying int64 or string value, or nil if the ID is
// unset.
func (id ID) Raw() any { return id.value }

func (id ID) String() string {
	switch v := id.value.(type) {
	case int64:
		return "#" + strconv.FormatInt(v, 10)
	case string:
		return strconv.Quote(v)
	}
	return "<nil>"
}

// encode returns the wire form of the ID. Invalid IDs encode as JSON null,
// which is the required ID for error responses to unparseable requests.
func (id ID) encode() (json.RawMessage, error) {
	if !id.IsValid() {
		return json.RawMessage("null"), nil
	}
	return internaljson.Marshal(id.value)
}

// decodeID parses a wire ID. A missing or null ID yields the invalid ID.
func decodeID(raw json.RawMessage) (ID, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ID{}, nil
	}
	if raw[0] == '"' {
		var s string
		if err := internaljson.Unmarshal(raw, &s); err != nil {
			return ID{}, fmt.Errorf("%w: invalid string id", ErrInvalidRequest)
		}
		return StringID(s), nil
	}
	i, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return ID{}, fmt.Errorf("%w: id must be an integer or string", ErrInvalidRequest)
	}
	return Int64ID(i), nil
}

// A Message is either a Request or a Response.
type Message interface {
	marshal(to *wireCombined) error
}

// A Request is a message sent to a peer to request behavior.
// If it has an ID it is a call, and the receiver must reply exactly once;
// otherwise it is a notification and no reply is expected.
type Request struct {
	// ID of this request. Unset for notifications.
	ID ID
	// Method being invoked.
	Method string
	// Params for the method, a JSON object, array or null.
	Params json.RawMessage
}

// IsCall reports whether the request expects a response.
func (r *Request) IsCall() bool { return r.ID.IsValid() }

func (r *Request) marshal(to *wireCombined) error {
	if r.ID.IsValid() {
		id, err := r.ID.encode()
		if err != nil {
			return err
		}
		to.ID = id
	}
	to.Method = r.Method
	to.Params = r.Params
	return nil
}

// A Response is a reply to a call, carrying either the result or an error.
type Response struct {
	// ID of the request this is a response to.
	ID ID
	// Result of the call, if it succeeded.
	Result json.RawMessage
	// Error from the call, if it failed. Normally a *WireError; any other
	// error encodes with CodeInternalError.
	Error error
}

func (r *Response) marshal(to *wireCombined) error {
	id, err := r.ID.encode()
	if err != nil {
		return err
	}
	to.ID = id
	if r.Error != nil {
		to.Error = toWireError(r.Error)
		return nil
	}
	result := r.Result
	if len(result) == 0 {
		// A success response must carry a result member.
		result = json.RawMessage("null")
	}
	to.Result = result
	return nil
}

func toWireError(err error) *WireError {
	if w, ok := err.(*WireError); ok {
		return w
	}
	return &WireError{Code: CodeInternalError, Message: err.Error()}
}

// EncodeMessage serializes msg in its JSON-RPC 2.0 wire form.
func EncodeMessage(msg Message) ([]byte, error) {
	wire := wireCombined{VersionTag: wireVersion}
	if err := msg.marshal(&wire); err != nil {
		return nil, fmt.Errorf("marshaling jsonrpc message: %w", err)
	}
	return internaljson.Marshal(&wire)
}

// DecodeMessage parses a single message from its wire form, validating that
// it has exactly one of the four legal shapes (request, notification, result
// or error response).
func DecodeMessage(data []byte) (Message, error) {
	var wire wireCombined
	if err := internaljson.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	if wire.VersionTag != wireVersion {
		return nil, fmt.Errorf("%w: jsonrpc version must be %q", ErrInvalidRequest, wireVersion)
	}
	id, err := decodeID(wire.ID)
	if err != nil {
		return nil, err
	}
	if wire.Method != "" {
		if wire.Result != nil || wire.Error != nil {
			return nil, fmt.Errorf("%w: message cannot be both request and response", ErrInvalidRequest)
		}
		return &Request{ID: id, Method: wire.Method, Params: wire.Params}, nil
	}
	if wire.Result == nil && wire.Error == nil {
		return nil, fmt.Errorf("%w: message has no method, result or error", ErrInvalidRequest)
	}
	if !id.IsValid() {
		return nil, fmt.Errorf("%w: response missing id", ErrInvalidRequest)
	}
	resp := &Response{ID: id, Result: wire.Result}
	if wire.Error != nil {
		if wire.Result != nil {
			return nil, fmt.Errorf("%w: response has both result and error", ErrInvalidRequest)
		}
		resp.Error = wire.Error
	}
	return resp, nil
}

// DecodeBatch parses a request body that is either a single message or a
// JSON array of messages. It reports whether the body was a batch.
func DecodeBatch(data []byte) (msgs []Message, batch bool, err error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, false, fmt.Errorf("%w: empty body", ErrParse)
	}
	if trimmed[0] != '[' {
		msg, err := DecodeMessage(trimmed)
		if err != nil {
			return nil, false, err
		}
		return []Message{msg}, false, nil
	}
	var raw []json.RawMessage
	if err := internaljson.Unmarshal(trimmed, &raw); err != nil {
		return nil, true, fmt.Errorf("%w: %v", ErrParse, err)
	}
	if len(raw) == 0 {
		return nil, true, fmt.Errorf("%w: empty batch", ErrInvalidRequest)
	}
	for _, r := range raw {
		msg, err := DecodeMessage(r)
		if err != nil {
			return nil, true, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, true, nil
}
