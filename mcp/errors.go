// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mcp

import (
	"errors"
	"fmt"
)

// State errors, raised locally and never sent on the wire.
var (
	// ErrConnectionClosed is returned by operations on a session whose
	// transport has closed. Outstanding calls are failed with this error when
	// the connection goes away.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrNotConnected is returned when an operation requires a connected
	// session.
	ErrNotConnected = errors.New("not connected")
	// ErrAlreadyConnected is returned by a re-entrant Connect.
	ErrAlreadyConnected = errors.New("already connected")
	// ErrRegistrationAfterConnect is returned when a handler is registered
	// after the first session has connected.
	ErrRegistrationAfterConnect = errors.New("handler registration after connect")
)

// A CapabilityError reports an attempt to send a request or notification
// whose corresponding capability was not announced. It is raised locally,
// before any wire I/O.
type CapabilityError struct {
	// Method that was about to be sent.
	Method string
	// Capability that is missing, e.g. "sampling" or "tools.listChanged".
	Capability string
	// Peer is true if the missing capability is the peer's, false if it is
	// this side's own.
	Peer bool
}

func (e *CapabilityError) Error() string {
	who := "own"
	if e.Peer {
		who = "peer"
	}
	return fmt.Sprintf("method %q requires %s capability %q, which was not announced", e.Method, who, e.Capability)
}

// TransportErrorKind classifies transport failures.
type TransportErrorKind int

const (
	// ConnectionFailed: the transport could not be established.
	ConnectionFailed TransportErrorKind = iota
	// ConnectionLost: an established transport went away.
	ConnectionLost
	// ConnectionTimeout: a transport operation timed out. Recoverable.
	ConnectionTimeout
	// SendFailed: a single write failed. Recoverable.
	SendFailed
)

func (k TransportErrorKind) String() string {
	switch k {
	case ConnectionFailed:
		return "connection failed"
	case ConnectionLost:
		return "connection lost"
	case ConnectionTimeout:
		return "connection timeout"
	case SendFailed:
		return "send failed"
	}
	return "unknown"
}

// A TransportError wraps an I/O failure on a transport.
type TransportError struct {
	Kind TransportErrorKind
	Err  error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transport: %s: %v", e.Kind, e.Err)
	}
	return "transport: " + e.Kind.String()
}

func (e *TransportError) Unwrap() error { return e.Err }

// Recoverable reports whether retrying the operation may succeed.
func (e *TransportError) Recoverable() bool {
	return e.Kind == ConnectionTimeout || e.Kind == SendFailed
}
