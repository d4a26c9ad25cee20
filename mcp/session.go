// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mcp

import (
	"context"
	"io/fs"
	"sync"

	internaljson "github.com/modelcontextprotocol/go-core/internal/json"
)

// ServerSessionState is the portion of a server session that survives across
// HTTP requests, and, when a [SessionStore] is configured, across process
// restarts.
type ServerSessionState struct {
	// InitializeParams are the parameters from the initialize request.
	InitializeParams *InitializeParams `json:"initializeParams"`
	// InitializedParams are the parameters from the initialized notification,
	// or nil if the handshake has not completed.
	InitializedParams *InitializedParams `json:"initializedParams"`
	// LogLevel is the minimum logging level the client asked for.
	LogLevel LoggingLevel `json:"logLevel,omitempty"`
}

// A SessionStore persists server session state, allowing stateful sessions to
// be resumed by another process behind the same endpoint.
//
// Implementations must be safe for concurrent use.
type SessionStore interface {
	// Load retrieves the state for the given session ID.
	// If there is none, it returns nil, fs.ErrNotExist.
	Load(ctx context.Context, sessionID string) (*ServerSessionState, error)
	// Store saves the state for the given session ID. The state must not be
	// modified after the call returns.
	Store(ctx context.Context, sessionID string, state *ServerSessionState) error
	// Delete removes the state for the given session ID. Deleting an unknown
	// session is not an error.
	Delete(ctx context.Context, sessionID string) error
}

// MemorySessionStore is an in-memory [SessionStore], for testing or
// single-process deployments.
type MemorySessionStore struct {
	mu    sync.Mutex
	store map[string][]byte
}

// NewMemorySessionStore creates a new MemorySessionStore.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{store: make(map[string][]byte)}
}

// Load implements [SessionStore].
func (s *MemorySessionStore) Load(ctx context.Context, sessionID string) (*ServerSessionState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	data, ok := s.store[sessionID]
	s.mu.Unlock()
	if !ok {
		return nil, fs.ErrNotExist
	}
	var state ServerSessionState
	if err := internaljson.Unmarshal(data, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// Store implements [SessionStore].
func (s *MemorySessionStore) Store(ctx context.Context, sessionID string, state *ServerSessionState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := internaljson.Marshal(state)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.store[sessionID] = data
	s.mu.Unlock()
	return nil
}

// Delete implements [SessionStore].
func (s *MemorySessionStore) Delete(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.store, sessionID)
	s.mu.Unlock()
	return nil
}
