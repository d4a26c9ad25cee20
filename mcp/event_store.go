// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mcp

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"
	"sync"
)

// An EventStore tracks the events of the SSE streams of streamable HTTP
// sessions, so that clients reconnecting with a Last-Event-ID header can
// replay missed events.
//
// Implementations must be safe for concurrent use. The in-memory default is
// [MemoryEventStore]; production deployments may back this with shared
// storage to allow resumption across server processes.
type EventStore interface {
	// Append appends the data for an outgoing event to the identified stream,
	// returning the event's index within the stream: the number of events
	// appended to that stream before it.
	Append(ctx context.Context, sessionID string, streamID int64, data []byte) (int, error)

	// After returns an iterator over the data of the stream's events,
	// starting at the given index, in order. It yields a non-nil error and
	// stops if events at or after index have been purged, or if the store
	// fails.
	//
	// The iterator remains valid while new events are appended; it yields
	// only events present at the time of the call.
	After(ctx context.Context, sessionID string, streamID int64, index int) iter.Seq2[[]byte, error]

	// SessionClosed releases all resources for the session.
	SessionClosed(ctx context.Context, sessionID string) error
}

// ErrEventsPurged is returned (possibly wrapped) by [EventStore.After] when
// the requested range is no longer retained.
var ErrEventsPurged = errors.New("events purged")

// MemoryEventStore is an in-memory [EventStore], bounded in size. When an
// append would exceed the limit, the oldest retained events are purged;
// clients that fell that far behind fail resumption with [ErrEventsPurged].
type MemoryEventStore struct {
	maxBytes int

	mu       sync.Mutex
	nBytes   int
	sessions map[string]map[int64]*streamLog
}

// A streamLog holds the retained suffix of one stream.
type streamLog struct {
	first  int // index of events[0]
	events [][]byte
}

// MemoryEventStoreOptions configure a [MemoryEventStore].
type MemoryEventStoreOptions struct {
	// MaxBytes bounds the total retained event payload. Zero means the
	// default of 10 MiB; negative means unlimited.
	MaxBytes int
}

const defaultEventStoreBytes = 10 << 20

// NewMemoryEventStore creates a MemoryEventStore.
func NewMemoryEventStore(opts *MemoryEventStoreOptions) *MemoryEventStore {
	s := &MemoryEventStore{
		maxBytes: defaultEventStoreBytes,
		sessions: make(map[string]map[int64]*streamLog),
	}
	if opts != nil {
		if opts.MaxBytes > 0 {
			s.maxBytes = opts.MaxBytes
		} else if opts.MaxBytes < 0 {
			s.maxBytes = 0
		}
	}
	return s
}

// Append implements [EventStore].
func (s *MemoryEventStore) Append(ctx context.Context, sessionID string, streamID int64, data []byte) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	streams, ok := s.sessions[sessionID]
	if !ok {
		streams = make(map[int64]*streamLog)
		s.sessions[sessionID] = streams
	}
	log, ok := streams[streamID]
	if !ok {
		log = &streamLog{}
		streams[streamID] = log
	}
	idx := log.first + len(log.events)
	log.events = append(log.events, slices.Clone(data))
	s.nBytes += len(data)
	s.purgeLocked()
	return idx, nil
}

// purgeLocked drops the oldest events of the largest streams until the store
// fits its budget.
func (s *MemoryEventStore) purgeLocked() {
	for s.maxBytes > 0 && s.nBytes > s.maxBytes {
		var largest *streamLog
		size := 0
		for _, streams := range s.sessions {
			for _, log := range streams {
				n := 0
				for _, e := range log.events {
					n += len(e)
				}
				if n > size {
					largest, size = log, n
				}
			}
		}
		if largest == nil || len(largest.events) == 0 {
			return
		}
		s.nBytes -= len(largest.events[0])
		largest.events = largest.events[1:]
		largest.first++
	}
}

// After implements [EventStore].
func (s *MemoryEventStore) After(ctx context.Context, sessionID string, streamID int64, index int) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		if err := ctx.Err(); err != nil {
			yield(nil, err)
			return
		}
		s.mu.Lock()
		var data [][]byte
		var purged bool
		if streams, ok := s.sessions[sessionID]; ok {
			if log, ok := streams[streamID]; ok {
				if index < log.first {
					purged = true
				} else if off := index - log.first; off < len(log.events) {
					data = slices.Clone(log.events[off:])
				}
			}
		}
		s.mu.Unlock()
		if purged {
			yield(nil, fmt.Errorf("%w: stream %d of session %q before index %d", ErrEventsPurged, streamID, sessionID, index))
			return
		}
		for _, d := range data {
			if !yield(d, nil) {
				return
			}
		}
	}
}

// SessionClosed implements [EventStore].
func (s *MemoryEventStore) SessionClosed(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, log := range s.sessions[sessionID] {
		for _, e := range log.events {
			s.nBytes -= len(e)
		}
	}
	delete(s.sessions, sessionID)
	return nil
}
