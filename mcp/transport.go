// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-core/internal/jsonrpc2"
	"github.com/modelcontextprotocol/go-core/jsonrpc"
)

// A Transport is used to create a bidirectional connection between MCP client
// and server.
//
// Transports should be used for at most one call to [Server.Connect] or
// [Client.Connect].
type Transport interface {
	// Connect returns the logical JSON-RPC connection.
	//
	// It is called exactly once by the session that owns the transport.
	Connect(ctx context.Context) (Connection, error)
}

// A Connection is a logical bidirectional JSON-RPC connection.
type Connection interface {
	// Read reads the next message from the connection, blocking until one is
	// available or the connection fails. It returns io.EOF when the peer has
	// cleanly closed the connection.
	Read(ctx context.Context) (jsonrpc.Message, error)
	// Write writes a message to the connection.
	Write(ctx context.Context, msg jsonrpc.Message) error
	// Close closes the connection. Pending and future reads and writes fail.
	// Close may be called concurrently with Read and Write, and must be
	// idempotent.
	Close() error
	// SessionID returns the session ID of this connection, or "" if the
	// transport has no session concept.
	SessionID() string
}

// A sessionUpdater is a Connection that observes server session state, for
// example to learn the negotiated protocol version.
type sessionUpdater interface {
	sessionUpdated(ServerSessionState)
}

// An rwc binds a distinct ReadCloser and WriteCloser into an
// io.ReadWriteCloser.
type rwc struct {
	rc io.ReadCloser
	wc io.WriteCloser
}

func (r rwc) Read(p []byte) (int, error) {
	if r.rc == nil {
		return 0, io.EOF
	}
	return r.rc.Read(p)
}

func (r rwc) Write(p []byte) (int, error) {
	if r.wc == nil {
		return 0, errors.New("write to read-only connection")
	}
	return r.wc.Write(p)
}

func (r rwc) Close() error {
	var errc, errw error
	if r.rc != nil {
		errc = r.rc.Close()
	}
	if r.wc != nil {
		errw = r.wc.Close()
	}
	return errors.Join(errc, errw)
}

// A StdioTransport is a [Transport] that communicates over newline-delimited
// JSON, one message per line, using the provided streams.
//
// The zero value reads from os.Stdin and writes to os.Stdout.
type StdioTransport struct {
	// In is the stream to read messages from. If nil, os.Stdin is used.
	In io.ReadCloser
	// Out is the stream to write messages to. If nil, os.Stdout is used.
	Out io.WriteCloser
	// WatchdogPID, if nonzero, is the process ID of the host process. The
	// transport polls it every WatchdogInterval and closes the connection if
	// it has exited, so that a server does not outlive the client that
	// spawned it.
	WatchdogPID int
	// WatchdogInterval is the polling interval for WatchdogPID.
	// If zero, it defaults to 5 seconds.
	WatchdogInterval time.Duration
}

// Connect implements the [Transport] interface.
func (t *StdioTransport) Connect(ctx context.Context) (Connection, error) {
	in := t.In
	if in == nil {
		in = os.Stdin
	}
	out := t.Out
	if out == nil {
		out = os.Stdout
	}
	conn := newIOConn(rwc{in, out})
	if t.WatchdogPID > 0 {
		interval := t.WatchdogInterval
		if interval <= 0 {
			interval = 5 * time.Second
		}
		go watchHost(t.WatchdogPID, interval, conn)
	}
	return conn, nil
}

// watchHost polls pid until it exits or conn closes, then closes conn.
func watchHost(pid int, interval time.Duration, conn *ioConn) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-conn.done:
			return
		case <-ticker.C:
			if !processExists(pid) {
				conn.Close()
				return
			}
		}
	}
}

func processExists(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Signal 0 performs error checking without sending a signal.
	return proc.Signal(syscall.Signal(0)) == nil
}

// A malformedMessageError reports an incoming message that could not be
// decoded. The connection has already answered or dropped the offending
// bytes and remains usable: callers should report the error and keep
// reading.
type malformedMessageError struct {
	err error
}

func (e *malformedMessageError) Error() string {
	return "malformed incoming message: " + e.err.Error()
}

func (e *malformedMessageError) Unwrap() error { return e.err }

// An ioConn is a [Connection] that communicates using newline-delimited JSON
// over an io.ReadWriteCloser.
type ioConn struct {
	rwc io.ReadWriteCloser // the underlying stream
	in  *bufio.Reader      // line reader over rwc

	// readErr is a stream failure observed after partial line data, surfaced
	// once that line has been consumed. Only the reading goroutine touches it.
	readErr error

	// If outgoingBatch has a positive capacity, written messages are staged
	// and flushed as a single JSON batch once the batch is full.
	outgoingBatch []jsonrpc.Message

	writeMu sync.Mutex // serializes writes to rwc

	closeOnce sync.Once
	done      chan struct{} // closed by Close
	closeErr  error

	mu sync.Mutex
	// queue holds messages from an incoming batch that have not yet been
	// returned by Read.
	queue []jsonrpc.Message
	// protocolVersion is the negotiated version, when known. It determines
	// whether incoming batches are legal.
	protocolVersion string
}

func newIOConn(rwc io.ReadWriteCloser) *ioConn {
	return &ioConn{
		rwc:  rwc,
		in:   bufio.NewReader(rwc),
		done: make(chan struct{}),
	}
}

func (c *ioConn) sessionUpdated(state ServerSessionState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if state.InitializeParams != nil {
		c.protocolVersion = state.InitializeParams.ProtocolVersion
	}
}

func (c *ioConn) SessionID() string { return "" }

func (c *ioConn) Read(ctx context.Context) (jsonrpc.Message, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, io.EOF
	default:
	}

	c.mu.Lock()
	if len(c.queue) > 0 {
		next := c.queue[0]
		c.queue = c.queue[1:]
		c.mu.Unlock()
		return next, nil
	}
	version := c.protocolVersion
	c.mu.Unlock()

	var line []byte
	for {
		var err error
		line, err = c.readLine()
		if err != nil {
			return nil, err
		}
		if len(bytes.TrimSpace(line)) > 0 {
			break
		}
	}

	dec := json.NewDecoder(bytes.NewReader(line))
	var raw json.RawMessage
	if err := dec.Decode(&raw); err != nil {
		// Unparseable bytes: answer with a parse error and keep the stream
		// alive. A single bad line must not fail unrelated outstanding calls.
		if werr := c.replyMalformed(nil, fmt.Errorf("%w: %v", jsonrpc2.ErrParse, err)); werr != nil {
			return nil, werr
		}
		return nil, &malformedMessageError{err: err}
	}
	// One message per line: beyond the JSON value, the line must hold only
	// whitespace.
	for _, b := range line[dec.InputOffset():] {
		switch b {
		case ' ', '\t', '\r', '\n':
		default:
			return nil, errors.New("invalid trailing data at the end of stream")
		}
	}

	msgs, batch, err := jsonrpc2.DecodeBatch(raw)
	if err != nil {
		if werr := c.replyMalformed(raw, err); werr != nil {
			return nil, werr
		}
		return nil, &malformedMessageError{err: err}
	}
	if batch && !batchingSupported(version) && version != "" {
		return nil, fmt.Errorf("JSON-RPC batching is not supported in 2025-06-18 and later (request version: %s)", version)
	}
	if len(msgs) > 1 {
		c.mu.Lock()
		c.queue = append(c.queue, msgs[1:]...)
		c.mu.Unlock()
	}
	return msgs[0], nil
}

// readLine returns the next newline-terminated line. When the stream ends in
// the middle of a line, the partial line is returned now and the read failure
// on the following call.
func (c *ioConn) readLine() ([]byte, error) {
	if c.readErr != nil {
		return nil, c.readErr
	}
	line, err := c.in.ReadBytes('\n')
	if err != nil {
		if len(line) == 0 {
			return nil, err
		}
		c.readErr = err
	}
	return line, nil
}

// replyMalformed answers an incoming line that could not be decoded:
// request-like bytes get an error response carrying whatever id could be
// recovered, while malformed notifications and responses are dropped, as
// neither has a sender awaiting a reply.
func (c *ioConn) replyMalformed(raw json.RawMessage, derr error) error {
	code := jsonrpc.CodeParseError
	if errors.Is(derr, jsonrpc2.ErrInvalidRequest) {
		code = jsonrpc.CodeInvalidRequest
	}
	var id jsonrpc.ID
	if len(raw) > 0 {
		var shape struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
			Result json.RawMessage `json:"result"`
			Error  json.RawMessage `json:"error"`
		}
		if err := json.Unmarshal(raw, &shape); err == nil {
			if shape.Method == "" && (len(shape.Result) > 0 || len(shape.Error) > 0) {
				return nil
			}
			if shape.Method != "" && len(shape.ID) == 0 {
				return nil
			}
			var v any
			if len(shape.ID) > 0 && json.Unmarshal(shape.ID, &v) == nil {
				if recovered, ok := wireID(v); ok {
					id = recovered
				}
			}
		}
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.writeMsg(&jsonrpc.Response{
		ID:    id,
		Error: &jsonrpc.Error{Code: code, Message: derr.Error()},
	})
}

func (c *ioConn) Write(ctx context.Context, msg jsonrpc.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if cap(c.outgoingBatch) > 0 {
		c.outgoingBatch = append(c.outgoingBatch, msg)
		if len(c.outgoingBatch) == cap(c.outgoingBatch) {
			batch := c.outgoingBatch
			c.outgoingBatch = c.outgoingBatch[:0]
			return c.writeBatch(batch)
		}
		return nil
	}
	return c.writeMsg(msg)
}

func (c *ioConn) writeMsg(msg jsonrpc.Message) error {
	data, err := jsonrpc2.EncodeMessage(msg)
	if err != nil {
		return err
	}
	return c.writeLine(data)
}

func (c *ioConn) writeBatch(msgs []jsonrpc.Message) error {
	encoded := make([]json.RawMessage, len(msgs))
	for i, msg := range msgs {
		data, err := jsonrpc2.EncodeMessage(msg)
		if err != nil {
			return err
		}
		encoded[i] = data
	}
	data, err := json.Marshal(encoded)
	if err != nil {
		return err
	}
	return c.writeLine(data)
}

func (c *ioConn) writeLine(data []byte) error {
	if _, err := c.rwc.Write(append(data, '\n')); err != nil {
		return &TransportError{Kind: SendFailed, Err: err}
	}
	return nil
}

func (c *ioConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.closeErr = c.rwc.Close()
	})
	return c.closeErr
}

// InMemoryTransport is a [Transport] that communicates over an in-memory
// pipe. Transports must be created in connected pairs with
// [NewInMemoryTransports].
type InMemoryTransport struct {
	conn *ioConn
}

// NewInMemoryTransports returns two InMemoryTransports that connect to each
// other, for testing or same-process client/server pairs.
func NewInMemoryTransports() (*InMemoryTransport, *InMemoryTransport) {
	r1, w1 := io.Pipe()
	r2, w2 := io.Pipe()
	return &InMemoryTransport{newIOConn(rwc{r1, w2})},
		&InMemoryTransport{newIOConn(rwc{r2, w1})}
}

// Connect implements the [Transport] interface.
func (t *InMemoryTransport) Connect(ctx context.Context) (Connection, error) {
	return t.conn, nil
}

// A LoggingTransport is a [Transport] that delegates to another transport,
// logging the messages it reads and writes.
type LoggingTransport struct {
	// Delegate is the transport to connect.
	Delegate Transport
	// Logger receives a debug record per message. If nil, slog.Default() is
	// used.
	Logger *slog.Logger
}

// Connect implements the [Transport] interface.
func (t *LoggingTransport) Connect(ctx context.Context) (Connection, error) {
	conn, err := t.Delegate.Connect(ctx)
	if err != nil {
		return nil, err
	}
	logger := t.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &loggingConn{delegate: conn, logger: logger}, nil
}

type loggingConn struct {
	delegate Connection
	logger   *slog.Logger
}

func (c *loggingConn) SessionID() string { return c.delegate.SessionID() }

func (c *loggingConn) Read(ctx context.Context) (jsonrpc.Message, error) {
	msg, err := c.delegate.Read(ctx)
	if err != nil {
		if err != io.EOF {
			c.logger.Debug("read error", "error", err)
		}
		return nil, err
	}
	if data, err := jsonrpc2.EncodeMessage(msg); err == nil {
		c.logger.Debug("read", "msg", string(data))
	}
	return msg, nil
}

func (c *loggingConn) Write(ctx context.Context, msg jsonrpc.Message) error {
	err := c.delegate.Write(ctx, msg)
	if data, merr := jsonrpc2.EncodeMessage(msg); merr == nil {
		if err != nil {
			c.logger.Debug("write error", "msg", string(data), "error", err)
		} else {
			c.logger.Debug("write", "msg", string(data))
		}
	}
	return err
}

func (c *loggingConn) Close() error { return c.delegate.Close() }
