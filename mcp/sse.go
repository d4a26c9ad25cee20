// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mcp

// This file implements the server-sent event protocol used to frame JSON-RPC
// messages inside streamable HTTP responses.
//
// See https://html.spec.whatwg.org/multipage/server-sent-events.html.

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"iter"
	"net/http"
	"strings"
)

// An event is a server-sent event. For the streamable transport, the data
// field holds exactly one JSON-RPC message.
type event struct {
	name string // the "event" field, if any
	id   string // the "id" field, if any
	data []byte // the "data" field; may be empty
}

// writeEvent writes the event to w, adhering to the SSE wire format, and
// flushes if w is an [http.Flusher]. It reports the number of bytes written.
func writeEvent(w io.Writer, evt event) (int, error) {
	var b bytes.Buffer
	if evt.name != "" {
		fmt.Fprintf(&b, "event: %s\n", evt.name)
	}
	if evt.id != "" {
		fmt.Fprintf(&b, "id: %s\n", evt.id)
	}
	fmt.Fprintf(&b, "data: %s\n\n", string(evt.data))
	n, err := w.Write(b.Bytes())
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	return n, err
}

// scanEvents iterates SSE events in the given stream. The iteration ends with
// a final non-nil error, which is [io.EOF] if the stream ended normally.
//
// Lines other than "event", "id" and "data" fields are ignored. A
// zero-length data field is legal. Events are delimited by blank lines.
func scanEvents(r io.Reader) iter.Seq2[event, error] {
	scanner := bufio.NewScanner(r)
	const maxTokenSize = 1 * 1024 * 1024 // 1 MiB max line size
	scanner.Buffer(nil, maxTokenSize)

	return func(yield func(event, error) bool) {
		// Lines beyond those handled below are ignored, per the SSE spec.
		var (
			evt       event
			dataLines []string
			sawData   bool
		)
		flush := func() bool {
			if !sawData && evt.name == "" && evt.id == "" {
				return true // nothing accumulated
			}
			evt.data = []byte(strings.Join(dataLines, "\n"))
			ok := yield(evt, nil)
			evt = event{}
			dataLines = nil
			sawData = false
			return ok
		}
		for scanner.Scan() {
			line := scanner.Text()
			if line == "" {
				if !flush() {
					return
				}
				continue
			}
			field, value, ok := strings.Cut(line, ":")
			if !ok {
				continue
			}
			value = strings.TrimPrefix(value, " ")
			switch field {
			case "event":
				evt.name = value
			case "id":
				evt.id = value
			case "data":
				dataLines = append(dataLines, value)
				sawData = true
			}
		}
		if err := scanner.Err(); err != nil {
			yield(event{}, err)
			return
		}
		// A trailing event without a final blank line is still delivered.
		if !flush() {
			return
		}
		yield(event{}, io.EOF)
	}
}
