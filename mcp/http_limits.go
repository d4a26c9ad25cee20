// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mcp

import (
	"errors"
	"net/http"
)

// DefaultMaxBodyBytes is the maximum size, in bytes, of HTTP request bodies
// accepted by the streamable HTTP handler when no limit is configured.
const DefaultMaxBodyBytes int64 = 1_000_000

// effectiveMaxBodyBytes maps a configured MaxBodyBytes to its effective
// limit: zero selects the default, negative disables the limit.
func effectiveMaxBodyBytes(maxBodyBytes int64) int64 {
	switch {
	case maxBodyBytes == 0:
		return DefaultMaxBodyBytes
	case maxBodyBytes < 0:
		return 0
	default:
		return maxBodyBytes
	}
}

func isMaxBytesError(err error) bool {
	var mbe *http.MaxBytesError
	return errors.As(err, &mbe)
}

func writeRequestBodyTooLarge(w http.ResponseWriter) {
	// http.MaxBytesReader already arranges for the connection to close, but
	// be explicit about it.
	w.Header().Set("Connection", "close")
	http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
}
