// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package json is the JSON seam for the module: all wire-level encoding and
// decoding funnels through it, so the underlying implementation is chosen in
// one place.
package json

import (
	"github.com/segmentio/encoding/json"
)

// Marshal returns the JSON encoding of v.
func Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Unmarshal parses the JSON-encoded data and stores the result in the value
// pointed to by v.
//
// Unlike encoding/json, field names must match struct tags exactly:
// JSON-RPC 2.0 member names are case-sensitive, and Go's default
// case-insensitive matching would let a peer smuggle values through
// differently-cased keys.
func Unmarshal(data []byte, v any) error {
	_, err := json.Parse(data, v, json.DontMatchCaseInsensitiveStructFields)
	return err
}
