// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package jsonrpc2

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	internaljson "github.com/modelcontextprotocol/go-core/internal/json"
)

// StrictUnmarshal unmarshals data into v, rejecting objects that carry the
// same key twice, including case-variant duplicates ("name" and "Name").
//
// JSON-RPC 2.0 member names are case-sensitive. Go's encoding/json collapses
// duplicate keys (last one wins) and matches struct fields
// case-insensitively, which together allow a peer to smuggle a second value
// for a field past naive validation. Field matching itself is case-exact via
// the internal/json seam; this function adds the duplicate-key check.
func StrictUnmarshal(data []byte, v any) error {
	if err := checkDuplicateKeys(data); err != nil {
		return fmt.Errorf("strict unmarshal: %w", err)
	}
	if err := internaljson.Unmarshal(data, v); err != nil {
		return fmt.Errorf("strict unmarshal: %w", err)
	}
	return nil
}

// checkDuplicateKeys walks the token stream of data and reports an error if
// any object holds two keys that are equal under case folding.
func checkDuplicateKeys(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return checkValue(dec)
}

func checkValue(dec *json.Decoder) error {
	tok, err := dec.Token()
	if err != nil {
		if err == io.EOF {
			return nil
		}
		return err
	}
	delim, ok := tok.(json.Delim)
	if !ok {
		return nil // primitive
	}
	switch delim {
	case '{':
		return checkObject(dec)
	case '[':
		return checkArray(dec)
	}
	return nil
}

func checkObject(dec *json.Decoder) error {
	seen := make(map[string]string) // folded key -> original
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key := tok.(string)
		folded := strings.ToLower(key)
		if prev, dup := seen[folded]; dup {
			if prev == key {
				return fmt.Errorf("duplicate key %q", key)
			}
			return fmt.Errorf("duplicate key with different case: %q and %q", prev, key)
		}
		seen[folded] = key
		if err := checkValue(dec); err != nil {
			return fmt.Errorf("in field %q: %w", key, err)
		}
	}
	_, err := dec.Token() // consume '}'
	return err
}

func checkArray(dec *json.Decoder) error {
	for i := 0; dec.More(); i++ {
		if err := checkValue(dec); err != nil {
			return fmt.Errorf("at array index %d: %w", i, err)
		}
	}
	_, err := dec.Token() // consume ']'
	return err
}
