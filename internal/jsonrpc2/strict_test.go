// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package jsonrpc2

import (
	"strings"
	"testing"
)

func TestStrictUnmarshal(t *testing.T) {
	type params struct {
		Name  string `json:"name"`
		Value int    `json:"value"`
	}

	tests := []struct {
		name    string
		input   string
		wantErr string // substring, empty for success
	}{
		{
			name:  "valid object",
			input: `{"name":"x","value":1}`,
		},
		{
			name:  "nested objects and arrays",
			input: `{"name":"x","value":1,"extra":{"a":[{"b":1},{"b":2}]}}`,
		},
		{
			name:    "duplicate key",
			input:   `{"name":"x","name":"y"}`,
			wantErr: `duplicate key "name"`,
		},
		{
			name:    "case-variant duplicate",
			input:   `{"name":"x","Name":"y"}`,
			wantErr: "duplicate key with different case",
		},
		{
			name:    "duplicate in nested object",
			input:   `{"name":"x","extra":{"a":1,"a":2}}`,
			wantErr: `duplicate key "a"`,
		},
		{
			name:    "duplicate inside array element",
			input:   `{"name":"x","extra":[{"a":1,"A":2}]}`,
			wantErr: "duplicate key with different case",
		},
		{
			name:    "malformed json",
			input:   `{"name":`,
			wantErr: "strict unmarshal",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var p params
			err := StrictUnmarshal([]byte(tt.input), &p)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("StrictUnmarshal: %v", err)
				}
				if p.Name != "x" {
					t.Errorf("Name = %q, want x", p.Name)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("StrictUnmarshal error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestStrictUnmarshalCaseSensitiveFields(t *testing.T) {
	// Member names are case-sensitive: "NAME" must not populate the "name"
	// field the way a case-insensitive matcher would.
	var p struct {
		Name string `json:"name"`
	}
	if err := StrictUnmarshal([]byte(`{"NAME":"x"}`), &p); err != nil {
		t.Fatalf("StrictUnmarshal: %v", err)
	}
	if p.Name != "" {
		t.Errorf("case-insensitive field match: Name = %q, want empty", p.Name)
	}
}
