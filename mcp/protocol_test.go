// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mcp

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestNegotiatedVersion(t *testing.T) {
	tests := []struct {
		requested, want string
	}{
		{protocolVersion20250618, protocolVersion20250618},
		{protocolVersion20250326, protocolVersion20250326},
		{protocolVersion20241105, protocolVersion20241105},
		// Unknown or future versions fall back to our latest.
		{"2100-01-01", latestProtocolVersion},
		{"", latestProtocolVersion},
		{"garbage", latestProtocolVersion},
	}
	for _, tt := range tests {
		if got := negotiatedVersion(tt.requested); got != tt.want {
			t.Errorf("negotiatedVersion(%q) = %q, want %q", tt.requested, got, tt.want)
		}
	}
}

func TestBatchingSupported(t *testing.T) {
	tests := []struct {
		version string
		want    bool
	}{
		{protocolVersion20241105, true},
		{protocolVersion20250326, true},
		{protocolVersion20250618, false},
		{"", false},
		{"2100-01-01", false},
	}
	for _, tt := range tests {
		if got := batchingSupported(tt.version); got != tt.want {
			t.Errorf("batchingSupported(%q) = %v, want %v", tt.version, got, tt.want)
		}
	}
}

func TestCompareLevels(t *testing.T) {
	ordered := []LoggingLevel{
		LevelDebug, LevelInfo, LevelNotice, LevelWarning,
		LevelError, LevelCritical, LevelAlert, LevelEmergency,
	}
	for i, a := range ordered {
		for j, b := range ordered {
			got := compareLevels(a, b)
			switch {
			case i < j && got >= 0:
				t.Errorf("compareLevels(%q, %q) = %d, want negative", a, b, got)
			case i == j && got != 0:
				t.Errorf("compareLevels(%q, %q) = %d, want 0", a, b, got)
			case i > j && got <= 0:
				t.Errorf("compareLevels(%q, %q) = %d, want positive", a, b, got)
			}
		}
	}
}

func TestMetaMarshaling(t *testing.T) {
	// Meta is embedded and surfaces as the reserved "_meta" property.
	params := &LoggingMessageParams{
		Meta:  Meta{progressTokenKey: "tok-1"},
		Level: LevelInfo,
		Data:  "hello",
	}
	data, err := json.Marshal(params)
	if err != nil {
		t.Fatal(err)
	}
	var decoded LoggingMessageParams
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}
	if got := decoded.GetMeta()[progressTokenKey]; got != "tok-1" {
		t.Errorf("after round trip, progress token = %v, want tok-1", got)
	}

	// Absent metadata stays nil and is omitted from the encoding.
	data, err = json.Marshal(&LoggingMessageParams{Level: LevelInfo})
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatal(err)
	}
	if _, ok := m["_meta"]; ok {
		t.Errorf("empty Meta was encoded: %s", data)
	}

	// SetMeta replaces the map in place through the embedded pointer method.
	var p LoggingMessageParams
	p.SetMeta(map[string]any{"k": "v"})
	if got := p.GetMeta()["k"]; got != "v" {
		t.Errorf("after SetMeta, GetMeta()[k] = %v", got)
	}
}

func TestCapabilityClone(t *testing.T) {
	t.Run("server", func(t *testing.T) {
		orig := &ServerCapabilities{
			Experimental: map[string]any{"x": 1},
			Logging:      &LoggingCapabilities{},
			Tools:        &ToolCapabilities{ListChanged: true},
			Tasks:        &TaskCapabilities{List: &struct{}{}},
		}
		cp := orig.clone()
		if diff := cmp.Diff(orig, cp); diff != "" {
			t.Errorf("clone mismatch (-orig +clone):\n%s", diff)
		}
		// Mutating the clone must not affect the original.
		cp.Experimental["x"] = 2
		cp.Tools.ListChanged = false
		if orig.Experimental["x"] != 1 || !orig.Tools.ListChanged {
			t.Error("clone shares state with the original")
		}
		if (*ServerCapabilities)(nil).clone() != nil {
			t.Error("clone of nil is not nil")
		}
	})

	t.Run("client", func(t *testing.T) {
		orig := &ClientCapabilities{
			Sampling:    &SamplingCapabilities{},
			Elicitation: &ElicitationCapabilities{},
			Roots:       &RootCapabilities{ListChanged: true},
		}
		cp := orig.clone()
		if diff := cmp.Diff(orig, cp); diff != "" {
			t.Errorf("clone mismatch (-orig +clone):\n%s", diff)
		}
		cp.Roots.ListChanged = false
		if !orig.Roots.ListChanged {
			t.Error("clone shares state with the original")
		}
		if (*ClientCapabilities)(nil).clone() != nil {
			t.Error("clone of nil is not nil")
		}
	})
}
