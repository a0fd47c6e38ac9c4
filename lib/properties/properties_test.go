// Copyright 2026 The Triton Authors
// SPDX-License-Identifier: Apache-2.0

package properties

import (
	"bytes"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func TestParseBasics(t *testing.T) {
	input := strings.Join([]string{
		"# a comment",
		"! another comment",
		"",
		"module=demo-scripts",
		"version = 1.0.0",
		"colon:value",
		"spaced.key   =   padded value",
	}, "\n")

	p, err := Parse(strings.NewReader(input))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	cases := map[string]string{
		"module":     "demo-scripts",
		"version":    "1.0.0",
		"colon":      "value",
		"spaced.key": "padded value",
	}
	for key, want := range cases {
		if got := p.Get(key); got != want {
			t.Errorf("Get(%q) = %q, want %q", key, got, want)
		}
	}
	if p.Len() != len(cases) {
		t.Errorf("Len() = %d, want %d", p.Len(), len(cases))
	}
}

func TestParseContinuationAndEscapes(t *testing.T) {
	input := "long=first \\\n    second\nescaped\\=key=v\ntabbed=a\\tb\n"
	p, err := Parse(strings.NewReader(input))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got := p.Get("long"); got != "first second" {
		t.Errorf("continuation: got %q", got)
	}
	if got := p.Get("escaped=key"); got != "v" {
		t.Errorf("escaped key: got %q", got)
	}
	if got := p.Get("tabbed"); got != "a\tb" {
		t.Errorf("tab escape: got %q", got)
	}
}

func TestRoundTripPreservesOrder(t *testing.T) {
	p := New()
	p.Set("module", "demo")
	p.Set("version", "2.0.0")
	p.Set("signature-scripts/hello.glue", "AQID")
	p.Set("weird key", "line1\nline2")

	var buf bytes.Buffer
	if err := p.Write(&buf); err != nil {
		t.Fatalf("Write: %v", err)
	}
	parsed, err := Parse(&buf)
	if err != nil {
		t.Fatalf("reparse: %v", err)
	}
	if !reflect.DeepEqual(parsed.Keys(), p.Keys()) {
		t.Errorf("key order changed: %v vs %v", parsed.Keys(), p.Keys())
	}
	for _, key := range p.Keys() {
		if parsed.Get(key) != p.Get(key) {
			t.Errorf("value for %q changed: %q vs %q", key, parsed.Get(key), p.Get(key))
		}
	}
}

func TestDelete(t *testing.T) {
	p := New()
	p.Set("a", "1")
	p.Set("b", "2")
	p.Delete("a")
	if p.Has("a") {
		t.Error("deleted key still present")
	}
	if want := []string{"b"}; !reflect.DeepEqual(p.Keys(), want) {
		t.Errorf("Keys() = %v, want %v", p.Keys(), want)
	}
}

func TestLoadFileMissing(t *testing.T) {
	p, err := LoadFile(filepath.Join(t.TempDir(), "absent.properties"))
	if err != nil {
		t.Fatalf("LoadFile on missing file: %v", err)
	}
	if p.Len() != 0 {
		t.Errorf("expected empty set, got %d keys", p.Len())
	}
}

func TestSaveFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "triton.properties")
	p := New()
	p.Set("name", "atlas")
	p.Set("triton.local.port", "5122")
	if err := p.SaveFile(path); err != nil {
		t.Fatalf("SaveFile: %v", err)
	}
	loaded, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if loaded.Get("name") != "atlas" || loaded.Get("triton.local.port") != "5122" {
		t.Errorf("round trip mismatch: %v", loaded.Keys())
	}
}
