// Copyright 2026 The Triton Authors
// SPDX-License-Identifier: Apache-2.0

package properties

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// Properties is an ordered set of key=value pairs.
type Properties struct {
	keys   []string
	values map[string]string
}

// New returns an empty property set.
func New() *Properties {
	return &Properties{values: make(map[string]string)}
}

// Get returns the value for key, or "" when absent.
func (p *Properties) Get(key string) string { return p.values[key] }

// GetDefault returns the value for key, or def when the key is absent
// or empty.
func (p *Properties) GetDefault(key, def string) string {
	if v, ok := p.values[key]; ok && v != "" {
		return v
	}
	return def
}

// Has reports whether key is present.
func (p *Properties) Has(key string) bool {
	_, ok := p.values[key]
	return ok
}

// Set stores a value, appending the key on first use.
func (p *Properties) Set(key, value string) {
	if _, ok := p.values[key]; !ok {
		p.keys = append(p.keys, key)
	}
	p.values[key] = value
}

// Delete removes a key.
func (p *Properties) Delete(key string) {
	if _, ok := p.values[key]; !ok {
		return
	}
	delete(p.values, key)
	for i, k := range p.keys {
		if k == key {
			p.keys = append(p.keys[:i], p.keys[i+1:]...)
			break
		}
	}
}

// Keys returns the keys in insertion order.
func (p *Properties) Keys() []string {
	out := make([]string, len(p.keys))
	copy(out, p.keys)
	return out
}

// Len returns the number of keys.
func (p *Properties) Len() int { return len(p.keys) }

// Parse reads a property file.
func Parse(r io.Reader) (*Properties, error) {
	p := New()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var logical strings.Builder
	flush := func() {
		line := logical.String()
		logical.Reset()
		trimmed := strings.TrimLeft(line, " \t")
		if trimmed == "" || trimmed[0] == '#' || trimmed[0] == '!' {
			return
		}
		key, value := splitPair(trimmed)
		p.Set(unescape(key), unescape(value))
	}

	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if logical.Len() > 0 {
			// continuation lines shed their leading indentation
			line = strings.TrimLeft(line, " \t")
		}
		if continued(line) {
			logical.WriteString(line[:len(line)-1])
			continue
		}
		logical.WriteString(line)
		flush()
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading properties: %w", err)
	}
	if logical.Len() > 0 {
		flush()
	}
	return p, nil
}

// Write serializes the property set in key insertion order.
func (p *Properties) Write(w io.Writer) error {
	for _, key := range p.keys {
		if _, err := fmt.Fprintf(w, "%s=%s\n", escapeKey(key), escapeValue(p.values[key])); err != nil {
			return err
		}
	}
	return nil
}

// LoadFile parses the property file at path. A missing file yields an
// empty set so optional configuration needs no existence check.
func LoadFile(path string) (*Properties, error) {
	file, err := os.Open(path)
	if os.IsNotExist(err) {
		return New(), nil
	}
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return Parse(file)
}

// SaveFile writes the property set to path.
func (p *Properties) SaveFile(path string) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := p.Write(file); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

// continued reports whether the line ends in an odd number of
// backslashes, meaning the logical line continues on the next one.
func continued(line string) bool {
	count := 0
	for i := len(line) - 1; i >= 0 && line[i] == '\\'; i-- {
		count++
	}
	return count%2 == 1
}

// splitPair splits on the first unescaped '=' or ':'.
func splitPair(line string) (key, value string) {
	for i := 0; i < len(line); i++ {
		switch line[i] {
		case '\\':
			i++
		case '=', ':':
			return strings.TrimRight(line[:i], " \t"), strings.TrimLeft(line[i+1:], " \t")
		}
	}
	return line, ""
}

func unescape(s string) string {
	if !strings.ContainsRune(s, '\\') {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' || i == len(s)-1 {
			b.WriteByte(s[i])
			continue
		}
		i++
		switch s[i] {
		case 'n':
			b.WriteByte('\n')
		case 't':
			b.WriteByte('\t')
		case 'r':
			b.WriteByte('\r')
		default:
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

func escapeValue(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\t':
			b.WriteString(`\t`)
		case '\r':
			b.WriteString(`\r`)
		default:
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

func escapeKey(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '=', ':', '#', '!', ' ':
			b.WriteByte('\\')
			b.WriteByte(s[i])
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		default:
			b.WriteByte(s[i])
		}
	}
	return b.String()
}
