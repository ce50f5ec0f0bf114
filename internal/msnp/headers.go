package msnp

import (
	"bytes"
	"fmt"
	"strings"
)

// Headers is an ordered MIME-style header block as used in MSG payloads.
// Order is preserved on serialization because some clients are sensitive to
// field ordering.
type Headers struct {
	keys   []string
	values map[string]string
}

// NewHeaders creates an empty header block.
func NewHeaders() *Headers {
	return &Headers{values: make(map[string]string)}
}

// ParsePayload splits a MSG-style payload into its header block and body.
// The body starts after the first blank line; a payload without a blank line
// is all headers with an empty body.
func ParsePayload(payload []byte) (*Headers, []byte, error) {
	h := NewHeaders()
	rest := payload
	for len(rest) > 0 {
		idx := bytes.Index(rest, []byte("\r\n"))
		if idx < 0 {
			// Last line without terminator.
			idx = len(rest)
		}
		line := rest[:idx]
		if idx == len(rest) {
			rest = nil
		} else {
			rest = rest[idx+2:]
		}
		if len(line) == 0 {
			// Blank line: what remains is the body.
			return h, rest, nil
		}
		colon := bytes.IndexByte(line, ':')
		if colon < 0 {
			return nil, nil, fmt.Errorf("malformed header line %q", line)
		}
		key := string(line[:colon])
		val := strings.TrimLeft(string(line[colon+1:]), " ")
		h.Set(key, val)
	}
	return h, nil, nil
}

// Set stores a header, preserving the position of an existing key.
func (h *Headers) Set(key, value string) {
	if _, exists := h.values[key]; !exists {
		h.keys = append(h.keys, key)
	}
	h.values[key] = value
}

// Get returns the header value, or the empty string if absent.
func (h *Headers) Get(key string) string {
	return h.values[key]
}

// Has reports whether the header is present.
func (h *Headers) Has(key string) bool {
	_, ok := h.values[key]
	return ok
}

// Del removes a header if present.
func (h *Headers) Del(key string) {
	if _, ok := h.values[key]; !ok {
		return
	}
	delete(h.values, key)
	for i, k := range h.keys {
		if k == key {
			h.keys = append(h.keys[:i], h.keys[i+1:]...)
			break
		}
	}
}

// Bytes serializes the header block followed by a blank line and the body.
func (h *Headers) Bytes(body []byte) []byte {
	var buf bytes.Buffer
	for _, k := range h.keys {
		buf.WriteString(k)
		buf.WriteString(": ")
		buf.WriteString(h.values[k])
		buf.WriteString("\r\n")
	}
	buf.WriteString("\r\n")
	buf.Write(body)
	return buf.Bytes()
}
