// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package message provides the OAuth 2.0 / OpenID Connect protocol message:
// an ordered bag of named string parameters shared by requests and responses.
//
// Named accessors such as [Message.ClientID] read and write the underlying
// parameter directly, so a value set through an accessor is visible through
// [Message.Get] and in the serialized form, and vice versa.
package message

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"net/url"
	"slices"
	"strings"

	"github.com/tidwall/gjson"
)

var (
	// ErrDuplicateParameter is returned when a parameter appears more than once in the input.
	ErrDuplicateParameter = errors.New("duplicate parameter")

	// ErrInvalidJSON is returned when a JSON body is not a single JSON object.
	ErrInvalidJSON = errors.New("message body is not a JSON object")
)

type entry struct {
	value string
	// raw marks values that are JSON literals (numbers, booleans, objects)
	// rather than strings. They are emitted verbatim by MarshalJSON.
	raw bool
	// null marks a JSON null member. Its value reads as empty.
	null bool
}

// Message is an ordered collection of uniquely named protocol parameters.
// The zero value is an empty message ready to use. A Message is not safe for
// concurrent mutation; each request owns its own.
type Message struct {
	names   []string
	entries map[string]entry
}

// New returns an empty message.
func New() *Message {
	return &Message{}
}

// FromValues builds a message from url.Values in sorted name order.
// A name with more than one value yields ErrDuplicateParameter.
func FromValues(values url.Values) (*Message, error) {
	m := New()
	for _, name := range slices.Sorted(maps.Keys(values)) {
		vs := values[name]
		if len(vs) > 1 {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateParameter, name)
		}
		if len(vs) == 1 {
			m.Set(name, vs[0])
		}
	}
	return m, nil
}

// ParseForm parses an application/x-www-form-urlencoded body or query string,
// preserving the order in which parameters appear.
func ParseForm(body string) (*Message, error) {
	m := New()
	for body != "" {
		var pair string
		pair, body, _ = strings.Cut(body, "&")
		if pair == "" {
			continue
		}
		rawName, rawValue, _ := strings.Cut(pair, "=")
		name, err := url.QueryUnescape(rawName)
		if err != nil {
			return nil, fmt.Errorf("invalid parameter name %q: %w", rawName, err)
		}
		value, err := url.QueryUnescape(rawValue)
		if err != nil {
			return nil, fmt.Errorf("invalid value for parameter %q: %w", name, err)
		}
		if m.Has(name) {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateParameter, name)
		}
		m.Set(name, value)
	}
	return m, nil
}

// ParseJSON parses a JSON object, preserving member order. String members
// become plain parameters; numbers, booleans, arrays and objects keep their
// JSON text so that re-encoding is lossless. Null members read as empty
// values and are encoded back as null.
func ParseJSON(data []byte) (*Message, error) {
	if !gjson.ValidBytes(data) {
		return nil, ErrInvalidJSON
	}
	result := gjson.ParseBytes(data)
	if !result.IsObject() {
		return nil, ErrInvalidJSON
	}

	m := New()
	var parseErr error
	result.ForEach(func(key, value gjson.Result) bool {
		name := key.String()
		if m.Has(name) {
			parseErr = fmt.Errorf("%w: %s", ErrDuplicateParameter, name)
			return false
		}
		switch value.Type {
		case gjson.Null:
			m.setEntry(name, entry{null: true})
		case gjson.String:
			m.Set(name, value.String())
		default:
			m.setEntry(name, entry{value: value.Raw, raw: true})
		}
		return true
	})
	if parseErr != nil {
		return nil, parseErr
	}
	return m, nil
}

// Get returns the value of the named parameter, or "" when absent.
func (m *Message) Get(name string) string {
	return m.entries[name].value
}

// Lookup returns the value of the named parameter and whether it is present.
func (m *Message) Lookup(name string) (string, bool) {
	e, ok := m.entries[name]
	return e.value, ok
}

// Has reports whether the named parameter is present.
func (m *Message) Has(name string) bool {
	_, ok := m.entries[name]
	return ok
}

// Set stores a string parameter. An existing parameter keeps its position.
func (m *Message) Set(name, value string) {
	m.setEntry(name, entry{value: value})
}

// SetJSON stores a parameter whose value is the given JSON literal, such as a
// number or an object. Form encoding emits the literal text.
func (m *Message) SetJSON(name string, raw json.RawMessage) error {
	if !json.Valid(raw) {
		return fmt.Errorf("invalid JSON value for parameter %q", name)
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, raw); err != nil {
		return fmt.Errorf("invalid JSON value for parameter %q: %w", name, err)
	}
	if compact.Len() > 0 && compact.Bytes()[0] == '"' {
		var s string
		if err := json.Unmarshal(compact.Bytes(), &s); err != nil {
			return fmt.Errorf("invalid JSON value for parameter %q: %w", name, err)
		}
		m.Set(name, s)
		return nil
	}
	m.setEntry(name, entry{value: compact.String(), raw: true})
	return nil
}

func (m *Message) setEntry(name string, e entry) {
	if m.entries == nil {
		m.entries = make(map[string]entry)
	}
	if _, ok := m.entries[name]; !ok {
		m.names = append(m.names, name)
	}
	m.entries[name] = e
}

// Remove deletes the named parameter. Removing an absent parameter is a no-op.
func (m *Message) Remove(name string) {
	if _, ok := m.entries[name]; !ok {
		return
	}
	delete(m.entries, name)
	for i, n := range m.names {
		if n == name {
			m.names = append(m.names[:i], m.names[i+1:]...)
			break
		}
	}
}

// Names returns the parameter names in insertion order.
func (m *Message) Names() []string {
	out := make([]string, len(m.names))
	copy(out, m.names)
	return out
}

// Len returns the number of parameters.
func (m *Message) Len() int {
	return len(m.names)
}

// Clone returns a deep copy of the message.
func (m *Message) Clone() *Message {
	c := &Message{
		names:   make([]string, len(m.names)),
		entries: make(map[string]entry, len(m.entries)),
	}
	copy(c.names, m.names)
	for k, v := range m.entries {
		c.entries[k] = v
	}
	return c
}

// Values converts the message into url.Values.
func (m *Message) Values() url.Values {
	v := make(url.Values, len(m.names))
	for _, name := range m.names {
		v.Set(name, m.entries[name].value)
	}
	return v
}

// Encode returns the form encoding of the message in insertion order.
func (m *Message) Encode() string {
	var b strings.Builder
	for i, name := range m.names {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(name))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(m.entries[name].value))
	}
	return b.String()
}

// MarshalJSON encodes the message as a JSON object in insertion order.
func (m *Message) MarshalJSON() ([]byte, error) {
	var b bytes.Buffer
	b.WriteByte('{')
	for i, name := range m.names {
		if i > 0 {
			b.WriteByte(',')
		}
		key, err := json.Marshal(name)
		if err != nil {
			return nil, err
		}
		b.Write(key)
		b.WriteByte(':')

		e := m.entries[name]
		if e.null {
			b.WriteString("null")
			continue
		}
		if e.raw {
			b.WriteString(e.value)
			continue
		}
		val, err := json.Marshal(e.value)
		if err != nil {
			return nil, err
		}
		b.Write(val)
	}
	b.WriteByte('}')
	return b.Bytes(), nil
}

// UnmarshalJSON replaces the message contents with the given JSON object.
func (m *Message) UnmarshalJSON(data []byte) error {
	parsed, err := ParseJSON(data)
	if err != nil {
		return err
	}
	*m = *parsed
	return nil
}

// String returns the form encoding of the message.
func (m *Message) String() string {
	return m.Encode()
}
