// Package json_util holds helpers for panel payloads whose nested objects
// are sometimes sent as JSON text inside a JSON string.
package json_util

import (
	"bytes"
	"errors"

	"github.com/goccy/go-json"
)

// RawMessage is a raw JSON value that marshals empty as "null".
type RawMessage []byte

func (m RawMessage) MarshalJSON() ([]byte, error) {
	if len(m) == 0 {
		return []byte("null"), nil
	}
	return m, nil
}

// UnmarshalJSON sets *m to a copy of data.
func (m *RawMessage) UnmarshalJSON(data []byte) error {
	if m == nil {
		return errors.New("json_util.RawMessage: UnmarshalJSON on nil pointer")
	}
	*m = append((*m)[0:0], data...)
	return nil
}

// Unwrap returns the JSON value carried by data. A JSON string holding JSON
// text is decoded one level; an object or array is returned as is; null and
// the empty string yield nil.
func Unwrap(data []byte) (RawMessage, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil, nil
	}
	if data[0] != '"' {
		return RawMessage(append([]byte(nil), data...)), nil
	}
	var inner string
	if err := json.Unmarshal(data, &inner); err != nil {
		return nil, err
	}
	inner = string(bytes.TrimSpace([]byte(inner)))
	if inner == "" {
		return nil, nil
	}
	if !json.Valid([]byte(inner)) {
		return nil, errors.New("json_util: string does not contain valid JSON")
	}
	return RawMessage(inner), nil
}

// Stringify returns m as a JSON string literal containing its JSON text, the
// shape the panel stores. Empty m becomes "{}".
func Stringify(m RawMessage) (json.RawMessage, error) {
	text := "{}"
	if len(m) > 0 {
		text = string(m)
	}
	return json.Marshal(text)
}

// Object decodes data as a JSON object keyed by field name. It is used to
// remember fields a typed decode does not know about.
func Object(data []byte) (map[string]json.RawMessage, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// MergeObject marshals v and adds every key of raw that v does not emit, so
// a value decoded from raw goes back out with its unknown fields intact.
// Keys that raw lacked and v holds at their zero value are left out, which
// keeps untouched objects byte-for-byte close to what was received.
func MergeObject(v any, raw map[string]json.RawMessage) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return data, nil
	}
	m, err := Object(data)
	if err != nil {
		return nil, err
	}
	for k, val := range m {
		if _, ok := raw[k]; !ok && isZero(val) {
			delete(m, k)
		}
	}
	for k, val := range raw {
		if _, ok := m[k]; !ok {
			m[k] = val
		}
	}
	return json.Marshal(m)
}

func isZero(v json.RawMessage) bool {
	switch string(bytes.TrimSpace(v)) {
	case `""`, "0", "false", "null", "[]", "{}":
		return true
	}
	return false
}
