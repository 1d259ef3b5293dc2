package schema

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
)

// Payload is a possibly partial record as sent by a client. Keys that are
// present are significant even when their value is null or zero.
type Payload map[string]json.RawMessage

// EncodePayload converts a record into its payload form.
func EncodePayload(v any) (Payload, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	return p, nil
}

// ID returns the record id, or "" when it is missing or not a string.
func (p Payload) ID() string {
	s, _ := p.String("id")
	return s
}

// Has reports whether key was sent.
func (p Payload) Has(key string) bool {
	_, ok := p[key]
	return ok
}

// String returns the value of key when it is a JSON string.
func (p Payload) String(key string) (string, bool) {
	raw, ok := p[key]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

// Bool returns the value of key when it is a JSON boolean.
func (p Payload) Bool(key string) (bool, bool) {
	raw, ok := p[key]
	if !ok {
		return false, false
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err != nil {
		return false, false
	}
	return b, true
}

// Set stores v under key.
func (p Payload) Set(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	p[key] = data
	return nil
}

// Clone returns a shallow copy. Raw values are never mutated in place, so
// sharing them is safe.
func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}
	return maps.Clone(p)
}

// Without returns a copy of p with keys removed.
func (p Payload) Without(keys ...string) Payload {
	out := p.Clone()
	for _, k := range keys {
		delete(out, k)
	}
	return out
}

// Overlay returns a copy of p with every key of top written over it.
func (p Payload) Overlay(top Payload) Payload {
	out := make(Payload, len(p)+len(top))
	maps.Copy(out, p)
	maps.Copy(out, top)
	return out
}

// Keys returns the sent keys in sorted order.
func (p Payload) Keys() []string {
	return slices.Sorted(maps.Keys(p))
}

// Decode unmarshals the payload into v.
func (p Payload) Decode(v any) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to decode payload: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return decodeError(err)
	}
	return nil
}
