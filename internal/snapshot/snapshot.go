// Package snapshot flattens a nested configuration record into an ordered set
// of scalar values. The result is written once per run to every sink so the
// settings a run was launched with can be displayed next to its charts.
package snapshot

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"
)

// ErrDuplicateKey is returned in strict mode when two fields flatten to the
// same key.
var ErrDuplicateKey = errors.New("duplicate snapshot key")

// ErrNotStruct is returned when Extract is given anything other than a struct.
var ErrNotStruct = errors.New("snapshot source must be a struct")

// Snapshot is an ordered, immutable mapping of flat field names to values.
type Snapshot struct {
	keys   []string
	values map[string]any
}

func newSnapshot() *Snapshot {
	return &Snapshot{values: make(map[string]any)}
}

// set inserts or overrides key; an override keeps the key's first position.
func (s *Snapshot) set(key string, value any) bool {
	_, exists := s.values[key]
	if !exists {
		s.keys = append(s.keys, key)
	}
	s.values[key] = value
	return exists
}

// Len reports the number of entries.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.keys)
}

// Keys returns the keys in declared order.
func (s *Snapshot) Keys() []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s.keys...)
}

// Get returns the value stored under key.
func (s *Snapshot) Get(key string) (any, bool) {
	if s == nil {
		return nil, false
	}
	v, ok := s.values[key]
	return v, ok
}

// Range calls fn for each entry in order until fn returns false.
func (s *Snapshot) Range(fn func(key string, value any) bool) {
	if s == nil {
		return
	}
	for _, k := range s.keys {
		if !fn(k, s.values[k]) {
			return
		}
	}
}

// Map returns an unordered copy of the entries.
func (s *Snapshot) Map() map[string]any {
	out := make(map[string]any, s.Len())
	s.Range(func(k string, v any) bool {
		out[k] = v
		return true
	})
	return out
}

// MarshalJSON encodes the snapshot as a JSON object in declared order.
func (s *Snapshot) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range s.Keys() {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(k)
		if err != nil {
			return nil, fmt.Errorf("encode key %q: %w", k, err)
		}
		val, err := json.Marshal(s.values[k])
		if err != nil {
			return nil, fmt.Errorf("encode value of %q: %w", k, err)
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a JSON object, keeping the order of its keys.
func (s *Snapshot) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("decode snapshot: expected object")
	}
	out := newSnapshot()
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("decode snapshot key: %w", err)
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("decode snapshot: unexpected key %v", tok)
		}
		var raw any
		if err := dec.Decode(&raw); err != nil {
			return fmt.Errorf("decode snapshot value of %q: %w", key, err)
		}
		out.set(key, fromJSONNumber(raw))
	}
	*s = *out
	return nil
}

func fromJSONNumber(v any) any {
	n, ok := v.(json.Number)
	if !ok {
		return v
	}
	if i, err := n.Int64(); err == nil {
		return i
	}
	if f, err := n.Float64(); err == nil {
		return f
	}
	return n.String()
}

// MarshalYAML renders the snapshot as an ordered YAML mapping.
func (s *Snapshot) MarshalYAML() (any, error) {
	node := &yaml.Node{Kind: yaml.MappingNode}
	for _, k := range s.Keys() {
		var val yaml.Node
		if err := val.Encode(s.values[k]); err != nil {
			return nil, fmt.Errorf("encode value of %q: %w", k, err)
		}
		node.Content = append(node.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: k},
			&val,
		)
	}
	return node, nil
}
