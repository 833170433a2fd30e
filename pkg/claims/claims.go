// Package claims models OpenID Connect claim sets and the per-claim request
// constraints of the `claims` authorization parameter.
package claims

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// Set is an insertion-ordered mapping from claim name to value. Values are
// one of nil, bool, string, json.Number or a list of values. Multivalued
// claims keep all their elements; collapsing them is a defect.
type Set struct {
	names  []string
	values map[string]any
}

func NewSet() *Set {
	return &Set{values: make(map[string]any)}
}

// Set adds or replaces a claim. A replaced claim keeps its original
// position.
func (s *Set) Set(name string, value any) {
	if _, ok := s.values[name]; !ok {
		s.names = append(s.names, name)
	}
	s.values[name] = value
}

func (s *Set) Get(name string) (any, bool) {
	v, ok := s.values[name]
	return v, ok
}

func (s *Set) Has(name string) bool {
	_, ok := s.values[name]
	return ok
}

func (s *Set) Delete(name string) {
	if _, ok := s.values[name]; !ok {
		return
	}
	delete(s.values, name)
	for i, n := range s.names {
		if n == name {
			s.names = append(s.names[:i], s.names[i+1:]...)
			break
		}
	}
}

// Names returns the claim names in insertion order.
func (s *Set) Names() []string {
	names := make([]string, len(s.names))
	copy(names, s.names)
	return names
}

func (s *Set) Len() int {
	return len(s.names)
}

// String returns the claim as a string, or "" if absent or not a string.
func (s *Set) String(name string) string {
	if v, ok := s.values[name].(string); ok {
		return v
	}
	return ""
}

// StringList returns a multivalued claim as a string slice. A single string
// value yields a one-element slice.
func (s *Set) StringList(name string) []string {
	switch v := s.values[name].(type) {
	case string:
		return []string{v}
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if str, ok := e.(string); ok {
				out = append(out, str)
			}
		}
		return out
	}
	return nil
}

// Merge copies all claims from other into s, other winning on conflicts.
func (s *Set) Merge(other *Set) {
	if other == nil {
		return
	}
	for _, name := range other.names {
		s.Set(name, other.values[name])
	}
}

func (s *Set) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, name := range s.names {
		if i > 0 {
			buf.WriteByte(',')
		}
		nameJSON, err := json.Marshal(name)
		if err != nil {
			return nil, err
		}
		buf.Write(nameJSON)
		buf.WriteByte(':')
		valueJSON, err := json.Marshal(s.values[name])
		if err != nil {
			return nil, fmt.Errorf("marshaling claim %q: %w", name, err)
		}
		buf.Write(valueJSON)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (s *Set) UnmarshalJSON(data []byte) error {
	parsed, err := ParseSet(data)
	if err != nil {
		return err
	}
	*s = *parsed
	return nil
}

// ParseSet decodes a JSON object into a Set, preserving the order of the
// top-level members. Numbers are kept as json.Number.
func ParseSet(data []byte) (*Set, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("decoding claim set: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, fmt.Errorf("claim set is not a JSON object")
	}

	set := NewSet()
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("decoding claim name: %w", err)
		}
		name, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("claim name is not a string")
		}
		var value any
		if err := dec.Decode(&value); err != nil {
			return nil, fmt.Errorf("decoding claim %q: %w", name, err)
		}
		set.Set(name, value)
	}
	if _, err := dec.Token(); err != nil && err != io.EOF {
		return nil, fmt.Errorf("decoding claim set: %w", err)
	}
	return set, nil
}
