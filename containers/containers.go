// Package containers implements the tagged Set/Map serialization wrappers
// of spec.md §4.4/§9: {"__type":"Set","value":[...]} and
// {"__type":"Map","value":[[k,v],...]}. Keeping this encoding exactly
// preserves on-disk compatibility with existing forge-state/pocket-state
// blobs, per spec.md §9.
package containers

import (
	"encoding/json"
	"fmt"
)

// Set is an insertion-order-independent string set with the tagged wire
// encoding described above.
type Set struct {
	m map[string]struct{}
}

// NewSet builds a Set from the given members.
func NewSet(members ...string) *Set {
	s := &Set{m: make(map[string]struct{}, len(members))}
	for _, v := range members {
		s.m[v] = struct{}{}
	}
	return s
}

// Add inserts v into the set.
func (s *Set) Add(v string) {
	if s.m == nil {
		s.m = make(map[string]struct{})
	}
	s.m[v] = struct{}{}
}

// Delete removes v from the set.
func (s *Set) Delete(v string) {
	delete(s.m, v)
}

// Has reports whether v is a member of the set.
func (s *Set) Has(v string) bool {
	if s == nil {
		return false
	}
	_, ok := s.m[v]
	return ok
}

// Len returns the number of members.
func (s *Set) Len() int { return len(s.m) }

// Values returns the set's members in unspecified order.
func (s *Set) Values() []string {
	out := make([]string, 0, len(s.m))
	for v := range s.m {
		out = append(out, v)
	}
	return out
}

type taggedSet struct {
	Type  string   `json:"__type"`
	Value []string `json:"value"`
}

// MarshalJSON emits the {__type:"Set", value:[...]} wrapper.
func (s *Set) MarshalJSON() ([]byte, error) {
	return json.Marshal(taggedSet{Type: "Set", Value: s.Values()})
}

// UnmarshalJSON parses the {__type:"Set", value:[...]} wrapper.
func (s *Set) UnmarshalJSON(data []byte) error {
	var t taggedSet
	if err := json.Unmarshal(data, &t); err != nil {
		return err
	}
	if t.Type != "" && t.Type != "Set" {
		return fmt.Errorf("expected __type Set, got %q", t.Type)
	}
	s.m = make(map[string]struct{}, len(t.Value))
	for _, v := range t.Value {
		s.m[v] = struct{}{}
	}
	return nil
}

// StringMap is a string-keyed map of string values with the tagged
// {__type:"Map", value:[[k,v],...]} wire encoding.
type StringMap struct {
	m map[string]string
}

// NewStringMap builds an empty StringMap.
func NewStringMap() *StringMap {
	return &StringMap{m: make(map[string]string)}
}

// Set assigns value to key.
func (m *StringMap) Set(key, value string) {
	if m.m == nil {
		m.m = make(map[string]string)
	}
	m.m[key] = value
}

// Get retrieves the value for key.
func (m *StringMap) Get(key string) (string, bool) {
	if m == nil {
		return "", false
	}
	v, ok := m.m[key]
	return v, ok
}

// Delete removes key.
func (m *StringMap) Delete(key string) {
	delete(m.m, key)
}

// Len returns the number of entries.
func (m *StringMap) Len() int { return len(m.m) }

// Keys returns the map's keys in unspecified order.
func (m *StringMap) Keys() []string {
	out := make([]string, 0, len(m.m))
	for k := range m.m {
		out = append(out, k)
	}
	return out
}

type taggedMap struct {
	Type  string     `json:"__type"`
	Value [][2]string `json:"value"`
}

// MarshalJSON emits the {__type:"Map", value:[[k,v],...]} wrapper.
func (m *StringMap) MarshalJSON() ([]byte, error) {
	pairs := make([][2]string, 0, len(m.m))
	for k, v := range m.m {
		pairs = append(pairs, [2]string{k, v})
	}
	return json.Marshal(taggedMap{Type: "Map", Value: pairs})
}

// UnmarshalJSON parses the {__type:"Map", value:[[k,v],...]} wrapper.
func (m *StringMap) UnmarshalJSON(data []byte) error {
	var t taggedMap
	if err := json.Unmarshal(data, &t); err != nil {
		return err
	}
	if t.Type != "" && t.Type != "Map" {
		return fmt.Errorf("expected __type Map, got %q", t.Type)
	}
	m.m = make(map[string]string, len(t.Value))
	for _, kv := range t.Value {
		m.m[kv[0]] = kv[1]
	}
	return nil
}
