// Package attr defines the attribute snapshot a request is authorized against.
//
// A Snapshot is built once per call by the transport layer and is never
// mutated afterwards. Absent attributes are simply not present in the map;
// it is up to the expression evaluator to decide what referencing them means.
package attr

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
)

// HeaderValueSeparator joins multi-valued headers into one string
const HeaderValueSeparator = ","

// Snapshot is an immutable view of request attributes
type Snapshot struct {
	vars map[string]any
}

// Get returns the value of an attribute
func (s *Snapshot) Get(name string) (any, bool) {
	v, ok := s.vars[name]
	return v, ok
}

// Has reports whether an attribute is present
func (s *Snapshot) Has(name string) bool {
	_, ok := s.vars[name]
	return ok
}

// Len returns the number of populated attributes
func (s *Snapshot) Len() int {
	return len(s.vars)
}

// Names returns the populated attribute names in lexical order
func (s *Snapshot) Names() []string {
	names := make([]string, 0, len(s.vars))
	for name := range s.vars {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Vars exposes the underlying map to expression evaluators. Callers must
// treat it as read-only.
func (s *Snapshot) Vars() map[string]any {
	return s.vars
}

// MarshalJSON renders the snapshot as a flat JSON object
func (s *Snapshot) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.vars)
}

// Builder accumulates attributes for a single Snapshot
type Builder struct {
	vars map[string]any
	err  error
}

// NewBuilder creates an empty builder
func NewBuilder() *Builder {
	return &Builder{vars: make(map[string]any, len(Schema))}
}

// String sets a string attribute. Empty values are treated as absent.
func (b *Builder) String(name, value string) *Builder {
	if value == "" {
		return b
	}
	b.set(name, KindString, value)
	return b
}

// Int sets an integer attribute
func (b *Builder) Int(name string, value int64) *Builder {
	b.set(name, KindInt, value)
	return b
}

// Headers sets a header collection, joining repeated values. Keys are
// lowercased; keys that fold to the same name are merged in sorted key order.
func (b *Builder) Headers(name string, headers map[string][]string) *Builder {
	if len(headers) == 0 {
		return b
	}
	keys := make([]string, 0, len(headers))
	for key := range headers {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	joined := make(map[string]string, len(headers))
	for _, key := range keys {
		lower := strings.ToLower(key)
		value := strings.Join(headers[key], HeaderValueSeparator)
		if prev, ok := joined[lower]; ok {
			value = prev + HeaderValueSeparator + value
		}
		joined[lower] = value
	}
	b.set(name, KindStringMap, joined)
	return b
}

func (b *Builder) set(name string, kind Kind, value any) {
	if b.err != nil {
		return
	}
	want, ok := Lookup(name)
	if !ok {
		b.err = fmt.Errorf("unknown attribute %q", name)
		return
	}
	if want != kind {
		b.err = fmt.Errorf("attribute %q is %s, got %s", name, want, kind)
		return
	}
	b.vars[name] = value
}

// Build returns the snapshot or the first error recorded by a setter.
// The builder must not be reused afterwards.
func (b *Builder) Build() (*Snapshot, error) {
	if b.err != nil {
		return nil, b.err
	}
	vars := b.vars
	b.vars = nil
	return &Snapshot{vars: vars}, nil
}

// FromMap builds a snapshot from loosely typed input such as decoded JSON.
// Null values are skipped.
func FromMap(input map[string]any) (*Snapshot, error) {
	b := NewBuilder()
	names := make([]string, 0, len(input))
	for name := range input {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		raw := input[name]
		if raw == nil {
			continue
		}
		kind, ok := Lookup(name)
		if !ok {
			return nil, fmt.Errorf("unknown attribute %q", name)
		}
		switch kind {
		case KindString:
			s, ok := raw.(string)
			if !ok {
				return nil, fmt.Errorf("attribute %q: expected string, got %T", name, raw)
			}
			b.String(name, s)
		case KindInt:
			n, err := toInt64(raw)
			if err != nil {
				return nil, fmt.Errorf("attribute %q: %w", name, err)
			}
			b.Int(name, n)
		case KindStringMap:
			headers, err := toHeaders(raw)
			if err != nil {
				return nil, fmt.Errorf("attribute %q: %w", name, err)
			}
			b.Headers(name, headers)
		}
	}
	return b.Build()
}

func toInt64(raw any) (int64, error) {
	switch v := raw.(type) {
	case int:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	case float64:
		if v != math.Trunc(v) || v >= math.MaxInt64 || v < math.MinInt64 {
			return 0, fmt.Errorf("expected integer, got %v", v)
		}
		return int64(v), nil
	case json.Number:
		return v.Int64()
	default:
		return 0, fmt.Errorf("expected integer, got %T", raw)
	}
}

func toHeaders(raw any) (map[string][]string, error) {
	switch m := raw.(type) {
	case map[string]string:
		out := make(map[string][]string, len(m))
		for k, v := range m {
			out[k] = []string{v}
		}
		return out, nil
	case map[string][]string:
		return m, nil
	case map[string]any:
		out := make(map[string][]string, len(m))
		for k, v := range m {
			switch vv := v.(type) {
			case string:
				out[k] = []string{vv}
			case []string:
				out[k] = vv
			case []any:
				values := make([]string, 0, len(vv))
				for _, item := range vv {
					s, ok := item.(string)
					if !ok {
						return nil, fmt.Errorf("header %q: expected string values, got %T", k, item)
					}
					values = append(values, s)
				}
				out[k] = values
			default:
				return nil, fmt.Errorf("header %q: expected string or list of strings, got %T", k, v)
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected object, got %T", raw)
	}
}
