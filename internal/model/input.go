package model

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Row is one unstructured input row.
type Row map[string]any

// RawGroup is a caller-supplied group before preparation. Hints are kept as
// untyped values so malformed input degrades instead of failing to decode.
type RawGroup struct {
	Key          string `json:"key,omitempty" yaml:"key,omitempty"`
	Municipality any    `json:"municipality,omitempty" yaml:"municipality,omitempty"`
	State        any    `json:"state,omitempty" yaml:"state,omitempty"`
	Position     any    `json:"position,omitempty" yaml:"position,omitempty"`
	Rows         []Row  `json:"rows" yaml:"rows"`
}

// UnmarshalJSON decodes a raw group leniently: a non-string key is dropped and
// non-object rows are wrapped as {"value": v}.
func (g *RawGroup) UnmarshalJSON(data []byte) error {
	var raw struct {
		Key          any   `json:"key"`
		Municipality any   `json:"municipality"`
		State        any   `json:"state"`
		Position     any   `json:"position"`
		Rows         []any `json:"rows"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*g = RawGroup{
		Municipality: raw.Municipality,
		State:        raw.State,
		Position:     raw.Position,
	}
	if k, ok := raw.Key.(string); ok {
		g.Key = k
	}
	g.Rows = make([]Row, 0, len(raw.Rows))
	for _, r := range raw.Rows {
		if obj, ok := r.(map[string]any); ok {
			g.Rows = append(g.Rows, Row(obj))
			continue
		}
		if r == nil {
			continue
		}
		g.Rows = append(g.Rows, Row{"value": r})
	}
	return nil
}

// HintString converts an optional hint to a trimmed string. Strings and
// numbers are accepted; anything else yields nil.
func HintString(v any) *string {
	var s string
	switch t := v.(type) {
	case string:
		s = t
	case float64:
		s = strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		s = strconv.Itoa(t)
	case int64:
		s = strconv.FormatInt(t, 10)
	case json.Number:
		s = t.String()
	case fmt.Stringer:
		s = t.String()
	default:
		return nil
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

// Deref returns the string pointed to by s, or "" for nil.
func Deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
