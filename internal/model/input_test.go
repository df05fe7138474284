package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRawGroup_UnmarshalJSON_Lenient(t *testing.T) {
	t.Parallel()

	data := `{
		"key": 42,
		"municipality": "Springfield",
		"state": ["not", "a", "string"],
		"position": 7,
		"rows": [{"name": "Ada"}, "loose text", null, 3]
	}`

	var g RawGroup
	require.NoError(t, json.Unmarshal([]byte(data), &g))

	assert.Empty(t, g.Key)
	assert.Equal(t, "Springfield", Deref(HintString(g.Municipality)))
	assert.Nil(t, HintString(g.State))
	assert.Equal(t, "7", Deref(HintString(g.Position)))
	require.Len(t, g.Rows, 3)
	assert.Equal(t, "Ada", g.Rows[0]["name"])
	assert.Equal(t, "loose text", g.Rows[1]["value"])
	assert.Equal(t, float64(3), g.Rows[2]["value"])
}

func TestRawGroup_UnmarshalJSON_Invalid(t *testing.T) {
	t.Parallel()

	var g RawGroup
	assert.Error(t, json.Unmarshal([]byte(`{"rows": "nope"}`), &g))
}

func TestHintString(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   any
		want *string
	}{
		{"string", "  Dallas ", strPtr("Dallas")},
		{"blank", "   ", nil},
		{"float", 12.5, strPtr("12.5")},
		{"int", 3, strPtr("3")},
		{"bool", true, nil},
		{"nil", nil, nil},
		{"map", map[string]any{"a": 1}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, HintString(tt.in))
		})
	}
}

func strPtr(s string) *string { return &s }
