package pipeline

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCleanJSON(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", `{"a":1}`, `{"a":1}`},
		{"fenced", "```json\n{\"a\":1}\n```", `{"a":1}`},
		{"bare fence", "```\n[1,2]\n```", `[1,2]`},
		{"leading prose", `Here is the JSON: {"a":1}`, `{"a":1}`},
		{"no json", "nothing here", "nothing here"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CleanJSON(tt.in))
		})
	}
}

func TestParseStructured(t *testing.T) {
	sch, err := CompileSchema(nil)
	require.NoError(t, err)

	t.Run("valid", func(t *testing.T) {
		doc, err := ParseStructured("```json\n{\"elections\": [ {\"candidates\": [ {\"name\": \"Ada\"} ]} ]}\n```", sch)
		require.NoError(t, err)
		assert.Equal(t, `{"elections":[{"candidates":[{"name":"Ada"}]}]}`, string(doc))
	})

	t.Run("schema violation", func(t *testing.T) {
		_, err := ParseStructured(`{"elections":[{"candidates":[{"party":"x"}]}]}`, sch)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "does not match schema")
	})

	t.Run("not json", func(t *testing.T) {
		_, err := ParseStructured("no elections found", sch)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not valid JSON")
	})

	t.Run("empty", func(t *testing.T) {
		_, err := ParseStructured("  ", sch)
		assert.Error(t, err)
	})

	t.Run("large integers keep precision", func(t *testing.T) {
		custom, err := CompileSchema(json.RawMessage(`{"type":"object","properties":{"id":{"type":"integer"}}}`))
		require.NoError(t, err)
		doc, err := ParseStructured(`{"id": 9007199254740993}`, custom)
		require.NoError(t, err)
		assert.Equal(t, `{"id":9007199254740993}`, string(doc))
	})
}

func TestCompileSchema_Invalid(t *testing.T) {
	_, err := CompileSchema(json.RawMessage(`{"type": 7}`))
	assert.Error(t, err)

	_, err = CompileSchema(json.RawMessage(`not json`))
	assert.Error(t, err)
}
