package pipeline

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

const schemaURL = "schema.json"

// CompileSchema compiles a JSON Schema document. An empty document selects
// DefaultSchema.
func CompileSchema(raw json.RawMessage) (*jsonschema.Schema, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = DefaultSchema
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(schemaURL, bytes.NewReader(raw)); err != nil {
		return nil, eris.Wrap(err, "pipeline: load schema")
	}
	sch, err := c.Compile(schemaURL)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: compile schema")
	}
	return sch, nil
}

// CleanJSON strips a surrounding markdown code fence and any prose before
// the first brace or bracket.
func CleanJSON(text string) string {
	s := strings.TrimSpace(text)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		if nl := strings.IndexByte(s, '\n'); nl >= 0 {
			s = s[nl+1:]
		} else {
			s = ""
		}
		if end := strings.LastIndex(s, "```"); end >= 0 {
			s = s[:end]
		}
		s = strings.TrimSpace(s)
	}
	if i := strings.IndexAny(s, "{["); i > 0 {
		s = s[i:]
	}
	return s
}

// ParseStructured cleans text, parses it as JSON and validates it against
// sch. It returns the compact JSON document.
func ParseStructured(text string, sch *jsonschema.Schema) (json.RawMessage, error) {
	cleaned := CleanJSON(text)
	if cleaned == "" {
		return nil, eris.New("structured output is empty")
	}

	var doc any
	dec := json.NewDecoder(strings.NewReader(cleaned))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, eris.Wrap(err, "structured output is not valid JSON")
	}
	if sch != nil {
		if err := sch.Validate(doc); err != nil {
			return nil, eris.Wrap(err, "structured output does not match schema")
		}
	}

	var buf bytes.Buffer
	if err := json.Compact(&buf, []byte(cleaned)); err != nil {
		// Trailing content after the first document.
		out, mErr := json.Marshal(doc)
		if mErr != nil {
			return nil, eris.Wrap(mErr, "structured output re-encode")
		}
		return out, nil
	}
	return buf.Bytes(), nil
}
