package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/candidate-pipeline/internal/model"
)

// analyzeSystem is the shared system instruction for the analyze stage.
const analyzeSystem = `You are a research assistant compiling local election information for a candidate directory.
You receive rows of raw data for one municipality, state and office. Rows may be inconsistent, duplicated or incomplete.

Rules:
- Use only information present in the rows
- Identify each distinct election and every candidate running in it
- Note party, contact email, website and incumbency when present
- Say explicitly when a field is missing instead of guessing`

// structureSystem is the shared system instruction for the structure stage.
const structureSystem = `You convert election research notes into structured JSON.
Return a single JSON document that matches the provided schema. Do not wrap it in prose.
Use empty strings for unknown text fields and false for unknown booleans.`

// DefaultAnalyzePrompt is used when a job does not override the analyze prompt.
const DefaultAnalyzePrompt = `Summarize the elections and candidates described by the rows below.
For each election list the election date if known, then each candidate with party, email, website and whether they are the incumbent.`

// DefaultStructurePrompt is used when a job does not override the structure prompt.
const DefaultStructurePrompt = `Convert the analysis below into JSON with a top-level "elections" array.
Each election has municipality, state, position, election_date and a "candidates" array.`

// DefaultSchema is the JSON Schema structured output is validated against
// when a job does not supply one.
var DefaultSchema = json.RawMessage(`{
  "type": "object",
  "required": ["elections"],
  "properties": {
    "elections": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["candidates"],
        "properties": {
          "municipality": {"type": "string"},
          "state": {"type": "string"},
          "position": {"type": "string"},
          "election_date": {"type": "string"},
          "candidates": {
            "type": "array",
            "items": {
              "type": "object",
              "required": ["name"],
              "properties": {
                "name": {"type": "string"},
                "party": {"type": "string"},
                "email": {"type": "string"},
                "website": {"type": "string"},
                "incumbent": {"type": "boolean"}
              }
            }
          }
        }
      }
    }
  }
}`)

// AnalyzePrompt renders the analyze request text for one group.
func AnalyzePrompt(base string, g *model.Group) (string, error) {
	if strings.TrimSpace(base) == "" {
		base = DefaultAnalyzePrompt
	}
	rows, err := json.Marshal(g.Rows)
	if err != nil {
		return "", eris.Wrapf(err, "pipeline: marshal rows for group %s", g.Key)
	}

	var sb strings.Builder
	sb.WriteString(base)
	sb.WriteString("\n\n--- Group ---\n")
	fmt.Fprintf(&sb, "Municipality: %s\n", hintOrUnknown(g.Municipality))
	fmt.Fprintf(&sb, "State: %s\n", hintOrUnknown(g.State))
	fmt.Fprintf(&sb, "Position: %s\n", hintOrUnknown(g.Position))
	if g.OriginalRowCount > g.RowCount {
		fmt.Fprintf(&sb, "Rows: %d of %d (truncated)\n", g.RowCount, g.OriginalRowCount)
	} else {
		fmt.Fprintf(&sb, "Rows: %d\n", g.RowCount)
	}
	sb.WriteString("\n--- Rows (JSON) ---\n")
	sb.Write(rows)
	return sb.String(), nil
}

// StructurePrompt renders the structure request text for one group from its
// analyze output.
func StructurePrompt(base string, g *model.Group) string {
	if strings.TrimSpace(base) == "" {
		base = DefaultStructurePrompt
	}
	var sb strings.Builder
	sb.WriteString(base)
	sb.WriteString("\n\n--- Group ---\n")
	fmt.Fprintf(&sb, "Municipality: %s\n", hintOrUnknown(g.Municipality))
	fmt.Fprintf(&sb, "State: %s\n", hintOrUnknown(g.State))
	fmt.Fprintf(&sb, "Position: %s\n", hintOrUnknown(g.Position))
	sb.WriteString("\n--- Analysis ---\n")
	sb.WriteString(g.AnalyzeText)
	return sb.String()
}

func hintOrUnknown(s *string) string {
	if s == nil {
		return "unknown"
	}
	return *s
}
