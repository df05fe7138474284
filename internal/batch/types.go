// Package batch submits generation requests to an external batch provider,
// waits for the provider job to finish and realigns its results with the
// groups that produced the requests.
package batch

import (
	"encoding/json"
	"strings"

	"github.com/sells-group/candidate-pipeline/internal/model"
)

// Request is one provider-neutral generation request. Providers translate it
// to their own wire shape with WireRequest.
type Request struct {
	System          string          `json:"system,omitempty"`
	Prompt          string          `json:"prompt"`
	Temperature     *float64        `json:"temperature,omitempty"`
	MaxOutputTokens int             `json:"max_output_tokens,omitempty"`
	ResponseSchema  json.RawMessage `json:"response_schema,omitempty"`
}

// State is the normalized lifecycle state of a provider job.
type State string

const (
	StatePending   State = "PENDING"
	StateRunning   State = "RUNNING"
	StateSucceeded State = "SUCCEEDED"
	StateFailed    State = "FAILED"
	StateCancelled State = "CANCELLED"
	StateExpired   State = "EXPIRED"
)

// Terminal reports whether the provider will not change the state again.
func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateCancelled, StateExpired:
		return true
	default:
		return false
	}
}

// ProviderJob is a snapshot of a provider batch job.
type ProviderJob struct {
	Name    string
	State   State
	Message string
	Details []string

	// Inline holds positional results for inline jobs.
	Inline []InlineResult

	// ResultFile names the downloadable NDJSON result for file jobs.
	ResultFile string
}

// Diagnostic returns the most specific failure description available: the
// provider message, then the joined details, then the state name.
func (j *ProviderJob) Diagnostic() string {
	if m := strings.TrimSpace(j.Message); m != "" {
		return m
	}
	if len(j.Details) > 0 {
		return strings.Join(j.Details, "; ")
	}
	return string(j.State)
}

// ResponsePayload is the generateContent response shape found in inline
// results and result files.
type ResponsePayload struct {
	Text       string `json:"text,omitempty"`
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates,omitempty"`
}

// FlatText returns the flat text field, else the first candidate's text parts
// concatenated.
func (p *ResponsePayload) FlatText() string {
	if p == nil {
		return ""
	}
	if p.Text != "" {
		return p.Text
	}
	if len(p.Candidates) == 0 {
		return ""
	}
	var b strings.Builder
	for _, part := range p.Candidates[0].Content.Parts {
		b.WriteString(part.Text)
	}
	return b.String()
}

// InlineResult is one positional inline result. Key is set when the provider
// echoed the request metadata back. Either Text, Response or Error carries the
// outcome.
type InlineResult struct {
	Key      string
	Text     string
	Response *ResponsePayload
	Error    string
}

// FileLine is one line of an NDJSON result file. The target slot comes from
// Key, else Index.
type FileLine struct {
	Key      string           `json:"key,omitempty"`
	Index    *int             `json:"index,omitempty"`
	Text     string           `json:"text,omitempty"`
	Response *ResponsePayload `json:"response,omitempty"`
	Error    json.RawMessage  `json:"error,omitempty"`
}

// Result is the reconciled outcome for one group slot.
type Result struct {
	Key   string
	Text  string
	Error string
}

// Empty reports whether the provider returned nothing for the slot.
func (r Result) Empty() bool {
	return r.Text == "" && r.Error == ""
}

// Handle identifies a submitted provider job. Only JobName and Mode are
// persisted; KeyMap is rebuilt from group order on resume.
type Handle struct {
	JobName string
	Mode    model.SubmitMode
	KeyMap  map[string]int
}

// errorText renders a provider error payload: the message field of an object,
// the string itself, else the raw JSON.
func errorText(raw json.RawMessage) string {
	raw = json.RawMessage(strings.TrimSpace(string(raw)))
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Message != "" {
		return obj.Message
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
