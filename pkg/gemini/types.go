package gemini

import (
	"encoding/json"
	"strings"
)

// Batch states reported by the Batch API. The service has used both the
// BATCH_STATE_ and JOB_STATE_ prefixes; NormalizeState folds them together.
const (
	StateUnspecified = "BATCH_STATE_UNSPECIFIED"
	StatePending     = "BATCH_STATE_PENDING"
	StateRunning     = "BATCH_STATE_RUNNING"
	StateSucceeded   = "BATCH_STATE_SUCCEEDED"
	StateFailed      = "BATCH_STATE_FAILED"
	StateCancelled   = "BATCH_STATE_CANCELLED"
	StateExpired     = "BATCH_STATE_EXPIRED"
)

// NormalizeState maps JOB_STATE_* names onto their BATCH_STATE_* equivalents.
func NormalizeState(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	if rest, ok := strings.CutPrefix(s, "JOB_STATE_"); ok {
		s = "BATCH_STATE_" + rest
	}
	if s == "BATCH_STATE_CANCELED" {
		s = StateCancelled
	}
	if s == "" {
		return StateUnspecified
	}
	return s
}

// Part is one piece of content. Only text parts are used.
type Part struct {
	Text string `json:"text,omitempty"`
}

// Content is a role-tagged list of parts.
type Content struct {
	Role  string `json:"role,omitempty"`
	Parts []Part `json:"parts"`
}

// GenerationConfig holds per-request generation settings. ResponseJSONSchema
// takes a standard JSON Schema document; ResponseSchema takes the OpenAPI
// subset.
type GenerationConfig struct {
	Temperature        *float64        `json:"temperature,omitempty"`
	MaxOutputTokens    int             `json:"maxOutputTokens,omitempty"`
	ResponseMimeType   string          `json:"responseMimeType,omitempty"`
	ResponseSchema     json.RawMessage `json:"responseSchema,omitempty"`
	ResponseJSONSchema json.RawMessage `json:"responseJsonSchema,omitempty"`
}

// GenerateContentRequest is a single generateContent request body.
type GenerateContentRequest struct {
	Contents          []Content         `json:"contents"`
	SystemInstruction *Content          `json:"systemInstruction,omitempty"`
	GenerationConfig  *GenerationConfig `json:"generationConfig,omitempty"`
}

// GenerateContentResponse is a single generateContent response body.
type GenerateContentResponse struct {
	Candidates    []Candidate    `json:"candidates"`
	UsageMetadata *UsageMetadata `json:"usageMetadata,omitempty"`
}

// Text concatenates the text parts of the first candidate.
func (r *GenerateContentResponse) Text() string {
	if r == nil || len(r.Candidates) == 0 {
		return ""
	}
	var b strings.Builder
	for _, p := range r.Candidates[0].Content.Parts {
		b.WriteString(p.Text)
	}
	return b.String()
}

// Candidate is one generated completion.
type Candidate struct {
	Content      Content `json:"content"`
	FinishReason string  `json:"finishReason,omitempty"`
}

// UsageMetadata reports token consumption.
type UsageMetadata struct {
	PromptTokenCount     int64 `json:"promptTokenCount"`
	CandidatesTokenCount int64 `json:"candidatesTokenCount"`
	TotalTokenCount      int64 `json:"totalTokenCount"`
}

// Status is a google.rpc.Status error payload.
type Status struct {
	Code    int               `json:"code,omitempty"`
	Message string            `json:"message,omitempty"`
	Details []json.RawMessage `json:"details,omitempty"`
}

// InlinedRequest is one request of an inline batch.
type InlinedRequest struct {
	Request  GenerateContentRequest `json:"request"`
	Metadata map[string]string      `json:"metadata,omitempty"`
}

// InlinedResponse is one response of an inline batch. Exactly one of Response
// and Error is normally set.
type InlinedResponse struct {
	Response *GenerateContentResponse `json:"response,omitempty"`
	Error    *Status                  `json:"error,omitempty"`
	Metadata map[string]string        `json:"metadata,omitempty"`
}

// CreateBatchRequest describes a batch to create. Set either Requests for an
// inline batch or FileName for a batch sourced from an uploaded file.
type CreateBatchRequest struct {
	DisplayName string
	Requests    []InlinedRequest
	FileName    string
}

// Batch is the flattened view of a batch operation.
type Batch struct {
	Name             string
	DisplayName      string
	Model            string
	State            string
	Done             bool
	Error            *Status
	ResponsesFile    string
	InlinedResponses []InlinedResponse
}

// File is an uploaded file resource.
type File struct {
	Name     string `json:"name"`
	URI      string `json:"uri,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	State    string `json:"state,omitempty"`
}

// Wire shapes. Batch create and get both return a long-running operation.

type createBatchBody struct {
	Batch batchSpec `json:"batch"`
}

type batchSpec struct {
	DisplayName string      `json:"display_name,omitempty"`
	InputConfig inputConfig `json:"input_config"`
}

type inputConfig struct {
	Requests *inlinedRequests `json:"requests,omitempty"`
	FileName string           `json:"file_name,omitempty"`
}

type inlinedRequests struct {
	Requests []InlinedRequest `json:"requests"`
}

type operation struct {
	Name     string         `json:"name"`
	Done     bool           `json:"done"`
	Metadata *batchMetadata `json:"metadata,omitempty"`
	Error    *Status        `json:"error,omitempty"`
	Response *batchOutput   `json:"response,omitempty"`
}

type batchMetadata struct {
	Name        string       `json:"name"`
	DisplayName string       `json:"displayName"`
	Model       string       `json:"model"`
	State       string       `json:"state"`
	Output      *batchOutput `json:"output,omitempty"`
}

type batchOutput struct {
	ResponsesFile    string            `json:"responsesFile,omitempty"`
	InlinedResponses *inlinedResponses `json:"inlinedResponses,omitempty"`
}

type inlinedResponses struct {
	InlinedResponses []InlinedResponse `json:"inlinedResponses"`
}

func (op *operation) toBatch() *Batch {
	b := &Batch{
		Name:  op.Name,
		Done:  op.Done,
		Error: op.Error,
	}

	var out *batchOutput
	if md := op.Metadata; md != nil {
		if md.Name != "" {
			b.Name = md.Name
		}
		b.DisplayName = md.DisplayName
		b.Model = md.Model
		b.State = NormalizeState(md.State)
		out = md.Output
	}
	if op.Response != nil {
		out = op.Response
	}
	if out != nil {
		b.ResponsesFile = out.ResponsesFile
		if out.InlinedResponses != nil {
			b.InlinedResponses = out.InlinedResponses.InlinedResponses
		}
	}

	if b.State == "" || b.State == StateUnspecified {
		switch {
		case op.Done && op.Error != nil:
			b.State = StateFailed
		case op.Done:
			b.State = StateSucceeded
		default:
			b.State = StatePending
		}
	}
	return b
}
