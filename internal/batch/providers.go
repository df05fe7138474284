package batch

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/candidate-pipeline/pkg/anthropic"
	"github.com/sells-group/candidate-pipeline/pkg/gemini"
)

// ErrFileSourceUnsupported is returned by providers that only accept inline
// payloads when a file operation is requested.
var ErrFileSourceUnsupported = eris.New("batch: provider does not support file sources")

const inputMimeType = "application/jsonl"

// GeminiProvider adapts the Gemini Batch API. It supports inline and file
// sourced jobs.
type GeminiProvider struct {
	client gemini.Client
}

// NewGeminiProvider wraps a Gemini client.
func NewGeminiProvider(client gemini.Client) *GeminiProvider {
	return &GeminiProvider{client: client}
}

func (p *GeminiProvider) Name() string            { return "gemini" }
func (p *GeminiProvider) SupportsFileSource() bool { return true }

func (p *GeminiProvider) WireRequest(req Request) any {
	return toGeminiRequest(req)
}

func (p *GeminiProvider) CreateInline(ctx context.Context, model, displayName string, reqs []Request, keys []string) (string, error) {
	if len(reqs) != len(keys) {
		return "", eris.Errorf("batch: %d requests but %d keys", len(reqs), len(keys))
	}
	inlined := make([]gemini.InlinedRequest, len(reqs))
	for i, r := range reqs {
		inlined[i] = gemini.InlinedRequest{
			Request:  toGeminiRequest(r),
			Metadata: map[string]string{"key": keys[i]},
		}
	}
	b, err := p.client.CreateBatch(ctx, model, gemini.CreateBatchRequest{
		DisplayName: displayName,
		Requests:    inlined,
	})
	if err != nil {
		return "", err
	}
	return b.Name, nil
}

func (p *GeminiProvider) UploadFile(ctx context.Context, path, displayName string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", eris.Wrap(err, "batch: open input file")
	}
	defer f.Close() //nolint:errcheck

	info, err := f.Stat()
	if err != nil {
		return "", eris.Wrap(err, "batch: stat input file")
	}

	uploaded, err := p.client.UploadFile(ctx, displayName, inputMimeType, f, info.Size())
	if err != nil {
		return "", err
	}
	return uploaded.Name, nil
}

func (p *GeminiProvider) CreateFromFile(ctx context.Context, model, displayName, fileName string) (string, error) {
	b, err := p.client.CreateBatch(ctx, model, gemini.CreateBatchRequest{
		DisplayName: displayName,
		FileName:    fileName,
	})
	if err != nil {
		return "", err
	}
	return b.Name, nil
}

func (p *GeminiProvider) GetJob(ctx context.Context, name string) (*ProviderJob, error) {
	b, err := p.client.GetBatch(ctx, name)
	if err != nil {
		return nil, err
	}

	job := &ProviderJob{
		Name:       b.Name,
		State:      geminiState(b.State),
		ResultFile: b.ResponsesFile,
	}
	if b.Error != nil {
		job.Message = b.Error.Message
		for _, d := range b.Error.Details {
			job.Details = append(job.Details, string(d))
		}
	}
	if len(b.InlinedResponses) > 0 {
		job.Inline = make([]InlineResult, len(b.InlinedResponses))
		for i, r := range b.InlinedResponses {
			res := InlineResult{Key: r.Metadata["key"]}
			switch {
			case r.Response != nil:
				res.Text = r.Response.Text()
			case r.Error != nil:
				res.Error = geminiStatusText(r.Error)
			}
			job.Inline[i] = res
		}
	}
	return job, nil
}

func (p *GeminiProvider) DownloadFile(ctx context.Context, name string) (io.ReadCloser, error) {
	return p.client.DownloadFile(ctx, name)
}

func toGeminiRequest(r Request) gemini.GenerateContentRequest {
	out := gemini.GenerateContentRequest{
		Contents: []gemini.Content{{Role: "user", Parts: []gemini.Part{{Text: r.Prompt}}}},
	}
	if r.System != "" {
		out.SystemInstruction = &gemini.Content{Parts: []gemini.Part{{Text: r.System}}}
	}
	if r.Temperature != nil || r.MaxOutputTokens > 0 || len(r.ResponseSchema) > 0 {
		cfg := &gemini.GenerationConfig{
			Temperature:     r.Temperature,
			MaxOutputTokens: r.MaxOutputTokens,
		}
		if len(r.ResponseSchema) > 0 {
			cfg.ResponseMimeType = "application/json"
			cfg.ResponseJSONSchema = r.ResponseSchema
		}
		out.GenerationConfig = cfg
	}
	return out
}

func geminiState(s string) State {
	switch gemini.NormalizeState(s) {
	case gemini.StateRunning:
		return StateRunning
	case gemini.StateSucceeded:
		return StateSucceeded
	case gemini.StateFailed:
		return StateFailed
	case gemini.StateCancelled:
		return StateCancelled
	case gemini.StateExpired:
		return StateExpired
	default:
		return StatePending
	}
}

func geminiStatusText(s *gemini.Status) string {
	if s.Message != "" {
		return s.Message
	}
	if s.Code != 0 {
		return fmt.Sprintf("error code %d", s.Code)
	}
	return "unknown error"
}

// AnthropicProvider adapts the Anthropic Message Batches API. It accepts only
// inline payloads; results are realigned by position through custom ids.
type AnthropicProvider struct {
	client           anthropic.Client
	defaultMaxTokens int64
}

// NewAnthropicProvider wraps an Anthropic client. defaultMaxTokens applies to
// requests that do not set MaxOutputTokens.
func NewAnthropicProvider(client anthropic.Client, defaultMaxTokens int64) *AnthropicProvider {
	if defaultMaxTokens <= 0 {
		defaultMaxTokens = 8192
	}
	return &AnthropicProvider{client: client, defaultMaxTokens: defaultMaxTokens}
}

func (p *AnthropicProvider) Name() string            { return "anthropic" }
func (p *AnthropicProvider) SupportsFileSource() bool { return false }

func (p *AnthropicProvider) WireRequest(req Request) any {
	return p.toMessageRequest("", req)
}

func (p *AnthropicProvider) CreateInline(ctx context.Context, model, _ string, reqs []Request, keys []string) (string, error) {
	if len(reqs) != len(keys) {
		return "", eris.Errorf("batch: %d requests but %d keys", len(reqs), len(keys))
	}
	items := make([]anthropic.BatchRequestItem, len(reqs))
	for i, r := range reqs {
		items[i] = anthropic.BatchRequestItem{
			CustomID: customID(i),
			Params:   p.toMessageRequest(model, r),
		}
	}
	resp, err := p.client.CreateBatch(ctx, anthropic.BatchRequest{Requests: items})
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (p *AnthropicProvider) UploadFile(context.Context, string, string) (string, error) {
	return "", ErrFileSourceUnsupported
}

func (p *AnthropicProvider) CreateFromFile(context.Context, string, string, string) (string, error) {
	return "", ErrFileSourceUnsupported
}

func (p *AnthropicProvider) DownloadFile(context.Context, string) (io.ReadCloser, error) {
	return nil, ErrFileSourceUnsupported
}

func (p *AnthropicProvider) GetJob(ctx context.Context, name string) (*ProviderJob, error) {
	b, err := p.client.GetBatch(ctx, name)
	if err != nil {
		return nil, err
	}

	job := &ProviderJob{Name: b.ID, State: StateRunning}
	if b.ProcessingStatus != anthropic.StatusEnded {
		return job, nil
	}

	c := b.RequestCounts
	switch {
	case c.Succeeded == 0 && c.Errored == 0 && c.Expired > 0:
		job.State = StateExpired
		job.Message = fmt.Sprintf("%d requests expired", c.Expired)
		return job, nil
	case c.Succeeded == 0 && c.Errored == 0 && c.Canceled > 0:
		job.State = StateCancelled
		job.Message = fmt.Sprintf("%d requests canceled", c.Canceled)
		return job, nil
	}

	iter, err := p.client.GetBatchResults(ctx, name)
	if err != nil {
		return nil, err
	}
	collected, err := anthropic.CollectBatchResultsDetailed(iter)
	if err != nil {
		return nil, err
	}

	total := int(c.Succeeded + c.Errored + c.Canceled + c.Expired + c.Processing)
	job.Inline = make([]InlineResult, total)
	for id, msg := range collected.Succeeded {
		if i, ok := customIndex(id, total); ok {
			job.Inline[i].Text = msg.Text()
		}
	}
	for _, f := range collected.Failures {
		if i, ok := customIndex(f.CustomID, total); ok {
			job.Inline[i].Error = "request " + f.Type
		}
	}
	job.State = StateSucceeded
	return job, nil
}

func (p *AnthropicProvider) toMessageRequest(model string, r Request) anthropic.MessageRequest {
	out := anthropic.MessageRequest{
		Model:       model,
		MaxTokens:   p.defaultMaxTokens,
		Messages:    []anthropic.Message{{Role: "user", Content: r.Prompt}},
		Temperature: r.Temperature,
	}
	if r.MaxOutputTokens > 0 {
		out.MaxTokens = int64(r.MaxOutputTokens)
	}
	if r.System != "" {
		out.System = append(out.System, anthropic.SystemBlock{Text: r.System})
	}
	if len(r.ResponseSchema) > 0 {
		out.System = append(out.System, anthropic.SystemBlock{
			Text: "Respond with a single JSON document, without prose, that validates against this JSON Schema:\n" + string(r.ResponseSchema),
		})
	}
	return out
}

// Custom ids must match ^[a-zA-Z0-9_-]{1,64}$, so group keys cannot be used
// directly.
func customID(i int) string {
	return "req-" + strconv.Itoa(i)
}

func customIndex(id string, total int) (int, bool) {
	rest, ok := strings.CutPrefix(id, "req-")
	if !ok {
		return 0, false
	}
	i, err := strconv.Atoi(rest)
	if err != nil || i < 0 || i >= total {
		return 0, false
	}
	return i, true
}
