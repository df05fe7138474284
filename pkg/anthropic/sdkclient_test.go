package anthropic

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testModel = "claude-haiku-4-5-20251001"

func newTestClient(baseURL string) Client {
	return NewClient("test-key", WithBaseURL(baseURL), WithHTTPClient(&http.Client{}))
}

func batchJSON(id, status string, processing, succeeded int) map[string]any {
	return map[string]any{
		"id":                id,
		"type":              "message_batch",
		"processing_status": status,
		"results_url":       "",
		"request_counts": map[string]any{
			"processing": processing,
			"succeeded":  succeeded,
			"errored":    0,
			"canceled":   0,
			"expired":    0,
		},
	}
}

func apiError(w http.ResponseWriter, status int, typ string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"type":  "error",
		"error": map[string]any{"type": typ, "message": typ},
	})
}

func researchItem(key string) BatchRequestItem {
	return BatchRequestItem{CustomID: key, Params: MessageRequest{
		Model:     testModel,
		MaxTokens: 2048,
		System:    []SystemBlock{{Text: "You research local election candidates."}},
		Messages:  []Message{{Role: "user", Content: "Candidates for " + key}},
	}}
}

func TestSDKClient_CreateBatch(t *testing.T) {
	var body map[string]any
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/messages/batches"), r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(batchJSON("msgbatch_01", "in_progress", 2, 0))
	}))
	defer ts.Close()

	temp := 0.2
	second := researchItem("dayton|oh|council")
	second.Params.Temperature = &temp

	resp, err := newTestClient(ts.URL).CreateBatch(context.Background(), BatchRequest{
		Requests: []BatchRequestItem{researchItem("columbus|oh|mayor"), second},
	})
	require.NoError(t, err)
	assert.Equal(t, "msgbatch_01", resp.ID)
	assert.Equal(t, "in_progress", resp.ProcessingStatus)
	assert.Equal(t, int64(2), resp.RequestCounts.Processing)

	reqs, ok := body["requests"].([]any)
	require.True(t, ok)
	require.Len(t, reqs, 2)

	first := reqs[0].(map[string]any)
	assert.Equal(t, "columbus|oh|mayor", first["custom_id"])
	params := first["params"].(map[string]any)
	assert.Equal(t, testModel, params["model"])
	assert.EqualValues(t, 2048, params["max_tokens"])
	assert.NotNil(t, params["system"])
	assert.NotContains(t, params, "temperature")

	params = reqs[1].(map[string]any)["params"].(map[string]any)
	assert.Equal(t, 0.2, params["temperature"])
}

func TestSDKClient_GetBatch(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/msgbatch_02"), r.URL.Path)
		b := batchJSON("msgbatch_02", "ended", 0, 5)
		b["results_url"] = "https://api.anthropic.com/v1/messages/batches/msgbatch_02/results"
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(b)
	}))
	defer ts.Close()

	resp, err := newTestClient(ts.URL).GetBatch(context.Background(), "msgbatch_02")
	require.NoError(t, err)
	assert.Equal(t, "ended", resp.ProcessingStatus)
	assert.Equal(t, int64(5), resp.RequestCounts.Succeeded)
	assert.Contains(t, resp.ResultsURL, "msgbatch_02/results")
}

func TestSDKClient_GetBatchResults(t *testing.T) {
	lines := []string{
		`{"custom_id":"columbus|oh|mayor","result":{"type":"succeeded","message":{"id":"msg_1","type":"message","role":"assistant","content":[{"type":"text","text":"Two filed candidates."}],"model":"claude-haiku-4-5-20251001","stop_reason":"end_turn","usage":{"input_tokens":40,"output_tokens":12,"cache_creation_input_tokens":0,"cache_read_input_tokens":0}}}}`,
		`{"custom_id":"dayton|oh|council","result":{"type":"errored","error":{"type":"error","error":{"type":"invalid_request_error","message":"bad"}}}}`,
		`{"custom_id":"akron|oh|school board","result":{"type":"expired"}}`,
	}

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/x-jsonlines")
		_, _ = w.Write([]byte(strings.Join(lines, "\n") + "\n"))
	}))
	defer ts.Close()

	iter, err := newTestClient(ts.URL).GetBatchResults(context.Background(), "msgbatch_03")
	require.NoError(t, err)

	res, err := CollectBatchResultsDetailed(iter)
	require.NoError(t, err)

	require.Len(t, res.Succeeded, 1)
	msg := res.Succeeded["columbus|oh|mayor"]
	require.NotNil(t, msg)
	assert.Equal(t, "Two filed candidates.", msg.Text())
	assert.Equal(t, int64(40), msg.Usage.InputTokens)

	require.Len(t, res.Failures, 2)
	assert.Equal(t, "dayton|oh|council", res.Failures[0].CustomID)
	assert.Equal(t, "errored", res.Failures[0].Type)
	assert.Equal(t, "expired", res.Failures[1].Type)
}

func TestSDKClient_Errors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		typ    string
		call   func(Client) error
		want   string
	}{
		{
			name: "create rate limited", status: http.StatusTooManyRequests, typ: "rate_limit_error",
			call: func(c Client) error {
				_, err := c.CreateBatch(context.Background(), BatchRequest{Requests: []BatchRequestItem{researchItem("k")}})
				return err
			},
			want: "anthropic: create batch",
		},
		{
			name: "get not found", status: http.StatusNotFound, typ: "not_found_error",
			call: func(c Client) error {
				_, err := c.GetBatch(context.Background(), "msgbatch_missing")
				return err
			},
			want: "anthropic: get batch msgbatch_missing",
		},
		{
			name: "results not found", status: http.StatusNotFound, typ: "not_found_error",
			call: func(c Client) error {
				_, err := c.GetBatchResults(context.Background(), "msgbatch_missing")
				return err
			},
			want: "anthropic: get batch results",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				apiError(w, tt.status, tt.typ)
			}))
			defer ts.Close()

			// Keep the SDK from retrying 429s against the test server.
			c := NewClient("test-key", WithBaseURL(ts.URL), WithHTTPClient(&http.Client{}), WithMaxRetries(0))
			err := tt.call(c)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
