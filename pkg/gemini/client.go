package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/candidate-pipeline/internal/resilience"
)

const (
	defaultBaseURL = "https://generativelanguage.googleapis.com"
	apiVersion     = "v1beta"
)

// Client performs Batch API and Files API calls against the Gemini API.
type Client interface {
	CreateBatch(ctx context.Context, model string, req CreateBatchRequest) (*Batch, error)
	GetBatch(ctx context.Context, name string) (*Batch, error)
	UploadFile(ctx context.Context, displayName, mimeType string, r io.Reader, size int64) (*File, error)
	DownloadFile(ctx context.Context, name string) (io.ReadCloser, error)
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL overrides the default API base URL.
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = strings.TrimRight(url, "/")
	}
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithTimeout sets the per-request timeout of the default http.Client.
func WithTimeout(d time.Duration) Option {
	return func(c *httpClient) {
		c.http.Timeout = d
	}
}

type httpClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

// NewClient creates a Gemini API client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		http: &http.Client{
			Timeout: 120 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *httpClient) CreateBatch(ctx context.Context, model string, req CreateBatchRequest) (*Batch, error) {
	if model == "" {
		return nil, eris.New("gemini: create batch: model is required")
	}
	if (len(req.Requests) == 0) == (req.FileName == "") {
		return nil, eris.New("gemini: create batch: exactly one of requests or file name is required")
	}

	body := createBatchBody{Batch: batchSpec{DisplayName: req.DisplayName}}
	if req.FileName != "" {
		body.Batch.InputConfig.FileName = req.FileName
	} else {
		body.Batch.InputConfig.Requests = &inlinedRequests{Requests: req.Requests}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, eris.Wrap(err, "gemini: marshal batch")
	}

	endpoint := c.baseURL + "/" + apiVersion + "/" + modelPath(model) + ":batchGenerateContent"
	var op operation
	if err := c.doJSON(ctx, http.MethodPost, endpoint, payload, &op); err != nil {
		return nil, eris.Wrapf(err, "gemini: create batch for %s", model)
	}
	return op.toBatch(), nil
}

func (c *httpClient) GetBatch(ctx context.Context, name string) (*Batch, error) {
	if name == "" {
		return nil, eris.New("gemini: get batch: name is required")
	}
	endpoint := c.baseURL + "/" + apiVersion + "/" + strings.TrimPrefix(name, "/")
	var op operation
	if err := c.doJSON(ctx, http.MethodGet, endpoint, nil, &op); err != nil {
		return nil, eris.Wrapf(err, "gemini: get batch %s", name)
	}
	b := op.toBatch()
	if b.Name == "" {
		b.Name = name
	}
	return b, nil
}

// UploadFile uploads r with the resumable upload protocol in a single chunk.
func (c *httpClient) UploadFile(ctx context.Context, displayName, mimeType string, r io.Reader, size int64) (*File, error) {
	meta, err := json.Marshal(map[string]any{"file": map[string]string{"display_name": displayName}})
	if err != nil {
		return nil, eris.Wrap(err, "gemini: marshal file metadata")
	}

	start, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/upload/"+apiVersion+"/files", bytes.NewReader(meta))
	if err != nil {
		return nil, eris.Wrap(err, "gemini: create upload request")
	}
	start.Header.Set("Content-Type", "application/json")
	start.Header.Set("X-Goog-Upload-Protocol", "resumable")
	start.Header.Set("X-Goog-Upload-Command", "start")
	start.Header.Set("X-Goog-Upload-Header-Content-Length", strconv.FormatInt(size, 10))
	start.Header.Set("X-Goog-Upload-Header-Content-Type", mimeType)
	c.authorize(start)

	resp, err := c.http.Do(start)
	if err != nil {
		return nil, eris.Wrap(err, "gemini: start upload")
	}
	startBody, _ := io.ReadAll(resp.Body)
	resp.Body.Close() //nolint:errcheck
	if resp.StatusCode != http.StatusOK {
		return nil, resilience.StatusError("gemini: start upload", resp.StatusCode, startBody)
	}
	uploadURL := resp.Header.Get("X-Goog-Upload-URL")
	if uploadURL == "" {
		return nil, eris.New("gemini: start upload: missing upload URL")
	}

	put, err := http.NewRequestWithContext(ctx, http.MethodPost, uploadURL, r)
	if err != nil {
		return nil, eris.Wrap(err, "gemini: create upload request")
	}
	put.ContentLength = size
	put.Header.Set("X-Goog-Upload-Offset", "0")
	put.Header.Set("X-Goog-Upload-Command", "upload, finalize")
	c.authorize(put)

	var out struct {
		File File `json:"file"`
	}
	if err := c.do(put, &out); err != nil {
		return nil, eris.Wrap(err, "gemini: upload file")
	}
	if out.File.Name == "" {
		return nil, eris.New("gemini: upload file: response has no file name")
	}
	return &out.File, nil
}

// DownloadFile streams the contents of a result file. The caller closes the
// returned reader.
func (c *httpClient) DownloadFile(ctx context.Context, name string) (io.ReadCloser, error) {
	if name == "" {
		return nil, eris.New("gemini: download file: name is required")
	}
	endpoint := c.baseURL + "/download/" + apiVersion + "/" + strings.TrimPrefix(name, "/") + ":download?alt=media"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, eris.Wrap(err, "gemini: create request")
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrapf(err, "gemini: download file %s", name)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close() //nolint:errcheck
		return nil, resilience.StatusError("gemini: download file", resp.StatusCode, body)
	}
	return resp.Body, nil
}

func (c *httpClient) authorize(req *http.Request) {
	req.Header.Set("x-goog-api-key", c.apiKey)
}

func (c *httpClient) doJSON(ctx context.Context, method, endpoint string, payload []byte, out any) error {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return eris.Wrap(err, "gemini: create request")
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.authorize(req)
	return c.do(req, out)
}

func (c *httpClient) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return eris.Wrap(err, "gemini: send request")
	}
	defer resp.Body.Close() //nolint:errcheck

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return eris.Wrap(err, "gemini: read response")
	}

	if resp.StatusCode != http.StatusOK {
		return resilience.StatusError("gemini", resp.StatusCode, respBody)
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return eris.Wrap(err, "gemini: unmarshal response")
	}
	return nil
}

// modelPath returns the models/{model} resource name, escaping the model id.
func modelPath(model string) string {
	model = strings.TrimPrefix(model, "models/")
	return "models/" + url.PathEscape(model)
}
