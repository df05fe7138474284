package batch

import (
	"bufio"
	"context"
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/candidate-pipeline/internal/model"
)

// DefaultInlineThresholdBytes is the largest serialized payload sent inline.
const DefaultInlineThresholdBytes = 10 << 20

// Transport chooses between inline and file submission by payload size.
type Transport struct {
	provider        Provider
	inlineThreshold int
	tempDir         string
}

// TransportOption configures a Transport.
type TransportOption func(*Transport)

// WithInlineThreshold overrides the inline payload ceiling in bytes.
func WithInlineThreshold(n int) TransportOption {
	return func(t *Transport) {
		if n > 0 {
			t.inlineThreshold = n
		}
	}
}

// WithTempDir sets the directory for NDJSON input files.
func WithTempDir(dir string) TransportOption {
	return func(t *Transport) {
		t.tempDir = dir
	}
}

// NewTransport creates a Transport for provider.
func NewTransport(provider Provider, opts ...TransportOption) *Transport {
	t := &Transport{
		provider:        provider,
		inlineThreshold: DefaultInlineThresholdBytes,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Provider returns the provider the transport submits to.
func (t *Transport) Provider() Provider {
	return t.provider
}

// fileLineInput is one line of an NDJSON input file.
type fileLineInput struct {
	Key     string `json:"key"`
	Index   int    `json:"index"`
	Request any    `json:"request"`
}

// Submit creates one provider job for reqs. keys[i] identifies reqs[i] and
// must be unique. Errors are not retried here.
func (t *Transport) Submit(ctx context.Context, modelName, displayName string, reqs []Request, keys []string) (*Handle, error) {
	if len(reqs) == 0 {
		return nil, eris.New("batch: no requests to submit")
	}
	if len(reqs) != len(keys) {
		return nil, eris.Errorf("batch: %d requests but %d keys", len(reqs), len(keys))
	}
	keyMap, err := BuildKeyMap(keys)
	if err != nil {
		return nil, err
	}

	wire := make([]any, len(reqs))
	for i, r := range reqs {
		wire[i] = t.provider.WireRequest(r)
	}
	payload, err := json.Marshal(wire)
	if err != nil {
		return nil, eris.Wrap(err, "batch: marshal requests")
	}

	log := zap.L().With(
		zap.String("provider", t.provider.Name()),
		zap.String("model", modelName),
		zap.String("batch", displayName),
		zap.Int("requests", len(reqs)),
		zap.Int("payload_bytes", len(payload)),
	)

	if len(payload) <= t.inlineThreshold || !t.provider.SupportsFileSource() {
		name, err := t.provider.CreateInline(ctx, modelName, displayName, reqs, keys)
		if err != nil {
			return nil, eris.Wrapf(err, "batch: create inline job for %s", modelName)
		}
		log.Info("batch: submitted inline", zap.String("job_name", name))
		return &Handle{JobName: name, Mode: model.SubmitModeInline, KeyMap: keyMap}, nil
	}

	path, err := t.writeInputFile(keys, wire)
	if err != nil {
		return nil, err
	}
	defer func() {
		if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
			log.Warn("batch: remove input file", zap.String("path", path), zap.Error(rmErr))
		}
	}()

	fileName, err := t.provider.UploadFile(ctx, path, displayName)
	if err != nil {
		return nil, eris.Wrap(err, "batch: upload input file")
	}

	name, err := t.provider.CreateFromFile(ctx, modelName, displayName, fileName)
	if err != nil {
		return nil, eris.Wrapf(err, "batch: create file job for %s", modelName)
	}
	log.Info("batch: submitted from file", zap.String("job_name", name), zap.String("file", fileName))
	return &Handle{JobName: name, Mode: model.SubmitModeFile, KeyMap: keyMap}, nil
}

func (t *Transport) writeInputFile(keys []string, wire []any) (string, error) {
	f, err := os.CreateTemp(t.tempDir, "batch-input-*.jsonl")
	if err != nil {
		return "", eris.Wrap(err, "batch: create input file")
	}
	path := f.Name()

	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for i, req := range wire {
		if err := enc.Encode(fileLineInput{Key: keys[i], Index: i, Request: req}); err != nil {
			f.Close()       //nolint:errcheck
			os.Remove(path) //nolint:errcheck
			return "", eris.Wrap(err, "batch: write input file")
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()       //nolint:errcheck
		os.Remove(path) //nolint:errcheck
		return "", eris.Wrap(err, "batch: flush input file")
	}
	if err := f.Close(); err != nil {
		os.Remove(path) //nolint:errcheck
		return "", eris.Wrap(err, "batch: close input file")
	}
	return path, nil
}

// BuildKeyMap maps each key to its position. Empty and duplicate keys are
// rejected.
func BuildKeyMap(keys []string) (map[string]int, error) {
	m := make(map[string]int, len(keys))
	for i, k := range keys {
		if k == "" {
			return nil, eris.Errorf("batch: empty key at index %d", i)
		}
		if prev, ok := m[k]; ok {
			return nil, eris.Errorf("batch: duplicate key %q at index %d and %d", k, prev, i)
		}
		m[k] = i
	}
	return m, nil
}
