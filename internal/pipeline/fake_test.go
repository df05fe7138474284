package pipeline

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/rotisserie/eris"

	"github.com/sells-group/candidate-pipeline/internal/batch"
)

// fakeSubmission is one provider job created through the fake.
type fakeSubmission struct {
	name  string
	model string
	reqs  []batch.Request
	keys  []string
	file  bool
}

// structure reports whether the submission is a structure batch.
func (s *fakeSubmission) structure() bool {
	return len(s.reqs) > 0 && len(s.reqs[0].ResponseSchema) > 0
}

type uploadedLine struct {
	Key     string        `json:"key"`
	Index   int           `json:"index"`
	Request batch.Request `json:"request"`
}

// fakeProvider is an in-memory batch provider. Jobs answer every request
// unless respond is overridden.
type fakeProvider struct {
	mu sync.Mutex

	fileSource bool
	failModels map[string]bool

	subs    []*fakeSubmission
	uploads map[string][]uploadedLine
	files   map[string]string
	gets    int

	// respond builds the snapshot GetJob returns for a submission.
	respond func(f *fakeProvider, sub *fakeSubmission) *batch.ProviderJob
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		failModels: map[string]bool{},
		uploads:    map[string][]uploadedLine{},
		files:      map[string]string{},
		respond:    succeedAll,
	}
}

func (f *fakeProvider) Name() string                      { return "fake" }
func (f *fakeProvider) SupportsFileSource() bool          { return f.fileSource }
func (f *fakeProvider) WireRequest(req batch.Request) any { return req }

func (f *fakeProvider) CreateInline(_ context.Context, model, _ string, reqs []batch.Request, keys []string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failModels[model] {
		return "", eris.Errorf("model %s rejected the batch", model)
	}
	return f.record(&fakeSubmission{model: model, reqs: reqs, keys: keys}), nil
}

func (f *fakeProvider) UploadFile(_ context.Context, path, _ string) (string, error) {
	fh, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer fh.Close() //nolint:errcheck

	var lines []uploadedLine
	sc := bufio.NewScanner(fh)
	sc.Buffer(make([]byte, 1<<20), 1<<24)
	for sc.Scan() {
		var l uploadedLine
		if err := json.Unmarshal(sc.Bytes(), &l); err != nil {
			return "", err
		}
		lines = append(lines, l)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	name := fmt.Sprintf("files/input-%d", len(f.uploads)+1)
	f.uploads[name] = lines
	return name, sc.Err()
}

func (f *fakeProvider) CreateFromFile(_ context.Context, model, _, fileName string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failModels[model] {
		return "", eris.Errorf("model %s rejected the batch", model)
	}
	lines, ok := f.uploads[fileName]
	if !ok {
		return "", eris.Errorf("file %s not uploaded", fileName)
	}
	sub := &fakeSubmission{model: model, file: true}
	for _, l := range lines {
		sub.reqs = append(sub.reqs, l.Request)
		sub.keys = append(sub.keys, l.Key)
	}
	return f.record(sub), nil
}

func (f *fakeProvider) record(sub *fakeSubmission) string {
	sub.name = fmt.Sprintf("batches/%d", len(f.subs)+1)
	f.subs = append(f.subs, sub)
	return sub.name
}

func (f *fakeProvider) GetJob(_ context.Context, name string) (*batch.ProviderJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	for _, s := range f.subs {
		if s.name == name {
			return f.respond(f, s), nil
		}
	}
	return nil, eris.Errorf("batch %s not found", name)
}

func (f *fakeProvider) DownloadFile(_ context.Context, name string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	body, ok := f.files[name]
	if !ok {
		return nil, eris.Errorf("file %s not found", name)
	}
	return io.NopCloser(strings.NewReader(body)), nil
}

func (f *fakeProvider) submissions() []*fakeSubmission {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeSubmission(nil), f.subs...)
}

// answer is the default model output for one request.
func answer(sub *fakeSubmission, key string) string {
	if sub.structure() {
		return fmt.Sprintf(`{"elections":[{"election_date":"2025-11-04","candidates":[{"name":"Candidate %s","party":"Independent"}]}]}`, key)
	}
	return "analysis of " + key
}

func succeedAll(f *fakeProvider, sub *fakeSubmission) *batch.ProviderJob {
	return f.finish(sub, func(_ int, key string) (string, string) {
		return answer(sub, key), ""
	})
}

// finish builds a succeeded snapshot from per-request outcomes. Outcomes
// with empty text and error are left out. File results are written in
// reverse order.
func (f *fakeProvider) finish(sub *fakeSubmission, outcome func(i int, key string) (text, errMsg string)) *batch.ProviderJob {
	job := &batch.ProviderJob{Name: sub.name, State: batch.StateSucceeded}
	if !sub.file {
		for i, k := range sub.keys {
			text, errMsg := outcome(i, k)
			if text == "" && errMsg == "" {
				continue
			}
			job.Inline = append(job.Inline, batch.InlineResult{Key: k, Text: text, Error: errMsg})
		}
		return job
	}

	var sb strings.Builder
	for i := len(sub.keys) - 1; i >= 0; i-- {
		text, errMsg := outcome(i, sub.keys[i])
		if text == "" && errMsg == "" {
			continue
		}
		line := batch.FileLine{Key: sub.keys[i], Text: text}
		if errMsg != "" {
			line.Error, _ = json.Marshal(map[string]string{"message": errMsg})
		}
		b, _ := json.Marshal(line)
		sb.Write(b)
		sb.WriteByte('\n')
	}
	job.ResultFile = "files/result-" + strings.TrimPrefix(sub.name, "batches/")
	f.files[job.ResultFile] = sb.String()
	return job
}
