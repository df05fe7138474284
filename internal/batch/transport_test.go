package batch

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/candidate-pipeline/internal/model"
)

func testRequests(n int, promptSize int) ([]Request, []string) {
	reqs := make([]Request, n)
	keys := make([]string, n)
	for i := range reqs {
		reqs[i] = Request{Prompt: strings.Repeat("x", promptSize)}
		keys[i] = "group-" + string(rune('a'+i))
	}
	return reqs, keys
}

func TestSubmit_SmallPayloadGoesInline(t *testing.T) {
	p := &mockProvider{fileSource: true}
	p.On("CreateInline", mock.Anything, "m1", "job", mock.Anything, []string{"group-a", "group-b", "group-c"}).
		Return("jobs/inline-m1", nil).Once()
	reqs, keys := testRequests(3, 10)

	h, err := NewTransport(p).Submit(context.Background(), "m1", "job", reqs, keys)
	require.NoError(t, err)
	assert.Equal(t, model.SubmitModeInline, h.Mode)
	assert.Equal(t, "jobs/inline-m1", h.JobName)
	assert.Equal(t, map[string]int{"group-a": 0, "group-b": 1, "group-c": 2}, h.KeyMap)
	p.AssertNumberOfCalls(t, "CreateInline", 1)
	p.AssertNotCalled(t, "UploadFile", mock.Anything, mock.Anything, mock.Anything)
	p.AssertNotCalled(t, "CreateFromFile", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestSubmit_LargePayloadUploadsOnce(t *testing.T) {
	dir := t.TempDir()
	var uploaded string
	p := &mockProvider{fileSource: true}
	p.On("UploadFile", mock.Anything, mock.AnythingOfType("string"), "job").
		Run(readUploaded(&uploaded)).Return("files/input", nil).Once()
	p.On("CreateFromFile", mock.Anything, "m1", "job", "files/input").
		Return("jobs/file-m1-files/input", nil).Once()
	reqs, keys := testRequests(3, 200)

	h, err := NewTransport(p, WithInlineThreshold(100), WithTempDir(dir)).
		Submit(context.Background(), "m1", "job", reqs, keys)
	require.NoError(t, err)
	assert.Equal(t, model.SubmitModeFile, h.Mode)
	assert.Equal(t, "jobs/file-m1-files/input", h.JobName)
	p.AssertExpectations(t)
	p.AssertNotCalled(t, "CreateInline", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)

	sc := bufio.NewScanner(strings.NewReader(uploaded))
	var lines []fileLineInput
	for sc.Scan() {
		var l struct {
			Key     string  `json:"key"`
			Index   int     `json:"index"`
			Request Request `json:"request"`
		}
		require.NoError(t, json.Unmarshal(sc.Bytes(), &l))
		lines = append(lines, fileLineInput{Key: l.Key, Index: l.Index})
		assert.Len(t, l.Request.Prompt, 200)
	}
	require.Len(t, lines, 3)
	for i, l := range lines {
		assert.Equal(t, keys[i], l.Key)
		assert.Equal(t, i, l.Index)
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "temp input file should be removed")
}

func TestSubmit_LargePayloadInlineWhenFileUnsupported(t *testing.T) {
	p := &mockProvider{fileSource: false}
	p.On("CreateInline", mock.Anything, "m1", "job", mock.Anything, mock.Anything).
		Return("jobs/inline-m1", nil).Once()
	reqs, keys := testRequests(2, 200)

	h, err := NewTransport(p, WithInlineThreshold(100)).Submit(context.Background(), "m1", "job", reqs, keys)
	require.NoError(t, err)
	assert.Equal(t, model.SubmitModeInline, h.Mode)
	p.AssertExpectations(t)
	p.AssertNotCalled(t, "UploadFile", mock.Anything, mock.Anything, mock.Anything)
}

func TestSubmit_FileCreateErrorStillRemovesTempFile(t *testing.T) {
	dir := t.TempDir()
	p := &mockProvider{fileSource: true}
	p.On("UploadFile", mock.Anything, mock.Anything, "job").Return("files/input", nil).Once()
	p.On("CreateFromFile", mock.Anything, "m1", "job", "files/input").Return("", assert.AnError).Once()
	reqs, keys := testRequests(2, 200)

	_, err := NewTransport(p, WithInlineThreshold(10), WithTempDir(dir)).
		Submit(context.Background(), "m1", "job", reqs, keys)
	require.Error(t, err)
	assert.ErrorIs(t, err, assert.AnError)
	p.AssertExpectations(t)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSubmit_Validation(t *testing.T) {
	tr := NewTransport(&mockProvider{})

	_, err := tr.Submit(context.Background(), "m", "job", nil, nil)
	require.Error(t, err)

	_, err = tr.Submit(context.Background(), "m", "job", []Request{{}}, []string{"a", "b"})
	require.Error(t, err)

	_, err = tr.Submit(context.Background(), "m", "job", []Request{{}, {}}, []string{"a", "a"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate key")
}

func TestBuildKeyMap(t *testing.T) {
	m, err := BuildKeyMap([]string{"x", "y"})
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"x": 0, "y": 1}, m)

	_, err = BuildKeyMap([]string{"x", ""})
	require.Error(t, err)
}
