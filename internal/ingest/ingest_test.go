package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/candidate-pipeline/internal/model"
)

type mockWriter struct {
	mock.Mock
}

func (m *mockWriter) InsertCandidates(ctx context.Context, records []model.CandidateRecord) (int64, error) {
	args := m.Called(ctx, records)
	return args.Get(0).(int64), args.Error(1)
}

func strPtr(s string) *string { return &s }

func testGroup(structured string) *model.Group {
	return &model.Group{
		Key:          "springfield|il|mayor",
		Municipality: strPtr("Springfield"),
		State:        strPtr("IL"),
		Position:     strPtr("Mayor"),
		Structured:   json.RawMessage(structured),
	}
}

func TestIngest_CreatesRecordsPerCandidate(t *testing.T) {
	w := new(mockWriter)
	w.On("InsertCandidates", mock.Anything, mock.MatchedBy(func(r []model.CandidateRecord) bool {
		return len(r) == 3
	})).Return(int64(3), nil)

	ing := NewCandidateIngester(w)
	job := &model.Job{ID: "job-1", ForceHidden: true}
	g := testGroup(`{"elections":[
		{"election_date":"2026-11-03","candidates":[
			{"name":" Ada Lovelace ","party":"Independent","incumbent":true},
			{"name":"Charles Babbage","email":"cb@example.com"},
			{"name":"  "}
		]},
		{"municipality":"Shelbyville","position":"Council","candidates":[{"name":"Grace Hopper"}]}
	]}`)

	n, err := ing.Ingest(context.Background(), job, g)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	w.AssertExpectations(t)

	records := w.Calls[0].Arguments.Get(1).([]model.CandidateRecord)
	assert.Equal(t, "Ada Lovelace", records[0].Name)
	assert.True(t, records[0].Incumbent)
	assert.Equal(t, "Springfield", records[0].Municipality)
	assert.Equal(t, "2026-11-03", records[0].ElectionDate)
	assert.Equal(t, "Shelbyville", records[2].Municipality)
	assert.Equal(t, "IL", records[2].State)
	assert.Equal(t, "Council", records[2].Position)
	for _, r := range records {
		assert.True(t, r.Hidden)
		assert.Equal(t, "job-1", r.JobID)
		assert.Equal(t, g.Key, r.GroupKey)
		assert.NotEmpty(t, r.ID)
	}
}

func TestIngest_NoCandidatesSkipsWrite(t *testing.T) {
	w := new(mockWriter)
	n, err := NewCandidateIngester(w).Ingest(context.Background(), &model.Job{ID: "j"}, testGroup(`{"elections":[]}`))
	require.NoError(t, err)
	assert.Zero(t, n)
	w.AssertNotCalled(t, "InsertCandidates", mock.Anything, mock.Anything)
}

func TestIngest_InvalidStructuredIsGroupScoped(t *testing.T) {
	ing := NewCandidateIngester(new(mockWriter))

	for _, doc := range []string{"", `{"elections": "nope"}`, `not json`} {
		_, err := ing.Ingest(context.Background(), &model.Job{ID: "j"}, testGroup(doc))
		require.Error(t, err, doc)
		assert.True(t, errors.Is(err, ErrInvalidStructured), doc)
	}
}

func TestIngest_WriteErrorIsJobScoped(t *testing.T) {
	w := new(mockWriter)
	w.On("InsertCandidates", mock.Anything, mock.Anything).Return(int64(0), errors.New("db down"))

	_, err := NewCandidateIngester(w).Ingest(context.Background(), &model.Job{ID: "j"},
		testGroup(`{"elections":[{"candidates":[{"name":"A"}]}]}`))
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrInvalidStructured))
	assert.Contains(t, err.Error(), "db down")
}
