package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/candidate-pipeline/internal/model"
)

func TestFormatJobsList(t *testing.T) {
	now := time.Date(2025, 6, 15, 10, 30, 0, 0, time.UTC)
	done := now.Add(90 * time.Second)
	jobs := []model.Job{
		{
			ID:              "abc12345-6789-0000-0000-000000000000",
			DisplayName:     "Ohio municipal races",
			Status:          model.JobStatusCompleted,
			GroupCount:      12,
			EstimatedTokens: 48000,
			Analyze:         model.Stage{Model: "gemini-2.5-flash"},
			Structure:       model.Stage{Model: "gemini-2.5-flash-lite", FallbackUsed: true},
			ProcessedAt:     &done,
			CreatedAt:       now,
			UpdatedAt:       now.Add(time.Hour),
		},
		{
			ID:          "def12345-6789-0000-0000-000000000000",
			DisplayName: "A display name that is far too long for the table column",
			Status:      model.JobStatusAnalyzeSubmitted,
			GroupCount:  3,
			Analyze:     model.Stage{Model: "gemini-2.5-flash"},
			CreatedAt:   now,
			UpdatedAt:   now.Add(time.Minute),
		},
	}

	var buf bytes.Buffer
	formatJobsList(&buf, jobs)

	output := buf.String()
	assert.Contains(t, output, "STATUS")
	assert.Contains(t, output, "abc12345")
	assert.NotContains(t, output, "abc12345-6789")
	assert.Contains(t, output, "Ohio municipal races")
	assert.Contains(t, output, "COMPLETED")
	assert.Contains(t, output, "gemini-2.5-flash-lite*")
	assert.Contains(t, output, "1m30s")
	assert.Contains(t, output, "A display name that is far...")
	assert.Contains(t, output, "ANALYZE_SUBMITTED")
	assert.Contains(t, output, "2025-06-15 10:30")
}

func TestParseStatuses(t *testing.T) {
	got, err := parseStatuses("completed, FAILED")
	require.NoError(t, err)
	assert.Equal(t, []model.JobStatus{model.JobStatusCompleted, model.JobStatusFailed}, got)

	got, err = parseStatuses("")
	require.NoError(t, err)
	assert.Nil(t, got)

	_, err = parseStatuses("DONE")
	assert.Error(t, err)
}

func TestTruncateID(t *testing.T) {
	assert.Equal(t, "abc12345", truncateID("abc12345-6789"))
	assert.Equal(t, "short", truncateID("short"))
}
