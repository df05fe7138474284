package pipeline

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/candidate-pipeline/internal/model"
)

func TestAdmit(t *testing.T) {
	limits := AdmissionLimits{MaxActiveJobs: 3, MaxActiveTokens: 1000}

	tests := []struct {
		name      string
		usage     model.ActiveUsage
		candidate int64
		wantErr   string
	}{
		{"idle", model.ActiveUsage{}, 500, ""},
		{"exactly at token limit", model.ActiveUsage{Jobs: 2, Tokens: 600}, 400, ""},
		{"job count reached", model.ActiveUsage{Jobs: 3, Tokens: 0}, 1, "too many active jobs"},
		{"tokens exceeded with room for jobs", model.ActiveUsage{Jobs: 0, Tokens: 900}, 101, "token budget exceeded"},
		{"single job over budget", model.ActiveUsage{}, 1001, "token budget exceeded"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Admit(tt.usage, tt.candidate, limits)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
			assert.Equal(t, KindAdmission, KindOf(err))
		})
	}
}

func TestAdmissionGate(t *testing.T) {
	gate := AdmissionLimits{MaxActiveJobs: 1, MaxActiveTokens: 100}.gate(50)
	assert.NoError(t, gate(model.ActiveUsage{Tokens: 50}))
	assert.Error(t, gate(model.ActiveUsage{Tokens: 51}))
	assert.Error(t, gate(model.ActiveUsage{Jobs: 1}))
}

func TestError_HTTPStatus(t *testing.T) {
	tests := []struct {
		kind Kind
		want int
	}{
		{KindInvalidInput, http.StatusBadRequest},
		{KindAdmission, http.StatusTooManyRequests},
		{KindSubmission, http.StatusInternalServerError},
		{KindPollTimeout, http.StatusInternalServerError},
		{KindIngestion, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			assert.Equal(t, tt.want, newError(tt.kind, "x", nil).HTTPStatus())
		})
	}
}

func TestError_Unwrap(t *testing.T) {
	cause := assert.AnError
	err := newError(KindSubmission, "submit failed", cause)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "submit failed: "+cause.Error(), err.Error())
	assert.Equal(t, Kind(""), KindOf(cause))
}
