// Package estimate provides conservative LLM token estimates used for
// admission control and job bookkeeping.
package estimate

import "math"

const (
	// CharsPerToken is the average number of bytes per token assumed by the
	// heuristic. Real tokenizers average closer to 4 for English prose.
	CharsPerToken = 4.0

	// SafetyFactor inflates the raw estimate so accounting errs high.
	SafetyFactor = 1.15

	// MinTokensPerRequest is the floor applied to every request so empty
	// prompts still reserve budget.
	MinTokensPerRequest int64 = 16
)

// Estimate holds per-request token estimates and their exact sum.
type Estimate struct {
	PerRequest []int64 `json:"per_request"`
	Total      int64   `json:"total"`
}

// Tokens estimates the token cost of a single rendered prompt. The result is
// monotonic in len(text) and never below MinTokensPerRequest.
func Tokens(text string) int64 {
	n := int64(math.Ceil(float64(len(text)) / CharsPerToken * SafetyFactor))
	if n < MinTokensPerRequest {
		return MinTokensPerRequest
	}
	return n
}

// Requests estimates every rendered prompt in texts.
func Requests(texts []string) Estimate {
	est := Estimate{PerRequest: make([]int64, len(texts))}
	for i, t := range texts {
		n := Tokens(t)
		est.PerRequest[i] = n
		est.Total += n
	}
	return est
}
