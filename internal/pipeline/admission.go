package pipeline

import (
	"fmt"

	"github.com/sells-group/candidate-pipeline/internal/model"
)

// AdmissionLimits are the global ceilings over active jobs.
type AdmissionLimits struct {
	MaxActiveJobs   int
	MaxActiveTokens int64
}

// Admit decides whether a job estimated at candidateTokens may start given
// the current usage. The job count and token budget are checked
// independently; either one rejects.
func Admit(usage model.ActiveUsage, candidateTokens int64, limits AdmissionLimits) error {
	if usage.Jobs >= limits.MaxActiveJobs {
		return newError(KindAdmission,
			fmt.Sprintf("too many active jobs (%d of %d); retry later", usage.Jobs, limits.MaxActiveJobs), nil)
	}
	if usage.Tokens+candidateTokens > limits.MaxActiveTokens {
		return newError(KindAdmission,
			fmt.Sprintf("token budget exceeded (%d active + %d requested > %d); retry later",
				usage.Tokens, candidateTokens, limits.MaxActiveTokens), nil)
	}
	return nil
}

// gate adapts Admit to the store's transactional admission hook.
func (l AdmissionLimits) gate(candidateTokens int64) func(model.ActiveUsage) error {
	return func(usage model.ActiveUsage) error {
		return Admit(usage, candidateTokens, l)
	}
}
