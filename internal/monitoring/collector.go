package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/candidate-pipeline/internal/config"
	"github.com/sells-group/candidate-pipeline/internal/cost"
	"github.com/sells-group/candidate-pipeline/internal/model"
	"github.com/sells-group/candidate-pipeline/internal/store"
)

const pageSize = 500

// MetricsSnapshot holds a point-in-time view of bulk job health.
type MetricsSnapshot struct {
	// Jobs created within the lookback window.
	JobsTotal        int     `json:"jobs_total"`
	JobsCompleted    int     `json:"jobs_completed"`
	JobsFailed       int     `json:"jobs_failed"`
	JobsActive       int     `json:"jobs_active"`
	JobsFailRate     float64 `json:"jobs_fail_rate"`
	FallbackJobs     int     `json:"fallback_jobs"`
	GroupsTotal      int     `json:"groups_total"`
	EstimatedTokens  int64   `json:"estimated_tokens"`
	EstimatedCostUSD float64 `json:"estimated_cost_usd"`

	// Live admission usage against the configured ceilings.
	ActiveJobs      int     `json:"active_jobs"`
	ActiveTokens    int64   `json:"active_tokens"`
	JobSaturation   float64 `json:"job_saturation"`
	TokenSaturation float64 `json:"token_saturation"`

	// Jobs left in INGEST_RUNNING longer than the stuck threshold. These need
	// an operator; the worker never retries ingestion on its own.
	StuckIngest []string `json:"stuck_ingest,omitempty"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// JobSource is the subset of the store the collector reads.
type JobSource interface {
	ListJobs(ctx context.Context, filter store.JobFilter) ([]model.Job, error)
	ActiveUsage(ctx context.Context) (model.ActiveUsage, error)
}

// Collector gathers job metrics from the store.
type Collector struct {
	jobs       JobSource
	calc       *cost.Calculator
	limits     config.AdmissionConfig
	stuckAfter time.Duration
	now        func() time.Time
}

// NewCollector creates a new metrics collector. A nil calc skips cost
// estimation.
func NewCollector(jobs JobSource, calc *cost.Calculator, limits config.AdmissionConfig, stuckAfter time.Duration) *Collector {
	if calc == nil {
		calc = cost.NewCalculator(nil)
	}
	return &Collector{
		jobs:       jobs,
		calc:       calc,
		limits:     limits,
		stuckAfter: stuckAfter,
		now:        time.Now,
	}
}

// Collect gathers a snapshot over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := c.now().UTC()
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}
	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	// Jobs are listed newest first, so paging stops at the first job older
	// than the window.
	for offset := 0; ; offset += pageSize {
		page, err := c.jobs.ListJobs(ctx, store.JobFilter{Limit: pageSize, Offset: offset})
		if err != nil {
			return nil, eris.Wrap(err, "monitoring: list jobs")
		}
		done := len(page) < pageSize
		for i := range page {
			if page[i].CreatedAt.Before(cutoff) {
				done = true
				break
			}
			c.count(snap, &page[i])
		}
		if done {
			break
		}
	}

	if finished := snap.JobsCompleted + snap.JobsFailed; finished > 0 {
		snap.JobsFailRate = float64(snap.JobsFailed) / float64(finished)
	}

	usage, err := c.jobs.ActiveUsage(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: active usage")
	}
	snap.ActiveJobs = usage.Jobs
	snap.ActiveTokens = usage.Tokens
	if c.limits.MaxActiveJobs > 0 {
		snap.JobSaturation = float64(usage.Jobs) / float64(c.limits.MaxActiveJobs)
	}
	if c.limits.MaxActiveTokens > 0 {
		snap.TokenSaturation = float64(usage.Tokens) / float64(c.limits.MaxActiveTokens)
	}

	if c.stuckAfter > 0 {
		running, err := c.jobs.ListJobs(ctx, store.JobFilter{
			Statuses: []model.JobStatus{model.JobStatusIngestRunning},
			Limit:    pageSize,
		})
		if err != nil {
			return nil, eris.Wrap(err, "monitoring: list ingesting jobs")
		}
		for _, j := range running {
			started := j.UpdatedAt
			if j.IngestStartedAt != nil {
				started = *j.IngestStartedAt
			}
			if now.Sub(started) > c.stuckAfter {
				snap.StuckIngest = append(snap.StuckIngest, j.ID)
			}
		}
	}

	return snap, nil
}

func (c *Collector) count(snap *MetricsSnapshot, j *model.Job) {
	snap.JobsTotal++
	switch {
	case j.Status == model.JobStatusCompleted:
		snap.JobsCompleted++
	case j.Status == model.JobStatusFailed:
		snap.JobsFailed++
	case j.Status.IsActive():
		snap.JobsActive++
	}
	if j.Analyze.FallbackUsed || j.Structure.FallbackUsed {
		snap.FallbackJobs++
	}
	snap.GroupsTotal += j.GroupCount
	snap.EstimatedTokens += j.EstimatedTokens
	// Input side of the analyze stage only; output volume is unknown until
	// results arrive.
	snap.EstimatedCostUSD += c.calc.Tokens(j.Analyze.Model, true, j.EstimatedTokens, 0)
}
