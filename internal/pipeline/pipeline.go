// Package pipeline runs bulk jobs through the analyze and structure batch
// stages and ingestion. Every state change is a compare-and-set transition in
// the store, so any process can resume a job from its persisted status.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/candidate-pipeline/internal/batch"
	"github.com/sells-group/candidate-pipeline/internal/config"
	"github.com/sells-group/candidate-pipeline/internal/cost"
	"github.com/sells-group/candidate-pipeline/internal/estimate"
	"github.com/sells-group/candidate-pipeline/internal/ingest"
	"github.com/sells-group/candidate-pipeline/internal/model"
	"github.com/sells-group/candidate-pipeline/internal/store"
)

// Options configures a Pipeline.
type Options struct {
	PrimaryModel    string
	FallbackModel   string
	Limits          AdmissionLimits
	RowCap          int
	MaxOutputTokens int

	PollInterval time.Duration
	PollTimeout  time.Duration
	PollRPS      int

	// MaxPollsPerAdvance bounds provider polls per Advance call. Zero blocks
	// until the provider job finishes or the poll budget is spent.
	MaxPollsPerAdvance int

	// Mock walks every job through all transitions without a provider.
	Mock bool

	Rates cost.Rates
}

// OptionsFromConfig builds Options from application config.
func OptionsFromConfig(cfg *config.Config) Options {
	rates := cost.Rates{}
	for _, m := range cfg.Pricing.Models {
		rates[m.Model] = cost.ModelRate{Input: m.Input, Output: m.Output, BatchDiscount: m.BatchDiscount}
	}
	return Options{
		PrimaryModel:    cfg.Models.Primary,
		FallbackModel:   cfg.Models.Fallback,
		Limits:          AdmissionLimits{MaxActiveJobs: cfg.Admission.MaxActiveJobs, MaxActiveTokens: cfg.Admission.MaxActiveTokens},
		RowCap:          cfg.RowCap(),
		MaxOutputTokens: cfg.Batch.MaxOutputTokens,
		PollInterval:    cfg.Batch.PollInterval(),
		PollTimeout:     cfg.Batch.PollTimeout(),
		PollRPS:         cfg.Batch.PollRPS,
		Mock:            !cfg.Provider.Enabled,
		Rates:           rates,
	}
}

// Pipeline orchestrates bulk jobs.
type Pipeline struct {
	opts      Options
	store     store.Store
	transport *batch.Transport
	ingester  ingest.Ingester
	preparer  *Preparer
	costCalc  *cost.Calculator
	limiter   *rate.Limiter
	now       func() time.Time
}

// New creates a Pipeline. transport may be nil when opts.Mock is set.
func New(st store.Store, transport *batch.Transport, ing ingest.Ingester, opts Options) *Pipeline {
	var lim *rate.Limiter
	if opts.PollRPS > 0 {
		lim = rate.NewLimiter(rate.Limit(opts.PollRPS), opts.PollRPS)
	}
	return &Pipeline{
		opts:      opts,
		store:     st,
		transport: transport,
		ingester:  ing,
		preparer:  NewPreparer(opts.RowCap),
		costCalc:  cost.NewCalculator(cost.DefaultRates().Merge(opts.Rates)),
		limiter:   lim,
		now:       time.Now,
	}
}

// SubmitRequest is the input of Submit.
type SubmitRequest struct {
	Groups          []model.RawGroup `json:"groups"`
	DisplayName     string           `json:"display_name,omitempty"`
	UploadedBy      string           `json:"uploaded_by,omitempty"`
	ForceHidden     bool             `json:"force_hidden,omitempty"`
	Notes           string           `json:"notes,omitempty"`
	AnalyzePrompt   string           `json:"analyze_prompt,omitempty"`
	StructurePrompt string           `json:"structure_prompt,omitempty"`
	Schema          json.RawMessage  `json:"schema,omitempty"`
	RowLimit        int              `json:"row_limit,omitempty"`
}

// SubmitResult is returned by Submit.
type SubmitResult struct {
	JobID          string           `json:"job_id"`
	Status         model.JobStatus  `json:"status"`
	AnalyzeJobName string           `json:"analyze_job_name,omitempty"`
	AnalyzeMode    model.SubmitMode `json:"analyze_mode,omitempty"`
	TokenEstimate  int64            `json:"token_estimate"`
	GroupCount     int              `json:"group_count"`
	Schema         json.RawMessage  `json:"schema"`
	DisplayName    string           `json:"display_name"`
}

// Submit validates and prepares the groups, admits and persists the job, and
// submits the analyze stage. Errors are *Error values: invalid input and
// admission rejections leave nothing behind; a submission failure leaves the
// job FAILED.
func (p *Pipeline) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	if len(req.Groups) == 0 {
		return nil, newError(KindInvalidInput, "at least one group is required", nil)
	}
	schema := req.Schema
	if len(strings.TrimSpace(string(schema))) == 0 {
		schema = DefaultSchema
	}
	if _, err := CompileSchema(schema); err != nil {
		return nil, newError(KindInvalidInput, "schema is not a valid JSON Schema", err)
	}

	groups := p.preparer.Prepare(req.Groups, req.RowLimit)

	prompts := make([]string, len(groups))
	for i := range groups {
		text, err := AnalyzePrompt(req.AnalyzePrompt, &groups[i])
		if err != nil {
			return nil, newError(KindInvalidInput, fmt.Sprintf("group %s cannot be rendered", groups[i].Key), err)
		}
		prompts[i] = text
	}
	est := estimate.Requests(prompts)

	now := p.now().UTC()
	job := &model.Job{
		DisplayName:     strings.TrimSpace(req.DisplayName),
		Status:          model.JobStatusPendingAnalyze,
		UploadedBy:      req.UploadedBy,
		ForceHidden:     req.ForceHidden,
		Notes:           req.Notes,
		AnalyzePrompt:   req.AnalyzePrompt,
		StructurePrompt: req.StructurePrompt,
		Schema:          schema,
		EstimatedTokens: est.Total,
	}
	if job.DisplayName == "" {
		job.DisplayName = "Bulk job " + now.Format("2006-01-02 15:04:05")
	}
	for i := range groups {
		groups[i].TokenEstimate = est.PerRequest[i]
		job.TotalRows += groups[i].RowCount
	}

	if err := p.store.CreateJob(ctx, job, groups, p.opts.Limits.gate(est.Total)); err != nil {
		if pe, ok := AsError(err); ok {
			return nil, pe
		}
		if errors.Is(err, store.ErrDuplicateKey) {
			return nil, newError(KindInvalidInput, "group keys must be unique", err)
		}
		return nil, newError(KindSubmission, "could not create job", err)
	}

	log := zap.L().With(zap.String("job_id", job.ID), zap.String("stage", string(model.StageAnalyze)))
	log.Info("pipeline: job created",
		zap.Int("groups", len(groups)),
		zap.Int("rows", job.TotalRows),
		zap.Int64("estimated_tokens", est.Total),
	)

	if p.opts.Mock {
		if err := p.runMock(ctx, job, groups); err != nil {
			return nil, err
		}
		return p.submitResult(job), nil
	}

	reqs := make([]batch.Request, len(groups))
	keys := make([]string, len(groups))
	for i := range groups {
		reqs[i] = batch.Request{
			System:          analyzeSystem,
			Prompt:          prompts[i],
			MaxOutputTokens: p.opts.MaxOutputTokens,
		}
		keys[i] = groups[i].Key
	}
	p.logCostEstimate(log, est.Total, len(reqs))

	sub, err := batch.SubmitWithFallback(ctx, p.transport, p.opts.PrimaryModel, p.opts.FallbackModel,
		job.DisplayName+" (analyze)", reqs, keys)
	if err != nil {
		return nil, p.failJob(ctx, job, model.JobStatusPendingAnalyze, model.StageAnalyze, KindSubmission,
			"analyze submission failed for every model", err)
	}

	submittedAt := p.now().UTC()
	job.Status = model.JobStatusAnalyzeSubmitted
	job.Analyze = model.Stage{
		JobName:      sub.Handle.JobName,
		Mode:         sub.Handle.Mode,
		Model:        sub.ModelUsed,
		FallbackUsed: sub.FallbackUsed,
		SubmittedAt:  &submittedAt,
	}
	for i := range groups {
		groups[i].Status = model.GroupStatusAnalyzeSubmitted
	}
	if err := p.store.Transition(ctx, job, model.JobStatusPendingAnalyze, groups); err != nil {
		log.Error("pipeline: record analyze submission", zap.String("job_name", sub.Handle.JobName), zap.Error(err))
		return nil, newError(KindSubmission, "analyze batch submitted but the job could not be updated", err)
	}

	log.Info("pipeline: analyze submitted",
		zap.String("job_name", sub.Handle.JobName),
		zap.String("mode", string(sub.Handle.Mode)),
		zap.String("model", sub.ModelUsed),
		zap.Bool("fallback_used", sub.FallbackUsed),
	)
	return p.submitResult(job), nil
}

func (p *Pipeline) submitResult(job *model.Job) *SubmitResult {
	return &SubmitResult{
		JobID:          job.ID,
		Status:         job.Status,
		AnalyzeJobName: job.Analyze.JobName,
		AnalyzeMode:    job.Analyze.Mode,
		TokenEstimate:  job.EstimatedTokens,
		GroupCount:     job.GroupCount,
		Schema:         job.Schema,
		DisplayName:    job.DisplayName,
	}
}

func (p *Pipeline) logCostEstimate(log *zap.Logger, inputTokens int64, requests int) {
	if !p.costCalc.Known(p.opts.PrimaryModel) {
		return
	}
	log.Info("pipeline: estimated batch cost",
		zap.String("model", p.opts.PrimaryModel),
		zap.Float64("usd", p.costCalc.EstimateBatch(p.opts.PrimaryModel, inputTokens, requests, p.opts.MaxOutputTokens)),
	)
}

// failJob moves job from status from to FAILED with message recorded on the
// stage, and returns the classified error.
func (p *Pipeline) failJob(ctx context.Context, job *model.Job, from model.JobStatus, stage model.StageName, kind Kind, message string, cause error) error {
	now := p.now().UTC()
	job.Status = model.JobStatusFailed
	job.ProcessedAt = &now
	diag := message
	if cause != nil {
		diag = message + ": " + cause.Error()
	}
	if stage == "" {
		job.IngestError = diag
	} else {
		job.StageFor(stage).Error = diag
	}

	zap.L().Error("pipeline: job failed",
		zap.String("job_id", job.ID),
		zap.String("stage", string(stage)),
		zap.String("kind", string(kind)),
		zap.Error(cause),
	)

	pe := newError(kind, message, cause)
	if err := p.store.Transition(ctx, job, from, nil); err != nil {
		return errors.Join(pe, eris.Wrapf(err, "pipeline: mark job %s failed", job.ID))
	}
	return pe
}

// FailStale fails jobs left in PENDING_ANALYZE for longer than olderThan so
// they stop counting against admission.
func (p *Pipeline) FailStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := p.now().UTC().Add(-olderThan)
	n, err := p.store.FailStalePending(ctx, cutoff,
		fmt.Sprintf("analyze was not submitted within %s", olderThan))
	if err != nil {
		return 0, eris.Wrap(err, "pipeline: fail stale jobs")
	}
	if n > 0 {
		zap.L().Warn("pipeline: failed stale pending jobs", zap.Int64("count", n))
	}
	return n, nil
}
