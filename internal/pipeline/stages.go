package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/candidate-pipeline/internal/batch"
	"github.com/sells-group/candidate-pipeline/internal/ingest"
	"github.com/sells-group/candidate-pipeline/internal/model"
	"github.com/sells-group/candidate-pipeline/internal/store"
)

// step advances a job loaded in a known status. It reports whether the job
// made progress that the next step can build on.
type step func(ctx context.Context, job *model.Job) (bool, error)

// Advance drives job as far as it can go without waiting: it polls pending
// provider jobs, submits the structure stage and ingests. It returns the job
// as last persisted.
func (p *Pipeline) Advance(ctx context.Context, jobID string) (*model.Job, error) {
	for {
		job, err := p.store.GetJob(ctx, jobID)
		if err != nil {
			return nil, eris.Wrapf(err, "pipeline: load job %s", jobID)
		}
		next := p.stepFor(job)
		if next == nil {
			return job, nil
		}
		moved, err := next(ctx, job)
		if err != nil {
			if errors.Is(err, store.ErrStaleTransition) {
				zap.L().Info("pipeline: job advanced elsewhere", zap.String("job_id", jobID))
				return p.store.GetJob(ctx, jobID)
			}
			return job, err
		}
		if !moved {
			return job, nil
		}
	}
}

// stepFor picks the step for job. An ANALYZE_SUBMITTED job whose analyze
// stage is completed is waiting for its structure submission.
func (p *Pipeline) stepFor(job *model.Job) step {
	switch job.Status {
	case model.JobStatusAnalyzeSubmitted:
		if job.AnalyzeReconciled() {
			return p.submitStructure
		}
		return p.advanceAnalyze
	case model.JobStatusStructureSubmitted:
		return p.advanceStructure
	case model.JobStatusStructureCompleted:
		return p.queueIngest
	case model.JobStatusIngestPending:
		return p.ingest
	}
	return nil
}

// AdvanceAnalyze checks the analyze batch of an ANALYZE_SUBMITTED job and
// records its results once the provider job finished.
func (p *Pipeline) AdvanceAnalyze(ctx context.Context, jobID string) error {
	return p.runStep(ctx, jobID, model.JobStatusAnalyzeSubmitted, false, p.advanceAnalyze)
}

// SubmitStructure submits the structure batch for an ANALYZE_SUBMITTED job
// whose analyze results are recorded.
func (p *Pipeline) SubmitStructure(ctx context.Context, jobID string) error {
	return p.runStep(ctx, jobID, model.JobStatusAnalyzeSubmitted, true, p.submitStructure)
}

// AdvanceStructure checks the structure batch of a STRUCTURE_SUBMITTED job
// and validates its output once the provider job finished.
func (p *Pipeline) AdvanceStructure(ctx context.Context, jobID string) error {
	return p.runStep(ctx, jobID, model.JobStatusStructureSubmitted, false, p.advanceStructure)
}

// Ingest writes candidate records for every structured group of an
// INGEST_PENDING job.
func (p *Pipeline) Ingest(ctx context.Context, jobID string) error {
	return p.runStep(ctx, jobID, model.JobStatusIngestPending, false, p.ingest)
}

// runStep loads the job and runs fn when the job is in status want. reconciled
// must match AnalyzeReconciled for the ANALYZE_SUBMITTED steps.
func (p *Pipeline) runStep(ctx context.Context, jobID string, want model.JobStatus, reconciled bool, fn step) error {
	job, err := p.store.GetJob(ctx, jobID)
	if err != nil {
		return eris.Wrapf(err, "pipeline: load job %s", jobID)
	}
	if job.Status != want {
		return eris.Wrapf(store.ErrStaleTransition, "pipeline: job %s is %s, not %s", jobID, job.Status, want)
	}
	if want == model.JobStatusAnalyzeSubmitted && job.AnalyzeReconciled() != reconciled {
		return eris.Wrapf(store.ErrStaleTransition, "pipeline: job %s analyze results recorded=%t", jobID, job.AnalyzeReconciled())
	}
	_, err = fn(ctx, job)
	return err
}

func (p *Pipeline) pollOptions(stage model.Stage) []batch.PollOption {
	opts := []batch.PollOption{
		batch.WithInterval(p.opts.PollInterval),
		batch.WithTimeout(p.opts.PollTimeout),
		batch.WithLimiter(p.limiter),
		batch.WithMaxPolls(p.opts.MaxPollsPerAdvance),
	}
	if stage.SubmittedAt != nil {
		opts = append(opts, batch.WithStartedAt(*stage.SubmittedAt))
	}
	return opts
}

// await polls the stage's provider job. A nil job with a nil error means the
// provider job is still running. Poll timeouts and provider failures fail the
// local job; transport errors are returned without a state change so the next
// advance retries.
func (p *Pipeline) await(ctx context.Context, job *model.Job, name model.StageName) (*batch.ProviderJob, error) {
	if p.transport == nil {
		return nil, newError(KindSubmission, "no batch provider configured", nil)
	}
	stage := job.StageFor(name)
	pj, err := batch.AwaitCompletion(ctx, p.transport.Provider(), stage.JobName, p.pollOptions(*stage)...)
	switch {
	case err == nil:
		return pj, nil
	case errors.Is(err, batch.ErrNotFinished):
		return nil, nil
	case batch.IsTimeout(err):
		return nil, p.failJob(ctx, job, job.Status, name, KindPollTimeout,
			fmt.Sprintf("%s batch timed out", name), err)
	case batch.IsJobFailed(err):
		return nil, p.failJob(ctx, job, job.Status, name, KindProviderFailed,
			fmt.Sprintf("%s batch failed at the provider", name), err)
	}
	return nil, eris.Wrapf(err, "pipeline: poll %s batch for job %s", name, job.ID)
}

// groupsIn returns the groups in status s, preserving order, with their keys.
func groupsIn(groups []model.Group, s model.GroupStatus) ([]model.Group, []string) {
	var out []model.Group
	var keys []string
	for _, g := range groups {
		if g.Status == s {
			out = append(out, g)
			keys = append(keys, g.Key)
		}
	}
	return out, keys
}

func missingResult(key string) string {
	return "no result returned for key " + key
}

func (p *Pipeline) advanceAnalyze(ctx context.Context, job *model.Job) (bool, error) {
	pj, err := p.await(ctx, job, model.StageAnalyze)
	if err != nil || pj == nil {
		return false, err
	}

	all, err := p.store.ListGroups(ctx, job.ID)
	if err != nil {
		return false, eris.Wrapf(err, "pipeline: list groups for job %s", job.ID)
	}
	groups, keys := groupsIn(all, model.GroupStatusAnalyzeSubmitted)

	results, err := batch.Reconcile(ctx, p.transport.Provider(), pj, job.Analyze.Mode, keys, nil)
	if err != nil {
		return false, eris.Wrapf(err, "pipeline: reconcile analyze results for job %s", job.ID)
	}

	succeeded := 0
	for i := range groups {
		r := results[i]
		switch {
		case r.Text != "":
			groups[i].AnalyzeText = r.Text
			groups[i].Status = model.GroupStatusAnalyzeCompleted
			succeeded++
		case r.Error != "":
			groups[i].AnalyzeError = r.Error
			groups[i].Status = model.GroupStatusAnalyzeFailed
		default:
			groups[i].AnalyzeError = missingResult(groups[i].Key)
			groups[i].Status = model.GroupStatusAnalyzeFailed
		}
	}

	// The job stays ANALYZE_SUBMITTED; the completed analyze stage marks it
	// ready for the structure submission. Failed groups only fail the job
	// when none survive.
	now := p.now().UTC()
	job.Analyze.CompletedAt = &now
	from := job.Status
	if succeeded == 0 {
		job.Status = model.JobStatusFailed
		job.Analyze.Error = "no group produced analyze output"
		job.ProcessedAt = &now
	}
	if err := p.store.Transition(ctx, job, from, groups); err != nil {
		return false, eris.Wrapf(err, "pipeline: record analyze results for job %s", job.ID)
	}

	zap.L().Info("pipeline: analyze completed",
		zap.String("job_id", job.ID),
		zap.Int("succeeded", succeeded),
		zap.Int("failed", len(groups)-succeeded),
	)
	if succeeded == 0 {
		return false, newError(KindReconcile, job.Analyze.Error, nil)
	}
	return true, nil
}

func (p *Pipeline) submitStructure(ctx context.Context, job *model.Job) (bool, error) {
	if p.transport == nil {
		return false, newError(KindSubmission, "no batch provider configured", nil)
	}
	all, err := p.store.ListGroups(ctx, job.ID)
	if err != nil {
		return false, eris.Wrapf(err, "pipeline: list groups for job %s", job.ID)
	}
	groups, keys := groupsIn(all, model.GroupStatusAnalyzeCompleted)
	if len(groups) == 0 {
		return false, p.failJob(ctx, job, job.Status, model.StageStructure, KindSubmission,
			"no analyzed group to structure", nil)
	}

	schema := job.Schema
	if len(schema) == 0 {
		schema = DefaultSchema
	}
	reqs := make([]batch.Request, len(groups))
	for i := range groups {
		reqs[i] = batch.Request{
			System:          structureSystem,
			Prompt:          StructurePrompt(job.StructurePrompt, &groups[i]),
			MaxOutputTokens: p.opts.MaxOutputTokens,
			ResponseSchema:  schema,
		}
	}

	sub, err := batch.SubmitWithFallback(ctx, p.transport, p.opts.PrimaryModel, p.opts.FallbackModel,
		job.DisplayName+" (structure)", reqs, keys)
	if err != nil {
		return false, p.failJob(ctx, job, job.Status, model.StageStructure, KindSubmission,
			"structure submission failed for every model", err)
	}

	submittedAt := p.now().UTC()
	from := job.Status
	job.Status = model.JobStatusStructureSubmitted
	job.Structure = model.Stage{
		JobName:      sub.Handle.JobName,
		Mode:         sub.Handle.Mode,
		Model:        sub.ModelUsed,
		FallbackUsed: sub.FallbackUsed,
		SubmittedAt:  &submittedAt,
	}
	for i := range groups {
		groups[i].Status = model.GroupStatusStructureSubmitted
	}
	if err := p.store.Transition(ctx, job, from, groups); err != nil {
		zap.L().Error("pipeline: record structure submission",
			zap.String("job_id", job.ID), zap.String("job_name", sub.Handle.JobName), zap.Error(err))
		return false, eris.Wrapf(err, "pipeline: record structure submission for job %s", job.ID)
	}

	zap.L().Info("pipeline: structure submitted",
		zap.String("job_id", job.ID),
		zap.String("job_name", sub.Handle.JobName),
		zap.String("mode", string(sub.Handle.Mode)),
		zap.String("model", sub.ModelUsed),
		zap.Int("groups", len(groups)),
	)
	return true, nil
}

func (p *Pipeline) advanceStructure(ctx context.Context, job *model.Job) (bool, error) {
	pj, err := p.await(ctx, job, model.StageStructure)
	if err != nil || pj == nil {
		return false, err
	}

	sch, err := CompileSchema(job.Schema)
	if err != nil {
		return false, p.failJob(ctx, job, job.Status, model.StageStructure, KindReconcile,
			"stored schema does not compile", err)
	}

	all, err := p.store.ListGroups(ctx, job.ID)
	if err != nil {
		return false, eris.Wrapf(err, "pipeline: list groups for job %s", job.ID)
	}
	groups, keys := groupsIn(all, model.GroupStatusStructureSubmitted)

	results, err := batch.Reconcile(ctx, p.transport.Provider(), pj, job.Structure.Mode, keys, nil)
	if err != nil {
		return false, eris.Wrapf(err, "pipeline: reconcile structure results for job %s", job.ID)
	}

	succeeded := 0
	for i := range groups {
		r := results[i]
		groups[i].StructureText = r.Text
		switch {
		case r.Text != "":
			doc, perr := ParseStructured(r.Text, sch)
			if perr != nil {
				groups[i].StructureError = perr.Error()
				groups[i].Status = model.GroupStatusStructureFailed
				continue
			}
			groups[i].Structured = doc
			groups[i].Status = model.GroupStatusStructureCompleted
			succeeded++
		case r.Error != "":
			groups[i].StructureError = r.Error
			groups[i].Status = model.GroupStatusStructureFailed
		default:
			groups[i].StructureError = missingResult(groups[i].Key)
			groups[i].Status = model.GroupStatusStructureFailed
		}
	}

	// With no valid document there is nothing to ingest.
	now := p.now().UTC()
	job.Structure.CompletedAt = &now
	from := job.Status
	if succeeded == 0 {
		job.Status = model.JobStatusFailed
		job.Structure.Error = "no group produced valid structured output"
		job.ProcessedAt = &now
	} else {
		job.Status = model.JobStatusStructureCompleted
	}
	if err := p.store.Transition(ctx, job, from, groups); err != nil {
		return false, eris.Wrapf(err, "pipeline: record structure results for job %s", job.ID)
	}

	zap.L().Info("pipeline: structure completed",
		zap.String("job_id", job.ID),
		zap.Int("succeeded", succeeded),
		zap.Int("failed", len(groups)-succeeded),
	)
	if succeeded == 0 {
		return false, newError(KindReconcile, job.Structure.Error, nil)
	}
	return true, nil
}

func (p *Pipeline) queueIngest(ctx context.Context, job *model.Job) (bool, error) {
	job.Status = model.JobStatusIngestPending
	if err := p.store.Transition(ctx, job, model.JobStatusStructureCompleted, nil); err != nil {
		return false, eris.Wrapf(err, "pipeline: queue ingestion for job %s", job.ID)
	}
	return true, nil
}

func (p *Pipeline) ingest(ctx context.Context, job *model.Job) (bool, error) {
	started := p.now().UTC()
	job.Status = model.JobStatusIngestRunning
	job.IngestStartedAt = &started
	if err := p.store.Transition(ctx, job, model.JobStatusIngestPending, nil); err != nil {
		return false, eris.Wrapf(err, "pipeline: start ingestion for job %s", job.ID)
	}

	all, err := p.store.ListGroups(ctx, job.ID)
	if err != nil {
		return false, p.failJob(ctx, job, job.Status, "", KindIngestion, "could not load groups", err)
	}
	groups, _ := groupsIn(all, model.GroupStatusStructureCompleted)

	records := 0
	for i := range groups {
		n, err := p.ingester.Ingest(ctx, job, &groups[i])
		switch {
		case err == nil:
			groups[i].RecordsCreated = n
			groups[i].Status = model.GroupStatusIngestCompleted
			records += n
		case errors.Is(err, ingest.ErrInvalidStructured):
			groups[i].IngestError = err.Error()
			groups[i].Status = model.GroupStatusIngestFailed
			zap.L().Warn("pipeline: group not ingested",
				zap.String("job_id", job.ID), zap.String("group", groups[i].Key), zap.Error(err))
		default:
			return false, p.failIngest(ctx, job, groups[:i], err)
		}
	}

	now := p.now().UTC()
	job.Status = model.JobStatusCompleted
	job.ProcessedAt = &now
	if err := p.store.Transition(ctx, job, model.JobStatusIngestRunning, groups); err != nil {
		return false, eris.Wrapf(err, "pipeline: complete job %s", job.ID)
	}

	zap.L().Info("pipeline: job completed",
		zap.String("job_id", job.ID),
		zap.Int("records", records),
		zap.Duration("ingest_duration", now.Sub(started).Round(time.Millisecond)),
	)
	return true, nil
}

// failIngest fails the job after a job-scoped ingestion error, keeping the
// group outcomes recorded so far.
func (p *Pipeline) failIngest(ctx context.Context, job *model.Job, done []model.Group, cause error) error {
	now := p.now().UTC()
	job.Status = model.JobStatusFailed
	job.ProcessedAt = &now
	job.IngestError = "ingestion failed: " + cause.Error()

	zap.L().Error("pipeline: ingestion failed", zap.String("job_id", job.ID), zap.Error(cause))

	pe := newError(KindIngestion, "ingestion failed", cause)
	if err := p.store.Transition(ctx, job, model.JobStatusIngestRunning, done); err != nil {
		return errors.Join(pe, eris.Wrapf(err, "pipeline: mark job %s failed", job.ID))
	}
	return pe
}
