// Package worker advances in-flight bulk jobs on a fixed tick.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/candidate-pipeline/internal/model"
	"github.com/sells-group/candidate-pipeline/internal/pipeline"
	"github.com/sells-group/candidate-pipeline/internal/store"
)

// WorkableStatuses are the job statuses a tick picks up. PENDING_ANALYZE is
// owned by the submitter and INGEST_RUNNING by the ingesting worker.
var WorkableStatuses = []model.JobStatus{
	model.JobStatusAnalyzeSubmitted,
	model.JobStatusStructureSubmitted,
	model.JobStatusStructureCompleted,
	model.JobStatusIngestPending,
}

// Advancer moves jobs forward.
type Advancer interface {
	Advance(ctx context.Context, jobID string) (*model.Job, error)
	FailStale(ctx context.Context, olderThan time.Duration) (int64, error)
}

// JobLister lists persisted jobs.
type JobLister interface {
	ListJobs(ctx context.Context, filter store.JobFilter) ([]model.Job, error)
}

// Options configures a Worker.
type Options struct {
	TickInterval time.Duration
	Concurrency  int
	// StaleAfter fails PENDING_ANALYZE jobs older than this on every tick.
	// Zero disables the reaper.
	StaleAfter time.Duration
	// BatchSize caps the jobs listed per tick.
	BatchSize int
}

// Stats summarizes one tick.
type Stats struct {
	Listed   int
	Started  int
	InFlight int
	Deferred int
	Reaped   int64
}

// Worker polls the store for workable jobs and advances each on its own
// goroutine, never running the same job twice at once.
type Worker struct {
	adv  Advancer
	jobs JobLister
	opts Options

	mu       sync.Mutex
	inflight map[string]bool
}

// New creates a Worker.
func New(adv Advancer, jobs JobLister, opts Options) *Worker {
	if opts.TickInterval <= 0 {
		opts.TickInterval = 30 * time.Second
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 200
	}
	return &Worker{adv: adv, jobs: jobs, opts: opts, inflight: make(map[string]bool)}
}

// RunOnce runs a single tick and waits for every job it started.
func (w *Worker) RunOnce(ctx context.Context) (Stats, error) {
	var g errgroup.Group
	g.SetLimit(w.opts.Concurrency)
	stats, err := w.tick(ctx, func(f func() error) bool {
		g.Go(f)
		return true
	})
	_ = g.Wait()
	return stats, err
}

// Run ticks until ctx is cancelled. Jobs still advancing when a tick fires
// are skipped; when every slot is busy the remaining jobs wait for the next
// tick.
func (w *Worker) Run(ctx context.Context) error {
	var g errgroup.Group
	g.SetLimit(w.opts.Concurrency)

	ticker := time.NewTicker(w.opts.TickInterval)
	defer ticker.Stop()

	zap.L().Info("worker: started",
		zap.Duration("tick", w.opts.TickInterval),
		zap.Int("concurrency", w.opts.Concurrency),
	)
	for {
		if _, err := w.tick(ctx, g.TryGo); err != nil && ctx.Err() == nil {
			zap.L().Error("worker: tick failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			_ = g.Wait()
			zap.L().Info("worker: stopped")
			return nil
		case <-ticker.C:
		}
	}
}

func (w *Worker) tick(ctx context.Context, launch func(func() error) bool) (Stats, error) {
	var stats Stats

	if w.opts.StaleAfter > 0 {
		n, err := w.adv.FailStale(ctx, w.opts.StaleAfter)
		if err != nil {
			zap.L().Warn("worker: stale reaper failed", zap.Error(err))
		}
		stats.Reaped = n
	}

	jobs, err := w.jobs.ListJobs(ctx, store.JobFilter{Statuses: WorkableStatuses, Limit: w.opts.BatchSize})
	if err != nil {
		return stats, eris.Wrap(err, "worker: list jobs")
	}
	stats.Listed = len(jobs)

	for _, j := range jobs {
		id := j.ID
		if !w.claim(id) {
			stats.InFlight++
			continue
		}
		started := launch(func() error {
			defer w.release(id)
			w.advance(ctx, id)
			return nil
		})
		if !started {
			w.release(id)
			stats.Deferred++
			continue
		}
		stats.Started++
	}

	if stats.Listed > 0 || stats.Reaped > 0 {
		zap.L().Debug("worker: tick",
			zap.Int("listed", stats.Listed),
			zap.Int("started", stats.Started),
			zap.Int("in_flight", stats.InFlight),
			zap.Int("deferred", stats.Deferred),
			zap.Int64("reaped", stats.Reaped),
		)
	}
	return stats, nil
}

func (w *Worker) advance(ctx context.Context, id string) {
	log := zap.L().With(zap.String("job_id", id))
	job, err := w.adv.Advance(ctx, id)
	if err != nil {
		log.Error("worker: advance failed",
			zap.String("kind", string(pipeline.KindOf(err))),
			zap.Error(err),
		)
		return
	}
	if job != nil && job.Status.IsTerminal() {
		log.Info("worker: job finished", zap.String("status", string(job.Status)))
	}
}

func (w *Worker) claim(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.inflight[id] {
		return false
	}
	w.inflight[id] = true
	return true
}

func (w *Worker) release(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.inflight, id)
}
