package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/candidate-pipeline/internal/resilience"
)

const (
	DefaultPollInterval = 30 * time.Second
	DefaultPollTimeout  = 24 * time.Hour
)

// ErrNotFinished is returned when the poll limit set by WithMaxPolls is
// reached before the job finished.
var ErrNotFinished = eris.New("batch: job not finished")

// TimeoutError is returned when a provider job does not finish within the
// poll budget.
type TimeoutError struct {
	JobName string
	Elapsed time.Duration
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("batch: job %s did not finish within %s (elapsed %s)",
		e.JobName, e.Timeout, e.Elapsed.Round(time.Second))
}

// IsTimeout reports whether err is a poll timeout.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// JobFailedError is returned when the provider job ends in a failure state.
type JobFailedError struct {
	JobName    string
	State      State
	Diagnostic string
}

func (e *JobFailedError) Error() string {
	return fmt.Sprintf("batch: job %s ended %s: %s", e.JobName, e.State, e.Diagnostic)
}

// IsJobFailed reports whether err is a terminal provider failure.
func IsJobFailed(err error) bool {
	var fe *JobFailedError
	return errors.As(err, &fe)
}

type pollConfig struct {
	interval  time.Duration
	timeout   time.Duration
	startedAt time.Time
	limiter   *rate.Limiter
	maxPolls  int
	retry     resilience.RetryConfig
	now       func() time.Time
}

// PollOption configures AwaitCompletion.
type PollOption func(*pollConfig)

// WithInterval sets the fixed delay between polls.
func WithInterval(d time.Duration) PollOption {
	return func(c *pollConfig) {
		if d > 0 {
			c.interval = d
		}
	}
}

// WithTimeout sets the total poll budget measured from the start time.
func WithTimeout(d time.Duration) PollOption {
	return func(c *pollConfig) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithStartedAt anchors the budget at t, typically the stage's submission
// time, so a resumed poller does not restart the clock.
func WithStartedAt(t time.Time) PollOption {
	return func(c *pollConfig) {
		if !t.IsZero() {
			c.startedAt = t
		}
	}
}

// WithMaxPolls stops after n unfinished snapshots with ErrNotFinished. Zero
// polls until the job finishes or the budget runs out.
func WithMaxPolls(n int) PollOption {
	return func(c *pollConfig) {
		c.maxPolls = n
	}
}

// WithLimiter throttles GetJob calls. Share one limiter across pollers to cap
// the aggregate request rate.
func WithLimiter(l *rate.Limiter) PollOption {
	return func(c *pollConfig) {
		c.limiter = l
	}
}

// WithRetry overrides the retry policy for transient GetJob errors.
func WithRetry(cfg resilience.RetryConfig) PollOption {
	return func(c *pollConfig) {
		c.retry = cfg
	}
}

// AwaitCompletion polls the provider until the named job reaches a terminal
// state. Success returns the final snapshot. A failed, cancelled or expired
// job returns *JobFailedError; exhausting the budget returns *TimeoutError.
func AwaitCompletion(ctx context.Context, p Provider, jobName string, opts ...PollOption) (*ProviderJob, error) {
	cfg := pollConfig{
		interval: DefaultPollInterval,
		timeout:  DefaultPollTimeout,
		retry:    resilience.ProviderRetryConfig(p.Name(), "get_job"),
		now:      time.Now,
	}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.startedAt.IsZero() {
		cfg.startedAt = cfg.now()
	}

	log := zap.L().With(zap.String("provider", p.Name()), zap.String("job_name", jobName))

	for polls := 1; ; polls++ {
		if cfg.limiter != nil {
			if err := cfg.limiter.Wait(ctx); err != nil {
				return nil, eris.Wrap(err, "batch: poll rate limit")
			}
		}

		job, err := resilience.DoVal(ctx, cfg.retry, func(ctx context.Context) (*ProviderJob, error) {
			return p.GetJob(ctx, jobName)
		})
		if err != nil {
			return nil, eris.Wrapf(err, "batch: get job %s", jobName)
		}

		switch job.State {
		case StateSucceeded:
			log.Info("batch: job succeeded", zap.Duration("elapsed", cfg.now().Sub(cfg.startedAt)))
			return job, nil
		case StateFailed, StateCancelled, StateExpired:
			return nil, &JobFailedError{JobName: jobName, State: job.State, Diagnostic: job.Diagnostic()}
		}

		// The provider is always asked first so a job that finished while
		// nobody was polling is not failed as timed out.
		if elapsed := cfg.now().Sub(cfg.startedAt); elapsed > cfg.timeout {
			return nil, &TimeoutError{JobName: jobName, Elapsed: elapsed, Timeout: cfg.timeout}
		}

		log.Debug("batch: job not finished", zap.String("state", string(job.State)))
		if cfg.maxPolls > 0 && polls >= cfg.maxPolls {
			return job, ErrNotFinished
		}

		timer := time.NewTimer(cfg.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, eris.Wrap(ctx.Err(), "batch: poll canceled")
		case <-timer.C:
		}
	}
}
