package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/candidate-pipeline/internal/model"
	"github.com/sells-group/candidate-pipeline/internal/store"
)

type fakeAdvancer struct {
	mu        sync.Mutex
	calls     map[string]int
	errs      map[string]error
	block     chan struct{}
	staleArgs []time.Duration
}

func newFakeAdvancer() *fakeAdvancer {
	return &fakeAdvancer{calls: map[string]int{}, errs: map[string]error{}}
}

func (f *fakeAdvancer) Advance(ctx context.Context, id string) (*model.Job, error) {
	f.mu.Lock()
	f.calls[id]++
	err := f.errs[id]
	block := f.block
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
		}
	}
	if err != nil {
		return nil, err
	}
	return &model.Job{ID: id, Status: model.JobStatusCompleted}, nil
}

func (f *fakeAdvancer) FailStale(_ context.Context, olderThan time.Duration) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.staleArgs = append(f.staleArgs, olderThan)
	return 2, nil
}

func (f *fakeAdvancer) count(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

type fakeLister struct {
	jobs   []model.Job
	filter store.JobFilter
	err    error
}

func (f *fakeLister) ListJobs(_ context.Context, filter store.JobFilter) ([]model.Job, error) {
	f.filter = filter
	return f.jobs, f.err
}

func jobs(ids ...string) []model.Job {
	out := make([]model.Job, len(ids))
	for i, id := range ids {
		out[i] = model.Job{ID: id, Status: model.JobStatusAnalyzeSubmitted}
	}
	return out
}

func TestRunOnce_AdvancesEveryJob(t *testing.T) {
	adv := newFakeAdvancer()
	adv.errs["b"] = eris.New("provider down")
	lister := &fakeLister{jobs: jobs("a", "b", "c")}
	w := New(adv, lister, Options{Concurrency: 2, StaleAfter: 30 * time.Minute})

	stats, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Listed)
	assert.Equal(t, 3, stats.Started)
	assert.Equal(t, int64(2), stats.Reaped)

	for _, id := range []string{"a", "b", "c"} {
		assert.Equal(t, 1, adv.count(id))
	}
	assert.Equal(t, []time.Duration{30 * time.Minute}, adv.staleArgs)
	assert.Equal(t, WorkableStatuses, lister.filter.Statuses)
	assert.Empty(t, w.inflight)
}

func TestRunOnce_SkipsInFlight(t *testing.T) {
	adv := newFakeAdvancer()
	w := New(adv, &fakeLister{jobs: jobs("a", "b")}, Options{})
	w.inflight["a"] = true

	stats, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.InFlight)
	assert.Equal(t, 1, stats.Started)
	assert.Zero(t, adv.count("a"))
	assert.Equal(t, 1, adv.count("b"))
}

func TestRunOnce_NoReaperWhenDisabled(t *testing.T) {
	adv := newFakeAdvancer()
	w := New(adv, &fakeLister{}, Options{})

	stats, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Reaped)
	assert.Empty(t, adv.staleArgs)
}

func TestRunOnce_ListError(t *testing.T) {
	w := New(newFakeAdvancer(), &fakeLister{err: eris.New("db gone")}, Options{})
	_, err := w.RunOnce(context.Background())
	assert.Error(t, err)
}

func TestTick_DefersWhenPoolFull(t *testing.T) {
	adv := newFakeAdvancer()
	w := New(adv, &fakeLister{jobs: jobs("a", "b")}, Options{})

	stats, err := w.tick(context.Background(), func(func() error) bool { return false })
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Deferred)
	assert.Zero(t, stats.Started)
	assert.Empty(t, w.inflight)
}

func TestRun_DoesNotOverlapSlowJobs(t *testing.T) {
	adv := newFakeAdvancer()
	adv.block = make(chan struct{})
	w := New(adv, &fakeLister{jobs: jobs("slow")}, Options{TickInterval: 5 * time.Millisecond, Concurrency: 2})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, adv.count("slow"))

	close(adv.block)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}
