package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/candidate-pipeline/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := newPostgresWithPool(mock)
	s.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return s, mock
}

func TestPostgresStore_GetJob_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT id, display_name, status, .* FROM batch_jobs WHERE id = \$1`).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetJob(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ActiveUsage(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT count\(\*\), COALESCE\(sum\(estimated_tokens\), 0\) FROM batch_jobs WHERE status = ANY\(\$1\)`).
		WithArgs(activeStatusStrings()).
		WillReturnRows(pgxmock.NewRows([]string{"count", "sum"}).AddRow(3, int64(4200)))

	usage, err := s.ActiveUsage(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.ActiveUsage{Jobs: 3, Tokens: 4200}, usage)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateJob_GateRejects(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock\(\$1, \$2\)`).
		WithArgs(advisoryLockMajor, advisoryLockAdmission).
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery(`FROM batch_jobs WHERE status = ANY`).
		WithArgs(activeStatusStrings()).
		WillReturnRows(pgxmock.NewRows([]string{"count", "sum"}).AddRow(100, int64(0)))
	mock.ExpectRollback()

	rejected := errors.New("admission rejected")
	err := s.CreateJob(context.Background(), testJob(10), testGroups(), func(u model.ActiveUsage) error {
		assert.Equal(t, 100, u.Jobs)
		return rejected
	})
	require.ErrorIs(t, err, rejected)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateJob_Inserts(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock`).
		WithArgs(advisoryLockMajor, advisoryLockAdmission).
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery(`FROM batch_jobs WHERE status = ANY`).
		WithArgs(activeStatusStrings()).
		WillReturnRows(pgxmock.NewRows([]string{"count", "sum"}).AddRow(0, int64(0)))
	mock.ExpectExec(`INSERT INTO batch_jobs`).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO batch_groups`).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO batch_groups`).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	job := testJob(56)
	groups := testGroups()
	err := s.CreateJob(context.Background(), job, groups, func(model.ActiveUsage) error { return nil })
	require.NoError(t, err)
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, 2, job.GroupCount)
	assert.Equal(t, job.ID, groups[1].JobID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateJob_DuplicateKey(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock`).
		WithArgs(advisoryLockMajor, advisoryLockAdmission).
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectExec(`INSERT INTO batch_jobs`).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO batch_groups`).
		WillReturnError(&pgconn.PgError{Code: pgerrcode.UniqueViolation, Message: "duplicate key"})
	mock.ExpectRollback()

	groups := testGroups()[:1]
	err := s.CreateJob(context.Background(), testJob(1), groups, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDuplicateKey))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Transition(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE batch_jobs SET status = \$1, .* WHERE id = \$20 AND status = \$21`).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`UPDATE batch_groups SET status = \$1, .* WHERE id = \$10 AND job_id = \$11`).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	job := testJob(1)
	job.ID = "job-1"
	job.Status = model.JobStatusStructureSubmitted
	groups := []model.Group{{ID: "g-1", Key: "k", Status: model.GroupStatusStructureSubmitted}}

	require.NoError(t, s.Transition(context.Background(), job, model.JobStatusAnalyzeSubmitted, groups))
	assert.Equal(t, s.now(), job.UpdatedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Transition_Stale(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE batch_jobs SET`).WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectRollback()

	job := testJob(1)
	job.ID = "job-1"
	job.Status = model.JobStatusFailed

	err := s.Transition(context.Background(), job, model.JobStatusAnalyzeSubmitted, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStaleTransition))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FailStalePending(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	cutoff := time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT pg_try_advisory_xact_lock\(\$1, \$2\)`).
		WithArgs(advisoryLockMajor, advisoryLockReaper).
		WillReturnRows(pgxmock.NewRows([]string{"locked"}).AddRow(true))
	mock.ExpectExec(`UPDATE batch_jobs SET status = \$1`).
		WithArgs("FAILED", "stuck", s.now(), "PENDING_ANALYZE", cutoff).
		WillReturnResult(pgxmock.NewResult("UPDATE", 2))
	mock.ExpectCommit()

	n, err := s.FailStalePending(context.Background(), cutoff, "stuck")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FailStalePending_LockHeld(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT pg_try_advisory_xact_lock`).
		WithArgs(advisoryLockMajor, advisoryLockReaper).
		WillReturnRows(pgxmock.NewRows([]string{"locked"}).AddRow(false))
	mock.ExpectCommit()

	n, err := s.FailStalePending(context.Background(), time.Now(), "stuck")
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InsertCandidates(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectCopyFrom(pgx.Identifier{"candidate_records"}, candidateColumns).WillReturnResult(2)

	n, err := s.InsertCandidates(context.Background(), []model.CandidateRecord{
		{ID: "r1", JobID: "j", Name: "Ada"},
		{ID: "r2", JobID: "j", Name: "Bo"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListJobs_Filter(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM batch_jobs WHERE true AND status = ANY\(\$1\) ORDER BY created_at DESC LIMIT \$2`).
		WithArgs([]string{"ANALYZE_SUBMITTED"}, 100).
		WillReturnRows(pgxmock.NewRows(jobColumns))

	jobs, err := s.ListJobs(context.Background(), JobFilter{Statuses: []model.JobStatus{model.JobStatusAnalyzeSubmitted}})
	require.NoError(t, err)
	assert.Empty(t, jobs)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Migrate(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS batch_jobs`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
