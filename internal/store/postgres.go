package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/candidate-pipeline/internal/db"
	"github.com/sells-group/candidate-pipeline/internal/model"
)

// Advisory lock namespace. Two-arg pg_advisory_xact_lock(major, minor).
const (
	advisoryLockMajor     = 4100
	advisoryLockAdmission = 1 // serializes count-active + insert
	advisoryLockReaper    = 2 // single FailStalePending at a time
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
	now     func() time.Time
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return newPostgresWithPool(pool), nil
}

func newPostgresWithPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{
		pool:    pool,
		closeFn: pool.Close,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Pool returns the underlying database pool for subsystems that need direct
// query access (bulk ingestion).
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS batch_jobs (
	id                      TEXT PRIMARY KEY,
	display_name            TEXT NOT NULL DEFAULT '',
	status                  TEXT NOT NULL,
	uploaded_by             TEXT NOT NULL DEFAULT '',
	force_hidden            BOOLEAN NOT NULL DEFAULT false,
	notes                   TEXT NOT NULL DEFAULT '',
	analyze_prompt          TEXT NOT NULL DEFAULT '',
	structure_prompt        TEXT NOT NULL DEFAULT '',
	output_schema           JSONB,
	estimated_tokens        BIGINT NOT NULL DEFAULT 0,
	total_rows              INTEGER NOT NULL DEFAULT 0,
	group_count             INTEGER NOT NULL DEFAULT 0,
	analyze_job_name        TEXT NOT NULL DEFAULT '',
	analyze_mode            TEXT NOT NULL DEFAULT '',
	analyze_model           TEXT NOT NULL DEFAULT '',
	analyze_fallback_used   BOOLEAN NOT NULL DEFAULT false,
	analyze_submitted_at    TIMESTAMPTZ,
	analyze_completed_at    TIMESTAMPTZ,
	analyze_error           TEXT NOT NULL DEFAULT '',
	structure_job_name      TEXT NOT NULL DEFAULT '',
	structure_mode          TEXT NOT NULL DEFAULT '',
	structure_model         TEXT NOT NULL DEFAULT '',
	structure_fallback_used BOOLEAN NOT NULL DEFAULT false,
	structure_submitted_at  TIMESTAMPTZ,
	structure_completed_at  TIMESTAMPTZ,
	structure_error         TEXT NOT NULL DEFAULT '',
	ingest_error            TEXT NOT NULL DEFAULT '',
	ingest_started_at       TIMESTAMPTZ,
	processed_at            TIMESTAMPTZ,
	created_at              TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at              TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_batch_jobs_status ON batch_jobs(status);
CREATE INDEX IF NOT EXISTS idx_batch_jobs_created_at ON batch_jobs(created_at DESC);

CREATE TABLE IF NOT EXISTS batch_groups (
	id                 TEXT PRIMARY KEY,
	job_id             TEXT NOT NULL REFERENCES batch_jobs(id) ON DELETE CASCADE,
	group_key          TEXT NOT NULL,
	group_order        INTEGER NOT NULL,
	municipality       TEXT,
	state              TEXT,
	position           TEXT,
	row_data           JSONB NOT NULL DEFAULT '[]',
	row_count          INTEGER NOT NULL DEFAULT 0,
	original_row_count INTEGER NOT NULL DEFAULT 0,
	token_estimate     BIGINT NOT NULL DEFAULT 0,
	status             TEXT NOT NULL,
	analyze_text       TEXT NOT NULL DEFAULT '',
	analyze_error      TEXT NOT NULL DEFAULT '',
	structure_text     TEXT NOT NULL DEFAULT '',
	structure_error    TEXT NOT NULL DEFAULT '',
	structured         JSONB,
	ingest_error       TEXT NOT NULL DEFAULT '',
	records_created    INTEGER NOT NULL DEFAULT 0,
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (job_id, group_key),
	UNIQUE (job_id, group_order)
);

CREATE INDEX IF NOT EXISTS idx_batch_groups_job_id ON batch_groups(job_id);

CREATE TABLE IF NOT EXISTS candidate_records (
	id            TEXT PRIMARY KEY,
	job_id        TEXT NOT NULL REFERENCES batch_jobs(id),
	group_key     TEXT NOT NULL,
	municipality  TEXT NOT NULL DEFAULT '',
	state         TEXT NOT NULL DEFAULT '',
	position      TEXT NOT NULL DEFAULT '',
	election_date TEXT NOT NULL DEFAULT '',
	name          TEXT NOT NULL,
	party         TEXT NOT NULL DEFAULT '',
	email         TEXT NOT NULL DEFAULT '',
	website       TEXT NOT NULL DEFAULT '',
	incumbent     BOOLEAN NOT NULL DEFAULT false,
	hidden        BOOLEAN NOT NULL DEFAULT false,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_candidate_records_job_id ON candidate_records(job_id);
`

var (
	pgInsertJob = fmt.Sprintf(`INSERT INTO batch_jobs (%s) VALUES (%s)`,
		strings.Join(jobColumns, ", "), placeholders(len(jobColumns), 1, true))
	pgInsertGroup = fmt.Sprintf(`INSERT INTO batch_groups (%s) VALUES (%s)`,
		strings.Join(groupColumns, ", "), placeholders(len(groupColumns), 1, true))
	pgSelectJob    = fmt.Sprintf(`SELECT %s FROM batch_jobs`, strings.Join(jobColumns, ", "))
	pgSelectGroups = fmt.Sprintf(`SELECT %s FROM batch_groups WHERE job_id = $1 ORDER BY group_order`,
		strings.Join(groupColumns, ", "))
	pgTransitionJob = fmt.Sprintf(`UPDATE batch_jobs SET %s WHERE id = $%d AND status = $%d`,
		setClause(jobMutableColumns, true), len(jobMutableColumns)+1, len(jobMutableColumns)+2)
	pgUpdateGroup = fmt.Sprintf(`UPDATE batch_groups SET %s WHERE id = $%d AND job_id = $%d`,
		setClause(groupMutableColumns, true), len(groupMutableColumns)+1, len(groupMutableColumns)+2)
)

const pgActiveUsage = `SELECT count(*), COALESCE(sum(estimated_tokens), 0) FROM batch_jobs WHERE status = ANY($1)`

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// CreateJob counts active usage, runs gate and inserts the job with its groups
// in one transaction held under the admission advisory lock, so concurrent
// submitters cannot both pass the gate against the same usage snapshot.
func (s *PostgresStore) CreateJob(ctx context.Context, job *model.Job, groups []model.Group, gate AdmissionGate) error {
	prepareNewJob(job, groups, s.now(), uuid.NewString)

	return db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1, $2)`, advisoryLockMajor, advisoryLockAdmission); err != nil {
			return eris.Wrap(err, "postgres: acquire admission lock")
		}

		if gate != nil {
			usage, err := queryActiveUsage(ctx, tx)
			if err != nil {
				return err
			}
			if err := gate(usage); err != nil {
				return err
			}
		}

		if _, err := tx.Exec(ctx, pgInsertJob, jobArgs(job)...); err != nil {
			return eris.Wrap(err, "postgres: insert job")
		}
		for i := range groups {
			rows, err := marshalRows(groups[i].Rows)
			if err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, pgInsertGroup, groupArgs(&groups[i], rows)...); err != nil {
				if isUniqueViolation(err) {
					return eris.Wrapf(ErrDuplicateKey, "postgres: insert group %q", groups[i].Key)
				}
				return eris.Wrapf(err, "postgres: insert group %q", groups[i].Key)
			}
		}
		return nil
	})
}

func (s *PostgresStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, pgSelectJob+` WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: get job %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get job %s", id)
	}
	return job, nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter JobFilter) ([]model.Job, error) {
	query := pgSelectJob + ` WHERE true`
	args := []any{}
	argIdx := 1

	if len(filter.Statuses) > 0 {
		query += fmt.Sprintf(` AND status = ANY($%d)`, argIdx)
		args = append(args, statusStrings(filter.Statuses))
		argIdx++
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list jobs")
	}
	defer rows.Close()

	var jobs []model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan job")
		}
		jobs = append(jobs, *j)
	}
	return jobs, eris.Wrap(rows.Err(), "postgres: list jobs rows")
}

func (s *PostgresStore) ListGroups(ctx context.Context, jobID string) ([]model.Group, error) {
	rows, err := s.pool.Query(ctx, pgSelectGroups, jobID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list groups %s", jobID)
	}
	defer rows.Close()

	var groups []model.Group
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan group")
		}
		groups = append(groups, *g)
	}
	return groups, eris.Wrap(rows.Err(), "postgres: list groups rows")
}

func (s *PostgresStore) ActiveUsage(ctx context.Context) (model.ActiveUsage, error) {
	return queryActiveUsage(ctx, s.pool)
}

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func queryActiveUsage(ctx context.Context, q rowQuerier) (model.ActiveUsage, error) {
	var usage model.ActiveUsage
	if err := q.QueryRow(ctx, pgActiveUsage, activeStatusStrings()).Scan(&usage.Jobs, &usage.Tokens); err != nil {
		return model.ActiveUsage{}, eris.Wrap(err, "postgres: active usage")
	}
	return usage, nil
}

func (s *PostgresStore) Transition(ctx context.Context, job *model.Job, from model.JobStatus, groups []model.Group) error {
	now := s.now()
	job.UpdatedAt = now

	return db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		args := append(jobMutableArgs(job), job.ID, string(from))
		tag, err := tx.Exec(ctx, pgTransitionJob, args...)
		if err != nil {
			return eris.Wrapf(err, "postgres: transition job %s", job.ID)
		}
		if tag.RowsAffected() == 0 {
			return eris.Wrapf(ErrStaleTransition, "postgres: job %s not in %s", job.ID, from)
		}

		for i := range groups {
			groups[i].UpdatedAt = now
			gargs := append(groupMutableArgs(&groups[i]), groups[i].ID, job.ID)
			if _, err := tx.Exec(ctx, pgUpdateGroup, gargs...); err != nil {
				return eris.Wrapf(err, "postgres: update group %s", groups[i].Key)
			}
		}
		return nil
	})
}

func (s *PostgresStore) FailStalePending(ctx context.Context, cutoff time.Time, reason string) (int64, error) {
	var failed int64
	now := s.now()

	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		var locked bool
		if err := tx.QueryRow(ctx, `SELECT pg_try_advisory_xact_lock($1, $2)`, advisoryLockMajor, advisoryLockReaper).Scan(&locked); err != nil {
			return eris.Wrap(err, "postgres: acquire reaper lock")
		}
		if !locked {
			return nil
		}

		tag, err := tx.Exec(ctx,
			`UPDATE batch_jobs SET status = $1, analyze_error = $2, processed_at = $3, updated_at = $3
			WHERE status = $4 AND created_at < $5`,
			string(model.JobStatusFailed), reason, now, string(model.JobStatusPendingAnalyze), cutoff.UTC(),
		)
		if err != nil {
			return eris.Wrap(err, "postgres: fail stale pending")
		}
		failed = tag.RowsAffected()
		return nil
	})
	return failed, err
}

// InsertCandidates bulk-loads records with COPY.
func (s *PostgresStore) InsertCandidates(ctx context.Context, records []model.CandidateRecord) (int64, error) {
	rows := make([][]any, len(records))
	for i := range records {
		rows[i] = candidateArgs(&records[i])
	}
	n, err := db.CopyFrom(ctx, s.pool, "candidate_records", candidateColumns, rows)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: insert candidates")
	}
	return n, nil
}

func (s *PostgresStore) ListCandidates(ctx context.Context, jobID string) ([]model.CandidateRecord, error) {
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT %s FROM candidate_records WHERE job_id = $1 ORDER BY group_key, name`, strings.Join(candidateColumns, ", ")),
		jobID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list candidates %s", jobID)
	}
	defer rows.Close()

	var out []model.CandidateRecord
	for rows.Next() {
		r, err := scanCandidate(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan candidate")
		}
		out = append(out, *r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list candidates rows")
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}
