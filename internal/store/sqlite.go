package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/candidate-pipeline/internal/db"
	"github.com/sells-group/candidate-pipeline/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. Intended for local
// runs and tests where a single process owns the database file.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time

	// admitMu serializes CreateJob so the usage read and the insert happen
	// without another in-process submitter in between.
	admitMu sync.Mutex
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{
		db:  conn,
		now: func() time.Time { return time.Now().UTC() },
	}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS batch_jobs (
	id                      TEXT PRIMARY KEY,
	display_name            TEXT NOT NULL DEFAULT '',
	status                  TEXT NOT NULL,
	uploaded_by             TEXT NOT NULL DEFAULT '',
	force_hidden            INTEGER NOT NULL DEFAULT 0,
	notes                   TEXT NOT NULL DEFAULT '',
	analyze_prompt          TEXT NOT NULL DEFAULT '',
	structure_prompt        TEXT NOT NULL DEFAULT '',
	output_schema           TEXT,
	estimated_tokens        INTEGER NOT NULL DEFAULT 0,
	total_rows              INTEGER NOT NULL DEFAULT 0,
	group_count             INTEGER NOT NULL DEFAULT 0,
	analyze_job_name        TEXT NOT NULL DEFAULT '',
	analyze_mode            TEXT NOT NULL DEFAULT '',
	analyze_model           TEXT NOT NULL DEFAULT '',
	analyze_fallback_used   INTEGER NOT NULL DEFAULT 0,
	analyze_submitted_at    DATETIME,
	analyze_completed_at    DATETIME,
	analyze_error           TEXT NOT NULL DEFAULT '',
	structure_job_name      TEXT NOT NULL DEFAULT '',
	structure_mode          TEXT NOT NULL DEFAULT '',
	structure_model         TEXT NOT NULL DEFAULT '',
	structure_fallback_used INTEGER NOT NULL DEFAULT 0,
	structure_submitted_at  DATETIME,
	structure_completed_at  DATETIME,
	structure_error         TEXT NOT NULL DEFAULT '',
	ingest_error            TEXT NOT NULL DEFAULT '',
	ingest_started_at       DATETIME,
	processed_at            DATETIME,
	created_at              DATETIME NOT NULL,
	updated_at              DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_batch_jobs_status ON batch_jobs(status);

CREATE TABLE IF NOT EXISTS batch_groups (
	id                 TEXT PRIMARY KEY,
	job_id             TEXT NOT NULL REFERENCES batch_jobs(id) ON DELETE CASCADE,
	group_key          TEXT NOT NULL,
	group_order        INTEGER NOT NULL,
	municipality       TEXT,
	state              TEXT,
	position           TEXT,
	row_data           TEXT NOT NULL DEFAULT '[]',
	row_count          INTEGER NOT NULL DEFAULT 0,
	original_row_count INTEGER NOT NULL DEFAULT 0,
	token_estimate     INTEGER NOT NULL DEFAULT 0,
	status             TEXT NOT NULL,
	analyze_text       TEXT NOT NULL DEFAULT '',
	analyze_error      TEXT NOT NULL DEFAULT '',
	structure_text     TEXT NOT NULL DEFAULT '',
	structure_error    TEXT NOT NULL DEFAULT '',
	structured         TEXT,
	ingest_error       TEXT NOT NULL DEFAULT '',
	records_created    INTEGER NOT NULL DEFAULT 0,
	updated_at         DATETIME NOT NULL,
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
	incumbent     INTEGER NOT NULL DEFAULT 0,
	hidden        INTEGER NOT NULL DEFAULT 0,
	created_at    DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_candidate_records_job_id ON candidate_records(job_id);
`

var (
	sqliteInsertJob = fmt.Sprintf(`INSERT INTO batch_jobs (%s) VALUES (%s)`,
		strings.Join(jobColumns, ", "), placeholders(len(jobColumns), 1, false))
	sqliteInsertGroup = fmt.Sprintf(`INSERT INTO batch_groups (%s) VALUES (%s)`,
		strings.Join(groupColumns, ", "), placeholders(len(groupColumns), 1, false))
	sqliteInsertCandidate = fmt.Sprintf(`INSERT INTO candidate_records (%s) VALUES (%s)`,
		strings.Join(candidateColumns, ", "), placeholders(len(candidateColumns), 1, false))
	sqliteSelectJob    = fmt.Sprintf(`SELECT %s FROM batch_jobs`, strings.Join(jobColumns, ", "))
	sqliteSelectGroups = fmt.Sprintf(`SELECT %s FROM batch_groups WHERE job_id = ? ORDER BY group_order`,
		strings.Join(groupColumns, ", "))
	sqliteTransitionJob = fmt.Sprintf(`UPDATE batch_jobs SET %s WHERE id = ? AND status = ?`,
		setClause(jobMutableColumns, false))
	sqliteUpdateGroup = fmt.Sprintf(`UPDATE batch_groups SET %s WHERE id = ? AND job_id = ?`,
		setClause(groupMutableColumns, false))
)

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateJob(ctx context.Context, job *model.Job, groups []model.Group, gate AdmissionGate) error {
	s.admitMu.Lock()
	defer s.admitMu.Unlock()

	prepareNewJob(job, groups, s.now(), uuid.NewString)

	return db.WithSQLTx(ctx, s.db, func(tx *sql.Tx) error {
		if gate != nil {
			usage, err := sqliteActiveUsage(ctx, tx)
			if err != nil {
				return err
			}
			if err := gate(usage); err != nil {
				return err
			}
		}

		if _, err := tx.ExecContext(ctx, sqliteInsertJob, jobArgs(job)...); err != nil {
			return eris.Wrap(err, "sqlite: insert job")
		}
		for i := range groups {
			rows, err := marshalRows(groups[i].Rows)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, sqliteInsertGroup, groupArgs(&groups[i], rows)...); err != nil {
				if strings.Contains(err.Error(), "UNIQUE constraint failed") {
					return eris.Wrapf(ErrDuplicateKey, "sqlite: insert group %q", groups[i].Key)
				}
				return eris.Wrapf(err, "sqlite: insert group %q", groups[i].Key)
			}
		}
		return nil
	})
}

func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx, sqliteSelectJob+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: get job %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get job %s", id)
	}
	return job, nil
}

func (s *SQLiteStore) ListJobs(ctx context.Context, filter JobFilter) ([]model.Job, error) {
	query := sqliteSelectJob + ` WHERE 1=1`
	args := []any{}

	if len(filter.Statuses) > 0 {
		query += fmt.Sprintf(` AND status IN (%s)`, placeholders(len(filter.Statuses), 1, false))
		for _, st := range filter.Statuses {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list jobs")
	}
	defer rows.Close() //nolint:errcheck

	var jobs []model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan job")
		}
		jobs = append(jobs, *j)
	}
	return jobs, eris.Wrap(rows.Err(), "sqlite: list jobs rows")
}

func (s *SQLiteStore) ListGroups(ctx context.Context, jobID string) ([]model.Group, error) {
	rows, err := s.db.QueryContext(ctx, sqliteSelectGroups, jobID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list groups %s", jobID)
	}
	defer rows.Close() //nolint:errcheck

	var groups []model.Group
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan group")
		}
		groups = append(groups, *g)
	}
	return groups, eris.Wrap(rows.Err(), "sqlite: list groups rows")
}

func (s *SQLiteStore) ActiveUsage(ctx context.Context) (model.ActiveUsage, error) {
	return sqliteActiveUsage(ctx, s.db)
}

type sqlRowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func sqliteActiveUsage(ctx context.Context, q sqlRowQuerier) (model.ActiveUsage, error) {
	statuses := activeStatusStrings()
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = st
	}

	var usage model.ActiveUsage
	err := q.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT count(*), COALESCE(sum(estimated_tokens), 0) FROM batch_jobs WHERE status IN (%s)`,
			placeholders(len(args), 1, false)),
		args...,
	).Scan(&usage.Jobs, &usage.Tokens)
	if err != nil {
		return model.ActiveUsage{}, eris.Wrap(err, "sqlite: active usage")
	}
	return usage, nil
}

func (s *SQLiteStore) Transition(ctx context.Context, job *model.Job, from model.JobStatus, groups []model.Group) error {
	now := s.now()
	job.UpdatedAt = now

	return db.WithSQLTx(ctx, s.db, func(tx *sql.Tx) error {
		args := append(jobMutableArgs(job), job.ID, string(from))
		res, err := tx.ExecContext(ctx, sqliteTransitionJob, args...)
		if err != nil {
			return eris.Wrapf(err, "sqlite: transition job %s", job.ID)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return eris.Wrap(err, "sqlite: rows affected")
		}
		if n == 0 {
			return eris.Wrapf(ErrStaleTransition, "sqlite: job %s not in %s", job.ID, from)
		}

		for i := range groups {
			groups[i].UpdatedAt = now
			gargs := append(groupMutableArgs(&groups[i]), groups[i].ID, job.ID)
			res, err := tx.ExecContext(ctx, sqliteUpdateGroup, gargs...)
			if err != nil {
				return eris.Wrapf(err, "sqlite: update group %s", groups[i].Key)
			}
			if err := checkRowsAffected(res, "group", groups[i].ID); err != nil {
				return err
			}
		}
		return nil
	})
}

// FailStalePending compares timestamps in Go: SQLite stores them as text, so
// a SQL range comparison would depend on the driver's formatting.
func (s *SQLiteStore) FailStalePending(ctx context.Context, cutoff time.Time, reason string) (int64, error) {
	jobs, err := s.ListJobs(ctx, JobFilter{Statuses: []model.JobStatus{model.JobStatusPendingAnalyze}, Limit: 1000})
	if err != nil {
		return 0, err
	}

	var failed int64
	for i := range jobs {
		j := &jobs[i]
		if !j.CreatedAt.Before(cutoff) {
			continue
		}
		now := s.now()
		j.Status = model.JobStatusFailed
		j.Analyze.Error = reason
		j.ProcessedAt = &now
		err := s.Transition(ctx, j, model.JobStatusPendingAnalyze, nil)
		if errors.Is(err, ErrStaleTransition) {
			continue
		}
		if err != nil {
			return failed, err
		}
		failed++
	}
	return failed, nil
}

func (s *SQLiteStore) InsertCandidates(ctx context.Context, records []model.CandidateRecord) (int64, error) {
	if len(records) == 0 {
		return 0, nil
	}

	err := db.WithSQLTx(ctx, s.db, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, sqliteInsertCandidate)
		if err != nil {
			return eris.Wrap(err, "sqlite: prepare insert candidate")
		}
		defer stmt.Close() //nolint:errcheck

		for i := range records {
			if _, err := stmt.ExecContext(ctx, candidateArgs(&records[i])...); err != nil {
				return eris.Wrapf(err, "sqlite: insert candidate %s", records[i].Name)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return int64(len(records)), nil
}

func (s *SQLiteStore) ListCandidates(ctx context.Context, jobID string) ([]model.CandidateRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT %s FROM candidate_records WHERE job_id = ? ORDER BY group_key, name`, strings.Join(candidateColumns, ", ")),
		jobID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list candidates %s", jobID)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.CandidateRecord
	for rows.Next() {
		r, err := scanCandidate(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan candidate")
		}
		out = append(out, *r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list candidates rows")
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s not found: %s", entity, id)
	}
	return nil
}
