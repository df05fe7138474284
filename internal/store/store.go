package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/candidate-pipeline/internal/model"
)

var (
	// ErrNotFound is returned when a job does not exist.
	ErrNotFound = eris.New("store: not found")

	// ErrStaleTransition is returned when a job is no longer in the status a
	// transition expected, typically because another worker advanced it.
	ErrStaleTransition = eris.New("store: stale transition")

	// ErrDuplicateKey is returned when two groups of one job share a key or order.
	ErrDuplicateKey = eris.New("store: duplicate group key")
)

// AdmissionGate inspects live usage inside the job-creation transaction and
// returns an error to reject the job before anything is written.
type AdmissionGate func(usage model.ActiveUsage) error

// JobFilter specifies criteria for listing jobs.
type JobFilter struct {
	Statuses []model.JobStatus `json:"statuses,omitempty"`
	Limit    int               `json:"limit,omitempty"`
	Offset   int               `json:"offset,omitempty"`
}

// Store defines the persistence interface for the batch pipeline.
type Store interface {
	// Jobs
	CreateJob(ctx context.Context, job *model.Job, groups []model.Group, gate AdmissionGate) error
	GetJob(ctx context.Context, id string) (*model.Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]model.Job, error)
	ListGroups(ctx context.Context, jobID string) ([]model.Group, error)
	ActiveUsage(ctx context.Context) (model.ActiveUsage, error)

	// Transition writes groups and moves job from the given status to
	// job.Status atomically. Returns ErrStaleTransition when the job is no
	// longer in status from.
	Transition(ctx context.Context, job *model.Job, from model.JobStatus, groups []model.Group) error

	// FailStalePending fails PENDING_ANALYZE jobs created before cutoff.
	FailStalePending(ctx context.Context, cutoff time.Time, reason string) (int64, error)

	// Candidate records
	InsertCandidates(ctx context.Context, records []model.CandidateRecord) (int64, error)
	ListCandidates(ctx context.Context, jobID string) ([]model.CandidateRecord, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// jobColumns is the column order shared by inserts and selects.
var jobColumns = []string{
	"id", "display_name", "status", "uploaded_by", "force_hidden", "notes",
	"analyze_prompt", "structure_prompt", "output_schema",
	"estimated_tokens", "total_rows", "group_count",
	"analyze_job_name", "analyze_mode", "analyze_model", "analyze_fallback_used",
	"analyze_submitted_at", "analyze_completed_at", "analyze_error",
	"structure_job_name", "structure_mode", "structure_model", "structure_fallback_used",
	"structure_submitted_at", "structure_completed_at", "structure_error",
	"ingest_error", "ingest_started_at", "processed_at", "created_at", "updated_at",
}

// jobMutableColumns are rewritten by every transition.
var jobMutableColumns = []string{
	"status",
	"analyze_job_name", "analyze_mode", "analyze_model", "analyze_fallback_used",
	"analyze_submitted_at", "analyze_completed_at", "analyze_error",
	"structure_job_name", "structure_mode", "structure_model", "structure_fallback_used",
	"structure_submitted_at", "structure_completed_at", "structure_error",
	"ingest_error", "ingest_started_at", "processed_at", "updated_at",
}

var groupColumns = []string{
	"id", "job_id", "group_key", "group_order", "municipality", "state", "position",
	"row_data", "row_count", "original_row_count", "token_estimate", "status",
	"analyze_text", "analyze_error", "structure_text", "structure_error", "structured",
	"ingest_error", "records_created", "updated_at",
}

var groupMutableColumns = []string{
	"status", "analyze_text", "analyze_error", "structure_text", "structure_error",
	"structured", "ingest_error", "records_created", "updated_at",
}

var candidateColumns = []string{
	"id", "job_id", "group_key", "municipality", "state", "position", "election_date",
	"name", "party", "email", "website", "incumbent", "hidden", "created_at",
}

func jobArgs(j *model.Job) []any {
	return []any{
		j.ID, j.DisplayName, string(j.Status), j.UploadedBy, j.ForceHidden, j.Notes,
		j.AnalyzePrompt, j.StructurePrompt, nullableJSON(j.Schema),
		j.EstimatedTokens, j.TotalRows, j.GroupCount,
		j.Analyze.JobName, string(j.Analyze.Mode), j.Analyze.Model, j.Analyze.FallbackUsed,
		j.Analyze.SubmittedAt, j.Analyze.CompletedAt, j.Analyze.Error,
		j.Structure.JobName, string(j.Structure.Mode), j.Structure.Model, j.Structure.FallbackUsed,
		j.Structure.SubmittedAt, j.Structure.CompletedAt, j.Structure.Error,
		j.IngestError, j.IngestStartedAt, j.ProcessedAt, j.CreatedAt, j.UpdatedAt,
	}
}

func jobMutableArgs(j *model.Job) []any {
	return []any{
		string(j.Status),
		j.Analyze.JobName, string(j.Analyze.Mode), j.Analyze.Model, j.Analyze.FallbackUsed,
		j.Analyze.SubmittedAt, j.Analyze.CompletedAt, j.Analyze.Error,
		j.Structure.JobName, string(j.Structure.Mode), j.Structure.Model, j.Structure.FallbackUsed,
		j.Structure.SubmittedAt, j.Structure.CompletedAt, j.Structure.Error,
		j.IngestError, j.IngestStartedAt, j.ProcessedAt, j.UpdatedAt,
	}
}

// scanner is satisfied by pgx.Row, pgx.Rows, *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*model.Job, error) {
	var j model.Job
	var status, analyzeMode, structureMode string
	var schema []byte

	err := row.Scan(
		&j.ID, &j.DisplayName, &status, &j.UploadedBy, &j.ForceHidden, &j.Notes,
		&j.AnalyzePrompt, &j.StructurePrompt, &schema,
		&j.EstimatedTokens, &j.TotalRows, &j.GroupCount,
		&j.Analyze.JobName, &analyzeMode, &j.Analyze.Model, &j.Analyze.FallbackUsed,
		&j.Analyze.SubmittedAt, &j.Analyze.CompletedAt, &j.Analyze.Error,
		&j.Structure.JobName, &structureMode, &j.Structure.Model, &j.Structure.FallbackUsed,
		&j.Structure.SubmittedAt, &j.Structure.CompletedAt, &j.Structure.Error,
		&j.IngestError, &j.IngestStartedAt, &j.ProcessedAt, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	j.Status = model.JobStatus(status)
	j.Analyze.Mode = model.SubmitMode(analyzeMode)
	j.Structure.Mode = model.SubmitMode(structureMode)
	if len(schema) > 0 {
		j.Schema = append([]byte(nil), schema...)
	}
	return &j, nil
}

func groupArgs(g *model.Group, rows []byte) []any {
	return []any{
		g.ID, g.JobID, g.Key, g.Order, g.Municipality, g.State, g.Position,
		string(rows), g.RowCount, g.OriginalRowCount, g.TokenEstimate, string(g.Status),
		g.AnalyzeText, g.AnalyzeError, g.StructureText, g.StructureError, nullableJSON(g.Structured),
		g.IngestError, g.RecordsCreated, g.UpdatedAt,
	}
}

func groupMutableArgs(g *model.Group) []any {
	return []any{
		string(g.Status), g.AnalyzeText, g.AnalyzeError, g.StructureText, g.StructureError,
		nullableJSON(g.Structured), g.IngestError, g.RecordsCreated, g.UpdatedAt,
	}
}

func scanGroup(row scanner) (*model.Group, error) {
	var g model.Group
	var status string
	var rows, structured []byte

	err := row.Scan(
		&g.ID, &g.JobID, &g.Key, &g.Order, &g.Municipality, &g.State, &g.Position,
		&rows, &g.RowCount, &g.OriginalRowCount, &g.TokenEstimate, &status,
		&g.AnalyzeText, &g.AnalyzeError, &g.StructureText, &g.StructureError, &structured,
		&g.IngestError, &g.RecordsCreated, &g.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	g.Status = model.GroupStatus(status)
	if err := unmarshalRows(rows, &g.Rows); err != nil {
		return nil, err
	}
	if len(structured) > 0 {
		g.Structured = append([]byte(nil), structured...)
	}
	return &g, nil
}

func candidateArgs(r *model.CandidateRecord) []any {
	return []any{
		r.ID, r.JobID, r.GroupKey, r.Municipality, r.State, r.Position, r.ElectionDate,
		r.Name, r.Party, r.Email, r.Website, r.Incumbent, r.Hidden, r.CreatedAt,
	}
}

func scanCandidate(row scanner) (*model.CandidateRecord, error) {
	var r model.CandidateRecord
	err := row.Scan(
		&r.ID, &r.JobID, &r.GroupKey, &r.Municipality, &r.State, &r.Position, &r.ElectionDate,
		&r.Name, &r.Party, &r.Email, &r.Website, &r.Incumbent, &r.Hidden, &r.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// nullableJSON maps an empty raw message to SQL NULL.
func nullableJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

// placeholders returns "$1, $2, ..." (dollar) or "?, ?, ..." starting at start.
func placeholders(n, start int, dollar bool) string {
	parts := make([]string, n)
	for i := range parts {
		if dollar {
			parts[i] = fmt.Sprintf("$%d", start+i)
		} else {
			parts[i] = "?"
		}
	}
	return strings.Join(parts, ", ")
}

// setClause returns "a = $1, b = $2, ..." (dollar) or "a = ?, ..." for cols.
func setClause(cols []string, dollar bool) string {
	parts := make([]string, len(cols))
	for i, c := range cols {
		if dollar {
			parts[i] = fmt.Sprintf("%s = $%d", c, i+1)
		} else {
			parts[i] = c + " = ?"
		}
	}
	return strings.Join(parts, ", ")
}

func activeStatusStrings() []string {
	out := make([]string, len(model.ActiveJobStatuses))
	for i, s := range model.ActiveJobStatuses {
		out[i] = string(s)
	}
	return out
}

func statusStrings(statuses []model.JobStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

// prepareNewJob fills identity and timestamps for a job and its groups.
func prepareNewJob(job *model.Job, groups []model.Group, now time.Time, newID func() string) {
	if job.ID == "" {
		job.ID = newID()
	}
	if job.Status == "" {
		job.Status = model.JobStatusPendingAnalyze
	}
	job.CreatedAt = now
	job.UpdatedAt = now
	job.GroupCount = len(groups)

	for i := range groups {
		if groups[i].ID == "" {
			groups[i].ID = newID()
		}
		groups[i].JobID = job.ID
		if groups[i].Status == "" {
			groups[i].Status = model.GroupStatusPending
		}
		groups[i].UpdatedAt = now
	}
}
