package model

import (
	"encoding/json"
	"time"
)

// JobStatus represents the current state of a bulk processing job.
type JobStatus string

const (
	JobStatusPendingAnalyze     JobStatus = "PENDING_ANALYZE"
	JobStatusAnalyzeSubmitted   JobStatus = "ANALYZE_SUBMITTED"
	JobStatusStructureSubmitted JobStatus = "STRUCTURE_SUBMITTED"
	JobStatusStructureCompleted JobStatus = "STRUCTURE_COMPLETED"
	JobStatusIngestPending      JobStatus = "INGEST_PENDING"
	JobStatusIngestRunning      JobStatus = "INGEST_RUNNING"
	JobStatusCompleted          JobStatus = "COMPLETED"
	JobStatusFailed             JobStatus = "FAILED"
)

// ActiveJobStatuses lists every non-terminal status. Jobs in these statuses
// count against admission control.
var ActiveJobStatuses = []JobStatus{
	JobStatusPendingAnalyze,
	JobStatusAnalyzeSubmitted,
	JobStatusStructureSubmitted,
	JobStatusStructureCompleted,
	JobStatusIngestPending,
	JobStatusIngestRunning,
}

// IsTerminal reports whether no further automatic transition happens from s.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// IsActive reports whether s counts against admission control.
func (s JobStatus) IsActive() bool {
	for _, a := range ActiveJobStatuses {
		if s == a {
			return true
		}
	}
	return false
}

// Valid reports whether s is a known job status.
func (s JobStatus) Valid() bool {
	return s.IsActive() || s.IsTerminal()
}

// GroupStatus tracks a single group through both stages. It mirrors the job
// stage but fails independently.
type GroupStatus string

const (
	GroupStatusPending            GroupStatus = "PENDING"
	GroupStatusAnalyzeSubmitted   GroupStatus = "ANALYZE_SUBMITTED"
	GroupStatusAnalyzeCompleted   GroupStatus = "ANALYZE_COMPLETED"
	GroupStatusAnalyzeFailed      GroupStatus = "ANALYZE_FAILED"
	GroupStatusStructureSubmitted GroupStatus = "STRUCTURE_SUBMITTED"
	GroupStatusStructureCompleted GroupStatus = "STRUCTURE_COMPLETED"
	GroupStatusStructureFailed    GroupStatus = "STRUCTURE_FAILED"
	GroupStatusIngestCompleted    GroupStatus = "INGEST_COMPLETED"
	GroupStatusIngestFailed       GroupStatus = "INGEST_FAILED"
)

// Failed reports whether the group reached an error state in any stage.
func (s GroupStatus) Failed() bool {
	switch s {
	case GroupStatusAnalyzeFailed, GroupStatusStructureFailed, GroupStatusIngestFailed:
		return true
	default:
		return false
	}
}

// SubmitMode is the wire strategy used to submit a stage's batch.
type SubmitMode string

const (
	SubmitModeInline SubmitMode = "inline"
	SubmitModeFile   SubmitMode = "file"
)

// StageName identifies one of the two provider stages.
type StageName string

const (
	StageAnalyze   StageName = "analyze"
	StageStructure StageName = "structure"
)

// Stage holds the provider bookkeeping for one stage of a job.
type Stage struct {
	JobName      string     `json:"job_name,omitempty"`
	Mode         SubmitMode `json:"mode,omitempty"`
	Model        string     `json:"model,omitempty"`
	FallbackUsed bool       `json:"fallback_used"`
	SubmittedAt  *time.Time `json:"submitted_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	Error        string     `json:"error,omitempty"`
}

// Job is one bulk submission spanning the analyze and structure stages plus
// ingestion. Terminal jobs are kept as an audit trail.
type Job struct {
	ID              string          `json:"id"`
	DisplayName     string          `json:"display_name"`
	Status          JobStatus       `json:"status"`
	UploadedBy      string          `json:"uploaded_by,omitempty"`
	ForceHidden     bool            `json:"force_hidden"`
	Notes           string          `json:"notes,omitempty"`
	AnalyzePrompt   string          `json:"analyze_prompt,omitempty"`
	StructurePrompt string          `json:"structure_prompt,omitempty"`
	Schema          json.RawMessage `json:"schema,omitempty"`
	EstimatedTokens int64           `json:"estimated_tokens"`
	TotalRows       int             `json:"total_rows"`
	GroupCount      int             `json:"group_count"`
	Analyze         Stage           `json:"analyze"`
	Structure       Stage           `json:"structure"`
	IngestError     string          `json:"ingest_error,omitempty"`
	IngestStartedAt *time.Time      `json:"ingest_started_at,omitempty"`
	ProcessedAt     *time.Time      `json:"processed_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// StageFor returns a pointer to the bookkeeping of the named stage.
func (j *Job) StageFor(name StageName) *Stage {
	if name == StageStructure {
		return &j.Structure
	}
	return &j.Analyze
}

// AnalyzeReconciled reports whether the analyze results of an
// ANALYZE_SUBMITTED job are recorded and its structure batch is due.
func (j *Job) AnalyzeReconciled() bool {
	return j.Status == JobStatusAnalyzeSubmitted && j.Analyze.CompletedAt != nil
}

// Group is one keyed subset of input rows within a job.
type Group struct {
	ID               string          `json:"id"`
	JobID            string          `json:"job_id"`
	Key              string          `json:"key"`
	Order            int             `json:"order"`
	Municipality     *string         `json:"municipality"`
	State            *string         `json:"state"`
	Position         *string         `json:"position"`
	Rows             []Row           `json:"rows"`
	RowCount         int             `json:"row_count"`
	OriginalRowCount int             `json:"original_row_count"`
	TokenEstimate    int64           `json:"token_estimate"`
	Status           GroupStatus     `json:"status"`
	AnalyzeText      string          `json:"analyze_text,omitempty"`
	AnalyzeError     string          `json:"analyze_error,omitempty"`
	StructureText    string          `json:"structure_text,omitempty"`
	StructureError   string          `json:"structure_error,omitempty"`
	Structured       json.RawMessage `json:"structured,omitempty"`
	IngestError      string          `json:"ingest_error,omitempty"`
	RecordsCreated   int             `json:"records_created"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// ActiveUsage is the live aggregate over active jobs used by admission control.
type ActiveUsage struct {
	Jobs   int   `json:"jobs"`
	Tokens int64 `json:"tokens"`
}

// CandidateRecord is a domain record created by ingestion from a group's
// structured output.
type CandidateRecord struct {
	ID           string    `json:"id"`
	JobID        string    `json:"job_id"`
	GroupKey     string    `json:"group_key"`
	Municipality string    `json:"municipality"`
	State        string    `json:"state"`
	Position     string    `json:"position"`
	ElectionDate string    `json:"election_date,omitempty"`
	Name         string    `json:"name"`
	Party        string    `json:"party,omitempty"`
	Email        string    `json:"email,omitempty"`
	Website      string    `json:"website,omitempty"`
	Incumbent    bool      `json:"incumbent"`
	Hidden       bool      `json:"hidden"`
	CreatedAt    time.Time `json:"created_at"`
}
