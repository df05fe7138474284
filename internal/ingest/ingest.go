// Package ingest turns a group's structured output into candidate records.
package ingest

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/candidate-pipeline/internal/model"
)

// ErrInvalidStructured marks a group whose structured output cannot be
// ingested. It fails the group, not the job.
var ErrInvalidStructured = eris.New("ingest: invalid structured output")

// Ingester creates domain records for one group and returns how many it
// created. Errors wrapping ErrInvalidStructured are group scoped; any other
// error fails the job.
type Ingester interface {
	Ingest(ctx context.Context, job *model.Job, group *model.Group) (int, error)
}

// CandidateWriter persists candidate records.
type CandidateWriter interface {
	InsertCandidates(ctx context.Context, records []model.CandidateRecord) (int64, error)
}

// Document is the structured output shape.
type Document struct {
	Elections []Election `json:"elections"`
}

// Election is one contest within a group.
type Election struct {
	Municipality string      `json:"municipality"`
	State        string      `json:"state"`
	Position     string      `json:"position"`
	ElectionDate string      `json:"election_date"`
	Candidates   []Candidate `json:"candidates"`
}

// Candidate is one person running in an election.
type Candidate struct {
	Name      string `json:"name"`
	Party     string `json:"party"`
	Email     string `json:"email"`
	Website   string `json:"website"`
	Incumbent bool   `json:"incumbent"`
}

// CandidateIngester writes one record per named candidate.
type CandidateIngester struct {
	w     CandidateWriter
	now   func() time.Time
	newID func() string
}

// NewCandidateIngester creates an Ingester backed by w.
func NewCandidateIngester(w CandidateWriter) *CandidateIngester {
	return &CandidateIngester{w: w, now: time.Now, newID: uuid.NewString}
}

// Ingest implements Ingester.
func (c *CandidateIngester) Ingest(ctx context.Context, job *model.Job, group *model.Group) (int, error) {
	records, err := c.Records(job, group)
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, nil
	}
	n, err := c.w.InsertCandidates(ctx, records)
	if err != nil {
		return 0, eris.Wrapf(err, "ingest: insert candidates for group %s", group.Key)
	}
	return int(n), nil
}

// Records builds the candidate records for group without writing them.
// Election fields fall back to the group's hints; hidden follows the job's
// force_hidden flag.
func (c *CandidateIngester) Records(job *model.Job, group *model.Group) ([]model.CandidateRecord, error) {
	if len(group.Structured) == 0 {
		return nil, eris.Wrapf(ErrInvalidStructured, "group %s has no structured output", group.Key)
	}
	var doc Document
	if err := json.Unmarshal(group.Structured, &doc); err != nil {
		return nil, eris.Wrapf(ErrInvalidStructured, "group %s: %v", group.Key, err)
	}

	now := c.now().UTC()
	var out []model.CandidateRecord
	for _, e := range doc.Elections {
		for _, cand := range e.Candidates {
			name := strings.TrimSpace(cand.Name)
			if name == "" {
				continue
			}
			out = append(out, model.CandidateRecord{
				ID:           c.newID(),
				JobID:        job.ID,
				GroupKey:     group.Key,
				Municipality: firstNonEmpty(e.Municipality, model.Deref(group.Municipality)),
				State:        firstNonEmpty(e.State, model.Deref(group.State)),
				Position:     firstNonEmpty(e.Position, model.Deref(group.Position)),
				ElectionDate: strings.TrimSpace(e.ElectionDate),
				Name:         name,
				Party:        strings.TrimSpace(cand.Party),
				Email:        strings.TrimSpace(cand.Email),
				Website:      strings.TrimSpace(cand.Website),
				Incumbent:    cand.Incumbent,
				Hidden:       job.ForceHidden,
				CreatedAt:    now,
			})
		}
	}
	return out, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
