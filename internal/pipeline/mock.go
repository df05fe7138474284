package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.uber.org/zap"

	"github.com/sells-group/candidate-pipeline/internal/ingest"
	"github.com/sells-group/candidate-pipeline/internal/model"
)

// MockModel is recorded as the stage model of jobs run without a provider.
const MockModel = "mock"

// candidateFields are the row fields the mock path reads candidate names from.
var candidateFields = []string{"candidate", "candidate_name", "name"}

// runMock walks a freshly created job through every transition with
// synthesized stage output, then ingests it for real.
func (p *Pipeline) runMock(ctx context.Context, job *model.Job, groups []model.Group) error {
	now := p.now().UTC()
	stage := func(name model.StageName) model.Stage {
		return model.Stage{
			JobName:     fmt.Sprintf("mock-%s-%s", name, job.ID),
			Mode:        model.SubmitModeInline,
			Model:       MockModel,
			SubmittedAt: &now,
		}
	}

	sch, err := CompileSchema(job.Schema)
	if err != nil {
		return p.failJob(ctx, job, job.Status, model.StageStructure, KindReconcile,
			"stored schema does not compile", err)
	}

	steps := []struct {
		name  string
		apply func() model.JobStatus
	}{
		{"analyze submission", func() model.JobStatus {
			job.Analyze = stage(model.StageAnalyze)
			setGroupStatus(groups, model.GroupStatusAnalyzeSubmitted)
			return model.JobStatusAnalyzeSubmitted
		}},
		{"analyze results", func() model.JobStatus {
			job.Analyze.CompletedAt = &now
			for i := range groups {
				groups[i].AnalyzeText = mockAnalysis(&groups[i])
				groups[i].Status = model.GroupStatusAnalyzeCompleted
			}
			return model.JobStatusAnalyzeSubmitted
		}},
		{"structure submission", func() model.JobStatus {
			job.Structure = stage(model.StageStructure)
			setGroupStatus(groups, model.GroupStatusStructureSubmitted)
			return model.JobStatusStructureSubmitted
		}},
		{"structure results", func() model.JobStatus {
			job.Structure.CompletedAt = &now
			if mockStructure(groups, sch) == 0 {
				job.Structure.Error = "no group produced valid structured output"
				job.ProcessedAt = &now
				return model.JobStatusFailed
			}
			return model.JobStatusStructureCompleted
		}},
		{"ingest queue", func() model.JobStatus { return model.JobStatusIngestPending }},
	}

	for _, s := range steps {
		from := job.Status
		job.Status = s.apply()
		if err := p.store.Transition(ctx, job, from, groups); err != nil {
			return newError(KindSubmission, "mock run could not advance the job", eris.Wrapf(err, "pipeline: mock %s", s.name))
		}
		if job.Status == model.JobStatusFailed {
			return newError(KindReconcile, job.Structure.Error, nil)
		}
	}

	if _, err := p.ingest(ctx, job); err != nil {
		return err
	}
	zap.L().Info("pipeline: mock job completed", zap.String("job_id", job.ID), zap.Int("groups", len(groups)))
	return nil
}

// mockStructure checks every synthesized document against sch the same way
// provider output is checked, and returns how many groups passed.
func mockStructure(groups []model.Group, sch *jsonschema.Schema) int {
	passed := 0
	for i := range groups {
		text, _ := json.Marshal(mockDocument(&groups[i])) //nolint:errchkjson
		groups[i].StructureText = string(text)
		doc, err := ParseStructured(string(text), sch)
		if err != nil {
			groups[i].StructureError = err.Error()
			groups[i].Status = model.GroupStatusStructureFailed
			continue
		}
		groups[i].Structured = doc
		groups[i].Status = model.GroupStatusStructureCompleted
		passed++
	}
	return passed
}

func setGroupStatus(groups []model.Group, s model.GroupStatus) {
	for i := range groups {
		groups[i].Status = s
	}
}

func mockAnalysis(g *model.Group) string {
	return fmt.Sprintf("Mock analysis of %s: %d rows for %s, %s, %s.",
		g.Key, g.RowCount, hintOrUnknown(g.Municipality), hintOrUnknown(g.State), hintOrUnknown(g.Position))
}

func mockDocument(g *model.Group) ingest.Document {
	e := ingest.Election{
		Municipality: model.Deref(g.Municipality),
		State:        model.Deref(g.State),
		Position:     model.Deref(g.Position),
		Candidates:   []ingest.Candidate{},
	}
	for _, row := range g.Rows {
		for _, f := range candidateFields {
			if name, ok := row[f].(string); ok && strings.TrimSpace(name) != "" {
				e.Candidates = append(e.Candidates, ingest.Candidate{Name: strings.TrimSpace(name)})
				break
			}
		}
	}
	return ingest.Document{Elections: []ingest.Election{e}}
}
