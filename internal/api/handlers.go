package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/sells-group/candidate-pipeline/internal/model"
	"github.com/sells-group/candidate-pipeline/internal/pipeline"
	"github.com/sells-group/candidate-pipeline/internal/store"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

type handlers struct {
	svc Services
}

// JobDetail is the body of GET /api/jobs/{id}.
type JobDetail struct {
	Job    *model.Job    `json:"job"`
	Groups []model.Group `json:"groups"`
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Jobs.Ping(r.Context()); err != nil {
		zap.L().Warn("api: health check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handlers) metrics(w http.ResponseWriter, r *http.Request) {
	hours := h.svc.LookbackHours
	if hours <= 0 {
		hours = 24
	}
	if v := r.URL.Query().Get("hours"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 24*31 {
			writeError(w, http.StatusBadRequest, string(pipeline.KindInvalidInput), "hours must be between 1 and 744")
			return
		}
		hours = n
	}

	snap, err := h.svc.Metrics.Collect(r.Context(), hours)
	if err != nil {
		zap.L().Error("api: collect metrics", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal", "could not collect metrics")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *handlers) submit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.svc.MaxBodyBytes)

	var req pipeline.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, string(pipeline.KindInvalidInput), "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, string(pipeline.KindInvalidInput), "invalid request body: "+err.Error())
		return
	}

	res, err := h.svc.Submitter.Submit(r.Context(), req)
	if err != nil {
		writePipelineError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func writePipelineError(w http.ResponseWriter, err error) {
	pe, ok := pipeline.AsError(err)
	if !ok {
		zap.L().Error("api: submit failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, string(pipeline.KindSubmission), "internal error")
		return
	}

	code := pe.HTTPStatus()
	msg := pe.Error()
	if code >= http.StatusInternalServerError {
		zap.L().Error("api: submit failed", zap.String("kind", string(pe.Kind)), zap.Error(err))
		msg = pe.Message
	}
	writeError(w, code, string(pe.Kind), msg)
}

func (h *handlers) listJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.JobFilter{
		Limit:  intQuery(q.Get("limit"), defaultListLimit),
		Offset: intQuery(q.Get("offset"), 0),
	}
	if filter.Limit > maxListLimit {
		filter.Limit = maxListLimit
	}
	if raw := q.Get("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			st := model.JobStatus(strings.ToUpper(strings.TrimSpace(s)))
			if !st.Valid() {
				writeError(w, http.StatusBadRequest, string(pipeline.KindInvalidInput), "unknown status "+s)
				return
			}
			filter.Statuses = append(filter.Statuses, st)
		}
	}

	jobs, err := h.svc.Jobs.ListJobs(r.Context(), filter)
	if err != nil {
		zap.L().Error("api: list jobs", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "store", "could not list jobs")
		return
	}
	if jobs == nil {
		jobs = []model.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (h *handlers) getJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := h.svc.Jobs.GetJob(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "job "+id+" not found")
		return
	}
	if err != nil {
		zap.L().Error("api: get job", zap.String("job_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "store", "could not load job")
		return
	}

	groups, err := h.svc.Jobs.ListGroups(r.Context(), id)
	if err != nil {
		zap.L().Error("api: list groups", zap.String("job_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "store", "could not load groups")
		return
	}
	writeJSON(w, http.StatusOK, JobDetail{Job: job, Groups: groups})
}

func intQuery(raw string, def int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}
