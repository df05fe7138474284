// Package api serves the bulk job submission HTTP API.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/candidate-pipeline/internal/model"
	"github.com/sells-group/candidate-pipeline/internal/monitoring"
	"github.com/sells-group/candidate-pipeline/internal/pipeline"
	"github.com/sells-group/candidate-pipeline/internal/store"
)

// DefaultMaxBodyBytes caps the size of a submission body.
const DefaultMaxBodyBytes int64 = 64 << 20

// Submitter accepts new bulk jobs.
type Submitter interface {
	Submit(ctx context.Context, req pipeline.SubmitRequest) (*pipeline.SubmitResult, error)
}

// JobReader reads persisted jobs.
type JobReader interface {
	GetJob(ctx context.Context, id string) (*model.Job, error)
	ListJobs(ctx context.Context, filter store.JobFilter) ([]model.Job, error)
	ListGroups(ctx context.Context, jobID string) ([]model.Group, error)
	Ping(ctx context.Context) error
}

// MetricsCollector produces job health snapshots.
type MetricsCollector interface {
	Collect(ctx context.Context, lookbackHours int) (*monitoring.MetricsSnapshot, error)
}

// Services holds the dependencies of the router. Metrics is optional; the
// metrics route is only mounted when it is set.
type Services struct {
	Submitter      Submitter
	Jobs           JobReader
	Metrics        MetricsCollector
	LookbackHours  int
	AllowedOrigins []string
	MaxBodyBytes   int64
}

// NewRouter builds the HTTP handler.
func NewRouter(svc Services) http.Handler {
	if svc.MaxBodyBytes <= 0 {
		svc.MaxBodyBytes = DefaultMaxBodyBytes
	}
	h := &handlers{svc: svc}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	if len(svc.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: svc.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type", "Authorization"},
			MaxAge:         300,
		}))
	}

	r.Get("/health", h.health)
	r.Route("/api/jobs", func(r chi.Router) {
		r.Post("/", h.submit)
		r.Get("/", h.listJobs)
		r.Get("/{id}", h.getJob)
	})
	if svc.Metrics != nil {
		r.Get("/api/metrics", h.metrics)
	}
	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		zap.L().Info("api: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
