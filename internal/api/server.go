// Package api exposes the HTTP interface: health, statistics, job
// inspection and manual job submission.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/openclip/clipd/internal/health"
	"github.com/openclip/clipd/internal/pipeline"
	"github.com/openclip/clipd/internal/ratelimit"
)

// JobQueue is the slice of the queue the API serves.
type JobQueue interface {
	Enqueue(ctx context.Context, url string, priority int, metadata map[string]any) (int64, error)
	PendingCount(ctx context.Context) (int, error)
	ProcessingCount(ctx context.Context) (int, error)
	FailedCount(ctx context.Context) (int, error)
}

// JobReader lists recent jobs and errors for the dashboard endpoints.
type JobReader interface {
	RecentJobs(ctx context.Context, limit int) ([]pipeline.Job, error)
	RecentErrors(ctx context.Context, limit int) ([]pipeline.ErrorLogEntry, error)
	StatisticsSince(ctx context.Context, days int) ([]pipeline.DailyStats, error)
}

// QuotaReader projects the rate-limit windows.
type QuotaReader interface {
	QuotaStatus(ctx context.Context) (ratelimit.Status, error)
}

// HealthChecker produces the aggregate health report.
type HealthChecker interface {
	Run(ctx context.Context) health.Report
}

// Server wires HTTP handlers to the queue, store and monitor.
type Server struct {
	router  chi.Router
	queue   JobQueue
	jobs    JobReader
	quota   QuotaReader
	checker HealthChecker
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(queue JobQueue, jobs JobReader, quota QuotaReader, checker HealthChecker, logger *zap.Logger) *Server {
	s := &Server{
		queue:   queue,
		jobs:    jobs,
		quota:   quota,
		checker: checker,
		logger:  logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(timeoutMiddleware(60 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/health", s.healthReport)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/stats", s.stats)
		r.Get("/jobs", s.listJobs)
		r.Post("/jobs", s.submitJob)
		r.Get("/errors", s.listErrors)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// healthz is the liveness probe: the process is up and serving.
func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// healthReport runs the full probe set. Unhealthy maps to 503 so load
// balancers and uptime checks need no body parsing.
func (s *Server) healthReport(w http.ResponseWriter, r *http.Request) {
	report := s.checker.Run(r.Context())
	status := http.StatusOK
	if !report.Healthy() {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

type statsResponse struct {
	Pending    int                   `json:"pending"`
	Processing int                   `json:"processing"`
	Failed     int                   `json:"failed"`
	Quota      ratelimit.Status      `json:"quota"`
	Daily      []pipeline.DailyStats `json:"daily"`
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	resp := statsResponse{}
	var err error
	if resp.Pending, err = s.queue.PendingCount(ctx); err != nil {
		s.serverError(w, r, "counting pending jobs", err)
		return
	}
	if resp.Processing, err = s.queue.ProcessingCount(ctx); err != nil {
		s.serverError(w, r, "counting processing jobs", err)
		return
	}
	if resp.Failed, err = s.queue.FailedCount(ctx); err != nil {
		s.serverError(w, r, "counting failed jobs", err)
		return
	}
	if resp.Quota, err = s.quota.QuotaStatus(ctx); err != nil {
		s.serverError(w, r, "reading quota", err)
		return
	}
	if resp.Daily, err = s.jobs.StatisticsSince(ctx, 7); err != nil {
		s.serverError(w, r, "reading statistics", err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.jobs.RecentJobs(r.Context(), 50)
	if err != nil {
		s.serverError(w, r, "listing jobs", err)
		return
	}
	if jobs == nil {
		jobs = []pipeline.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) listErrors(w http.ResponseWriter, r *http.Request) {
	entries, err := s.jobs.RecentErrors(r.Context(), 50)
	if err != nil {
		s.serverError(w, r, "listing errors", err)
		return
	}
	if entries == nil {
		entries = []pipeline.ErrorLogEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"errors": entries})
}

type submitJobRequest struct {
	URL      string         `json:"url"`
	Priority int            `json:"priority"`
	Metadata map[string]any `json:"metadata"`
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var req submitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	id, err := s.queue.Enqueue(r.Context(), req.URL, req.Priority, req.Metadata)
	if err != nil {
		s.serverError(w, r, "enqueuing job", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"id": id})
}

func (s *Server) serverError(w http.ResponseWriter, r *http.Request, action string, err error) {
	s.logger.Error("request failed",
		zap.String("action", action),
		zap.String("path", r.URL.Path),
		zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal server error")
}

type requestIDKey struct{}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()))
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("panic", rec))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
