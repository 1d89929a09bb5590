package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/lyallcooper/kuron-watch/internal/journal"
	"github.com/lyallcooper/kuron-watch/internal/livescan"
	"github.com/lyallcooper/kuron-watch/internal/scheduler"
	"github.com/sirupsen/logrus"
)

const maxRequestBody = 1 << 20

// Engine is the part of the live scan mirror the handlers read and drive.
type Engine interface {
	State() livescan.State
	Session(jobID int64) (livescan.ScanSession, bool)
	Cancel(ctx context.Context, jobID int64) error
	Subscribe() <-chan livescan.State
	Unsubscribe(ch <-chan livescan.State)
}

// JobScheduler creates and lists recurring jobs.
type JobScheduler interface {
	Schedule(ctx context.Context, spec scheduler.JobSpec) (*scheduler.Job, error)
	Jobs() []scheduler.Job
}

// History lists recorded scan completions.
type History interface {
	ListRecent(limit, offset int) ([]*journal.Completion, error)
	Count() (int, error)
}

// Handler holds all HTTP handlers
type Handler struct {
	engine  Engine
	jobs    JobScheduler
	history History
	metrics http.Handler
	logger  logrus.FieldLogger
}

// Option configures a Handler.
type Option func(*Handler)

// WithHistory enables /api/history.
func WithHistory(h History) Option {
	return func(hd *Handler) { hd.history = h }
}

// WithMetricsHandler serves h on /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(hd *Handler) { hd.metrics = h }
}

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(hd *Handler) { hd.logger = l }
}

// New creates a new Handler
func New(engine Engine, jobs JobScheduler, opts ...Option) *Handler {
	discard := logrus.New()
	discard.SetOutput(io.Discard)

	h := &Handler{
		engine: engine,
		jobs:   jobs,
		logger: discard,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.WithField("component", "status")
	return h
}

// Router returns a router with every route registered.
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(h.loggingMiddleware)
	r.Use(limitBodyMiddleware)

	// Live mirror
	r.HandleFunc("/api/status", h.Status).Methods(http.MethodGet)
	r.HandleFunc("/api/scans/{id:[0-9]+}", h.ScanSession).Methods(http.MethodGet)
	r.HandleFunc("/api/scans/{id:[0-9]+}/cancel", h.CancelScan).Methods(http.MethodPost)

	// Jobs
	r.HandleFunc("/api/jobs", h.ListJobs).Methods(http.MethodGet)
	r.HandleFunc("/api/jobs", h.CreateJob).Methods(http.MethodPost)

	// History
	r.HandleFunc("/api/history", h.History).Methods(http.MethodGet)

	// SSE
	r.HandleFunc("/sse/scans", h.ScanStateSSE).Methods(http.MethodGet)

	if h.metrics != nil {
		r.Handle("/metrics", h.metrics).Methods(http.MethodGet)
	}

	return r
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.WithError(err).Warn("failed to write response")
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, errorResponse{Error: msg})
}

func (h *Handler) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(rw, r)

		h.logger.WithFields(logrus.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"remote_addr": r.RemoteAddr,
			"status_code": rw.statusCode,
			"duration_ms": time.Since(start).Milliseconds(),
		}).Debug("HTTP request")
	})
}

func limitBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
		next.ServeHTTP(w, r)
	})
}

// responseWriter captures the status code and keeps streaming responses
// flushable.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
