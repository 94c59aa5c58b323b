// Package api exposes the HTTP interface for the audit service: audit
// submission, status polling, and the live progress event stream.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/sitevitals/siteaudit/internal/audit"
	"github.com/sitevitals/siteaudit/internal/cache"
	"github.com/sitevitals/siteaudit/internal/metrics"
	"github.com/sitevitals/siteaudit/internal/scheduler"
	"github.com/sitevitals/siteaudit/internal/session"
)

// Config carries HTTP surface tunables.
type Config struct {
	// RequestTimeout bounds non-streaming requests (default 60s).
	RequestTimeout time.Duration
	// HeartbeatInterval paces SSE keepalive comments (default 30s).
	HeartbeatInterval time.Duration
	// StreamPollInterval paces session polls behind the event stream
	// (default 1s).
	StreamPollInterval time.Duration
	// DefaultPageBudget applies when a submission omits page_budget.
	DefaultPageBudget int
	// MaxAttempts is passed through to job submission.
	MaxAttempts int
}

const (
	defaultRequestTimeout    = 60 * time.Second
	defaultHeartbeatInterval = 30 * time.Second
	defaultStreamPoll        = time.Second
	defaultPageBudget        = 25
)

// Server wires HTTP handlers to the scheduler, session registry, and
// result cache.
type Server struct {
	router   chi.Router
	registry *session.Registry
	gate     *cache.Gate
	sched    *scheduler.Scheduler
	sink     *metrics.Sink
	idGen    audit.IDGenerator
	clock    audit.Clock
	cfg      Config
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes. sink and
// logger may be nil.
func NewServer(
	registry *session.Registry,
	gate *cache.Gate,
	sched *scheduler.Scheduler,
	sink *metrics.Sink,
	idGen audit.IDGenerator,
	clock audit.Clock,
	cfg Config,
	logger *zap.Logger,
) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.StreamPollInterval <= 0 {
		cfg.StreamPollInterval = defaultStreamPoll
	}
	if cfg.DefaultPageBudget <= 0 {
		cfg.DefaultPageBudget = defaultPageBudget
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		registry: registry,
		gate:     gate,
		sched:    sched,
		sink:     sink,
		idGen:    idGen,
		clock:    clock,
		cfg:      cfg,
		logger:   logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)

	// The event stream stays outside the timeout handler; it holds its
	// connection open until the audit finishes or the client leaves.
	r.Get("/v1/audits/{session_id}/events", s.streamEvents)

	r.Group(func(r chi.Router) {
		r.Use(timeoutMiddleware(cfg.RequestTimeout))
		r.Get("/healthz", s.healthz)
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(
			prometheus.DefaultGatherer,
			promhttp.HandlerOpts{},
		))
		r.Post("/v1/audits", s.submitAudit)
		r.Get("/v1/audits/{session_id}/status", s.getStatus)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Request-ID", uuid.NewString())
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
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

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}

// Flush forwards streaming flushes so SSE works through the middleware
// chain.
func (sw *statusWriter) Flush() {
	if f, ok := sw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
