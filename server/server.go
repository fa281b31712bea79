// Package server exposes the broker's HTTP API: event ingest and cursor
// polling, job lifecycle operations, and the SSE and WebSocket streaming
// endpoints.
package server

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/petal-labs/pulse/bus"
	"github.com/petal-labs/pulse/fanout"
	"github.com/petal-labs/pulse/gateway"
	"github.com/petal-labs/pulse/jobs"
	"github.com/petal-labs/pulse/metrics"
)

// ServerConfig configures a Server instance.
type ServerConfig struct {
	Bus        *bus.MemBus
	Gateway    *gateway.Gateway
	Registry   *jobs.Registry
	Fanout     *fanout.Manager
	Stream     http.Handler // SSE endpoint
	Subscribe  http.Handler // WebSocket endpoint
	Metrics    *metrics.Registry
	AuthToken  string
	CORSOrigin string
	MaxBody    int64
	Logger     *slog.Logger
}

// Server is the Pulse HTTP API server.
type Server struct {
	bus        *bus.MemBus
	gateway    *gateway.Gateway
	registry   *jobs.Registry
	fanout     *fanout.Manager
	stream     http.Handler
	subscribe  http.Handler
	metrics    *metrics.Registry
	authToken  string
	corsOrigin string
	maxBody    int64
	logger     *slog.Logger
}

// NewServer creates a new Server with the given configuration.
func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	corsOrigin := cfg.CORSOrigin
	if corsOrigin == "" {
		corsOrigin = "*"
	}
	maxBody := cfg.MaxBody
	if maxBody <= 0 {
		maxBody = 1 << 20 // 1 MB default
	}
	return &Server{
		bus:        cfg.Bus,
		gateway:    cfg.Gateway,
		registry:   cfg.Registry,
		fanout:     cfg.Fanout,
		stream:     cfg.Stream,
		subscribe:  cfg.Subscribe,
		metrics:    cfg.Metrics,
		authToken:  cfg.AuthToken,
		corsOrigin: corsOrigin,
		maxBody:    maxBody,
		logger:     logger,
	}
}

// Handler returns an http.Handler with all routes and middleware wired.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	var handler http.Handler = mux
	handler = s.authMiddleware(handler)
	handler = s.corsMiddleware(handler)
	handler = s.maxBodyMiddleware(handler)
	if s.metrics != nil {
		handler = s.metricsMiddleware(handler)
	}

	return handler
}

// RegisterRoutes mounts API routes onto an existing mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}

	mux.HandleFunc("POST /api/topics/{topic}/events", s.handleSubmitEvent)
	mux.HandleFunc("GET /api/topics/{topic}/events", s.handleListEvents)
	if s.stream != nil {
		mux.Handle("GET /api/topics/{topic}/stream", s.stream)
	}
	if s.subscribe != nil {
		mux.Handle("GET /api/topics/{topic}/subscribe", s.subscribe)
	}

	mux.HandleFunc("POST /api/jobs", s.handleCreateJob)
	mux.HandleFunc("GET /api/jobs", s.handleListJobs)
	mux.HandleFunc("GET /api/jobs/{job_id}", s.handleGetJob)
	mux.HandleFunc("GET /api/jobs/{job_id}/wait", s.handleWaitJob)
	mux.HandleFunc("POST /api/jobs/{job_id}/advance", s.handleAdvanceJob)
	mux.HandleFunc("POST /api/jobs/{job_id}/cancel", s.handleCancelJob)
}

// --- Middleware ---

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", s.corsOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Last-Event-ID")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) maxBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
		next.ServeHTTP(w, r)
	})
}

// authMiddleware enforces bearer-token auth on /api/ routes when a token is
// configured. Health and metrics stay open for probes and scrapers.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	if s.authToken == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/api/") {
			next.ServeHTTP(w, r)
			return
		}
		if bearerToken(r) != s.authToken {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// bearerToken extracts the token from the Authorization header, falling back
// to the "token" query parameter for browser clients of the streaming
// endpoints.
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		s.metrics.RecordRequest(route, statusClass(rec.status))
	})
}

// statusRecorder captures the response status code. Flush and Hijack pass
// through so the streaming endpoints keep working behind it.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("server: underlying ResponseWriter does not support hijacking")
	}
	return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func statusClass(status int) string {
	switch {
	case status < 300:
		return "2xx"
	case status < 400:
		return "3xx"
	case status < 500:
		return "4xx"
	default:
		return "5xx"
	}
}

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// apiError is the standard error envelope.
type apiError struct {
	Error apiErrorBody `json:"error"`
}

type apiErrorBody struct {
	Code    string   `json:"code"`
	Message string   `json:"message"`
	Details []string `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, message string, details ...string) {
	body := apiError{
		Error: apiErrorBody{
			Code:    code,
			Message: message,
		},
	}
	if len(details) > 0 {
		body.Error.Details = details
	}
	writeJSON(w, status, body)
}

// writeDomainError maps typed domain errors to HTTP status codes and error
// codes.
func writeDomainError(w http.ResponseWriter, err error) {
	var (
		validationErr *gateway.ValidationError
		rateErr       *gateway.RateLimitError
		notFoundErr   *jobs.NotFoundError
		dupErr        *jobs.DuplicateJobError
		orderErr      *jobs.OutOfOrderStepError
		terminalErr   *jobs.JobTerminalError
		gapErr        *bus.SequenceGapError
	)
	switch {
	case errors.As(err, &validationErr):
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", validationErr.Error())
	case errors.As(err, &rateErr):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", rateErr.Error())
	case errors.As(err, &notFoundErr):
		writeError(w, http.StatusNotFound, "NOT_FOUND", notFoundErr.Error())
	case errors.As(err, &dupErr):
		writeError(w, http.StatusConflict, "DUPLICATE_JOB", dupErr.Error(), "existing_id: "+dupErr.ExistingID)
	case errors.As(err, &orderErr):
		writeError(w, http.StatusConflict, "OUT_OF_ORDER_STEP", orderErr.Error())
	case errors.As(err, &terminalErr):
		writeError(w, http.StatusConflict, "JOB_TERMINAL", terminalErr.Error())
	case errors.As(err, &gapErr):
		writeError(w, http.StatusGone, "SEQUENCE_GAP", gapErr.Error())
	default:
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
	}
}

func isMaxBytesError(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr)
}
