// Package server exposes the agent's health, readiness, and status endpoints.
// It never gates collection: the endpoints observe the pipeline, they do not
// steer it.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/sqlpulse/sqlpulse/internal/model"
)

const (
	defaultReadTimeout  = 5 * time.Second
	defaultWriteTimeout = 10 * time.Second
)

// Stater reports the agent's lifecycle state. *lifecycle.Tracker satisfies it.
type Stater interface {
	State() model.AgentState
}

// RunReporter exposes per-entry run state. *scheduler.Scheduler satisfies it.
type RunReporter interface {
	Snapshot() map[string]model.RunState
}

// Pinger reports database reachability. *sqldb.DB satisfies it.
type Pinger interface {
	Healthy(ctx context.Context) error
}

// BufferStats exposes event buffer occupancy. *pipeline.Batcher satisfies it.
type BufferStats interface {
	Len() int
	Capacity() int
	DroppedEvents() int64
}

// Config holds the server's dependencies and HTTP settings.
type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Version      string
	// InstanceID identifies this agent process in /status output.
	InstanceID string
	// OpenAPISpec, when set, is served verbatim at /openapi.yaml.
	OpenAPISpec []byte

	State  Stater
	Runs   RunReporter
	DB     Pinger
	Buffer BufferStats
	Logger *slog.Logger
}

// Server serves /healthz, /readyz, and /status.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// New builds the server with its routes and middleware configured.
func New(cfg Config) *Server {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}

	h := &handlers{
		state:      cfg.State,
		runs:       cfg.Runs,
		db:         cfg.DB,
		buffer:     cfg.Buffer,
		version:    cfg.Version,
		instanceID: cfg.InstanceID,
		startedAt:  time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealthz)
	mux.HandleFunc("GET /readyz", h.handleReadyz)
	mux.HandleFunc("GET /status", h.handleStatus)
	if len(cfg.OpenAPISpec) > 0 {
		mux.HandleFunc("GET /openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/yaml")
			_, _ = w.Write(cfg.OpenAPISpec)
		})
	}

	// Middleware chain (outermost executes first):
	// request ID → tracing → logging → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         cfg.Addr,
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler: handler,
		logger:  cfg.Logger,
	}
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start begins serving HTTP requests. It blocks until Shutdown or failure.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
