// Package api serves the daemon's HTTP interface: health, status, stored
// event queries, the live event stream, Prometheus metrics and the control
// routes for rules and shutdown.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/yairfalse/vigil/internal/bus"
	"github.com/yairfalse/vigil/internal/pipeline"
	"github.com/yairfalse/vigil/pkg/domain"
	"go.uber.org/zap"
)

// Pipeline is the part of the pipeline the API reads
type Pipeline interface {
	IsRunning() bool
	Stats() pipeline.Stats
	Health() map[string]pipeline.CollectorHealth
	Subscribe() *bus.Subscription[domain.Event]
}

// Config holds API server configuration
type Config struct {
	Addr            string
	ReadTimeout     time.Duration
	ShutdownTimeout time.Duration

	// MaxQueryLimit caps the limit parameter of /events
	MaxQueryLimit int
}

// DefaultConfig returns default API configuration
func DefaultConfig() Config {
	return Config{
		Addr:            "127.0.0.1:9470",
		ReadTimeout:     15 * time.Second,
		ShutdownTimeout: 5 * time.Second,
		MaxQueryLimit:   10000,
	}
}

// Option configures a Server
type Option func(*Server)

// WithMetrics serves h on /metrics
func WithMetrics(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithStatus adds a named section to the /status response
func WithStatus(name string, fn func() any) Option {
	return func(s *Server) { s.status[name] = fn }
}

// Server provides the HTTP API
type Server struct {
	router   *mux.Router
	pipeline Pipeline
	storage  domain.Storage
	metrics  http.Handler
	status   map[string]func() any
	rules    RuleStore
	shutdown func()
	logger   *zap.Logger
	config   Config
}

// NewServer creates a new API server
func NewServer(p Pipeline, storage domain.Storage, logger *zap.Logger, config Config, opts ...Option) (*Server, error) {
	if p == nil {
		return nil, fmt.Errorf("pipeline is required")
	}
	if storage == nil {
		return nil, fmt.Errorf("storage is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.MaxQueryLimit <= 0 {
		config.MaxQueryLimit = DefaultConfig().MaxQueryLimit
	}

	s := &Server{
		router:   mux.NewRouter(),
		pipeline: p,
		storage:  storage,
		status:   make(map[string]func() any),
		logger:   logger.With(zap.String("component", "api")),
		config:   config,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.setupRoutes()
	s.router.Use(s.recoveryMiddleware, s.loggingMiddleware)
	return s, nil
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	s.router.HandleFunc("/events", s.handleQuery).Methods(http.MethodGet)
	s.router.HandleFunc("/events/stream", s.handleStream).Methods(http.MethodGet)
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics).Methods(http.MethodGet)
	}
	if s.rules != nil {
		s.router.HandleFunc("/rules", s.handleListRules).Methods(http.MethodGet)
		s.router.HandleFunc("/rules", s.handleLoadRules).Methods(http.MethodPost)
	}
	if s.shutdown != nil {
		s.router.HandleFunc("/shutdown", s.handleShutdown).Methods(http.MethodPost)
	}
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Start listens on the configured address and serves until ctx is done
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done, then shuts down gracefully.
// Streams end on their own once the pipeline output closes.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s,
		ReadTimeout:       s.config.ReadTimeout,
		ReadHeaderTimeout: s.config.ReadTimeout,
	}

	s.logger.Info("Starting API server", zap.String("addr", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("Shutting down API server")
		timeout := s.config.ShutdownTimeout
		if timeout <= 0 {
			timeout = DefaultConfig().ShutdownTimeout
		}
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// handleHealth handles GET /healthz
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !s.pipeline.IsRunning() {
		s.respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "stopped"})
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// StatusResponse is the body of GET /status
type StatusResponse struct {
	Running    bool                                `json:"running"`
	Timestamp  time.Time                           `json:"timestamp"`
	Pipeline   pipeline.Stats                      `json:"pipeline"`
	Collectors map[string]pipeline.CollectorHealth `json:"collectors"`
	Components map[string]any                      `json:"components,omitempty"`
}

// handleStatus handles GET /status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		Running:    s.pipeline.IsRunning(),
		Timestamp:  time.Now().UTC(),
		Pipeline:   s.pipeline.Stats(),
		Collectors: s.pipeline.Health(),
	}
	if len(s.status) > 0 {
		resp.Components = make(map[string]any, len(s.status))
		for name, fn := range s.status {
			resp.Components[name] = fn()
		}
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{
		"error": message,
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush keeps streaming responses working through the middleware
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("Request served",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)))
	})
}

func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				s.logger.Error("Handler panicked",
					zap.String("path", r.URL.Path),
					zap.Any("panic", rec))
				s.respondError(w, http.StatusInternalServerError, "Internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}
