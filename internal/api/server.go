package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	idgen "github.com/JakeFAU/condor-spider/internal/id/uuid"
	"github.com/JakeFAU/condor-spider/internal/metrics"
	"github.com/JakeFAU/condor-spider/internal/spider"
)

const defaultRequestTimeout = 60 * time.Second

// RunReader returns the latest recorded run.
type RunReader interface {
	LastRun(ctx context.Context) (spider.RunSummary, error)
}

// Trigger starts a pass out of schedule. It reports false when one is
// already running.
type Trigger interface {
	Trigger() bool
}

// Options configures optional server behavior.
type Options struct {
	// APIKey protects the /v1 routes when non-empty.
	APIKey         string
	RequestTimeout time.Duration
	// Ready is consulted by /readyz; nil means always ready.
	Ready func(ctx context.Context) error
}

// Server wires HTTP handlers to the checkpoint and run stores.
type Server struct {
	router      chi.Router
	checkpoints spider.CheckpointStore
	runs        RunReader
	trigger     Trigger
	opts        Options
	logger      *zap.Logger
}

// NewServer constructs a Server with middleware and routes. runs and trigger
// may be nil; their routes then answer 404 and 501 respectively.
func NewServer(
	checkpoints spider.CheckpointStore,
	runs RunReader,
	trigger Trigger,
	opts Options,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	s := &Server{
		checkpoints: checkpoints,
		runs:        runs,
		trigger:     trigger,
		opts:        opts,
		logger:      logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(timeoutMiddleware(opts.RequestTimeout))
		if opts.APIKey != "" {
			r.Use(apiKeyMiddleware(opts.APIKey))
		}
		r.Get("/checkpoints", s.listCheckpoints)
		r.Get("/runs/last", s.lastRun)
		r.Post("/runs", s.triggerRun)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.opts.Ready != nil {
		if err := s.opts.Ready(r.Context()); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			s.writeError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type checkpointView struct {
	Source    string    `json:"source"`
	Watermark time.Time `json:"watermark"`
	Epoch     int64     `json:"epoch"`
}

func (s *Server) listCheckpoints(w http.ResponseWriter, r *http.Request) {
	if s.checkpoints == nil {
		s.writeError(w, http.StatusNotFound, "checkpoint store not configured")
		return
	}
	marks, err := s.checkpoints.All(r.Context())
	if err != nil {
		s.logger.Error("list checkpoints failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to read checkpoints")
		return
	}
	out := make([]checkpointView, 0, len(marks))
	for source, mark := range marks {
		out = append(out, checkpointView{Source: source, Watermark: mark.UTC(), Epoch: mark.Unix()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Source < out[j].Source })
	s.writeJSON(w, http.StatusOK, map[string]any{"checkpoints": out})
}

func (s *Server) lastRun(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		s.writeError(w, http.StatusNotFound, "no runs recorded")
		return
	}
	summary, err := s.runs.LastRun(r.Context())
	if errors.Is(err, spider.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "no runs recorded")
		return
	}
	if err != nil {
		s.logger.Error("read last run failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to read last run")
		return
	}
	s.writeJSON(w, http.StatusOK, summary)
}

func (s *Server) triggerRun(w http.ResponseWriter, _ *http.Request) {
	if s.trigger == nil {
		s.writeError(w, http.StatusNotImplemented, "manual runs are not enabled")
		return
	}
	if !s.trigger.Trigger() {
		s.writeError(w, http.StatusConflict, "a pass is already running")
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if !idgen.Valid(reqID) {
			reqID = uuid.NewString()
		}
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
		reqID, _ := r.Context().Value(requestIDKey{}).(string)
		s.logger.Debug("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.String("request_id", reqID),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
				s.writeError(w, http.StatusInternalServerError, "internal server error")
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

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeJSONTo(w, http.StatusForbidden, map[string]string{"error": "unauthorized"}, nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	writeJSONTo(w, status, payload, s.logger)
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSONTo(w http.ResponseWriter, status int, payload any, logger *zap.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil && logger != nil {
		logger.Error("write JSON failed", zap.Error(err))
	}
}
