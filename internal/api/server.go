// Package api exposes the HTTP control interface: health probes,
// Prometheus metrics, and run management per crawler.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/stagecrawl/stagecrawl/internal/crawl"
	"github.com/stagecrawl/stagecrawl/internal/dispatch"
	"github.com/stagecrawl/stagecrawl/internal/graph"
)

// Controller is the slice of the run engine the API needs.
type Controller interface {
	Crawlers() map[string]*graph.Crawler
	StartRun(ctx context.Context, crawler string, opts dispatch.RunOptions) (string, error)
	CancelRun(ctx context.Context, crawler, runID string) error
	Flush(ctx context.Context, crawler string) error
}

// Server wires HTTP handlers to the run controller.
type Server struct {
	router chi.Router
	ctl    Controller
	log    *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(ctl Controller, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{ctl: ctl, log: log}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(timeoutMiddleware(60 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/crawlers", s.listCrawlers)
		r.Route("/crawlers/{crawler}", func(r chi.Router) {
			r.Post("/run", s.startRun)
			r.Post("/flush", s.flush)
			r.Post("/runs/{run_id}/cancel", s.cancelRun)
		})
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

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type crawlerSummary struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Schedule    string `json:"schedule,omitempty"`
	Init        string `json:"init"`
	Stages      int    `json:"stages"`
	Incremental bool   `json:"incremental"`
}

func (s *Server) listCrawlers(w http.ResponseWriter, _ *http.Request) {
	crawlers := s.ctl.Crawlers()
	out := make([]crawlerSummary, 0, len(crawlers))
	for name, c := range crawlers {
		out = append(out, crawlerSummary{
			Name:        name,
			Description: c.Description,
			Schedule:    c.Schedule,
			Init:        c.Init,
			Stages:      len(c.Pipeline),
			Incremental: c.IsIncremental(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"crawlers": out})
}

type startRunRequest struct {
	Incremental     *bool `json:"incremental"`
	ContinueOnError *bool `json:"continue_on_error"`
	MaxRuntimeSecs  *int  `json:"max_runtime_secs"`
}

func (s *Server) startRun(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "crawler")

	var req startRunRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
	}
	opts := dispatch.RunOptions{
		Incremental:     req.Incremental,
		ContinueOnError: req.ContinueOnError,
	}
	if req.MaxRuntimeSecs != nil {
		d := time.Duration(*req.MaxRuntimeSecs) * time.Second
		opts.MaxRuntime = &d
	}

	runID, err := s.ctl.StartRun(r.Context(), name, opts)
	if err != nil {
		writeControllerError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"crawler": name, "run_id": runID})
}

func (s *Server) cancelRun(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "crawler")
	runID := chi.URLParam(r, "run_id")
	if err := s.ctl.CancelRun(r.Context(), name, runID); err != nil {
		writeControllerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"crawler": name, "run_id": runID, "status": "cancelled"})
}

func (s *Server) flush(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "crawler")
	if err := s.ctl.Flush(r.Context(), name); err != nil {
		writeControllerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"crawler": name, "status": "flushed"})
}

// writeControllerError maps engine errors onto HTTP statuses. Unknown
// crawler names surface as 404s; everything else is a 500.
func writeControllerError(w http.ResponseWriter, err error) {
	var cfgErr *crawl.ConfigError
	if errors.As(err, &cfgErr) {
		writeError(w, http.StatusNotFound, cfgErr.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
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
		s.log.Info("request completed",
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
				s.log.Error("panic recovered", zap.Any("error", rec))
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
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
