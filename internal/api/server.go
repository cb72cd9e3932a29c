package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/tubecrawler/internal/config"
	"github.com/JakeFAU/tubecrawler/internal/pipeline"
	"github.com/JakeFAU/tubecrawler/internal/taskstore"
	"github.com/JakeFAU/tubecrawler/internal/workqueue"
)

// Pipeline is the part of the crawl pipeline the API drives.
type Pipeline interface {
	EnqueueVideo(ctx context.Context, id string) (bool, error)
	EnqueueChannel(ctx context.Context, id string) (bool, error)
	EnqueueSearch(ctx context.Context, query string) (bool, error)
	Names() []string
	Stats(ctx context.Context, name string) (taskstore.IDs, error)
	Reclaim(ctx context.Context, name string, maxAge time.Duration) ([]string, error)
}

// MetricsSource serves the Prometheus exposition and records request metrics.
type MetricsSource interface {
	Handler() http.Handler
	Middleware(next http.Handler) http.Handler
}

// Server wires HTTP handlers to the pipeline.
type Server struct {
	router   chi.Router
	pipeline Pipeline
	metrics  MetricsSource
	logger   *zap.Logger
	cfg      config.Config
}

// NewServer constructs a Server with middleware and routes. metrics may be nil.
func NewServer(p Pipeline, metrics MetricsSource, cfg config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		pipeline: p,
		metrics:  metrics,
		logger:   logger.Named("api"),
		cfg:      cfg,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	if metrics != nil {
		r.Use(metrics.Middleware)
	}
	r.Use(timeoutMiddleware(60 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Get("/metrics", s.serveMetrics)

	r.Route("/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Post("/videos", s.enqueue("id", p.EnqueueVideo))
		r.Post("/channels", s.enqueue("id", p.EnqueueChannel))
		r.Post("/searches", s.enqueue("query", p.EnqueueSearch))
		r.Route("/queues", func(r chi.Router) {
			r.Get("/", s.listQueues)
			r.Get("/{name}", s.getQueue)
			r.Post("/{name}/reclaim", s.reclaimQueue)
		})
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
	for _, name := range s.pipeline.Names() {
		if _, err := s.pipeline.Stats(r.Context(), name); err != nil {
			s.writeError(w, http.StatusServiceUnavailable, "queue "+name+" unavailable")
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) serveMetrics(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		s.writeError(w, http.StatusNotFound, "metrics disabled")
		return
	}
	s.metrics.Handler().ServeHTTP(w, r)
}

type enqueueResponse struct {
	ID       string `json:"id"`
	Accepted bool   `json:"accepted"`
}

// enqueue decodes {"<field>": "..."} and hands the value to fn. A duplicate is
// still a 202 with accepted=false.
func (s *Server) enqueue(field string, fn func(context.Context, string) (bool, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
		value := strings.TrimSpace(req[field])
		if value == "" {
			s.writeError(w, http.StatusBadRequest, field+" required")
			return
		}
		accepted, err := fn(r.Context(), value)
		if err != nil {
			status := http.StatusInternalServerError
			switch {
			case errors.Is(err, workqueue.ErrInvalidTaskID):
				status = http.StatusBadRequest
			case errors.Is(err, workqueue.ErrClosed):
				status = http.StatusServiceUnavailable
			}
			s.writeError(w, status, err.Error())
			return
		}
		s.writeJSON(w, http.StatusAccepted, enqueueResponse{ID: value, Accepted: accepted})
	}
}

type queueCounts struct {
	Pending    int `json:"pending"`
	InProgress int `json:"in_progress"`
	Succeeded  int `json:"succeeded"`
	Failed     int `json:"failed"`
}

func (s *Server) listQueues(w http.ResponseWriter, r *http.Request) {
	out := make(map[string]queueCounts, len(s.pipeline.Names()))
	for _, name := range s.pipeline.Names() {
		ids, err := s.pipeline.Stats(r.Context(), name)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		out[name] = queueCounts{
			Pending:    len(ids.Pending),
			InProgress: len(ids.InProgress),
			Succeeded:  len(ids.Succeeded),
			Failed:     len(ids.Failed),
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"queues": out})
}

func (s *Server) getQueue(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	ids, err := s.pipeline.Stats(r.Context(), name)
	if err != nil {
		s.writeQueueError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"queue": name, "ids": ids})
}

func (s *Server) reclaimQueue(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	maxAge := s.cfg.Reclaim.MaxAge
	if raw := r.URL.Query().Get("max_age"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			s.writeError(w, http.StatusBadRequest, "invalid max_age")
			return
		}
		maxAge = d
	}
	ids, err := s.pipeline.Reclaim(r.Context(), name, maxAge)
	if err != nil {
		s.writeQueueError(w, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"queue": name, "reclaimed": ids})
}

func (s *Server) writeQueueError(w http.ResponseWriter, err error) {
	if errors.Is(err, pipeline.ErrUnknownQueue) {
		s.writeError(w, http.StatusNotFound, "queue not found")
		return
	}
	s.writeError(w, http.StatusInternalServerError, err.Error())
}

type requestIDKey struct{}

// RequestID returns the id requestIDMiddleware attached to ctx.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
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
		s.logger.Info("request completed",
			zap.String("request_id", RequestID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered",
					zap.String("request_id", RequestID(r.Context())),
					zap.Any("error", rec),
				)
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

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusForbidden)
				_, _ = w.Write([]byte(`{"error":"unauthorized"}` + "\n"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
