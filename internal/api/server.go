// Package api exposes the HTTP interface for the harvester service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/edusync/harvester/internal/core"
	"github.com/edusync/harvester/internal/metrics"
)

// SessionManager is the session surface the server needs.
type SessionManager interface {
	Start(ctx context.Context) (core.Session, error)
	Cancel() (core.Session, error)
	Active() (core.Session, bool)
	History() []core.Session
}

// QueueReader exposes queue observability.
type QueueReader interface {
	Stats() core.QueueStats
	RecentErrors() []core.TaskFailure
}

// CacheReader exposes sync-cache observability.
type CacheReader interface {
	PlanTargetedRecrawl() []core.RecrawlTarget
	Changes(url string) []core.ChangeSignal
	Len() int
}

// Server wires HTTP handlers to the session manager, queue, and cache.
type Server struct {
	router   chi.Router
	sessions SessionManager
	queue    QueueReader
	cache    CacheReader
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(sessions SessionManager, queue QueueReader, cache CacheReader, logger *zap.Logger) *Server {
	s := &Server{
		sessions: sessions,
		queue:    queue,
		cache:    cache,
		logger:   logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(timeoutMiddleware(60 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/session", func(r chi.Router) {
			r.Get("/", s.getSession)
			r.Post("/start", s.startSession)
			r.Post("/cancel", s.cancelSession)
			r.Get("/history", s.getSessionHistory)
		})
		r.Route("/queue", func(r chi.Router) {
			r.Get("/stats", s.getQueueStats)
			r.Get("/errors", s.getQueueErrors)
		})
		r.Route("/cache", func(r chi.Router) {
			r.Get("/plan", s.getRecrawlPlan)
			r.Get("/changes", s.getChanges)
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

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) getSession(w http.ResponseWriter, _ *http.Request) {
	sess, ok := s.sessions.Active()
	if !ok {
		s.writeJSON(w, http.StatusOK, map[string]any{"active": false})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"active": true, "session": sess})
}

func (s *Server) startSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Start(r.Context())
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, core.ErrSessionRunning) {
			status = http.StatusConflict
		}
		s.writeError(w, status, err.Error())
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]any{"session": sess})
}

func (s *Server) cancelSession(w http.ResponseWriter, _ *http.Request) {
	sess, err := s.sessions.Cancel()
	if err != nil {
		s.writeError(w, http.StatusConflict, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"session": sess})
}

func (s *Server) getSessionHistory(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"sessions": s.sessions.History()})
}

func (s *Server) getQueueStats(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.queue.Stats())
}

func (s *Server) getQueueErrors(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"errors": s.queue.RecentErrors()})
}

func (s *Server) getRecrawlPlan(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"targets": s.cache.PlanTargetedRecrawl(),
		"tracked": s.cache.Len(),
	})
}

func (s *Server) getChanges(w http.ResponseWriter, r *http.Request) {
	url := r.URL.Query().Get("url")
	if url == "" {
		s.writeError(w, http.StatusBadRequest, "url query parameter is required")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"url": url, "signals": s.cache.Changes(url)})
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

		routePattern := chi.RouteContext(r.Context()).RoutePattern()
		if routePattern == "" {
			routePattern = "unknown"
		}
		metrics.ObserveHTTPRequest(r.Method, routePattern, ww.status, time.Since(start))
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
				s.logger.Error("panic recovered", zap.Any("error", rec))
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
