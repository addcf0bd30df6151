// Package api exposes the admin HTTP surface: source and task management,
// manual triggers, and operational status for every subsystem.
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

	"github.com/JuctTr/investment-research/internal/cookiepool"
	"github.com/JuctTr/investment-research/internal/degrade"
	"github.com/JuctTr/investment-research/internal/harvest"
	"github.com/JuctTr/investment-research/internal/health"
	"github.com/JuctTr/investment-research/internal/metrics"
	"github.com/JuctTr/investment-research/internal/ratelimit"
	"github.com/JuctTr/investment-research/internal/schedule"
)

// Server wires HTTP handlers to the orchestration subsystems.
type Server struct {
	router chi.Router

	sources   harvest.SourceRepository
	tasks     harvest.TaskRepository
	scheduler *schedule.Scheduler
	limiter   *ratelimit.Limiter
	queue     harvest.Queue
	cookies   *cookiepool.Pool
	tracker   *health.Tracker
	modes     *degrade.Controller
	ids       harvest.IDGenerator
	clock     harvest.Clock
	logger    *zap.Logger
}

// Deps carries everything the admin surface reaches into.
type Deps struct {
	Sources   harvest.SourceRepository
	Tasks     harvest.TaskRepository
	Scheduler *schedule.Scheduler
	Limiter   *ratelimit.Limiter
	Queue     harvest.Queue
	Cookies   *cookiepool.Pool
	Tracker   *health.Tracker
	Modes     *degrade.Controller
	IDs       harvest.IDGenerator
	Clock     harvest.Clock
	Logger    *zap.Logger
}

// NewServer constructs the router with middleware and all routes.
func NewServer(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		sources:   deps.Sources,
		tasks:     deps.Tasks,
		scheduler: deps.Scheduler,
		limiter:   deps.Limiter,
		queue:     deps.Queue,
		cookies:   deps.Cookies,
		tracker:   deps.Tracker,
		modes:     deps.Modes,
		ids:       deps.IDs,
		clock:     deps.Clock,
		logger:    logger,
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
		r.Route("/sources", func(r chi.Router) {
			r.Post("/", s.createSource)
			r.Get("/", s.listSources)
			r.Route("/{source_id}", func(r chi.Router) {
				r.Get("/", s.getSource)
				r.Patch("/", s.updateSource)
				r.Post("/start", s.startSource)
				r.Post("/stop", s.stopSource)
				r.Post("/reset-health", s.resetSourceHealth)
				r.Post("/trigger", s.triggerSource)
			})
		})
		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", s.listTasks)
			r.Route("/{task_id}", func(r chi.Router) {
				r.Get("/", s.getTask)
				r.Post("/cancel", s.cancelTask)
			})
		})
		r.Route("/queue", func(r chi.Router) {
			r.Get("/stats", s.queueStats)
			r.Post("/pause", s.pauseQueue)
			r.Post("/resume", s.resumeQueue)
			r.Post("/drain", s.drainQueue)
		})
		r.Get("/ratelimit/stats", s.rateLimitStats)
		r.Route("/cookies", func(r chi.Router) {
			r.Get("/status", s.cookieStatus)
			r.Post("/warmup", s.warmUpCookies)
		})
		r.Route("/scheduler", func(r chi.Router) {
			r.Get("/status", s.schedulerStatus)
			r.Post("/sweep", s.runSweep)
		})
		r.Get("/modes", s.modeStatus)
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

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if _, err := s.queue.Stats(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "queue unavailable")
		return
	}
	if _, err := s.sources.List(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "source store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
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

// writeDomainError maps sentinel and state-machine errors onto HTTP codes.
func writeDomainError(w http.ResponseWriter, err error) {
	var transition *harvest.InvalidTransitionError
	switch {
	case errors.Is(err, harvest.ErrSourceNotFound), errors.Is(err, harvest.ErrTaskNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &transition):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, schedule.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
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
		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		duration := time.Since(start)
		metrics.ObserveHTTPRequest(r.Method, r.URL.Path, ww.status, duration)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Duration("duration", duration))
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered in handler", zap.Any("panic", rec))
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

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
