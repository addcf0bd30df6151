package api

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/JuctTr/investment-research/internal/harvest"
)

func (s *Server) queueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queue.Stats(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) pauseQueue(w http.ResponseWriter, r *http.Request) {
	if err := s.queue.Pause(r.Context()); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"queue": "paused"})
}

func (s *Server) resumeQueue(w http.ResponseWriter, r *http.Request) {
	if err := s.queue.Resume(r.Context()); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"queue": "running"})
}

// drainQueue drops every waiting and delayed job, then compensates for
// each one: the admission slot the scheduler reserved is released and the
// still-pending task is moved to CANCELLED, mirroring the scheduler's own
// submit-failure cleanup. Without this, drained sources would stay blocked
// by the per-source gate forever.
func (s *Server) drainQueue(w http.ResponseWriter, r *http.Request) {
	dropped, err := s.queue.Drain(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	status := harvest.TaskCancelled
	completedAt := s.clock.Now()
	reason := "queue drained via admin API"
	for _, job := range dropped {
		s.limiter.Release(job.TaskID)
		patch := harvest.TaskPatch{
			Status:       &status,
			CompletedAt:  &completedAt,
			ErrorMessage: &reason,
		}
		if uerr := s.tasks.Update(r.Context(), job.TaskID, patch); uerr != nil {
			s.logger.Warn("failed to cancel drained task",
				zap.String("task_id", job.TaskID), zap.Error(uerr))
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"queue": "drained", "dropped": len(dropped)})
}

func (s *Server) rateLimitStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.limiter.Stats())
}

func (s *Server) cookieStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.cookies.Status(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

type warmUpRequest struct {
	Count int `json:"count"`
}

func (s *Server) warmUpCookies(w http.ResponseWriter, r *http.Request) {
	var req warmUpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Count <= 0 || req.Count > 20 {
		writeError(w, http.StatusBadRequest, "count must be between 1 and 20")
		return
	}
	if err := s.cookies.WarmUp(r.Context(), req.Count); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"warmed": req.Count})
}

func (s *Server) schedulerStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.scheduler.Status())
}

// runSweep kicks the disabled-source recovery pass outside its usual
// cadence.
func (s *Server) runSweep(w http.ResponseWriter, r *http.Request) {
	report := s.scheduler.RunRecoverySweep(r.Context())
	if report == nil {
		writeError(w, http.StatusConflict, "recovery sweep already running")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) modeStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"modes": s.modes.Status()})
}
