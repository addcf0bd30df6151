package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/JuctTr/investment-research/internal/harvest"
)

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := harvest.TaskFilter{
		SourceID: q.Get("source_id"),
		Status:   harvest.TaskStatus(q.Get("status")),
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		filter.Limit = limit
	}
	if raw := q.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			writeError(w, http.StatusBadRequest, "invalid offset")
			return
		}
		filter.Offset = offset
	}

	tasks, err := s.tasks.List(r.Context(), filter)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.tasks.Get(r.Context(), chi.URLParam(r, "task_id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// cancelTask moves a pending or running task to CANCELLED. Terminal tasks
// are rejected with a conflict; no state is mutated.
func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "task_id")
	before, err := s.tasks.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	status := harvest.TaskCancelled
	completedAt := s.clock.Now()
	reason := "cancelled via admin API"
	patch := harvest.TaskPatch{
		Status:       &status,
		CompletedAt:  &completedAt,
		ErrorMessage: &reason,
	}
	if err := s.tasks.Update(r.Context(), id, patch); err != nil {
		writeDomainError(w, err)
		return
	}
	// A pending task will never reach the worker, so free its admission
	// slot here. A running task's crawl is still physically executing;
	// its slot stays held until the worker's completion hook fires, so a
	// new job for the same source cannot overlap the in-flight one.
	if before.Status == harvest.TaskPending {
		s.limiter.Release(id)
	}
	writeJSON(w, http.StatusOK, map[string]string{"task_id": id, "status": string(harvest.TaskCancelled)})
}
