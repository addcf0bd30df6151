package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JuctTr/investment-research/internal/harvest"
)

type sourceRequest struct {
	Name                   string            `json:"name"`
	Category               string            `json:"category"`
	URL                    string            `json:"url"`
	Enabled                *bool             `json:"enabled"`
	FetchIntervalSeconds   int               `json:"fetch_interval_seconds"`
	AuthConfig             map[string]string `json:"auth_config"`
	MaxConsecutiveFailures int               `json:"max_consecutive_failures"`
}

func validCategory(raw string) (harvest.SourceCategory, bool) {
	switch harvest.SourceCategory(raw) {
	case harvest.CategoryRSS, harvest.CategoryWeb, harvest.CategorySearch:
		return harvest.SourceCategory(raw), true
	default:
		return "", false
	}
}

func (s *Server) createSource(w http.ResponseWriter, r *http.Request) {
	var req sourceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Name == "" || req.URL == "" {
		writeError(w, http.StatusBadRequest, "name and url are required")
		return
	}
	category, ok := validCategory(req.Category)
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown category: "+req.Category)
		return
	}

	id, err := s.ids.NewID()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	now := s.clock.Now()
	interval := time.Duration(req.FetchIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = time.Hour
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	source := harvest.Source{
		ID:                     id,
		Name:                   req.Name,
		Category:               category,
		URL:                    req.URL,
		Enabled:                enabled,
		FetchInterval:          interval,
		AuthConfig:             req.AuthConfig,
		MaxConsecutiveFailures: req.MaxConsecutiveFailures,
		HealthStatus:           harvest.HealthHealthy,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	if err := s.sources.Create(r.Context(), source); err != nil {
		writeDomainError(w, err)
		return
	}
	s.logger.Info("source registered",
		zap.String("source_id", id),
		zap.String("category", string(category)))
	writeJSON(w, http.StatusCreated, source)
}

func (s *Server) listSources(w http.ResponseWriter, r *http.Request) {
	sources, err := s.sources.List(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sources": sources})
}

func (s *Server) getSource(w http.ResponseWriter, r *http.Request) {
	source, err := s.sources.Get(r.Context(), chi.URLParam(r, "source_id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, source)
}

type sourcePatchRequest struct {
	Name                 *string `json:"name"`
	URL                  *string `json:"url"`
	Enabled              *bool   `json:"enabled"`
	FetchIntervalSeconds *int    `json:"fetch_interval_seconds"`
}

func (s *Server) updateSource(w http.ResponseWriter, r *http.Request) {
	var req sourcePatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	patch := harvest.SourcePatch{
		Name:    req.Name,
		URL:     req.URL,
		Enabled: req.Enabled,
	}
	if req.FetchIntervalSeconds != nil {
		if *req.FetchIntervalSeconds <= 0 {
			writeError(w, http.StatusBadRequest, "fetch_interval_seconds must be > 0")
			return
		}
		interval := time.Duration(*req.FetchIntervalSeconds) * time.Second
		patch.FetchInterval = &interval
	}

	id := chi.URLParam(r, "source_id")
	if err := s.sources.Update(r.Context(), id, patch); err != nil {
		writeDomainError(w, err)
		return
	}
	source, err := s.sources.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, source)
}

// startSource re-enables a source. A breaker-disabled source gets the
// full breaker reset: enabling it while leaving health at DISABLED would
// break the enabled/health coupling and the scheduler would still skip it.
func (s *Server) startSource(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "source_id")
	source, err := s.sources.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if source.HealthStatus == harvest.HealthDisabled {
		if err := s.tracker.Reset(r.Context(), id); err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"source_id":     id,
			"enabled":       true,
			"health_status": string(harvest.HealthHealthy),
		})
		return
	}
	s.setEnabled(w, r, true)
}

func (s *Server) stopSource(w http.ResponseWriter, r *http.Request) {
	s.setEnabled(w, r, false)
}

func (s *Server) setEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	id := chi.URLParam(r, "source_id")
	patch := harvest.SourcePatch{Enabled: &enabled}
	if err := s.sources.Update(r.Context(), id, patch); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"source_id": id, "enabled": enabled})
}

// resetSourceHealth clears the breaker state and re-enables the source.
func (s *Server) resetSourceHealth(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "source_id")
	if err := s.tracker.Reset(r.Context(), id); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"source_id": id, "health_status": string(harvest.HealthHealthy)})
}

// triggerSource schedules an immediate high-priority crawl, still subject
// to the rate limiter.
func (s *Server) triggerSource(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "source_id")
	taskID, err := s.scheduler.Trigger(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"source_id": id, "task_id": taskID})
}
