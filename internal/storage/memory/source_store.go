// Package memory provides in-memory repository implementations for
// development and testing.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/JuctTr/investment-research/internal/harvest"
)

// SourceStore keeps sources in a map guarded by a mutex.
type SourceStore struct {
	mu      sync.RWMutex
	sources map[string]harvest.Source
}

// NewSourceStore creates an empty in-memory source repository.
func NewSourceStore() *SourceStore {
	return &SourceStore{sources: make(map[string]harvest.Source)}
}

// Create stores a new source keyed by its id.
func (s *SourceStore) Create(_ context.Context, source harvest.Source) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if source.CreatedAt.IsZero() {
		source.CreatedAt = now
	}
	if source.UpdatedAt.IsZero() {
		source.UpdatedAt = now
	}
	s.sources[source.ID] = source
	return nil
}

// Get returns the source or harvest.ErrSourceNotFound.
func (s *SourceStore) Get(_ context.Context, id string) (harvest.Source, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	source, ok := s.sources[id]
	if !ok {
		return harvest.Source{}, harvest.ErrSourceNotFound
	}
	return source, nil
}

// FindEnabled returns enabled sources ordered by lastFetchAt ascending with
// never-fetched sources first, matching the scheduler's fairness order.
func (s *SourceStore) FindEnabled(_ context.Context) ([]harvest.Source, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []harvest.Source
	for _, source := range s.sources {
		if source.Enabled {
			out = append(out, source)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].LastFetchAt, out[j].LastFetchAt
		switch {
		case a == nil && b == nil:
			return out[i].ID < out[j].ID
		case a == nil:
			return true
		case b == nil:
			return false
		default:
			return a.Before(*b)
		}
	})
	return out, nil
}

// FindDisabled returns sources with enabled == false, used by the recovery
// sweep.
func (s *SourceStore) FindDisabled(_ context.Context) ([]harvest.Source, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []harvest.Source
	for _, source := range s.sources {
		if !source.Enabled {
			out = append(out, source)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// List returns every source ordered by id.
func (s *SourceStore) List(_ context.Context) ([]harvest.Source, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]harvest.Source, 0, len(s.sources))
	for _, source := range s.sources {
		out = append(out, source)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Update applies a partial patch to the source row.
func (s *SourceStore) Update(_ context.Context, id string, patch harvest.SourcePatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	source, ok := s.sources[id]
	if !ok {
		return harvest.ErrSourceNotFound
	}

	if patch.Name != nil {
		source.Name = *patch.Name
	}
	if patch.URL != nil {
		source.URL = *patch.URL
	}
	if patch.Enabled != nil {
		source.Enabled = *patch.Enabled
	}
	if patch.FetchInterval != nil {
		source.FetchInterval = *patch.FetchInterval
	}
	if patch.LastFetchAt != nil {
		t := *patch.LastFetchAt
		source.LastFetchAt = &t
	}
	if patch.ConsecutiveFailures != nil {
		source.ConsecutiveFailures = *patch.ConsecutiveFailures
	}
	if patch.LastFailureAt != nil {
		t := *patch.LastFailureAt
		source.LastFailureAt = &t
	}
	if patch.LastSuccessAt != nil {
		t := *patch.LastSuccessAt
		source.LastSuccessAt = &t
	}
	if patch.HealthStatus != nil {
		source.HealthStatus = *patch.HealthStatus
	}
	source.UpdatedAt = time.Now()

	s.sources[id] = source
	return nil
}
