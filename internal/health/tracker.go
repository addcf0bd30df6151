// Package health maintains the per-source circuit breaker: a consecutive
// failure counter plus a health status machine persisted on the source row.
package health

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JuctTr/investment-research/internal/harvest"
)

// Tracker updates source health in response to crawl outcomes. Workers
// report success and failure; the scheduler reads the resulting enabled
// flag and health status.
type Tracker struct {
	sources harvest.SourceRepository
	clock   harvest.Clock
	logger  *zap.Logger

	// defaultMaxFailures applies when a source carries no per-source
	// override.
	defaultMaxFailures int
}

// NewTracker wires a tracker over the source repository.
func NewTracker(sources harvest.SourceRepository, clock harvest.Clock, defaultMaxFailures int, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if defaultMaxFailures <= 0 {
		defaultMaxFailures = 5
	}
	return &Tracker{
		sources:            sources,
		clock:              clock,
		logger:             logger,
		defaultMaxFailures: defaultMaxFailures,
	}
}

// OnSuccess clears the failure counter and re-enables the source. A source
// that regains health is un-paused even if the breaker had disabled it.
func (t *Tracker) OnSuccess(ctx context.Context, sourceID string) error {
	source, err := t.sources.Get(ctx, sourceID)
	if err != nil {
		return fmt.Errorf("health: load source %s: %w", sourceID, err)
	}

	now := t.clock.Now()
	zero := 0
	enabled := true
	status := harvest.HealthHealthy
	patch := harvest.SourcePatch{
		ConsecutiveFailures: &zero,
		LastSuccessAt:       &now,
		HealthStatus:        &status,
		Enabled:             &enabled,
	}
	if err := t.sources.Update(ctx, sourceID, patch); err != nil {
		return fmt.Errorf("health: record success for %s: %w", sourceID, err)
	}

	if !source.Enabled || source.HealthStatus != harvest.HealthHealthy {
		t.logger.Info("source recovered",
			zap.String("source_id", sourceID),
			zap.String("previous_status", string(source.HealthStatus)))
	}
	return nil
}

// OnFailure increments the failure counter and trips the breaker once the
// per-source threshold is reached. It reports whether this failure disabled
// the source.
func (t *Tracker) OnFailure(ctx context.Context, sourceID string) (bool, error) {
	source, err := t.sources.Get(ctx, sourceID)
	if err != nil {
		return false, fmt.Errorf("health: load source %s: %w", sourceID, err)
	}

	failures := source.ConsecutiveFailures + 1
	max := source.MaxConsecutiveFailures
	if max <= 0 {
		max = t.defaultMaxFailures
	}

	now := t.clock.Now()
	patch := harvest.SourcePatch{
		ConsecutiveFailures: &failures,
		LastFailureAt:       &now,
	}

	tripped := failures >= max
	if tripped {
		status := harvest.HealthDisabled
		enabled := false
		patch.HealthStatus = &status
		patch.Enabled = &enabled
	} else {
		status := harvest.HealthDegraded
		patch.HealthStatus = &status
	}

	if err := t.sources.Update(ctx, sourceID, patch); err != nil {
		return false, fmt.Errorf("health: record failure for %s: %w", sourceID, err)
	}

	if tripped {
		t.logger.Warn("circuit breaker tripped, source disabled",
			zap.String("source_id", sourceID),
			zap.Int("consecutive_failures", failures),
			zap.Int("threshold", max))
	} else {
		t.logger.Debug("source failure recorded",
			zap.String("source_id", sourceID),
			zap.Int("consecutive_failures", failures),
			zap.Int("threshold", max))
	}
	return tripped, nil
}

// Reset clears the counter and forces the source healthy and enabled,
// regardless of history. Exposed through the admin surface.
func (t *Tracker) Reset(ctx context.Context, sourceID string) error {
	if _, err := t.sources.Get(ctx, sourceID); err != nil {
		return fmt.Errorf("health: load source %s: %w", sourceID, err)
	}

	zero := 0
	enabled := true
	status := harvest.HealthHealthy
	patch := harvest.SourcePatch{
		ConsecutiveFailures: &zero,
		HealthStatus:        &status,
		Enabled:             &enabled,
	}
	if err := t.sources.Update(ctx, sourceID, patch); err != nil {
		return fmt.Errorf("health: reset %s: %w", sourceID, err)
	}

	t.logger.Info("source health manually reset", zap.String("source_id", sourceID))
	return nil
}
