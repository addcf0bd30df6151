// Package schedule decides when sources run and drives the periodic tick.
package schedule

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JuctTr/investment-research/internal/harvest"
)

// Strategy decides whether a source is due for a crawl.
type Strategy interface {
	Name() string
	ShouldSchedule(ctx context.Context, source harvest.Source) bool
}

// DefaultStrategy is the pure time rule: never fetched, or the fetch
// interval has elapsed.
type DefaultStrategy struct {
	clock harvest.Clock
}

// NewDefaultStrategy builds the time-based strategy.
func NewDefaultStrategy(clock harvest.Clock) *DefaultStrategy {
	return &DefaultStrategy{clock: clock}
}

// Name identifies the strategy in logs.
func (s *DefaultStrategy) Name() string { return "default" }

// ShouldSchedule applies the time rule.
func (s *DefaultStrategy) ShouldSchedule(_ context.Context, source harvest.Source) bool {
	if !source.Enabled {
		return false
	}
	return source.Due(s.clock.Now())
}

// DependencyProber reports whether an external acquisition channel (e.g. a
// third-party search mirror) is currently serving.
type DependencyProber interface {
	Healthy(ctx context.Context) bool
}

// DependencyHealthStrategy applies the time rule and additionally gates on
// an external dependency's health. The probe result is cached so one tick
// performs at most one probe however many sources share the category.
type DependencyHealthStrategy struct {
	clock    harvest.Clock
	prober   DependencyProber
	cacheTTL time.Duration
	logger   *zap.Logger

	mu        sync.Mutex
	probedAt  time.Time
	lastProbe bool
}

// NewDependencyHealthStrategy builds the dependency-gated strategy.
func NewDependencyHealthStrategy(clock harvest.Clock, prober DependencyProber, cacheTTL time.Duration, logger *zap.Logger) *DependencyHealthStrategy {
	if cacheTTL <= 0 {
		cacheTTL = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DependencyHealthStrategy{
		clock:    clock,
		prober:   prober,
		cacheTTL: cacheTTL,
		logger:   logger,
	}
}

// Name identifies the strategy in logs.
func (s *DependencyHealthStrategy) Name() string { return "dependency-health" }

// ShouldSchedule applies the time rule, then the cached dependency probe.
func (s *DependencyHealthStrategy) ShouldSchedule(ctx context.Context, source harvest.Source) bool {
	if !source.Enabled || !source.Due(s.clock.Now()) {
		return false
	}
	healthy := s.dependencyHealthy(ctx)
	if !healthy {
		s.logger.Debug("dependency unhealthy, holding source back",
			zap.String("source_id", source.ID))
	}
	return healthy
}

func (s *DependencyHealthStrategy) dependencyHealthy(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	if !s.probedAt.IsZero() && now.Sub(s.probedAt) < s.cacheTTL {
		return s.lastProbe
	}
	s.lastProbe = s.prober.Healthy(ctx)
	s.probedAt = now
	return s.lastProbe
}

// Resolver maps source categories to strategies. Selection is a lookup,
// not inheritance; unknown categories fall back to the default strategy.
type Resolver struct {
	fallback   Strategy
	byCategory map[harvest.SourceCategory]Strategy
}

// NewResolver builds the category table. The search category is gated on
// the mirror's health; everything else runs on time alone.
func NewResolver(clock harvest.Clock, prober DependencyProber, probeCacheTTL time.Duration, logger *zap.Logger) *Resolver {
	def := NewDefaultStrategy(clock)
	return &Resolver{
		fallback: def,
		byCategory: map[harvest.SourceCategory]Strategy{
			harvest.CategoryRSS:    def,
			harvest.CategoryWeb:    def,
			harvest.CategorySearch: NewDependencyHealthStrategy(clock, prober, probeCacheTTL, logger),
		},
	}
}

// For returns the strategy registered for the category.
func (r *Resolver) For(category harvest.SourceCategory) Strategy {
	if s, ok := r.byCategory[category]; ok {
		return s
	}
	return r.fallback
}
