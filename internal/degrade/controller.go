// Package degrade decides which acquisition mode a crawl should use for
// sources that support both a cheap direct fetch and a heavier
// browser-driven fallback.
package degrade

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JuctTr/investment-research/internal/harvest"
)

// Mode names an acquisition path for a dual-mode source.
type Mode string

const (
	// ModeAuto asks the controller to resolve the mode from failure
	// history.
	ModeAuto Mode = "AUTO"
	// ModeDirect is the primary path: plain HTTP with a pooled session
	// cookie.
	ModeDirect Mode = "DIRECT"
	// ModeBrowser is the fallback path: a full headless-browser render.
	ModeBrowser Mode = "BROWSER"
)

// Config bounds the controller's failure counters.
type Config struct {
	// PrimaryThreshold is the consecutive direct-mode failure count at
	// which AUTO resolves to the browser fallback.
	PrimaryThreshold int
	// FallbackThreshold caps browser-mode failures before the controller
	// starts logging the source as unrecoverable.
	FallbackThreshold int
	// ResetInterval clears a mode's counter after this much inactivity,
	// letting the system flap back to the cheaper path once the upstream
	// recovers.
	ResetInterval time.Duration
}

// DefaultConfig mirrors the production thresholds.
func DefaultConfig() Config {
	return Config{
		PrimaryThreshold:  10,
		FallbackThreshold: 5,
		ResetInterval:     time.Hour,
	}
}

type modeState struct {
	failures      int
	lastFailureAt time.Time
}

// ModeStatus is the admin-facing view of one source's counters.
type ModeStatus struct {
	SourceID         string `json:"source_id"`
	DirectFailures   int    `json:"direct_failures"`
	BrowserFailures  int    `json:"browser_failures"`
	ResolvedAutoMode Mode   `json:"resolved_auto_mode"`
}

// Controller tracks per-source failure counts for each acquisition mode.
// All state is in-memory; a restart resets the counters, which is
// acceptable because the counters only steer cost, not correctness.
type Controller struct {
	cfg    Config
	clock  harvest.Clock
	logger *zap.Logger

	mu     sync.Mutex
	counts map[string]map[Mode]*modeState
}

// New builds a controller. Zero config fields fall back to defaults.
func New(cfg Config, clock harvest.Clock, logger *zap.Logger) *Controller {
	def := DefaultConfig()
	if cfg.PrimaryThreshold <= 0 {
		cfg.PrimaryThreshold = def.PrimaryThreshold
	}
	if cfg.FallbackThreshold <= 0 {
		cfg.FallbackThreshold = def.FallbackThreshold
	}
	if cfg.ResetInterval <= 0 {
		cfg.ResetInterval = def.ResetInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		cfg:    cfg,
		clock:  clock,
		logger: logger,
		counts: make(map[string]map[Mode]*modeState),
	}
}

// DetermineMode resolves the mode a crawl should use. Explicit requests
// pass through unchanged; AUTO resolves to the browser fallback once the
// direct mode's failure count reaches its threshold.
func (c *Controller) DetermineMode(sourceID string, requested Mode) Mode {
	if requested != ModeAuto && requested != "" {
		return requested
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.failuresLocked(sourceID, ModeDirect) >= c.cfg.PrimaryThreshold {
		c.logger.Debug("direct mode degraded, resolving to browser fallback",
			zap.String("source_id", sourceID))
		return ModeBrowser
	}
	return ModeDirect
}

// RecordFailure bumps the counter for one mode and returns the new count.
func (c *Controller) RecordFailure(sourceID string, mode Mode) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.stateLocked(sourceID, mode)
	// Lazily expire stale streaks before counting the new failure.
	if st.failures > 0 && c.clock.Now().Sub(st.lastFailureAt) > c.cfg.ResetInterval {
		st.failures = 0
	}
	st.failures++
	st.lastFailureAt = c.clock.Now()

	threshold := c.cfg.PrimaryThreshold
	if mode == ModeBrowser {
		threshold = c.cfg.FallbackThreshold
	}
	if st.failures == threshold {
		c.logger.Warn("acquisition mode reached failure threshold",
			zap.String("source_id", sourceID),
			zap.String("mode", string(mode)),
			zap.Int("failures", st.failures))
	}
	return st.failures
}

// RecordSuccess clears the counter for the mode that succeeded. The other
// mode's counter is untouched, so AUTO can flap back to direct once the
// direct path recovers on its own.
func (c *Controller) RecordSuccess(sourceID string, mode Mode) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if modes, ok := c.counts[sourceID]; ok {
		if st, ok := modes[mode]; ok && st.failures > 0 {
			c.logger.Info("acquisition mode recovered",
				zap.String("source_id", sourceID),
				zap.String("mode", string(mode)),
				zap.Int("cleared_failures", st.failures))
			st.failures = 0
		}
	}
}

// Status reports counters for every tracked source.
func (c *Controller) Status() []ModeStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]ModeStatus, 0, len(c.counts))
	for sourceID := range c.counts {
		direct := c.failuresLocked(sourceID, ModeDirect)
		resolved := ModeDirect
		if direct >= c.cfg.PrimaryThreshold {
			resolved = ModeBrowser
		}
		out = append(out, ModeStatus{
			SourceID:         sourceID,
			DirectFailures:   direct,
			BrowserFailures:  c.failuresLocked(sourceID, ModeBrowser),
			ResolvedAutoMode: resolved,
		})
	}
	return out
}

func (c *Controller) stateLocked(sourceID string, mode Mode) *modeState {
	modes, ok := c.counts[sourceID]
	if !ok {
		modes = make(map[Mode]*modeState)
		c.counts[sourceID] = modes
	}
	st, ok := modes[mode]
	if !ok {
		st = &modeState{}
		modes[mode] = st
	}
	return st
}

// failuresLocked reads a counter, lazily discarding streaks older than the
// reset interval.
func (c *Controller) failuresLocked(sourceID string, mode Mode) int {
	modes, ok := c.counts[sourceID]
	if !ok {
		return 0
	}
	st, ok := modes[mode]
	if !ok {
		return 0
	}
	if st.failures > 0 && c.clock.Now().Sub(st.lastFailureAt) > c.cfg.ResetInterval {
		st.failures = 0
	}
	return st.failures
}
