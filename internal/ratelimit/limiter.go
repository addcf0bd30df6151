// Package ratelimit implements the in-memory admission controller for
// crawl execution: a global concurrency cap, a per-source concurrency cap
// and a per-source time-window cap.
package ratelimit

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JuctTr/investment-research/internal/harvest"
)

// Config holds the three admission gates plus history retention.
type Config struct {
	GlobalMaxConcurrent    int
	PerSourceMaxConcurrent int
	Window                 time.Duration
	MaxPerWindow           int
	HistoryRetention       time.Duration
}

// DefaultConfig mirrors the production defaults: at most five concurrent
// crawls overall, one per source, one execution per source per minute.
func DefaultConfig() Config {
	return Config{
		GlobalMaxConcurrent:    5,
		PerSourceMaxConcurrent: 1,
		Window:                 time.Minute,
		MaxPerWindow:           1,
		HistoryRetention:       time.Hour,
	}
}

// Stats is a snapshot of limiter occupancy for the admin surface.
type Stats struct {
	GlobalRunning          int            `json:"global_running"`
	GlobalMaxConcurrent    int            `json:"global_max_concurrent"`
	PerSourceRunning       map[string]int `json:"per_source_running"`
	PerSourceMaxConcurrent int            `json:"per_source_max_concurrent"`
}

// Limiter tracks the running-job set and per-source execution history.
// All state is process-local and rebuilt empty on restart.
type Limiter struct {
	cfg    Config
	clock  harvest.Clock
	logger *zap.Logger

	mu        sync.Mutex
	running   map[string]string   // task id -> source id
	perSource map[string]int      // source id -> running count
	history   map[string][]time.Time
}

// New creates a Limiter. Zero config fields fall back to defaults.
func New(cfg Config, clock harvest.Clock, logger *zap.Logger) *Limiter {
	def := DefaultConfig()
	if cfg.GlobalMaxConcurrent <= 0 {
		cfg.GlobalMaxConcurrent = def.GlobalMaxConcurrent
	}
	if cfg.PerSourceMaxConcurrent <= 0 {
		cfg.PerSourceMaxConcurrent = def.PerSourceMaxConcurrent
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.MaxPerWindow <= 0 {
		cfg.MaxPerWindow = def.MaxPerWindow
	}
	if cfg.HistoryRetention <= 0 {
		cfg.HistoryRetention = def.HistoryRetention
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Limiter{
		cfg:       cfg,
		clock:     clock,
		logger:    logger,
		running:   make(map[string]string),
		perSource: make(map[string]int),
		history:   make(map[string][]time.Time),
	}
}

// CanExecute reports whether all three gates currently admit the source.
// It is read-only; use Reserve to atomically claim the slot.
func (l *Limiter) CanExecute(sourceID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.admits(sourceID)
}

// Reserve checks admission and, if granted, records the task in the
// running set in the same critical section. This closes the window
// between the scheduler's admission check and the worker's start: a slot
// reserved here is already counted against both concurrency gates.
func (l *Limiter) Reserve(taskID, sourceID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, dup := l.running[taskID]; dup {
		return false
	}
	if !l.admits(sourceID) {
		return false
	}
	l.running[taskID] = sourceID
	l.perSource[sourceID]++
	return true
}

// Release frees a reservation for a job that was dropped before it
// started. No execution history is recorded.
func (l *Limiter) Release(taskID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	sourceID, ok := l.running[taskID]
	if !ok {
		return
	}
	delete(l.running, taskID)
	l.decSource(sourceID)
}

// OnTaskStart records a task as running. A task already reserved by the
// scheduler is left as-is, so the call is idempotent with Reserve.
func (l *Limiter) OnTaskStart(taskID, sourceID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, reserved := l.running[taskID]; reserved {
		return
	}
	l.running[taskID] = sourceID
	l.perSource[sourceID]++
	l.logger.Debug("task started",
		zap.String("task_id", taskID),
		zap.String("source_id", sourceID),
		zap.Int("global_running", len(l.running)),
	)
}

// OnTaskComplete removes the task from the running set and appends to the
// source's execution history.
func (l *Limiter) OnTaskComplete(taskID, sourceID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.running[taskID]; ok {
		delete(l.running, taskID)
		l.decSource(sourceID)
	}

	now := l.clock.Now()
	l.history[sourceID] = append(l.history[sourceID], now)
	// Opportunistic trim for a chatty source; the periodic Prune covers
	// the rest.
	if len(l.history[sourceID]) > 100 {
		l.history[sourceID] = pruneBefore(l.history[sourceID], now.Add(-l.cfg.HistoryRetention))
	}
	l.logger.Debug("task completed",
		zap.String("task_id", taskID),
		zap.String("source_id", sourceID),
		zap.Int("global_running", len(l.running)),
	)
}

// Prune drops execution-history entries older than the retention horizon.
func (l *Limiter) Prune() {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.clock.Now().Add(-l.cfg.HistoryRetention)
	for sourceID, stamps := range l.history {
		kept := pruneBefore(stamps, cutoff)
		if len(kept) == 0 {
			delete(l.history, sourceID)
			continue
		}
		l.history[sourceID] = kept
	}
}

// Stats returns the current occupancy snapshot.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	perSource := make(map[string]int, len(l.perSource))
	for id, n := range l.perSource {
		perSource[id] = n
	}
	return Stats{
		GlobalRunning:          len(l.running),
		GlobalMaxConcurrent:    l.cfg.GlobalMaxConcurrent,
		PerSourceRunning:       perSource,
		PerSourceMaxConcurrent: l.cfg.PerSourceMaxConcurrent,
	}
}

// admits evaluates the three gates. Caller holds l.mu.
func (l *Limiter) admits(sourceID string) bool {
	if len(l.running) >= l.cfg.GlobalMaxConcurrent {
		return false
	}
	if l.perSource[sourceID] >= l.cfg.PerSourceMaxConcurrent {
		return false
	}
	windowStart := l.clock.Now().Add(-l.cfg.Window)
	executions := 0
	for _, stamp := range l.history[sourceID] {
		if stamp.After(windowStart) {
			executions++
		}
	}
	return executions < l.cfg.MaxPerWindow
}

func (l *Limiter) decSource(sourceID string) {
	if n := l.perSource[sourceID]; n <= 1 {
		delete(l.perSource, sourceID)
	} else {
		l.perSource[sourceID] = n - 1
	}
}

func pruneBefore(stamps []time.Time, cutoff time.Time) []time.Time {
	kept := stamps[:0]
	for _, stamp := range stamps {
		if stamp.After(cutoff) {
			kept = append(kept, stamp)
		}
	}
	return kept
}
