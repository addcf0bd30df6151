package schedule

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JuctTr/investment-research/internal/harvest"
	"github.com/JuctTr/investment-research/internal/health"
	"github.com/JuctTr/investment-research/internal/metrics"
	"github.com/JuctTr/investment-research/internal/ratelimit"
)

// RecoveryProber performs the lightweight reachability check the recovery
// sweep runs against disabled sources.
type RecoveryProber interface {
	Probe(ctx context.Context, source harvest.Source) error
}

// Config bounds the scheduler's cadence.
type Config struct {
	// Tick is the interval between scheduling passes.
	Tick time.Duration
	// RecoverySweep is the interval between disabled-source recovery
	// passes.
	RecoverySweep time.Duration
}

// TickReport aggregates one scheduling pass for logs and the admin
// surface.
type TickReport struct {
	At          time.Time     `json:"at"`
	Duration    time.Duration `json:"duration"`
	Submitted   int           `json:"submitted"`
	NotDue      int           `json:"not_due"`
	RateLimited int           `json:"rate_limited"`
	Errors      int           `json:"errors"`
}

// SweepReport aggregates one recovery pass.
type SweepReport struct {
	At        time.Time `json:"at"`
	Probed    int       `json:"probed"`
	Recovered int       `json:"recovered"`
	StillDown int       `json:"still_down"`
}

// Status is the admin view of the scheduler.
type Status struct {
	TickInterval  time.Duration `json:"tick_interval"`
	SweepInterval time.Duration `json:"sweep_interval"`
	TickRunning   bool          `json:"tick_running"`
	SweepRunning  bool          `json:"sweep_running"`
	LastTick      *TickReport   `json:"last_tick,omitempty"`
	LastSweep     *SweepReport  `json:"last_sweep,omitempty"`
}

// Scheduler drives the periodic tick and the recovery sweep. Both passes
// are reentrancy-guarded: a pass still executing causes the next one to be
// skipped and logged, never queued.
type Scheduler struct {
	cfg      Config
	sources  harvest.SourceRepository
	tasks    harvest.TaskRepository
	limiter  *ratelimit.Limiter
	queue    harvest.Queue
	resolver *Resolver
	tracker  *health.Tracker
	prober   RecoveryProber
	ids      harvest.IDGenerator
	clock    harvest.Clock
	logger   *zap.Logger

	tickBusy  atomic.Bool
	sweepBusy atomic.Bool

	mu        sync.Mutex
	lastTick  *TickReport
	lastSweep *SweepReport
}

// New wires a scheduler.
func New(
	cfg Config,
	sources harvest.SourceRepository,
	tasks harvest.TaskRepository,
	limiter *ratelimit.Limiter,
	queue harvest.Queue,
	resolver *Resolver,
	tracker *health.Tracker,
	prober RecoveryProber,
	ids harvest.IDGenerator,
	clock harvest.Clock,
	logger *zap.Logger,
) *Scheduler {
	if cfg.Tick <= 0 {
		cfg.Tick = time.Minute
	}
	if cfg.RecoverySweep <= 0 {
		cfg.RecoverySweep = 24 * time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		cfg:      cfg,
		sources:  sources,
		tasks:    tasks,
		limiter:  limiter,
		queue:    queue,
		resolver: resolver,
		tracker:  tracker,
		prober:   prober,
		ids:      ids,
		clock:    clock,
		logger:   logger,
	}
}

// Run ticks until the context ends.
func (s *Scheduler) Run(ctx context.Context) {
	tick := time.NewTicker(s.cfg.Tick)
	defer tick.Stop()
	sweep := time.NewTicker(s.cfg.RecoverySweep)
	defer sweep.Stop()

	s.logger.Info("scheduler started",
		zap.Duration("tick", s.cfg.Tick),
		zap.Duration("recovery_sweep", s.cfg.RecoverySweep))

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case <-tick.C:
			s.RunTick(ctx)
		case <-sweep.C:
			s.RunRecoverySweep(ctx)
		}
	}
}

// RunTick executes one scheduling pass. A pass already in flight causes
// this one to be skipped; the returned report is then nil.
func (s *Scheduler) RunTick(ctx context.Context) *TickReport {
	if !s.tickBusy.CompareAndSwap(false, true) {
		s.logger.Warn("previous tick still running, skipping")
		metrics.ObserveTickSkipped()
		return nil
	}
	defer s.tickBusy.Store(false)

	start := s.clock.Now()
	report := TickReport{At: start}

	sources, err := s.sources.FindEnabled(ctx)
	if err != nil {
		s.logger.Error("failed to load enabled sources", zap.Error(err))
		report.Errors++
		s.finishTick(&report, start)
		return &report
	}

	for _, source := range sources {
		strategy := s.resolver.For(source.Category)
		if !strategy.ShouldSchedule(ctx, source) {
			report.NotDue++
			metrics.ObserveScheduleDecision("not_due")
			continue
		}
		switch err := s.scheduleOne(ctx, source, 0); {
		case err == nil:
			report.Submitted++
			metrics.ObserveScheduleDecision("submitted")
		case errors.Is(err, ErrRateLimited):
			// The source stays due and is reconsidered next tick.
			report.RateLimited++
			metrics.ObserveScheduleDecision("rate_limited")
		default:
			s.logger.Error("failed to schedule source",
				zap.String("source_id", source.ID), zap.Error(err))
			report.Errors++
			metrics.ObserveScheduleDecision("error")
		}
	}

	s.finishTick(&report, start)
	return &report
}

func (s *Scheduler) finishTick(report *TickReport, start time.Time) {
	report.Duration = s.clock.Now().Sub(start)
	metrics.ObserveTick(report.Duration)
	metrics.SetLimiterRunning(s.limiter.Stats().GlobalRunning)

	s.mu.Lock()
	s.lastTick = report
	s.mu.Unlock()

	s.logger.Info("scheduler tick finished",
		zap.Duration("duration", report.Duration),
		zap.Int("submitted", report.Submitted),
		zap.Int("not_due", report.NotDue),
		zap.Int("rate_limited", report.RateLimited),
		zap.Int("errors", report.Errors))
}

// ErrRateLimited reports that the admission controller denied a slot.
var ErrRateLimited = errors.New("rate limit denied admission")

// scheduleOne reserves a limiter slot, creates a PENDING task and submits
// the job. The reservation is released on any failure path so a denied or
// broken submission never leaks a slot.
func (s *Scheduler) scheduleOne(ctx context.Context, source harvest.Source, priority int) error {
	taskID, err := s.ids.NewID()
	if err != nil {
		return fmt.Errorf("generate task id: %w", err)
	}
	if !s.limiter.Reserve(taskID, source.ID) {
		return ErrRateLimited
	}

	task := harvest.Task{
		ID:          taskID,
		SourceID:    source.ID,
		Status:      harvest.TaskPending,
		ScheduledAt: s.clock.Now(),
	}
	if err := s.tasks.Create(ctx, task); err != nil {
		s.limiter.Release(taskID)
		return fmt.Errorf("create task: %w", err)
	}

	accepted, err := s.queue.Submit(ctx, harvest.Job{
		TaskID:   taskID,
		SourceID: source.ID,
		Category: source.Category,
		Priority: priority,
	})
	if err != nil {
		s.limiter.Release(taskID)
		s.cancelTask(ctx, taskID, fmt.Sprintf("queue submission failed: %v", err))
		return fmt.Errorf("submit job: %w", err)
	}
	if !accepted {
		// Another submitter won the idempotency race; this task is
		// redundant.
		s.limiter.Release(taskID)
		s.cancelTask(ctx, taskID, "duplicate submission coalesced")
	}
	return nil
}

func (s *Scheduler) cancelTask(ctx context.Context, taskID, reason string) {
	cancelled := harvest.TaskCancelled
	now := s.clock.Now()
	err := s.tasks.Update(ctx, taskID, harvest.TaskPatch{
		Status:       &cancelled,
		CompletedAt:  &now,
		ErrorMessage: &reason,
	})
	if err != nil {
		s.logger.Warn("failed to cancel redundant task",
			zap.String("task_id", taskID), zap.Error(err))
	}
}

// Trigger schedules a source immediately, bypassing its strategy but not
// the rate limiter: the time-window gate still prevents a manual start
// right after a scheduled run. Triggered jobs outrank tick-submitted ones.
func (s *Scheduler) Trigger(ctx context.Context, sourceID string) (string, error) {
	source, err := s.sources.Get(ctx, sourceID)
	if err != nil {
		return "", err
	}
	if !source.Enabled {
		return "", fmt.Errorf("source %s is disabled", sourceID)
	}

	taskID, err := s.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("generate task id: %w", err)
	}
	if !s.limiter.Reserve(taskID, source.ID) {
		return "", ErrRateLimited
	}

	task := harvest.Task{
		ID:          taskID,
		SourceID:    source.ID,
		Status:      harvest.TaskPending,
		ScheduledAt: s.clock.Now(),
	}
	if err := s.tasks.Create(ctx, task); err != nil {
		s.limiter.Release(taskID)
		return "", fmt.Errorf("create task: %w", err)
	}
	if _, err := s.queue.Submit(ctx, harvest.Job{
		TaskID:   taskID,
		SourceID: source.ID,
		Category: source.Category,
		Priority: 10,
	}); err != nil {
		s.limiter.Release(taskID)
		s.cancelTask(ctx, taskID, fmt.Sprintf("queue submission failed: %v", err))
		return "", fmt.Errorf("submit job: %w", err)
	}

	s.logger.Info("manual crawl triggered",
		zap.String("source_id", sourceID), zap.String("task_id", taskID))
	return taskID, nil
}

// RunRecoverySweep probes disabled sources and re-enables the ones that
// answer. Failures are recorded on a synthetic, already-failed task so the
// reason is visible in task listings.
func (s *Scheduler) RunRecoverySweep(ctx context.Context) *SweepReport {
	if !s.sweepBusy.CompareAndSwap(false, true) {
		s.logger.Warn("previous recovery sweep still running, skipping")
		return nil
	}
	defer s.sweepBusy.Store(false)

	report := SweepReport{At: s.clock.Now()}

	disabled, err := s.sources.FindDisabled(ctx)
	if err != nil {
		s.logger.Error("failed to load disabled sources", zap.Error(err))
		return &report
	}

	for _, source := range disabled {
		report.Probed++
		if err := s.prober.Probe(ctx, source); err != nil {
			report.StillDown++
			s.recordProbeFailure(ctx, source, err)
			continue
		}
		if err := s.tracker.Reset(ctx, source.ID); err != nil {
			s.logger.Error("failed to re-enable recovered source",
				zap.String("source_id", source.ID), zap.Error(err))
			continue
		}
		report.Recovered++
		s.logger.Info("disabled source recovered",
			zap.String("source_id", source.ID), zap.String("name", source.Name))
	}

	s.mu.Lock()
	s.lastSweep = &report
	s.mu.Unlock()

	s.logger.Info("recovery sweep finished",
		zap.Int("probed", report.Probed),
		zap.Int("recovered", report.Recovered),
		zap.Int("still_down", report.StillDown))
	return &report
}

func (s *Scheduler) recordProbeFailure(ctx context.Context, source harvest.Source, probeErr error) {
	taskID, err := s.ids.NewID()
	if err != nil {
		s.logger.Warn("failed to generate probe task id", zap.Error(err))
		return
	}
	now := s.clock.Now()
	task := harvest.Task{
		ID:           taskID,
		SourceID:     source.ID,
		Status:       harvest.TaskFailed,
		ScheduledAt:  now,
		CompletedAt:  &now,
		ErrorMessage: fmt.Sprintf("recovery probe failed: %v", probeErr),
	}
	if err := s.tasks.Create(ctx, task); err != nil {
		s.logger.Warn("failed to record probe failure",
			zap.String("source_id", source.ID), zap.Error(err))
	}
}

// Status reports the scheduler's cadence and last pass summaries.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		TickInterval:  s.cfg.Tick,
		SweepInterval: s.cfg.RecoverySweep,
		TickRunning:   s.tickBusy.Load(),
		SweepRunning:  s.sweepBusy.Load(),
		LastTick:      s.lastTick,
		LastSweep:     s.lastSweep,
	}
}
