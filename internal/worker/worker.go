// Package worker executes queued crawl jobs: it drives the task state
// machine, the category-specific crawl, in-place retries and the health
// bookkeeping around every run.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"github.com/JuctTr/investment-research/internal/harvest"
	"github.com/JuctTr/investment-research/internal/health"
	"github.com/JuctTr/investment-research/internal/metrics"
	"github.com/JuctTr/investment-research/internal/ratelimit"
)

// CrawlerResolver maps a source category to its crawl implementation.
type CrawlerResolver interface {
	Resolve(category harvest.SourceCategory) (harvest.Crawler, bool)
}

// Config controls per-job execution.
type Config struct {
	// Attempts bounds crawl executions per job, including the first.
	Attempts int
	// BackoffInitial is doubled after each failed attempt.
	BackoffInitial time.Duration
	// BackoffMax caps the grown backoff.
	BackoffMax time.Duration
	// CrawlBudget bounds one crawl execution.
	CrawlBudget time.Duration
	// Topic names the completion-event destination.
	Topic string
	// CapturePrefix prefixes raw-page capture paths.
	CapturePrefix string
}

// Worker consumes jobs and runs the crawl pipeline for each.
type Worker struct {
	consumer  harvest.Consumer
	tasks     harvest.TaskRepository
	sources   harvest.SourceRepository
	crawlers  CrawlerResolver
	limiter   *ratelimit.Limiter
	tracker   *health.Tracker
	capture   harvest.CaptureStore
	publisher harvest.Publisher
	clock     harvest.Clock
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Worker.
func New(
	consumer harvest.Consumer,
	tasks harvest.TaskRepository,
	sources harvest.SourceRepository,
	crawlers CrawlerResolver,
	limiter *ratelimit.Limiter,
	tracker *health.Tracker,
	capture harvest.CaptureStore,
	publisher harvest.Publisher,
	clock harvest.Clock,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = 2 * time.Second
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = time.Minute
	}
	if cfg.CrawlBudget <= 0 {
		cfg.CrawlBudget = 5 * time.Minute
	}
	if cfg.Topic == "" {
		cfg.Topic = "harvest-task-events"
	}
	if cfg.CapturePrefix == "" {
		cfg.CapturePrefix = "captures"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		consumer:  consumer,
		tasks:     tasks,
		sources:   sources,
		crawlers:  crawlers,
		limiter:   limiter,
		tracker:   tracker,
		capture:   capture,
		publisher: publisher,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run blocks, consuming jobs until the context finishes.
func (w *Worker) Run(ctx context.Context) {
	for {
		job, err := w.consumer.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued job",
			zap.String("task_id", job.TaskID), zap.String("source_id", job.SourceID))
		w.processJob(ctx, job)
	}
}

// processJob runs the full task lifecycle for one job. Every code path
// reaches a terminal task status and reports completion to the limiter and
// the queue.
func (w *Worker) processJob(ctx context.Context, job harvest.Job) {
	started := w.clock.Now()

	running := harvest.TaskRunning
	err := w.tasks.Update(ctx, job.TaskID, harvest.TaskPatch{
		Status:    &running,
		StartedAt: &started,
	})
	if err != nil {
		var invalid *harvest.InvalidTransitionError
		if errors.As(err, &invalid) {
			// Cancelled (or otherwise finished) while queued. The
			// reservation was never converted into a run, so release it
			// without recording history.
			w.logger.Info("skipping task no longer pending",
				zap.String("task_id", job.TaskID), zap.String("from", string(invalid.From)))
			w.limiter.Release(job.TaskID)
			w.consumer.Done(ctx, job, false)
			return
		}
		w.logger.Error("failed to mark task running",
			zap.String("task_id", job.TaskID), zap.Error(err))
		w.limiter.Release(job.TaskID)
		w.consumer.Done(ctx, job, true)
		return
	}

	w.limiter.OnTaskStart(job.TaskID, job.SourceID)
	metrics.IncActiveWorkers()

	result, crawlErr := w.executeWithRetries(ctx, job)

	failed := crawlErr != nil
	if failed {
		w.finishFailed(ctx, job, crawlErr)
	} else {
		w.finishSucceeded(ctx, job, result)
	}

	// The limiter slot is released and the completion recorded in the
	// window history whatever the outcome.
	w.limiter.OnTaskComplete(job.TaskID, job.SourceID)
	metrics.DecActiveWorkers()
	metrics.ObserveTask(string(job.Category), taskOutcome(failed), w.clock.Now().Sub(started))
	w.consumer.Done(ctx, job, failed)
}

func taskOutcome(failed bool) string {
	if failed {
		return "failed"
	}
	return "success"
}

// executeWithRetries resolves the crawl implementation and runs it with
// bounded in-place retries. Only retryable failures are retried; the task
// stays RUNNING across attempts so the state machine sees one run.
func (w *Worker) executeWithRetries(ctx context.Context, job harvest.Job) (harvest.Result, error) {
	crawler, ok := w.crawlers.Resolve(job.Category)
	if !ok {
		return harvest.Result{}, harvest.Configuration(
			fmt.Sprintf("no crawl implementation registered for category %s", job.Category))
	}

	source, err := w.sources.Get(ctx, job.SourceID)
	if err != nil {
		return harvest.Result{}, fmt.Errorf("load source %s: %w", job.SourceID, err)
	}

	backoff := w.cfg.BackoffInitial
	var lastErr error
	for attempt := 1; attempt <= w.cfg.Attempts; attempt++ {
		result, err := w.executeOnce(ctx, crawler, source)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !harvest.Retryable(err) || attempt == w.cfg.Attempts {
			break
		}
		w.logger.Warn("crawl attempt failed, retrying",
			zap.String("task_id", job.TaskID),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return harvest.Result{}, fmt.Errorf("crawl aborted: %w", ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > w.cfg.BackoffMax {
			backoff = w.cfg.BackoffMax
		}
	}
	return harvest.Result{}, lastErr
}

// executeOnce runs a single crawl attempt under the crawl budget,
// converting panics into errors so a crashing implementation cannot leave
// the task RUNNING.
func (w *Worker) executeOnce(ctx context.Context, crawler harvest.Crawler, source harvest.Source) (result harvest.Result, err error) {
	runCtx, cancel := context.WithTimeout(ctx, w.cfg.CrawlBudget)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("crawl panicked: %v\n%s", r, debug.Stack())
		}
	}()

	return crawler.Execute(runCtx, source)
}

func (w *Worker) finishSucceeded(ctx context.Context, job harvest.Job, result harvest.Result) {
	now := w.clock.Now()
	success := harvest.TaskSuccess
	err := w.tasks.Update(ctx, job.TaskID, harvest.TaskPatch{
		Status:      &success,
		CompletedAt: &now,
		Fetched:     &result.Fetched,
		Parsed:      &result.Parsed,
		Stored:      &result.Stored,
	})
	if err != nil {
		w.logger.Error("failed to mark task succeeded",
			zap.String("task_id", job.TaskID), zap.Error(err))
	}

	if err := w.sources.Update(ctx, job.SourceID, harvest.SourcePatch{LastFetchAt: &now}); err != nil {
		w.logger.Error("failed to stamp source last fetch",
			zap.String("source_id", job.SourceID), zap.Error(err))
	}
	if err := w.tracker.OnSuccess(ctx, job.SourceID); err != nil {
		w.logger.Error("failed to record source success",
			zap.String("source_id", job.SourceID), zap.Error(err))
	}

	w.publishEvent(ctx, job, string(harvest.TaskSuccess), result, "")
	w.logger.Info("task succeeded",
		zap.String("task_id", job.TaskID),
		zap.String("source_id", job.SourceID),
		zap.Int("fetched", result.Fetched),
		zap.Int("parsed", result.Parsed),
		zap.Int("stored", result.Stored))
}

func (w *Worker) finishFailed(ctx context.Context, job harvest.Job, crawlErr error) {
	now := w.clock.Now()
	captureURI := w.captureRawContext(ctx, job, crawlErr)

	failedStatus := harvest.TaskFailed
	message := crawlErr.Error()
	stack := fmt.Sprintf("%+v", crawlErr)
	patch := harvest.TaskPatch{
		Status:       &failedStatus,
		CompletedAt:  &now,
		ErrorMessage: &message,
		ErrorStack:   &stack,
	}
	if captureURI != "" {
		patch.CaptureURI = &captureURI
	}
	if err := w.tasks.Update(ctx, job.TaskID, patch); err != nil {
		w.logger.Error("failed to mark task failed",
			zap.String("task_id", job.TaskID), zap.Error(err))
	}

	tripped, err := w.tracker.OnFailure(ctx, job.SourceID)
	if err != nil {
		w.logger.Error("failed to record source failure",
			zap.String("source_id", job.SourceID), zap.Error(err))
	}
	if tripped {
		metrics.ObserveBreakerTrip()
	}

	w.publishEvent(ctx, job, string(harvest.TaskFailed), harvest.Result{}, message)
	w.logger.Warn("task failed",
		zap.String("task_id", job.TaskID),
		zap.String("source_id", job.SourceID),
		zap.String("kind", string(harvest.KindOf(crawlErr))),
		zap.Error(crawlErr))
}

// captureRawContext stores the raw page body kept by extraction failures
// so the parser drift can be diagnosed offline.
func (w *Worker) captureRawContext(ctx context.Context, job harvest.Job, crawlErr error) string {
	if w.capture == nil {
		return ""
	}
	var ce *harvest.CrawlError
	if !errors.As(crawlErr, &ce) || ce.Kind != harvest.KindExtractionFailed || len(ce.RawContext) == 0 {
		return ""
	}

	path := fmt.Sprintf("%s/%s/%s.html", w.cfg.CapturePrefix, job.SourceID, job.TaskID)
	uri, err := w.capture.Put(ctx, path, "text/html; charset=utf-8", ce.RawContext)
	if err != nil {
		w.logger.Warn("failed to capture raw page context",
			zap.String("task_id", job.TaskID), zap.Error(err))
		return ""
	}
	w.logger.Info("captured raw page context",
		zap.String("task_id", job.TaskID), zap.String("uri", uri))
	return uri
}

// TaskEvent is the completion payload pushed to the publisher.
type TaskEvent struct {
	TaskID   string         `json:"task_id"`
	SourceID string         `json:"source_id"`
	Status   string         `json:"status"`
	Result   harvest.Result `json:"result"`
	Error    string         `json:"error,omitempty"`
	At       time.Time      `json:"at"`
}

func (w *Worker) publishEvent(ctx context.Context, job harvest.Job, status string, result harvest.Result, errText string) {
	if w.publisher == nil {
		return
	}
	event := TaskEvent{
		TaskID:   job.TaskID,
		SourceID: job.SourceID,
		Status:   status,
		Result:   result,
		Error:    errText,
		At:       w.clock.Now(),
	}
	if _, err := w.publisher.Publish(ctx, w.cfg.Topic, event); err != nil {
		w.logger.Warn("failed to publish task event",
			zap.String("task_id", job.TaskID), zap.Error(err))
	}
}
