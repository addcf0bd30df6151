package worker

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JuctTr/investment-research/internal/capture"
	"github.com/JuctTr/investment-research/internal/harvest"
	"github.com/JuctTr/investment-research/internal/health"
	"github.com/JuctTr/investment-research/internal/metrics"
	memqueue "github.com/JuctTr/investment-research/internal/queue/memory"
	"github.com/JuctTr/investment-research/internal/ratelimit"
	memstore "github.com/JuctTr/investment-research/internal/storage/memory"
)

func TestMain(m *testing.M) {
	metrics.Init()
	os.Exit(m.Run())
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

type stubCrawler struct {
	category harvest.SourceCategory
	mu       sync.Mutex
	calls    int
	fn       func(attempt int, source harvest.Source) (harvest.Result, error)
}

func (c *stubCrawler) Category() harvest.SourceCategory { return c.category }

func (c *stubCrawler) Execute(_ context.Context, source harvest.Source) (harvest.Result, error) {
	c.mu.Lock()
	c.calls++
	attempt := c.calls
	c.mu.Unlock()
	return c.fn(attempt, source)
}

func (c *stubCrawler) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type mapResolver map[harvest.SourceCategory]harvest.Crawler

func (m mapResolver) Resolve(category harvest.SourceCategory) (harvest.Crawler, bool) {
	c, ok := m[category]
	return c, ok
}

type fakePublisher struct {
	mu     sync.Mutex
	events []any
}

func (p *fakePublisher) Publish(_ context.Context, _ string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, payload)
	return fmt.Sprintf("msg-%d", len(p.events)), nil
}

func (p *fakePublisher) eventCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

type workerFixture struct {
	sources   *memstore.SourceStore
	tasks     *memstore.TaskStore
	limiter   *ratelimit.Limiter
	queue     *memqueue.Queue
	clock     *fakeClock
	capture   *capture.Memory
	publisher *fakePublisher
	worker    *Worker
}

func newFixture(t *testing.T, crawler harvest.Crawler) *workerFixture {
	t.Helper()

	clk := &fakeClock{now: time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC)}
	sources := memstore.NewSourceStore()
	tasks := memstore.NewTaskStore()
	limiter := ratelimit.New(ratelimit.Config{}, clk, nil)
	queue := memqueue.NewQueue(16, nil)
	t.Cleanup(queue.Close)
	captureStore := capture.NewMemory()
	publisher := &fakePublisher{}
	tracker := health.NewTracker(sources, clk, 5, nil)

	resolver := mapResolver{}
	if crawler != nil {
		resolver[crawler.Category()] = crawler
	}

	w := New(queue, tasks, sources, resolver, limiter, tracker, captureStore, publisher, clk,
		Config{Attempts: 3, BackoffInitial: time.Millisecond, BackoffMax: 5 * time.Millisecond},
		nil)

	return &workerFixture{
		sources:   sources,
		tasks:     tasks,
		limiter:   limiter,
		queue:     queue,
		clock:     clk,
		capture:   captureStore,
		publisher: publisher,
		worker:    w,
	}
}

// seedJob creates a source, a pending task and its limiter reservation the
// way the scheduler does.
func (f *workerFixture) seedJob(t *testing.T, category harvest.SourceCategory) harvest.Job {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, f.sources.Create(ctx, harvest.Source{
		ID: "src-1", Category: category, Enabled: true,
		HealthStatus: harvest.HealthHealthy, MaxConsecutiveFailures: 3,
	}))
	require.NoError(t, f.tasks.Create(ctx, harvest.Task{
		ID: "task-1", SourceID: "src-1", Status: harvest.TaskPending, ScheduledAt: f.clock.Now(),
	}))
	require.True(t, f.limiter.Reserve("task-1", "src-1"))
	return harvest.Job{TaskID: "task-1", SourceID: "src-1", Category: category}
}

func TestProcessJobSuccessLifecycle(t *testing.T) {
	t.Parallel()

	crawler := &stubCrawler{
		category: harvest.CategoryRSS,
		fn: func(int, harvest.Source) (harvest.Result, error) {
			return harvest.Result{Fetched: 10, Parsed: 9, Stored: 8}, nil
		},
	}
	f := newFixture(t, crawler)
	ctx := context.Background()
	job := f.seedJob(t, harvest.CategoryRSS)

	f.worker.processJob(ctx, job)

	task, err := f.tasks.Get(ctx, "task-1")
	require.NoError(t, err)
	require.Equal(t, harvest.TaskSuccess, task.Status)
	require.NotNil(t, task.StartedAt)
	require.NotNil(t, task.CompletedAt)
	require.Equal(t, 10, task.Fetched)
	require.Equal(t, 8, task.Stored)

	source, err := f.sources.Get(ctx, "src-1")
	require.NoError(t, err)
	require.NotNil(t, source.LastFetchAt)
	require.Zero(t, source.ConsecutiveFailures)

	// The slot is released and the completion counted in the window.
	require.Zero(t, f.limiter.Stats().GlobalRunning)
	require.False(t, f.limiter.CanExecute("src-1"), "window gate blocks immediate re-run")

	stats, err := f.queue.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Completed)
	require.Equal(t, 1, f.publisher.eventCount())
}

func TestProcessJobFailureCapturesRawContext(t *testing.T) {
	t.Parallel()

	crawler := &stubCrawler{
		category: harvest.CategoryWeb,
		fn: func(int, harvest.Source) (harvest.Result, error) {
			return harvest.Result{}, harvest.ExtractionFailed("selector matched nothing", []byte("<html>drifted</html>"))
		},
	}
	f := newFixture(t, crawler)
	ctx := context.Background()
	job := f.seedJob(t, harvest.CategoryWeb)

	f.worker.processJob(ctx, job)

	task, err := f.tasks.Get(ctx, "task-1")
	require.NoError(t, err)
	require.Equal(t, harvest.TaskFailed, task.Status)
	require.Contains(t, task.ErrorMessage, "selector matched nothing")
	require.Equal(t, "memory://captures/src-1/task-1.html", task.CaptureURI)
	blob, ok := f.capture.Get("captures/src-1/task-1.html")
	require.True(t, ok)
	require.Equal(t, []byte("<html>drifted</html>"), blob)

	// Extraction failures are not retried; retrying cannot help.
	require.Equal(t, 1, crawler.callCount())

	source, err := f.sources.Get(ctx, "src-1")
	require.NoError(t, err)
	require.Equal(t, 1, source.ConsecutiveFailures)
	require.Equal(t, harvest.HealthDegraded, source.HealthStatus)
}

func TestProcessJobRetriesTransientFailures(t *testing.T) {
	t.Parallel()

	crawler := &stubCrawler{
		category: harvest.CategoryRSS,
		fn: func(attempt int, _ harvest.Source) (harvest.Result, error) {
			if attempt < 3 {
				return harvest.Result{}, harvest.Transient("connection reset", nil)
			}
			return harvest.Result{Fetched: 1, Parsed: 1, Stored: 1}, nil
		},
	}
	f := newFixture(t, crawler)
	ctx := context.Background()
	job := f.seedJob(t, harvest.CategoryRSS)

	f.worker.processJob(ctx, job)

	require.Equal(t, 3, crawler.callCount())
	task, err := f.tasks.Get(ctx, "task-1")
	require.NoError(t, err)
	require.Equal(t, harvest.TaskSuccess, task.Status)
}

func TestProcessJobExhaustsRetries(t *testing.T) {
	t.Parallel()

	crawler := &stubCrawler{
		category: harvest.CategoryRSS,
		fn: func(int, harvest.Source) (harvest.Result, error) {
			return harvest.Result{}, harvest.Transient("timeout", nil)
		},
	}
	f := newFixture(t, crawler)
	ctx := context.Background()
	job := f.seedJob(t, harvest.CategoryRSS)

	f.worker.processJob(ctx, job)

	require.Equal(t, 3, crawler.callCount())
	task, err := f.tasks.Get(ctx, "task-1")
	require.NoError(t, err)
	require.Equal(t, harvest.TaskFailed, task.Status)
}

func TestProcessJobRecoversPanic(t *testing.T) {
	t.Parallel()

	crawler := &stubCrawler{
		category: harvest.CategoryRSS,
		fn: func(attempt int, _ harvest.Source) (harvest.Result, error) {
			if attempt == 1 {
				panic("nil dereference in parser")
			}
			return harvest.Result{}, harvest.AuthRejected("session expired")
		},
	}
	f := newFixture(t, crawler)
	ctx := context.Background()
	job := f.seedJob(t, harvest.CategoryRSS)

	f.worker.processJob(ctx, job)

	// The panic is retried as an unknown failure; the auth rejection is
	// terminal. Either way the task leaves RUNNING.
	task, err := f.tasks.Get(ctx, "task-1")
	require.NoError(t, err)
	require.Equal(t, harvest.TaskFailed, task.Status)
	require.Equal(t, 2, crawler.callCount())
	require.Zero(t, f.limiter.Stats().GlobalRunning)
}

func TestProcessJobSkipsCancelledTask(t *testing.T) {
	t.Parallel()

	crawler := &stubCrawler{
		category: harvest.CategoryRSS,
		fn: func(int, harvest.Source) (harvest.Result, error) {
			return harvest.Result{}, nil
		},
	}
	f := newFixture(t, crawler)
	ctx := context.Background()
	job := f.seedJob(t, harvest.CategoryRSS)

	cancelled := harvest.TaskCancelled
	require.NoError(t, f.tasks.Update(ctx, "task-1", harvest.TaskPatch{Status: &cancelled}))

	f.worker.processJob(ctx, job)

	require.Zero(t, crawler.callCount(), "cancelled tasks are not executed")
	require.Zero(t, f.limiter.Stats().GlobalRunning)
	// No execution happened, so the window gate stays open.
	require.True(t, f.limiter.CanExecute("src-1"))
}

func TestProcessJobUnknownCategoryFails(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	ctx := context.Background()
	job := f.seedJob(t, harvest.SourceCategory("MYSTERY"))

	f.worker.processJob(ctx, job)

	task, err := f.tasks.Get(ctx, "task-1")
	require.NoError(t, err)
	require.Equal(t, harvest.TaskFailed, task.Status)
	require.Contains(t, task.ErrorMessage, "no crawl implementation registered")
}
