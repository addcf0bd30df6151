package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	gcppubsub "cloud.google.com/go/pubsub"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JuctTr/investment-research/internal/api"
	"github.com/JuctTr/investment-research/internal/browser"
	"github.com/JuctTr/investment-research/internal/capture"
	"github.com/JuctTr/investment-research/internal/clock/system"
	"github.com/JuctTr/investment-research/internal/config"
	"github.com/JuctTr/investment-research/internal/cookiepool"
	"github.com/JuctTr/investment-research/internal/degrade"
	"github.com/JuctTr/investment-research/internal/dispatcher"
	"github.com/JuctTr/investment-research/internal/fetch"
	"github.com/JuctTr/investment-research/internal/harvest"
	"github.com/JuctTr/investment-research/internal/health"
	"github.com/JuctTr/investment-research/internal/id/uuid"
	"github.com/JuctTr/investment-research/internal/logging"
	"github.com/JuctTr/investment-research/internal/metrics"
	memqueue "github.com/JuctTr/investment-research/internal/queue/memory"
	"github.com/JuctTr/investment-research/internal/queue/redisq"
	"github.com/JuctTr/investment-research/internal/ratelimit"
	"github.com/JuctTr/investment-research/internal/schedule"
	memstore "github.com/JuctTr/investment-research/internal/storage/memory"
	"github.com/JuctTr/investment-research/internal/storage/postgres"
	"github.com/JuctTr/investment-research/internal/worker"

	memorypub "github.com/JuctTr/investment-research/internal/publisher/memory"
	nooppub "github.com/JuctTr/investment-research/internal/publisher/noop"
	pubsubpub "github.com/JuctTr/investment-research/internal/publisher/pubsub"
)

// newServeCmd creates the 'serve' subcommand, which runs the scheduler,
// the worker pool and the admin API until interrupted.
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the harvester service",
		Long: `Starts the full service: the scheduler ticks over enabled sources,
workers consume the job queue and execute crawls, and the admin HTTP API
serves source, task, queue and health operations.`,
		RunE: runServe,
	}
	return cmd
}

// jobQueue is what serve needs from a queue backend: the submission side
// for the scheduler plus the consumption side for workers.
type jobQueue interface {
	harvest.Queue
	harvest.Consumer
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck // best-effort flush

	metrics.Init()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clk := system.New()
	ids := uuid.New()

	sources, tasks, cookieStore, closeStores, err := buildStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStores()

	queue, closeQueue, err := buildQueue(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeQueue()

	captureStore, err := buildCapture(ctx, cfg)
	if err != nil {
		return err
	}

	publisher, closePublisher, err := buildPublisher(ctx, cfg)
	if err != nil {
		return err
	}
	defer closePublisher()

	browserPool := browser.NewPool(browser.Config{
		UserAgent:         cfg.Browser.UserAgent,
		ViewportWidth:     int64(cfg.Browser.ViewportWidth),
		ViewportHeight:    int64(cfg.Browser.ViewportHeight),
		NavigationTimeout: time.Duration(cfg.Browser.NavTimeoutSec) * time.Second,
		ChallengeRetries:  cfg.Browser.ChallengeRetries,
		ChallengeWait:     time.Duration(cfg.Browser.ChallengeWaitSec) * time.Second,
	}, logger)
	defer browserPool.Shutdown()

	sessions := browser.NewSessionFetcher(browserPool, logger)
	cookies := cookiepool.NewPool(cookiepool.Config{
		AuthURL:     cfg.Cookies.AuthURL,
		TokenName:   cfg.Cookies.TokenName,
		TTL:         time.Duration(cfg.Cookies.TTLMinutes) * time.Minute,
		MaxFailures: cfg.Cookies.MaxFailures,
		WarmUpDelay: time.Duration(cfg.Cookies.WarmupDelaySec) * time.Second,
	}, cookieStore, sessions, ids, clk, logger)

	modes := degrade.New(degrade.Config{
		PrimaryThreshold:  cfg.Degrade.PrimaryThreshold,
		FallbackThreshold: cfg.Degrade.FallbackThreshold,
		ResetInterval:     time.Duration(cfg.Degrade.ResetMinutes) * time.Minute,
	}, clk, logger)

	httpClient := fetch.NewClient(cfg.Browser.UserAgent, 15*time.Second, time.Second)
	sink := fetch.NewMemorySink()
	registry := fetch.NewRegistry(
		fetch.NewRSSCrawler(httpClient, sink, logger),
		fetch.NewWebCrawler(browserPool, sink, logger),
		fetch.NewSearchCrawler(httpClient, browserPool, cookies, modes, sink, logger),
	)
	prober := fetch.NewHeadProber(10*time.Second, cfg.Browser.UserAgent, cfg.Scheduler.ProbeURL, logger)

	limiter := ratelimit.New(ratelimit.Config{
		GlobalMaxConcurrent:    cfg.RateLimit.GlobalMaxConcurrent,
		PerSourceMaxConcurrent: cfg.RateLimit.PerSourceMaxConcurrent,
		Window:                 time.Duration(cfg.RateLimit.WindowSeconds) * time.Second,
		MaxPerWindow:           cfg.RateLimit.MaxPerWindow,
		HistoryRetention:       time.Duration(cfg.RateLimit.HistoryRetentionMin) * time.Minute,
	}, clk, logger)

	tracker := health.NewTracker(sources, clk, cfg.Health.MaxConsecutiveFailures, logger)
	resolver := schedule.NewResolver(clk, prober, 30*time.Second, logger)
	scheduler := schedule.New(schedule.Config{
		Tick:          cfg.Tick(),
		RecoverySweep: cfg.RecoverySweep(),
	}, sources, tasks, limiter, queue, resolver, tracker, prober, ids, clk, logger)

	workerCfg := worker.Config{
		Attempts:       cfg.Queue.MaxAttempts,
		BackoffInitial: time.Duration(cfg.Queue.BackoffInitialMs) * time.Millisecond,
		BackoffMax:     time.Duration(cfg.Queue.BackoffMaxMs) * time.Millisecond,
		CrawlBudget:    cfg.CrawlBudget(),
		Topic:          cfg.Publish.Topic,
	}
	workers := make([]*worker.Worker, 0, cfg.Worker.Concurrency)
	for i := 0; i < cfg.Worker.Concurrency; i++ {
		workers = append(workers, worker.New(
			queue, tasks, sources, registry, limiter, tracker,
			captureStore, publisher, clk, workerCfg, logger,
		))
	}
	pool := dispatcher.New(workers, logger)

	server := api.NewServer(api.Deps{
		Sources:   sources,
		Tasks:     tasks,
		Scheduler: scheduler,
		Limiter:   limiter,
		Queue:     queue,
		Cookies:   cookies,
		Tracker:   tracker,
		Modes:     modes,
		IDs:       ids,
		Clock:     clk,
		Logger:    logger,
	})
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		scheduler.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		pool.Run(ctx)
	}()

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("admin API listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serveErr:
		stop()
		wg.Wait()
		return fmt.Errorf("admin API: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("admin API shutdown", zap.Error(err))
	}
	wg.Wait()
	logger.Info("harvester stopped")
	return nil
}

// buildStores constructs the source, task and cookie repositories for the
// configured storage backend.
func buildStores(ctx context.Context, cfg config.Config) (harvest.SourceRepository, harvest.TaskRepository, harvest.CookieStore, func(), error) {
	switch cfg.Storage.Backend {
	case "postgres":
		pool, err := postgres.NewPool(ctx, postgres.PoolConfig{DSN: cfg.Storage.DSN})
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		sources, err := postgres.NewSourceStore(pool)
		if err != nil {
			pool.Close()
			return nil, nil, nil, nil, fmt.Errorf("source store: %w", err)
		}
		tasks, err := postgres.NewTaskStore(pool)
		if err != nil {
			pool.Close()
			return nil, nil, nil, nil, fmt.Errorf("task store: %w", err)
		}
		cookies, err := postgres.NewCookieStore(pool)
		if err != nil {
			pool.Close()
			return nil, nil, nil, nil, fmt.Errorf("cookie store: %w", err)
		}
		return sources, tasks, cookies, pool.Close, nil
	default:
		return memstore.NewSourceStore(), memstore.NewTaskStore(), memstore.NewCookieStore(), func() {}, nil
	}
}

// buildQueue constructs the job queue for the configured backend.
func buildQueue(ctx context.Context, cfg config.Config, logger *zap.Logger) (jobQueue, func(), error) {
	switch cfg.Queue.Backend {
	case "redis":
		q, err := redisq.New(ctx, redisq.Config{
			Addr: cfg.Queue.RedisAddr,
			DB:   cfg.Queue.RedisDB,
		}, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("connect redis queue: %w", err)
		}
		return q, func() {
			if cerr := q.Close(); cerr != nil {
				logger.Warn("close redis queue", zap.Error(cerr))
			}
		}, nil
	default:
		q := memqueue.NewQueue(cfg.Queue.Depth, logger)
		return q, q.Close, nil
	}
}

// buildCapture constructs the raw-page capture store.
func buildCapture(ctx context.Context, cfg config.Config) (harvest.CaptureStore, error) {
	switch cfg.Capture.Provider {
	case "local":
		store, err := capture.NewLocal(cfg.Capture.LocalDir)
		if err != nil {
			return nil, fmt.Errorf("local capture store: %w", err)
		}
		return store, nil
	case "gcs":
		store, err := capture.NewGCS(ctx, cfg.Capture.GCSBucket)
		if err != nil {
			return nil, fmt.Errorf("gcs capture store: %w", err)
		}
		return store, nil
	default:
		return capture.NewNoop(), nil
	}
}

// buildPublisher constructs the task-event publisher.
func buildPublisher(ctx context.Context, cfg config.Config) (harvest.Publisher, func(), error) {
	switch cfg.Publish.Provider {
	case "memory":
		return memorypub.New(), func() {}, nil
	case "pubsub":
		client, err := gcppubsub.NewClient(ctx, cfg.Publish.ProjectID)
		if err != nil {
			return nil, nil, fmt.Errorf("pubsub client: %w", err)
		}
		pub := pubsubpub.New(client)
		return pub, func() {
			pub.Close()
			client.Close() //nolint:errcheck // shutdown path
		}, nil
	default:
		return nooppub.New(), func() {}, nil
	}
}
