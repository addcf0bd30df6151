package cmd

import (
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JuctTr/investment-research/internal/browser"
	"github.com/JuctTr/investment-research/internal/clock/system"
	"github.com/JuctTr/investment-research/internal/config"
	"github.com/JuctTr/investment-research/internal/cookiepool"
	"github.com/JuctTr/investment-research/internal/id/uuid"
	"github.com/JuctTr/investment-research/internal/logging"
	"github.com/JuctTr/investment-research/internal/metrics"
	memstore "github.com/JuctTr/investment-research/internal/storage/memory"
	"github.com/JuctTr/investment-research/internal/storage/postgres"

	"github.com/JuctTr/investment-research/internal/harvest"
)

// newWarmupCmd creates the 'warmup' subcommand, which pre-fills the
// session cookie pool before the service takes traffic.
func newWarmupCmd() *cobra.Command {
	var count int

	cmd := &cobra.Command{
		Use:   "warmup",
		Short: "Pre-acquire session cookies",
		Long: `Drives the headless browser through the authentication page repeatedly
and stores the resulting session cookies, so the first account-search crawls
do not pay the acquisition cost.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWarmup(cmd, count)
		},
	}
	cmd.Flags().IntVar(&count, "count", 3, "number of sessions to acquire")
	return cmd
}

func runWarmup(cmd *cobra.Command, count int) error {
	if count <= 0 {
		return fmt.Errorf("count must be > 0")
	}

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

	var store harvest.CookieStore
	switch cfg.Storage.Backend {
	case "postgres":
		pool, perr := postgres.NewPool(ctx, postgres.PoolConfig{DSN: cfg.Storage.DSN})
		if perr != nil {
			return fmt.Errorf("connect postgres: %w", perr)
		}
		defer pool.Close()
		store, err = postgres.NewCookieStore(pool)
		if err != nil {
			return fmt.Errorf("cookie store: %w", err)
		}
	default:
		store = memstore.NewCookieStore()
	}

	browserPool := browser.NewPool(browser.Config{
		UserAgent:         cfg.Browser.UserAgent,
		ViewportWidth:     int64(cfg.Browser.ViewportWidth),
		ViewportHeight:    int64(cfg.Browser.ViewportHeight),
		NavigationTimeout: time.Duration(cfg.Browser.NavTimeoutSec) * time.Second,
	}, logger)
	defer browserPool.Shutdown()

	pool := cookiepool.NewPool(cookiepool.Config{
		AuthURL:     cfg.Cookies.AuthURL,
		TokenName:   cfg.Cookies.TokenName,
		TTL:         time.Duration(cfg.Cookies.TTLMinutes) * time.Minute,
		MaxFailures: cfg.Cookies.MaxFailures,
		WarmUpDelay: time.Duration(cfg.Cookies.WarmupDelaySec) * time.Second,
	}, store, browser.NewSessionFetcher(browserPool, logger), uuid.New(), system.New(), logger)

	if err := pool.WarmUp(ctx, count); err != nil {
		return fmt.Errorf("warm up cookie pool: %w", err)
	}

	status, err := pool.Status(ctx)
	if err != nil {
		return fmt.Errorf("cookie pool status: %w", err)
	}
	logger.Info("cookie pool warmed",
		zap.Int("requested", count),
		zap.Int("active", status.Active),
		zap.Int("expired", status.Expired),
	)
	return nil
}
