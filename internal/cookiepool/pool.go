// Package cookiepool hands out persisted authentication cookies, rotating
// them least-recently-used and refreshing the pool when it runs dry.
package cookiepool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JuctTr/investment-research/internal/harvest"
	"github.com/JuctTr/investment-research/internal/metrics"
)

// SessionFetcher acquires a fresh session cookie string from the target
// site, typically by driving the headless browser through its landing page.
type SessionFetcher interface {
	Fetch(ctx context.Context, authURL, tokenName string) (string, error)
}

// Config tunes cookie lifetime and acquisition behavior.
type Config struct {
	// AuthURL is the page driven to obtain fresh session cookies.
	AuthURL string
	// TokenName is the cookie that must be present for a session to count.
	TokenName string
	// TTL bounds how long an acquired cookie stays reusable.
	TTL time.Duration
	// MaxFailures retires a cookie after this many reported rejections.
	MaxFailures int
	// WarmUpDelay paces acquisitions during WarmUp so a cold start does
	// not look like an attack.
	WarmUpDelay time.Duration
}

func (c *Config) applyDefaults() {
	if c.TTL <= 0 {
		c.TTL = 2 * time.Hour
	}
	if c.MaxFailures <= 0 {
		c.MaxFailures = 3
	}
	if c.WarmUpDelay <= 0 {
		c.WarmUpDelay = 5 * time.Second
	}
}

// Status is the admin view of the pool.
type Status struct {
	Active  int `json:"active"`
	Expired int `json:"expired"`
}

// Pool selects, refreshes and retires cookies.
type Pool struct {
	cfg     Config
	store   harvest.CookieStore
	fetcher SessionFetcher
	ids     harvest.IDGenerator
	clock   harvest.Clock
	logger  *zap.Logger

	// refreshMu serializes acquisitions: a burst of callers on an empty
	// pool must not each drive the browser through the auth page.
	refreshMu sync.Mutex
}

// NewPool builds a cookie pool over the given store and session fetcher.
func NewPool(cfg Config, store harvest.CookieStore, fetcher SessionFetcher, ids harvest.IDGenerator, clock harvest.Clock, logger *zap.Logger) *Pool {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		cfg:     cfg,
		store:   store,
		fetcher: fetcher,
		ids:     ids,
		clock:   clock,
		logger:  logger,
	}
}

// GetCookie returns a usable cookie, stamping its last-used time. Unless
// forceRefresh is set it prefers the least-recently-used persisted cookie;
// an empty pool triggers exactly one refresh.
func (p *Pool) GetCookie(ctx context.Context, forceRefresh bool) (harvest.Cookie, error) {
	if !forceRefresh {
		cookie, ok, err := p.findUsable(ctx)
		if err != nil || ok {
			return cookie, err
		}
	}
	return p.refresh(ctx, !forceRefresh)
}

// findUsable selects and stamps the least-recently-used persisted cookie.
// An empty pool reports ok=false without error.
func (p *Pool) findUsable(ctx context.Context) (harvest.Cookie, bool, error) {
	now := p.clock.Now()
	cookie, err := p.store.FindUsable(ctx, now, p.cfg.MaxFailures)
	if err == nil {
		if err := p.store.Touch(ctx, cookie.ID, now); err != nil {
			return harvest.Cookie{}, false, fmt.Errorf("stamp cookie %s: %w", cookie.ID, err)
		}
		return cookie, true, nil
	}
	if !errors.Is(err, harvest.ErrNoCookie) {
		return harvest.Cookie{}, false, fmt.Errorf("select cookie: %w", err)
	}
	return harvest.Cookie{}, false, nil
}

// refresh acquires one new session, persists it and purges dead entries.
// Acquisitions are serialized; with recheck set, a caller that waited for
// a concurrent refresh reuses its cookie instead of fetching another.
func (p *Pool) refresh(ctx context.Context, recheck bool) (harvest.Cookie, error) {
	p.refreshMu.Lock()
	defer p.refreshMu.Unlock()

	if recheck {
		cookie, ok, err := p.findUsable(ctx)
		if err != nil || ok {
			return cookie, err
		}
	}

	value, err := p.fetcher.Fetch(ctx, p.cfg.AuthURL, p.cfg.TokenName)
	if err != nil {
		return harvest.Cookie{}, fmt.Errorf("acquire session: %w", err)
	}

	id, err := p.ids.NewID()
	if err != nil {
		return harvest.Cookie{}, fmt.Errorf("cookie id: %w", err)
	}

	now := p.clock.Now()
	cookie := harvest.Cookie{
		ID:        id,
		Value:     value,
		Status:    harvest.CookieActive,
		ExpiresAt: now.Add(p.cfg.TTL),
		CreatedAt: now,
	}
	if err := p.store.Create(ctx, cookie); err != nil {
		return harvest.Cookie{}, fmt.Errorf("persist cookie: %w", err)
	}
	metrics.ObserveCookieRefresh()

	if purged, err := p.store.PurgeExpired(ctx, now); err != nil {
		p.logger.Warn("cookie purge failed", zap.Error(err))
	} else if purged > 0 {
		p.logger.Info("purged dead cookies", zap.Int("count", purged))
	}
	p.publishCounts(ctx)

	p.logger.Info("cookie pool refreshed",
		zap.String("cookie_id", cookie.ID),
		zap.Time("expires_at", cookie.ExpiresAt))
	return cookie, nil
}

// MarkInvalid reports an authentication rejection for the given cookie
// value. The next GetCookie will not hand the same cookie out again.
func (p *Pool) MarkInvalid(ctx context.Context, value string) error {
	if err := p.store.MarkInvalid(ctx, value); err != nil {
		return fmt.Errorf("invalidate cookie: %w", err)
	}
	p.publishCounts(ctx)
	return nil
}

// WarmUp pre-populates n fresh cookies with pacing between acquisitions.
func (p *Pool) WarmUp(ctx context.Context, n int) error {
	limiter := rate.NewLimiter(rate.Every(p.cfg.WarmUpDelay), 1)
	for i := 0; i < n; i++ {
		if err := limiter.Wait(ctx); err != nil {
			return fmt.Errorf("warm-up pacing: %w", err)
		}
		if _, err := p.refresh(ctx, false); err != nil {
			return fmt.Errorf("warm-up cookie %d of %d: %w", i+1, n, err)
		}
	}
	p.logger.Info("cookie pool warmed up", zap.Int("count", n))
	return nil
}

// Status reports active and expired cookie counts.
func (p *Pool) Status(ctx context.Context) (Status, error) {
	active, expired, err := p.store.Counts(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("count cookies: %w", err)
	}
	metrics.SetCookieCounts(active, expired)
	return Status{Active: active, Expired: expired}, nil
}

func (p *Pool) publishCounts(ctx context.Context) {
	active, expired, err := p.store.Counts(ctx)
	if err != nil {
		p.logger.Debug("cookie count refresh failed", zap.Error(err))
		return
	}
	metrics.SetCookieCounts(active, expired)
}
