// Package browser manages the shared headless-browser instance and the
// pages issued from it.
package browser

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JuctTr/investment-research/internal/harvest"
	"github.com/JuctTr/investment-research/internal/metrics"
)

// Config controls the shared browser and its pages.
type Config struct {
	UserAgent         string
	ViewportWidth     int64
	ViewportHeight    int64
	NavigationTimeout time.Duration
	// ChallengeRetries bounds re-checks after an anti-bot challenge page.
	ChallengeRetries int
	// ChallengeWait is the pause between challenge re-checks.
	ChallengeWait time.Duration
}

func (c *Config) applyDefaults() {
	if c.UserAgent == "" {
		c.UserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	}
	if c.ViewportWidth <= 0 {
		c.ViewportWidth = 1920
	}
	if c.ViewportHeight <= 0 {
		c.ViewportHeight = 1080
	}
	if c.NavigationTimeout <= 0 {
		c.NavigationTimeout = 30 * time.Second
	}
	if c.ChallengeRetries <= 0 {
		c.ChallengeRetries = 3
	}
	if c.ChallengeWait <= 0 {
		c.ChallengeWait = 10 * time.Second
	}
}

// Page is one issued browser tab. Pages are never reused across calls, so
// no request state leaks between crawls.
type Page struct {
	ctx     context.Context
	cancels []context.CancelFunc
}

// Context exposes the chromedp context for running actions on the page.
func (p *Page) Context() context.Context { return p.ctx }

// Pool owns the lazily-launched browser. Concurrent first-callers share a
// single initialization in flight; no duplicate launches.
type Pool struct {
	cfg    Config
	logger *zap.Logger

	mu          sync.Mutex
	initDone    chan struct{}
	initialized bool
	initErr     error
	allocator   context.Context
	allocCancel context.CancelFunc
	browser     context.Context
	browserStop context.CancelFunc
	pages       map[*Page]struct{}
	shutdown    bool
}

// NewPool creates an un-launched pool; the browser starts on first demand.
func NewPool(cfg Config, logger *zap.Logger) *Pool {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		cfg:    cfg,
		logger: logger,
		pages:  make(map[*Page]struct{}),
	}
}

// ensureBrowser launches the shared browser exactly once. Later callers
// either return immediately or wait for the launch already in flight.
func (p *Pool) ensureBrowser(ctx context.Context) error {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return fmt.Errorf("browser pool is shut down")
	}
	if p.initialized {
		err := p.initErr
		p.mu.Unlock()
		return err
	}
	if p.initDone != nil {
		done := p.initDone
		p.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return fmt.Errorf("browser launch wait canceled: %w", ctx.Err())
		}
		p.mu.Lock()
		err := p.initErr
		p.mu.Unlock()
		return err
	}
	done := make(chan struct{})
	p.initDone = done
	p.mu.Unlock()

	err := p.launch()

	p.mu.Lock()
	p.initialized = true
	p.initErr = err
	p.initDone = nil
	p.mu.Unlock()
	close(done)
	return err
}

func (p *Pool) launch() error {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserStop := chromedp.NewContext(allocCtx)

	// Force the browser process to actually start so a broken Chrome
	// install fails here, not on the first crawl.
	if err := chromedp.Run(browserCtx); err != nil {
		browserStop()
		allocCancel()
		return fmt.Errorf("launch browser: %w", err)
	}

	p.mu.Lock()
	p.allocator = allocCtx
	p.allocCancel = allocCancel
	p.browser = browserCtx
	p.browserStop = browserStop
	p.mu.Unlock()

	p.logger.Info("headless browser launched",
		zap.String("user_agent", p.cfg.UserAgent),
		zap.Int64("viewport_width", p.cfg.ViewportWidth),
		zap.Int64("viewport_height", p.cfg.ViewportHeight))
	return nil
}

// GetPage issues a fresh page with the fixed user agent and viewport, and
// a request filter aborting image, font and stylesheet loads.
func (p *Pool) GetPage(ctx context.Context) (*Page, error) {
	if err := p.ensureBrowser(ctx); err != nil {
		return nil, err
	}

	p.mu.Lock()
	browser := p.browser
	p.mu.Unlock()

	pageCtx, pageCancel := chromedp.NewContext(browser)
	page := &Page{ctx: pageCtx, cancels: []context.CancelFunc{pageCancel}}

	p.installRequestFilter(pageCtx)

	err := chromedp.Run(pageCtx,
		fetch.Enable(),
		emulation.SetUserAgentOverride(p.cfg.UserAgent),
		emulation.SetDeviceMetricsOverride(p.cfg.ViewportWidth, p.cfg.ViewportHeight, 1, false),
	)
	if err != nil {
		pageCancel()
		return nil, fmt.Errorf("prepare page: %w", err)
	}

	p.mu.Lock()
	p.pages[page] = struct{}{}
	p.mu.Unlock()
	return page, nil
}

// installRequestFilter aborts non-essential sub-resource loads to cut
// bandwidth and speed up rendering.
func (p *Pool) installRequestFilter(pageCtx context.Context) {
	chromedp.ListenTarget(pageCtx, func(ev any) {
		paused, ok := ev.(*fetch.EventRequestPaused)
		if !ok {
			return
		}
		go func() {
			c := chromedp.FromContext(pageCtx)
			execCtx := cdp.WithExecutor(pageCtx, c.Target)
			switch paused.ResourceType {
			case network.ResourceTypeImage, network.ResourceTypeFont, network.ResourceTypeStylesheet:
				if err := fetch.FailRequest(paused.RequestID, network.ErrorReasonBlockedByClient).Do(execCtx); err != nil {
					p.logger.Debug("failed to abort sub-resource", zap.Error(err))
				}
			default:
				if err := fetch.ContinueRequest(paused.RequestID).Do(execCtx); err != nil {
					p.logger.Debug("failed to continue request", zap.Error(err))
				}
			}
		}()
	})
}

// ReleasePage closes the page. Close failures are logged, never raised.
func (p *Pool) ReleasePage(page *Page) {
	if page == nil {
		return
	}
	p.mu.Lock()
	delete(p.pages, page)
	p.mu.Unlock()

	if err := chromedp.Cancel(page.ctx); err != nil {
		p.logger.Warn("failed to close page cleanly", zap.Error(err))
	}
	for _, cancel := range page.cancels {
		cancel()
	}
}

// RenderHTML navigates the page and returns the rendered DOM once any
// anti-bot challenge has cleared. A challenge that survives the bounded
// re-checks is reported as a challenge error.
func (p *Pool) RenderHTML(ctx context.Context, page *Page, url string) (string, error) {
	navCtx, cancel := context.WithTimeout(page.ctx, p.cfg.NavigationTimeout)
	defer cancel()

	var html, title string
	err := chromedp.Run(navCtx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(500*time.Millisecond),
		chromedp.Title(&title),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		return "", fmt.Errorf("render %s: %w", url, err)
	}

	if !LooksChallenged(title, html) {
		return html, nil
	}

	p.logger.Warn("challenge page detected, waiting for it to clear", zap.String("url", url))
	for attempt := 1; attempt <= p.cfg.ChallengeRetries; attempt++ {
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("challenge wait canceled: %w", ctx.Err())
		case <-time.After(p.cfg.ChallengeWait):
		}

		recheckCtx, recheckCancel := context.WithTimeout(page.ctx, p.cfg.NavigationTimeout)
		err := chromedp.Run(recheckCtx,
			chromedp.Title(&title),
			chromedp.OuterHTML("html", &html, chromedp.ByQuery),
		)
		recheckCancel()
		if err != nil {
			return "", fmt.Errorf("challenge re-check: %w", err)
		}
		if !LooksChallenged(title, html) {
			metrics.ObserveChallenge("cleared")
			p.logger.Info("challenge cleared", zap.String("url", url), zap.Int("attempt", attempt))
			return html, nil
		}
	}

	metrics.ObserveChallenge("blocked")
	return "", harvest.Challenge(fmt.Sprintf("challenge page did not clear for %s", url))
}

// Render is the single-shot form of GetPage/RenderHTML/ReleasePage for
// callers that need exactly one navigation.
func (p *Pool) Render(ctx context.Context, url string) (string, error) {
	page, err := p.GetPage(ctx)
	if err != nil {
		return "", err
	}
	defer p.ReleasePage(page)
	return p.RenderHTML(ctx, page, url)
}

// Shutdown closes all open pages and the browser itself.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return
	}
	p.shutdown = true
	pages := make([]*Page, 0, len(p.pages))
	for page := range p.pages {
		pages = append(pages, page)
	}
	p.pages = make(map[*Page]struct{})
	browserStop := p.browserStop
	allocCancel := p.allocCancel
	p.mu.Unlock()

	for _, page := range pages {
		if err := chromedp.Cancel(page.ctx); err != nil {
			p.logger.Warn("failed to close page during shutdown", zap.Error(err))
		}
		for _, cancel := range page.cancels {
			cancel()
		}
	}
	if browserStop != nil {
		browserStop()
	}
	if allocCancel != nil {
		allocCancel()
	}
	p.logger.Info("headless browser shut down", zap.Int("closed_pages", len(pages)))
}
