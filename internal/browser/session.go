package browser

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JuctTr/investment-research/internal/harvest"
)

// SessionFetcher acquires anonymous session cookies by driving the target
// site's landing page in the shared browser.
type SessionFetcher struct {
	pool   *Pool
	logger *zap.Logger
}

// NewSessionFetcher wires a fetcher onto an existing pool.
func NewSessionFetcher(pool *Pool, logger *zap.Logger) *SessionFetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionFetcher{pool: pool, logger: logger}
}

// Fetch loads authURL and returns the resulting cookie header value. The
// session is only accepted when tokenName is among the issued cookies;
// otherwise the site rejected us and the caller should not persist it.
func (f *SessionFetcher) Fetch(ctx context.Context, authURL, tokenName string) (string, error) {
	page, err := f.pool.GetPage(ctx)
	if err != nil {
		return "", fmt.Errorf("acquire page for session fetch: %w", err)
	}
	defer f.pool.ReleasePage(page)

	navCtx, cancel := context.WithTimeout(page.Context(), f.pool.cfg.NavigationTimeout)
	defer cancel()

	var cookies []*network.Cookie
	err = chromedp.Run(navCtx,
		chromedp.Navigate(authURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(time.Second),
		chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			cookies, err = storage.GetCookies().Do(ctx)
			return err
		}),
	)
	if err != nil {
		return "", harvest.Transient("session fetch navigation failed", err)
	}

	value := cookieHeader(cookies)
	if tokenName != "" && !hasCookie(cookies, tokenName) {
		return "", harvest.AuthRejected(fmt.Sprintf("session fetch did not yield %s cookie", tokenName))
	}

	f.logger.Info("session cookies acquired",
		zap.String("auth_url", authURL),
		zap.Int("cookie_count", len(cookies)))
	return value, nil
}

func cookieHeader(cookies []*network.Cookie) string {
	pairs := make([]string, 0, len(cookies))
	for _, c := range cookies {
		pairs = append(pairs, c.Name+"="+c.Value)
	}
	return strings.Join(pairs, "; ")
}

func hasCookie(cookies []*network.Cookie, name string) bool {
	for _, c := range cookies {
		if c.Name == name {
			return true
		}
	}
	return false
}
