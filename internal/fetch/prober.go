package fetch

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JuctTr/investment-research/internal/harvest"
)

// HeadProber checks reachability with a cheap HEAD request. It serves two
// callers: the scheduler's recovery sweep probes disabled sources before
// re-enabling them, and the search strategy gates scheduling on the
// mirror being reachable at all.
type HeadProber struct {
	client    *http.Client
	userAgent string
	// mirrorURL is the base probed for dependency health.
	mirrorURL string
	logger    *zap.Logger
}

// NewHeadProber builds a prober. mirrorURL may be empty when only
// recovery probing is needed.
func NewHeadProber(timeout time.Duration, userAgent, mirrorURL string, logger *zap.Logger) *HeadProber {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HeadProber{
		client:    &http.Client{Timeout: timeout},
		userAgent: userAgent,
		mirrorURL: mirrorURL,
		logger:    logger,
	}
}

// Probe checks the source URL. A 2xx/3xx answer counts as reachable;
// anything else keeps the source disabled.
func (p *HeadProber) Probe(ctx context.Context, source harvest.Source) error {
	return p.head(ctx, source.URL)
}

// Healthy reports whether the configured mirror answers at all.
func (p *HeadProber) Healthy(ctx context.Context) bool {
	if p.mirrorURL == "" {
		return true
	}
	if err := p.head(ctx, p.mirrorURL); err != nil {
		p.logger.Debug("mirror probe failed", zap.String("url", p.mirrorURL), zap.Error(err))
		return false
	}
	return true
}

func (p *HeadProber) head(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return fmt.Errorf("build probe request: %w", err)
	}
	req.Header.Set("User-Agent", p.userAgent)

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("probe %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("probe %s: status %d", url, resp.StatusCode)
	}
	return nil
}
