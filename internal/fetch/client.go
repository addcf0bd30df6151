package fetch

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"golang.org/x/time/rate"

	"github.com/JuctTr/investment-research/internal/harvest"
)

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// Client wraps a colly collector with per-host politeness pacing. One
// Client is shared by the direct-HTTP crawl paths.
type Client struct {
	userAgent string
	timeout   time.Duration

	mu       sync.Mutex
	perHost  map[string]*rate.Limiter
	hostRate rate.Limit
}

func NewClient(userAgent string, timeout time.Duration, perHostInterval time.Duration) *Client {
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if perHostInterval <= 0 {
		perHostInterval = time.Second
	}
	return &Client{
		userAgent: userAgent,
		timeout:   timeout,
		perHost:   make(map[string]*rate.Limiter),
		hostRate:  rate.Every(perHostInterval),
	}
}

func (c *Client) hostLimiter(host string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	lim, ok := c.perHost[host]
	if !ok {
		lim = rate.NewLimiter(c.hostRate, 1)
		c.perHost[host] = lim
	}
	return lim
}

// get fetches the URL and returns status code and body. Transport-level
// failures come back as transient errors so the worker retries them.
func (c *Client) get(ctx context.Context, rawURL string, headers map[string]string) (int, []byte, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return 0, nil, harvest.Configuration(fmt.Sprintf("invalid url %q: %v", rawURL, err))
	}
	if err := c.hostLimiter(parsed.Host).Wait(ctx); err != nil {
		return 0, nil, fmt.Errorf("politeness wait: %w", err)
	}

	collector := colly.NewCollector(colly.Async(false))
	collector.UserAgent = c.userAgent
	collector.IgnoreRobotsTxt = true
	collector.SetRequestTimeout(c.timeout)

	var (
		status   int
		body     []byte
		fetchErr error
	)
	collector.OnRequest(func(r *colly.Request) {
		for k, v := range headers {
			r.Headers.Set(k, v)
		}
	})
	collector.OnResponse(func(r *colly.Response) {
		status = r.StatusCode
		body = append([]byte(nil), r.Body...)
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode > 0 {
			status = r.StatusCode
			body = append([]byte(nil), r.Body...)
		}
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(rawURL)
	}()
	select {
	case err := <-done:
		if fetchErr == nil {
			fetchErr = err
		}
	case <-ctx.Done():
		return 0, nil, harvest.Transient(fmt.Sprintf("fetch %s canceled", rawURL), ctx.Err())
	}

	// Status-bearing failures (403, 401, 5xx) are classified by the
	// caller; only transport errors without a response are transient here.
	if fetchErr != nil && status == 0 {
		return 0, nil, harvest.Transient(fmt.Sprintf("fetch %s", rawURL), fetchErr)
	}
	return status, body, nil
}
