package fetch

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JuctTr/investment-research/internal/degrade"
	"github.com/JuctTr/investment-research/internal/harvest"
	"github.com/JuctTr/investment-research/internal/metrics"
)

// CookieProvider hands out pooled session cookies. Satisfied by the
// cookie pool.
type CookieProvider interface {
	GetCookie(ctx context.Context, forceRefresh bool) (harvest.Cookie, error)
	MarkInvalid(ctx context.Context, value string) error
}

// SearchCrawler crawls public-account search mirrors. The direct path is
// a plain HTTP request with a pooled session cookie; under sustained
// direct failures the degradation controller switches the source to a
// full browser render.
type SearchCrawler struct {
	client   *Client
	renderer Renderer
	cookies  CookieProvider
	modes    *degrade.Controller
	sink     ItemSink
	logger   *zap.Logger
}

// NewSearchCrawler builds the search-mirror crawl implementation.
func NewSearchCrawler(client *Client, renderer Renderer, cookies CookieProvider, modes *degrade.Controller, sink ItemSink, logger *zap.Logger) *SearchCrawler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SearchCrawler{
		client:   client,
		renderer: renderer,
		cookies:  cookies,
		modes:    modes,
		sink:     sink,
		logger:   logger,
	}
}

// Category implements harvest.Crawler.
func (c *SearchCrawler) Category() harvest.SourceCategory { return harvest.CategorySearch }

// Execute resolves the acquisition mode for the source, runs that path
// and feeds the outcome back into the degradation controller.
func (c *SearchCrawler) Execute(ctx context.Context, source harvest.Source) (harvest.Result, error) {
	requested := degrade.ModeAuto
	if raw, ok := source.AuthConfig["mode"]; ok && raw != "" {
		requested = degrade.Mode(strings.ToUpper(raw))
	}
	mode := c.modes.DetermineMode(source.ID, requested)
	metrics.ObserveModeResolution(string(mode))

	var (
		result harvest.Result
		err    error
	)
	switch mode {
	case degrade.ModeBrowser:
		result, err = c.crawlBrowser(ctx, source)
	default:
		result, err = c.crawlDirect(ctx, source)
	}

	if err != nil {
		count := c.modes.RecordFailure(source.ID, mode)
		c.logger.Warn("search crawl failed",
			zap.String("source_id", source.ID),
			zap.String("mode", string(mode)),
			zap.Int("consecutive_failures", count),
			zap.Error(err))
		return harvest.Result{}, err
	}
	c.modes.RecordSuccess(source.ID, mode)
	return result, nil
}

// crawlDirect fetches the mirror with a pooled cookie. An authentication
// rejection invalidates the cookie and retries once with a forced
// refresh; the same cookie is never retried.
func (c *SearchCrawler) crawlDirect(ctx context.Context, source harvest.Source) (harvest.Result, error) {
	cookie, err := c.cookies.GetCookie(ctx, false)
	if err != nil {
		return harvest.Result{}, fmt.Errorf("obtain session cookie: %w", err)
	}

	result, err := c.fetchWithCookie(ctx, source, cookie)
	if harvest.KindOf(err) == harvest.KindAuthRejected {
		if markErr := c.cookies.MarkInvalid(ctx, cookie.Value); markErr != nil {
			c.logger.Warn("failed to invalidate rejected cookie", zap.Error(markErr))
		}
		fresh, refreshErr := c.cookies.GetCookie(ctx, true)
		if refreshErr != nil {
			return harvest.Result{}, fmt.Errorf("refresh session after rejection: %w", refreshErr)
		}
		result, err = c.fetchWithCookie(ctx, source, fresh)
		if harvest.KindOf(err) == harvest.KindAuthRejected {
			if markErr := c.cookies.MarkInvalid(ctx, fresh.Value); markErr != nil {
				c.logger.Warn("failed to invalidate rejected cookie", zap.Error(markErr))
			}
		}
	}
	return result, err
}

func (c *SearchCrawler) fetchWithCookie(ctx context.Context, source harvest.Source, cookie harvest.Cookie) (harvest.Result, error) {
	status, body, err := c.client.get(ctx, source.URL, map[string]string{"Cookie": cookie.Value})
	if err != nil {
		return harvest.Result{}, err
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return harvest.Result{}, harvest.AuthRejected(fmt.Sprintf("mirror %s rejected session with %d", source.URL, status))
	case status >= 500:
		return harvest.Result{}, harvest.Transient(fmt.Sprintf("mirror %s returned %d", source.URL, status), nil)
	case status >= 400:
		return harvest.Result{}, harvest.ExtractionFailed(fmt.Sprintf("mirror %s returned %d", source.URL, status), body)
	}
	return c.storeResults(ctx, source, string(body))
}

func (c *SearchCrawler) crawlBrowser(ctx context.Context, source harvest.Source) (harvest.Result, error) {
	html, err := c.renderer.Render(ctx, source.URL)
	if err != nil {
		return harvest.Result{}, err
	}
	return c.storeResults(ctx, source, html)
}

func (c *SearchCrawler) storeResults(ctx context.Context, source harvest.Source, html string) (harvest.Result, error) {
	items, err := extractSearchResults(source.URL, html)
	if err != nil {
		return harvest.Result{}, harvest.ExtractionFailed(fmt.Sprintf("extract results from %s: %v", source.URL, err), []byte(html))
	}
	if len(items) == 0 {
		return harvest.Result{}, harvest.ExtractionFailed(fmt.Sprintf("no results on %s", source.URL), []byte(html))
	}

	result := harvest.Result{Fetched: 1, Parsed: len(items)}
	for _, item := range items {
		item.SourceID = source.ID
		stored, err := c.sink.Store(ctx, item)
		if err != nil {
			return result, fmt.Errorf("store result %s: %w", item.URL, err)
		}
		if stored {
			result.Stored++
		}
	}
	return result, nil
}

// extractSearchResults pulls result entries from the mirror's listing
// markup. The mirrors render results as h3-titled boxes with a summary
// paragraph.
func extractSearchResults(pageURL, html string) ([]Item, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	var items []Item
	doc.Find(".txt-box, .result, .news-box li").Each(func(_ int, box *goquery.Selection) {
		link := box.Find("h3 a").First()
		href, _ := link.Attr("href")
		title := strings.TrimSpace(link.Text())
		if href == "" || title == "" {
			return
		}
		items = append(items, Item{
			Title:   title,
			URL:     absoluteURL(pageURL, href),
			Summary: strings.TrimSpace(box.Find("p").First().Text()),
		})
	})
	return items, nil
}
