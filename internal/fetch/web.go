package fetch

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JuctTr/investment-research/internal/harvest"
)

// Renderer produces fully-rendered page HTML. Satisfied by the headless
// browser pool.
type Renderer interface {
	Render(ctx context.Context, url string) (string, error)
}

// WebCrawler renders a page in the headless browser and extracts article
// links from the resulting DOM.
type WebCrawler struct {
	renderer Renderer
	sink     ItemSink
	logger   *zap.Logger
}

// NewWebCrawler builds the browser-rendered crawl implementation.
func NewWebCrawler(renderer Renderer, sink ItemSink, logger *zap.Logger) *WebCrawler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebCrawler{renderer: renderer, sink: sink, logger: logger}
}

// Category implements harvest.Crawler.
func (c *WebCrawler) Category() harvest.SourceCategory { return harvest.CategoryWeb }

// Execute renders the source page and stores every extracted article.
// Challenge errors from the renderer pass through untouched so the worker
// retry policy sees them.
func (c *WebCrawler) Execute(ctx context.Context, source harvest.Source) (harvest.Result, error) {
	html, err := c.renderer.Render(ctx, source.URL)
	if err != nil {
		return harvest.Result{}, err
	}

	items, err := extractArticles(source.URL, html)
	if err != nil {
		return harvest.Result{}, harvest.ExtractionFailed(fmt.Sprintf("extract articles from %s: %v", source.URL, err), []byte(html))
	}
	if len(items) == 0 {
		return harvest.Result{}, harvest.ExtractionFailed(fmt.Sprintf("no articles found on %s", source.URL), []byte(html))
	}

	result := harvest.Result{Fetched: 1, Parsed: len(items)}
	for _, item := range items {
		item.SourceID = source.ID
		stored, err := c.sink.Store(ctx, item)
		if err != nil {
			return result, fmt.Errorf("store article %s: %w", item.URL, err)
		}
		if stored {
			result.Stored++
		}
	}

	c.logger.Debug("page crawled",
		zap.String("source_id", source.ID),
		zap.Int("parsed", result.Parsed),
		zap.Int("stored", result.Stored))
	return result, nil
}

// absoluteURL resolves href against the page URL, falling back to the raw
// href when either side does not parse.
func absoluteURL(pageURL, href string) string {
	base, err := url.Parse(pageURL)
	if err != nil {
		return href
	}
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	return base.ResolveReference(ref).String()
}

// extractArticles pulls titled links out of the rendered DOM. Nav chrome
// is skipped by requiring a non-trivial link text.
func extractArticles(pageURL, html string) ([]Item, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("parse page url: %w", err)
	}

	seen := make(map[string]struct{})
	var items []Item
	doc.Find("article a[href], h1 a[href], h2 a[href], h3 a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		title := strings.TrimSpace(sel.Text())
		if href == "" || len(title) < 8 {
			return
		}
		ref, err := url.Parse(href)
		if err != nil {
			return
		}
		abs := base.ResolveReference(ref).String()
		if _, dup := seen[abs]; dup {
			return
		}
		seen[abs] = struct{}{}
		items = append(items, Item{Title: title, URL: abs})
	})
	return items, nil
}
