package fetch

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/antchfx/xmlquery"
	"go.uber.org/zap"

	"github.com/JuctTr/investment-research/internal/harvest"
)

// RSSCrawler fetches a feed over plain HTTP and extracts its entries.
// Handles both RSS 2.0 (<item>) and Atom (<entry>) documents.
type RSSCrawler struct {
	client *Client
	sink   ItemSink
	logger *zap.Logger
}

// NewRSSCrawler builds the RSS crawl implementation.
func NewRSSCrawler(client *Client, sink ItemSink, logger *zap.Logger) *RSSCrawler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RSSCrawler{client: client, sink: sink, logger: logger}
}

// Category implements harvest.Crawler.
func (c *RSSCrawler) Category() harvest.SourceCategory { return harvest.CategoryRSS }

// Execute fetches and parses the feed, storing every entry.
func (c *RSSCrawler) Execute(ctx context.Context, source harvest.Source) (harvest.Result, error) {
	status, body, err := c.client.get(ctx, source.URL, nil)
	if err != nil {
		return harvest.Result{}, err
	}
	if status >= 500 {
		return harvest.Result{}, harvest.Transient(fmt.Sprintf("feed %s returned %d", source.URL, status), nil)
	}
	if status >= 400 {
		return harvest.Result{}, harvest.ExtractionFailed(fmt.Sprintf("feed %s returned %d", source.URL, status), body)
	}

	entries, err := parseFeed(body)
	if err != nil {
		return harvest.Result{}, harvest.ExtractionFailed(fmt.Sprintf("parse feed %s: %v", source.URL, err), body)
	}
	if len(entries) == 0 {
		return harvest.Result{}, harvest.ExtractionFailed(fmt.Sprintf("feed %s has no entries", source.URL), body)
	}

	result := harvest.Result{Fetched: 1, Parsed: len(entries)}
	for _, entry := range entries {
		entry.SourceID = source.ID
		stored, err := c.sink.Store(ctx, entry)
		if err != nil {
			return result, fmt.Errorf("store feed item %s: %w", entry.URL, err)
		}
		if stored {
			result.Stored++
		}
	}

	c.logger.Debug("feed crawled",
		zap.String("source_id", source.ID),
		zap.Int("parsed", result.Parsed),
		zap.Int("stored", result.Stored))
	return result, nil
}

// parseFeed extracts entries from an RSS or Atom document.
func parseFeed(body []byte) ([]Item, error) {
	doc, err := xmlquery.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("invalid xml: %w", err)
	}

	nodes := xmlquery.Find(doc, "//item")
	atom := false
	if len(nodes) == 0 {
		nodes = xmlquery.Find(doc, "//entry")
		atom = true
	}

	items := make([]Item, 0, len(nodes))
	for _, node := range nodes {
		item := Item{
			Title:   childText(node, "title"),
			Summary: childText(node, "description"),
		}
		if atom {
			if item.Summary == "" {
				item.Summary = childText(node, "summary")
			}
			if link := xmlquery.FindOne(node, "link"); link != nil {
				item.URL = strings.TrimSpace(link.SelectAttr("href"))
			}
			item.PublishedAt = parseFeedTime(childText(node, "updated"), childText(node, "published"))
		} else {
			item.URL = childText(node, "link")
			item.PublishedAt = parseFeedTime(childText(node, "pubDate"))
		}
		if item.URL == "" {
			continue
		}
		items = append(items, item)
	}
	return items, nil
}

func childText(node *xmlquery.Node, name string) string {
	child := xmlquery.FindOne(node, name)
	if child == nil {
		return ""
	}
	return strings.TrimSpace(child.InnerText())
}

var feedTimeLayouts = []string{
	time.RFC1123Z,
	time.RFC1123,
	time.RFC3339,
	"2006-01-02 15:04:05",
}

func parseFeedTime(candidates ...string) *time.Time {
	for _, raw := range candidates {
		if raw == "" {
			continue
		}
		for _, layout := range feedTimeLayouts {
			if ts, err := time.Parse(layout, raw); err == nil {
				utc := ts.UTC()
				return &utc
			}
		}
	}
	return nil
}
