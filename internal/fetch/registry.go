// Package fetch holds the category-specific crawl implementations and the
// registry that resolves a source category to one of them.
package fetch

import (
	"github.com/JuctTr/investment-research/internal/harvest"
)

// Registry maps source categories to crawl implementations. It is built
// once at startup; an unknown category resolves to a miss, which the
// worker reports as a configuration failure.
type Registry struct {
	byCategory map[harvest.SourceCategory]harvest.Crawler
}

// NewRegistry indexes the given crawlers by their category. A duplicate
// category keeps the last crawler registered.
func NewRegistry(crawlers ...harvest.Crawler) *Registry {
	byCategory := make(map[harvest.SourceCategory]harvest.Crawler, len(crawlers))
	for _, c := range crawlers {
		byCategory[c.Category()] = c
	}
	return &Registry{byCategory: byCategory}
}

// Resolve returns the crawler for the category, if one is registered.
func (r *Registry) Resolve(category harvest.SourceCategory) (harvest.Crawler, bool) {
	c, ok := r.byCategory[category]
	return c, ok
}

// Categories lists the registered categories, for startup logging.
func (r *Registry) Categories() []harvest.SourceCategory {
	out := make([]harvest.SourceCategory, 0, len(r.byCategory))
	for cat := range r.byCategory {
		out = append(out, cat)
	}
	return out
}
