package fetch

import (
	"context"
	"sync"
	"time"
)

// Item is one harvested content entry.
type Item struct {
	SourceID    string     `json:"source_id"`
	Title       string     `json:"title"`
	URL         string     `json:"url"`
	Summary     string     `json:"summary,omitempty"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
}

// ItemSink stores harvested items. Store reports false when the item was
// already present, so crawlers can count stored vs parsed.
type ItemSink interface {
	Store(ctx context.Context, item Item) (bool, error)
}

// MemorySink keeps items in memory, deduplicating by URL. Used in tests
// and when no downstream store is configured.
type MemorySink struct {
	mu    sync.Mutex
	seen  map[string]struct{}
	items []Item
}

// NewMemorySink returns an empty sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{seen: make(map[string]struct{})}
}

// Store keeps the item unless its URL was stored before.
func (s *MemorySink) Store(_ context.Context, item Item) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.seen[item.URL]; dup {
		return false, nil
	}
	s.seen[item.URL] = struct{}{}
	s.items = append(s.items, item)
	return true, nil
}

// Items returns a copy of everything stored.
func (s *MemorySink) Items() []Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Item, len(s.items))
	copy(out, s.items)
	return out
}
