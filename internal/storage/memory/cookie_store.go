package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/JuctTr/investment-research/internal/harvest"
)

// CookieStore keeps cached sessions in a map guarded by a mutex.
type CookieStore struct {
	mu      sync.RWMutex
	cookies map[string]harvest.Cookie
}

// NewCookieStore creates an empty in-memory cookie store.
func NewCookieStore() *CookieStore {
	return &CookieStore{cookies: make(map[string]harvest.Cookie)}
}

// Create stores a new cookie keyed by its id.
func (s *CookieStore) Create(_ context.Context, cookie harvest.Cookie) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cookies[cookie.ID] = cookie
	return nil
}

// FindUsable returns the least-recently-used cookie that satisfies the
// cookie invariant, or harvest.ErrNoCookie. Never-used cookies sort first.
func (s *CookieStore) FindUsable(_ context.Context, now time.Time, maxFailures int) (harvest.Cookie, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var candidates []harvest.Cookie
	for _, c := range s.cookies {
		if c.Usable(now, maxFailures) {
			candidates = append(candidates, c)
		}
	}
	if len(candidates) == 0 {
		return harvest.Cookie{}, harvest.ErrNoCookie
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i].LastUsedAt, candidates[j].LastUsedAt
		switch {
		case a == nil && b == nil:
			return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
		case a == nil:
			return true
		case b == nil:
			return false
		default:
			return a.Before(*b)
		}
	})
	return candidates[0], nil
}

// Touch stamps the cookie's last-used time.
func (s *CookieStore) Touch(_ context.Context, id string, usedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.cookies[id]
	if !ok {
		return harvest.ErrNoCookie
	}
	c.LastUsedAt = &usedAt
	s.cookies[id] = c
	return nil
}

// MarkInvalid increments the failure count for every cookie carrying the
// value and flips its status to EXPIRED.
func (s *CookieStore) MarkInvalid(_ context.Context, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, c := range s.cookies {
		if c.Value != value {
			continue
		}
		c.FailCount++
		c.Status = harvest.CookieExpired
		s.cookies[id] = c
	}
	return nil
}

// PurgeExpired deletes expired or invalidated cookies and reports how many
// were removed.
func (s *CookieStore) PurgeExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, c := range s.cookies {
		if c.Status == harvest.CookieExpired || !c.ExpiresAt.After(now) {
			delete(s.cookies, id)
			removed++
		}
	}
	return removed, nil
}

// Counts reports active and expired cookie totals for the admin surface.
func (s *CookieStore) Counts(_ context.Context) (int, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	active, expired := 0, 0
	for _, c := range s.cookies {
		if c.Status == harvest.CookieActive {
			active++
		} else {
			expired++
		}
	}
	return active, expired, nil
}
