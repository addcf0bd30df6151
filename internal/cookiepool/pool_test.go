package cookiepool

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JuctTr/investment-research/internal/harvest"
	"github.com/JuctTr/investment-research/internal/metrics"
	memstore "github.com/JuctTr/investment-research/internal/storage/memory"
)

func TestMain(m *testing.M) {
	metrics.Init()
	m.Run()
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (g *seqIDs) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("cookie-%d", g.n), nil
}

type stubFetcher struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *stubFetcher) Fetch(_ context.Context, _, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return fmt.Sprintf("xq_a_token=session-%d", f.calls), nil
}

func (f *stubFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newFixture(t *testing.T) (*Pool, *memstore.CookieStore, *stubFetcher, *fakeClock) {
	t.Helper()
	store := memstore.NewCookieStore()
	fetcher := &stubFetcher{}
	clock := &fakeClock{now: time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)}
	pool := NewPool(Config{
		AuthURL:     "https://example.com/",
		TokenName:   "xq_a_token",
		TTL:         2 * time.Hour,
		MaxFailures: 3,
		WarmUpDelay: time.Millisecond,
	}, store, fetcher, &seqIDs{}, clock, nil)
	return pool, store, fetcher, clock
}

func TestGetCookie_EmptyPoolRefreshesExactlyOnce(t *testing.T) {
	t.Parallel()
	pool, _, fetcher, clock := newFixture(t)
	ctx := context.Background()

	cookie, err := pool.GetCookie(ctx, false)
	require.NoError(t, err)
	require.Equal(t, "cookie-1", cookie.ID)
	require.Equal(t, "xq_a_token=session-1", cookie.Value)
	require.Equal(t, harvest.CookieActive, cookie.Status)
	require.Equal(t, clock.Now().Add(2*time.Hour), cookie.ExpiresAt)
	require.Equal(t, 1, fetcher.callCount())
}

func TestGetCookie_ConcurrentCallersShareOneRefresh(t *testing.T) {
	t.Parallel()
	pool, _, fetcher, _ := newFixture(t)
	ctx := context.Background()

	const callers = 5
	cookies := make([]harvest.Cookie, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func(i int) {
			defer wg.Done()
			cookies[i], errs[i] = pool.GetCookie(ctx, false)
		}(i)
	}
	wg.Wait()

	// A burst on an empty pool drives the auth page exactly once; the
	// callers that waited reuse the freshly persisted session.
	require.Equal(t, 1, fetcher.callCount())
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, cookies[0].Value, cookies[i].Value)
	}
}

func TestGetCookie_ReusesPersistedCookie(t *testing.T) {
	t.Parallel()
	pool, store, fetcher, clock := newFixture(t)
	ctx := context.Background()

	first, err := pool.GetCookie(ctx, false)
	require.NoError(t, err)

	clock.advance(time.Minute)
	second, err := pool.GetCookie(ctx, false)
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, 1, fetcher.callCount())

	// The reuse must be observable via lastUsedAt.
	reused, err := store.FindUsable(ctx, clock.Now(), 3)
	require.NoError(t, err)
	require.NotNil(t, reused.LastUsedAt)
	require.Equal(t, clock.Now(), *reused.LastUsedAt)
}

func TestGetCookie_ForceRefreshSkipsPool(t *testing.T) {
	t.Parallel()
	pool, _, fetcher, _ := newFixture(t)
	ctx := context.Background()

	_, err := pool.GetCookie(ctx, false)
	require.NoError(t, err)

	forced, err := pool.GetCookie(ctx, true)
	require.NoError(t, err)
	require.Equal(t, "cookie-2", forced.ID)
	require.Equal(t, 2, fetcher.callCount())
}

func TestGetCookie_ExpiredCookieTriggersRefreshAndPurge(t *testing.T) {
	t.Parallel()
	pool, store, fetcher, clock := newFixture(t)
	ctx := context.Background()

	_, err := pool.GetCookie(ctx, false)
	require.NoError(t, err)

	clock.advance(3 * time.Hour)
	fresh, err := pool.GetCookie(ctx, false)
	require.NoError(t, err)
	require.Equal(t, "cookie-2", fresh.ID)
	require.Equal(t, 2, fetcher.callCount())

	// The expired cookie was purged during the refresh.
	active, expired, err := store.Counts(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, active)
	require.Equal(t, 0, expired)
}

func TestMarkInvalid_RetiresCookie(t *testing.T) {
	t.Parallel()
	pool, _, fetcher, _ := newFixture(t)
	ctx := context.Background()

	cookie, err := pool.GetCookie(ctx, false)
	require.NoError(t, err)

	require.NoError(t, pool.MarkInvalid(ctx, cookie.Value))

	next, err := pool.GetCookie(ctx, false)
	require.NoError(t, err)
	require.NotEqual(t, cookie.ID, next.ID)
	require.Equal(t, 2, fetcher.callCount())
}

func TestGetCookie_FetchFailurePropagates(t *testing.T) {
	t.Parallel()
	pool, _, fetcher, _ := newFixture(t)
	fetcher.err = harvest.AuthRejected("session fetch did not yield xq_a_token cookie")

	_, err := pool.GetCookie(context.Background(), false)
	require.Error(t, err)
	require.ErrorContains(t, err, "acquire session")
}

func TestWarmUp_PopulatesRequestedCount(t *testing.T) {
	t.Parallel()
	pool, _, fetcher, _ := newFixture(t)
	ctx := context.Background()

	require.NoError(t, pool.WarmUp(ctx, 3))
	require.Equal(t, 3, fetcher.callCount())

	status, err := pool.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, Status{Active: 3, Expired: 0}, status)
}

func TestWarmUp_StopsOnCancel(t *testing.T) {
	t.Parallel()
	pool, _, _, _ := newFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := pool.WarmUp(ctx, 2)
	require.Error(t, err)
}
