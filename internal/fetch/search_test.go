package fetch

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JuctTr/investment-research/internal/degrade"
	"github.com/JuctTr/investment-research/internal/harvest"
)

const searchResultsPage = `<html><body>
<div class="txt-box">
  <h3><a href="/link?url=abc">Account update on semiconductor policy</a></h3>
  <p>Weekly digest of policy changes.</p>
</div>
<div class="txt-box">
  <h3><a href="https://mirror.example.com/link?url=def">Fund letter highlights</a></h3>
  <p>Manager commentary.</p>
</div>
</body></html>`

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type fakeCookies struct {
	mu        sync.Mutex
	issued    int
	refreshes int
	invalid   []string
	getErr    error
}

func (f *fakeCookies) GetCookie(_ context.Context, forceRefresh bool) (harvest.Cookie, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return harvest.Cookie{}, f.getErr
	}
	f.issued++
	if forceRefresh {
		f.refreshes++
	}
	return harvest.Cookie{
		ID:     fmt.Sprintf("cookie-%d", f.issued),
		Value:  fmt.Sprintf("xq_a_token=s%d", f.issued),
		Status: harvest.CookieActive,
	}, nil
}

func (f *fakeCookies) MarkInvalid(_ context.Context, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalid = append(f.invalid, value)
	return nil
}

func newSearchFixture(renderer Renderer) (*SearchCrawler, *fakeCookies, *degrade.Controller, *MemorySink) {
	cookies := &fakeCookies{}
	modes := degrade.New(degrade.Config{PrimaryThreshold: 2}, fixedClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}, nil)
	sink := NewMemorySink()
	crawler := NewSearchCrawler(testClient(), renderer, cookies, modes, sink, nil)
	return crawler, cookies, modes, sink
}

func searchSource(url string, auth map[string]string) harvest.Source {
	return harvest.Source{ID: "src-search", Category: harvest.CategorySearch, URL: url, AuthConfig: auth}
}

func TestSearchCrawler_DirectModeStoresResults(t *testing.T) {
	t.Parallel()
	var gotCookie string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCookie = r.Header.Get("Cookie")
		_, _ = w.Write([]byte(searchResultsPage))
	}))
	defer srv.Close()

	crawler, cookies, _, sink := newSearchFixture(&stubRenderer{})
	result, err := crawler.Execute(context.Background(), searchSource(srv.URL, nil))
	require.NoError(t, err)
	require.Equal(t, harvest.Result{Fetched: 1, Parsed: 2, Stored: 2}, result)
	require.Equal(t, "xq_a_token=s1", gotCookie)
	require.Equal(t, 0, cookies.refreshes)

	items := sink.Items()
	require.Equal(t, "Account update on semiconductor policy", items[0].Title)
	require.Equal(t, srv.URL+"/link?url=abc", items[0].URL)
	require.Equal(t, "Weekly digest of policy changes.", items[0].Summary)
}

func TestSearchCrawler_AuthRejectionInvalidatesAndRefreshes(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Cookie") == "xq_a_token=s1" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		_, _ = w.Write([]byte(searchResultsPage))
	}))
	defer srv.Close()

	crawler, cookies, _, _ := newSearchFixture(&stubRenderer{})
	result, err := crawler.Execute(context.Background(), searchSource(srv.URL, nil))
	require.NoError(t, err)
	require.Equal(t, 2, result.Parsed)
	require.Equal(t, []string{"xq_a_token=s1"}, cookies.invalid)
	require.Equal(t, 1, cookies.refreshes)
}

func TestSearchCrawler_PersistentRejectionFails(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	crawler, cookies, _, _ := newSearchFixture(&stubRenderer{})
	_, err := crawler.Execute(context.Background(), searchSource(srv.URL, nil))
	require.Error(t, err)
	require.Equal(t, harvest.KindAuthRejected, harvest.KindOf(err))
	require.False(t, harvest.Retryable(err))
	// Both the original and the refreshed cookie were retired.
	require.Len(t, cookies.invalid, 2)
}

func TestSearchCrawler_AutoFallsBackToBrowserAfterDirectFailures(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	renderer := &stubRenderer{html: searchResultsPage}
	crawler, _, _, _ := newSearchFixture(renderer)
	ctx := context.Background()
	source := searchSource(srv.URL, nil)

	for i := 0; i < 2; i++ {
		_, err := crawler.Execute(ctx, source)
		require.Error(t, err)
		require.Equal(t, harvest.KindTransient, harvest.KindOf(err))
	}

	// Threshold reached: AUTO now resolves to the browser path.
	result, err := crawler.Execute(ctx, source)
	require.NoError(t, err)
	require.Equal(t, 2, result.Parsed)
}

func TestSearchCrawler_ExplicitBrowserMode(t *testing.T) {
	t.Parallel()
	crawler, cookies, _, _ := newSearchFixture(&stubRenderer{html: searchResultsPage})

	result, err := crawler.Execute(context.Background(), searchSource("https://mirror.example.com/s", map[string]string{"mode": "browser"}))
	require.NoError(t, err)
	require.Equal(t, 2, result.Parsed)
	// No cookie is consumed on the browser path.
	require.Equal(t, 0, cookies.issued)
}
