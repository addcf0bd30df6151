package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JuctTr/investment-research/internal/harvest"
	"github.com/JuctTr/investment-research/internal/metrics"
)

func TestMain(m *testing.M) {
	metrics.Init()
	m.Run()
}

const rssFixture = `<?xml version="1.0"?>
<rss version="2.0">
  <channel>
    <title>Market Watch</title>
    <item>
      <title>Rates held steady</title>
      <link>https://feeds.example.com/articles/1</link>
      <description>The central bank held rates.</description>
      <pubDate>Mon, 02 Jun 2025 09:00:00 +0000</pubDate>
    </item>
    <item>
      <title>Earnings roundup</title>
      <link>https://feeds.example.com/articles/2</link>
      <description>Quarterly numbers in brief.</description>
      <pubDate>Mon, 02 Jun 2025 10:30:00 +0000</pubDate>
    </item>
  </channel>
</rss>`

const atomFixture = `<?xml version="1.0"?>
<feed xmlns="http://www.w3.org/2005/Atom">
  <title>Research Notes</title>
  <entry>
    <title>Chip supply update</title>
    <link href="https://notes.example.com/posts/7"/>
    <summary>Supply normalizing.</summary>
    <updated>2025-06-02T11:00:00Z</updated>
  </entry>
</feed>`

func testClient() *Client {
	return NewClient("", 5*time.Second, time.Millisecond)
}

func rssSource(url string) harvest.Source {
	return harvest.Source{ID: "src-rss", Category: harvest.CategoryRSS, URL: url}
}

func TestRSSCrawler_ParsesAndStoresItems(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		_, _ = w.Write([]byte(rssFixture))
	}))
	defer srv.Close()

	sink := NewMemorySink()
	crawler := NewRSSCrawler(testClient(), sink, nil)

	result, err := crawler.Execute(context.Background(), rssSource(srv.URL))
	require.NoError(t, err)
	require.Equal(t, harvest.Result{Fetched: 1, Parsed: 2, Stored: 2}, result)

	items := sink.Items()
	require.Len(t, items, 2)
	require.Equal(t, "Rates held steady", items[0].Title)
	require.Equal(t, "https://feeds.example.com/articles/1", items[0].URL)
	require.Equal(t, "src-rss", items[0].SourceID)
	require.NotNil(t, items[0].PublishedAt)
	require.Equal(t, time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC), *items[0].PublishedAt)
}

func TestRSSCrawler_DeduplicatesOnRepeatCrawl(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(rssFixture))
	}))
	defer srv.Close()

	sink := NewMemorySink()
	crawler := NewRSSCrawler(testClient(), sink, nil)
	ctx := context.Background()

	first, err := crawler.Execute(ctx, rssSource(srv.URL))
	require.NoError(t, err)
	require.Equal(t, 2, first.Stored)

	second, err := crawler.Execute(ctx, rssSource(srv.URL))
	require.NoError(t, err)
	require.Equal(t, 2, second.Parsed)
	require.Equal(t, 0, second.Stored)
}

func TestRSSCrawler_AtomFeed(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(atomFixture))
	}))
	defer srv.Close()

	sink := NewMemorySink()
	crawler := NewRSSCrawler(testClient(), sink, nil)

	result, err := crawler.Execute(context.Background(), rssSource(srv.URL))
	require.NoError(t, err)
	require.Equal(t, harvest.Result{Fetched: 1, Parsed: 1, Stored: 1}, result)
	require.Equal(t, "https://notes.example.com/posts/7", sink.Items()[0].URL)
	require.Equal(t, "Supply normalizing.", sink.Items()[0].Summary)
}

func TestRSSCrawler_EmptyFeedIsExtractionFailure(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`<?xml version="1.0"?><rss version="2.0"><channel></channel></rss>`))
	}))
	defer srv.Close()

	crawler := NewRSSCrawler(testClient(), NewMemorySink(), nil)
	_, err := crawler.Execute(context.Background(), rssSource(srv.URL))
	require.Error(t, err)
	require.Equal(t, harvest.KindExtractionFailed, harvest.KindOf(err))
}

func TestRSSCrawler_ServerErrorIsTransient(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	crawler := NewRSSCrawler(testClient(), NewMemorySink(), nil)
	_, err := crawler.Execute(context.Background(), rssSource(srv.URL))
	require.Error(t, err)
	require.Equal(t, harvest.KindTransient, harvest.KindOf(err))
	require.True(t, harvest.Retryable(err))
}

func TestRSSCrawler_UnreachableHostIsTransient(t *testing.T) {
	t.Parallel()
	crawler := NewRSSCrawler(testClient(), NewMemorySink(), nil)
	_, err := crawler.Execute(context.Background(), rssSource("http://127.0.0.1:1/feed"))
	require.Error(t, err)
	require.Equal(t, harvest.KindTransient, harvest.KindOf(err))
}
