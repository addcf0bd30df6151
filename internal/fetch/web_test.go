package fetch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JuctTr/investment-research/internal/harvest"
)

type stubRenderer struct {
	html string
	err  error
}

func (r *stubRenderer) Render(context.Context, string) (string, error) {
	return r.html, r.err
}

const articlePage = `<html><body>
<nav><a href="/about">About</a></nav>
<article><h2><a href="/posts/macro-outlook">Macro outlook for the second half</a></h2></article>
<article><h2><a href="https://other.example.com/rates">Rates decision preview and analysis</a></h2></article>
<article><h2><a href="/posts/macro-outlook">Macro outlook for the second half</a></h2></article>
</body></html>`

func TestWebCrawler_ExtractsArticles(t *testing.T) {
	t.Parallel()
	sink := NewMemorySink()
	crawler := NewWebCrawler(&stubRenderer{html: articlePage}, sink, nil)

	result, err := crawler.Execute(context.Background(), harvest.Source{
		ID: "src-web", Category: harvest.CategoryWeb, URL: "https://news.example.com/home",
	})
	require.NoError(t, err)
	require.Equal(t, harvest.Result{Fetched: 1, Parsed: 2, Stored: 2}, result)

	items := sink.Items()
	require.Equal(t, "https://news.example.com/posts/macro-outlook", items[0].URL)
	require.Equal(t, "Macro outlook for the second half", items[0].Title)
	require.Equal(t, "https://other.example.com/rates", items[1].URL)
}

func TestWebCrawler_NoArticlesIsExtractionFailure(t *testing.T) {
	t.Parallel()
	crawler := NewWebCrawler(&stubRenderer{html: "<html><body><p>maintenance</p></body></html>"}, NewMemorySink(), nil)

	_, err := crawler.Execute(context.Background(), harvest.Source{ID: "src-web", URL: "https://news.example.com"})
	require.Error(t, err)
	require.Equal(t, harvest.KindExtractionFailed, harvest.KindOf(err))

	var crawlErr *harvest.CrawlError
	require.ErrorAs(t, err, &crawlErr)
	require.Contains(t, string(crawlErr.RawContext), "maintenance")
}

func TestWebCrawler_ChallengePassesThrough(t *testing.T) {
	t.Parallel()
	crawler := NewWebCrawler(&stubRenderer{err: harvest.Challenge("challenge page did not clear")}, NewMemorySink(), nil)

	_, err := crawler.Execute(context.Background(), harvest.Source{ID: "src-web", URL: "https://news.example.com"})
	require.Error(t, err)
	require.Equal(t, harvest.KindChallenge, harvest.KindOf(err))
	require.True(t, harvest.Retryable(err))
}

func TestRegistry_ResolvesByCategory(t *testing.T) {
	t.Parallel()
	rss := NewRSSCrawler(testClient(), NewMemorySink(), nil)
	web := NewWebCrawler(&stubRenderer{}, NewMemorySink(), nil)
	registry := NewRegistry(rss, web)

	got, ok := registry.Resolve(harvest.CategoryRSS)
	require.True(t, ok)
	require.Same(t, rss, got)

	got, ok = registry.Resolve(harvest.CategoryWeb)
	require.True(t, ok)
	require.Same(t, web, got)

	_, ok = registry.Resolve(harvest.CategorySearch)
	require.False(t, ok)
	require.ElementsMatch(t, []harvest.SourceCategory{harvest.CategoryRSS, harvest.CategoryWeb}, registry.Categories())
}
