package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JuctTr/investment-research/internal/harvest"
)

func TestHeadProber_Probe(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/gone" {
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	prober := NewHeadProber(time.Second, "", "", nil)
	ctx := context.Background()

	require.NoError(t, prober.Probe(ctx, harvest.Source{ID: "src-1", URL: srv.URL + "/ok"}))

	err := prober.Probe(ctx, harvest.Source{ID: "src-2", URL: srv.URL + "/gone"})
	require.Error(t, err)
	require.ErrorContains(t, err, "status 404")

	require.Error(t, prober.Probe(ctx, harvest.Source{ID: "src-3", URL: "http://127.0.0.1:1/"}))
}

func TestHeadProber_Healthy(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	defer srv.Close()

	ctx := context.Background()
	require.True(t, NewHeadProber(time.Second, "", srv.URL, nil).Healthy(ctx))
	require.False(t, NewHeadProber(time.Second, "", "http://127.0.0.1:1/", nil).Healthy(ctx))
	// No mirror configured means nothing to gate on.
	require.True(t, NewHeadProber(time.Second, "", "", nil).Healthy(ctx))
}
