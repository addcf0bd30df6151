package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JuctTr/investment-research/internal/harvest"
)

func TestSourceStore_FindEnabledOrdersByLastFetch(t *testing.T) {
	t.Parallel()

	store := NewSourceStore()
	ctx := context.Background()

	old := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	recent := old.Add(time.Hour)
	require.NoError(t, store.Create(ctx, harvest.Source{ID: "recent", Enabled: true, LastFetchAt: &recent}))
	require.NoError(t, store.Create(ctx, harvest.Source{ID: "never", Enabled: true}))
	require.NoError(t, store.Create(ctx, harvest.Source{ID: "old", Enabled: true, LastFetchAt: &old}))
	require.NoError(t, store.Create(ctx, harvest.Source{ID: "off", Enabled: false}))

	enabled, err := store.FindEnabled(ctx)
	require.NoError(t, err)

	ids := make([]string, 0, len(enabled))
	for _, s := range enabled {
		ids = append(ids, s.ID)
	}
	require.Equal(t, []string{"never", "old", "recent"}, ids)

	disabled, err := store.FindDisabled(ctx)
	require.NoError(t, err)
	require.Len(t, disabled, 1)
	require.Equal(t, "off", disabled[0].ID)
}

func TestSourceStore_UpdateAppliesOnlyPatchedFields(t *testing.T) {
	t.Parallel()

	store := NewSourceStore()
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, harvest.Source{
		ID:           "src-1",
		Name:         "original",
		Enabled:      true,
		HealthStatus: harvest.HealthHealthy,
	}))

	enabled := false
	status := harvest.HealthDisabled
	require.NoError(t, store.Update(ctx, "src-1", harvest.SourcePatch{
		Enabled:      &enabled,
		HealthStatus: &status,
	}))

	s, err := store.Get(ctx, "src-1")
	require.NoError(t, err)
	require.Equal(t, "original", s.Name, "unpatched fields are preserved")
	require.False(t, s.Enabled)
	require.Equal(t, harvest.HealthDisabled, s.HealthStatus)
	require.False(t, s.UpdatedAt.IsZero())

	require.ErrorIs(t, store.Update(ctx, "missing", harvest.SourcePatch{}), harvest.ErrSourceNotFound)
}

func TestSourceStore_GetMissing(t *testing.T) {
	t.Parallel()

	store := NewSourceStore()
	_, err := store.Get(context.Background(), "nope")
	require.ErrorIs(t, err, harvest.ErrSourceNotFound)
}
