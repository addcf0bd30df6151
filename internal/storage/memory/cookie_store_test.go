package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JuctTr/investment-research/internal/harvest"
)

func TestCookieStore_FindUsablePrefersLeastRecentlyUsed(t *testing.T) {
	t.Parallel()

	store := NewCookieStore()
	ctx := context.Background()
	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	expiry := now.Add(2 * time.Hour)

	recent := now.Add(-time.Minute)
	stale := now.Add(-time.Hour)
	require.NoError(t, store.Create(ctx, harvest.Cookie{
		ID: "c-recent", Value: "v1", Status: harvest.CookieActive, ExpiresAt: expiry, LastUsedAt: &recent,
	}))
	require.NoError(t, store.Create(ctx, harvest.Cookie{
		ID: "c-stale", Value: "v2", Status: harvest.CookieActive, ExpiresAt: expiry, LastUsedAt: &stale,
	}))

	c, err := store.FindUsable(ctx, now, 3)
	require.NoError(t, err)
	require.Equal(t, "c-stale", c.ID)

	// A never-used cookie beats any used one.
	require.NoError(t, store.Create(ctx, harvest.Cookie{
		ID: "c-fresh", Value: "v3", Status: harvest.CookieActive, ExpiresAt: expiry, CreatedAt: now,
	}))
	c, err = store.FindUsable(ctx, now, 3)
	require.NoError(t, err)
	require.Equal(t, "c-fresh", c.ID)
}

func TestCookieStore_FindUsableHonorsInvariant(t *testing.T) {
	t.Parallel()

	store := NewCookieStore()
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, store.Create(ctx, harvest.Cookie{
		ID: "expired-status", Value: "a", Status: harvest.CookieExpired, ExpiresAt: now.Add(time.Hour),
	}))
	require.NoError(t, store.Create(ctx, harvest.Cookie{
		ID: "past-expiry", Value: "b", Status: harvest.CookieActive, ExpiresAt: now.Add(-time.Second),
	}))
	require.NoError(t, store.Create(ctx, harvest.Cookie{
		ID: "too-many-failures", Value: "c", Status: harvest.CookieActive, ExpiresAt: now.Add(time.Hour), FailCount: 3,
	}))

	_, err := store.FindUsable(ctx, now, 3)
	require.ErrorIs(t, err, harvest.ErrNoCookie)
}

func TestCookieStore_MarkInvalidAndPurge(t *testing.T) {
	t.Parallel()

	store := NewCookieStore()
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, store.Create(ctx, harvest.Cookie{
		ID: "c1", Value: "shared", Status: harvest.CookieActive, ExpiresAt: now.Add(time.Hour),
	}))
	require.NoError(t, store.Create(ctx, harvest.Cookie{
		ID: "c2", Value: "other", Status: harvest.CookieActive, ExpiresAt: now.Add(time.Hour),
	}))

	require.NoError(t, store.MarkInvalid(ctx, "shared"))

	active, expired, err := store.Counts(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, active)
	require.Equal(t, 1, expired)

	removed, err := store.PurgeExpired(ctx, now)
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	active, expired, err = store.Counts(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, active)
	require.Zero(t, expired)
}

func TestCookieStore_Touch(t *testing.T) {
	t.Parallel()

	store := NewCookieStore()
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, store.Create(ctx, harvest.Cookie{
		ID: "c1", Value: "v", Status: harvest.CookieActive, ExpiresAt: now.Add(time.Hour),
	}))
	require.NoError(t, store.Touch(ctx, "c1", now))

	c, err := store.FindUsable(ctx, now, 3)
	require.NoError(t, err)
	require.NotNil(t, c.LastUsedAt)
	require.True(t, c.LastUsedAt.Equal(now))

	require.ErrorIs(t, store.Touch(ctx, "missing", now), harvest.ErrNoCookie)
}
