package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStatusCacheExpires(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryStatusCache(30*time.Second, 0)
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	c.Set(ctx, 1, UserStatus{Admin: true, Tier: TierPremium})
	st, ok := c.Get(ctx, 1)
	require.True(t, ok)
	assert.True(t, st.Admin)

	now = now.Add(31 * time.Second)
	_, ok = c.Get(ctx, 1)
	assert.False(t, ok)

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, int64(1), stats.Sets)
}

func TestMemoryStatusCacheBounded(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryStatusCache(time.Minute, 2)
	c.Set(ctx, 1, UserStatus{})
	c.Set(ctx, 2, UserStatus{})
	c.Set(ctx, 3, UserStatus{})

	stats := c.Stats()
	assert.Equal(t, 2, stats.Size)
	assert.Equal(t, int64(1), stats.Evictions)
	_, ok := c.Get(ctx, 3)
	assert.True(t, ok)

	c.Delete(ctx, 3)
	c.Delete(ctx, 3)
	assert.Equal(t, int64(1), c.Stats().Deletes)
}

func TestStatusResolverStalenessIsBounded(t *testing.T) {
	ctx := context.Background()
	db := NewMemoryDB()
	u := newTestUser(t, db, "stale@example.com", TierFree, 3)
	require.NoError(t, db.SetRole(ctx, u.ID, RoleAdmin))

	cache := NewMemoryStatusCache(30*time.Second, 0)
	now := time.Now()
	cache.now = func() time.Time { return now }
	r := NewStatusResolver(db, cache)

	st, err := r.Resolve(ctx, u.ID)
	require.NoError(t, err)
	require.True(t, st.Admin)

	// a write that skips invalidation is seen once the entry ages out
	require.NoError(t, db.SetRole(ctx, u.ID, RoleBuyer))
	st, _ = r.Resolve(ctx, u.ID)
	assert.True(t, st.Admin)

	now = now.Add(31 * time.Second)
	st, err = r.Resolve(ctx, u.ID)
	require.NoError(t, err)
	assert.False(t, st.Admin)

	_, err = r.Resolve(ctx, 4040)
	assert.ErrorIs(t, err, ErrNotFound)
}
