package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type adminFixture struct {
	db       *MemDB
	admin    *Admin
	resolver *StatusResolver
	events   *recordingPublisher
	root     *User
	target   *User
}

func newAdminFixture(t *testing.T) *adminFixture {
	t.Helper()
	ctx := context.Background()
	db := NewMemoryDB()
	resolver := NewStatusResolver(db, NewMemoryStatusCache(time.Hour, 0))
	events := &recordingPublisher{}
	root := newTestUser(t, db, "root@example.com", TierFree, 3)
	require.NoError(t, db.SetRole(ctx, root.ID, RoleAdmin))
	return &adminFixture{
		db:       db,
		admin:    NewAdmin(db, resolver, events, 3),
		resolver: resolver,
		events:   events,
		root:     root,
		target:   newTestUser(t, db, "target@example.com", TierFree, 3),
	}
}

func TestBanIsVisibleImmediately(t *testing.T) {
	ctx := context.Background()
	f := newAdminFixture(t)

	st, err := f.resolver.Resolve(ctx, f.target.ID)
	require.NoError(t, err)
	require.False(t, st.Banned)

	u, err := f.admin.SetBanned(ctx, f.root.ID, f.target.ID, true, "counterfeit listings")
	require.NoError(t, err)
	assert.True(t, u.Banned)

	st, err = f.resolver.Resolve(ctx, f.target.ID)
	require.NoError(t, err)
	assert.True(t, st.Banned, "cached status dropped on ban")

	actions, err := f.admin.ListActions(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, actionBan, actions[0].Action)
	assert.Equal(t, "counterfeit listings", actions[0].Detail)
	assert.Equal(t, f.root.ID, actions[0].AdminID)
	assert.Equal(t, []string{EventAccountUpdated, EventAdminAction}, f.events.types())

	u, err = f.admin.SetBanned(ctx, f.root.ID, f.target.ID, false, "")
	require.NoError(t, err)
	assert.False(t, u.Banned)
}

func TestDemotedAdminLosesAccess(t *testing.T) {
	ctx := context.Background()
	f := newAdminFixture(t)

	_, err := f.admin.SetRole(ctx, f.root.ID, f.target.ID, RoleAdmin)
	require.NoError(t, err)
	st, err := f.resolver.Resolve(ctx, f.target.ID)
	require.NoError(t, err)
	require.True(t, st.Admin)

	_, err = f.admin.SetRole(ctx, f.root.ID, f.target.ID, RoleBuyer)
	require.NoError(t, err)
	st, err = f.resolver.Resolve(ctx, f.target.ID)
	require.NoError(t, err)
	assert.False(t, st.Admin)
}

func TestSetTierFollowsScanLimit(t *testing.T) {
	ctx := context.Background()
	f := newAdminFixture(t)

	u, err := f.admin.SetTier(ctx, f.root.ID, f.target.ID, TierPremium)
	require.NoError(t, err)
	assert.Equal(t, TierPremium, u.Tier)
	assert.Equal(t, UnlimitedScans, u.ScanLimit)

	u, err = f.admin.SetTier(ctx, f.root.ID, f.target.ID, TierFree)
	require.NoError(t, err)
	assert.Equal(t, 3, u.ScanLimit)

	_, err = f.admin.SetTier(ctx, f.root.ID, f.target.ID, Tier("platinum"))
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestAdminGuards(t *testing.T) {
	ctx := context.Background()
	f := newAdminFixture(t)

	_, err := f.admin.SetBanned(ctx, f.root.ID, f.root.ID, true, "")
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = f.admin.SetRole(ctx, f.root.ID, f.root.ID, RoleBuyer)
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = f.admin.SetRole(ctx, f.root.ID, f.target.ID, Role("owner"))
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = f.admin.SetBanned(ctx, f.root.ID, 9999, true, "")
	assert.ErrorIs(t, err, ErrNotFound)

	actions, _ := f.admin.ListActions(ctx, 0, 0)
	assert.Empty(t, actions)
}
