package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAccounts() (*Accounts, *MemDB) {
	db := NewMemoryDB()
	return NewAccounts(db, NewTokenService("access-secret", "refresh-secret"), 3), db
}

func TestSignupCreatesFreeAccount(t *testing.T) {
	ctx := context.Background()
	acc, _ := newTestAccounts()

	s, err := acc.Signup(ctx, SignupRequest{Email: "  Wanjiku@Example.com ", Password: "longenough"})
	require.NoError(t, err)
	assert.Equal(t, "wanjiku@example.com", s.User.Email)
	assert.Equal(t, RoleBuyer, s.User.Role)
	assert.Equal(t, TierFree, s.User.Tier)
	assert.Equal(t, 3, s.User.ScanLimit)
	assert.Len(t, s.User.ReferralCode, 8)
	assert.NotEmpty(t, s.AccessToken)
	assert.NotEmpty(t, s.RefreshToken)
	assert.NotEqual(t, "longenough", s.User.Password)

	_, err = acc.Signup(ctx, SignupRequest{Email: "wanjiku@example.com", Password: "longenough"})
	assert.ErrorIs(t, err, ErrEmailTaken)
}

func TestSignupValidation(t *testing.T) {
	ctx := context.Background()
	acc, _ := newTestAccounts()

	cases := []struct {
		name string
		req  SignupRequest
	}{
		{"bad email", SignupRequest{Email: "not-an-email", Password: "longenough"}},
		{"display name form", SignupRequest{Email: "Bob <bob@example.com>", Password: "longenough"}},
		{"short password", SignupRequest{Email: "a@example.com", Password: "short"}},
		{"admin role", SignupRequest{Email: "a@example.com", Password: "longenough", Role: RoleAdmin}},
		{"unknown referral", SignupRequest{Email: "a@example.com", Password: "longenough", ReferralCode: "NOPE2345"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := acc.Signup(ctx, tc.req)
			assert.ErrorIs(t, err, ErrInvalidInput)
		})
	}
}

func TestSignupWithReferral(t *testing.T) {
	ctx := context.Background()
	acc, _ := newTestAccounts()

	ref, err := acc.Signup(ctx, SignupRequest{Email: "seller@example.com", Password: "longenough", Role: RoleSeller})
	require.NoError(t, err)
	assert.Equal(t, RoleSeller, ref.User.Role)

	s, err := acc.Signup(ctx, SignupRequest{
		Email: "friend@example.com", Password: "longenough",
		ReferralCode: " " + ref.User.ReferralCode + " ",
	})
	require.NoError(t, err)
	require.NotNil(t, s.User.ReferredBy)
	assert.Equal(t, ref.User.ID, *s.User.ReferredBy)

	sum, err := acc.Referrals(ctx, ref.User.ID)
	require.NoError(t, err)
	assert.Equal(t, ref.User.ReferralCode, sum.Code)
	assert.Equal(t, 1, sum.Count)
	assert.Equal(t, "friend@example.com", sum.Referred[0].Email)

	empty, err := acc.Referrals(ctx, s.User.ID)
	require.NoError(t, err)
	assert.NotNil(t, empty.Referred)
	assert.Zero(t, empty.Count)
}

func TestSignin(t *testing.T) {
	ctx := context.Background()
	acc, db := newTestAccounts()
	_, err := acc.Signup(ctx, SignupRequest{Email: "amina@example.com", Password: "longenough"})
	require.NoError(t, err)

	s, err := acc.Signin(ctx, "Amina@example.com", "longenough")
	require.NoError(t, err)
	assert.NotEmpty(t, s.AccessToken)

	_, err = acc.Signin(ctx, "amina@example.com", "wrongpassword")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = acc.Signin(ctx, "nobody@example.com", "longenough")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	require.NoError(t, db.SetBanned(ctx, s.User.ID, true))
	_, err = acc.Signin(ctx, "amina@example.com", "longenough")
	assert.ErrorIs(t, err, ErrAccountSuspended)
}

func TestRefresh(t *testing.T) {
	ctx := context.Background()
	acc, db := newTestAccounts()
	s, err := acc.Signup(ctx, SignupRequest{Email: "otieno@example.com", Password: "longenough"})
	require.NoError(t, err)

	// a role change is reflected in the next access token
	require.NoError(t, db.SetRole(ctx, s.User.ID, RoleAdmin))
	r, err := acc.Refresh(ctx, s.RefreshToken)
	require.NoError(t, err)
	assert.Empty(t, r.RefreshToken)
	c, ok := acc.tokens.VerifyAccess(r.AccessToken)
	require.True(t, ok)
	assert.True(t, c.IsAdmin)

	_, err = acc.Refresh(ctx, s.AccessToken)
	assert.ErrorIs(t, err, ErrInvalidToken)
	_, err = acc.Refresh(ctx, "garbage")
	assert.ErrorIs(t, err, ErrInvalidToken)

	require.NoError(t, db.SetBanned(ctx, s.User.ID, true))
	_, err = acc.Refresh(ctx, s.RefreshToken)
	assert.ErrorIs(t, err, ErrAccountSuspended)
}

func TestProfileMissing(t *testing.T) {
	acc, _ := newTestAccounts()
	_, err := acc.Profile(context.Background(), 999)
	assert.ErrorIs(t, err, ErrProfileNotFound)
}
