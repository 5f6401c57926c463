package main

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccessTokenRoundTrip(t *testing.T) {
	ts := NewTokenService("access-secret", "refresh-secret")
	tok, err := ts.IssueAccessToken(42, "shopper@example.com", true)
	require.NoError(t, err)

	c, ok := ts.VerifyAccess(tok)
	require.True(t, ok)
	assert.Equal(t, int64(42), c.UserID)
	assert.Equal(t, "shopper@example.com", c.Email)
	assert.True(t, c.IsAdmin)
	assert.Equal(t, "42", c.Subject)
}

func TestRefreshTokenRoundTrip(t *testing.T) {
	ts := NewTokenService("access-secret", "refresh-secret")
	tok, err := ts.IssueRefreshToken(7)
	require.NoError(t, err)

	c, ok := ts.VerifyRefresh(tok)
	require.True(t, ok)
	assert.Equal(t, int64(7), c.UserID)
}

func TestTokensAreNotInterchangeable(t *testing.T) {
	ts := NewTokenService("access-secret", "refresh-secret")
	access, err := ts.IssueAccessToken(1, "a@example.com", false)
	require.NoError(t, err)
	refresh, err := ts.IssueRefreshToken(1)
	require.NoError(t, err)

	_, ok := ts.VerifyRefresh(access)
	assert.False(t, ok)
	_, ok = ts.VerifyAccess(refresh)
	assert.False(t, ok)

	// same secret for both still must not let a refresh token act as access
	shared := NewTokenService("same", "same")
	refresh, err = shared.IssueRefreshToken(1)
	require.NoError(t, err)
	_, ok = shared.VerifyAccess(refresh)
	assert.False(t, ok)
}

func TestExpiredTokenIsRejected(t *testing.T) {
	ts := NewTokenService("access-secret", "refresh-secret")
	issued := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ts.now = func() time.Time { return issued }
	tok, err := ts.IssueAccessToken(1, "a@example.com", false)
	require.NoError(t, err)

	ts.now = func() time.Time { return issued.Add(accessTokenTTL - time.Second) }
	_, ok := ts.VerifyAccess(tok)
	assert.True(t, ok)

	ts.now = func() time.Time { return issued.Add(accessTokenTTL + time.Second) }
	_, ok = ts.VerifyAccess(tok)
	assert.False(t, ok)
}

func TestTamperedTokenIsRejected(t *testing.T) {
	ts := NewTokenService("access-secret", "refresh-secret")
	tok, err := ts.IssueAccessToken(1, "a@example.com", false)
	require.NoError(t, err)

	other := NewTokenService("another-secret", "refresh-secret")
	_, ok := other.VerifyAccess(tok)
	assert.False(t, ok, "wrong secret")

	parts := strings.Split(tok, ".")
	require.Len(t, parts, 3)
	forged := parts[0] + "." + parts[1] + "x." + parts[2]
	_, ok = ts.VerifyAccess(forged)
	assert.False(t, ok, "modified payload")

	for _, bad := range []string{"", "not-a-jwt", "a.b.c"} {
		_, ok = ts.VerifyAccess(bad)
		assert.False(t, ok, bad)
	}
}

func TestPasswordHashing(t *testing.T) {
	h, err := hashPassword("correct horse")
	require.NoError(t, err)
	assert.NotEqual(t, "correct horse", h)
	assert.True(t, comparePassword(h, "correct horse"))
	assert.False(t, comparePassword(h, "wrong horse"))
}

func TestReferralCodeAlphabet(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		code, err := genReferralCode()
		require.NoError(t, err)
		require.Len(t, code, 8)
		for _, r := range code {
			assert.Contains(t, referralAlphabet, string(r))
		}
		seen[code] = true
	}
	assert.Greater(t, len(seen), 45)
}
