package main

import (
	"crypto/rand"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const (
	accessTokenTTL  = 15 * time.Minute
	refreshTokenTTL = 7 * 24 * time.Hour

	tokenTypeAccess  = "access"
	tokenTypeRefresh = "refresh"
)

func hashPassword(p string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(p), bcrypt.DefaultCost)
	return string(b), err
}

func comparePassword(hash, p string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(p)) == nil
}

// no 0/O/1/I so codes survive being read aloud
const referralAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

func genReferralCode() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	for i := range b {
		b[i] = referralAlphabet[int(b[i])%len(referralAlphabet)]
	}
	return string(b), nil
}

// AccessClaims is what a verified access token says about its bearer.
type AccessClaims struct {
	UserID  int64  `json:"uid"`
	Email   string `json:"email"`
	IsAdmin bool   `json:"adm"`
	Type    string `json:"typ"`
	jwt.RegisteredClaims
}

type RefreshClaims struct {
	UserID int64  `json:"uid"`
	Type   string `json:"typ"`
	jwt.RegisteredClaims
}

// TokenService issues and verifies stateless session tokens. Access and
// refresh tokens are signed with separate secrets.
type TokenService struct {
	accessSecret  []byte
	refreshSecret []byte
	now           func() time.Time
}

func NewTokenService(accessSecret, refreshSecret string) *TokenService {
	return &TokenService{
		accessSecret:  []byte(accessSecret),
		refreshSecret: []byte(refreshSecret),
		now:           time.Now,
	}
}

func (t *TokenService) registered(userID int64, ttl time.Duration) jwt.RegisteredClaims {
	now := t.now()
	return jwt.RegisteredClaims{
		Subject:   strconv.FormatInt(userID, 10),
		ID:        uuid.NewString(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
}

func (t *TokenService) IssueAccessToken(userID int64, email string, isAdmin bool) (string, error) {
	claims := AccessClaims{
		UserID:           userID,
		Email:            email,
		IsAdmin:          isAdmin,
		Type:             tokenTypeAccess,
		RegisteredClaims: t.registered(userID, accessTokenTTL),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.accessSecret)
}

func (t *TokenService) IssueRefreshToken(userID int64) (string, error) {
	claims := RefreshClaims{
		UserID:           userID,
		Type:             tokenTypeRefresh,
		RegisteredClaims: t.registered(userID, refreshTokenTTL),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.refreshSecret)
}

// VerifyAccess returns the claims of a valid access token. Every failure
// (bad signature, malformed payload, expiry, wrong token type) yields false.
func (t *TokenService) VerifyAccess(token string) (*AccessClaims, bool) {
	var c AccessClaims
	if !t.verify(token, t.accessSecret, &c) || c.Type != tokenTypeAccess || c.UserID == 0 {
		return nil, false
	}
	return &c, true
}

func (t *TokenService) VerifyRefresh(token string) (*RefreshClaims, bool) {
	var c RefreshClaims
	if !t.verify(token, t.refreshSecret, &c) || c.Type != tokenTypeRefresh || c.UserID == 0 {
		return nil, false
	}
	return &c, true
}

func (t *TokenService) verify(token string, secret []byte, claims jwt.Claims) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	if token == "" {
		return false
	}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.now),
	)
	return err == nil && parsed.Valid
}
