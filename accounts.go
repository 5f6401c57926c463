package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/mail"
	"strings"
)

const minPasswordLen = 8

type SignupRequest struct {
	Email        string `json:"email"`
	Password     string `json:"password"`
	Role         Role   `json:"role"`
	ReferralCode string `json:"referralCode"`
}

type Session struct {
	User         *User  `json:"user"`
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken,omitempty"`
}

type ReferralSummary struct {
	Code     string      `json:"code"`
	Count    int         `json:"count"`
	Referred []*Referral `json:"referred"`
}

// Accounts handles signup, signin and token refresh.
type Accounts struct {
	db        DB
	tokens    *TokenService
	freeLimit int
}

func NewAccounts(db DB, tokens *TokenService, freeLimit int) *Accounts {
	return &Accounts{db: db, tokens: tokens, freeLimit: freeLimit}
}

func normalizeEmail(raw string) (string, error) {
	email := strings.ToLower(strings.TrimSpace(raw))
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", fmt.Errorf("%w: a valid email is required", ErrInvalidInput)
	}
	return email, nil
}

func (a *Accounts) Signup(ctx context.Context, req SignupRequest) (*Session, error) {
	email, err := normalizeEmail(req.Email)
	if err != nil {
		return nil, err
	}
	if len(req.Password) < minPasswordLen {
		return nil, fmt.Errorf("%w: password must be at least %d characters", ErrInvalidInput, minPasswordLen)
	}
	role := req.Role
	switch role {
	case "":
		role = RoleBuyer
	case RoleBuyer, RoleSeller:
	default:
		return nil, fmt.Errorf("%w: role must be buyer or seller", ErrInvalidInput)
	}

	var referrer *User
	if code := strings.ToUpper(strings.TrimSpace(req.ReferralCode)); code != "" {
		referrer, err = a.db.GetUserByReferralCode(ctx, code)
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: unknown referral code", ErrInvalidInput)
		}
		if err != nil {
			return nil, fmt.Errorf("resolving referral code: %w", err)
		}
	}

	hashed, err := hashPassword(req.Password)
	if err != nil {
		return nil, fmt.Errorf("hashing password: %w", err)
	}
	u := &User{
		Email:     email,
		Password:  hashed,
		Role:      role,
		Tier:      TierFree,
		ScanLimit: a.freeLimit,
	}
	// referral codes are random; retry the rare collision
	for attempt := 0; ; attempt++ {
		if u.ReferralCode, err = genReferralCode(); err != nil {
			return nil, fmt.Errorf("generating referral code: %w", err)
		}
		err = a.db.CreateUser(ctx, u)
		if !errors.Is(err, ErrDuplicate) || attempt == 2 {
			break
		}
	}
	if err != nil {
		return nil, err
	}

	if referrer != nil {
		if err := a.db.CreateReferral(ctx, referrer.ID, u.ID); err != nil {
			log.Printf("[accounts] recording referral %d -> %d: %v", referrer.ID, u.ID, err)
		} else {
			id := referrer.ID
			u.ReferredBy = &id
		}
	}
	log.Printf("[accounts] signup user %d (%s)", u.ID, u.Role)
	return a.session(u, true)
}

func (a *Accounts) Signin(ctx context.Context, email, password string) (*Session, error) {
	u, err := a.db.GetUserByEmail(ctx, strings.TrimSpace(email))
	if errors.Is(err, ErrNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("loading user: %w", err)
	}
	if !comparePassword(u.Password, password) {
		return nil, ErrInvalidCredentials
	}
	if u.Banned {
		return nil, ErrAccountSuspended
	}
	return a.session(u, true)
}

// Refresh exchanges a refresh token for a new access token built from the
// user's current record.
func (a *Accounts) Refresh(ctx context.Context, refreshToken string) (*Session, error) {
	claims, ok := a.tokens.VerifyRefresh(refreshToken)
	if !ok {
		return nil, ErrInvalidToken
	}
	u, err := getUser(ctx, a.db, claims.UserID)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, fmt.Errorf("loading user: %w", err)
	}
	if u.Banned {
		return nil, ErrAccountSuspended
	}
	return a.session(u, false)
}

func (a *Accounts) session(u *User, withRefresh bool) (*Session, error) {
	access, err := a.tokens.IssueAccessToken(u.ID, u.Email, u.IsAdmin())
	if err != nil {
		return nil, fmt.Errorf("issuing access token: %w", err)
	}
	s := &Session{User: u, AccessToken: access}
	if withRefresh {
		if s.RefreshToken, err = a.tokens.IssueRefreshToken(u.ID); err != nil {
			return nil, fmt.Errorf("issuing refresh token: %w", err)
		}
	}
	return s, nil
}

func (a *Accounts) Profile(ctx context.Context, userID int64) (*User, error) {
	u, err := getUser(ctx, a.db, userID)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrProfileNotFound
	}
	return u, err
}

func (a *Accounts) Referrals(ctx context.Context, userID int64) (*ReferralSummary, error) {
	u, err := a.Profile(ctx, userID)
	if err != nil {
		return nil, err
	}
	refs, err := a.db.ListReferrals(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("listing referrals: %w", err)
	}
	if refs == nil {
		refs = []*Referral{}
	}
	return &ReferralSummary{Code: u.ReferralCode, Count: len(refs), Referred: refs}, nil
}
