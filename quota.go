package main

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// UnlimitedScans is reported as the remaining allowance of paid tiers.
const UnlimitedScans = -1

const dayLayout = "2006-01-02"

type QuotaStatus struct {
	Allowed   bool      `json:"allowed"`
	Remaining int       `json:"remaining"`
	Used      int       `json:"used"`
	Limit     int       `json:"limit"`
	Tier      Tier      `json:"tier"`
	ResetsAt  time.Time `json:"resetsAt"`

	// day the scan was counted against; empty when nothing was consumed
	day string
}

// QuotaGate decides whether a user may run another scan today. Free-tier
// counters belong to a calendar day in loc and start over the first time
// they are touched on a new day.
type QuotaGate struct {
	db  DB
	loc *time.Location
	now func() time.Time
}

func NewQuotaGate(db DB, loc *time.Location) *QuotaGate {
	if loc == nil {
		loc = time.UTC
	}
	return &QuotaGate{db: db, loc: loc, now: time.Now}
}

func (q *QuotaGate) day() (string, time.Time) {
	now := q.now().In(q.loc)
	midnight := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, q.loc)
	return now.Format(dayLayout), midnight
}

func (q *QuotaGate) load(ctx context.Context, userID int64) (*User, error) {
	u, err := getUser(ctx, q.db, userID)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrProfileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading profile: %w", err)
	}
	if u.Banned {
		return nil, ErrAccountSuspended
	}
	return u, nil
}

// CheckAndConsume takes one scan from the user's daily allowance. A denied
// request is not an error: it comes back with Allowed false and Remaining 0.
// Failing to load the profile is an error and always denies.
func (q *QuotaGate) CheckAndConsume(ctx context.Context, userID int64) (QuotaStatus, error) {
	u, err := q.load(ctx, userID)
	if err != nil {
		return QuotaStatus{}, err
	}
	day, resetsAt := q.day()
	if u.Tier != TierFree {
		return QuotaStatus{Allowed: true, Remaining: UnlimitedScans, Limit: UnlimitedScans, Tier: u.Tier}, nil
	}

	used, limit, ok, err := q.db.ConsumeScan(ctx, userID, day)
	if errors.Is(err, ErrNotFound) {
		return QuotaStatus{}, ErrProfileNotFound
	}
	if err != nil {
		return QuotaStatus{}, fmt.Errorf("consuming scan: %w", err)
	}
	st := QuotaStatus{Allowed: ok, Used: used, Limit: limit, Tier: u.Tier, ResetsAt: resetsAt}
	if ok {
		st.Remaining = max(limit-used, 0)
		st.day = day
	}
	return st, nil
}

// Refund returns the scan taken by a CheckAndConsume that produced st. It is
// a no-op for paid tiers and once the counter has rolled over to a new day.
func (q *QuotaGate) Refund(ctx context.Context, userID int64, st QuotaStatus) error {
	if st.day == "" {
		return nil
	}
	if err := q.db.RefundScan(ctx, userID, st.day); err != nil {
		return fmt.Errorf("refunding scan: %w", err)
	}
	return nil
}

// Peek reports the allowance without consuming it.
func (q *QuotaGate) Peek(ctx context.Context, userID int64) (QuotaStatus, error) {
	u, err := q.load(ctx, userID)
	if err != nil {
		return QuotaStatus{}, err
	}
	day, resetsAt := q.day()
	if u.Tier != TierFree {
		return QuotaStatus{Allowed: true, Remaining: UnlimitedScans, Limit: UnlimitedScans, Tier: u.Tier}, nil
	}
	used := u.ScansToday
	if u.ScansResetOn != day {
		used = 0
	}
	remaining := max(u.ScanLimit-used, 0)
	return QuotaStatus{Allowed: remaining > 0, Remaining: remaining, Used: used, Limit: u.ScanLimit, Tier: u.Tier, ResetsAt: resetsAt}, nil
}

// scanLimitFor is the scan_limit a tier transition writes.
func scanLimitFor(tier Tier, freeLimit int) int {
	if tier == TierFree {
		return freeLimit
	}
	return UnlimitedScans
}
