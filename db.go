package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// DB interface for database operations
type DB interface {
	Init() error
	// User operations
	CreateUser(ctx context.Context, u *User) error
	GetUserByID(ctx context.Context, id int64) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	GetUserByReferralCode(ctx context.Context, code string) (*User, error)
	ListUsers(ctx context.Context, limit, offset int) ([]*User, error)
	SetBanned(ctx context.Context, id int64, banned bool) error
	SetRole(ctx context.Context, id int64, role Role) error
	SetTier(ctx context.Context, id int64, tier Tier, scanLimit int) error
	// ConsumeScan atomically resets the counter when day differs from the
	// stored reset day and then increments it, provided the user is still
	// under their limit. ok is false when the limit was already reached.
	ConsumeScan(ctx context.Context, id int64, day string) (scansToday, scanLimit int, ok bool, err error)
	// RefundScan gives back one scan consumed on day. It does nothing once
	// the counter has moved on to another day or is already zero.
	RefundScan(ctx context.Context, id int64, day string) error
	// Scan operations
	CreateScan(ctx context.Context, s *ScanRecord) error
	GetScan(ctx context.Context, id string) (*ScanRecord, error)
	ListScans(ctx context.Context, userID int64, limit, offset int) ([]*ScanRecord, error)
	// Payment and subscription operations
	CreatePayment(ctx context.Context, p *Payment) error
	GetPaymentByCheckoutID(ctx context.Context, checkoutID string) (*Payment, error)
	// SettlePayment moves a pending payment to its terminal state and, on
	// success, activates the subscription described by term. applied is false
	// when the payment had already been settled; a completed payment still
	// missing its receipt takes the one in o.
	SettlePayment(ctx context.Context, o PaymentOutcome, term SubscriptionTerm) (p *Payment, applied bool, err error)
	GetActiveSubscription(ctx context.Context, userID int64) (*Subscription, error)
	CancelSubscription(ctx context.Context, userID int64, freeLimit int) (*Subscription, error)
	ExpireSubscriptions(ctx context.Context, now time.Time, freeLimit int) ([]int64, error)
	// Referral operations
	CreateReferral(ctx context.Context, referrerID, referredID int64) error
	ListReferrals(ctx context.Context, referrerID int64) ([]*Referral, error)
	// Admin audit operations
	CreateAdminAction(ctx context.Context, a *AdminAction) error
	ListAdminActions(ctx context.Context, limit, offset int) ([]*AdminAction, error)
}

// SubscriptionTerm is what a successful payment activates.
type SubscriptionTerm struct {
	SubscriptionID string
	StartedAt      time.Time
	ExpiresAt      time.Time
	ScanLimit      int
}

// Memory DB
type MemDB struct {
	mu        sync.Mutex
	users     map[int64]*User
	emails    map[string]int64
	codes     map[string]int64
	scans     []*ScanRecord
	payments  map[string]*Payment
	subs      []*Subscription
	referrals []*Referral
	actions   []*AdminAction
	seq       int64
	actionSeq int64
}

func NewMemoryDB() *MemDB {
	return &MemDB{
		users:    map[int64]*User{},
		emails:   map[string]int64{},
		codes:    map[string]int64{},
		payments: map[string]*Payment{},
		seq:      1,
	}
}

func (m *MemDB) Init() error { return nil }

func (m *MemDB) CreateUser(ctx context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	email := strings.ToLower(u.Email)
	if _, ok := m.emails[email]; ok {
		return ErrEmailTaken
	}
	if _, ok := m.codes[u.ReferralCode]; ok {
		return ErrDuplicate
	}
	u.ID = m.seq
	m.seq++
	u.Email = email
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	cp := *u
	m.users[u.ID] = &cp
	m.emails[email] = u.ID
	m.codes[u.ReferralCode] = u.ID
	return nil
}

func (m *MemDB) GetUserByID(ctx context.Context, id int64) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[id]; ok {
		cp := *u
		return &cp, nil
	}
	return nil, ErrNotFound
}

func (m *MemDB) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	m.mu.Lock()
	id, ok := m.emails[strings.ToLower(email)]
	m.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	return m.GetUserByID(ctx, id)
}

func (m *MemDB) GetUserByReferralCode(ctx context.Context, code string) (*User, error) {
	m.mu.Lock()
	id, ok := m.codes[code]
	m.mu.Unlock()
	if !ok || code == "" {
		return nil, ErrNotFound
	}
	return m.GetUserByID(ctx, id)
}

func (m *MemDB) ListUsers(ctx context.Context, limit, offset int) ([]*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*User, 0, len(m.users))
	for _, u := range m.users {
		cp := *u
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return page(out, limit, offset), nil
}

func (m *MemDB) update(id int64, fn func(u *User)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return ErrNotFound
	}
	fn(u)
	return nil
}

func (m *MemDB) SetBanned(ctx context.Context, id int64, banned bool) error {
	return m.update(id, func(u *User) { u.Banned = banned })
}

func (m *MemDB) SetRole(ctx context.Context, id int64, role Role) error {
	return m.update(id, func(u *User) { u.Role = role })
}

func (m *MemDB) SetTier(ctx context.Context, id int64, tier Tier, scanLimit int) error {
	return m.update(id, func(u *User) {
		u.Tier = tier
		u.ScanLimit = scanLimit
	})
}

func (m *MemDB) ConsumeScan(ctx context.Context, id int64, day string) (int, int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return 0, 0, false, ErrNotFound
	}
	if u.ScansResetOn != day {
		u.ScansToday = 0
		u.ScansResetOn = day
	}
	if u.ScansToday >= u.ScanLimit {
		return u.ScansToday, u.ScanLimit, false, nil
	}
	u.ScansToday++
	return u.ScansToday, u.ScanLimit, true, nil
}

func (m *MemDB) RefundScan(ctx context.Context, id int64, day string) error {
	return m.update(id, func(u *User) {
		if u.ScansResetOn == day && u.ScansToday > 0 {
			u.ScansToday--
		}
	})
}

func (m *MemDB) CreateScan(ctx context.Context, s *ScanRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.scans = append(m.scans, &cp)
	return nil
}

func (m *MemDB) GetScan(ctx context.Context, id string) (*ScanRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.scans {
		if s.ID == id {
			cp := *s
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemDB) ListScans(ctx context.Context, userID int64, limit, offset int) ([]*ScanRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*ScanRecord
	for i := len(m.scans) - 1; i >= 0; i-- {
		if userID == 0 || m.scans[i].UserID == userID {
			cp := *m.scans[i]
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return page(out, limit, offset), nil
}

func (m *MemDB) CreatePayment(ctx context.Context, p *Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.payments[p.CheckoutRequestID]; ok {
		return ErrDuplicate
	}
	cp := *p
	m.payments[p.CheckoutRequestID] = &cp
	return nil
}

func (m *MemDB) GetPaymentByCheckoutID(ctx context.Context, checkoutID string) (*Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.payments[checkoutID]; ok {
		cp := *p
		return &cp, nil
	}
	return nil, ErrNotFound
}

func (m *MemDB) SettlePayment(ctx context.Context, o PaymentOutcome, term SubscriptionTerm) (*Payment, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[o.CheckoutRequestID]
	if !ok {
		return nil, false, ErrNotFound
	}
	if p.Status != PaymentPending {
		if p.Status == PaymentCompleted && p.Receipt == "" && o.Succeeded() {
			p.Receipt = o.Receipt
		}
		cp := *p
		return &cp, false, nil
	}

	code := o.ResultCode
	p.ResultCode = &code
	p.ResultDesc = o.ResultDesc
	p.UpdatedAt = time.Now().UTC()
	if !o.Succeeded() {
		p.Status = PaymentFailed
		cp := *p
		return &cp, true, nil
	}
	p.Status = PaymentCompleted
	p.Receipt = o.Receipt

	for _, s := range m.subs {
		if s.UserID == p.UserID && s.Status == SubscriptionActive {
			s.Status = SubscriptionExpired
		}
	}
	m.subs = append(m.subs, &Subscription{
		ID:        term.SubscriptionID,
		UserID:    p.UserID,
		Plan:      p.Plan,
		Status:    SubscriptionActive,
		PaymentID: p.ID,
		StartedAt: term.StartedAt,
		ExpiresAt: term.ExpiresAt,
	})
	if u, ok := m.users[p.UserID]; ok {
		u.Tier = p.Plan
		u.ScanLimit = term.ScanLimit
	}
	cp := *p
	return &cp, true, nil
}

func (m *MemDB) GetActiveSubscription(ctx context.Context, userID int64) (*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.subs) - 1; i >= 0; i-- {
		if s := m.subs[i]; s.UserID == userID && s.Status == SubscriptionActive {
			cp := *s
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemDB) CancelSubscription(ctx context.Context, userID int64, freeLimit int) (*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.subs) - 1; i >= 0; i-- {
		if s := m.subs[i]; s.UserID == userID && s.Status == SubscriptionActive {
			s.Status = SubscriptionCancelled
			if u, ok := m.users[userID]; ok {
				u.Tier = TierFree
				u.ScanLimit = freeLimit
			}
			cp := *s
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemDB) ExpireSubscriptions(ctx context.Context, now time.Time, freeLimit int) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var expired []int64
	for _, s := range m.subs {
		if s.Status == SubscriptionActive && now.After(s.ExpiresAt) {
			s.Status = SubscriptionExpired
			if u, ok := m.users[s.UserID]; ok {
				u.Tier = TierFree
				u.ScanLimit = freeLimit
			}
			expired = append(expired, s.UserID)
		}
	}
	return expired, nil
}

func (m *MemDB) CreateReferral(ctx context.Context, referrerID, referredID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.referrals {
		if r.ReferredID == referredID {
			return ErrDuplicate
		}
	}
	referred, ok := m.users[referredID]
	if !ok {
		return ErrNotFound
	}
	id := referrerID
	referred.ReferredBy = &id
	m.referrals = append(m.referrals, &Referral{ReferrerID: referrerID, ReferredID: referredID, Email: referred.Email, CreatedAt: time.Now().UTC()})
	return nil
}

func (m *MemDB) ListReferrals(ctx context.Context, referrerID int64) ([]*Referral, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Referral
	for _, r := range m.referrals {
		if r.ReferrerID == referrerID {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemDB) CreateAdminAction(ctx context.Context, a *AdminAction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actionSeq++
	a.ID = m.actionSeq
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	cp := *a
	m.actions = append(m.actions, &cp)
	return nil
}

func (m *MemDB) ListAdminActions(ctx context.Context, limit, offset int) ([]*AdminAction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*AdminAction, 0, len(m.actions))
	for i := len(m.actions) - 1; i >= 0; i-- {
		cp := *m.actions[i]
		out = append(out, &cp)
	}
	return page(out, limit, offset), nil
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

// decodeScanJSON fills the JSON columns of a stored scan. A row that no
// longer decodes is reported rather than read back as an empty record.
func decodeScanJSON(r *ScanRecord, product, factors, recs []byte) error {
	if err := json.Unmarshal(product, &r.Product); err != nil {
		return fmt.Errorf("scan %s: decoding product: %w", r.ID, err)
	}
	if err := json.Unmarshal(factors, &r.RiskFactors); err != nil {
		return fmt.Errorf("scan %s: decoding risk factors: %w", r.ID, err)
	}
	if err := json.Unmarshal(recs, &r.Recommendations); err != nil {
		return fmt.Errorf("scan %s: decoding recommendations: %w", r.ID, err)
	}
	return nil
}

// lifecycle helpers
func (m *MemDB) close() error { return nil }
func (m *MemDB) ping() bool   { return true }

// getUser is a read-only lookup, so a transient failure is retried once.
func getUser(ctx context.Context, db DB, id int64) (*User, error) {
	u, err := db.GetUserByID(ctx, id)
	if err == nil || errors.Is(err, ErrNotFound) || ctx.Err() != nil {
		return u, err
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(100 * time.Millisecond):
	}
	return db.GetUserByID(ctx, id)
}
