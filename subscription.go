package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/example/safebazaar/internal/mpesa"
)

type Plan struct {
	Tier     Tier          `json:"tier"`
	Name     string        `json:"name"`
	Amount   int           `json:"amount"`
	Currency string        `json:"currency"`
	Period   time.Duration `json:"-"`
	Days     int           `json:"days"`
}

var plans = map[Tier]Plan{
	TierPremium:       {Tier: TierPremium, Name: "Premium", Amount: 299, Currency: "KES", Period: 30 * 24 * time.Hour, Days: 30},
	TierPremiumSeller: {Tier: TierPremiumSeller, Name: "Premium Seller", Amount: 999, Currency: "KES", Period: 30 * 24 * time.Hour, Days: 30},
}

const (
	// pending payments younger than this are not queried at the gateway
	paymentQueryGrace = 60 * time.Second
	sweepInterval     = 10 * time.Minute
)

// PaymentGateway is the slice of Daraja the payment flow needs.
type PaymentGateway interface {
	InitiateSTKPush(ctx context.Context, p mpesa.STKPush) (*mpesa.STKPushResponse, error)
	QuerySTKPush(ctx context.Context, checkoutRequestID string) (*mpesa.QueryResponse, error)
}

// Subscriptions owns the paid-tier lifecycle: STK push, settlement,
// cancellation and expiry.
type Subscriptions struct {
	db        DB
	gateway   PaymentGateway
	resolver  *StatusResolver
	events    Publisher
	freeLimit int
	timeout   time.Duration
	now       func() time.Time
}

func NewSubscriptions(db DB, gateway PaymentGateway, resolver *StatusResolver, events Publisher, freeLimit int, timeout time.Duration) *Subscriptions {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Subscriptions{
		db:        db,
		gateway:   gateway,
		resolver:  resolver,
		events:    events,
		freeLimit: freeLimit,
		timeout:   timeout,
		now:       time.Now,
	}
}

type SubscriptionView struct {
	Tier         Tier          `json:"tier"`
	Capabilities []Capability  `json:"capabilities"`
	Subscription *Subscription `json:"subscription"`
	Plans        []Plan        `json:"plans"`
}

func availablePlans() []Plan {
	return []Plan{plans[TierPremium], plans[TierPremiumSeller]}
}

// Current reports the caller's tier and active subscription. A subscription
// that has run out is expired on the spot rather than waiting for the sweeper.
func (s *Subscriptions) Current(ctx context.Context, userID int64) (*SubscriptionView, error) {
	sub, err := s.db.GetActiveSubscription(ctx, userID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("loading subscription: %w", err)
	}
	if sub != nil && s.now().After(sub.ExpiresAt) {
		if _, err := s.ExpireDue(ctx); err != nil {
			return nil, err
		}
		sub = nil
	}
	u, err := getUser(ctx, s.db, userID)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrProfileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading profile: %w", err)
	}
	return &SubscriptionView{
		Tier:         u.Tier,
		Capabilities: Capabilities(u.Tier),
		Subscription: sub,
		Plans:        availablePlans(),
	}, nil
}

// Upgrade sends an STK push for plan to phone and records the pending payment.
func (s *Subscriptions) Upgrade(ctx context.Context, userID int64, tier Tier, phone string) (*Payment, error) {
	if s.gateway == nil {
		return nil, ErrPaymentsDisabled
	}
	plan, ok := plans[tier]
	if !ok {
		return nil, ErrUnknownPlan
	}
	msisdn, err := mpesa.NormalizePhone(phone)
	if err != nil {
		return nil, err
	}
	u, err := getUser(ctx, s.db, userID)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrProfileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading profile: %w", err)
	}
	if u.Banned {
		return nil, ErrAccountSuspended
	}

	pctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	resp, err := s.gateway.InitiateSTKPush(pctx, mpesa.STKPush{
		Phone:       msisdn,
		Amount:      plan.Amount,
		Reference:   "SafeBazaar",
		Description: plan.Name,
	})
	if err != nil {
		return nil, fmt.Errorf("stk push: %w", err)
	}

	now := s.now().UTC()
	p := &Payment{
		ID:                uuid.NewString(),
		UserID:            userID,
		Plan:              tier,
		Amount:            plan.Amount,
		Phone:             msisdn,
		CheckoutRequestID: resp.CheckoutRequestID,
		MerchantRequestID: resp.MerchantRequestID,
		Status:            PaymentPending,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.db.CreatePayment(ctx, p); err != nil {
		return nil, fmt.Errorf("saving payment: %w", err)
	}
	log.Printf("[payments] user %d started %s checkout %s", userID, tier, p.CheckoutRequestID)
	return p, nil
}

// HandleCallback applies a Daraja callback. The returned error is for
// logging only; the gateway is always acknowledged. Redelivered callbacks
// find the payment already settled and change nothing. The callback route is
// public, so a reported success is only applied once the gateway confirms it.
func (s *Subscriptions) HandleCallback(ctx context.Context, body []byte) error {
	cb, err := mpesa.ParseCallback(body)
	if err != nil {
		return err
	}
	o := PaymentOutcome{
		CheckoutRequestID: cb.CheckoutRequestID,
		ResultCode:        cb.ResultCode,
		ResultDesc:        cb.ResultDesc,
		Receipt:           cb.Receipt,
	}
	if cb.Succeeded() {
		p, err := s.db.GetPaymentByCheckoutID(ctx, cb.CheckoutRequestID)
		if err != nil {
			return fmt.Errorf("callback for %s: %w", cb.CheckoutRequestID, err)
		}
		switch {
		case cb.Amount < float64(p.Amount):
			o.ResultCode = -1
			o.ResultDesc = fmt.Sprintf("amount mismatch: paid %.0f, expected %d", cb.Amount, p.Amount)
		case p.Status == PaymentPending:
			if o, err = s.confirm(ctx, o); err != nil {
				return err
			}
		}
	}
	_, err = s.settle(ctx, o)
	return err
}

// confirm checks a reported success against the gateway. A payment the
// gateway still shows as pending is left alone for the real callback or a
// later status query; a gateway failure code replaces the reported one.
func (s *Subscriptions) confirm(ctx context.Context, o PaymentOutcome) (PaymentOutcome, error) {
	if s.gateway == nil {
		return o, fmt.Errorf("callback for %s: %w", o.CheckoutRequestID, ErrUnconfirmedPayment)
	}
	qctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	q, err := s.gateway.QuerySTKPush(qctx, o.CheckoutRequestID)
	if err != nil {
		return o, fmt.Errorf("confirming %s: %w", o.CheckoutRequestID, err)
	}
	if q.Pending() {
		return o, fmt.Errorf("callback for %s: %w", o.CheckoutRequestID, ErrUnconfirmedPayment)
	}
	if code := q.Code(); code != 0 {
		log.Printf("[payments] checkout %s reported paid but gateway says %d", o.CheckoutRequestID, code)
		return PaymentOutcome{CheckoutRequestID: o.CheckoutRequestID, ResultCode: code, ResultDesc: q.ResultDesc}, nil
	}
	return o, nil
}

func (s *Subscriptions) settle(ctx context.Context, o PaymentOutcome) (*Payment, error) {
	p, err := s.db.GetPaymentByCheckoutID(ctx, o.CheckoutRequestID)
	if err != nil {
		return nil, fmt.Errorf("settle %s: %w", o.CheckoutRequestID, err)
	}
	plan := plans[p.Plan]
	now := s.now().UTC()
	term := SubscriptionTerm{
		SubscriptionID: uuid.NewString(),
		StartedAt:      now,
		ExpiresAt:      now.Add(plan.Period),
		ScanLimit:      scanLimitFor(p.Plan, s.freeLimit),
	}
	p, applied, err := s.db.SettlePayment(ctx, o, term)
	if err != nil {
		return nil, fmt.Errorf("settle %s: %w", o.CheckoutRequestID, err)
	}
	if !applied {
		if o.Succeeded() && o.Receipt != "" && p.Receipt == o.Receipt {
			log.Printf("[payments] checkout %s receipt %s recorded", p.CheckoutRequestID, p.Receipt)
			return p, nil
		}
		log.Printf("[payments] checkout %s already %s, ignoring", p.CheckoutRequestID, p.Status)
		return p, nil
	}

	if p.Status == PaymentCompleted {
		s.resolver.Invalidate(ctx, p.UserID)
		log.Printf("[payments] user %d upgraded to %s (receipt %s)", p.UserID, p.Plan, p.Receipt)
		s.publish(Event{Type: EventPremiumActivated, UserID: p.UserID, Data: map[string]interface{}{
			"tier": p.Plan, "expiresAt": term.ExpiresAt, "receipt": p.Receipt,
		}})
	} else {
		log.Printf("[payments] checkout %s failed: %d %s", p.CheckoutRequestID, o.ResultCode, o.ResultDesc)
		s.publish(Event{Type: EventPaymentFailed, UserID: p.UserID, Data: map[string]interface{}{
			"checkoutRequestId": p.CheckoutRequestID, "reason": o.ResultDesc,
		}})
	}
	return p, nil
}

// PaymentStatus returns a payment owned by userID. A payment still pending
// after the grace period is looked up at the gateway in case the callback
// was lost.
func (s *Subscriptions) PaymentStatus(ctx context.Context, userID int64, checkoutID string) (*Payment, error) {
	p, err := s.db.GetPaymentByCheckoutID(ctx, checkoutID)
	if err != nil {
		return nil, err
	}
	if p.UserID != userID {
		return nil, ErrNotFound
	}
	if p.Status != PaymentPending || s.gateway == nil || s.now().Sub(p.CreatedAt) < paymentQueryGrace {
		return p, nil
	}

	qctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	q, err := s.gateway.QuerySTKPush(qctx, checkoutID)
	if err != nil {
		log.Printf("[payments] query %s: %v", checkoutID, err)
		return p, nil
	}
	if q.Pending() {
		return p, nil
	}
	// the query response carries no receipt; the callback fills it in later
	return s.settle(ctx, PaymentOutcome{CheckoutRequestID: checkoutID, ResultCode: q.Code(), ResultDesc: q.ResultDesc})
}

// Cancel ends the active subscription and drops the user to the free tier
// straight away. Payment history is kept.
func (s *Subscriptions) Cancel(ctx context.Context, userID int64) (*Subscription, error) {
	sub, err := s.db.CancelSubscription(ctx, userID, s.freeLimit)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNoSubscription
	}
	if err != nil {
		return nil, fmt.Errorf("cancel subscription: %w", err)
	}
	s.resolver.Invalidate(ctx, userID)
	s.publish(Event{Type: EventSubscriptionEnd, UserID: userID, Data: map[string]interface{}{"reason": "cancelled"}})
	log.Printf("[payments] user %d cancelled %s", userID, sub.Plan)
	return sub, nil
}

// ExpireDue expires every active subscription past its end date.
func (s *Subscriptions) ExpireDue(ctx context.Context) (int, error) {
	users, err := s.db.ExpireSubscriptions(ctx, s.now().UTC(), s.freeLimit)
	if err != nil {
		return 0, fmt.Errorf("expire subscriptions: %w", err)
	}
	for _, id := range users {
		s.resolver.Invalidate(ctx, id)
		s.publish(Event{Type: EventSubscriptionEnd, UserID: id, Data: map[string]interface{}{"reason": "expired"}})
	}
	if len(users) > 0 {
		log.Printf("[payments] expired %d subscriptions", len(users))
	}
	return len(users), nil
}

// RunSweeper calls ExpireDue every interval until ctx is done.
func (s *Subscriptions) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = sweepInterval
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := s.ExpireDue(ctx); err != nil {
				log.Printf("[payments] sweeper: %v", err)
			}
		}
	}
}

func (s *Subscriptions) publish(e Event) {
	if s.events != nil {
		s.events.Publish(e)
	}
}
