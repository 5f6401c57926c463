package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/safebazaar/internal/mpesa"
)

type fakeGateway struct {
	mu      sync.Mutex
	pushes  []mpesa.STKPush
	queries int
	query   *mpesa.QueryResponse
	pushErr error
}

func (g *fakeGateway) InitiateSTKPush(ctx context.Context, p mpesa.STKPush) (*mpesa.STKPushResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pushErr != nil {
		return nil, g.pushErr
	}
	g.pushes = append(g.pushes, p)
	n := len(g.pushes)
	return &mpesa.STKPushResponse{
		MerchantRequestID: fmt.Sprintf("mr-%d", n),
		CheckoutRequestID: fmt.Sprintf("ws_CO_%d", n),
		ResponseCode:      "0",
	}, nil
}

func (g *fakeGateway) QuerySTKPush(ctx context.Context, id string) (*mpesa.QueryResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.queries++
	if g.query == nil {
		return &mpesa.QueryResponse{CheckoutRequestID: id}, nil
	}
	q := *g.query
	q.CheckoutRequestID = id
	return &q, nil
}

// paidQuery is what stkpushquery returns once the customer has paid.
var paidQuery = &mpesa.QueryResponse{ResponseCode: "0", ResultCode: "0", ResultDesc: "The service request is processed successfully."}

func stkCallback(checkoutID string, code int, amount int, receipt string) []byte {
	cb := map[string]interface{}{
		"MerchantRequestID": "mr-1",
		"CheckoutRequestID": checkoutID,
		"ResultCode":        code,
		"ResultDesc":        "The service request is processed successfully.",
	}
	if code == 0 {
		cb["CallbackMetadata"] = map[string]interface{}{
			"Item": []map[string]interface{}{
				{"Name": "Amount", "Value": amount},
				{"Name": "MpesaReceiptNumber", "Value": receipt},
				{"Name": "PhoneNumber", "Value": 254712345678},
			},
		}
	} else {
		cb["ResultDesc"] = "Request cancelled by user"
	}
	b, _ := json.Marshal(map[string]interface{}{"Body": map[string]interface{}{"stkCallback": cb}})
	return b
}

type subsFixture struct {
	db     *MemDB
	gw     *fakeGateway
	subs   *Subscriptions
	events *recordingPublisher
	cache  *MemoryStatusCache
	user   *User
	now    *time.Time
}

func newSubsFixture(t *testing.T) *subsFixture {
	t.Helper()
	db := NewMemoryDB()
	gw := &fakeGateway{}
	cache := NewMemoryStatusCache(time.Minute, 0)
	events := &recordingPublisher{}
	subs := NewSubscriptions(db, gw, NewStatusResolver(db, cache), events, 3, time.Second)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	subs.now = func() time.Time { return now }
	return &subsFixture{
		db: db, gw: gw, subs: subs, events: events, cache: cache, now: &now,
		user: newTestUser(t, db, "payer@example.com", TierFree, 3),
	}
}

func TestUpgradeStartsPendingPayment(t *testing.T) {
	ctx := context.Background()
	f := newSubsFixture(t)

	p, err := f.subs.Upgrade(ctx, f.user.ID, TierPremium, "0712 345 678")
	require.NoError(t, err)
	assert.Equal(t, PaymentPending, p.Status)
	assert.Equal(t, 299, p.Amount)
	assert.Equal(t, "254712345678", p.Phone)
	require.Len(t, f.gw.pushes, 1)
	assert.Equal(t, 299, f.gw.pushes[0].Amount)

	got, _ := f.db.GetUserByID(ctx, f.user.ID)
	assert.Equal(t, TierFree, got.Tier, "tier changes only on callback")
}

func TestUpgradeRejectsBadInput(t *testing.T) {
	ctx := context.Background()
	f := newSubsFixture(t)

	_, err := f.subs.Upgrade(ctx, f.user.ID, Tier("gold"), "0712345678")
	assert.ErrorIs(t, err, ErrUnknownPlan)
	_, err = f.subs.Upgrade(ctx, f.user.ID, TierFree, "0712345678")
	assert.ErrorIs(t, err, ErrUnknownPlan)
	_, err = f.subs.Upgrade(ctx, f.user.ID, TierPremium, "12345")
	assert.ErrorIs(t, err, mpesa.ErrInvalidPhone)
	assert.Empty(t, f.gw.pushes)

	disabled := NewSubscriptions(f.db, nil, NewStatusResolver(f.db, f.cache), nil, 3, time.Second)
	_, err = disabled.Upgrade(ctx, f.user.ID, TierPremium, "0712345678")
	assert.ErrorIs(t, err, ErrPaymentsDisabled)
}

func TestSuccessfulCallbackActivatesOnce(t *testing.T) {
	ctx := context.Background()
	f := newSubsFixture(t)
	f.cache.Set(ctx, f.user.ID, UserStatus{Tier: TierFree})

	p, err := f.subs.Upgrade(ctx, f.user.ID, TierPremiumSeller, "254712345678")
	require.NoError(t, err)

	f.gw.query = paidQuery
	body := stkCallback(p.CheckoutRequestID, 0, 999, "QKJ12ABC")
	require.NoError(t, f.subs.HandleCallback(ctx, body))
	require.NoError(t, f.subs.HandleCallback(ctx, body), "redelivery is harmless")
	assert.Equal(t, 1, f.gw.queries, "a settled payment is not queried again")

	u, _ := f.db.GetUserByID(ctx, f.user.ID)
	assert.Equal(t, TierPremiumSeller, u.Tier)
	assert.Equal(t, UnlimitedScans, u.ScanLimit)

	_, cached := f.cache.Get(ctx, f.user.ID)
	assert.False(t, cached, "status cache invalidated on upgrade")

	view, err := f.subs.Current(ctx, f.user.ID)
	require.NoError(t, err)
	require.NotNil(t, view.Subscription)
	assert.Equal(t, f.now.Add(30*24*time.Hour), view.Subscription.ExpiresAt)
	assert.Contains(t, view.Capabilities, CapBulkScanning)

	stored, _ := f.db.GetPaymentByCheckoutID(ctx, p.CheckoutRequestID)
	assert.Equal(t, PaymentCompleted, stored.Status)
	assert.Equal(t, "QKJ12ABC", stored.Receipt)
	assert.Equal(t, []string{EventPremiumActivated}, f.events.types())
}

func TestFailedCallbackLeavesTierAlone(t *testing.T) {
	ctx := context.Background()
	f := newSubsFixture(t)
	p, err := f.subs.Upgrade(ctx, f.user.ID, TierPremium, "254712345678")
	require.NoError(t, err)

	require.NoError(t, f.subs.HandleCallback(ctx, stkCallback(p.CheckoutRequestID, 1032, 0, "")))

	u, _ := f.db.GetUserByID(ctx, f.user.ID)
	assert.Equal(t, TierFree, u.Tier)
	stored, _ := f.db.GetPaymentByCheckoutID(ctx, p.CheckoutRequestID)
	assert.Equal(t, PaymentFailed, stored.Status)
	require.NotNil(t, stored.ResultCode)
	assert.Equal(t, 1032, *stored.ResultCode)
	assert.Equal(t, []string{EventPaymentFailed}, f.events.types())

	// a late success for the same checkout cannot resurrect it
	require.NoError(t, f.subs.HandleCallback(ctx, stkCallback(p.CheckoutRequestID, 0, 299, "LATE")))
	u, _ = f.db.GetUserByID(ctx, f.user.ID)
	assert.Equal(t, TierFree, u.Tier)
}

func TestUnderpaidCallbackIsTreatedAsFailure(t *testing.T) {
	ctx := context.Background()
	f := newSubsFixture(t)
	p, err := f.subs.Upgrade(ctx, f.user.ID, TierPremium, "254712345678")
	require.NoError(t, err)

	require.NoError(t, f.subs.HandleCallback(ctx, stkCallback(p.CheckoutRequestID, 0, 1, "QKJ1")))

	u, _ := f.db.GetUserByID(ctx, f.user.ID)
	assert.Equal(t, TierFree, u.Tier)
	stored, _ := f.db.GetPaymentByCheckoutID(ctx, p.CheckoutRequestID)
	assert.Equal(t, PaymentFailed, stored.Status)
	assert.Contains(t, stored.ResultDesc, "amount mismatch")
}

func TestUnconfirmedSuccessCallbackIsNotApplied(t *testing.T) {
	ctx := context.Background()
	f := newSubsFixture(t)
	p, err := f.subs.Upgrade(ctx, f.user.ID, TierPremiumSeller, "254712345678")
	require.NoError(t, err)

	// the gateway still shows the push as pending
	err = f.subs.HandleCallback(ctx, stkCallback(p.CheckoutRequestID, 0, 999, "FAKE123"))
	require.ErrorIs(t, err, ErrUnconfirmedPayment)
	assert.Equal(t, 1, f.gw.queries)

	u, _ := f.db.GetUserByID(ctx, f.user.ID)
	assert.Equal(t, TierFree, u.Tier)
	stored, _ := f.db.GetPaymentByCheckoutID(ctx, p.CheckoutRequestID)
	assert.Equal(t, PaymentPending, stored.Status, "left for the real callback")
	assert.Empty(t, f.events.types())

	// the gateway reports the push was cancelled
	f.gw.query = &mpesa.QueryResponse{ResponseCode: "0", ResultCode: "1032", ResultDesc: "Request cancelled by user"}
	require.NoError(t, f.subs.HandleCallback(ctx, stkCallback(p.CheckoutRequestID, 0, 999, "FAKE123")))
	u, _ = f.db.GetUserByID(ctx, f.user.ID)
	assert.Equal(t, TierFree, u.Tier)
	stored, _ = f.db.GetPaymentByCheckoutID(ctx, p.CheckoutRequestID)
	assert.Equal(t, PaymentFailed, stored.Status)
	require.NotNil(t, stored.ResultCode)
	assert.Equal(t, 1032, *stored.ResultCode)
	assert.Empty(t, stored.Receipt)

	// without a gateway nothing can be confirmed
	q, err := f.subs.Upgrade(ctx, f.user.ID, TierPremium, "254712345678")
	require.NoError(t, err)
	offline := NewSubscriptions(f.db, nil, f.subs.resolver, nil, 3, time.Second)
	err = offline.HandleCallback(ctx, stkCallback(q.CheckoutRequestID, 0, 299, "FAKE124"))
	assert.ErrorIs(t, err, ErrUnconfirmedPayment)
	u, _ = f.db.GetUserByID(ctx, f.user.ID)
	assert.Equal(t, TierFree, u.Tier)
}

func TestLateCallbackBackfillsReceipt(t *testing.T) {
	ctx := context.Background()
	f := newSubsFixture(t)
	p, err := f.subs.Upgrade(ctx, f.user.ID, TierPremium, "254712345678")
	require.NoError(t, err)

	// the callback is late, so the status query settles the payment first
	*f.now = f.now.Add(2 * time.Minute)
	f.gw.query = paidQuery
	got, err := f.subs.PaymentStatus(ctx, f.user.ID, p.CheckoutRequestID)
	require.NoError(t, err)
	require.Equal(t, PaymentCompleted, got.Status)
	assert.Empty(t, got.Receipt)
	sub, err := f.db.GetActiveSubscription(ctx, f.user.ID)
	require.NoError(t, err)

	require.NoError(t, f.subs.HandleCallback(ctx, stkCallback(p.CheckoutRequestID, 0, 299, "QKL9XYZ")))
	stored, _ := f.db.GetPaymentByCheckoutID(ctx, p.CheckoutRequestID)
	assert.Equal(t, PaymentCompleted, stored.Status)
	assert.Equal(t, "QKL9XYZ", stored.Receipt)

	again, err := f.db.GetActiveSubscription(ctx, f.user.ID)
	require.NoError(t, err)
	assert.Equal(t, sub.ID, again.ID, "no second activation")
	assert.Equal(t, []string{EventPremiumActivated}, f.events.types())
	assert.Equal(t, 1, f.gw.queries)
}

func TestCallbackErrors(t *testing.T) {
	ctx := context.Background()
	f := newSubsFixture(t)

	assert.ErrorIs(t, f.subs.HandleCallback(ctx, []byte("{")), mpesa.ErrMalformedCallback)
	assert.ErrorIs(t, f.subs.HandleCallback(ctx, stkCallback("ws_CO_unknown", 1, 0, "")), ErrNotFound)
}

func TestPaymentStatusQueriesAfterGrace(t *testing.T) {
	ctx := context.Background()
	f := newSubsFixture(t)
	p, err := f.subs.Upgrade(ctx, f.user.ID, TierPremium, "254712345678")
	require.NoError(t, err)

	got, err := f.subs.PaymentStatus(ctx, f.user.ID, p.CheckoutRequestID)
	require.NoError(t, err)
	assert.Equal(t, PaymentPending, got.Status)
	assert.Zero(t, f.gw.queries, "no query inside the grace period")

	*f.now = f.now.Add(2 * time.Minute)
	got, err = f.subs.PaymentStatus(ctx, f.user.ID, p.CheckoutRequestID)
	require.NoError(t, err)
	assert.Equal(t, PaymentPending, got.Status)
	assert.Equal(t, 1, f.gw.queries)

	f.gw.query = &mpesa.QueryResponse{ResponseCode: "0", ResultCode: "0", ResultDesc: "processed"}
	got, err = f.subs.PaymentStatus(ctx, f.user.ID, p.CheckoutRequestID)
	require.NoError(t, err)
	assert.Equal(t, PaymentCompleted, got.Status)
	u, _ := f.db.GetUserByID(ctx, f.user.ID)
	assert.Equal(t, TierPremium, u.Tier)
}

func TestPaymentStatusIsScopedToOwner(t *testing.T) {
	ctx := context.Background()
	f := newSubsFixture(t)
	p, err := f.subs.Upgrade(ctx, f.user.ID, TierPremium, "254712345678")
	require.NoError(t, err)
	other := newTestUser(t, f.db, "other@example.com", TierFree, 3)

	_, err = f.subs.PaymentStatus(ctx, other.ID, p.CheckoutRequestID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCancelAndExpire(t *testing.T) {
	ctx := context.Background()
	f := newSubsFixture(t)

	_, err := f.subs.Cancel(ctx, f.user.ID)
	assert.ErrorIs(t, err, ErrNoSubscription)

	p, err := f.subs.Upgrade(ctx, f.user.ID, TierPremium, "254712345678")
	require.NoError(t, err)
	f.gw.query = paidQuery
	require.NoError(t, f.subs.HandleCallback(ctx, stkCallback(p.CheckoutRequestID, 0, 299, "R1")))

	sub, err := f.subs.Cancel(ctx, f.user.ID)
	require.NoError(t, err)
	assert.Equal(t, SubscriptionCancelled, sub.Status)
	u, _ := f.db.GetUserByID(ctx, f.user.ID)
	assert.Equal(t, TierFree, u.Tier)
	assert.Equal(t, 3, u.ScanLimit)

	p, err = f.subs.Upgrade(ctx, f.user.ID, TierPremium, "254712345678")
	require.NoError(t, err)
	require.NoError(t, f.subs.HandleCallback(ctx, stkCallback(p.CheckoutRequestID, 0, 299, "R2")))

	n, err := f.subs.ExpireDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	*f.now = f.now.Add(31 * 24 * time.Hour)
	view, err := f.subs.Current(ctx, f.user.ID)
	require.NoError(t, err)
	assert.Nil(t, view.Subscription)
	assert.Equal(t, TierFree, view.Tier)

	types := f.events.types()
	assert.Equal(t, EventSubscriptionEnd, types[len(types)-1])
}
