package main

import (
	"time"

	"github.com/example/safebazaar/internal/assess"
)

type Role string

const (
	RoleBuyer  Role = "buyer"
	RoleSeller Role = "seller"
	RoleAdmin  Role = "admin"
)

type Tier string

const (
	TierFree          Tier = "free"
	TierPremium       Tier = "premium"
	TierPremiumSeller Tier = "premium_seller"
)

func (t Tier) Valid() bool {
	switch t {
	case TierFree, TierPremium, TierPremiumSeller:
		return true
	}
	return false
}

// User represents a shopper, seller or admin account
type User struct {
	ID           int64     `json:"id"`
	Email        string    `json:"email"`
	Password     string    `json:"-"`
	Role         Role      `json:"role"`
	Tier         Tier      `json:"subscriptionTier"`
	ScansToday   int       `json:"scansToday"`
	ScanLimit    int       `json:"scanLimit"`
	ScansResetOn string    `json:"-"` // local calendar date (YYYY-MM-DD) the counter belongs to
	Banned       bool      `json:"banned"`
	ReferralCode string    `json:"referralCode"`
	ReferredBy   *int64    `json:"referredBy,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

func (u *User) IsAdmin() bool { return u.Role == RoleAdmin }

// ScanRecord is an immutable assessment result owned by the submitting user
type ScanRecord struct {
	ID              string              `json:"id"`
	UserID          int64               `json:"userId"`
	Product         assess.Product      `json:"product"`
	Score           int                 `json:"score"`
	Verdict         assess.Verdict      `json:"verdict"`
	RiskFactors     []assess.RiskFactor `json:"riskFactors"`
	Recommendations []string            `json:"recommendations"`
	Defaulted       bool                `json:"defaulted"`
	CreatedAt       time.Time           `json:"createdAt"`
}

type SubscriptionStatus string

const (
	SubscriptionActive    SubscriptionStatus = "active"
	SubscriptionExpired   SubscriptionStatus = "expired"
	SubscriptionCancelled SubscriptionStatus = "cancelled"
)

type Subscription struct {
	ID        string             `json:"id"`
	UserID    int64              `json:"userId"`
	Plan      Tier               `json:"plan"`
	Status    SubscriptionStatus `json:"status"`
	PaymentID string             `json:"paymentId"`
	StartedAt time.Time          `json:"startedAt"`
	ExpiresAt time.Time          `json:"expiresAt"`
}

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
	PaymentFailed    PaymentStatus = "failed"
)

// Payment tracks one STK push from initiation to its callback
type Payment struct {
	ID                string        `json:"id"`
	UserID            int64         `json:"userId"`
	Plan              Tier          `json:"plan"`
	Amount            int           `json:"amount"`
	Phone             string        `json:"phone"`
	CheckoutRequestID string        `json:"checkoutRequestId"`
	MerchantRequestID string        `json:"merchantRequestId"`
	Status            PaymentStatus `json:"status"`
	ResultCode        *int          `json:"resultCode,omitempty"`
	ResultDesc        string        `json:"resultDesc,omitempty"`
	Receipt           string        `json:"receipt,omitempty"`
	CreatedAt         time.Time     `json:"createdAt"`
	UpdatedAt         time.Time     `json:"updatedAt"`
}

type Referral struct {
	ReferrerID int64     `json:"referrerId"`
	ReferredID int64     `json:"referredId"`
	Email      string    `json:"email"`
	CreatedAt  time.Time `json:"createdAt"`
}

type AdminAction struct {
	ID           int64     `json:"id"`
	AdminID      int64     `json:"adminId"`
	TargetUserID int64     `json:"targetUserId"`
	Action       string    `json:"action"`
	Detail       string    `json:"detail"`
	CreatedAt    time.Time `json:"createdAt"`
}

// PaymentOutcome is the terminal state a callback or status query settles a payment into.
type PaymentOutcome struct {
	CheckoutRequestID string
	ResultCode        int
	ResultDesc        string
	Receipt           string
}

func (o PaymentOutcome) Succeeded() bool { return o.ResultCode == 0 }
