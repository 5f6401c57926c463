package main

import (
	"io"
	"log"
	"net/http"

	"github.com/gorilla/mux"
)

// HandleSubscription returns the caller's tier, capabilities and plan
// GET /api/v1/subscription
func (a *App) HandleSubscription(w http.ResponseWriter, r *http.Request) {
	view, err := a.Subs.Current(r.Context(), mustClaims(r).UserID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// HandlePlans lists the paid plans. Signed-in callers also get their
// current tier.
// GET /api/v1/subscription/plans
func (a *App) HandlePlans(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{"plans": availablePlans()}
	if claims, ok := claimsFrom(r.Context()); ok {
		if st, err := a.Status.Resolve(r.Context(), claims.UserID); err == nil {
			resp["currentTier"] = st.Tier
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleCapabilities answers whether the caller's tier unlocks a feature
// GET /api/v1/subscription/capabilities?feature=bulk_scanning
func (a *App) HandleCapabilities(w http.ResponseWriter, r *http.Request) {
	st, err := a.Status.Resolve(r.Context(), mustClaims(r).UserID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	resp := map[string]interface{}{
		"tier":         st.Tier,
		"capabilities": Capabilities(st.Tier),
	}
	if f := r.URL.Query().Get("feature"); f != "" {
		resp["feature"] = f
		resp["allowed"] = HasCapability(st.Tier, Capability(f))
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleUpgrade starts an M-Pesa STK push for a paid plan
// POST /api/v1/subscription/upgrade
func (a *App) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Plan  Tier   `json:"plan"`
		Phone string `json:"phone"`
	}
	if !decodeJSON(w, r, &in) {
		return
	}
	if in.Plan == "" || in.Phone == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Plan and phone are required")
		return
	}
	p, err := a.Subs.Upgrade(r.Context(), mustClaims(r).UserID, in.Plan, in.Phone)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"checkoutRequestId": p.CheckoutRequestID,
		"status":            p.Status,
		"amount":            p.Amount,
		"plan":              p.Plan,
		"message":           "Check your phone to complete the M-Pesa payment",
	})
}

// HandlePaymentStatus polls a payment the caller started
// GET /api/v1/subscription/payments/{checkoutId}
func (a *App) HandlePaymentStatus(w http.ResponseWriter, r *http.Request) {
	p, err := a.Subs.PaymentStatus(r.Context(), mustClaims(r).UserID, mux.Vars(r)["checkoutId"])
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// HandleCancel ends the caller's subscription
// POST /api/v1/subscription/cancel
func (a *App) HandleCancel(w http.ResponseWriter, r *http.Request) {
	sub, err := a.Subs.Cancel(r.Context(), mustClaims(r).UserID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

// HandleMpesaCallback receives Daraja STK results. The gateway always gets
// an acceptance so it stops retrying; problems are only logged.
// POST /api/v1/payments/mpesa/callback
func (a *App) HandleMpesaCallback(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxJSONBody))
	if err != nil {
		log.Printf("[payments] read callback: %v", err)
	} else if err := a.Subs.HandleCallback(r.Context(), body); err != nil {
		log.Printf("[payments] callback: %v", err)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ResultCode": 0, "ResultDesc": "Accepted"})
}
