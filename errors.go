package main

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/example/safebazaar/internal/assess"
	"github.com/example/safebazaar/internal/mpesa"
)

// Store errors
var (
	ErrNotFound   = errors.New("not found")
	ErrEmailTaken = errors.New("email already registered")
	ErrDuplicate  = errors.New("duplicate record")
)

// Account errors
var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrAccountSuspended   = errors.New("account suspended")
	ErrInvalidInput       = errors.New("invalid input")
	ErrInvalidToken       = errors.New("invalid or expired token")
)

// Quota and scan errors
var (
	ErrProfileNotFound = errors.New("profile not found")
	ErrQuotaExceeded   = errors.New("daily scan quota exceeded")
	ErrBulkLimit       = errors.New("bulk scan accepts a maximum of 50 products")
	ErrFeatureLocked   = errors.New("feature not included in current plan")
)

// Payment errors
var (
	ErrUnknownPlan        = errors.New("unknown subscription plan")
	ErrPaymentsDisabled   = errors.New("payments are not configured")
	ErrUnconfirmedPayment = errors.New("payment not confirmed by gateway")
	ErrNoSubscription     = errors.New("no active subscription")
	ErrUploadsDisabled    = errors.New("image uploads are not configured")
	ErrUnsupportedUpload  = errors.New("unsupported upload")
)

// APIError represents a structured API error response
type APIError struct {
	Code    string `json:"error_code"`
	Message string `json:"error_message"`
	Details string `json:"details,omitempty"`
}

// writeError writes a structured error response
func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(APIError{
		Code:    code,
		Message: message,
	})
}

// writeSuccess writes a success response
func writeSuccess(w http.ResponseWriter, status int, data interface{}) {
	writeJSON(w, status, map[string]interface{}{
		"success": true,
		"data":    data,
	})
}

// writeDomainError maps service errors to HTTP responses. Anything not
// recognised is logged and reported as an internal error.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrInvalidInput), errors.Is(err, mpesa.ErrInvalidPhone), errors.Is(err, ErrUnknownPlan), errors.Is(err, ErrUnsupportedUpload):
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
	case errors.Is(err, ErrBulkLimit):
		writeError(w, http.StatusBadRequest, "BULK_LIMIT_EXCEEDED", err.Error())
	case errors.Is(err, ErrInvalidToken):
		writeError(w, http.StatusUnauthorized, "INVALID_TOKEN", "invalid or expired token")
	case errors.Is(err, ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password")
	case errors.Is(err, ErrAccountSuspended):
		writeError(w, http.StatusForbidden, "ACCOUNT_SUSPENDED", "Account suspended")
	case errors.Is(err, ErrFeatureLocked):
		writeError(w, http.StatusForbidden, "UPGRADE_REQUIRED", err.Error())
	case errors.Is(err, ErrProfileNotFound):
		writeError(w, http.StatusNotFound, "PROFILE_NOT_FOUND", "Profile not found")
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrNoSubscription):
		writeError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, ErrEmailTaken):
		writeError(w, http.StatusConflict, "USER_EXISTS", "User with this email already exists")
	case errors.Is(err, ErrQuotaExceeded):
		writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{
			"error_code":    "QUOTA_EXCEEDED",
			"error_message": "Daily scan limit reached. Upgrade to Premium for unlimited scans.",
			"remaining":     0,
			"upgrade":       true,
		})
	case errors.Is(err, assess.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, "AI_RATE_LIMITED", "Too many requests, please try again later")
	case errors.Is(err, assess.ErrCreditsExhausted):
		writeError(w, http.StatusPaymentRequired, "AI_CREDITS_EXHAUSTED", "Assessment service credits exhausted")
	case errors.Is(err, assess.ErrTimeout):
		writeError(w, http.StatusServiceUnavailable, "AI_TIMEOUT", "Assessment timed out, please try again")
	case errors.Is(err, assess.ErrUnavailable):
		writeError(w, http.StatusInternalServerError, "AI_UNAVAILABLE", "Assessment service unavailable")
	case errors.Is(err, mpesa.ErrRejected):
		writeError(w, http.StatusBadGateway, "PAYMENT_REJECTED", "M-Pesa could not start the payment")
	case errors.Is(err, ErrPaymentsDisabled), errors.Is(err, ErrUploadsDisabled):
		writeError(w, http.StatusNotImplemented, "NOT_CONFIGURED", err.Error())
	default:
		log.Printf("internal error: %v", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Internal server error")
	}
}
