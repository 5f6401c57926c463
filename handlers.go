package main

import (
	"encoding/json"
	"net/http"
	"strconv"
)

const maxJSONBody = 1 << 20

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return false
	}
	return true
}

func pageParams(r *http.Request) (limit, offset int) {
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	return limit, offset
}

// mustClaims returns the claims RequireAuth stored. Handlers behind
// RequireAuth always have them.
func mustClaims(r *http.Request) *AccessClaims {
	c, _ := claimsFrom(r.Context())
	return c
}

func (a *App) HandleSignup(w http.ResponseWriter, r *http.Request) {
	var in SignupRequest
	if !decodeJSON(w, r, &in) {
		return
	}
	if in.Email == "" || in.Password == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Email and password are required")
		return
	}
	s, err := a.Accounts.Signup(r.Context(), in)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, s)
}

func (a *App) HandleSignin(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if !decodeJSON(w, r, &in) {
		return
	}
	if in.Email == "" || in.Password == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Email and password are required")
		return
	}
	s, err := a.Accounts.Signin(r.Context(), in.Email, in.Password)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (a *App) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	var in struct {
		RefreshToken string `json:"refreshToken"`
	}
	if !decodeJSON(w, r, &in) {
		return
	}
	if in.RefreshToken == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Refresh token is required")
		return
	}
	s, err := a.Accounts.Refresh(r.Context(), in.RefreshToken)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"accessToken": s.AccessToken})
}

func (a *App) HandleMe(w http.ResponseWriter, r *http.Request) {
	u, err := a.Accounts.Profile(r.Context(), mustClaims(r).UserID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user":         u,
		"capabilities": Capabilities(u.Tier),
	})
}

func (a *App) HandleReferrals(w http.ResponseWriter, r *http.Request) {
	sum, err := a.Accounts.Referrals(r.Context(), mustClaims(r).UserID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// HandleRealtime upgrades to a websocket. Browsers cannot set headers on the
// upgrade, so the access token may also come from the access_token query
// parameter.
func (a *App) HandleRealtime(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		token = r.URL.Query().Get("access_token")
	}
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required")
		return
	}
	claims, ok := a.Tokens.VerifyAccess(token)
	if !ok {
		writeError(w, http.StatusUnauthorized, "INVALID_TOKEN", "invalid or expired token")
		return
	}
	st, err := a.Status.Resolve(r.Context(), claims.UserID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if st.Banned {
		writeDomainError(w, ErrAccountSuspended)
		return
	}
	a.Hub.serve(w, r, claims.UserID, st.Admin, a.Origins)
}

// HandleTokenValidate reports whether an access token is currently valid
// GET /api/v1/auth/validate?token=...
func (a *App) HandleTokenValidate(w http.ResponseWriter, r *http.Request) {
	tokenStr := r.URL.Query().Get("token")
	if tokenStr == "" {
		tokenStr = bearerToken(r)
	}
	if tokenStr == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Token is required")
		return
	}
	claims, ok := a.Tokens.VerifyAccess(tokenStr)
	if !ok {
		writeError(w, http.StatusUnauthorized, "INVALID_TOKEN", "invalid or expired token")
		return
	}
	writeSuccess(w, http.StatusOK, map[string]interface{}{
		"valid":   true,
		"userId":  claims.UserID,
		"isAdmin": claims.IsAdmin,
		"exp":     claims.ExpiresAt.Unix(),
	})
}
