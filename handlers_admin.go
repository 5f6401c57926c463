package main

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
)

func targetID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid user id")
		return 0, false
	}
	return id, true
}

// HandleListUsers lists accounts
// GET /api/v1/admin/users
func (a *App) HandleListUsers(w http.ResponseWriter, r *http.Request) {
	limit, offset := pageParams(r)
	users, err := a.Admin.ListUsers(r.Context(), limit, offset)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]interface{}{"users": users})
}

func (a *App) handleBan(w http.ResponseWriter, r *http.Request, banned bool) {
	id, ok := targetID(w, r)
	if !ok {
		return
	}
	var in struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength > 0 && !decodeJSON(w, r, &in) {
		return
	}
	u, err := a.Admin.SetBanned(r.Context(), mustClaims(r).UserID, id, banned, in.Reason)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]interface{}{"user": u})
}

// HandleBanUser suspends an account
// POST /api/v1/admin/users/{id}/ban
func (a *App) HandleBanUser(w http.ResponseWriter, r *http.Request) { a.handleBan(w, r, true) }

// HandleUnbanUser lifts a suspension
// POST /api/v1/admin/users/{id}/unban
func (a *App) HandleUnbanUser(w http.ResponseWriter, r *http.Request) { a.handleBan(w, r, false) }

// HandleSetTier changes a user's tier without a payment
// POST /api/v1/admin/users/{id}/tier
func (a *App) HandleSetTier(w http.ResponseWriter, r *http.Request) {
	id, ok := targetID(w, r)
	if !ok {
		return
	}
	var in struct {
		Tier Tier `json:"tier"`
	}
	if !decodeJSON(w, r, &in) {
		return
	}
	u, err := a.Admin.SetTier(r.Context(), mustClaims(r).UserID, id, in.Tier)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]interface{}{"user": u})
}

// HandleSetRole promotes or demotes a user
// POST /api/v1/admin/users/{id}/role
func (a *App) HandleSetRole(w http.ResponseWriter, r *http.Request) {
	id, ok := targetID(w, r)
	if !ok {
		return
	}
	var in struct {
		Role Role `json:"role"`
	}
	if !decodeJSON(w, r, &in) {
		return
	}
	u, err := a.Admin.SetRole(r.Context(), mustClaims(r).UserID, id, in.Role)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]interface{}{"user": u})
}

// HandleListActions returns the moderation audit log, newest first
// GET /api/v1/admin/actions
func (a *App) HandleListActions(w http.ResponseWriter, r *http.Request) {
	limit, offset := pageParams(r)
	actions, err := a.Admin.ListActions(r.Context(), limit, offset)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]interface{}{"actions": actions})
}

// HandleAdminScans lists scans across users, optionally for one user
// GET /api/v1/admin/scans?user_id=
func (a *App) HandleAdminScans(w http.ResponseWriter, r *http.Request) {
	var userID int64
	if raw := r.URL.Query().Get("user_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid user_id")
			return
		}
		userID = id
	}
	limit, offset := pageParams(r)
	scans, err := a.Admin.ListScans(r.Context(), userID, limit, offset)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]interface{}{"scans": scans})
}
