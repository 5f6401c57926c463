package main

import (
	"errors"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/example/safebazaar/internal/assess"
)

func (a *App) HandleQuota(w http.ResponseWriter, r *http.Request) {
	st, err := a.Quota.Peek(r.Context(), mustClaims(r).UserID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *App) HandleScan(w http.ResponseWriter, r *http.Request) {
	var p assess.Product
	if !decodeJSON(w, r, &p) {
		return
	}
	rec, err := a.Scanner.Submit(r.Context(), mustClaims(r).UserID, p)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *App) HandleBulkScan(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Products []assess.Product `json:"products"`
	}
	if !decodeJSON(w, r, &in) {
		return
	}
	res, err := a.Scanner.SubmitBulk(r.Context(), mustClaims(r).UserID, in.Products)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// HandleBulkImport runs a bulk scan over the rows of an uploaded xlsx sheet
// sent as the multipart field "file".
func (a *App) HandleBulkImport(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxImageBytes)
	f, _, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "File is required")
		return
	}
	defer f.Close()

	products, err := ParseProductSheet(f)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	res, err := a.Scanner.SubmitBulk(r.Context(), mustClaims(r).UserID, products)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// HandleImageUpload stores a product photo and returns the URL to submit as
// imageUrl.
func (a *App) HandleImageUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxImageBytes+(1<<20))
	f, _, err := r.FormFile("image")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "INVALID_REQUEST", "Image must be at most 8 MiB")
			return
		}
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Image is required")
		return
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxImageBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Failed to read image")
		return
	}
	url, err := a.Images.Upload(r.Context(), mustClaims(r).UserID, data)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"imageUrl": url})
}

func (a *App) HandleScanHistory(w http.ResponseWriter, r *http.Request) {
	limit, offset := pageParams(r)
	scans, err := a.Scanner.History(r.Context(), mustClaims(r).UserID, limit, offset)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"scans": scans})
}

// HandleGetScan serves a single scan to its owner. Admin access is decided
// from the current status, not the token.
func (a *App) HandleGetScan(w http.ResponseWriter, r *http.Request) {
	claims := mustClaims(r)
	isAdmin := false
	if claims.IsAdmin {
		if st, err := a.Status.Resolve(r.Context(), claims.UserID); err == nil {
			isAdmin = st.Admin && !st.Banned
		}
	}
	rec, err := a.Scanner.Get(r.Context(), claims.UserID, isAdmin, mux.Vars(r)["id"])
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}
