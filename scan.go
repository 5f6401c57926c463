package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/example/safebazaar/internal/assess"
)

const (
	maxBulkItems = 50

	maxNameLen        = 200
	maxURLLen         = 2048
	maxDescriptionLen = 5000
	maxShortFieldLen  = 120
)

// Assessor scores a product descriptor. *assess.Client is the production
// implementation.
type Assessor interface {
	Assess(ctx context.Context, p assess.Product) (assess.Result, error)
}

// Scanner runs the scan pipeline: quota, external assessment, persistence.
type Scanner struct {
	db       DB
	quota    *QuotaGate
	assessor Assessor
	timeout  time.Duration
	pacer    *rate.Limiter
	events   Publisher
	now      func() time.Time
}

func NewScanner(db DB, quota *QuotaGate, assessor Assessor, timeout time.Duration, bulkRate float64, events Publisher) *Scanner {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	limit := rate.Inf
	if bulkRate > 0 {
		limit = rate.Limit(bulkRate)
	}
	return &Scanner{
		db:       db,
		quota:    quota,
		assessor: assessor,
		timeout:  timeout,
		pacer:    rate.NewLimiter(limit, 1),
		events:   events,
		now:      time.Now,
	}
}

func validateProduct(p *assess.Product) error {
	p.Name = strings.TrimSpace(p.Name)
	p.URL = strings.TrimSpace(p.URL)
	p.ImageURL = strings.TrimSpace(p.ImageURL)
	p.Description = strings.TrimSpace(p.Description)
	p.Price = strings.TrimSpace(p.Price)
	p.Seller = strings.TrimSpace(p.Seller)
	p.Platform = strings.TrimSpace(p.Platform)

	if p.URL == "" && p.ImageURL == "" && p.Description == "" {
		return fmt.Errorf("%w: a product url, image url or description is required", ErrInvalidInput)
	}
	for _, u := range []string{p.URL, p.ImageURL} {
		if u == "" {
			continue
		}
		if len(u) > maxURLLen {
			return fmt.Errorf("%w: url exceeds %d characters", ErrInvalidInput, maxURLLen)
		}
		parsed, err := url.Parse(u)
		if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
			return fmt.Errorf("%w: %q is not an http(s) url", ErrInvalidInput, u)
		}
	}
	if len(p.Name) > maxNameLen {
		return fmt.Errorf("%w: name exceeds %d characters", ErrInvalidInput, maxNameLen)
	}
	if len(p.Description) > maxDescriptionLen {
		return fmt.Errorf("%w: description exceeds %d characters", ErrInvalidInput, maxDescriptionLen)
	}
	if len(p.Price) > maxShortFieldLen || len(p.Seller) > maxShortFieldLen || len(p.Platform) > maxShortFieldLen {
		return fmt.Errorf("%w: price, seller and platform are limited to %d characters", ErrInvalidInput, maxShortFieldLen)
	}
	return nil
}

// Submit scans one product for userID. The quota is consumed before the
// external call and the record is written only after a result exists, so a
// denied or failed scan leaves nothing behind. A scan lost to a gateway
// failure is given back.
func (s *Scanner) Submit(ctx context.Context, userID int64, p assess.Product) (*ScanRecord, error) {
	if err := validateProduct(&p); err != nil {
		return nil, err
	}
	st, err := s.quota.CheckAndConsume(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !st.Allowed {
		return nil, ErrQuotaExceeded
	}
	rec, err := s.assessAndStore(ctx, userID, p)
	if isGatewayError(err) {
		// the caller is told to retry, so the attempt is not charged
		if rerr := s.quota.Refund(context.WithoutCancel(ctx), userID, st); rerr != nil {
			log.Printf("[scan] user %d: %v", userID, rerr)
		}
	}
	return rec, err
}

func isGatewayError(err error) bool {
	return errors.Is(err, assess.ErrRateLimited) ||
		errors.Is(err, assess.ErrCreditsExhausted) ||
		errors.Is(err, assess.ErrUnavailable) ||
		errors.Is(err, assess.ErrTimeout)
}

func (s *Scanner) assessAndStore(ctx context.Context, userID int64, p assess.Product) (*ScanRecord, error) {
	actx, cancel := context.WithTimeout(ctx, s.timeout)
	res, err := s.assessor.Assess(actx, p)
	cancel()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, assess.ErrTimeout) {
			err = fmt.Errorf("%w: %v", assess.ErrTimeout, err)
		}
		return nil, err
	}

	a := res.Parsed
	defaulted := false
	if res.Malformed() {
		log.Printf("[scan] user %d: unparseable assessment (%d bytes), using conservative default", userID, len(res.Raw))
		c := assess.Conservative()
		a = &c
		defaulted = true
	}

	rec := &ScanRecord{
		ID:              uuid.NewString(),
		UserID:          userID,
		Product:         p,
		Score:           a.OverallScore,
		Verdict:         a.Verdict,
		RiskFactors:     a.RiskFactors,
		Recommendations: a.Recommendations,
		Defaulted:       defaulted,
		CreatedAt:       s.now().UTC(),
	}
	if rec.RiskFactors == nil {
		rec.RiskFactors = []assess.RiskFactor{}
	}
	if rec.Recommendations == nil {
		rec.Recommendations = []string{}
	}
	if err := s.db.CreateScan(ctx, rec); err != nil {
		return nil, fmt.Errorf("saving scan: %w", err)
	}
	if s.events != nil {
		s.events.Publish(Event{Type: EventScanCompleted, UserID: userID, Data: map[string]interface{}{
			"scanId": rec.ID, "score": rec.Score, "verdict": rec.Verdict,
		}})
	}
	return rec, nil
}

type BulkItemResult struct {
	Index   int         `json:"index"`
	Success bool        `json:"success"`
	Record  *ScanRecord `json:"record,omitempty"`
	Error   string      `json:"error,omitempty"`
}

type BulkSummary struct {
	Total      int `json:"total"`
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
}

type BulkResult struct {
	Results []BulkItemResult `json:"results"`
	Summary BulkSummary      `json:"summary"`
}

// SubmitBulk scans up to 50 products one after another, paced by the bulk
// limiter. A failing item is reported in place and does not stop the batch.
func (s *Scanner) SubmitBulk(ctx context.Context, userID int64, products []assess.Product) (*BulkResult, error) {
	if len(products) == 0 {
		return nil, fmt.Errorf("%w: at least one product is required", ErrInvalidInput)
	}
	if len(products) > maxBulkItems {
		return nil, ErrBulkLimit
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
	if !HasCapability(u.Tier, CapBulkScanning) {
		return nil, ErrFeatureLocked
	}

	out := &BulkResult{Results: make([]BulkItemResult, 0, len(products))}
	for i, p := range products {
		item := BulkItemResult{Index: i}
		if err := s.pacer.Wait(ctx); err != nil {
			item.Error = err.Error()
		} else if rec, err := s.Submit(ctx, userID, p); err != nil {
			item.Error = err.Error()
		} else {
			item.Success = true
			item.Record = rec
		}
		out.Results = append(out.Results, item)
	}

	out.Summary.Total = len(out.Results)
	for _, r := range out.Results {
		if r.Success {
			out.Summary.Successful++
		} else {
			out.Summary.Failed++
		}
	}
	log.Printf("[scan] bulk for user %d: %d/%d succeeded", userID, out.Summary.Successful, out.Summary.Total)
	return out, nil
}

// History lists the caller's scans, newest first.
func (s *Scanner) History(ctx context.Context, userID int64, limit, offset int) ([]*ScanRecord, error) {
	limit, offset = clampPage(limit, offset)
	scans, err := s.db.ListScans(ctx, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing scans: %w", err)
	}
	return scans, nil
}

// Get returns a scan owned by userID. Admins can read any scan; anyone else
// gets ErrNotFound for a scan that is not theirs.
func (s *Scanner) Get(ctx context.Context, userID int64, isAdmin bool, id string) (*ScanRecord, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}
	rec, err := s.db.GetScan(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.UserID != userID && !isAdmin {
		return nil, ErrNotFound
	}
	return rec, nil
}

func clampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
