// Package assess talks to the chat-completion gateway that scores products
// for fraud risk, and turns its free-text reply into a typed result.
package assess

import (
	"encoding/json"
	"errors"
	"strings"
)

// Gateway failures. Each maps to a distinct user-facing response.
var (
	ErrRateLimited      = errors.New("assessment gateway rate limited")
	ErrCreditsExhausted = errors.New("assessment gateway credits exhausted")
	ErrUnavailable      = errors.New("assessment gateway unavailable")
	ErrTimeout          = errors.New("assessment gateway timed out")
)

type Verdict string

const (
	VerdictSafe    Verdict = "SAFE"
	VerdictCaution Verdict = "CAUTION"
	VerdictDanger  Verdict = "DANGER"
)

func (v Verdict) Valid() bool {
	switch v {
	case VerdictSafe, VerdictCaution, VerdictDanger:
		return true
	}
	return false
}

// VerdictForScore derives a verdict from a safety score where 100 is safest.
func VerdictForScore(score int) Verdict {
	switch {
	case score >= 70:
		return VerdictSafe
	case score >= 40:
		return VerdictCaution
	default:
		return VerdictDanger
	}
}

// Product is what a shopper submits for assessment. At least one of URL,
// ImageURL or Description must be set.
type Product struct {
	Name        string `json:"name,omitempty"`
	URL         string `json:"url,omitempty"`
	ImageURL    string `json:"imageUrl,omitempty"`
	Description string `json:"description,omitempty"`
	Price       string `json:"price,omitempty"`
	Seller      string `json:"seller,omitempty"`
	Platform    string `json:"platform,omitempty"`
}

type RiskFactor struct {
	Name   string `json:"name"`
	Score  int    `json:"score"`
	Detail string `json:"detail"`
}

type Assessment struct {
	OverallScore    int          `json:"overall_score"`
	Verdict         Verdict      `json:"verdict"`
	RiskFactors     []RiskFactor `json:"risk_factors"`
	Recommendations []string     `json:"recommendations"`
}

// Conservative is the result substituted for a reply that could not be parsed.
func Conservative() Assessment {
	return Assessment{
		OverallScore:    50,
		Verdict:         VerdictCaution,
		RiskFactors:     []RiskFactor{},
		Recommendations: []string{"manual review recommended"},
	}
}

// Result is either a parsed assessment or the raw reply that failed to parse.
type Result struct {
	Parsed *Assessment
	Raw    string
}

func (r Result) Malformed() bool { return r.Parsed == nil }

type wireAssessment struct {
	OverallScore    *float64     `json:"overall_score"`
	Verdict         string       `json:"verdict"`
	RiskFactors     []RiskFactor `json:"risk_factors"`
	Recommendations []string     `json:"recommendations"`
}

// Parse interprets a model reply. Replies wrapped in markdown fences or
// surrounded by prose are accepted as long as a single JSON object with an
// overall_score can be extracted.
func Parse(raw string) Result {
	body := extractObject(raw)
	if body == "" {
		return Result{Raw: raw}
	}
	var w wireAssessment
	if err := json.Unmarshal([]byte(body), &w); err != nil || w.OverallScore == nil {
		return Result{Raw: raw}
	}

	a := Assessment{
		OverallScore:    clamp(int(*w.OverallScore)),
		Verdict:         Verdict(strings.ToUpper(strings.TrimSpace(w.Verdict))),
		RiskFactors:     make([]RiskFactor, 0, len(w.RiskFactors)),
		Recommendations: w.Recommendations,
	}
	if !a.Verdict.Valid() {
		a.Verdict = VerdictForScore(a.OverallScore)
	}
	for _, f := range w.RiskFactors {
		if strings.TrimSpace(f.Name) == "" {
			continue
		}
		f.Score = clamp(f.Score)
		a.RiskFactors = append(a.RiskFactors, f)
	}
	if a.Recommendations == nil {
		a.Recommendations = []string{}
	}
	return Result{Parsed: &a, Raw: raw}
}

func extractObject(raw string) string {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return ""
	}
	return s[start : end+1]
}

func clamp(n int) int {
	if n < 0 {
		return 0
	}
	if n > 100 {
		return 100
	}
	return n
}
