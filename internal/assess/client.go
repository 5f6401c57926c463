package assess

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const systemPrompt = `You are a fraud analyst for Kenyan online marketplaces (Jumia, Kilimall, Jiji, Facebook Marketplace, Instagram and WhatsApp sellers).
Assess how safe it is to buy the product described by the user. Consider price realism against Kenyan retail prices, seller reputation signals,
payment demands (M-Pesa to personal numbers, upfront deposits), counterfeit indicators, URL and domain trust, and urgency pressure.
Reply with a single JSON object and nothing else:
{"overall_score": 0-100 where 100 is safest, "verdict": "SAFE"|"CAUTION"|"DANGER",
 "risk_factors": [{"name": string, "score": 0-100, "detail": string}], "recommendations": [string]}`

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Client calls an OpenAI-compatible /chat/completions endpoint.
type Client struct {
	baseURL string
	apiKey  string
	model   string
	http    *http.Client
}

func NewClient(baseURL, apiKey, model string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		http:    httpClient,
	}
}

// Assess asks the gateway to score p. Transport and HTTP failures are
// returned as one of the package errors; a reply that arrives but cannot be
// parsed is not an error and comes back as a malformed Result.
func (c *Client) Assess(ctx context.Context, p Product) (Result, error) {
	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: describe(p)},
		},
		Temperature: 0.2,
	})
	if err != nil {
		return Result{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return Result{}, ErrTimeout
		}
		return Result{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return Result{}, ErrRateLimited
	case resp.StatusCode == http.StatusPaymentRequired:
		return Result{}, ErrCreditsExhausted
	case resp.StatusCode != http.StatusOK:
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Result{}, fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return Result{}, ErrTimeout
		}
		return Result{}, fmt.Errorf("%w: reading body: %v", ErrUnavailable, err)
	}
	var out chatResponse
	if err := json.Unmarshal(raw, &out); err != nil || len(out.Choices) == 0 {
		return Result{Raw: string(raw)}, nil
	}
	return Parse(out.Choices[0].Message.Content), nil
}

func describe(p Product) string {
	var b strings.Builder
	b.WriteString("Assess this product listing.\n")
	field := func(label, v string) {
		if v = strings.TrimSpace(v); v != "" {
			fmt.Fprintf(&b, "%s: %s\n", label, v)
		}
	}
	field("Name", p.Name)
	field("URL", p.URL)
	field("Image", p.ImageURL)
	field("Price", p.Price)
	field("Seller", p.Seller)
	field("Platform", p.Platform)
	field("Description", p.Description)
	return b.String()
}
