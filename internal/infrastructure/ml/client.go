package ml

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"ResearchWriter/internal/citation"
	"ResearchWriter/internal/domain"
	"ResearchWriter/internal/ports"
)

// Client talks to an external ML service that rates papers against claims.
type Client struct {
	endpoint string
	apiKey   string
	http     *http.Client
}

var _ ports.Scorer = (*Client)(nil)

// NewClient creates a reusable HTTP client.
func NewClient(endpoint, apiKey string) *Client {
	return &Client{
		endpoint: strings.TrimRight(endpoint, "/"),
		apiKey:   apiKey,
		http:     &http.Client{Timeout: 15 * time.Second},
	}
}

// Score sends the claim and the paper abstract for rating.
func (c *Client) Score(ctx context.Context, claim string, paper domain.Paper) (domain.Score, error) {
	payload := map[string]any{
		"claim":    claim,
		"title":    paper.Title,
		"abstract": paper.Abstract,
		"year":     paper.Year,
	}

	var score domain.Score
	if err := c.post(ctx, "/score", payload, &score); err != nil {
		return domain.Score{}, err
	}
	return clamp(score), nil
}

func (c *Client) post(ctx context.Context, path string, payload any, v any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// OverlapScorer rates papers locally by token overlap. Relevance compares the
// claim to title and abstract; utility favours papers whose title alone
// covers the claim.
type OverlapScorer struct{}

var _ ports.Scorer = OverlapScorer{}

func (OverlapScorer) Score(_ context.Context, claim string, paper domain.Paper) (domain.Score, error) {
	return clamp(domain.Score{
		Relevance: citation.Overlap(claim, paper.Title+" "+paper.Abstract),
		Utility:   citation.Overlap(claim, paper.Title),
	}), nil
}

func clamp(s domain.Score) domain.Score {
	bound := func(v float64) float64 {
		switch {
		case v < 0:
			return 0
		case v > 1:
			return 1
		}
		return v
	}
	return domain.Score{Relevance: bound(s.Relevance), Utility: bound(s.Utility)}
}
