package drafter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPBackend calls an upstream generation endpoint over HTTP, POSTing
// the prompt and decoding params as JSON and expecting a JSON response
// carrying the generated text plus an optional self-reported
// hallucination score.
type HTTPBackend struct {
	endpoint string
	client   *http.Client
}

// NewHTTPBackend creates an HTTPBackend bound to endpoint, with timeout
// bounding each individual request (the Adapter itself handles the
// one-shot retry on top of this).
func NewHTTPBackend(endpoint string, timeout time.Duration) *HTTPBackend {
	return &HTTPBackend{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

type generateRequest struct {
	Prompt          string  `json:"prompt"`
	Temperature     float64 `json:"temperature"`
	GroundingWeight float64 `json:"grounding_weight"`
	MaxOutputTokens int     `json:"max_output_tokens"`
}

type generateResponse struct {
	Text          string   `json:"text"`
	Hallucination *float64 `json:"hallucination_self,omitempty"`
}

// Generate implements Backend.
func (b *HTTPBackend) Generate(ctx context.Context, prompt string, params Params) (string, *float64, error) {
	body, err := json.Marshal(generateRequest{
		Prompt:          prompt,
		Temperature:     params.Temperature,
		GroundingWeight: params.GroundingWeight,
		MaxOutputTokens: params.MaxOutputTokens,
	})
	if err != nil {
		return "", nil, fmt.Errorf("drafter: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", nil, fmt.Errorf("drafter: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return "", nil, fmt.Errorf("drafter: request to %s: %w", b.endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", nil, fmt.Errorf("drafter: %s returned %d: %s", b.endpoint, resp.StatusCode, string(msg))
	}

	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", nil, fmt.Errorf("drafter: decode response: %w", err)
	}
	return out.Text, out.Hallucination, nil
}
