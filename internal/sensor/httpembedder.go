package sensor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPEmbedder calls an embedding service over HTTP, following the
// request/response shape of a typical single-text embedding endpoint:
// POST {"input": text} -> {"embedding": [...]}.
type HTTPEmbedder struct {
	endpoint string
	client   *http.Client
}

// NewHTTPEmbedder creates an HTTPEmbedder bound to endpoint. An empty
// endpoint is never passed a live request; callers should instead leave
// the Sensor/Verifier's embedder nil to force the Jaccard fallback.
func NewHTTPEmbedder(endpoint string, timeout time.Duration) *HTTPEmbedder {
	return &HTTPEmbedder{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

type embedRequest struct {
	Input string `json:"input"`
}

type embedResponse struct {
	Embedding []float64 `json:"embedding"`
}

// Embed implements Embedder.
func (e *HTTPEmbedder) Embed(text string) ([]float64, error) {
	body, err := json.Marshal(embedRequest{Input: text})
	if err != nil {
		return nil, fmt.Errorf("sensor: marshal embed request: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.client.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("sensor: build embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sensor: embed request to %s: %w", e.endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("sensor: %s returned %d: %s", e.endpoint, resp.StatusCode, string(msg))
	}

	var out embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("sensor: decode embed response: %w", err)
	}
	return out.Embedding, nil
}
