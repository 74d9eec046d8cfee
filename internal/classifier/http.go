package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPConfig points at a zero-shot classification endpoint.
type HTTPConfig struct {
	Endpoint string
	APIKey   string
	Timeout  time.Duration
}

// HTTP calls a hosted zero-shot model. The request carries the text and the
// candidate labels; the response ranks labels by score.
type HTTP struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

type zeroShotRequest struct {
	Inputs     string           `json:"inputs"`
	Parameters zeroShotSettings `json:"parameters"`
}

type zeroShotSettings struct {
	CandidateLabels []string `json:"candidate_labels"`
}

type zeroShotResponse struct {
	Labels []string  `json:"labels"`
	Scores []float64 `json:"scores"`
}

// NewHTTP constructs an HTTP classifier.
func NewHTTP(cfg HTTPConfig) (*HTTP, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("classifier.endpoint is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTP{
		endpoint: cfg.Endpoint,
		apiKey:   cfg.APIKey,
		client:   &http.Client{Timeout: timeout},
	}, nil
}

// Classify implements crawler.Classifier and returns the top-ranked label.
func (c *HTTP) Classify(ctx context.Context, text string, labels []string) (string, error) {
	payload, err := json.Marshal(zeroShotRequest{
		Inputs:     text,
		Parameters: zeroShotSettings{CandidateLabels: labels},
	})
	if err != nil {
		return "", fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("call classifier: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck // body is drained below
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read classifier response: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		return "", fmt.Errorf("classifier returned %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	ranked, err := decodeRanking(body)
	if err != nil {
		return "", err
	}
	if len(ranked.Labels) == 0 {
		return "", fmt.Errorf("classifier returned no labels")
	}
	return ranked.Labels[0], nil
}

// decodeRanking accepts either a single ranking object or a one-element array of them.
func decodeRanking(body []byte) (zeroShotResponse, error) {
	var single zeroShotResponse
	if err := json.Unmarshal(body, &single); err == nil {
		return single, nil
	}
	var batch []zeroShotResponse
	if err := json.Unmarshal(body, &batch); err != nil {
		return zeroShotResponse{}, fmt.Errorf("decode classifier response: %w", err)
	}
	if len(batch) == 0 {
		return zeroShotResponse{}, fmt.Errorf("classifier returned an empty batch")
	}
	return batch[0], nil
}
