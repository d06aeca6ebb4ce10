// Package ledger provides the HTTP client for the external immutable
// ledger service. Appends are accepted or rejected whole; the service
// never revokes an accepted transaction.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"stayswap/internal/swap"
)

const defaultTimeout = 10 * time.Second

// HTTPClient submits ledger payloads to the ledger service over JSON/HTTP.
// It performs exactly one append per Submit call; retry policy belongs to
// the caller.
type HTTPClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// Option configures an HTTPClient.
type Option func(*HTTPClient)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(h *HTTPClient) { h.client = c }
}

// WithAPIKey sets the bearer token sent with every request.
func WithAPIKey(key string) Option {
	return func(h *HTTPClient) { h.apiKey = key }
}

// NewHTTPClient constructs a ledger client for the given base URL.
func NewHTTPClient(baseURL string, opts ...Option) *HTTPClient {
	h := &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Submit appends one payload to the ledger and returns the receipt.
func (h *HTTPClient) Submit(ctx context.Context, payload swap.LedgerPayload) (swap.LedgerReceipt, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return swap.LedgerReceipt{}, fmt.Errorf("encode ledger payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/transactions", bytes.NewReader(body))
	if err != nil {
		return swap.LedgerReceipt{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if h.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.apiKey)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return swap.LedgerReceipt{}, fmt.Errorf("ledger request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return swap.LedgerReceipt{}, fmt.Errorf("ledger returned %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	var receipt swap.LedgerReceipt
	if err := json.NewDecoder(resp.Body).Decode(&receipt); err != nil {
		return swap.LedgerReceipt{}, fmt.Errorf("decode ledger receipt: %w", err)
	}
	return receipt, nil
}
