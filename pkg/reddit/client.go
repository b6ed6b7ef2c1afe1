// Package reddit is the orchestrator-side client for the Reddit sidecar.
// The sidecar is reached only over its local HTTP API; any failure is
// reported to the caller, which treats it as "no community insights".
package reddit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shao3d/experts-panel/pkg/models"
)

// Client calls the sidecar's POST /search endpoint.
type Client struct {
	baseURL    string
	userAgent  string
	httpClient *http.Client
}

// NewClient creates a sidecar client. Returns nil when baseURL is empty
// so callers can pass the result straight to the orchestrator.
func NewClient(baseURL, userAgent string, timeout time.Duration) *Client {
	if baseURL == "" {
		return nil
	}
	return &Client{
		baseURL:    baseURL,
		userAgent:  userAgent,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type searchRequest struct {
	Query string `json:"query"`
	Limit int    `json:"limit"`
}

// Search asks the sidecar for aggregated community insights.
func (c *Client) Search(ctx context.Context, query string, limit int) (*models.RedditResponse, error) {
	body, err := json.Marshal(searchRequest{Query: query, Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("marshal search request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/search", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build search request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("reddit proxy unreachable: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		// The proxy returns {error, message} on failures; surface the
		// message when present, the status code otherwise.
		var proxyErr struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(data, &proxyErr) == nil && proxyErr.Message != "" {
			return nil, fmt.Errorf("reddit proxy: %s", proxyErr.Message)
		}
		return nil, fmt.Errorf("reddit proxy returned status %d", resp.StatusCode)
	}

	var out models.RedditResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode reddit response: %w", err)
	}
	return &out, nil
}
