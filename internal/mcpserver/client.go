package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Config holds the configuration for connecting to the Paylane platform.
type Config struct {
	APIURL       string // Base URL, e.g. "http://localhost:8080"
	OwnerAddress string // Owner's address, e.g. "0x..."
}

// PaylaneClient is a pure HTTP client for the Paylane platform API.
type PaylaneClient struct {
	cfg        Config
	httpClient *http.Client
}

// NewPaylaneClient creates a new client for the Paylane platform.
func NewPaylaneClient(cfg Config) *PaylaneClient {
	return &PaylaneClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the platform.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request to the platform and returns the response body.
func (c *PaylaneClient) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// GetSession returns one spending session by ID.
func (c *PaylaneClient) GetSession(ctx context.Context, sessionID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/sessions/"+sessionID, nil, nil)
}

// ListSessions lists the owner's spending sessions.
func (c *PaylaneClient) ListSessions(ctx context.Context, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/v1/owners/" + c.cfg.OwnerAddress + "/sessions"
	return c.doRequest(ctx, http.MethodGet, path, q, nil)
}

// GetRelayStatus returns the pipeline state of one relayed payment.
func (c *PaylaneClient) GetRelayStatus(ctx context.Context, paymentID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/relay/"+paymentID, nil, nil)
}

// GetSettlement returns a settlement record with its allocation lines.
func (c *PaylaneClient) GetSettlement(ctx context.Context, paymentIntentID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/settlements/"+paymentIntentID, nil, nil)
}

// GetSettlementStats returns settlement counts grouped by status.
func (c *PaylaneClient) GetSettlementStats(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/settlements/stats", nil, nil)
}

// GetPlatformInfo returns platform metadata: relayer address, chain, contract.
func (c *PaylaneClient) GetPlatformInfo(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/platform", nil, nil)
}

// GetPlatformStats returns live platform statistics.
func (c *PaylaneClient) GetPlatformStats(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/platform/stats", nil, nil)
}
