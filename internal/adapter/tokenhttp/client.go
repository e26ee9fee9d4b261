// Package tokenhttp implements the repository token exchange client
// against the deployment's token service REST API.
package tokenhttp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Strob0t/SessionForge/internal/config"
	"github.com/Strob0t/SessionForge/internal/port/tokenservice"
)

// Client exchanges installation ids for short-lived repository tokens.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a token service client from configuration.
func NewClient(cfg config.TokenSvc) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimSuffix(cfg.URL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// exchangeResponse mirrors the token service response body.
type exchangeResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Exchange requests a fresh repository access token for the installation.
func (c *Client) Exchange(ctx context.Context, installationID, appType string) (*tokenservice.Token, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("token service not configured")
	}
	if installationID == "" {
		return nil, fmt.Errorf("installation id required")
	}

	payload, err := json.Marshal(map[string]string{
		"installation_id": installationID,
		"app_type":        appType,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal exchange request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/tokens/exchange", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token exchange request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("token service %d: %s", resp.StatusCode, string(body))
	}

	var out exchangeResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	if out.Token == "" {
		return nil, fmt.Errorf("token service returned empty token")
	}

	return &tokenservice.Token{Value: out.Token, ExpiresAt: out.ExpiresAt}, nil
}
