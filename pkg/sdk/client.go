// Package sdk is the typed Go client for the noema gateway.
//
// Quick start:
//
//	client := sdk.NewClient(sdk.Config{
//	    GatewayURL: "https://api.noema.example.com",
//	    APIKey:     os.Getenv("NOEMA_API_KEY"),
//	})
//
//	result, err := client.Execute(ctx, "make-image", map[string]interface{}{
//	    "prompt": "a lighthouse at dusk",
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	gen, err := client.WaitForGeneration(ctx, result.GenerationID, 2*time.Second)
//
// Every gateway error carries its stable kind; branch with errors.As:
//
//	var apiErr *sdk.APIError
//	if errors.As(err, &apiErr) && apiErr.Kind == "INSUFFICIENT_FUNDS" {
//	    // top up and retry
//	}
package sdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const apiBase = "/api/v1"

// Config holds the client configuration.
type Config struct {
	// GatewayURL is the noema endpoint (required).
	// Examples: "https://api.noema.example.com", "http://localhost:8080"
	GatewayURL string

	// APIKey authenticates requests (sat_... secret).
	APIKey string

	// Timeout per request (default 30s).
	Timeout time.Duration

	// HTTPClient overrides the transport; Timeout is ignored when set.
	HTTPClient *http.Client
}

// Client talks to the noema REST gateway.
type Client struct {
	config     Config
	httpClient *http.Client
}

func NewClient(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{
		config:     cfg,
		httpClient: httpClient,
	}
}

// APIError is a gateway rejection: the HTTP status plus the stable error
// kind the platform reports across every transport.
type APIError struct {
	Status  int
	Kind    string
	Message string
}

func (e *APIError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("noema-sdk: %s (%s, http %d)", e.Message, e.Kind, e.Status)
	}
	return fmt.Sprintf("noema-sdk: http %d: %s", e.Status, e.Message)
}

func apiError(status int, raw []byte) error {
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(raw, &envelope) == nil && envelope.Error.Code != "" {
		return &APIError{Status: status, Kind: envelope.Error.Code, Message: envelope.Error.Message}
	}
	return &APIError{Status: status, Message: strings.TrimSpace(string(raw))}
}

func (c *Client) newRequest(ctx context.Context, method, path string, in interface{}) (*http.Request, error) {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("noema-sdk: marshal request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.config.GatewayURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("noema-sdk: build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.config.APIKey != "" {
		req.Header.Set("X-API-Key", c.config.APIKey)
	}
	return req, nil
}

// do runs one round trip and decodes the JSON answer into out (skipped when
// out is nil). Non-2xx answers become *APIError.
func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	req, err := c.newRequest(ctx, method, path, in)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("noema-sdk: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("noema-sdk: read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return apiError(resp.StatusCode, raw)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("noema-sdk: parse response: %w", err)
	}
	return nil
}

// ==== catalog ===============================================================

// Tools lists every registered tool with its schema and costing model.
// Public: no API key needed.
func (c *Client) Tools(ctx context.Context) ([]Tool, error) {
	var out struct {
		Tools []Tool `json:"tools"`
	}
	if err := c.do(ctx, http.MethodGet, apiBase+"/tools/registry", nil, &out); err != nil {
		return nil, err
	}
	return out.Tools, nil
}

// SearchLoras queries the public LoRA catalog. query substring-matches
// names, trigger words and tags; checkpoint and limit are optional.
func (c *Client) SearchLoras(ctx context.Context, query, checkpoint string, limit int) ([]Lora, error) {
	q := url.Values{}
	if query != "" {
		q.Set("q", query)
	}
	if checkpoint != "" {
		q.Set("checkpoint", checkpoint)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := apiBase + "/loras/list"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var out struct {
		Loras []Lora `json:"loras"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Loras, nil
}

// ==== generation ============================================================

// Execute submits a tool run. Immediate tools return the finished record;
// async tools return a poll handle — follow up with Generation or
// WaitForGeneration.
func (c *Client) Execute(ctx context.Context, toolID string, inputs map[string]interface{}) (*ExecuteResult, error) {
	body := map[string]interface{}{
		"toolId": toolID,
		"inputs": inputs,
	}
	var out ExecuteResult
	if err := c.do(ctx, http.MethodPost, apiBase+"/generation/execute", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Generation fetches the current lifecycle record.
func (c *Client) Generation(ctx context.Context, generationID string) (*Generation, error) {
	var out Generation
	if err := c.do(ctx, http.MethodGet, apiBase+"/generation/status/"+url.PathEscape(generationID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// WaitForGeneration polls until the generation reaches a terminal status or
// ctx ends. A zero interval polls every 2s.
func (c *Client) WaitForGeneration(ctx context.Context, generationID string, interval time.Duration) (*Generation, error) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		gen, err := c.Generation(ctx, generationID)
		if err != nil {
			return nil, err
		}
		if gen.Done() {
			return gen, nil
		}
		select {
		case <-ctx.Done():
			return gen, ctx.Err()
		case <-ticker.C:
		}
	}
}

// CancelGeneration requests cancellation of a pending or processing run.
func (c *Client) CancelGeneration(ctx context.Context, generationID string) (*Generation, error) {
	var out Generation
	if err := c.do(ctx, http.MethodPost, apiBase+"/generation/cancel/"+url.PathEscape(generationID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ==== credits ===============================================================

// Points reports the spendable balance and pricing tier.
func (c *Client) Points(ctx context.Context) (*Balance, error) {
	var out Balance
	if err := c.do(ctx, http.MethodGet, apiBase+"/points", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PointsHistory lists ledger entries, newest first.
func (c *Client) PointsHistory(ctx context.Context, limit int) ([]Deposit, error) {
	path := apiBase + "/points/history"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out struct {
		Entries []Deposit `json:"entries"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Entries, nil
}

// ==== preferences ===========================================================

// Preferences fetches the account's saved defaults.
func (c *Client) Preferences(ctx context.Context) (*Preferences, error) {
	var out Preferences
	if err := c.do(ctx, http.MethodGet, apiBase+"/users/preferences", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SavePreferences replaces the account's saved defaults wholesale.
func (c *Client) SavePreferences(ctx context.Context, prefs Preferences) (*Preferences, error) {
	var out Preferences
	if err := c.do(ctx, http.MethodPut, apiBase+"/users/preferences", prefs, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ==== wallet linking ========================================================

// InitiateWalletLink opens a magic-amount link request for the calling
// account. Show the user the amount and deposit address; poll
// WalletLinkStatus until it completes or expires.
func (c *Client) InitiateWalletLink(ctx context.Context) (*WalletLinkRequest, error) {
	var out WalletLinkRequest
	if err := c.do(ctx, http.MethodPost, apiBase+"/wallets/initiate", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// WalletLinkStatus polls a link request. ALREADY_CLAIMED arrives as a
// normal state (the gateway answers 410), not as an error, so pollers can
// tell "claimed earlier" apart from "request unknown".
func (c *Client) WalletLinkStatus(ctx context.Context, requestID string) (*WalletLinkState, error) {
	req, err := c.newRequest(ctx, http.MethodGet, apiBase+"/wallets/status/"+url.PathEscape(requestID), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("noema-sdk: wallet link status: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("noema-sdk: read response: %w", err)
	}
	if resp.StatusCode >= 400 && resp.StatusCode != http.StatusGone {
		return nil, apiError(resp.StatusCode, raw)
	}

	var out WalletLinkState
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("noema-sdk: parse response: %w", err)
	}
	return &out, nil
}
