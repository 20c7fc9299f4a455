package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"time"

	"github.com/noemahq/noema/internal/circuitbreaker"
	"github.com/noemahq/noema/internal/core"
)

const vastDefaultBaseURL = "https://console.vast.ai"

// VastClient is the thin HTTP surface of the VastAI marketplace: search
// offers, rent, inspect, destroy. The provisioning state machine lives on
// top of it.
type VastClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	breaker    *circuitbreaker.Breaker
	logger     *log.Logger
}

func NewVastClient(baseURL, apiKey string) *VastClient {
	if baseURL == "" {
		baseURL = vastDefaultBaseURL
	}
	return &VastClient{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		breaker:    circuitbreaker.New(circuitbreaker.Config{Name: "vast.ai"}),
		logger:     log.New(log.Writer(), "[VAST] ", log.LstdFlags),
	}
}

// Offer is a rentable GPU listing.
type Offer struct {
	ID          int64   `json:"id"`
	GPUName     string  `json:"gpu_name"`
	NumGPUs     int     `json:"num_gpus"`
	DphTotal    float64 `json:"dph_total"` // dollars per hour
	Reliability float64 `json:"reliability2"`
	DiskSpace   float64 `json:"disk_space"`
}

// Instance is a rented machine.
type Instance struct {
	ID           int64   `json:"id"`
	ActualStatus string  `json:"actual_status"` // loading | running | exited
	GPUName      string  `json:"gpu_name"`
	SSHHost      string  `json:"ssh_host"`
	SSHPort      int     `json:"ssh_port"`
	Label        string  `json:"label"`
	DphTotal     float64 `json:"dph_total"`
	StartDate    float64 `json:"start_date"` // unix seconds
}

func (c *VastClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return core.Wrap(core.KindInvalidInput, err, "marshal vast request")
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return core.Wrap(core.KindUpstreamFailed, err, "build vast request")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	// Transport errors and 5xx trip the breaker; 4xx means we sent a bad
	// request and says nothing about marketplace health.
	var resp *http.Response
	err = c.breaker.Do(func() error {
		r, err := c.httpClient.Do(req)
		if err != nil {
			return core.Wrap(core.KindUpstreamFailed, err, "vast %s %s", method, path)
		}
		if r.StatusCode >= 500 {
			msg, _ := io.ReadAll(io.LimitReader(r.Body, 2048))
			r.Body.Close()
			return core.E(core.KindUpstreamFailed, "vast %s %s returned %d: %s", method, path, r.StatusCode, msg)
		}
		resp = r
		return nil
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return core.Wrap(core.KindUpstreamFailed, err, "vast.ai marketplace unavailable")
	}
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return core.E(core.KindUpstreamFailed, "vast %s %s returned %d: %s", method, path, resp.StatusCode, msg)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// SearchOffers lists rentable single-GPU offers of the given GPU type,
// cheapest first.
func (c *VastClient) SearchOffers(ctx context.Context, gpuName string, limit int) ([]Offer, error) {
	if limit <= 0 {
		limit = 10
	}
	query := map[string]interface{}{
		"gpu_name":     map[string]interface{}{"eq": gpuName},
		"num_gpus":     map[string]interface{}{"eq": 1},
		"rentable":     map[string]interface{}{"eq": true},
		"reliability2": map[string]interface{}{"gt": 0.95},
		"order":        []interface{}{[]interface{}{"dph_total", "asc"}},
		"type":         "ask",
		"limit":        limit,
	}
	raw, err := json.Marshal(query)
	if err != nil {
		return nil, core.Wrap(core.KindInvalidInput, err, "marshal offer query")
	}

	var out struct {
		Offers []Offer `json:"offers"`
	}
	path := "/api/v0/bundles?q=" + url.QueryEscape(string(raw))
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	c.logger.Printf("Found %d offers for %s", len(out.Offers), gpuName)
	return out.Offers, nil
}

// RentRequest configures the rented instance.
type RentRequest struct {
	Image   string            `json:"image"`
	DiskGB  float64           `json:"disk"`
	OnStart string            `json:"onstart_cmd,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Label   string            `json:"label,omitempty"`
}

// RentOffer accepts an ask. Returns the new instance (contract) id. Offers
// are routinely snatched between search and rent; that surfaces here as an
// upstream error the provisioner treats as "next offer".
func (c *VastClient) RentOffer(ctx context.Context, offerID int64, req RentRequest) (int64, error) {
	var out struct {
		Success     bool  `json:"success"`
		NewContract int64 `json:"new_contract"`
	}
	if err := c.do(ctx, http.MethodPut, fmt.Sprintf("/api/v0/asks/%d/", offerID), req, &out); err != nil {
		return 0, err
	}
	if !out.Success || out.NewContract == 0 {
		return 0, core.E(core.KindUpstreamFailed, "offer %d no longer rentable", offerID)
	}
	c.logger.Printf("✅ Rented offer %d → instance %d", offerID, out.NewContract)
	return out.NewContract, nil
}

// GetInstance fetches current instance state.
func (c *VastClient) GetInstance(ctx context.Context, instanceID int64) (*Instance, error) {
	var out struct {
		Instances Instance `json:"instances"`
	}
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/v0/instances/%d/", instanceID), nil, &out); err != nil {
		return nil, err
	}
	return &out.Instances, nil
}

// ListInstances returns every instance owned by the account. The sweeper
// uses this to find orphans.
func (c *VastClient) ListInstances(ctx context.Context) ([]Instance, error) {
	var out struct {
		Instances []Instance `json:"instances"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v0/instances/", nil, &out); err != nil {
		return nil, err
	}
	return out.Instances, nil
}

// AttachSSHKey registers our public key with the instance.
func (c *VastClient) AttachSSHKey(ctx context.Context, instanceID int64, publicKey string) error {
	body := map[string]string{"ssh_key": publicKey}
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/api/v0/instances/%d/ssh/", instanceID), body, nil)
}

// DestroyInstance terminates and stops billing. Idempotent: destroying a
// dead instance returns success.
func (c *VastClient) DestroyInstance(ctx context.Context, instanceID int64) error {
	if err := c.do(ctx, http.MethodDelete, fmt.Sprintf("/api/v0/instances/%d/", instanceID), nil, nil); err != nil {
		return err
	}
	c.logger.Printf("🗑️ Destroyed instance %d", instanceID)
	return nil
}
