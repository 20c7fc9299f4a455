package runtime

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/noemahq/noema/internal/circuitbreaker"
	"github.com/noemahq/noema/internal/core"
)

const comfyDefaultBaseURL = "https://api.comfydeploy.com"

// ComfyRuntime drives ComfyDeploy deployments. Runs are asynchronous: submit
// queues the run, progress and terminal state arrive as webhooks.
type ComfyRuntime struct {
	baseURL    string
	apiKey     string
	webhookURL string // public callback advertised on every submit
	secret     string // shared secret for webhook signature checks
	httpClient *http.Client
	breaker    *circuitbreaker.Breaker
	logger     *log.Logger
}

type ComfyConfig struct {
	BaseURL    string
	APIKey     string
	WebhookURL string
	Secret     string
}

func NewComfyRuntime(cfg ComfyConfig) *ComfyRuntime {
	base := cfg.BaseURL
	if base == "" {
		base = comfyDefaultBaseURL
	}
	return &ComfyRuntime{
		baseURL:    base,
		apiKey:     cfg.APIKey,
		webhookURL: cfg.WebhookURL,
		secret:     cfg.Secret,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		breaker:    circuitbreaker.New(circuitbreaker.Config{Name: "comfydeploy"}),
		logger:     log.New(log.Writer(), "[COMFY] ", log.LstdFlags),
	}
}

func (c *ComfyRuntime) Service() string { return "comfyui" }

// send pushes one request through the provider breaker. Transport errors
// and 5xx count against the circuit; 4xx reaches the caller with the body
// intact since it carries run-specific meaning (bad inputs, missing run).
func (c *ComfyRuntime) send(req *http.Request, op string) (*http.Response, error) {
	var resp *http.Response
	err := c.breaker.Do(func() error {
		r, err := c.httpClient.Do(req)
		if err != nil {
			return core.Wrap(core.KindUpstreamFailed, err, "comfydeploy %s", op)
		}
		if r.StatusCode >= 500 {
			raw, _ := io.ReadAll(io.LimitReader(r.Body, 2048))
			r.Body.Close()
			return core.E(core.KindUpstreamFailed, "comfydeploy %s returned %d: %s", op, r.StatusCode, raw)
		}
		resp = r
		return nil
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return nil, core.Wrap(core.KindUpstreamFailed, err, "comfydeploy unavailable")
	}
	if err != nil {
		return nil, err
	}
	return resp, nil
}

type comfySubmitRequest struct {
	DeploymentID string                 `json:"deployment_id"`
	Inputs       map[string]interface{} `json:"inputs"`
	Webhook      string                 `json:"webhook,omitempty"`
}

type comfySubmitResponse struct {
	RunID string `json:"run_id"`
}

// Submit queues the run on the deployment named by the tool's metadata.
func (c *ComfyRuntime) Submit(ctx context.Context, gen *core.Generation, tool *core.Tool, inputs map[string]interface{}) (SubmitResult, error) {
	deploymentID := tool.Metadata["deploymentId"]
	if deploymentID == "" {
		return SubmitResult{}, core.E(core.KindInvalidInput, "tool %s has no deploymentId", tool.ToolID)
	}

	body, err := json.Marshal(comfySubmitRequest{
		DeploymentID: deploymentID,
		Inputs:       inputs,
		Webhook:      c.webhookURL,
	})
	if err != nil {
		return SubmitResult{}, core.Wrap(core.KindInvalidInput, err, "marshal submit body")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/run/deployment/queue", bytes.NewReader(body))
	if err != nil {
		return SubmitResult{}, core.Wrap(core.KindUpstreamFailed, err, "build submit request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.send(req, "submit")
	if err != nil {
		return SubmitResult{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return SubmitResult{}, core.E(core.KindUpstreamFailed, "comfydeploy submit returned %d: %s", resp.StatusCode, raw)
	}

	var out comfySubmitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return SubmitResult{}, core.Wrap(core.KindUpstreamFailed, err, "decode submit response")
	}
	if out.RunID == "" {
		return SubmitResult{}, core.E(core.KindUpstreamFailed, "comfydeploy returned no run_id")
	}

	c.logger.Printf("✅ Queued run %s on deployment %s (generation %s)", out.RunID, deploymentID, gen.ID)
	return SubmitResult{RunID: out.RunID}, nil
}

// Cancel asks ComfyDeploy to stop the run. 404s are swallowed: the run is
// already gone.
func (c *ComfyRuntime) Cancel(ctx context.Context, runID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/api/run/%s/cancel", c.baseURL, runID), nil)
	if err != nil {
		return core.Wrap(core.KindUpstreamFailed, err, "build cancel request")
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.send(req, "cancel")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 && resp.StatusCode != http.StatusNotFound {
		return core.E(core.KindUpstreamFailed, "comfydeploy cancel returned %d", resp.StatusCode)
	}
	c.logger.Printf("Cancelled run %s", runID)
	return nil
}

// ============================================================================
// WEBHOOK INTAKE
// ============================================================================

// comfyWebhook is the raw payload ComfyDeploy posts back.
type comfyWebhook struct {
	RunID      string                 `json:"run_id"`
	EventType  string                 `json:"event_type"` // run_queued | run_progress | run_success | run_failed
	Status     string                 `json:"status"`     // queued | running | success | failed
	Progress   *float64               `json:"progress,omitempty"`
	LiveStatus string                 `json:"live_status,omitempty"`
	Outputs    map[string]interface{} `json:"outputs,omitempty"`
	Error      string                 `json:"error,omitempty"`
	DurationMs int64                  `json:"duration_ms,omitempty"`
}

// VerifySignature checks the X-Signature header against the shared secret.
// An empty configured secret disables the check.
func (c *ComfyRuntime) VerifySignature(payload []byte, signature string) bool {
	if c.secret == "" {
		return true
	}
	mac := hmac.New(sha256.New, []byte(c.secret))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// ParseWebhook normalises a raw webhook body. Unknown event types map onto
// the status field so new remote events degrade gracefully.
func (c *ComfyRuntime) ParseWebhook(payload []byte) (*Event, error) {
	var wh comfyWebhook
	if err := json.Unmarshal(payload, &wh); err != nil {
		return nil, core.Wrap(core.KindInvalidInput, err, "parse comfydeploy webhook")
	}
	if wh.RunID == "" {
		return nil, core.E(core.KindInvalidInput, "webhook has no run_id")
	}

	ev := &Event{
		RunID:      wh.RunID,
		Progress:   wh.Progress,
		LiveStatus: wh.LiveStatus,
		Outputs:    wh.Outputs,
		DurationMs: wh.DurationMs,
	}

	switch wh.EventType {
	case "run_queued":
		ev.Status = RemoteQueued
	case "run_progress":
		ev.Status = RemoteRunning
	case "run_success":
		ev.Status = RemoteSuccess
	case "run_failed":
		ev.Status = RemoteFailed
	default:
		switch wh.Status {
		case RemoteQueued, RemoteRunning, RemoteSuccess, RemoteFailed:
			ev.Status = wh.Status
		default:
			return nil, core.E(core.KindInvalidInput, "unrecognised webhook event %q/%q", wh.EventType, wh.Status)
		}
	}

	if ev.Status == RemoteFailed {
		msg := wh.Error
		if msg == "" {
			msg = "remote run failed"
		}
		ev.Error = &core.GenerationError{Code: "UPSTREAM_FAILED", Message: msg}
	}
	return ev, nil
}

var _ Runtime = (*ComfyRuntime)(nil)
