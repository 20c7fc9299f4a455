// Package runtime holds the remote execution backends. Every backend speaks
// the same contract: submit a generation, surface normalised events, cancel
// best-effort. The lifecycle engine is the only consumer.
package runtime

import (
	"context"
	"fmt"
	"sync"

	"github.com/noemahq/noema/internal/core"
)

// Event is the normalised shape every backend reduces to, whether it arrived
// as a webhook, a synchronous API response, or an SSH poll.
type Event struct {
	RunID      string                 `json:"run_id"`
	Status     string                 `json:"status"` // queued | running | success | failed
	Progress   *float64               `json:"progress,omitempty"`
	LiveStatus string                 `json:"liveStatus,omitempty"`
	Outputs    map[string]interface{} `json:"outputs,omitempty"`
	Error      *core.GenerationError  `json:"error,omitempty"`
	DurationMs int64                  `json:"durationMs,omitempty"`
	Tokens     int64                  `json:"tokens,omitempty"` // for per-token billing
}

// Remote status vocabulary. Progress events carry these verbatim; only the
// engine maps them onto stored statuses.
const (
	RemoteQueued  = "queued"
	RemoteRunning = "running"
	RemoteSuccess = "success"
	RemoteFailed  = "failed"
)

// Terminal reports whether the remote status ends the run.
func (e *Event) Terminal() bool {
	return e.Status == RemoteSuccess || e.Status == RemoteFailed
}

// SubmitResult is what a backend returns from Submit. Immediate is non-nil
// for synchronous backends; async backends return the RunID that later
// webhooks will carry.
type SubmitResult struct {
	RunID     string
	Immediate *Event
}

// Runtime is one execution backend.
type Runtime interface {
	// Service names the backend; tools select it via Tool.Service.
	Service() string
	// Submit starts the run described by the generation record.
	Submit(ctx context.Context, gen *core.Generation, tool *core.Tool, inputs map[string]interface{}) (SubmitResult, error)
	// Cancel stops a run best-effort. Unknown run ids are not an error.
	Cancel(ctx context.Context, runID string) error
}

// Registry maps service names to backends.
type Registry struct {
	mu       sync.RWMutex
	runtimes map[string]Runtime
}

func NewRegistry(runtimes ...Runtime) *Registry {
	r := &Registry{runtimes: make(map[string]Runtime, len(runtimes))}
	for _, rt := range runtimes {
		r.Register(rt)
	}
	return r
}

func (r *Registry) Register(rt Runtime) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runtimes[rt.Service()] = rt
}

// For resolves the backend for a service name.
func (r *Registry) For(service string) (Runtime, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.runtimes[service]
	if !ok {
		return nil, core.E(core.KindInvalidInput, "no runtime registered for service %q", service)
	}
	return rt, nil
}

// Services lists registered backend names.
func (r *Registry) Services() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.runtimes))
	for name := range r.runtimes {
		out = append(out, name)
	}
	return out
}

func failedEvent(runID, code string, err error) *Event {
	return &Event{
		RunID:  runID,
		Status: RemoteFailed,
		Error:  &core.GenerationError{Code: code, Message: fmt.Sprintf("%v", err)},
	}
}
