// Package engine is the generation lifecycle state machine. It owns the
// generation record from submission to terminal settlement: execute creates
// the record and dispatches to a runtime, normalised runtime events drive the
// status graph, and terminal events settle cost against the ledger inside a
// transaction. Nothing else writes generation status.
package engine

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/noemahq/noema/internal/config"
	"github.com/noemahq/noema/internal/core"
	"github.com/noemahq/noema/internal/events"
	"github.com/noemahq/noema/internal/ledger"
	"github.com/noemahq/noema/internal/pricing"
	"github.com/noemahq/noema/internal/registry"
	"github.com/noemahq/noema/internal/runtime"
)

// recordStore is the slice of the persistence layer the engine drives.
type recordStore interface {
	CreateGeneration(ctx context.Context, gen *core.Generation) error
	FindGenerationByID(ctx context.Context, id string) (*core.Generation, error)
	FindGenerationByRunID(ctx context.Context, runID string) (*core.Generation, error)
	FindUserByID(ctx context.Context, masterAccountID string) (*core.User, error)
	UpdateGeneration(ctx context.Context, id string, patch bson.M) error
	UpdateGenerationIfActive(ctx context.Context, id string, patch bson.M) (bool, error)
	AdvanceGenerationProgress(ctx context.Context, id string, progress float64, liveStatus string) (bool, error)
	FindExpiredGenerations(ctx context.Context, now time.Time) ([]core.Generation, error)
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// creditLedger is the slice of the points ledger the engine settles against.
type creditLedger interface {
	TierFor(ctx context.Context, user *core.User) (core.Tier, error)
	Quote(ctx context.Context, user *core.User, pointsToSpend int64) error
	SpendIn(ctx context.Context, user *core.User, pointsToSpend int64, description string) ([]ledger.Deduction, error)
	RecordDebt(ctx context.Context, masterAccountID string, points int64, generationID, description string) error
}

const (
	// mailboxBuffer is the per-run event queue depth. A run emits at most a
	// few dozen progress ticks; overflow means the producer is broken.
	mailboxBuffer = 32

	// settleAttempts is how many times a terminal event is retried when the
	// settlement transaction fails, counting the first try. Past that the
	// record is frozen as failed with COST_SETTLEMENT_FAILED.
	settleAttempts = 3

	// mailboxIdleAfter reaps a run's mailbox worker when nothing arrives.
	// Late webhooks simply spawn a fresh mailbox and hit the terminal guard.
	mailboxIdleAfter = 2 * time.Minute
)

// job is one unit of work for a run's mailbox: either a normalised runtime
// event, or an engine-initiated expiry.
type job struct {
	ev      *runtime.Event
	expire  bool
	attempt int
}

// Engine wires the tool registry, runtimes, pricing, ledger and event bus
// around the generation collection.
type Engine struct {
	store    recordStore
	credits  creditLedger
	pricer   *pricing.Engine
	tools    *registry.Registry
	runtimes *runtime.Registry
	bus      events.Emitter
	timeouts config.TimeoutConfig
	logger   *log.Logger

	mu        sync.Mutex
	mailboxes map[string]chan job
	closed    bool
	wg        sync.WaitGroup

	// settleBackoff separates settlement retries. Shortened in tests.
	settleBackoff time.Duration
}

// New builds an engine. Start must be called before webhooks are routed in.
func New(st recordStore, credits creditLedger, pricer *pricing.Engine, tools *registry.Registry, runtimes *runtime.Registry, bus events.Emitter, timeouts config.TimeoutConfig) *Engine {
	return &Engine{
		store:         st,
		credits:       credits,
		pricer:        pricer,
		tools:         tools,
		runtimes:      runtimes,
		bus:           bus,
		timeouts:      timeouts,
		logger:        log.New(log.Writer(), "[ENGINE] ", log.LstdFlags),
		mailboxes:     make(map[string]chan job),
		settleBackoff: 30 * time.Second,
	}
}

// Start launches the timeout watchdog. It returns immediately; the watchdog
// stops when ctx is cancelled.
func (e *Engine) Start(ctx context.Context) {
	interval := time.Duration(e.timeouts.WatchdogMs) * time.Millisecond
	if interval <= 0 {
		interval = 5 * time.Second
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := e.ExpireDue(ctx); err != nil {
					e.logger.Printf("⚠️ watchdog sweep failed: %v", err)
				} else if n > 0 {
					e.logger.Printf("⏱️ timed out %d generation(s)", n)
				}
			}
		}
	}()
}

// Close drains the mailboxes and waits for in-flight settlement to finish.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	for _, ch := range e.mailboxes {
		close(ch)
	}
	e.mailboxes = make(map[string]chan job)
	e.mu.Unlock()
	e.wg.Wait()
}

// ============================================================================
// EXECUTION
// ============================================================================

// ExecuteRequest is one tool invocation on behalf of a user.
type ExecuteRequest struct {
	User           *core.User
	ToolIdentifier string
	Inputs         map[string]interface{}
	// Platform is where the terminal notification goes: none, telegram,
	// discord, web or webhook. Empty means none.
	Platform string
	// Meta carries correlation context (spell cast, cook piece, x402
	// settlement). The engine stamps run_id and costRate itself.
	Meta core.GenerationMeta
}

// ExecuteResult is what the gateway returns to the caller. For immediate
// tools Generation is already terminal and carries the result payload.
type ExecuteResult struct {
	Generation *core.Generation
	PollURL    string
}

// Execute runs the submission pipeline: resolve tool, validate inputs,
// pre-flight the cost against the ledger, persist a pending record and hand
// it to the runtime. Immediate runtimes settle before returning; async
// runtimes return pending and webhooks drive the rest.
func (e *Engine) Execute(ctx context.Context, req ExecuteRequest) (*ExecuteResult, error) {
	if req.User == nil || req.User.ID == "" {
		return nil, core.E(core.KindInvalidInput, "execute requires a user")
	}

	tool, ok := e.tools.Resolve(req.ToolIdentifier)
	if !ok {
		return nil, core.E(core.KindNotFound, "unknown tool %q", req.ToolIdentifier)
	}

	inputs, ferrs := registry.ValidateAndDefault(tool, req.Inputs)
	if len(ferrs) > 0 {
		return nil, core.E(core.KindInvalidInput, "invalid inputs for %s: %s", tool.ToolID, joinFieldErrors(ferrs))
	}

	// x402 calls are paid per-request through the facilitator; the credit
	// ledger never sees them.
	paysFromLedger := req.Meta.X402 == nil && !strings.HasPrefix(req.User.ID, "x402:")

	tier := core.TierStandard
	if paysFromLedger {
		t, err := e.credits.TierFor(ctx, req.User)
		if err != nil {
			return nil, err
		}
		tier = t

		estimate := pricing.EstimateCost(tool)
		quote := e.pricer.QuoteCost(estimate, tool.Service, tier)
		if quote.TotalPoints > 0 {
			if err := e.credits.Quote(ctx, req.User, quote.TotalPoints); err != nil {
				return nil, err
			}
		}
	}

	now := core.Now()
	platform := req.Platform
	if platform == "" {
		platform = "none"
	}
	delivery := core.DeliveryNone
	if platform != "none" {
		delivery = core.DeliveryPending
	}
	expiresAt := now.Add(e.maxDuration(tool))

	gen := &core.Generation{
		ID:                   core.NewID(),
		MasterAccountID:      req.User.ID,
		ServiceName:          tool.Service,
		ToolID:               tool.ToolID,
		ToolDisplayName:      tool.DisplayName,
		RequestPayload:       inputs,
		Status:               core.GenPending,
		DeliveryStatus:       delivery,
		NotificationPlatform: platform,
		RequestTimestamp:     now,
		ExpiresAt:            &expiresAt,
		PricingVersion:       e.pricer.Version(),
		Metadata:             req.Meta,
	}
	costing := tool.Costing
	gen.Metadata.CostRate = &costing

	if err := e.store.CreateGeneration(ctx, gen); err != nil {
		return nil, err
	}

	rt, err := e.runtimes.For(tool.Service)
	if err != nil {
		// The record exists; freeze it rather than leak a pending orphan.
		return e.failBeforeRun(ctx, gen, err)
	}

	res, err := rt.Submit(ctx, gen, tool, inputs)
	if err != nil {
		return e.failBeforeRun(ctx, gen, err)
	}

	if res.Immediate != nil {
		updated, err := e.applyEvent(ctx, gen, res.Immediate)
		if err != nil {
			// Settlement failed on a synchronous run; no webhook will ever
			// replay it, so freeze now and surface the storage error.
			e.markSettlementFailed(ctx, gen, res.Immediate)
			return nil, err
		}
		return &ExecuteResult{Generation: updated, PollURL: pollURL(gen.ID)}, nil
	}

	gen.Metadata.RunID = res.RunID
	if err := e.store.UpdateGeneration(ctx, gen.ID, bson.M{"metadata.run_id": res.RunID}); err != nil {
		return nil, err
	}
	e.logger.Printf("📤 %s submitted to %s as run %s", gen.ID, tool.Service, res.RunID)
	return &ExecuteResult{Generation: gen, PollURL: pollURL(gen.ID)}, nil
}

// failBeforeRun settles a record whose runtime never accepted the work.
func (e *Engine) failBeforeRun(ctx context.Context, gen *core.Generation, cause error) (*ExecuteResult, error) {
	ev := &runtime.Event{
		RunID:  gen.Metadata.RunID,
		Status: runtime.RemoteFailed,
		Error:  &core.GenerationError{Code: "UPSTREAM_FAILED", Message: cause.Error()},
	}
	updated, err := e.applyEvent(ctx, gen, ev)
	if err != nil {
		return nil, err
	}
	return &ExecuteResult{Generation: updated, PollURL: pollURL(gen.ID)}, nil
}

// Status returns the record for polling. When masterAccountID is non-empty
// the record must belong to it; mismatches read as not found.
func (e *Engine) Status(ctx context.Context, generationID, masterAccountID string) (*core.Generation, error) {
	gen, err := e.store.FindGenerationByID(ctx, generationID)
	if err != nil {
		return nil, err
	}
	if gen == nil || (masterAccountID != "" && gen.MasterAccountID != masterAccountID) {
		return nil, core.E(core.KindNotFound, "generation %s not found", generationID)
	}
	return gen, nil
}

// Cancel stops an active generation on the user's behalf. The remote run is
// cancelled best-effort and the record settles as cancelled_by_user with any
// consumed compute billed. Cancelling a terminal record returns it unchanged.
func (e *Engine) Cancel(ctx context.Context, generationID, masterAccountID string) (*core.Generation, error) {
	gen, err := e.Status(ctx, generationID, masterAccountID)
	if err != nil {
		return nil, err
	}
	if gen.Status.Terminal() {
		return gen, nil
	}

	if gen.Metadata.RunID != "" {
		if rt, rerr := e.runtimes.For(gen.ServiceName); rerr == nil {
			if cerr := rt.Cancel(ctx, gen.Metadata.RunID); cerr != nil {
				e.logger.Printf("⚠️ cancel of run %s failed upstream: %v", gen.Metadata.RunID, cerr)
			}
		}
	}

	ev := &runtime.Event{RunID: gen.Metadata.RunID, Status: runtime.RemoteFailed}
	updated, err := e.settleTerminal(ctx, gen, ev, core.GenCancelled)
	if err != nil {
		return nil, err
	}
	e.logger.Printf("🛑 %s cancelled by user", gen.ID)
	return updated, nil
}

// ============================================================================
// RUNTIME EVENT INTAKE
// ============================================================================

// HandleRuntimeEvent routes a normalised event to the run's mailbox. Events
// for one run_id are processed strictly in arrival order by a single worker;
// events for different runs proceed in parallel. Safe for concurrent use.
func (e *Engine) HandleRuntimeEvent(ev *runtime.Event) {
	if ev == nil || ev.RunID == "" {
		return
	}
	e.enqueue(job{ev: ev, attempt: 1})
}

func (e *Engine) enqueue(j job) {
	runID := j.ev.RunID
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	ch, ok := e.mailboxes[runID]
	if !ok {
		ch = make(chan job, mailboxBuffer)
		e.mailboxes[runID] = ch
		e.wg.Add(1)
		go e.runMailbox(runID, ch)
	}
	select {
	case ch <- j:
	default:
		e.logger.Printf("⚠️ mailbox full for run %s, dropping %s event", runID, j.ev.Status)
	}
	e.mu.Unlock()
}

// runMailbox is the per-run serialising worker. It exits when the engine
// closes or the run goes quiet; a later event just spawns a fresh worker.
func (e *Engine) runMailbox(runID string, ch chan job) {
	defer e.wg.Done()
	idle := time.NewTimer(mailboxIdleAfter)
	defer idle.Stop()

	for {
		select {
		case j, ok := <-ch:
			if !ok {
				return
			}
			e.processJob(runID, j)
			if !idle.Stop() {
				<-idle.C
			}
			idle.Reset(mailboxIdleAfter)
		case <-idle.C:
			e.mu.Lock()
			if len(ch) == 0 && !e.closed {
				delete(e.mailboxes, runID)
				e.mu.Unlock()
				return
			}
			e.mu.Unlock()
			idle.Reset(mailboxIdleAfter)
		}
	}
}

func (e *Engine) processJob(runID string, j job) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	gen, err := e.store.FindGenerationByRunID(ctx, runID)
	if err != nil {
		e.logger.Printf("⚠️ lookup for run %s failed: %v", runID, err)
		return
	}
	if gen == nil {
		e.logger.Printf("⚠️ no generation for run %s, discarding %s event", runID, j.ev.Status)
		return
	}

	if j.expire {
		e.expireOne(ctx, gen)
		return
	}

	if _, err := e.applyEvent(ctx, gen, j.ev); err != nil {
		if !j.ev.Terminal() {
			e.logger.Printf("⚠️ progress update for %s failed: %v", gen.ID, err)
			return
		}
		e.retrySettle(gen, j, err)
	}
}

// retrySettle re-enqueues a terminal event whose settlement transaction did
// not commit. After the attempt budget the record is frozen as failed with
// COST_SETTLEMENT_FAILED and no points spent.
func (e *Engine) retrySettle(gen *core.Generation, j job, cause error) {
	if j.attempt < settleAttempts {
		next := job{ev: j.ev, attempt: j.attempt + 1}
		e.logger.Printf("⚠️ settlement of %s failed (attempt %d/%d), retrying: %v",
			gen.ID, j.attempt, settleAttempts, cause)
		time.AfterFunc(e.settleBackoff, func() { e.enqueue(next) })
		return
	}
	e.logger.Printf("❌ settlement of %s failed after %d attempts: %v", gen.ID, settleAttempts, cause)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	e.markSettlementFailed(ctx, gen, j.ev)
}

// ============================================================================
// TIMEOUT WATCHDOG
// ============================================================================

// ExpireDue transitions every generation past its deadline to timeout,
// cancelling the remote run and billing consumed compute. Returns how many
// records were frozen.
func (e *Engine) ExpireDue(ctx context.Context) (int, error) {
	due, err := e.store.FindExpiredGenerations(ctx, core.Now())
	if err != nil {
		return 0, err
	}
	expired := 0
	for i := range due {
		if e.expireOne(ctx, &due[i]) {
			expired++
		}
	}
	return expired, nil
}

func (e *Engine) expireOne(ctx context.Context, gen *core.Generation) bool {
	if gen.Metadata.RunID != "" {
		if rt, err := e.runtimes.For(gen.ServiceName); err == nil {
			if cerr := rt.Cancel(ctx, gen.Metadata.RunID); cerr != nil {
				e.logger.Printf("⚠️ cancel of expired run %s failed: %v", gen.Metadata.RunID, cerr)
			}
		}
	}

	limit := int64(0)
	if gen.ExpiresAt != nil {
		limit = gen.ExpiresAt.Sub(gen.RequestTimestamp).Milliseconds()
	}
	ev := &runtime.Event{
		RunID:  gen.Metadata.RunID,
		Status: runtime.RemoteFailed,
		Error: &core.GenerationError{
			Code:    "TIMEOUT",
			Message: fmt.Sprintf("generation exceeded %d ms", limit),
		},
	}
	updated, err := e.settleTerminal(ctx, gen, ev, core.GenTimeout)
	if err != nil {
		e.logger.Printf("⚠️ timeout settlement of %s failed, retrying next sweep: %v", gen.ID, err)
		return false
	}
	return updated != nil && updated.Status == core.GenTimeout
}

// ============================================================================
// HELPERS
// ============================================================================

// maxDuration picks the run deadline: the tool's own maxDurationMs, else the
// configured default for its media kind.
func (e *Engine) maxDuration(tool *core.Tool) time.Duration {
	if tool.MaxDurationMs > 0 {
		return time.Duration(tool.MaxDurationMs) * time.Millisecond
	}
	switch {
	case tool.Service == "vastai-training":
		return time.Duration(e.timeouts.TrainingMs) * time.Millisecond
	case tool.Metadata["media"] == "video":
		return time.Duration(e.timeouts.VideoMs) * time.Millisecond
	default:
		return time.Duration(e.timeouts.ImageMs) * time.Millisecond
	}
}

func pollURL(generationID string) string {
	return "/api/v1/generation/status/" + generationID
}

func joinFieldErrors(ferrs []registry.FieldError) string {
	parts := make([]string, len(ferrs))
	for i, fe := range ferrs {
		parts[i] = fe.Field + ": " + fe.Message
	}
	return strings.Join(parts, "; ")
}
