// Package scheduler drives the batch surfaces: cooks (curated batch jobs
// with a bounded worker per cook) and spell casts (multi-step workflows run
// in topological order). Both sit on top of the lifecycle engine; the
// scheduler never touches generation status itself.
package scheduler

import (
	"context"
	"log"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/noemahq/noema/internal/core"
	"github.com/noemahq/noema/internal/engine"
	"github.com/noemahq/noema/internal/events"
	"github.com/noemahq/noema/internal/registry"
	"github.com/noemahq/noema/internal/store"
)

// schedStore is the persistence slice the scheduler needs.
type schedStore interface {
	CreateCook(ctx context.Context, cook *core.Cook) error
	FindCookByID(ctx context.Context, id string) (*core.Cook, error)
	ListCooksByOwner(ctx context.Context, masterAccountID string, status core.CookStatus) ([]core.Cook, error)
	ListCooksByStatus(ctx context.Context, status core.CookStatus) ([]core.Cook, error)
	TransitionCookStatus(ctx context.Context, id string, from []core.CookStatus, to core.CookStatus) (bool, error)
	AppendCookPiece(ctx context.Context, cookID, generationID string, cost decimal.Decimal, success bool) (bool, error)
	ReviewCookPiece(ctx context.Context, cookID, generationID string, accept bool) error
	FindGenerationByID(ctx context.Context, id string) (*core.Generation, error)
	FindGenerations(ctx context.Context, f store.GenerationFilter) ([]core.Generation, error)
	FindUserByID(ctx context.Context, id string) (*core.User, error)
	FindSpellBySlug(ctx context.Context, slug string) (*core.Spell, error)
	ListSpells(ctx context.Context, masterAccountID string) ([]core.Spell, error)
	DeleteSpell(ctx context.Context, slug, owner string) error
	CreateSpell(ctx context.Context, spell *core.Spell) error
	CreateSpellCast(ctx context.Context, cast *core.SpellCast) error
	FindSpellCastByID(ctx context.Context, castID string) (*core.SpellCast, error)
	UpdateSpellCast(ctx context.Context, castID string, patch bson.M) error
}

// executor is the slice of the lifecycle engine the scheduler drives.
type executor interface {
	Execute(ctx context.Context, req engine.ExecuteRequest) (*engine.ExecuteResult, error)
}

// Scheduler owns one worker goroutine per running cook and one per live
// spell cast. Workers stop on Close; the records stay behind and Recover
// picks them back up at boot.
type Scheduler struct {
	store        schedStore
	exec         executor
	tools        *registry.Registry
	bus          events.Emitter
	maxInflight  int
	pollInterval time.Duration
	logger       *log.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	workers map[string]bool // cookID -> live worker
	wg      sync.WaitGroup
}

func New(st schedStore, exec executor, tools *registry.Registry, bus events.Emitter, maxInflight int) *Scheduler {
	if maxInflight <= 0 {
		maxInflight = 2
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		store:        st,
		exec:         exec,
		tools:        tools,
		bus:          bus,
		maxInflight:  maxInflight,
		pollInterval: time.Second,
		logger:       log.New(log.Writer(), "[SCHED] ", log.LstdFlags),
		ctx:          ctx,
		cancel:       cancel,
		workers:      make(map[string]bool),
	}
}

// Close stops every worker. In-flight generations keep running server-side;
// Recover re-attaches to them on the next boot.
func (s *Scheduler) Close() {
	s.cancel()
	s.wg.Wait()
}

// Recover re-launches a worker for every cook that was running when the
// process died. The cook record is the source of truth; in-flight pieces
// are rediscovered from the generation collection.
func (s *Scheduler) Recover(ctx context.Context) (int, error) {
	running, err := s.store.ListCooksByStatus(ctx, core.CookRunning)
	if err != nil {
		return 0, err
	}
	for i := range running {
		s.launch(running[i].ID)
	}
	if len(running) > 0 {
		s.logger.Printf("🔁 recovered %d running cook(s)", len(running))
	}
	return len(running), nil
}

// ============================================================================
// COOK OPERATIONS
// ============================================================================

// CookSpec is the creation payload for a batch job.
type CookSpec struct {
	Name           string          `json:"name"`
	ToolID         string          `json:"toolId"`
	PromptTemplate string          `json:"promptTemplate"`
	Config         core.CookConfig `json:"config"`
	TargetCount    int             `json:"targetCount"`
}

// CreateCook validates the spec and persists a draft cook.
func (s *Scheduler) CreateCook(ctx context.Context, masterAccountID string, spec CookSpec) (*core.Cook, error) {
	if spec.TargetCount < 1 || spec.TargetCount > 1000 {
		return nil, core.E(core.KindInvalidInput, "targetCount must be 1..1000, got %d", spec.TargetCount)
	}
	if strings.TrimSpace(spec.PromptTemplate) == "" {
		return nil, core.E(core.KindInvalidInput, "promptTemplate is required")
	}
	if _, ok := s.tools.Resolve(spec.ToolID); !ok {
		return nil, core.E(core.KindNotFound, "unknown tool %q", spec.ToolID)
	}

	cook := &core.Cook{
		ID:              core.NewID(),
		Name:            spec.Name,
		MasterAccountID: masterAccountID,
		ToolID:          spec.ToolID,
		PromptTemplate:  spec.PromptTemplate,
		Config:          spec.Config,
		TargetCount:     spec.TargetCount,
		Status:          core.CookDraft,
		CreatedAt:       core.Now(),
	}
	if err := s.store.CreateCook(ctx, cook); err != nil {
		return nil, err
	}
	return cook, nil
}

// StartCook transitions draft|paused -> running and attaches a worker.
func (s *Scheduler) StartCook(ctx context.Context, cookID, masterAccountID string) (*core.Cook, error) {
	cook, err := s.ownedCook(ctx, cookID, masterAccountID)
	if err != nil {
		return nil, err
	}
	ok, err := s.store.TransitionCookStatus(ctx, cookID,
		[]core.CookStatus{core.CookDraft, core.CookPaused}, core.CookRunning)
	if err != nil {
		return nil, err
	}
	if !ok && cook.Status != core.CookRunning {
		return nil, core.E(core.KindConflict, "cook %s is %s and cannot start", cookID, cook.Status)
	}
	s.launch(cookID)
	return s.store.FindCookByID(ctx, cookID)
}

// PauseCook stops new pieces; in-flight pieces finish and are counted.
func (s *Scheduler) PauseCook(ctx context.Context, cookID, masterAccountID string) (*core.Cook, error) {
	if _, err := s.ownedCook(ctx, cookID, masterAccountID); err != nil {
		return nil, err
	}
	ok, err := s.store.TransitionCookStatus(ctx, cookID,
		[]core.CookStatus{core.CookRunning}, core.CookPaused)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, core.E(core.KindConflict, "cook %s is not running", cookID)
	}
	return s.store.FindCookByID(ctx, cookID)
}

// ResumeCook is StartCook for a paused cook.
func (s *Scheduler) ResumeCook(ctx context.Context, cookID, masterAccountID string) (*core.Cook, error) {
	return s.StartCook(ctx, cookID, masterAccountID)
}

// StopCook is terminal: the cook never runs again, though in-flight pieces
// still land and are recorded.
func (s *Scheduler) StopCook(ctx context.Context, cookID, masterAccountID string) (*core.Cook, error) {
	if _, err := s.ownedCook(ctx, cookID, masterAccountID); err != nil {
		return nil, err
	}
	ok, err := s.store.TransitionCookStatus(ctx, cookID,
		[]core.CookStatus{core.CookRunning, core.CookPaused, core.CookDraft}, core.CookStopped)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, core.E(core.KindConflict, "cook %s is already terminal", cookID)
	}
	return s.store.FindCookByID(ctx, cookID)
}

// Review accepts or rejects a finished piece.
func (s *Scheduler) Review(ctx context.Context, cookID, masterAccountID, generationID string, accept bool) (*core.Cook, error) {
	if _, err := s.ownedCook(ctx, cookID, masterAccountID); err != nil {
		return nil, err
	}
	if err := s.store.ReviewCookPiece(ctx, cookID, generationID, accept); err != nil {
		return nil, err
	}
	return s.store.FindCookByID(ctx, cookID)
}

// GetCook returns an owned cook.
func (s *Scheduler) GetCook(ctx context.Context, cookID, masterAccountID string) (*core.Cook, error) {
	return s.ownedCook(ctx, cookID, masterAccountID)
}

// ListCooks returns the owner's cooks, optionally filtered by status.
func (s *Scheduler) ListCooks(ctx context.Context, masterAccountID string, status core.CookStatus) ([]core.Cook, error) {
	return s.store.ListCooksByOwner(ctx, masterAccountID, status)
}

func (s *Scheduler) ownedCook(ctx context.Context, cookID, masterAccountID string) (*core.Cook, error) {
	cook, err := s.store.FindCookByID(ctx, cookID)
	if err != nil {
		return nil, err
	}
	if cook == nil || (masterAccountID != "" && cook.MasterAccountID != masterAccountID) {
		return nil, core.E(core.KindNotFound, "cook %s not found", cookID)
	}
	return cook, nil
}

// ============================================================================
// COOK WORKER
// ============================================================================

// launch attaches a worker to the cook unless one is already live.
func (s *Scheduler) launch(cookID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.workers[cookID] || s.ctx.Err() != nil {
		return
	}
	s.workers[cookID] = true
	s.wg.Add(1)
	go s.runCook(cookID)
}

func (s *Scheduler) release(cookID string) {
	s.mu.Lock()
	delete(s.workers, cookID)
	s.mu.Unlock()
}

// runCook is the per-cook worker. Piece starts are serialised here, piece
// completions are harvested by polling, and every aggregate mutation goes
// through the store's single-document append.
func (s *Scheduler) runCook(cookID string) {
	defer s.wg.Done()
	defer s.release(cookID)

	inflight := s.rediscover(cookID)

	for {
		// harvest first so the snapshot's generatedCount already includes
		// every landed piece; this worker is the only appender.
		inflight = s.harvest(cookID, inflight)

		cook, err := s.store.FindCookByID(s.ctx, cookID)
		if err != nil {
			if s.sleep() {
				return
			}
			continue
		}
		if cook == nil {
			s.logger.Printf("⚠️ cook %s vanished, worker exiting", cookID)
			return
		}

		switch cook.Status {
		case core.CookRunning:
			if cook.GeneratedCount >= cook.TargetCount && len(inflight) == 0 {
				if ok, _ := s.store.TransitionCookStatus(s.ctx, cookID,
					[]core.CookStatus{core.CookRunning}, core.CookCompleted); ok {
					s.emitProgress(cookID)
					s.logger.Printf("✅ cook %s completed at %d/%d", cookID, cook.GeneratedCount, cook.TargetCount)
				}
				return
			}
			for cook.GeneratedCount+len(inflight) < cook.TargetCount && len(inflight) < s.maxInflight {
				genID, fatal, err := s.startPiece(cook, cook.GeneratedCount+len(inflight))
				if err != nil {
					if fatal {
						s.failCook(cookID, err)
						return
					}
					s.logger.Printf("⚠️ cook %s piece start failed, retrying: %v", cookID, err)
					break
				}
				inflight[genID] = true
			}

		default:
			// paused, stopped, completed or failed: watch remaining pieces
			// land, then detach.
			if len(inflight) == 0 {
				return
			}
		}

		if s.sleep() {
			return
		}
	}
}

// rediscover rebuilds the in-flight set after a restart and heals pieces
// that went terminal while nobody was watching.
func (s *Scheduler) rediscover(cookID string) map[string]bool {
	inflight := make(map[string]bool)
	gens, err := s.store.FindGenerations(s.ctx, store.GenerationFilter{
		CookExecutionID: cookID,
		Limit:           1000,
	})
	if err != nil {
		s.logger.Printf("⚠️ cook %s rediscovery failed: %v", cookID, err)
		return inflight
	}
	for i := range gens {
		gen := &gens[i]
		if gen.Status.Terminal() {
			// AppendCookPiece is idempotent, so replaying already-recorded
			// pieces is harmless.
			if appended, err := s.store.AppendCookPiece(s.ctx, cookID, gen.ID, gen.CostUsd, gen.Status == core.GenCompleted); err == nil && appended {
				s.emitProgress(cookID)
			}
			continue
		}
		inflight[gen.ID] = true
	}
	if len(inflight) > 0 {
		s.logger.Printf("🔁 cook %s re-attached to %d in-flight piece(s)", cookID, len(inflight))
	}
	return inflight
}

// harvest folds finished pieces into the aggregate. A piece stays in-flight
// until its append committed, so a storage blip only delays accounting.
func (s *Scheduler) harvest(cookID string, inflight map[string]bool) map[string]bool {
	for genID := range inflight {
		gen, err := s.store.FindGenerationByID(s.ctx, genID)
		if err != nil {
			continue
		}
		if gen == nil {
			delete(inflight, genID)
			continue
		}
		if !gen.Status.Terminal() {
			continue
		}
		appended, err := s.store.AppendCookPiece(s.ctx, cookID, gen.ID, gen.CostUsd, gen.Status == core.GenCompleted)
		if err != nil {
			s.logger.Printf("⚠️ cook %s could not record piece %s: %v", cookID, genID, err)
			continue
		}
		delete(inflight, genID)
		if appended {
			s.emitProgress(cookID)
		}
	}
	return inflight
}

// startPiece renders the next prompt and submits it through the engine.
// Pieces never notify per-piece; progress flows on the cook aggregate.
func (s *Scheduler) startPiece(cook *core.Cook, pieceIdx int) (genID string, fatal bool, err error) {
	tool, ok := s.tools.Resolve(cook.ToolID)
	if !ok {
		return "", true, core.E(core.KindNotFound, "tool %q no longer exists", cook.ToolID)
	}

	res, err := s.exec.Execute(s.ctx, engine.ExecuteRequest{
		User:           s.casterUser(cook.MasterAccountID),
		ToolIdentifier: cook.ToolID,
		Inputs:         buildPieceInputs(tool, cook, pieceIdx),
		Platform:       "none",
		Meta:           core.GenerationMeta{CookExecutionID: cook.ID},
	})
	if err != nil {
		fatal = core.IsKind(err, core.KindInsufficientFunds) ||
			core.IsKind(err, core.KindInvalidInput) ||
			core.IsKind(err, core.KindNotFound)
		return "", fatal, err
	}
	return res.Generation.ID, false, nil
}

// buildPieceInputs substitutes {variation} round-robin and fills the
// dimension/seed parameters the tool's schema actually declares.
func buildPieceInputs(tool *core.Tool, cook *core.Cook, pieceIdx int) map[string]interface{} {
	prompt := cook.PromptTemplate
	if n := len(cook.Config.Variations); n > 0 {
		prompt = strings.ReplaceAll(prompt, "{variation}", cook.Config.Variations[pieceIdx%n])
	}

	declared := make(map[string]bool, len(tool.InputSchema.Params))
	promptParam := ""
	for _, p := range tool.InputSchema.Params {
		declared[p.Name] = true
		if promptParam == "" && p.Required && p.Type == "string" {
			promptParam = p.Name
		}
	}
	if declared["input_prompt"] {
		promptParam = "input_prompt"
	}
	if promptParam == "" {
		promptParam = "input_prompt"
	}

	inputs := map[string]interface{}{promptParam: prompt}
	if cook.Config.Width > 0 && declared["input_width"] {
		inputs["input_width"] = cook.Config.Width
	}
	if cook.Config.Height > 0 && declared["input_height"] {
		inputs["input_height"] = cook.Config.Height
	}
	if cook.Config.SeedMode != "fixed" && declared["input_seed"] {
		inputs["input_seed"] = rand.Int63n(1 << 31)
	}
	return inputs
}

func (s *Scheduler) failCook(cookID string, cause error) {
	s.logger.Printf("❌ cook %s failed: %v", cookID, cause)
	if _, err := s.store.TransitionCookStatus(s.ctx, cookID,
		[]core.CookStatus{core.CookRunning, core.CookPaused}, core.CookFailed); err != nil {
		s.logger.Printf("⚠️ cook %s could not be marked failed: %v", cookID, err)
	}
	s.emitProgress(cookID)
}

func (s *Scheduler) emitProgress(cookID string) {
	cook, err := s.store.FindCookByID(s.ctx, cookID)
	if err != nil || cook == nil {
		return
	}
	s.bus.Publish(events.CookProgress(cook))
}

// casterUser loads the full account so tier discounts apply at preflight.
func (s *Scheduler) casterUser(masterAccountID string) *core.User {
	user, err := s.store.FindUserByID(s.ctx, masterAccountID)
	if err != nil || user == nil {
		return &core.User{ID: masterAccountID}
	}
	return user
}

// sleep waits one poll interval. True means the scheduler is closing.
func (s *Scheduler) sleep() bool {
	select {
	case <-s.ctx.Done():
		return true
	case <-time.After(s.pollInterval):
		return false
	}
}
