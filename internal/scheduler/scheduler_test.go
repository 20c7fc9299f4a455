package scheduler

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/noemahq/noema/internal/core"
	"github.com/noemahq/noema/internal/engine"
	"github.com/noemahq/noema/internal/events"
	"github.com/noemahq/noema/internal/registry"
	"github.com/noemahq/noema/internal/store"
)

// ============================================================================
// IN-MEMORY STORE
// ============================================================================

type memSched struct {
	mu     sync.Mutex
	cooks  map[string]*core.Cook
	gens   map[string]*core.Generation
	users  map[string]*core.User
	spells map[string]*core.Spell
	casts  map[string]*core.SpellCast
}

func newMemSched() *memSched {
	return &memSched{
		cooks:  make(map[string]*core.Cook),
		gens:   make(map[string]*core.Generation),
		users:  map[string]*core.User{"U1": {ID: "U1"}},
		spells: make(map[string]*core.Spell),
		casts:  make(map[string]*core.SpellCast),
	}
}

func cloneCook(c *core.Cook) *core.Cook {
	cp := *c
	cp.GenerationIDs = append([]string(nil), c.GenerationIDs...)
	cp.PendingReview = append([]string(nil), c.PendingReview...)
	cp.AcceptedIDs = append([]string(nil), c.AcceptedIDs...)
	cp.RejectedIDs = append([]string(nil), c.RejectedIDs...)
	return &cp
}

func (m *memSched) CreateCook(_ context.Context, cook *core.Cook) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cooks[cook.ID] = cloneCook(cook)
	return nil
}

func (m *memSched) FindCookByID(_ context.Context, id string) (*core.Cook, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cooks[id]
	if !ok {
		return nil, nil
	}
	return cloneCook(c), nil
}

func (m *memSched) ListCooksByOwner(_ context.Context, owner string, status core.CookStatus) ([]core.Cook, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []core.Cook
	for _, c := range m.cooks {
		if c.MasterAccountID != owner {
			continue
		}
		if status != "" && c.Status != status {
			continue
		}
		out = append(out, *cloneCook(c))
	}
	return out, nil
}

func (m *memSched) ListCooksByStatus(_ context.Context, status core.CookStatus) ([]core.Cook, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []core.Cook
	for _, c := range m.cooks {
		if c.Status == status {
			out = append(out, *cloneCook(c))
		}
	}
	return out, nil
}

func (m *memSched) TransitionCookStatus(_ context.Context, id string, from []core.CookStatus, to core.CookStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cooks[id]
	if !ok {
		return false, nil
	}
	allowed := false
	for _, f := range from {
		if c.Status == f {
			allowed = true
		}
	}
	if !allowed {
		return false, nil
	}
	c.Status = to
	if to == core.CookCompleted || to == core.CookStopped {
		now := core.Now()
		c.CompletedAt = &now
	}
	return true, nil
}

func (m *memSched) AppendCookPiece(_ context.Context, cookID, genID string, cost decimal.Decimal, success bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cooks[cookID]
	if !ok {
		return false, nil
	}
	for _, id := range c.GenerationIDs {
		if id == genID {
			return false, nil
		}
	}
	c.GenerationIDs = append(c.GenerationIDs, genID)
	c.GeneratedCount++
	c.CostUsd = c.CostUsd.Add(cost)
	if success {
		c.PendingReview = append(c.PendingReview, genID)
	}
	return true, nil
}

func (m *memSched) ReviewCookPiece(_ context.Context, cookID, genID string, accept bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cooks[cookID]
	if !ok {
		return core.E(core.KindNotFound, "cook %s not found", cookID)
	}
	member := false
	for _, id := range c.GenerationIDs {
		if id == genID {
			member = true
		}
	}
	if !member {
		return core.E(core.KindNotFound, "piece %s not part of cook %s", genID, cookID)
	}
	drop := func(list []string) []string {
		out := list[:0]
		for _, id := range list {
			if id != genID {
				out = append(out, id)
			}
		}
		return out
	}
	c.PendingReview = drop(c.PendingReview)
	c.AcceptedIDs = drop(c.AcceptedIDs)
	c.RejectedIDs = drop(c.RejectedIDs)
	if accept {
		c.AcceptedIDs = append(c.AcceptedIDs, genID)
	} else {
		c.RejectedIDs = append(c.RejectedIDs, genID)
	}
	return nil
}

func (m *memSched) putGen(g *core.Generation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *g
	m.gens[g.ID] = &cp
}

func (m *memSched) finishGen(id string, status core.GenerationStatus, cost decimal.Decimal, payload map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.gens[id]
	if !ok {
		return
	}
	g.Status = status
	g.CostUsd = cost
	g.ResultPayload = payload
}

func (m *memSched) FindGenerationByID(_ context.Context, id string) (*core.Generation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.gens[id]
	if !ok {
		return nil, nil
	}
	cp := *g
	return &cp, nil
}

func (m *memSched) FindGenerations(_ context.Context, f store.GenerationFilter) ([]core.Generation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []core.Generation
	for _, g := range m.gens {
		if f.MasterAccountID != "" && g.MasterAccountID != f.MasterAccountID {
			continue
		}
		if f.CookExecutionID != "" && g.Metadata.CookExecutionID != f.CookExecutionID {
			continue
		}
		if f.SpellCastID != "" && g.Metadata.SpellCastID != f.SpellCastID {
			continue
		}
		if len(f.Statuses) > 0 {
			hit := false
			for _, st := range f.Statuses {
				if g.Status == st {
					hit = true
				}
			}
			if !hit {
				continue
			}
		}
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestTimestamp.Before(out[j].RequestTimestamp) })
	return out, nil
}

func (m *memSched) FindUserByID(_ context.Context, id string) (*core.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

func (m *memSched) CreateSpell(_ context.Context, spell *core.Spell) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.spells[spell.Slug]; dup {
		return core.E(core.KindConflict, "spell slug %s already exists", spell.Slug)
	}
	cp := *spell
	m.spells[spell.Slug] = &cp
	return nil
}

func (m *memSched) FindSpellBySlug(_ context.Context, slug string) (*core.Spell, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sp, ok := m.spells[slug]
	if !ok {
		return nil, nil
	}
	cp := *sp
	return &cp, nil
}

func (m *memSched) ListSpells(_ context.Context, owner string) ([]core.Spell, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []core.Spell
	for _, sp := range m.spells {
		if sp.Owner == owner || sp.Visibility == "listed" || sp.Visibility == "public" {
			out = append(out, *sp)
		}
	}
	return out, nil
}

func (m *memSched) DeleteSpell(_ context.Context, slug, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sp, ok := m.spells[slug]
	if !ok || sp.Owner != owner {
		return core.E(core.KindNotFound, "spell %s not found", slug)
	}
	delete(m.spells, slug)
	return nil
}

func (m *memSched) CreateSpellCast(_ context.Context, cast *core.SpellCast) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *cast
	cp.Steps = append([]core.CastStepState(nil), cast.Steps...)
	m.casts[cast.ID] = &cp
	return nil
}

func (m *memSched) FindSpellCastByID(_ context.Context, castID string) (*core.SpellCast, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.casts[castID]
	if !ok {
		return nil, nil
	}
	cp := *c
	cp.Steps = append([]core.CastStepState(nil), c.Steps...)
	return &cp, nil
}

func (m *memSched) UpdateSpellCast(_ context.Context, castID string, patch bson.M) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.casts[castID]
	if !ok {
		return core.E(core.KindNotFound, "spell cast %s not found", castID)
	}
	for k, v := range patch {
		switch k {
		case "status":
			c.Status = v.(core.GenerationStatus)
		case "steps":
			c.Steps = append([]core.CastStepState(nil), v.([]core.CastStepState)...)
		case "output":
			c.Output = v.(map[string]interface{})
		case "updatedAt":
			c.UpdatedAt = v.(time.Time)
		}
	}
	return nil
}

// ============================================================================
// FAKE EXECUTOR + BUS
// ============================================================================

// fakeExec satisfies the scheduler's executor slice. "complete" finishes
// every piece inside Execute; "hold" parks them until release.
type fakeExec struct {
	store     *memSched
	pieceCost decimal.Decimal
	payload   map[string]interface{}

	mu       sync.Mutex
	mode     string
	failWith error
	requests []engine.ExecuteRequest
	held     []string
}

func (f *fakeExec) Execute(_ context.Context, req engine.ExecuteRequest) (*engine.ExecuteResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}
	f.requests = append(f.requests, req)

	gen := &core.Generation{
		ID:               core.NewID(),
		MasterAccountID:  req.User.ID,
		ToolID:           req.ToolIdentifier,
		ServiceName:      "comfyui",
		RequestPayload:   req.Inputs,
		Status:           core.GenProcessing,
		RequestTimestamp: core.Now(),
		Metadata:         req.Meta,
	}
	f.store.putGen(gen)
	if f.mode == "hold" {
		f.held = append(f.held, gen.ID)
	} else {
		f.store.finishGen(gen.ID, core.GenCompleted, f.pieceCost, f.payload)
		gen.Status = core.GenCompleted
		gen.CostUsd = f.pieceCost
		gen.ResultPayload = f.payload
	}
	return &engine.ExecuteResult{Generation: gen, PollURL: "/api/v1/generation/status/" + gen.ID}, nil
}

// release completes the n oldest held pieces.
func (f *fakeExec) release(n int) {
	f.mu.Lock()
	ids := append([]string(nil), f.held[:min(n, len(f.held))]...)
	f.held = f.held[len(ids):]
	f.mu.Unlock()
	for _, id := range ids {
		f.store.finishGen(id, core.GenCompleted, f.pieceCost, f.payload)
	}
}

func (f *fakeExec) setMode(mode string) {
	f.mu.Lock()
	f.mode = mode
	f.mu.Unlock()
}

func (f *fakeExec) setFailure(err error) {
	f.mu.Lock()
	f.failWith = err
	f.mu.Unlock()
}

func (f *fakeExec) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func (f *fakeExec) requestAt(i int) engine.ExecuteRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[i]
}

type captureBus struct {
	mu  sync.Mutex
	got []*events.Event
}

func (b *captureBus) Emit(eventType, source, subject string, data map[string]interface{}) {
	b.Publish(events.NewEvent(eventType, source, subject, data))
}

func (b *captureBus) Publish(ev *events.Event) {
	b.mu.Lock()
	b.got = append(b.got, ev)
	b.mu.Unlock()
}

func (b *captureBus) ofType(t string) []*events.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*events.Event
	for _, ev := range b.got {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

// ============================================================================
// FIXTURE
// ============================================================================

type fixture struct {
	t     *testing.T
	store *memSched
	exec  *fakeExec
	bus   *captureBus
	sched *Scheduler
}

func echoTool() core.Tool {
	return core.Tool{
		ToolID:       "echo",
		DisplayName:  "Echo",
		Service:      "comfyui",
		DeliveryMode: "async",
		InputSchema: core.ToolSchema{Params: []core.ToolParam{
			{Name: "input_prompt", Type: "string", Required: true},
			{Name: "input_width", Type: "integer"},
			{Name: "input_height", Type: "integer"},
			{Name: "input_seed", Type: "integer"},
		}},
		Costing: core.CostingModel{Kind: "dynamic", Rate: decimal.RequireFromString("0.001"), Unit: "second"},
	}
}

func newFixture(t *testing.T, mode string) *fixture {
	st := newMemSched()
	exec := &fakeExec{
		store:     st,
		mode:      mode,
		pieceCost: decimal.RequireFromString("0.01"),
		payload:   map[string]interface{}{"images": []interface{}{map[string]interface{}{"url": "u"}}},
	}
	bus := &captureBus{}
	reg := registry.New(nil)
	reg.Replace([]core.Tool{echoTool()})

	sched := New(st, exec, reg, bus, 2)
	sched.pollInterval = 2 * time.Millisecond
	t.Cleanup(sched.Close)
	return &fixture{t: t, store: st, exec: exec, bus: bus, sched: sched}
}

func (f *fixture) newCook(target int, cfg core.CookConfig) *core.Cook {
	f.t.Helper()
	cook, err := f.sched.CreateCook(context.Background(), "U1", CookSpec{
		Name:           "batch",
		ToolID:         "echo",
		PromptTemplate: "a {variation} fox",
		Config:         cfg,
		TargetCount:    target,
	})
	require.NoError(f.t, err)
	return cook
}

func (f *fixture) waitCook(cookID string, pred func(*core.Cook) bool) *core.Cook {
	f.t.Helper()
	var last *core.Cook
	require.Eventually(f.t, func() bool {
		c, err := f.store.FindCookByID(context.Background(), cookID)
		if err != nil || c == nil {
			return false
		}
		last = c
		return pred(c)
	}, 2*time.Second, 2*time.Millisecond)
	return last
}

// ============================================================================
// COOK TESTS
// ============================================================================

func TestCookRunsToCompletion(t *testing.T) {
	f := newFixture(t, "complete")
	cook := f.newCook(4, core.CookConfig{})

	started, err := f.sched.StartCook(context.Background(), cook.ID, "U1")
	require.NoError(t, err)
	require.Equal(t, core.CookRunning, started.Status)

	done := f.waitCook(cook.ID, func(c *core.Cook) bool { return c.Status == core.CookCompleted })
	assert.Equal(t, 4, done.GeneratedCount)
	assert.Len(t, done.GenerationIDs, 4)
	assert.Len(t, done.PendingReview, 4)
	assert.True(t, done.CostUsd.Equal(decimal.RequireFromString("0.04")),
		"want 0.04, got %s", done.CostUsd)
	assert.NotNil(t, done.CompletedAt)
	assert.Equal(t, 4, f.exec.requestCount())
	assert.GreaterOrEqual(t, len(f.bus.ofType(events.TypeCookProgress)), 4)
}

func TestCookPieceRequestShape(t *testing.T) {
	f := newFixture(t, "complete")
	cook := f.newCook(1, core.CookConfig{Width: 1024, Height: 768})

	_, err := f.sched.StartCook(context.Background(), cook.ID, "U1")
	require.NoError(t, err)
	f.waitCook(cook.ID, func(c *core.Cook) bool { return c.Status == core.CookCompleted })

	req := f.exec.requestAt(0)
	assert.Equal(t, "U1", req.User.ID)
	assert.Equal(t, "none", req.Platform)
	assert.Equal(t, cook.ID, req.Meta.CookExecutionID)
	assert.Equal(t, 1024, req.Inputs["input_width"])
	assert.Equal(t, 768, req.Inputs["input_height"])
	assert.Contains(t, req.Inputs, "input_seed")
}

func TestCookFixedSeedModeOmitsSeed(t *testing.T) {
	f := newFixture(t, "complete")
	cook := f.newCook(1, core.CookConfig{SeedMode: "fixed"})

	_, err := f.sched.StartCook(context.Background(), cook.ID, "U1")
	require.NoError(t, err)
	f.waitCook(cook.ID, func(c *core.Cook) bool { return c.Status == core.CookCompleted })

	assert.NotContains(t, f.exec.requestAt(0).Inputs, "input_seed")
}

func TestCookVariationsRoundRobin(t *testing.T) {
	f := newFixture(t, "complete")
	cook := f.newCook(4, core.CookConfig{Variations: []string{"red", "blue"}})

	_, err := f.sched.StartCook(context.Background(), cook.ID, "U1")
	require.NoError(t, err)
	f.waitCook(cook.ID, func(c *core.Cook) bool { return c.Status == core.CookCompleted })

	want := []string{"a red fox", "a blue fox", "a red fox", "a blue fox"}
	for i, prompt := range want {
		assert.Equal(t, prompt, f.exec.requestAt(i).Inputs["input_prompt"], "piece %d", i)
	}
}

func TestCookPauseLetsInflightFinishAndCount(t *testing.T) {
	f := newFixture(t, "hold")
	f.sched.maxInflight = 1
	cook := f.newCook(10, core.CookConfig{})
	ctx := context.Background()

	_, err := f.sched.StartCook(ctx, cook.ID, "U1")
	require.NoError(t, err)

	// let three pieces land, with the fourth in flight
	for i := 0; i < 3; i++ {
		require.Eventually(t, func() bool { return f.exec.requestCount() == i+1 },
			2*time.Second, 2*time.Millisecond)
		f.exec.release(1)
	}
	require.Eventually(t, func() bool { return f.exec.requestCount() == 4 },
		2*time.Second, 2*time.Millisecond)

	paused, err := f.sched.PauseCook(ctx, cook.ID, "U1")
	require.NoError(t, err)
	assert.Equal(t, core.CookPaused, paused.Status)
	assert.Equal(t, 3, paused.GeneratedCount)

	// the in-flight fourth piece still lands and is counted
	f.exec.release(1)
	after := f.waitCook(cook.ID, func(c *core.Cook) bool { return c.GeneratedCount == 4 })
	assert.Equal(t, core.CookPaused, after.Status)

	// no fifth piece starts while paused
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 4, f.exec.requestCount())

	// resume and run out the remaining six
	f.exec.setMode("complete")
	_, err = f.sched.ResumeCook(ctx, cook.ID, "U1")
	require.NoError(t, err)

	done := f.waitCook(cook.ID, func(c *core.Cook) bool { return c.Status == core.CookCompleted })
	assert.Equal(t, 10, done.GeneratedCount)
	assert.Equal(t, 10, f.exec.requestCount())
	assert.True(t, done.CostUsd.Equal(decimal.RequireFromString("0.10")),
		"want 0.10, got %s", done.CostUsd)
}

func TestCookStopIsTerminal(t *testing.T) {
	f := newFixture(t, "hold")
	f.sched.maxInflight = 1
	cook := f.newCook(5, core.CookConfig{})
	ctx := context.Background()

	_, err := f.sched.StartCook(ctx, cook.ID, "U1")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return f.exec.requestCount() == 1 },
		2*time.Second, 2*time.Millisecond)

	stopped, err := f.sched.StopCook(ctx, cook.ID, "U1")
	require.NoError(t, err)
	assert.Equal(t, core.CookStopped, stopped.Status)
	assert.NotNil(t, stopped.CompletedAt)

	// the in-flight piece still lands and is recorded
	f.exec.release(1)
	after := f.waitCook(cook.ID, func(c *core.Cook) bool { return c.GeneratedCount == 1 })
	assert.Equal(t, core.CookStopped, after.Status)
	assert.Equal(t, 1, f.exec.requestCount())

	_, err = f.sched.StartCook(ctx, cook.ID, "U1")
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindConflict))
}

func TestCookFailsFastOnInsufficientFunds(t *testing.T) {
	f := newFixture(t, "complete")
	f.exec.setFailure(core.E(core.KindInsufficientFunds, "balance is empty"))
	cook := f.newCook(5, core.CookConfig{})

	_, err := f.sched.StartCook(context.Background(), cook.ID, "U1")
	require.NoError(t, err)

	failed := f.waitCook(cook.ID, func(c *core.Cook) bool { return c.Status == core.CookFailed })
	assert.Equal(t, 0, failed.GeneratedCount)
}

func TestCookRetriesTransientStartErrors(t *testing.T) {
	f := newFixture(t, "complete")
	f.exec.setFailure(core.E(core.KindStorageUnavailable, "mongo hiccup"))
	cook := f.newCook(2, core.CookConfig{})

	_, err := f.sched.StartCook(context.Background(), cook.ID, "U1")
	require.NoError(t, err)

	// still running, no pieces recorded
	time.Sleep(30 * time.Millisecond)
	mid, err := f.store.FindCookByID(context.Background(), cook.ID)
	require.NoError(t, err)
	assert.Equal(t, core.CookRunning, mid.Status)

	f.exec.setFailure(nil)
	done := f.waitCook(cook.ID, func(c *core.Cook) bool { return c.Status == core.CookCompleted })
	assert.Equal(t, 2, done.GeneratedCount)
}

func TestCookRecoverAdoptsInflightAndHeals(t *testing.T) {
	f := newFixture(t, "hold")
	ctx := context.Background()

	// a running cook left behind by a dead process: one piece already
	// terminal but never recorded, one still in flight
	cook := &core.Cook{
		ID:              core.NewID(),
		Name:            "orphan",
		MasterAccountID: "U1",
		ToolID:          "echo",
		PromptTemplate:  "a fox",
		TargetCount:     2,
		Status:          core.CookRunning,
		CreatedAt:       core.Now(),
	}
	require.NoError(t, f.store.CreateCook(ctx, cook))

	terminal := &core.Generation{
		ID:               core.NewID(),
		MasterAccountID:  "U1",
		ToolID:           "echo",
		Status:           core.GenCompleted,
		CostUsd:          decimal.RequireFromString("0.01"),
		RequestTimestamp: core.Now().Add(-2 * time.Minute),
		Metadata:         core.GenerationMeta{CookExecutionID: cook.ID},
	}
	f.store.putGen(terminal)

	inflight := &core.Generation{
		ID:               core.NewID(),
		MasterAccountID:  "U1",
		ToolID:           "echo",
		Status:           core.GenProcessing,
		RequestTimestamp: core.Now().Add(-time.Minute),
		Metadata:         core.GenerationMeta{CookExecutionID: cook.ID},
	}
	f.store.putGen(inflight)

	n, err := f.sched.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// the terminal piece is healed into the aggregate straight away
	f.waitCook(cook.ID, func(c *core.Cook) bool { return c.GeneratedCount == 1 })

	// the adopted piece lands and completes the cook without new submits
	f.store.finishGen(inflight.ID, core.GenCompleted, decimal.RequireFromString("0.01"), nil)
	done := f.waitCook(cook.ID, func(c *core.Cook) bool { return c.Status == core.CookCompleted })
	assert.Equal(t, 2, done.GeneratedCount)
	assert.ElementsMatch(t, []string{terminal.ID, inflight.ID}, done.GenerationIDs)
	assert.Equal(t, 0, f.exec.requestCount())
}

func TestCookFailedPiecesCountTowardTarget(t *testing.T) {
	f := newFixture(t, "hold")
	f.sched.maxInflight = 1
	cook := f.newCook(2, core.CookConfig{})
	ctx := context.Background()

	_, err := f.sched.StartCook(ctx, cook.ID, "U1")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return f.exec.requestCount() == 1 },
		2*time.Second, 2*time.Millisecond)

	// first piece fails upstream; it still consumed compute
	f.exec.mu.Lock()
	failedID := f.exec.held[0]
	f.exec.held = f.exec.held[1:]
	f.exec.mu.Unlock()
	f.store.finishGen(failedID, core.GenFailed, decimal.RequireFromString("0.005"), nil)

	require.Eventually(t, func() bool { return f.exec.requestCount() == 2 },
		2*time.Second, 2*time.Millisecond)
	f.exec.release(1)

	done := f.waitCook(cook.ID, func(c *core.Cook) bool { return c.Status == core.CookCompleted })
	assert.Equal(t, 2, done.GeneratedCount)
	assert.Len(t, done.GenerationIDs, 2)
	// only the success is reviewable
	assert.Len(t, done.PendingReview, 1)
	assert.True(t, done.CostUsd.Equal(decimal.RequireFromString("0.015")),
		"want 0.015, got %s", done.CostUsd)
}

func TestReviewMovesPiecesBetweenQueues(t *testing.T) {
	f := newFixture(t, "complete")
	cook := f.newCook(2, core.CookConfig{})
	ctx := context.Background()

	_, err := f.sched.StartCook(ctx, cook.ID, "U1")
	require.NoError(t, err)
	done := f.waitCook(cook.ID, func(c *core.Cook) bool { return c.Status == core.CookCompleted })
	require.Len(t, done.PendingReview, 2)

	first, second := done.PendingReview[0], done.PendingReview[1]

	afterAccept, err := f.sched.Review(ctx, cook.ID, "U1", first, true)
	require.NoError(t, err)
	assert.Contains(t, afterAccept.AcceptedIDs, first)
	assert.NotContains(t, afterAccept.PendingReview, first)

	afterReject, err := f.sched.Review(ctx, cook.ID, "U1", second, false)
	require.NoError(t, err)
	assert.Contains(t, afterReject.RejectedIDs, second)
	assert.Empty(t, afterReject.PendingReview)

	// re-review flips the verdict instead of duplicating
	flipped, err := f.sched.Review(ctx, cook.ID, "U1", second, true)
	require.NoError(t, err)
	assert.Contains(t, flipped.AcceptedIDs, second)
	assert.NotContains(t, flipped.RejectedIDs, second)

	_, err = f.sched.Review(ctx, cook.ID, "U1", "not-a-piece", true)
	require.Error(t, err)
}

func TestCookOwnershipIsEnforced(t *testing.T) {
	f := newFixture(t, "complete")
	cook := f.newCook(1, core.CookConfig{})
	ctx := context.Background()

	_, err := f.sched.StartCook(ctx, cook.ID, "intruder")
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindNotFound))

	_, err = f.sched.GetCook(ctx, cook.ID, "intruder")
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindNotFound))
}

func TestCreateCookValidation(t *testing.T) {
	f := newFixture(t, "complete")
	ctx := context.Background()

	_, err := f.sched.CreateCook(ctx, "U1", CookSpec{ToolID: "echo", PromptTemplate: "x", TargetCount: 0})
	assert.True(t, core.IsKind(err, core.KindInvalidInput))

	_, err = f.sched.CreateCook(ctx, "U1", CookSpec{ToolID: "echo", PromptTemplate: "  ", TargetCount: 3})
	assert.True(t, core.IsKind(err, core.KindInvalidInput))

	_, err = f.sched.CreateCook(ctx, "U1", CookSpec{ToolID: "nope", PromptTemplate: "x", TargetCount: 3})
	assert.True(t, core.IsKind(err, core.KindNotFound))
}
