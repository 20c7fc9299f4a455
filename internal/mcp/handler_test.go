package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noemahq/noema/internal/core"
	"github.com/noemahq/noema/internal/engine"
	"github.com/noemahq/noema/internal/export"
	"github.com/noemahq/noema/internal/middleware"
	"github.com/noemahq/noema/internal/scheduler"
	"github.com/noemahq/noema/internal/store"
)

// ============================================================================
// FAKES
// ============================================================================

type fakeEngine struct {
	mu       sync.Mutex
	requests []engine.ExecuteRequest
	status   core.GenerationStatus
	err      error
}

func (f *fakeEngine) Execute(_ context.Context, req engine.ExecuteRequest) (*engine.ExecuteResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	status := f.status
	if status == "" {
		status = core.GenPending
	}
	gen := &core.Generation{
		ID:              "gen-1",
		MasterAccountID: req.User.ID,
		ToolID:          req.ToolIdentifier,
		Status:          status,
		CostUsd:         decimal.RequireFromString("0.05"),
		ResultPayload:   map[string]interface{}{"url": "https://cdn/out.png"},
	}
	return &engine.ExecuteResult{Generation: gen, PollURL: "/api/v1/generation/status/gen-1"}, nil
}

func (f *fakeEngine) Status(context.Context, string, string) (*core.Generation, error) {
	return nil, core.E(core.KindNotFound, "not implemented")
}

func (f *fakeEngine) Cancel(context.Context, string, string) (*core.Generation, error) {
	return &core.Generation{Status: core.GenCancelled}, nil
}

func (f *fakeEngine) last(t *testing.T) engine.ExecuteRequest {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.requests)
	return f.requests[len(f.requests)-1]
}

type fakeSpells struct {
	mu     sync.Mutex
	spells map[string]*core.Spell
	casts  map[string]*core.SpellCast
}

func newFakeSpells() *fakeSpells {
	return &fakeSpells{
		spells: make(map[string]*core.Spell),
		casts:  make(map[string]*core.SpellCast),
	}
}

func (f *fakeSpells) CreateSpell(_ context.Context, owner string, spec scheduler.SpellSpec) (*core.Spell, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sp := &core.Spell{Slug: spec.Slug, Name: spec.Name, Owner: owner, ExposedInputs: spec.ExposedInputs}
	f.spells[sp.Slug] = sp
	return sp, nil
}

func (f *fakeSpells) ListSpells(_ context.Context, _ string) ([]core.Spell, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []core.Spell
	for _, sp := range f.spells {
		out = append(out, *sp)
	}
	return out, nil
}

func (f *fakeSpells) GetSpell(_ context.Context, slug, _ string) (*core.Spell, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sp, ok := f.spells[slug]
	if !ok {
		return nil, core.E(core.KindNotFound, "spell %s not found", slug)
	}
	return sp, nil
}

func (f *fakeSpells) DeleteSpell(_ context.Context, slug, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.spells, slug)
	return nil
}

func (f *fakeSpells) Cast(_ context.Context, req scheduler.CastRequest) (*core.SpellCast, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.spells[req.Slug]; !ok {
		return nil, core.E(core.KindNotFound, "spell %s not found", req.Slug)
	}
	cast := &core.SpellCast{ID: "cast-1", Slug: req.Slug, Caster: req.Caster, Status: core.GenProcessing}
	f.casts[cast.ID] = cast
	return cast, nil
}

func (f *fakeSpells) GetCast(_ context.Context, castID, _ string) (*core.SpellCast, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cast, ok := f.casts[castID]
	if !ok {
		return nil, core.E(core.KindNotFound, "cast %s not found", castID)
	}
	return cast, nil
}

type fakeCooks struct {
	mu    sync.Mutex
	cooks map[string]*core.Cook
	ops   []string
}

func newFakeCooks() *fakeCooks {
	return &fakeCooks{cooks: make(map[string]*core.Cook)}
}

func (f *fakeCooks) CreateCook(_ context.Context, owner string, spec scheduler.CookSpec) (*core.Cook, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cook := &core.Cook{ID: "cook-1", Name: spec.Name, MasterAccountID: owner, Status: core.CookDraft}
	f.cooks[cook.ID] = cook
	return cook, nil
}

func (f *fakeCooks) transition(id, owner, op string, status core.CookStatus) (*core.Cook, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cook, ok := f.cooks[id]
	if !ok || cook.MasterAccountID != owner {
		return nil, core.E(core.KindNotFound, "collection %s not found", id)
	}
	f.ops = append(f.ops, op)
	cook.Status = status
	return cook, nil
}

func (f *fakeCooks) StartCook(_ context.Context, id, owner string) (*core.Cook, error) {
	return f.transition(id, owner, "start", core.CookRunning)
}

func (f *fakeCooks) PauseCook(_ context.Context, id, owner string) (*core.Cook, error) {
	return f.transition(id, owner, "pause", core.CookPaused)
}

func (f *fakeCooks) ResumeCook(_ context.Context, id, owner string) (*core.Cook, error) {
	return f.transition(id, owner, "resume", core.CookRunning)
}

func (f *fakeCooks) StopCook(_ context.Context, id, owner string) (*core.Cook, error) {
	return f.transition(id, owner, "stop", core.CookStopped)
}

func (f *fakeCooks) Review(_ context.Context, id, owner, genID string, accept bool) (*core.Cook, error) {
	cook, err := f.transition(id, owner, fmt.Sprintf("review:%s:%v", genID, accept), core.CookRunning)
	if err != nil {
		return nil, err
	}
	if accept {
		cook.AcceptedIDs = append(cook.AcceptedIDs, genID)
	} else {
		cook.RejectedIDs = append(cook.RejectedIDs, genID)
	}
	return cook, nil
}

func (f *fakeCooks) GetCook(_ context.Context, id, owner string) (*core.Cook, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cook, ok := f.cooks[id]
	if !ok || cook.MasterAccountID != owner {
		return nil, core.E(core.KindNotFound, "collection %s not found", id)
	}
	return cook, nil
}

func (f *fakeCooks) ListCooks(_ context.Context, owner string, _ core.CookStatus) ([]core.Cook, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []core.Cook
	for _, c := range f.cooks {
		if c.MasterAccountID == owner {
			out = append(out, *c)
		}
	}
	return out, nil
}

type fakeTools struct{ tools []core.Tool }

func (f *fakeTools) List() []core.Tool { return f.tools }

func (f *fakeTools) Resolve(id string) (*core.Tool, bool) {
	for i := range f.tools {
		if f.tools[i].ToolID == id {
			return &f.tools[i], true
		}
	}
	return nil, false
}

type fakeLoras struct{ loras []core.LoraModel }

func (f *fakeLoras) SearchLoras(_ context.Context, q store.LoraSearch) ([]core.LoraModel, error) {
	var out []core.LoraModel
	for _, l := range f.loras {
		if q.Query != "" && !strings.Contains(strings.ToLower(l.Name), strings.ToLower(q.Query)) {
			continue
		}
		if q.Checkpoint != "" && l.Checkpoint != q.Checkpoint {
			continue
		}
		out = append(out, l)
	}
	return out, nil
}

func (f *fakeLoras) FindLoraBySlug(_ context.Context, slug string) (*core.LoraModel, error) {
	for i := range f.loras {
		if f.loras[i].Slug == slug {
			return &f.loras[i], nil
		}
	}
	return nil, nil
}

type fakeTrainings struct {
	mu        sync.Mutex
	trainings map[string]*core.Training
	datasets  map[string]*core.Dataset
}

func newFakeTrainings() *fakeTrainings {
	return &fakeTrainings{
		trainings: make(map[string]*core.Training),
		datasets:  make(map[string]*core.Dataset),
	}
}

func (f *fakeTrainings) CreateTraining(_ context.Context, tr *core.Training) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *tr
	f.trainings[tr.ID] = &cp
	return nil
}

func (f *fakeTrainings) FindTrainingByID(_ context.Context, id string) (*core.Training, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tr, ok := f.trainings[id]
	if !ok {
		return nil, nil
	}
	cp := *tr
	return &cp, nil
}

func (f *fakeTrainings) SetTrainingGeneration(_ context.Context, id, genID string, status core.TrainingStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if tr, ok := f.trainings[id]; ok {
		tr.GenerationID = genID
		tr.Status = status
	}
	return nil
}

func (f *fakeTrainings) SetTrainingStatus(_ context.Context, id string, status core.TrainingStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if tr, ok := f.trainings[id]; ok {
		tr.Status = status
	}
	return nil
}

func (f *fakeTrainings) ListTrainings(_ context.Context, owner string, _ int64) ([]core.Training, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []core.Training
	for _, tr := range f.trainings {
		if tr.MasterAccountID == owner {
			out = append(out, *tr)
		}
	}
	return out, nil
}

func (f *fakeTrainings) CreateDataset(_ context.Context, ds *core.Dataset) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *ds
	f.datasets[ds.ID] = &cp
	return nil
}

func (f *fakeTrainings) FindDatasetByID(_ context.Context, id string) (*core.Dataset, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ds, ok := f.datasets[id]
	if !ok {
		return nil, nil
	}
	cp := *ds
	return &cp, nil
}

type fakeExporter struct {
	mu   sync.Mutex
	jobs map[string]*export.Job
}

func (f *fakeExporter) Enqueue(_ context.Context, cookID, owner string) (*export.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.jobs == nil {
		f.jobs = make(map[string]*export.Job)
	}
	job := &export.Job{ID: "job-1", CookID: cookID, MasterAccountID: owner, Status: export.JobQueued}
	f.jobs[job.ID] = job
	return job, nil
}

func (f *fakeExporter) Job(jobID string) (*export.Job, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[jobID]
	return job, ok
}

// ============================================================================
// FIXTURE
// ============================================================================

type fixture struct {
	handler   *Handler
	engine    *fakeEngine
	spells    *fakeSpells
	cooks     *fakeCooks
	trainings *fakeTrainings
	user      *core.User
}

func newFixture() *fixture {
	eng := &fakeEngine{}
	spells := newFakeSpells()
	cooks := newFakeCooks()
	trainings := newFakeTrainings()

	minSteps := 1.0
	tools := &fakeTools{tools: []core.Tool{
		{
			ToolID:      "make-image",
			DisplayName: "Make Image",
			Description: "Renders an image from a prompt.",
			InputSchema: core.ToolSchema{Params: []core.ToolParam{
				{Name: "prompt", Type: "string", Required: true},
				{Name: "steps", Type: "integer", Min: &minSteps},
				{Name: "size", Type: "string", Enum: []string{"512", "1024"}},
			}},
		},
		{ToolID: "lora-trainer", DisplayName: "LoRA Trainer"},
	}}
	loras := &fakeLoras{loras: []core.LoraModel{
		{Slug: "neon-noir", Name: "Neon Noir", Checkpoint: "FLUX", TriggerWords: []string{"neon noir"}},
		{Slug: "pastel-dream", Name: "Pastel Dream", Checkpoint: "SDXL", TriggerWords: []string{"pastel dream"}},
	}}

	h := NewHandler(Deps{
		Engine:    eng,
		Spells:    spells,
		Cooks:     cooks,
		Tools:     tools,
		Loras:     loras,
		Trainings: trainings,
		Exporter:  &fakeExporter{},
	})
	return &fixture{
		handler:   h,
		engine:    eng,
		spells:    spells,
		cooks:     cooks,
		trainings: trainings,
		user:      &core.User{ID: "acct-1", Status: "active"},
	}
}

type rpcResult struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Data    struct {
			Kind string `json:"kind"`
		} `json:"data"`
	} `json:"error"`
}

func (fx *fixture) post(t *testing.T, body string) (int, *rpcResult) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/mcp", strings.NewReader(body))
	req = req.WithContext(middleware.WithUser(req.Context(), fx.user))
	rec := httptest.NewRecorder()
	fx.handler.ServeHTTP(rec, req)

	if rec.Body.Len() == 0 {
		return rec.Code, nil
	}
	var out rpcResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return rec.Code, &out
}

func (fx *fixture) invoke(t *testing.T, method string, params interface{}) *rpcResult {
	t.Helper()
	req := map[string]interface{}{"jsonrpc": "2.0", "id": 1, "method": method}
	if params != nil {
		req["params"] = params
	}
	body, err := json.Marshal(req)
	require.NoError(t, err)

	status, out := fx.post(t, string(body))
	require.Equal(t, http.StatusOK, status)
	require.NotNil(t, out)
	return out
}

// ============================================================================
// ENVELOPE
// ============================================================================

func TestInitializeHandshake(t *testing.T) {
	fx := newFixture()

	out := fx.invoke(t, "initialize", map[string]interface{}{
		"protocolVersion": protocolVersion,
		"clientInfo":      map[string]string{"name": "client", "version": "0.1"},
	})
	require.Nil(t, out.Error)

	var res initializeResult
	require.NoError(t, json.Unmarshal(out.Result, &res))
	assert.Equal(t, protocolVersion, res.ProtocolVersion)
	assert.Equal(t, "noema", res.ServerInfo.Name)
	assert.NotNil(t, res.Capabilities.Tools)
	assert.NotNil(t, res.Capabilities.Prompts)
}

func TestMalformedEnvelopes(t *testing.T) {
	fx := newFixture()

	status, out := fx.post(t, "{not json")
	require.Equal(t, http.StatusOK, status)
	require.NotNil(t, out.Error)
	assert.Equal(t, errCodeParse, out.Error.Code)

	_, out = fx.post(t, `[{"jsonrpc":"2.0","id":1,"method":"ping"}]`)
	require.NotNil(t, out.Error)
	assert.Equal(t, errCodeInvalidRequest, out.Error.Code)

	_, out = fx.post(t, `{"jsonrpc":"1.0","id":1,"method":"ping"}`)
	require.NotNil(t, out.Error)
	assert.Equal(t, errCodeInvalidRequest, out.Error.Code)
}

func TestUnknownMethod(t *testing.T) {
	fx := newFixture()
	out := fx.invoke(t, "sampling/createMessage", nil)
	require.NotNil(t, out.Error)
	assert.Equal(t, errCodeMethodNotFound, out.Error.Code)
}

func TestNotificationsGetNoBody(t *testing.T) {
	fx := newFixture()
	status, out := fx.post(t, `{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	assert.Equal(t, http.StatusAccepted, status)
	assert.Nil(t, out)
}

// ============================================================================
// TOOLS
// ============================================================================

func TestToolsListBuildsSchemas(t *testing.T) {
	fx := newFixture()
	out := fx.invoke(t, "tools/list", nil)
	require.Nil(t, out.Error)

	var res struct {
		Tools []struct {
			Name        string                 `json:"name"`
			InputSchema map[string]interface{} `json:"inputSchema"`
		} `json:"tools"`
	}
	require.NoError(t, json.Unmarshal(out.Result, &res))
	require.Len(t, res.Tools, 2)

	// Sorted by name: lora-trainer first.
	assert.Equal(t, "lora-trainer", res.Tools[0].Name)
	makeImage := res.Tools[1]
	assert.Equal(t, "make-image", makeImage.Name)
	assert.Equal(t, "object", makeImage.InputSchema["type"])

	props := makeImage.InputSchema["properties"].(map[string]interface{})
	prompt := props["prompt"].(map[string]interface{})
	assert.Equal(t, "string", prompt["type"])
	steps := props["steps"].(map[string]interface{})
	assert.Equal(t, "integer", steps["type"])
	assert.Equal(t, float64(1), steps["minimum"])
	size := props["size"].(map[string]interface{})
	assert.Equal(t, []interface{}{"512", "1024"}, size["enum"])
}

func TestToolsListMarksRequiredParams(t *testing.T) {
	fx := newFixture()
	out := fx.invoke(t, "tools/list", nil)
	require.Nil(t, out.Error)

	var res struct {
		Tools []struct {
			Name        string `json:"name"`
			InputSchema struct {
				Required []string `json:"required"`
			} `json:"inputSchema"`
		} `json:"tools"`
	}
	require.NoError(t, json.Unmarshal(out.Result, &res))
	assert.Equal(t, []string{"prompt"}, res.Tools[1].InputSchema.Required)
}

func TestToolsCallAsyncReturnsPollInfo(t *testing.T) {
	fx := newFixture()

	out := fx.invoke(t, "tools/call", map[string]interface{}{
		"name":      "make-image",
		"arguments": map[string]interface{}{"prompt": "a red fox"},
	})
	require.Nil(t, out.Error)

	var res toolCallResult
	require.NoError(t, json.Unmarshal(out.Result, &res))
	require.Len(t, res.Content, 1)
	assert.False(t, res.IsError)
	assert.Contains(t, res.Content[0].Text, "gen-1")
	assert.Contains(t, res.Content[0].Text, "pollUrl")

	sent := fx.engine.last(t)
	assert.Equal(t, "make-image", sent.ToolIdentifier)
	assert.Equal(t, "a red fox", sent.Inputs["prompt"])
	assert.Equal(t, "acct-1", sent.User.ID)
}

func TestToolsCallImmediateReturnsOutputs(t *testing.T) {
	fx := newFixture()
	fx.engine.status = core.GenCompleted

	out := fx.invoke(t, "tools/call", map[string]interface{}{
		"name":      "make-image",
		"arguments": map[string]interface{}{"prompt": "a red fox"},
	})
	require.Nil(t, out.Error)

	var res toolCallResult
	require.NoError(t, json.Unmarshal(out.Result, &res))
	assert.Contains(t, res.Content[0].Text, "https://cdn/out.png")
	assert.Contains(t, res.Content[0].Text, "costUsd")
}

func TestToolsCallFailureStaysInsideResult(t *testing.T) {
	fx := newFixture()
	fx.engine.err = core.E(core.KindInsufficientFunds, "need 120 points, have 3")

	out := fx.invoke(t, "tools/call", map[string]interface{}{
		"name":      "make-image",
		"arguments": map[string]interface{}{"prompt": "x"},
	})
	require.Nil(t, out.Error)

	var res toolCallResult
	require.NoError(t, json.Unmarshal(out.Result, &res))
	assert.True(t, res.IsError)
	assert.Contains(t, res.Content[0].Text, "need 120 points")
}

// ============================================================================
// RESOURCES & PROMPTS
// ============================================================================

func TestResourcesListAndRead(t *testing.T) {
	fx := newFixture()

	out := fx.invoke(t, "resources/list", nil)
	require.Nil(t, out.Error)
	var listed resourcesListResult
	require.NoError(t, json.Unmarshal(out.Result, &listed))
	require.Len(t, listed.Resources, 2)
	assert.Equal(t, "noema://lora/neon-noir", listed.Resources[0].URI)

	out = fx.invoke(t, "resources/read", map[string]string{"uri": "noema://lora/neon-noir"})
	require.Nil(t, out.Error)
	var read resourceReadResult
	require.NoError(t, json.Unmarshal(out.Result, &read))
	require.Len(t, read.Contents, 1)
	assert.Contains(t, read.Contents[0].Text, "neon noir")
}

func TestResourcesSearchURI(t *testing.T) {
	fx := newFixture()

	out := fx.invoke(t, "resources/read", map[string]string{
		"uri": "noema://lora/search?q=pastel&checkpoint=SDXL",
	})
	require.Nil(t, out.Error)

	var read resourceReadResult
	require.NoError(t, json.Unmarshal(out.Result, &read))
	assert.Contains(t, read.Contents[0].Text, "pastel-dream")
	assert.NotContains(t, read.Contents[0].Text, "neon-noir")
}

func TestResourcesReadRejectsForeignURI(t *testing.T) {
	fx := newFixture()

	out := fx.invoke(t, "resources/read", map[string]string{"uri": "file:///etc/passwd"})
	require.NotNil(t, out.Error)
	assert.Equal(t, errCodeInvalidParams, out.Error.Code)

	out = fx.invoke(t, "resources/read", map[string]string{"uri": "noema://lora/missing"})
	require.NotNil(t, out.Error)
	assert.Equal(t, "NOT_FOUND", out.Error.Data.Kind)
}

func TestPromptsMirrorSpells(t *testing.T) {
	fx := newFixture()
	fx.invoke(t, "spells/create", scheduler.SpellSpec{
		Slug:          "portrait-pipeline",
		Name:          "Portrait Pipeline",
		ExposedInputs: []string{"subject", "style"},
	})

	out := fx.invoke(t, "prompts/list", nil)
	require.Nil(t, out.Error)
	var listed promptsListResult
	require.NoError(t, json.Unmarshal(out.Result, &listed))
	require.Len(t, listed.Prompts, 1)
	assert.Equal(t, "portrait-pipeline", listed.Prompts[0].Name)
	assert.Len(t, listed.Prompts[0].Arguments, 2)

	out = fx.invoke(t, "prompts/get", promptGetParams{
		Name:      "portrait-pipeline",
		Arguments: map[string]string{"subject": "a falcon"},
	})
	require.Nil(t, out.Error)
	var got promptGetResult
	require.NoError(t, json.Unmarshal(out.Result, &got))
	require.Len(t, got.Messages, 1)
	assert.Contains(t, got.Messages[0].Content.Text, "portrait-pipeline")
	assert.Contains(t, got.Messages[0].Content.Text, "a falcon")
}

// ============================================================================
// DOMAIN METHODS
// ============================================================================

func TestDomainErrorCarriesKind(t *testing.T) {
	fx := newFixture()

	out := fx.invoke(t, "spells/get", map[string]string{"slug": "missing"})
	require.NotNil(t, out.Error)
	assert.Equal(t, errCodeInternal, out.Error.Code)
	assert.Equal(t, "NOT_FOUND", out.Error.Data.Kind)
}

func TestCollectionLifecycleOverMCP(t *testing.T) {
	fx := newFixture()

	out := fx.invoke(t, "collections/create", scheduler.CookSpec{
		Name:           "fox pack",
		ToolID:         "make-image",
		PromptTemplate: "a fox, {{style}}",
		TargetCount:    4,
	})
	require.Nil(t, out.Error)

	var cook core.Cook
	require.NoError(t, json.Unmarshal(out.Result, &cook))
	require.Equal(t, "cook-1", cook.ID)

	out = fx.invoke(t, "collections/start", map[string]string{"collectionId": "cook-1"})
	require.Nil(t, out.Error)

	accept := true
	out = fx.invoke(t, "collections/review", map[string]interface{}{
		"collectionId": "cook-1",
		"generationId": "gen-9",
		"accept":       accept,
	})
	require.Nil(t, out.Error)
	require.NoError(t, json.Unmarshal(out.Result, &cook))
	assert.Contains(t, cook.AcceptedIDs, "gen-9")

	out = fx.invoke(t, "collections/stop", map[string]string{"collectionId": "cook-1"})
	require.Nil(t, out.Error)
	assert.Equal(t, []string{"start", "review:gen-9:true", "stop"}, fx.cooks.ops)
}

func TestReviewRequiresVerdict(t *testing.T) {
	fx := newFixture()
	fx.invoke(t, "collections/create", scheduler.CookSpec{Name: "x", ToolID: "make-image", PromptTemplate: "p", TargetCount: 1})

	out := fx.invoke(t, "collections/review", map[string]interface{}{
		"collectionId": "cook-1",
		"generationId": "gen-9",
	})
	require.NotNil(t, out.Error)
	assert.Equal(t, errCodeInvalidParams, out.Error.Code)
}

func TestTrainingCreateOverMCP(t *testing.T) {
	fx := newFixture()
	fx.trainings.datasets["ds-1"] = &core.Dataset{ID: "ds-1", MasterAccountID: "acct-1", Name: "faces"}

	out := fx.invoke(t, "trainings/create", map[string]interface{}{
		"loraName":  "my-style",
		"datasetId": "ds-1",
		"baseModel": "FLUX",
		"steps":     1200,
	})
	require.Nil(t, out.Error)

	var tr core.Training
	require.NoError(t, json.Unmarshal(out.Result, &tr))
	assert.Equal(t, core.TrainingProvisioning, tr.Status)
	assert.Equal(t, "gen-1", tr.GenerationID)

	sent := fx.engine.last(t)
	assert.Equal(t, "lora-trainer", sent.ToolIdentifier)
	assert.Equal(t, tr.ID, sent.Inputs["trainingId"])
	assert.Equal(t, "r2", sent.Inputs["artifactDest"])
	assert.EqualValues(t, 1200, sent.Inputs["steps"])
}

func TestTrainingCreateRejectsForeignDataset(t *testing.T) {
	fx := newFixture()
	fx.trainings.datasets["ds-1"] = &core.Dataset{ID: "ds-1", MasterAccountID: "someone-else"}

	out := fx.invoke(t, "trainings/create", map[string]interface{}{
		"loraName":  "my-style",
		"datasetId": "ds-1",
		"baseModel": "FLUX",
	})
	require.NotNil(t, out.Error)
	assert.Equal(t, "NOT_FOUND", out.Error.Data.Kind)
}

func TestUnauthenticatedRequestIsRejected(t *testing.T) {
	fx := newFixture()
	fx.user = nil

	status, out := fx.post(t, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	require.Equal(t, http.StatusOK, status)
	require.NotNil(t, out.Error)
	assert.Equal(t, "UNAUTHORIZED", out.Error.Data.Kind)
}
