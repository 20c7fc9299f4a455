package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/noemahq/noema/internal/core"
	"github.com/noemahq/noema/internal/engine"
	"github.com/noemahq/noema/internal/export"
	"github.com/noemahq/noema/internal/middleware"
	"github.com/noemahq/noema/internal/scheduler"
	"github.com/noemahq/noema/internal/store"
)

const (
	serverName    = "noema"
	serverVersion = "1.0.0"

	// maxBody bounds a single JSON-RPC message.
	maxBody = 1 << 20

	// resourceListLimit caps how many LoRAs resources/list enumerates;
	// clients narrow further via the search URI.
	resourceListLimit = 100
)

type generationService interface {
	Execute(ctx context.Context, req engine.ExecuteRequest) (*engine.ExecuteResult, error)
	Status(ctx context.Context, generationID, masterAccountID string) (*core.Generation, error)
	Cancel(ctx context.Context, generationID, masterAccountID string) (*core.Generation, error)
}

type spellService interface {
	CreateSpell(ctx context.Context, owner string, spec scheduler.SpellSpec) (*core.Spell, error)
	ListSpells(ctx context.Context, masterAccountID string) ([]core.Spell, error)
	GetSpell(ctx context.Context, slug, masterAccountID string) (*core.Spell, error)
	DeleteSpell(ctx context.Context, slug, owner string) error
	Cast(ctx context.Context, req scheduler.CastRequest) (*core.SpellCast, error)
	GetCast(ctx context.Context, castID, masterAccountID string) (*core.SpellCast, error)
}

type cookService interface {
	CreateCook(ctx context.Context, masterAccountID string, spec scheduler.CookSpec) (*core.Cook, error)
	StartCook(ctx context.Context, cookID, masterAccountID string) (*core.Cook, error)
	PauseCook(ctx context.Context, cookID, masterAccountID string) (*core.Cook, error)
	ResumeCook(ctx context.Context, cookID, masterAccountID string) (*core.Cook, error)
	StopCook(ctx context.Context, cookID, masterAccountID string) (*core.Cook, error)
	Review(ctx context.Context, cookID, masterAccountID, generationID string, accept bool) (*core.Cook, error)
	GetCook(ctx context.Context, cookID, masterAccountID string) (*core.Cook, error)
	ListCooks(ctx context.Context, masterAccountID string, status core.CookStatus) ([]core.Cook, error)
}

type toolCatalog interface {
	List() []core.Tool
	Resolve(identifier string) (*core.Tool, bool)
}

type loraCatalog interface {
	SearchLoras(ctx context.Context, q store.LoraSearch) ([]core.LoraModel, error)
	FindLoraBySlug(ctx context.Context, slug string) (*core.LoraModel, error)
}

type trainingStore interface {
	CreateTraining(ctx context.Context, t *core.Training) error
	FindTrainingByID(ctx context.Context, id string) (*core.Training, error)
	SetTrainingGeneration(ctx context.Context, id, generationID string, status core.TrainingStatus) error
	SetTrainingStatus(ctx context.Context, id string, status core.TrainingStatus) error
	ListTrainings(ctx context.Context, masterAccountID string, limit int64) ([]core.Training, error)
	CreateDataset(ctx context.Context, ds *core.Dataset) error
	FindDatasetByID(ctx context.Context, id string) (*core.Dataset, error)
}

type exportControl interface {
	Enqueue(ctx context.Context, cookID, masterAccountID string) (*export.Job, error)
	Job(jobID string) (*export.Job, bool)
}

// Deps are the services the MCP surface drives. They are the same concrete
// values the REST gateway holds; the interfaces are declared here so the
// handler is testable against fakes.
type Deps struct {
	Engine    generationService
	Spells    spellService
	Cooks     cookService
	Tools     toolCatalog
	Loras     loraCatalog
	Trainings trainingStore
	Exporter  exportControl
}

// Handler serves MCP over a single POST route. It expects the auth
// middleware to have resolved the API key already.
type Handler struct {
	deps   Deps
	logger *log.Logger
}

func NewHandler(deps Deps) *Handler {
	return &Handler{
		deps:   deps,
		logger: log.New(log.Writer(), "[MCP] ", log.LstdFlags),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		h.reply(w, errResponse(nil, errCodeParse, "unreadable body", nil))
		return
	}

	trimmed := strings.TrimSpace(string(body))
	if strings.HasPrefix(trimmed, "[") {
		h.reply(w, errResponse(nil, errCodeInvalidRequest, "batch requests are not supported", nil))
		return
	}

	var req request
	if err := json.Unmarshal(body, &req); err != nil {
		h.reply(w, errResponse(nil, errCodeParse, "parse error", nil))
		return
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		h.reply(w, errResponse(req.ID, errCodeInvalidRequest, "invalid request", nil))
		return
	}

	user := middleware.UserFrom(r.Context())
	resp := h.dispatch(r.Context(), user, &req)
	if resp == nil {
		// Notifications are acknowledged without a body.
		w.WriteHeader(http.StatusAccepted)
		return
	}
	h.reply(w, *resp)
}

func (h *Handler) reply(w http.ResponseWriter, resp response) {
	if len(resp.ID) == 0 {
		resp.ID = json.RawMessage("null")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Printf("⚠️ write response: %v", err)
	}
}

func (h *Handler) dispatch(ctx context.Context, user *core.User, req *request) *response {
	if strings.HasPrefix(req.Method, "notifications/") {
		return nil
	}

	result, rpcErr := h.call(ctx, user, req.Method, req.Params)
	if req.isNotification() {
		return nil
	}
	if rpcErr != nil {
		return &response{JSONRPC: "2.0", ID: req.ID, Error: rpcErr}
	}
	return &response{JSONRPC: "2.0", ID: req.ID, Result: result}
}

func (h *Handler) call(ctx context.Context, user *core.User, method string, params json.RawMessage) (interface{}, *rpcError) {
	if user == nil && method != "ping" {
		return nil, domainError(core.E(core.KindUnauthorized, "API key required"))
	}

	switch method {
	case "initialize":
		return h.initialize(), nil
	case "ping":
		return struct{}{}, nil

	case "tools/list":
		return h.toolsList(), nil
	case "tools/call":
		return h.toolsCall(ctx, user, params)

	case "resources/list":
		return h.resourcesList(ctx, user)
	case "resources/read":
		return h.resourcesRead(ctx, user, params)

	case "prompts/list":
		return h.promptsList(ctx, user)
	case "prompts/get":
		return h.promptsGet(ctx, user, params)

	case "spells/create":
		return h.spellsCreate(ctx, user, params)
	case "spells/list":
		return h.spellsList(ctx, user)
	case "spells/get":
		return h.spellsGet(ctx, user, params)
	case "spells/delete":
		return h.spellsDelete(ctx, user, params)
	case "spells/cast":
		return h.spellsCast(ctx, user, params)
	case "spells/casts/get":
		return h.spellsCastsGet(ctx, user, params)

	case "collections/create":
		return h.collectionsCreate(ctx, user, params)
	case "collections/list":
		return h.collectionsList(ctx, user, params)
	case "collections/get":
		return h.collectionsGet(ctx, user, params)
	case "collections/start", "collections/pause", "collections/resume", "collections/stop":
		return h.collectionsTransition(ctx, user, strings.TrimPrefix(method, "collections/"), params)
	case "collections/review":
		return h.collectionsReview(ctx, user, params)
	case "collections/export":
		return h.collectionsExport(ctx, user, params)
	case "collections/export/status":
		return h.collectionsExportStatus(user, params)

	case "trainings/create":
		return h.trainingsCreate(ctx, user, params)
	case "trainings/list":
		return h.trainingsList(ctx, user, params)
	case "trainings/get":
		return h.trainingsGet(ctx, user, params)
	case "trainings/cancel":
		return h.trainingsCancel(ctx, user, params)
	case "trainings/datasets/create":
		return h.datasetsCreate(ctx, user, params)
	case "trainings/datasets/get":
		return h.datasetsGet(ctx, user, params)

	default:
		return nil, &rpcError{Code: errCodeMethodNotFound, Message: "method not found: " + method}
	}
}

// --- handshake ---

func (h *Handler) initialize() initializeResult {
	return initializeResult{
		ProtocolVersion: protocolVersion,
		Capabilities: serverCapabilities{
			Tools:     &capability{},
			Resources: &capability{},
			Prompts:   &capability{},
		},
		ServerInfo: serverInfo{Name: serverName, Version: serverVersion},
	}
}

// --- tools ---

func (h *Handler) toolsList() toolsListResult {
	tools := h.deps.Tools.List()
	defs := make([]toolDefinition, 0, len(tools))
	for _, t := range tools {
		desc := t.Description
		if desc == "" {
			desc = t.DisplayName
		}
		defs = append(defs, toolDefinition{
			Name:        t.ToolID,
			Description: desc,
			InputSchema: inputSchema(t.InputSchema),
		})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return toolsListResult{Tools: defs}
}

// inputSchema renders a tool's declared params as JSON Schema, which is
// what MCP clients expect in tools/list.
func inputSchema(s core.ToolSchema) map[string]interface{} {
	props := make(map[string]interface{}, len(s.Params))
	var required []string
	for _, p := range s.Params {
		prop := map[string]interface{}{"type": schemaType(p.Type)}
		if len(p.Enum) > 0 {
			prop["enum"] = p.Enum
		}
		if p.Min != nil {
			prop["minimum"] = *p.Min
		}
		if p.Max != nil {
			prop["maximum"] = *p.Max
		}
		if p.Default != nil {
			prop["default"] = p.Default
		}
		props[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}

	schema := map[string]interface{}{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		sort.Strings(required)
		schema["required"] = required
	}
	if s.Passthrough {
		schema["additionalProperties"] = true
	}
	return schema
}

func schemaType(t string) string {
	switch t {
	case "number", "integer", "boolean", "array", "object":
		return t
	default:
		return "string"
	}
}

func (h *Handler) toolsCall(ctx context.Context, user *core.User, params json.RawMessage) (interface{}, *rpcError) {
	var p toolCallParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &rpcError{Code: errCodeInvalidParams, Message: "invalid params: " + err.Error()}
	}
	if p.Name == "" {
		return nil, &rpcError{Code: errCodeInvalidParams, Message: "tool name is required"}
	}

	res, err := h.deps.Engine.Execute(ctx, engine.ExecuteRequest{
		User:           user,
		ToolIdentifier: p.Name,
		Inputs:         p.Arguments,
	})
	if err != nil {
		// Tool-level failures stay inside the result so the model can read
		// them; only envelope problems become JSON-RPC errors.
		return errorResult(core.Message(err)), nil
	}

	gen := res.Generation
	if gen.Status.Terminal() {
		return textResult(prettyJSON(map[string]interface{}{
			"generationId": gen.ID,
			"status":       gen.Status,
			"outputs":      gen.ResultPayload,
			"costUsd":      gen.CostUsd.String(),
			"durationMs":   gen.DurationMs,
		})), nil
	}
	return textResult(prettyJSON(map[string]interface{}{
		"generationId": gen.ID,
		"status":       gen.Status,
		"pollUrl":      res.PollURL,
	})), nil
}

// --- resources ---

func (h *Handler) resourcesList(ctx context.Context, user *core.User) (interface{}, *rpcError) {
	loras, err := h.deps.Loras.SearchLoras(ctx, store.LoraSearch{
		Owner: user.ID,
		Limit: resourceListLimit,
	})
	if err != nil {
		return nil, domainError(err)
	}

	defs := make([]resourceDef, 0, len(loras))
	for _, l := range loras {
		defs = append(defs, resourceDef{
			URI:         "noema://lora/" + l.Slug,
			Name:        l.Name,
			Description: l.Description,
			MimeType:    "application/json",
		})
	}
	return resourcesListResult{Resources: defs}, nil
}

func (h *Handler) resourcesRead(ctx context.Context, user *core.User, params json.RawMessage) (interface{}, *rpcError) {
	var p resourceReadParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &rpcError{Code: errCodeInvalidParams, Message: "invalid params: " + err.Error()}
	}

	u, err := url.Parse(p.URI)
	if err != nil || u.Scheme != "noema" || u.Host != "lora" {
		return nil, &rpcError{Code: errCodeInvalidParams, Message: "unsupported resource URI: " + p.URI}
	}

	target := strings.TrimPrefix(u.Path, "/")
	if target == "search" {
		loras, err := h.deps.Loras.SearchLoras(ctx, store.LoraSearch{
			Query:      u.Query().Get("q"),
			Checkpoint: u.Query().Get("checkpoint"),
			Owner:      user.ID,
			Limit:      resourceListLimit,
		})
		if err != nil {
			return nil, domainError(err)
		}
		return resourceReadResult{Contents: []resourceContent{{
			URI:      p.URI,
			MimeType: "application/json",
			Text:     prettyJSON(loras),
		}}}, nil
	}

	lora, err := h.deps.Loras.FindLoraBySlug(ctx, target)
	if err != nil {
		return nil, domainError(err)
	}
	if lora == nil {
		return nil, domainError(core.E(core.KindNotFound, "lora %s not found", target))
	}
	return resourceReadResult{Contents: []resourceContent{{
		URI:      p.URI,
		MimeType: "application/json",
		Text:     prettyJSON(lora),
	}}}, nil
}

// --- prompts (spells exposed as parameterised prompts) ---

func (h *Handler) promptsList(ctx context.Context, user *core.User) (interface{}, *rpcError) {
	spells, err := h.deps.Spells.ListSpells(ctx, user.ID)
	if err != nil {
		return nil, domainError(err)
	}

	prompts := make([]promptDef, 0, len(spells))
	for _, sp := range spells {
		args := make([]promptArgument, 0, len(sp.ExposedInputs))
		for _, name := range sp.ExposedInputs {
			args = append(args, promptArgument{Name: name, Required: true})
		}
		prompts = append(prompts, promptDef{
			Name:        sp.Slug,
			Description: sp.Name,
			Arguments:   args,
		})
	}
	return promptsListResult{Prompts: prompts}, nil
}

func (h *Handler) promptsGet(ctx context.Context, user *core.User, params json.RawMessage) (interface{}, *rpcError) {
	var p promptGetParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &rpcError{Code: errCodeInvalidParams, Message: "invalid params: " + err.Error()}
	}

	spell, err := h.deps.Spells.GetSpell(ctx, p.Name, user.ID)
	if err != nil {
		return nil, domainError(err)
	}

	text := fmt.Sprintf("Cast the %q spell via the spells/cast method with slug %q and context %s.",
		spell.Name, spell.Slug, prettyJSON(p.Arguments))
	return promptGetResult{
		Description: spell.Name,
		Messages: []promptMessage{{
			Role:    "user",
			Content: contentBlock{Type: "text", Text: text},
		}},
	}, nil
}

// --- shared helpers ---

// domainError wraps a service failure into a JSON-RPC error: invalid input
// maps to -32602, everything else to -32603, with the stable kind in data.
func domainError(err error) *rpcError {
	kind := core.KindOf(err)
	code := errCodeInternal
	if kind == core.KindInvalidInput {
		code = errCodeInvalidParams
	}
	return &rpcError{
		Code:    code,
		Message: core.Message(err),
		Data:    errorData{Kind: string(kind)},
	}
}

func errResponse(id json.RawMessage, code int, message string, data interface{}) response {
	return response{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &rpcError{Code: code, Message: message, Data: data},
	}
}

func prettyJSON(v interface{}) string {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}
