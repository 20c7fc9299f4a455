// Package api is the REST gateway: every HTTP surface except metrics lives
// here. Handlers stay thin — decode, delegate to a service, shape the
// response — and depend on narrow interfaces so they can be exercised
// against in-memory fakes.
package api

import (
	"context"
	"log"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/noemahq/noema/internal/core"
	"github.com/noemahq/noema/internal/engine"
	"github.com/noemahq/noema/internal/export"
	"github.com/noemahq/noema/internal/middleware"
	"github.com/noemahq/noema/internal/runtime"
	"github.com/noemahq/noema/internal/scheduler"
	"github.com/noemahq/noema/internal/store"
	"github.com/noemahq/noema/internal/walletlink"
)

// generationService is the lifecycle engine slice the gateway drives.
type generationService interface {
	Execute(ctx context.Context, req engine.ExecuteRequest) (*engine.ExecuteResult, error)
	Status(ctx context.Context, generationID, masterAccountID string) (*core.Generation, error)
	Cancel(ctx context.Context, generationID, masterAccountID string) (*core.Generation, error)
}

// runtimeSink accepts normalised webhook events.
type runtimeSink interface {
	HandleRuntimeEvent(ev *runtime.Event)
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

type spellService interface {
	CreateSpell(ctx context.Context, owner string, spec scheduler.SpellSpec) (*core.Spell, error)
	ListSpells(ctx context.Context, masterAccountID string) ([]core.Spell, error)
	GetSpell(ctx context.Context, slug, masterAccountID string) (*core.Spell, error)
	DeleteSpell(ctx context.Context, slug, owner string) error
	Cast(ctx context.Context, req scheduler.CastRequest) (*core.SpellCast, error)
	GetCast(ctx context.Context, castID, masterAccountID string) (*core.SpellCast, error)
}

type creditService interface {
	Balance(ctx context.Context, user *core.User) (int64, error)
	TierFor(ctx context.Context, user *core.User) (core.Tier, error)
	History(ctx context.Context, masterAccountID string, limit int64) ([]core.Deposit, error)
	Economy(ctx context.Context, masterAccountID string) (*core.UserEconomy, error)
	CreditReward(ctx context.Context, masterAccountID string, points int64, description, rewardType string) (*core.Deposit, error)
}

type preferenceStore interface {
	GetPreferences(ctx context.Context, masterAccountID string) (*core.UserPreferences, error)
	SavePreferences(ctx context.Context, prefs *core.UserPreferences) error
}

type linkService interface {
	Initiate(ctx context.Context, masterAccountID string) (*walletlink.Request, error)
	Status(ctx context.Context, requestID string) (*walletlink.Request, string, error)
}

type toolCatalog interface {
	List() []core.Tool
	Resolve(identifier string) (*core.Tool, bool)
	Load(ctx context.Context) error
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

type keyStore interface {
	InsertAPIKey(ctx context.Context, key *core.APIKey) error
	ListAPIKeys(ctx context.Context, masterAccountID string) ([]core.APIKey, error)
	RevokeAPIKey(ctx context.Context, id, masterAccountID string) error
}

type exportControl interface {
	Enqueue(ctx context.Context, cookID, masterAccountID string) (*export.Job, error)
	Job(jobID string) (*export.Job, bool)
	Pause(reason string)
	Resume()
	Status() export.WorkerStatus
}

type sweeperControl interface {
	RunOnce(ctx context.Context) (int, error)
}

type wsHub interface {
	ServeWS(w http.ResponseWriter, r *http.Request, masterAccountID string)
}

// webhookParser verifies and normalises provider callbacks.
type webhookParser interface {
	ParseWebhook(payload []byte) (*runtime.Event, error)
}

type mounter interface {
	Mount(r *mux.Router)
}

// Deps is everything the gateway composes. Optional integrations (X402,
// Sweeper, MCP) may be nil; their routes answer with a clear error or are
// not registered.
type Deps struct {
	Engine    generationService
	Sink      runtimeSink
	Cooks     cookService
	Spells    spellService
	Credits   creditService
	Links     linkService
	Prefs     preferenceStore
	Tools     toolCatalog
	Loras     loraCatalog
	Trainings trainingStore
	Keys      keyStore
	Exporter  exportControl
	Sweeper   sweeperControl
	Hub       wsHub
	Comfy     webhookParser
	X402      mounter
	MCP       http.Handler

	Auth    *middleware.Auth
	Limiter *middleware.RateLimiter

	// WebhookToken is the shared secret ComfyDeploy appends as ?token=.
	WebhookToken string
}

// Server owns the route table.
type Server struct {
	deps   Deps
	logger *log.Logger
}

func NewServer(deps Deps) *Server {
	return &Server{
		deps:   deps,
		logger: log.New(log.Writer(), "[API] ", log.LstdFlags),
	}
}

// Routes registers every endpoint on the root router. Logging, metrics and
// CORS wrap the router itself in main; rate limiting covers the /api/v1
// subtree; auth is per-route.
func (s *Server) Routes(r *mux.Router) {
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/webhooks/comfydeploy", s.handleComfyWebhook).Methods(http.MethodPost)

	api := r.PathPrefix("/api/v1").Subrouter()
	if s.deps.Limiter != nil {
		api.Use(s.deps.Limiter.Middleware)
	}

	// Public catalog surfaces.
	api.HandleFunc("/tools/registry", s.handleToolRegistry).Methods(http.MethodGet)
	api.HandleFunc("/loras/list", s.handleLoraList).Methods(http.MethodGet)

	// WebSocket authenticates via ?token= inside the handler.
	api.HandleFunc("/ws", s.handleWS).Methods(http.MethodGet)

	// Generation lifecycle.
	api.Handle("/generation/execute", s.authed(s.handleExecute)).Methods(http.MethodPost)
	api.Handle("/generation/cast", s.authed(s.handleExecute)).Methods(http.MethodPost)
	api.Handle("/generation/status/{id}", s.authed(s.handleGenerationStatus)).Methods(http.MethodGet)
	api.Handle("/generation/cancel/{id}", s.authed(s.handleGenerationCancel)).Methods(http.MethodPost)

	// Credits.
	api.Handle("/points", s.authed(s.handlePoints)).Methods(http.MethodGet)
	api.Handle("/points/history", s.authed(s.handlePointsHistory)).Methods(http.MethodGet)

	// Account preferences.
	api.Handle("/users/preferences", s.authed(s.handleGetPreferences)).Methods(http.MethodGet)
	api.Handle("/users/preferences", s.authed(s.handlePutPreferences)).Methods(http.MethodPut)

	// Wallet linking.
	api.Handle("/wallets/initiate", s.authed(s.handleWalletInitiate)).Methods(http.MethodPost)
	api.Handle("/wallets/status/{requestId}", s.authed(s.handleWalletStatus)).Methods(http.MethodGet)

	// API key management.
	api.Handle("/keys", s.authed(s.handleListKeys)).Methods(http.MethodGet)
	api.Handle("/keys", s.authed(s.handleMintKey)).Methods(http.MethodPost)
	api.Handle("/keys/{id}", s.authed(s.handleRevokeKey)).Methods(http.MethodDelete)

	// Spells. Fixed segments register before the {slug} wildcards.
	api.Handle("/spells/cast", s.authed(s.handleSpellCast)).Methods(http.MethodPost)
	api.Handle("/spells/casts/{castId}", s.authed(s.handleSpellCastStatus)).Methods(http.MethodGet)
	api.Handle("/spells", s.authed(s.handleSpellCreate)).Methods(http.MethodPost)
	api.Handle("/spells", s.authed(s.handleSpellList)).Methods(http.MethodGet)
	api.Handle("/spells/{slug}", s.authed(s.handleSpellGet)).Methods(http.MethodGet)
	api.Handle("/spells/{slug}", s.authed(s.handleSpellDelete)).Methods(http.MethodDelete)

	// Collections (cooks).
	api.Handle("/collections", s.authed(s.handleCookCreate)).Methods(http.MethodPost)
	api.Handle("/collections", s.authed(s.handleCookList)).Methods(http.MethodGet)
	api.Handle("/collections/{id}", s.authed(s.handleCookGet)).Methods(http.MethodGet)
	api.Handle("/collections/{id}/cook/start", s.authed(s.cookTransition("start"))).Methods(http.MethodPost)
	api.Handle("/collections/{id}/cook/pause", s.authed(s.cookTransition("pause"))).Methods(http.MethodPost)
	api.Handle("/collections/{id}/cook/resume", s.authed(s.cookTransition("resume"))).Methods(http.MethodPost)
	api.Handle("/collections/{id}/cook/stop", s.authed(s.cookTransition("stop"))).Methods(http.MethodPost)
	api.Handle("/collections/{id}/review", s.authed(s.handleCookReview)).Methods(http.MethodPost)
	api.Handle("/collections/{id}/export", s.authed(s.handleCookExport)).Methods(http.MethodPost)
	api.Handle("/collections/{id}/export/{jobId}", s.authed(s.handleExportJob)).Methods(http.MethodGet)

	// Trainings.
	api.Handle("/trainings/datasets", s.authed(s.handleDatasetCreate)).Methods(http.MethodPost)
	api.Handle("/trainings/datasets/{id}", s.authed(s.handleDatasetGet)).Methods(http.MethodGet)
	api.Handle("/trainings", s.authed(s.handleTrainingCreate)).Methods(http.MethodPost)
	api.Handle("/trainings", s.authed(s.handleTrainingList)).Methods(http.MethodGet)
	api.Handle("/trainings/{id}", s.authed(s.handleTrainingGet)).Methods(http.MethodGet)
	api.Handle("/trainings/{id}/cancel", s.authed(s.handleTrainingCancel)).Methods(http.MethodPost)

	// MCP shares the API key auth with REST.
	if s.deps.MCP != nil {
		api.Handle("/mcp", s.deps.Auth.RequireKey(s.deps.MCP)).Methods(http.MethodPost)
	}

	// Pay-per-call surface carries its own payment auth.
	if s.deps.X402 != nil {
		s.deps.X402.Mount(api.PathPrefix("/x402").Subrouter())
	}

	// Operator subtree.
	adm := api.PathPrefix("/admin").Subrouter()
	adm.Use(s.deps.Auth.RequireAdmin)
	adm.HandleFunc("/rewards", s.handleAdminReward).Methods(http.MethodPost)
	adm.HandleFunc("/tools/refresh", s.handleAdminToolRefresh).Methods(http.MethodPost)
	adm.HandleFunc("/export-worker/pause", s.handleExportPause).Methods(http.MethodPost)
	adm.HandleFunc("/export-worker/resume", s.handleExportResume).Methods(http.MethodPost)
	adm.HandleFunc("/export-worker/status", s.handleExportStatus).Methods(http.MethodGet)
	adm.HandleFunc("/sweeper/run-once", s.handleSweeperRunOnce).Methods(http.MethodPost)
}

func (s *Server) authed(h http.HandlerFunc) http.Handler {
	return s.deps.Auth.RequireKey(h)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"service": "noema",
	})
}
