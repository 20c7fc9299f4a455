// Command server runs the whole noema platform in one process: the
// generation lifecycle engine, cook/spell scheduler, credit ledger, deposit
// oracle, wallet linking, export worker, instance sweeper and the
// REST + WebSocket + MCP + x402 gateway in front of them.
//
// Hard dependencies (Mongo, admin key) fail the boot; optional integrations
// (Redis, Pub/Sub, chain oracle, VastAI, x402) switch on when their
// environment is present and degrade to in-process fallbacks or stay off
// when it is not.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/noemahq/noema/internal/api"
	"github.com/noemahq/noema/internal/config"
	"github.com/noemahq/noema/internal/core"
	"github.com/noemahq/noema/internal/delivery"
	"github.com/noemahq/noema/internal/engine"
	"github.com/noemahq/noema/internal/events"
	"github.com/noemahq/noema/internal/export"
	"github.com/noemahq/noema/internal/ledger"
	"github.com/noemahq/noema/internal/mcp"
	"github.com/noemahq/noema/internal/metrics"
	"github.com/noemahq/noema/internal/middleware"
	"github.com/noemahq/noema/internal/oracle"
	"github.com/noemahq/noema/internal/pricing"
	"github.com/noemahq/noema/internal/registry"
	"github.com/noemahq/noema/internal/runtime"
	"github.com/noemahq/noema/internal/scheduler"
	"github.com/noemahq/noema/internal/store"
	"github.com/noemahq/noema/internal/sweeper"
	"github.com/noemahq/noema/internal/walletlink"
	"github.com/noemahq/noema/internal/x402"
)

func main() {
	godotenv.Load()

	env := config.LoadEnv()
	if err := env.Validate(); err != nil {
		log.Fatalf("❌ Configuration invalid: %v", err)
	}

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("❌ Failed to load %s: %v", configPath, err)
	}

	port := env.Port
	if port == "" {
		port = cfg.Server.Port
	}

	bootCtx, cancelBoot := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelBoot()

	// ---- Persistence ----
	st, err := store.New(bootCtx, env.MongoURI, env.MongoDBName)
	if err != nil {
		log.Fatalf("❌ Mongo: %v", err)
	}
	if err := st.EnsureIndexes(bootCtx); err != nil {
		log.Fatalf("❌ Mongo indexes: %v", err)
	}

	var rdb *redis.Client
	if env.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: env.RedisAddr})
		if err := rdb.Ping(bootCtx).Err(); err != nil {
			log.Fatalf("❌ Redis at %s: %v", env.RedisAddr, err)
		}
		log.Printf("✅ Redis connected (%s)", env.RedisAddr)
	}

	// ---- Event bus ----
	var (
		emitter  events.Emitter
		localBus *events.Bus
	)
	if cfg.Events.PubSubEnabled {
		projectID := cfg.Events.ProjectID
		if projectID == "" {
			projectID = env.GCPProject
		}
		topicID := cfg.Events.TopicID
		if topicID == "" {
			topicID = env.PubSubTopic
		}
		pb, err := events.NewPubSubBus(projectID, topicID)
		if err != nil {
			log.Fatalf("❌ Pub/Sub: %v", err)
		}
		defer pb.Close()
		emitter = pb
		localBus = pb.Bus
	} else {
		b := events.NewBus()
		emitter = b
		localBus = b
	}

	// ---- Tool catalog + pricing ----
	seeds, err := registry.LoadSeedFile(env.ToolSeedPath)
	if err != nil {
		log.Fatalf("❌ Tool seeds: %v", err)
	}
	if len(seeds) > 0 {
		if err := st.SeedTools(bootCtx, seeds); err != nil {
			log.Fatalf("❌ Tool seeding: %v", err)
		}
	}
	tools := registry.New(st)
	if err := tools.Load(bootCtx); err != nil {
		log.Fatalf("❌ Tool catalog: %v", err)
	}

	table, err := pricing.LoadTable(env.PricingTablePath)
	if err != nil {
		log.Fatalf("❌ Pricing table: %v", err)
	}
	pricer := pricing.NewEngine(table)
	credits := ledger.New(st, env.MS2TokenAddress)

	// ---- Runtimes ----
	webhookURL := ""
	if env.PublicBaseURL != "" {
		webhookURL = strings.TrimRight(env.PublicBaseURL, "/") + "/webhooks/comfydeploy"
	}
	comfy := runtime.NewComfyRuntime(runtime.ComfyConfig{
		APIKey:     env.ComfyAPIKey,
		WebhookURL: webhookURL,
		Secret:     env.ComfyWebhookSecret,
	})
	runtimes := runtime.NewRegistry(
		comfy,
		runtime.NewDalleRuntime("", env.OpenAIAPIKey),
		runtime.NewChatRuntime("", env.OpenAIAPIKey),
		runtime.NewStringRuntime(),
	)

	var vastClient *runtime.VastClient
	var training *runtime.VastTraining
	if env.VastAPIKey != "" {
		vastClient = runtime.NewVastClient("", env.VastAPIKey)
		training = runtime.NewVastTraining(vastClient, runtime.VastTrainingConfig{
			SSHKeyPath: env.VastSSHKeyPath,
			HFToken:    env.HuggingFaceToken,
			R2: runtime.R2Config{
				Endpoint:  r2Endpoint(env.R2AccountID),
				Bucket:    env.R2Bucket,
				AccessKey: env.R2AccessKey,
				SecretKey: env.R2SecretKey,
			},
		})
		training.SetHooks(trainingHooks{store: st, bus: emitter})
		runtimes.Register(training)
	}

	// ---- Lifecycle engine + scheduler ----
	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	eng := engine.New(st, credits, pricer, tools, runtimes, emitter, cfg.Timeouts)
	eng.Start(runCtx)
	if training != nil {
		training.SetSink(eng.HandleRuntimeEvent)
	}

	sched := scheduler.New(st, eng, tools, emitter, cfg.Cooks.MaxInflight)
	if n, err := sched.Recover(bootCtx); err != nil {
		log.Fatalf("❌ Cook recovery: %v", err)
	} else if n > 0 {
		log.Printf("♻️ Recovered %d running cook(s)", n)
	}

	// ---- Metrics ----
	m := metrics.New()
	collector := metrics.NewCollector(m)
	collector.Start(localBus)

	// ---- Delivery fan-out ----
	hub := delivery.NewHub(cfg.Server.Env, env.AllowedOrigins)
	hub.Start(localBus)
	m.TrackWebsocketClients(hub.ClientCount)
	dispatcher := delivery.NewDispatcher(env.WebhookSecret, 4)
	var senders []delivery.Sender
	if env.TelegramBotToken != "" {
		senders = append(senders, delivery.NewTelegramSender(env.TelegramBotToken))
	}
	if env.DiscordBotToken != "" {
		senders = append(senders, delivery.NewDiscordSender(env.DiscordBotToken))
	}
	deliverer := delivery.NewDeliverer(st, hub, dispatcher, senders...)
	deliverer.Observe(m.RecordDelivery)
	deliverer.Start(localBus)

	// ---- Wallet linking + deposit oracle ----
	depositAddr := env.DepositAddress
	if depositAddr == "" && env.DepositSignerKey != "" {
		depositAddr, err = oracle.DeriveDepositAddress(env.DepositSignerKey)
		if err != nil {
			log.Fatalf("❌ DEPOSIT_SIGNER_KEY: %v", err)
		}
	}
	var links *walletlink.Service
	if rdb != nil {
		links = walletlink.New(st, walletlink.NewRedisState(rdb), depositAddr)
	} else {
		links = walletlink.New(st, walletlink.NewMemoryState(), depositAddr)
	}

	var orc *oracle.Oracle
	if env.OracleEnabled() && depositAddr != "" {
		chain, err := oracle.Dial(bootCtx, env.EthRPCURL)
		if err != nil {
			log.Fatalf("❌ Chain RPC: %v", err)
		}
		ms2Price, err := decimal.NewFromString(env.MS2PriceUSD)
		if err != nil {
			log.Fatalf("❌ MS2_PRICE_USD %q: %v", env.MS2PriceUSD, err)
		}
		orc = oracle.New(chain, credits, links, st, emitter, oracle.Config{
			DepositAddress: depositAddr,
			MS2Token:       env.MS2TokenAddress,
			USDCToken:      env.USDCAddress,
			MS2PriceUSD:    ms2Price,
			Confirmations:  cfg.Oracle.Confirmations,
			PollInterval:   time.Duration(cfg.Oracle.PollSeconds) * time.Second,
		})
		orc.Start()
	} else {
		log.Println("⚠️ Deposit oracle disabled (ETH_RPC_URL or deposit address unset)")
	}

	// ---- Export worker + sweeper ----
	exporter := export.NewWorker(st, env.ExportDir, 2)
	exporter.Start()

	var sw *sweeper.Sweeper
	if vastClient != nil {
		sw = sweeper.New(vastClient, st, sweeper.Config{})
		sw.Start()
	}

	// ---- Gateway ----
	auth := middleware.NewAuth(st, env.AdminAPIKey)
	limiter := middleware.NewRateLimiter(rdb, cfg.RateLimit)

	deps := api.Deps{
		Engine:       eng,
		Sink:         eng,
		Cooks:        sched,
		Spells:       sched,
		Credits:      credits,
		Links:        links,
		Prefs:        st,
		Tools:        tools,
		Loras:        st,
		Trainings:    st,
		Keys:         st,
		Exporter:     exporter,
		Hub:          hub,
		Comfy:        comfy,
		Auth:         auth,
		Limiter:      limiter,
		WebhookToken: env.ComfyWebhookSecret,
	}
	deps.MCP = mcp.NewHandler(mcp.Deps{
		Engine:    eng,
		Spells:    sched,
		Cooks:     sched,
		Tools:     tools,
		Loras:     st,
		Trainings: st,
		Exporter:  exporter,
	})
	if sw != nil {
		deps.Sweeper = sw
	}
	if env.X402Enabled() {
		facilitator := x402.NewFacilitator(env.X402FacilitatorURL)
		deps.X402 = x402.New(eng, st, pricer, tools, facilitator, env.X402PayTo, env.USDCAddress)
	}

	router := mux.NewRouter()
	api.NewServer(deps).Routes(router)
	router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	handler := middleware.Chain(router,
		middleware.Logging(),
		middleware.CORS(env.AllowedOrigins),
		m.Middleware,
	)

	server := &http.Server{
		Addr:         ":" + port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// ---- Graceful shutdown ----
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Println("🛑 Shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("⚠️ Server shutdown: %v", err)
		}

		if orc != nil {
			orc.Stop()
		}
		if sw != nil {
			sw.Stop()
		}
		sched.Close()
		cancelRun()
		eng.Close()
		exporter.Stop()
		deliverer.Stop(localBus)
		hub.Stop(localBus)
		collector.Stop(localBus)
		dispatcher.Shutdown()
		if err := st.Close(shutdownCtx); err != nil {
			log.Printf("⚠️ Mongo disconnect: %v", err)
		}
	}()

	log.Printf("🚀 noema starting on port %s (%d tools, env %s)", port, tools.Count(), cfg.Server.Env)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("❌ Server failed: %v", err)
	}
	log.Println("Server stopped")
}

// trainingHooks persists provisioning milestones onto the training record as
// the VastAI lifecycle reaches them, and announces each one on the bus so
// connected clients can watch the job move.
type trainingHooks struct {
	store *store.Store
	bus   events.Emitter
}

func (h trainingHooks) Provisioned(ctx context.Context, trainingID string, instanceID int64, gpuType string, attempts int) {
	if err := h.store.SetTrainingInstance(ctx, trainingID, instanceID, gpuType, attempts); err != nil {
		log.Printf("⚠️ Training %s: record instance %d: %v", trainingID, instanceID, err)
	}
	h.announce(ctx, trainingID, map[string]interface{}{"instanceId": instanceID, "gpuType": gpuType})
}

func (h trainingHooks) Uploading(ctx context.Context, trainingID string) {
	if err := h.store.SetTrainingStatus(ctx, trainingID, core.TrainingUploading); err != nil {
		log.Printf("⚠️ Training %s: mark uploading: %v", trainingID, err)
	}
	h.announce(ctx, trainingID, nil)
}

func (h trainingHooks) ArtifactReady(ctx context.Context, trainingID, artifactURL string) {
	if err := h.store.SetTrainingArtifact(ctx, trainingID, artifactURL); err != nil {
		log.Printf("⚠️ Training %s: record artifact: %v", trainingID, err)
	}
	h.announce(ctx, trainingID, map[string]interface{}{"artifactUrl": artifactURL})
}

func (h trainingHooks) Finished(ctx context.Context, trainingID string, succeeded bool) {
	status := core.TrainingCompleted
	if !succeeded {
		status = core.TrainingFailed
	}
	if err := h.store.SetTrainingStatus(ctx, trainingID, status); err != nil {
		log.Printf("⚠️ Training %s: mark %s: %v", trainingID, status, err)
	}
	h.announce(ctx, trainingID, nil)
}

// announce re-reads the record so the event carries the persisted status.
func (h trainingHooks) announce(ctx context.Context, trainingID string, detail map[string]interface{}) {
	t, err := h.store.FindTrainingByID(ctx, trainingID)
	if err != nil || t == nil {
		return
	}
	h.bus.Publish(events.TrainingProgress(t.MasterAccountID, trainingID, t.Status, detail))
}

// r2Endpoint builds the Cloudflare R2 S3 endpoint for an account.
func r2Endpoint(accountID string) string {
	if accountID == "" {
		return ""
	}
	return "https://" + accountID + ".r2.cloudflarestorage.com"
}
