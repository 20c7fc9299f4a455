// Command noema-cli is the operator surface. Gateway commands (status,
// sweeper, export-worker) call the admin REST API of a running server;
// worker commands (train-worker, oracle) connect straight to Mongo and the
// providers so they can run on boxes that host no API replica.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/noemahq/noema/internal/config"
	"github.com/noemahq/noema/internal/ledger"
	"github.com/noemahq/noema/internal/oracle"
	"github.com/noemahq/noema/internal/runtime"
	"github.com/noemahq/noema/internal/store"
	"github.com/noemahq/noema/internal/sweeper"
	"github.com/noemahq/noema/internal/walletlink"
)

const version = "1.0.0"

// Exit codes are part of the contract: scripts branch on them.
const (
	exitOK      = 0
	exitUsage   = 1
	exitAuth    = 2
	exitBackend = 3
)

func main() {
	godotenv.Load()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(exitUsage)
	}

	gateway := os.Getenv("NOEMA_GATEWAY_URL")
	if gateway == "" {
		gateway = "http://localhost:8080"
	}
	adminKey := os.Getenv("INTERNAL_API_KEY_ADMIN")

	switch os.Args[1] {
	case "status":
		cmdStatus(gateway, adminKey)
	case "sweeper":
		cmdSweeper(gateway, adminKey)
	case "export-worker":
		cmdExportWorker(gateway, adminKey)
	case "train-worker":
		cmdTrainWorker()
	case "oracle":
		cmdOracle()
	case "version":
		fmt.Printf("noema-cli v%s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(exitUsage)
	}
}

func printUsage() {
	fmt.Println(`noema admin CLI v` + version + `

Usage: noema-cli <command> [flags]

Commands:
  status         Gateway health and export-worker state
  sweeper        Reap orphaned GPU instances now (via gateway)
  export-worker  pause <reason> | resume | status
  train-worker   Run the standalone training-ops loop (direct Mongo + VastAI)
  oracle         Sweep the chain for deposits (direct Mongo + RPC)
  version        Print version
  help           Show this help

Environment:
  NOEMA_GATEWAY_URL       Gateway URL (default: http://localhost:8080)
  INTERNAL_API_KEY_ADMIN  Admin key for gateway commands
  MONGODB_URI / VAST_API_KEY / ETH_RPC_URL ...  for worker commands

Exit codes: 0 ok, 1 usage, 2 auth, 3 backend.

Examples:
  noema-cli sweeper
  noema-cli export-worker pause "R2 maintenance window"
  noema-cli train-worker --interval 5m --once
  noema-cli oracle --from-block 24731000`)
}

// ----------------------------------------------------------------
// gateway commands
// ----------------------------------------------------------------

func cmdStatus(gateway, adminKey string) {
	status, body := adminRequest(http.MethodGet, gateway+"/healthz", nil, "")
	if status != http.StatusOK {
		fmt.Fprintf(os.Stderr, "❌ Gateway unhealthy: %d %s\n", status, bytes.TrimSpace(body))
		os.Exit(exitBackend)
	}
	fmt.Printf("✅ Gateway healthy (%s)\n", gateway)

	if adminKey == "" {
		return
	}
	status, body = adminRequest(http.MethodGet, gateway+"/api/v1/admin/export-worker/status", nil, adminKey)
	checkAdmin(status, body)

	var ws struct {
		Paused     bool   `json:"paused"`
		Reason     string `json:"reason"`
		QueueDepth int    `json:"queueDepth"`
		Exported   uint64 `json:"exported"`
		Failed     uint64 `json:"failed"`
	}
	json.Unmarshal(body, &ws)
	state := "running"
	if ws.Paused {
		state = "paused (" + ws.Reason + ")"
	}
	fmt.Printf("Export worker: %s | queued=%d exported=%d failed=%d\n",
		state, ws.QueueDepth, ws.Exported, ws.Failed)
}

func cmdSweeper(gateway, adminKey string) {
	status, body := adminRequest(http.MethodPost, gateway+"/api/v1/admin/sweeper/run-once", nil, adminKey)
	checkAdmin(status, body)

	var result struct {
		Reaped int `json:"reaped"`
	}
	json.Unmarshal(body, &result)
	fmt.Printf("🗑️ Reaped %d orphaned instance(s)\n", result.Reaped)
}

func cmdExportWorker(gateway, adminKey string) {
	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "Usage: noema-cli export-worker <pause <reason>|resume|status>")
		os.Exit(exitUsage)
	}

	base := gateway + "/api/v1/admin/export-worker"
	var status int
	var body []byte

	switch os.Args[2] {
	case "pause":
		if len(os.Args) < 4 {
			fmt.Fprintln(os.Stderr, "Usage: noema-cli export-worker pause <reason>")
			os.Exit(exitUsage)
		}
		payload, _ := json.Marshal(map[string]string{"reason": os.Args[3]})
		status, body = adminRequest(http.MethodPost, base+"/pause", payload, adminKey)
	case "resume":
		status, body = adminRequest(http.MethodPost, base+"/resume", nil, adminKey)
	case "status":
		status, body = adminRequest(http.MethodGet, base+"/status", nil, adminKey)
	default:
		fmt.Fprintf(os.Stderr, "Unknown export-worker action: %s\n", os.Args[2])
		os.Exit(exitUsage)
	}
	checkAdmin(status, body)

	var ws struct {
		Paused     bool   `json:"paused"`
		Reason     string `json:"reason"`
		QueueDepth int    `json:"queueDepth"`
	}
	json.Unmarshal(body, &ws)
	if ws.Paused {
		fmt.Printf("⏸️ Export worker paused: %s (queued=%d)\n", ws.Reason, ws.QueueDepth)
	} else {
		fmt.Printf("▶️ Export worker running (queued=%d)\n", ws.QueueDepth)
	}
}

// ----------------------------------------------------------------
// train-worker command
// ----------------------------------------------------------------

// cmdTrainWorker runs training infrastructure upkeep without an API replica:
// the orphaned-instance sweeper on its own cadence. Training execution rides
// the engine inside the server; custody of the rented boxes lives here when
// API replicas must not carry the provider key.
func cmdTrainWorker() {
	interval := 10 * time.Minute
	grace := 15 * time.Minute
	once := false

	args := os.Args[2:]
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--interval":
			i++
			if i < len(args) {
				d, err := time.ParseDuration(args[i])
				if err != nil {
					fmt.Fprintf(os.Stderr, "Bad --interval %q: %v\n", args[i], err)
					os.Exit(exitUsage)
				}
				interval = d
			}
		case "--grace":
			i++
			if i < len(args) {
				d, err := time.ParseDuration(args[i])
				if err != nil {
					fmt.Fprintf(os.Stderr, "Bad --grace %q: %v\n", args[i], err)
					os.Exit(exitUsage)
				}
				grace = d
			}
		case "--once":
			once = true
		default:
			fmt.Fprintf(os.Stderr, "Unknown flag: %s\n", args[i])
			os.Exit(exitUsage)
		}
	}

	env := config.LoadEnv()
	if env.VastAPIKey == "" {
		fmt.Fprintln(os.Stderr, "VAST_API_KEY is required for train-worker")
		os.Exit(exitUsage)
	}

	st := mustStore(env)
	defer st.Close(context.Background())

	client := runtime.NewVastClient("", env.VastAPIKey)
	sw := sweeper.New(client, st, sweeper.Config{Interval: interval, Grace: grace})

	if once {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		reaped, err := sw.RunOnce(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "❌ Sweep failed: %v\n", err)
			os.Exit(exitBackend)
		}
		fmt.Printf("🗑️ Reaped %d orphaned instance(s)\n", reaped)
		return
	}

	sw.Start()
	waitForSignal()
	sw.Stop()
	fmt.Println("Train worker stopped")
}

// ----------------------------------------------------------------
// oracle command
// ----------------------------------------------------------------

// cmdOracle runs the deposit oracle against the chain directly: a one-shot
// sweep for backfill after downtime, or --follow for a continuous watcher on
// a box without an API replica. With REDIS_ADDR set it shares the wallet
// link state with the gateway, so magic-amount links complete here too.
func cmdOracle() {
	var fromBlock uint64
	follow := false

	args := os.Args[2:]
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--from-block":
			i++
			if i < len(args) {
				n, err := strconv.ParseUint(args[i], 10, 64)
				if err != nil {
					fmt.Fprintf(os.Stderr, "Bad --from-block %q: %v\n", args[i], err)
					os.Exit(exitUsage)
				}
				fromBlock = n
			}
		case "--follow":
			follow = true
		default:
			fmt.Fprintf(os.Stderr, "Unknown flag: %s\n", args[i])
			os.Exit(exitUsage)
		}
	}

	env := config.LoadEnv()
	if env.EthRPCURL == "" {
		fmt.Fprintln(os.Stderr, "ETH_RPC_URL is required for oracle")
		os.Exit(exitUsage)
	}
	depositAddr := env.DepositAddress
	if depositAddr == "" && env.DepositSignerKey != "" {
		derived, err := oracle.DeriveDepositAddress(env.DepositSignerKey)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Bad DEPOSIT_SIGNER_KEY: %v\n", err)
			os.Exit(exitUsage)
		}
		depositAddr = derived
	}
	if depositAddr == "" {
		fmt.Fprintln(os.Stderr, "DEPOSIT_ADDRESS or DEPOSIT_SIGNER_KEY is required for oracle")
		os.Exit(exitUsage)
	}
	ms2Price, err := decimal.NewFromString(env.MS2PriceUSD)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Bad MS2_PRICE_USD %q: %v\n", env.MS2PriceUSD, err)
		os.Exit(exitUsage)
	}

	st := mustStore(env)
	defer st.Close(context.Background())

	var links *walletlink.Service
	if env.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: env.RedisAddr})
		links = walletlink.New(st, walletlink.NewRedisState(rdb), depositAddr)
	} else {
		links = walletlink.New(st, walletlink.NewMemoryState(), depositAddr)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	chain, err := oracle.Dial(ctx, env.EthRPCURL)
	cancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Chain RPC: %v\n", err)
		os.Exit(exitBackend)
	}

	credits := ledger.New(st, env.MS2TokenAddress)
	orc := oracle.New(chain, credits, links, st, nil, oracle.Config{
		DepositAddress: depositAddr,
		MS2Token:       env.MS2TokenAddress,
		USDCToken:      env.USDCAddress,
		MS2PriceUSD:    ms2Price,
		StartBlock:     fromBlock,
	})

	if follow {
		orc.Start()
		waitForSignal()
		orc.Stop()
		fmt.Println("Oracle stopped")
		return
	}

	sweepCtx, cancelSweep := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancelSweep()
	credited, err := orc.Sweep(sweepCtx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Sweep failed: %v\n", err)
		os.Exit(exitBackend)
	}
	fmt.Printf("✅ Credited %d transfer(s)\n", credited)
}

// ----------------------------------------------------------------
// helpers
// ----------------------------------------------------------------

func adminRequest(method, url string, body []byte, adminKey string) (int, []byte) {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequest(method, url, bodyReader)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Bad request: %v\n", err)
		os.Exit(exitBackend)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if adminKey != "" {
		req.Header.Set("X-API-Key", adminKey)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Request failed: %v\n", err)
		os.Exit(exitBackend)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Reading response: %v\n", err)
		os.Exit(exitBackend)
	}
	return resp.StatusCode, raw
}

// checkAdmin exits with the contract code when the gateway said no.
func checkAdmin(status int, body []byte) {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		fmt.Fprintf(os.Stderr, "🚫 Admin auth rejected: %s\n", errorMessage(body))
		os.Exit(exitAuth)
	case status >= 400:
		fmt.Fprintf(os.Stderr, "❌ Gateway error (%d): %s\n", status, errorMessage(body))
		os.Exit(exitBackend)
	}
}

// errorMessage unwraps the gateway's error envelope, falling back to the
// raw body.
func errorMessage(body []byte) string {
	var envelope struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &envelope) == nil && envelope.Error.Message != "" {
		return envelope.Error.Message
	}
	return string(bytes.TrimSpace(body))
}

func mustStore(env *config.Env) *store.Store {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	st, err := store.New(ctx, env.MongoURI, env.MongoDBName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Mongo: %v\n", err)
		os.Exit(exitBackend)
	}
	return st
}

func waitForSignal() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
}
