package config

import (
	"fmt"
	"os"
)

// Env holds every secret and endpoint the core needs, read once at boot.
// Optional integrations (Redis, Pub/Sub, chain oracle) degrade gracefully
// when their variables are unset; required ones fail fast in Validate.
type Env struct {
	MongoURI    string
	MongoDBName string
	RedisAddr   string

	AdminAPIKey        string
	ComfyAPIKey        string
	ComfyWebhookSecret string
	OpenAIAPIKey       string
	HuggingFaceToken   string
	VastAPIKey         string
	VastSSHKeyPath     string

	TelegramBotToken string
	DiscordBotToken  string
	WebhookSecret    string
	AllowedOrigins   string

	EthRPCURL        string
	DepositSignerKey string
	DepositAddress   string
	MS2TokenAddress  string
	USDCAddress      string
	MS2PriceUSD      string

	X402FacilitatorURL string
	X402PayTo          string

	R2AccountID string
	R2AccessKey string
	R2SecretKey string
	R2Bucket    string

	GCPProject  string
	PubSubTopic string

	PricingTablePath string
	ToolSeedPath     string
	ExportDir        string
	PublicBaseURL    string

	Port string
}

// LoadEnv snapshots the process environment into an Env.
func LoadEnv() *Env {
	return &Env{
		MongoURI:    getenv("MONGODB_URI", "mongodb://localhost:27017"),
		MongoDBName: getenv("MONGODB_DB_NAME", "noema"),
		RedisAddr:   os.Getenv("REDIS_ADDR"),

		AdminAPIKey:        os.Getenv("INTERNAL_API_KEY_ADMIN"),
		ComfyAPIKey:        os.Getenv("COMFY_DEPLOY_API_KEY"),
		ComfyWebhookSecret: os.Getenv("COMFY_WEBHOOK_SECRET"),
		OpenAIAPIKey:       os.Getenv("OPENAI_API_KEY"),
		HuggingFaceToken:   os.Getenv("HF_TOKEN"),
		VastAPIKey:         os.Getenv("VAST_API_KEY"),
		VastSSHKeyPath:     os.Getenv("VAST_SSH_KEY_PATH"),

		TelegramBotToken: os.Getenv("TELEGRAM_BOT_TOKEN"),
		DiscordBotToken:  os.Getenv("DISCORD_BOT_TOKEN"),
		WebhookSecret:    os.Getenv("OUTBOUND_WEBHOOK_SECRET"),
		AllowedOrigins:   os.Getenv("ALLOWED_ORIGINS"),

		EthRPCURL:        os.Getenv("ETH_RPC_URL"),
		DepositSignerKey: os.Getenv("DEPOSIT_SIGNER_KEY"),
		DepositAddress:   os.Getenv("DEPOSIT_ADDRESS"),
		MS2TokenAddress:  os.Getenv("MS2_TOKEN_ADDRESS"),
		USDCAddress:      getenv("USDC_ADDRESS", "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"),
		MS2PriceUSD:      getenv("MS2_PRICE_USD", "0.02"),

		X402FacilitatorURL: os.Getenv("X402_FACILITATOR_URL"),
		X402PayTo:          os.Getenv("X402_PAY_TO"),

		R2AccountID: os.Getenv("R2_ACCOUNT_ID"),
		R2AccessKey: os.Getenv("R2_ACCESS_KEY_ID"),
		R2SecretKey: os.Getenv("R2_SECRET_ACCESS_KEY"),
		R2Bucket:    os.Getenv("R2_BUCKET"),

		GCPProject:  os.Getenv("GCP_PROJECT"),
		PubSubTopic: os.Getenv("PUBSUB_TOPIC"),

		PricingTablePath: getenv("PRICING_TABLE_PATH", "configs/pricing.yaml"),
		ToolSeedPath:     getenv("TOOL_SEED_PATH", "configs/tools.yaml"),
		ExportDir:        getenv("EXPORT_DIR", "exports"),
		PublicBaseURL:    os.Getenv("PUBLIC_BASE_URL"),

		// Empty when unset; the server falls back to the YAML port.
		Port: os.Getenv("PORT"),
	}
}

// Validate checks the variables the core cannot run without.
func (e *Env) Validate() error {
	if e.MongoURI == "" {
		return fmt.Errorf("MONGODB_URI is required")
	}
	if e.MongoDBName == "" {
		return fmt.Errorf("MONGODB_DB_NAME is required")
	}
	if e.AdminAPIKey == "" {
		return fmt.Errorf("INTERNAL_API_KEY_ADMIN is required")
	}
	return nil
}

// OracleEnabled reports whether the chain deposit oracle can start. The
// deposit address may be given directly or derived from the signer key.
func (e *Env) OracleEnabled() bool {
	return e.EthRPCURL != "" && (e.DepositAddress != "" || e.DepositSignerKey != "")
}

// X402Enabled reports whether the pay-per-call surface can start.
func (e *Env) X402Enabled() bool {
	return e.X402FacilitatorURL != "" && e.X402PayTo != ""
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
