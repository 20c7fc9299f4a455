package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// GenerationStatus is the lifecycle state of a generation record.
type GenerationStatus string

const (
	GenPending    GenerationStatus = "pending"
	GenProcessing GenerationStatus = "processing"
	GenCompleted  GenerationStatus = "completed"
	GenFailed     GenerationStatus = "failed"
	GenCancelled  GenerationStatus = "cancelled_by_user"
	GenTimeout    GenerationStatus = "timeout"
)

// Terminal reports whether the status is absorbing: once reached, neither
// status nor costUsd may change.
func (s GenerationStatus) Terminal() bool {
	switch s {
	case GenCompleted, GenFailed, GenCancelled, GenTimeout:
		return true
	}
	return false
}

// DeliveryStatus is the durable delivery log on the generation record.
type DeliveryStatus string

const (
	DeliveryNone      DeliveryStatus = "none"
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
	DeliverySkipped   DeliveryStatus = "skipped"
)

// DepositStatus tracks a ledger entry from chain detection to exhaustion.
type DepositStatus string

const (
	DepositPending   DepositStatus = "PENDING"
	DepositConfirmed DepositStatus = "CONFIRMED"
	DepositExhausted DepositStatus = "EXHAUSTED"
	DepositRefunded  DepositStatus = "REFUNDED"
)

// Tier is the pricing tier derived from the user's ledger.
type Tier string

const (
	TierStandard Tier = "standard"
	TierMS2      Tier = "ms2"
)

// PlatformIdentity binds an external chat/web identity to a master account.
type PlatformIdentity struct {
	Platform   string `json:"platform" bson:"platform"` // telegram | discord | web | api
	PlatformID string `json:"platformId" bson:"platformId"`
}

// Wallet is one address attached to a user. At most one is primary.
type Wallet struct {
	Address   string    `json:"address" bson:"address"`
	IsPrimary bool      `json:"isPrimary" bson:"isPrimary"`
	Verified  bool      `json:"verified" bson:"verified"`
	AddedAt   time.Time `json:"addedAt" bson:"addedAt"`
}

// User is the userCore document. Users are created on first contact and
// never deleted; Status is the soft-delete field.
type User struct {
	ID         string             `json:"masterAccountId" bson:"_id"`
	Display    string             `json:"display,omitempty" bson:"display,omitempty"`
	Identities []PlatformIdentity `json:"identities" bson:"identities"`
	Wallets    []Wallet           `json:"wallets" bson:"wallets"`
	Status     string             `json:"status" bson:"status"` // active | suspended
	CreatedAt  time.Time          `json:"createdAt" bson:"createdAt"`
	UpdatedAt  time.Time          `json:"updatedAt" bson:"updatedAt"`
}

// UserEconomy is the userEconomy document: lifetime counters folded in as
// ledger mutations commit. Advisory only — the credit_ledger rows remain the
// authority on balances.
type UserEconomy struct {
	MasterAccountID string    `json:"masterAccountId" bson:"_id"`
	PointsCredited  int64     `json:"pointsCredited" bson:"pointsCredited"`
	PointsSpent     int64     `json:"pointsSpent" bson:"pointsSpent"`
	Deposits        int64     `json:"deposits" bson:"deposits"`
	Spends          int64     `json:"spends" bson:"spends"`
	UpdatedAt       time.Time `json:"updatedAt" bson:"updatedAt"`
}

// UserPreferences is the userPreferences document. NotificationPlatform is
// the default delivery target when a request names none.
type UserPreferences struct {
	MasterAccountID      string                 `json:"masterAccountId" bson:"_id"`
	NotificationPlatform string                 `json:"notificationPlatform,omitempty" bson:"notificationPlatform,omitempty"`
	DefaultParams        map[string]interface{} `json:"defaultParams,omitempty" bson:"defaultParams,omitempty"`
	UpdatedAt            time.Time              `json:"updatedAt" bson:"updatedAt"`
}

// Deposit is a credit_ledger entry. Immutable after confirmation except for
// PointsRemaining and Status. Reward entries carry RewardType and no tx hash;
// debt entries carry negative points and a GenerationID.
type Deposit struct {
	ID                 string          `json:"depositId" bson:"_id"`
	MasterAccountID    string          `json:"masterAccountId,omitempty" bson:"master_account_id,omitempty"`
	DepositorAddress   string          `json:"depositorAddress,omitempty" bson:"depositor_address,omitempty"`
	TokenAddress       string          `json:"tokenAddress" bson:"token_address"`
	UsdValue           decimal.Decimal `json:"usdValue" bson:"usd_value"`
	PointsCredited     int64           `json:"pointsCredited" bson:"points_credited"`
	PointsRemaining    int64           `json:"pointsRemaining" bson:"points_remaining"`
	FundingRateApplied float64         `json:"fundingRateApplied" bson:"funding_rate_applied"`
	Status             DepositStatus   `json:"status" bson:"status"`
	DepositTxHash      string          `json:"depositTxHash,omitempty" bson:"deposit_tx_hash,omitempty"`
	RewardType         string          `json:"rewardType,omitempty" bson:"reward_type,omitempty"`
	Description        string          `json:"description,omitempty" bson:"description,omitempty"`
	GenerationID       string          `json:"generationId,omitempty" bson:"generation_id,omitempty"`
	Confirmations      int64           `json:"confirmations,omitempty" bson:"confirmations,omitempty"`
	CreatedAt          time.Time       `json:"createdAt" bson:"created_at"`
}

// CostingModel prices a tool run. Static bills Amount per run; dynamic bills
// Rate per Unit (second, token, run).
type CostingModel struct {
	Kind   string          `json:"kind" yaml:"kind" bson:"kind"` // static | dynamic
	Amount decimal.Decimal `json:"amount,omitempty" yaml:"amount,omitempty" bson:"amount,omitempty"`
	Rate   decimal.Decimal `json:"rate,omitempty" yaml:"rate,omitempty" bson:"rate,omitempty"`
	Unit   string          `json:"unit" yaml:"unit" bson:"unit"` // second | token | run
}

// ToolParam is one declarative input parameter of a tool schema.
type ToolParam struct {
	Name     string      `json:"name" yaml:"name" bson:"name"`
	Type     string      `json:"type" yaml:"type" bson:"type"` // string | number | integer | boolean
	Required bool        `json:"required,omitempty" yaml:"required,omitempty" bson:"required,omitempty"`
	Default  interface{} `json:"default,omitempty" yaml:"default,omitempty" bson:"default,omitempty"`
	Min      *float64    `json:"min,omitempty" yaml:"min,omitempty" bson:"min,omitempty"`
	Max      *float64    `json:"max,omitempty" yaml:"max,omitempty" bson:"max,omitempty"`
	Enum     []string    `json:"enum,omitempty" yaml:"enum,omitempty" bson:"enum,omitempty"`
	Advanced bool        `json:"advanced,omitempty" yaml:"advanced,omitempty" bson:"advanced,omitempty"`
	Hidden   bool        `json:"hidden,omitempty" yaml:"hidden,omitempty" bson:"hidden,omitempty"`
}

// ToolSchema is the declarative input contract of a tool.
type ToolSchema struct {
	Params      []ToolParam `json:"params" yaml:"params" bson:"params"`
	Passthrough bool        `json:"passthrough,omitempty" yaml:"passthrough,omitempty" bson:"passthrough,omitempty"`
}

// Tool is a catalog entry. Loaded at boot, refreshable, never written back.
type Tool struct {
	ToolID        string            `json:"toolId" yaml:"toolId" bson:"_id"`
	CommandName   string            `json:"commandName,omitempty" yaml:"commandName,omitempty" bson:"commandName,omitempty"`
	DisplayName   string            `json:"displayName" yaml:"displayName" bson:"displayName"`
	Description   string            `json:"description,omitempty" yaml:"description,omitempty" bson:"description,omitempty"`
	Service       string            `json:"service" yaml:"service" bson:"service"` // comfyui | dalle | openai-chat | string | vastai-training
	DeliveryMode  string            `json:"deliveryMode" yaml:"deliveryMode" bson:"deliveryMode"` // immediate | async
	InputSchema   ToolSchema        `json:"inputSchema" yaml:"inputSchema" bson:"inputSchema"`
	Costing       CostingModel      `json:"costingModel" yaml:"costingModel" bson:"costingModel"`
	MaxDurationMs int64             `json:"maxDurationMs,omitempty" yaml:"maxDurationMs,omitempty" bson:"maxDurationMs,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty" bson:"metadata,omitempty"` // baseModel, deploymentId, ...
}

// GenerationError is the user-visible failure attached to a record.
type GenerationError struct {
	Code    string `json:"code" bson:"code"`
	Message string `json:"message" bson:"message"`
}

// X402Settlement is attached to generations paid per-call instead of from
// the credit ledger.
type X402Settlement struct {
	Transaction string `json:"transaction" bson:"transaction"`
	Settled     bool   `json:"settled" bson:"settled"`
	CostUsd     string `json:"costUsd" bson:"costUsd"`
	Payer       string `json:"payer" bson:"payer"`
}

// GenerationMeta carries correlation and costing context for a run.
// RunID is the remote runtime's correlator and the webhook lookup key.
type GenerationMeta struct {
	RunID           string          `json:"run_id,omitempty" bson:"run_id,omitempty"`
	CostRate        *CostingModel   `json:"costRate,omitempty" bson:"costRate,omitempty"`
	IsSpell         bool            `json:"isSpell,omitempty" bson:"isSpell,omitempty"`
	SpellCastID     string          `json:"spellCastId,omitempty" bson:"spellCastId,omitempty"`
	CookExecutionID string          `json:"cookExecutionId,omitempty" bson:"cookExecutionId,omitempty"`
	StepIndex       int             `json:"stepIndex,omitempty" bson:"stepIndex,omitempty"`
	X402            *X402Settlement `json:"x402,omitempty" bson:"x402,omitempty"`
}

// Generation is the central state-bearing record of the engine
// (generationOutputs collection).
type Generation struct {
	ID                   string                 `json:"generationId" bson:"_id"`
	MasterAccountID      string                 `json:"masterAccountId" bson:"masterAccountId"`
	ServiceName          string                 `json:"serviceName" bson:"serviceName"`
	ToolID               string                 `json:"toolId" bson:"toolId"`
	ToolDisplayName      string                 `json:"toolDisplayName" bson:"toolDisplayName"`
	RequestPayload       map[string]interface{} `json:"requestPayload" bson:"requestPayload"`
	Status               GenerationStatus       `json:"status" bson:"status"`
	Progress             float64                `json:"progress,omitempty" bson:"progress,omitempty"`
	LiveStatus           string                 `json:"liveStatus,omitempty" bson:"liveStatus,omitempty"`
	DeliveryStatus       DeliveryStatus         `json:"deliveryStatus" bson:"deliveryStatus"`
	NotificationPlatform string                 `json:"notificationPlatform" bson:"notificationPlatform"` // none | telegram | discord | web | webhook
	RequestTimestamp     time.Time              `json:"requestTimestamp" bson:"requestTimestamp"`
	ExpiresAt            *time.Time             `json:"expiresAt,omitempty" bson:"expiresAt,omitempty"`
	ResponseTimestamp    *time.Time             `json:"responseTimestamp,omitempty" bson:"responseTimestamp,omitempty"`
	DurationMs           int64                  `json:"durationMs,omitempty" bson:"durationMs,omitempty"`
	CostUsd              decimal.Decimal        `json:"costUsd" bson:"costUsd"`
	PointsSpent          int64                  `json:"pointsSpent" bson:"pointsSpent"`
	PricingVersion       string                 `json:"pricingVersion,omitempty" bson:"pricingVersion,omitempty"`
	Metadata             GenerationMeta         `json:"metadata" bson:"metadata"`
	ResultPayload        map[string]interface{} `json:"resultPayload,omitempty" bson:"resultPayload,omitempty"`
	Error                *GenerationError       `json:"error,omitempty" bson:"error,omitempty"`
}

// CookStatus is the lifecycle state of a cook aggregate.
type CookStatus string

const (
	CookDraft     CookStatus = "draft"
	CookRunning   CookStatus = "running"
	CookPaused    CookStatus = "paused"
	CookCompleted CookStatus = "completed"
	CookStopped   CookStatus = "stopped"
	CookFailed    CookStatus = "failed"
)

// Terminal reports whether the cook can never run again.
func (s CookStatus) Terminal() bool {
	return s == CookCompleted || s == CookStopped || s == CookFailed
}

// CookConfig holds per-cook rendering settings.
type CookConfig struct {
	Width      int      `json:"width,omitempty" bson:"width,omitempty"`
	Height     int      `json:"height,omitempty" bson:"height,omitempty"`
	Variations []string `json:"variations,omitempty" bson:"variations,omitempty"`
	SeedMode   string   `json:"seedMode,omitempty" bson:"seedMode,omitempty"` // random | fixed
}

// Cook is the aggregate for a curated batch job.
type Cook struct {
	ID              string          `json:"cookId" bson:"_id"`
	Name            string          `json:"name" bson:"name"`
	MasterAccountID string          `json:"masterAccountId" bson:"masterAccountId"`
	ToolID          string          `json:"toolId" bson:"toolId"`
	PromptTemplate  string          `json:"promptTemplate" bson:"promptTemplate"`
	Config          CookConfig      `json:"config" bson:"config"`
	TargetCount     int             `json:"targetCount" bson:"targetCount"`
	GeneratedCount  int             `json:"generatedCount" bson:"generatedCount"`
	GenerationIDs   []string        `json:"generationIds" bson:"generationIds"`
	PendingReview   []string        `json:"pendingReview" bson:"pendingReview"`
	AcceptedIDs     []string        `json:"acceptedIds" bson:"acceptedIds"`
	RejectedIDs     []string        `json:"rejectedIds" bson:"rejectedIds"`
	CostUsd         decimal.Decimal `json:"costUsd" bson:"costUsd"`
	Status          CookStatus      `json:"status" bson:"status"`
	CreatedAt       time.Time       `json:"createdAt" bson:"createdAt"`
	CompletedAt     *time.Time      `json:"completedAt,omitempty" bson:"completedAt,omitempty"`
}

// SpellStep is one node of a stored workflow.
type SpellStep struct {
	StepID         string                 `json:"stepId" bson:"stepId"`
	ToolIdentifier string                 `json:"toolIdentifier" bson:"toolIdentifier"`
	Parameters     map[string]interface{} `json:"parameters" bson:"parameters"`
}

// SpellConnection routes one step's output into another step's input.
type SpellConnection struct {
	From struct {
		StepID string `json:"stepId" bson:"stepId"`
		Output string `json:"output" bson:"output"`
	} `json:"from" bson:"from"`
	To struct {
		StepID string `json:"stepId" bson:"stepId"`
		Input  string `json:"input" bson:"input"`
	} `json:"to" bson:"to"`
}

// Spell is a saved, parameterised multi-step workflow.
type Spell struct {
	Slug          string            `json:"slug" bson:"_id"`
	Name          string            `json:"name" bson:"name"`
	Visibility    string            `json:"visibility" bson:"visibility"` // private | listed | public
	Steps         []SpellStep       `json:"steps" bson:"steps"`
	Connections   []SpellConnection `json:"connections" bson:"connections"`
	ExposedInputs []string          `json:"exposedInputs" bson:"exposedInputs"`
	Owner         string            `json:"owner" bson:"owner"`
	CreatedAt     time.Time         `json:"createdAt" bson:"createdAt"`
}

// CastStepState tracks one step of a running cast.
type CastStepState struct {
	StepID       string                 `json:"stepId" bson:"stepId"`
	Status       GenerationStatus       `json:"status" bson:"status"`
	GenerationID string                 `json:"generationId,omitempty" bson:"generationId,omitempty"`
	Output       map[string]interface{} `json:"output,omitempty" bson:"output,omitempty"`
}

// SpellCast is one running execution of a spell.
type SpellCast struct {
	ID        string                 `json:"castId" bson:"_id"`
	Slug      string                 `json:"slug" bson:"slug"`
	Caster    string                 `json:"masterAccountId" bson:"masterAccountId"`
	Context   map[string]interface{} `json:"context" bson:"context"`
	Status    GenerationStatus       `json:"status" bson:"status"`
	Steps     []CastStepState        `json:"steps" bson:"steps"`
	Output    map[string]interface{} `json:"output,omitempty" bson:"output,omitempty"`
	CreatedAt time.Time              `json:"createdAt" bson:"createdAt"`
	UpdatedAt time.Time              `json:"updatedAt" bson:"updatedAt"`
}

// LoraModel is a style-conditioning model activated by trigger words.
// OwnedBy empty means public.
type LoraModel struct {
	Slug          string            `json:"slug" bson:"_id"`
	Name          string            `json:"name" bson:"name"`
	Description   string            `json:"description,omitempty" bson:"description,omitempty"`
	TriggerWords  []string          `json:"triggerWords" bson:"triggerWords"`
	Cognates      map[string]string `json:"cognates,omitempty" bson:"cognates,omitempty"` // alias → canonical
	Checkpoint    string            `json:"checkpoint" bson:"checkpoint"`                 // FLUX | SDXL | SD1.5 | SD3 | KONTEXT
	DefaultWeight float64           `json:"defaultWeight" bson:"defaultWeight"`
	Tags          []string          `json:"tags,omitempty" bson:"tags,omitempty"`
	OwnedBy       string            `json:"ownedBy,omitempty" bson:"ownedBy,omitempty"`
	CreatedAt     time.Time         `json:"createdAt" bson:"createdAt"`
}

// LoraPermission grants a master account access to a private LoRA.
type LoraPermission struct {
	ID              string    `json:"id" bson:"_id"`
	LoraSlug        string    `json:"loraSlug" bson:"loraSlug"`
	MasterAccountID string    `json:"masterAccountId" bson:"masterAccountId"`
	GrantedAt       time.Time `json:"grantedAt" bson:"grantedAt"`
}

// APIKey is a credential pointing at a user's credit pool. Only the SHA-256
// of the secret is stored; KeyPrefix is the indexed lookup handle.
type APIKey struct {
	ID              string     `json:"id" bson:"_id"`
	MasterAccountID string     `json:"masterAccountId" bson:"masterAccountId"`
	KeyPrefix       string     `json:"keyPrefix" bson:"keyPrefix"`
	SecretHash      string     `json:"-" bson:"secretHash"`
	Permissions     []string   `json:"permissions" bson:"permissions"`
	Status          string     `json:"status" bson:"status"` // active | revoked
	CreatedAt       time.Time  `json:"createdAt" bson:"createdAt"`
	LastUsedAt      *time.Time `json:"lastUsedAt,omitempty" bson:"lastUsedAt,omitempty"`
}

// TrainingStatus mirrors the generation FSM for long-running training jobs.
type TrainingStatus string

const (
	TrainingQueued       TrainingStatus = "queued"
	TrainingProvisioning TrainingStatus = "provisioning"
	TrainingRunning      TrainingStatus = "running"
	TrainingUploading    TrainingStatus = "uploading"
	TrainingCompleted    TrainingStatus = "completed"
	TrainingFailed       TrainingStatus = "failed"
	TrainingCancelled    TrainingStatus = "cancelled"
)

// Training is a LoRA training job backed by a rented GPU instance.
type Training struct {
	ID              string          `json:"trainingId" bson:"_id"`
	MasterAccountID string          `json:"masterAccountId" bson:"masterAccountId"`
	LoraName        string          `json:"loraName" bson:"loraName"`
	DatasetID       string          `json:"datasetId" bson:"datasetId"`
	BaseModel       string          `json:"baseModel" bson:"baseModel"`
	Status          TrainingStatus  `json:"status" bson:"status"`
	GenerationID    string          `json:"generationId,omitempty" bson:"generationId,omitempty"`
	InstanceID      int64           `json:"instanceId,omitempty" bson:"instanceId,omitempty"`
	GPUType         string          `json:"gpuType,omitempty" bson:"gpuType,omitempty"`
	OfferAttempts   int             `json:"offerAttempts,omitempty" bson:"offerAttempts,omitempty"`
	ArtifactDest    string          `json:"artifactDest" bson:"artifactDest"` // huggingface | r2
	ArtifactURL     string          `json:"artifactUrl,omitempty" bson:"artifactUrl,omitempty"`
	CostUsd         decimal.Decimal `json:"costUsd" bson:"costUsd"`
	CreatedAt       time.Time       `json:"createdAt" bson:"createdAt"`
	CompletedAt     *time.Time      `json:"completedAt,omitempty" bson:"completedAt,omitempty"`
}

// Dataset is an uploaded image set used by training jobs.
type Dataset struct {
	ID              string    `json:"datasetId" bson:"_id"`
	MasterAccountID string    `json:"masterAccountId" bson:"masterAccountId"`
	Name            string    `json:"name" bson:"name"`
	ImageKeys       []string  `json:"imageKeys" bson:"imageKeys"`
	CreatedAt       time.Time `json:"createdAt" bson:"createdAt"`
}
