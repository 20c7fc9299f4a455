package sdk

import "time"

// Generation status values. Polling can stop once Done() reports true.
const (
	GenerationPending    = "pending"
	GenerationProcessing = "processing"
	GenerationCompleted  = "completed"
	GenerationFailed     = "failed"
	GenerationCancelled  = "cancelled_by_user"
	GenerationTimeout    = "timeout"
)

// Wallet link request states.
const (
	LinkPending        = "PENDING"
	LinkCompleted      = "COMPLETED"
	LinkAlreadyClaimed = "ALREADY_CLAIMED"
	LinkExpired        = "EXPIRED"
)

// CostingModel prices a tool run: static bills Amount per run, dynamic
// bills Rate per Unit. Decimal values arrive as strings.
type CostingModel struct {
	Kind   string `json:"kind"`
	Amount string `json:"amount,omitempty"`
	Rate   string `json:"rate,omitempty"`
	Unit   string `json:"unit"`
}

// ToolParam is one declared input of a tool.
type ToolParam struct {
	Name     string      `json:"name"`
	Type     string      `json:"type"` // string | number | integer | boolean
	Required bool        `json:"required,omitempty"`
	Default  interface{} `json:"default,omitempty"`
	Min      *float64    `json:"min,omitempty"`
	Max      *float64    `json:"max,omitempty"`
	Enum     []string    `json:"enum,omitempty"`
}

type ToolSchema struct {
	Params      []ToolParam `json:"params"`
	Passthrough bool        `json:"passthrough,omitempty"`
}

// Tool is a catalog entry.
type Tool struct {
	ToolID        string            `json:"toolId"`
	CommandName   string            `json:"commandName,omitempty"`
	DisplayName   string            `json:"displayName"`
	Description   string            `json:"description,omitempty"`
	Service       string            `json:"service"`
	DeliveryMode  string            `json:"deliveryMode"` // immediate | async
	InputSchema   ToolSchema        `json:"inputSchema"`
	Costing       CostingModel      `json:"costingModel"`
	MaxDurationMs int64             `json:"maxDurationMs,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Lora is a public catalog model activated by trigger words.
type Lora struct {
	Slug          string   `json:"slug"`
	Name          string   `json:"name"`
	Description   string   `json:"description,omitempty"`
	TriggerWords  []string `json:"triggerWords"`
	Checkpoint    string   `json:"checkpoint"`
	DefaultWeight float64  `json:"defaultWeight"`
	Tags          []string `json:"tags,omitempty"`
}

// GenerationError is the user-visible failure on a finished record.
type GenerationError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Generation is the lifecycle record as the gateway serves it. CostUsd is a
// decimal string.
type Generation struct {
	GenerationID   string                 `json:"generationId"`
	ToolID         string                 `json:"toolId"`
	Status         string                 `json:"status"`
	DeliveryStatus string                 `json:"deliveryStatus"`
	CostUsd        string                 `json:"costUsd"`
	PointsSpent    int64                  `json:"pointsSpent"`
	Progress       float64                `json:"progress,omitempty"`
	LiveStatus     string                 `json:"liveStatus,omitempty"`
	DurationMs     int64                  `json:"durationMs,omitempty"`
	Outputs        map[string]interface{} `json:"outputs,omitempty"`
	Error          *GenerationError       `json:"error,omitempty"`
}

// Done reports whether the generation reached a terminal status.
func (g *Generation) Done() bool {
	switch g.Status {
	case GenerationCompleted, GenerationFailed, GenerationCancelled, GenerationTimeout:
		return true
	}
	return false
}

// ExecuteResult is the submit answer. Async tools set PollURL and a
// non-terminal Status; immediate tools return the finished record inline.
type ExecuteResult struct {
	Generation
	PollURL string `json:"pollUrl,omitempty"`
}

// Balance is the account's spendable points and pricing tier.
type Balance struct {
	MasterAccountID string           `json:"masterAccountId"`
	Points          int64            `json:"points"`
	Tier            string           `json:"tier"` // standard | ms2
	Lifetime        LifetimeCounters `json:"lifetime"`
}

// LifetimeCounters are running totals kept alongside the ledger. They never
// decrease; the spendable number is Points, not credited minus spent.
type LifetimeCounters struct {
	PointsCredited int64 `json:"pointsCredited"`
	PointsSpent    int64 `json:"pointsSpent"`
	Deposits       int64 `json:"deposits"`
	Spends         int64 `json:"spends"`
}

// Preferences is the account's saved defaults. NotificationPlatform is used
// when an execute request names none; DefaultParams fill unset inputs.
type Preferences struct {
	NotificationPlatform string                 `json:"notificationPlatform,omitempty"`
	DefaultParams        map[string]interface{} `json:"defaultParams,omitempty"`
}

// Deposit is one credit ledger entry.
type Deposit struct {
	DepositID        string    `json:"depositId"`
	DepositorAddress string    `json:"depositorAddress,omitempty"`
	TokenAddress     string    `json:"tokenAddress"`
	UsdValue         string    `json:"usdValue"`
	PointsCredited   int64     `json:"pointsCredited"`
	PointsRemaining  int64     `json:"pointsRemaining"`
	Status           string    `json:"status"`
	DepositTxHash    string    `json:"depositTxHash,omitempty"`
	RewardType       string    `json:"rewardType,omitempty"`
	Description      string    `json:"description,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
}

// WalletLinkRequest is an open magic-amount link: send exactly MagicAmount
// wei to DepositToAddress from the wallet to link, before ExpiresAt.
type WalletLinkRequest struct {
	RequestID        string    `json:"requestId"`
	MagicAmount      string    `json:"magicAmount"`
	DepositToAddress string    `json:"depositToAddress"`
	ExpiresAt        time.Time `json:"expiresAt"`
}

// WalletLinkState is a poll answer. APIKey rides along on COMPLETED polls
// for a short window after linking, then the plaintext is unretrievable.
type WalletLinkState struct {
	RequestID     string    `json:"requestId"`
	Status        string    `json:"status"`
	APIKey        string    `json:"apiKey,omitempty"`
	WalletAddress string    `json:"walletAddress,omitempty"`
	ExpiresAt     time.Time `json:"expiresAt,omitempty"`
}

// SpellStep is one node of a workflow.
type SpellStep struct {
	StepID         string                 `json:"stepId"`
	ToolIdentifier string                 `json:"toolIdentifier"`
	Parameters     map[string]interface{} `json:"parameters"`
}

// SpellConnection routes one step's output into another step's input.
type SpellConnection struct {
	From struct {
		StepID string `json:"stepId"`
		Output string `json:"output"`
	} `json:"from"`
	To struct {
		StepID string `json:"stepId"`
		Input  string `json:"input"`
	} `json:"to"`
}

// SpellSpec creates a spell.
type SpellSpec struct {
	Slug          string            `json:"slug"`
	Name          string            `json:"name"`
	Visibility    string            `json:"visibility,omitempty"` // private | listed | public
	Steps         []SpellStep       `json:"steps"`
	Connections   []SpellConnection `json:"connections,omitempty"`
	ExposedInputs []string          `json:"exposedInputs,omitempty"`
}

type Spell struct {
	Slug          string            `json:"slug"`
	Name          string            `json:"name"`
	Visibility    string            `json:"visibility"`
	Steps         []SpellStep       `json:"steps"`
	Connections   []SpellConnection `json:"connections"`
	ExposedInputs []string          `json:"exposedInputs"`
	Owner         string            `json:"owner"`
	CreatedAt     time.Time         `json:"createdAt"`
}

// CastHandle is the immediate answer to a cast; poll Cast() with CastID.
type CastHandle struct {
	CastID  string `json:"castId"`
	Slug    string `json:"slug"`
	Status  string `json:"status"`
	PollURL string `json:"pollUrl"`
}

// CastStep tracks one step of a running cast.
type CastStep struct {
	StepID       string                 `json:"stepId"`
	Status       string                 `json:"status"`
	GenerationID string                 `json:"generationId,omitempty"`
	Output       map[string]interface{} `json:"output,omitempty"`
}

type SpellCast struct {
	CastID    string                 `json:"castId"`
	Slug      string                 `json:"slug"`
	Status    string                 `json:"status"`
	Steps     []CastStep             `json:"steps"`
	Output    map[string]interface{} `json:"output,omitempty"`
	CreatedAt time.Time              `json:"createdAt"`
	UpdatedAt time.Time              `json:"updatedAt"`
}

// CollectionConfig holds per-collection rendering settings.
type CollectionConfig struct {
	Width      int      `json:"width,omitempty"`
	Height     int      `json:"height,omitempty"`
	Variations []string `json:"variations,omitempty"`
	SeedMode   string   `json:"seedMode,omitempty"` // random | fixed
}

// CollectionSpec creates a curated batch job.
type CollectionSpec struct {
	Name           string           `json:"name"`
	ToolID         string           `json:"toolId"`
	PromptTemplate string           `json:"promptTemplate"`
	Config         CollectionConfig `json:"config"`
	TargetCount    int              `json:"targetCount"`
}

type Collection struct {
	CollectionID   string     `json:"cookId"`
	Name           string     `json:"name"`
	ToolID         string     `json:"toolId"`
	PromptTemplate string     `json:"promptTemplate"`
	TargetCount    int        `json:"targetCount"`
	GeneratedCount int        `json:"generatedCount"`
	GenerationIDs  []string   `json:"generationIds"`
	PendingReview  []string   `json:"pendingReview"`
	AcceptedIDs    []string   `json:"acceptedIds"`
	RejectedIDs    []string   `json:"rejectedIds"`
	CostUsd        string     `json:"costUsd"`
	Status         string     `json:"status"`
	CreatedAt      time.Time  `json:"createdAt"`
	CompletedAt    *time.Time `json:"completedAt,omitempty"`
}

// ExportJob tracks a packaging request for a collection's accepted pieces.
type ExportJob struct {
	JobID        string     `json:"jobId"`
	CollectionID string     `json:"cookId"`
	Status       string     `json:"status"` // queued | running | completed | failed
	ArchivePath  string     `json:"archivePath,omitempty"`
	Pieces       int        `json:"pieces,omitempty"`
	Error        string     `json:"error,omitempty"`
	QueuedAt     time.Time  `json:"queuedAt"`
	FinishedAt   *time.Time `json:"finishedAt,omitempty"`
}

// TrainingSpec opens a LoRA training job.
type TrainingSpec struct {
	LoraName     string `json:"loraName"`
	DatasetID    string `json:"datasetId"`
	BaseModel    string `json:"baseModel"`
	Steps        int64  `json:"steps,omitempty"`
	ArtifactDest string `json:"artifactDest,omitempty"` // huggingface | r2
	HFRepo       string `json:"hfRepo,omitempty"`
	ToolID       string `json:"toolId,omitempty"`
}

type Training struct {
	TrainingID   string     `json:"trainingId"`
	LoraName     string     `json:"loraName"`
	DatasetID    string     `json:"datasetId"`
	BaseModel    string     `json:"baseModel"`
	Status       string     `json:"status"`
	GenerationID string     `json:"generationId,omitempty"`
	GPUType      string     `json:"gpuType,omitempty"`
	ArtifactDest string     `json:"artifactDest"`
	ArtifactURL  string     `json:"artifactUrl,omitempty"`
	CostUsd      string     `json:"costUsd"`
	CreatedAt    time.Time  `json:"createdAt"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
}

type Dataset struct {
	DatasetID string    `json:"datasetId"`
	Name      string    `json:"name"`
	ImageKeys []string  `json:"imageKeys"`
	CreatedAt time.Time `json:"createdAt"`
}
