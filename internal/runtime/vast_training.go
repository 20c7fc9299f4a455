package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/noemahq/noema/internal/core"
)

// TrainingLabelPrefix marks provider instances as ours. The sweeper only
// ever touches instances carrying it.
const TrainingLabelPrefix = "noema-training-"

// TrainingHooks lets the training service persist provisioning milestones
// (instance ids for the sweeper, artifact URLs) without the runtime knowing
// about the store.
type TrainingHooks interface {
	Provisioned(ctx context.Context, trainingID string, instanceID int64, gpuType string, attempts int)
	Uploading(ctx context.Context, trainingID string)
	ArtifactReady(ctx context.Context, trainingID, artifactURL string)
	// Finished fires on success and on failure, but not on user
	// cancellation: the cancel endpoint stamps the record itself.
	Finished(ctx context.Context, trainingID string, succeeded bool)
}

type noopHooks struct{}

func (noopHooks) Provisioned(context.Context, string, int64, string, int) {}
func (noopHooks) Uploading(context.Context, string)                       {}
func (noopHooks) ArtifactReady(context.Context, string, string)           {}
func (noopHooks) Finished(context.Context, string, bool)                  {}

// R2Config is the artifact bucket for trainings not headed to HuggingFace.
type R2Config struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
}

// VastTrainingConfig wires the runtime.
type VastTrainingConfig struct {
	Image        string        // training container image
	GPUTypes     []string      // preference order
	PollInterval time.Duration // SSH progress cadence, default 5 min
	SSHKeyPath   string
	SSHPubKey    string
	HFToken      string
	R2           R2Config
}

// VastTraining runs LoRA training jobs on rented GPU instances. Submit
// returns immediately with a synthetic run id; the lifecycle then plays out
// in a background task that emits events shaped exactly like ComfyDeploy
// webhooks, so the engine's intake path is uniform.
type VastTraining struct {
	client *VastClient
	prov   *Provisioner
	cfg    VastTrainingConfig
	hooks  TrainingHooks
	sink   func(*Event)
	logger *log.Logger

	mu      sync.Mutex
	running map[string]context.CancelFunc // runID -> cancel
}

func NewVastTraining(client *VastClient, cfg VastTrainingConfig) *VastTraining {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Minute
	}
	if len(cfg.GPUTypes) == 0 {
		cfg.GPUTypes = []string{"RTX 4090", "RTX 3090", "A100 SXM4"}
	}
	if cfg.Image == "" {
		cfg.Image = "noemahq/lora-trainer:latest"
	}
	return &VastTraining{
		client:  client,
		prov:    NewProvisioner(client),
		cfg:     cfg,
		hooks:   noopHooks{},
		sink:    func(*Event) {},
		logger:  log.New(log.Writer(), "[TRAINING] ", log.LstdFlags),
		running: make(map[string]context.CancelFunc),
	}
}

func (v *VastTraining) Service() string { return "vastai-training" }

// SetSink registers the engine's event intake. Must be called before the
// first Submit.
func (v *VastTraining) SetSink(fn func(*Event)) { v.sink = fn }

// SetHooks registers the training service's persistence callbacks.
func (v *VastTraining) SetHooks(h TrainingHooks) { v.hooks = h }

// trainingSpec is what the resolved tool inputs must carry.
type trainingSpec struct {
	TrainingID   string
	LoraName     string
	DatasetID    string
	BaseModel    string
	Steps        int64
	ArtifactDest string // huggingface | r2
	HFRepo       string
}

func specFromInputs(inputs map[string]interface{}) (trainingSpec, error) {
	spec := trainingSpec{
		ArtifactDest: "r2",
		Steps:        1000,
	}
	str := func(key string) string {
		s, _ := inputs[key].(string)
		return s
	}
	spec.TrainingID = str("trainingId")
	spec.LoraName = str("loraName")
	spec.DatasetID = str("datasetId")
	spec.BaseModel = str("baseModel")
	if dest := str("artifactDest"); dest != "" {
		spec.ArtifactDest = dest
	}
	spec.HFRepo = str("hfRepo")
	if steps, ok := inputs["steps"].(int64); ok && steps > 0 {
		spec.Steps = steps
	} else if steps, ok := inputs["steps"].(float64); ok && steps > 0 {
		spec.Steps = int64(steps)
	}

	if spec.LoraName == "" || spec.DatasetID == "" || spec.BaseModel == "" {
		return spec, core.E(core.KindInvalidInput, "training requires loraName, datasetId and baseModel")
	}
	if spec.ArtifactDest != "r2" && spec.ArtifactDest != "huggingface" {
		return spec, core.E(core.KindInvalidInput, "artifactDest must be r2 or huggingface, got %q", spec.ArtifactDest)
	}
	if spec.ArtifactDest == "huggingface" && spec.HFRepo == "" {
		return spec, core.E(core.KindInvalidInput, "huggingface destination requires hfRepo")
	}
	return spec, nil
}

// Submit validates the spec and hands off to the background lifecycle. The
// request context only covers validation; the job itself must outlive it.
func (v *VastTraining) Submit(ctx context.Context, gen *core.Generation, tool *core.Tool, inputs map[string]interface{}) (SubmitResult, error) {
	spec, err := specFromInputs(inputs)
	if err != nil {
		return SubmitResult{}, err
	}
	if spec.TrainingID == "" {
		spec.TrainingID = gen.ID
	}

	runID := "vast-" + gen.ID
	jobCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	v.mu.Lock()
	v.running[runID] = cancel
	v.mu.Unlock()

	go v.run(jobCtx, runID, spec)

	v.logger.Printf("Queued training %s (lora %s, base %s) as run %s", spec.TrainingID, spec.LoraName, spec.BaseModel, runID)
	return SubmitResult{RunID: runID}, nil
}

// Cancel stops the job's lifecycle task. The instance is destroyed by the
// task's cancellation path since the user chose to stop paying for it.
func (v *VastTraining) Cancel(ctx context.Context, runID string) error {
	v.mu.Lock()
	cancel, ok := v.running[runID]
	v.mu.Unlock()
	if ok {
		cancel()
	}
	return nil
}

func (v *VastTraining) emit(ev *Event) { v.sink(ev) }

func (v *VastTraining) finish(runID string) {
	v.mu.Lock()
	delete(v.running, runID)
	v.mu.Unlock()
}

// run is the full training lifecycle: provision, upload, train, poll,
// archive. Failures leave the instance running for debugging; success and
// cancellation destroy it.
func (v *VastTraining) run(ctx context.Context, runID string, spec trainingSpec) {
	defer v.finish(runID)

	v.emit(&Event{RunID: runID, Status: RemoteQueued, LiveStatus: "searching for GPU offers"})

	prov, err := v.prov.Provision(ctx, ProvisionConfig{
		GPUTypes:   v.cfg.GPUTypes,
		Image:      v.cfg.Image,
		Label:      TrainingLabelPrefix + spec.TrainingID,
		Env:        v.instanceEnv(spec),
		SSHKeyPath: v.cfg.SSHKeyPath,
		SSHPubKey:  v.cfg.SSHPubKey,
	})
	if err != nil {
		if ctx.Err() != nil {
			v.emit(&Event{RunID: runID, Status: RemoteFailed,
				Error: &core.GenerationError{Code: "CANCELLED", Message: "training cancelled during provisioning"}})
			return
		}
		v.hooks.Finished(ctx, spec.TrainingID, false)
		v.emit(failedEvent(runID, "UPSTREAM_FAILED", err))
		return
	}
	inst := prov.Instance
	v.hooks.Provisioned(ctx, spec.TrainingID, inst.ID, inst.GPUName, prov.Attempts)

	if err := v.bootstrap(ctx, prov.Runner, spec); err != nil {
		v.failLeavingInstance(ctx, runID, spec.TrainingID, inst.ID, err)
		return
	}

	progress := 0.05
	v.emit(&Event{RunID: runID, Status: RemoteRunning, Progress: &progress,
		LiveStatus: fmt.Sprintf("training on %s (instance %d)", inst.GPUName, inst.ID)})

	outcome, err := v.pollUntilDone(ctx, runID, prov.Runner, spec)
	if err != nil {
		if ctx.Err() != nil {
			// Cancelled: stop paying for the box.
			v.destroy(inst.ID)
			v.emit(&Event{RunID: runID, Status: RemoteFailed,
				Error: &core.GenerationError{Code: "CANCELLED", Message: "training cancelled by user"}})
			return
		}
		v.failLeavingInstance(ctx, runID, spec.TrainingID, inst.ID, err)
		return
	}

	v.hooks.Uploading(ctx, spec.TrainingID)
	uploading := 0.97
	v.emit(&Event{RunID: runID, Status: RemoteRunning, Progress: &uploading, LiveStatus: "uploading artifacts"})

	artifactURL, err := v.uploadArtifacts(ctx, prov.Runner, spec)
	if err != nil {
		v.failLeavingInstance(ctx, runID, spec.TrainingID, inst.ID, err)
		return
	}
	v.hooks.ArtifactReady(ctx, spec.TrainingID, artifactURL)
	v.hooks.Finished(ctx, spec.TrainingID, true)

	v.destroy(inst.ID)

	v.emit(&Event{
		RunID:  runID,
		Status: RemoteSuccess,
		Outputs: map[string]interface{}{
			"artifactUrl": artifactURL,
			"loraName":    spec.LoraName,
			"baseModel":   spec.BaseModel,
			"finalLoss":   outcome.Loss,
			"steps":       outcome.Step,
		},
		DurationMs: outcome.durationMs,
	})
}

func (v *VastTraining) instanceEnv(spec trainingSpec) map[string]string {
	env := map[string]string{
		"LORA_NAME":  spec.LoraName,
		"BASE_MODEL": spec.BaseModel,
		"DATASET_ID": spec.DatasetID,
	}
	if v.cfg.HFToken != "" {
		env["HF_TOKEN"] = v.cfg.HFToken
	}
	if v.cfg.R2.Endpoint != "" {
		env["AWS_ACCESS_KEY_ID"] = v.cfg.R2.AccessKey
		env["AWS_SECRET_ACCESS_KEY"] = v.cfg.R2.SecretKey
		env["R2_ENDPOINT"] = v.cfg.R2.Endpoint
		env["R2_BUCKET"] = v.cfg.R2.Bucket
	}
	return env
}

// bootstrap pulls the dataset onto the instance, writes the training config
// and starts the trainer detached.
func (v *VastTraining) bootstrap(ctx context.Context, runner CommandRunner, spec trainingSpec) error {
	cfg := map[string]interface{}{
		"lora_name":  spec.LoraName,
		"base_model": spec.BaseModel,
		"steps":      spec.Steps,
		"output_dir": "/workspace/output",
	}
	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return core.Wrap(core.KindInvalidInput, err, "marshal training config")
	}

	steps := []string{
		"mkdir -p /workspace/dataset /workspace/output",
		fmt.Sprintf("aws s3 cp s3://$R2_BUCKET/datasets/%s /workspace/dataset --recursive --endpoint-url $R2_ENDPOINT", spec.DatasetID),
		fmt.Sprintf("cat > /workspace/config.json << 'NOEMA_EOF'\n%s\nNOEMA_EOF", cfgJSON),
		"cd /workspace && nohup python train.py --config config.json > train.log 2>&1 & echo started",
	}
	for _, cmd := range steps {
		if _, err := runner.Run(ctx, cmd); err != nil {
			return core.Wrap(core.KindUpstreamFailed, err, "bootstrap instance")
		}
	}
	return nil
}

// trainingProgress is the file the trainer maintains on the instance.
type trainingProgress struct {
	Step       int64   `json:"step"`
	TotalSteps int64   `json:"total_steps"`
	Loss       float64 `json:"loss"`
	Status     string  `json:"status"` // training | done | error
	Message    string  `json:"message,omitempty"`

	durationMs int64
}

// pollUntilDone reads the progress file every PollInterval and emits
// progress events. Returns when the trainer reports done or error.
func (v *VastTraining) pollUntilDone(ctx context.Context, runID string, runner CommandRunner, spec trainingSpec) (*trainingProgress, error) {
	started := time.Now()
	ticker := time.NewTicker(v.cfg.PollInterval)
	defer ticker.Stop()

	misses := 0
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}

		out, err := runner.Run(ctx, "cat /workspace/progress.json 2>/dev/null")
		if err != nil || strings.TrimSpace(out) == "" {
			misses++
			// A cold trainer takes a couple of polls to write its first
			// progress file; persistent silence means it died.
			if misses >= 4 {
				return nil, fmt.Errorf("no progress from trainer after %d polls", misses)
			}
			continue
		}
		misses = 0

		var prog trainingProgress
		if err := json.Unmarshal([]byte(strings.TrimSpace(out)), &prog); err != nil {
			v.logger.Printf("⚠️ Unparseable progress for %s: %v", runID, err)
			continue
		}

		switch prog.Status {
		case "done":
			prog.durationMs = time.Since(started).Milliseconds()
			return &prog, nil
		case "error":
			return nil, fmt.Errorf("trainer reported error: %s", prog.Message)
		default:
			fraction := 0.05
			if prog.TotalSteps > 0 {
				// Scale into [0.05, 0.95]: provisioning took the first 5%,
				// artifact upload owns the rest.
				fraction = 0.05 + 0.90*float64(prog.Step)/float64(prog.TotalSteps)
			}
			v.emit(&Event{
				RunID:      runID,
				Status:     RemoteRunning,
				Progress:   &fraction,
				LiveStatus: fmt.Sprintf("step %d/%d loss %.4f", prog.Step, prog.TotalSteps, prog.Loss),
			})
		}
	}
}

// uploadArtifacts pushes the output directory from the instance to the
// configured destination and returns the public URL.
func (v *VastTraining) uploadArtifacts(ctx context.Context, runner CommandRunner, spec trainingSpec) (string, error) {
	slug := core.Slugify(spec.LoraName)
	switch spec.ArtifactDest {
	case "huggingface":
		cmd := fmt.Sprintf("huggingface-cli upload %s /workspace/output --token $HF_TOKEN --commit-message 'trained %s'",
			spec.HFRepo, slug)
		if _, err := runner.Run(ctx, cmd); err != nil {
			return "", core.Wrap(core.KindUpstreamFailed, err, "huggingface upload")
		}
		return "https://huggingface.co/" + spec.HFRepo, nil
	default:
		cmd := fmt.Sprintf("aws s3 cp /workspace/output s3://$R2_BUCKET/loras/%s --recursive --endpoint-url $R2_ENDPOINT", slug)
		if _, err := runner.Run(ctx, cmd); err != nil {
			return "", core.Wrap(core.KindUpstreamFailed, err, "r2 upload")
		}
		return fmt.Sprintf("%s/%s/loras/%s/%s.safetensors", v.cfg.R2.Endpoint, v.cfg.R2.Bucket, slug, slug), nil
	}
}

func (v *VastTraining) failLeavingInstance(ctx context.Context, runID, trainingID string, instanceID int64, err error) {
	// The box stays up for debugging; the sweeper reaps it later.
	v.logger.Printf("❌ Training run %s failed, leaving instance %d running: %v", runID, instanceID, err)
	v.hooks.Finished(ctx, trainingID, false)
	v.emit(failedEvent(runID, "UPSTREAM_FAILED", err))
}

func (v *VastTraining) destroy(instanceID int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := v.client.DestroyInstance(ctx, instanceID); err != nil {
		v.logger.Printf("⚠️ Failed to destroy instance %d, sweeper will retry: %v", instanceID, err)
	}
}

var _ Runtime = (*VastTraining)(nil)
