// Package export packages a cook's accepted pieces into downloadable
// archives. Jobs run on a small worker pool with an operator-controlled
// pause gate: a bad storage day can stop all packaging with one call while
// the queue keeps accepting work.
package export

import (
	"archive/zip"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/noemahq/noema/internal/core"
)

const (
	defaultWorkers  = 2
	defaultQueueCap = 64
	pausePoll       = 500 * time.Millisecond
)

// JobStatus is one export job's lifecycle state.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Job tracks one packaging request from queue to archive.
type Job struct {
	ID              string     `json:"jobId"`
	CookID          string     `json:"cookId"`
	MasterAccountID string     `json:"masterAccountId"`
	Status          JobStatus  `json:"status"`
	ArchivePath     string     `json:"archivePath,omitempty"`
	Pieces          int        `json:"pieces,omitempty"`
	Error           string     `json:"error,omitempty"`
	QueuedAt        time.Time  `json:"queuedAt"`
	FinishedAt      *time.Time `json:"finishedAt,omitempty"`
}

// WorkerStatus is the operator view of the pool.
type WorkerStatus struct {
	Paused     bool       `json:"paused"`
	Reason     string     `json:"reason,omitempty"`
	PausedAt   *time.Time `json:"pausedAt,omitempty"`
	QueueDepth int        `json:"queueDepth"`
	Exported   uint64     `json:"exported"`
	Failed     uint64     `json:"failed"`
}

// exportStore is the persistence slice packaging needs.
type exportStore interface {
	FindCookByID(ctx context.Context, cookID string) (*core.Cook, error)
	FindGenerationByID(ctx context.Context, generationID string) (*core.Generation, error)
}

// Worker owns the export queue and pool.
type Worker struct {
	store   exportStore
	dir     string
	queue   chan string
	workers int
	logger  *log.Logger

	mu       sync.RWMutex
	jobs     map[string]*Job
	paused   bool
	reason   string
	pausedAt time.Time

	exported uint64
	failed   uint64

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewWorker builds the pool; Start launches it. dir is created on demand.
func NewWorker(st exportStore, dir string, workers int) *Worker {
	if workers <= 0 {
		workers = defaultWorkers
	}
	if dir == "" {
		dir = "exports"
	}
	return &Worker{
		store:   st,
		dir:     dir,
		queue:   make(chan string, defaultQueueCap),
		workers: workers,
		logger:  log.New(log.Writer(), "[EXPORT] ", log.LstdFlags),
		jobs:    make(map[string]*Job),
		stop:    make(chan struct{}),
	}
}

// Start launches the worker goroutines.
func (w *Worker) Start() {
	for i := 0; i < w.workers; i++ {
		w.wg.Add(1)
		go w.run()
	}
	w.logger.Printf("Export worker started: %d workers, dir %s", w.workers, w.dir)
}

// Stop drains nothing: queued jobs stay queued in memory and are lost on
// exit, which is fine — exports are re-requestable.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	w.wg.Wait()
}

// Enqueue validates ownership and queues the packaging job.
func (w *Worker) Enqueue(ctx context.Context, cookID, masterAccountID string) (*Job, error) {
	cook, err := w.store.FindCookByID(ctx, cookID)
	if err != nil {
		return nil, err
	}
	if cook == nil || cook.MasterAccountID != masterAccountID {
		return nil, core.E(core.KindNotFound, "collection %s not found", cookID)
	}
	if len(cook.AcceptedIDs) == 0 {
		return nil, core.E(core.KindInvalidInput, "collection %s has no accepted pieces to export", cookID)
	}

	job := &Job{
		ID:              uuid.NewString(),
		CookID:          cookID,
		MasterAccountID: masterAccountID,
		Status:          JobQueued,
		QueuedAt:        time.Now().UTC(),
	}

	w.mu.Lock()
	w.jobs[job.ID] = job
	w.mu.Unlock()

	select {
	case w.queue <- job.ID:
	default:
		w.setOutcome(job.ID, JobFailed, "", 0, "export queue full")
		return nil, core.E(core.KindRateLimited, "export queue full, retry later")
	}

	w.logger.Printf("Queued export %s for collection %s (%d accepted)", job.ID, cookID, len(cook.AcceptedIDs))
	return w.snapshot(job.ID), nil
}

// Job returns a point-in-time copy of the job.
func (w *Worker) Job(jobID string) (*Job, bool) {
	j := w.snapshot(jobID)
	return j, j != nil
}

// Pause stops workers after their current job. Reason is surfaced on the
// status endpoint so operators see why exports sit queued.
func (w *Worker) Pause(reason string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.paused = true
	w.reason = reason
	w.pausedAt = time.Now().UTC()
	w.logger.Printf("⚠️ Export worker paused: %s", reason)
}

func (w *Worker) Resume() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.paused = false
	w.reason = ""
	w.logger.Printf("Export worker resumed")
}

func (w *Worker) Status() WorkerStatus {
	w.mu.RLock()
	defer w.mu.RUnlock()
	st := WorkerStatus{
		Paused:     w.paused,
		Reason:     w.reason,
		QueueDepth: len(w.queue),
		Exported:   atomic.LoadUint64(&w.exported),
		Failed:     atomic.LoadUint64(&w.failed),
	}
	if w.paused {
		at := w.pausedAt
		st.PausedAt = &at
	}
	return st
}

func (w *Worker) run() {
	defer w.wg.Done()
	for {
		select {
		case <-w.stop:
			return
		case jobID := <-w.queue:
			if !w.gate() {
				return
			}
			w.process(jobID)
		}
	}
}

// gate blocks while paused; false means the worker should exit.
func (w *Worker) gate() bool {
	for {
		w.mu.RLock()
		paused := w.paused
		w.mu.RUnlock()
		if !paused {
			return true
		}
		select {
		case <-w.stop:
			return false
		case <-time.After(pausePoll):
		}
	}
}

func (w *Worker) process(jobID string) {
	job := w.snapshot(jobID)
	if job == nil {
		return
	}
	w.setStatus(jobID, JobRunning)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	path, pieces, err := w.packageCook(ctx, job.CookID)
	if err != nil {
		atomic.AddUint64(&w.failed, 1)
		w.setOutcome(jobID, JobFailed, "", 0, core.Message(err))
		w.logger.Printf("❌ Export %s failed: %v", jobID, err)
		return
	}

	atomic.AddUint64(&w.exported, 1)
	w.setOutcome(jobID, JobCompleted, path, pieces, "")
	w.logger.Printf("✅ Export %s completed: %s (%d pieces)", jobID, path, pieces)
}

// packageCook writes one zip: manifest.json plus a JSON document per
// accepted piece.
func (w *Worker) packageCook(ctx context.Context, cookID string) (string, int, error) {
	cook, err := w.store.FindCookByID(ctx, cookID)
	if err != nil {
		return "", 0, err
	}
	if cook == nil {
		return "", 0, core.E(core.KindNotFound, "collection %s vanished before export", cookID)
	}

	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return "", 0, fmt.Errorf("create export dir: %w", err)
	}
	path := filepath.Join(w.dir, fmt.Sprintf("%s-%d.zip", cookID, time.Now().Unix()))
	f, err := os.Create(path)
	if err != nil {
		return "", 0, fmt.Errorf("create archive: %w", err)
	}
	defer f.Close()

	zw := zip.NewWriter(f)

	manifest := map[string]interface{}{
		"cookId":         cook.ID,
		"name":           cook.Name,
		"toolId":         cook.ToolID,
		"promptTemplate": cook.PromptTemplate,
		"targetCount":    cook.TargetCount,
		"generatedCount": cook.GeneratedCount,
		"acceptedCount":  len(cook.AcceptedIDs),
		"rejectedCount":  len(cook.RejectedIDs),
		"costUsd":        cook.CostUsd.String(),
		"exportedAt":     time.Now().UTC().Format(time.RFC3339),
	}
	if err := writeZipJSON(zw, "manifest.json", manifest); err != nil {
		return "", 0, err
	}

	pieces := 0
	for i, genID := range cook.AcceptedIDs {
		gen, err := w.store.FindGenerationByID(ctx, genID)
		if err != nil {
			return "", 0, err
		}
		if gen == nil {
			continue
		}
		entry := map[string]interface{}{
			"generationId": gen.ID,
			"toolId":       gen.ToolID,
			"request":      gen.RequestPayload,
			"outputs":      gen.ResultPayload,
			"costUsd":      gen.CostUsd.String(),
			"durationMs":   gen.DurationMs,
		}
		name := fmt.Sprintf("pieces/%03d-%s.json", i+1, gen.ID)
		if err := writeZipJSON(zw, name, entry); err != nil {
			return "", 0, err
		}
		pieces++
	}

	if err := zw.Close(); err != nil {
		return "", 0, fmt.Errorf("finalise archive: %w", err)
	}
	return path, pieces, nil
}

func writeZipJSON(zw *zip.Writer, name string, v interface{}) error {
	entry, err := zw.Create(name)
	if err != nil {
		return fmt.Errorf("archive entry %s: %w", name, err)
	}
	enc := json.NewEncoder(entry)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	return nil
}

func (w *Worker) snapshot(jobID string) *Job {
	w.mu.RLock()
	defer w.mu.RUnlock()
	job, ok := w.jobs[jobID]
	if !ok {
		return nil
	}
	cp := *job
	return &cp
}

func (w *Worker) setStatus(jobID string, status JobStatus) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if job, ok := w.jobs[jobID]; ok {
		job.Status = status
	}
}

func (w *Worker) setOutcome(jobID string, status JobStatus, path string, pieces int, errMsg string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	job, ok := w.jobs[jobID]
	if !ok {
		return
	}
	job.Status = status
	job.ArchivePath = path
	job.Pieces = pieces
	job.Error = errMsg
	now := time.Now().UTC()
	job.FinishedAt = &now
}
