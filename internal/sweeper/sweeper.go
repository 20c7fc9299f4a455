// Package sweeper reaps orphaned GPU instances. Provisioning labels every
// instance it rents, and the training lifecycle destroys them on success,
// cancellation and teardown — but a crashed process or a half-finished retry
// loop can leave a rental running with nobody paying attention. The sweeper
// reconciles the provider's instance list against active trainings on a
// periodic loop and destroys what no training owns.
package sweeper

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/noemahq/noema/internal/core"
	"github.com/noemahq/noema/internal/runtime"
)

const (
	defaultInterval = 10 * time.Minute

	// defaultGrace keeps freshly rented instances out of scope: during the
	// provisioning retry loop the FSM is still managing them itself.
	defaultGrace = 15 * time.Minute
)

type instanceClient interface {
	ListInstances(ctx context.Context) ([]runtime.Instance, error)
	DestroyInstance(ctx context.Context, instanceID int64) error
}

type trainingLister interface {
	ListActiveTrainings(ctx context.Context) ([]core.Training, error)
}

type Config struct {
	Interval time.Duration
	Grace    time.Duration
}

type Sweeper struct {
	client   instanceClient
	store    trainingLister
	interval time.Duration
	grace    time.Duration
	logger   *log.Logger

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func New(client instanceClient, store trainingLister, cfg Config) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.Grace <= 0 {
		cfg.Grace = defaultGrace
	}
	return &Sweeper{
		client:   client,
		store:    store,
		interval: cfg.Interval,
		grace:    cfg.Grace,
		logger:   log.New(log.Writer(), "[SWEEPER] ", log.LstdFlags),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the periodic reconcile loop.
func (s *Sweeper) Start() {
	go s.loop()
	s.logger.Printf("🚀 Sweeping every %s (grace %s)", s.interval, s.grace)
}

// Stop halts the loop and waits for an in-flight pass.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
}

func (s *Sweeper) loop() {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.interval)
			if _, err := s.RunOnce(ctx); err != nil {
				s.logger.Printf("⚠️ sweep failed: %v", err)
			}
			cancel()
		}
	}
}

// RunOnce reconciles once and reports how many instances it destroyed.
// Instances without our label are never touched; the provider account may
// host other workloads.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	instances, err := s.client.ListInstances(ctx)
	if err != nil {
		return 0, core.Wrap(core.KindUpstreamFailed, err, "list provider instances")
	}
	trainings, err := s.store.ListActiveTrainings(ctx)
	if err != nil {
		return 0, err
	}

	activeTrainings := make(map[string]bool, len(trainings))
	activeInstances := make(map[int64]bool, len(trainings))
	for _, tr := range trainings {
		activeTrainings[tr.ID] = true
		if tr.InstanceID != 0 {
			activeInstances[tr.InstanceID] = true
		}
	}

	reaped := 0
	for _, inst := range instances {
		trainingID, ours := strings.CutPrefix(inst.Label, runtime.TrainingLabelPrefix)
		if !ours {
			continue
		}
		if activeTrainings[trainingID] || activeInstances[inst.ID] {
			continue
		}
		age := time.Since(time.Unix(int64(inst.StartDate), 0))
		if age < s.grace {
			continue
		}
		if err := s.client.DestroyInstance(ctx, inst.ID); err != nil {
			s.logger.Printf("⚠️ destroy instance %d: %v", inst.ID, err)
			continue
		}
		s.logger.Printf("🗑️ Reaped orphan %d (label %s, age %s)", inst.ID, inst.Label, age.Round(time.Minute))
		reaped++
	}
	return reaped, nil
}
