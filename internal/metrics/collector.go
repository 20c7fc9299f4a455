package metrics

import (
	"log"
	"sync"

	"github.com/noemahq/noema/internal/events"
)

// Collector subscribes to the lifecycle bus and turns events into instrument
// updates. Publishers stay oblivious: the engine, scheduler and oracle emit
// plain events and never link against prometheus.
type Collector struct {
	metrics *Metrics
	ch      chan *events.Event
	wg      sync.WaitGroup
	logger  *log.Logger
}

func NewCollector(m *Metrics) *Collector {
	return &Collector{
		metrics: m,
		logger:  log.New(log.Writer(), "[METRICS] ", log.LstdFlags),
	}
}

// Start begins consuming lifecycle events until Stop is called.
func (c *Collector) Start(bus *events.Bus) {
	c.ch = bus.Subscribe(
		events.TypeGenerationUpdated,
		events.TypeCookProgress,
		events.TypeDepositConfirmed,
	)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for ev := range c.ch {
			c.observe(ev)
		}
	}()
	c.logger.Printf("📡 lifecycle collector started")
}

// Stop unsubscribes and drains the in-flight event.
func (c *Collector) Stop(bus *events.Bus) {
	if c.ch != nil {
		bus.Unsubscribe(c.ch)
	}
	c.wg.Wait()
}

func (c *Collector) observe(ev *events.Event) {
	switch ev.Type {
	case events.TypeGenerationUpdated:
		c.metrics.RecordGeneration(
			asString(ev.Data["serviceName"]),
			asString(ev.Data["status"]),
			asInt(ev.Data["pointsSpent"]),
		)
	case events.TypeCookProgress:
		c.metrics.RecordCookProgress(asString(ev.Data["status"]))
	case events.TypeDepositConfirmed:
		c.metrics.DepositsConfirmed.Inc()
	}
}

func asString(v interface{}) string {
	s, _ := v.(string)
	return s
}

// asInt tolerates both in-process integers and numbers that crossed a JSON
// boundary as float64.
func asInt(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}
