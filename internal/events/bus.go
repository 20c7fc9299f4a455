package events

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/noemahq/noema/internal/core"
)

// Event types carried on the bus. Adapters subscribe by type.
const (
	TypeGenerationUpdated  = "generationUpdated"  // once per terminal transition
	TypeGenerationProgress = "generationProgress" // zero or more per run
	TypeSpellStepCompleted = "spellStepCompleted"
	TypeCookProgress       = "cookProgress"
	TypeDepositConfirmed   = "depositConfirmed"
	TypeTrainingProgress   = "trainingProgress"
)

// Emitter is the publish side. Both the in-memory Bus and the Pub/Sub-backed
// bus satisfy it. Publish keeps a pre-built envelope intact (ordering key,
// event id); Emit is the shorthand for callers without one.
type Emitter interface {
	Emit(eventType, source, subject string, data map[string]interface{})
	Publish(event *Event)
}

// Event is the CloudEvents 1.0 envelope used for every bus message, in
// memory and on the wire.
type Event struct {
	SpecVersion string                 `json:"specversion"`
	Type        string                 `json:"type"`
	Source      string                 `json:"source"`
	ID          string                 `json:"id"`
	Time        time.Time              `json:"time"`
	Subject     string                 `json:"subject,omitempty"` // generationId / cookId / castId
	Account     string                 `json:"account,omitempty"` // masterAccountId, the ordering key
	Data        map[string]interface{} `json:"data"`
}

// NewEvent assembles a CloudEvents 1.0 envelope.
func NewEvent(eventType, source, subject string, data map[string]interface{}) *Event {
	return &Event{
		SpecVersion: "1.0",
		Type:        eventType,
		Source:      source,
		ID:          fmt.Sprintf("ev-%d", time.Now().UnixNano()),
		Time:        time.Now().UTC(),
		Subject:     subject,
		Data:        data,
	}
}

// JSON serializes the event.
func (e *Event) JSON() ([]byte, error) {
	return json.Marshal(e)
}

// SSEFormat renders the event as a Server-Sent Events frame.
func (e *Event) SSEFormat() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return []byte(fmt.Sprintf("event: %s\ndata: %s\nid: %s\n\n", e.Type, data, e.ID)), nil
}

// ============================================================================
// PAYLOAD CONSTRUCTORS
// ============================================================================

// GenerationUpdated is emitted exactly once when a generation reaches a
// terminal status.
func GenerationUpdated(gen *core.Generation) *Event {
	data := map[string]interface{}{
		"generationId": gen.ID,
		"status":       string(gen.Status),
		"serviceName":  gen.ServiceName,
		"outputs":      gen.ResultPayload,
		"costUsd":      gen.CostUsd.String(),
		"pointsSpent":  gen.PointsSpent,
	}
	if gen.Error != nil {
		data["error"] = gen.Error
	}
	ev := NewEvent(TypeGenerationUpdated, "/engine", gen.ID, data)
	ev.Account = gen.MasterAccountID
	return ev
}

// GenerationProgress carries the remote runtime's status verbatim alongside
// the normalised progress fraction.
func GenerationProgress(gen *core.Generation, remoteStatus string, progress float64, liveStatus string) *Event {
	ev := NewEvent(TypeGenerationProgress, "/engine", gen.ID, map[string]interface{}{
		"generationId": gen.ID,
		"status":       remoteStatus,
		"progress":     progress,
		"liveStatus":   liveStatus,
	})
	ev.Account = gen.MasterAccountID
	return ev
}

// SpellStepCompleted is emitted for intermediate spell steps; final steps
// emit GenerationUpdated instead.
func SpellStepCompleted(account, castID string, stepIndex int, output interface{}) *Event {
	ev := NewEvent(TypeSpellStepCompleted, "/scheduler", castID, map[string]interface{}{
		"castId":    castID,
		"stepIndex": stepIndex,
		"output":    output,
	})
	ev.Account = account
	return ev
}

// CookProgress reports aggregate counts after each piece lands.
func CookProgress(cook *core.Cook) *Event {
	ev := NewEvent(TypeCookProgress, "/scheduler", cook.ID, map[string]interface{}{
		"cookId":         cook.ID,
		"status":         string(cook.Status),
		"generatedCount": cook.GeneratedCount,
		"targetCount":    cook.TargetCount,
		"costUsd":        cook.CostUsd.String(),
	})
	ev.Account = cook.MasterAccountID
	return ev
}

// DepositConfirmed announces newly spendable points.
func DepositConfirmed(dep *core.Deposit) *Event {
	ev := NewEvent(TypeDepositConfirmed, "/oracle", dep.ID, map[string]interface{}{
		"depositId":      dep.ID,
		"txHash":         dep.DepositTxHash,
		"pointsCredited": dep.PointsCredited,
		"tokenAddress":   dep.TokenAddress,
	})
	ev.Account = dep.MasterAccountID
	return ev
}

// TrainingProgress announces a training milestone: instance provisioned,
// artifact uploading, artifact ready, job finished.
func TrainingProgress(account, trainingID string, status core.TrainingStatus, detail map[string]interface{}) *Event {
	data := map[string]interface{}{
		"trainingId": trainingID,
		"status":     string(status),
	}
	for k, v := range detail {
		data[k] = v
	}
	ev := NewEvent(TypeTrainingProgress, "/training", trainingID, data)
	ev.Account = account
	return ev
}

// ============================================================================
// IN-MEMORY BUS
// ============================================================================

// Bus is the process-local pub/sub fabric. Delivery is best-effort: a
// subscriber whose buffer is full misses the event, the durable record in
// the store is the source of truth.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]chan *Event // eventType -> channels
	allSubs     []chan *Event
	logger      *log.Logger
	bufferSize  int
	dropped     atomic.Uint64
}

func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[string][]chan *Event),
		allSubs:     make([]chan *Event, 0),
		logger:      log.New(log.Writer(), "[EVENTS] ", log.LstdFlags),
		bufferSize:  100,
	}
}

// Subscribe returns a channel receiving events of the given types, or every
// event when no types are named.
func (b *Bus) Subscribe(eventTypes ...string) chan *Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan *Event, b.bufferSize)
	if len(eventTypes) == 0 {
		b.allSubs = append(b.allSubs, ch)
	} else {
		for _, et := range eventTypes {
			b.subscribers[et] = append(b.subscribers[et], ch)
		}
	}
	return ch
}

// Unsubscribe removes and closes the channel.
func (b *Bus) Unsubscribe(ch chan *Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for et, subs := range b.subscribers {
		filtered := make([]chan *Event, 0, len(subs))
		for _, s := range subs {
			if s != ch {
				filtered = append(filtered, s)
			}
		}
		b.subscribers[et] = filtered
	}

	filtered := make([]chan *Event, 0, len(b.allSubs))
	for _, s := range b.allSubs {
		if s != ch {
			filtered = append(filtered, s)
		}
	}
	b.allSubs = filtered

	close(ch)
}

// Publish fans the event out to matching subscribers without blocking.
func (b *Bus) Publish(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers[event.Type] {
		select {
		case ch <- event:
		default:
			b.dropped.Add(1)
			b.logger.Printf("⚠️ Subscriber buffer full, dropped %s", event.Type)
		}
	}
	for _, ch := range b.allSubs {
		select {
		case ch <- event:
		default:
			b.dropped.Add(1)
			b.logger.Printf("⚠️ Subscriber buffer full, dropped %s", event.Type)
		}
	}
}

// Emit builds an envelope and publishes it.
func (b *Bus) Emit(eventType, source, subject string, data map[string]interface{}) {
	b.Publish(NewEvent(eventType, source, subject, data))
}

// Dropped reports how many events were lost to full subscriber buffers
// since the bus started.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// SubscriberCount reports active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	count := len(b.allSubs)
	for _, subs := range b.subscribers {
		count += len(subs)
	}
	return count
}

var _ Emitter = (*Bus)(nil)
