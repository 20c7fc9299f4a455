package delivery

import (
	"context"
	"log"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/noemahq/noema/internal/core"
	"github.com/noemahq/noema/internal/events"
)

// deliveryStore is the persistence slice the fan-out needs.
type deliveryStore interface {
	FindGenerationByID(ctx context.Context, id string) (*core.Generation, error)
	FindUserByID(ctx context.Context, id string) (*core.User, error)
	UpdateGeneration(ctx context.Context, id string, patch bson.M) error
}

// Deliverer consumes generationUpdated events and fans each out to the
// record's notification platform, then settles deliveryStatus. One event,
// one transport, one status write.
type Deliverer struct {
	store      deliveryStore
	hub        *Hub
	dispatcher *Dispatcher
	senders    map[string]Sender
	logger     *log.Logger
	observe    func(platform, result string)

	ch chan *events.Event
	wg sync.WaitGroup
}

func NewDeliverer(st deliveryStore, hub *Hub, dispatcher *Dispatcher, senders ...Sender) *Deliverer {
	d := &Deliverer{
		store:      st,
		hub:        hub,
		dispatcher: dispatcher,
		senders:    make(map[string]Sender, len(senders)),
		logger:     log.New(log.Writer(), "[DELIVERY] ", log.LstdFlags),
	}
	for _, s := range senders {
		d.senders[s.Platform()] = s
	}
	return d
}

// Observe registers a counter called once per settled delivery. Set it
// before Start.
func (d *Deliverer) Observe(fn func(platform, result string)) {
	d.observe = fn
}

// Start subscribes to the bus and consumes until Stop.
func (d *Deliverer) Start(bus *events.Bus) {
	d.ch = bus.Subscribe(events.TypeGenerationUpdated)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for ev := range d.ch {
			d.deliver(ev)
		}
	}()
}

// Stop unsubscribes, drains the in-flight event and shuts the webhook pool.
func (d *Deliverer) Stop(bus *events.Bus) {
	if d.ch != nil {
		bus.Unsubscribe(d.ch)
	}
	d.wg.Wait()
	if d.dispatcher != nil {
		d.dispatcher.Shutdown()
	}
}

func (d *Deliverer) deliver(ev *events.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	gen, err := d.store.FindGenerationByID(ctx, ev.Subject)
	if err != nil || gen == nil {
		d.logger.Printf("⚠️ no record for event %s (%s), discarding", ev.ID, ev.Subject)
		return
	}
	if gen.DeliveryStatus != core.DeliveryPending {
		return
	}

	switch gen.NotificationPlatform {
	case "web":
		payload, err := ev.JSON()
		if err != nil {
			d.settle(ctx, gen, core.DeliveryFailed)
			return
		}
		if d.hub != nil && d.hub.Broadcast(gen.MasterAccountID, payload) > 0 {
			d.settle(ctx, gen, core.DeliveryDelivered)
		} else {
			// nobody connected; the record stays pollable
			d.settle(ctx, gen, core.DeliverySkipped)
		}

	case "telegram", "discord":
		sender, ok := d.senders[gen.NotificationPlatform]
		if !ok {
			d.logger.Printf("⚠️ no %s sender configured, skipping %s", gen.NotificationPlatform, gen.ID)
			d.settle(ctx, gen, core.DeliverySkipped)
			return
		}
		target := d.identityFor(ctx, gen.MasterAccountID, gen.NotificationPlatform)
		if target == "" {
			d.logger.Printf("⚠️ %s has no %s identity", gen.MasterAccountID, gen.NotificationPlatform)
			d.settle(ctx, gen, core.DeliveryFailed)
			return
		}
		if err := sender.Send(ctx, target, gen); err != nil {
			d.logger.Printf("❌ %s delivery of %s failed: %v", gen.NotificationPlatform, gen.ID, err)
			d.settle(ctx, gen, core.DeliveryFailed)
			return
		}
		d.settle(ctx, gen, core.DeliveryDelivered)

	case "webhook":
		url := d.identityFor(ctx, gen.MasterAccountID, "webhook")
		if url == "" || d.dispatcher == nil {
			d.settle(ctx, gen, core.DeliveryFailed)
			return
		}
		id := gen.ID
		d.dispatcher.Deliver(url, ev, func(delivered bool) {
			status := core.DeliveryDelivered
			if !delivered {
				status = core.DeliveryFailed
			}
			sctx, scancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer scancel()
			if err := d.store.UpdateGeneration(sctx, id, bson.M{"deliveryStatus": status}); err != nil {
				d.logger.Printf("⚠️ could not settle deliveryStatus for %s: %v", id, err)
			}
			d.count("webhook", status)
		})

	default:
		d.settle(ctx, gen, core.DeliverySkipped)
	}
}

func (d *Deliverer) settle(ctx context.Context, gen *core.Generation, status core.DeliveryStatus) {
	if err := d.store.UpdateGeneration(ctx, gen.ID, bson.M{"deliveryStatus": status}); err != nil {
		d.logger.Printf("⚠️ could not settle deliveryStatus for %s: %v", gen.ID, err)
		return
	}
	d.count(gen.NotificationPlatform, status)
	if status == core.DeliveryDelivered {
		d.logger.Printf("✅ %s delivered via %s", gen.ID, gen.NotificationPlatform)
	}
}

func (d *Deliverer) count(platform string, status core.DeliveryStatus) {
	if d.observe == nil {
		return
	}
	if platform == "" {
		platform = "none"
	}
	d.observe(platform, string(status))
}

func (d *Deliverer) identityFor(ctx context.Context, masterAccountID, platform string) string {
	user, err := d.store.FindUserByID(ctx, masterAccountID)
	if err != nil || user == nil {
		return ""
	}
	for _, id := range user.Identities {
		if id.Platform == platform {
			return id.PlatformID
		}
	}
	return ""
}
