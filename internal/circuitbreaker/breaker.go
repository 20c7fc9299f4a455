// Package circuitbreaker guards outbound provider calls. A breaker counts
// failures in a rolling window, rejects calls outright once the provider
// looks down, and lets a handful of probes through after a cooldown to see
// whether it recovered. Generation providers wrap their HTTP choke points
// in a breaker so a dead upstream fails fast instead of tying up workers
// for a full timeout each.
package circuitbreaker

import (
	"errors"
	"log"
	"sync"
	"time"
)

// ErrOpen rejects calls while the breaker considers the provider down.
// Callers map it onto their own upstream-failure error before it reaches
// a user.
var ErrOpen = errors.New("circuit open")

// State is the breaker's position.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Counts tallies calls within the current generation. A generation ends on
// every state change and, while closed, every Window.
type Counts struct {
	Requests             uint32
	Successes            uint32
	Failures             uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

func (c *Counts) onRequest() {
	c.Requests++
}

func (c *Counts) onSuccess() {
	c.Successes++
	c.ConsecutiveSuccesses++
	c.ConsecutiveFailures = 0
}

func (c *Counts) onFailure() {
	c.Failures++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
}

// Config tunes one breaker. Zero values take the defaults: trip after 5
// consecutive failures, 30s cooldown, 2 half-open probes, 60s counting
// window.
type Config struct {
	// Name labels log lines; use the provider name.
	Name string

	// Window is how long failure counts accumulate while closed before
	// resetting. Old failures should not trip a breaker on a provider
	// that has been healthy for an hour.
	Window time.Duration

	// Cooldown is how long the breaker stays open before moving to
	// half-open and letting probes through.
	Cooldown time.Duration

	// MaxProbes caps concurrent calls allowed while half-open. Once that
	// many probes succeed the breaker closes.
	MaxProbes uint32

	// TripAfter decides, after each failure while closed, whether to open
	// the breaker.
	TripAfter func(Counts) bool
}

// Breaker is safe for concurrent use by multiple goroutines.
type Breaker struct {
	cfg    Config
	logger *log.Logger
	now    func() time.Time

	mu         sync.Mutex
	state      State
	generation uint64
	counts     Counts
	expiry     time.Time
}

func New(cfg Config) *Breaker {
	if cfg.Name == "" {
		cfg.Name = "default"
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.MaxProbes == 0 {
		cfg.MaxProbes = 2
	}
	if cfg.TripAfter == nil {
		cfg.TripAfter = func(c Counts) bool { return c.ConsecutiveFailures >= 5 }
	}
	b := &Breaker{
		cfg:    cfg,
		logger: log.New(log.Writer(), "[BREAKER] ", log.LstdFlags),
		now:    time.Now,
	}
	b.newGeneration(b.now())
	return b
}

// Do runs fn unless the breaker is open. fn's error feeds the trip decision
// and passes through to the caller untouched; a rejected call returns
// ErrOpen without invoking fn at all.
func (b *Breaker) Do(fn func() error) error {
	gen, err := b.before()
	if err != nil {
		return err
	}
	err = fn()
	b.after(gen, err == nil)
	return err
}

// State reports the current position, advancing open -> half-open if the
// cooldown has lapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	state, _ := b.current(b.now())
	return state
}

// Counts returns a snapshot of the current generation's tallies.
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

// before admits or rejects a call. It returns the generation the call
// belongs to so a slow response that straddles a state change cannot
// corrupt the next generation's counts.
func (b *Breaker) before() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	state, gen := b.current(now)

	if state == Open {
		return gen, ErrOpen
	}
	if state == HalfOpen && b.counts.Requests >= b.cfg.MaxProbes {
		return gen, ErrOpen
	}

	b.counts.onRequest()
	return gen, nil
}

func (b *Breaker) after(gen uint64, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	state, current := b.current(now)
	if gen != current {
		// Result from a previous generation; the decision that ended it
		// already accounted for this call.
		return
	}

	if success {
		b.counts.onSuccess()
		if state == HalfOpen && b.counts.ConsecutiveSuccesses >= b.cfg.MaxProbes {
			b.setState(Closed, now)
		}
		return
	}

	b.counts.onFailure()
	switch state {
	case Closed:
		if b.cfg.TripAfter(b.counts) {
			b.setState(Open, now)
		}
	case HalfOpen:
		// The probe failed; the provider is still down.
		b.setState(Open, now)
	}
}

// current resolves the effective state at now, expiring a closed window or
// an open cooldown as needed. Callers must hold b.mu.
func (b *Breaker) current(now time.Time) (State, uint64) {
	switch b.state {
	case Closed:
		if !b.expiry.IsZero() && b.expiry.Before(now) {
			b.newGeneration(now)
		}
	case Open:
		if b.expiry.Before(now) {
			b.setState(HalfOpen, now)
		}
	}
	return b.state, b.generation
}

func (b *Breaker) setState(state State, now time.Time) {
	if b.state == state {
		return
	}
	prev := b.state
	b.state = state
	b.newGeneration(now)
	if state == Open {
		b.logger.Printf("⚠️ %s: %s -> %s, rejecting calls for %s", b.cfg.Name, prev, state, b.cfg.Cooldown)
	} else {
		b.logger.Printf("♻️ %s: %s -> %s", b.cfg.Name, prev, state)
	}
}

func (b *Breaker) newGeneration(now time.Time) {
	b.generation++
	b.counts = Counts{}
	switch b.state {
	case Closed:
		b.expiry = now.Add(b.cfg.Window)
	case Open:
		b.expiry = now.Add(b.cfg.Cooldown)
	default:
		b.expiry = time.Time{}
	}
}
