// Package resilience provides circuit breaking, in-call retries and the
// persisted retry schedule used for transport and enrichment calls.
package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
)

// BreakerState is the state of a circuit breaker.
type BreakerState int

const (
	// BreakerClosed lets calls through.
	BreakerClosed BreakerState = iota
	// BreakerOpen rejects calls until the cooldown elapses.
	BreakerOpen
	// BreakerHalfOpen lets probe calls through.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrBreakerOpen is returned when a call is rejected by an open breaker.
// It is transient: the call can be attempted again after the cooldown.
var ErrBreakerOpen = NewTransientError(eris.New("circuit breaker is open"), 0)

// BreakerConfig controls a circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive tripping failures that
	// opens the breaker. Default: 5.
	FailureThreshold int
	// Cooldown is how long the breaker stays open. Default: 30s.
	Cooldown time.Duration
	// Probes is the number of successful half-open calls needed to close.
	// Default: 1.
	Probes int
	// ShouldTrip reports whether err counts as a failure. Default: IsTransient,
	// so a provider rejecting one bad recipient does not open the breaker.
	ShouldTrip func(err error) bool
	// OnStateChange is called with the breaker name on every transition.
	OnStateChange func(name string, from, to BreakerState)
}

// DefaultBreakerConfig returns the defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{FailureThreshold: 5, Cooldown: 30 * time.Second, Probes: 1}
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	d := DefaultBreakerConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.Cooldown <= 0 {
		c.Cooldown = d.Cooldown
	}
	if c.Probes <= 0 {
		c.Probes = d.Probes
	}
	if c.ShouldTrip == nil {
		c.ShouldTrip = IsTransient
	}
	return c
}

// Breaker is a circuit breaker guarding one downstream service.
type Breaker struct {
	name string
	cfg  BreakerConfig

	mu        sync.Mutex
	state     BreakerState
	failures  int
	openedAt  time.Time
	successes int

	now func() time.Time
}

// NewBreaker creates a named breaker.
func NewBreaker(name string, cfg BreakerConfig) *Breaker {
	return &Breaker{name: name, cfg: cfg.withDefaults(), now: time.Now}
}

// Name returns the guarded service name.
func (b *Breaker) Name() string { return b.name }

// Execute runs fn unless the breaker is open.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.admit(); err != nil {
		return err
	}
	err := fn(ctx)
	b.record(err)
	return err
}

// Call is Execute for functions returning a value.
func Call[T any](ctx context.Context, b *Breaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := b.admit(); err != nil {
		return zero, err
	}
	v, err := fn(ctx)
	b.record(err)
	if err != nil {
		return zero, err
	}
	return v, nil
}

// State returns the current state, reporting half-open once the cooldown
// of an open breaker has elapsed.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerOpen && b.now().Sub(b.openedAt) >= b.cfg.Cooldown {
		return BreakerHalfOpen
	}
	return b.state
}

// Failures returns the consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Reset closes the breaker.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures, b.successes = 0, 0
	b.setState(BreakerClosed)
}

func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != BreakerOpen {
		return nil
	}
	if b.now().Sub(b.openedAt) < b.cfg.Cooldown {
		return ErrBreakerOpen
	}
	b.setState(BreakerHalfOpen)
	return nil
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil || !b.cfg.ShouldTrip(err) {
		switch b.state {
		case BreakerHalfOpen:
			b.successes++
			if b.successes >= b.cfg.Probes {
				b.failures, b.successes = 0, 0
				b.setState(BreakerClosed)
			}
		case BreakerClosed:
			b.failures = 0
		}
		return
	}

	b.failures++
	switch b.state {
	case BreakerClosed:
		if b.failures >= b.cfg.FailureThreshold {
			b.openedAt = b.now()
			b.setState(BreakerOpen)
		}
	case BreakerHalfOpen:
		b.successes = 0
		b.openedAt = b.now()
		b.setState(BreakerOpen)
	}
}

func (b *Breaker) setState(to BreakerState) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.name, from, to)
	}
}

// Breakers holds one breaker per named service, e.g. per transport channel.
type Breakers struct {
	cfg BreakerConfig

	mu sync.Mutex
	m  map[string]*Breaker
}

// NewBreakers creates an empty registry sharing cfg.
func NewBreakers(cfg BreakerConfig) *Breakers {
	return &Breakers{cfg: cfg, m: make(map[string]*Breaker)}
}

// Get returns the breaker for name, creating it on first use.
func (r *Breakers) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.m[name]
	if !ok {
		b = NewBreaker(name, r.cfg)
		r.m[name] = b
	}
	return b
}

// States snapshots every breaker's state.
func (r *Breakers) States() map[string]BreakerState {
	r.mu.Lock()
	bs := make([]*Breaker, 0, len(r.m))
	for _, b := range r.m {
		bs = append(bs, b)
	}
	r.mu.Unlock()

	out := make(map[string]BreakerState, len(bs))
	for _, b := range bs {
		out[b.name] = b.State()
	}
	return out
}
