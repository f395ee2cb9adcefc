// Package resilience guards slow or failing dependencies so they cannot stall
// the realtime audio path.
//
// A [Breaker] counts consecutive failures of a dependency. After
// MaxFailures it opens and rejects calls immediately with [ErrCircuitOpen]
// until Cooldown has elapsed. The next call after the cooldown is a single
// probe: success closes the breaker, failure re-opens it for another cooldown.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when a call is rejected without being attempted.
var ErrCircuitOpen = errors.New("resilience: circuit open")

// State is the breaker position.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes a [Breaker]. Zero fields take defaults.
type BreakerConfig struct {
	// Name labels log lines.
	Name string

	// MaxFailures is the number of consecutive failures that opens the
	// breaker. Default: 3.
	MaxFailures int

	// Cooldown is how long the breaker stays open before a probe is let
	// through. Default: 30s.
	Cooldown time.Duration

	// Now is the clock. Default: time.Now.
	Now func() time.Time

	// OnStateChange, when set, is called after every transition while the
	// breaker's lock is not held.
	OnStateChange func(from, to State)
}

// Breaker is a consecutive-failure circuit breaker. Safe for concurrent use.
type Breaker struct {
	cfg BreakerConfig

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool
}

// NewBreaker returns a closed breaker.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Breaker{cfg: cfg}
}

// Do runs fn unless the breaker is open. While a half-open probe is in
// flight, concurrent calls are rejected.
func (b *Breaker) Do(fn func() error) error {
	probe, err := b.admit()
	if err != nil {
		return err
	}
	err = fn()
	b.record(probe, err)
	return err
}

// State reports the current position. An open breaker whose cooldown has
// elapsed reports half-open.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.cooledDown() {
		return StateHalfOpen
	}
	return b.state
}

// Reset forces the breaker closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.state
	b.state, b.failures, b.probing = StateClosed, 0, false
	b.mu.Unlock()
	b.notify(from, StateClosed)
}

func (b *Breaker) admit() (probe bool, err error) {
	b.mu.Lock()
	switch b.state {
	case StateClosed:
		b.mu.Unlock()
		return false, nil
	case StateOpen:
		if !b.cooledDown() {
			b.mu.Unlock()
			return false, ErrCircuitOpen
		}
		b.state, b.probing = StateHalfOpen, true
		b.mu.Unlock()
		b.notify(StateOpen, StateHalfOpen)
		return true, nil
	default:
		if b.probing {
			b.mu.Unlock()
			return false, ErrCircuitOpen
		}
		b.probing = true
		b.mu.Unlock()
		return true, nil
	}
}

func (b *Breaker) record(probe bool, err error) {
	b.mu.Lock()
	from := b.state
	if probe {
		b.probing = false
	}
	switch {
	case err == nil:
		b.state, b.failures = StateClosed, 0
	case probe:
		b.state, b.openedAt = StateOpen, b.cfg.Now()
	default:
		b.failures++
		if b.state == StateClosed && b.failures >= b.cfg.MaxFailures {
			b.state, b.openedAt = StateOpen, b.cfg.Now()
		}
	}
	to := b.state
	failures := b.failures
	b.mu.Unlock()

	if from == to {
		return
	}
	if to == StateOpen {
		slog.Warn("circuit breaker opened", "name", b.cfg.Name, "failures", failures, "err", err)
	} else {
		slog.Info("circuit breaker closed", "name", b.cfg.Name)
	}
	b.notify(from, to)
}

// cooledDown must be called with b.mu held.
func (b *Breaker) cooledDown() bool {
	return b.cfg.Now().Sub(b.openedAt) >= b.cfg.Cooldown
}

func (b *Breaker) notify(from, to State) {
	if from != to && b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(from, to)
	}
}
