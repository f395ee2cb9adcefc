package session

import (
	"math"
	"sync"
	"time"
)

// Default reconnection parameters.
const (
	defaultReconnectBase   = 2 * time.Second
	defaultReconnectMax    = 15 * time.Second
	defaultReconnectFactor = 1.5
	defaultMaxRetries      = 10
)

// ReconnectPolicy is the bounded exponential backoff applied after an
// unintentional close.
type ReconnectPolicy struct {
	// Base is the delay before the first retry.
	Base time.Duration

	// Max caps every delay.
	Max time.Duration

	// Factor multiplies the delay per retry.
	Factor float64

	// MaxRetries is the number of automatic attempts before giving up.
	MaxRetries int
}

// DefaultReconnectPolicy returns 2 s × 1.5ⁿ capped at 15 s, 10 attempts.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		Base:       defaultReconnectBase,
		Max:        defaultReconnectMax,
		Factor:     defaultReconnectFactor,
		MaxRetries: defaultMaxRetries,
	}
}

// withDefaults fills zero fields from [DefaultReconnectPolicy].
func (p ReconnectPolicy) withDefaults() ReconnectPolicy {
	d := DefaultReconnectPolicy()
	if p.Base <= 0 {
		p.Base = d.Base
	}
	if p.Max <= 0 {
		p.Max = d.Max
	}
	if p.Factor < 1 {
		p.Factor = d.Factor
	}
	if p.MaxRetries <= 0 {
		p.MaxRetries = d.MaxRetries
	}
	return p
}

// Delay returns min(Base·Factorʳ, Max) for retry count r.
func (p ReconnectPolicy) Delay(retry int) time.Duration {
	if retry < 0 {
		retry = 0
	}
	d := float64(p.Base) * math.Pow(p.Factor, float64(retry))
	if d >= float64(p.Max) {
		return p.Max
	}
	return time.Duration(d)
}

// Next reports the delay for the attempt after retry failures, or false when
// the attempts are exhausted.
func (p ReconnectPolicy) Next(retry int) (time.Duration, bool) {
	if retry >= p.MaxRetries {
		return 0, false
	}
	return p.Delay(retry), true
}

// retryTimer holds at most one pending reconnect.
type retryTimer struct {
	mu    sync.Mutex
	timer *time.Timer
	gen   uint64
}

// schedule arms fn after d. It returns false and does nothing when a
// reconnect is already pending.
func (r *retryTimer) schedule(d time.Duration, fn func()) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.timer != nil {
		return false
	}
	r.gen++
	gen := r.gen
	r.timer = time.AfterFunc(d, func() {
		r.mu.Lock()
		if gen != r.gen {
			r.mu.Unlock()
			return
		}
		r.timer = nil
		r.mu.Unlock()
		fn()
	})
	return true
}

// cancel drops the pending reconnect, if any.
func (r *retryTimer) cancel() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gen++
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

// pending reports whether a reconnect is scheduled.
func (r *retryTimer) pending() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.timer != nil
}
