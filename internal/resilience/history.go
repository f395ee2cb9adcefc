package resilience

import (
	"context"
	"time"

	"github.com/MrWong99/posvoice/internal/session"
)

// Compile-time interface assertion.
var _ session.History = (*History)(nil)

// DefaultHistoryTimeout bounds each guarded history call.
const DefaultHistoryTimeout = 2 * time.Second

// History wraps a [session.History] with a [Breaker] and a per-call timeout.
// Turn persistence runs on the session event loop, so a stalled database
// must fail fast instead of delaying audio.
type History struct {
	inner   session.History
	breaker *Breaker
	timeout time.Duration
}

// HistoryOption configures a [History].
type HistoryOption func(*History)

// WithHistoryTimeout overrides [DefaultHistoryTimeout].
func WithHistoryTimeout(d time.Duration) HistoryOption {
	return func(h *History) {
		if d > 0 {
			h.timeout = d
		}
	}
}

// GuardHistory returns inner guarded by breaker.
func GuardHistory(inner session.History, breaker *Breaker, opts ...HistoryOption) *History {
	h := &History{inner: inner, breaker: breaker, timeout: DefaultHistoryTimeout}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Append implements [session.History].
func (h *History) Append(ctx context.Context, turns ...session.Turn) error {
	return h.breaker.Do(func() error {
		ctx, cancel := context.WithTimeout(ctx, h.timeout)
		defer cancel()
		return h.inner.Append(ctx, turns...)
	})
}

// Recent implements [session.History].
func (h *History) Recent(ctx context.Context, limit int) ([]session.Turn, time.Time, error) {
	var (
		turns []session.Turn
		last  time.Time
	)
	err := h.breaker.Do(func() error {
		ctx, cancel := context.WithTimeout(ctx, h.timeout)
		defer cancel()
		var err error
		turns, last, err = h.inner.Recent(ctx, limit)
		return err
	})
	return turns, last, err
}

// Clear implements [session.History].
func (h *History) Clear(ctx context.Context) error {
	return h.breaker.Do(func() error {
		ctx, cancel := context.WithTimeout(ctx, h.timeout)
		defer cancel()
		return h.inner.Clear(ctx)
	})
}
