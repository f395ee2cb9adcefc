// Package quota enforces the trial and daily usage limits that gate voice
// sessions.
//
// A trial account may connect for [Limits.TrialDays] days after its start
// date, and for at most [Limits.Daily] of connected time per calendar day
// (UTC). Usage is metered in whole minutes while a session is connected.
package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrTrialExpired is returned by Check once the trial window has passed.
var ErrTrialExpired = errors.New("quota: trial expired")

// ErrDailyLimit is returned by Check once today's allowance is used up.
var ErrDailyLimit = errors.New("quota: daily limit reached")

const (
	// DefaultTrialDays is the trial window length.
	DefaultTrialDays = 14

	// DefaultDaily is the connected-time allowance per day.
	DefaultDaily = 30 * time.Minute

	day = 24 * time.Hour
)

// Limits configures a [Tracker].
type Limits struct {
	// TrialStart is the first day of the trial.
	TrialStart time.Time

	// TrialDays is the trial window length. Zero means [DefaultTrialDays].
	TrialDays int

	// Daily is the connected-time allowance per day. Zero means [DefaultDaily].
	Daily time.Duration

	// Premium disables every limit.
	Premium bool
}

// Option configures a [Tracker].
type Option func(*Tracker)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithTick overrides the metering interval (one minute by default).
func WithTick(d time.Duration) Option {
	return func(t *Tracker) { t.tick = d }
}

// Tracker meters usage against [Limits]. Safe for concurrent use.
type Tracker struct {
	limits Limits
	now    func() time.Time
	tick   time.Duration

	mu   sync.Mutex
	used map[string]time.Duration // keyed by UTC date
}

// New returns a Tracker for limits.
func New(limits Limits, opts ...Option) *Tracker {
	if limits.TrialDays <= 0 {
		limits.TrialDays = DefaultTrialDays
	}
	if limits.Daily <= 0 {
		limits.Daily = DefaultDaily
	}
	t := &Tracker{
		limits: limits,
		now:    time.Now,
		tick:   time.Minute,
		used:   make(map[string]time.Duration),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

func dateKey(t time.Time) string { return t.UTC().Format(time.DateOnly) }

// Check reports whether a new session may start now.
func (t *Tracker) Check() error {
	if t.limits.Premium {
		return nil
	}
	now := t.now()
	if !t.limits.TrialStart.IsZero() {
		daysUsed := int(now.Sub(t.limits.TrialStart) / day)
		if daysUsed > t.limits.TrialDays {
			return fmt.Errorf("%w: %d-day trial ended", ErrTrialExpired, t.limits.TrialDays)
		}
	}

	t.mu.Lock()
	used := t.used[dateKey(now)]
	t.mu.Unlock()
	if used >= t.limits.Daily {
		return fmt.Errorf("%w: %d of %d minutes used today", ErrDailyLimit, int(used.Minutes()), int(t.limits.Daily.Minutes()))
	}
	return nil
}

// Status summarises remaining allowance.
type Status struct {
	Premium       bool          `json:"premium"`
	TrialDaysLeft int           `json:"trialDaysLeft"`
	UsedToday     time.Duration `json:"usedToday"`
	LeftToday     time.Duration `json:"leftToday"`
}

// Status returns the remaining allowance.
func (t *Tracker) Status() Status {
	now := t.now()
	t.mu.Lock()
	used := t.used[dateKey(now)]
	t.mu.Unlock()

	st := Status{Premium: t.limits.Premium, UsedToday: used, LeftToday: max(0, t.limits.Daily-used)}
	if t.limits.TrialStart.IsZero() {
		st.TrialDaysLeft = t.limits.TrialDays
	} else {
		st.TrialDaysLeft = max(0, t.limits.TrialDays-int(now.Sub(t.limits.TrialStart)/day))
	}
	return st
}

// Record adds d of connected time to today and reports whether today's
// allowance is now exhausted. Premium accounts never exhaust.
func (t *Tracker) Record(d time.Duration) (exhausted bool) {
	key := dateKey(t.now())
	t.mu.Lock()
	defer t.mu.Unlock()
	t.used[key] += d
	return !t.limits.Premium && t.used[key] >= t.limits.Daily
}

// Meter records one tick of usage every interval while active reports true,
// and calls onExhausted once the daily allowance runs out. It returns when
// ctx is cancelled.
func (t *Tracker) Meter(ctx context.Context, active func() bool, onExhausted func()) {
	if t.limits.Premium {
		return
	}
	ticker := time.NewTicker(t.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !active() {
				continue
			}
			if t.Record(t.tick) {
				slog.Warn("quota: daily allowance used up, forcing disconnect")
				onExhausted()
			}
		}
	}
}
