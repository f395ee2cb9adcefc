package session

import (
	"sync"
	"time"

	"github.com/MrWong99/posvoice/internal/pos"
)

// DefaultSilenceTimeout is the quiet interval after which the model is
// nudged to re-engage the customer.
const DefaultSilenceTimeout = 4 * time.Second

// Silence nudges, keyed by checkout phase.
const (
	NudgeCheckout = "(System: Processing the invoice for the customer. Do not greet again, do not introduce new products. " +
		"Reassure the customer the invoice is being processed and invite them to check it once done.)"
	NudgeIdle = "(System: Customer is silent. If intent unclear, confidently suggest a bestselling product.)"
)

// Nudge returns the silence nudge for phase.
func Nudge(phase pos.Phase) string {
	if phase == pos.PhaseCheckout {
		return NudgeCheckout
	}
	return NudgeIdle
}

// Watchdog is a single re-armable timer. Reset arms it for the full timeout,
// Cancel disarms it. Only the most recent arming can fire, so a callback
// from a superseded timer is never delivered.
type Watchdog struct {
	timeout time.Duration
	fire    func()

	mu    sync.Mutex
	timer *time.Timer
	gen   uint64
}

// NewWatchdog returns a disarmed watchdog calling fire after timeout of
// quiet. fire runs on a timer goroutine.
func NewWatchdog(timeout time.Duration, fire func()) *Watchdog {
	if timeout <= 0 {
		timeout = DefaultSilenceTimeout
	}
	return &Watchdog{timeout: timeout, fire: fire}
}

// Reset (re)arms the watchdog.
func (w *Watchdog) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.gen++
	gen := w.gen
	w.timer = time.AfterFunc(w.timeout, func() { w.expire(gen) })
}

// Cancel disarms the watchdog.
func (w *Watchdog) Cancel() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.gen++
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}

// Armed reports whether a firing is pending.
func (w *Watchdog) Armed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.timer != nil
}

func (w *Watchdog) expire(gen uint64) {
	w.mu.Lock()
	if gen != w.gen {
		w.mu.Unlock()
		return
	}
	w.timer = nil
	w.mu.Unlock()
	w.fire()
}
