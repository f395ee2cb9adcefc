package capture

import (
	"sync"
	"time"
)

// speechGate tracks the "user speaking" flag. Every voiced frame sets the flag
// and re-arms a silence timer; when the timer expires without another voiced
// frame the flag clears and onQuiet runs. The gate owns its only timer, so
// closing it can never leave a callback pending.
type speechGate struct {
	debounce   time.Duration
	onSpeaking func(bool)
	onQuiet    func()

	mu       sync.Mutex
	speaking bool
	timer    *time.Timer
	gen      uint64
	closed   bool
}

func newSpeechGate(debounce time.Duration, onSpeaking func(bool), onQuiet func()) *speechGate {
	return &speechGate{debounce: debounce, onSpeaking: onSpeaking, onQuiet: onQuiet}
}

// voiced records a voiced frame.
func (g *speechGate) voiced() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	changed := !g.speaking
	g.speaking = true
	if g.timer != nil {
		g.timer.Stop()
	}
	g.gen++
	gen := g.gen
	g.timer = time.AfterFunc(g.debounce, func() { g.expire(gen) })
	g.mu.Unlock()

	if changed && g.onSpeaking != nil {
		g.onSpeaking(true)
	}
}

// expire clears the flag unless a newer voiced frame re-armed the timer in
// the meantime.
func (g *speechGate) expire(gen uint64) {
	g.mu.Lock()
	if g.closed || gen != g.gen || !g.speaking {
		g.mu.Unlock()
		return
	}
	g.speaking = false
	g.timer = nil
	g.mu.Unlock()

	if g.onSpeaking != nil {
		g.onSpeaking(false)
	}
	if g.onQuiet != nil {
		g.onQuiet()
	}
}

func (g *speechGate) isSpeaking() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.speaking
}

// close cancels the pending timer. The flag is cleared without callbacks.
func (g *speechGate) close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	g.speaking = false
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
}
