// Package playback schedules synthesised audio segments back-to-back on an
// output clock and cancels everything at once on barge-in.
//
// The [Scheduler] keeps a single cursor, the time at which the next segment
// starts. Every segment starts at max(cursor, now) and pushes the cursor
// forward by its duration, so segments never overlap and never leave gaps
// regardless of how fast they arrive. [Scheduler.Flush] stops every
// scheduled source and resets the cursor to zero.
package playback

import (
	"sync"
	"time"

	"github.com/MrWong99/posvoice/pkg/audio"
)

// Source is one scheduled segment on an [Output].
type Source interface {
	// Stop cancels the source immediately. After Stop returns the output
	// must not invoke the source's onEnded callback. Stop is idempotent.
	Stop()
}

// Output is a playback device with its own monotonic clock.
//
// Implementations must be safe for concurrent use.
type Output interface {
	// Now returns the output clock. The clock starts at some positive value
	// and never goes backwards.
	Now() time.Duration

	// Start schedules seg to begin at the output time at. onEnded is called
	// exactly once, from any goroutine, when the segment has played to the
	// end. It is not called for stopped sources and must not be called
	// before Start returns.
	Start(seg audio.Frame, at time.Duration, onEnded func()) (Source, error)
}

// Option configures a [Scheduler].
type Option func(*Scheduler)

// WithOnIdle registers fn to run whenever the set of scheduled sources
// becomes empty, either because the last source finished or because of a
// flush. fn runs without the scheduler lock held.
func WithOnIdle(fn func()) Option {
	return func(s *Scheduler) { s.onIdle = fn }
}

// WithOnSpeaking registers fn to observe changes of the speaking flag.
func WithOnSpeaking(fn func(speaking bool)) Option {
	return func(s *Scheduler) { s.onSpeaking = fn }
}

// Scheduler places segments on an [Output] timeline.
//
// All exported methods are safe for concurrent use.
type Scheduler struct {
	out        Output
	onIdle     func()
	onSpeaking func(bool)

	mu        sync.Mutex
	nextStart time.Duration
	sources   map[uint64]Source
	nextID    uint64
	speaking  bool
}

// New returns a Scheduler playing on out.
func New(out Output, opts ...Option) *Scheduler {
	s := &Scheduler{
		out:     out,
		sources: make(map[uint64]Source),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Schedule places seg at max(cursor, now) and advances the cursor by the
// segment duration. It returns the scheduled start time. Empty segments are
// ignored and return the current cursor.
func (s *Scheduler) Schedule(seg audio.Frame) (time.Duration, error) {
	dur := seg.Duration()

	s.mu.Lock()
	if dur <= 0 {
		at := s.nextStart
		s.mu.Unlock()
		return at, nil
	}

	now := s.out.Now()
	if s.nextStart < now {
		s.nextStart = now
	}
	at := s.nextStart

	s.nextID++
	id := s.nextID
	src, err := s.out.Start(seg, at, func() { s.ended(id) })
	if err != nil {
		s.mu.Unlock()
		return 0, err
	}
	s.sources[id] = src
	s.nextStart += dur

	changed := !s.speaking
	s.speaking = true
	s.mu.Unlock()

	if changed && s.onSpeaking != nil {
		s.onSpeaking(true)
	}
	return at, nil
}

// ended removes a finished source. A callback for a source that was already
// flushed is ignored.
func (s *Scheduler) ended(id uint64) {
	s.mu.Lock()
	if _, ok := s.sources[id]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.sources, id)
	idle := len(s.sources) == 0
	if idle {
		s.speaking = false
	}
	s.mu.Unlock()

	if idle {
		s.idle()
	}
}

// Flush stops every scheduled source, clears the set and resets the cursor to
// zero so the next segment starts at the output's current time.
func (s *Scheduler) Flush() {
	s.mu.Lock()
	srcs := s.sources
	s.sources = make(map[uint64]Source)
	s.nextStart = 0
	wasSpeaking := s.speaking
	s.speaking = false
	s.mu.Unlock()

	for _, src := range srcs {
		src.Stop()
	}
	if wasSpeaking {
		s.idle()
	}
}

func (s *Scheduler) idle() {
	if s.onSpeaking != nil {
		s.onSpeaking(false)
	}
	if s.onIdle != nil {
		s.onIdle()
	}
}

// Speaking reports whether any source is scheduled.
func (s *Scheduler) Speaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speaking
}

// Pending returns the number of scheduled sources.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sources)
}

// NextStart returns the cursor. Zero means no segment is scheduled since the
// last flush.
func (s *Scheduler) NextStart() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextStart
}
