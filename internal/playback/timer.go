package playback

import (
	"sync"
	"time"

	"github.com/MrWong99/posvoice/pkg/audio"
)

// Compile-time interface assertion.
var _ Output = (*TimerOutput)(nil)

// TimerOutput is a headless [Output] driven by the process clock. Each
// segment is handed to an optional sink when its start time arrives and
// reported as ended once its duration has elapsed. It is used when the
// service runs without a speaker, for example behind the HTTP control
// surface, and keeps the speaking flag and silence timing accurate.
type TimerOutput struct {
	epoch time.Time
	sink  func(audio.Frame)
}

// TimerOption configures a [TimerOutput].
type TimerOption func(*TimerOutput)

// WithSink delivers every segment to fn at its scheduled start time. fn is
// called from a timer goroutine and must not block.
func WithSink(fn func(audio.Frame)) TimerOption {
	return func(o *TimerOutput) { o.sink = fn }
}

// NewTimerOutput returns a TimerOutput whose clock starts now.
func NewTimerOutput(opts ...TimerOption) *TimerOutput {
	o := &TimerOutput{epoch: time.Now()}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Now implements [Output]. The clock starts at one nanosecond so that zero
// stays reserved for "nothing scheduled".
func (o *TimerOutput) Now() time.Duration {
	return time.Since(o.epoch) + 1
}

// Start implements [Output].
func (o *TimerOutput) Start(seg audio.Frame, at time.Duration, onEnded func()) (Source, error) {
	src := &timerSource{}
	delay := at - o.Now()
	if delay < 0 {
		delay = 0
	}
	dur := seg.Duration()

	src.mu.Lock()
	defer src.mu.Unlock()
	src.timer = time.AfterFunc(delay, func() {
		src.mu.Lock()
		if src.stopped {
			src.mu.Unlock()
			return
		}
		src.timer = time.AfterFunc(dur, func() {
			src.mu.Lock()
			stopped := src.stopped
			src.stopped = true
			src.mu.Unlock()
			if !stopped {
				onEnded()
			}
		})
		src.mu.Unlock()

		if o.sink != nil {
			o.sink(seg)
		}
	})
	return src, nil
}

type timerSource struct {
	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
}

// Stop implements [Source].
func (s *timerSource) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	if s.timer != nil {
		s.timer.Stop()
	}
}
