// Package capture turns microphone input into voiced PCM16 frames at 16 kHz.
//
// Two capturers share one output contract. [Engine] reads float samples from
// a local [Source], downsamples them and gates them with the adaptive VAD.
// [RemoteMic] receives PCM16 frames from a LAN microphone over a WebSocket and
// gates them with a fixed energy threshold. Both emit only voiced frames and
// both drive a debounced "user speaking" flag.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/MrWong99/posvoice/internal/observe"
	"github.com/MrWong99/posvoice/pkg/audio"
	"github.com/MrWong99/posvoice/pkg/provider/vad"
	"github.com/MrWong99/posvoice/pkg/provider/vad/adaptive"
)

var (
	// ErrNoMicrophone is returned by Start when the input device cannot be
	// acquired.
	ErrNoMicrophone = errors.New("capture: no microphone available")

	// ErrAlreadyStarted is returned by a second call to Start. Capturers are
	// single-use.
	ErrAlreadyStarted = errors.New("capture: already started")
)

// DefaultDebounce is how long the speaking flag stays set after the last
// voiced frame of the local microphone.
const DefaultDebounce = 800 * time.Millisecond

// frameBuffer is the number of voiced frames buffered towards the consumer
// before new frames are dropped.
const frameBuffer = 32

// Capturer produces voiced PCM16 frames at [audio.CaptureRate].
type Capturer interface {
	// Start acquires the input and returns the frame sequence. The channel
	// is closed when ctx is cancelled, the capturer is closed or the input
	// fails. Start may be called once.
	Start(ctx context.Context) (<-chan audio.Frame, error)

	// SetMuted suppresses frame emission and speaking detection without
	// stopping the input.
	SetMuted(muted bool)

	// Speaking reports the debounced "user speaking" flag.
	Speaking() bool

	// Close releases the input. It is safe to call more than once.
	Close() error
}

// Source is a blocking reader of mono float samples in [-1, 1] at the
// device's native rate.
type Source interface {
	// Read blocks until the next block of samples is available.
	Read(ctx context.Context) ([]float32, error)

	// SampleRate returns the native rate in Hz.
	SampleRate() int

	// Close releases the device. Read returns an error afterwards.
	Close() error
}

// Opener acquires a [Source].
type Opener func(ctx context.Context) (Source, error)

// Hooks are the callbacks shared by every capturer. Each may be nil. They
// run on capture or timer goroutines and must not block.
type Hooks struct {
	// OnSpeaking observes changes of the speaking flag.
	OnSpeaking func(speaking bool)

	// OnVoiced runs for every emitted frame.
	OnVoiced func()

	// OnQuiet runs when the speaking flag clears after the debounce.
	OnQuiet func()
}

// Option configures an [Engine].
type Option func(*Engine)

// WithHooks sets the engine callbacks.
func WithHooks(h Hooks) Option {
	return func(e *Engine) { e.hooks = h }
}

// WithDebounce overrides [DefaultDebounce].
func WithDebounce(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.debounce = d
		}
	}
}

// WithVAD replaces the adaptive detector.
func WithVAD(v vad.Engine) Option {
	return func(e *Engine) { e.vad = v }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// Compile-time interface assertion.
var _ Capturer = (*Engine)(nil)

// Engine is the local microphone capturer.
type Engine struct {
	open     Opener
	vad      vad.Engine
	debounce time.Duration
	hooks    Hooks
	metrics  *observe.Metrics
	dropLog  rate.Sometimes

	mu      sync.Mutex
	started bool
	muted   bool
	src     Source
	gate    *speechGate
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewEngine returns an Engine that acquires its input through open.
func NewEngine(open Opener, opts ...Option) *Engine {
	e := &Engine{
		open:     open,
		vad:      adaptive.Engine{},
		debounce: DefaultDebounce,
		dropLog:  rate.Sometimes{Interval: 5 * time.Second},
	}
	for _, o := range opts {
		o(e)
	}
	if e.metrics == nil {
		e.metrics = observe.DefaultMetrics()
	}
	return e
}

// Start implements [Capturer]. Acquisition failures are reported as
// [ErrNoMicrophone].
func (e *Engine) Start(ctx context.Context) (<-chan audio.Frame, error) {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return nil, ErrAlreadyStarted
	}
	e.started = true
	e.mu.Unlock()

	src, err := e.open(ctx)
	if err != nil {
		if errors.Is(err, ErrNoMicrophone) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrNoMicrophone, err)
	}
	det, err := e.vad.NewSession(vad.Config{SampleRate: audio.CaptureRate})
	if err != nil {
		src.Close()
		return nil, fmt.Errorf("capture: start vad: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	out := make(chan audio.Frame, frameBuffer)
	gate := newSpeechGate(e.debounce, e.hooks.OnSpeaking, e.hooks.OnQuiet)

	e.mu.Lock()
	e.src = src
	e.gate = gate
	e.cancel = cancel
	e.done = make(chan struct{})
	done := e.done
	e.mu.Unlock()

	go e.loop(ctx, src, det, gate, out, done)
	return out, nil
}

func (e *Engine) loop(ctx context.Context, src Source, det vad.SessionHandle, gate *speechGate, out chan<- audio.Frame, done chan struct{}) {
	defer close(done)
	defer close(out)
	defer det.Close()
	defer gate.close()

	rateHz := src.SampleRate()
	var seq uint64
	for {
		block, err := src.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				slog.Warn("capture: read failed", "err", err)
			}
			return
		}

		pcm := audio.EncodePCM16(audio.Downsample16k(block, rateHz))
		ev, err := det.ProcessFrame(pcm)
		if err != nil {
			slog.Warn("capture: vad", "err", err)
			return
		}
		if !ev.Voiced() || e.Muted() {
			continue
		}

		gate.voiced()
		if e.hooks.OnVoiced != nil {
			e.hooks.OnVoiced()
		}
		e.metrics.RecordVoicedFrame(ctx, "local")

		seq++
		select {
		case out <- audio.Frame{Data: pcm, SampleRate: audio.CaptureRate, Seq: seq}:
		case <-ctx.Done():
			return
		default:
			e.metrics.RecordDroppedFrames(ctx, "local", 1)
			e.dropLog.Do(func() { slog.Warn("capture: consumer too slow, dropping frames") })
		}
	}
}

// SetMuted implements [Capturer].
func (e *Engine) SetMuted(muted bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.muted = muted
}

// Muted reports whether emission is suppressed.
func (e *Engine) Muted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.muted
}

// Speaking implements [Capturer].
func (e *Engine) Speaking() bool {
	e.mu.Lock()
	g := e.gate
	e.mu.Unlock()
	return g != nil && g.isSpeaking()
}

// Close implements [Capturer]. It stops the capture goroutine and waits for
// it to exit.
func (e *Engine) Close() error {
	e.mu.Lock()
	cancel, src, done := e.cancel, e.src, e.done
	e.cancel, e.src = nil, nil
	e.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	err := src.Close()
	<-done
	if err != nil {
		return fmt.Errorf("capture: close source: %w", err)
	}
	return nil
}
