package capture

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"

	"github.com/MrWong99/posvoice/internal/observe"
	"github.com/MrWong99/posvoice/pkg/audio"
)

// Remote microphone defaults.
const (
	// RemotePort is the WebSocket port the LAN microphone listens on.
	RemotePort = "81"

	// DefaultRemoteGate is the mean absolute sample value a remote frame
	// must exceed to count as voiced.
	DefaultRemoteGate = 800

	// DefaultRemoteDebounce is how long the speaking flag stays set after
	// the last voiced remote frame.
	DefaultRemoteDebounce = 1000 * time.Millisecond

	defaultRedial = 2 * time.Second
	remoteStride  = 10
)

// RemoteURL turns a configured host ("192.168.1.5", "http://mic.local")
// into the microphone's WebSocket URL on [RemotePort]. URLs that already
// use ws:// or wss:// are returned unchanged.
func RemoteURL(host string) string {
	host = strings.TrimSpace(host)
	switch {
	case strings.HasPrefix(host, "ws://"), strings.HasPrefix(host, "wss://"):
		return host
	case strings.HasPrefix(host, "https://"):
		host = strings.TrimPrefix(host, "https://")
	case strings.HasPrefix(host, "http://"):
		host = strings.TrimPrefix(host, "http://")
	}
	host = strings.TrimSuffix(host, "/")
	if _, _, err := net.SplitHostPort(host); err == nil {
		return "ws://" + host
	}
	return "ws://" + net.JoinHostPort(host, RemotePort)
}

// RemoteOption configures a [RemoteMic].
type RemoteOption func(*RemoteMic)

// WithRemoteHooks sets the remote microphone callbacks.
func WithRemoteHooks(h Hooks) RemoteOption {
	return func(r *RemoteMic) { r.hooks = h }
}

// WithRemoteGate overrides [DefaultRemoteGate].
func WithRemoteGate(level float64) RemoteOption {
	return func(r *RemoteMic) {
		if level > 0 {
			r.gate = level
		}
	}
}

// WithRemoteDebounce overrides [DefaultRemoteDebounce].
func WithRemoteDebounce(d time.Duration) RemoteOption {
	return func(r *RemoteMic) {
		if d > 0 {
			r.debounce = d
		}
	}
}

// WithRedial sets the pause between connection attempts.
func WithRedial(d time.Duration) RemoteOption {
	return func(r *RemoteMic) {
		if d > 0 {
			r.redial = d
		}
	}
}

// WithRemoteMetrics sets the metrics sink. Defaults to
// [observe.DefaultMetrics].
func WithRemoteMetrics(m *observe.Metrics) RemoteOption {
	return func(r *RemoteMic) { r.metrics = m }
}

// Compile-time interface assertion.
var _ Capturer = (*RemoteMic)(nil)

// RemoteMic receives 16 kHz PCM16 frames from a LAN microphone as binary
// WebSocket messages. The hardware pre-filters its signal, so frames are
// gated with a fixed energy level instead of the adaptive VAD. Connection
// failures are logged and retried; frames are simply absent while the
// microphone is offline.
type RemoteMic struct {
	url      string
	hooks    Hooks
	gate     float64
	debounce time.Duration
	redial   time.Duration
	metrics  *observe.Metrics
	warn     rate.Sometimes

	mu        sync.Mutex
	started   bool
	muted     bool
	connected bool
	speech    *speechGate
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewRemoteMic returns a RemoteMic for host (see [RemoteURL]).
func NewRemoteMic(host string, opts ...RemoteOption) *RemoteMic {
	r := &RemoteMic{
		url:      RemoteURL(host),
		gate:     DefaultRemoteGate,
		debounce: DefaultRemoteDebounce,
		redial:   defaultRedial,
		warn:     rate.Sometimes{Interval: 30 * time.Second},
	}
	for _, o := range opts {
		o(r)
	}
	if r.metrics == nil {
		r.metrics = observe.DefaultMetrics()
	}
	return r
}

// URL returns the WebSocket URL the microphone is dialled at.
func (r *RemoteMic) URL() string { return r.url }

// Start implements [Capturer]. It never fails because the microphone is
// unreachable; the connection is retried in the background.
func (r *RemoteMic) Start(ctx context.Context) (<-chan audio.Frame, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return nil, ErrAlreadyStarted
	}
	r.started = true

	ctx, cancel := context.WithCancel(ctx)
	out := make(chan audio.Frame, frameBuffer)
	r.speech = newSpeechGate(r.debounce, r.hooks.OnSpeaking, r.hooks.OnQuiet)
	r.cancel = cancel
	r.done = make(chan struct{})

	go r.run(ctx, r.speech, out, r.done)
	return out, nil
}

func (r *RemoteMic) run(ctx context.Context, gate *speechGate, out chan<- audio.Frame, done chan struct{}) {
	defer close(done)
	defer close(out)
	defer gate.close()

	var seq uint64
	for {
		if err := r.session(ctx, gate, out, &seq); err != nil && ctx.Err() == nil {
			r.warn.Do(func() { slog.Warn("remote mic: offline", "url", r.url, "err", err) })
		}
		r.setConnected(false)

		select {
		case <-ctx.Done():
			return
		case <-time.After(r.redial):
		}
	}
}

// session dials once and pumps frames until the connection fails.
func (r *RemoteMic) session(ctx context.Context, gate *speechGate, out chan<- audio.Frame, seq *uint64) error {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	conn, _, err := websocket.Dial(dialCtx, r.url, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("remote mic: dial: %w", err)
	}
	defer conn.CloseNow()
	conn.SetReadLimit(1 << 20)

	r.setConnected(true)
	slog.Info("remote mic: connected", "url", r.url)

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("remote mic: read: %w", err)
		}
		if typ != websocket.MessageBinary || len(data) < 2 {
			continue
		}
		if audio.MeanAbs(audio.DecodePCM16(data), remoteStride) <= r.gate || r.Muted() {
			continue
		}

		gate.voiced()
		if r.hooks.OnVoiced != nil {
			r.hooks.OnVoiced()
		}
		r.metrics.RecordVoicedFrame(ctx, "remote")

		*seq++
		select {
		case out <- audio.Frame{Data: data, SampleRate: audio.CaptureRate, Seq: *seq}:
		default:
			r.metrics.RecordDroppedFrames(ctx, "remote", 1)
		}
	}
}

func (r *RemoteMic) setConnected(v bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connected = v
}

// Connected reports whether the microphone socket is currently open.
func (r *RemoteMic) Connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connected
}

// SetMuted implements [Capturer].
func (r *RemoteMic) SetMuted(muted bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.muted = muted
}

// Muted reports whether emission is suppressed.
func (r *RemoteMic) Muted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.muted
}

// Speaking implements [Capturer].
func (r *RemoteMic) Speaking() bool {
	r.mu.Lock()
	g := r.speech
	r.mu.Unlock()
	return g != nil && g.isSpeaking()
}

// Close implements [Capturer].
func (r *RemoteMic) Close() error {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel = nil
	r.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}
