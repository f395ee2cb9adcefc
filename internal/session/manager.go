// Package session owns the duplex voice session with the remote speech
// service.
//
// A [Manager] drives the connection through idle, connecting, connected and
// error. While connected it forwards gated microphone frames to the channel,
// feeds synthesised audio to the playback scheduler, commits transcripts,
// answers tool-call batches through the dispatcher and nudges the model
// after silence. Unintentional closes are retried with bounded exponential
// backoff; a user disconnect tears everything down and forgets the
// conversation.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"github.com/MrWong99/posvoice/internal/capture"
	"github.com/MrWong99/posvoice/internal/observe"
	"github.com/MrWong99/posvoice/internal/playback"
	"github.com/MrWong99/posvoice/internal/pos"
	"github.com/MrWong99/posvoice/internal/tools"
	"github.com/MrWong99/posvoice/pkg/audio"
	"github.com/MrWong99/posvoice/pkg/provider/s2s"
)

var (
	// ErrMissingCredential is returned by Connect when no API credential is
	// configured. It is a configuration error and is never retried.
	ErrMissingCredential = errors.New("session: missing API credential")

	// ErrUsageLimit is returned by Connect when the quota collaborator
	// refuses the session.
	ErrUsageLimit = errors.New("session: usage limit reached")

	// errSuperseded marks a dial whose result arrived after a disconnect.
	errSuperseded = errors.New("session: connection superseded")
)

// Defaults for [Config].
const (
	defaultQueueBytes  = 256 << 10
	networkOnlineDelay = 1 * time.Second
	defaultVoice       = "Kore"
	connectTimeout     = 15 * time.Second
)

// Prompts is the per-connection text configuration, read on every connect
// so reloaded store settings apply to the next session.
type Prompts struct {
	// Instructions is the system instruction.
	Instructions string

	// Greeting is the greeting template; [StoreNamePlaceholder] is replaced.
	Greeting string

	// StoreName is substituted into greetings and restoration prompts.
	StoreName string
}

// Quota is the usage-limit collaborator.
type Quota interface {
	// Check returns an error when a new session may not start.
	Check() error

	// Meter accounts connected time until ctx ends and calls onExhausted
	// when the allowance runs out.
	Meter(ctx context.Context, active func() bool, onExhausted func())
}

// CaptureFactory returns a fresh capturer for one connection. hooks must be
// installed on the capturer. A nil capturer runs the session without
// microphone input.
type CaptureFactory func(hooks capture.Hooks) capture.Capturer

// Config holds the dependencies of a [Manager].
type Config struct {
	// Provider opens channels to the speech service. Required.
	Provider s2s.Provider

	// Credential returns the configured API credential. An empty value
	// fails Connect with [ErrMissingCredential]. Nil means the provider
	// carries its own credential.
	Credential func() string

	// Capture builds the microphone capturer per connection.
	Capture CaptureFactory

	// Output is the playback device. Defaults to a [playback.TimerOutput].
	Output playback.Output

	// Dispatcher answers tool calls. Required.
	Dispatcher *tools.Dispatcher

	// Quota gates connects and forces a disconnect when exhausted.
	Quota Quota

	// History persists committed turns. Defaults to [MemoryHistory].
	History History

	// Prompts returns the current prompts. Required.
	Prompts func() Prompts

	// Voice is the prebuilt voice name. Defaults to "Kore".
	Voice string

	Policy          ReconnectPolicy
	SilenceTimeout  time.Duration
	RestoreWindow   time.Duration
	TranscriptLimit int
	LogLimit        int

	// QueueBytes bounds outbound audio waiting for the network.
	QueueBytes int

	Metrics *observe.Metrics

	// Now is the clock. Defaults to time.Now.
	Now func() time.Time
}

// conn is everything owned by one open channel.
type conn struct {
	id     string
	gen    uint64
	ch     s2s.Channel
	capt   capture.Capturer
	queue  *audio.FrameQueue
	ctx    context.Context
	cancel context.CancelFunc
}

// Manager is the voice session state machine.
//
// All exported methods are safe for concurrent use. Inbound events of one
// channel are processed serially in arrival order.
type Manager struct {
	cfg        Config
	machine    *fsm.FSM
	transcript *TranscriptBuffer
	scheduler  *playback.Scheduler
	watchdog   *Watchdog
	log        eventLog
	sendWarn   rate.Sometimes
	sessionID  atomic.Value

	mu           sync.Mutex
	conn         *conn
	gen          uint64
	retry        int
	intentional  bool
	everOpened   bool
	muted        bool
	userSpeaking bool
	aiSpeaking   bool
	reason       string
	retryTimer   retryTimer
}

// NewManager returns an idle Manager.
func NewManager(cfg Config) *Manager {
	if cfg.Output == nil {
		cfg.Output = playback.NewTimerOutput()
	}
	if cfg.History == nil {
		cfg.History = NewMemoryHistory()
	}
	if cfg.Voice == "" {
		cfg.Voice = defaultVoice
	}
	if cfg.RestoreWindow <= 0 {
		cfg.RestoreWindow = DefaultRestoreWindow
	}
	if cfg.LogLimit <= 0 {
		cfg.LogLimit = DefaultLogLimit
	}
	if cfg.QueueBytes <= 0 {
		cfg.QueueBytes = defaultQueueBytes
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	cfg.Policy = cfg.Policy.withDefaults()

	m := &Manager{
		cfg:        cfg,
		machine:    newStatusMachine(),
		transcript: NewTranscriptBuffer(cfg.TranscriptLimit),
		log:        eventLog{limit: cfg.LogLimit},
		sendWarn:   rate.Sometimes{Interval: 10 * time.Second},
	}
	m.watchdog = NewWatchdog(cfg.SilenceTimeout, m.onSilence)
	m.scheduler = playback.New(cfg.Output,
		playback.WithOnSpeaking(m.setAISpeaking),
		playback.WithOnIdle(m.watchdog.Reset),
	)
	return m
}

// ── Operator log ─────────────────────────────────────────────────────────────

// Logf appends a line to the operator log and mirrors it to slog.
func (m *Manager) Logf(level, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	m.log.add(LogEntry{Time: m.cfg.Now(), Level: level, Message: msg})
	id, _ := m.sessionID.Load().(string)
	slog.Log(context.Background(), slogLevel(level), "session: "+msg, "session_id", id)
}

// ToolLog adapts the operator log for [tools.WithLog].
func (m *Manager) ToolLog(level slog.Level, msg string) {
	lvl := LevelInfo
	if level < slog.LevelInfo {
		lvl = LevelAPI
	}
	m.Logf(lvl, "%s", msg)
}

// ── Control surface ──────────────────────────────────────────────────────────

// Connect starts a session. It is a no-op while connecting and toggles the
// session off when already connected. Quota, credential and capture
// failures leave the manager in [StatusError] with the reason recorded.
// A transport failure is returned and also schedules a reconnect.
func (m *Manager) Connect(ctx context.Context) error {
	switch m.Status() {
	case StatusConnecting:
		return nil
	case StatusConnected:
		return m.Disconnect(ctx)
	}

	m.mu.Lock()
	m.intentional = false
	m.retry = 0
	m.reason = ""
	m.retryTimer.cancel()
	m.mu.Unlock()

	return m.dial(ctx, false)
}

// Disconnect ends the session intentionally: capture, playback and channel
// are stopped, no reconnect follows, and the transcript, checkout draft and
// persisted history are cleared.
func (m *Manager) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	m.intentional = true
	m.gen++
	c := m.conn
	m.conn = nil
	m.userSpeaking = false
	m.retryTimer.cancel()
	if err := transition(m.machine, evStop); err != nil {
		slog.Warn("session: stop transition", "err", err)
	}
	m.sessionID.Store("")
	m.mu.Unlock()

	m.teardown(c)
	m.watchdog.Cancel()
	m.transcript.Reset()
	m.cfg.Dispatcher.Checkout().Reset()

	m.Logf(LevelInfo, "Disconnected.")
	if err := m.cfg.History.Clear(ctx); err != nil {
		return fmt.Errorf("session: clear history: %w", err)
	}
	return nil
}

// SetMuted suppresses microphone transmission without stopping capture.
func (m *Manager) SetMuted(muted bool) {
	m.mu.Lock()
	m.muted = muted
	var capt capture.Capturer
	if m.conn != nil {
		capt = m.conn.capt
	}
	m.mu.Unlock()

	if capt != nil {
		capt.SetMuted(muted)
	}
}

// NetworkOnline reports that connectivity returned. When a session was lost
// without the user stopping it and nothing is pending, a reconnect runs
// after one second.
func (m *Manager) NetworkOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.intentional || !m.everOpened || Status(m.machine.Current()) != StatusIdle {
		return false
	}
	return m.retryTimer.schedule(networkOnlineDelay, func() {
		if err := m.Connect(context.Background()); err != nil {
			slog.Warn("session: reconnect after network online", "err", err)
		}
	})
}

// Status returns the current connection status.
func (m *Manager) Status() Status {
	return Status(m.machine.Current())
}

// SessionID returns the id of the open connection, or "".
func (m *Manager) SessionID() string {
	id, _ := m.sessionID.Load().(string)
	return id
}

// RetryCount returns the number of reconnect attempts since the last open.
func (m *Manager) RetryCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.retry
}

// Scheduler returns the playback scheduler.
func (m *Manager) Scheduler() *playback.Scheduler { return m.scheduler }

// Transcript returns the transcript buffer.
func (m *Manager) Transcript() *TranscriptBuffer { return m.transcript }

// State returns a snapshot for the control surface.
func (m *Manager) State() State {
	user, model := m.transcript.Partials()
	m.mu.Lock()
	st := State{
		Status:       Status(m.machine.Current()),
		Reason:       m.reason,
		RetryCount:   m.retry,
		Muted:        m.muted,
		UserSpeaking: m.userSpeaking,
		AISpeaking:   m.aiSpeaking,
	}
	if m.conn != nil {
		st.SessionID = m.conn.id
	}
	m.mu.Unlock()

	st.Phase = m.cfg.Dispatcher.Checkout().Phase().String()
	st.Transcript = m.transcript.Turns()
	st.PartialUser, st.PartialModel = user, model
	st.Logs = m.log.snapshot()
	return st
}

// Close disconnects and releases the manager.
func (m *Manager) Close() error {
	return m.Disconnect(context.Background())
}

// ── Connection lifecycle ─────────────────────────────────────────────────────

// fail records a non-retryable failure and moves to error.
func (m *Manager) fail(reason string) {
	m.mu.Lock()
	m.reason = reason
	if err := transition(m.machine, evFail); err != nil {
		slog.Warn("session: fail transition", "err", err)
	}
	m.mu.Unlock()
	m.Logf(LevelError, "%s", reason)
}

// dial opens one channel. reconnect marks automatic attempts, whose dial
// failures consume a retry instead of failing the session.
func (m *Manager) dial(ctx context.Context, reconnect bool) error {
	if m.cfg.Quota != nil {
		if err := m.cfg.Quota.Check(); err != nil {
			m.fail(err.Error())
			return fmt.Errorf("%w: %w", ErrUsageLimit, err)
		}
	}
	if m.cfg.Credential != nil && m.cfg.Credential() == "" {
		m.fail("Missing API Key")
		return ErrMissingCredential
	}

	m.mu.Lock()
	if reconnect && m.intentional {
		m.mu.Unlock()
		return nil
	}
	if !reconnect {
		if err := transition(m.machine, evConnect); err != nil {
			m.mu.Unlock()
			return fmt.Errorf("session: connect: %w", err)
		}
	}
	m.gen++
	gen := m.gen
	m.mu.Unlock()

	m.Logf(LevelInfo, "Initializing session...")
	prompts := m.cfg.Prompts()

	ctx, span := observe.StartSpan(ctx, "session.connect")
	defer span.End()
	span.SetAttributes(attribute.Bool("session.reconnect", reconnect))

	start := time.Now()
	dialCtx, cancelDial := context.WithTimeout(ctx, connectTimeout)
	ch, err := m.cfg.Provider.Connect(dialCtx, s2s.Config{
		Voice:         m.cfg.Voice,
		Instructions:  prompts.Instructions,
		Tools:         tools.Declarations(),
		Transcription: true,
	})
	cancelDial()
	m.cfg.Metrics.ConnectDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		// Transport failures take the reconnect path whether or not this
		// was the first attempt.
		span.RecordError(err)
		m.Logf(LevelWarning, "Network Error: %v", err)
		m.closed(gen, err)
		return fmt.Errorf("session: connect: %w", err)
	}

	c, err := m.open(gen, ch, prompts)
	if err != nil {
		ch.Close()
		if errors.Is(err, errSuperseded) {
			return nil
		}
		m.fail(err.Error())
		return err
	}

	if reconnect {
		m.cfg.Metrics.RecordReconnect(ctx, "ok")
	}
	go m.receive(c)
	return nil
}

// open installs ch as the live connection: capture starts, goroutines run
// and the priming message is sent.
func (m *Manager) open(gen uint64, ch s2s.Channel, prompts Prompts) (*conn, error) {
	m.mu.Lock()
	if gen != m.gen || m.intentional {
		m.mu.Unlock()
		return nil, errSuperseded
	}
	muted := m.muted
	m.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	c := &conn{
		id:     uuid.NewString(),
		gen:    gen,
		ch:     ch,
		queue:  audio.NewFrameQueue(m.cfg.QueueBytes),
		cancel: cancel,
	}
	c.ctx = observe.WithSession(ctx, c.id)

	var frames <-chan audio.Frame
	if m.cfg.Capture != nil {
		c.capt = m.cfg.Capture(capture.Hooks{
			OnSpeaking: m.setUserSpeaking,
			OnVoiced:   m.watchdog.Reset,
			OnQuiet:    m.watchdog.Reset,
		})
	}
	if c.capt != nil {
		c.capt.SetMuted(muted)
		var err error
		frames, err = c.capt.Start(c.ctx)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("session: start capture: %w", err)
		}
	}

	m.mu.Lock()
	if gen != m.gen || m.intentional {
		m.mu.Unlock()
		cancel()
		if c.capt != nil {
			c.capt.Close()
		}
		return nil, errSuperseded
	}
	if err := transition(m.machine, evOpen); err != nil {
		m.mu.Unlock()
		cancel()
		if c.capt != nil {
			c.capt.Close()
		}
		return nil, fmt.Errorf("session: open: %w", err)
	}
	m.conn = c
	m.sessionID.Store(c.id)
	m.retry = 0
	m.reason = ""
	m.everOpened = true
	m.mu.Unlock()

	m.cfg.Metrics.ActiveSessions.Add(c.ctx, 1)
	m.Logf(LevelSuccess, "Connected.")

	if frames != nil {
		go m.forward(c, frames)
		go m.send(c)
	}
	if m.cfg.Quota != nil {
		go m.cfg.Quota.Meter(c.ctx, func() bool { return m.Status() == StatusConnected }, func() {
			m.Logf(LevelWarning, "Daily usage limit reached.")
			go m.Disconnect(context.Background())
		})
	}

	m.prime(c, prompts)
	m.watchdog.Reset()
	return c, nil
}

// prime sends exactly one message: a restoration prompt or the greeting.
func (m *Manager) prime(c *conn, prompts Prompts) {
	turns, lastActive, err := m.cfg.History.Recent(c.ctx, restoreTurns)
	if err != nil {
		slog.Warn("session: load history", "err", err, "session_id", c.id)
		turns, lastActive = nil, time.Time{}
	}
	msg, restored := PrimingMessage(prompts, turns, lastActive, m.cfg.Now(), m.cfg.RestoreWindow)
	if restored {
		m.Logf(LevelWarning, "Restoring conversation (%d turns)", len(turns))
	}
	if err := c.ch.SendText(msg); err != nil {
		slog.Warn("session: send priming message", "err", err, "session_id", c.id)
	}
}

// teardown releases a connection's resources and stops playback.
func (m *Manager) teardown(c *conn) {
	m.scheduler.Flush()
	if c == nil {
		return
	}
	c.cancel()
	if c.capt != nil {
		if err := c.capt.Close(); err != nil {
			slog.Warn("session: close capture", "err", err, "session_id", c.id)
		}
	}
	if err := c.ch.Close(); err != nil {
		slog.Debug("session: close channel", "err", err, "session_id", c.id)
	}
	m.cfg.Metrics.ActiveSessions.Add(context.Background(), -1)
}

// closed handles the end of connection generation gen. Stale generations
// are ignored. Unintentional closes schedule a reconnect until the policy
// is exhausted.
func (m *Manager) closed(gen uint64, cause error) {
	m.mu.Lock()
	if gen != m.gen || m.intentional {
		m.mu.Unlock()
		return
	}
	c := m.conn
	m.conn = nil
	m.userSpeaking = false
	m.sessionID.Store("")
	m.mu.Unlock()

	if c != nil {
		m.teardown(c)
	}
	m.watchdog.Cancel()

	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen || m.intentional {
		return
	}

	delay, ok := m.cfg.Policy.Next(m.retry)
	if !ok {
		if err := transition(m.machine, evStop); err != nil {
			slog.Warn("session: stop transition", "err", err)
		}
		m.reason = "Connection failed after multiple attempts."
		m.cfg.Metrics.RecordReconnect(context.Background(), "exhausted")
		m.Logf(LevelError, "Connection failed after multiple attempts.")
		return
	}
	m.retry++
	if err := transition(m.machine, evDrop); err != nil {
		slog.Warn("session: drop transition", "err", err)
	}
	if cause != nil {
		slog.Debug("session: channel closed", "err", cause)
	}
	m.Logf(LevelWarning, "Connection lost. Retrying in %.1fs...", delay.Seconds())
	m.retryTimer.schedule(delay, func() {
		if err := m.dial(context.Background(), true); err != nil {
			slog.Debug("session: reconnect attempt failed", "err", err)
		}
	})
}

// ── Goroutines ───────────────────────────────────────────────────────────────

// forward moves captured frames into the bounded send queue without
// blocking capture.
func (m *Manager) forward(c *conn, frames <-chan audio.Frame) {
	for f := range frames {
		evicted, err := c.queue.Push(f)
		if err != nil {
			slog.Warn("session: queue frame", "err", err, "session_id", c.id)
			continue
		}
		if evicted > 0 {
			m.cfg.Metrics.RecordDroppedFrames(c.ctx, "queue", int64(evicted))
		}
	}
}

// send drains the queue to the channel.
func (m *Manager) send(c *conn) {
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.queue.Ready():
		}
		for {
			f, ok := c.queue.Pop()
			if !ok {
				break
			}
			if err := c.ch.SendAudio(f.Data); err != nil {
				m.sendWarn.Do(func() { slog.Warn("session: send audio", "err", err, "session_id", c.id) })
			}
		}
	}
}

// receive processes inbound events serially until the channel ends.
func (m *Manager) receive(c *conn) {
	for ev := range c.ch.Events() {
		m.handle(c, ev)
	}
	m.closed(c.gen, c.ch.Err())
}

func (m *Manager) handle(c *conn, ev s2s.Event) {
	switch ev.Kind {
	case s2s.EventAudio:
		m.watchdog.Cancel()
		seg := audio.Frame{Data: ev.Audio, SampleRate: audio.ModelRate, Seq: ev.Seq}
		if _, err := m.scheduler.Schedule(seg); err != nil {
			slog.Warn("session: schedule audio", "err", err, "session_id", c.id)
		}

	case s2s.EventInputTranscript:
		m.transcript.AppendUser(ev.Text)

	case s2s.EventOutputTranscript:
		m.transcript.AppendModel(ev.Text)

	case s2s.EventTurnComplete:
		added := m.transcript.Commit(m.cfg.Now())
		if len(added) > 0 {
			if err := m.cfg.History.Append(c.ctx, added...); err != nil {
				slog.Warn("session: persist turns", "err", err, "session_id", c.id)
			}
		}

	case s2s.EventInterrupted:
		m.Logf(LevelInfo, "Audio interrupted by server (user barge-in detected).")
		m.cfg.Metrics.Interruptions.Add(c.ctx, 1)
		m.scheduler.Flush()

	case s2s.EventToolCall:
		for _, resp := range m.cfg.Dispatcher.DispatchBatch(c.ctx, ev.ToolCalls) {
			if err := c.ch.SendToolResponse(resp); err != nil {
				slog.Warn("session: send tool response", "err", err, "tool", resp.Name, "session_id", c.id)
			}
		}

	case s2s.EventError:
		m.Logf(LevelWarning, "Network Error: %v", ev.Err)
	}
}

// onSilence is the watchdog callback.
func (m *Manager) onSilence() {
	m.mu.Lock()
	c := m.conn
	ok := c != nil && !m.intentional && !m.userSpeaking && Status(m.machine.Current()) == StatusConnected
	m.mu.Unlock()
	if !ok {
		return
	}

	phase := m.cfg.Dispatcher.Checkout().Phase()
	if phase == pos.PhaseCheckout {
		m.Logf(LevelAPI, "Silence trigger in CHECKOUT phase")
	} else {
		m.Logf(LevelAPI, "Silence trigger in NORMAL phase")
	}
	m.cfg.Metrics.RecordNudge(c.ctx, phase.String())
	if err := c.ch.SendText(Nudge(phase)); err != nil {
		slog.Warn("session: send nudge", "err", err, "session_id", c.id)
	}
}

func (m *Manager) setUserSpeaking(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.userSpeaking = v
}

func (m *Manager) setAISpeaking(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.aiSpeaking = v
}
