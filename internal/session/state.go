package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/looplab/fsm"
)

// Status is the connection state of the voice session.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusConnecting Status = "connecting"
	StatusConnected  Status = "connected"
	StatusError      Status = "error"
)

// State machine events.
const (
	evConnect = "connect" // idle, error → connecting
	evOpen    = "open"    // connecting → connected
	evDrop    = "drop"    // connected, connecting → connecting (reconnect pending)
	evFail    = "fail"    // any → error
	evStop    = "stop"    // any → idle
)

func newStatusMachine() *fsm.FSM {
	all := []string{string(StatusIdle), string(StatusConnecting), string(StatusConnected), string(StatusError)}
	return fsm.NewFSM(
		string(StatusIdle),
		fsm.Events{
			{Name: evConnect, Src: []string{string(StatusIdle), string(StatusError)}, Dst: string(StatusConnecting)},
			{Name: evOpen, Src: []string{string(StatusConnecting)}, Dst: string(StatusConnected)},
			{Name: evDrop, Src: []string{string(StatusConnected), string(StatusConnecting)}, Dst: string(StatusConnecting)},
			{Name: evFail, Src: all, Dst: string(StatusError)},
			{Name: evStop, Src: all, Dst: string(StatusIdle)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				slog.Debug("session: status", "from", e.Src, "to", e.Dst, "event", e.Event)
			},
		},
	)
}

// transition fires event on machine. A transition to the current state is
// not an error.
func transition(machine *fsm.FSM, event string) error {
	err := machine.Event(context.Background(), event)
	var same fsm.NoTransitionError
	if errors.As(err, &same) {
		return nil
	}
	return err
}

// ── Event log ────────────────────────────────────────────────────────────────

// Log levels shown to operators.
const (
	LevelInfo    = "info"
	LevelSuccess = "success"
	LevelWarning = "warning"
	LevelError   = "error"
	LevelAPI     = "api"
)

// DefaultLogLimit is the number of entries kept in the operator log.
const DefaultLogLimit = 100

// LogEntry is one line of the operator-facing session log.
type LogEntry struct {
	Time    time.Time `json:"time"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
}

// eventLog is a bounded, newest-last operator log.
type eventLog struct {
	limit int

	mu      sync.Mutex
	entries []LogEntry
}

func (l *eventLog) add(e LogEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, e)
	if over := len(l.entries) - l.limit; over > 0 {
		l.entries = append([]LogEntry(nil), l.entries[over:]...)
	}
}

func (l *eventLog) snapshot() []LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]LogEntry(nil), l.entries...)
}

// slogLevel maps an operator level onto slog.
func slogLevel(level string) slog.Level {
	switch level {
	case LevelError:
		return slog.LevelError
	case LevelWarning:
		return slog.LevelWarn
	case LevelAPI:
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}

// State is a point-in-time snapshot of the session for the control surface.
type State struct {
	Status       Status     `json:"status"`
	Reason       string     `json:"reason,omitempty"`
	SessionID    string     `json:"sessionId,omitempty"`
	RetryCount   int        `json:"retryCount"`
	Muted        bool       `json:"muted"`
	UserSpeaking bool       `json:"isUserSpeaking"`
	AISpeaking   bool       `json:"isAISpeaking"`
	Phase        string     `json:"checkoutPhase"`
	Transcript   []Turn     `json:"transcript"`
	PartialUser  string     `json:"partialUser,omitempty"`
	PartialModel string     `json:"partialModel,omitempty"`
	Logs         []LogEntry `json:"logs"`
}
