package session

import (
	"strings"
	"sync"
	"time"
)

// DefaultTranscriptLimit is the number of committed turns kept per session.
const DefaultTranscriptLimit = 20

// Turn is one committed utterance.
type Turn struct {
	Text   string    `json:"text"`
	IsUser bool      `json:"isUser"`
	Time   time.Time `json:"timestamp"`
}

// TranscriptBuffer accumulates transcription deltas for the turn in progress
// and commits them to a bounded list when the turn completes.
//
// All methods are safe for concurrent use.
type TranscriptBuffer struct {
	limit int

	mu    sync.Mutex
	user  strings.Builder
	model strings.Builder
	turns []Turn
}

// NewTranscriptBuffer returns a buffer keeping at most limit turns. A limit
// below one selects [DefaultTranscriptLimit].
func NewTranscriptBuffer(limit int) *TranscriptBuffer {
	if limit < 1 {
		limit = DefaultTranscriptLimit
	}
	return &TranscriptBuffer{limit: limit}
}

// AppendUser adds a user transcription delta.
func (b *TranscriptBuffer) AppendUser(delta string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.user.WriteString(delta)
}

// AppendModel adds a model transcription delta.
func (b *TranscriptBuffer) AppendModel(delta string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.model.WriteString(delta)
}

// Commit flushes both partials into turns, user first, and returns the turns
// that were added. Blank partials are dropped. The model turn is stamped one
// millisecond after the user turn so the two keep their order when sorted.
func (b *TranscriptBuffer) Commit(now time.Time) []Turn {
	b.mu.Lock()
	defer b.mu.Unlock()

	var added []Turn
	if s := strings.TrimSpace(b.user.String()); s != "" {
		added = append(added, Turn{Text: s, IsUser: true, Time: now})
	}
	if s := strings.TrimSpace(b.model.String()); s != "" {
		added = append(added, Turn{Text: s, Time: now.Add(time.Millisecond)})
	}
	b.user.Reset()
	b.model.Reset()

	b.turns = append(b.turns, added...)
	if over := len(b.turns) - b.limit; over > 0 {
		b.turns = append([]Turn(nil), b.turns[over:]...)
	}
	return added
}

// Partials returns the uncommitted user and model text.
func (b *TranscriptBuffer) Partials() (user, model string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.user.String(), b.model.String()
}

// Turns returns a copy of the committed turns, oldest first.
func (b *TranscriptBuffer) Turns() []Turn {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Turn(nil), b.turns...)
}

// Load replaces the committed turns, keeping the newest up to the limit.
// Partials are cleared.
func (b *TranscriptBuffer) Load(turns []Turn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if over := len(turns) - b.limit; over > 0 {
		turns = turns[over:]
	}
	b.turns = append([]Turn(nil), turns...)
	b.user.Reset()
	b.model.Reset()
}

// Reset clears partials and committed turns.
func (b *TranscriptBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.user.Reset()
	b.model.Reset()
	b.turns = nil
}
