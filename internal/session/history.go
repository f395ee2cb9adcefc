package session

import (
	"context"
	"sync"
	"time"
)

// History persists committed turns across connections so a dropped session
// can resume where it left off. Implementations must be safe for concurrent
// use.
type History interface {
	// Append stores turns and marks the conversation active at the time of
	// the newest turn.
	Append(ctx context.Context, turns ...Turn) error

	// Recent returns up to limit of the newest turns, oldest first, and the
	// last activity time. A zero time means no history.
	Recent(ctx context.Context, limit int) ([]Turn, time.Time, error)

	// Clear deletes all turns and the activity mark.
	Clear(ctx context.Context) error
}

// Compile-time interface assertion.
var _ History = (*MemoryHistory)(nil)

// MemoryHistory is a process-local [History].
type MemoryHistory struct {
	mu         sync.Mutex
	turns      []Turn
	lastActive time.Time
}

// NewMemoryHistory returns an empty MemoryHistory.
func NewMemoryHistory() *MemoryHistory {
	return &MemoryHistory{}
}

// Append implements [History].
func (h *MemoryHistory) Append(_ context.Context, turns ...Turn) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, t := range turns {
		h.turns = append(h.turns, t)
		if t.Time.After(h.lastActive) {
			h.lastActive = t.Time
		}
	}
	return nil
}

// Recent implements [History].
func (h *MemoryHistory) Recent(_ context.Context, limit int) ([]Turn, time.Time, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	turns := h.turns
	if limit > 0 && len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	return append([]Turn(nil), turns...), h.lastActive, nil
}

// Clear implements [History].
func (h *MemoryHistory) Clear(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.turns = nil
	h.lastActive = time.Time{}
	return nil
}
