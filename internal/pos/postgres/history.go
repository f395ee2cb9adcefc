package postgres

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/MrWong99/posvoice/internal/session"
)

// History is a [session.History] backed by the conversation_turns table.
type History struct {
	db DB
}

// Compile-time interface check.
var _ session.History = (*History)(nil)

// NewHistory returns a History using db.
func NewHistory(db DB) *History {
	return &History{db: db}
}

// Append implements [session.History].
func (h *History) Append(ctx context.Context, turns ...session.Turn) error {
	for _, t := range turns {
		_, err := h.db.Exec(ctx,
			`INSERT INTO conversation_turns (text, is_user, ts) VALUES ($1, $2, $3)`,
			t.Text, t.IsUser, t.Time)
		if err != nil {
			return fmt.Errorf("postgres: append turn: %w", err)
		}
	}
	return nil
}

// Recent implements [session.History]. The activity mark is the newest turn
// timestamp across the whole table, not only the returned window.
func (h *History) Recent(ctx context.Context, limit int) ([]session.Turn, time.Time, error) {
	if limit <= 0 {
		limit = session.DefaultTranscriptLimit
	}
	rows, err := h.db.Query(ctx, `
		SELECT text, is_user, ts, max(ts) OVER ()
		FROM conversation_turns
		ORDER BY id DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("postgres: recent turns: %w", err)
	}
	defer rows.Close()

	var (
		turns []session.Turn
		last  time.Time
	)
	for rows.Next() {
		var t session.Turn
		if err := rows.Scan(&t.Text, &t.IsUser, &t.Time, &last); err != nil {
			return nil, time.Time{}, fmt.Errorf("postgres: scan turn: %w", err)
		}
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, time.Time{}, fmt.Errorf("postgres: recent turns: %w", err)
	}
	slices.Reverse(turns)
	return turns, last, nil
}

// Clear implements [session.History].
func (h *History) Clear(ctx context.Context) error {
	if _, err := h.db.Exec(ctx, `DELETE FROM conversation_turns`); err != nil {
		return fmt.Errorf("postgres: clear turns: %w", err)
	}
	return nil
}
