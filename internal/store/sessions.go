package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opsagent/opsagent/internal/core"
)

// Turn is one chat-style exchange inside a session: the user instruction,
// the commands run for it, and the assistant reply.
type Turn struct {
	User     string                 `json:"user"`
	Commands []core.ExecutionRecord `json:"commands"`
	Reply    string                 `json:"reply"`
}

// Session is a persisted conversation.
type Session struct {
	ID        string         `json:"id"`
	Title     string         `json:"title"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	Messages  []core.Message `json:"messages,omitempty"`
	Turns     []Turn         `json:"turns,omitempty"`
}

// ErrSessionNotFound is returned for unknown session IDs.
var ErrSessionNotFound = errors.New("session not found")

// GetSession loads one session with messages and turns.
func (db *DB) GetSession(ctx context.Context, id string) (Session, error) {
	var s Session
	var created, updated, messages, turns string
	err := db.QueryRowContext(ctx,
		`SELECT id, title, created_at, updated_at, messages, turns FROM sessions WHERE id = ?`, id).
		Scan(&s.ID, &s.Title, &created, &updated, &messages, &turns)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrSessionNotFound
	}
	if err != nil {
		return Session{}, err
	}
	s.CreatedAt, _ = time.Parse(time.RFC3339, created)
	s.UpdatedAt, _ = time.Parse(time.RFC3339, updated)
	if err := json.Unmarshal([]byte(messages), &s.Messages); err != nil {
		return Session{}, fmt.Errorf("session %s: decode messages: %w", id, err)
	}
	if err := json.Unmarshal([]byte(turns), &s.Turns); err != nil {
		return Session{}, fmt.Errorf("session %s: decode turns: %w", id, err)
	}
	return s, nil
}

// ListSessions returns all sessions, newest update first, without the heavy
// messages/turns payloads.
func (db *DB) ListSessions(ctx context.Context) ([]Session, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT id, title, created_at, updated_at FROM sessions ORDER BY updated_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Session
	for rows.Next() {
		var s Session
		var created, updated string
		if err := rows.Scan(&s.ID, &s.Title, &created, &updated); err != nil {
			return nil, err
		}
		s.CreatedAt, _ = time.Parse(time.RFC3339, created)
		s.UpdatedAt, _ = time.Parse(time.RFC3339, updated)
		out = append(out, s)
	}
	return out, rows.Err()
}

// SaveSession inserts or replaces the full session row. AppendTurn is the
// usual entry point; this exists for restores and tests.
func (db *DB) SaveSession(ctx context.Context, s Session) error {
	messages, err := json.Marshal(s.Messages)
	if err != nil {
		return fmt.Errorf("encode messages: %w", err)
	}
	turns, err := json.Marshal(s.Turns)
	if err != nil {
		return fmt.Errorf("encode turns: %w", err)
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO sessions (id, title, created_at, updated_at, messages, turns)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			updated_at = excluded.updated_at,
			messages = excluded.messages,
			turns = excluded.turns`,
		s.ID, s.Title, s.CreatedAt.Format(time.RFC3339), s.UpdatedAt.Format(time.RFC3339),
		string(messages), string(turns))
	return err
}

// AppendTurn stores the latest conversation state plus one completed turn,
// creating the session with the given title if it does not exist yet.
func (db *DB) AppendTurn(ctx context.Context, id, title string, messages []core.Message, turn Turn) error {
	now := time.Now()
	s, err := db.GetSession(ctx, id)
	if errors.Is(err, ErrSessionNotFound) {
		s = Session{ID: id, Title: title, CreatedAt: now}
	} else if err != nil {
		return err
	}
	s.UpdatedAt = now
	s.Messages = messages
	s.Turns = append(s.Turns, turn)
	return db.SaveSession(ctx, s)
}

// DeleteSession removes the session; unknown IDs return ErrSessionNotFound.
func (db *DB) DeleteSession(ctx context.Context, id string) error {
	res, err := db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSessionNotFound
	}
	return nil
}
