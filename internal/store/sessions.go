// ABOUTME: SQLite persistence for session transcripts and metadata
// ABOUTME: Implements session.Persister with append-only turn storage

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/2389/clawd-gateway/internal/session"
)

var _ session.Persister = (*SQLiteStore)(nil)

// SaveSession upserts the session row and appends any turns not yet stored.
// A replaced record rewrites the stored turns.
func (s *SQLiteStore) SaveSession(ctx context.Context, rec *session.Record) error {
	meta := rec.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshaling metadata: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (id, metadata_json, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			metadata_json = excluded.metadata_json,
			updated_at = excluded.updated_at
	`, rec.ID, string(metaJSON), formatTime(rec.CreatedAt), formatTime(rec.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upserting session: %w", err)
	}

	if rec.Replaced {
		if _, err := tx.ExecContext(ctx, `DELETE FROM session_turns WHERE session_id = ?`, rec.ID); err != nil {
			return fmt.Errorf("clearing turns: %w", err)
		}
	}

	var stored int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM session_turns WHERE session_id = ?`, rec.ID,
	).Scan(&stored); err != nil {
		return fmt.Errorf("counting turns: %w", err)
	}

	if stored > len(rec.History) {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM session_turns WHERE session_id = ? AND seq >= ?`, rec.ID, len(rec.History),
		); err != nil {
			return fmt.Errorf("truncating turns: %w", err)
		}
		stored = len(rec.History)
	}

	for i := stored; i < len(rec.History); i++ {
		t := rec.History[i]
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO session_turns (session_id, seq, role, content, created_at)
			VALUES (?, ?, ?, ?, ?)
		`, rec.ID, i, string(t.Role), t.Content, formatTime(t.Timestamp)); err != nil {
			return fmt.Errorf("inserting turn %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing session: %w", err)
	}

	s.logger.Debug("saved session", "session_id", rec.ID, "turns", len(rec.History), "new_turns", len(rec.History)-stored)
	return nil
}

// LoadSession reads a session with its full history.
// Returns session.ErrNotFound if the session doesn't exist.
func (s *SQLiteStore) LoadSession(ctx context.Context, id string) (*session.Record, error) {
	var metaJSON, createdAt, updatedAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT metadata_json, created_at, updated_at FROM sessions WHERE id = ?`, id,
	).Scan(&metaJSON, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}

	rec := &session.Record{ID: id}
	if err := json.Unmarshal([]byte(metaJSON), &rec.Metadata); err != nil {
		return nil, fmt.Errorf("parsing metadata: %w", err)
	}
	if rec.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if rec.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT role, content, created_at FROM session_turns WHERE session_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("querying turns: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var role, content, ts string
		if err := rows.Scan(&role, &content, &ts); err != nil {
			return nil, fmt.Errorf("scanning turn: %w", err)
		}
		turn := session.Turn{Role: session.Role(role), Content: content}
		if turn.Timestamp, err = parseTime(ts); err != nil {
			return nil, fmt.Errorf("parsing turn timestamp: %w", err)
		}
		rec.History = append(rec.History, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating turns: %w", err)
	}
	return rec, nil
}

// ListSessionIDs returns every stored session id, most recently updated first.
func (s *SQLiteStore) ListSessionIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM sessions ORDER BY updated_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning session id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteSession removes a session and its turns. Deleting an unknown
// session is not an error.
func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM session_turns WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("deleting turns: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing delete: %w", err)
	}
	s.logger.Debug("deleted session", "session_id", id)
	return nil
}
