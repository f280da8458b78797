// ABOUTME: SQLite implementation for per-run token usage accounting
// ABOUTME: One row per completed run, summarized per session

package store

import (
	"context"
	"fmt"
	"time"
)

// RunUsage is the token consumption of one completed run.
type RunUsage struct {
	RunID            string
	SessionID        string
	Model            string
	PromptTokens     int
	CompletionTokens int
	CreatedAt        time.Time
}

// UsageSummary totals usage across runs.
type UsageSummary struct {
	Runs             int `json:"runs"`
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// SaveRunUsage stores a run's usage. Saving the same run twice keeps the
// first record.
func (s *SQLiteStore) SaveRunUsage(ctx context.Context, u *RunUsage) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO run_usage (run_id, session_id, model, prompt_tokens, completion_tokens, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO NOTHING
	`, u.RunID, u.SessionID, u.Model, u.PromptTokens, u.CompletionTokens, formatTime(u.CreatedAt))
	if err != nil {
		return fmt.Errorf("inserting run usage: %w", err)
	}

	s.logger.Debug("saved run usage",
		"run_id", u.RunID,
		"session_id", u.SessionID,
		"prompt_tokens", u.PromptTokens,
		"completion_tokens", u.CompletionTokens,
	)
	return nil
}

// SessionUsage totals usage for one session.
func (s *SQLiteStore) SessionUsage(ctx context.Context, sessionID string) (*UsageSummary, error) {
	return s.summarize(ctx, `WHERE session_id = ?`, sessionID)
}

// TotalUsage totals usage across every session.
func (s *SQLiteStore) TotalUsage(ctx context.Context) (*UsageSummary, error) {
	return s.summarize(ctx, ``)
}

func (s *SQLiteStore) summarize(ctx context.Context, where string, args ...any) (*UsageSummary, error) {
	var sum UsageSummary
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(prompt_tokens), 0), COALESCE(SUM(completion_tokens), 0)
		FROM run_usage `+where, args...,
	).Scan(&sum.Runs, &sum.PromptTokens, &sum.CompletionTokens)
	if err != nil {
		return nil, fmt.Errorf("summarizing usage: %w", err)
	}
	sum.TotalTokens = sum.PromptTokens + sum.CompletionTokens
	return &sum, nil
}
