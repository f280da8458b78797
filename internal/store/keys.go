// ABOUTME: SQLite persistence for API key records
// ABOUTME: Implements auth.KeyStore; raw keys are never stored, only their hashes

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/2389/clawd-gateway/internal/auth"
)

var _ auth.KeyStore = (*SQLiteStore)(nil)

// ErrDuplicateKey is returned when a key hash is already stored under
// another id.
var ErrDuplicateKey = errors.New("API key already exists")

const keyColumns = `id, key_hash, name, permissions, rate_limit, enabled, created_at, expires_at, last_used_at`

// SaveAPIKey inserts or updates a key.
func (s *SQLiteStore) SaveAPIKey(ctx context.Context, key *auth.APIKey) error {
	perms := make([]string, len(key.Permissions))
	for i, p := range key.Permissions {
		perms[i] = string(p)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO api_keys (`+keyColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			permissions = excluded.permissions,
			rate_limit = excluded.rate_limit,
			enabled = excluded.enabled,
			expires_at = excluded.expires_at,
			last_used_at = excluded.last_used_at
	`,
		key.ID,
		key.Hash,
		key.Name,
		strings.Join(perms, ","),
		key.RateLimit,
		key.Enabled,
		formatTime(key.CreatedAt),
		nullTime(key.ExpiresAt),
		nullTime(key.LastUsedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("saving API key: %w", err)
	}
	return nil
}

// GetAPIKey returns a key by id, or auth.ErrKeyNotFound.
func (s *SQLiteStore) GetAPIKey(ctx context.Context, id string) (*auth.APIKey, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+keyColumns+` FROM api_keys WHERE id = ?`, id)
	return scanKey(row)
}

// GetAPIKeyByHash returns a key by hash, or auth.ErrKeyNotFound.
func (s *SQLiteStore) GetAPIKeyByHash(ctx context.Context, hash string) (*auth.APIKey, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+keyColumns+` FROM api_keys WHERE key_hash = ?`, hash)
	return scanKey(row)
}

// ListAPIKeys returns every key, oldest first.
func (s *SQLiteStore) ListAPIKeys(ctx context.Context) ([]*auth.APIKey, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+keyColumns+` FROM api_keys ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("querying API keys: %w", err)
	}
	defer rows.Close()

	var keys []*auth.APIKey
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// DeleteAPIKey removes a key, or returns auth.ErrKeyNotFound.
func (s *SQLiteStore) DeleteAPIKey(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM api_keys WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting API key: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if n == 0 {
		return auth.ErrKeyNotFound
	}
	return nil
}

// TouchAPIKey records when a key was last used.
func (s *SQLiteStore) TouchAPIKey(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE api_keys SET last_used_at = ? WHERE id = ?`, formatTime(at), id)
	if err != nil {
		return fmt.Errorf("touching API key: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanKey(row rowScanner) (*auth.APIKey, error) {
	var (
		k         auth.APIKey
		perms     string
		createdAt string
		expiresAt sql.NullString
		lastUsed  sql.NullString
	)
	err := row.Scan(&k.ID, &k.Hash, &k.Name, &perms, &k.RateLimit, &k.Enabled, &createdAt, &expiresAt, &lastUsed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning API key: %w", err)
	}

	for p := range strings.SplitSeq(perms, ",") {
		if p != "" {
			k.Permissions = append(k.Permissions, auth.Permission(p))
		}
	}
	if k.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if k.ExpiresAt, err = parseNullTime(expiresAt); err != nil {
		return nil, fmt.Errorf("parsing expires_at: %w", err)
	}
	if k.LastUsedAt, err = parseNullTime(lastUsed); err != nil {
		return nil, fmt.Errorf("parsing last_used_at: %w", err)
	}
	return &k, nil
}
