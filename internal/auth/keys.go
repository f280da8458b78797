// ABOUTME: API key issuing, validation, revocation, and expiry cleanup
// ABOUTME: Raw keys are clb_-prefixed and only their SHA-256 hash is persisted

package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"
)

// KeyPrefix starts every raw API key.
const KeyPrefix = "clb_"

// Auth errors
var (
	ErrAuthRequired   = errors.New("authentication required")
	ErrInvalidKey     = errors.New("invalid or expired API key")
	ErrForbidden      = errors.New("permission denied")
	ErrRateLimited    = errors.New("rate limit exceeded")
	ErrKeyNotFound    = errors.New("API key not found")
	ErrInvalidKeyName = errors.New("API key name is required")
)

// Permission is a capability granted to a key.
type Permission string

const (
	PermissionRead  Permission = "read"
	PermissionWrite Permission = "write"
	PermissionAdmin Permission = "admin"
)

// ParsePermission validates a permission name.
func ParsePermission(s string) (Permission, error) {
	switch p := Permission(strings.TrimSpace(s)); p {
	case PermissionRead, PermissionWrite, PermissionAdmin:
		return p, nil
	default:
		return "", fmt.Errorf("unknown permission %q", s)
	}
}

// DefaultPermissions are granted when a key is created without any.
var DefaultPermissions = []Permission{PermissionRead, PermissionWrite}

// APIKey is the stored form of a key.
type APIKey struct {
	ID          string
	Hash        string
	Name        string
	Permissions []Permission
	RateLimit   int // requests per minute, 0 uses the gateway default
	Enabled     bool
	CreatedAt   time.Time
	ExpiresAt   *time.Time
	LastUsedAt  *time.Time
}

// Valid reports whether the key is enabled and unexpired at now.
func (k *APIKey) Valid(now time.Time) bool {
	if !k.Enabled {
		return false
	}
	return k.ExpiresAt == nil || now.Before(*k.ExpiresAt)
}

// HasPermission reports whether the key holds p.
func (k *APIKey) HasPermission(p Permission) bool {
	return slices.Contains(k.Permissions, p)
}

// KeyStore persists API keys. Lookups of unknown keys return ErrKeyNotFound.
type KeyStore interface {
	SaveAPIKey(ctx context.Context, key *APIKey) error
	GetAPIKey(ctx context.Context, id string) (*APIKey, error)
	GetAPIKeyByHash(ctx context.Context, hash string) (*APIKey, error)
	ListAPIKeys(ctx context.Context) ([]*APIKey, error)
	DeleteAPIKey(ctx context.Context, id string) error
	TouchAPIKey(ctx context.Context, id string, at time.Time) error
}

// CreateKeyOptions describes a new key.
type CreateKeyOptions struct {
	Name        string
	Permissions []Permission
	ExpiresIn   time.Duration // zero never expires
	RateLimit   int
}

// KeyManager issues and validates API keys.
type KeyManager struct {
	store  KeyStore
	logger *slog.Logger
	now    func() time.Time
}

// NewKeyManager creates a KeyManager backed by store.
func NewKeyManager(store KeyStore, logger *slog.Logger) *KeyManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &KeyManager{
		store:  store,
		logger: logger.With("component", "auth"),
		now:    time.Now,
	}
}

// Create issues a key and returns its raw value. The raw value is not
// recoverable afterwards.
func (m *KeyManager) Create(ctx context.Context, opts CreateKeyOptions) (string, *APIKey, error) {
	raw := KeyPrefix + randomToken(32)
	key, err := m.insert(ctx, raw, opts)
	if err != nil {
		return "", nil, err
	}
	return raw, key, nil
}

// Import stores a caller-supplied raw key, for bootstrap keys from config.
func (m *KeyManager) Import(ctx context.Context, raw string, opts CreateKeyOptions) (*APIKey, error) {
	if !strings.HasPrefix(raw, KeyPrefix) || len(raw) <= len(KeyPrefix) {
		return nil, fmt.Errorf("%w: key must start with %s", ErrInvalidKey, KeyPrefix)
	}
	if existing, err := m.store.GetAPIKeyByHash(ctx, HashKey(raw)); err == nil {
		return existing, nil
	}
	return m.insert(ctx, raw, opts)
}

func (m *KeyManager) insert(ctx context.Context, raw string, opts CreateKeyOptions) (*APIKey, error) {
	if strings.TrimSpace(opts.Name) == "" {
		return nil, ErrInvalidKeyName
	}
	perms := opts.Permissions
	if len(perms) == 0 {
		perms = DefaultPermissions
	}

	now := m.now().UTC()
	key := &APIKey{
		ID:          randomToken(16),
		Hash:        HashKey(raw),
		Name:        opts.Name,
		Permissions: slices.Clone(perms),
		RateLimit:   opts.RateLimit,
		Enabled:     true,
		CreatedAt:   now,
	}
	if opts.ExpiresIn > 0 {
		exp := now.Add(opts.ExpiresIn)
		key.ExpiresAt = &exp
	}

	if err := m.store.SaveAPIKey(ctx, key); err != nil {
		return nil, fmt.Errorf("saving API key: %w", err)
	}
	m.logger.Info("created API key", "key_id", key.ID, "name", key.Name)
	return key, nil
}

// Validate resolves a raw key. Unknown, disabled, and expired keys all
// return ErrInvalidKey.
func (m *KeyManager) Validate(ctx context.Context, raw string) (*APIKey, error) {
	if !strings.HasPrefix(raw, KeyPrefix) {
		return nil, ErrInvalidKey
	}

	key, err := m.store.GetAPIKeyByHash(ctx, HashKey(raw))
	if errors.Is(err, ErrKeyNotFound) {
		return nil, ErrInvalidKey
	}
	if err != nil {
		return nil, fmt.Errorf("looking up API key: %w", err)
	}

	now := m.now().UTC()
	if !key.Valid(now) {
		return nil, ErrInvalidKey
	}

	if err := m.store.TouchAPIKey(ctx, key.ID, now); err != nil {
		m.logger.Warn("failed to record key use", "key_id", key.ID, "error", err)
	}
	key.LastUsedAt = &now
	return key, nil
}

// Get returns a key by id.
func (m *KeyManager) Get(ctx context.Context, id string) (*APIKey, error) {
	return m.store.GetAPIKey(ctx, id)
}

// List returns every key.
func (m *KeyManager) List(ctx context.Context) ([]*APIKey, error) {
	return m.store.ListAPIKeys(ctx)
}

// Revoke disables a key without deleting it.
func (m *KeyManager) Revoke(ctx context.Context, id string) error {
	key, err := m.store.GetAPIKey(ctx, id)
	if err != nil {
		return err
	}
	key.Enabled = false
	if err := m.store.SaveAPIKey(ctx, key); err != nil {
		return fmt.Errorf("revoking API key: %w", err)
	}
	m.logger.Info("revoked API key", "key_id", id)
	return nil
}

// Delete removes a key permanently.
func (m *KeyManager) Delete(ctx context.Context, id string) error {
	if err := m.store.DeleteAPIKey(ctx, id); err != nil {
		return err
	}
	m.logger.Info("deleted API key", "key_id", id)
	return nil
}

// CleanupExpired deletes every expired key and returns how many went.
func (m *KeyManager) CleanupExpired(ctx context.Context) (int, error) {
	keys, err := m.store.ListAPIKeys(ctx)
	if err != nil {
		return 0, err
	}
	now := m.now().UTC()
	removed := 0
	for _, k := range keys {
		if k.ExpiresAt == nil || now.Before(*k.ExpiresAt) {
			continue
		}
		if err := m.store.DeleteAPIKey(ctx, k.ID); err != nil {
			return removed, fmt.Errorf("deleting expired key %s: %w", k.ID, err)
		}
		removed++
	}
	if removed > 0 {
		m.logger.Info("removed expired API keys", "count", removed)
	}
	return removed, nil
}

// EnsureDefault makes sure at least one key exists. With bootstrap set,
// that raw key is imported as an admin key. Otherwise, if the store is
// empty, a fresh admin key named "default" is created and returned so
// the operator can see it once. The raw value is empty when nothing was
// created.
func (m *KeyManager) EnsureDefault(ctx context.Context, bootstrap string) (string, error) {
	opts := CreateKeyOptions{
		Name:        "default",
		Permissions: []Permission{PermissionRead, PermissionWrite, PermissionAdmin},
	}
	if bootstrap != "" {
		if _, err := m.Import(ctx, bootstrap, opts); err != nil {
			return "", fmt.Errorf("importing bootstrap key: %w", err)
		}
		return "", nil
	}

	keys, err := m.store.ListAPIKeys(ctx)
	if err != nil {
		return "", err
	}
	if len(keys) > 0 {
		return "", nil
	}

	raw, _, err := m.Create(ctx, opts)
	if err != nil {
		return "", err
	}
	m.logger.Warn("created default API key; create scoped keys and revoke it for production")
	return raw, nil
}

// HashKey returns the hex SHA-256 of a raw key.
func HashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func randomToken(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}
