// Package auth authenticates gateway callers.
//
// # Credentials
//
// Callers present a credential in the X-API-Key header or as an
// Authorization bearer token:
//
//   - API keys: clb_-prefixed random strings issued by KeyManager. Only the
//     SHA-256 hash is stored. Keys carry permissions (read, write, admin),
//     an optional expiry, and an optional per-minute rate limit.
//
//   - JWT tokens: when auth.jwt_secret is configured, bearer tokens that are
//     not API keys are verified as HS256 JWTs and granted read and write.
//
// # Permissions
//
// HTTPAuthMiddleware requires read for GET/HEAD and write for everything
// else. Key management additionally requires admin.
//
// # Bootstrap
//
// EnsureDefault imports auth.bootstrap_key when set. Otherwise it creates a
// "default" admin key the first time the key store is empty and returns the
// raw key once so it can be shown to the operator.
package auth
