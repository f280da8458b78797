// ABOUTME: Caller authentication from X-API-Key or Bearer credentials plus HTTP middleware
// ABOUTME: Adds the AuthContext to the request context and enforces method permissions

package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
)

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// TokenFromRequest returns the caller's credential: X-API-Key first, then
// an Authorization bearer token.
func TokenFromRequest(r *http.Request) string {
	if key := strings.TrimSpace(r.Header.Get("X-API-Key")); key != "" {
		return key
	}
	token, _ := extractBearerToken(r.Header.Get("Authorization"))
	return token
}

// AuthenticatorConfig wires an Authenticator.
type AuthenticatorConfig struct {
	Keys    *KeyManager
	JWT     TokenVerifier // optional fallback for non-key bearer tokens
	Limiter *RateLimiter  // optional
	Logger  *slog.Logger
}

// Authenticator turns a credential into an AuthContext.
type Authenticator struct {
	keys    *KeyManager
	jwt     TokenVerifier
	limiter *RateLimiter
	logger  *slog.Logger
}

// NewAuthenticator creates an Authenticator.
func NewAuthenticator(cfg AuthenticatorConfig) *Authenticator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Authenticator{
		keys:    cfg.Keys,
		jwt:     cfg.JWT,
		limiter: cfg.Limiter,
		logger:  logger.With("component", "auth"),
	}
}

// Authenticate validates token and applies the caller's rate limit.
func (a *Authenticator) Authenticate(ctx context.Context, token string) (*AuthContext, error) {
	if token == "" {
		return nil, ErrAuthRequired
	}

	var (
		authCtx *AuthContext
		rpm     int
	)
	switch {
	case strings.HasPrefix(token, KeyPrefix) && a.keys != nil:
		key, err := a.keys.Validate(ctx, token)
		if err != nil {
			return nil, err
		}
		authCtx = &AuthContext{
			PrincipalID: key.ID,
			Name:        key.Name,
			Method:      MethodAPIKey,
			Permissions: slices.Clone(key.Permissions),
		}
		rpm = key.RateLimit
	case a.jwt != nil:
		grant, err := a.jwt.Verify(token)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}
		authCtx = &AuthContext{
			PrincipalID: grant.Subject,
			Name:        grant.Subject,
			Method:      MethodJWT,
			Permissions: grant.Permissions,
		}
		rpm = grant.RateLimit
	default:
		return nil, ErrInvalidKey
	}

	if !a.limiter.Allow(authCtx.Method+":"+authCtx.PrincipalID, rpm) {
		a.logger.Warn("rate limit exceeded", "principal_id", authCtx.PrincipalID)
		return nil, ErrRateLimited
	}
	return authCtx, nil
}

// RequiredPermission maps an HTTP method to the permission it needs.
func RequiredPermission(method string) Permission {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return PermissionRead
	default:
		return PermissionWrite
	}
}

// ErrorWriter renders an authentication failure.
type ErrorWriter func(w http.ResponseWriter, err error)

func defaultErrorWriter(w http.ResponseWriter, err error) {
	status := http.StatusUnauthorized
	switch {
	case errors.Is(err, ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, ErrRateLimited):
		status = http.StatusTooManyRequests
	}
	http.Error(w, `{"error":"`+err.Error()+`"}`, status)
}

// HTTPAuthMiddleware authenticates every request except those whose path
// is in public, checks the method's permission, and adds the AuthContext
// to the request context.
func HTTPAuthMiddleware(a *Authenticator, onError ErrorWriter, public ...string) func(http.Handler) http.Handler {
	if onError == nil {
		onError = defaultErrorWriter
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if slices.Contains(public, r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			authCtx, err := a.Authenticate(r.Context(), TokenFromRequest(r))
			if err != nil {
				onError(w, err)
				return
			}
			if !authCtx.HasPermission(RequiredPermission(r.Method)) {
				onError(w, fmt.Errorf("%w: %s requires %s", ErrForbidden, r.Method, RequiredPermission(r.Method)))
				return
			}

			next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), authCtx)))
		})
	}
}

// AnonymousMiddleware attaches Anonymous to every request, for gateways
// running with authentication disabled.
func AnonymousMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), Anonymous())))
		})
	}
}

// RequireAdminHTTP creates an HTTP middleware that requires the admin
// permission. Must be used after HTTPAuthMiddleware.
func RequireAdminHTTP(onError ErrorWriter) func(http.Handler) http.Handler {
	if onError == nil {
		onError = defaultErrorWriter
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authCtx := FromContext(r.Context())
			if authCtx == nil {
				onError(w, ErrAuthRequired)
				return
			}
			if !authCtx.IsAdmin() {
				onError(w, fmt.Errorf("%w: admin permission required", ErrForbidden))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
