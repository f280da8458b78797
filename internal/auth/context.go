// ABOUTME: Authentication context for tracking the caller through request handlers
// ABOUTME: Provides WithAuth/FromContext for propagating the caller's identity and permissions

package auth

import (
	"context"
	"slices"
)

// Authentication methods recorded on an AuthContext.
const (
	MethodAPIKey = "api_key"
	MethodJWT    = "jwt"
	MethodNone   = "none"
)

// AuthContext holds the authenticated identity extracted from a request.
type AuthContext struct {
	PrincipalID string       // key id, or the JWT subject
	Name        string       // key name, empty for JWT callers
	Method      string       // MethodAPIKey | MethodJWT | MethodNone
	Permissions []Permission // what the caller may do
}

// Anonymous is the caller used when authentication is disabled. It holds
// every permission.
func Anonymous() *AuthContext {
	return &AuthContext{
		PrincipalID: "anonymous",
		Method:      MethodNone,
		Permissions: []Permission{PermissionRead, PermissionWrite, PermissionAdmin},
	}
}

// HasPermission reports whether the caller holds p. Admin implies every
// other permission.
func (a *AuthContext) HasPermission(p Permission) bool {
	if a == nil {
		return false
	}
	return slices.Contains(a.Permissions, p) || slices.Contains(a.Permissions, PermissionAdmin)
}

// IsAdmin returns true if the caller holds the admin permission.
func (a *AuthContext) IsAdmin() bool {
	return a != nil && slices.Contains(a.Permissions, PermissionAdmin)
}

// authContextKey is the key type for storing AuthContext in context.Context.
type authContextKey struct{}

// WithAuth returns a new context with the AuthContext attached.
func WithAuth(ctx context.Context, auth *AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey{}, auth)
}

// FromContext retrieves the AuthContext from the context, returning nil if not present.
func FromContext(ctx context.Context) *AuthContext {
	val := ctx.Value(authContextKey{})
	if val == nil {
		return nil
	}
	auth, ok := val.(*AuthContext)
	if !ok {
		return nil
	}
	return auth
}

// MustFromContext retrieves the AuthContext from the context, panicking if not present.
func MustFromContext(ctx context.Context) *AuthContext {
	auth := FromContext(ctx)
	if auth == nil {
		panic("auth: AuthContext not found in context")
	}
	return auth
}
