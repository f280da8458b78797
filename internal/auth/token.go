// ABOUTME: JWT bearer tokens for callers that do not hold an API key
// ABOUTME: Tokens carry the caller's permissions and rate limit, signed HS256 with auth.jwt_secret

package auth

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenIssuer is the iss claim of every gateway token.
const TokenIssuer = "clawd-gateway"

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
)

// Grant describes what a bearer token lets its holder do.
type Grant struct {
	Subject     string
	Permissions []Permission
	RateLimit   int // requests per minute, 0 for the gateway default
}

// TokenVerifier turns a bearer token into the grant it carries.
type TokenVerifier interface {
	Verify(token string) (*Grant, error)
}

// callerClaims is the token payload.
type callerClaims struct {
	Permissions []Permission `json:"perms,omitempty"`
	RateLimit   int          `json:"rpm,omitempty"`
	jwt.RegisteredClaims
}

// JWTVerifier mints and checks gateway tokens.
type JWTVerifier struct {
	secret []byte
	parser *jwt.Parser
	now    func() time.Time
}

// NewJWTVerifier creates a verifier for tokens signed with secret.
func NewJWTVerifier(secret []byte) *JWTVerifier {
	return &JWTVerifier{
		secret: secret,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithIssuer(TokenIssuer),
			jwt.WithExpirationRequired(),
		),
		now: time.Now,
	}
}

// Verify checks the signature, issuer, and expiry, and returns the grant.
// A token without a perms claim gets DefaultPermissions.
func (v *JWTVerifier) Verify(token string) (*Grant, error) {
	var claims callerClaims
	_, err := v.parser.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing sub", ErrInvalidToken)
	}
	if claims.RateLimit < 0 {
		return nil, fmt.Errorf("%w: negative rpm", ErrInvalidToken)
	}

	grant := &Grant{Subject: claims.Subject, RateLimit: claims.RateLimit}
	for _, p := range claims.Permissions {
		perm, err := ParsePermission(string(p))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
		}
		if !slices.Contains(grant.Permissions, perm) {
			grant.Permissions = append(grant.Permissions, perm)
		}
	}
	if len(grant.Permissions) == 0 {
		grant.Permissions = slices.Clone(DefaultPermissions)
	}
	return grant, nil
}

// Generate signs a token carrying g that expires after ttl.
func (v *JWTVerifier) Generate(g Grant, ttl time.Duration) (string, error) {
	if g.Subject == "" {
		return "", fmt.Errorf("%w: empty subject", ErrInvalidToken)
	}
	for _, p := range g.Permissions {
		if _, err := ParsePermission(string(p)); err != nil {
			return "", err
		}
	}

	now := v.now()
	claims := callerClaims{
		Permissions: g.Permissions,
		RateLimit:   g.RateLimit,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    TokenIssuer,
			Subject:   g.Subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
