// ABOUTME: Unit tests for JWT bearer tokens and the grants they carry
// ABOUTME: Covers permission and rate limit claims, issuer checks, and expiry

package auth

import (
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var testSecret = []byte("test-secret-key-for-jwt-signing")

func TestJWTVerifier_GrantRoundTrip(t *testing.T) {
	v := NewJWTVerifier(testSecret)

	tests := []struct {
		name      string
		grant     Grant
		wantPerms []Permission
	}{
		{
			name:      "no perms claim gets defaults",
			grant:     Grant{Subject: "ci-bot"},
			wantPerms: DefaultPermissions,
		},
		{
			name:      "read only",
			grant:     Grant{Subject: "dashboard", Permissions: []Permission{PermissionRead}},
			wantPerms: []Permission{PermissionRead},
		},
		{
			name:      "admin with limit",
			grant:     Grant{Subject: "ops", Permissions: []Permission{PermissionAdmin, PermissionRead}, RateLimit: 30},
			wantPerms: []Permission{PermissionAdmin, PermissionRead},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token, err := v.Generate(tt.grant, time.Hour)
			if err != nil {
				t.Fatalf("Generate() error = %v", err)
			}
			got, err := v.Verify(token)
			if err != nil {
				t.Fatalf("Verify() error = %v", err)
			}
			if got.Subject != tt.grant.Subject {
				t.Errorf("Subject = %q, want %q", got.Subject, tt.grant.Subject)
			}
			if !slices.Equal(got.Permissions, tt.wantPerms) {
				t.Errorf("Permissions = %v, want %v", got.Permissions, tt.wantPerms)
			}
			if got.RateLimit != tt.grant.RateLimit {
				t.Errorf("RateLimit = %d, want %d", got.RateLimit, tt.grant.RateLimit)
			}
		})
	}
}

func TestJWTVerifier_Generate_Rejects(t *testing.T) {
	v := NewJWTVerifier(testSecret)

	if _, err := v.Generate(Grant{}, time.Hour); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Generate(no subject) error = %v, want ErrInvalidToken", err)
	}
	if _, err := v.Generate(Grant{Subject: "x", Permissions: []Permission{"root"}}, time.Hour); err == nil {
		t.Error("Generate(unknown permission) should fail")
	}
}

// signed builds a token with arbitrary claims, bypassing Generate's checks.
func signed(t *testing.T, secret []byte, method jwt.SigningMethod, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(method, claims).SignedString(secret)
	if err != nil {
		t.Fatalf("signing: %v", err)
	}
	return token
}

func TestJWTVerifier_InvalidToken(t *testing.T) {
	v := NewJWTVerifier(testSecret)
	exp := time.Now().Add(time.Hour).Unix()

	other, err := NewJWTVerifier([]byte("different-secret")).Generate(Grant{Subject: "ci-bot"}, time.Hour)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"garbage", "not-a-jwt-token"},
		{"wrong secret", other},
		{"foreign issuer", signed(t, testSecret, jwt.SigningMethodHS256, jwt.MapClaims{"iss": "someone-else", "sub": "x", "exp": exp})},
		{"no expiry", signed(t, testSecret, jwt.SigningMethodHS256, jwt.MapClaims{"iss": TokenIssuer, "sub": "x"})},
		{"no subject", signed(t, testSecret, jwt.SigningMethodHS256, jwt.MapClaims{"iss": TokenIssuer, "exp": exp})},
		{"unknown permission", signed(t, testSecret, jwt.SigningMethodHS256, jwt.MapClaims{"iss": TokenIssuer, "sub": "x", "exp": exp, "perms": []string{"root"}})},
		{"negative rpm", signed(t, testSecret, jwt.SigningMethodHS256, jwt.MapClaims{"iss": TokenIssuer, "sub": "x", "exp": exp, "rpm": -5})},
		{"HS512", signed(t, testSecret, jwt.SigningMethodHS512, jwt.MapClaims{"iss": TokenIssuer, "sub": "x", "exp": exp})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := v.Verify(tt.token); !errors.Is(err, ErrInvalidToken) {
				t.Errorf("Verify() error = %v, want ErrInvalidToken", err)
			}
		})
	}
}

func TestJWTVerifier_ExpiredToken(t *testing.T) {
	v := NewJWTVerifier(testSecret)

	token, err := v.Generate(Grant{Subject: "ci-bot"}, -time.Hour)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if _, err := v.Verify(token); !errors.Is(err, ErrExpiredToken) {
		t.Errorf("Verify() error = %v, want ErrExpiredToken", err)
	}
}
