package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testKID = "test-key-1"

// newTestIssuer serves a JWKS for a fresh RSA key and returns the issuer URL
// and the signing key.
func newTestIssuer(t *testing.T) (string, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}

	jwks := map[string]any{
		"keys": []map[string]string{{
			"kty": "RSA",
			"kid": testKID,
			"use": "sig",
			"alg": "RS256",
			"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
		}},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/jwks.json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(jwks)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv.URL, key
}

func signClerkToken(t *testing.T, key *rsa.PrivateKey, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = testKID
	s, err := tok.SignedString(key)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func newTestClerk(t *testing.T) (*ClerkProvider, string, *rsa.PrivateKey) {
	t.Helper()
	issuer, key := newTestIssuer(t)
	p, err := NewClerkProvider(issuer + "/")
	if err != nil {
		t.Fatalf("NewClerkProvider: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })
	return p, issuer, key
}

func TestClerkValidateTokenRoles(t *testing.T) {
	p, issuer, key := newTestClerk(t)
	exp := time.Now().Add(time.Hour).Unix()

	tests := []struct {
		name     string
		role     any
		wantRole string
	}{
		{"service claim", "service", RoleService},
		{"no role claim", nil, RoleUser},
		{"other role", "admin", RoleUser},
		{"non-string role", 42, RoleUser},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims := jwt.MapClaims{"sub": "user_abc", "iss": issuer, "exp": exp}
			if tt.role != nil {
				claims["role"] = tt.role
			}
			id, err := p.ValidateToken(context.Background(), signClerkToken(t, key, claims))
			if err != nil {
				t.Fatalf("ValidateToken: %v", err)
			}
			if id.UserID != "user_abc" || id.Role != tt.wantRole {
				t.Fatalf("got %+v, want user_abc/%s", id, tt.wantRole)
			}
		})
	}
}

func TestClerkValidateTokenRejects(t *testing.T) {
	p, issuer, key := newTestClerk(t)
	exp := time.Now().Add(time.Hour).Unix()

	otherKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name  string
		token string
	}{
		{"wrong issuer", signClerkToken(t, key, jwt.MapClaims{"sub": "u", "iss": "https://evil.example.com", "exp": exp})},
		{"expired", signClerkToken(t, key, jwt.MapClaims{"sub": "u", "iss": issuer, "exp": time.Now().Add(-time.Hour).Unix()})},
		{"no expiry", signClerkToken(t, key, jwt.MapClaims{"sub": "u", "iss": issuer})},
		{"no subject", signClerkToken(t, key, jwt.MapClaims{"iss": issuer, "exp": exp, "role": "service"})},
		{"unknown key", signClerkToken(t, otherKey, jwt.MapClaims{"sub": "u", "iss": issuer, "exp": exp})},
		{"garbage", "not-a-jwt"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := p.ValidateToken(context.Background(), tt.token); !errors.Is(err, ErrUnauthorized) {
				t.Fatalf("expected ErrUnauthorized, got %v", err)
			}
		})
	}
}

func TestNewClerkProviderRequiresIssuer(t *testing.T) {
	if _, err := NewClerkProvider("  "); err == nil {
		t.Fatal("expected error for empty issuer")
	}
}
