// Package auth validates bearer tokens presented by callers of the credit and
// entitlement API.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/amurg-ai/entitle/hub/config"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrInvalidRole  = errors.New("invalid role")
)

// Roles.
const (
	RoleService = "service" // backend collaborators that spend credits on behalf of users
	RoleUser    = "user"    // end users reading their own entitlement
)

// Identity is the authenticated caller.
type Identity struct {
	UserID string
	Role   string
}

// IsService reports whether the caller may act on behalf of any user.
func (i *Identity) IsService() bool { return i != nil && i.Role == RoleService }

// Provider validates bearer tokens and returns identities.
type Provider interface {
	ValidateToken(ctx context.Context, token string) (*Identity, error)
	Name() string
	Close() error
}

// Claims represents the JWT claims of a builtin token. The subject is the user ID.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Service validates and issues HS256 tokens signed with the configured secret.
type Service struct {
	jwtSecret []byte
	jwtExpiry time.Duration
}

// NewService creates a builtin auth service.
func NewService(cfg config.AuthConfig) *Service {
	return &Service{
		jwtSecret: []byte(cfg.JWTSecret),
		jwtExpiry: cfg.JWTExpiry.Duration,
	}
}

func (s *Service) Name() string { return "builtin" }

func (s *Service) Close() error { return nil }

// ValidateToken implements Provider.
func (s *Service) ValidateToken(ctx context.Context, tokenStr string) (*Identity, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (any, error) {
		return s.jwtSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, ErrUnauthorized
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return nil, ErrUnauthorized
	}
	if claims.Role != RoleService && claims.Role != RoleUser {
		return nil, ErrUnauthorized
	}
	return &Identity{UserID: claims.Subject, Role: claims.Role}, nil
}

// IssueToken mints a token for subject with the given role. A zero ttl uses
// the configured expiry.
func (s *Service) IssueToken(subject, role string, ttl time.Duration) (string, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "", fmt.Errorf("subject is required")
	}
	if role != RoleService && role != RoleUser {
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	if ttl <= 0 {
		ttl = s.jwtExpiry
	}

	now := time.Now()
	claims := &Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.New().String(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}
