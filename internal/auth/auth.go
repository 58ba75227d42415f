// Package auth mints and verifies the HS256 bearer tokens used by the
// service: session credentials handed out after a magic link is consumed,
// and operator/admin credentials presented to protected endpoints.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"yardlink.org/internal/magiclink"
)

const (
	DefaultIssuer     = "yardlink"
	DefaultSessionTTL = 12 * time.Hour

	// MinSecretLength is the shortest accepted HMAC key.
	MinSecretLength = 32
)

// Roles.
const (
	RoleEmployee = "employee"
	RoleOperator = "operator"
	RoleAdmin    = "admin"
)

// ErrInvalidToken indicates the token failed validation.
var ErrInvalidToken = errors.New("auth: invalid token")

// Claims represents JWT claims used across the service.
type Claims struct {
	Roles   []string `json:"roles"`
	YardID  string   `json:"yard_id,omitempty"`
	TokenID string   `json:"link_id,omitempty"`
	jwt.RegisteredClaims
}

// HasRole reports whether the claims carry role.
func (c *Claims) HasRole(role string) bool {
	role = strings.TrimSpace(strings.ToLower(role))
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Tokens signs and verifies bearer tokens with a shared secret.
type Tokens struct {
	secret []byte
	issuer string
	now    func() time.Time
	skew   time.Duration
}

// Option customises Tokens.
type Option func(*Tokens)

func WithIssuer(issuer string) Option {
	return func(t *Tokens) {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			t.issuer = issuer
		}
	}
}

func WithClock(fn func() time.Time) Option {
	return func(t *Tokens) {
		if fn != nil {
			t.now = fn
		}
	}
}

// NewTokens returns a signer for secret, which must be at least
// MinSecretLength bytes.
func NewTokens(secret []byte, opts ...Option) (*Tokens, error) {
	if len(secret) < MinSecretLength {
		return nil, fmt.Errorf("auth: secret must be at least %d bytes", MinSecretLength)
	}
	t := &Tokens{
		secret: append([]byte(nil), secret...),
		issuer: DefaultIssuer,
		now:    time.Now,
		skew:   5 * time.Second,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Generate signs a token for subject.
func (t *Tokens) Generate(subject string, roles []string, yardID string, ttl time.Duration) (string, time.Time, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "", time.Time{}, errors.New("auth: subject is required")
	}
	if ttl <= 0 {
		return "", time.Time{}, errors.New("auth: ttl must be greater than zero")
	}
	return t.sign(Claims{Roles: dedupeRoles(roles), YardID: strings.TrimSpace(yardID)}, subject, ttl)
}

func (t *Tokens) sign(claims Claims, subject string, ttl time.Duration) (string, time.Time, error) {
	now := t.now().UTC()
	expiresAt := now.Add(ttl)
	claims.RegisteredClaims = jwt.RegisteredClaims{
		Issuer:    t.issuer,
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
		ID:        uuid.NewString(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// ParseAndValidate verifies the token signature and required claims.
func (t *Tokens) ParseAndValidate(raw string) (*Claims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrInvalidToken
	}
	parsed, err := jwt.ParseWithClaims(raw, &Claims{}, func(tok *jwt.Token) (any, error) {
		if tok.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidToken
		}
		return t.secret, nil
	},
		jwt.WithIssuer(t.issuer),
		jwt.WithTimeFunc(t.now),
		jwt.WithLeeway(t.skew),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	)
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrInvalidToken
	}
	claims.Roles = dedupeRoles(claims.Roles)
	return claims, nil
}

// Session is the credential returned after a magic link is consumed.
type Session struct {
	Token     string
	ExpiresAt time.Time
}

// Minter turns a consumed magic link into a session credential.
type Minter struct {
	tokens *Tokens
	ttl    time.Duration
}

func NewMinter(tokens *Tokens, ttl time.Duration) *Minter {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &Minter{tokens: tokens, ttl: ttl}
}

// Mint signs an employee session for id.
func (m *Minter) Mint(_ context.Context, id magiclink.Identity) (Session, error) {
	if strings.TrimSpace(id.EmployeeID) == "" {
		return Session{}, errors.New("auth: identity without employee")
	}
	raw, exp, err := m.tokens.sign(Claims{Roles: []string{RoleEmployee}, TokenID: id.TokenID}, id.EmployeeID, m.ttl)
	if err != nil {
		return Session{}, err
	}
	return Session{Token: raw, ExpiresAt: exp}, nil
}

func dedupeRoles(roles []string) []string {
	if len(roles) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(roles))
	var normalized []string
	for _, role := range roles {
		role = strings.TrimSpace(strings.ToLower(role))
		if role == "" {
			continue
		}
		if _, ok := seen[role]; ok {
			continue
		}
		seen[role] = struct{}{}
		normalized = append(normalized, role)
	}
	return normalized
}
