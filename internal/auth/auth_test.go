package auth

import (
	"context"
	"errors"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"yardlink.org/internal/magiclink"
)

var testSecret = []byte(strings.Repeat("k", MinSecretLength))

func TestNewTokensRejectsShortSecret(t *testing.T) {
	if _, err := NewTokens([]byte("short")); err == nil {
		t.Fatalf("expected error for short secret")
	}
}

func TestGenerateAndValidate(t *testing.T) {
	tokens, err := NewTokens(testSecret, WithIssuer("test-issuer"))
	if err != nil {
		t.Fatalf("NewTokens: %v", err)
	}

	raw, expiresAt, err := tokens.Generate("op-42", []string{"Operator", "admin", "operator"}, "yard-7", 30*time.Minute)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if time.Until(expiresAt) <= 0 {
		t.Fatalf("expected future expiration, got %v", expiresAt)
	}

	claims, err := tokens.ParseAndValidate(raw)
	if err != nil {
		t.Fatalf("ParseAndValidate: %v", err)
	}
	if claims.Subject != "op-42" || claims.Issuer != "test-issuer" || claims.YardID != "yard-7" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if len(claims.Roles) != 2 || !slices.Contains(claims.Roles, "operator") || !slices.Contains(claims.Roles, "admin") {
		t.Fatalf("roles were not normalized: %v", claims.Roles)
	}
}

func TestParseRejects(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	tokens, _ := NewTokens(testSecret, WithClock(func() time.Time { return now }))
	raw, _, err := tokens.Generate("op-1", []string{RoleOperator}, "", time.Minute)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	later, _ := NewTokens(testSecret, WithClock(func() time.Time { return now.Add(2 * time.Minute) }))
	if _, err := later.ParseAndValidate(raw); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expired token accepted: %v", err)
	}

	other, _ := NewTokens([]byte(strings.Repeat("x", MinSecretLength)), WithClock(func() time.Time { return now }))
	if _, err := other.ParseAndValidate(raw); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("token with foreign signature accepted: %v", err)
	}

	foreignIssuer, _ := NewTokens(testSecret, WithIssuer("someone-else"), WithClock(func() time.Time { return now }))
	if _, err := foreignIssuer.ParseAndValidate(raw); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("token with foreign issuer accepted: %v", err)
	}

	none := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{RegisteredClaims: jwt.RegisteredClaims{
		Issuer: DefaultIssuer, Subject: "op-1",
		IssuedAt: jwt.NewNumericDate(now), ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
	}})
	unsigned, _ := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if _, err := tokens.ParseAndValidate(unsigned); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("unsigned token accepted: %v", err)
	}

	if _, err := tokens.ParseAndValidate("  "); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("blank token accepted: %v", err)
	}
}

func TestMinterIssuesEmployeeSession(t *testing.T) {
	tokens, _ := NewTokens(testSecret)
	minter := NewMinter(tokens, time.Hour)

	sess, err := minter.Mint(context.Background(), magiclink.Identity{EmployeeID: "emp-1", TokenID: "tok-1"})
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	claims, err := tokens.ParseAndValidate(sess.Token)
	if err != nil {
		t.Fatalf("ParseAndValidate: %v", err)
	}
	if claims.Subject != "emp-1" || claims.TokenID != "tok-1" || !claims.HasRole(RoleEmployee) || claims.HasRole(RoleAdmin) {
		t.Fatalf("unexpected session claims: %+v", claims)
	}
	if d := time.Until(sess.ExpiresAt); d <= 59*time.Minute || d > time.Hour {
		t.Fatalf("unexpected session expiry: %v", sess.ExpiresAt)
	}

	if _, err := minter.Mint(context.Background(), magiclink.Identity{}); err == nil {
		t.Fatalf("expected error for empty identity")
	}
}

func TestContextHelpers(t *testing.T) {
	ctx := context.Background()
	if _, ok := ClaimsFromContext(ctx); ok {
		t.Fatalf("unexpected claims in empty context")
	}
	ctx = ContextWithClaims(ctx, &Claims{Roles: []string{RoleAdmin}})
	if !HasRole(ctx, "ADMIN") || HasRole(ctx, RoleOperator) {
		t.Fatalf("HasRole mismatch")
	}
}

func TestAuthorize(t *testing.T) {
	if err := Authorize(nil, RoleAdmin); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if err := Authorize(&Claims{Roles: []string{RoleOperator}}, RoleAdmin); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if err := Authorize(&Claims{Roles: []string{RoleOperator}}, RoleAdmin, RoleOperator); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
}

func TestBearerToken(t *testing.T) {
	req := httptest.NewRequest("GET", "/ws/operator?access_token=q", nil)
	if got := BearerToken(req); got != "q" {
		t.Fatalf("query fallback: %q", got)
	}
	req.Header.Set("Authorization", "Bearer h")
	if got := BearerToken(req); got != "h" {
		t.Fatalf("header: %q", got)
	}
}
