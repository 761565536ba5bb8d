package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var issuedAt = time.Unix(1700000000, 0).UTC()

func newTestIssuer(testContext *testing.T, secret string, clock func() time.Time) *TokenIssuer {
	testContext.Helper()

	issuer, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte(secret),
		Issuer:        "survey-dispatch",
		Audience:      "survey-webhooks",
		TokenTTL:      time.Hour,
		Clock:         clock,
	})
	if err != nil {
		testContext.Fatalf("unexpected constructor error: %v", err)
	}
	return issuer
}

func TestTokenIssuerIssuesGatewayTokens(testContext *testing.T) {
	issuer := newTestIssuer(testContext, "super-secret", func() time.Time { return issuedAt })

	tokenString, expiresIn, err := issuer.IssueGatewayToken(context.Background(), "africastalking")
	if err != nil {
		testContext.Fatalf("expected successful issuance: %v", err)
	}
	if expiresIn != int64(time.Hour.Seconds()) {
		testContext.Fatalf("expected one hour expiry, got %d", expiresIn)
	}

	parser := jwt.NewParser(jwt.WithTimeFunc(func() time.Time { return issuedAt }))
	claims := &jwt.RegisteredClaims{}
	if _, err := parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte("super-secret"), nil
	}); err != nil {
		testContext.Fatalf("failed to parse generated token: %v", err)
	}
	if claims.Subject != "africastalking" || claims.Issuer != "survey-dispatch" {
		testContext.Fatalf("unexpected claims %+v", claims)
	}
	if len(claims.Audience) == 0 || claims.Audience[0] != "survey-webhooks" {
		testContext.Fatalf("unexpected audience %#v", claims.Audience)
	}

	if _, _, err := issuer.IssueGatewayToken(context.Background(), " "); err == nil {
		testContext.Fatalf("expected error for missing subject")
	}
}

func TestTokenIssuerValidatesIssuedTokens(testContext *testing.T) {
	now := issuedAt
	clock := func() time.Time { return now }
	issuer := newTestIssuer(testContext, "another-secret", clock)

	tokenString, _, err := issuer.IssueGatewayToken(context.Background(), "gateway-1")
	if err != nil {
		testContext.Fatalf("unexpected error issuing token: %v", err)
	}
	subject, err := issuer.ValidateToken(tokenString)
	if err != nil {
		testContext.Fatalf("expected validation success: %v", err)
	}
	if subject != "gateway-1" {
		testContext.Fatalf("unexpected subject %s", subject)
	}

	if _, err := issuer.ValidateToken("invalid.token"); err == nil {
		testContext.Fatalf("expected validation to fail for malformed token")
	}

	other := newTestIssuer(testContext, "different-secret", clock)
	if _, err := other.ValidateToken(tokenString); err == nil {
		testContext.Fatalf("expected validation to fail for a foreign signature")
	}

	now = issuedAt.Add(2 * time.Hour)
	if _, err := issuer.ValidateToken(tokenString); !errors.Is(err, ErrExpiredToken) {
		testContext.Fatalf("expected ErrExpiredToken, got %v", err)
	}
}

func TestNewTokenIssuerValidatesConfiguration(testContext *testing.T) {
	testCases := []struct {
		name   string
		config TokenIssuerConfig
	}{
		{name: "missing secret", config: TokenIssuerConfig{Issuer: "a", Audience: "b"}},
		{name: "missing issuer", config: TokenIssuerConfig{SigningSecret: []byte("s"), Audience: "b"}},
		{name: "blank audience", config: TokenIssuerConfig{SigningSecret: []byte("s"), Issuer: "a", Audience: " "}},
		{name: "negative ttl", config: TokenIssuerConfig{SigningSecret: []byte("s"), Issuer: "a", Audience: "b", TokenTTL: -time.Minute}},
	}
	for _, testCase := range testCases {
		testContext.Run(testCase.name, func(t *testing.T) {
			if _, err := NewTokenIssuer(testCase.config); err == nil {
				t.Fatalf("expected constructor error")
			}
		})
	}
}
