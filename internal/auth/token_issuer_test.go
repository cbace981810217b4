package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/polychat/internal/apperr"
	"github.com/golang-jwt/jwt/v5"
)

const (
	testSigningSecret = "super-secret"
	testIssuer        = "polychat-auth"
	testUserID        = "user-123"
	testUserEmail     = "user@example.com"
)

func newTestIssuer(t *testing.T, clock func() time.Time) *TokenIssuer {
	t.Helper()
	issuer, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
		TokenTTL:      time.Hour,
		Clock:         clock,
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	return issuer
}

func TestTokenIssuerIssuesSignedCredentials(t *testing.T) {
	clockNow := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	issuer := newTestIssuer(t, func() time.Time { return clockNow })

	tokenString, expiresAt, err := issuer.Issue(Principal{UserID: testUserID, Email: testUserEmail})
	if err != nil {
		t.Fatalf("expected successful issuance: %v", err)
	}
	if !expiresAt.Equal(clockNow.Add(time.Hour)) {
		t.Fatalf("unexpected expiry %s", expiresAt)
	}

	claims := &CredentialClaims{}
	parser := jwt.NewParser(jwt.WithTimeFunc(func() time.Time { return clockNow }))
	_, err = parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte(testSigningSecret), nil
	})
	if err != nil {
		t.Fatalf("failed to parse generated token: %v", err)
	}
	if claims.UserID != testUserID || claims.Subject != testUserID {
		t.Fatalf("unexpected subject claims %q / %q", claims.UserID, claims.Subject)
	}
	if claims.Email != testUserEmail {
		t.Fatalf("unexpected email %q", claims.Email)
	}
	if claims.Issuer != testIssuer {
		t.Fatalf("unexpected issuer %s", claims.Issuer)
	}
}

func TestTokenIssuerRejectsMissingSecret(t *testing.T) {
	_, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: nil,
		Issuer:        testIssuer,
	})
	if err == nil {
		t.Fatalf("expected constructor error for missing secret")
	}
}

func TestNewTokenIssuerRequiresIssuer(t *testing.T) {
	_, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("secret"),
		Issuer:        " ",
	})
	if err == nil {
		t.Fatalf("expected error for missing issuer")
	}
}

func TestNewTokenIssuerDefaultsTTLToOneHour(t *testing.T) {
	issuer, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("secret"),
		Issuer:        testIssuer,
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	if issuer.TTL() != time.Hour {
		t.Fatalf("expected default ttl of one hour, got %s", issuer.TTL())
	}
}

func TestTokenIssuerVerifiesIssuedCredentials(t *testing.T) {
	issuer := newTestIssuer(t, nil)

	tokenString, _, err := issuer.Issue(Principal{UserID: "user-321", Email: testUserEmail})
	if err != nil {
		t.Fatalf("unexpected error issuing token: %v", err)
	}

	principal, err := issuer.Verify(tokenString)
	if err != nil {
		t.Fatalf("expected verification success: %v", err)
	}
	if principal.UserID != "user-321" || principal.Email != testUserEmail {
		t.Fatalf("unexpected principal %#v", principal)
	}
}

func TestTokenIssuerVerifyClassifiesFailures(t *testing.T) {
	clockNow := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	issuer := newTestIssuer(t, func() time.Time { return clockNow })

	foreign, err := NewTokenIssuer(TokenIssuerConfig{SigningSecret: []byte("other-secret"), Issuer: testIssuer})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	forged, _, err := foreign.Issue(Principal{UserID: testUserID})
	if err != nil {
		t.Fatalf("unexpected issue error: %v", err)
	}

	testCases := []struct {
		name  string
		token string
		want  error
	}{
		{"missing", "", apperr.ErrUnauthenticated},
		{"malformed", "invalid.token", apperr.ErrUnauthenticated},
		{"bad signature", forged, apperr.ErrUnauthenticated},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			_, err := issuer.Verify(testCase.token)
			if !errors.Is(err, testCase.want) {
				t.Fatalf("expected %v, got %v", testCase.want, err)
			}
			if errors.Is(err, apperr.ErrForbidden) {
				t.Fatalf("verification must never report forbidden")
			}
		})
	}
}

func TestTokenIssuerVerifyRejectsExpiredCredential(t *testing.T) {
	issuedAt := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	now := issuedAt
	issuer := newTestIssuer(t, func() time.Time { return now })

	tokenString, _, err := issuer.Issue(Principal{UserID: testUserID})
	if err != nil {
		t.Fatalf("unexpected issue error: %v", err)
	}

	now = issuedAt.Add(61 * time.Minute)
	if _, err := issuer.Verify(tokenString); !errors.Is(err, apperr.ErrExpired) {
		t.Fatalf("expected expired error, got %v", err)
	}
}

func TestTokenIssuerRenewExtendsWindow(t *testing.T) {
	issuedAt := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	now := issuedAt
	issuer := newTestIssuer(t, func() time.Time { return now })

	original, firstExpiry, err := issuer.Issue(Principal{UserID: testUserID, Email: testUserEmail})
	if err != nil {
		t.Fatalf("unexpected issue error: %v", err)
	}

	now = issuedAt.Add(56 * time.Minute)
	renewed, renewedExpiry, err := issuer.Renew(original)
	if err != nil {
		t.Fatalf("unexpected renew error: %v", err)
	}
	if !renewedExpiry.After(firstExpiry) {
		t.Fatalf("expected renewed expiry %s after %s", renewedExpiry, firstExpiry)
	}
	principal, err := issuer.Verify(renewed)
	if err != nil {
		t.Fatalf("renewed credential failed verification: %v", err)
	}
	if principal.UserID != testUserID || principal.Email != testUserEmail {
		t.Fatalf("renewal changed the subject: %#v", principal)
	}
}

func TestTokenIssuerRenewRejectsExpiredCredential(t *testing.T) {
	issuedAt := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	now := issuedAt
	issuer := newTestIssuer(t, func() time.Time { return now })

	original, _, err := issuer.Issue(Principal{UserID: testUserID})
	if err != nil {
		t.Fatalf("unexpected issue error: %v", err)
	}

	now = issuedAt.Add(2 * time.Hour)
	if _, _, err := issuer.Renew(original); !errors.Is(err, apperr.ErrExpired) {
		t.Fatalf("expected expired error on renew, got %v", err)
	}
}

func TestExpiryOfReadsUnverifiedClaim(t *testing.T) {
	clockNow := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	issuer := newTestIssuer(t, func() time.Time { return clockNow })

	tokenString, expiresAt, err := issuer.Issue(Principal{UserID: testUserID})
	if err != nil {
		t.Fatalf("unexpected issue error: %v", err)
	}
	got, err := ExpiryOf(tokenString)
	if err != nil {
		t.Fatalf("unexpected expiry error: %v", err)
	}
	if !got.Equal(expiresAt) {
		t.Fatalf("expected %s, got %s", expiresAt, got)
	}
	if _, err := ExpiryOf("garbage"); !errors.Is(err, apperr.ErrUnauthenticated) {
		t.Fatalf("expected unauthenticated for garbage token, got %v", err)
	}
}
