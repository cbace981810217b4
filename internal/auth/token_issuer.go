package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/polychat/internal/apperr"
	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultTokenTTL = time.Hour
)

var (
	errMissingSigningSecret = errors.New("signing secret must be provided")
	errMissingIssuer        = errors.New("issuer must be provided")
	errMissingSubjectClaim  = errors.New("subject claim must be provided")
)

// Principal is the identity carried by a credential.
type Principal struct {
	UserID string
	Email  string
}

// CredentialClaims is the signed payload of a session credential.
type CredentialClaims struct {
	UserID string `json:"id"`
	Email  string `json:"email"`
	jwt.RegisteredClaims
}

// TokenIssuerConfig configures the credential issuer.
type TokenIssuerConfig struct {
	SigningSecret []byte
	Issuer        string
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// TokenIssuer issues, verifies and renews short-lived HS256 credentials.
// It holds no state beyond the signing secret.
type TokenIssuer struct {
	signingSecret []byte
	issuer        string
	ttl           time.Duration
	clock         func() time.Time
}

// NewTokenIssuer validates the configuration and constructs a TokenIssuer.
func NewTokenIssuer(cfg TokenIssuerConfig) (*TokenIssuer, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, errMissingSigningSecret
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		return nil, errMissingIssuer
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &TokenIssuer{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		ttl:           ttl,
		clock:         clock,
	}, nil
}

// TTL reports the lifetime of issued credentials.
func (i *TokenIssuer) TTL() time.Duration {
	return i.ttl
}

// Issue signs a fresh credential for the principal and returns it with its expiry.
func (i *TokenIssuer) Issue(principal Principal) (string, time.Time, error) {
	if strings.TrimSpace(principal.UserID) == "" {
		return "", time.Time{}, errMissingSubjectClaim
	}

	now := i.clock().UTC()
	expiresAt := now.Add(i.ttl)

	claims := CredentialClaims{
		UserID: principal.UserID,
		Email:  principal.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   principal.UserID,
			Issuer:    i.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.signingSecret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// Verify checks signature, issuer and expiry. Absent or malformed credentials
// fail with apperr.ErrUnauthenticated, stale ones with apperr.ErrExpired.
func (i *TokenIssuer) Verify(tokenString string) (Principal, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return Principal{}, fmt.Errorf("%w: credential missing", apperr.ErrUnauthenticated)
	}

	claims := &CredentialClaims{}
	parsed, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (interface{}, error) {
			return i.signingSecret, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(i.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.clock),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Principal{}, fmt.Errorf("%w: %v", apperr.ErrExpired, err)
		}
		return Principal{}, fmt.Errorf("%w: %v", apperr.ErrUnauthenticated, err)
	}
	if parsed == nil || !parsed.Valid {
		return Principal{}, apperr.ErrUnauthenticated
	}
	subject := strings.TrimSpace(claims.Subject)
	if subject == "" || subject != strings.TrimSpace(claims.UserID) {
		return Principal{}, fmt.Errorf("%w: %v", apperr.ErrUnauthenticated, errMissingSubjectClaim)
	}
	return Principal{UserID: subject, Email: claims.Email}, nil
}

// Renew re-issues a credential for the subject of a currently valid one.
func (i *TokenIssuer) Renew(tokenString string) (string, time.Time, error) {
	principal, err := i.Verify(tokenString)
	if err != nil {
		return "", time.Time{}, err
	}
	return i.Issue(principal)
}

// ExpiryOf reads the expiry claim without verifying the signature. Clients use
// it to decide when to renew; it never grants access.
func ExpiryOf(tokenString string) (time.Time, error) {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, claims); err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", apperr.ErrUnauthenticated, err)
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, fmt.Errorf("%w: expiry claim missing", apperr.ErrUnauthenticated)
	}
	return claims.ExpiresAt.Time, nil
}
