package token

// Package token mints and validates the short-lived access tokens issued at
// login and refresh. Tokens are HS256 JWTs; the session referenced by the
// sid claim remains the source of truth for revocation.

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	domainauth "github.com/casetrail/tcm-ui-api/internal/domain/auth"
	"github.com/casetrail/tcm-ui-api/internal/ports"
)

const issuer = "casetrail"

// ErrInvalidToken is returned for tokens that fail signature, issuer or
// expiry validation.
var ErrInvalidToken = errors.New("invalid access token")

type accessClaims struct {
	SessionID string `json:"sid"`
	Email     string `json:"email"`
	Role      string `json:"role"`
	jwt.RegisteredClaims
}

// JWTSigner signs and validates access tokens with a shared HMAC secret.
type JWTSigner struct {
	secret []byte
	now    func() time.Time
}

// NewJWTSigner creates a signer. The secret must be non-empty.
func NewJWTSigner(secret []byte) (*JWTSigner, error) {
	if len(secret) == 0 {
		return nil, errors.New("token signer requires a non-empty secret")
	}
	return &JWTSigner{secret: secret, now: time.Now}, nil
}

// NewJWTSignerWithClock creates a signer with an injectable clock for tests.
func NewJWTSignerWithClock(secret []byte, now func() time.Time) (*JWTSigner, error) {
	s, err := NewJWTSigner(secret)
	if err != nil {
		return nil, err
	}
	s.now = now
	return s, nil
}

func (s *JWTSigner) Sign(claims ports.AccessClaims) (string, error) {
	if claims.IdentityID == "" || claims.SessionID == "" {
		return "", errors.New("access claims require identity and session ids")
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, accessClaims{
		SessionID: claims.SessionID,
		Email:     claims.Email,
		Role:      string(claims.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   claims.IdentityID,
			IssuedAt:  jwt.NewNumericDate(claims.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(claims.ExpiresAt),
		},
	})

	signed, err := tok.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign access token: %w", err)
	}
	return signed, nil
}

func (s *JWTSigner) ParseAndValidate(token string) (ports.AccessClaims, error) {
	var claims accessClaims
	parsed, err := jwt.ParseWithClaims(token, &claims,
		func(t *jwt.Token) (interface{}, error) { return s.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return ports.AccessClaims{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return ports.AccessClaims{}, ErrInvalidToken
	}

	out := ports.AccessClaims{
		IdentityID: claims.Subject,
		SessionID:  claims.SessionID,
		Email:      claims.Email,
		Role:       domainauth.Role(claims.Role),
	}
	if claims.IssuedAt != nil {
		out.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		out.ExpiresAt = claims.ExpiresAt.Time
	}
	return out, nil
}
