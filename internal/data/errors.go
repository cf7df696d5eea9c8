package data

import "errors"

// Shared sentinel errors for data-layer repositories.
var (
	// ErrIdentityNotFound is returned when no identity matches the lookup.
	ErrIdentityNotFound = errors.New("identity not found")
	// ErrEmailExists is returned when creating an identity with a taken email.
	ErrEmailExists = errors.New("email already registered")

	// ErrTokenNotFound is returned when no refresh token matches the lookup.
	ErrTokenNotFound = errors.New("refresh token not found")
	// ErrTokenConflict is returned when a rotation loses the conditional
	// update, meaning the presented token was already rotated or revoked.
	ErrTokenConflict = errors.New("refresh token already rotated or revoked")

	// ErrNoTwoFactorSecret is returned when an identity has no TOTP secret.
	ErrNoTwoFactorSecret = errors.New("no two-factor secret enrolled")
)
