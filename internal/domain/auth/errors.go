package auth

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for expected failure paths. Services return these (wrapped
// with context) instead of panicking or using generic errors; the HTTP layer
// maps them to status codes with errors.Is/As.
var (
	// ErrAuthentication covers missing, invalid, or expired credentials and
	// sessions. Always rendered as 401. The message is deliberately uniform
	// so callers cannot distinguish "wrong password" from "no such account".
	ErrAuthentication = errors.New("authentication failed")

	// ErrAuthorization covers a valid identity with insufficient permission,
	// role, or verification state. Always rendered as 403.
	ErrAuthorization = errors.New("not authorized")

	// ErrTwoFactorRequired indicates an elevated action needs a second-factor
	// check on the current session. Rendered as 403.
	ErrTwoFactorRequired = errors.New("two-factor verification required")

	// ErrEmailNotVerified indicates the identity must verify its email before
	// the action is allowed. Rendered as 403.
	ErrEmailNotVerified = errors.New("email verification required")

	// ErrValidation covers malformed input to a service call. Rendered as 400.
	ErrValidation = errors.New("invalid input")
)

// LockoutError reports an active account lockout. It unwraps to
// ErrAuthentication so generic handling still treats it as a credential
// failure, while the login flow can surface the remaining duration.
type LockoutError struct {
	Until time.Time
}

func (e *LockoutError) Error() string {
	return "account temporarily locked"
}

func (e *LockoutError) Unwrap() error { return ErrAuthentication }

// Remaining returns the lockout time left at now, floored at zero.
func (e *LockoutError) Remaining(now time.Time) time.Duration {
	if d := e.Until.Sub(now); d > 0 {
		return d
	}
	return 0
}

// RateLimitError reports an exhausted fixed window. Rendered as 429 with
// Retry-After and X-RateLimit-* headers.
type RateLimitError struct {
	Limit     int
	Remaining int
	ResetAt   time.Time
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit of %d exceeded", e.Limit)
}

// ResetIn returns the seconds until the window resets at now, floored at zero.
func (e *RateLimitError) ResetIn(now time.Time) time.Duration {
	if d := e.ResetAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

// ReplayError marks presentation of a refresh token that was already rotated
// away or revoked. It unwraps to ErrAuthentication: callers see a uniform
// credential failure while the audit trail records the suspected theft.
type ReplayError struct {
	FamilyID string
}

func (e *ReplayError) Error() string {
	return "refresh token reuse detected"
}

func (e *ReplayError) Unwrap() error { return ErrAuthentication }
