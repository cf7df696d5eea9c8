package auth

// Package auth contains domain-level types for authentication and sessions.
// It is pure and free of framework/adapter concerns.

import "time"

// IdentityStatus represents the lifecycle state of an identity.
type IdentityStatus string

const (
	StatusActive   IdentityStatus = "active"
	StatusLocked   IdentityStatus = "locked"
	StatusDisabled IdentityStatus = "disabled"
)

// Identity is the authenticated principal record.
// PasswordHash is opaque here; hashing and comparison are owned by the
// PasswordHasher port.
type Identity struct {
	ID                  string         `json:"id"`
	Email               string         `json:"email"`
	FirstName           string         `json:"first_name"`
	LastName            string         `json:"last_name"`
	Role                Role           `json:"role"`
	Status              IdentityStatus `json:"status"`
	PasswordHash        string         `json:"-"`
	TwoFactorEnabled    bool           `json:"two_factor_enabled"`
	FailedLoginAttempts int            `json:"failed_login_attempts"`
	LockedUntil         *time.Time     `json:"locked_until,omitempty"`
	EmailVerifiedAt     *time.Time     `json:"email_verified_at,omitempty"`
	CreatedAt           time.Time      `json:"created_at"`
	UpdatedAt           time.Time      `json:"updated_at"`
}

// IsLocked reports whether the identity has an active lockout at the given time.
// The persisted LockedUntil field is authoritative; attempt counters are not.
func (i Identity) IsLocked(now time.Time) bool {
	return i.LockedUntil != nil && i.LockedUntil.After(now)
}

// DeviceContext is descriptive metadata parsed once from the request at
// session creation. It is stored denormalized for display and is never an
// input to authorization decisions.
type DeviceContext struct {
	UserAgent   string `json:"user_agent"`
	IPAddress   string `json:"ip_address"`
	Browser     string `json:"browser"`
	OS          string `json:"os"`
	DeviceClass string `json:"device_class"`
	Fingerprint string `json:"fingerprint"`
}

// Session is the server-side record we persist for an authenticated user.
// ID is an opaque session identifier (random URL-safe string).
type Session struct {
	ID                  string        `json:"id"`
	IdentityID          string        `json:"identity_id"`
	Email               string        `json:"email"`
	Role                Role          `json:"role"`
	Device              DeviceContext `json:"device"`
	CreatedAt           time.Time     `json:"created_at"`
	ExpiresAt           time.Time     `json:"expires_at"`
	LastActiveAt        time.Time     `json:"last_active_at"`
	TwoFactorVerifiedAt *time.Time    `json:"two_factor_verified_at,omitempty"`
}

// Expired reports whether the session has passed its expiry at the given time.
func (s Session) Expired(now time.Time) bool { return !s.ExpiresAt.After(now) }

// Elevated reports whether the session has passed a second-factor check that
// is still recent enough for the given re-verification interval. A zero
// interval means verification holds for the lifetime of the session.
func (s Session) Elevated(now time.Time, reverifyEvery time.Duration) bool {
	if s.TwoFactorVerifiedAt == nil {
		return false
	}
	if reverifyEvery <= 0 {
		return true
	}
	return now.Sub(*s.TwoFactorVerifiedAt) < reverifyEvery
}

// Activity is one recorded touch of a session, kept for the suspicious
// activity heuristic and the active-sessions view.
type Activity struct {
	At        time.Time `json:"at"`
	IPAddress string    `json:"ip_address"`
}

// RefreshToken is one link in a rotation family. The raw secret is never
// stored; TokenHash is a one-way digest of it.
type RefreshToken struct {
	ID            string     `json:"id"`
	SessionID     string     `json:"session_id"`
	IdentityID    string     `json:"identity_id"`
	TokenHash     string     `json:"-"`
	FamilyID      string     `json:"family_id"`
	RotatedFromID *string    `json:"rotated_from_id,omitempty"`
	Revoked       bool       `json:"revoked"`
	CreatedAt     time.Time  `json:"created_at"`
	ExpiresAt     time.Time  `json:"expires_at"`
	RevokedAt     *time.Time `json:"revoked_at,omitempty"`
}

// Expired reports whether the token has passed its expiry at the given time.
func (t RefreshToken) Expired(now time.Time) bool { return !t.ExpiresAt.After(now) }
