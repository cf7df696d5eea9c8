package ports

// Package ports defines interfaces (hexagonal ports) for auth-related behavior.
// Implementations live in internal/adapters and internal/data; orchestration
// in internal/service.

import (
	"context"
	"time"

	domainauth "github.com/casetrail/tcm-ui-api/internal/domain/auth"
)

// IdentityStore persists identity records. Lockout fields are mutated only
// through the dedicated methods so request handlers cannot touch them.
type IdentityStore interface {
	GetByID(ctx context.Context, id string) (domainauth.Identity, error)
	GetByEmail(ctx context.Context, email string) (domainauth.Identity, error)

	// SetLockout persists lockedUntil on the identity. A nil until clears it.
	SetLockout(ctx context.Context, id string, until *time.Time) error

	// SetFailedAttempts mirrors the ephemeral counter onto the identity row
	// for operator visibility. Not authoritative for lockout decisions.
	SetFailedAttempts(ctx context.Context, id string, attempts int) error

	// SetTwoFactorEnabled flips 2FA enrollment state.
	SetTwoFactorEnabled(ctx context.Context, id string, enabled bool) error

	// SetPasswordHash replaces the stored credential hash (password reset).
	SetPasswordHash(ctx context.Context, id, hash string) error

	// SetEmailVerified stamps the email verification time.
	SetEmailVerified(ctx context.Context, id string, at time.Time) error
}

// SessionStore persists and retrieves user sessions, the per-identity session
// index, and the bounded activity trail used by the suspicious-activity
// heuristic.
type SessionStore interface {
	Save(ctx context.Context, sess domainauth.Session) error
	Get(ctx context.Context, id string) (domainauth.Session, error)
	Delete(ctx context.Context, id string) error

	// ListByIdentity returns the live sessions for an identity.
	ListByIdentity(ctx context.Context, identityID string) ([]domainauth.Session, error)

	// AppendActivity records a touch, keeping at most limit recent entries.
	AppendActivity(ctx context.Context, sessionID string, activity domainauth.Activity, limit int) error

	// RecentActivity returns up to limit activities, newest first.
	RecentActivity(ctx context.Context, sessionID string, limit int) ([]domainauth.Activity, error)
}

// RefreshTokenStore persists rotation families. Rotate must be a single
// conditional update: it succeeds only if the presented token is still the
// current unrevoked token of its family, so two concurrent refreshes cannot
// both win.
type RefreshTokenStore interface {
	Create(ctx context.Context, token domainauth.RefreshToken) error
	GetByHash(ctx context.Context, tokenHash string) (domainauth.RefreshToken, error)

	// Rotate atomically revokes the token with oldID (iff still unrevoked)
	// and inserts successor in the same family. Returns ErrTokenConflict
	// when the conditional update matches no row.
	Rotate(ctx context.Context, oldID string, successor domainauth.RefreshToken) error

	// RevokeFamily revokes every token in the family. Idempotent.
	RevokeFamily(ctx context.Context, familyID string) (int64, error)

	// RevokeBySession revokes every token in every family tied to a session.
	RevokeBySession(ctx context.Context, sessionID string) (int64, error)

	// RevokeByIdentity revokes all tokens for an identity (logout-all).
	RevokeByIdentity(ctx context.Context, identityID string) (int64, error)

	// DeleteExpired removes expired or revoked rows older than cutoff, at
	// most batchSize at a time. Safe to run from concurrent instances.
	DeleteExpired(ctx context.Context, cutoff time.Time, batchSize int) (int64, error)
}

// CounterStore is the shared atomic counter used for rate-limit windows and
// lockout attempt counters. Backed by Redis in production; counters carry a
// TTL and vanish with their window.
type CounterStore interface {
	// Increment atomically adds one to key, setting expiry on first write.
	// Returns the post-increment count.
	Increment(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// Get returns the current count, or 0 when the key does not exist.
	Get(ctx context.Context, key string) (int64, error)

	Delete(ctx context.Context, key string) error

	// SetIfNotExists atomically claims key with a TTL. Returns false when the
	// key already existed. Used for one-shot guards (TOTP replay, email tokens).
	SetIfNotExists(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// GetValue returns the string value stored by SetIfNotExists, with a
	// found flag.
	GetValue(ctx context.Context, key string) (string, bool, error)
}

// TwoFactorStore persists TOTP secrets and hashed backup codes.
type TwoFactorStore interface {
	// UpsertSecret stores the encoded TOTP secret for an identity.
	UpsertSecret(ctx context.Context, identityID, encodedSecret string) error
	GetSecret(ctx context.Context, identityID string) (string, error)

	// ReplaceBackupCodes swaps the full set of hashed backup codes.
	ReplaceBackupCodes(ctx context.Context, identityID string, hashes []string) error

	// ListBackupCodeHashes returns hashes of unconsumed codes with their ids.
	ListBackupCodeHashes(ctx context.Context, identityID string) (map[string]string, error)

	// ConsumeBackupCode marks one code consumed. Returns false if it was
	// already consumed (lost race or reuse).
	ConsumeBackupCode(ctx context.Context, codeID string) (bool, error)

	// DeleteForIdentity removes secret and codes on 2FA disable.
	DeleteForIdentity(ctx context.Context, identityID string) error
}

// AuditSink receives security events. Record is fire-and-forget: it must
// never return an error into the caller's control flow and must tolerate a
// canceled request context.
type AuditSink interface {
	Record(ctx context.Context, event domainauth.AuditEvent)
}

// PasswordHasher is the external one-way hash collaborator.
type PasswordHasher interface {
	Hash(plaintext string) (string, error)
	Compare(hash, plaintext string) error
}

// AccessTokenSigner mints and validates the short-lived access tokens
// returned by login and refresh.
type AccessTokenSigner interface {
	Sign(claims AccessClaims) (string, error)
	ParseAndValidate(token string) (AccessClaims, error)
}

// AccessClaims is the payload carried by an access token.
type AccessClaims struct {
	IdentityID string
	SessionID  string
	Email      string
	Role       domainauth.Role
	IssuedAt   time.Time
	ExpiresAt  time.Time
}

// ResourceACL answers ownership and team-membership questions against the
// application's persistence layer. The RBAC service falls back to these when
// role level alone is insufficient.
type ResourceACL interface {
	IsOwner(ctx context.Context, identityID, resourceID string) (bool, error)
	IsTeamMember(ctx context.Context, identityID, projectID string) (bool, error)

	// ProjectOf resolves the owning project for a resource, for the
	// team-membership fallback. Empty string when the resource has no project.
	ProjectOf(ctx context.Context, resource domainauth.Resource, resourceID string) (string, error)
}

// Mailer delivers password-reset and verification tokens. The subsystem only
// generates and validates tokens; delivery is external.
type Mailer interface {
	SendPasswordReset(ctx context.Context, email, token string) error
	SendEmailVerification(ctx context.Context, email, token string) error
}

// BeginInput carries inputs for initiating an SSO auth flow.
type BeginInput struct {
	RedirectURL string
}

// ExchangeInput groups parameters for the SSO code/token exchange.
type ExchangeInput struct {
	Code  string
	State string
	Nonce string
}

// SSOIdentity is the principal returned by an external IdP.
type SSOIdentity struct {
	UserID    string
	FirstName string
	LastName  string
	Email     string
	Groups    []string
	ExpiresAt time.Time
}

// AuthProvider initiates and completes an authentication flow against an IdP.
type AuthProvider interface {
	// Begin starts the login flow and returns the provider auth URL, an opaque state, and a nonce.
	Begin(ctx context.Context, in BeginInput) (authURL, state, nonce string, err error)

	// Exchange completes the login flow, verifying state and nonce, and returns the authenticated identity.
	Exchange(ctx context.Context, in ExchangeInput) (SSOIdentity, error)
}

// RoleMapper maps provider groups to application roles for SSO logins.
type RoleMapper interface {
	Map(groups []string) domainauth.Role
}
