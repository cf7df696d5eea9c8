package auth

import "time"

// AuditAction enumerates the security events this subsystem emits.
type AuditAction string

const (
	AuditLogin             AuditAction = "LOGIN"
	AuditLogout            AuditAction = "LOGOUT"
	AuditSessionCreated    AuditAction = "SESSION_CREATED"
	AuditSessionRevoked    AuditAction = "SESSION_REVOKED"
	AuditSessionSuspicious AuditAction = "SESSION_SUSPICIOUS"
	AuditAccountLockout    AuditAction = "ACCOUNT_LOCKOUT"
	AuditLockoutCleared    AuditAction = "LOCKOUT_CLEARED"
	AuditTwoFactorVerify   AuditAction = "TWO_FACTOR_VERIFY"
	AuditTwoFactorEnroll   AuditAction = "TWO_FACTOR_ENROLL"
	AuditTwoFactorDisable  AuditAction = "TWO_FACTOR_DISABLE"
	AuditTokenRefresh      AuditAction = "TOKEN_REFRESH"
	AuditTokenRevoked      AuditAction = "TOKEN_REVOKED"
	AuditPasswordReset     AuditAction = "PASSWORD_RESET"
	AuditEmailVerified     AuditAction = "EMAIL_VERIFIED"
)

// AuditOutcome is the result classification of an audited operation.
type AuditOutcome string

const (
	OutcomeSuccess         AuditOutcome = "SUCCESS"
	OutcomeFailure         AuditOutcome = "FAILURE"
	OutcomeSuspectedReplay AuditOutcome = "SUSPECTED_REPLAY"
)

// AuditEvent is an append-only security event. ActorID is empty for
// automated actions (the sweeper, lockout expiry); sinks render those as
// "system".
type AuditEvent struct {
	ID        string            `json:"id"`
	ActorID   string            `json:"actor_id,omitempty"`
	Action    AuditAction       `json:"action"`
	Outcome   AuditOutcome      `json:"outcome"`
	IPAddress string            `json:"ip_address,omitempty"`
	UserAgent string            `json:"user_agent,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	At        time.Time         `json:"at"`
}
