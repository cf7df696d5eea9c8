package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	domainauth "github.com/casetrail/tcm-ui-api/internal/domain/auth"
	"github.com/casetrail/tcm-ui-api/internal/ports"
)

// Session policy defaults.
const (
	DefaultSessionTTL    = 12 * time.Hour
	DefaultActivityLimit = 10

	// suspiciousDistinctIPs is the distinct-IP threshold over the recent
	// activity trail above which a session is flagged.
	suspiciousDistinctIPs = 3

	// suspiciousTouchGap flags consecutive touches closer together than a
	// human driving a browser plausibly produces.
	suspiciousTouchGap = time.Second
)

// SessionManagerOptions configures a SessionManager.
type SessionManagerOptions struct {
	Store  ports.SessionStore
	Audit  ports.AuditSink
	Logger *slog.Logger
	Clock  func() time.Time

	TTL           time.Duration
	ActivityLimit int
}

// SessionManager owns the session lifecycle. Device context is parsed once at
// creation and stored denormalized; validation is fail-restrictive; touches
// are best effort and feed the suspicious-activity heuristic, which reports
// via the audit trail but never invalidates on its own.
type SessionManager struct {
	store  ports.SessionStore
	audit  ports.AuditSink
	logger *slog.Logger
	now    func() time.Time

	ttl           time.Duration
	activityLimit int
}

// NewSessionManager validates options and applies defaults.
func NewSessionManager(opts SessionManagerOptions) (*SessionManager, error) {
	if opts.Store == nil {
		return nil, errors.New("session store is required")
	}
	if opts.Audit == nil {
		return nil, errors.New("audit sink is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultSessionTTL
	}
	if opts.ActivityLimit <= 0 {
		opts.ActivityLimit = DefaultActivityLimit
	}

	return &SessionManager{
		store:         opts.Store,
		audit:         opts.Audit,
		logger:        opts.Logger.With("component", "session"),
		now:           opts.Clock,
		ttl:           opts.TTL,
		activityLimit: opts.ActivityLimit,
	}, nil
}

// Create mints a session for an authenticated identity.
func (m *SessionManager) Create(ctx context.Context, identity domainauth.Identity, userAgent, ipAddress string) (domainauth.Session, error) {
	id, err := newOpaqueToken()
	if err != nil {
		return domainauth.Session{}, err
	}

	now := m.now()
	sess := domainauth.Session{
		ID:           id,
		IdentityID:   identity.ID,
		Email:        identity.Email,
		Role:         identity.Role,
		Device:       domainauth.ParseDeviceContext(userAgent, ipAddress),
		CreatedAt:    now,
		ExpiresAt:    now.Add(m.ttl),
		LastActiveAt: now,
	}
	if err := m.store.Save(ctx, sess); err != nil {
		return domainauth.Session{}, fmt.Errorf("save session: %w", err)
	}

	if err := m.store.AppendActivity(ctx, sess.ID,
		domainauth.Activity{At: now, IPAddress: ipAddress}, m.activityLimit); err != nil {
		m.logger.WarnContext(ctx, "failed to record session activity",
			"session_id", sess.ID, "error", err)
	}

	m.audit.Record(ctx, domainauth.AuditEvent{
		ActorID:   identity.ID,
		Action:    domainauth.AuditSessionCreated,
		Outcome:   domainauth.OutcomeSuccess,
		IPAddress: ipAddress,
		UserAgent: userAgent,
		Metadata:  map[string]string{"session_id": sess.ID},
	})

	return sess, nil
}

// Validate returns the live session for id. Any failure, including a store
// error, comes back as an authentication failure: an unreachable store must
// not admit requests.
func (m *SessionManager) Validate(ctx context.Context, id string) (domainauth.Session, error) {
	if id == "" {
		return domainauth.Session{}, domainauth.ErrAuthentication
	}
	sess, err := m.store.Get(ctx, id)
	if err != nil {
		return domainauth.Session{}, fmt.Errorf("session lookup: %w", domainauth.ErrAuthentication)
	}
	if sess.Expired(m.now()) {
		return domainauth.Session{}, fmt.Errorf("session expired: %w", domainauth.ErrAuthentication)
	}
	return sess, nil
}

// Touch records activity on a validated session: lastActiveAt, the bounded
// activity trail, and the suspicion check. Failures are logged, never
// returned; a request must not fail because bookkeeping did.
func (m *SessionManager) Touch(ctx context.Context, sess domainauth.Session, ipAddress string) {
	now := m.now()
	// Re-read before stamping: the caller's copy may predate a concurrent
	// write, such as a second-factor elevation, that a whole-record save of
	// the stale copy would silently undo.
	current, err := m.store.Get(ctx, sess.ID)
	if err != nil {
		current = sess
	}
	current.LastActiveAt = now
	if err := m.store.Save(ctx, current); err != nil {
		m.logger.WarnContext(ctx, "failed to update session activity time",
			"session_id", sess.ID, "error", err)
	}
	if err := m.store.AppendActivity(ctx, sess.ID,
		domainauth.Activity{At: now, IPAddress: ipAddress}, m.activityLimit); err != nil {
		m.logger.WarnContext(ctx, "failed to record session activity",
			"session_id", sess.ID, "error", err)
		return
	}

	activities, err := m.store.RecentActivity(ctx, sess.ID, m.activityLimit)
	if err != nil {
		m.logger.WarnContext(ctx, "failed to read session activity",
			"session_id", sess.ID, "error", err)
		return
	}
	if reason, ok := suspicious(activities); ok {
		m.audit.Record(ctx, domainauth.AuditEvent{
			ActorID:   sess.IdentityID,
			Action:    domainauth.AuditSessionSuspicious,
			Outcome:   domainauth.OutcomeFailure,
			IPAddress: ipAddress,
			Metadata: map[string]string{
				"session_id": sess.ID,
				"reason":     reason,
			},
		})
	}
}

// Invalidate removes one session.
func (m *SessionManager) Invalidate(ctx context.Context, sess domainauth.Session, ipAddress string) error {
	if err := m.store.Delete(ctx, sess.ID); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	m.audit.Record(ctx, domainauth.AuditEvent{
		ActorID:   sess.IdentityID,
		Action:    domainauth.AuditSessionRevoked,
		Outcome:   domainauth.OutcomeSuccess,
		IPAddress: ipAddress,
		Metadata:  map[string]string{"session_id": sess.ID},
	})
	return nil
}

// InvalidateAll removes every live session for an identity except the one
// named by exceptID (empty to remove all). Returns the number removed.
func (m *SessionManager) InvalidateAll(ctx context.Context, identityID, exceptID string) (int, error) {
	sessions, err := m.store.ListByIdentity(ctx, identityID)
	if err != nil {
		return 0, fmt.Errorf("list sessions: %w", err)
	}

	removed := 0
	for _, sess := range sessions {
		if sess.ID == exceptID {
			continue
		}
		if err := m.store.Delete(ctx, sess.ID); err != nil {
			m.logger.WarnContext(ctx, "failed to delete session",
				"session_id", sess.ID, "error", err)
			continue
		}
		removed++
	}

	m.audit.Record(ctx, domainauth.AuditEvent{
		ActorID: identityID,
		Action:  domainauth.AuditSessionRevoked,
		Outcome: domainauth.OutcomeSuccess,
		Metadata: map[string]string{
			"scope":   "all",
			"removed": fmt.Sprintf("%d", removed),
		},
	})
	return removed, nil
}

// List returns the live sessions for an identity, for the active-sessions view.
func (m *SessionManager) List(ctx context.Context, identityID string) ([]domainauth.Session, error) {
	sessions, err := m.store.ListByIdentity(ctx, identityID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return sessions, nil
}

// MarkTwoFactorVerified stamps a second-factor pass on the session.
func (m *SessionManager) MarkTwoFactorVerified(ctx context.Context, sessionID string) error {
	sess, err := m.store.Get(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("session lookup: %w", domainauth.ErrAuthentication)
	}
	now := m.now()
	sess.TwoFactorVerifiedAt = &now
	if err := m.store.Save(ctx, sess); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// suspicious applies the activity heuristic: too many distinct IPs in the
// recent trail, or touches arriving faster than interactive use produces.
// Activities are newest first.
func suspicious(activities []domainauth.Activity) (string, bool) {
	ips := make(map[string]struct{}, len(activities))
	for _, a := range activities {
		if a.IPAddress != "" {
			ips[a.IPAddress] = struct{}{}
		}
	}
	if len(ips) > suspiciousDistinctIPs {
		return "distinct_ips", true
	}

	for i := 0; i+1 < len(activities); i++ {
		gap := activities[i].At.Sub(activities[i+1].At)
		if gap >= 0 && gap < suspiciousTouchGap {
			return "rapid_touches", true
		}
	}
	return "", false
}
