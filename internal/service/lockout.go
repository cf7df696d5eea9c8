package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	domainauth "github.com/casetrail/tcm-ui-api/internal/domain/auth"
	"github.com/casetrail/tcm-ui-api/internal/ports"
)

// Lockout policy defaults.
const (
	DefaultMaxAttempts     = 5
	DefaultLockoutDuration = 15 * time.Minute
	DefaultAttemptWindow   = 60 * time.Minute
)

// LockoutOptions configures an AccountLockoutService.
type LockoutOptions struct {
	Identities ports.IdentityStore
	Counters   ports.CounterStore
	Audit      ports.AuditSink
	Logger     *slog.Logger
	Clock      func() time.Time

	MaxAttempts     int
	LockoutDuration time.Duration
	AttemptWindow   time.Duration
}

// AccountLockoutService tracks consecutive failed logins in a TTL'd counter
// and escalates to a persisted lockout at the threshold. The persisted
// lockedUntil on the identity is the only authoritative lockout signal;
// the counter is ephemeral and vanishes with its window.
type AccountLockoutService struct {
	identities ports.IdentityStore
	counters   ports.CounterStore
	audit      ports.AuditSink
	logger     *slog.Logger
	now        func() time.Time

	maxAttempts     int
	lockoutDuration time.Duration
	attemptWindow   time.Duration
}

// NewAccountLockoutService validates options and applies policy defaults.
func NewAccountLockoutService(opts LockoutOptions) (*AccountLockoutService, error) {
	if opts.Identities == nil {
		return nil, errors.New("identity store is required")
	}
	if opts.Counters == nil {
		return nil, errors.New("counter store is required")
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
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.LockoutDuration <= 0 {
		opts.LockoutDuration = DefaultLockoutDuration
	}
	if opts.AttemptWindow <= 0 {
		opts.AttemptWindow = DefaultAttemptWindow
	}

	return &AccountLockoutService{
		identities:      opts.Identities,
		counters:        opts.Counters,
		audit:           opts.Audit,
		logger:          opts.Logger.With("component", "lockout"),
		now:             opts.Clock,
		maxAttempts:     opts.MaxAttempts,
		lockoutDuration: opts.LockoutDuration,
		attemptWindow:   opts.AttemptWindow,
	}, nil
}

func attemptKey(identityID string) string {
	return "lockout:attempts:" + identityID
}

// CheckLocked returns a LockoutError when the identity has an active lockout.
// Only the persisted lockedUntil is consulted.
func (s *AccountLockoutService) CheckLocked(identity domainauth.Identity) error {
	if identity.IsLocked(s.now()) {
		return &domainauth.LockoutError{Until: *identity.LockedUntil}
	}
	return nil
}

// RecordFailure counts one failed attempt. Crossing the threshold persists the
// lockout, emits an audit event, and returns the resulting LockoutError so the
// caller can surface the remaining duration immediately.
func (s *AccountLockoutService) RecordFailure(ctx context.Context, identity domainauth.Identity, device domainauth.DeviceContext) error {
	count, err := s.counters.Increment(ctx, attemptKey(identity.ID), s.attemptWindow)
	if err != nil {
		return fmt.Errorf("increment failed attempts: %w", err)
	}

	// Mirror onto the identity row for operator visibility. Best effort.
	if err := s.identities.SetFailedAttempts(ctx, identity.ID, int(count)); err != nil {
		s.logger.WarnContext(ctx, "failed to mirror attempt count",
			"identity_id", identity.ID, "error", err)
	}

	if count < int64(s.maxAttempts) {
		return nil
	}

	until := s.now().Add(s.lockoutDuration)
	if err := s.identities.SetLockout(ctx, identity.ID, &until); err != nil {
		return fmt.Errorf("persist lockout: %w", err)
	}
	if err := s.counters.Delete(ctx, attemptKey(identity.ID)); err != nil {
		s.logger.WarnContext(ctx, "failed to clear attempt counter",
			"identity_id", identity.ID, "error", err)
	}

	s.audit.Record(ctx, domainauth.AuditEvent{
		ActorID:   identity.ID,
		Action:    domainauth.AuditAccountLockout,
		Outcome:   domainauth.OutcomeFailure,
		IPAddress: device.IPAddress,
		UserAgent: device.UserAgent,
		Metadata: map[string]string{
			"attempts":     strconv.FormatInt(count, 10),
			"locked_until": until.Format(time.RFC3339),
		},
	})

	return &domainauth.LockoutError{Until: until}
}

// RecordSuccess resets the attempt counter and clears any stale lockout after
// a successful authentication.
func (s *AccountLockoutService) RecordSuccess(ctx context.Context, identity domainauth.Identity) error {
	if err := s.counters.Delete(ctx, attemptKey(identity.ID)); err != nil {
		return fmt.Errorf("reset attempt counter: %w", err)
	}
	if identity.LockedUntil != nil || identity.FailedLoginAttempts > 0 {
		if err := s.identities.SetLockout(ctx, identity.ID, nil); err != nil {
			return fmt.Errorf("clear lockout: %w", err)
		}
	}
	return nil
}

// Unlock clears a lockout ahead of its expiry. Operator action.
func (s *AccountLockoutService) Unlock(ctx context.Context, identityID string) error {
	if identityID == "" {
		return fmt.Errorf("identity id: %w", errInvalidArgs)
	}
	if err := s.identities.SetLockout(ctx, identityID, nil); err != nil {
		return fmt.Errorf("clear lockout: %w", err)
	}
	if err := s.counters.Delete(ctx, attemptKey(identityID)); err != nil {
		s.logger.WarnContext(ctx, "failed to clear attempt counter",
			"identity_id", identityID, "error", err)
	}

	s.audit.Record(ctx, domainauth.AuditEvent{
		Action:   domainauth.AuditLockoutCleared,
		Outcome:  domainauth.OutcomeSuccess,
		Metadata: map[string]string{"identity_id": identityID},
	})
	return nil
}
