package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/casetrail/tcm-ui-api/internal/data"
	domainauth "github.com/casetrail/tcm-ui-api/internal/domain/auth"
	"github.com/casetrail/tcm-ui-api/internal/ports"
)

// Two-factor policy defaults.
const (
	// DefaultBackupCodeCount is the number of single-use backup codes issued
	// at enrollment.
	DefaultBackupCodeCount = 10

	// totpDriftSteps accepts codes one step either side of now, absorbing
	// clock skew between server and authenticator app.
	totpDriftSteps = 1
)

// TwoFactorOptions configures a TwoFactorService.
type TwoFactorOptions struct {
	Store      ports.TwoFactorStore
	Identities ports.IdentityStore
	Sessions   ports.SessionStore
	Counters   ports.CounterStore
	Hasher     ports.PasswordHasher
	Audit      ports.AuditSink
	Logger     *slog.Logger
	Clock      func() time.Time

	// ReverifyEvery bounds how long a second-factor pass elevates a session.
	// Zero means verification holds for the session's lifetime.
	ReverifyEvery time.Duration

	BackupCodeCount int
}

// TwoFactorService implements TOTP enrollment and verification with drift
// tolerance, per-step replay prevention, and single-use backup codes.
// Enrollment is pending until the first successful code verification, which
// flips the identity's two-factor flag.
type TwoFactorService struct {
	store      ports.TwoFactorStore
	identities ports.IdentityStore
	sessions   ports.SessionStore
	counters   ports.CounterStore
	hasher     ports.PasswordHasher
	audit      ports.AuditSink
	logger     *slog.Logger
	now        func() time.Time

	reverifyEvery   time.Duration
	backupCodeCount int
}

// EnrollResult carries the secrets shown to the user exactly once.
type EnrollResult struct {
	// Secret is the base32 TOTP secret for authenticator app provisioning.
	Secret string

	// BackupCodes are the plaintext single-use codes. Only hashes are stored.
	BackupCodes []string
}

// NewTwoFactorService validates options and applies defaults.
func NewTwoFactorService(opts TwoFactorOptions) (*TwoFactorService, error) {
	if opts.Store == nil {
		return nil, errors.New("two-factor store is required")
	}
	if opts.Identities == nil {
		return nil, errors.New("identity store is required")
	}
	if opts.Sessions == nil {
		return nil, errors.New("session store is required")
	}
	if opts.Counters == nil {
		return nil, errors.New("counter store is required")
	}
	if opts.Hasher == nil {
		return nil, errors.New("password hasher is required")
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
	if opts.BackupCodeCount <= 0 {
		opts.BackupCodeCount = DefaultBackupCodeCount
	}

	return &TwoFactorService{
		store:           opts.Store,
		identities:      opts.Identities,
		sessions:        opts.Sessions,
		counters:        opts.Counters,
		hasher:          opts.Hasher,
		audit:           opts.Audit,
		logger:          opts.Logger.With("component", "twofactor"),
		now:             opts.Clock,
		reverifyEvery:   opts.ReverifyEvery,
		backupCodeCount: opts.BackupCodeCount,
	}, nil
}

// Enroll generates a fresh TOTP secret and backup codes for an identity.
// Re-enrollment replaces both. The identity's two-factor flag stays off until
// the first successful verification proves the authenticator works.
func (s *TwoFactorService) Enroll(ctx context.Context, identity domainauth.Identity) (EnrollResult, error) {
	_, encoded, err := domainauth.NewTOTPSecret()
	if err != nil {
		return EnrollResult{}, err
	}
	if err := s.store.UpsertSecret(ctx, identity.ID, encoded); err != nil {
		return EnrollResult{}, fmt.Errorf("store totp secret: %w", err)
	}

	codes, hashes, err := s.newBackupCodes()
	if err != nil {
		return EnrollResult{}, err
	}
	if err := s.store.ReplaceBackupCodes(ctx, identity.ID, hashes); err != nil {
		return EnrollResult{}, fmt.Errorf("store backup codes: %w", err)
	}

	s.audit.Record(ctx, domainauth.AuditEvent{
		ActorID: identity.ID,
		Action:  domainauth.AuditTwoFactorEnroll,
		Outcome: domainauth.OutcomeSuccess,
	})

	return EnrollResult{Secret: encoded, BackupCodes: codes}, nil
}

// VerifyCode checks a TOTP code with one step of drift either side and a
// one-shot replay guard per accepted step. A successful verification on a
// pending enrollment activates two-factor for the identity; when sessionID is
// non-empty the session is stamped as elevated.
func (s *TwoFactorService) VerifyCode(ctx context.Context, identity domainauth.Identity, sessionID, code string, device domainauth.DeviceContext) error {
	encoded, err := s.store.GetSecret(ctx, identity.ID)
	if err != nil {
		if errors.Is(err, data.ErrNoTwoFactorSecret) {
			return fmt.Errorf("no enrollment: %w", domainauth.ErrAuthentication)
		}
		return fmt.Errorf("load totp secret: %w", err)
	}
	secret, err := domainauth.DecodeTOTPSecret(encoded)
	if err != nil {
		return fmt.Errorf("corrupt totp secret: %w", err)
	}

	now := s.now()
	current := domainauth.TOTPStepAt(now)
	matched := false
	var matchedStep uint64
	for offset := -totpDriftSteps; offset <= totpDriftSteps; offset++ {
		step := uint64(int64(current) + int64(offset)) // #nosec G115 - step counters stay far below int64 max
		if domainauth.TOTPCodeMatches(secret, step, code) {
			matched = true
			matchedStep = step
			break
		}
	}
	if !matched {
		s.recordVerify(ctx, identity.ID, device, domainauth.OutcomeFailure, "bad_code")
		return fmt.Errorf("totp mismatch: %w", domainauth.ErrAuthentication)
	}

	// One verification per (identity, step). A captured code is worthless
	// inside its own window once its owner has used it.
	guardKey := fmt.Sprintf("2fa:replay:%s:%d", identity.ID, matchedStep)
	guardTTL := time.Duration(totpDriftSteps+2) * domainauth.TOTPStep
	claimed, err := s.counters.SetIfNotExists(ctx, guardKey, "1", guardTTL)
	if err != nil {
		return fmt.Errorf("replay guard: %w", err)
	}
	if !claimed {
		s.recordVerify(ctx, identity.ID, device, domainauth.OutcomeFailure, "code_replay")
		return fmt.Errorf("totp replay: %w", domainauth.ErrAuthentication)
	}

	if err := s.finishVerification(ctx, identity, sessionID); err != nil {
		// The code was never consumed. Release the step guard so a retry
		// with the same code can still succeed inside its window.
		if delErr := s.counters.Delete(ctx, guardKey); delErr != nil {
			s.logger.WarnContext(ctx, "failed to release totp step guard",
				"identity_id", identity.ID, "error", delErr)
		}
		return err
	}
	s.recordVerify(ctx, identity.ID, device, domainauth.OutcomeSuccess, "totp")
	return nil
}

// VerifyBackupCode consumes one single-use backup code.
func (s *TwoFactorService) VerifyBackupCode(ctx context.Context, identity domainauth.Identity, sessionID, code string, device domainauth.DeviceContext) error {
	hashes, err := s.store.ListBackupCodeHashes(ctx, identity.ID)
	if err != nil {
		return fmt.Errorf("list backup codes: %w", err)
	}

	for id, hash := range hashes {
		if s.hasher.Compare(hash, code) != nil {
			continue
		}
		consumed, err := s.store.ConsumeBackupCode(ctx, id)
		if err != nil {
			return fmt.Errorf("consume backup code: %w", err)
		}
		if !consumed {
			break // lost a race to a concurrent use of the same code
		}
		if err := s.finishVerification(ctx, identity, sessionID); err != nil {
			return err
		}
		s.recordVerify(ctx, identity.ID, device, domainauth.OutcomeSuccess, "backup_code")
		return nil
	}

	s.recordVerify(ctx, identity.ID, device, domainauth.OutcomeFailure, "bad_backup_code")
	return fmt.Errorf("backup code mismatch: %w", domainauth.ErrAuthentication)
}

// Disable removes the secret and remaining backup codes and clears the
// identity's two-factor flag.
func (s *TwoFactorService) Disable(ctx context.Context, identity domainauth.Identity) error {
	if err := s.store.DeleteForIdentity(ctx, identity.ID); err != nil {
		return fmt.Errorf("delete two-factor material: %w", err)
	}
	if err := s.identities.SetTwoFactorEnabled(ctx, identity.ID, false); err != nil {
		return fmt.Errorf("clear two-factor flag: %w", err)
	}
	s.audit.Record(ctx, domainauth.AuditEvent{
		ActorID: identity.ID,
		Action:  domainauth.AuditTwoFactorDisable,
		Outcome: domainauth.OutcomeSuccess,
	})
	return nil
}

// SessionElevated reports whether a session's second-factor verification is
// still current under the configured re-verification policy.
func (s *TwoFactorService) SessionElevated(sess domainauth.Session) bool {
	return sess.Elevated(s.now(), s.reverifyEvery)
}

func (s *TwoFactorService) finishVerification(ctx context.Context, identity domainauth.Identity, sessionID string) error {
	if !identity.TwoFactorEnabled {
		if err := s.identities.SetTwoFactorEnabled(ctx, identity.ID, true); err != nil {
			return fmt.Errorf("activate two-factor: %w", err)
		}
	}
	if sessionID == "" {
		return nil
	}
	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("session lookup: %w", domainauth.ErrAuthentication)
	}
	now := s.now()
	sess.TwoFactorVerifiedAt = &now
	if err := s.sessions.Save(ctx, sess); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (s *TwoFactorService) recordVerify(ctx context.Context, identityID string, device domainauth.DeviceContext, outcome domainauth.AuditOutcome, method string) {
	s.audit.Record(ctx, domainauth.AuditEvent{
		ActorID:   identityID,
		Action:    domainauth.AuditTwoFactorVerify,
		Outcome:   outcome,
		IPAddress: device.IPAddress,
		UserAgent: device.UserAgent,
		Metadata:  map[string]string{"method": method},
	})
}

// backupCodeAlphabet omits look-alike characters.
const backupCodeAlphabet = "abcdefghjkmnpqrstuvwxyz23456789"

func (s *TwoFactorService) newBackupCodes() (codes, hashes []string, err error) {
	codes = make([]string, 0, s.backupCodeCount)
	hashes = make([]string, 0, s.backupCodeCount)
	for i := 0; i < s.backupCodeCount; i++ {
		code, err := randomBackupCode()
		if err != nil {
			return nil, nil, err
		}
		hash, err := s.hasher.Hash(code)
		if err != nil {
			return nil, nil, fmt.Errorf("hash backup code: %w", err)
		}
		codes = append(codes, code)
		hashes = append(hashes, hash)
	}
	return codes, hashes, nil
}

func randomBackupCode() (string, error) {
	buf := make([]byte, 10)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate backup code: %w", err)
	}
	out := make([]byte, 0, 11)
	for i, b := range buf {
		if i == 5 {
			out = append(out, '-')
		}
		out = append(out, backupCodeAlphabet[int(b)%len(backupCodeAlphabet)])
	}
	return string(out), nil
}

// RemainingBackupCodes reports how many unconsumed backup codes are left, for
// the account security view.
func (s *TwoFactorService) RemainingBackupCodes(ctx context.Context, identityID string) (int, error) {
	hashes, err := s.store.ListBackupCodeHashes(ctx, identityID)
	if err != nil {
		return 0, fmt.Errorf("list backup codes: %w", err)
	}
	return len(hashes), nil
}
