package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/casetrail/tcm-ui-api/internal/data"
	domainauth "github.com/casetrail/tcm-ui-api/internal/domain/auth"
	"github.com/casetrail/tcm-ui-api/internal/ports"
)

// Login orchestration defaults.
const (
	DefaultChallengeTTL   = 5 * time.Minute
	DefaultResetTokenTTL  = 30 * time.Minute
	DefaultVerifyTokenTTL = 24 * time.Hour

	minPasswordLength = 8
)

// LoginOptions configures a LoginService.
type LoginOptions struct {
	Identities ports.IdentityStore
	Hasher     ports.PasswordHasher
	Lockout    *AccountLockoutService
	Sessions   *SessionManager
	Refresh    *RefreshTokenService
	TwoFactor  *TwoFactorService
	Counters   ports.CounterStore
	Mailer     ports.Mailer
	Audit      ports.AuditSink
	Logger     *slog.Logger
	Clock      func() time.Time

	// Roles maps IdP groups to an application role for SSO logins. Optional;
	// without it SSO sessions carry the identity's stored role.
	Roles ports.RoleMapper

	ChallengeTTL   time.Duration
	ResetTokenTTL  time.Duration
	VerifyTokenTTL time.Duration
}

// LoginService orchestrates credential exchange across the lockout, session,
// two-factor, and token services, plus the password-reset and
// email-verification token flows. All credential failures surface as the
// uniform ErrAuthentication so callers cannot probe for account existence.
type LoginService struct {
	identities ports.IdentityStore
	hasher     ports.PasswordHasher
	lockout    *AccountLockoutService
	sessions   *SessionManager
	refresh    *RefreshTokenService
	twoFactor  *TwoFactorService
	counters   ports.CounterStore
	mailer     ports.Mailer
	audit      ports.AuditSink
	logger     *slog.Logger
	now        func() time.Time
	roles      ports.RoleMapper

	challengeTTL   time.Duration
	resetTokenTTL  time.Duration
	verifyTokenTTL time.Duration
}

// LoginResult is the outcome of a successful credential exchange. When the
// identity has two-factor enabled, TwoFactorPending is set and only
// ChallengeToken is populated; the client must complete the challenge to get
// a session.
type LoginResult struct {
	Session          domainauth.Session
	Tokens           TokenPair
	TwoFactorPending bool
	ChallengeToken   string
}

// NewLoginService validates options and applies defaults.
func NewLoginService(opts LoginOptions) (*LoginService, error) {
	if opts.Identities == nil {
		return nil, errors.New("identity store is required")
	}
	if opts.Hasher == nil {
		return nil, errors.New("password hasher is required")
	}
	if opts.Lockout == nil {
		return nil, errors.New("lockout service is required")
	}
	if opts.Sessions == nil {
		return nil, errors.New("session manager is required")
	}
	if opts.Refresh == nil {
		return nil, errors.New("refresh token service is required")
	}
	if opts.TwoFactor == nil {
		return nil, errors.New("two-factor service is required")
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
	if opts.ChallengeTTL <= 0 {
		opts.ChallengeTTL = DefaultChallengeTTL
	}
	if opts.ResetTokenTTL <= 0 {
		opts.ResetTokenTTL = DefaultResetTokenTTL
	}
	if opts.VerifyTokenTTL <= 0 {
		opts.VerifyTokenTTL = DefaultVerifyTokenTTL
	}

	return &LoginService{
		identities:     opts.Identities,
		hasher:         opts.Hasher,
		lockout:        opts.Lockout,
		sessions:       opts.Sessions,
		refresh:        opts.Refresh,
		twoFactor:      opts.TwoFactor,
		counters:       opts.Counters,
		mailer:         opts.Mailer,
		audit:          opts.Audit,
		logger:         opts.Logger.With("component", "login"),
		now:            opts.Clock,
		roles:          opts.Roles,
		challengeTTL:   opts.ChallengeTTL,
		resetTokenTTL:  opts.ResetTokenTTL,
		verifyTokenTTL: opts.VerifyTokenTTL,
	}, nil
}

func challengeKey(token string) string { return "2fa:challenge:" + hashToken(token) }
func resetKey(token string) string     { return "pwreset:" + hashToken(token) }
func verifyKey(token string) string    { return "emailverify:" + hashToken(token) }

// Login exchanges credentials for a session and token pair, or a two-factor
// challenge when the identity is enrolled.
func (s *LoginService) Login(ctx context.Context, email, password, userAgent, ipAddress string) (LoginResult, error) {
	if email == "" || password == "" {
		return LoginResult{}, fmt.Errorf("email and password: %w", errInvalidArgs)
	}
	device := domainauth.ParseDeviceContext(userAgent, ipAddress)

	identity, err := s.identities.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, data.ErrIdentityNotFound) {
			// Burn a hash comparison so the timing of unknown accounts is
			// indistinguishable from a wrong password.
			_ = s.hasher.Compare("$2a$10$invalidsaltinvalidsaltinvalidsaltinvalidsalteeeee", password)
			s.recordLogin(ctx, "", device, domainauth.OutcomeFailure, "unknown_account")
			return LoginResult{}, fmt.Errorf("credential exchange: %w", domainauth.ErrAuthentication)
		}
		return LoginResult{}, fmt.Errorf("identity lookup: %w", err)
	}

	if err := s.lockout.CheckLocked(identity); err != nil {
		s.recordLogin(ctx, identity.ID, device, domainauth.OutcomeFailure, "locked")
		return LoginResult{}, err
	}
	if identity.Status == domainauth.StatusDisabled {
		s.recordLogin(ctx, identity.ID, device, domainauth.OutcomeFailure, "disabled")
		return LoginResult{}, fmt.Errorf("credential exchange: %w", domainauth.ErrAuthentication)
	}

	if err := s.hasher.Compare(identity.PasswordHash, password); err != nil {
		s.recordLogin(ctx, identity.ID, device, domainauth.OutcomeFailure, "bad_credentials")
		if lockErr := s.lockout.RecordFailure(ctx, identity, device); lockErr != nil {
			var locked *domainauth.LockoutError
			if errors.As(lockErr, &locked) {
				return LoginResult{}, lockErr
			}
			s.logger.ErrorContext(ctx, "failed to record login failure",
				"identity_id", identity.ID, "error", lockErr)
		}
		return LoginResult{}, fmt.Errorf("credential exchange: %w", domainauth.ErrAuthentication)
	}

	if err := s.lockout.RecordSuccess(ctx, identity); err != nil {
		s.logger.WarnContext(ctx, "failed to reset lockout state",
			"identity_id", identity.ID, "error", err)
	}

	if identity.TwoFactorEnabled {
		token, err := s.issueChallenge(ctx, identity.ID)
		if err != nil {
			return LoginResult{}, err
		}
		return LoginResult{TwoFactorPending: true, ChallengeToken: token}, nil
	}

	return s.establish(ctx, identity, identity.Role, userAgent, ipAddress, "password", nil)
}

// CompleteTwoFactor finishes a pending login: the challenge token proves the
// password step, the code proves the second factor.
func (s *LoginService) CompleteTwoFactor(ctx context.Context, challengeToken, code, userAgent, ipAddress string) (LoginResult, error) {
	if challengeToken == "" || code == "" {
		return LoginResult{}, fmt.Errorf("challenge and code: %w", errInvalidArgs)
	}
	device := domainauth.ParseDeviceContext(userAgent, ipAddress)

	identityID, found, err := s.counters.GetValue(ctx, challengeKey(challengeToken))
	if err != nil {
		return LoginResult{}, fmt.Errorf("challenge lookup: %w", err)
	}
	if !found {
		return LoginResult{}, fmt.Errorf("unknown challenge: %w", domainauth.ErrAuthentication)
	}
	identity, err := s.identities.GetByID(ctx, identityID)
	if err != nil {
		return LoginResult{}, fmt.Errorf("identity lookup: %w", domainauth.ErrAuthentication)
	}

	if err := s.twoFactor.VerifyCode(ctx, identity, "", code, device); err != nil {
		// Backup codes are a fallback for a lost authenticator.
		if !errors.Is(err, domainauth.ErrAuthentication) {
			return LoginResult{}, err
		}
		if buErr := s.twoFactor.VerifyBackupCode(ctx, identity, "", code, device); buErr != nil {
			return LoginResult{}, buErr
		}
	}

	// Challenge is single use.
	if err := s.counters.Delete(ctx, challengeKey(challengeToken)); err != nil {
		s.logger.WarnContext(ctx, "failed to delete used challenge", "error", err)
	}

	verifiedAt := s.now()
	return s.establish(ctx, identity, identity.Role, userAgent, ipAddress, "password+totp", &verifiedAt)
}

// CompleteSSO finishes an IdP-brokered login. The session role comes from the
// group mapper when one is configured; the identity must already exist.
func (s *LoginService) CompleteSSO(ctx context.Context, sso ports.SSOIdentity, userAgent, ipAddress string) (LoginResult, error) {
	device := domainauth.ParseDeviceContext(userAgent, ipAddress)

	identity, err := s.identities.GetByEmail(ctx, sso.Email)
	if err != nil {
		if errors.Is(err, data.ErrIdentityNotFound) {
			s.recordLogin(ctx, "", device, domainauth.OutcomeFailure, "sso_unknown_account")
			return LoginResult{}, fmt.Errorf("sso exchange: %w", domainauth.ErrAuthentication)
		}
		return LoginResult{}, fmt.Errorf("identity lookup: %w", err)
	}
	if err := s.lockout.CheckLocked(identity); err != nil {
		s.recordLogin(ctx, identity.ID, device, domainauth.OutcomeFailure, "locked")
		return LoginResult{}, err
	}
	if identity.Status == domainauth.StatusDisabled {
		s.recordLogin(ctx, identity.ID, device, domainauth.OutcomeFailure, "disabled")
		return LoginResult{}, fmt.Errorf("sso exchange: %w", domainauth.ErrAuthentication)
	}

	role := identity.Role
	if s.roles != nil {
		role = s.roles.Map(sso.Groups)
	}

	// The IdP carries the second factor for SSO logins.
	verifiedAt := s.now()
	return s.establish(ctx, identity, role, userAgent, ipAddress, "sso", &verifiedAt)
}

// Logout invalidates the session and revokes its refresh token families.
func (s *LoginService) Logout(ctx context.Context, sess domainauth.Session, ipAddress string) error {
	if err := s.refresh.RevokeSession(ctx, sess.ID); err != nil {
		return err
	}
	if err := s.sessions.Invalidate(ctx, sess, ipAddress); err != nil {
		return err
	}
	s.audit.Record(ctx, domainauth.AuditEvent{
		ActorID:   sess.IdentityID,
		Action:    domainauth.AuditLogout,
		Outcome:   domainauth.OutcomeSuccess,
		IPAddress: ipAddress,
		Metadata:  map[string]string{"session_id": sess.ID},
	})
	return nil
}

// LogoutAll invalidates every session and token for the identity, optionally
// sparing the session doing the asking.
func (s *LoginService) LogoutAll(ctx context.Context, identityID, exceptSessionID string) error {
	if err := s.refresh.RevokeIdentity(ctx, identityID); err != nil {
		return err
	}
	if _, err := s.sessions.InvalidateAll(ctx, identityID, exceptSessionID); err != nil {
		return err
	}
	s.audit.Record(ctx, domainauth.AuditEvent{
		ActorID:  identityID,
		Action:   domainauth.AuditLogout,
		Outcome:  domainauth.OutcomeSuccess,
		Metadata: map[string]string{"scope": "all"},
	})
	return nil
}

// StartPasswordReset issues a reset token and hands it to the mailer. Unknown
// emails succeed silently so the endpoint cannot enumerate accounts.
func (s *LoginService) StartPasswordReset(ctx context.Context, email string) error {
	if email == "" {
		return fmt.Errorf("email: %w", errInvalidArgs)
	}
	identity, err := s.identities.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, data.ErrIdentityNotFound) {
			return nil
		}
		return fmt.Errorf("identity lookup: %w", err)
	}

	token, err := newOpaqueToken()
	if err != nil {
		return err
	}
	if _, err := s.counters.SetIfNotExists(ctx, resetKey(token), identity.ID, s.resetTokenTTL); err != nil {
		return fmt.Errorf("store reset token: %w", err)
	}
	if s.mailer == nil {
		s.logger.WarnContext(ctx, "no mailer configured, dropping reset token",
			"identity_id", identity.ID)
		return nil
	}
	if err := s.mailer.SendPasswordReset(ctx, identity.Email, token); err != nil {
		return fmt.Errorf("send reset mail: %w", err)
	}
	return nil
}

// ConfirmPasswordReset validates a reset token, replaces the credential, and
// kills every existing session and token for the identity.
func (s *LoginService) ConfirmPasswordReset(ctx context.Context, token, newPassword string) error {
	if len(newPassword) < minPasswordLength {
		return fmt.Errorf("password too short: %w", errInvalidArgs)
	}
	identityID, found, err := s.counters.GetValue(ctx, resetKey(token))
	if err != nil {
		return fmt.Errorf("reset token lookup: %w", err)
	}
	if !found {
		return fmt.Errorf("unknown reset token: %w", domainauth.ErrAuthentication)
	}

	hash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	if err := s.identities.SetPasswordHash(ctx, identityID, hash); err != nil {
		return fmt.Errorf("store password hash: %w", err)
	}
	if err := s.counters.Delete(ctx, resetKey(token)); err != nil {
		s.logger.WarnContext(ctx, "failed to delete used reset token", "error", err)
	}

	// A reset means the old credential may be compromised.
	if err := s.LogoutAll(ctx, identityID, ""); err != nil {
		s.logger.ErrorContext(ctx, "failed to revoke sessions after password reset",
			"identity_id", identityID, "error", err)
	}

	s.audit.Record(ctx, domainauth.AuditEvent{
		ActorID: identityID,
		Action:  domainauth.AuditPasswordReset,
		Outcome: domainauth.OutcomeSuccess,
	})
	return nil
}

// StartEmailVerification issues a verification token for the identity's email.
func (s *LoginService) StartEmailVerification(ctx context.Context, identity domainauth.Identity) error {
	token, err := newOpaqueToken()
	if err != nil {
		return err
	}
	if _, err := s.counters.SetIfNotExists(ctx, verifyKey(token), identity.ID, s.verifyTokenTTL); err != nil {
		return fmt.Errorf("store verification token: %w", err)
	}
	if s.mailer == nil {
		s.logger.WarnContext(ctx, "no mailer configured, dropping verification token",
			"identity_id", identity.ID)
		return nil
	}
	if err := s.mailer.SendEmailVerification(ctx, identity.Email, token); err != nil {
		return fmt.Errorf("send verification mail: %w", err)
	}
	return nil
}

// VerifyEmail consumes a verification token and stamps the identity.
func (s *LoginService) VerifyEmail(ctx context.Context, token string) error {
	identityID, found, err := s.counters.GetValue(ctx, verifyKey(token))
	if err != nil {
		return fmt.Errorf("verification token lookup: %w", err)
	}
	if !found {
		return fmt.Errorf("unknown verification token: %w", domainauth.ErrAuthentication)
	}
	if err := s.identities.SetEmailVerified(ctx, identityID, s.now()); err != nil {
		return fmt.Errorf("stamp verification: %w", err)
	}
	if err := s.counters.Delete(ctx, verifyKey(token)); err != nil {
		s.logger.WarnContext(ctx, "failed to delete used verification token", "error", err)
	}
	s.audit.Record(ctx, domainauth.AuditEvent{
		ActorID: identityID,
		Action:  domainauth.AuditEmailVerified,
		Outcome: domainauth.OutcomeSuccess,
	})
	return nil
}

func (s *LoginService) issueChallenge(ctx context.Context, identityID string) (string, error) {
	token, err := newOpaqueToken()
	if err != nil {
		return "", err
	}
	if _, err := s.counters.SetIfNotExists(ctx, challengeKey(token), identityID, s.challengeTTL); err != nil {
		return "", fmt.Errorf("store challenge: %w", err)
	}
	return token, nil
}

// establish creates the session and first token pair after all checks passed.
func (s *LoginService) establish(ctx context.Context, identity domainauth.Identity, role domainauth.Role, userAgent, ipAddress, method string, twoFactorVerifiedAt *time.Time) (LoginResult, error) {
	identity.Role = role
	sess, err := s.sessions.Create(ctx, identity, userAgent, ipAddress)
	if err != nil {
		return LoginResult{}, err
	}
	if twoFactorVerifiedAt != nil {
		sess.TwoFactorVerifiedAt = twoFactorVerifiedAt
		if err := s.sessions.MarkTwoFactorVerified(ctx, sess.ID); err != nil {
			s.logger.WarnContext(ctx, "failed to stamp two-factor verification",
				"session_id", sess.ID, "error", err)
		}
	}

	pair, err := s.refresh.Issue(ctx, sess)
	if err != nil {
		return LoginResult{}, err
	}

	device := domainauth.ParseDeviceContext(userAgent, ipAddress)
	s.recordLogin(ctx, identity.ID, device, domainauth.OutcomeSuccess, method)

	return LoginResult{Session: sess, Tokens: pair}, nil
}

func (s *LoginService) recordLogin(ctx context.Context, actorID string, device domainauth.DeviceContext, outcome domainauth.AuditOutcome, method string) {
	s.audit.Record(ctx, domainauth.AuditEvent{
		ActorID:   actorID,
		Action:    domainauth.AuditLogin,
		Outcome:   outcome,
		IPAddress: device.IPAddress,
		UserAgent: device.UserAgent,
		Metadata:  map[string]string{"method": method},
	})
}
