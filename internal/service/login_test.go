package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	domainauth "github.com/casetrail/tcm-ui-api/internal/domain/auth"
	"github.com/casetrail/tcm-ui-api/internal/mocks"
	mockauth "github.com/casetrail/tcm-ui-api/internal/mocks/auth"
	"github.com/casetrail/tcm-ui-api/internal/ports"
)

type loginFixture struct {
	clock      *fakeClock
	identities *mockauth.MemoryIdentityStore
	sessions   *mockauth.MemorySessionStore
	tokens     *mockauth.MemoryRefreshTokenStore
	twoFactor  *mockauth.MemoryTwoFactorStore
	counters   *mockauth.MemoryCounterStore
	audit      *mockauth.RecordingAuditSink
	twoFactorS *TwoFactorService
	svc        *LoginService
}

func newLoginFixture(t *testing.T, mailer ports.Mailer, roles ports.RoleMapper) *loginFixture {
	t.Helper()
	f := &loginFixture{
		clock:      newFakeClock(),
		identities: mockauth.NewMemoryIdentityStore(),
		sessions:   mockauth.NewMemorySessionStore(),
		tokens:     mockauth.NewMemoryRefreshTokenStore(),
		twoFactor:  mockauth.NewMemoryTwoFactorStore(),
		counters:   mockauth.NewMemoryCounterStore(),
		audit:      mockauth.NewRecordingAuditSink(),
	}
	f.sessions.Now = f.clock.Now
	f.tokens.Now = f.clock.Now
	f.counters.Now = f.clock.Now

	lockout, err := NewAccountLockoutService(LockoutOptions{
		Identities: f.identities,
		Counters:   f.counters,
		Audit:      f.audit,
		Clock:      f.clock.Now,
	})
	require.NoError(t, err)

	sessions, err := NewSessionManager(SessionManagerOptions{
		Store: f.sessions,
		Audit: f.audit,
		Clock: f.clock.Now,
	})
	require.NoError(t, err)

	refresh, err := NewRefreshTokenService(RefreshTokenServiceOptions{
		Tokens:   f.tokens,
		Sessions: f.sessions,
		Signer:   mockauth.StaticSigner{},
		Audit:    f.audit,
		Clock:    f.clock.Now,
	})
	require.NoError(t, err)

	twoFactor, err := NewTwoFactorService(TwoFactorOptions{
		Store:      f.twoFactor,
		Identities: f.identities,
		Sessions:   f.sessions,
		Counters:   f.counters,
		Hasher:     mockauth.PlainHasher{},
		Audit:      f.audit,
		Clock:      f.clock.Now,
	})
	require.NoError(t, err)
	f.twoFactorS = twoFactor

	svc, err := NewLoginService(LoginOptions{
		Identities: f.identities,
		Hasher:     mockauth.PlainHasher{},
		Lockout:    lockout,
		Sessions:   sessions,
		Refresh:    refresh,
		TwoFactor:  twoFactor,
		Counters:   f.counters,
		Mailer:     mailer,
		Audit:      f.audit,
		Clock:      f.clock.Now,
		Roles:      roles,
	})
	require.NoError(t, err)
	f.svc = svc
	return f
}

func (f *loginFixture) seedIdentity(t *testing.T, password string) domainauth.Identity {
	t.Helper()
	hash, err := mockauth.PlainHasher{}.Hash(password)
	require.NoError(t, err)
	identity := domainauth.Identity{
		ID:           "id-1",
		Email:        "user@example.com",
		Role:         domainauth.RoleTester,
		Status:       domainauth.StatusActive,
		PasswordHash: hash,
	}
	f.identities.Put(identity)
	return identity
}

func TestLogin_Success(t *testing.T) {
	t.Parallel()
	f := newLoginFixture(t, nil, nil)
	f.seedIdentity(t, "correct horse")
	ctx := context.Background()

	result, err := f.svc.Login(ctx, "user@example.com", "correct horse", chromeUA, "203.0.113.4")
	require.NoError(t, err)
	assert.False(t, result.TwoFactorPending)
	assert.NotEmpty(t, result.Session.ID)
	assert.NotEmpty(t, result.Tokens.AccessToken)
	assert.NotEmpty(t, result.Tokens.RefreshToken)
	assert.Equal(t, domainauth.RoleTester, result.Session.Role)

	var loginEvent *domainauth.AuditEvent
	for _, e := range f.audit.Events() {
		if e.Action == domainauth.AuditLogin && e.Outcome == domainauth.OutcomeSuccess {
			loginEvent = &e
			break
		}
	}
	require.NotNil(t, loginEvent)
	assert.Equal(t, "password", loginEvent.Metadata["method"])
}

func TestLogin_UniformFailures(t *testing.T) {
	t.Parallel()
	f := newLoginFixture(t, nil, nil)
	f.seedIdentity(t, "correct horse")
	ctx := context.Background()

	_, badUser := f.svc.Login(ctx, "nobody@example.com", "whatever", chromeUA, "203.0.113.4")
	_, badPass := f.svc.Login(ctx, "user@example.com", "wrong", chromeUA, "203.0.113.4")

	require.ErrorIs(t, badUser, domainauth.ErrAuthentication)
	require.ErrorIs(t, badPass, domainauth.ErrAuthentication)
	assert.Equal(t, domainauth.ErrAuthentication.Error(), "authentication failed",
		"both paths surface the same terminal message")
}

func TestLogin_LocksAfterRepeatedFailures(t *testing.T) {
	t.Parallel()
	f := newLoginFixture(t, nil, nil)
	f.seedIdentity(t, "correct horse")
	ctx := context.Background()

	for i := 1; i < DefaultMaxAttempts; i++ {
		_, err := f.svc.Login(ctx, "user@example.com", "wrong", chromeUA, "203.0.113.4")
		require.ErrorIs(t, err, domainauth.ErrAuthentication)
		var locked *domainauth.LockoutError
		require.False(t, errors.As(err, &locked), "attempt %d should not lock yet", i)
	}

	_, err := f.svc.Login(ctx, "user@example.com", "wrong", chromeUA, "203.0.113.4")
	var locked *domainauth.LockoutError
	require.ErrorAs(t, err, &locked)
	assert.Equal(t, DefaultLockoutDuration, locked.Remaining(f.clock.Now()))

	// Even the right password is refused while locked.
	_, err = f.svc.Login(ctx, "user@example.com", "correct horse", chromeUA, "203.0.113.4")
	require.ErrorAs(t, err, &locked)

	// The lockout expires on its own.
	f.clock.Advance(DefaultLockoutDuration + time.Second)
	_, err = f.svc.Login(ctx, "user@example.com", "correct horse", chromeUA, "203.0.113.4")
	assert.NoError(t, err)
}

func TestLogin_TwoFactorChallenge(t *testing.T) {
	t.Parallel()
	f := newLoginFixture(t, nil, nil)
	identity := f.seedIdentity(t, "correct horse")
	ctx := context.Background()

	enroll, err := f.twoFactorS.Enroll(ctx, identity)
	require.NoError(t, err)
	require.NoError(t, f.identities.SetTwoFactorEnabled(ctx, identity.ID, true))
	secret, err := domainauth.DecodeTOTPSecret(enroll.Secret)
	require.NoError(t, err)

	result, err := f.svc.Login(ctx, "user@example.com", "correct horse", chromeUA, "203.0.113.4")
	require.NoError(t, err)
	assert.True(t, result.TwoFactorPending)
	assert.NotEmpty(t, result.ChallengeToken)
	assert.Empty(t, result.Session.ID, "no session until the second factor passes")

	code := domainauth.TOTPCodeAtStep(secret, domainauth.TOTPStepAt(f.clock.Now()))
	completed, err := f.svc.CompleteTwoFactor(ctx, result.ChallengeToken, code, chromeUA, "203.0.113.4")
	require.NoError(t, err)
	assert.NotEmpty(t, completed.Session.ID)
	assert.NotEmpty(t, completed.Tokens.RefreshToken)

	got, err := f.sessions.Get(ctx, completed.Session.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.TwoFactorVerifiedAt)

	// The challenge is single use.
	f.clock.Advance(domainauth.TOTPStep)
	code = domainauth.TOTPCodeAtStep(secret, domainauth.TOTPStepAt(f.clock.Now()))
	_, err = f.svc.CompleteTwoFactor(ctx, result.ChallengeToken, code, chromeUA, "203.0.113.4")
	assert.ErrorIs(t, err, domainauth.ErrAuthentication)
}

func TestLogin_TwoFactorBackupCodeFallback(t *testing.T) {
	t.Parallel()
	f := newLoginFixture(t, nil, nil)
	identity := f.seedIdentity(t, "correct horse")
	ctx := context.Background()

	enroll, err := f.twoFactorS.Enroll(ctx, identity)
	require.NoError(t, err)
	require.NoError(t, f.identities.SetTwoFactorEnabled(ctx, identity.ID, true))

	result, err := f.svc.Login(ctx, "user@example.com", "correct horse", chromeUA, "203.0.113.4")
	require.NoError(t, err)
	require.True(t, result.TwoFactorPending)

	completed, err := f.svc.CompleteTwoFactor(ctx, result.ChallengeToken, enroll.BackupCodes[0], chromeUA, "203.0.113.4")
	require.NoError(t, err)
	assert.NotEmpty(t, completed.Session.ID)
}

func TestLogin_ChallengeExpires(t *testing.T) {
	t.Parallel()
	f := newLoginFixture(t, nil, nil)
	identity := f.seedIdentity(t, "correct horse")
	ctx := context.Background()

	_, err := f.twoFactorS.Enroll(ctx, identity)
	require.NoError(t, err)
	require.NoError(t, f.identities.SetTwoFactorEnabled(ctx, identity.ID, true))

	result, err := f.svc.Login(ctx, "user@example.com", "correct horse", chromeUA, "203.0.113.4")
	require.NoError(t, err)

	f.clock.Advance(DefaultChallengeTTL + time.Minute)
	_, err = f.svc.CompleteTwoFactor(ctx, result.ChallengeToken, "123456", chromeUA, "203.0.113.4")
	assert.ErrorIs(t, err, domainauth.ErrAuthentication)
}

func TestLogin_DisabledAccount(t *testing.T) {
	t.Parallel()
	f := newLoginFixture(t, nil, nil)
	identity := f.seedIdentity(t, "correct horse")
	identity.Status = domainauth.StatusDisabled
	f.identities.Put(identity)

	_, err := f.svc.Login(context.Background(), "user@example.com", "correct horse", chromeUA, "203.0.113.4")
	assert.ErrorIs(t, err, domainauth.ErrAuthentication)
}

func TestLogin_LogoutRevokesEverything(t *testing.T) {
	t.Parallel()
	f := newLoginFixture(t, nil, nil)
	f.seedIdentity(t, "correct horse")
	ctx := context.Background()

	result, err := f.svc.Login(ctx, "user@example.com", "correct horse", chromeUA, "203.0.113.4")
	require.NoError(t, err)

	require.NoError(t, f.svc.Logout(ctx, result.Session, "203.0.113.4"))

	_, err = f.sessions.Get(ctx, result.Session.ID)
	assert.Error(t, err)
	for _, token := range f.tokens.Tokens() {
		assert.True(t, token.Revoked)
	}
	assert.Contains(t, f.audit.Actions(), domainauth.AuditLogout)
}

func TestLogin_LogoutAllSparesCurrentSession(t *testing.T) {
	t.Parallel()
	f := newLoginFixture(t, nil, nil)
	f.seedIdentity(t, "correct horse")
	ctx := context.Background()

	first, err := f.svc.Login(ctx, "user@example.com", "correct horse", chromeUA, "203.0.113.4")
	require.NoError(t, err)
	second, err := f.svc.Login(ctx, "user@example.com", "correct horse", chromeUA, "198.51.100.8")
	require.NoError(t, err)

	require.NoError(t, f.svc.LogoutAll(ctx, "id-1", second.Session.ID))

	_, err = f.sessions.Get(ctx, first.Session.ID)
	assert.Error(t, err)
	_, err = f.sessions.Get(ctx, second.Session.ID)
	assert.NoError(t, err)
}

func TestLogin_PasswordResetFlow(t *testing.T) {
	t.Parallel()
	ctrl := gomock.NewController(t)
	mailer := mocks.NewMockMailer(ctrl)

	var resetToken string
	mailer.EXPECT().
		SendPasswordReset(gomock.Any(), "user@example.com", gomock.Any()).
		DoAndReturn(func(_ context.Context, _ string, token string) error {
			resetToken = token
			return nil
		})

	f := newLoginFixture(t, mailer, nil)
	f.seedIdentity(t, "old password")
	ctx := context.Background()

	// A session exists before the reset; it must not survive it.
	before, err := f.svc.Login(ctx, "user@example.com", "old password", chromeUA, "203.0.113.4")
	require.NoError(t, err)

	require.NoError(t, f.svc.StartPasswordReset(ctx, "user@example.com"))
	require.NotEmpty(t, resetToken)

	require.NoError(t, f.svc.ConfirmPasswordReset(ctx, resetToken, "brand new password"))

	_, err = f.sessions.Get(ctx, before.Session.ID)
	assert.Error(t, err, "existing sessions die with the old credential")

	_, err = f.svc.Login(ctx, "user@example.com", "old password", chromeUA, "203.0.113.4")
	assert.ErrorIs(t, err, domainauth.ErrAuthentication)

	_, err = f.svc.Login(ctx, "user@example.com", "brand new password", chromeUA, "203.0.113.4")
	assert.NoError(t, err)

	// The token is single use.
	err = f.svc.ConfirmPasswordReset(ctx, resetToken, "another password")
	assert.ErrorIs(t, err, domainauth.ErrAuthentication)
	assert.Contains(t, f.audit.Actions(), domainauth.AuditPasswordReset)
}

func TestLogin_PasswordResetUnknownEmailSilent(t *testing.T) {
	t.Parallel()
	ctrl := gomock.NewController(t)
	mailer := mocks.NewMockMailer(ctrl) // no EXPECT: nothing may be sent

	f := newLoginFixture(t, mailer, nil)
	assert.NoError(t, f.svc.StartPasswordReset(context.Background(), "ghost@example.com"))
}

func TestLogin_PasswordResetRejectsWeakPassword(t *testing.T) {
	t.Parallel()
	f := newLoginFixture(t, nil, nil)
	err := f.svc.ConfirmPasswordReset(context.Background(), "whatever", "short")
	assert.ErrorIs(t, err, domainauth.ErrValidation)
}

func TestLogin_EmailVerificationFlow(t *testing.T) {
	t.Parallel()
	ctrl := gomock.NewController(t)
	mailer := mocks.NewMockMailer(ctrl)

	var verifyToken string
	mailer.EXPECT().
		SendEmailVerification(gomock.Any(), "user@example.com", gomock.Any()).
		DoAndReturn(func(_ context.Context, _ string, token string) error {
			verifyToken = token
			return nil
		})

	f := newLoginFixture(t, mailer, nil)
	identity := f.seedIdentity(t, "correct horse")
	ctx := context.Background()

	require.NoError(t, f.svc.StartEmailVerification(ctx, identity))
	require.NotEmpty(t, verifyToken)

	require.NoError(t, f.svc.VerifyEmail(ctx, verifyToken))

	got, err := f.identities.GetByID(ctx, identity.ID)
	require.NoError(t, err)
	require.NotNil(t, got.EmailVerifiedAt)
	assert.Equal(t, f.clock.Now(), *got.EmailVerifiedAt)

	assert.ErrorIs(t, f.svc.VerifyEmail(ctx, verifyToken), domainauth.ErrAuthentication)
}

// roleMapperFunc adapts a function to ports.RoleMapper.
type roleMapperFunc func([]string) domainauth.Role

func (f roleMapperFunc) Map(groups []string) domainauth.Role { return f(groups) }

func TestLogin_CompleteSSO(t *testing.T) {
	t.Parallel()
	mapper := roleMapperFunc(func(groups []string) domainauth.Role {
		for _, g := range groups {
			if g == "qa-leads" {
				return domainauth.RoleProjectManager
			}
		}
		return domainauth.RoleViewer
	})
	f := newLoginFixture(t, nil, mapper)
	f.seedIdentity(t, "unused")
	ctx := context.Background()

	result, err := f.svc.CompleteSSO(ctx, ports.SSOIdentity{
		UserID: "idp-1",
		Email:  "user@example.com",
		Groups: []string{"qa-leads"},
	}, chromeUA, "203.0.113.4")
	require.NoError(t, err)
	assert.Equal(t, domainauth.RoleProjectManager, result.Session.Role,
		"session role comes from the group mapping")
	require.NotNil(t, result.Session.TwoFactorVerifiedAt, "the IdP carries the second factor")

	_, err = f.svc.CompleteSSO(ctx, ports.SSOIdentity{Email: "ghost@example.com"}, chromeUA, "203.0.113.4")
	assert.ErrorIs(t, err, domainauth.ErrAuthentication)
}
