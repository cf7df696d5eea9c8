package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domainauth "github.com/casetrail/tcm-ui-api/internal/domain/auth"
	mockauth "github.com/casetrail/tcm-ui-api/internal/mocks/auth"
)

type refreshFixture struct {
	clock    *fakeClock
	tokens   *mockauth.MemoryRefreshTokenStore
	sessions *mockauth.MemorySessionStore
	audit    *mockauth.RecordingAuditSink
	svc      *RefreshTokenService
}

func newRefreshFixture(t *testing.T) *refreshFixture {
	t.Helper()
	f := &refreshFixture{
		clock:    newFakeClock(),
		tokens:   mockauth.NewMemoryRefreshTokenStore(),
		sessions: mockauth.NewMemorySessionStore(),
		audit:    mockauth.NewRecordingAuditSink(),
	}
	f.tokens.Now = f.clock.Now
	f.sessions.Now = f.clock.Now

	svc, err := NewRefreshTokenService(RefreshTokenServiceOptions{
		Tokens:   f.tokens,
		Sessions: f.sessions,
		Signer:   mockauth.StaticSigner{},
		Audit:    f.audit,
		Clock:    f.clock.Now,
	})
	require.NoError(t, err)
	f.svc = svc
	return f
}

func (f *refreshFixture) newSession(t *testing.T) domainauth.Session {
	t.Helper()
	sess := domainauth.Session{
		ID:         "sess-1",
		IdentityID: "id-1",
		Email:      "user@example.com",
		Role:       domainauth.RoleTester,
		CreatedAt:  f.clock.Now(),
		ExpiresAt:  f.clock.Now().Add(12 * time.Hour),
	}
	require.NoError(t, f.sessions.Save(context.Background(), sess))
	return sess
}

func TestRefresh_IssueAndRotate(t *testing.T) {
	t.Parallel()
	f := newRefreshFixture(t)
	ctx := context.Background()
	sess := f.newSession(t)

	first, err := f.svc.Issue(ctx, sess)
	require.NoError(t, err)
	assert.NotEmpty(t, first.AccessToken)
	assert.NotEmpty(t, first.RefreshToken)

	second, err := f.svc.Refresh(ctx, first.RefreshToken, domainauth.DeviceContext{})
	require.NoError(t, err)
	assert.NotEqual(t, first.RefreshToken, second.RefreshToken)

	third, err := f.svc.Refresh(ctx, second.RefreshToken, domainauth.DeviceContext{})
	require.NoError(t, err)
	assert.NotEqual(t, second.RefreshToken, third.RefreshToken)
	assert.Contains(t, f.audit.Actions(), domainauth.AuditTokenRefresh)
}

func TestRefresh_ReuseRevokesFamily(t *testing.T) {
	t.Parallel()
	f := newRefreshFixture(t)
	ctx := context.Background()
	sess := f.newSession(t)

	first, err := f.svc.Issue(ctx, sess)
	require.NoError(t, err)
	second, err := f.svc.Refresh(ctx, first.RefreshToken, domainauth.DeviceContext{})
	require.NoError(t, err)

	// Presenting the rotated-away token is treated as theft.
	_, err = f.svc.Refresh(ctx, first.RefreshToken, domainauth.DeviceContext{IPAddress: "198.51.100.77"})
	var replay *domainauth.ReplayError
	require.ErrorAs(t, err, &replay)
	assert.ErrorIs(t, err, domainauth.ErrAuthentication)

	// The whole family is dead, including the current token.
	_, err = f.svc.Refresh(ctx, second.RefreshToken, domainauth.DeviceContext{})
	assert.Error(t, err)

	var suspected []domainauth.AuditEvent
	for _, e := range f.audit.Events() {
		if e.Action == domainauth.AuditTokenRefresh && e.Outcome == domainauth.OutcomeSuspectedReplay {
			suspected = append(suspected, e)
		}
	}
	require.NotEmpty(t, suspected)
	assert.Equal(t, "198.51.100.77", suspected[0].IPAddress,
		"the reuse that tripped the detection carries its device context")
}

func TestRefresh_UnknownToken(t *testing.T) {
	t.Parallel()
	f := newRefreshFixture(t)

	_, err := f.svc.Refresh(context.Background(), "never-issued", domainauth.DeviceContext{})
	assert.ErrorIs(t, err, domainauth.ErrAuthentication)

	_, err = f.svc.Refresh(context.Background(), "", domainauth.DeviceContext{})
	assert.ErrorIs(t, err, domainauth.ErrValidation)
}

func TestRefresh_ExpiredToken(t *testing.T) {
	t.Parallel()
	f := newRefreshFixture(t)
	ctx := context.Background()
	sess := f.newSession(t)

	pair, err := f.svc.Issue(ctx, sess)
	require.NoError(t, err)

	f.clock.Advance(DefaultRefreshTokenTTL + time.Hour)

	_, err = f.svc.Refresh(ctx, pair.RefreshToken, domainauth.DeviceContext{})
	assert.ErrorIs(t, err, domainauth.ErrAuthentication)
}

func TestRefresh_SessionGoneRevokesFamily(t *testing.T) {
	t.Parallel()
	f := newRefreshFixture(t)
	ctx := context.Background()
	sess := f.newSession(t)

	pair, err := f.svc.Issue(ctx, sess)
	require.NoError(t, err)

	require.NoError(t, f.sessions.Delete(ctx, sess.ID))

	_, err = f.svc.Refresh(ctx, pair.RefreshToken, domainauth.DeviceContext{})
	assert.ErrorIs(t, err, domainauth.ErrAuthentication)

	for _, token := range f.tokens.Tokens() {
		assert.True(t, token.Revoked, "orphaned family should be revoked")
	}
}

func TestRefresh_RevokeSession(t *testing.T) {
	t.Parallel()
	f := newRefreshFixture(t)
	ctx := context.Background()
	sess := f.newSession(t)

	pair, err := f.svc.Issue(ctx, sess)
	require.NoError(t, err)

	require.NoError(t, f.svc.RevokeSession(ctx, sess.ID))

	_, err = f.svc.Refresh(ctx, pair.RefreshToken, domainauth.DeviceContext{})
	assert.ErrorIs(t, err, domainauth.ErrAuthentication)
	assert.Contains(t, f.audit.Actions(), domainauth.AuditTokenRevoked)
}

func TestRefresh_RevokeIdentity(t *testing.T) {
	t.Parallel()
	f := newRefreshFixture(t)
	ctx := context.Background()
	sess := f.newSession(t)

	other := sess
	other.ID = "sess-2"
	require.NoError(t, f.sessions.Save(ctx, other))

	pairA, err := f.svc.Issue(ctx, sess)
	require.NoError(t, err)
	pairB, err := f.svc.Issue(ctx, other)
	require.NoError(t, err)

	require.NoError(t, f.svc.RevokeIdentity(ctx, sess.IdentityID))

	_, err = f.svc.Refresh(ctx, pairA.RefreshToken, domainauth.DeviceContext{})
	assert.Error(t, err)
	_, err = f.svc.Refresh(ctx, pairB.RefreshToken, domainauth.DeviceContext{})
	assert.Error(t, err)
}
