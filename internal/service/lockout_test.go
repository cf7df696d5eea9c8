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

type lockoutFixture struct {
	clock      *fakeClock
	identities *mockauth.MemoryIdentityStore
	counters   *mockauth.MemoryCounterStore
	audit      *mockauth.RecordingAuditSink
	svc        *AccountLockoutService
}

func newLockoutFixture(t *testing.T) *lockoutFixture {
	t.Helper()
	f := &lockoutFixture{
		clock:      newFakeClock(),
		identities: mockauth.NewMemoryIdentityStore(),
		counters:   mockauth.NewMemoryCounterStore(),
		audit:      mockauth.NewRecordingAuditSink(),
	}
	f.counters.Now = f.clock.Now

	svc, err := NewAccountLockoutService(LockoutOptions{
		Identities: f.identities,
		Counters:   f.counters,
		Audit:      f.audit,
		Clock:      f.clock.Now,
	})
	require.NoError(t, err)
	f.svc = svc
	return f
}

func (f *lockoutFixture) seedIdentity() domainauth.Identity {
	identity := domainauth.Identity{
		ID:     "id-1",
		Email:  "user@example.com",
		Role:   domainauth.RoleTester,
		Status: domainauth.StatusActive,
	}
	f.identities.Put(identity)
	return identity
}

func TestLockout_ThresholdLocksAccount(t *testing.T) {
	t.Parallel()
	f := newLockoutFixture(t)
	identity := f.seedIdentity()
	ctx := context.Background()
	device := domainauth.DeviceContext{IPAddress: "203.0.113.9"}

	for i := 1; i < DefaultMaxAttempts; i++ {
		require.NoError(t, f.svc.RecordFailure(ctx, identity, device))

		got, err := f.identities.GetByID(ctx, identity.ID)
		require.NoError(t, err)
		assert.Equal(t, i, got.FailedLoginAttempts)
		assert.Nil(t, got.LockedUntil)
	}

	err := f.svc.RecordFailure(ctx, identity, device)
	var locked *domainauth.LockoutError
	require.ErrorAs(t, err, &locked)
	assert.ErrorIs(t, err, domainauth.ErrAuthentication)
	assert.Equal(t, f.clock.Now().Add(DefaultLockoutDuration), locked.Until)

	got, err := f.identities.GetByID(ctx, identity.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LockedUntil)
	assert.ErrorIs(t, f.svc.CheckLocked(got), domainauth.ErrAuthentication)

	assert.Contains(t, f.audit.Actions(), domainauth.AuditAccountLockout)

	// The ephemeral counter is gone; the persisted lockout carries the state.
	count, err := f.counters.Get(ctx, "lockout:attempts:"+identity.ID)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestLockout_AttemptWindowExpiry(t *testing.T) {
	t.Parallel()
	f := newLockoutFixture(t)
	identity := f.seedIdentity()
	ctx := context.Background()
	device := domainauth.DeviceContext{}

	for i := 0; i < DefaultMaxAttempts-1; i++ {
		require.NoError(t, f.svc.RecordFailure(ctx, identity, device))
	}

	// The counter's window lapses; stale attempts no longer accumulate.
	f.clock.Advance(DefaultAttemptWindow + time.Minute)

	require.NoError(t, f.svc.RecordFailure(ctx, identity, device))
	got, err := f.identities.GetByID(ctx, identity.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.FailedLoginAttempts)
	assert.Nil(t, got.LockedUntil)
}

func TestLockout_ExpiresNaturally(t *testing.T) {
	t.Parallel()
	f := newLockoutFixture(t)
	identity := f.seedIdentity()
	until := f.clock.Now().Add(DefaultLockoutDuration)
	identity.LockedUntil = &until

	assert.Error(t, f.svc.CheckLocked(identity))

	f.clock.Advance(DefaultLockoutDuration + time.Second)
	assert.NoError(t, f.svc.CheckLocked(identity), "an expired lockout no longer blocks")
}

func TestLockout_SuccessResetsState(t *testing.T) {
	t.Parallel()
	f := newLockoutFixture(t)
	identity := f.seedIdentity()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, f.svc.RecordFailure(ctx, identity, domainauth.DeviceContext{}))
	}
	identity, err := f.identities.GetByID(ctx, identity.ID)
	require.NoError(t, err)
	require.Equal(t, 3, identity.FailedLoginAttempts)

	require.NoError(t, f.svc.RecordSuccess(ctx, identity))

	got, err := f.identities.GetByID(ctx, identity.ID)
	require.NoError(t, err)
	assert.Zero(t, got.FailedLoginAttempts)
	assert.Nil(t, got.LockedUntil)

	count, err := f.counters.Get(ctx, "lockout:attempts:"+identity.ID)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestLockout_Unlock(t *testing.T) {
	t.Parallel()
	f := newLockoutFixture(t)
	identity := f.seedIdentity()
	ctx := context.Background()
	until := f.clock.Now().Add(DefaultLockoutDuration)
	require.NoError(t, f.identities.SetLockout(ctx, identity.ID, &until))

	require.NoError(t, f.svc.Unlock(ctx, identity.ID))

	got, err := f.identities.GetByID(ctx, identity.ID)
	require.NoError(t, err)
	assert.Nil(t, got.LockedUntil)
	assert.NoError(t, f.svc.CheckLocked(got))
	assert.Contains(t, f.audit.Actions(), domainauth.AuditLockoutCleared)
}

func TestLockout_UnlockRequiresID(t *testing.T) {
	t.Parallel()
	f := newLockoutFixture(t)
	assert.ErrorIs(t, f.svc.Unlock(context.Background(), ""), domainauth.ErrValidation)
}
