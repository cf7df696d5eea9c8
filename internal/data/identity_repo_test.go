package data

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domainauth "github.com/casetrail/tcm-ui-api/internal/domain/auth"
	"github.com/casetrail/tcm-ui-api/internal/testutil"
)

func createTestIdentity(t *testing.T, repo *IdentityRepo, email string) domainauth.Identity {
	t.Helper()

	identity, err := repo.Create(context.Background(), CreateIdentityRequest{
		Email:        email,
		FirstName:    "Test",
		LastName:     "User",
		PasswordHash: "$2a$10$fakefakefakefakefakefakefakefakefakefakefakefakefake",
		Role:         domainauth.RoleTester,
	})
	require.NoError(t, err)
	return identity
}

func TestIdentityRepo_CreateAndGet(t *testing.T) {
	testutil.WithTestDB(t, func(db *sql.DB) {
		repo := NewIdentityRepo(db)
		ctx := context.Background()

		created := createTestIdentity(t, repo, "create@example.com")
		assert.NotEmpty(t, created.ID)
		assert.Equal(t, domainauth.RoleTester, created.Role)
		assert.Equal(t, domainauth.StatusActive, created.Status)
		assert.Zero(t, created.FailedLoginAttempts)
		assert.Nil(t, created.LockedUntil)

		byID, err := repo.GetByID(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, created.Email, byID.Email)

		// Email lookup is case-insensitive.
		byEmail, err := repo.GetByEmail(ctx, "CREATE@Example.COM")
		require.NoError(t, err)
		assert.Equal(t, created.ID, byEmail.ID)
	})
}

func TestIdentityRepo_DuplicateEmail(t *testing.T) {
	testutil.WithTestDB(t, func(db *sql.DB) {
		repo := NewIdentityRepo(db)

		createTestIdentity(t, repo, "dup@example.com")

		_, err := repo.Create(context.Background(), CreateIdentityRequest{
			Email:        "dup@example.com",
			PasswordHash: "hash",
		})
		assert.ErrorIs(t, err, ErrEmailExists)
	})
}

func TestIdentityRepo_GetMissing(t *testing.T) {
	testutil.WithTestDB(t, func(db *sql.DB) {
		repo := NewIdentityRepo(db)
		ctx := context.Background()

		_, err := repo.GetByEmail(ctx, "nobody@example.com")
		assert.ErrorIs(t, err, ErrIdentityNotFound)

		_, err = repo.GetByID(ctx, "00000000-0000-0000-0000-000000000000")
		assert.ErrorIs(t, err, ErrIdentityNotFound)
	})
}

func TestIdentityRepo_Lockout(t *testing.T) {
	testutil.WithTestDB(t, func(db *sql.DB) {
		repo := NewIdentityRepo(db)
		ctx := context.Background()

		identity := createTestIdentity(t, repo, "lockout@example.com")
		until := time.Now().Add(15 * time.Minute).Truncate(time.Second)

		require.NoError(t, repo.SetFailedAttempts(ctx, identity.ID, 5))
		require.NoError(t, repo.SetLockout(ctx, identity.ID, &until))

		locked, err := repo.GetByID(ctx, identity.ID)
		require.NoError(t, err)
		require.NotNil(t, locked.LockedUntil)
		assert.WithinDuration(t, until, *locked.LockedUntil, time.Second)
		assert.Equal(t, 5, locked.FailedLoginAttempts)
		assert.True(t, locked.IsLocked(time.Now()))

		// Clearing the lockout also resets the mirrored counter.
		require.NoError(t, repo.SetLockout(ctx, identity.ID, nil))

		cleared, err := repo.GetByID(ctx, identity.ID)
		require.NoError(t, err)
		assert.Nil(t, cleared.LockedUntil)
		assert.Zero(t, cleared.FailedLoginAttempts)
	})
}

func TestIdentityRepo_Updates(t *testing.T) {
	testutil.WithTestDB(t, func(db *sql.DB) {
		repo := NewIdentityRepo(db)
		ctx := context.Background()

		identity := createTestIdentity(t, repo, "updates@example.com")

		require.NoError(t, repo.SetTwoFactorEnabled(ctx, identity.ID, true))
		require.NoError(t, repo.SetPasswordHash(ctx, identity.ID, "new-hash"))

		verifiedAt := time.Now().Truncate(time.Second)
		require.NoError(t, repo.SetEmailVerified(ctx, identity.ID, verifiedAt))

		updated, err := repo.GetByID(ctx, identity.ID)
		require.NoError(t, err)
		assert.True(t, updated.TwoFactorEnabled)
		assert.Equal(t, "new-hash", updated.PasswordHash)
		require.NotNil(t, updated.EmailVerifiedAt)
		assert.WithinDuration(t, verifiedAt, *updated.EmailVerifiedAt, time.Second)
	})
}

func TestIdentityRepo_UpdateMissingIdentity(t *testing.T) {
	testutil.WithTestDB(t, func(db *sql.DB) {
		repo := NewIdentityRepo(db)

		err := repo.SetTwoFactorEnabled(context.Background(),
			"00000000-0000-0000-0000-000000000000", true)
		assert.ErrorIs(t, err, ErrIdentityNotFound)
	})
}
