package data

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domainauth "github.com/casetrail/tcm-ui-api/internal/domain/auth"
	"github.com/casetrail/tcm-ui-api/internal/testutil"
)

func newTestToken(identityID, sessionID, familyID string) domainauth.RefreshToken {
	return domainauth.RefreshToken{
		ID:         uuid.NewString(),
		SessionID:  sessionID,
		IdentityID: identityID,
		TokenHash:  uuid.NewString(),
		FamilyID:   familyID,
		ExpiresAt:  time.Now().Add(30 * 24 * time.Hour),
	}
}

func TestRefreshTokenRepo_CreateAndGetByHash(t *testing.T) {
	testutil.WithTestDB(t, func(db *sql.DB) {
		identity := createTestIdentity(t, NewIdentityRepo(db), "tokens@example.com")
		repo := NewRefreshTokenRepo(db)
		ctx := context.Background()

		token := newTestToken(identity.ID, "session-1", uuid.NewString())
		require.NoError(t, repo.Create(ctx, token))

		got, err := repo.GetByHash(ctx, token.TokenHash)
		require.NoError(t, err)
		assert.Equal(t, token.ID, got.ID)
		assert.Equal(t, token.FamilyID, got.FamilyID)
		assert.False(t, got.Revoked)

		_, err = repo.GetByHash(ctx, "no-such-hash")
		assert.ErrorIs(t, err, ErrTokenNotFound)
	})
}

func TestRefreshTokenRepo_Rotate(t *testing.T) {
	testutil.WithTestDB(t, func(db *sql.DB) {
		identity := createTestIdentity(t, NewIdentityRepo(db), "rotate@example.com")
		repo := NewRefreshTokenRepo(db)
		ctx := context.Background()

		familyID := uuid.NewString()
		first := newTestToken(identity.ID, "session-1", familyID)
		require.NoError(t, repo.Create(ctx, first))

		successor := newTestToken(identity.ID, "session-1", familyID)
		successor.RotatedFromID = &first.ID
		require.NoError(t, repo.Rotate(ctx, first.ID, successor))

		// Predecessor is revoked, successor is live.
		old, err := repo.GetByHash(ctx, first.TokenHash)
		require.NoError(t, err)
		assert.True(t, old.Revoked)
		assert.NotNil(t, old.RevokedAt)

		current, err := repo.GetByHash(ctx, successor.TokenHash)
		require.NoError(t, err)
		assert.False(t, current.Revoked)
		require.NotNil(t, current.RotatedFromID)
		assert.Equal(t, first.ID, *current.RotatedFromID)
	})
}

func TestRefreshTokenRepo_RotateAlreadyRotated(t *testing.T) {
	testutil.WithTestDB(t, func(db *sql.DB) {
		identity := createTestIdentity(t, NewIdentityRepo(db), "rotate2@example.com")
		repo := NewRefreshTokenRepo(db)
		ctx := context.Background()

		familyID := uuid.NewString()
		first := newTestToken(identity.ID, "session-1", familyID)
		require.NoError(t, repo.Create(ctx, first))

		require.NoError(t, repo.Rotate(ctx, first.ID, newTestToken(identity.ID, "session-1", familyID)))

		// A second rotation of the same token loses the conditional update.
		err := repo.Rotate(ctx, first.ID, newTestToken(identity.ID, "session-1", familyID))
		assert.ErrorIs(t, err, ErrTokenConflict)
	})
}

func TestRefreshTokenRepo_ConcurrentRotation(t *testing.T) {
	testutil.WithTestDB(t, func(db *sql.DB) {
		identity := createTestIdentity(t, NewIdentityRepo(db), "concurrent@example.com")
		repo := NewRefreshTokenRepo(db)
		ctx := context.Background()

		familyID := uuid.NewString()
		first := newTestToken(identity.ID, "session-1", familyID)
		require.NoError(t, repo.Create(ctx, first))

		const racers = 4
		errs := make([]error, racers)
		var wg sync.WaitGroup
		for i := 0; i < racers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				errs[i] = repo.Rotate(ctx, first.ID, newTestToken(identity.ID, "session-1", familyID))
			}(i)
		}
		wg.Wait()

		var wins, conflicts int
		for _, err := range errs {
			switch {
			case err == nil:
				wins++
			case assert.ErrorIs(t, err, ErrTokenConflict):
				conflicts++
			}
		}
		assert.Equal(t, 1, wins, "exactly one rotation should win")
		assert.Equal(t, racers-1, conflicts)
	})
}

func TestRefreshTokenRepo_RevokeFamily(t *testing.T) {
	testutil.WithTestDB(t, func(db *sql.DB) {
		identity := createTestIdentity(t, NewIdentityRepo(db), "family@example.com")
		repo := NewRefreshTokenRepo(db)
		ctx := context.Background()

		familyID := uuid.NewString()
		first := newTestToken(identity.ID, "session-1", familyID)
		require.NoError(t, repo.Create(ctx, first))
		successor := newTestToken(identity.ID, "session-1", familyID)
		require.NoError(t, repo.Rotate(ctx, first.ID, successor))

		otherFamily := newTestToken(identity.ID, "session-2", uuid.NewString())
		require.NoError(t, repo.Create(ctx, otherFamily))

		// Only the live successor is affected; predecessor is already revoked.
		n, err := repo.RevokeFamily(ctx, familyID)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		// Idempotent.
		n, err = repo.RevokeFamily(ctx, familyID)
		require.NoError(t, err)
		assert.Zero(t, n)

		untouched, err := repo.GetByHash(ctx, otherFamily.TokenHash)
		require.NoError(t, err)
		assert.False(t, untouched.Revoked)
	})
}

func TestRefreshTokenRepo_RevokeBySessionAndIdentity(t *testing.T) {
	testutil.WithTestDB(t, func(db *sql.DB) {
		identityRepo := NewIdentityRepo(db)
		alice := createTestIdentity(t, identityRepo, "alice@example.com")
		bob := createTestIdentity(t, identityRepo, "bob@example.com")
		repo := NewRefreshTokenRepo(db)
		ctx := context.Background()

		require.NoError(t, repo.Create(ctx, newTestToken(alice.ID, "alice-s1", uuid.NewString())))
		require.NoError(t, repo.Create(ctx, newTestToken(alice.ID, "alice-s2", uuid.NewString())))
		require.NoError(t, repo.Create(ctx, newTestToken(bob.ID, "bob-s1", uuid.NewString())))

		n, err := repo.RevokeBySession(ctx, "alice-s1")
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		n, err = repo.RevokeByIdentity(ctx, alice.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n, "only alice's remaining live token")

		n, err = repo.RevokeByIdentity(ctx, bob.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})
}

func TestRefreshTokenRepo_DeleteExpired(t *testing.T) {
	testutil.WithTestDB(t, func(db *sql.DB) {
		identity := createTestIdentity(t, NewIdentityRepo(db), "sweep@example.com")
		repo := NewRefreshTokenRepo(db)
		ctx := context.Background()

		expired := newTestToken(identity.ID, "session-1", uuid.NewString())
		expired.ExpiresAt = time.Now().Add(-time.Hour)
		require.NoError(t, repo.Create(ctx, expired))

		live := newTestToken(identity.ID, "session-1", uuid.NewString())
		require.NoError(t, repo.Create(ctx, live))

		n, err := repo.DeleteExpired(ctx, time.Now(), 100)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		_, err = repo.GetByHash(ctx, expired.TokenHash)
		assert.ErrorIs(t, err, ErrTokenNotFound)

		_, err = repo.GetByHash(ctx, live.TokenHash)
		assert.NoError(t, err)
	})
}

func TestRefreshTokenRepo_DeleteExpiredBatchSize(t *testing.T) {
	testutil.WithTestDB(t, func(db *sql.DB) {
		identity := createTestIdentity(t, NewIdentityRepo(db), "batch@example.com")
		repo := NewRefreshTokenRepo(db)
		ctx := context.Background()

		for i := 0; i < 5; i++ {
			token := newTestToken(identity.ID, "session-1", uuid.NewString())
			token.ExpiresAt = time.Now().Add(-time.Hour)
			require.NoError(t, repo.Create(ctx, token))
		}

		n, err := repo.DeleteExpired(ctx, time.Now(), 2)
		require.NoError(t, err)
		assert.Equal(t, int64(2), n, "delete is bounded by batch size")
	})
}
