package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/casetrail/tcm-ui-api/internal/data/pgxutil"
	domainauth "github.com/casetrail/tcm-ui-api/internal/domain/auth"
)

// RefreshTokenRepo persists refresh token rotation families.
type RefreshTokenRepo struct {
	DB    *sql.DB
	Clock TimeProvider
}

// NewRefreshTokenRepo creates a new RefreshTokenRepo.
func NewRefreshTokenRepo(db *sql.DB) *RefreshTokenRepo {
	return &RefreshTokenRepo{DB: db, Clock: &RealTimeProvider{}}
}

type refreshTokenRow struct {
	ID            string     `db:"id"`
	SessionID     string     `db:"session_id"`
	IdentityID    string     `db:"identity_id"`
	TokenHash     string     `db:"token_hash"`
	FamilyID      string     `db:"family_id"`
	RotatedFromID *string    `db:"rotated_from_id"`
	Revoked       bool       `db:"revoked"`
	CreatedAt     time.Time  `db:"created_at"`
	ExpiresAt     time.Time  `db:"expires_at"`
	RevokedAt     *time.Time `db:"revoked_at"`
}

func (r refreshTokenRow) toDomain() domainauth.RefreshToken {
	return domainauth.RefreshToken{
		ID:            r.ID,
		SessionID:     r.SessionID,
		IdentityID:    r.IdentityID,
		TokenHash:     r.TokenHash,
		FamilyID:      r.FamilyID,
		RotatedFromID: r.RotatedFromID,
		Revoked:       r.Revoked,
		CreatedAt:     r.CreatedAt,
		ExpiresAt:     r.ExpiresAt,
		RevokedAt:     r.RevokedAt,
	}
}

const refreshTokenColumns = `
	id, session_id, identity_id, token_hash, family_id, rotated_from_id,
	revoked, created_at, expires_at, revoked_at`

const insertRefreshTokenSQL = `
	INSERT INTO refresh_tokens
		(id, session_id, identity_id, token_hash, family_id, rotated_from_id, expires_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7)`

// Create inserts the first token of a family.
func (r *RefreshTokenRepo) Create(ctx context.Context, token domainauth.RefreshToken) error {
	if token.ID == "" || token.TokenHash == "" || token.FamilyID == "" {
		return errors.New("refresh token requires id, hash and family id")
	}

	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		_, err := conn.Exec(ctx, insertRefreshTokenSQL,
			token.ID, token.SessionID, token.IdentityID, token.TokenHash,
			token.FamilyID, token.RotatedFromID, token.ExpiresAt)
		return err
	})
	if err != nil {
		return fmt.Errorf("create refresh token: %w", err)
	}
	return nil
}

// GetByHash fetches a token by its hash, revoked or not. Callers decide what
// a revoked hit means; presenting a revoked token signals replay.
func (r *RefreshTokenRepo) GetByHash(ctx context.Context, tokenHash string) (domainauth.RefreshToken, error) {
	var row refreshTokenRow
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx,
			`SELECT `+refreshTokenColumns+` FROM refresh_tokens WHERE token_hash = $1`,
			tokenHash)
		if err != nil {
			return err
		}
		defer rows.Close()
		row, err = pgx.CollectOneRow(rows, pgx.RowToStructByName[refreshTokenRow])
		return err
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return domainauth.RefreshToken{}, ErrTokenNotFound
	}
	if err != nil {
		return domainauth.RefreshToken{}, fmt.Errorf("get refresh token: %w", err)
	}
	return row.toDomain(), nil
}

// Rotate revokes the token with oldID and inserts its successor in one
// transaction. The revoke is conditional on the token still being unrevoked,
// so of two concurrent rotations exactly one succeeds; the loser gets
// ErrTokenConflict.
func (r *RefreshTokenRepo) Rotate(ctx context.Context, oldID string, successor domainauth.RefreshToken) error {
	if successor.ID == "" || successor.TokenHash == "" || successor.FamilyID == "" {
		return errors.New("successor token requires id, hash and family id")
	}

	err := pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{
		Fn: func(tx pgx.Tx) error {
			ct, err := tx.Exec(ctx, `
				UPDATE refresh_tokens
				SET revoked = TRUE, revoked_at = $2
				WHERE id = $1 AND revoked = FALSE`,
				oldID, r.Clock.Now())
			if err != nil {
				return fmt.Errorf("revoke predecessor: %w", err)
			}
			if ct.RowsAffected() == 0 {
				return ErrTokenConflict
			}

			_, err = tx.Exec(ctx, insertRefreshTokenSQL,
				successor.ID, successor.SessionID, successor.IdentityID,
				successor.TokenHash, successor.FamilyID, successor.RotatedFromID,
				successor.ExpiresAt)
			if err != nil {
				return fmt.Errorf("insert successor: %w", err)
			}
			return nil
		},
	})
	if errors.Is(err, ErrTokenConflict) {
		return ErrTokenConflict
	}
	if err != nil {
		return fmt.Errorf("rotate refresh token: %w", err)
	}
	return nil
}

func (r *RefreshTokenRepo) revokeWhere(ctx context.Context, what, where string, arg any) (int64, error) {
	var affected int64
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		ct, err := conn.Exec(ctx, `
			UPDATE refresh_tokens
			SET revoked = TRUE, revoked_at = $2
			WHERE `+where+` AND revoked = FALSE`,
			arg, r.Clock.Now())
		if err != nil {
			return err
		}
		affected = ct.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%s: %w", what, err)
	}
	return affected, nil
}

// RevokeFamily revokes every live token in the family. Idempotent.
func (r *RefreshTokenRepo) RevokeFamily(ctx context.Context, familyID string) (int64, error) {
	return r.revokeWhere(ctx, "revoke family", "family_id = $1", familyID)
}

// RevokeBySession revokes every live token tied to a session.
func (r *RefreshTokenRepo) RevokeBySession(ctx context.Context, sessionID string) (int64, error) {
	return r.revokeWhere(ctx, "revoke by session", "session_id = $1", sessionID)
}

// RevokeByIdentity revokes all live tokens for an identity.
func (r *RefreshTokenRepo) RevokeByIdentity(ctx context.Context, identityID string) (int64, error) {
	return r.revokeWhere(ctx, "revoke by identity", "identity_id = $1", identityID)
}

// DeleteExpired removes expired or long-revoked rows older than cutoff in
// batches. The ctid subquery keeps the delete bounded so concurrent sweepers
// stay cheap.
func (r *RefreshTokenRepo) DeleteExpired(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = 500
	}

	var affected int64
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		ct, err := conn.Exec(ctx, `
			DELETE FROM refresh_tokens
			WHERE ctid IN (
				SELECT ctid FROM refresh_tokens
				WHERE expires_at < $1
				   OR (revoked AND revoked_at < $1)
				LIMIT $2
			)`, cutoff, batchSize)
		if err != nil {
			return err
		}
		affected = ct.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("delete expired refresh tokens: %w", err)
	}
	return affected, nil
}
