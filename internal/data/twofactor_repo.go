package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/casetrail/tcm-ui-api/internal/data/pgxutil"
)

// TwoFactorRepo persists TOTP secrets and hashed backup codes.
type TwoFactorRepo struct {
	DB *sql.DB
}

// NewTwoFactorRepo creates a new TwoFactorRepo.
func NewTwoFactorRepo(db *sql.DB) *TwoFactorRepo {
	return &TwoFactorRepo{DB: db}
}

// UpsertSecret stores the encoded TOTP secret for an identity, replacing any
// previous enrollment.
func (r *TwoFactorRepo) UpsertSecret(ctx context.Context, identityID, encodedSecret string) error {
	if identityID == "" || encodedSecret == "" {
		return errors.New("identity id and secret are required")
	}

	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		_, err := conn.Exec(ctx, `
			INSERT INTO two_factor_secrets (identity_id, secret)
			VALUES ($1, $2)
			ON CONFLICT (identity_id)
			DO UPDATE SET secret = EXCLUDED.secret, updated_at = now()`,
			identityID, encodedSecret)
		return err
	})
	if err != nil {
		return fmt.Errorf("upsert totp secret: %w", err)
	}
	return nil
}

// GetSecret returns the encoded TOTP secret for an identity.
func (r *TwoFactorRepo) GetSecret(ctx context.Context, identityID string) (string, error) {
	var secret string
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		return conn.QueryRow(ctx,
			`SELECT secret FROM two_factor_secrets WHERE identity_id = $1`,
			identityID).Scan(&secret)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNoTwoFactorSecret
	}
	if err != nil {
		return "", fmt.Errorf("get totp secret: %w", err)
	}
	return secret, nil
}

// ReplaceBackupCodes swaps the full set of hashed backup codes in one
// transaction, so a partially written set can never be observed.
func (r *TwoFactorRepo) ReplaceBackupCodes(ctx context.Context, identityID string, hashes []string) error {
	if identityID == "" {
		return errors.New("identity id is required")
	}

	err := pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{
		Fn: func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx,
				`DELETE FROM backup_codes WHERE identity_id = $1`, identityID); err != nil {
				return fmt.Errorf("clear backup codes: %w", err)
			}
			for _, h := range hashes {
				if _, err := tx.Exec(ctx,
					`INSERT INTO backup_codes (identity_id, code_hash) VALUES ($1, $2)`,
					identityID, h); err != nil {
					return fmt.Errorf("insert backup code: %w", err)
				}
			}
			return nil
		},
	})
	if err != nil {
		return fmt.Errorf("replace backup codes: %w", err)
	}
	return nil
}

// ListBackupCodeHashes returns hashes of unconsumed codes keyed by code id.
func (r *TwoFactorRepo) ListBackupCodeHashes(ctx context.Context, identityID string) (map[string]string, error) {
	hashes := make(map[string]string)
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, `
			SELECT id, code_hash FROM backup_codes
			WHERE identity_id = $1 AND consumed_at IS NULL`,
			identityID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var id, hash string
			if scanErr := rows.Scan(&id, &hash); scanErr != nil {
				return scanErr
			}
			hashes[id] = hash
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("list backup codes: %w", err)
	}
	return hashes, nil
}

// ConsumeBackupCode marks one code consumed. The conditional update means a
// code can be consumed exactly once even under concurrent attempts.
func (r *TwoFactorRepo) ConsumeBackupCode(ctx context.Context, codeID string) (bool, error) {
	var affected int64
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		ct, err := conn.Exec(ctx, `
			UPDATE backup_codes SET consumed_at = now()
			WHERE id = $1 AND consumed_at IS NULL`, codeID)
		if err != nil {
			return err
		}
		affected = ct.RowsAffected()
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("consume backup code: %w", err)
	}
	return affected > 0, nil
}

// DeleteForIdentity removes the secret and all codes on 2FA disable.
func (r *TwoFactorRepo) DeleteForIdentity(ctx context.Context, identityID string) error {
	err := pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{
		Fn: func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx,
				`DELETE FROM backup_codes WHERE identity_id = $1`, identityID); err != nil {
				return err
			}
			_, err := tx.Exec(ctx,
				`DELETE FROM two_factor_secrets WHERE identity_id = $1`, identityID)
			return err
		},
	})
	if err != nil {
		return fmt.Errorf("delete two factor data: %w", err)
	}
	return nil
}
