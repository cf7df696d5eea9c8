package data

// Package data implements Postgres-backed repositories for the auth subsystem
// using pgx through the database/sql stdlib bridge.

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/casetrail/tcm-ui-api/internal/data/pgxutil"
	domainauth "github.com/casetrail/tcm-ui-api/internal/domain/auth"
)

// IdentityRepo provides persistence for identity records.
type IdentityRepo struct {
	DB *sql.DB
}

// NewIdentityRepo creates a new IdentityRepo.
func NewIdentityRepo(db *sql.DB) *IdentityRepo {
	return &IdentityRepo{DB: db}
}

// identityRow mirrors the identities table for pgx struct scanning.
type identityRow struct {
	ID                  string     `db:"id"`
	Email               string     `db:"email"`
	FirstName           string     `db:"first_name"`
	LastName            string     `db:"last_name"`
	PasswordHash        string     `db:"password_hash"`
	Role                string     `db:"role"`
	Status              string     `db:"status"`
	FailedLoginAttempts int        `db:"failed_login_attempts"`
	LockedUntil         *time.Time `db:"locked_until"`
	TwoFactorEnabled    bool       `db:"two_factor_enabled"`
	EmailVerifiedAt     *time.Time `db:"email_verified_at"`
	CreatedAt           time.Time  `db:"created_at"`
	UpdatedAt           time.Time  `db:"updated_at"`
}

func (r identityRow) toDomain() domainauth.Identity {
	return domainauth.Identity{
		ID:                  r.ID,
		Email:               r.Email,
		FirstName:           r.FirstName,
		LastName:            r.LastName,
		PasswordHash:        r.PasswordHash,
		Role:                domainauth.Role(r.Role),
		Status:              domainauth.IdentityStatus(r.Status),
		FailedLoginAttempts: r.FailedLoginAttempts,
		LockedUntil:         r.LockedUntil,
		TwoFactorEnabled:    r.TwoFactorEnabled,
		EmailVerifiedAt:     r.EmailVerifiedAt,
		CreatedAt:           r.CreatedAt,
		UpdatedAt:           r.UpdatedAt,
	}
}

const identityColumns = `
	id, email, first_name, last_name, password_hash, role, status,
	failed_login_attempts, locked_until, two_factor_enabled,
	email_verified_at, created_at, updated_at`

// CreateIdentityRequest carries the fields needed to register an identity.
type CreateIdentityRequest struct {
	Email        string
	FirstName    string
	LastName     string
	PasswordHash string
	Role         domainauth.Role
}

// Create inserts a new identity. Returns ErrEmailExists on a duplicate email.
func (r *IdentityRepo) Create(ctx context.Context, req CreateIdentityRequest) (domainauth.Identity, error) {
	if req.Email == "" {
		return domainauth.Identity{}, errors.New("email is required")
	}
	if req.PasswordHash == "" {
		return domainauth.Identity{}, errors.New("password hash is required")
	}
	role := req.Role
	if !role.Valid() {
		role = domainauth.RoleUser
	}

	var row identityRow
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, `
			INSERT INTO identities (email, first_name, last_name, password_hash, role)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING `+identityColumns,
			req.Email, req.FirstName, req.LastName, req.PasswordHash, string(role))
		if err != nil {
			return err
		}
		defer rows.Close()
		row, err = pgx.CollectOneRow(rows, pgx.RowToStructByName[identityRow])
		return err
	})
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return domainauth.Identity{}, ErrEmailExists
		}
		return domainauth.Identity{}, fmt.Errorf("create identity: %w", err)
	}
	return row.toDomain(), nil
}

func (r *IdentityRepo) getByQuery(ctx context.Context, query string, arg any, what string) (domainauth.Identity, error) {
	var row identityRow
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, query, arg)
		if err != nil {
			return err
		}
		defer rows.Close()
		row, err = pgx.CollectOneRow(rows, pgx.RowToStructByName[identityRow])
		return err
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return domainauth.Identity{}, ErrIdentityNotFound
	}
	if err != nil {
		return domainauth.Identity{}, fmt.Errorf("%s: %w", what, err)
	}
	return row.toDomain(), nil
}

// GetByID fetches an identity by ID.
func (r *IdentityRepo) GetByID(ctx context.Context, id string) (domainauth.Identity, error) {
	return r.getByQuery(ctx,
		`SELECT `+identityColumns+` FROM identities WHERE id = $1`,
		id, "get identity by id")
}

// GetByEmail fetches an identity by email, case-insensitively.
func (r *IdentityRepo) GetByEmail(ctx context.Context, email string) (domainauth.Identity, error) {
	return r.getByQuery(ctx,
		`SELECT `+identityColumns+` FROM identities WHERE lower(email) = lower($1)`,
		email, "get identity by email")
}

func (r *IdentityRepo) exec(ctx context.Context, what, query string, args ...any) error {
	var affected int64
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		ct, err := conn.Exec(ctx, query, args...)
		if err != nil {
			return err
		}
		affected = ct.RowsAffected()
		return nil
	})
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	if affected == 0 {
		return ErrIdentityNotFound
	}
	return nil
}

// SetLockout persists lockedUntil on the identity. A nil until clears the
// lockout and resets the mirrored attempt count.
func (r *IdentityRepo) SetLockout(ctx context.Context, id string, until *time.Time) error {
	if until == nil {
		return r.exec(ctx, "clear lockout", `
			UPDATE identities
			SET locked_until = NULL, failed_login_attempts = 0, updated_at = now()
			WHERE id = $1`, id)
	}
	return r.exec(ctx, "set lockout", `
		UPDATE identities SET locked_until = $2, updated_at = now() WHERE id = $1`,
		id, *until)
}

// SetFailedAttempts mirrors the ephemeral attempt counter onto the row.
func (r *IdentityRepo) SetFailedAttempts(ctx context.Context, id string, attempts int) error {
	return r.exec(ctx, "set failed attempts", `
		UPDATE identities SET failed_login_attempts = $2, updated_at = now() WHERE id = $1`,
		id, attempts)
}

// SetTwoFactorEnabled flips 2FA enrollment state.
func (r *IdentityRepo) SetTwoFactorEnabled(ctx context.Context, id string, enabled bool) error {
	return r.exec(ctx, "set two factor enabled", `
		UPDATE identities SET two_factor_enabled = $2, updated_at = now() WHERE id = $1`,
		id, enabled)
}

// SetPasswordHash replaces the stored credential hash.
func (r *IdentityRepo) SetPasswordHash(ctx context.Context, id, hash string) error {
	if hash == "" {
		return errors.New("password hash is required")
	}
	return r.exec(ctx, "set password hash", `
		UPDATE identities SET password_hash = $2, updated_at = now() WHERE id = $1`,
		id, hash)
}

// SetEmailVerified stamps the email verification time.
func (r *IdentityRepo) SetEmailVerified(ctx context.Context, id string, at time.Time) error {
	return r.exec(ctx, "set email verified", `
		UPDATE identities SET email_verified_at = $2, updated_at = now() WHERE id = $1`,
		id, at)
}
