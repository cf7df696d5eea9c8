package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/casetrail/tcm-ui-api/internal/data/pgxutil"
	domainauth "github.com/casetrail/tcm-ui-api/internal/domain/auth"
)

// ResourceACLRepo answers ownership and team-membership questions from the
// resource registry. It backs the RBAC service's ownership fallback.
type ResourceACLRepo struct {
	DB *sql.DB
}

// NewResourceACLRepo creates a new ResourceACLRepo.
func NewResourceACLRepo(db *sql.DB) *ResourceACLRepo {
	return &ResourceACLRepo{DB: db}
}

// IsOwner reports whether the identity owns the resource. Projects carry
// their owner directly; everything else goes through resource_records.
func (r *ResourceACLRepo) IsOwner(ctx context.Context, identityID, resourceID string) (bool, error) {
	if identityID == "" || resourceID == "" {
		return false, nil
	}

	var owns bool
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		return conn.QueryRow(ctx, `
			SELECT EXISTS(
				SELECT 1 FROM resource_records WHERE id = $1 AND owner_id = $2
				UNION ALL
				SELECT 1 FROM projects WHERE id = $1 AND owner_id = $2
			)`, resourceID, identityID).Scan(&owns)
	})
	if err != nil {
		return false, fmt.Errorf("check ownership: %w", err)
	}
	return owns, nil
}

// IsTeamMember reports whether the identity belongs to the project's team.
// The project owner counts as a member.
func (r *ResourceACLRepo) IsTeamMember(ctx context.Context, identityID, projectID string) (bool, error) {
	if identityID == "" || projectID == "" {
		return false, nil
	}

	var member bool
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		return conn.QueryRow(ctx, `
			SELECT EXISTS(
				SELECT 1 FROM project_members WHERE project_id = $1 AND identity_id = $2
				UNION ALL
				SELECT 1 FROM projects WHERE id = $1 AND owner_id = $2
			)`, projectID, identityID).Scan(&member)
	})
	if err != nil {
		return false, fmt.Errorf("check team membership: %w", err)
	}
	return member, nil
}

// ProjectOf resolves the owning project for a resource. Returns empty string
// when the resource is a project itself or has no project.
func (r *ResourceACLRepo) ProjectOf(ctx context.Context, resource domainauth.Resource, resourceID string) (string, error) {
	if resourceID == "" {
		return "", nil
	}
	if resource == domainauth.ResourceProject {
		return resourceID, nil
	}

	var projectID *string
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		return conn.QueryRow(ctx,
			`SELECT project_id FROM resource_records WHERE id = $1`,
			resourceID).Scan(&projectID)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("resolve project: %w", err)
	}
	if projectID == nil {
		return "", nil
	}
	return *projectID, nil
}
