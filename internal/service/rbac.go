package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	domainauth "github.com/casetrail/tcm-ui-api/internal/domain/auth"
	"github.com/casetrail/tcm-ui-api/internal/ports"
)

// RBACOptions configures an RBACService.
type RBACOptions struct {
	ACL    ports.ResourceACL
	Logger *slog.Logger
}

// RBACService makes authorization decisions: the capability table first, then
// ownership and team-membership fallbacks for actions eligible for them.
// Decisions are side-effect free. ACL store errors deny.
type RBACService struct {
	acl    ports.ResourceACL
	logger *slog.Logger
}

// NewRBACService validates options.
func NewRBACService(opts RBACOptions) (*RBACService, error) {
	if opts.ACL == nil {
		return nil, errors.New("resource ACL is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &RBACService{
		acl:    opts.ACL,
		logger: opts.Logger.With("component", "rbac"),
	}, nil
}

// HasCapability is the pure role-level check, for routes where no concrete
// resource is in play. Undeclared capabilities deny.
func (s *RBACService) HasCapability(role domainauth.Role, action domainauth.Action, resource domainauth.Resource) bool {
	required, ok := domainauth.MinimumRole(action, resource)
	if !ok {
		return false
	}
	return domainauth.HasRequiredRole(role, required)
}

// Can decides whether the session's identity may perform action on the named
// resource. When the role alone is insufficient, eligible actions fall back
// to ownership (full grant) and team membership (read grant).
func (s *RBACService) Can(ctx context.Context, sess domainauth.Session, action domainauth.Action, resource domainauth.Resource, resourceID string) error {
	if !sess.Role.Valid() {
		return fmt.Errorf("unknown role %q: %w", sess.Role, domainauth.ErrAuthorization)
	}

	required, ok := domainauth.MinimumRole(action, resource)
	if !ok {
		return fmt.Errorf("no capability for %s %s: %w", action, resource, domainauth.ErrAuthorization)
	}
	if domainauth.HasRequiredRole(sess.Role, required) {
		return nil
	}

	if resourceID == "" || !domainauth.OwnershipEligible(action, resource) {
		return fmt.Errorf("role %s below %s: %w", sess.Role, required, domainauth.ErrAuthorization)
	}

	owns, err := s.acl.IsOwner(ctx, sess.IdentityID, resourceID)
	if err != nil {
		s.logger.WarnContext(ctx, "ownership check failed, denying",
			"identity_id", sess.IdentityID, "resource_id", resourceID, "error", err)
		return fmt.Errorf("ownership check: %w", domainauth.ErrAuthorization)
	}
	if owns {
		return nil
	}

	// Team membership grants read only.
	if action != domainauth.ActionRead {
		return fmt.Errorf("not owner: %w", domainauth.ErrAuthorization)
	}
	projectID, err := s.acl.ProjectOf(ctx, resource, resourceID)
	if err != nil {
		s.logger.WarnContext(ctx, "project resolution failed, denying",
			"resource_id", resourceID, "error", err)
		return fmt.Errorf("project resolution: %w", domainauth.ErrAuthorization)
	}
	if projectID == "" {
		return fmt.Errorf("resource has no project: %w", domainauth.ErrAuthorization)
	}
	member, err := s.acl.IsTeamMember(ctx, sess.IdentityID, projectID)
	if err != nil {
		s.logger.WarnContext(ctx, "membership check failed, denying",
			"identity_id", sess.IdentityID, "project_id", projectID, "error", err)
		return fmt.Errorf("membership check: %w", domainauth.ErrAuthorization)
	}
	if !member {
		return fmt.Errorf("not a project member: %w", domainauth.ErrAuthorization)
	}
	return nil
}
