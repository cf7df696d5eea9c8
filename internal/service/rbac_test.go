package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domainauth "github.com/casetrail/tcm-ui-api/internal/domain/auth"
	mockauth "github.com/casetrail/tcm-ui-api/internal/mocks/auth"
)

func newTestRBAC(t *testing.T, acl mockauth.StaticResourceACL) *RBACService {
	t.Helper()
	svc, err := NewRBACService(RBACOptions{ACL: acl})
	require.NoError(t, err)
	return svc
}

func sessionWithRole(role domainauth.Role) domainauth.Session {
	return domainauth.Session{ID: "sess-1", IdentityID: "id-1", Role: role}
}

func TestRBAC_RoleHierarchy(t *testing.T) {
	t.Parallel()
	svc := newTestRBAC(t, mockauth.StaticResourceACL{})
	ctx := context.Background()

	cases := []struct {
		name     string
		role     domainauth.Role
		action   domainauth.Action
		resource domainauth.Resource
		allowed  bool
	}{
		{"viewer reads test case", domainauth.RoleViewer, domainauth.ActionRead, domainauth.ResourceTestCase, true},
		{"user cannot read test case", domainauth.RoleUser, domainauth.ActionRead, domainauth.ResourceTestCase, false},
		{"tester executes test run", domainauth.RoleTester, domainauth.ActionExecute, domainauth.ResourceTestRun, true},
		{"tester cannot update test case", domainauth.RoleTester, domainauth.ActionUpdate, domainauth.ResourceTestCase, false},
		{"editor updates test case", domainauth.RoleEditor, domainauth.ActionUpdate, domainauth.ResourceTestCase, true},
		{"editor cannot create project", domainauth.RoleEditor, domainauth.ActionCreate, domainauth.ResourceProject, false},
		{"project manager creates project", domainauth.RoleProjectManager, domainauth.ActionCreate, domainauth.ResourceProject, true},
		{"project manager cannot delete project", domainauth.RoleProjectManager, domainauth.ActionDelete, domainauth.ResourceProject, false},
		{"admin deletes project", domainauth.RoleAdmin, domainauth.ActionDelete, domainauth.ResourceProject, true},
		{"admin manages identities", domainauth.RoleAdmin, domainauth.ActionManage, domainauth.ResourceIdentity, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := svc.Can(ctx, sessionWithRole(tc.role), tc.action, tc.resource, "")
			if tc.allowed {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, domainauth.ErrAuthorization)
			}
		})
	}
}

func TestRBAC_UnknownRoleAndCapability(t *testing.T) {
	t.Parallel()
	svc := newTestRBAC(t, mockauth.StaticResourceACL{})
	ctx := context.Background()

	err := svc.Can(ctx, sessionWithRole("superuser"), domainauth.ActionRead, domainauth.ResourceProject, "")
	assert.ErrorIs(t, err, domainauth.ErrAuthorization)

	// No declared capability denies regardless of role.
	err = svc.Can(ctx, sessionWithRole(domainauth.RoleAdmin), domainauth.ActionExecute, domainauth.ResourceReport, "")
	assert.ErrorIs(t, err, domainauth.ErrAuthorization)
}

func TestRBAC_OwnershipFallback(t *testing.T) {
	t.Parallel()
	acl := mockauth.StaticResourceACL{
		Owners: map[string]string{"case-7": "id-1"},
	}
	svc := newTestRBAC(t, acl)
	ctx := context.Background()

	// A tester is below editor, but owns the test case.
	err := svc.Can(ctx, sessionWithRole(domainauth.RoleTester), domainauth.ActionUpdate, domainauth.ResourceTestCase, "case-7")
	assert.NoError(t, err)

	// Same role, not the owner.
	other := domainauth.Session{ID: "sess-2", IdentityID: "id-2", Role: domainauth.RoleTester}
	err = svc.Can(ctx, other, domainauth.ActionUpdate, domainauth.ResourceTestCase, "case-7")
	assert.ErrorIs(t, err, domainauth.ErrAuthorization)
}

func TestRBAC_TeamMembershipGrantsReadOnly(t *testing.T) {
	t.Parallel()
	acl := mockauth.StaticResourceACL{
		Teams:    map[string][]string{"proj-1": {"id-1"}},
		Projects: map[string]string{"case-7": "proj-1"},
	}
	svc := newTestRBAC(t, acl)
	ctx := context.Background()
	sess := sessionWithRole(domainauth.RoleUser)

	err := svc.Can(ctx, sess, domainauth.ActionRead, domainauth.ResourceTestCase, "case-7")
	assert.NoError(t, err, "team members can read team resources")

	err = svc.Can(ctx, sess, domainauth.ActionUpdate, domainauth.ResourceTestCase, "case-7")
	assert.ErrorIs(t, err, domainauth.ErrAuthorization, "membership does not grant writes")

	outsider := domainauth.Session{ID: "sess-2", IdentityID: "id-9", Role: domainauth.RoleUser}
	err = svc.Can(ctx, outsider, domainauth.ActionRead, domainauth.ResourceTestCase, "case-7")
	assert.ErrorIs(t, err, domainauth.ErrAuthorization)
}

func TestRBAC_NoFallbackForManage(t *testing.T) {
	t.Parallel()
	acl := mockauth.StaticResourceACL{
		Owners: map[string]string{"id-1": "id-1"},
	}
	svc := newTestRBAC(t, acl)

	err := svc.Can(context.Background(), sessionWithRole(domainauth.RoleEditor),
		domainauth.ActionManage, domainauth.ResourceIdentity, "id-1")
	assert.ErrorIs(t, err, domainauth.ErrAuthorization, "manage never falls back to ownership")
}

// erroringACL fails every lookup.
type erroringACL struct{}

func (erroringACL) IsOwner(context.Context, string, string) (bool, error) {
	return false, errors.New("acl store down")
}
func (erroringACL) IsTeamMember(context.Context, string, string) (bool, error) {
	return false, errors.New("acl store down")
}
func (erroringACL) ProjectOf(context.Context, domainauth.Resource, string) (string, error) {
	return "", errors.New("acl store down")
}

func TestRBAC_FailRestrictive(t *testing.T) {
	t.Parallel()
	svc, err := NewRBACService(RBACOptions{ACL: erroringACL{}})
	require.NoError(t, err)

	err = svc.Can(context.Background(), sessionWithRole(domainauth.RoleTester),
		domainauth.ActionUpdate, domainauth.ResourceTestCase, "case-7")
	assert.ErrorIs(t, err, domainauth.ErrAuthorization, "a broken ACL store denies")
}

func TestRBAC_HasCapability(t *testing.T) {
	t.Parallel()
	svc := newTestRBAC(t, mockauth.StaticResourceACL{})

	assert.True(t, svc.HasCapability(domainauth.RoleAdmin, domainauth.ActionManage, domainauth.ResourceSession))
	assert.False(t, svc.HasCapability(domainauth.RoleProjectManager, domainauth.ActionManage, domainauth.ResourceSession))
	assert.False(t, svc.HasCapability("bogus", domainauth.ActionRead, domainauth.ResourceProject))
}
