package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHasRequiredRole(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		actual   Role
		required Role
		want     bool
	}{
		{"admin over tester", RoleAdmin, RoleTester, true},
		{"viewer under editor", RoleViewer, RoleEditor, false},
		{"same role", RoleTester, RoleTester, true},
		{"project manager over editor", RoleProjectManager, RoleEditor, true},
		{"user is lowest", RoleUser, RoleViewer, false},
		{"unknown actual role", Role("superuser"), RoleUser, false},
		{"unknown required role", RoleAdmin, Role("owner"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HasRequiredRole(tt.actual, tt.required))
		})
	}
}

func TestRole_Level_TotalOrder(t *testing.T) {
	t.Parallel()

	ordered := []Role{RoleUser, RoleViewer, RoleTester, RoleEditor, RoleProjectManager, RoleAdmin}
	for i := 1; i < len(ordered); i++ {
		assert.Greater(t, ordered[i].Level(), ordered[i-1].Level(),
			"%s should outrank %s", ordered[i], ordered[i-1])
	}

	assert.Equal(t, -1, Role("nope").Level())
	assert.False(t, Role("nope").Valid())
	assert.True(t, RoleTester.Valid())
}

func TestMinimumRole(t *testing.T) {
	t.Parallel()

	role, ok := MinimumRole(ActionRead, ResourceTestCase)
	assert.True(t, ok)
	assert.Equal(t, RoleViewer, role)

	role, ok = MinimumRole(ActionUpdate, ResourceTestCase)
	assert.True(t, ok)
	assert.Equal(t, RoleEditor, role)

	// Undeclared capability denies by default.
	_, ok = MinimumRole(ActionExecute, ResourceReport)
	assert.False(t, ok)
}

func TestOwnershipEligible(t *testing.T) {
	t.Parallel()

	assert.True(t, OwnershipEligible(ActionUpdate, ResourceTestCase))
	assert.True(t, OwnershipEligible(ActionDelete, ResourceTestRun))
	assert.False(t, OwnershipEligible(ActionDelete, ResourceProject))
	assert.False(t, OwnershipEligible(ActionManage, ResourceIdentity))
}
