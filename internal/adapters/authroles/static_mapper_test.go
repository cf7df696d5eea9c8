package authroles

import (
	"testing"

	"github.com/stretchr/testify/assert"

	domainauth "github.com/casetrail/tcm-ui-api/internal/domain/auth"
)

func TestStaticRoleMapper_Map(t *testing.T) {
	t.Parallel()

	mapper := StaticRoleMapper{
		GroupRoles: map[string]domainauth.Role{
			"casetrail-admins":  domainauth.RoleAdmin,
			"casetrail-editors": domainauth.RoleEditor,
			"casetrail-viewers": domainauth.RoleViewer,
		},
	}

	tests := []struct {
		name   string
		groups []string
		want   domainauth.Role
	}{
		{"no groups", nil, domainauth.RoleUser},
		{"unmapped group", []string{"some-other-team"}, domainauth.RoleUser},
		{"single match", []string{"casetrail-editors"}, domainauth.RoleEditor},
		{"highest wins", []string{"casetrail-viewers", "casetrail-admins"}, domainauth.RoleAdmin},
		{"order does not matter", []string{"casetrail-admins", "casetrail-viewers"}, domainauth.RoleAdmin},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, mapper.Map(tt.groups))
		})
	}
}

func TestStaticRoleMapper_Default(t *testing.T) {
	t.Parallel()

	mapper := StaticRoleMapper{Default: domainauth.RoleViewer}
	assert.Equal(t, domainauth.RoleViewer, mapper.Map(nil))

	// An invalid default falls back to the lowest role.
	broken := StaticRoleMapper{Default: domainauth.Role("nope")}
	assert.Equal(t, domainauth.RoleUser, broken.Map(nil))
}
