package authroles

import (
	domainauth "github.com/casetrail/tcm-ui-api/internal/domain/auth"
)

// StaticRoleMapper maps IdP groups to application roles by exact group name.
// When an identity belongs to several mapped groups the highest role wins.
type StaticRoleMapper struct {
	// GroupRoles maps a provider group name to the role it grants.
	GroupRoles map[string]domainauth.Role
	// Default is the role granted when no mapped group matches. Zero value
	// falls back to the lowest role.
	Default domainauth.Role
}

func (m StaticRoleMapper) Map(groups []string) domainauth.Role {
	best := m.Default
	if !best.Valid() {
		best = domainauth.RoleUser
	}
	for _, g := range groups {
		role, ok := m.GroupRoles[g]
		if ok && role.Level() > best.Level() {
			best = role
		}
	}
	return best
}
