package auth

// Role represents an application's authorization role.
// Keep string form for easy persistence and cookies.
// Valid values are defined as constants below.
type Role string

const (
	RoleUser           Role = "user"
	RoleViewer         Role = "viewer"
	RoleTester         Role = "tester"
	RoleEditor         Role = "editor"
	RoleProjectManager Role = "project_manager"
	RoleAdmin          Role = "admin"
)

// roleLevels assigns each role a numeric level in a total order.
// Unknown roles map to level -1 and never satisfy any requirement.
var roleLevels = map[Role]int{
	RoleUser:           0,
	RoleViewer:         1,
	RoleTester:         2,
	RoleEditor:         3,
	RoleProjectManager: 4,
	RoleAdmin:          5,
}

// Level returns the numeric hierarchy level for the role, or -1 if unknown.
func (r Role) Level() int {
	if lvl, ok := roleLevels[r]; ok {
		return lvl
	}
	return -1
}

// Valid reports whether the role is one of the defined values.
func (r Role) Valid() bool {
	_, ok := roleLevels[r]
	return ok
}

// HasRequiredRole reports whether actual meets or exceeds required in the
// role hierarchy. Unknown roles on either side fail the check.
func HasRequiredRole(actual, required Role) bool {
	actualLevel, ok := roleLevels[actual]
	if !ok {
		return false
	}
	requiredLevel, ok := roleLevels[required]
	if !ok {
		return false
	}
	return actualLevel >= requiredLevel
}

// Action is a permission verb evaluated against a resource kind.
type Action string

const (
	ActionRead    Action = "read"
	ActionCreate  Action = "create"
	ActionUpdate  Action = "update"
	ActionDelete  Action = "delete"
	ActionExecute Action = "execute"
	ActionManage  Action = "manage"
)

// Resource is a kind of application object permissions are evaluated against.
type Resource string

const (
	ResourceProject  Resource = "project"
	ResourceTestCase Resource = "test_case"
	ResourceTestRun  Resource = "test_run"
	ResourceReport   Resource = "report"
	ResourceIdentity Resource = "identity"
	ResourceSession  Resource = "session"
)

// capabilityKey is the composite lookup key for the capability table.
type capabilityKey struct {
	Action   Action
	Resource Resource
}

// capabilities maps action × resource to the minimum role required.
// Entries missing from the table deny by default; ownership and team
// membership fallbacks are evaluated by the RBAC service, not here.
var capabilities = map[capabilityKey]Role{
	{ActionRead, ResourceProject}:  RoleViewer,
	{ActionRead, ResourceTestCase}: RoleViewer,
	{ActionRead, ResourceTestRun}:  RoleViewer,
	{ActionRead, ResourceReport}:   RoleViewer,

	{ActionCreate, ResourceTestCase}: RoleEditor,
	{ActionUpdate, ResourceTestCase}: RoleEditor,
	{ActionDelete, ResourceTestCase}: RoleEditor,

	{ActionCreate, ResourceTestRun}:  RoleTester,
	{ActionUpdate, ResourceTestRun}:  RoleTester,
	{ActionExecute, ResourceTestRun}: RoleTester,
	{ActionDelete, ResourceTestRun}:  RoleEditor,

	{ActionCreate, ResourceProject}: RoleProjectManager,
	{ActionUpdate, ResourceProject}: RoleProjectManager,
	{ActionDelete, ResourceProject}: RoleAdmin,

	{ActionCreate, ResourceReport}: RoleTester,

	{ActionManage, ResourceIdentity}: RoleAdmin,
	{ActionManage, ResourceSession}:  RoleAdmin,
}

// MinimumRole returns the minimum role configured for an action on a
// resource kind. The second return is false when no capability is declared,
// which callers must treat as a denial.
func MinimumRole(action Action, resource Resource) (Role, bool) {
	role, ok := capabilities[capabilityKey{Action: action, Resource: resource}]
	return role, ok
}

// OwnershipEligible reports whether an action may fall back to
// ownership/team-membership checks when the role alone is insufficient.
// Destructive administrative actions never fall back.
func OwnershipEligible(action Action, resource Resource) bool {
	switch action {
	case ActionManage:
		return false
	case ActionDelete:
		return resource != ResourceProject
	default:
		return true
	}
}
