package authstore

// Role identifies a user's role within an organization.
type Role string

// Roles known to the dashboard.
const (
	RoleAdmin     Role = "admin"
	RoleOrgAdmin  Role = "org_admin"
	RoleHR        Role = "hr"
	RoleRecruiter Role = "recruiter"
	RoleViewer    Role = "viewer"
)

// Permission names an action a role may perform.
type Permission string

// Permissions known to the dashboard.
const (
	// PermissionAll is the wildcard carried by admin-equivalent roles.
	PermissionAll Permission = "*"

	PermissionJobsView         Permission = "jobs.view"
	PermissionJobsManage       Permission = "jobs.manage"
	PermissionCandidatesView   Permission = "candidates.view"
	PermissionCandidatesManage Permission = "candidates.manage"
	PermissionOrgsManage       Permission = "organizations.manage"
	PermissionReportsView      Permission = "reports.view"
)

// rolePermissions is the static role → permission table. Authorization
// decisions are pure functions of this table and the current user.
var rolePermissions = map[Role][]Permission{
	RoleAdmin:    {PermissionAll},
	RoleOrgAdmin: {PermissionAll},
	RoleHR: {
		PermissionJobsView,
		PermissionJobsManage,
		PermissionCandidatesView,
		PermissionCandidatesManage,
		PermissionReportsView,
	},
	RoleRecruiter: {
		PermissionJobsView,
		PermissionCandidatesView,
		PermissionCandidatesManage,
	},
	RoleViewer: {
		PermissionJobsView,
		PermissionCandidatesView,
	},
}

// RoleHasPermission reports whether the role grants the permission,
// either directly or via the wildcard.
func RoleHasPermission(role Role, permission Permission) bool {
	for _, p := range rolePermissions[role] {
		if p == PermissionAll || p == permission {
			return true
		}
	}
	return false
}
