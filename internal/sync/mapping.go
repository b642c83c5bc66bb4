package sync

import (
	userentity "github.com/classmirror/service-sync-go/internal/user/entity"
)

// roleBucket associates one internal role with the IdP group names that
// grant it.
type roleBucket struct {
	role   userentity.Role
	groups []string
}

// rolePriority is evaluated in order; the first bucket with a matching
// group wins. Extending the chain means adding a row, not touching control
// flow.
var rolePriority = []roleBucket{
	{userentity.RoleAdmin, []string{"Admin", "Admins", "Administrators"}},
	{userentity.RoleManager, []string{"Manager", "Managers"}},
	{userentity.RolePrincipal, []string{"Principal", "Principals"}},
	{userentity.RoleTeacher, []string{"Teacher", "Teachers"}},
	{userentity.RoleStudent, []string{"Student", "Students"}},
}

// MapGroupsToRole maps IdP group memberships to the internal role. The
// result depends only on the set of groups, never on their order. With no
// matching group the role defaults to Student.
func MapGroupsToRole(groups []string) userentity.Role {
	set := make(map[string]struct{}, len(groups))
	for _, g := range groups {
		set[g] = struct{}{}
	}
	for _, bucket := range rolePriority {
		for _, name := range bucket.groups {
			if _, ok := set[name]; ok {
				return bucket.role
			}
		}
	}
	return userentity.RoleStudent
}

// MapStatus maps the IdP status flags to the internal status. Total over
// its domain: a disabled account is always Inactive regardless of external
// status, and an unrecognized external status degrades to Pending.
func MapStatus(externalStatus string, enabled bool) userentity.Status {
	if !enabled {
		return userentity.StatusInactive
	}
	switch externalStatus {
	case "CONFIRMED":
		return userentity.StatusActive
	case "UNCONFIRMED", "FORCE_CHANGE_PASSWORD":
		return userentity.StatusPending
	case "RESET_REQUIRED":
		return userentity.StatusPasswordResetRequired
	case "ARCHIVED":
		return userentity.StatusArchived
	default:
		return userentity.StatusPending
	}
}
