package auth

import "strings"

// Role represents a user role.
type Role string

// Viewers watch live alarms and read event records of permitted sites,
// operators additionally acknowledge, complete and export them, admins
// read every site and manage the rule cache.
const (
	RoleViewer   Role = "viewer"
	RoleOperator Role = "operator"
	RoleAdmin    Role = "admin"
)

var roleRanks = map[Role]int{
	RoleViewer:   1,
	RoleOperator: 2,
	RoleAdmin:    3,
}

// NormalizeRole validates a role claim, ignoring case and surrounding space.
func NormalizeRole(value string) (Role, bool) {
	role := Role(strings.ToLower(strings.TrimSpace(value)))
	if _, ok := roleRanks[role]; !ok {
		return "", false
	}
	return role, true
}

// RoleAtLeast returns true when role satisfies required role.
func RoleAtLeast(role Role, required Role) bool {
	return roleRanks[role] >= roleRanks[required]
}
