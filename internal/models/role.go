package models

import "strings"

// Role is an API permission tier carried in bearer tokens.
type Role string

const (
	RoleViewer   Role = "viewer"
	RoleOperator Role = "operator"
)

var roleRank = map[Role]int{
	RoleViewer:   1,
	RoleOperator: 2,
}

func IsValidRole(r Role) bool {
	_, ok := roleRank[r]
	return ok
}

// ParseRoles turns a comma separated list into roles, rejecting unknown ones.
func ParseRoles(s string) ([]Role, bool) {
	var roles []Role
	for _, part := range strings.Split(s, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part == "" {
			continue
		}
		role := Role(part)
		if !IsValidRole(role) {
			return nil, false
		}
		roles = append(roles, role)
	}
	return roles, len(roles) > 0
}

// HasAtLeast reports whether any of roles ranks at or above required.
func HasAtLeast(roles []Role, required Role) bool {
	for _, r := range roles {
		if roleRank[r] >= roleRank[required] {
			return true
		}
	}
	return false
}
