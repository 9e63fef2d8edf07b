package model

import "strings"

// RoleSet is the list of roles granted to a principal. Granted roles may end
// in ":*" to cover every role below a prefix (e.g. "admin:*" covers
// "admin:billing"), and "*" covers every role.
type RoleSet []string

// Has returns true if the set contains the exact role or a wildcard that
// matches it.
func (rs RoleSet) Has(role string) bool {
	for _, granted := range rs {
		if granted == role || matchWildcard(granted, role) {
			return true
		}
	}
	return false
}

// HasAll returns true if the set matches all given roles. An empty list is
// trivially satisfied.
func (rs RoleSet) HasAll(roles ...string) bool {
	for _, role := range roles {
		if !rs.Has(role) {
			return false
		}
	}
	return true
}

// HasAny returns true if the set matches at least one of the given roles.
func (rs RoleSet) HasAny(roles ...string) bool {
	for _, role := range roles {
		if rs.Has(role) {
			return true
		}
	}
	return false
}

// matchWildcard returns true if pattern (which may end in "*") matches role.
//
//	"*"            matches anything
//	"admin:*"      matches "admin:billing"
//	"admin"        does NOT match "admin:billing"
func matchWildcard(pattern, role string) bool {
	if pattern == "*" {
		return true
	}
	if !strings.HasSuffix(pattern, ":*") {
		return false
	}
	prefix := strings.TrimSuffix(pattern, "*")
	return strings.HasPrefix(role, prefix)
}
