package auth

import (
	"fmt"
	"sort"
)

// Permissions a caller may hold.
const (
	PermAdmit     = "admissions.create"
	PermRecord    = "outcomes.create"
	PermAuditRead = "audit.read"
)

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

// rolePermissions is the built-in role table. Tokens may also carry explicit
// permissions, which are added to the role grants.
var rolePermissions = map[string][]string{
	"admin":    {PermAdmit, PermRecord, PermAuditRead},
	"service":  {PermAdmit, PermRecord},
	"workflow": {PermAdmit, PermRecord},
	"auditor":  {PermAuditRead},
}

// Roles lists the built-in roles.
func Roles() []string {
	out := make([]string, 0, len(rolePermissions))
	for r := range rolePermissions {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

// Grants expands roles and explicit permissions into one sorted set.
func Grants(roles, perms []string) []string {
	set := map[string]struct{}{}
	for _, r := range roles {
		for _, p := range rolePermissions[r] {
			set[p] = struct{}{}
		}
	}
	for _, p := range perms {
		set[p] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Require returns a ForbiddenError unless roles or perms grant perm.
func Require(roles, perms []string, perm string) error {
	for _, p := range Grants(roles, perms) {
		if p == perm {
			return nil
		}
	}
	return ForbiddenError{Permission: perm}
}
