package jwt

import "strings"

// Role is a named role and the permissions it grants.
type Role struct {
	Name        string
	Permissions []string
}

// BuildScope renders roles as the space-separated scope claim:
// "ROLE_<name>" followed by that role's permissions, for every role in the
// order given. Empty names and permissions are skipped.
func BuildScope(roles []Role) string {
	parts := make([]string, 0, len(roles)*2)
	for _, role := range roles {
		if role.Name != "" {
			parts = append(parts, "ROLE_"+role.Name)
		}
		for _, perm := range role.Permissions {
			if perm != "" {
				parts = append(parts, perm)
			}
		}
	}
	return strings.Join(parts, " ")
}

// HasScope reports whether the space-separated scope contains want.
func HasScope(scope, want string) bool {
	for _, s := range strings.Fields(scope) {
		if s == want {
			return true
		}
	}
	return false
}
