package auth

import (
	"fmt"
	"strings"
)

// Role represents an authorisation tier.
type Role string

const (
	// RoleViewer can read devices and watch events.
	RoleViewer Role = "viewer"

	// RoleOperator can also send commands to devices.
	RoleOperator Role = "operator"

	// RoleAdmin can also drive connection lifecycle.
	RoleAdmin Role = "admin"
)

// ValidRoles lists every role, least privileged first.
var ValidRoles = []Role{RoleViewer, RoleOperator, RoleAdmin}

// IsValidRole returns true if r is a known role.
func IsValidRole(r Role) bool {
	for _, v := range ValidRoles {
		if r == v {
			return true
		}
	}
	return false
}

// ParseRole converts a case-insensitive role name.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	if !IsValidRole(r) {
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, s)
	}
	return r, nil
}
