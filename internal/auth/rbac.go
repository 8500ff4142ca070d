package auth

import (
	"errors"
	"fmt"
)

// RBAC errors.
var (
	ErrPermissionDenied = errors.New("permission denied")
	ErrInvalidRole      = errors.New("invalid role")
)

// Role is the kind of principal a token was issued to.
type Role string

const (
	// RoleSlave is held by build slaves attaching to the master.
	RoleSlave Role = "slave"
	// RoleOperator is held by people and tools driving the master.
	RoleOperator Role = "operator"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	_, ok := rolePermissions[r]
	return ok
}

// ParseRole converts a string into a Role.
func ParseRole(s string) (Role, error) {
	r := Role(s)
	if !r.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, s)
	}
	return r, nil
}

// Permission represents an action that can be performed.
type Permission string

const (
	// PermissionAttach allows a slave to attach and run commands.
	PermissionAttach Permission = "attach"
	// PermissionViewHistory allows browsing projects, builds and logs.
	PermissionViewHistory Permission = "view_history"
	// PermissionManageHistory allows deleting history.
	PermissionManageHistory Permission = "manage_history"
	// PermissionNotifyChanges allows pushing source changes.
	PermissionNotifyChanges Permission = "notify_changes"
	// PermissionTrigger allows firing triggerable schedulers.
	PermissionTrigger Permission = "trigger"
)

// rolePermissions defines which permissions each role has.
var rolePermissions = map[Role][]Permission{
	RoleSlave: {
		PermissionAttach,
	},
	RoleOperator: {
		PermissionViewHistory,
		PermissionManageHistory,
		PermissionNotifyChanges,
		PermissionTrigger,
	},
}

// CheckRolePermission checks if a role has a specific permission.
func CheckRolePermission(role Role, permission Permission) error {
	permissions, ok := rolePermissions[role]
	if !ok {
		return ErrPermissionDenied
	}
	for _, p := range permissions {
		if p == permission {
			return nil
		}
	}
	return ErrPermissionDenied
}

// Authorize checks that claims carry permission.
func Authorize(claims *Claims, permission Permission) error {
	if claims == nil {
		return ErrPermissionDenied
	}
	if err := CheckRolePermission(claims.Role, permission); err != nil {
		return fmt.Errorf("%s %q cannot %s: %w", claims.Role, claims.Subject, permission, err)
	}
	return nil
}
