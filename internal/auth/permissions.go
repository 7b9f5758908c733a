package auth

import (
	"context"
	"strings"

	"github.com/pesio-ai/be-plt-approvals/internal/errors"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
)

// Permissions used by the API layer.
const (
	PermRequestsRead      = "approvals:read"
	PermRequestsWrite     = "approvals:write"
	PermRequestsReadAll   = "approvals:read_all"
	PermTemplatesManage   = "approvals:templates"
	PermMonitorStuck      = "approvals:monitor"
	PermNotificationsRead = "notifications:read"
)

// PermissionOracle answers whether a user holds a permission.
type PermissionOracle interface {
	HasPermission(ctx context.Context, userID, permission string) (bool, error)
}

// UserLookup is the part of the user directory the oracle needs.
type UserLookup interface {
	GetUser(ctx context.Context, id string) (*repository.User, error)
}

// RolePermissionOracle grants permissions by the user's directory role. Each
// role maps to "module:action" entries; "module:*" and "*" are wildcards.
type RolePermissionOracle struct {
	users UserLookup
	roles map[string][]string
}

// NewRolePermissionOracle creates an oracle over the configured role table.
func NewRolePermissionOracle(users UserLookup, roles map[string][]string) *RolePermissionOracle {
	return &RolePermissionOracle{users: users, roles: roles}
}

func (o *RolePermissionOracle) HasPermission(ctx context.Context, userID, permission string) (bool, error) {
	u, err := o.users.GetUser(ctx, userID)
	if errors.Is(err, errors.ErrCodeNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !u.IsActive {
		return false, nil
	}

	module, _, _ := strings.Cut(permission, ":")
	for _, granted := range o.roles[u.Role] {
		if granted == "*" || granted == permission || granted == module+":*" {
			return true, nil
		}
	}
	return false, nil
}

// AllowAllOracle grants everything. Used when no role table is configured.
type AllowAllOracle struct{}

func (AllowAllOracle) HasPermission(context.Context, string, string) (bool, error) {
	return true, nil
}

// Require fails with FORBIDDEN unless userID holds permission.
func Require(ctx context.Context, o PermissionOracle, userID, permission string) error {
	ok, err := o.HasPermission(ctx, userID, permission)
	if err != nil {
		return err
	}
	if !ok {
		return errors.Forbidden("missing permission " + permission)
	}
	return nil
}
