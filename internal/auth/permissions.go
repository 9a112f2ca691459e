package auth

import "strings"

const (
	PermShipmentsRead     = "shipments:read"
	PermShipmentsWrite    = "shipments:write"
	PermOrdersRead        = "orders:read"
	PermOrdersWrite       = "orders:write"
	PermPricingRead       = "pricing:read"
	PermPricingWrite      = "pricing:write"
	PermContentModerate   = "content:moderate"
	PermNotificationsSend = "notifications:send"
	PermUsersManage       = "users:manage"
	PermAPIKeysManage     = "apikeys:manage"
	PermAuditRead         = "audit:read"
)

// BuiltinGrants is the role table used when no policy file is configured.
var BuiltinGrants = map[Role][]string{
	RoleUser: {
		PermShipmentsRead, PermShipmentsWrite,
		PermOrdersRead, PermOrdersWrite,
		PermPricingRead,
	},
	RoleModerator: {
		PermShipmentsRead, PermShipmentsWrite,
		PermOrdersRead, PermOrdersWrite,
		PermPricingRead,
		PermContentModerate, PermNotificationsSend,
	},
	RoleAdmin: {
		"shipments:*", "orders:*", "pricing:*",
		PermContentModerate, PermNotificationsSend,
		PermUsersManage, PermAPIKeysManage, PermAuditRead,
	},
	RoleSuperAdmin: {"*"},
}

// PermissionPolicy maps roles to granted permissions.
type PermissionPolicy struct {
	grants map[Role][]string
}

// NewPermissionPolicy copies grants; nil selects BuiltinGrants.
func NewPermissionPolicy(grants map[Role][]string) *PermissionPolicy {
	if grants == nil {
		grants = BuiltinGrants
	}
	copied := make(map[Role][]string, len(grants))
	for role, perms := range grants {
		copied[role] = append([]string(nil), perms...)
	}
	return &PermissionPolicy{grants: copied}
}

// Grants returns the permissions of role.
func (p *PermissionPolicy) Grants(role Role) []string {
	return append([]string(nil), p.grants[role]...)
}

// Allows reports whether subject holds permission. Human subjects combine
// their role grants with explicit scopes; API-key subjects only have the
// scopes configured on the key.
func (p *PermissionPolicy) Allows(subject *Subject, permission string) bool {
	if subject == nil || permission == "" {
		return false
	}
	for _, scope := range subject.Scopes {
		if matchPermission(scope, permission) {
			return true
		}
	}
	if subject.Kind == SubjectKindAPIKey {
		return false
	}
	for _, granted := range p.grants[subject.Role] {
		if matchPermission(granted, permission) {
			return true
		}
	}
	return false
}

// Authorize returns ErrPermissionDenied unless subject holds permission.
func (p *PermissionPolicy) Authorize(subject *Subject, permission string) error {
	if subject == nil {
		return ErrMissingCredential
	}
	if !p.Allows(subject, permission) {
		return ErrPermissionDenied
	}
	return nil
}

// matchPermission supports "*" and "<resource>:*" grants.
func matchPermission(granted, requested string) bool {
	granted = strings.TrimSpace(granted)
	switch {
	case granted == "":
		return false
	case granted == "*", granted == requested:
		return true
	case strings.HasSuffix(granted, ":*"):
		return strings.HasPrefix(requested, strings.TrimSuffix(granted, "*"))
	}
	return false
}
