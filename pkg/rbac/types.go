package rbac

import (
	"fmt"
	"strings"
)

// Role is an organization-level role
type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

// AllRoles lists roles from highest to lowest rank
var AllRoles = []Role{RoleOwner, RoleAdmin, RoleMember}

// Rank returns the position of the role in the hierarchy. Unknown roles rank
// below member.
func (r Role) Rank() int {
	switch r {
	case RoleOwner:
		return 2
	case RoleAdmin:
		return 1
	case RoleMember:
		return 0
	default:
		return -1
	}
}

// Valid reports whether r is one of the known roles
func (r Role) Valid() bool {
	return r.Rank() >= 0
}

// Outranks reports whether r is strictly above other
func (r Role) Outranks(other Role) bool {
	return r.Rank() > other.Rank()
}

func (r Role) String() string {
	return string(r)
}

// ParseRole parses a role name, case-insensitively
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	if !r.Valid() {
		return "", fmt.Errorf("invalid role %q", s)
	}
	return r, nil
}

// Action represents an operation an actor wants to perform in an organization
type Action string

const (
	ActionInvite             Action = "invite"
	ActionResendInvitation   Action = "resend_invitation"
	ActionCancelInvitation   Action = "cancel_invitation"
	ActionViewInvitations    Action = "view_invitations"
	ActionChangeRole         Action = "change_role"
	ActionRemoveMember       Action = "remove_member"
	ActionViewMembers        Action = "view_members"
	ActionManageSubscription Action = "manage_subscription"
	ActionViewSubscription   Action = "view_subscription"
	ActionViewUsage          Action = "view_usage"
	ActionConsumeAPI         Action = "consume_api"
	ActionExport             Action = "export"
	ActionDeliverWebhook     Action = "deliver_webhook"
)

// Capability is the role requirement behind an action
type Capability string

const (
	// CapabilityNone only requires membership
	CapabilityNone Capability = "none"
	// CapabilityInvite requires CanInvite
	CapabilityInvite Capability = "invite"
	// CapabilityManage requires CanManage over the target member
	CapabilityManage Capability = "manage"
	// CapabilityBilling requires owner or admin
	CapabilityBilling Capability = "billing"
)

// PermissionCheckResult represents the result of a permission check
type PermissionCheckResult struct {
	Allowed    bool       `json:"allowed"`
	Action     Action     `json:"action"`
	Capability Capability `json:"capability"`
	Reason     string     `json:"reason,omitempty"`
}
