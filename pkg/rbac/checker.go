package rbac

import "fmt"

// capabilities is the static action to capability mapping
var capabilities = map[Action]Capability{
	ActionInvite:             CapabilityInvite,
	ActionResendInvitation:   CapabilityInvite,
	ActionCancelInvitation:   CapabilityInvite,
	ActionViewInvitations:    CapabilityInvite,
	ActionChangeRole:         CapabilityManage,
	ActionRemoveMember:       CapabilityManage,
	ActionViewMembers:        CapabilityNone,
	ActionManageSubscription: CapabilityBilling,
	ActionViewSubscription:   CapabilityNone,
	ActionViewUsage:          CapabilityNone,
	ActionConsumeAPI:         CapabilityNone,
	ActionExport:             CapabilityNone,
	ActionDeliverWebhook:     CapabilityNone,
}

// CanManage reports whether actor may change or remove a member holding
// target. The owner manages anyone; admins only manage lower ranks.
func CanManage(actor, target Role) bool {
	if !actor.Valid() || !target.Valid() {
		return false
	}
	if actor == RoleOwner {
		return true
	}
	return actor == RoleAdmin && actor.Outranks(target)
}

// CanInvite reports whether actor may invite new members
func CanInvite(actor Role) bool {
	return actor == RoleOwner || actor == RoleAdmin
}

// CanAssignRole reports whether actor may grant role. Owner is never
// assignable here.
func CanAssignRole(actor, role Role) bool {
	switch role {
	case RoleAdmin, RoleMember:
		return actor == RoleOwner || actor == RoleAdmin
	default:
		return false
	}
}

// RequiredCapability returns the capability an action needs. Unknown actions
// return false.
func RequiredCapability(action Action) (Capability, bool) {
	c, ok := capabilities[action]
	return c, ok
}

// IsManageAction reports whether the action targets another member
func IsManageAction(action Action) bool {
	c, ok := capabilities[action]
	return ok && c == CapabilityManage
}

// Check evaluates whether actor may perform action. target is only consulted
// for manage actions.
func Check(actor Role, action Action, target Role) PermissionCheckResult {
	result := PermissionCheckResult{Action: action}

	capability, ok := RequiredCapability(action)
	if !ok {
		result.Reason = fmt.Sprintf("unknown action %q", action)
		return result
	}
	result.Capability = capability

	if !actor.Valid() {
		result.Reason = fmt.Sprintf("invalid actor role %q", actor)
		return result
	}

	switch capability {
	case CapabilityNone:
		result.Allowed = true
	case CapabilityInvite:
		result.Allowed = CanInvite(actor)
	case CapabilityBilling:
		result.Allowed = actor == RoleOwner || actor == RoleAdmin
	case CapabilityManage:
		result.Allowed = CanManage(actor, target)
	}

	if !result.Allowed {
		if capability == CapabilityManage {
			result.Reason = fmt.Sprintf("role %s cannot manage role %s", actor, target)
		} else {
			result.Reason = fmt.Sprintf("role %s cannot %s", actor, action)
		}
	}

	return result
}
