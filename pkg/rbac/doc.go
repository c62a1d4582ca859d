// Package rbac provides role-based access control for organization members.
//
// # Overview
//
// Roles form a fixed, totally ordered hierarchy:
//
//	owner (2) > admin (1) > member (0)
//
// Every organization has exactly one owner. Admins manage members, members
// manage nobody. The package is stateless: all checks are pure functions over
// roles, so they can run inside a storage transaction after the actor and the
// target have been re-read.
//
// # Predicates
//
//	rbac.CanManage(actor, target)    // may actor change/remove target?
//	rbac.CanInvite(actor)            // may actor invite new members?
//	rbac.CanAssignRole(actor, role)  // may actor grant role?
//
// Owner is never assignable through these predicates. Changing the owner is a
// separate transfer workflow that swaps exactly one owner for another member.
//
// # Actions
//
// API-facing operations are expressed as an Action. Each action maps to a
// Capability through RequiredCapability; Check evaluates the capability for an
// actor (and, for manage actions, the target role):
//
//	result := rbac.Check(rbac.RoleAdmin, rbac.ActionChangeRole, rbac.RoleMember)
//	if !result.Allowed {
//		return apperr.PermissionDenied(result.Reason)
//	}
//
// # Related Packages
//
//   - pkg/orgs: membership registry and invitation ledger
//   - pkg/gate: entitlement gate combining role checks with quotas
package rbac
