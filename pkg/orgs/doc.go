// Package orgs manages organizations, their members and the invitations
// that bring new members in.
//
// # Overview
//
// Every organization has exactly one owner, created together with the
// organization. Members hold one of the fixed roles from pkg/rbac:
//
//	owner > admin > member
//
// Role changes and removals never touch the owner; ownership transfer is a
// separate flow.
//
// # Invitations
//
// An invitation moves through a small state machine:
//
//	pending -> accepted   (creates the member)
//	pending -> declined
//	pending -> cancelled
//	pending -> pending    (resend, refreshes expiry)
//
// Expiry is derived at read time (pending and past expires_at), never stored.
// Accepted, declined and cancelled are terminal.
//
// # Usage Example
//
//	svc := orgs.NewPostgresService(db, orgs.WithInvitationTTL(72*time.Hour))
//
//	org, owner, err := svc.CreateOrganization(ctx, orgs.CreateOrgRequest{Name: "Acme"}, orgs.Identity{UserID: "u1"})
//
//	inv, err := svc.CreateInvitation(ctx, org.ID, "alice@example.com", rbac.RoleMember, owner.UserID)
//	if apperr.IsKind(err, apperr.KindConflict) {
//		// already invited
//	}
//
//	member, err := svc.AcceptInvitation(ctx, inv.ID, orgs.Identity{UserID: "u2", Email: "alice@example.com"})
//
// # Concurrency
//
// Membership mutations and acceptance take a row lock on the organization,
// so two concurrent accepts or role changes in one organization run one
// after the other. Duplicate pending invitations are rejected by a partial
// unique index.
//
// # Related Packages
//
//   - pkg/rbac: role hierarchy and permission checks
//   - pkg/gate: the entry point that authorizes every call into this package
package orgs
