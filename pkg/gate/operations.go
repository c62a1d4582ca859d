package gate

import (
	"context"
	"time"

	"github.com/platinummonkey/entitlements/pkg/apperr"
	"github.com/platinummonkey/entitlements/pkg/billing"
	"github.com/platinummonkey/entitlements/pkg/observability"
	"github.com/platinummonkey/entitlements/pkg/orgs"
	"github.com/platinummonkey/entitlements/pkg/plans"
	"github.com/platinummonkey/entitlements/pkg/rbac"
	"github.com/platinummonkey/entitlements/pkg/usage"
)

// CreateOrganization creates an organization owned by identity
func (g *Gate) CreateOrganization(ctx context.Context, identity orgs.Identity, req orgs.CreateOrgRequest) (*orgs.Organization, *orgs.Member, error) {
	if identity.UserID == "" {
		return nil, nil, apperr.PermissionDenied("authenticated user required")
	}
	return g.members.CreateOrganization(ctx, req, identity)
}

// InviteMember invites an email address to the organization
func (g *Gate) InviteMember(ctx context.Context, actorUserID string, orgID int64, req orgs.InviteMemberRequest) (*orgs.Invitation, error) {
	if _, err := g.Authorize(ctx, Request{
		ActorUserID: actorUserID,
		OrgID:       orgID,
		Action:      rbac.ActionInvite,
		AssignRole:  req.Role,
	}); err != nil {
		return nil, err
	}

	inv, err := g.invitations.CreateInvitation(ctx, orgID, req.Email, req.Role, actorUserID)
	if err != nil {
		return nil, err
	}
	g.metrics.RecordInvitationTransition("created")
	return inv, nil
}

// ListInvitations lists the organization's invitations
func (g *Gate) ListInvitations(ctx context.Context, actorUserID string, orgID int64) ([]*orgs.Invitation, error) {
	if _, err := g.Authorize(ctx, Request{ActorUserID: actorUserID, OrgID: orgID, Action: rbac.ActionViewInvitations}); err != nil {
		return nil, err
	}
	return g.invitations.ListInvitations(ctx, orgID)
}

// ResendInvitation extends a pending invitation
func (g *Gate) ResendInvitation(ctx context.Context, actorUserID string, orgID, id int64) (*orgs.Invitation, error) {
	if _, err := g.Authorize(ctx, Request{ActorUserID: actorUserID, OrgID: orgID, Action: rbac.ActionResendInvitation}); err != nil {
		return nil, err
	}

	inv, err := g.invitations.ResendInvitation(ctx, orgID, id, actorUserID)
	if err != nil {
		return nil, err
	}
	g.metrics.RecordInvitationTransition("resent")
	return inv, nil
}

// CancelInvitation withdraws a pending invitation
func (g *Gate) CancelInvitation(ctx context.Context, actorUserID string, orgID, id int64) (*orgs.Invitation, error) {
	if _, err := g.Authorize(ctx, Request{ActorUserID: actorUserID, OrgID: orgID, Action: rbac.ActionCancelInvitation}); err != nil {
		return nil, err
	}

	inv, err := g.invitations.CancelInvitation(ctx, orgID, id, actorUserID)
	if err != nil {
		return nil, err
	}
	g.metrics.RecordInvitationTransition("cancelled")
	return inv, nil
}

// AcceptInvitation makes identity a member. The invitee is not a member yet,
// so the invitation itself is the credential: the ledger checks it is
// pending, unexpired and addressed to identity.
func (g *Gate) AcceptInvitation(ctx context.Context, identity orgs.Identity, id int64) (*orgs.Member, error) {
	start := time.Now()
	member, err := g.invitations.AcceptInvitation(ctx, id, identity)
	g.recordInviteeDecision(ctx, "accept_invitation", start, err)
	if err != nil {
		return nil, err
	}
	g.metrics.RecordInvitationTransition("accepted")
	return member, nil
}

// DeclineInvitation refuses an invitation addressed to identity
func (g *Gate) DeclineInvitation(ctx context.Context, identity orgs.Identity, id int64) (*orgs.Invitation, error) {
	start := time.Now()
	inv, err := g.invitations.DeclineInvitation(ctx, id, identity)
	g.recordInviteeDecision(ctx, "decline_invitation", start, err)
	if err != nil {
		return nil, err
	}
	g.metrics.RecordInvitationTransition("declined")
	return inv, nil
}

func (g *Gate) recordInviteeDecision(ctx context.Context, action string, start time.Time, err error) {
	elapsed := time.Since(start)
	g.metrics.RecordDecision(action, outcome(err), elapsed)
	g.otel.RecordDecision(ctx, action, outcome(err), elapsed)
}

// ListMembers lists the organization's members
func (g *Gate) ListMembers(ctx context.Context, actorUserID string, orgID int64) ([]*orgs.Member, error) {
	if _, err := g.Authorize(ctx, Request{ActorUserID: actorUserID, OrgID: orgID, Action: rbac.ActionViewMembers}); err != nil {
		return nil, err
	}
	return g.members.ListMembers(ctx, orgID)
}

// UpdateMemberRole changes another member's role
func (g *Gate) UpdateMemberRole(ctx context.Context, actorUserID string, orgID, memberID int64, role rbac.Role) (*orgs.Member, error) {
	if _, err := g.Authorize(ctx, Request{
		ActorUserID:    actorUserID,
		OrgID:          orgID,
		Action:         rbac.ActionChangeRole,
		TargetMemberID: memberID,
		AssignRole:     role,
	}); err != nil {
		return nil, err
	}
	return g.members.UpdateMemberRole(ctx, orgID, memberID, role, actorUserID)
}

// RemoveMember removes a member from the organization
func (g *Gate) RemoveMember(ctx context.Context, actorUserID string, orgID, memberID int64) error {
	if _, err := g.Authorize(ctx, Request{
		ActorUserID:    actorUserID,
		OrgID:          orgID,
		Action:         rbac.ActionRemoveMember,
		TargetMemberID: memberID,
	}); err != nil {
		return err
	}
	return g.members.RemoveMember(ctx, orgID, memberID, actorUserID)
}

// CurrentSubscription returns the subscription, plan and usage snapshot.
// Organizations without a subscription report the free plan.
func (g *Gate) CurrentSubscription(ctx context.Context, actorUserID string, orgID int64) (*SubscriptionSnapshot, error) {
	if _, err := g.Authorize(ctx, Request{ActorUserID: actorUserID, OrgID: orgID, Action: rbac.ActionViewSubscription}); err != nil {
		return nil, err
	}

	snapshot := &SubscriptionSnapshot{}
	planName := plans.Free

	sub, err := g.subscriptions.GetCurrent(ctx, orgID)
	switch {
	case err == nil:
		snapshot.Subscription = sub
		planName = sub.Plan
	case !apperr.IsKind(err, apperr.KindNotFound):
		return nil, err
	}

	plan, err := g.catalog.Get(planName)
	if err != nil {
		return nil, apperr.Internal(err, "subscription references unknown plan %q", planName)
	}
	snapshot.Plan = plan

	snapshot.Usage, err = g.meter.ListUsage(ctx, orgID)
	if err != nil {
		return nil, err
	}
	return snapshot, nil
}

// ChangeSubscription subscribes the organization or changes its plan and
// billing cycle
func (g *Gate) ChangeSubscription(ctx context.Context, actorUserID string, orgID int64, req billing.ChangeSubscriptionRequest) (*billing.Subscription, error) {
	if _, err := g.Authorize(ctx, Request{ActorUserID: actorUserID, OrgID: orgID, Action: rbac.ActionManageSubscription}); err != nil {
		return nil, err
	}

	sub, err := g.subscriptions.ChangeSubscription(ctx, orgID, req.Plan, req.BillingCycle)
	if err != nil {
		return nil, err
	}
	g.metrics.RecordSubscriptionChange("change")
	g.logger.WithFields(map[string]interface{}{
		"org_id":     orgID,
		"plan":       sub.Plan,
		"request_id": observability.GetRequestID(ctx),
	}).Info("subscription changed")
	return sub, nil
}

// CancelSubscription schedules cancellation at the end of the period
func (g *Gate) CancelSubscription(ctx context.Context, actorUserID string, orgID int64) (*billing.Subscription, error) {
	if _, err := g.Authorize(ctx, Request{ActorUserID: actorUserID, OrgID: orgID, Action: rbac.ActionManageSubscription}); err != nil {
		return nil, err
	}

	sub, err := g.subscriptions.Cancel(ctx, orgID)
	if err != nil {
		return nil, err
	}
	g.metrics.RecordSubscriptionChange("cancel")
	return sub, nil
}

// ResumeSubscription withdraws a scheduled cancellation
func (g *Gate) ResumeSubscription(ctx context.Context, actorUserID string, orgID int64) (*billing.Subscription, error) {
	if _, err := g.Authorize(ctx, Request{ActorUserID: actorUserID, OrgID: orgID, Action: rbac.ActionManageSubscription}); err != nil {
		return nil, err
	}

	sub, err := g.subscriptions.Resume(ctx, orgID)
	if err != nil {
		return nil, err
	}
	g.metrics.RecordSubscriptionChange("resume")
	return sub, nil
}

// ListUsage returns the usage of every metric of the organization's plan
func (g *Gate) ListUsage(ctx context.Context, actorUserID string, orgID int64) ([]usage.Usage, error) {
	if _, err := g.Authorize(ctx, Request{ActorUserID: actorUserID, OrgID: orgID, Action: rbac.ActionViewUsage}); err != nil {
		return nil, err
	}
	return g.meter.ListUsage(ctx, orgID)
}

// Consume authorizes a metered action and records delta units of metric
func (g *Gate) Consume(ctx context.Context, actorUserID string, orgID int64, metric string, delta int64) (*Decision, error) {
	action, err := actionFor(metric)
	if err != nil {
		return nil, err
	}
	if delta < 1 {
		return nil, apperr.Validation("delta must be at least 1")
	}
	return g.Authorize(ctx, Request{
		ActorUserID: actorUserID,
		OrgID:       orgID,
		Action:      action,
		Metric:      metric,
		Delta:       delta,
	})
}

// Plans returns the plan catalog
func (g *Gate) Plans() []plans.Plan {
	return g.catalog.List()
}
