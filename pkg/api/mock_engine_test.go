package api

import (
	"context"

	"github.com/platinummonkey/entitlements/pkg/billing"
	"github.com/platinummonkey/entitlements/pkg/gate"
	"github.com/platinummonkey/entitlements/pkg/orgs"
	"github.com/platinummonkey/entitlements/pkg/plans"
	"github.com/platinummonkey/entitlements/pkg/rbac"
	"github.com/platinummonkey/entitlements/pkg/usage"
)

// mockEngine is a mock implementation of Engine for testing. Unset funcs
// return zero values.
type mockEngine struct {
	createOrganizationFunc  func(identity orgs.Identity, req orgs.CreateOrgRequest) (*orgs.Organization, *orgs.Member, error)
	inviteMemberFunc        func(actor string, orgID int64, req orgs.InviteMemberRequest) (*orgs.Invitation, error)
	listInvitationsFunc     func(actor string, orgID int64) ([]*orgs.Invitation, error)
	resendInvitationFunc    func(actor string, orgID, id int64) (*orgs.Invitation, error)
	cancelInvitationFunc    func(actor string, orgID, id int64) (*orgs.Invitation, error)
	acceptInvitationFunc    func(identity orgs.Identity, id int64) (*orgs.Member, error)
	declineInvitationFunc   func(identity orgs.Identity, id int64) (*orgs.Invitation, error)
	listMembersFunc         func(actor string, orgID int64) ([]*orgs.Member, error)
	updateMemberRoleFunc    func(actor string, orgID, memberID int64, role rbac.Role) (*orgs.Member, error)
	removeMemberFunc        func(actor string, orgID, memberID int64) error
	currentSubscriptionFunc func(actor string, orgID int64) (*gate.SubscriptionSnapshot, error)
	changeSubscriptionFunc  func(actor string, orgID int64, req billing.ChangeSubscriptionRequest) (*billing.Subscription, error)
	cancelSubscriptionFunc  func(actor string, orgID int64) (*billing.Subscription, error)
	resumeSubscriptionFunc  func(actor string, orgID int64) (*billing.Subscription, error)
	listUsageFunc           func(actor string, orgID int64) ([]usage.Usage, error)
	consumeFunc             func(actor string, orgID int64, metric string, delta int64) (*gate.Decision, error)
}

func (m *mockEngine) CreateOrganization(_ context.Context, identity orgs.Identity, req orgs.CreateOrgRequest) (*orgs.Organization, *orgs.Member, error) {
	if m.createOrganizationFunc != nil {
		return m.createOrganizationFunc(identity, req)
	}
	return &orgs.Organization{}, &orgs.Member{}, nil
}

func (m *mockEngine) InviteMember(_ context.Context, actor string, orgID int64, req orgs.InviteMemberRequest) (*orgs.Invitation, error) {
	if m.inviteMemberFunc != nil {
		return m.inviteMemberFunc(actor, orgID, req)
	}
	return &orgs.Invitation{}, nil
}

func (m *mockEngine) ListInvitations(_ context.Context, actor string, orgID int64) ([]*orgs.Invitation, error) {
	if m.listInvitationsFunc != nil {
		return m.listInvitationsFunc(actor, orgID)
	}
	return nil, nil
}

func (m *mockEngine) ResendInvitation(_ context.Context, actor string, orgID, id int64) (*orgs.Invitation, error) {
	if m.resendInvitationFunc != nil {
		return m.resendInvitationFunc(actor, orgID, id)
	}
	return &orgs.Invitation{}, nil
}

func (m *mockEngine) CancelInvitation(_ context.Context, actor string, orgID, id int64) (*orgs.Invitation, error) {
	if m.cancelInvitationFunc != nil {
		return m.cancelInvitationFunc(actor, orgID, id)
	}
	return &orgs.Invitation{}, nil
}

func (m *mockEngine) AcceptInvitation(_ context.Context, identity orgs.Identity, id int64) (*orgs.Member, error) {
	if m.acceptInvitationFunc != nil {
		return m.acceptInvitationFunc(identity, id)
	}
	return &orgs.Member{}, nil
}

func (m *mockEngine) DeclineInvitation(_ context.Context, identity orgs.Identity, id int64) (*orgs.Invitation, error) {
	if m.declineInvitationFunc != nil {
		return m.declineInvitationFunc(identity, id)
	}
	return &orgs.Invitation{}, nil
}

func (m *mockEngine) ListMembers(_ context.Context, actor string, orgID int64) ([]*orgs.Member, error) {
	if m.listMembersFunc != nil {
		return m.listMembersFunc(actor, orgID)
	}
	return nil, nil
}

func (m *mockEngine) UpdateMemberRole(_ context.Context, actor string, orgID, memberID int64, role rbac.Role) (*orgs.Member, error) {
	if m.updateMemberRoleFunc != nil {
		return m.updateMemberRoleFunc(actor, orgID, memberID, role)
	}
	return &orgs.Member{}, nil
}

func (m *mockEngine) RemoveMember(_ context.Context, actor string, orgID, memberID int64) error {
	if m.removeMemberFunc != nil {
		return m.removeMemberFunc(actor, orgID, memberID)
	}
	return nil
}

func (m *mockEngine) CurrentSubscription(_ context.Context, actor string, orgID int64) (*gate.SubscriptionSnapshot, error) {
	if m.currentSubscriptionFunc != nil {
		return m.currentSubscriptionFunc(actor, orgID)
	}
	return &gate.SubscriptionSnapshot{}, nil
}

func (m *mockEngine) ChangeSubscription(_ context.Context, actor string, orgID int64, req billing.ChangeSubscriptionRequest) (*billing.Subscription, error) {
	if m.changeSubscriptionFunc != nil {
		return m.changeSubscriptionFunc(actor, orgID, req)
	}
	return &billing.Subscription{}, nil
}

func (m *mockEngine) CancelSubscription(_ context.Context, actor string, orgID int64) (*billing.Subscription, error) {
	if m.cancelSubscriptionFunc != nil {
		return m.cancelSubscriptionFunc(actor, orgID)
	}
	return &billing.Subscription{}, nil
}

func (m *mockEngine) ResumeSubscription(_ context.Context, actor string, orgID int64) (*billing.Subscription, error) {
	if m.resumeSubscriptionFunc != nil {
		return m.resumeSubscriptionFunc(actor, orgID)
	}
	return &billing.Subscription{}, nil
}

func (m *mockEngine) ListUsage(_ context.Context, actor string, orgID int64) ([]usage.Usage, error) {
	if m.listUsageFunc != nil {
		return m.listUsageFunc(actor, orgID)
	}
	return nil, nil
}

func (m *mockEngine) Consume(_ context.Context, actor string, orgID int64, metric string, delta int64) (*gate.Decision, error) {
	if m.consumeFunc != nil {
		return m.consumeFunc(actor, orgID, metric, delta)
	}
	return &gate.Decision{Allowed: true}, nil
}

func (m *mockEngine) Plans() []plans.Plan {
	return plans.DefaultPlans()
}
