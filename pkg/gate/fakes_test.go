package gate

import (
	"context"
	"sync"

	"github.com/platinummonkey/entitlements/pkg/apperr"
	"github.com/platinummonkey/entitlements/pkg/billing"
	"github.com/platinummonkey/entitlements/pkg/orgs"
	"github.com/platinummonkey/entitlements/pkg/plans"
	"github.com/platinummonkey/entitlements/pkg/rbac"
	"github.com/platinummonkey/entitlements/pkg/usage"
)

type fakeMembers struct {
	mu      sync.Mutex
	members []*orgs.Member
	calls   []string

	removeErr error
}

func newFakeMembers(members ...*orgs.Member) *fakeMembers {
	return &fakeMembers{members: members}
}

func (f *fakeMembers) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeMembers) CreateOrganization(_ context.Context, req orgs.CreateOrgRequest, owner orgs.Identity) (*orgs.Organization, *orgs.Member, error) {
	f.record("CreateOrganization")
	org := &orgs.Organization{ID: 99, Name: req.Name}
	return org, &orgs.Member{ID: 1, OrgID: org.ID, UserID: owner.UserID, Role: rbac.RoleOwner, Status: orgs.MemberStatusActive}, nil
}

func (f *fakeMembers) GetMember(_ context.Context, orgID, memberID int64) (*orgs.Member, error) {
	for _, m := range f.members {
		if m.OrgID == orgID && m.ID == memberID {
			return m, nil
		}
	}
	return nil, apperr.NotFound("member %d not found", memberID)
}

func (f *fakeMembers) GetMemberByUser(_ context.Context, orgID int64, userID string) (*orgs.Member, error) {
	for _, m := range f.members {
		if m.OrgID == orgID && m.UserID == userID {
			return m, nil
		}
	}
	return nil, apperr.NotFound("user %s is not a member", userID)
}

func (f *fakeMembers) ListMembers(_ context.Context, orgID int64) ([]*orgs.Member, error) {
	f.record("ListMembers")
	return f.members, nil
}

func (f *fakeMembers) UpdateMemberRole(_ context.Context, orgID, memberID int64, role rbac.Role, _ string) (*orgs.Member, error) {
	f.record("UpdateMemberRole")
	m, err := f.GetMember(context.Background(), orgID, memberID)
	if err != nil {
		return nil, err
	}
	updated := *m
	updated.Role = role
	return &updated, nil
}

func (f *fakeMembers) RemoveMember(_ context.Context, orgID, memberID int64, _ string) error {
	f.record("RemoveMember")
	return f.removeErr
}

type fakeInvitations struct {
	calls     []string
	createErr error
}

func (f *fakeInvitations) CreateInvitation(_ context.Context, orgID int64, email string, role rbac.Role, _ string) (*orgs.Invitation, error) {
	f.calls = append(f.calls, "CreateInvitation")
	if f.createErr != nil {
		return nil, f.createErr
	}
	return &orgs.Invitation{ID: 100, OrgID: orgID, Email: email, Role: role, Status: orgs.InvitationPending}, nil
}

func (f *fakeInvitations) ListInvitations(_ context.Context, orgID int64) ([]*orgs.Invitation, error) {
	f.calls = append(f.calls, "ListInvitations")
	return []*orgs.Invitation{}, nil
}

func (f *fakeInvitations) ResendInvitation(_ context.Context, orgID, id int64, _ string) (*orgs.Invitation, error) {
	f.calls = append(f.calls, "ResendInvitation")
	return &orgs.Invitation{ID: id, OrgID: orgID, Status: orgs.InvitationPending, ResentCount: 1}, nil
}

func (f *fakeInvitations) CancelInvitation(_ context.Context, orgID, id int64, _ string) (*orgs.Invitation, error) {
	f.calls = append(f.calls, "CancelInvitation")
	return &orgs.Invitation{ID: id, OrgID: orgID, Status: orgs.InvitationCancelled}, nil
}

func (f *fakeInvitations) AcceptInvitation(_ context.Context, id int64, identity orgs.Identity) (*orgs.Member, error) {
	f.calls = append(f.calls, "AcceptInvitation")
	if id == 404 {
		return nil, apperr.Expired("invitation %d expired", id)
	}
	return &orgs.Member{ID: 30, OrgID: 7, UserID: identity.UserID, Role: rbac.RoleMember, Status: orgs.MemberStatusActive}, nil
}

func (f *fakeInvitations) DeclineInvitation(_ context.Context, id int64, _ orgs.Identity) (*orgs.Invitation, error) {
	f.calls = append(f.calls, "DeclineInvitation")
	return &orgs.Invitation{ID: id, Status: orgs.InvitationDeclined}, nil
}

type fakeSubscriptions struct {
	sub   *billing.Subscription
	calls []string
}

func (f *fakeSubscriptions) GetCurrent(_ context.Context, orgID int64) (*billing.Subscription, error) {
	if f.sub == nil {
		return nil, apperr.NotFound("no subscription for organization %d", orgID)
	}
	return f.sub, nil
}

func (f *fakeSubscriptions) ChangeSubscription(_ context.Context, orgID int64, plan plans.Name, cycle plans.BillingCycle) (*billing.Subscription, error) {
	f.calls = append(f.calls, "ChangeSubscription")
	return &billing.Subscription{OrgID: orgID, Plan: plan, BillingCycle: cycle, Status: billing.SubscriptionStatusActive}, nil
}

func (f *fakeSubscriptions) Cancel(_ context.Context, orgID int64) (*billing.Subscription, error) {
	f.calls = append(f.calls, "Cancel")
	return &billing.Subscription{OrgID: orgID, CancelAtPeriodEnd: true, Status: billing.SubscriptionStatusActive}, nil
}

func (f *fakeSubscriptions) Resume(_ context.Context, orgID int64) (*billing.Subscription, error) {
	f.calls = append(f.calls, "Resume")
	return &billing.Subscription{OrgID: orgID, Status: billing.SubscriptionStatusActive}, nil
}

// countingMeter returns a fixed usage and counts calls
type countingMeter struct {
	recorded int64
	err      error
}

func (m *countingMeter) RecordUsage(_ context.Context, orgID int64, metric string, delta int64) (*usage.Usage, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.recorded += delta
	return &usage.Usage{Metric: metric, Used: m.recorded, Limit: 100, Plan: plans.Free}, nil
}

func (m *countingMeter) ListUsage(_ context.Context, orgID int64) ([]usage.Usage, error) {
	return []usage.Usage{{Metric: plans.MetricAPICalls, Used: m.recorded, Limit: 100, Plan: plans.Free}}, nil
}
