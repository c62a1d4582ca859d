package gate

import (
	"context"

	"github.com/platinummonkey/entitlements/pkg/billing"
	"github.com/platinummonkey/entitlements/pkg/orgs"
	"github.com/platinummonkey/entitlements/pkg/plans"
	"github.com/platinummonkey/entitlements/pkg/rbac"
	"github.com/platinummonkey/entitlements/pkg/usage"
)

// Members is the membership registry
type Members interface {
	CreateOrganization(ctx context.Context, req orgs.CreateOrgRequest, owner orgs.Identity) (*orgs.Organization, *orgs.Member, error)
	GetMember(ctx context.Context, orgID, memberID int64) (*orgs.Member, error)
	GetMemberByUser(ctx context.Context, orgID int64, userID string) (*orgs.Member, error)
	ListMembers(ctx context.Context, orgID int64) ([]*orgs.Member, error)
	UpdateMemberRole(ctx context.Context, orgID, memberID int64, role rbac.Role, actorUserID string) (*orgs.Member, error)
	RemoveMember(ctx context.Context, orgID, memberID int64, actorUserID string) error
}

// Invitations is the invitation ledger
type Invitations interface {
	CreateInvitation(ctx context.Context, orgID int64, email string, role rbac.Role, actorUserID string) (*orgs.Invitation, error)
	ListInvitations(ctx context.Context, orgID int64) ([]*orgs.Invitation, error)
	ResendInvitation(ctx context.Context, orgID, id int64, actorUserID string) (*orgs.Invitation, error)
	CancelInvitation(ctx context.Context, orgID, id int64, actorUserID string) (*orgs.Invitation, error)
	AcceptInvitation(ctx context.Context, id int64, identity orgs.Identity) (*orgs.Member, error)
	DeclineInvitation(ctx context.Context, id int64, identity orgs.Identity) (*orgs.Invitation, error)
}

// Subscriptions is the subscription ledger
type Subscriptions interface {
	GetCurrent(ctx context.Context, orgID int64) (*billing.Subscription, error)
	ChangeSubscription(ctx context.Context, orgID int64, plan plans.Name, cycle plans.BillingCycle) (*billing.Subscription, error)
	Cancel(ctx context.Context, orgID int64) (*billing.Subscription, error)
	Resume(ctx context.Context, orgID int64) (*billing.Subscription, error)
}

// Meter is the usage meter
type Meter interface {
	RecordUsage(ctx context.Context, orgID int64, metric string, delta int64) (*usage.Usage, error)
	ListUsage(ctx context.Context, orgID int64) ([]usage.Usage, error)
}

// Request describes an action an authenticated user wants to take in an
// organization
type Request struct {
	ActorUserID string
	OrgID       int64
	Action      rbac.Action

	// TargetMemberID is required for actions that manage another member
	TargetMemberID int64
	// AssignRole is the role granted by an invite or a role change
	AssignRole rbac.Role

	// Metric, when set, is consumed by Delta units as part of the decision
	Metric string
	Delta  int64
}

// Decision is the outcome of an allowed request. Denials are returned as
// errors carrying their apperr kind.
type Decision struct {
	Allowed bool         `json:"allowed"`
	Actor   *orgs.Member `json:"actor"`
	Usage   *usage.Usage `json:"usage,omitempty"`
}

// SubscriptionSnapshot is the subscription, plan and usage of an
// organization at one point in time. Subscription is nil when the
// organization is on the implicit free plan.
type SubscriptionSnapshot struct {
	Subscription *billing.Subscription `json:"subscription"`
	Plan         plans.Plan            `json:"plan"`
	Usage        []usage.Usage         `json:"usage"`
}
