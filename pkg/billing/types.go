package billing

import (
	"context"
	"time"

	"github.com/platinummonkey/entitlements/pkg/plans"
)

// SubscriptionStatus represents the status of a subscription
type SubscriptionStatus string

const (
	SubscriptionStatusTrialing  SubscriptionStatus = "trialing"
	SubscriptionStatusActive    SubscriptionStatus = "active"
	SubscriptionStatusPastDue   SubscriptionStatus = "past_due"
	SubscriptionStatusCancelled SubscriptionStatus = "cancelled"
)

// Subscription binds an organization to a plan over a recurring period
type Subscription struct {
	ID                 int64              `json:"id"`
	OrgID              int64              `json:"org_id"`
	Plan               plans.Name         `json:"plan"`
	BillingCycle       plans.BillingCycle `json:"billing_cycle"`
	Status             SubscriptionStatus `json:"status"`
	CurrentPeriodStart time.Time          `json:"current_period_start"`
	CurrentPeriodEnd   time.Time          `json:"current_period_end"`
	CancelAtPeriodEnd  bool               `json:"cancel_at_period_end"`
	CancelledAt        *time.Time         `json:"cancelled_at,omitempty"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`

	// PendingBillingCycle takes effect at the next period rollover
	PendingBillingCycle *plans.BillingCycle `json:"pending_billing_cycle,omitempty"`
}

// IsOpen reports whether the subscription is non-terminal
func (s *Subscription) IsOpen() bool {
	return s.Status != SubscriptionStatusCancelled
}

// Resumable reports whether a scheduled cancellation can be withdrawn
func (s *Subscription) Resumable() bool {
	return s.CancelAtPeriodEnd && s.Status == SubscriptionStatusActive
}

// ChangeSubscriptionRequest is the body of a subscribe-or-update call
type ChangeSubscriptionRequest struct {
	Plan         plans.Name         `json:"plan"`
	BillingCycle plans.BillingCycle `json:"billing_cycle"`
}

// RolloverResult summarizes one pass of RolloverDue
type RolloverResult struct {
	Renewed   int `json:"renewed"`
	Cancelled int `json:"cancelled"`
}

// Service defines the subscription ledger operations
type Service interface {
	Subscribe(ctx context.Context, orgID int64, plan plans.Name, cycle plans.BillingCycle) (*Subscription, error)
	GetCurrent(ctx context.Context, orgID int64) (*Subscription, error)
	UpdatePlan(ctx context.Context, orgID int64, plan plans.Name) (*Subscription, error)
	ChangeSubscription(ctx context.Context, orgID int64, plan plans.Name, cycle plans.BillingCycle) (*Subscription, error)
	Cancel(ctx context.Context, orgID int64) (*Subscription, error)
	Resume(ctx context.Context, orgID int64) (*Subscription, error)

	// Payment collaborator events
	MarkPastDue(ctx context.Context, orgID int64) (*Subscription, error)
	MarkPaymentRecovered(ctx context.Context, orgID int64) (*Subscription, error)

	// Period rollover
	RolloverDue(ctx context.Context) (RolloverResult, error)
}
