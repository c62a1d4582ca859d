// Package billing keeps the subscription ledger: which plan an organization
// is on, over which billing period, and whether it is scheduled to end.
//
// # Lifecycle
//
//	none -> trialing | active
//	active -> active (cancel_at_period_end set by Cancel, cleared by Resume)
//	active <-> past_due   (payment collaborator events)
//	open -> cancelled     (RolloverDue, when cancel_at_period_end is set)
//
// At most one open subscription exists per organization; a partial unique
// index on subscriptions(org_id) decides concurrent Subscribe calls.
//
// Periods are driven by RolloverDue, normally from the reconciliation cron
// in pkg/jobs. A billing cycle change requested through ChangeSubscription
// is applied at the next rollover; a plan change applies immediately.
//
// # Usage Example
//
//	ledger := billing.NewPostgresService(db, plans.DefaultCatalog())
//
//	sub, err := ledger.ChangeSubscription(ctx, orgID, plans.Starter, plans.Monthly)
//	if apperr.IsKind(err, apperr.KindValidation) {
//		// unknown plan or cycle
//	}
//
//	sub, err = ledger.Cancel(ctx, orgID) // idempotent
//
// # Related Packages
//
//   - pkg/plans: plan catalog and billing cycle arithmetic
//   - pkg/usage: meters usage against the plan of the open subscription
package billing
