// Package gate is the composition root of the entitlement engine.
//
// Every organization action enters through Gate.Authorize: the actor's
// membership is resolved, the role hierarchy is checked, and metered actions
// consume quota through the usage meter in one atomic step. The facade
// methods authorize first and then call the component that owns the state.
//
//	g := gate.New(gate.Dependencies{
//		Members:       orgService,
//		Invitations:   orgService,
//		Subscriptions: billingService,
//		Meter:         meter,
//		Catalog:       catalog,
//	}, gate.WithMetrics(metrics))
//
//	decision, err := g.Consume(ctx, userID, orgID, plans.MetricAPICalls, 1)
//	if apperr.IsKind(err, apperr.KindQuotaExceeded) {
//		// over the plan limit, nothing recorded
//	}
//
// The ledgers re-check permissions under the organization lock, so a
// decision cannot be invalidated by a concurrent role change.
package gate
