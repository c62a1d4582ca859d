// Package usage meters per-organization consumption against plan limits.
//
// Counters are keyed by organization, metric and the start of the metering
// period. The period is the organization's current subscription period; an
// organization without an open subscription is metered on the free plan
// over the UTC calendar month.
//
// Recording is a single compare-and-increment in the counter backend so
// concurrent callers never jointly exceed a limit:
//
//	counter := usage.NewRedisCounter(redisClient, "usage")
//	meter := usage.NewMeter(counter, subscriptions, catalog)
//
//	u, err := meter.RecordUsage(ctx, orgID, plans.MetricAPICalls, 1)
//	var quota *usage.QuotaExceededError
//	if errors.As(err, &quota) {
//		// refused, nothing was recorded
//	}
//
// PostgresCounter stores counters in the usage_metrics table and is the
// durable default. RedisCounter trades durability for throughput.
package usage
