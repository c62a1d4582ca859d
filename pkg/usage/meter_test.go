package usage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/entitlements/pkg/apperr"
	"github.com/platinummonkey/entitlements/pkg/billing"
	"github.com/platinummonkey/entitlements/pkg/observability"
	"github.com/platinummonkey/entitlements/pkg/plans"
)

// memoryCounter is an in-process Counter with the same compare-and-increment
// contract as the real backends
type memoryCounter struct {
	mu     sync.Mutex
	values map[Key]int64
	err    error
}

func newMemoryCounter() *memoryCounter {
	return &memoryCounter{values: make(map[Key]int64)}
}

func (c *memoryCounter) Increment(_ context.Context, key Key, delta int64, limit plans.Limit) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return 0, c.err
	}
	if !limit.Allows(c.values[key], delta) {
		return 0, ErrLimitReached
	}
	c.values[key] += delta
	return c.values[key], nil
}

func (c *memoryCounter) Get(_ context.Context, key Key) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return 0, c.err
	}
	return c.values[key], nil
}

func (c *memoryCounter) Backend() string {
	return "memory"
}

type fakeSubscriptions struct {
	sub *billing.Subscription
	err error
}

func (f *fakeSubscriptions) GetCurrent(_ context.Context, orgID int64) (*billing.Subscription, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.sub == nil {
		return nil, apperr.NotFound("no subscription for organization %d", orgID)
	}
	return f.sub, nil
}

func starterSubscription() *billing.Subscription {
	return &billing.Subscription{
		ID:                 3,
		OrgID:              7,
		Plan:               plans.Starter,
		BillingCycle:       plans.Monthly,
		Status:             billing.SubscriptionStatusActive,
		CurrentPeriodStart: time.Date(2026, 2, 15, 0, 0, 0, 0, time.UTC),
		CurrentPeriodEnd:   time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC),
	}
}

func newTestMeter(subs SubscriptionSource, counter Counter, opts ...Option) *Meter {
	opts = append([]Option{WithClock(func() time.Time { return testNow })}, opts...)
	return NewMeter(counter, subs, plans.DefaultCatalog(), opts...)
}

func freeLimit(t *testing.T, metric string) plans.Limit {
	t.Helper()
	plan, err := plans.DefaultCatalog().Get(plans.Free)
	require.NoError(t, err)
	l, ok := plan.Limit(metric)
	require.True(t, ok)
	return l
}

func TestMeter_RecordUsage(t *testing.T) {
	ctx := context.Background()

	t.Run("free plan over calendar month", func(t *testing.T) {
		counter := newMemoryCounter()
		meter := newTestMeter(&fakeSubscriptions{}, counter)

		u, err := meter.RecordUsage(ctx, 7, plans.MetricAPICalls, 3)
		require.NoError(t, err)
		assert.Equal(t, int64(3), u.Used)
		assert.Equal(t, plans.Free, u.Plan)
		assert.Equal(t, CalendarMonth(testNow), u.Period)
		assert.Equal(t, freeLimit(t, plans.MetricAPICalls), u.Limit)
	})

	t.Run("subscription period and plan", func(t *testing.T) {
		counter := newMemoryCounter()
		sub := starterSubscription()
		meter := newTestMeter(&fakeSubscriptions{sub: sub}, counter)

		u, err := meter.RecordUsage(ctx, 7, plans.MetricExports, 1)
		require.NoError(t, err)
		assert.Equal(t, plans.Starter, u.Plan)
		assert.Equal(t, sub.CurrentPeriodStart, u.Period.Start)
		assert.Equal(t, sub.CurrentPeriodEnd, u.Period.End)
	})

	t.Run("quota exceeded leaves counter unchanged", func(t *testing.T) {
		counter := newMemoryCounter()
		meter := newTestMeter(&fakeSubscriptions{}, counter)
		limit := freeLimit(t, plans.MetricAPICalls)
		key := Key{OrgID: 7, Metric: plans.MetricAPICalls, Period: CalendarMonth(testNow)}
		counter.values[key] = int64(limit)

		_, err := meter.RecordUsage(ctx, 7, plans.MetricAPICalls, 1)
		require.Error(t, err)
		assert.Equal(t, apperr.KindQuotaExceeded, apperr.KindOf(err))

		var quota *QuotaExceededError
		require.True(t, errors.As(err, &quota))
		assert.Equal(t, int64(limit), quota.Used)
		assert.Equal(t, limit, quota.Limit)
		assert.Equal(t, plans.Free, quota.Plan)
		assert.Equal(t, int64(limit), counter.values[key])
	})

	t.Run("validation", func(t *testing.T) {
		meter := newTestMeter(&fakeSubscriptions{}, newMemoryCounter())

		_, err := meter.RecordUsage(ctx, 7, plans.MetricAPICalls, 0)
		assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

		_, err = meter.RecordUsage(ctx, 7, "bandwidth", 1)
		assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	})

	t.Run("storage failure is retryable", func(t *testing.T) {
		counter := newMemoryCounter()
		counter.err = errors.New("connection reset")
		meter := newTestMeter(&fakeSubscriptions{}, counter)

		_, err := meter.RecordUsage(ctx, 7, plans.MetricAPICalls, 1)
		assert.Equal(t, apperr.KindUnavailable, apperr.KindOf(err))
		assert.True(t, apperr.IsRetryable(err))
	})

	t.Run("subscription lookup failure", func(t *testing.T) {
		subs := &fakeSubscriptions{err: apperr.Unavailable(errors.New("down"), true, "failed to load subscription")}
		meter := newTestMeter(subs, newMemoryCounter())

		_, err := meter.RecordUsage(ctx, 7, plans.MetricAPICalls, 1)
		assert.Equal(t, apperr.KindUnavailable, apperr.KindOf(err))
	})

	t.Run("records metrics", func(t *testing.T) {
		metrics := observability.NewMetrics(prometheus.NewRegistry())
		counter := newMemoryCounter()
		meter := newTestMeter(&fakeSubscriptions{}, counter, WithMetrics(metrics))
		limit := freeLimit(t, plans.MetricWebhooks)

		_, err := meter.RecordUsage(ctx, 7, plans.MetricWebhooks, int64(limit))
		require.NoError(t, err)
		_, err = meter.RecordUsage(ctx, 7, plans.MetricWebhooks, 1)
		require.Error(t, err)

		assert.Equal(t, float64(limit), testutil.ToFloat64(metrics.UsageRecordedTotal.WithLabelValues(plans.MetricWebhooks, "free")))
		assert.Equal(t, 1.0, testutil.ToFloat64(metrics.QuotaRejectionsTotal.WithLabelValues(plans.MetricWebhooks, "free")))
		assert.Equal(t, 2.0, testutil.ToFloat64(metrics.StorageOperationsTotal.WithLabelValues("increment", "memory", "ok")))
	})
}

// A plan change applies to the next check without touching recorded usage
func TestMeter_PlanChangeAppliesImmediately(t *testing.T) {
	ctx := context.Background()
	counter := newMemoryCounter()
	sub := starterSubscription()
	subs := &fakeSubscriptions{sub: sub}
	meter := newTestMeter(subs, counter)

	starter, err := plans.DefaultCatalog().Get(plans.Starter)
	require.NoError(t, err)
	starterLimit, _ := starter.Limit(plans.MetricExports)

	_, err = meter.RecordUsage(ctx, 7, plans.MetricExports, int64(starterLimit))
	require.NoError(t, err)

	exceeded, err := meter.IsLimitExceeded(ctx, 7, plans.MetricExports)
	require.NoError(t, err)
	assert.True(t, exceeded)

	upgraded := *sub
	upgraded.Plan = plans.Professional
	subs.sub = &upgraded

	exceeded, err = meter.IsLimitExceeded(ctx, 7, plans.MetricExports)
	require.NoError(t, err)
	assert.False(t, exceeded)

	u, err := meter.GetUsage(ctx, 7, plans.MetricExports)
	require.NoError(t, err)
	assert.Equal(t, int64(starterLimit), u.Used)
	assert.Equal(t, plans.Professional, u.Plan)
}

func TestMeter_GetUsage(t *testing.T) {
	ctx := context.Background()
	counter := newMemoryCounter()
	meter := newTestMeter(&fakeSubscriptions{}, counter)
	limit := freeLimit(t, plans.MetricAPICalls)

	counter.values[Key{OrgID: 7, Metric: plans.MetricAPICalls, Period: CalendarMonth(testNow)}] = int64(limit) / 2

	u, err := meter.GetUsage(ctx, 7, plans.MetricAPICalls)
	require.NoError(t, err)
	assert.Equal(t, int64(limit)/2, u.Used)
	assert.InDelta(t, 50.0, u.Percentage, 1)
	assert.False(t, u.Exceeded)

	_, err = meter.GetUsage(ctx, 7, "bandwidth")
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestMeter_ListUsage(t *testing.T) {
	ctx := context.Background()

	t.Run("every plan metric sorted", func(t *testing.T) {
		meter := newTestMeter(&fakeSubscriptions{}, newMemoryCounter())

		list, err := meter.ListUsage(ctx, 7)
		require.NoError(t, err)

		free, err := plans.DefaultCatalog().Get(plans.Free)
		require.NoError(t, err)
		require.Len(t, list, len(free.Limits))
		for i := 1; i < len(list); i++ {
			assert.Less(t, list[i-1].Metric, list[i].Metric)
		}
		for _, u := range list {
			assert.Zero(t, u.Used)
			assert.Equal(t, plans.Free, u.Plan)
		}
	})

	t.Run("storage failure", func(t *testing.T) {
		counter := newMemoryCounter()
		counter.err = errors.New("timeout")
		meter := newTestMeter(&fakeSubscriptions{}, counter)

		_, err := meter.ListUsage(ctx, 7)
		assert.Equal(t, apperr.KindUnavailable, apperr.KindOf(err))
	})
}

func TestMeter_IsLimitExceeded_Unlimited(t *testing.T) {
	ctx := context.Background()
	sub := starterSubscription()
	sub.Plan = plans.Enterprise
	counter := newMemoryCounter()
	meter := newTestMeter(&fakeSubscriptions{sub: sub}, counter)

	enterprise, err := plans.DefaultCatalog().Get(plans.Enterprise)
	require.NoError(t, err)

	for metric, limit := range enterprise.Limits {
		if !limit.IsUnlimited() {
			continue
		}
		counter.values[Key{OrgID: 7, Metric: metric, Period: Period{Start: sub.CurrentPeriodStart, End: sub.CurrentPeriodEnd}}] = 1 << 40

		exceeded, err := meter.IsLimitExceeded(ctx, 7, metric)
		require.NoError(t, err)
		assert.False(t, exceeded, metric)

		u, err := meter.GetUsage(ctx, 7, metric)
		require.NoError(t, err)
		assert.True(t, u.Unlimited)
		assert.Zero(t, u.Percentage)
	}
}
