package usage

import (
	"context"
	"errors"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/entitlements/pkg/apperr"
	"github.com/platinummonkey/entitlements/pkg/billing"
	"github.com/platinummonkey/entitlements/pkg/observability"
	"github.com/platinummonkey/entitlements/pkg/plans"
)

// SubscriptionSource resolves the open subscription of an organization
type SubscriptionSource interface {
	GetCurrent(ctx context.Context, orgID int64) (*billing.Subscription, error)
}

// Meter resolves an organization's plan and period and meters usage
// against the plan limits
type Meter struct {
	counter Counter
	subs    SubscriptionSource
	catalog *plans.Catalog
	now     func() time.Time
	logger  *observability.Logger
	metrics *observability.Metrics
	otel    *observability.OTelMetrics
}

// Option configures a Meter
type Option func(*Meter)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(m *Meter) {
		m.now = now
	}
}

// WithLogger sets the logger
func WithLogger(logger *observability.Logger) Option {
	return func(m *Meter) {
		m.logger = logger
	}
}

// WithMetrics records usage and rejections in Prometheus
func WithMetrics(metrics *observability.Metrics) Option {
	return func(m *Meter) {
		m.metrics = metrics
	}
}

// WithOTelMetrics mirrors usage and rejections to OpenTelemetry
func WithOTelMetrics(metrics *observability.OTelMetrics) Option {
	return func(m *Meter) {
		m.otel = metrics
	}
}

// NewMeter creates a meter
func NewMeter(counter Counter, subs SubscriptionSource, catalog *plans.Catalog, opts ...Option) *Meter {
	m := &Meter{
		counter: counter,
		subs:    subs,
		catalog: catalog,
		now:     func() time.Time { return time.Now().UTC() },
		logger:  observability.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// entitlement is the plan and metering window in effect for an organization
type entitlement struct {
	plan   plans.Plan
	period Period
}

func (e entitlement) limit(metric string) plans.Limit {
	// A plan that does not list a metric does not include it
	if l, ok := e.plan.Limit(metric); ok {
		return l
	}
	return 0
}

func (e entitlement) key(orgID int64, metric string) Key {
	return Key{OrgID: orgID, Metric: metric, Period: e.period}
}

// resolve reads the subscription on every call. Organizations without an
// open subscription are metered on the free plan per UTC calendar month.
func (m *Meter) resolve(ctx context.Context, orgID int64) (entitlement, error) {
	sub, err := m.subs.GetCurrent(ctx, orgID)
	if apperr.IsKind(err, apperr.KindNotFound) {
		plan, err := m.catalog.Get(plans.Free)
		if err != nil {
			return entitlement{}, apperr.Internal(err, "free plan missing from catalog")
		}
		return entitlement{plan: plan, period: CalendarMonth(m.now())}, nil
	}
	if err != nil {
		return entitlement{}, err
	}

	plan, err := m.catalog.Get(sub.Plan)
	if err != nil {
		return entitlement{}, apperr.Internal(err, "subscription %d references unknown plan %q", sub.ID, sub.Plan)
	}
	return entitlement{
		plan:   plan,
		period: Period{Start: sub.CurrentPeriodStart, End: sub.CurrentPeriodEnd},
	}, nil
}

func (m *Meter) validateMetric(metric string) error {
	for _, known := range m.catalog.Metrics() {
		if known == metric {
			return nil
		}
	}
	return apperr.Validation("unknown metric %q", metric)
}

// RecordUsage atomically adds delta to the metric when the result stays
// within the plan limit. It returns the usage after the increment, or a
// *QuotaExceededError with the counter unchanged.
func (m *Meter) RecordUsage(ctx context.Context, orgID int64, metric string, delta int64) (*Usage, error) {
	ctx, span := observability.Tracer().Start(ctx, "usage.RecordUsage", trace.WithAttributes(
		attribute.Int64("org_id", orgID),
		attribute.String("metric", metric),
		attribute.Int64("delta", delta),
	))
	defer span.End()

	u, err := m.record(ctx, orgID, metric, delta)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(apperr.KindOf(err)))
	}
	return u, err
}

func (m *Meter) record(ctx context.Context, orgID int64, metric string, delta int64) (*Usage, error) {
	if delta < 1 {
		return nil, apperr.Validation("delta must be at least 1")
	}
	if err := m.validateMetric(metric); err != nil {
		return nil, err
	}

	ent, err := m.resolve(ctx, orgID)
	if err != nil {
		return nil, err
	}
	limit := ent.limit(metric)
	key := ent.key(orgID, metric)

	start := time.Now()
	value, err := m.counter.Increment(ctx, key, delta, limit)
	if errors.Is(err, ErrLimitReached) {
		m.metrics.RecordStorageOperation("increment", m.counter.Backend(), start, nil)
		m.metrics.RecordQuotaRejection(metric, string(ent.plan.Name))
		m.otel.RecordUsage(ctx, metric, string(ent.plan.Name), delta, true)

		used, getErr := m.counter.Get(ctx, key)
		if getErr != nil {
			// The rejection stands; only the reported figure is missing
			m.logger.WithError(getErr).Warn("failed to read usage after quota rejection")
			used = int64(limit)
		}
		return nil, &QuotaExceededError{Metric: metric, Plan: ent.plan.Name, Limit: limit, Used: used}
	}
	m.metrics.RecordStorageOperation("increment", m.counter.Backend(), start, err)
	if err != nil {
		return nil, apperr.Storage(err, true, "failed to record usage")
	}

	m.metrics.RecordUsage(metric, string(ent.plan.Name), delta)
	m.otel.RecordUsage(ctx, metric, string(ent.plan.Name), delta, false)

	u := newUsage(metric, value, limit, ent.plan.Name, ent.period)
	return &u, nil
}

func (m *Meter) read(ctx context.Context, orgID int64, ent entitlement, metric string) (Usage, error) {
	start := time.Now()
	used, err := m.counter.Get(ctx, ent.key(orgID, metric))
	m.metrics.RecordStorageOperation("get", m.counter.Backend(), start, err)
	if err != nil {
		return Usage{}, apperr.Storage(err, true, "failed to read usage")
	}
	return newUsage(metric, used, ent.limit(metric), ent.plan.Name, ent.period), nil
}

// GetUsage returns the current usage of one metric
func (m *Meter) GetUsage(ctx context.Context, orgID int64, metric string) (*Usage, error) {
	if err := m.validateMetric(metric); err != nil {
		return nil, err
	}
	ent, err := m.resolve(ctx, orgID)
	if err != nil {
		return nil, err
	}
	u, err := m.read(ctx, orgID, ent, metric)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// ListUsage returns the usage of every metric of the organization's plan,
// sorted by metric name
func (m *Meter) ListUsage(ctx context.Context, orgID int64) ([]Usage, error) {
	ent, err := m.resolve(ctx, orgID)
	if err != nil {
		return nil, err
	}

	metrics := make([]string, 0, len(ent.plan.Limits))
	for metric := range ent.plan.Limits {
		metrics = append(metrics, metric)
	}
	sort.Strings(metrics)

	out := make([]Usage, len(metrics))
	g, gctx := errgroup.WithContext(ctx)
	for i, metric := range metrics {
		g.Go(func() error {
			u, err := m.read(gctx, orgID, ent, metric)
			if err != nil {
				return err
			}
			out[i] = u
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// IsLimitExceeded reports whether the metric has reached its limit.
// Unlimited metrics are never exceeded.
func (m *Meter) IsLimitExceeded(ctx context.Context, orgID int64, metric string) (bool, error) {
	u, err := m.GetUsage(ctx, orgID, metric)
	if err != nil {
		return false, err
	}
	return u.Exceeded, nil
}
