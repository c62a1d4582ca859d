package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/platinummonkey/entitlements"

// OTelMetrics mirrors the entitlement counters as OpenTelemetry instruments
// so they reach the OTLP collector alongside traces
type OTelMetrics struct {
	decisions        metric.Int64Counter
	decisionDuration metric.Float64Histogram
	usageRecorded    metric.Int64Counter
	quotaRejections  metric.Int64Counter
}

// NewOTelMetrics creates the instruments on the global meter provider
func NewOTelMetrics() (*OTelMetrics, error) {
	meter := otel.Meter(instrumentationName)

	m := &OTelMetrics{}
	var err error

	m.decisions, err = meter.Int64Counter(
		"entitlements.decisions",
		metric.WithDescription("Authorization decisions by action and outcome"),
		metric.WithUnit("{decision}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create decisions counter: %w", err)
	}

	m.decisionDuration, err = meter.Float64Histogram(
		"entitlements.decision.duration",
		metric.WithDescription("Time to reach an authorization decision"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create decision duration histogram: %w", err)
	}

	m.usageRecorded, err = meter.Int64Counter(
		"entitlements.usage.recorded",
		metric.WithDescription("Units of usage recorded"),
		metric.WithUnit("{unit}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create usage counter: %w", err)
	}

	m.quotaRejections, err = meter.Int64Counter(
		"entitlements.quota.rejections",
		metric.WithDescription("Metered actions rejected for exceeding the plan limit"),
		metric.WithUnit("{rejection}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create quota rejection counter: %w", err)
	}

	return m, nil
}

// RecordDecision records an authorization decision. Safe on a nil receiver.
func (m *OTelMetrics) RecordDecision(ctx context.Context, action, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.decisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("action", action),
		attribute.String("outcome", outcome),
	))
	m.decisionDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("action", action),
	))
}

// RecordUsage records delta units of a metric, or a rejection when the
// plan limit refused it
func (m *OTelMetrics) RecordUsage(ctx context.Context, metricName, plan string, delta int64, rejected bool) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("metric", metricName),
		attribute.String("plan", plan),
	)
	if rejected {
		m.quotaRejections.Add(ctx, 1, attrs)
		return
	}
	m.usageRecorded.Add(ctx, delta, attrs)
}
