package jobs

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/entitlements/pkg/billing"
	"github.com/platinummonkey/entitlements/pkg/observability"
)

type fakePurger struct {
	retention time.Duration
	purged    int64
	err       error
	panicWith interface{}
}

func (f *fakePurger) PurgeExpiredInvitations(_ context.Context, retention time.Duration) (int64, error) {
	if f.panicWith != nil {
		panic(f.panicWith)
	}
	f.retention = retention
	return f.purged, f.err
}

type fakeRoller struct {
	result billing.RolloverResult
	err    error
	calls  int
}

func (f *fakeRoller) RolloverDue(ctx context.Context) (billing.RolloverResult, error) {
	f.calls++
	if _, ok := ctx.Deadline(); !ok {
		return billing.RolloverResult{}, errors.New("job context has no deadline")
	}
	return f.result, f.err
}

func testConfig() Config {
	return Config{
		PurgeSchedule:    "@hourly",
		RolloverSchedule: "*/5 * * * *",
		Retention:        30 * 24 * time.Hour,
		Timeout:          time.Minute,
	}
}

func TestNew_InvalidSchedule(t *testing.T) {
	cfg := testConfig()
	cfg.RolloverSchedule = "whenever"

	_, err := New(cfg, &fakePurger{}, &fakeRoller{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), JobRollover)
}

func TestScheduler_RunPurge(t *testing.T) {
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	var buf bytes.Buffer
	purger := &fakePurger{purged: 4}

	s, err := New(testConfig(), purger, &fakeRoller{},
		WithMetrics(metrics),
		WithLogger(observability.NewLogger(observability.InfoLevel, &buf)))
	require.NoError(t, err)

	require.NoError(t, s.RunPurge(context.Background()))

	assert.Equal(t, 30*24*time.Hour, purger.retention)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.JobRunsTotal.WithLabelValues(JobPurgeInvitations, "ok")))
	assert.Contains(t, buf.String(), `"purged":4`)
}

func TestScheduler_RunRollover(t *testing.T) {
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	roller := &fakeRoller{result: billing.RolloverResult{Renewed: 3, Cancelled: 1}}

	s, err := New(testConfig(), &fakePurger{}, roller, WithMetrics(metrics))
	require.NoError(t, err)

	require.NoError(t, s.RunRollover(context.Background()))
	assert.Equal(t, 1, roller.calls)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.JobRunsTotal.WithLabelValues(JobRollover, "ok")))
}

func TestScheduler_FailedRun(t *testing.T) {
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	roller := &fakeRoller{err: errors.New("connection reset")}

	s, err := New(testConfig(), &fakePurger{}, roller, WithMetrics(metrics))
	require.NoError(t, err)

	err = s.RunRollover(context.Background())
	assert.EqualError(t, err, "connection reset")
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.JobRunsTotal.WithLabelValues(JobRollover, "error")))
}

func TestScheduler_PanicBecomesError(t *testing.T) {
	metrics := observability.NewMetrics(prometheus.NewRegistry())

	s, err := New(testConfig(), &fakePurger{panicWith: "nil map"}, &fakeRoller{}, WithMetrics(metrics))
	require.NoError(t, err)

	err = s.RunPurge(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic: nil map")
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.JobRunsTotal.WithLabelValues(JobPurgeInvitations, "error")))
}

func TestScheduler_StartStop(t *testing.T) {
	s, err := New(testConfig(), &fakePurger{}, &fakeRoller{})
	require.NoError(t, err)

	s.Start()
	assert.Len(t, s.cron.Entries(), 2)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, s.Stop(ctx))
}

func TestFields(t *testing.T) {
	got := fields([]interface{}{"entry", 3, "now", "x", "dangling"})
	assert.Equal(t, map[string]interface{}{"entry": 3, "now": "x"}, got)
}
