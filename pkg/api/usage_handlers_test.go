package api

import (
	"bytes"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/platinummonkey/entitlements/pkg/apperr"
	"github.com/platinummonkey/entitlements/pkg/gate"
	"github.com/platinummonkey/entitlements/pkg/observability"
	"github.com/platinummonkey/entitlements/pkg/plans"
	"github.com/platinummonkey/entitlements/pkg/usage"
)

func TestListUsage(t *testing.T) {
	engine := &mockEngine{
		listUsageFunc: func(actor string, orgID int64) ([]usage.Usage, error) {
			return []usage.Usage{
				{Metric: "api_calls", Used: 100, Limit: 100, Percentage: 100, Exceeded: true, Plan: plans.Free},
				{Metric: "exports", Used: 0, Limit: plans.Unlimited, Unlimited: true, Plan: plans.Free},
			}, nil
		},
	}

	w := do(t, engine, http.MethodGet, "/api/v1/orgs/7/usage", "u-1", "")

	assertStatus(t, w, http.StatusOK)
	list := decode[[]usage.Usage](t, w)
	assert.Len(t, list, 2)
	assert.True(t, list[0].Exceeded)
	assert.Equal(t, plans.Unlimited, list[1].Limit)
}

func TestConsume(t *testing.T) {
	var gotMetric string
	var gotDelta int64
	engine := &mockEngine{
		consumeFunc: func(actor string, orgID int64, metric string, delta int64) (*gate.Decision, error) {
			gotMetric, gotDelta = metric, delta
			return &gate.Decision{
				Allowed: true,
				Usage:   &usage.Usage{Metric: metric, Used: 12, Limit: 100, Percentage: 12, Plan: plans.Free},
			}, nil
		},
	}

	t.Run("default delta", func(t *testing.T) {
		w := do(t, engine, http.MethodPost, "/api/v1/orgs/7/usage/api_calls", "u-1", "")
		assertStatus(t, w, http.StatusOK)
		assert.Equal(t, "api_calls", gotMetric)
		assert.Equal(t, int64(1), gotDelta)
		assert.True(t, decode[gate.Decision](t, w).Allowed)
	})

	t.Run("explicit delta", func(t *testing.T) {
		w := do(t, engine, http.MethodPost, "/api/v1/orgs/7/usage/exports?delta=3", "u-1", "")
		assertStatus(t, w, http.StatusOK)
		assert.Equal(t, int64(3), gotDelta)
	})

	t.Run("malformed delta", func(t *testing.T) {
		w := do(t, engine, http.MethodPost, "/api/v1/orgs/7/usage/exports?delta=lots", "u-1", "")
		assertStatus(t, w, http.StatusUnprocessableEntity)
	})
}

func TestConsume_QuotaExceeded(t *testing.T) {
	engine := &mockEngine{
		consumeFunc: func(string, int64, string, int64) (*gate.Decision, error) {
			return nil, &usage.QuotaExceededError{Metric: "api_calls", Plan: plans.Free, Limit: 100, Used: 100}
		},
	}

	w := do(t, engine, http.MethodPost, "/api/v1/orgs/7/usage/api_calls", "u-1", "")

	assertStatus(t, w, http.StatusTooManyRequests)
	body := errorBody(t, w)
	assert.Equal(t, "quota_exceeded", body.Error)
	assert.False(t, body.Retryable)
	assert.Equal(t, "api_calls", body.Details["metric"])
	assert.Equal(t, "free", body.Details["plan"])
	assert.Equal(t, float64(100), body.Details["limit"])
	assert.Equal(t, float64(100), body.Details["used"])
}

func TestConsume_StorageUnavailable(t *testing.T) {
	var logs bytes.Buffer
	logger := observability.NewLogger(observability.InfoLevel, &logs)
	engine := &mockEngine{
		consumeFunc: func(string, int64, string, int64) (*gate.Decision, error) {
			return nil, apperr.Unavailable(errors.New("dial tcp 10.0.0.5:6379: connect: connection refused"), true, "failed to record usage")
		},
	}

	w := do(t, engine, http.MethodPost, "/api/v1/orgs/7/usage/api_calls", "u-1", "", WithLogger(logger))

	assertStatus(t, w, http.StatusServiceUnavailable)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
	body := errorBody(t, w)
	assert.Equal(t, "service temporarily unavailable", body.Message)
	assert.NotContains(t, w.Body.String(), "10.0.0.5")
	assert.Contains(t, logs.String(), "connection refused")
}

func TestListPlans(t *testing.T) {
	w := do(t, &mockEngine{}, http.MethodGet, "/api/v1/plans", "", "")

	assertStatus(t, w, http.StatusOK)
	list := decode[[]plans.Plan](t, w)
	assert.Len(t, list, 4)
	assert.Equal(t, plans.Free, list[0].Name)
}
