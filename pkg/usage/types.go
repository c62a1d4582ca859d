package usage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/platinummonkey/entitlements/pkg/apperr"
	"github.com/platinummonkey/entitlements/pkg/plans"
)

// Period is a half-open metering window [Start, End)
type Period struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Contains reports whether t falls inside the period
func (p Period) Contains(t time.Time) bool {
	return !t.Before(p.Start) && t.Before(p.End)
}

// CalendarMonth returns the UTC calendar month containing t
func CalendarMonth(t time.Time) Period {
	t = t.UTC()
	start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	return Period{Start: start, End: start.AddDate(0, 1, 0)}
}

// Key addresses one usage counter
type Key struct {
	OrgID  int64
	Metric string
	Period Period
}

// Usage is a point in time view of one metric for an organization
type Usage struct {
	Metric     string      `json:"metric"`
	Used       int64       `json:"used"`
	Limit      plans.Limit `json:"limit"`
	Percentage float64     `json:"percentage"`
	Unlimited  bool        `json:"unlimited"`
	Exceeded   bool        `json:"exceeded"`
	Plan       plans.Name  `json:"plan"`
	Period     Period      `json:"period"`
}

func newUsage(metric string, used int64, limit plans.Limit, plan plans.Name, period Period) Usage {
	return Usage{
		Metric:     metric,
		Used:       used,
		Limit:      limit,
		Percentage: limit.Percentage(used),
		Unlimited:  limit.IsUnlimited(),
		Exceeded:   limit.Exceeded(used),
		Plan:       plan,
		Period:     period,
	}
}

// ErrLimitReached is returned by a Counter when the increment would take
// the counter past its limit. The counter is left unchanged.
var ErrLimitReached = errors.New("usage limit reached")

// Counter stores per-period usage counters. Increment must be a single
// atomic compare-and-increment: concurrent callers can never jointly push
// the value past limit.
type Counter interface {
	// Increment adds delta and returns the new value, or ErrLimitReached
	Increment(ctx context.Context, key Key, delta int64, limit plans.Limit) (int64, error)
	// Get returns the current value, zero when the counter does not exist
	Get(ctx context.Context, key Key) (int64, error)
	// Backend names the storage for metrics labels
	Backend() string
}

// QuotaExceededError reports a metered action refused by the plan limit
type QuotaExceededError struct {
	Metric string
	Plan   plans.Name
	Limit  plans.Limit
	Used   int64
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("quota exceeded for %s: %d of %s used on the %s plan", e.Metric, e.Used, e.Limit, e.Plan)
}

// ErrorKind classifies the error as a quota rejection
func (e *QuotaExceededError) ErrorKind() apperr.Kind {
	return apperr.KindQuotaExceeded
}
