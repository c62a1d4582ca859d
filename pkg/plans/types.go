package plans

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Name identifies a plan in the fixed catalog
type Name string

const (
	Free         Name = "free"
	Starter      Name = "starter"
	Professional Name = "professional"
	Enterprise   Name = "enterprise"
)

// Names lists catalog plans from cheapest to most expensive
var Names = []Name{Free, Starter, Professional, Enterprise}

// Valid reports whether n is a catalog plan
func (n Name) Valid() bool {
	for _, known := range Names {
		if n == known {
			return true
		}
	}
	return false
}

// Metric names metered by the catalog
const (
	MetricAPICalls = "api_calls"
	MetricExports  = "exports"
	MetricWebhooks = "webhooks"
)

// Limit is the per-period allowance for a metric. Unlimited is the only
// negative value; never add or compare it arithmetically without checking
// IsUnlimited first.
type Limit int64

// Unlimited marks a metric without a ceiling
const Unlimited Limit = -1

// IsUnlimited reports whether the limit has no ceiling
func (l Limit) IsUnlimited() bool {
	return l == Unlimited
}

// Allows reports whether used+delta stays within the limit
func (l Limit) Allows(used, delta int64) bool {
	if l.IsUnlimited() {
		return true
	}
	return used+delta <= int64(l)
}

// Exceeded reports whether used has reached the limit
func (l Limit) Exceeded(used int64) bool {
	if l.IsUnlimited() {
		return false
	}
	return used >= int64(l)
}

// Percentage returns used as a share of the limit clamped to [0, 100].
// Unlimited metrics report 0 and a zero limit reports 100.
func (l Limit) Percentage(used int64) float64 {
	if l.IsUnlimited() {
		return 0
	}
	if l == 0 {
		return 100
	}
	if used <= 0 {
		return 0
	}
	pct := float64(used) / float64(l) * 100
	if pct > 100 {
		return 100
	}
	return pct
}

func (l Limit) String() string {
	if l.IsUnlimited() {
		return "unlimited"
	}
	return strconv.FormatInt(int64(l), 10)
}

// UnmarshalYAML accepts an integer or the word "unlimited"
func (l *Limit) UnmarshalYAML(value *yaml.Node) error {
	if strings.EqualFold(strings.TrimSpace(value.Value), "unlimited") {
		*l = Unlimited
		return nil
	}
	n, err := strconv.ParseInt(value.Value, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid limit %q: %w", value.Value, err)
	}
	if n < 0 && Limit(n) != Unlimited {
		return fmt.Errorf("invalid limit %d: must be >= 0 or unlimited", n)
	}
	*l = Limit(n)
	return nil
}

// BillingCycle is the recurring billing period of a subscription
type BillingCycle string

const (
	Monthly BillingCycle = "monthly"
	Yearly  BillingCycle = "yearly"
)

// Valid reports whether c is a known cycle
func (c BillingCycle) Valid() bool {
	return c == Monthly || c == Yearly
}

// Advance returns the end of a period of this cycle starting at t
func (c BillingCycle) Advance(t time.Time) time.Time {
	if c == Yearly {
		return t.AddDate(1, 0, 0)
	}
	return t.AddDate(0, 1, 0)
}

// Plan is a catalog entry
type Plan struct {
	Name         Name             `json:"name" yaml:"name"`
	DisplayName  string           `json:"display_name" yaml:"display_name"`
	PriceMonthly int64            `json:"price_monthly_cents" yaml:"price_monthly_cents"`
	PriceYearly  int64            `json:"price_yearly_cents" yaml:"price_yearly_cents"`
	Features     []string         `json:"features" yaml:"features"`
	Limits       map[string]Limit `json:"limits" yaml:"limits"`
	TrialDays    int              `json:"trial_days,omitempty" yaml:"trial_days"`
}

// Limit returns the limit for metric and whether the plan meters it
func (p Plan) Limit(metric string) (Limit, bool) {
	l, ok := p.Limits[metric]
	return l, ok
}

// Price returns the price in cents for one period of cycle
func (p Plan) Price(cycle BillingCycle) int64 {
	if cycle == Yearly {
		return p.PriceYearly
	}
	return p.PriceMonthly
}

// clone returns a deep copy so callers cannot mutate catalog state
func (p Plan) clone() Plan {
	out := p
	out.Features = append([]string(nil), p.Features...)
	out.Limits = make(map[string]Limit, len(p.Limits))
	for k, v := range p.Limits {
		out.Limits[k] = v
	}
	return out
}

func (p Plan) validate() error {
	if !p.Name.Valid() {
		return fmt.Errorf("unknown plan %q", p.Name)
	}
	if p.DisplayName == "" {
		return fmt.Errorf("plan %s: display name is required", p.Name)
	}
	if p.PriceMonthly < 0 || p.PriceYearly < 0 {
		return fmt.Errorf("plan %s: prices must not be negative", p.Name)
	}
	if p.TrialDays < 0 {
		return fmt.Errorf("plan %s: trial days must not be negative", p.Name)
	}
	for metric, limit := range p.Limits {
		if metric == "" {
			return fmt.Errorf("plan %s: empty metric name", p.Name)
		}
		if limit < 0 && !limit.IsUnlimited() {
			return fmt.Errorf("plan %s: invalid limit %d for %s", p.Name, limit, metric)
		}
	}
	return nil
}
