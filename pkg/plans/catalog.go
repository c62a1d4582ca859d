package plans

import (
	"fmt"
	"io"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/platinummonkey/entitlements/pkg/apperr"
)

// DefaultPlans returns the built-in catalog
func DefaultPlans() []Plan {
	return []Plan{
		{
			Name:         Free,
			DisplayName:  "Free",
			PriceMonthly: 0,
			PriceYearly:  0,
			Features:     []string{"100 API calls per month", "Community support"},
			Limits: map[string]Limit{
				MetricAPICalls: 100,
				MetricExports:  5,
				MetricWebhooks: 50,
			},
		},
		{
			Name:         Starter,
			DisplayName:  "Starter",
			PriceMonthly: 2900,
			PriceYearly:  29000,
			Features:     []string{"10,000 API calls per month", "Email support", "CSV exports"},
			Limits: map[string]Limit{
				MetricAPICalls: 10000,
				MetricExports:  100,
				MetricWebhooks: 5000,
			},
		},
		{
			Name:         Professional,
			DisplayName:  "Professional",
			PriceMonthly: 9900,
			PriceYearly:  99000,
			Features:     []string{"100,000 API calls per month", "Priority support", "Unlimited exports"},
			Limits: map[string]Limit{
				MetricAPICalls: 100000,
				MetricExports:  Unlimited,
				MetricWebhooks: 50000,
			},
		},
		{
			Name:         Enterprise,
			DisplayName:  "Enterprise",
			PriceMonthly: 49900,
			PriceYearly:  499000,
			Features:     []string{"Unlimited API calls, exports and webhooks", "Dedicated support", "Custom contracts"},
			Limits: map[string]Limit{
				MetricAPICalls: Unlimited,
				MetricExports:  Unlimited,
				MetricWebhooks: Unlimited,
			},
		},
	}
}

// Catalog is the read-mostly plan table. It is safe for concurrent use.
type Catalog struct {
	mu    sync.RWMutex
	plans map[Name]Plan
}

// NewCatalog builds a catalog from plans. Every catalog plan must be present.
func NewCatalog(plans []Plan) (*Catalog, error) {
	c := &Catalog{}
	if err := c.Replace(plans); err != nil {
		return nil, err
	}
	return c, nil
}

// DefaultCatalog returns a catalog with the built-in plans
func DefaultCatalog() *Catalog {
	c, err := NewCatalog(DefaultPlans())
	if err != nil {
		panic(fmt.Sprintf("invalid default plan catalog: %v", err))
	}
	return c
}

// Replace swaps the catalog contents atomically
func (c *Catalog) Replace(plans []Plan) error {
	next := make(map[Name]Plan, len(plans))
	for _, p := range plans {
		if err := p.validate(); err != nil {
			return err
		}
		if _, dup := next[p.Name]; dup {
			return fmt.Errorf("duplicate plan %q", p.Name)
		}
		next[p.Name] = p.clone()
	}
	for _, name := range Names {
		if _, ok := next[name]; !ok {
			return fmt.Errorf("plan %q is missing from catalog", name)
		}
	}

	c.mu.Lock()
	c.plans = next
	c.mu.Unlock()
	return nil
}

// Get returns a copy of the named plan
func (c *Catalog) Get(name Name) (Plan, error) {
	c.mu.RLock()
	p, ok := c.plans[name]
	c.mu.RUnlock()
	if !ok {
		return Plan{}, apperr.Validation("unknown plan %q", name)
	}
	return p.clone(), nil
}

// List returns all plans from cheapest to most expensive
func (c *Catalog) List() []Plan {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Plan, 0, len(Names))
	for _, name := range Names {
		out = append(out, c.plans[name].clone())
	}
	return out
}

// Metrics returns every metric metered by any plan, sorted
func (c *Catalog) Metrics() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, p := range c.plans {
		for m := range p.Limits {
			seen[m] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for m := range seen {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// overrideFile is the YAML layout of a catalog override file
type overrideFile struct {
	Plans []planOverride `yaml:"plans"`
}

// planOverride mirrors Plan with pointers where zero is a meaningful value,
// so an override can make a plan free or drop its trial.
type planOverride struct {
	Name         Name             `yaml:"name"`
	DisplayName  string           `yaml:"display_name"`
	PriceMonthly *int64           `yaml:"price_monthly_cents"`
	PriceYearly  *int64           `yaml:"price_yearly_cents"`
	Features     []string         `yaml:"features"`
	Limits       map[string]Limit `yaml:"limits"`
	TrialDays    *int             `yaml:"trial_days"`
}

// ParseOverrides reads plan overrides from YAML and merges them onto the
// built-in plans. Overrides may only tune known plans.
func ParseOverrides(r io.Reader) ([]Plan, error) {
	var f overrideFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to parse plan overrides: %w", err)
	}

	merged := make(map[Name]Plan)
	for _, p := range DefaultPlans() {
		merged[p.Name] = p
	}

	for _, o := range f.Plans {
		base, ok := merged[o.Name]
		if !ok {
			return nil, fmt.Errorf("unknown plan %q in overrides", o.Name)
		}
		if o.DisplayName != "" {
			base.DisplayName = o.DisplayName
		}
		if o.PriceMonthly != nil {
			base.PriceMonthly = *o.PriceMonthly
		}
		if o.PriceYearly != nil {
			base.PriceYearly = *o.PriceYearly
		}
		if len(o.Features) > 0 {
			base.Features = o.Features
		}
		if o.TrialDays != nil {
			base.TrialDays = *o.TrialDays
		}
		if len(o.Limits) > 0 {
			limits := make(map[string]Limit, len(base.Limits))
			for k, v := range base.Limits {
				limits[k] = v
			}
			for k, v := range o.Limits {
				limits[k] = v
			}
			base.Limits = limits
		}
		merged[o.Name] = base
	}

	out := make([]Plan, 0, len(Names))
	for _, name := range Names {
		out = append(out, merged[name])
	}
	return out, nil
}

// LoadFile applies the override file at path to the catalog
func (c *Catalog) LoadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open plan file: %w", err)
	}
	defer f.Close()

	plans, err := ParseOverrides(f)
	if err != nil {
		return err
	}
	return c.Replace(plans)
}
