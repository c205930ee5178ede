// Package quota enforces per-tenant monthly volume limits.
//
// Effective limits come from the tenant's subscription plan, with optional
// per-tenant numeric overrides taking precedence field by field. A canceled
// subscription falls back to the tenant's legacy plan name, and to the free
// tier when that is unknown. Checks read the current period's usage counter
// and compare; increments go through the repo's atomic upsert so concurrent
// inbound traffic for one tenant never loses updates.
package quota

import (
	"context"
	"time"

	"github.com/tbourn/go-bizchat-backend/internal/domain"
	"github.com/tbourn/go-bizchat-backend/internal/repo"
)

// Limits holds the monthly ceilings for one tenant.
type Limits struct {
	Inbound    int
	Outbound   int
	Automation int
	ModelCalls int
}

// planDefaults maps plan IDs to their stock limits. Unknown plans resolve
// to the free tier, the most restrictive one.
var planDefaults = map[string]Limits{
	"free":       {Inbound: 500, Outbound: 500, Automation: 100, ModelCalls: 50},
	"starter":    {Inbound: 2000, Outbound: 2000, Automation: 500, ModelCalls: 200},
	"pro":        {Inbound: 10000, Outbound: 10000, Automation: 2500, ModelCalls: 1000},
	"enterprise": {Inbound: 100000, Outbound: 100000, Automation: 25000, ModelCalls: 10000},
}

// PlanStatusActive is the subscription status under which PlanID applies.
const PlanStatusActive = "active"

// EffectiveLimits computes the limits in force for t.
//
// Plan selection: PlanID while the subscription is active; otherwise
// LegacyPlan, and the free tier when that names no known plan. Per-tenant
// overrides (Max* fields) then replace individual values.
func EffectiveLimits(t *domain.Tenant) Limits {
	plan := t.PlanID
	if t.PlanStatus != PlanStatusActive {
		plan = t.LegacyPlan
	}
	lim, ok := planDefaults[plan]
	if !ok {
		lim = planDefaults["free"]
	}
	if t.MaxInbound != nil {
		lim.Inbound = *t.MaxInbound
	}
	if t.MaxOutbound != nil {
		lim.Outbound = *t.MaxOutbound
	}
	if t.MaxAutomation != nil {
		lim.Automation = *t.MaxAutomation
	}
	if t.MaxModelCalls != nil {
		lim.ModelCalls = *t.MaxModelCalls
	}
	return lim
}

// limitFor returns the ceiling in lim for one usage field.
func limitFor(lim Limits, field repo.UsageField) (int, error) {
	switch field {
	case repo.UsageInbound:
		return lim.Inbound, nil
	case repo.UsageOutbound:
		return lim.Outbound, nil
	case repo.UsageAutomation:
		return lim.Automation, nil
	case repo.UsageModelCalls:
		return lim.ModelCalls, nil
	default:
		return 0, repo.ErrUnknownUsageField
	}
}

// usedFor returns the accumulated count in u for one usage field.
func usedFor(u *domain.UsageCounter, field repo.UsageField) int {
	switch field {
	case repo.UsageInbound:
		return u.Inbound
	case repo.UsageOutbound:
		return u.Outbound
	case repo.UsageAutomation:
		return u.Automation
	case repo.UsageModelCalls:
		return u.ModelCalls
	default:
		return 0
	}
}

// UsageStore abstracts the usage-counter persistence the enforcer needs.
type UsageStore interface {
	GetUsage(ctx context.Context, tenantID, period string) (*domain.UsageCounter, error)
	IncrementUsage(ctx context.Context, tenantID, period string, field repo.UsageField, delta int) error
}

// Enforcer answers "may this tenant consume one more unit" and records
// consumption. It is stateless beyond its store and safe for concurrent use.
type Enforcer struct {
	store UsageStore
	now   func() time.Time // test seam
}

// NewEnforcer constructs an Enforcer over store.
func NewEnforcer(store UsageStore) *Enforcer {
	return &Enforcer{store: store, now: time.Now}
}

// Allow reports whether t has headroom for one more unit of field in the
// current period. The check is read-then-compare; the subsequent Increment
// is what is atomic, so a burst racing past the ceiling can overshoot by a
// few units, which is acceptable for volume billing.
func (e *Enforcer) Allow(ctx context.Context, t *domain.Tenant, field repo.UsageField) (bool, error) {
	lim, err := limitFor(EffectiveLimits(t), field)
	if err != nil {
		return false, err
	}
	u, err := e.store.GetUsage(ctx, t.ID, repo.Period(e.now()))
	if err != nil {
		return false, err
	}
	return usedFor(u, field) < lim, nil
}

// Record adds one unit of field for t in the current period.
func (e *Enforcer) Record(ctx context.Context, t *domain.Tenant, field repo.UsageField) error {
	return e.store.IncrementUsage(ctx, t.ID, repo.Period(e.now()), field, 1)
}

// Usage returns the tenant's counters for the current period alongside the
// limits in force, for reporting endpoints.
func (e *Enforcer) Usage(ctx context.Context, t *domain.Tenant) (*domain.UsageCounter, Limits, error) {
	u, err := e.store.GetUsage(ctx, t.ID, repo.Period(e.now()))
	if err != nil {
		return nil, Limits{}, err
	}
	return u, EffectiveLimits(t), nil
}
