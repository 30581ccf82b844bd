// Package authority implements the pure eligibility check consumed by the
// approval engine and the emergency component. The resolver has no state
// beyond the catalog and no side effects, so callers can short-circuit
// before any mutation.
package authority

import (
	"github.com/castellan-io/castellan/pkg/catalog"
	"github.com/castellan-io/castellan/pkg/contracts"
)

// Context carries the action-specific inputs to an authority check. Only the
// fields relevant to the action type are consulted.
type Context struct {
	BudgetAmount        int64
	EmergencyLevel      contracts.EmergencyLevel
	Department          string
	AffectedDepartments []string
}

// Resolver dispatches authority decisions on action type against the catalog.
type Resolver struct {
	catalog *catalog.Catalog
}

// NewResolver creates a resolver over the given catalog.
func NewResolver(c *catalog.Catalog) *Resolver {
	return &Resolver{catalog: c}
}

// CheckAuthority reports whether actor may perform action in the given
// context. Unknown action types are denied.
func (r *Resolver) CheckAuthority(actor contracts.Actor, action contracts.ActionType, ctx Context) bool {
	switch action {
	case contracts.ActionBudgetApproval:
		// A negative ceiling means unbounded approval authority.
		return actor.BudgetCeiling < 0 || ctx.BudgetAmount <= actor.BudgetCeiling

	case contracts.ActionEmergencyAction:
		rule, err := r.catalog.EmergencyRuleFor(ctx.EmergencyLevel)
		if err != nil {
			return false
		}
		return actor.Level >= rule.RequiredLevel

	case contracts.ActionWeightAdjustment:
		if actor.Level == r.catalog.MaxLevel() {
			// The top supervisory level holds blanket adjustment authority.
			return true
		}
		inBand := actor.Level >= r.catalog.DepartmentHeadMin && actor.Level <= r.catalog.DepartmentHeadMax
		return inBand && actor.Department == ctx.Department

	case contracts.ActionCrossDepartmentReview:
		if actor.Level < r.catalog.MinReviewerLevel {
			return false
		}
		for _, dept := range ctx.AffectedDepartments {
			if dept == actor.Department {
				return true
			}
		}
		return false

	case contracts.ActionSystemOverride:
		return actor.Level == r.catalog.MaxLevel()
	}
	return false
}
