// Package catalog holds the static authority configuration: the ordered
// permission-level table, budget tier rules, and the emergency scenario and
// reporting vocabularies. The catalog is read-only after load; every lookup
// is a pure function over it.
package catalog

import (
	"fmt"
	"time"

	"github.com/castellan-io/castellan/pkg/contracts"
)

// PermissionLevel maps one ordinal of the externally supplied permission
// enumeration to its budget ceiling and authority scope.
type PermissionLevel struct {
	Level              int                      `yaml:"level" json:"level"`
	Title              string                   `yaml:"title" json:"title"`
	BudgetCeiling      int64                    `yaml:"budget_ceiling" json:"budget_ceiling"`
	Scope              string                   `yaml:"scope" json:"scope"`
	EmergencyAuthority contracts.EmergencyLevel `yaml:"emergency_authority,omitempty" json:"emergency_authority,omitempty"`
}

// ApproverSlot is one required approver position in a tier's chain.
type ApproverSlot struct {
	RequiredLevel int    `yaml:"required_level" json:"required_level"`
	Role          string `yaml:"role" json:"role"`
	Mandatory     bool   `yaml:"mandatory" json:"mandatory"`
}

// BudgetTierRule maps an inclusive budget range to its approval chain shape
// and timing. MaxAmount < 0 marks the unbounded top tier.
type BudgetTierRule struct {
	Name                     string         `yaml:"name" json:"name"`
	MinAmount                int64          `yaml:"min_amount" json:"min_amount"`
	MaxAmount                int64          `yaml:"max_amount" json:"max_amount"`
	Slots                    []ApproverSlot `yaml:"slots" json:"slots"`
	EscalationThresholdHours int            `yaml:"escalation_threshold_hours" json:"escalation_threshold_hours"`
	DeadlineHours            int            `yaml:"deadline_hours" json:"deadline_hours"`
}

// Contains reports whether amount falls inside the tier's range.
func (r BudgetTierRule) Contains(amount int64) bool {
	if amount < r.MinAmount {
		return false
	}
	return r.MaxAmount < 0 || amount <= r.MaxAmount
}

// EmergencyRule fixes the requirements attached to one emergency level:
// the minimum permission level allowed to declare it, the closed scenario
// vocabulary, the post-action report deadline, and the report's required
// field set (immutable once an action is declared).
type EmergencyRule struct {
	RequiredLevel  int      `yaml:"required_level" json:"required_level"`
	Scenarios      []string `yaml:"scenarios" json:"scenarios"`
	ReportDueHours int      `yaml:"report_due_hours" json:"report_due_hours"`
	ReportFields   []string `yaml:"report_fields" json:"report_fields"`
}

// Catalog is the full authority configuration.
type Catalog struct {
	Levels    []PermissionLevel                           `yaml:"levels" json:"levels"`
	Tiers     []BudgetTierRule                            `yaml:"tiers" json:"tiers"`
	Emergency map[contracts.EmergencyLevel]*EmergencyRule `yaml:"emergency" json:"emergency"`

	// DepartmentHeadMin/Max bound the level band holding weight-adjustment
	// authority within their own department.
	DepartmentHeadMin int `yaml:"department_head_min" json:"department_head_min"`
	DepartmentHeadMax int `yaml:"department_head_max" json:"department_head_max"`

	// MinReviewerLevel gates cross-department reviews.
	MinReviewerLevel int `yaml:"min_reviewer_level" json:"min_reviewer_level"`
}

// ResolveTier returns the tier whose range contains amount.
func (c *Catalog) ResolveTier(amount int64) (*BudgetTierRule, error) {
	for i := range c.Tiers {
		if c.Tiers[i].Contains(amount) {
			return &c.Tiers[i], nil
		}
	}
	return nil, fmt.Errorf("no budget tier covers amount %d: %w", amount, contracts.ErrConfigurationGap)
}

// Level returns the permission level definition for ordinal l.
func (c *Catalog) Level(l int) (*PermissionLevel, bool) {
	for i := range c.Levels {
		if c.Levels[i].Level == l {
			return &c.Levels[i], true
		}
	}
	return nil, false
}

// MaxLevel returns the highest configured permission level.
func (c *Catalog) MaxLevel() int {
	max := 0
	for _, l := range c.Levels {
		if l.Level > max {
			max = l.Level
		}
	}
	return max
}

// NextLevelAbove returns the immediately next configured level above l.
// Escalation only ever moves one level at a time.
func (c *Catalog) NextLevelAbove(l int) (int, bool) {
	next, found := 0, false
	for _, pl := range c.Levels {
		if pl.Level <= l {
			continue
		}
		if !found || pl.Level < next {
			next, found = pl.Level, true
		}
	}
	return next, found
}

// EmergencyRuleFor returns the rule for an emergency level.
func (c *Catalog) EmergencyRuleFor(level contracts.EmergencyLevel) (*EmergencyRule, error) {
	rule, ok := c.Emergency[level]
	if !ok {
		return nil, fmt.Errorf("no emergency rule for level %s: %w", level, contracts.ErrConfigurationGap)
	}
	return rule, nil
}

// ReportDeadline returns the post-action report deadline for a level.
func (c *Catalog) ReportDeadline(level contracts.EmergencyLevel) (time.Duration, error) {
	rule, err := c.EmergencyRuleFor(level)
	if err != nil {
		return 0, err
	}
	return time.Duration(rule.ReportDueHours) * time.Hour, nil
}

// Validate checks the structural invariants the rest of the core relies on:
// levels are unique, tiers partition [0,∞) with no gaps or overlaps, tier
// chains are non-empty with non-decreasing required levels, and every
// referenced level exists.
func (c *Catalog) Validate() error {
	if len(c.Levels) == 0 {
		return fmt.Errorf("catalog has no permission levels: %w", contracts.ErrConfigurationGap)
	}
	seen := make(map[int]bool, len(c.Levels))
	for _, l := range c.Levels {
		if seen[l.Level] {
			return fmt.Errorf("duplicate permission level %d: %w", l.Level, contracts.ErrConfigurationGap)
		}
		seen[l.Level] = true
	}

	if len(c.Tiers) == 0 {
		return fmt.Errorf("catalog has no budget tiers: %w", contracts.ErrConfigurationGap)
	}
	if c.Tiers[0].MinAmount != 0 {
		return fmt.Errorf("tier %q must start at 0, starts at %d: %w",
			c.Tiers[0].Name, c.Tiers[0].MinAmount, contracts.ErrConfigurationGap)
	}
	for i, tier := range c.Tiers {
		if len(tier.Slots) == 0 {
			return fmt.Errorf("tier %q has no approver slots: %w", tier.Name, contracts.ErrConfigurationGap)
		}
		prev := 0
		for _, slot := range tier.Slots {
			if !seen[slot.RequiredLevel] {
				return fmt.Errorf("tier %q references unknown level %d: %w",
					tier.Name, slot.RequiredLevel, contracts.ErrConfigurationGap)
			}
			if slot.RequiredLevel < prev {
				return fmt.Errorf("tier %q slots are not ordered by ascending level: %w",
					tier.Name, contracts.ErrConfigurationGap)
			}
			prev = slot.RequiredLevel
		}
		if i == 0 {
			continue
		}
		last := c.Tiers[i-1]
		if last.MaxAmount < 0 {
			return fmt.Errorf("unbounded tier %q is not last: %w", last.Name, contracts.ErrConfigurationGap)
		}
		if tier.MinAmount != last.MaxAmount+1 {
			return fmt.Errorf("gap or overlap between tiers %q and %q: %w",
				last.Name, tier.Name, contracts.ErrConfigurationGap)
		}
	}
	if c.Tiers[len(c.Tiers)-1].MaxAmount >= 0 {
		return fmt.Errorf("top tier %q must be unbounded: %w",
			c.Tiers[len(c.Tiers)-1].Name, contracts.ErrConfigurationGap)
	}

	for level, rule := range c.Emergency {
		if rule == nil || len(rule.Scenarios) == 0 || len(rule.ReportFields) == 0 || rule.ReportDueHours <= 0 {
			return fmt.Errorf("emergency rule for %s is incomplete: %w", level, contracts.ErrConfigurationGap)
		}
		if !seen[rule.RequiredLevel] {
			return fmt.Errorf("emergency rule for %s references unknown level %d: %w",
				level, rule.RequiredLevel, contracts.ErrConfigurationGap)
		}
	}
	return nil
}
