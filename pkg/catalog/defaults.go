package catalog

import "github.com/castellan-io/castellan/pkg/contracts"

// Default returns the compiled-in catalog. Amounts are in minor currency
// units. Deployments override it with a YAML profile; the shape and the
// partition invariants are identical either way.
func Default() *Catalog {
	return &Catalog{
		Levels: []PermissionLevel{
			{Level: 1, Title: "staff", BudgetCeiling: 0, Scope: "own-tasks"},
			{Level: 2, Title: "senior staff", BudgetCeiling: 50_000, Scope: "own-projects"},
			{Level: 3, Title: "manager", BudgetCeiling: 500_000, Scope: "department"},
			{Level: 4, Title: "director", BudgetCeiling: 2_000_000, Scope: "department", EmergencyAuthority: contracts.EmergencyFacility},
			{Level: 5, Title: "vice president", BudgetCeiling: 10_000_000, Scope: "division", EmergencyAuthority: contracts.EmergencyCorporate},
			{Level: 6, Title: "executive", BudgetCeiling: 50_000_000, Scope: "company", EmergencyAuthority: contracts.EmergencySystem},
			{Level: 7, Title: "chief officer", BudgetCeiling: -1, Scope: "company", EmergencyAuthority: contracts.EmergencySystem},
		},
		Tiers: []BudgetTierRule{
			{
				Name:      "minor",
				MinAmount: 0, MaxAmount: 100_000,
				Slots: []ApproverSlot{
					{RequiredLevel: 3, Role: "manager", Mandatory: true},
				},
				EscalationThresholdHours: 24,
				DeadlineHours:            72,
			},
			{
				Name:      "standard",
				MinAmount: 100_001, MaxAmount: 2_000_000,
				Slots: []ApproverSlot{
					{RequiredLevel: 3, Role: "manager", Mandatory: true},
					{RequiredLevel: 4, Role: "director", Mandatory: true},
				},
				EscalationThresholdHours: 48,
				DeadlineHours:            120,
			},
			{
				Name:      "major",
				MinAmount: 2_000_001, MaxAmount: 10_000_000,
				Slots: []ApproverSlot{
					{RequiredLevel: 4, Role: "director", Mandatory: true},
					{RequiredLevel: 5, Role: "vice president", Mandatory: true},
				},
				EscalationThresholdHours: 48,
				DeadlineHours:            168,
			},
			{
				Name:      "strategic",
				MinAmount: 10_000_001, MaxAmount: -1,
				Slots: []ApproverSlot{
					{RequiredLevel: 5, Role: "vice president", Mandatory: true},
					{RequiredLevel: 6, Role: "executive", Mandatory: true},
					{RequiredLevel: 7, Role: "chief officer", Mandatory: true},
				},
				EscalationThresholdHours: 72,
				DeadlineHours:            336,
			},
		},
		Emergency: map[contracts.EmergencyLevel]*EmergencyRule{
			contracts.EmergencyFacility: {
				RequiredLevel:  4,
				Scenarios:      []string{"fire", "flood", "power_outage", "physical_security_breach"},
				ReportDueHours: 24,
				ReportFields:   []string{"actions_taken", "resources_deployed", "damage_assessment", "followup_required"},
			},
			contracts.EmergencyCorporate: {
				RequiredLevel:  5,
				Scenarios:      []string{"data_breach", "financial_fraud", "regulatory_action", "executive_incident"},
				ReportDueHours: 12,
				ReportFields:   []string{"actions_taken", "business_impact", "stakeholders_notified", "remediation_plan"},
			},
			contracts.EmergencySystem: {
				RequiredLevel:  6,
				Scenarios:      []string{"total_system_failure", "cyber_attack", "natural_disaster", "pandemic_response"},
				ReportDueHours: 48,
				ReportFields:   []string{"actions_taken", "systems_affected", "recovery_status", "root_cause"},
			},
		},
		DepartmentHeadMin: 3,
		DepartmentHeadMax: 4,
		MinReviewerLevel:  4,
	}
}
