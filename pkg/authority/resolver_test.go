package authority_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/castellan-io/castellan/pkg/authority"
	"github.com/castellan-io/castellan/pkg/catalog"
	"github.com/castellan-io/castellan/pkg/contracts"
)

func actor(level int, dept string, ceiling int64) contracts.Actor {
	return contracts.Actor{ID: "u-" + dept, Level: level, Department: dept, BudgetCeiling: ceiling}
}

func TestBudgetApproval_CeilingBound(t *testing.T) {
	r := authority.NewResolver(catalog.Default())

	manager := actor(3, "engineering", 500_000)
	assert.True(t, r.CheckAuthority(manager, contracts.ActionBudgetApproval, authority.Context{BudgetAmount: 500_000}))
	assert.False(t, r.CheckAuthority(manager, contracts.ActionBudgetApproval, authority.Context{BudgetAmount: 500_001}))

	chief := actor(7, "executive", -1)
	assert.True(t, r.CheckAuthority(chief, contracts.ActionBudgetApproval, authority.Context{BudgetAmount: 1 << 40}))
}

func TestEmergencyAction_LevelGates(t *testing.T) {
	r := authority.NewResolver(catalog.Default())

	cases := []struct {
		level     int
		emergency contracts.EmergencyLevel
		want      bool
	}{
		{3, contracts.EmergencyFacility, false},
		{4, contracts.EmergencyFacility, true},
		{4, contracts.EmergencyCorporate, false},
		{5, contracts.EmergencyCorporate, true},
		{5, contracts.EmergencySystem, false},
		{6, contracts.EmergencySystem, true},
		{7, contracts.EmergencySystem, true},
	}
	for _, tc := range cases {
		got := r.CheckAuthority(actor(tc.level, "ops", 0), contracts.ActionEmergencyAction,
			authority.Context{EmergencyLevel: tc.emergency})
		assert.Equal(t, tc.want, got, "level %d vs %s", tc.level, tc.emergency)
	}
}

func TestEmergencyAction_UnknownLevelDenied(t *testing.T) {
	r := authority.NewResolver(catalog.Default())
	ok := r.CheckAuthority(actor(7, "ops", -1), contracts.ActionEmergencyAction,
		authority.Context{EmergencyLevel: contracts.EmergencyLevel("PLANETARY")})
	assert.False(t, ok)
}

func TestWeightAdjustment_DepartmentBand(t *testing.T) {
	r := authority.NewResolver(catalog.Default())
	ctx := authority.Context{Department: "radiology"}

	assert.True(t, r.CheckAuthority(actor(3, "radiology", 0), contracts.ActionWeightAdjustment, ctx))
	assert.True(t, r.CheckAuthority(actor(4, "radiology", 0), contracts.ActionWeightAdjustment, ctx))
	// In band but wrong department.
	assert.False(t, r.CheckAuthority(actor(4, "cardiology", 0), contracts.ActionWeightAdjustment, ctx))
	// Below the band.
	assert.False(t, r.CheckAuthority(actor(2, "radiology", 0), contracts.ActionWeightAdjustment, ctx))
	// Above the band but not top level.
	assert.False(t, r.CheckAuthority(actor(5, "radiology", 0), contracts.ActionWeightAdjustment, ctx))
	// Top level has blanket authority regardless of department.
	assert.True(t, r.CheckAuthority(actor(7, "executive", 0), contracts.ActionWeightAdjustment, ctx))
}

func TestCrossDepartmentReview(t *testing.T) {
	r := authority.NewResolver(catalog.Default())
	ctx := authority.Context{AffectedDepartments: []string{"finance", "legal"}}

	assert.True(t, r.CheckAuthority(actor(4, "finance", 0), contracts.ActionCrossDepartmentReview, ctx))
	// Sufficient level, uninvolved department.
	assert.False(t, r.CheckAuthority(actor(5, "marketing", 0), contracts.ActionCrossDepartmentReview, ctx))
	// Involved department, insufficient level.
	assert.False(t, r.CheckAuthority(actor(3, "legal", 0), contracts.ActionCrossDepartmentReview, ctx))
}

func TestSystemOverride_TopLevelOnly(t *testing.T) {
	r := authority.NewResolver(catalog.Default())

	assert.False(t, r.CheckAuthority(actor(6, "executive", 0), contracts.ActionSystemOverride, authority.Context{}))
	assert.True(t, r.CheckAuthority(actor(7, "executive", 0), contracts.ActionSystemOverride, authority.Context{}))
}

func TestUnknownActionDenied(t *testing.T) {
	r := authority.NewResolver(catalog.Default())
	assert.False(t, r.CheckAuthority(actor(7, "executive", -1), contracts.ActionType("REBOOT_UNIVERSE"), authority.Context{}))
}
