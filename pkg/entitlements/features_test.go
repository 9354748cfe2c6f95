package entitlements

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParsePlanTier(t *testing.T) {
	tests := map[string]PlanTier{
		"Free":       PlanFree,
		" trial ":    PlanFree,
		"basic":      PlanStarter,
		"PRO":        PlanGrowth,
		"scale":      PlanBusiness,
		"custom":     PlanEnterprise,
		"enterprise": PlanEnterprise,
		"Platinum":   PlanTier("platinum"),
	}
	for in, want := range tests {
		assert.Equal(t, want, ParsePlanTier(in), in)
	}
}

func TestComparePlanTiers(t *testing.T) {
	assert.Equal(t, -1, ComparePlanTiers(PlanFree, PlanGrowth))
	assert.Equal(t, 0, ComparePlanTiers("pro", PlanGrowth))
	assert.Equal(t, 1, ComparePlanTiers(PlanEnterprise, PlanBusiness))
	assert.Equal(t, -1, ComparePlanTiers("unknown", PlanFree))
}

func TestPlanAtLeast(t *testing.T) {
	assert.True(t, PlanAtLeast(PlanBusiness, PlanGrowth))
	assert.True(t, PlanAtLeast(PlanGrowth, PlanGrowth))
	assert.False(t, PlanAtLeast(PlanStarter, PlanGrowth))
	assert.False(t, PlanAtLeast("", PlanFree))
	assert.True(t, PlanAtLeast("", "mystery"))
}

func TestQuotaState(t *testing.T) {
	tests := []struct {
		name string
		rec  *QuotaRecord
		want string
	}{
		{"nil_record", nil, QuotaStateOK},
		{"exhausted", &QuotaRecord{Remaining: f(0), Limit: f(100)}, QuotaStateEnforced},
		{"no_limit", &QuotaRecord{Remaining: f(3)}, QuotaStateUnknown},
		{"unlimited", &QuotaRecord{Remaining: f(3), Limit: f(0)}, QuotaStateOK},
		{"ninety_percent_consumed", &QuotaRecord{Consumed: f(90), Limit: f(100)}, QuotaStateWarning},
		{"derived_from_remaining", &QuotaRecord{Remaining: f(5), Limit: f(100)}, QuotaStateWarning},
		{"healthy", &QuotaRecord{Remaining: f(50), Limit: f(100)}, QuotaStateOK},
		{"small_limit_warns_early", &QuotaRecord{Consumed: f(4), Limit: f(5)}, QuotaStateWarning},
		{"limit_only", &QuotaRecord{Limit: f(5)}, QuotaStateUnknown},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, QuotaState(tt.rec))
		})
	}
}
