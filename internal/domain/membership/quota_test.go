package membership

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/serviplace/membership-engine/internal/types"
)

func TestCurrentPeriodKey(t *testing.T) {
	assert.Equal(t, "2026-03", CurrentPeriodKey(time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)))
	assert.Equal(t, "2026-12", CurrentPeriodKey(time.Date(2026, 12, 31, 23, 59, 59, 0, time.UTC)))

	// Period membership is evaluated in UTC regardless of the caller's zone.
	loc := time.FixedZone("UTC+10", 10*3600)
	assert.Equal(t, "2026-03", CurrentPeriodKey(time.Date(2026, 4, 1, 5, 0, 0, 0, loc)))
}

func TestNextPeriodStart(t *testing.T) {
	assert.Equal(t,
		time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
		NextPeriodStart(time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)),
	)
	assert.Equal(t,
		time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC),
		NextPeriodStart(time.Date(2026, 12, 31, 23, 59, 59, 0, time.UTC)),
	)
}

func TestEnsureCurrentPeriod(t *testing.T) {
	now := time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)

	t.Run("rolls a stale period and zeroes counters", func(t *testing.T) {
		u := &types.UsagePeriod{
			PeriodKey:             "2026-03",
			ServiceRequestsUsed:   7,
			EmergencyRequestsUsed: 2,
		}

		rolled := EnsureCurrentPeriod(u, now)

		assert.True(t, rolled)
		assert.Equal(t, "2026-04", u.PeriodKey)
		assert.Equal(t, 0, u.ServiceRequestsUsed)
		assert.Equal(t, 0, u.EmergencyRequestsUsed)
		assert.Equal(t, time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC), u.ResetDate)
	})

	t.Run("current period is untouched", func(t *testing.T) {
		u := &types.UsagePeriod{PeriodKey: "2026-04", ServiceRequestsUsed: 3}

		rolled := EnsureCurrentPeriod(u, now)

		assert.False(t, rolled)
		assert.Equal(t, 3, u.ServiceRequestsUsed)
	})
}

func TestCanConsume(t *testing.T) {
	tier := &types.TierDefinition{
		Code: "BASIC",
		Quotas: map[types.QuotaKind]int{
			types.QuotaServiceRequest:   2,
			types.QuotaEmergencyRequest: types.UnlimitedQuota,
		},
	}

	tests := []struct {
		name     string
		usage    types.UsagePeriod
		kind     types.QuotaKind
		expected bool
	}{
		{
			name:     "under limit",
			usage:    types.UsagePeriod{ServiceRequestsUsed: 1},
			kind:     types.QuotaServiceRequest,
			expected: true,
		},
		{
			name:     "at limit",
			usage:    types.UsagePeriod{ServiceRequestsUsed: 2},
			kind:     types.QuotaServiceRequest,
			expected: false,
		},
		{
			name:     "over limit",
			usage:    types.UsagePeriod{ServiceRequestsUsed: 5},
			kind:     types.QuotaServiceRequest,
			expected: false,
		},
		{
			name:     "unlimited kind always permits",
			usage:    types.UsagePeriod{EmergencyRequestsUsed: 10_000},
			kind:     types.QuotaEmergencyRequest,
			expected: true,
		},
		{
			name:     "kind missing from tier is not included",
			usage:    types.UsagePeriod{},
			kind:     types.QuotaKind("video_consult"),
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := tt.usage
			assert.Equal(t, tt.expected, CanConsume(tier, &u, tt.kind))
		})
	}
}

func TestApplyConsumption(t *testing.T) {
	u := &types.UsagePeriod{}

	ApplyConsumption(u, false)
	assert.Equal(t, 1, u.ServiceRequestsUsed)
	assert.Equal(t, 0, u.EmergencyRequestsUsed)

	// An emergency request consumes both ceilings.
	ApplyConsumption(u, true)
	assert.Equal(t, 2, u.ServiceRequestsUsed)
	assert.Equal(t, 1, u.EmergencyRequestsUsed)
}
