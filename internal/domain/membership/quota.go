package membership

import (
	"time"

	"github.com/serviplace/membership-engine/internal/types"
)

// The usage counters are calendar-month scoped and reset lazily: every quota
// operation first checks whether "now" fell into a new period and zeroes the
// counters if so. The reset is committed together with the operation's own
// mutation through the versioned update, so it happens exactly once logically
// even under concurrent callers — a losing writer re-reads and sees the reset
// already applied.

// periodKeyFormat is the calendar-month key, e.g. "2026-08".
const periodKeyFormat = "2006-01"

// CurrentPeriodKey returns the quota period key containing the instant.
func CurrentPeriodKey(now time.Time) string {
	return now.UTC().Format(periodKeyFormat)
}

// NextPeriodStart returns the first instant of the next calendar month.
func NextPeriodStart(now time.Time) time.Time {
	t := now.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
}

// EnsureCurrentPeriod rolls the usage block into the period containing now,
// zeroing all counters. Returns true when a rollover happened.
func EnsureCurrentPeriod(u *types.UsagePeriod, now time.Time) bool {
	key := CurrentPeriodKey(now)
	if u.PeriodKey == key {
		return false
	}
	u.PeriodKey = key
	u.ServiceRequestsUsed = 0
	u.EmergencyRequestsUsed = 0
	u.ResetDate = NextPeriodStart(now)
	return true
}

// NewUsagePeriod builds a zeroed usage block for the period containing now.
func NewUsagePeriod(now time.Time) types.UsagePeriod {
	return types.UsagePeriod{
		PeriodKey: CurrentPeriodKey(now),
		ResetDate: NextPeriodStart(now),
	}
}

// CanConsume reports whether one more unit of kind fits under the tier's
// ceiling. A limit of types.UnlimitedQuota always permits.
func CanConsume(tier *types.TierDefinition, u *types.UsagePeriod, kind types.QuotaKind) bool {
	limit := tier.QuotaLimit(kind)
	if limit == types.UnlimitedQuota {
		return true
	}
	return u.Used(kind) < limit
}

// ApplyConsumption increments the usage counters for one service request.
// The emergency variant consumes the emergency ceiling and also counts as an
// ordinary service request. Callers must have re-validated CanConsume against
// the same usage block in the same read-check-mutate cycle.
func ApplyConsumption(u *types.UsagePeriod, isEmergency bool) {
	u.ServiceRequestsUsed++
	if isEmergency {
		u.EmergencyRequestsUsed++
	}
}
