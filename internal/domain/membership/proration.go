package membership

import (
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/serviplace/membership-engine/internal/types"
)

// Monetary results are rounded to 2 decimal places exactly once, at the
// result boundary, never accumulated from repeated roundings.

// ceilDays returns the duration in days, rounding any partial day up.
func ceilDays(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64(math.Ceil(d.Hours() / 24))
}

// CalculateRefund computes the unused-period credit for a membership at the
// given instant. The basis is the amount actually paid for the current
// period, not today's catalog price. At or past the end date the refund is
// zero.
func CalculateRefund(m *types.Membership, now time.Time) decimal.Decimal {
	if !now.Before(m.EndDate) {
		return decimal.Zero
	}

	totalDays := ceilDays(m.EndDate.Sub(m.StartDate))
	if totalDays <= 0 {
		return decimal.Zero
	}
	unusedDays := ceilDays(m.EndDate.Sub(now))

	refund := m.PaidAmount.
		Mul(decimal.NewFromInt(unusedDays)).
		Div(decimal.NewFromInt(totalDays)).
		Round(2)

	if refund.IsNegative() {
		return decimal.Zero
	}
	return refund
}

// CalculatePlanChange quotes the monetary delta for moving the membership to
// newTier on the given billing cycle. NetAmount is floored at zero; when the
// unused-period credit exceeds the new plan price the overshoot is reported
// as RefundToCustomer.
func CalculatePlanChange(m *types.Membership, newTier *types.TierDefinition, cycle types.BillingCycle, now time.Time) *types.PlanChangeQuote {
	refund := CalculateRefund(m, now)
	newAmount := newTier.Price(cycle).Round(2)

	net := newAmount.Sub(refund)
	refundToCustomer := decimal.Zero
	if net.IsNegative() {
		refundToCustomer = net.Abs()
		net = decimal.Zero
	}

	return &types.PlanChangeQuote{
		RefundAmount:     refund,
		NewAmount:        newAmount,
		NetAmount:        net,
		RefundToCustomer: refundToCustomer,
		IsUpgrade:        newAmount.GreaterThan(m.PaidAmount),
	}
}
