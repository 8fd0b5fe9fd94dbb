package membership

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/serviplace/membership-engine/internal/types"
)

func money(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func paidMembership(paid string, start, end time.Time) *types.Membership {
	return &types.Membership{
		Status:     types.MembershipStatusActive,
		PaidAmount: money(paid),
		StartDate:  start,
		EndDate:    end,
	}
}

func TestCalculateRefund(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 30)

	tests := []struct {
		name     string
		paid     string
		now      time.Time
		expected string
	}{
		{
			name:     "10 of 30 days unused",
			paid:     "30.00",
			now:      start.AddDate(0, 0, 20),
			expected: "10",
		},
		{
			name:     "full period unused",
			paid:     "30.00",
			now:      start,
			expected: "30",
		},
		{
			name:     "at end date refunds nothing",
			paid:     "30.00",
			now:      end,
			expected: "0",
		},
		{
			name:     "past end date refunds nothing",
			paid:     "30.00",
			now:      end.AddDate(0, 0, 5),
			expected: "0",
		},
		{
			name:     "partial day rounds up to a full unused day",
			paid:     "30.00",
			now:      start.AddDate(0, 0, 20).Add(-6 * time.Hour),
			expected: "11",
		},
		{
			name:     "rounds to two decimal places once",
			paid:     "29.99",
			now:      start.AddDate(0, 0, 23),
			expected: "7",
		},
		{
			name:     "zero paid amount",
			paid:     "0",
			now:      start.AddDate(0, 0, 10),
			expected: "0",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := paidMembership(tt.paid, start, end)
			got := CalculateRefund(m, tt.now)
			assert.True(t, got.Equal(money(tt.expected)),
				"expected %s, got %s", tt.expected, got)
		})
	}
}

func TestCalculateRefundUsesPaidAmountNotCatalogPrice(t *testing.T) {
	// The membership paid a grandfathered price; the refund basis is what was
	// actually charged.
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	m := paidMembership("15.00", start, start.AddDate(0, 0, 30))

	got := CalculateRefund(m, start.AddDate(0, 0, 20))
	assert.True(t, got.Equal(money("5")), "got %s", got)
}

func TestCalculatePlanChange(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 30)

	basic := &types.TierDefinition{Code: "BASIC", MonthlyPrice: money("10.00"), YearlyPrice: money("100.00")}
	premium := &types.TierDefinition{Code: "PREMIUM", MonthlyPrice: money("50.00"), YearlyPrice: money("500.00")}

	t.Run("upgrade mid-period charges net of unused credit", func(t *testing.T) {
		m := paidMembership("20.00", start, end)
		now := start.AddDate(0, 0, 15)

		quote := CalculatePlanChange(m, premium, types.BillingCycleMonthly, now)

		require.NotNil(t, quote)
		assert.True(t, quote.RefundAmount.Equal(money("10")), "refund %s", quote.RefundAmount)
		assert.True(t, quote.NewAmount.Equal(money("50")), "new %s", quote.NewAmount)
		assert.True(t, quote.NetAmount.Equal(money("40")), "net %s", quote.NetAmount)
		assert.True(t, quote.RefundToCustomer.IsZero())
		assert.True(t, quote.IsUpgrade)
	})

	t.Run("downgrade with credit exceeding new price floors net at zero", func(t *testing.T) {
		m := paidMembership("50.00", start, end)
		now := start.AddDate(0, 0, 15)

		quote := CalculatePlanChange(m, basic, types.BillingCycleMonthly, now)

		assert.True(t, quote.RefundAmount.Equal(money("25")), "refund %s", quote.RefundAmount)
		assert.True(t, quote.NetAmount.IsZero(), "net %s", quote.NetAmount)
		assert.True(t, quote.RefundToCustomer.Equal(money("15")), "refundToCustomer %s", quote.RefundToCustomer)
		assert.False(t, quote.IsUpgrade)
	})

	t.Run("change at period end carries no credit", func(t *testing.T) {
		m := paidMembership("20.00", start, end)

		quote := CalculatePlanChange(m, premium, types.BillingCycleMonthly, end)

		assert.True(t, quote.RefundAmount.IsZero())
		assert.True(t, quote.NetAmount.Equal(money("50")), "net %s", quote.NetAmount)
		assert.True(t, quote.IsUpgrade)
	})

	t.Run("yearly cycle uses yearly catalog price", func(t *testing.T) {
		m := paidMembership("20.00", start, end)
		now := start.AddDate(0, 0, 15)

		quote := CalculatePlanChange(m, premium, types.BillingCycleYearly, now)

		assert.True(t, quote.NewAmount.Equal(money("500")), "new %s", quote.NewAmount)
		assert.True(t, quote.NetAmount.Equal(money("490")), "net %s", quote.NetAmount)
	})
}

func TestCeilDays(t *testing.T) {
	assert.Equal(t, int64(0), ceilDays(0))
	assert.Equal(t, int64(0), ceilDays(-time.Hour))
	assert.Equal(t, int64(1), ceilDays(time.Hour))
	assert.Equal(t, int64(1), ceilDays(24*time.Hour))
	assert.Equal(t, int64(2), ceilDays(25*time.Hour))
	assert.Equal(t, int64(30), ceilDays(30*24*time.Hour))
}
