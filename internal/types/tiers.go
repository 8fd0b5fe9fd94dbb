package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// BillingCycle is the cadence at which a membership renews and is charged.
type BillingCycle string

const (
	BillingCycleMonthly BillingCycle = "MONTHLY"
	BillingCycleYearly  BillingCycle = "YEARLY"
)

// Valid reports whether the cycle is one of the supported values.
func (c BillingCycle) Valid() bool {
	return c == BillingCycleMonthly || c == BillingCycleYearly
}

// QuotaKind identifies a quota-consuming action tracked per billing period.
type QuotaKind string

const (
	QuotaServiceRequest   QuotaKind = "service_request"
	QuotaEmergencyRequest QuotaKind = "emergency_request"
)

// UnlimitedQuota is the sentinel limit meaning "no ceiling for this kind".
const UnlimitedQuota = -1

// TierDefinition is a named bundle of price and feature limits a membership
// can be subscribed to. Changes to a tier do not retroactively alter
// already-computed periods: memberships store the amount actually paid.
type TierDefinition struct {
	Code              string              `json:"code"`
	DisplayName       string              `json:"display_name"`
	MonthlyPrice      decimal.Decimal     `json:"monthly_price"`
	YearlyPrice       decimal.Decimal     `json:"yearly_price"`
	Quotas            map[QuotaKind]int   `json:"quotas"`
	ResponseTimeHours int                 `json:"response_time_hours"`
	DiscountPercent   decimal.Decimal     `json:"discount_percent"`
	Featured          bool                `json:"featured"`
	PrioritySupport   bool                `json:"priority_support"`
	Active            bool                `json:"active"`
	CreatedAt         time.Time           `json:"created_at"`
	UpdatedAt         time.Time           `json:"updated_at"`
}

// Price returns the catalog price for the given billing cycle.
func (t *TierDefinition) Price(cycle BillingCycle) decimal.Decimal {
	if cycle == BillingCycleYearly {
		return t.YearlyPrice
	}
	return t.MonthlyPrice
}

// QuotaLimit returns the ceiling for a quota kind. Missing kinds are treated
// as "not included" (zero), UnlimitedQuota means no ceiling.
func (t *TierDefinition) QuotaLimit(kind QuotaKind) int {
	limit, ok := t.Quotas[kind]
	if !ok {
		return 0
	}
	return limit
}

// UpdateTierParams carries an admin edit to a tier definition. Nil fields are
// left unchanged.
type UpdateTierParams struct {
	DisplayName       *string
	MonthlyPrice      *decimal.Decimal
	YearlyPrice       *decimal.Decimal
	Quotas            map[QuotaKind]int
	ResponseTimeHours *int
	DiscountPercent   *decimal.Decimal
	Featured          *bool
	PrioritySupport   *bool
	Active            *bool
}
