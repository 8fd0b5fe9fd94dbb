package types

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MembershipStatus is the lifecycle state of a membership record.
type MembershipStatus string

const (
	MembershipStatusActive    MembershipStatus = "ACTIVE"
	MembershipStatusPending   MembershipStatus = "PENDING"
	MembershipStatusSuspended MembershipStatus = "SUSPENDED"
	MembershipStatusCancelled MembershipStatus = "CANCELLED"
	MembershipStatusExpired   MembershipStatus = "EXPIRED"
)

// BillingRefKind tells reconciliation whether the external billing reference
// was issued by the payment provider or synthesised locally (manually
// administered or demo memberships). Synthetic refs never trigger outbound
// provider calls.
type BillingRefKind string

const (
	BillingRefProvider  BillingRefKind = "PROVIDER"
	BillingRefSynthetic BillingRefKind = "SYNTHETIC"
)

// UsagePeriod is the period-scoped counter block of a membership. PeriodKey
// is the calendar month ("2006-01") the counters belong to; after any quota
// operation the key always matches the period containing "now".
type UsagePeriod struct {
	PeriodKey             string    `json:"period_key"`
	ServiceRequestsUsed   int       `json:"service_requests_used"`
	EmergencyRequestsUsed int       `json:"emergency_requests_used"`
	ResetDate             time.Time `json:"reset_date"`
}

// Used returns the consumed count for a quota kind.
func (u *UsagePeriod) Used(kind QuotaKind) int {
	switch kind {
	case QuotaEmergencyRequest:
		return u.EmergencyRequestsUsed
	default:
		return u.ServiceRequestsUsed
	}
}

// Membership is a subscriber's record of paid entitlement to a tier over
// time. Records are never physically deleted; a re-subscribe supersedes the
// old record and history is retained.
type Membership struct {
	ID           uuid.UUID        `json:"id"`
	SubscriberID uuid.UUID        `json:"subscriber_id"`
	TierCode     string           `json:"tier_code"`
	Status       MembershipStatus `json:"status"`
	BillingCycle BillingCycle     `json:"billing_cycle"`
	AutoRenew    bool             `json:"auto_renew"`

	StartDate       time.Time  `json:"start_date"`
	EndDate         time.Time  `json:"end_date"`
	NextBillingDate *time.Time `json:"next_billing_date,omitempty"`

	// PaidAmount is the price actually charged for the current period, which
	// proration uses instead of today's catalog price.
	PaidAmount decimal.Decimal `json:"paid_amount"`

	CancelledAt        *time.Time `json:"cancelled_at,omitempty"`
	WillExpireAt       *time.Time `json:"will_expire_at,omitempty"`
	ExpiredAt          *time.Time `json:"expired_at,omitempty"`
	CancellationReason *string    `json:"cancellation_reason,omitempty"`

	Usage UsagePeriod `json:"usage"`

	BillingRefKind          BillingRefKind `json:"billing_ref_kind"`
	ProviderCustomerRef     *string        `json:"provider_customer_ref,omitempty"`
	ProviderSubscriptionRef *string        `json:"provider_subscription_ref,omitempty"`

	// PendingProviderSync is set when a local cancellation could not be
	// mirrored at the provider and a retry is owed.
	PendingProviderSync bool `json:"pending_provider_sync"`

	// PendingTierCode/PendingBillingCycle record a deferred plan change that
	// takes effect at the next billing boundary.
	PendingTierCode     *string       `json:"pending_tier_code,omitempty"`
	PendingBillingCycle *BillingCycle `json:"pending_billing_cycle,omitempty"`

	// Version backs the optimistic conditional update; a losing writer
	// retries its whole read-check-mutate cycle.
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HasActiveAccess reports whether the membership grants access at the given
// instant. CANCELLED with a future end date is a grace window and still
// grants access; EXPIRED never does.
func (m *Membership) HasActiveAccess(now time.Time) bool {
	switch m.Status {
	case MembershipStatusActive:
		return true
	case MembershipStatusCancelled:
		return now.Before(m.EndDate)
	default:
		return false
	}
}

// InGraceWindow reports whether the membership is cancelled but still inside
// its paid-for period.
func (m *Membership) InGraceWindow(now time.Time) bool {
	return m.Status == MembershipStatusCancelled && now.Before(m.EndDate)
}

// SubscribeOptions carries optional knobs for creating a membership.
type SubscribeOptions struct {
	// AwaitPaymentConfirmation creates the record as PENDING until the
	// provider confirms payment; otherwise the membership is ACTIVE at once.
	AwaitPaymentConfirmation bool
	AutoRenew                bool
	ProviderCustomerRef      *string
	ProviderSubscriptionRef  *string
}

// PlanChangeQuote is the proration result for moving between tiers or
// billing cycles mid-period.
type PlanChangeQuote struct {
	RefundAmount decimal.Decimal `json:"refund_amount"`
	NewAmount    decimal.Decimal `json:"new_amount"`
	NetAmount    decimal.Decimal `json:"net_amount"`
	// RefundToCustomer is non-zero only when the unused-period credit exceeds
	// the new plan amount (a true overpayment refund case).
	RefundToCustomer decimal.Decimal `json:"refund_to_customer"`
	IsUpgrade        bool            `json:"is_upgrade"`
}

// PlanChangeResult reports the outcome of a plan change.
type PlanChangeResult struct {
	Membership *Membership      `json:"membership"`
	Quote      *PlanChangeQuote `json:"quote"`
	// Deferred is true when the change was recorded to take effect at the
	// next billing boundary instead of immediately.
	Deferred bool    `json:"deferred"`
	ChargeID *string `json:"charge_id,omitempty"`
}

// CancelResult distinguishes "locally cancelled, provider sync pending" from
// a clean cancellation.
type CancelResult struct {
	Membership          *Membership `json:"membership"`
	ProviderSyncPending bool        `json:"provider_sync_pending"`
}

// EligibilityResult answers the quota/eligibility query surface.
type EligibilityResult struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// SweepSummary is the per-run report of the expiration sweep.
type SweepSummary struct {
	Checked int `json:"checked"`
	Expired int `json:"expired"`
	Failed  int `json:"failed"`
}
