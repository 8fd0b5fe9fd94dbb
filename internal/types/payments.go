package types

import "time"

// PaymentEventKind is the closed set of normalized payment lifecycle events.
// Provider string types are decoded into this set once, at the webhook
// boundary; the reconciler never sees raw provider strings.
type PaymentEventKind string

const (
	EventSubscriptionUpdated   PaymentEventKind = "subscription_updated"
	EventSubscriptionCancelled PaymentEventKind = "subscription_cancelled"
	EventInvoicePaid           PaymentEventKind = "invoice_paid"
	EventInvoiceFailed         PaymentEventKind = "invoice_failed"
)

// ProviderSubscriptionStatus values carried by subscription_updated events.
const (
	ProviderStatusActive    = "active"
	ProviderStatusCancelled = "cancelled"
	ProviderStatusPastDue   = "past_due"
)

// PaymentEvent is a normalized, signature-verified payment notification.
// Lookup is always by SubscriptionRef; the engine never guesses.
type PaymentEvent struct {
	// ID is the provider's event id, used for replay suppression.
	ID   string           `json:"id"`
	Kind PaymentEventKind `json:"kind"`

	SubscriptionRef string `json:"subscription_ref"`
	CustomerRef     string `json:"customer_ref,omitempty"`

	// ProviderStatus is set for subscription_updated events.
	ProviderStatus string `json:"provider_status,omitempty"`

	// Renewal marks an invoice_paid event for a renewal-cycle invoice, which
	// advances the billing period, as opposed to the initial invoice.
	Renewal bool `json:"renewal"`

	// PeriodEnd, when present, is the provider's view of the paid-through
	// date after this event.
	PeriodEnd *time.Time `json:"period_end,omitempty"`

	OccurredAt time.Time `json:"occurred_at"`
}

// ReconcileOutcome reports what a payment event did to local state. Skipped
// outcomes (unknown ref, synthetic ref, duplicate event) are informational,
// never errors.
type ReconcileOutcome struct {
	Applied bool   `json:"applied"`
	Reason  string `json:"reason,omitempty"`
}

// ChargeResult is the successful result of an outbound provider charge.
type ChargeResult struct {
	ChargeID string `json:"charge_id"`
}
