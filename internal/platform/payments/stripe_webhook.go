package payments

import (
	"encoding/json"
	"fmt"
	"time"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/serviplace/membership-engine/internal/types"
)

// WebhookDecoder verifies Stripe webhook signatures and normalizes the
// provider's string-typed events into the engine's closed event set. The
// reconciler never sees raw provider strings.
type WebhookDecoder struct {
	secret string
}

func NewWebhookDecoder(secret string) *WebhookDecoder {
	return &WebhookDecoder{secret: secret}
}

// Decode verifies the payload signature and normalizes the event. Event
// types the engine does not consume decode to (nil, nil); the transport
// should acknowledge and drop them.
func (d *WebhookDecoder) Decode(payload []byte, sigHeader string) (*types.PaymentEvent, error) {
	event, err := webhook.ConstructEvent(payload, sigHeader, d.secret)
	if err != nil {
		return nil, fmt.Errorf("webhook signature verification failed: %w", types.ErrBadRequest)
	}
	return NormalizeEvent(event)
}

// Lean payload views: webhook payloads carry unexpanded string ids, and
// decoding only the fields the engine consumes keeps us insulated from
// provider API-version drift.
type subscriptionPayload struct {
	ID                string `json:"id"`
	Customer          string `json:"customer"`
	Status            string `json:"status"`
	CancelAtPeriodEnd bool   `json:"cancel_at_period_end"`
	CurrentPeriodEnd  int64  `json:"current_period_end"`
}

type invoicePayload struct {
	ID            string `json:"id"`
	Customer      string `json:"customer"`
	Subscription  string `json:"subscription"`
	BillingReason string `json:"billing_reason"`
	PeriodEnd     int64  `json:"period_end"`
	Parent        *struct {
		SubscriptionDetails *struct {
			Subscription string `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
}

func (p *invoicePayload) subscriptionRef() string {
	if p.Subscription != "" {
		return p.Subscription
	}
	if p.Parent != nil && p.Parent.SubscriptionDetails != nil {
		return p.Parent.SubscriptionDetails.Subscription
	}
	return ""
}

// NormalizeEvent maps a verified Stripe event onto the closed normalized
// event set.
func NormalizeEvent(event stripe.Event) (*types.PaymentEvent, error) {
	occurredAt := time.Unix(event.Created, 0).UTC()

	switch string(event.Type) {
	case "customer.subscription.updated":
		var sub subscriptionPayload
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return nil, fmt.Errorf("failed to decode subscription payload: %w", err)
		}
		evt := &types.PaymentEvent{
			ID:              event.ID,
			Kind:            types.EventSubscriptionUpdated,
			SubscriptionRef: sub.ID,
			CustomerRef:     sub.Customer,
			ProviderStatus:  normalizeSubscriptionStatus(sub.Status),
			OccurredAt:      occurredAt,
		}
		if sub.CurrentPeriodEnd > 0 {
			end := time.Unix(sub.CurrentPeriodEnd, 0).UTC()
			evt.PeriodEnd = &end
		}
		return evt, nil

	case "customer.subscription.deleted":
		var sub subscriptionPayload
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return nil, fmt.Errorf("failed to decode subscription payload: %w", err)
		}
		return &types.PaymentEvent{
			ID:              event.ID,
			Kind:            types.EventSubscriptionCancelled,
			SubscriptionRef: sub.ID,
			CustomerRef:     sub.Customer,
			OccurredAt:      occurredAt,
		}, nil

	case "invoice.paid", "invoice.payment_succeeded":
		var inv invoicePayload
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return nil, fmt.Errorf("failed to decode invoice payload: %w", err)
		}
		evt := &types.PaymentEvent{
			ID:              event.ID,
			Kind:            types.EventInvoicePaid,
			SubscriptionRef: inv.subscriptionRef(),
			CustomerRef:     inv.Customer,
			Renewal:         inv.BillingReason == "subscription_cycle",
			OccurredAt:      occurredAt,
		}
		if inv.PeriodEnd > 0 {
			end := time.Unix(inv.PeriodEnd, 0).UTC()
			evt.PeriodEnd = &end
		}
		return evt, nil

	case "invoice.payment_failed":
		var inv invoicePayload
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return nil, fmt.Errorf("failed to decode invoice payload: %w", err)
		}
		return &types.PaymentEvent{
			ID:              event.ID,
			Kind:            types.EventInvoiceFailed,
			SubscriptionRef: inv.subscriptionRef(),
			CustomerRef:     inv.Customer,
			OccurredAt:      occurredAt,
		}, nil
	}

	// Not an event the engine consumes.
	return nil, nil
}

func normalizeSubscriptionStatus(status string) string {
	switch status {
	case "active", "trialing":
		return types.ProviderStatusActive
	case "canceled", "incomplete_expired":
		return types.ProviderStatusCancelled
	case "past_due", "unpaid":
		return types.ProviderStatusPastDue
	default:
		return status
	}
}
