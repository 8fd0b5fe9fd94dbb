package payments

import (
	"encoding/json"
	"testing"
	"time"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/serviplace/membership-engine/internal/types"
)

func stripeEvent(id, eventType, raw string) stripe.Event {
	return stripe.Event{
		ID:      id,
		Type:    stripe.EventType(eventType),
		Created: 1772107200, // 2026-02-26T12:00:00Z
		Data:    &stripe.EventData{Raw: json.RawMessage(raw)},
	}
}

func TestNormalizeEventSubscriptionUpdated(t *testing.T) {
	evt, err := NormalizeEvent(stripeEvent("evt_1", "customer.subscription.updated", `{
		"id": "sub_123",
		"customer": "cus_123",
		"status": "past_due",
		"current_period_end": 1774785600
	}`))
	require.NoError(t, err)
	require.NotNil(t, evt)

	assert.Equal(t, "evt_1", evt.ID)
	assert.Equal(t, types.EventSubscriptionUpdated, evt.Kind)
	assert.Equal(t, "sub_123", evt.SubscriptionRef)
	assert.Equal(t, "cus_123", evt.CustomerRef)
	assert.Equal(t, types.ProviderStatusPastDue, evt.ProviderStatus)
	require.NotNil(t, evt.PeriodEnd)
	assert.Equal(t, time.Unix(1774785600, 0).UTC(), *evt.PeriodEnd)
	assert.Equal(t, time.Unix(1772107200, 0).UTC(), evt.OccurredAt)
}

func TestNormalizeEventSubscriptionDeleted(t *testing.T) {
	evt, err := NormalizeEvent(stripeEvent("evt_2", "customer.subscription.deleted", `{
		"id": "sub_123",
		"customer": "cus_123",
		"status": "canceled"
	}`))
	require.NoError(t, err)
	require.NotNil(t, evt)

	assert.Equal(t, types.EventSubscriptionCancelled, evt.Kind)
	assert.Equal(t, "sub_123", evt.SubscriptionRef)
}

func TestNormalizeEventInvoicePaid(t *testing.T) {
	t.Run("renewal invoice", func(t *testing.T) {
		evt, err := NormalizeEvent(stripeEvent("evt_3", "invoice.paid", `{
			"id": "in_1",
			"customer": "cus_123",
			"subscription": "sub_123",
			"billing_reason": "subscription_cycle",
			"period_end": 1774785600
		}`))
		require.NoError(t, err)
		require.NotNil(t, evt)

		assert.Equal(t, types.EventInvoicePaid, evt.Kind)
		assert.True(t, evt.Renewal)
		assert.Equal(t, "sub_123", evt.SubscriptionRef)
		require.NotNil(t, evt.PeriodEnd)
	})

	t.Run("initial invoice is not a renewal", func(t *testing.T) {
		evt, err := NormalizeEvent(stripeEvent("evt_4", "invoice.payment_succeeded", `{
			"id": "in_2",
			"customer": "cus_123",
			"subscription": "sub_123",
			"billing_reason": "subscription_create"
		}`))
		require.NoError(t, err)
		require.NotNil(t, evt)

		assert.Equal(t, types.EventInvoicePaid, evt.Kind)
		assert.False(t, evt.Renewal)
		assert.Nil(t, evt.PeriodEnd)
	})

	t.Run("subscription ref nested under parent details", func(t *testing.T) {
		evt, err := NormalizeEvent(stripeEvent("evt_5", "invoice.paid", `{
			"id": "in_3",
			"customer": "cus_123",
			"billing_reason": "subscription_cycle",
			"parent": {"subscription_details": {"subscription": "sub_456"}}
		}`))
		require.NoError(t, err)
		require.NotNil(t, evt)

		assert.Equal(t, "sub_456", evt.SubscriptionRef)
	})
}

func TestNormalizeEventInvoiceFailed(t *testing.T) {
	evt, err := NormalizeEvent(stripeEvent("evt_6", "invoice.payment_failed", `{
		"id": "in_4",
		"customer": "cus_123",
		"subscription": "sub_123"
	}`))
	require.NoError(t, err)
	require.NotNil(t, evt)

	assert.Equal(t, types.EventInvoiceFailed, evt.Kind)
	assert.Equal(t, "sub_123", evt.SubscriptionRef)
}

func TestNormalizeEventUnconsumedType(t *testing.T) {
	evt, err := NormalizeEvent(stripeEvent("evt_7", "charge.refunded", `{"id": "ch_1"}`))
	require.NoError(t, err)
	assert.Nil(t, evt)
}

func TestNormalizeSubscriptionStatus(t *testing.T) {
	tests := []struct {
		provider string
		expected string
	}{
		{"active", types.ProviderStatusActive},
		{"trialing", types.ProviderStatusActive},
		{"canceled", types.ProviderStatusCancelled},
		{"incomplete_expired", types.ProviderStatusCancelled},
		{"past_due", types.ProviderStatusPastDue},
		{"unpaid", types.ProviderStatusPastDue},
		{"paused", "paused"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, normalizeSubscriptionStatus(tt.provider), tt.provider)
	}
}

func TestDecodeRejectsBadSignature(t *testing.T) {
	d := NewWebhookDecoder("whsec_test")

	_, err := d.Decode([]byte(`{}`), "t=1,v1=bad")
	assert.ErrorIs(t, err, types.ErrBadRequest)
}
