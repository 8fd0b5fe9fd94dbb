// Package payments adapts the Stripe API to the engine's provider contract:
// outbound charges and recurring-subscription cancellation, plus decoding of
// signed webhook payloads into the normalized event set.
package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/shopspring/decimal"
	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/paymentintent"
	"github.com/stripe/stripe-go/v82/subscription"

	"github.com/serviplace/membership-engine/internal/types"
)

// StripeClient implements the engine's ProviderClient against Stripe.
type StripeClient struct {
	logger   *slog.Logger
	currency string
}

func NewStripeClient(apiKey, currency string, logger *slog.Logger) *StripeClient {
	stripe.Key = apiKey
	if currency == "" {
		currency = "usd"
	}
	return &StripeClient{
		logger:   logger,
		currency: currency,
	}
}

// Charge collects the given amount from the customer's saved payment method,
// off session.
func (c *StripeClient) Charge(ctx context.Context, customerRef string, amount decimal.Decimal, description string) (*types.ChargeResult, error) {
	l := c.logger.With(slog.String("method", "Charge"), slog.String("customerRef", customerRef))

	cents := amount.Shift(2).Round(0).IntPart()
	if cents <= 0 {
		return nil, fmt.Errorf("charge amount must be positive: %w", types.ErrBadRequest)
	}

	params := &stripe.PaymentIntentParams{
		Params:      stripe.Params{Context: ctx},
		Amount:      stripe.Int64(cents),
		Currency:    stripe.String(c.currency),
		Customer:    stripe.String(customerRef),
		Description: stripe.String(description),
		Confirm:     stripe.Bool(true),
		OffSession:  stripe.Bool(true),
	}

	pi, err := paymentintent.New(params)
	if err != nil {
		mapped := mapStripeError(err)
		l.WarnContext(ctx, "Stripe charge failed", slog.Any("error", err))
		return nil, fmt.Errorf("stripe charge failed: %w", mapped)
	}

	l.InfoContext(ctx, "Stripe charge succeeded", slog.String("paymentIntentID", pi.ID))
	return &types.ChargeResult{ChargeID: pi.ID}, nil
}

// CancelRecurring cancels the provider-side subscription immediately.
func (c *StripeClient) CancelRecurring(ctx context.Context, subscriptionRef string) error {
	l := c.logger.With(slog.String("method", "CancelRecurring"), slog.String("subscriptionRef", subscriptionRef))

	params := &stripe.SubscriptionCancelParams{
		Params: stripe.Params{Context: ctx},
	}
	if _, err := subscription.Cancel(subscriptionRef, params); err != nil {
		mapped := mapStripeError(err)
		if errors.Is(mapped, types.ErrNotFound) {
			l.InfoContext(ctx, "Stripe subscription not found")
			return fmt.Errorf("stripe subscription not found: %w", types.ErrNotFound)
		}
		l.WarnContext(ctx, "Stripe cancellation failed", slog.Any("error", err))
		return fmt.Errorf("stripe cancellation failed: %w", mapped)
	}

	l.InfoContext(ctx, "Stripe subscription cancelled")
	return nil
}

// mapStripeError folds Stripe's error surface into the engine's taxonomy:
// card problems are declines, missing resources are NotFound, everything
// else (including timeouts) is a retriable provider outage.
func mapStripeError(err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		switch {
		case stripeErr.Type == stripe.ErrorTypeCard:
			return types.ErrPaymentDeclined
		case stripeErr.Code == stripe.ErrorCodeCardDeclined:
			return types.ErrPaymentDeclined
		case stripeErr.Code == stripe.ErrorCodeResourceMissing,
			stripeErr.HTTPStatusCode == http.StatusNotFound:
			return types.ErrNotFound
		}
	}
	return types.ErrProviderUnavailable
}
