package membership

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/serviplace/membership-engine/internal/domain/tiers"
	"github.com/serviplace/membership-engine/internal/types"
	"github.com/serviplace/membership-engine/pkg/observability"
)

// Reconciler applies externally-delivered payment lifecycle notifications to
// local membership state. Every handler is idempotent: the event id is
// recorded in the same transaction as the state change, so replays are
// suppressed, and out-of-order deliveries reduce to state-derived no-ops.
//
// Events for unknown refs, or for memberships whose billing ref is synthetic
// (manually administered or demo records), are logged and skipped; they are
// not errors and must never trigger an outbound provider call.
type Reconciler struct {
	logger *slog.Logger
	repo   Repository
	tiers  tiers.Service

	now func() time.Time
}

func NewReconciler(repo Repository, tierSvc tiers.Service, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		logger: logger,
		repo:   repo,
		tiers:  tierSvc,
		now:    time.Now,
	}
}

const (
	outcomeApplied = "applied"
	outcomeSkipped = "skipped"
)

func skipped(reason string) *types.ReconcileOutcome {
	return &types.ReconcileOutcome{Applied: false, Reason: reason}
}

// Apply maps one normalized event to a membership state transition.
func (r *Reconciler) Apply(ctx context.Context, evt *types.PaymentEvent) (*types.ReconcileOutcome, error) {
	ctx, span := otel.Tracer("PaymentReconciler").Start(ctx, "Apply", trace.WithAttributes(
		attribute.String("payment.event_id", evt.ID),
		attribute.String("payment.event_kind", string(evt.Kind)),
	))
	defer span.End()

	l := r.logger.With(
		slog.String("method", "Apply"),
		slog.String("eventID", evt.ID),
		slog.String("eventKind", string(evt.Kind)),
	)

	if evt.SubscriptionRef == "" {
		l.InfoContext(ctx, "Event carries no subscription ref, skipping")
		observability.RecordReconcilerEvent(string(evt.Kind), outcomeSkipped)
		span.SetStatus(codes.Ok, "No subscription ref")
		return skipped("event carries no subscription ref"), nil
	}

	outcome, err := r.applyWithRetry(ctx, evt)
	if err != nil {
		l.ErrorContext(ctx, "Failed to reconcile payment event", slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "Reconciliation failed")
		return nil, err
	}

	if outcome.Applied {
		observability.RecordReconcilerEvent(string(evt.Kind), outcomeApplied)
		l.InfoContext(ctx, "Payment event applied")
	} else {
		observability.RecordReconcilerEvent(string(evt.Kind), outcomeSkipped)
		l.InfoContext(ctx, "Payment event skipped", slog.String("reason", outcome.Reason))
	}
	span.SetStatus(codes.Ok, "Event reconciled")
	return outcome, nil
}

// applyWithRetry runs the read-map-write cycle, re-reading on a lost version
// race.
func (r *Reconciler) applyWithRetry(ctx context.Context, evt *types.PaymentEvent) (*types.ReconcileOutcome, error) {
	var lastErr error
	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		m, err := r.repo.GetByProviderSubscriptionRef(ctx, evt.SubscriptionRef)
		if err != nil {
			if errors.Is(err, types.ErrNotFound) {
				return skipped("no membership matches subscription ref"), nil
			}
			return nil, fmt.Errorf("error looking up membership for event: %w", err)
		}

		if m.BillingRefKind == types.BillingRefSynthetic {
			return skipped("membership billing ref is synthetic"), nil
		}

		write, reason, err := r.mapEvent(ctx, m, evt)
		if err != nil {
			return nil, err
		}
		if !write {
			return skipped(reason), nil
		}

		applied, err := r.repo.UpdateVersionedRecordingEvent(ctx, m, evt.ID, evt.Kind)
		if err != nil {
			if errors.Is(err, types.ErrConflict) {
				lastErr = err
				continue
			}
			return nil, err
		}
		if !applied {
			return skipped("duplicate event"), nil
		}
		observability.RecordTransition(string(m.Status))
		return &types.ReconcileOutcome{Applied: true}, nil
	}
	return nil, fmt.Errorf("gave up after %d write conflicts: %w", maxWriteAttempts, lastErr)
}

// mapEvent mutates m according to the event kind. write=false means the
// event is a state-derived no-op.
func (r *Reconciler) mapEvent(ctx context.Context, m *types.Membership, evt *types.PaymentEvent) (write bool, reason string, err error) {
	now := r.now()

	switch evt.Kind {
	case types.EventSubscriptionUpdated:
		switch evt.ProviderStatus {
		case types.ProviderStatusActive:
			if m.Status == types.MembershipStatusActive {
				return false, "already active", nil
			}
			m.Status = types.MembershipStatusActive
			m.CancelledAt = nil
			m.WillExpireAt = nil
			m.CancellationReason = nil
			if evt.PeriodEnd != nil {
				m.EndDate = *evt.PeriodEnd
			}
			return true, "", nil
		case types.ProviderStatusCancelled:
			return r.applyCancellation(m, now)
		case types.ProviderStatusPastDue:
			if m.Status == types.MembershipStatusSuspended {
				return false, "already suspended", nil
			}
			m.Status = types.MembershipStatusSuspended
			return true, "", nil
		default:
			return false, fmt.Sprintf("unmapped provider status %q", evt.ProviderStatus), nil
		}

	case types.EventSubscriptionCancelled:
		return r.applyCancellation(m, now)

	case types.EventInvoicePaid:
		if !evt.Renewal {
			// Initial-cycle invoice: confirms a PENDING membership, nothing
			// to advance.
			if m.Status != types.MembershipStatusPending {
				return false, "initial invoice for settled membership", nil
			}
			m.Status = types.MembershipStatusActive
			return true, "", nil
		}
		return true, "", r.applyRenewal(ctx, m, evt, now)

	case types.EventInvoiceFailed:
		if m.Status == types.MembershipStatusSuspended {
			return false, "already suspended", nil
		}
		m.Status = types.MembershipStatusSuspended
		return true, "", nil

	default:
		return false, fmt.Sprintf("unmapped event kind %q", evt.Kind), nil
	}
}

func (r *Reconciler) applyCancellation(m *types.Membership, now time.Time) (bool, string, error) {
	switch m.Status {
	case types.MembershipStatusCancelled, types.MembershipStatusExpired:
		return false, "already cancelled", nil
	}
	m.Status = types.MembershipStatusCancelled
	m.CancelledAt = &now
	m.AutoRenew = false
	m.NextBillingDate = nil
	if !m.EndDate.After(now) || m.EndDate.IsZero() {
		m.EndDate = now
	} else {
		// Still inside the paid-for period: keep the grace window.
		end := m.EndDate
		m.WillExpireAt = &end
	}
	return true, "", nil
}

// applyRenewal advances the billing period by one cycle unit, resets the
// usage counters, and applies any plan change deferred to this boundary.
func (r *Reconciler) applyRenewal(ctx context.Context, m *types.Membership, evt *types.PaymentEvent, now time.Time) error {
	if m.PendingTierCode != nil {
		tier, err := r.tiers.GetByCode(ctx, *m.PendingTierCode)
		if err != nil {
			return fmt.Errorf("error fetching pending tier: %w", err)
		}
		cycle := m.BillingCycle
		if m.PendingBillingCycle != nil {
			cycle = *m.PendingBillingCycle
		}
		m.TierCode = tier.Code
		m.BillingCycle = cycle
		m.PaidAmount = tier.Price(cycle).Round(2)
		m.PendingTierCode = nil
		m.PendingBillingCycle = nil
	}

	m.Status = types.MembershipStatusActive
	m.StartDate = m.EndDate
	if evt.PeriodEnd != nil {
		m.EndDate = *evt.PeriodEnd
	} else {
		m.EndDate = addCycle(m.EndDate, m.BillingCycle)
	}
	if m.AutoRenew {
		end := m.EndDate
		m.NextBillingDate = &end
	}
	m.Usage = NewUsagePeriod(now)
	return nil
}
