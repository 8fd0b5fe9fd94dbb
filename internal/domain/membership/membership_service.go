package membership

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/serviplace/membership-engine/internal/domain/tiers"
	"github.com/serviplace/membership-engine/internal/types"
	"github.com/serviplace/membership-engine/pkg/observability"
)

// ProviderClient is the outbound contract the engine requires from a payment
// provider. Calls are bounded by providerCallTimeout; a timeout is treated as
// failed-but-retriable, never left half-applied.
type ProviderClient interface {
	Charge(ctx context.Context, customerRef string, amount decimal.Decimal, description string) (*types.ChargeResult, error)
	CancelRecurring(ctx context.Context, subscriptionRef string) error
}

const (
	// maxWriteAttempts bounds the optimistic-concurrency retry loop: a losing
	// writer re-runs its whole read-check-mutate cycle.
	maxWriteAttempts = 3

	providerCallTimeout = 10 * time.Second
)

var _ Service = (*ServiceImpl)(nil)

// Service is the membership lifecycle manager.
type Service interface {
	Subscribe(ctx context.Context, subscriberID uuid.UUID, tierCode string, cycle types.BillingCycle, opts types.SubscribeOptions) (*types.Membership, error)
	ConfirmPayment(ctx context.Context, membershipID uuid.UUID) (*types.Membership, error)
	ChangePlan(ctx context.Context, subscriberID uuid.UUID, newTierCode string, cycle types.BillingCycle, immediate bool) (*types.PlanChangeResult, error)
	Cancel(ctx context.Context, subscriberID uuid.UUID, immediate bool, reason string) (*types.CancelResult, error)
	Reactivate(ctx context.Context, subscriberID uuid.UUID) (*types.Membership, error)
	MarkPaymentFailed(ctx context.Context, membershipID uuid.UUID) (*types.Membership, error)
	HasActiveAccess(ctx context.Context, subscriberID uuid.UUID) (bool, error)
	CanCreateServiceRequest(ctx context.Context, subscriberID uuid.UUID) (*types.EligibilityResult, error)
	ConsumeServiceRequest(ctx context.Context, subscriberID uuid.UUID, isEmergency bool) (*types.Membership, error)
	SyncPendingCancellations(ctx context.Context, limit int) (int, error)
}

type ServiceImpl struct {
	logger   *slog.Logger
	repo     Repository
	tiers    tiers.Service
	provider ProviderClient

	// now is swappable for tests.
	now func() time.Time
}

func NewService(repo Repository, tierSvc tiers.Service, provider ProviderClient, logger *slog.Logger) *ServiceImpl {
	return &ServiceImpl{
		logger:   logger,
		repo:     repo,
		tiers:    tierSvc,
		provider: provider,
		now:      time.Now,
	}
}

// addCycle advances a date by one billing-cycle unit.
func addCycle(t time.Time, cycle types.BillingCycle) time.Time {
	if cycle == types.BillingCycleYearly {
		return t.AddDate(1, 0, 0)
	}
	return t.AddDate(0, 1, 0)
}

type loader func(ctx context.Context) (*types.Membership, error)

// mutation inspects and mutates a freshly-read record; write=false commits
// nothing (pure read, or an idempotent no-op).
type mutation func(m *types.Membership) (write bool, err error)

// mutateMembership runs a read-check-mutate-write cycle under optimistic
// concurrency, re-reading and re-applying on a lost write race.
func (s *ServiceImpl) mutateMembership(ctx context.Context, load loader, fn mutation) (*types.Membership, error) {
	var lastErr error
	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		m, err := load(ctx)
		if err != nil {
			return nil, err
		}
		write, err := fn(m)
		if err != nil {
			return nil, err
		}
		if !write {
			return m, nil
		}
		if err := s.repo.UpdateVersioned(ctx, m); err != nil {
			if errors.Is(err, types.ErrConflict) {
				lastErr = err
				continue
			}
			return nil, err
		}
		return m, nil
	}
	return nil, fmt.Errorf("gave up after %d write conflicts: %w", maxWriteAttempts, lastErr)
}

func (s *ServiceImpl) Subscribe(ctx context.Context, subscriberID uuid.UUID, tierCode string, cycle types.BillingCycle, opts types.SubscribeOptions) (*types.Membership, error) {
	ctx, span := otel.Tracer("MembershipService").Start(ctx, "Subscribe", trace.WithAttributes(
		attribute.String("subscriber.id", subscriberID.String()),
		attribute.String("tier.code", tierCode),
		attribute.String("billing.cycle", string(cycle)),
	))
	defer span.End()

	l := s.logger.With(slog.String("method", "Subscribe"), slog.String("subscriberID", subscriberID.String()), slog.String("tierCode", tierCode))
	l.DebugContext(ctx, "Creating membership")

	if !cycle.Valid() {
		span.SetStatus(codes.Error, "Invalid billing cycle")
		return nil, fmt.Errorf("invalid billing cycle %q: %w", cycle, types.ErrBadRequest)
	}

	tier, err := s.tiers.GetByCode(ctx, tierCode)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			span.SetStatus(codes.Error, "Unknown tier")
			return nil, fmt.Errorf("unknown tier %q: %w", tierCode, types.ErrBadRequest)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "Tier lookup failed")
		return nil, fmt.Errorf("error fetching tier: %w", err)
	}

	if existing, err := s.repo.GetActiveBySubscriber(ctx, subscriberID); err == nil && existing != nil {
		span.SetStatus(codes.Error, "Active membership exists")
		return nil, fmt.Errorf("subscriber %s already has an active membership: %w", subscriberID, types.ErrConflict)
	} else if err != nil && !errors.Is(err, types.ErrNotFound) {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Membership lookup failed")
		return nil, fmt.Errorf("error checking existing membership: %w", err)
	}

	now := s.now()
	status := types.MembershipStatusActive
	if opts.AwaitPaymentConfirmation {
		status = types.MembershipStatusPending
	}

	refKind := types.BillingRefSynthetic
	if opts.ProviderSubscriptionRef != nil {
		refKind = types.BillingRefProvider
	}

	end := addCycle(now, cycle)
	m := &types.Membership{
		ID:                      uuid.New(),
		SubscriberID:            subscriberID,
		TierCode:                tier.Code,
		Status:                  status,
		BillingCycle:            cycle,
		AutoRenew:               opts.AutoRenew,
		StartDate:               now,
		EndDate:                 end,
		PaidAmount:              tier.Price(cycle).Round(2),
		Usage:                   NewUsagePeriod(now),
		BillingRefKind:          refKind,
		ProviderCustomerRef:     opts.ProviderCustomerRef,
		ProviderSubscriptionRef: opts.ProviderSubscriptionRef,
	}
	if opts.AutoRenew {
		m.NextBillingDate = &end
	}

	if err := s.repo.Create(ctx, m); err != nil {
		l.ErrorContext(ctx, "Failed to create membership", slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "Create failed")
		return nil, fmt.Errorf("error creating membership: %w", err)
	}

	observability.RecordTransition(string(m.Status))
	l.InfoContext(ctx, "Membership created", slog.String("membershipID", m.ID.String()), slog.String("status", string(m.Status)))
	span.SetStatus(codes.Ok, "Membership created")
	return m, nil
}

func (s *ServiceImpl) ConfirmPayment(ctx context.Context, membershipID uuid.UUID) (*types.Membership, error) {
	ctx, span := otel.Tracer("MembershipService").Start(ctx, "ConfirmPayment", trace.WithAttributes(
		attribute.String("membership.id", membershipID.String()),
	))
	defer span.End()

	l := s.logger.With(slog.String("method", "ConfirmPayment"), slog.String("membershipID", membershipID.String()))

	m, err := s.mutateMembership(ctx,
		func(ctx context.Context) (*types.Membership, error) { return s.repo.GetByID(ctx, membershipID) },
		func(m *types.Membership) (bool, error) {
			switch m.Status {
			case types.MembershipStatusActive:
				// Already confirmed; replaying is a no-op.
				return false, nil
			case types.MembershipStatusPending:
				m.Status = types.MembershipStatusActive
				return true, nil
			default:
				return false, fmt.Errorf("membership %s is %s, cannot confirm payment: %w", m.ID, m.Status, types.ErrConflict)
			}
		})
	if err != nil {
		l.ErrorContext(ctx, "Failed to confirm payment", slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "Confirm failed")
		return nil, err
	}

	observability.RecordTransition(string(types.MembershipStatusActive))
	l.InfoContext(ctx, "Payment confirmed, membership active")
	span.SetStatus(codes.Ok, "Payment confirmed")
	return m, nil
}

func (s *ServiceImpl) ChangePlan(ctx context.Context, subscriberID uuid.UUID, newTierCode string, cycle types.BillingCycle, immediate bool) (*types.PlanChangeResult, error) {
	ctx, span := otel.Tracer("MembershipService").Start(ctx, "ChangePlan", trace.WithAttributes(
		attribute.String("subscriber.id", subscriberID.String()),
		attribute.String("tier.code", newTierCode),
		attribute.Bool("plan_change.immediate", immediate),
	))
	defer span.End()

	l := s.logger.With(slog.String("method", "ChangePlan"), slog.String("subscriberID", subscriberID.String()), slog.String("newTierCode", newTierCode))

	if !cycle.Valid() {
		span.SetStatus(codes.Error, "Invalid billing cycle")
		return nil, fmt.Errorf("invalid billing cycle %q: %w", cycle, types.ErrBadRequest)
	}

	newTier, err := s.tiers.GetByCode(ctx, newTierCode)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			span.SetStatus(codes.Error, "Unknown tier")
			return nil, fmt.Errorf("unknown tier %q: %w", newTierCode, types.ErrBadRequest)
		}
		span.RecordError(err)
		return nil, fmt.Errorf("error fetching tier: %w", err)
	}

	current, err := s.repo.GetActiveBySubscriber(ctx, subscriberID)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			span.SetStatus(codes.Error, "No active membership")
			return nil, fmt.Errorf("cannot change plan: %w", types.ErrNoMembership)
		}
		span.RecordError(err)
		return nil, fmt.Errorf("error fetching membership: %w", err)
	}

	if current.TierCode == newTierCode && current.BillingCycle == cycle {
		span.SetStatus(codes.Error, "Target tier equals current")
		return nil, fmt.Errorf("membership is already on tier %q (%s): %w", newTierCode, cycle, types.ErrBadRequest)
	}

	now := s.now()
	quote := CalculatePlanChange(current, newTier, cycle, now)
	span.SetAttributes(
		attribute.String("plan_change.net_amount", quote.NetAmount.String()),
		attribute.Bool("plan_change.is_upgrade", quote.IsUpgrade),
	)

	if !immediate {
		m, err := s.mutateMembership(ctx,
			func(ctx context.Context) (*types.Membership, error) { return s.repo.GetActiveBySubscriber(ctx, subscriberID) },
			func(m *types.Membership) (bool, error) {
				m.PendingTierCode = &newTier.Code
				c := cycle
				m.PendingBillingCycle = &c
				return true, nil
			})
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "Deferred change failed")
			return nil, err
		}
		l.InfoContext(ctx, "Plan change deferred to next billing boundary")
		span.SetStatus(codes.Ok, "Plan change deferred")
		return &types.PlanChangeResult{Membership: m, Quote: quote, Deferred: true}, nil
	}

	// An upgrade with money owed must be charged before anything is
	// committed: on charge failure the membership is left untouched.
	var chargeID *string
	if quote.NetAmount.IsPositive() && current.BillingRefKind == types.BillingRefProvider && current.ProviderCustomerRef != nil {
		chargeCtx, cancel := context.WithTimeout(ctx, providerCallTimeout)
		res, err := s.provider.Charge(chargeCtx, *current.ProviderCustomerRef, quote.NetAmount,
			fmt.Sprintf("plan change to %s (%s)", newTier.Code, cycle))
		cancel()
		if err != nil {
			l.WarnContext(ctx, "Plan change charge failed, membership unmodified", slog.Any("error", err))
			span.RecordError(err)
			span.SetStatus(codes.Error, "Charge failed")
			return nil, fmt.Errorf("plan change charge failed: %w", err)
		}
		chargeID = &res.ChargeID
	}

	m, err := s.mutateMembership(ctx,
		func(ctx context.Context) (*types.Membership, error) { return s.repo.GetActiveBySubscriber(ctx, subscriberID) },
		func(m *types.Membership) (bool, error) {
			m.TierCode = newTier.Code
			m.BillingCycle = cycle
			m.PaidAmount = quote.NewAmount
			m.StartDate = now
			m.EndDate = addCycle(now, cycle)
			if m.AutoRenew {
				end := m.EndDate
				m.NextBillingDate = &end
			}
			m.PendingTierCode = nil
			m.PendingBillingCycle = nil
			return true, nil
		})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Plan change commit failed")
		return nil, err
	}

	l.InfoContext(ctx, "Plan changed", slog.String("tierCode", m.TierCode), slog.String("netAmount", quote.NetAmount.String()))
	span.SetStatus(codes.Ok, "Plan changed")
	return &types.PlanChangeResult{Membership: m, Quote: quote, ChargeID: chargeID}, nil
}

// Cancel transitions the membership to CANCELLED. Local state always wins: a
// flaky provider never blocks cancellation. Provider-side cancellation is
// attempted opportunistically and a failure there is reported as a
// degraded-success result with ProviderSyncPending set.
func (s *ServiceImpl) Cancel(ctx context.Context, subscriberID uuid.UUID, immediate bool, reason string) (*types.CancelResult, error) {
	ctx, span := otel.Tracer("MembershipService").Start(ctx, "Cancel", trace.WithAttributes(
		attribute.String("subscriber.id", subscriberID.String()),
		attribute.Bool("cancel.immediate", immediate),
	))
	defer span.End()

	l := s.logger.With(slog.String("method", "Cancel"), slog.String("subscriberID", subscriberID.String()))

	current, err := s.repo.GetActiveBySubscriber(ctx, subscriberID)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			span.SetStatus(codes.Error, "No active membership")
			return nil, fmt.Errorf("cannot cancel: %w", types.ErrNoMembership)
		}
		span.RecordError(err)
		return nil, fmt.Errorf("error fetching membership: %w", err)
	}

	syncPending := false
	if current.BillingRefKind == types.BillingRefProvider && current.ProviderSubscriptionRef != nil {
		cancelCtx, cancelFn := context.WithTimeout(ctx, providerCallTimeout)
		err := s.provider.CancelRecurring(cancelCtx, *current.ProviderSubscriptionRef)
		cancelFn()
		switch {
		case err == nil:
		case errors.Is(err, types.ErrNotFound):
			// The provider no longer knows this subscription; nothing to sync.
			l.InfoContext(ctx, "Provider subscription already gone, skipping")
		default:
			l.WarnContext(ctx, "Provider cancellation failed, will retry later", slog.Any("error", err))
			span.RecordError(err)
			syncPending = true
		}
	}

	now := s.now()
	m, err := s.mutateMembership(ctx,
		func(ctx context.Context) (*types.Membership, error) { return s.repo.GetActiveBySubscriber(ctx, subscriberID) },
		func(m *types.Membership) (bool, error) {
			// cancelledAt and status move together, in the same commit. A
			// record with cancelledAt set but status still ACTIVE is an
			// invariant violation this engine must never produce.
			m.Status = types.MembershipStatusCancelled
			m.CancelledAt = &now
			m.AutoRenew = false
			m.NextBillingDate = nil
			if reason != "" {
				r := reason
				m.CancellationReason = &r
			}
			if immediate {
				m.EndDate = now
			} else {
				end := m.EndDate
				m.WillExpireAt = &end
			}
			m.PendingProviderSync = syncPending
			return true, nil
		})
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			// Lost a race against another canceller; report current state.
			if cur, cerr := s.repo.GetCurrentBySubscriber(ctx, subscriberID); cerr == nil && cur.Status == types.MembershipStatusCancelled {
				span.SetStatus(codes.Ok, "Already cancelled")
				return &types.CancelResult{Membership: cur, ProviderSyncPending: cur.PendingProviderSync}, nil
			}
		}
		l.ErrorContext(ctx, "Failed to cancel membership", slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "Cancel failed")
		return nil, err
	}

	observability.RecordTransition(string(types.MembershipStatusCancelled))
	l.InfoContext(ctx, "Membership cancelled",
		slog.Bool("immediate", immediate),
		slog.Bool("providerSyncPending", syncPending),
	)
	span.SetStatus(codes.Ok, "Membership cancelled")
	return &types.CancelResult{Membership: m, ProviderSyncPending: syncPending}, nil
}

// Reactivate returns a cancelled membership to ACTIVE while its grace window
// is still open. Past the end date the record is gone for good and the
// subscriber must re-subscribe.
func (s *ServiceImpl) Reactivate(ctx context.Context, subscriberID uuid.UUID) (*types.Membership, error) {
	ctx, span := otel.Tracer("MembershipService").Start(ctx, "Reactivate", trace.WithAttributes(
		attribute.String("subscriber.id", subscriberID.String()),
	))
	defer span.End()

	l := s.logger.With(slog.String("method", "Reactivate"), slog.String("subscriberID", subscriberID.String()))
	now := s.now()

	m, err := s.mutateMembership(ctx,
		func(ctx context.Context) (*types.Membership, error) { return s.repo.GetCurrentBySubscriber(ctx, subscriberID) },
		func(m *types.Membership) (bool, error) {
			if m.Status == types.MembershipStatusActive {
				return false, nil
			}
			if !m.InGraceWindow(now) {
				return false, fmt.Errorf("membership %s is %s and past its reactivation window: %w", m.ID, m.Status, types.ErrConflict)
			}
			m.Status = types.MembershipStatusActive
			m.CancelledAt = nil
			m.WillExpireAt = nil
			m.CancellationReason = nil
			m.AutoRenew = true
			end := m.EndDate
			m.NextBillingDate = &end
			return true, nil
		})
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return nil, fmt.Errorf("cannot reactivate: %w", types.ErrNoMembership)
		}
		l.ErrorContext(ctx, "Failed to reactivate membership", slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "Reactivate failed")
		return nil, err
	}

	observability.RecordTransition(string(types.MembershipStatusActive))
	l.InfoContext(ctx, "Membership reactivated")
	span.SetStatus(codes.Ok, "Membership reactivated")
	return m, nil
}

// MarkPaymentFailed suspends the membership; access is denied until resolved.
func (s *ServiceImpl) MarkPaymentFailed(ctx context.Context, membershipID uuid.UUID) (*types.Membership, error) {
	ctx, span := otel.Tracer("MembershipService").Start(ctx, "MarkPaymentFailed", trace.WithAttributes(
		attribute.String("membership.id", membershipID.String()),
	))
	defer span.End()

	m, err := s.mutateMembership(ctx,
		func(ctx context.Context) (*types.Membership, error) { return s.repo.GetByID(ctx, membershipID) },
		func(m *types.Membership) (bool, error) {
			if m.Status == types.MembershipStatusSuspended {
				return false, nil
			}
			m.Status = types.MembershipStatusSuspended
			return true, nil
		})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Suspend failed")
		return nil, err
	}

	observability.RecordTransition(string(types.MembershipStatusSuspended))
	span.SetStatus(codes.Ok, "Membership suspended")
	return m, nil
}

// HasActiveAccess is the derived access check: ACTIVE, or CANCELLED with the
// paid-for period still running.
func (s *ServiceImpl) HasActiveAccess(ctx context.Context, subscriberID uuid.UUID) (bool, error) {
	ctx, span := otel.Tracer("MembershipService").Start(ctx, "HasActiveAccess", trace.WithAttributes(
		attribute.String("subscriber.id", subscriberID.String()),
	))
	defer span.End()

	m, err := s.repo.GetCurrentBySubscriber(ctx, subscriberID)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			span.SetStatus(codes.Ok, "No membership")
			return false, nil
		}
		span.RecordError(err)
		return false, fmt.Errorf("error fetching membership: %w", err)
	}

	span.SetStatus(codes.Ok, "Access evaluated")
	return m.HasActiveAccess(s.now()), nil
}

// CanCreateServiceRequest answers the eligibility query for the job-booking
// collaborator. Reading the quota also rolls the usage block forward when a
// new period has started, so counters are never stale once accessed.
func (s *ServiceImpl) CanCreateServiceRequest(ctx context.Context, subscriberID uuid.UUID) (*types.EligibilityResult, error) {
	ctx, span := otel.Tracer("MembershipService").Start(ctx, "CanCreateServiceRequest", trace.WithAttributes(
		attribute.String("subscriber.id", subscriberID.String()),
	))
	defer span.End()

	now := s.now()
	var result *types.EligibilityResult

	_, err := s.mutateMembership(ctx,
		func(ctx context.Context) (*types.Membership, error) { return s.repo.GetCurrentBySubscriber(ctx, subscriberID) },
		func(m *types.Membership) (bool, error) {
			if !m.HasActiveAccess(now) {
				result = &types.EligibilityResult{Allowed: false, Reason: fmt.Sprintf("membership is %s", m.Status)}
				return false, nil
			}
			rolled := EnsureCurrentPeriod(&m.Usage, now)

			tier, err := s.tiers.GetByCode(ctx, m.TierCode)
			if err != nil {
				return false, fmt.Errorf("error fetching tier: %w", err)
			}
			if CanConsume(tier, &m.Usage, types.QuotaServiceRequest) {
				result = &types.EligibilityResult{Allowed: true}
			} else {
				result = &types.EligibilityResult{Allowed: false, Reason: "service request quota exhausted for current period"}
			}
			return rolled, nil
		})
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			span.SetStatus(codes.Ok, "No membership")
			return &types.EligibilityResult{Allowed: false, Reason: "no membership"}, nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "Eligibility check failed")
		return nil, err
	}

	span.SetAttributes(attribute.Bool("eligibility.allowed", result.Allowed))
	span.SetStatus(codes.Ok, "Eligibility evaluated")
	return result, nil
}

// ConsumeServiceRequest atomically re-validates and records one unit of
// consumption. The check and the increment commit in a single versioned
// write, so two concurrent requests cannot both pass a stale check.
func (s *ServiceImpl) ConsumeServiceRequest(ctx context.Context, subscriberID uuid.UUID, isEmergency bool) (*types.Membership, error) {
	ctx, span := otel.Tracer("MembershipService").Start(ctx, "ConsumeServiceRequest", trace.WithAttributes(
		attribute.String("subscriber.id", subscriberID.String()),
		attribute.Bool("quota.emergency", isEmergency),
	))
	defer span.End()

	l := s.logger.With(slog.String("method", "ConsumeServiceRequest"), slog.String("subscriberID", subscriberID.String()))
	now := s.now()

	m, err := s.mutateMembership(ctx,
		func(ctx context.Context) (*types.Membership, error) { return s.repo.GetCurrentBySubscriber(ctx, subscriberID) },
		func(m *types.Membership) (bool, error) {
			if !m.HasActiveAccess(now) {
				return false, fmt.Errorf("membership is %s: %w", m.Status, types.ErrNoMembership)
			}
			EnsureCurrentPeriod(&m.Usage, now)

			tier, err := s.tiers.GetByCode(ctx, m.TierCode)
			if err != nil {
				return false, fmt.Errorf("error fetching tier: %w", err)
			}
			if !CanConsume(tier, &m.Usage, types.QuotaServiceRequest) {
				observability.RecordQuotaDenial(string(types.QuotaServiceRequest))
				return false, fmt.Errorf("service request quota reached: %w", types.ErrQuotaExceeded)
			}
			if isEmergency && !CanConsume(tier, &m.Usage, types.QuotaEmergencyRequest) {
				observability.RecordQuotaDenial(string(types.QuotaEmergencyRequest))
				return false, fmt.Errorf("emergency request quota reached: %w", types.ErrQuotaExceeded)
			}
			ApplyConsumption(&m.Usage, isEmergency)
			return true, nil
		})
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return nil, fmt.Errorf("cannot consume quota: %w", types.ErrNoMembership)
		}
		if !errors.Is(err, types.ErrQuotaExceeded) {
			l.ErrorContext(ctx, "Failed to consume quota", slog.Any("error", err))
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "Consumption denied")
		return nil, err
	}

	l.DebugContext(ctx, "Quota consumed",
		slog.Int("serviceRequestsUsed", m.Usage.ServiceRequestsUsed),
		slog.Bool("emergency", isEmergency),
	)
	span.SetStatus(codes.Ok, "Quota consumed")
	return m, nil
}

// SyncPendingCancellations retries provider-side cancellation for records
// that were cancelled locally while the provider was unreachable.
func (s *ServiceImpl) SyncPendingCancellations(ctx context.Context, limit int) (int, error) {
	ctx, span := otel.Tracer("MembershipService").Start(ctx, "SyncPendingCancellations")
	defer span.End()

	l := s.logger.With(slog.String("method", "SyncPendingCancellations"))

	pending, err := s.repo.ListPendingProviderSync(ctx, limit)
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("error listing pending provider syncs: %w", err)
	}

	synced := 0
	for _, m := range pending {
		if m.ProviderSubscriptionRef == nil || m.BillingRefKind != types.BillingRefProvider {
			// Should not happen; clear the flag so it stops resurfacing.
			l.WarnContext(ctx, "Pending sync without provider ref", slog.String("membershipID", m.ID.String()))
		} else {
			callCtx, cancel := context.WithTimeout(ctx, providerCallTimeout)
			err := s.provider.CancelRecurring(callCtx, *m.ProviderSubscriptionRef)
			cancel()
			if err != nil && !errors.Is(err, types.ErrNotFound) {
				l.WarnContext(ctx, "Provider cancellation still failing", slog.String("membershipID", m.ID.String()), slog.Any("error", err))
				continue
			}
		}

		id := m.ID
		if _, err := s.mutateMembership(ctx,
			func(ctx context.Context) (*types.Membership, error) { return s.repo.GetByID(ctx, id) },
			func(m *types.Membership) (bool, error) {
				if !m.PendingProviderSync {
					return false, nil
				}
				m.PendingProviderSync = false
				return true, nil
			}); err != nil {
			l.WarnContext(ctx, "Failed to clear pending sync flag", slog.String("membershipID", id.String()), slog.Any("error", err))
			continue
		}
		synced++
	}

	l.InfoContext(ctx, "Pending provider syncs processed", slog.Int("synced", synced), slog.Int("pending", len(pending)))
	span.SetStatus(codes.Ok, "Pending syncs processed")
	return synced, nil
}
