package membership

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/serviplace/membership-engine/internal/types"
)

// PGX is the subset of pgxpool.Pool the repository uses. Both *pgxpool.Pool
// and pgxmock satisfy it.
type PGX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

var _ Repository = (*RepositoryImpl)(nil)

// Repository defines the contract for membership persistence. Each record is
// the unit of consistency: writes go through the conditional versioned
// update, and a losing writer re-reads and retries.
type Repository interface {
	Create(ctx context.Context, m *types.Membership) error
	GetByID(ctx context.Context, id uuid.UUID) (*types.Membership, error)
	GetActiveBySubscriber(ctx context.Context, subscriberID uuid.UUID) (*types.Membership, error)
	// GetCurrentBySubscriber returns the subscriber's most recent
	// non-expired membership, including CANCELLED records still in grace.
	GetCurrentBySubscriber(ctx context.Context, subscriberID uuid.UUID) (*types.Membership, error)
	GetByProviderSubscriptionRef(ctx context.Context, ref string) (*types.Membership, error)
	// UpdateVersioned commits the record iff nobody else has written it
	// since it was read, then bumps m.Version in place. A lost race returns
	// types.ErrConflict.
	UpdateVersioned(ctx context.Context, m *types.Membership) error
	// UpdateVersionedRecordingEvent is UpdateVersioned plus event-id replay
	// suppression in the same transaction. The bool reports whether the
	// event was applied; a duplicate event id is (false, nil).
	UpdateVersionedRecordingEvent(ctx context.Context, m *types.Membership, eventID string, kind types.PaymentEventKind) (bool, error)
	ListExpirable(ctx context.Context, now time.Time, limit int) ([]*types.Membership, error)
	ListPendingProviderSync(ctx context.Context, limit int) ([]*types.Membership, error)
}

type RepositoryImpl struct {
	logger *slog.Logger
	pgpool PGX
}

func NewRepositoryImpl(pgpool PGX, logger *slog.Logger) *RepositoryImpl {
	return &RepositoryImpl{
		logger: logger,
		pgpool: pgpool,
	}
}

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

const membershipColumns = `id, subscriber_id, tier_code, status, billing_cycle, auto_renew,
       start_date, end_date, next_billing_date, paid_amount,
       cancelled_at, will_expire_at, expired_at, cancellation_reason,
       usage_period_key, usage_service_requests, usage_emergency_requests, usage_reset_date,
       billing_ref_kind, provider_customer_ref, provider_subscription_ref,
       pending_provider_sync, pending_tier_code, pending_billing_cycle,
       version, created_at, updated_at`

func scanMembership(row pgx.Row) (*types.Membership, error) {
	var m types.Membership
	err := row.Scan(
		&m.ID, &m.SubscriberID, &m.TierCode, &m.Status, &m.BillingCycle, &m.AutoRenew,
		&m.StartDate, &m.EndDate, &m.NextBillingDate, &m.PaidAmount,
		&m.CancelledAt, &m.WillExpireAt, &m.ExpiredAt, &m.CancellationReason,
		&m.Usage.PeriodKey, &m.Usage.ServiceRequestsUsed, &m.Usage.EmergencyRequestsUsed, &m.Usage.ResetDate,
		&m.BillingRefKind, &m.ProviderCustomerRef, &m.ProviderSubscriptionRef,
		&m.PendingProviderSync, &m.PendingTierCode, &m.PendingBillingCycle,
		&m.Version, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *RepositoryImpl) Create(ctx context.Context, m *types.Membership) error {
	ctx, span := otel.Tracer("MembershipRepo").Start(ctx, "Create", trace.WithAttributes(
		semconv.DBSystemPostgreSQL,
		attribute.String("db.operation", "INSERT"),
		attribute.String("db.sql.table", "memberships"),
		attribute.String("membership.subscriber_id", m.SubscriberID.String()),
	))
	defer span.End()

	l := r.logger.With(slog.String("method", "Create"), slog.String("subscriberID", m.SubscriberID.String()))
	l.DebugContext(ctx, "Creating membership record")

	query := `
        INSERT INTO memberships (id, subscriber_id, tier_code, status, billing_cycle, auto_renew,
                                 start_date, end_date, next_billing_date, paid_amount,
                                 cancelled_at, will_expire_at, expired_at, cancellation_reason,
                                 usage_period_key, usage_service_requests, usage_emergency_requests, usage_reset_date,
                                 billing_ref_kind, provider_customer_ref, provider_subscription_ref,
                                 pending_provider_sync, pending_tier_code, pending_billing_cycle,
                                 version, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
                $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24,
                1, NOW(), NOW())`

	_, err := r.pgpool.Exec(ctx, query,
		m.ID, m.SubscriberID, m.TierCode, m.Status, m.BillingCycle, m.AutoRenew,
		m.StartDate, m.EndDate, m.NextBillingDate, m.PaidAmount,
		m.CancelledAt, m.WillExpireAt, m.ExpiredAt, m.CancellationReason,
		m.Usage.PeriodKey, m.Usage.ServiceRequestsUsed, m.Usage.EmergencyRequestsUsed, m.Usage.ResetDate,
		m.BillingRefKind, m.ProviderCustomerRef, m.ProviderSubscriptionRef,
		m.PendingProviderSync, m.PendingTierCode, m.PendingBillingCycle,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			// The partial unique index on (subscriber_id) WHERE status =
			// 'ACTIVE' enforces the one-active-membership invariant.
			l.WarnContext(ctx, "Subscriber already has an active membership", slog.Any("error", err))
			span.RecordError(err)
			span.SetStatus(codes.Error, "Active membership exists")
			return fmt.Errorf("subscriber already has an active membership: %w", types.ErrConflict)
		}
		l.ErrorContext(ctx, "Failed to insert membership", slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "DB INSERT failed")
		return fmt.Errorf("database error creating membership: %w", err)
	}

	m.Version = 1
	l.InfoContext(ctx, "Membership created", slog.String("membershipID", m.ID.String()))
	span.SetStatus(codes.Ok, "Membership created")
	return nil
}

func (r *RepositoryImpl) GetByID(ctx context.Context, id uuid.UUID) (*types.Membership, error) {
	ctx, span := otel.Tracer("MembershipRepo").Start(ctx, "GetByID", trace.WithAttributes(
		semconv.DBSystemPostgreSQL,
		attribute.String("db.sql.table", "memberships"),
		attribute.String("membership.id", id.String()),
	))
	defer span.End()

	query := fmt.Sprintf(`SELECT %s FROM memberships WHERE id = $1`, membershipColumns)
	m, err := scanMembership(r.pgpool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			span.SetStatus(codes.Error, "Membership not found")
			return nil, fmt.Errorf("membership %s not found: %w", id, types.ErrNotFound)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "DB query failed")
		return nil, fmt.Errorf("database error fetching membership: %w", err)
	}

	span.SetStatus(codes.Ok, "Membership fetched")
	return m, nil
}

func (r *RepositoryImpl) GetActiveBySubscriber(ctx context.Context, subscriberID uuid.UUID) (*types.Membership, error) {
	ctx, span := otel.Tracer("MembershipRepo").Start(ctx, "GetActiveBySubscriber", trace.WithAttributes(
		semconv.DBSystemPostgreSQL,
		attribute.String("db.sql.table", "memberships"),
		attribute.String("membership.subscriber_id", subscriberID.String()),
	))
	defer span.End()

	query := fmt.Sprintf(`SELECT %s FROM memberships WHERE subscriber_id = $1 AND status = $2`, membershipColumns)
	m, err := scanMembership(r.pgpool.QueryRow(ctx, query, subscriberID, types.MembershipStatusActive))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			span.SetStatus(codes.Error, "No active membership")
			return nil, fmt.Errorf("no active membership for subscriber %s: %w", subscriberID, types.ErrNotFound)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "DB query failed")
		return nil, fmt.Errorf("database error fetching active membership: %w", err)
	}

	span.SetStatus(codes.Ok, "Active membership fetched")
	return m, nil
}

func (r *RepositoryImpl) GetCurrentBySubscriber(ctx context.Context, subscriberID uuid.UUID) (*types.Membership, error) {
	ctx, span := otel.Tracer("MembershipRepo").Start(ctx, "GetCurrentBySubscriber", trace.WithAttributes(
		semconv.DBSystemPostgreSQL,
		attribute.String("db.sql.table", "memberships"),
		attribute.String("membership.subscriber_id", subscriberID.String()),
	))
	defer span.End()

	query := fmt.Sprintf(`
        SELECT %s FROM memberships
        WHERE subscriber_id = $1 AND status != $2
        ORDER BY created_at DESC
        LIMIT 1`, membershipColumns)

	m, err := scanMembership(r.pgpool.QueryRow(ctx, query, subscriberID, types.MembershipStatusExpired))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			span.SetStatus(codes.Error, "No current membership")
			return nil, fmt.Errorf("no membership for subscriber %s: %w", subscriberID, types.ErrNotFound)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "DB query failed")
		return nil, fmt.Errorf("database error fetching current membership: %w", err)
	}

	span.SetStatus(codes.Ok, "Current membership fetched")
	return m, nil
}

func (r *RepositoryImpl) GetByProviderSubscriptionRef(ctx context.Context, ref string) (*types.Membership, error) {
	ctx, span := otel.Tracer("MembershipRepo").Start(ctx, "GetByProviderSubscriptionRef", trace.WithAttributes(
		semconv.DBSystemPostgreSQL,
		attribute.String("db.sql.table", "memberships"),
	))
	defer span.End()

	query := fmt.Sprintf(`
        SELECT %s FROM memberships
        WHERE provider_subscription_ref = $1
        ORDER BY created_at DESC
        LIMIT 1`, membershipColumns)

	m, err := scanMembership(r.pgpool.QueryRow(ctx, query, ref))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			span.SetStatus(codes.Error, "No membership for provider ref")
			return nil, fmt.Errorf("no membership for provider ref: %w", types.ErrNotFound)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "DB query failed")
		return nil, fmt.Errorf("database error fetching membership by provider ref: %w", err)
	}

	span.SetStatus(codes.Ok, "Membership fetched")
	return m, nil
}

// versionedUpdate builds the conditional UPDATE for m keyed on the version
// the caller read.
func versionedUpdate(m *types.Membership) sq.UpdateBuilder {
	return psql.Update("memberships").
		Set("tier_code", m.TierCode).
		Set("status", m.Status).
		Set("billing_cycle", m.BillingCycle).
		Set("auto_renew", m.AutoRenew).
		Set("start_date", m.StartDate).
		Set("end_date", m.EndDate).
		Set("next_billing_date", m.NextBillingDate).
		Set("paid_amount", m.PaidAmount).
		Set("cancelled_at", m.CancelledAt).
		Set("will_expire_at", m.WillExpireAt).
		Set("expired_at", m.ExpiredAt).
		Set("cancellation_reason", m.CancellationReason).
		Set("usage_period_key", m.Usage.PeriodKey).
		Set("usage_service_requests", m.Usage.ServiceRequestsUsed).
		Set("usage_emergency_requests", m.Usage.EmergencyRequestsUsed).
		Set("usage_reset_date", m.Usage.ResetDate).
		Set("billing_ref_kind", m.BillingRefKind).
		Set("provider_customer_ref", m.ProviderCustomerRef).
		Set("provider_subscription_ref", m.ProviderSubscriptionRef).
		Set("pending_provider_sync", m.PendingProviderSync).
		Set("pending_tier_code", m.PendingTierCode).
		Set("pending_billing_cycle", m.PendingBillingCycle).
		Set("version", m.Version+1).
		Set("updated_at", sq.Expr("NOW()")).
		Where(sq.Eq{"id": m.ID, "version": m.Version})
}

func (r *RepositoryImpl) UpdateVersioned(ctx context.Context, m *types.Membership) error {
	ctx, span := otel.Tracer("MembershipRepo").Start(ctx, "UpdateVersioned", trace.WithAttributes(
		semconv.DBSystemPostgreSQL,
		attribute.String("db.operation", "UPDATE"),
		attribute.String("db.sql.table", "memberships"),
		attribute.String("membership.id", m.ID.String()),
		attribute.Int64("membership.version", m.Version),
	))
	defer span.End()

	query, args, err := versionedUpdate(m).ToSql()
	if err != nil {
		return fmt.Errorf("failed to build update query: %w", err)
	}

	tag, err := r.pgpool.Exec(ctx, query, args...)
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to update membership", slog.String("membershipID", m.ID.String()), slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "DB UPDATE failed")
		return fmt.Errorf("database error updating membership: %w", err)
	}
	if tag.RowsAffected() == 0 {
		span.SetStatus(codes.Error, "Version conflict")
		return fmt.Errorf("membership %s was modified concurrently: %w", m.ID, types.ErrConflict)
	}

	m.Version++
	span.SetStatus(codes.Ok, "Membership updated")
	return nil
}

func (r *RepositoryImpl) UpdateVersionedRecordingEvent(ctx context.Context, m *types.Membership, eventID string, kind types.PaymentEventKind) (bool, error) {
	ctx, span := otel.Tracer("MembershipRepo").Start(ctx, "UpdateVersionedRecordingEvent", trace.WithAttributes(
		semconv.DBSystemPostgreSQL,
		attribute.String("db.sql.table", "memberships"),
		attribute.String("membership.id", m.ID.String()),
		attribute.String("payment.event_id", eventID),
	))
	defer span.End()

	l := r.logger.With(slog.String("method", "UpdateVersionedRecordingEvent"), slog.String("eventID", eventID))

	tx, err := r.pgpool.Begin(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Begin failed")
		return false, fmt.Errorf("database error starting transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`INSERT INTO processed_payment_events (event_id, kind) VALUES ($1, $2) ON CONFLICT (event_id) DO NOTHING`,
		eventID, kind,
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Event insert failed")
		return false, fmt.Errorf("database error recording payment event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Replayed event: the first delivery already applied it.
		l.InfoContext(ctx, "Duplicate payment event suppressed")
		span.SetStatus(codes.Ok, "Duplicate event")
		return false, nil
	}

	query, args, err := versionedUpdate(m).ToSql()
	if err != nil {
		return false, fmt.Errorf("failed to build update query: %w", err)
	}

	tag, err = tx.Exec(ctx, query, args...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "DB UPDATE failed")
		return false, fmt.Errorf("database error updating membership: %w", err)
	}
	if tag.RowsAffected() == 0 {
		span.SetStatus(codes.Error, "Version conflict")
		return false, fmt.Errorf("membership %s was modified concurrently: %w", m.ID, types.ErrConflict)
	}

	if err := tx.Commit(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Commit failed")
		return false, fmt.Errorf("database error committing reconciliation: %w", err)
	}

	m.Version++
	span.SetStatus(codes.Ok, "Event applied")
	return true, nil
}

func (r *RepositoryImpl) ListExpirable(ctx context.Context, now time.Time, limit int) ([]*types.Membership, error) {
	ctx, span := otel.Tracer("MembershipRepo").Start(ctx, "ListExpirable", trace.WithAttributes(
		semconv.DBSystemPostgreSQL,
		attribute.String("db.sql.table", "memberships"),
		attribute.Int("sweep.limit", limit),
	))
	defer span.End()

	query := fmt.Sprintf(`
        SELECT %s FROM memberships
        WHERE status = $1 AND end_date <= $2
        ORDER BY end_date ASC
        LIMIT $3`, membershipColumns)

	rows, err := r.pgpool.Query(ctx, query, types.MembershipStatusCancelled, now, limit)
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to query expirable memberships", slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "DB query failed")
		return nil, fmt.Errorf("database error listing expirable memberships: %w", err)
	}
	defer rows.Close()

	var out []*types.Membership
	for rows.Next() {
		m, err := scanMembership(rows)
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("database error scanning membership: %w", err)
		}
		out = append(out, m)
	}
	if err = rows.Err(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("database error reading memberships: %w", err)
	}

	span.SetStatus(codes.Ok, "Expirable memberships listed")
	return out, nil
}

func (r *RepositoryImpl) ListPendingProviderSync(ctx context.Context, limit int) ([]*types.Membership, error) {
	ctx, span := otel.Tracer("MembershipRepo").Start(ctx, "ListPendingProviderSync", trace.WithAttributes(
		semconv.DBSystemPostgreSQL,
		attribute.String("db.sql.table", "memberships"),
	))
	defer span.End()

	query := fmt.Sprintf(`
        SELECT %s FROM memberships
        WHERE pending_provider_sync = TRUE
        ORDER BY updated_at ASC
        LIMIT $1`, membershipColumns)

	rows, err := r.pgpool.Query(ctx, query, limit)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "DB query failed")
		return nil, fmt.Errorf("database error listing pending provider syncs: %w", err)
	}
	defer rows.Close()

	var out []*types.Membership
	for rows.Next() {
		m, err := scanMembership(rows)
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("database error scanning membership: %w", err)
		}
		out = append(out, m)
	}
	if err = rows.Err(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("database error reading memberships: %w", err)
	}

	span.SetStatus(codes.Ok, "Pending provider syncs listed")
	return out, nil
}
