package tiers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/serviplace/membership-engine/internal/types"
)

var _ Repository = (*RepositoryImpl)(nil)

// Repository defines the contract for tier catalog persistence.
type Repository interface {
	GetByCode(ctx context.Context, code string) (*types.TierDefinition, error)
	List(ctx context.Context, includeInactive bool) ([]*types.TierDefinition, error)
	Upsert(ctx context.Context, tier *types.TierDefinition) error
}

type RepositoryImpl struct {
	logger *slog.Logger
	pgpool *pgxpool.Pool
}

func NewRepositoryImpl(pgpool *pgxpool.Pool, logger *slog.Logger) *RepositoryImpl {
	return &RepositoryImpl{
		logger: logger,
		pgpool: pgpool,
	}
}

const tierColumns = `code, display_name, monthly_price, yearly_price, quotas,
       response_time_hours, discount_percent, featured, priority_support, active,
       created_at, updated_at`

func scanTier(row pgx.Row) (*types.TierDefinition, error) {
	var t types.TierDefinition
	var quotasJSON []byte
	err := row.Scan(
		&t.Code,
		&t.DisplayName,
		&t.MonthlyPrice,
		&t.YearlyPrice,
		&quotasJSON,
		&t.ResponseTimeHours,
		&t.DiscountPercent,
		&t.Featured,
		&t.PrioritySupport,
		&t.Active,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(quotasJSON) > 0 {
		if err := json.Unmarshal(quotasJSON, &t.Quotas); err != nil {
			return nil, fmt.Errorf("failed to decode tier quotas: %w", err)
		}
	}
	if t.Quotas == nil {
		t.Quotas = map[types.QuotaKind]int{}
	}
	return &t, nil
}

func (r *RepositoryImpl) GetByCode(ctx context.Context, code string) (*types.TierDefinition, error) {
	ctx, span := otel.Tracer("TierRepo").Start(ctx, "GetByCode", trace.WithAttributes(
		semconv.DBSystemPostgreSQL,
		attribute.String("db.sql.table", "tiers"),
		attribute.String("tier.code", code),
	))
	defer span.End()

	query := fmt.Sprintf(`SELECT %s FROM tiers WHERE code = $1`, tierColumns)

	tier, err := scanTier(r.pgpool.QueryRow(ctx, query, code))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			span.SetStatus(codes.Error, "Tier not found")
			return nil, fmt.Errorf("tier %q not found: %w", code, types.ErrNotFound)
		}
		r.logger.ErrorContext(ctx, "Failed to fetch tier", slog.String("code", code), slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "DB query failed")
		return nil, fmt.Errorf("database error fetching tier: %w", err)
	}

	span.SetStatus(codes.Ok, "Tier fetched")
	return tier, nil
}

func (r *RepositoryImpl) List(ctx context.Context, includeInactive bool) ([]*types.TierDefinition, error) {
	ctx, span := otel.Tracer("TierRepo").Start(ctx, "List", trace.WithAttributes(
		semconv.DBSystemPostgreSQL,
		attribute.String("db.sql.table", "tiers"),
		attribute.Bool("tiers.include_inactive", includeInactive),
	))
	defer span.End()

	l := r.logger.With(slog.String("method", "List"))

	query := fmt.Sprintf(`SELECT %s FROM tiers`, tierColumns)
	if !includeInactive {
		query += ` WHERE active = TRUE`
	}
	query += ` ORDER BY monthly_price ASC`

	rows, err := r.pgpool.Query(ctx, query)
	if err != nil {
		l.ErrorContext(ctx, "Failed to query tiers", slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "DB query failed")
		return nil, fmt.Errorf("database error fetching tiers: %w", err)
	}
	defer rows.Close()

	var tiers []*types.TierDefinition
	for rows.Next() {
		t, err := scanTier(rows)
		if err != nil {
			l.ErrorContext(ctx, "Failed to scan tier row", slog.Any("error", err))
			span.RecordError(err)
			return nil, fmt.Errorf("database error scanning tier: %w", err)
		}
		tiers = append(tiers, t)
	}
	if err = rows.Err(); err != nil {
		l.ErrorContext(ctx, "Error iterating tier rows", slog.Any("error", err))
		span.RecordError(err)
		return nil, fmt.Errorf("database error reading tiers: %w", err)
	}

	span.SetStatus(codes.Ok, "Tiers fetched")
	return tiers, nil
}

// Upsert inserts or replaces a tier definition. Edits never retroactively
// alter already-computed membership periods: memberships carry paid_amount.
func (r *RepositoryImpl) Upsert(ctx context.Context, tier *types.TierDefinition) error {
	ctx, span := otel.Tracer("TierRepo").Start(ctx, "Upsert", trace.WithAttributes(
		semconv.DBSystemPostgreSQL,
		attribute.String("db.operation", "INSERT"),
		attribute.String("db.sql.table", "tiers"),
		attribute.String("tier.code", tier.Code),
	))
	defer span.End()

	l := r.logger.With(slog.String("method", "Upsert"), slog.String("code", tier.Code))

	if tier.Code == "" {
		span.SetStatus(codes.Error, "Tier code cannot be empty")
		return fmt.Errorf("tier code cannot be empty: %w", types.ErrBadRequest)
	}

	quotasJSON, err := json.Marshal(tier.Quotas)
	if err != nil {
		return fmt.Errorf("failed to encode tier quotas: %w", err)
	}

	query := `
        INSERT INTO tiers (code, display_name, monthly_price, yearly_price, quotas,
                           response_time_hours, discount_percent, featured, priority_support, active,
                           created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW(), NOW())
        ON CONFLICT (code) DO UPDATE SET
            display_name = EXCLUDED.display_name,
            monthly_price = EXCLUDED.monthly_price,
            yearly_price = EXCLUDED.yearly_price,
            quotas = EXCLUDED.quotas,
            response_time_hours = EXCLUDED.response_time_hours,
            discount_percent = EXCLUDED.discount_percent,
            featured = EXCLUDED.featured,
            priority_support = EXCLUDED.priority_support,
            active = EXCLUDED.active,
            updated_at = NOW()`

	_, err = r.pgpool.Exec(ctx, query,
		tier.Code, tier.DisplayName, tier.MonthlyPrice, tier.YearlyPrice, quotasJSON,
		tier.ResponseTimeHours, tier.DiscountPercent, tier.Featured, tier.PrioritySupport, tier.Active,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23514" {
			span.RecordError(err)
			span.SetStatus(codes.Error, "Constraint violation")
			return fmt.Errorf("invalid tier definition: %w", types.ErrBadRequest)
		}
		l.ErrorContext(ctx, "Failed to upsert tier", slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "DB INSERT failed")
		return fmt.Errorf("database error upserting tier: %w", err)
	}

	l.InfoContext(ctx, "Tier upserted successfully")
	span.SetStatus(codes.Ok, "Tier upserted")
	return nil
}
