package tiers

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/patrickmn/go-cache"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/serviplace/membership-engine/internal/types"
)

var _ Service = (*ServiceImpl)(nil)

// Service is the read-mostly tier catalog consulted by the lifecycle manager
// and the quota tracker.
type Service interface {
	GetByCode(ctx context.Context, code string) (*types.TierDefinition, error)
	List(ctx context.Context, includeInactive bool) ([]*types.TierDefinition, error)
	Upsert(ctx context.Context, tier *types.TierDefinition) error
}

type ServiceImpl struct {
	logger *slog.Logger
	repo   Repository
	cache  *cache.Cache
}

func NewService(repo Repository, logger *slog.Logger) *ServiceImpl {
	return &ServiceImpl{
		logger: logger,
		repo:   repo,
		cache:  cache.New(5*time.Minute, 10*time.Minute),
	}
}

const listCacheKey = "tiers:list:active"

func tierCacheKey(code string) string { return "tiers:code:" + code }

func (s *ServiceImpl) GetByCode(ctx context.Context, code string) (*types.TierDefinition, error) {
	ctx, span := otel.Tracer("TierService").Start(ctx, "GetByCode", trace.WithAttributes(
		attribute.String("tier.code", code),
	))
	defer span.End()

	if code == "" {
		span.SetStatus(codes.Error, "Empty tier code")
		return nil, fmt.Errorf("tier code is required: %w", types.ErrBadRequest)
	}

	if cached, ok := s.cache.Get(tierCacheKey(code)); ok {
		span.SetAttributes(attribute.Bool("cache.hit", true))
		span.SetStatus(codes.Ok, "Tier fetched from cache")
		return cached.(*types.TierDefinition), nil
	}

	tier, err := s.repo.GetByCode(ctx, code)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to fetch tier", slog.String("code", code), slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to fetch tier")
		return nil, fmt.Errorf("error fetching tier: %w", err)
	}

	s.cache.Set(tierCacheKey(code), tier, cache.DefaultExpiration)
	span.SetStatus(codes.Ok, "Tier fetched")
	return tier, nil
}

func (s *ServiceImpl) List(ctx context.Context, includeInactive bool) ([]*types.TierDefinition, error) {
	ctx, span := otel.Tracer("TierService").Start(ctx, "List")
	defer span.End()

	if !includeInactive {
		if cached, ok := s.cache.Get(listCacheKey); ok {
			span.SetAttributes(attribute.Bool("cache.hit", true))
			span.SetStatus(codes.Ok, "Tiers fetched from cache")
			return cached.([]*types.TierDefinition), nil
		}
	}

	tiers, err := s.repo.List(ctx, includeInactive)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to list tiers", slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to list tiers")
		return nil, fmt.Errorf("error listing tiers: %w", err)
	}

	if !includeInactive {
		s.cache.Set(listCacheKey, tiers, cache.DefaultExpiration)
	}
	span.SetStatus(codes.Ok, "Tiers fetched")
	return tiers, nil
}

// Upsert applies an admin edit and invalidates cached reads.
func (s *ServiceImpl) Upsert(ctx context.Context, tier *types.TierDefinition) error {
	ctx, span := otel.Tracer("TierService").Start(ctx, "Upsert", trace.WithAttributes(
		attribute.String("tier.code", tier.Code),
	))
	defer span.End()

	l := s.logger.With(slog.String("method", "Upsert"), slog.String("code", tier.Code))

	if err := s.repo.Upsert(ctx, tier); err != nil {
		l.ErrorContext(ctx, "Failed to upsert tier", slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to upsert tier")
		return fmt.Errorf("error upserting tier: %w", err)
	}

	s.cache.Delete(tierCacheKey(tier.Code))
	s.cache.Delete(listCacheKey)

	l.InfoContext(ctx, "Tier upserted successfully")
	span.SetStatus(codes.Ok, "Tier upserted")
	return nil
}
