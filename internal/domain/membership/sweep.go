package membership

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/serviplace/membership-engine/internal/types"
	"github.com/serviplace/membership-engine/pkg/observability"
)

// Sweeper drives CANCELLED -> EXPIRED once the access window closes. Each
// record commits independently through the versioned update, so overlapping
// runs and re-runs after a partial failure are safe: a record is expired by
// whichever run wins, and a failed record is simply picked up next time.
type Sweeper struct {
	logger      *slog.Logger
	repo        Repository
	batchSize   int
	concurrency int

	now func() time.Time
}

func NewSweeper(repo Repository, batchSize, concurrency int, logger *slog.Logger) *Sweeper {
	if batchSize <= 0 {
		batchSize = 500
	}
	if concurrency <= 0 {
		concurrency = 8
	}
	return &Sweeper{
		logger:      logger,
		repo:        repo,
		batchSize:   batchSize,
		concurrency: concurrency,
		now:         time.Now,
	}
}

// Run performs one sweep pass and reports per-record counts. A single
// record's failure is logged and counted, never aborts the batch.
func (s *Sweeper) Run(ctx context.Context) (*types.SweepSummary, error) {
	ctx, span := otel.Tracer("ExpirationSweep").Start(ctx, "Run")
	defer span.End()

	l := s.logger.With(slog.String("method", "Run"))
	now := s.now()

	due, err := s.repo.ListExpirable(ctx, now, s.batchSize)
	if err != nil {
		l.ErrorContext(ctx, "Failed to list expirable memberships", slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "List failed")
		return nil, err
	}

	var expired, failed atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, m := range due {
		id := m.ID
		g.Go(func() error {
			ok, err := s.expireOne(gctx, id, now)
			switch {
			case err != nil:
				failed.Add(1)
				l.WarnContext(gctx, "Failed to expire membership, will retry next run",
					slog.String("membershipID", id.String()), slog.Any("error", err))
			case ok:
				expired.Add(1)
			}
			// Per-record failures never abort the batch.
			return nil
		})
	}
	_ = g.Wait()

	summary := &types.SweepSummary{
		Checked: len(due),
		Expired: int(expired.Load()),
		Failed:  int(failed.Load()),
	}
	observability.RecordSweep(summary.Expired, summary.Failed)

	l.InfoContext(ctx, "Expiration sweep completed",
		slog.Int("checked", summary.Checked),
		slog.Int("expired", summary.Expired),
		slog.Int("failed", summary.Failed),
	)
	span.SetAttributes(
		attribute.Int("sweep.checked", summary.Checked),
		attribute.Int("sweep.expired", summary.Expired),
		attribute.Int("sweep.failed", summary.Failed),
	)
	span.SetStatus(codes.Ok, "Sweep completed")
	return summary, nil
}

// expireOne re-reads and conditionally expires a single record. Returns
// false with no error when another writer (a concurrent sweep, a
// reactivation) got there first.
func (s *Sweeper) expireOne(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	var lastErr error
	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		m, err := s.repo.GetByID(ctx, id)
		if err != nil {
			return false, err
		}
		if m.Status != types.MembershipStatusCancelled || m.EndDate.After(now) {
			// Already expired, or pulled back into grace; nothing to do.
			return false, nil
		}

		m.Status = types.MembershipStatusExpired
		m.AutoRenew = false
		m.NextBillingDate = nil
		if m.ExpiredAt == nil {
			t := now
			m.ExpiredAt = &t
		}

		if err := s.repo.UpdateVersioned(ctx, m); err != nil {
			if errors.Is(err, types.ErrConflict) {
				lastErr = err
				continue
			}
			return false, err
		}
		observability.RecordTransition(string(types.MembershipStatusExpired))
		return true, nil
	}
	return false, lastErr
}
