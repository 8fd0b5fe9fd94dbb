package membership

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/serviplace/membership-engine/internal/types"
)

// memRepo is an in-memory Repository with the same optimistic-versioning
// semantics as the Postgres implementation, used to exercise the service
// layer's read-check-mutate retry cycles, including genuinely concurrent
// callers.
type memRepo struct {
	mu        sync.Mutex
	records   map[uuid.UUID]*types.Membership
	processed map[string]bool
}

var _ Repository = (*memRepo)(nil)

func newMemRepo() *memRepo {
	return &memRepo{
		records:   make(map[uuid.UUID]*types.Membership),
		processed: make(map[string]bool),
	}
}

func cloneMembership(m *types.Membership) *types.Membership {
	c := *m
	c.NextBillingDate = clonePtr(m.NextBillingDate)
	c.CancelledAt = clonePtr(m.CancelledAt)
	c.WillExpireAt = clonePtr(m.WillExpireAt)
	c.ExpiredAt = clonePtr(m.ExpiredAt)
	c.CancellationReason = clonePtr(m.CancellationReason)
	c.ProviderCustomerRef = clonePtr(m.ProviderCustomerRef)
	c.ProviderSubscriptionRef = clonePtr(m.ProviderSubscriptionRef)
	c.PendingTierCode = clonePtr(m.PendingTierCode)
	c.PendingBillingCycle = clonePtr(m.PendingBillingCycle)
	return &c
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func (r *memRepo) Create(_ context.Context, m *types.Membership) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.records {
		if existing.SubscriberID == m.SubscriberID && existing.Status == types.MembershipStatusActive &&
			m.Status == types.MembershipStatusActive {
			return fmt.Errorf("subscriber already has an active membership: %w", types.ErrConflict)
		}
	}
	m.Version = 1
	m.CreatedAt = time.Now()
	r.records[m.ID] = cloneMembership(m)
	return nil
}

func (r *memRepo) GetByID(_ context.Context, id uuid.UUID) (*types.Membership, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.records[id]
	if !ok {
		return nil, fmt.Errorf("membership %s not found: %w", id, types.ErrNotFound)
	}
	return cloneMembership(m), nil
}

func (r *memRepo) GetActiveBySubscriber(_ context.Context, subscriberID uuid.UUID) (*types.Membership, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.records {
		if m.SubscriberID == subscriberID && m.Status == types.MembershipStatusActive {
			return cloneMembership(m), nil
		}
	}
	return nil, fmt.Errorf("no active membership: %w", types.ErrNotFound)
}

func (r *memRepo) GetCurrentBySubscriber(_ context.Context, subscriberID uuid.UUID) (*types.Membership, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var latest *types.Membership
	for _, m := range r.records {
		if m.SubscriberID != subscriberID || m.Status == types.MembershipStatusExpired {
			continue
		}
		if latest == nil || m.CreatedAt.After(latest.CreatedAt) {
			latest = m
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("no membership: %w", types.ErrNotFound)
	}
	return cloneMembership(latest), nil
}

func (r *memRepo) GetByProviderSubscriptionRef(_ context.Context, ref string) (*types.Membership, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.records {
		if m.ProviderSubscriptionRef != nil && *m.ProviderSubscriptionRef == ref {
			return cloneMembership(m), nil
		}
	}
	return nil, fmt.Errorf("no membership for provider ref: %w", types.ErrNotFound)
}

func (r *memRepo) UpdateVersioned(_ context.Context, m *types.Membership) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.updateLocked(m)
}

func (r *memRepo) updateLocked(m *types.Membership) error {
	cur, ok := r.records[m.ID]
	if !ok {
		return fmt.Errorf("membership %s not found: %w", m.ID, types.ErrNotFound)
	}
	if cur.Version != m.Version {
		return fmt.Errorf("membership %s was modified concurrently: %w", m.ID, types.ErrConflict)
	}
	m.Version++
	m.UpdatedAt = time.Now()
	r.records[m.ID] = cloneMembership(m)
	return nil
}

func (r *memRepo) UpdateVersionedRecordingEvent(_ context.Context, m *types.Membership, eventID string, _ types.PaymentEventKind) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.processed[eventID] {
		return false, nil
	}
	if err := r.updateLocked(m); err != nil {
		return false, err
	}
	r.processed[eventID] = true
	return true, nil
}

func (r *memRepo) ListExpirable(_ context.Context, now time.Time, limit int) ([]*types.Membership, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*types.Membership
	for _, m := range r.records {
		if m.Status == types.MembershipStatusCancelled && !m.EndDate.After(now) {
			out = append(out, cloneMembership(m))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EndDate.Before(out[j].EndDate) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memRepo) ListPendingProviderSync(_ context.Context, limit int) ([]*types.Membership, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*types.Membership
	for _, m := range r.records {
		if m.PendingProviderSync {
			out = append(out, cloneMembership(m))
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// seed stores a record directly, bypassing Create's guards.
func (r *memRepo) seed(m *types.Membership) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m.Version == 0 {
		m.Version = 1
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	r.records[m.ID] = cloneMembership(m)
}

// get returns the stored record without cloning-side effects on version.
func (r *memRepo) get(id uuid.UUID) *types.Membership {
	r.mu.Lock()
	defer r.mu.Unlock()
	return cloneMembership(r.records[id])
}
