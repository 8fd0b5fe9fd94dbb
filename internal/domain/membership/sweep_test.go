package membership

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/serviplace/membership-engine/internal/types"
)

func newTestSweeper(repo Repository) *Sweeper {
	s := NewSweeper(repo, 100, 4, slog.Default())
	s.now = func() time.Time { return testNow }
	return s
}

// seedCancelled stores a CANCELLED record whose grace window closed daysAgo.
func seedCancelled(repo *memRepo, daysAgo int) *types.Membership {
	return seedActive(repo, uuid.New(), func(m *types.Membership) {
		m.Status = types.MembershipStatusCancelled
		cancelled := testNow.AddDate(0, -1, 0)
		m.CancelledAt = &cancelled
		m.EndDate = testNow.AddDate(0, 0, -daysAgo)
		m.AutoRenew = false
	})
}

func TestSweepExpiresDueMemberships(t *testing.T) {
	repo := newMemRepo()
	due1 := seedCancelled(repo, 1)
	due2 := seedCancelled(repo, 7)
	inGrace := seedActive(repo, uuid.New(), func(m *types.Membership) {
		m.Status = types.MembershipStatusCancelled
		end := m.EndDate
		m.WillExpireAt = &end
	})
	active := seedActive(repo, uuid.New(), nil)

	sweeper := newTestSweeper(repo)
	summary, err := sweeper.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Checked)
	assert.Equal(t, 2, summary.Expired)
	assert.Equal(t, 0, summary.Failed)

	for _, id := range []uuid.UUID{due1.ID, due2.ID} {
		stored := repo.get(id)
		assert.Equal(t, types.MembershipStatusExpired, stored.Status)
		require.NotNil(t, stored.ExpiredAt)
		assert.Equal(t, testNow, *stored.ExpiredAt)
		assert.False(t, stored.AutoRenew)
	}

	// Records still in grace or active are untouched.
	assert.Equal(t, types.MembershipStatusCancelled, repo.get(inGrace.ID).Status)
	assert.Equal(t, types.MembershipStatusActive, repo.get(active.ID).Status)
}

func TestSweepRerunIsIdempotent(t *testing.T) {
	repo := newMemRepo()
	due := seedCancelled(repo, 3)
	sweeper := newTestSweeper(repo)

	first, err := sweeper.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, first.Expired)
	afterFirst := repo.get(due.ID)

	second, err := sweeper.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, second.Checked)
	assert.Equal(t, 0, second.Expired)

	// The original expiry timestamp and version survive the re-run.
	afterSecond := repo.get(due.ID)
	assert.Equal(t, afterFirst.Version, afterSecond.Version)
	assert.Equal(t, *afterFirst.ExpiredAt, *afterSecond.ExpiredAt)
}

// flakyRepo fails versioned updates for one record so per-record isolation
// can be observed.
type flakyRepo struct {
	*memRepo
	failID uuid.UUID
}

func (r *flakyRepo) UpdateVersioned(ctx context.Context, m *types.Membership) error {
	if m.ID == r.failID {
		return fmt.Errorf("connection reset")
	}
	return r.memRepo.UpdateVersioned(ctx, m)
}

func TestSweepIsolatesPerRecordFailures(t *testing.T) {
	mem := newMemRepo()
	healthy := seedCancelled(mem, 1)
	broken := seedCancelled(mem, 2)
	repo := &flakyRepo{memRepo: mem, failID: broken.ID}

	sweeper := newTestSweeper(repo)
	summary, err := sweeper.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Checked)
	assert.Equal(t, 1, summary.Expired)
	assert.Equal(t, 1, summary.Failed)

	assert.Equal(t, types.MembershipStatusExpired, mem.get(healthy.ID).Status)
	// The failed record stays CANCELLED and is due again next run.
	assert.Equal(t, types.MembershipStatusCancelled, mem.get(broken.ID).Status)
}

func TestSweepSkipsRecordsChangedSinceListing(t *testing.T) {
	repo := newMemRepo()
	due := seedCancelled(repo, 1)

	// Simulate a reactivation that landed between the list and the expire.
	m := repo.get(due.ID)
	m.Status = types.MembershipStatusActive
	m.EndDate = testNow.AddDate(0, 0, 20)
	require.NoError(t, repo.UpdateVersioned(context.Background(), m))

	sweeper := newTestSweeper(repo)

	ok, err := sweeper.expireOne(context.Background(), due.ID, testNow)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, types.MembershipStatusActive, repo.get(due.ID).Status)
}
