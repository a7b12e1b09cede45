package speechquota_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sq "github.com/ineyio/speechquota"
	"github.com/ineyio/speechquota/quota"
)

type fakeCleaner struct {
	mu     sync.Mutex
	cutoff time.Time
	n      int64
	err    error
}

func (c *fakeCleaner) CleanupCommits(_ context.Context, before time.Time) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cutoff = before
	return c.n, c.err
}

func TestPurger_ReapOnce(t *testing.T) {
	store := quota.NewMemoryStore()
	ctx := context.Background()
	addKey(t, store, "k1", "primary", 110, testNow)
	_, err := store.ReserveKey(ctx, "k1", 100, testNow)
	require.NoError(t, err)
	_, err = store.ReserveKey(ctx, "k1", 10, testNow.Add(9*time.Minute))
	require.NoError(t, err)
	assert.ErrorIs(t, store.RecordKeyUsage(ctx, "k1", 1, testNow), sq.ErrQuotaExceeded)

	later := func() time.Time { return testNow.Add(10 * time.Minute) }
	p := sq.NewPurger(store, 0, 0, later, sq.WithReservationReaper(store, 5*time.Minute))
	n, err := p.ReapOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, int64(10), keyOf(t, store, "k1").ReservedQuota)
	require.NoError(t, store.RecordKeyUsage(ctx, "k1", 1, testNow))
}

func TestPurger_ReapWithoutReaperIsNoop(t *testing.T) {
	p := sq.NewPurger(quota.NewMemoryStore(), 0, 0, clock)
	n, err := p.ReapOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	// A zero lease disables reaping.
	p = sq.NewPurger(quota.NewMemoryStore(), 0, 0, clock, sq.WithReservationReaper(quota.NewMemoryStore(), 0))
	n, err = p.ReapOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPurger_ReapInterval(t *testing.T) {
	store := quota.NewMemoryStore()
	assert.Equal(t, 5*time.Minute, sq.NewPurger(store, 0, 0, clock, sq.WithReservationReaper(store, 10*time.Minute)).ReapInterval())
	assert.Equal(t, time.Second, sq.NewPurger(store, 0, 0, clock, sq.WithReservationReaper(store, time.Second)).ReapInterval())
}

func TestPurger_PurgeOnceCleansCommits(t *testing.T) {
	cleaner := &fakeCleaner{n: 4}
	p := sq.NewPurger(quota.NewMemoryStore(), 0, 0, clock, sq.WithCommitCleaner(cleaner, 24*time.Hour))

	n, err := p.PurgeOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
	assert.Equal(t, testNow.Add(-24*time.Hour), cleaner.cutoff)
}

func TestPurger_PurgeOnceReportsCleanupFailure(t *testing.T) {
	cleaner := &fakeCleaner{err: errors.New("relation does not exist")}
	p := sq.NewPurger(quota.NewMemoryStore(), 0, 0, clock, sq.WithCommitCleaner(cleaner, time.Hour))

	_, err := p.PurgeOnce(context.Background())
	assert.ErrorContains(t, err, "cleanup commits")
}

func TestPurger_RunReaps(t *testing.T) {
	store := quota.NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	addKey(t, store, "k1", "primary", 100, testNow)
	_, err := store.ReserveKey(ctx, "k1", 60, testNow)
	require.NoError(t, err)

	later := func() time.Time { return testNow.Add(time.Hour) }
	p := sq.NewPurger(store, 0, 0, later, sq.WithReservationReaper(store, time.Minute))
	go p.Run(ctx, time.Hour)

	require.Eventually(t, func() bool {
		return keyOf(t, store, "k1").ReservedQuota == 0
	}, 5*time.Second, 10*time.Millisecond)
}
