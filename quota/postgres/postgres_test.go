//go:build integration

package postgres_test

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sq "github.com/ineyio/speechquota"
	quotapg "github.com/ineyio/speechquota/quota/postgres"
)

var t0 = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

func newTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		dsn = "postgres://localhost:5432/speechquota_test?sslmode=disable"
	}
	pool, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		t.Fatalf("pgxpool: %v", err)
	}
	if err := pool.Ping(context.Background()); err != nil {
		t.Fatalf("postgres not available: %v", err)
	}
	t.Cleanup(func() { pool.Close() })
	return pool
}

func newTestStore(t *testing.T, pool *pgxpool.Pool) *quotapg.Store {
	t.Helper()
	// Use a unique prefix per test to avoid collisions.
	prefix := fmt.Sprintf("test_%s_", strings.ToLower(t.Name()))
	s := quotapg.New(pool, quotapg.WithTablePrefix(prefix))

	ctx := context.Background()
	require.NoError(t, s.EnsureSchema(ctx))
	t.Cleanup(func() {
		pool.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %[1]sapi_keys, %[1]susage_daily, %[1]susage_monthly, %[1]smemberships, %[1]scommits", prefix))
	})
	return s
}

func createKey(t *testing.T, s *quotapg.Store, id string, total, used int64) {
	t.Helper()
	_, err := s.CreateKey(context.Background(), sq.KeyRecord{
		ID: id, Name: id, Secret: "secret-" + id, Region: "eastus",
		TotalQuota: total, UsedQuota: used, Active: true, CreatedAt: t0, UpdatedAt: t0,
	})
	require.NoError(t, err)
}

func TestRecordKeyUsage_RejectsOverflow(t *testing.T) {
	store := newTestStore(t, newTestPool(t))
	ctx := context.Background()
	createKey(t, store, "k1", 2_000_000, 1_999_990)

	assert.ErrorIs(t, store.RecordKeyUsage(ctx, "k1", 20, t0), sq.ErrQuotaExceeded)
	k, err := store.GetKey(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, int64(1_999_990), k.UsedQuota)
}

func TestDuplicateKeyID(t *testing.T) {
	store := newTestStore(t, newTestPool(t))
	createKey(t, store, "k1", 10, 0)

	_, err := store.CreateKey(context.Background(), sq.KeyRecord{ID: "k1", TotalQuota: 10, CreatedAt: t0, UpdatedAt: t0})
	assert.ErrorIs(t, err, sq.ErrInvalidRequest)
}

func TestReserveAndCommit(t *testing.T) {
	store := newTestStore(t, newTestPool(t))
	ctx := context.Background()
	createKey(t, store, "k1", 1000, 0)
	p := sq.PeriodAt(t0, time.UTC)

	res, err := store.ReserveKey(ctx, "k1", 100, t0)
	require.NoError(t, err)
	require.NoError(t, store.Commit(ctx, res, sq.Charge{UserID: "u1", Characters: 80, Period: p, At: t0}))

	k, err := store.GetKey(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, int64(80), k.UsedQuota)
	assert.Equal(t, int64(0), k.ReservedQuota)

	u, err := store.GetUserUsage(ctx, "u1", p)
	require.NoError(t, err)
	assert.Equal(t, int64(1), u.Daily.Requests)
	assert.Equal(t, int64(80), u.Monthly.Characters)
}

func TestCommit_Idempotent(t *testing.T) {
	store := newTestStore(t, newTestPool(t))
	ctx := context.Background()
	createKey(t, store, "k1", 1000, 0)
	p := sq.PeriodAt(t0, time.UTC)

	res, err := store.ReserveKey(ctx, "k1", 50, t0)
	require.NoError(t, err)
	charge := sq.Charge{UserID: "u1", Characters: 50, Period: p, At: t0}
	require.NoError(t, store.Commit(ctx, res, charge))
	require.NoError(t, store.Commit(ctx, res, charge))

	k, _ := store.GetKey(ctx, "k1")
	assert.Equal(t, int64(50), k.UsedQuota)
	u, _ := store.GetUserUsage(ctx, "u1", p)
	assert.Equal(t, int64(1), u.Daily.Requests)

	n, err := store.CleanupCommits(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = store.CleanupCommits(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestReserveExceededAndInactive(t *testing.T) {
	store := newTestStore(t, newTestPool(t))
	ctx := context.Background()
	createKey(t, store, "k1", 100, 0)

	_, err := store.ReserveKey(ctx, "k1", 101, t0)
	assert.ErrorIs(t, err, sq.ErrQuotaExceeded)

	off := false
	_, err = store.UpdateKey(ctx, "k1", sq.KeyUpdate{Active: &off}, t0)
	require.NoError(t, err)
	_, err = store.ReserveKey(ctx, "k1", 1, t0)
	assert.ErrorIs(t, err, sq.ErrKeyInactive)

	_, err = store.ReserveKey(ctx, "missing", 1, t0)
	assert.ErrorIs(t, err, sq.ErrKeyNotFound)
}

func TestRelease(t *testing.T) {
	store := newTestStore(t, newTestPool(t))
	ctx := context.Background()
	createKey(t, store, "k1", 100, 0)

	res, err := store.ReserveKey(ctx, "k1", 60, t0)
	require.NoError(t, err)
	require.NoError(t, store.ReleaseKey(ctx, res))

	k, _ := store.GetKey(ctx, "k1")
	assert.Equal(t, int64(100), k.Remaining())
}

func TestConcurrentReserve(t *testing.T) {
	store := newTestStore(t, newTestPool(t))
	ctx := context.Background()
	createKey(t, store, "k1", 100, 0)

	var (
		wg      sync.WaitGroup
		success atomic.Int32
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.ReserveKey(ctx, "k1", 10, t0); err == nil {
				success.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(10), success.Load())
}

func TestConcurrentUserUsage(t *testing.T) {
	store := newTestStore(t, newTestPool(t))
	ctx := context.Background()
	p := sq.PeriodAt(t0, time.UTC)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, store.RecordUserUsage(ctx, "u1", 3, p, t0))
		}()
	}
	wg.Wait()

	u, err := store.GetUserUsage(ctx, "u1", p)
	require.NoError(t, err)
	assert.Equal(t, int64(50), u.Daily.Requests)
	assert.Equal(t, int64(150), u.Monthly.Characters)
}

func TestMembershipAndPurge(t *testing.T) {
	store := newTestStore(t, newTestPool(t))
	ctx := context.Background()

	exp := t0.AddDate(0, 1, 0)
	require.NoError(t, store.SetMembership(ctx, "u1", sq.MembershipState{Tier: sq.TierPro, ExpiresAt: &exp}))
	m, err := store.GetMembership(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, sq.TierPro, m.Tier)
	require.NotNil(t, m.ExpiresAt)
	assert.True(t, m.ExpiresAt.Equal(exp))

	old := time.Date(2024, 12, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.RecordUserUsage(ctx, "u1", 1, sq.PeriodAt(old, time.UTC), old))
	n, err := store.PurgeUsage(ctx, "2025-01-01", "2025-01")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestExpireReservations(t *testing.T) {
	store := newTestStore(t, newTestPool(t))
	ctx := context.Background()
	createKey(t, store, "k1", 100, 0)
	createKey(t, store, "k2", 100, 0)

	_, err := store.ReserveKey(ctx, "k1", 100, t0)
	require.NoError(t, err)
	_, err = store.ReserveKey(ctx, "k2", 40, t0)
	require.NoError(t, err)
	_, err = store.ReserveKey(ctx, "k2", 25, t0.Add(10*time.Minute))
	require.NoError(t, err)
	assert.ErrorIs(t, store.RecordKeyUsage(ctx, "k1", 1, t0), sq.ErrQuotaExceeded)

	n, err := store.ExpireReservations(ctx, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	require.NoError(t, store.RecordKeyUsage(ctx, "k1", 1, t0))
	k2, _ := store.GetKey(ctx, "k2")
	assert.Equal(t, int64(25), k2.ReservedQuota)
}

func TestReleaseAfterCommit_IsNoop(t *testing.T) {
	store := newTestStore(t, newTestPool(t))
	ctx := context.Background()
	createKey(t, store, "k1", 100, 0)
	p := sq.PeriodAt(t0, time.UTC)

	_, err := store.ReserveKey(ctx, "k1", 30, t0)
	require.NoError(t, err)
	mine, err := store.ReserveKey(ctx, "k1", 10, t0)
	require.NoError(t, err)

	require.NoError(t, store.Commit(ctx, mine, sq.Charge{UserID: "u1", Characters: 10, Period: p, At: t0}))
	require.NoError(t, store.ReleaseKey(ctx, mine))

	k, _ := store.GetKey(ctx, "k1")
	assert.Equal(t, int64(10), k.UsedQuota)
	assert.Equal(t, int64(30), k.ReservedQuota)
}

func TestResetKeyQuota_ForgetsReservations(t *testing.T) {
	store := newTestStore(t, newTestPool(t))
	ctx := context.Background()
	createKey(t, store, "k1", 100, 0)

	stale, err := store.ReserveKey(ctx, "k1", 50, t0)
	require.NoError(t, err)
	require.NoError(t, store.ResetKeyQuota(ctx, "k1", t0))
	assert.ErrorIs(t, store.ResetKeyQuota(ctx, "missing", t0), sq.ErrKeyNotFound)

	_, err = store.ReserveKey(ctx, "k1", 20, t0)
	require.NoError(t, err)
	require.NoError(t, store.ReleaseKey(ctx, stale))

	k, _ := store.GetKey(ctx, "k1")
	assert.Equal(t, int64(20), k.ReservedQuota)
}
