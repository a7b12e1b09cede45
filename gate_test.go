package speechquota_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sq "github.com/ineyio/speechquota"
	"github.com/ineyio/speechquota/quota"
)

func newGate(store *quota.MemoryStore, loc *time.Location) *sq.Gate {
	return sq.NewGate(sq.NewMemberships(store, nil, clock), store, clock, loc)
}

func setMembership(t *testing.T, store sq.MembershipStore, userID string, tier sq.Tier, expiry *time.Time) {
	t.Helper()
	require.NoError(t, store.SetMembership(context.Background(), userID, sq.MembershipState{Tier: tier, ExpiresAt: expiry}))
}

func recordRequests(t *testing.T, store sq.Ledger, userID string, n int, chars int64) {
	t.Helper()
	p := sq.PeriodAt(testNow, time.UTC)
	for range n {
		require.NoError(t, store.RecordUserUsage(context.Background(), userID, chars, p, testNow))
	}
}

func TestGate_AllowsWithinLimits(t *testing.T) {
	store := quota.NewMemoryStore()
	recordRequests(t, store, "u1", 3, 100)

	d, err := newGate(store, nil).CheckAndReserve(context.Background(), "u1", 50)
	require.NoError(t, err)
	assert.Equal(t, sq.TierFree, d.Tier)
	assert.Equal(t, int64(10), d.Plan.MaxRequestsPerDay)
	assert.Equal(t, sq.Period{Day: "2026-03-14", Month: "2026-03"}, d.Period)
	assert.Equal(t, int64(3), d.Usage.Daily.Requests)
	assert.Equal(t, int64(300), d.Usage.Monthly.Characters)
	assert.Equal(t, int64(50), d.Characters)
}

// A free user at 10/10 requests today is refused.
func TestGate_FreeUserDailyLimit(t *testing.T) {
	store := quota.NewMemoryStore()
	recordRequests(t, store, "u1", 10, 1)

	_, err := newGate(store, nil).CheckAndReserve(context.Background(), "u1", 5)
	require.ErrorIs(t, err, sq.ErrDailyRequestLimitReached)

	var le *sq.LimitError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, sq.TierFree, le.Tier)
	assert.Equal(t, int64(10), le.Limit)
	assert.Equal(t, int64(10), le.Used)
	assert.Contains(t, le.Error(), "10 of 10 requests")
}

// A pro user at 99,950 characters cannot add 100 more this month.
func TestGate_ProUserMonthlyLimit(t *testing.T) {
	store := quota.NewMemoryStore()
	expiry := testNow.AddDate(0, 1, 0)
	setMembership(t, store, "u1", sq.TierPro, &expiry)
	recordRequests(t, store, "u1", 1, 99_950)

	gate := newGate(store, nil)
	_, err := gate.CheckAndReserve(context.Background(), "u1", 100)
	require.ErrorIs(t, err, sq.ErrMonthlyCharacterLimitExceeded)

	var le *sq.LimitError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, sq.TierPro, le.Tier)
	assert.Equal(t, int64(100_000), le.Limit)
	assert.Equal(t, int64(99_950), le.Used)
	assert.Equal(t, int64(100), le.Requested)

	// Exactly reaching the limit is allowed.
	_, err = gate.CheckAndReserve(context.Background(), "u1", 50)
	assert.NoError(t, err)
}

// The daily check runs before the monthly check.
func TestGate_DailyCheckedFirst(t *testing.T) {
	store := quota.NewMemoryStore()
	recordRequests(t, store, "u1", 10, 1000)

	_, err := newGate(store, nil).CheckAndReserve(context.Background(), "u1", 5000)
	assert.ErrorIs(t, err, sq.ErrDailyRequestLimitReached)
}

// An expired paid membership is checked against the free limits.
func TestGate_LapsedMembershipUsesFreeLimits(t *testing.T) {
	store := quota.NewMemoryStore()
	expired := testNow.Add(-time.Hour)
	setMembership(t, store, "u1", sq.TierPremium, &expired)
	recordRequests(t, store, "u1", 10, 1)

	_, err := newGate(store, nil).CheckAndReserve(context.Background(), "u1", 5)
	var le *sq.LimitError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, sq.TierFree, le.Tier)
}

func TestGate_NeverWrites(t *testing.T) {
	store := quota.NewMemoryStore()
	gate := newGate(store, nil)
	for range 20 {
		_, err := gate.CheckAndReserve(context.Background(), "u1", 5)
		require.NoError(t, err)
	}
	u, err := store.GetUserUsage(context.Background(), "u1", sq.PeriodAt(testNow, time.UTC))
	require.NoError(t, err)
	assert.Zero(t, u.Daily.Requests)
}

func TestGate_RejectsInvalidInput(t *testing.T) {
	gate := newGate(quota.NewMemoryStore(), nil)
	_, err := gate.CheckAndReserve(context.Background(), "", 5)
	assert.ErrorIs(t, err, sq.ErrInvalidRequest)
	_, err = gate.CheckAndReserve(context.Background(), "u1", 0)
	assert.ErrorIs(t, err, sq.ErrInvalidRequest)
}

// Periods follow the configured time zone.
func TestGate_PeriodInLocation(t *testing.T) {
	tokyo := time.FixedZone("JST", 9*3600)
	late := time.Date(2026, 3, 31, 20, 0, 0, 0, time.UTC)
	gate := sq.NewGate(sq.NewMemberships(quota.NewMemoryStore(), nil, nil), quota.NewMemoryStore(),
		func() time.Time { return late }, tokyo)

	d, err := gate.CheckAndReserve(context.Background(), "u1", 1)
	require.NoError(t, err)
	assert.Equal(t, sq.Period{Day: "2026-04-01", Month: "2026-04"}, d.Period)
}

func TestPeriodAt(t *testing.T) {
	at := time.Date(2026, 12, 31, 23, 59, 59, 0, time.UTC)
	assert.Equal(t, sq.Period{Day: "2026-12-31", Month: "2026-12"}, sq.PeriodAt(at, nil))
	assert.Equal(t, sq.Period{Day: "2027-01-01", Month: "2027-01"}, sq.PeriodAt(at, time.FixedZone("X", 3600)))
}

func TestCountCharacters(t *testing.T) {
	assert.Equal(t, int64(0), sq.CountCharacters(""))
	assert.Equal(t, int64(5), sq.CountCharacters("hello"))
	assert.Equal(t, int64(2), sq.CountCharacters("日本"))
	assert.Equal(t, int64(1000), sq.CountCharacters(strings.Repeat("ä", 1000)))
}
