package policy_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sq "github.com/ineyio/speechquota"
	"github.com/ineyio/speechquota/policy"
)

func ids(keys []sq.KeyRecord) []string {
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = k.ID
	}
	return out
}

func TestMostHeadroom_OrdersByRemainingThenCreation(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	keys := []sq.KeyRecord{
		{ID: "small", TotalQuota: 100, CreatedAt: base},
		{ID: "late-big", TotalQuota: 500, CreatedAt: base.Add(time.Hour)},
		{ID: "early-big", TotalQuota: 600, UsedQuota: 100, CreatedAt: base},
		{ID: "reserved", TotalQuota: 1000, ReservedQuota: 800, CreatedAt: base},
	}

	got := (&policy.MostHeadroomPolicy{}).Select(keys)
	assert.Equal(t, []string{"early-big", "late-big", "reserved", "small"}, ids(got))
	// Input untouched.
	assert.Equal(t, "small", keys[0].ID)
}

func TestLeastRecentlyUsed_NeverUsedFirst(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	older := base.Add(-time.Hour)
	keys := []sq.KeyRecord{
		{ID: "recent", TotalQuota: 100, LastUsedAt: &base},
		{ID: "old", TotalQuota: 100, LastUsedAt: &older},
		{ID: "fresh-small", TotalQuota: 50},
		{ID: "fresh-big", TotalQuota: 500},
	}

	got := (&policy.LeastRecentlyUsedPolicy{}).Select(keys)
	assert.Equal(t, []string{"fresh-big", "fresh-small", "old", "recent"}, ids(got))
}

func TestByName(t *testing.T) {
	p, err := policy.ByName("least_recent")
	require.NoError(t, err)
	assert.IsType(t, &policy.LeastRecentlyUsedPolicy{}, p)

	p, err = policy.ByName("")
	require.NoError(t, err)
	assert.IsType(t, &policy.MostHeadroomPolicy{}, p)

	_, err = policy.ByName("round_robin")
	assert.Error(t, err)
}
