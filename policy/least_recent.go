package policy

import (
	"sort"

	"github.com/ineyio/speechquota"
)

// LeastRecentlyUsedPolicy spreads load by preferring keys that were never used,
// then the key idle the longest. Remaining quota breaks ties.
type LeastRecentlyUsedPolicy struct{}

var _ speechquota.Policy = (*LeastRecentlyUsedPolicy)(nil)

// Select orders keys by last_used_at ASC (never used first).
func (p *LeastRecentlyUsedPolicy) Select(keys []speechquota.KeyRecord) []speechquota.KeyRecord {
	result := make([]speechquota.KeyRecord, len(keys))
	copy(result, keys)

	sort.SliceStable(result, func(i, j int) bool {
		li, lj := result[i].LastUsedAt, result[j].LastUsedAt

		switch {
		case li == nil && lj != nil:
			return true
		case li != nil && lj == nil:
			return false
		case li != nil && lj != nil && !li.Equal(*lj):
			return li.Before(*lj)
		}
		return speechquota.HeadroomLess(result[i], result[j])
	})

	return result
}
