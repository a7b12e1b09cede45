package policy

import (
	"sort"

	"github.com/ineyio/speechquota"
)

// MostHeadroomPolicy prioritizes keys with the most remaining quota, so a burst
// lands on a key that will not need rotation mid-burst. Ties go to the earliest
// created key.
type MostHeadroomPolicy struct{}

var _ speechquota.Policy = (*MostHeadroomPolicy)(nil)

// Select orders keys by remaining quota DESC, created_at ASC.
func (p *MostHeadroomPolicy) Select(keys []speechquota.KeyRecord) []speechquota.KeyRecord {
	result := make([]speechquota.KeyRecord, len(keys))
	copy(result, keys)

	sort.SliceStable(result, func(i, j int) bool {
		return speechquota.HeadroomLess(result[i], result[j])
	})

	return result
}
