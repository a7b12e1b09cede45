package speechquota

import "sort"

// Policy orders eligible keys for selection.
type Policy interface {
	// Select orders keys by priority. Returns ordered slice (highest priority first).
	Select(keys []KeyRecord) []KeyRecord
}

// HeadroomLess orders keys by most remaining quota, then earliest creation, then ID.
func HeadroomLess(a, b KeyRecord) bool {
	if ra, rb := a.Remaining(), b.Remaining(); ra != rb {
		return ra > rb
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// defaultHeadroomPolicy is an inline most-headroom policy to avoid import cycles.
type defaultHeadroomPolicy struct{}

func (defaultHeadroomPolicy) Select(keys []KeyRecord) []KeyRecord {
	result := make([]KeyRecord, len(keys))
	copy(result, keys)
	sort.SliceStable(result, func(i, j int) bool { return HeadroomLess(result[i], result[j]) })
	return result
}
