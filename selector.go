package speechquota

import (
	"context"
	"fmt"
)

// SelectKey returns the active key with the most remaining quota of at least
// minimumRemaining. Ties go to the earliest created key.
func SelectKey(keys []KeyRecord, minimumRemaining int64) (KeyRecord, error) {
	ordered := defaultHeadroomPolicy{}.Select(eligibleKeys(keys, minimumRemaining, nil, nil))
	if len(ordered) == 0 {
		return KeyRecord{}, ErrNoKeyAvailable
	}
	return ordered[0], nil
}

// Selector chooses a backing key for the next synthesis call. Its view of the
// pool is advisory; the reservation in the Ledger is the authoritative check.
type Selector struct {
	keys   KeyStore
	policy Policy
	health *HealthTracker
}

// NewSelector creates a Selector. Nil policy means most-headroom ordering; nil
// health disables health filtering.
func NewSelector(keys KeyStore, policy Policy, health *HealthTracker) *Selector {
	if policy == nil {
		policy = defaultHeadroomPolicy{}
	}
	return &Selector{keys: keys, policy: policy, health: health}
}

// Candidates returns the eligible keys in policy order, skipping IDs in exclude.
func (s *Selector) Candidates(ctx context.Context, minimumRemaining int64, exclude map[string]bool) ([]KeyRecord, error) {
	keys, err := s.keys.ListKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("speechquota: list keys: %w", err)
	}
	return s.policy.Select(eligibleKeys(keys, minimumRemaining, exclude, s.health)), nil
}

// Select returns the best eligible key or ErrNoKeyAvailable.
func (s *Selector) Select(ctx context.Context, minimumRemaining int64, exclude map[string]bool) (KeyRecord, error) {
	ordered, err := s.Candidates(ctx, minimumRemaining, exclude)
	if err != nil {
		return KeyRecord{}, err
	}
	if len(ordered) == 0 {
		return KeyRecord{}, ErrNoKeyAvailable
	}
	return ordered[0], nil
}

func eligibleKeys(keys []KeyRecord, minimumRemaining int64, exclude map[string]bool, health *HealthTracker) []KeyRecord {
	var out []KeyRecord
	for _, k := range keys {
		if !k.Active || k.Remaining() < minimumRemaining || exclude[k.ID] {
			continue
		}
		if health != nil && health.GetHealth(k.ID) == HealthUnhealthy {
			continue
		}
		out = append(out, k)
	}
	return out
}
