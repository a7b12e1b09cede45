package quota

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ineyio/speechquota"
)

// MemoryStore is an in-memory Store. All operations run under one mutex, which
// makes every increment atomic within the process.
type MemoryStore struct {
	mu          sync.RWMutex
	keys        map[string]*speechquota.KeyRecord
	daily       map[usageKey]*speechquota.UsageCounter
	monthly     map[usageKey]*speechquota.UsageCounter
	memberships map[string]speechquota.MembershipState
	held        map[string]speechquota.Reservation
}

type usageKey struct {
	userID string
	period string
}

var (
	_ speechquota.Store       = (*MemoryStore)(nil)
	_ speechquota.UsagePurger = (*MemoryStore)(nil)
)

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		keys:        make(map[string]*speechquota.KeyRecord),
		daily:       make(map[usageKey]*speechquota.UsageCounter),
		monthly:     make(map[usageKey]*speechquota.UsageCounter),
		memberships: make(map[string]speechquota.MembershipState),
		held:        make(map[string]speechquota.Reservation),
	}
}

// CreateKey stores a new key. An empty ID is assigned a UUID.
func (s *MemoryStore) CreateKey(_ context.Context, rec speechquota.KeyRecord) (speechquota.KeyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if _, ok := s.keys[rec.ID]; ok {
		return speechquota.KeyRecord{}, fmt.Errorf("%w: duplicate key id %q", speechquota.ErrInvalidRequest, rec.ID)
	}
	if rec.TotalQuota < 0 || rec.UsedQuota < 0 || rec.UsedQuota+rec.ReservedQuota > rec.TotalQuota {
		return speechquota.KeyRecord{}, speechquota.ErrInvalidQuota
	}
	cp := rec
	s.keys[rec.ID] = &cp
	return rec, nil
}

// GetKey returns a key by ID.
func (s *MemoryStore) GetKey(_ context.Context, id string) (speechquota.KeyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	k, ok := s.keys[id]
	if !ok {
		return speechquota.KeyRecord{}, speechquota.ErrKeyNotFound
	}
	return copyKey(k), nil
}

// ListKeys returns all keys ordered by creation time.
func (s *MemoryStore) ListKeys(_ context.Context) ([]speechquota.KeyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]speechquota.KeyRecord, 0, len(s.keys))
	for _, k := range s.keys {
		out = append(out, copyKey(k))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// UpdateKey applies a partial update.
func (s *MemoryStore) UpdateKey(_ context.Context, id string, upd speechquota.KeyUpdate, now time.Time) (speechquota.KeyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.keys[id]
	if !ok {
		return speechquota.KeyRecord{}, speechquota.ErrKeyNotFound
	}
	next := copyKey(k)
	if err := upd.Apply(&next, now); err != nil {
		return speechquota.KeyRecord{}, err
	}
	*k = next
	return copyKey(k), nil
}

// DeleteKey removes a key.
func (s *MemoryStore) DeleteKey(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.keys[id]; !ok {
		return speechquota.ErrKeyNotFound
	}
	delete(s.keys, id)
	s.dropHeld(id)
	return nil
}

// RecordKeyUsage adds chars to a key's used quota if it fits.
func (s *MemoryStore) RecordKeyUsage(_ context.Context, keyID string, chars int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.keys[keyID]
	if !ok {
		return speechquota.ErrKeyNotFound
	}
	if chars < 0 || k.UsedQuota+k.ReservedQuota+chars > k.TotalQuota {
		return speechquota.ErrQuotaExceeded
	}
	k.UsedQuota += chars
	touch(k, at)
	return nil
}

// ResetKeyQuota clears a key's used and reserved quota.
func (s *MemoryStore) ResetKeyQuota(_ context.Context, keyID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.keys[keyID]
	if !ok {
		return speechquota.ErrKeyNotFound
	}
	k.UsedQuota = 0
	k.ReservedQuota = 0
	k.UpdatedAt = at
	s.dropHeld(keyID)
	return nil
}

// RecordUserUsage increments the daily and monthly counters.
func (s *MemoryStore) RecordUserUsage(_ context.Context, userID string, chars int64, p speechquota.Period, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.addUsage(userID, chars, p, at)
	return nil
}

// GetUserUsage returns the counters for a period without creating them.
func (s *MemoryStore) GetUserUsage(_ context.Context, userID string, p speechquota.Period) (speechquota.UserUsage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u := speechquota.EmptyUsage(userID, p)
	if c, ok := s.daily[usageKey{userID, p.Day}]; ok {
		u.Daily = *c
	}
	if c, ok := s.monthly[usageKey{userID, p.Month}]; ok {
		u.Monthly = *c
	}
	return u, nil
}

// ReserveKey holds chars of an active key's remaining quota.
func (s *MemoryStore) ReserveKey(_ context.Context, keyID string, chars int64, at time.Time) (speechquota.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.keys[keyID]
	if !ok {
		return speechquota.Reservation{}, speechquota.ErrKeyNotFound
	}
	if !k.Active {
		return speechquota.Reservation{}, speechquota.ErrKeyInactive
	}
	if chars < 0 || k.Remaining() < chars {
		return speechquota.Reservation{}, speechquota.ErrQuotaExceeded
	}
	k.ReservedQuota += chars
	res := speechquota.Reservation{ID: uuid.NewString(), KeyID: keyID, Amount: chars, CreatedAt: at}
	s.held[res.ID] = res
	return res, nil
}

// ReleaseKey returns a reservation that is still held.
func (s *MemoryStore) ReleaseKey(_ context.Context, res speechquota.Reservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.release(res.ID)
	return nil
}

// ExpireReservations releases reservations created before the cutoff.
func (s *MemoryStore) ExpireReservations(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, r := range s.held {
		if r.CreatedAt.Before(before) {
			s.release(id)
			n++
		}
	}
	return n, nil
}

// Commit moves the reservation into used quota and records user usage.
func (s *MemoryStore) Commit(_ context.Context, res speechquota.Reservation, charge speechquota.Charge) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.keys[res.KeyID]
	if !ok {
		return speechquota.ErrKeyNotFound
	}
	reserved := k.ReservedQuota
	held, ok := s.held[res.ID]
	if ok {
		reserved = max(reserved-held.Amount, 0)
	}
	if k.UsedQuota+charge.Characters+reserved > k.TotalQuota {
		return speechquota.ErrQuotaExceeded
	}
	delete(s.held, res.ID)
	k.ReservedQuota = reserved
	k.UsedQuota += charge.Characters
	touch(k, charge.At)

	s.addUsage(charge.UserID, charge.Characters, charge.Period, charge.At)
	return nil
}

// GetMembership returns the stored membership; unknown users are free.
func (s *MemoryStore) GetMembership(_ context.Context, userID string) (speechquota.MembershipState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.memberships[userID]
	if !ok {
		return speechquota.MembershipState{Tier: speechquota.TierFree}, nil
	}
	if m.ExpiresAt != nil {
		exp := *m.ExpiresAt
		m.ExpiresAt = &exp
	}
	return m, nil
}

// SetMembership stores a user's membership.
func (s *MemoryStore) SetMembership(_ context.Context, userID string, state speechquota.MembershipState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if state.ExpiresAt != nil {
		exp := *state.ExpiresAt
		state.ExpiresAt = &exp
	}
	s.memberships[userID] = state
	return nil
}

// PurgeUsage removes counters older than the cutoffs.
func (s *MemoryStore) PurgeUsage(_ context.Context, dailyBefore, monthlyBefore string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for k := range s.daily {
		if k.period < dailyBefore {
			delete(s.daily, k)
			n++
		}
	}
	for k := range s.monthly {
		if k.period < monthlyBefore {
			delete(s.monthly, k)
			n++
		}
	}
	return n, nil
}

// addUsage must be called with the lock held.
func (s *MemoryStore) addUsage(userID string, chars int64, p speechquota.Period, at time.Time) {
	add := func(m map[usageKey]*speechquota.UsageCounter, period string) {
		c, ok := m[usageKey{userID, period}]
		if !ok {
			c = &speechquota.UsageCounter{Period: period}
			m[usageKey{userID, period}] = c
		}
		c.Requests++
		c.Characters += chars
		c.UpdatedAt = at
	}
	add(s.daily, p.Day)
	add(s.monthly, p.Month)
}

// release must be called with the lock held.
func (s *MemoryStore) release(id string) {
	r, ok := s.held[id]
	if !ok {
		return
	}
	delete(s.held, id)
	if k, ok := s.keys[r.KeyID]; ok {
		k.ReservedQuota = max(k.ReservedQuota-r.Amount, 0)
	}
}

// dropHeld forgets every reservation of a key. Must be called with the lock held.
func (s *MemoryStore) dropHeld(keyID string) {
	for id, r := range s.held {
		if r.KeyID == keyID {
			delete(s.held, id)
		}
	}
}

func touch(k *speechquota.KeyRecord, at time.Time) {
	t := at
	k.LastUsedAt = &t
	k.UpdatedAt = at
}

func copyKey(k *speechquota.KeyRecord) speechquota.KeyRecord {
	cp := *k
	if k.LastUsedAt != nil {
		t := *k.LastUsedAt
		cp.LastUsedAt = &t
	}
	return cp
}
