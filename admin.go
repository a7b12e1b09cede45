package speechquota

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Admin exposes the administrative operations on the key pool, memberships
// and usage.
type Admin struct {
	store       Store
	memberships *Memberships
	health      *HealthTracker
	now         func() time.Time
	loc         *time.Location
}

// NewAdmin creates an Admin sharing the service's store, clock and health tracker.
func NewAdmin(svc *Service) *Admin {
	return &Admin{
		store:       svc.store,
		memberships: svc.memberships,
		health:      svc.health,
		now:         svc.now,
		loc:         svc.loc,
	}
}

// KeyListing is the pool as shown to administrators.
type KeyListing struct {
	Keys  []KeyRecord `json:"keys"`
	Stats PoolStats   `json:"stats"`
}

// CreateKey adds a key to the pool.
func (a *Admin) CreateKey(ctx context.Context, in NewKey) (KeyRecord, error) {
	if err := in.Validate(); err != nil {
		return KeyRecord{}, err
	}
	rec, err := a.store.CreateKey(ctx, in.Record(uuid.NewString(), a.now().UTC()))
	if err != nil {
		return KeyRecord{}, fmt.Errorf("speechquota: create key: %w", err)
	}
	return rec.Masked(), nil
}

// UpdateKey patches a key.
func (a *Admin) UpdateKey(ctx context.Context, id string, upd KeyUpdate) (KeyRecord, error) {
	rec, err := a.store.UpdateKey(ctx, id, upd, a.now().UTC())
	if err != nil {
		return KeyRecord{}, err
	}
	if upd.Secret != nil || upd.Active != nil {
		a.health.Forget(id)
	}
	return rec.Masked(), nil
}

// DeleteKey removes a key permanently.
func (a *Admin) DeleteKey(ctx context.Context, id string) error {
	if err := a.store.DeleteKey(ctx, id); err != nil {
		return err
	}
	a.health.Forget(id)
	return nil
}

// ResetKeyQuota sets a key's used quota to zero.
func (a *Admin) ResetKeyQuota(ctx context.Context, id string) (KeyRecord, error) {
	if err := a.store.ResetKeyQuota(ctx, id, a.now().UTC()); err != nil {
		return KeyRecord{}, err
	}
	a.health.Forget(id)
	rec, err := a.store.GetKey(ctx, id)
	if err != nil {
		return KeyRecord{}, err
	}
	return rec.Masked(), nil
}

// ListKeys returns all keys with masked secrets and pool statistics.
func (a *Admin) ListKeys(ctx context.Context) (KeyListing, error) {
	keys, err := a.store.ListKeys(ctx)
	if err != nil {
		return KeyListing{}, fmt.Errorf("speechquota: list keys: %w", err)
	}
	masked := make([]KeyRecord, len(keys))
	for i, k := range keys {
		masked[i] = k.Masked()
	}
	return KeyListing{Keys: masked, Stats: ComputePoolStats(keys)}, nil
}

// SeedKeys creates each configured key whose name is not yet in the pool.
// Returns the number of keys created.
func (a *Admin) SeedKeys(ctx context.Context, keys []NewKey) (int, error) {
	existing, err := a.store.ListKeys(ctx)
	if err != nil {
		return 0, fmt.Errorf("speechquota: list keys: %w", err)
	}
	names := make(map[string]bool, len(existing))
	for _, k := range existing {
		names[k.Name] = true
	}

	created := 0
	for _, k := range keys {
		if names[k.Name] {
			continue
		}
		if _, err := a.CreateKey(ctx, k); err != nil {
			return created, fmt.Errorf("speechquota: seed key %q: %w", k.Name, err)
		}
		names[k.Name] = true
		created++
	}
	return created, nil
}

// UpgradeMembership sets a user's tier for one billing cycle.
func (a *Admin) UpgradeMembership(ctx context.Context, userID string, tier Tier, cycle Cycle) (MembershipState, error) {
	return a.memberships.Upgrade(ctx, userID, tier, cycle)
}

// DowngradeMembership resets a user to free.
func (a *Admin) DowngradeMembership(ctx context.Context, userID string) error {
	return a.memberships.DowngradeToFree(ctx, userID)
}

// UsageSnapshot is a user's membership and current consumption.
type UsageSnapshot struct {
	Membership Effective `json:"membership"`
	Usage      UserUsage `json:"usage"`

	RequestsRemainingToday   int64 `json:"requests_remaining_today"`
	CharactersRemainingMonth int64 `json:"characters_remaining_month"`
}

// UserUsage returns the user's current usage snapshot.
func (a *Admin) UserUsage(ctx context.Context, userID string) (UsageSnapshot, error) {
	if userID == "" {
		return UsageSnapshot{}, wrapInvalid("user id is required")
	}
	now := a.now()
	eff, err := a.memberships.Current(ctx, userID, now)
	if err != nil {
		return UsageSnapshot{}, err
	}
	usage, err := a.store.GetUserUsage(ctx, userID, PeriodAt(now, a.loc))
	if err != nil {
		return UsageSnapshot{}, fmt.Errorf("speechquota: get usage: %w", err)
	}
	return UsageSnapshot{
		Membership:               eff,
		Usage:                    usage,
		RequestsRemainingToday:   max(eff.Plan.MaxRequestsPerDay-usage.Daily.Requests, 0),
		CharactersRemainingMonth: max(eff.Plan.MaxCharactersPerMonth-usage.Monthly.Characters, 0),
	}, nil
}
