package speechquota

import (
	"context"
	"time"
)

// KeyStore persists the key pool.
type KeyStore interface {
	CreateKey(ctx context.Context, rec KeyRecord) (KeyRecord, error)
	GetKey(ctx context.Context, id string) (KeyRecord, error)

	// ListKeys returns every key ordered by creation time.
	ListKeys(ctx context.Context) ([]KeyRecord, error)

	// UpdateKey applies upd atomically. Returns ErrInvalidQuota when the new
	// total would fall below used plus reserved quota.
	UpdateKey(ctx context.Context, id string, upd KeyUpdate, now time.Time) (KeyRecord, error)

	// DeleteKey removes a key permanently.
	DeleteKey(ctx context.Context, id string) error
}

// Ledger holds the durable quota counters. Every mutation is an atomic
// add at the storage layer; concurrent calls never lose an update.
type Ledger interface {
	// RecordKeyUsage adds chars to the key's used quota. Returns ErrQuotaExceeded,
	// changing nothing, if used + reserved + chars would exceed the total.
	RecordKeyUsage(ctx context.Context, keyID string, chars int64, at time.Time) error

	// ResetKeyQuota sets used quota (and any reservations) to zero.
	ResetKeyQuota(ctx context.Context, keyID string, at time.Time) error

	// RecordUserUsage adds one request and chars characters to both the daily and
	// monthly counters of the period, creating them if needed. Both or neither.
	RecordUserUsage(ctx context.Context, userID string, chars int64, p Period, at time.Time) error

	// GetUserUsage returns the counters for the period. Missing rows read as zero
	// and are not created.
	GetUserUsage(ctx context.Context, userID string, p Period) (UserUsage, error)

	// ReserveKey holds chars of the key's remaining quota for an in-flight call
	// started at at. Returns ErrQuotaExceeded or ErrKeyInactive when the key
	// cannot serve it.
	ReserveKey(ctx context.Context, keyID string, chars int64, at time.Time) (Reservation, error)

	// ReleaseKey returns a reservation that was not used. Releasing a reservation
	// that was already committed, released or expired changes nothing.
	ReleaseKey(ctx context.Context, res Reservation) error

	// Commit converts a reservation into used quota and records the user's usage
	// in one atomic operation. If the reservation already expired, the usage is
	// still recorded when it fits the key's remaining quota.
	Commit(ctx context.Context, res Reservation, charge Charge) error

	// ExpireReservations releases every reservation created before the cutoff
	// and returns how many were released. It reclaims quota held by callers that
	// died between ReserveKey and Commit or ReleaseKey.
	ExpireReservations(ctx context.Context, before time.Time) (int64, error)
}

// MembershipStore persists the stored (raw) membership state of users.
type MembershipStore interface {
	// GetMembership returns the stored state; unknown users are free with no expiry.
	GetMembership(ctx context.Context, userID string) (MembershipState, error)
	SetMembership(ctx context.Context, userID string, state MembershipState) error
}

// UsagePurger deletes usage rows older than the retention window.
type UsagePurger interface {
	// PurgeUsage removes daily rows with day < dailyBefore and monthly rows with
	// month < monthlyBefore. Returns the number of rows removed.
	PurgeUsage(ctx context.Context, dailyBefore, monthlyBefore string) (int64, error)
}

// CommitCleaner is implemented by stores that remember committed reservation
// IDs to make Commit idempotent.
type CommitCleaner interface {
	// CleanupCommits forgets commit markers created before the cutoff.
	CleanupCommits(ctx context.Context, before time.Time) (int64, error)
}

// Store is the full persistence surface used by the service.
type Store interface {
	KeyStore
	Ledger
	MembershipStore
}

// Reservation is quota held on a key for one in-flight synthesis call.
type Reservation struct {
	ID        string
	KeyID     string
	Amount    int64
	CreatedAt time.Time
}

// Charge is the usage committed for a successful synthesis call.
type Charge struct {
	UserID     string
	Characters int64
	Period     Period
	At         time.Time
}
