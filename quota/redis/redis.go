// Package redis provides a Redis-backed Store for speechquota.
//
// Keys, usage counters and memberships are Redis hashes. Quota changes run as
// Lua scripts so check-and-increment is atomic across service instances.
// Scripts touch several keys at once: on Redis Cluster the key prefix must
// carry a hash tag (for example "{speechquota}:") so they share a slot.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/ineyio/speechquota"
)

// Store is a Redis-backed Store.
type Store struct {
	client     goredis.UniversalClient
	keyPrefix  string
	dailyTTL   time.Duration
	monthlyTTL time.Duration
	commitTTL  time.Duration
}

var (
	_ speechquota.Store       = (*Store)(nil)
	_ speechquota.UsagePurger = (*Store)(nil)
)

// Option configures Store.
type Option func(*Store)

// WithKeyPrefix sets the Redis key prefix (default "speechquota:").
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.keyPrefix = prefix }
}

// WithUsageTTL sets how long usage counters live after their last write.
// Zero disables expiry for that period kind.
func WithUsageTTL(daily, monthly time.Duration) Option {
	return func(s *Store) {
		s.dailyTTL = daily
		s.monthlyTTL = monthly
	}
}

// WithCommitTTL sets how long committed reservation IDs are remembered.
func WithCommitTTL(d time.Duration) Option {
	return func(s *Store) { s.commitTTL = d }
}

// New creates a new Redis-backed Store.
func New(client goredis.UniversalClient, opts ...Option) *Store {
	s := &Store{
		client:     client,
		keyPrefix:  "speechquota:",
		dailyTTL:   91 * 24 * time.Hour,
		monthlyTTL: 400 * 24 * time.Hour,
		commitTTL:  24 * time.Hour,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) keyKey(id string) string { return s.keyPrefix + "key:" + id }
func (s *Store) keySet() string          { return s.keyPrefix + "keys" }
func (s *Store) dailyPrefix() string     { return s.keyPrefix + "usage:day:" }
func (s *Store) monthlyPrefix() string   { return s.keyPrefix + "usage:month:" }
func (s *Store) memberKey(uid string) string {
	return s.keyPrefix + "member:" + uid
}
func (s *Store) commitKey(resID string) string {
	return s.keyPrefix + "commit:" + resID
}
func (s *Store) heldKey(resID string) string {
	return s.keyPrefix + "reservation:" + resID
}
func (s *Store) heldSet() string { return s.keyPrefix + "reservations" }

func (s *Store) dailyKey(userID, day string) string {
	return s.dailyPrefix() + day + ":" + userID
}

func (s *Store) monthlyKey(userID, month string) string {
	return s.monthlyPrefix() + month + ":" + userID
}

// createScript inserts a key hash unless the ID exists.
// KEYS[1] = key hash
// KEYS[2] = key set
// ARGV[1] = key id
// ARGV[2...] = field/value pairs
var createScript = goredis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
    return 0
end
redis.call("HSET", KEYS[1], unpack(ARGV, 2))
redis.call("SADD", KEYS[2], ARGV[1])
return 1
`)

// recordScript adds usage to a key if it fits.
// KEYS[1] = key hash
// ARGV[1] = chars
// ARGV[2] = at (unix nanos)
//
// Returns:
//
//	1  = recorded
//	0  = quota exceeded
//	-2 = key not found
var recordScript = goredis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
    return -2
end
local chars = tonumber(ARGV[1])
local total = tonumber(redis.call("HGET", KEYS[1], "total_quota") or "0")
local used = tonumber(redis.call("HGET", KEYS[1], "used_quota") or "0")
local reserved = tonumber(redis.call("HGET", KEYS[1], "reserved_quota") or "0")
if chars < 0 or used + reserved + chars > total then
    return 0
end
redis.call("HINCRBY", KEYS[1], "used_quota", chars)
redis.call("HSET", KEYS[1], "last_used_at", ARGV[2], "updated_at", ARGV[2])
return 1
`)

// reserveScript holds quota on an active key and records the reservation.
// The reservation remembers the key's reset epoch so a reset key never gives
// back quota reserved before the reset.
// KEYS[1] = key hash
// KEYS[2] = reservation hash
// KEYS[3] = reservation index (sorted by creation time)
// ARGV[1] = chars
// ARGV[2] = reservation id
// ARGV[3] = created at (unix millis)
// ARGV[4] = key id
//
// Returns:
//
//	1  = reserved
//	0  = quota exceeded
//	-1 = key inactive
//	-2 = key not found
var reserveScript = goredis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
    return -2
end
if redis.call("HGET", KEYS[1], "active") ~= "1" then
    return -1
end
local chars = tonumber(ARGV[1])
local total = tonumber(redis.call("HGET", KEYS[1], "total_quota") or "0")
local used = tonumber(redis.call("HGET", KEYS[1], "used_quota") or "0")
local reserved = tonumber(redis.call("HGET", KEYS[1], "reserved_quota") or "0")
if chars < 0 or chars > total - used - reserved then
    return 0
end
redis.call("HINCRBY", KEYS[1], "reserved_quota", chars)
local epoch = redis.call("HGET", KEYS[1], "epoch") or "0"
redis.call("HSET", KEYS[2], "key_id", ARGV[4], "amount", chars, "epoch", epoch)
redis.call("ZADD", KEYS[3], ARGV[3], ARGV[2])
return 1
`)

// releaseScript returns a held reservation, flooring reserved quota at zero.
// KEYS[1] = key hash
// KEYS[2] = reservation hash
// KEYS[3] = reservation index
// ARGV[1] = reservation id
//
// Returns:
//
//	1 = released
//	0 = not held
var releaseScript = goredis.NewScript(`
local amount = tonumber(redis.call("HGET", KEYS[2], "amount") or "-1")
redis.call("ZREM", KEYS[3], ARGV[1])
if amount < 0 then
    return 0
end
local epoch = redis.call("HGET", KEYS[2], "epoch") or "0"
redis.call("DEL", KEYS[2])
if redis.call("EXISTS", KEYS[1]) == 1 and (redis.call("HGET", KEYS[1], "epoch") or "0") == epoch then
    local reserved = tonumber(redis.call("HGET", KEYS[1], "reserved_quota") or "0") - amount
    if reserved < 0 then
        reserved = 0
    end
    redis.call("HSET", KEYS[1], "reserved_quota", reserved)
end
return 1
`)

// commitScript moves a reservation into used quota and increments both user
// counters.
// KEYS[1] = key hash
// KEYS[2] = daily usage hash
// KEYS[3] = monthly usage hash
// KEYS[4] = commit marker
// KEYS[5] = reservation hash
// KEYS[6] = reservation index
// ARGV[1] = chars
// ARGV[2] = reservation id
// ARGV[3] = at (unix nanos)
// ARGV[4] = daily ttl (seconds, 0 = none)
// ARGV[5] = monthly ttl (seconds, 0 = none)
// ARGV[6] = commit marker ttl (seconds, 0 = no marker)
//
// Returns:
//
//	1  = committed
//	2  = already committed
//	0  = quota exceeded
//	-2 = key not found
var commitScript = goredis.NewScript(`
local marker_ttl = tonumber(ARGV[6])
if marker_ttl > 0 and redis.call("EXISTS", KEYS[4]) == 1 then
    return 2
end
if redis.call("EXISTS", KEYS[1]) == 0 then
    return -2
end
local chars = tonumber(ARGV[1])
local total = tonumber(redis.call("HGET", KEYS[1], "total_quota") or "0")
local used = tonumber(redis.call("HGET", KEYS[1], "used_quota") or "0")
local reserved = tonumber(redis.call("HGET", KEYS[1], "reserved_quota") or "0")
local held = tonumber(redis.call("HGET", KEYS[5], "amount") or "0")
if held > 0 and (redis.call("HGET", KEYS[5], "epoch") or "0") == (redis.call("HGET", KEYS[1], "epoch") or "0") then
    reserved = reserved - held
    if reserved < 0 then
        reserved = 0
    end
end
if used + chars + reserved > total then
    return 0
end
redis.call("DEL", KEYS[5])
redis.call("ZREM", KEYS[6], ARGV[2])
redis.call("HSET", KEYS[1], "reserved_quota", reserved, "last_used_at", ARGV[3], "updated_at", ARGV[3])
redis.call("HINCRBY", KEYS[1], "used_quota", chars)

for i = 2, 3 do
    redis.call("HINCRBY", KEYS[i], "requests", 1)
    redis.call("HINCRBY", KEYS[i], "characters", chars)
    redis.call("HSET", KEYS[i], "updated_at", ARGV[3])
    local ttl = tonumber(ARGV[i + 2])
    if ttl > 0 then
        redis.call("EXPIRE", KEYS[i], ttl)
    end
end

if marker_ttl > 0 then
    redis.call("SET", KEYS[4], "1", "EX", marker_ttl)
end
return 1
`)

// resetScript clears used and reserved quota and starts a new reset epoch, so
// reservations made before the reset release nothing.
// KEYS[1] = key hash
// ARGV[1] = at (unix nanos)
var resetScript = goredis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
    return 0
end
redis.call("HSET", KEYS[1], "used_quota", 0, "reserved_quota", 0, "updated_at", ARGV[1])
redis.call("HINCRBY", KEYS[1], "epoch", 1)
return 1
`)

// CreateKey stores a new key. An empty ID is assigned a UUID.
func (s *Store) CreateKey(ctx context.Context, rec speechquota.KeyRecord) (speechquota.KeyRecord, error) {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.TotalQuota < 0 || rec.UsedQuota < 0 || rec.UsedQuota+rec.ReservedQuota > rec.TotalQuota {
		return speechquota.KeyRecord{}, speechquota.ErrInvalidQuota
	}
	args := append([]any{rec.ID}, encodeKey(rec)...)
	result, err := createScript.Run(ctx, s.client, []string{s.keyKey(rec.ID), s.keySet()}, args...).Int64()
	if err != nil {
		return speechquota.KeyRecord{}, fmt.Errorf("speechquota/redis: create key: %w", err)
	}
	if result == 0 {
		return speechquota.KeyRecord{}, fmt.Errorf("%w: duplicate key id %q", speechquota.ErrInvalidRequest, rec.ID)
	}
	return rec, nil
}

// GetKey returns a key by ID.
func (s *Store) GetKey(ctx context.Context, id string) (speechquota.KeyRecord, error) {
	m, err := s.client.HGetAll(ctx, s.keyKey(id)).Result()
	if err != nil {
		return speechquota.KeyRecord{}, fmt.Errorf("speechquota/redis: get key: %w", err)
	}
	if len(m) == 0 {
		return speechquota.KeyRecord{}, speechquota.ErrKeyNotFound
	}
	return decodeKey(m), nil
}

// ListKeys returns all keys ordered by creation time.
func (s *Store) ListKeys(ctx context.Context) ([]speechquota.KeyRecord, error) {
	ids, err := s.client.SMembers(ctx, s.keySet()).Result()
	if err != nil {
		return nil, fmt.Errorf("speechquota/redis: list keys: %w", err)
	}

	cmds := make([]*goredis.MapStringStringCmd, len(ids))
	_, err = s.client.Pipelined(ctx, func(p goredis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = p.HGetAll(ctx, s.keyKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("speechquota/redis: list keys: %w", err)
	}

	out := make([]speechquota.KeyRecord, 0, len(ids))
	for _, cmd := range cmds {
		if m := cmd.Val(); len(m) > 0 {
			out = append(out, decodeKey(m))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

const maxWatchRetries = 10

// UpdateKey applies a partial update with optimistic locking.
func (s *Store) UpdateKey(ctx context.Context, id string, upd speechquota.KeyUpdate, now time.Time) (speechquota.KeyRecord, error) {
	key := s.keyKey(id)
	var out speechquota.KeyRecord

	txf := func(tx *goredis.Tx) error {
		m, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		if len(m) == 0 {
			return speechquota.ErrKeyNotFound
		}
		rec := decodeKey(m)
		if err := upd.Apply(&rec, now); err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p goredis.Pipeliner) error {
			p.HSet(ctx, key,
				"name", rec.Name,
				"secret", rec.Secret,
				"region", rec.Region,
				"total_quota", rec.TotalQuota,
				"active", boolString(rec.Active),
				"notes", rec.Notes,
				"updated_at", rec.UpdatedAt.UnixNano(),
			)
			return nil
		})
		out = rec
		return err
	}

	for i := 0; i < maxWatchRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, goredis.TxFailedErr) {
			continue
		}
		if err != nil {
			if errors.Is(err, speechquota.ErrKeyNotFound) || errors.Is(err, speechquota.ErrInvalidQuota) || errors.Is(err, speechquota.ErrInvalidRequest) {
				return speechquota.KeyRecord{}, err
			}
			return speechquota.KeyRecord{}, fmt.Errorf("speechquota/redis: update key: %w", err)
		}
		return out, nil
	}
	return speechquota.KeyRecord{}, &speechquota.TransientError{Err: fmt.Errorf("speechquota/redis: update key %q: too much contention", id)}
}

// DeleteKey removes a key.
func (s *Store) DeleteKey(ctx context.Context, id string) error {
	var del *goredis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		del = p.Del(ctx, s.keyKey(id))
		p.SRem(ctx, s.keySet(), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("speechquota/redis: delete key: %w", err)
	}
	if del.Val() == 0 {
		return speechquota.ErrKeyNotFound
	}
	return nil
}

// RecordKeyUsage adds chars to a key's used quota if it fits.
func (s *Store) RecordKeyUsage(ctx context.Context, keyID string, chars int64, at time.Time) error {
	result, err := recordScript.Run(ctx, s.client, []string{s.keyKey(keyID)}, chars, at.UnixNano()).Int64()
	if err != nil {
		return fmt.Errorf("speechquota/redis: record key usage: %w", err)
	}
	switch result {
	case 1:
		return nil
	case 0:
		return speechquota.ErrQuotaExceeded
	case -2:
		return speechquota.ErrKeyNotFound
	default:
		return fmt.Errorf("speechquota/redis: unexpected record result: %d", result)
	}
}

// ResetKeyQuota clears a key's used and reserved quota.
func (s *Store) ResetKeyQuota(ctx context.Context, keyID string, at time.Time) error {
	result, err := resetScript.Run(ctx, s.client, []string{s.keyKey(keyID)}, at.UnixNano()).Int64()
	if err != nil {
		return fmt.Errorf("speechquota/redis: reset key quota: %w", err)
	}
	if result == 0 {
		return speechquota.ErrKeyNotFound
	}
	return nil
}

// RecordUserUsage increments the daily and monthly counters in one MULTI block.
func (s *Store) RecordUserUsage(ctx context.Context, userID string, chars int64, p speechquota.Period, at time.Time) error {
	_, err := s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		for _, c := range []struct {
			key string
			ttl time.Duration
		}{
			{s.dailyKey(userID, p.Day), s.dailyTTL},
			{s.monthlyKey(userID, p.Month), s.monthlyTTL},
		} {
			pipe.HIncrBy(ctx, c.key, "requests", 1)
			pipe.HIncrBy(ctx, c.key, "characters", chars)
			pipe.HSet(ctx, c.key, "updated_at", at.UnixNano())
			if c.ttl > 0 {
				pipe.Expire(ctx, c.key, c.ttl)
			}
		}
		return nil
	})
	if err != nil {
		return &speechquota.TransientError{Err: fmt.Errorf("speechquota/redis: record user usage: %w", err)}
	}
	return nil
}

// GetUserUsage returns the counters for a period without creating them.
func (s *Store) GetUserUsage(ctx context.Context, userID string, p speechquota.Period) (speechquota.UserUsage, error) {
	var daily, monthly *goredis.MapStringStringCmd
	_, err := s.client.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		daily = pipe.HGetAll(ctx, s.dailyKey(userID, p.Day))
		monthly = pipe.HGetAll(ctx, s.monthlyKey(userID, p.Month))
		return nil
	})
	if err != nil {
		return speechquota.UserUsage{}, fmt.Errorf("speechquota/redis: get user usage: %w", err)
	}

	u := speechquota.EmptyUsage(userID, p)
	decodeCounter(daily.Val(), &u.Daily)
	decodeCounter(monthly.Val(), &u.Monthly)
	return u, nil
}

// ReserveKey holds chars of an active key's remaining quota.
func (s *Store) ReserveKey(ctx context.Context, keyID string, chars int64, at time.Time) (speechquota.Reservation, error) {
	res := speechquota.Reservation{
		ID:        uuid.New().String(),
		KeyID:     keyID,
		Amount:    chars,
		CreatedAt: at,
	}
	result, err := reserveScript.Run(ctx, s.client,
		[]string{s.keyKey(keyID), s.heldKey(res.ID), s.heldSet()},
		chars, res.ID, at.UnixMilli(), keyID,
	).Int64()
	if err != nil {
		return speechquota.Reservation{}, fmt.Errorf("speechquota/redis: reserve: %w", err)
	}
	switch result {
	case 1:
		return res, nil
	case 0:
		return speechquota.Reservation{}, speechquota.ErrQuotaExceeded
	case -1:
		return speechquota.Reservation{}, speechquota.ErrKeyInactive
	case -2:
		return speechquota.Reservation{}, speechquota.ErrKeyNotFound
	default:
		return speechquota.Reservation{}, fmt.Errorf("speechquota/redis: unexpected reserve result: %d", result)
	}
}

// ReleaseKey returns a reservation that is still held.
func (s *Store) ReleaseKey(ctx context.Context, res speechquota.Reservation) error {
	if _, err := s.release(ctx, res.KeyID, res.ID); err != nil {
		return fmt.Errorf("speechquota/redis: release: %w", err)
	}
	return nil
}

func (s *Store) release(ctx context.Context, keyID, resID string) (bool, error) {
	n, err := releaseScript.Run(ctx, s.client,
		[]string{s.keyKey(keyID), s.heldKey(resID), s.heldSet()},
		resID,
	).Int64()
	return n == 1, err
}

// ExpireReservations releases reservations created before the cutoff.
func (s *Store) ExpireReservations(ctx context.Context, before time.Time) (int64, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.heldSet(), &goredis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(before.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("speechquota/redis: scan reservations: %w", err)
	}

	var n int64
	for _, id := range ids {
		keyID, err := s.client.HGet(ctx, s.heldKey(id), "key_id").Result()
		if errors.Is(err, goredis.Nil) {
			s.client.ZRem(ctx, s.heldSet(), id)
			continue
		}
		if err != nil {
			return n, fmt.Errorf("speechquota/redis: read reservation: %w", err)
		}
		released, err := s.release(ctx, keyID, id)
		if err != nil {
			return n, fmt.Errorf("speechquota/redis: expire reservation: %w", err)
		}
		if released {
			n++
		}
	}
	return n, nil
}

// Commit moves the reservation into used quota and records user usage in one
// script. Replaying a committed reservation within the commit TTL is a no-op.
func (s *Store) Commit(ctx context.Context, res speechquota.Reservation, c speechquota.Charge) error {
	markerTTL := int64(s.commitTTL.Seconds())
	resID := res.ID
	if resID == "" {
		markerTTL = 0
		resID = "_none"
	}
	result, err := commitScript.Run(ctx, s.client,
		[]string{
			s.keyKey(res.KeyID),
			s.dailyKey(c.UserID, c.Period.Day),
			s.monthlyKey(c.UserID, c.Period.Month),
			s.commitKey(resID),
			s.heldKey(resID),
			s.heldSet(),
		},
		c.Characters, resID, c.At.UnixNano(),
		int64(s.dailyTTL.Seconds()), int64(s.monthlyTTL.Seconds()), markerTTL,
	).Int64()
	if err != nil {
		return &speechquota.TransientError{Err: fmt.Errorf("speechquota/redis: commit: %w", err)}
	}
	switch result {
	case 1, 2:
		return nil
	case 0:
		return speechquota.ErrQuotaExceeded
	case -2:
		return speechquota.ErrKeyNotFound
	default:
		return fmt.Errorf("speechquota/redis: unexpected commit result: %d", result)
	}
}

// GetMembership returns the stored membership; unknown users are free.
func (s *Store) GetMembership(ctx context.Context, userID string) (speechquota.MembershipState, error) {
	m, err := s.client.HGetAll(ctx, s.memberKey(userID)).Result()
	if err != nil {
		return speechquota.MembershipState{}, fmt.Errorf("speechquota/redis: get membership: %w", err)
	}
	if len(m) == 0 {
		return speechquota.MembershipState{Tier: speechquota.TierFree}, nil
	}
	return speechquota.MembershipState{
		Tier:      speechquota.Tier(m["tier"]),
		ExpiresAt: parseNanosPtr(m["expires_at"]),
	}, nil
}

// SetMembership stores a user's membership.
func (s *Store) SetMembership(ctx context.Context, userID string, state speechquota.MembershipState) error {
	expires := ""
	if state.ExpiresAt != nil {
		expires = strconv.FormatInt(state.ExpiresAt.UnixNano(), 10)
	}
	if err := s.client.HSet(ctx, s.memberKey(userID), "tier", string(state.Tier), "expires_at", expires).Err(); err != nil {
		return fmt.Errorf("speechquota/redis: set membership: %w", err)
	}
	return nil
}

// PurgeUsage deletes counters whose period sorts before the cutoffs. Counters
// also expire on their own after the usage TTL.
func (s *Store) PurgeUsage(ctx context.Context, dailyBefore, monthlyBefore string) (int64, error) {
	var total int64
	for _, q := range []struct{ prefix, before string }{
		{s.dailyPrefix(), dailyBefore},
		{s.monthlyPrefix(), monthlyBefore},
	} {
		iter := s.client.Scan(ctx, 0, q.prefix+"*", 500).Iterator()
		var stale []string
		for iter.Next(ctx) {
			period, _, ok := strings.Cut(strings.TrimPrefix(iter.Val(), q.prefix), ":")
			if ok && period < q.before {
				stale = append(stale, iter.Val())
			}
		}
		if err := iter.Err(); err != nil {
			return total, fmt.Errorf("speechquota/redis: scan usage: %w", err)
		}
		for _, key := range stale {
			n, err := s.client.Del(ctx, key).Result()
			if err != nil {
				return total, fmt.Errorf("speechquota/redis: purge usage: %w", err)
			}
			total += n
		}
	}
	return total, nil
}

func encodeKey(rec speechquota.KeyRecord) []any {
	fields := []any{
		"id", rec.ID,
		"name", rec.Name,
		"secret", rec.Secret,
		"region", rec.Region,
		"total_quota", rec.TotalQuota,
		"used_quota", rec.UsedQuota,
		"reserved_quota", rec.ReservedQuota,
		"active", boolString(rec.Active),
		"notes", rec.Notes,
		"created_at", rec.CreatedAt.UnixNano(),
		"updated_at", rec.UpdatedAt.UnixNano(),
	}
	if rec.LastUsedAt != nil {
		fields = append(fields, "last_used_at", rec.LastUsedAt.UnixNano())
	}
	return fields
}

func decodeKey(m map[string]string) speechquota.KeyRecord {
	return speechquota.KeyRecord{
		ID:            m["id"],
		Name:          m["name"],
		Secret:        m["secret"],
		Region:        m["region"],
		TotalQuota:    parseInt(m["total_quota"]),
		UsedQuota:     parseInt(m["used_quota"]),
		ReservedQuota: parseInt(m["reserved_quota"]),
		Active:        m["active"] == "1",
		Notes:         m["notes"],
		CreatedAt:     parseNanos(m["created_at"]),
		UpdatedAt:     parseNanos(m["updated_at"]),
		LastUsedAt:    parseNanosPtr(m["last_used_at"]),
	}
}

func decodeCounter(m map[string]string, c *speechquota.UsageCounter) {
	if len(m) == 0 {
		return
	}
	c.Requests = parseInt(m["requests"])
	c.Characters = parseInt(m["characters"])
	c.UpdatedAt = parseNanos(m["updated_at"])
}

func parseInt(v string) int64 {
	n, _ := strconv.ParseInt(v, 10, 64)
	return n
}

func parseNanos(v string) time.Time {
	return time.Unix(0, parseInt(v)).UTC()
}

func parseNanosPtr(v string) *time.Time {
	if v == "" {
		return nil
	}
	t := parseNanos(v)
	return &t
}

func boolString(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
