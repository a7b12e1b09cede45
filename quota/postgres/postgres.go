// Package postgres provides a PostgreSQL-backed Store for speechquota.
//
// Key quota and user usage live in PostgreSQL tables. Every counter change is
// a single conditional UPDATE or an INSERT ... ON CONFLICT upsert, so any
// number of service instances can share one database.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ineyio/speechquota"
)

// Store is a PostgreSQL-backed Store.
type Store struct {
	pool        *pgxpool.Pool
	tablePrefix string
}

var (
	_ speechquota.Store         = (*Store)(nil)
	_ speechquota.UsagePurger   = (*Store)(nil)
	_ speechquota.CommitCleaner = (*Store)(nil)
)

// Option configures Store.
type Option func(*Store)

// WithTablePrefix sets the table name prefix (default "speechquota_").
func WithTablePrefix(prefix string) Option {
	return func(s *Store) { s.tablePrefix = prefix }
}

// New creates a new PostgreSQL-backed Store.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{
		pool:        pool,
		tablePrefix: "speechquota_",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) keysTable() string        { return s.tablePrefix + "api_keys" }
func (s *Store) dailyTable() string       { return s.tablePrefix + "usage_daily" }
func (s *Store) monthlyTable() string     { return s.tablePrefix + "usage_monthly" }
func (s *Store) membershipsTable() string { return s.tablePrefix + "memberships" }
func (s *Store) commitsTable() string     { return s.tablePrefix + "commits" }
func (s *Store) heldTable() string        { return s.tablePrefix + "reservations" }

// EnsureSchema creates the required tables if they don't exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			secret TEXT NOT NULL,
			region TEXT NOT NULL,
			total_quota BIGINT NOT NULL,
			used_quota BIGINT NOT NULL DEFAULT 0,
			reserved_quota BIGINT NOT NULL DEFAULT 0,
			active BOOLEAN NOT NULL DEFAULT true,
			notes TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			last_used_at TIMESTAMPTZ,
			CHECK (used_quota >= 0 AND reserved_quota >= 0 AND used_quota + reserved_quota <= total_quota)
		);
		CREATE TABLE IF NOT EXISTS %[2]s (
			user_id TEXT NOT NULL,
			day TEXT NOT NULL,
			requests BIGINT NOT NULL DEFAULT 0,
			characters BIGINT NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (user_id, day)
		);
		CREATE TABLE IF NOT EXISTS %[3]s (
			user_id TEXT NOT NULL,
			month TEXT NOT NULL,
			requests BIGINT NOT NULL DEFAULT 0,
			characters BIGINT NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (user_id, month)
		);
		CREATE TABLE IF NOT EXISTS %[4]s (
			user_id TEXT PRIMARY KEY,
			tier TEXT NOT NULL,
			expires_at TIMESTAMPTZ
		);
		CREATE TABLE IF NOT EXISTS %[5]s (
			reservation_id TEXT PRIMARY KEY,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE TABLE IF NOT EXISTS %[6]s (
			id TEXT PRIMARY KEY,
			key_id TEXT NOT NULL REFERENCES %[1]s (id) ON DELETE CASCADE,
			amount BIGINT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS %[2]s_day ON %[2]s (day);
		CREATE INDEX IF NOT EXISTS %[3]s_month ON %[3]s (month);
		CREATE INDEX IF NOT EXISTS %[5]s_created ON %[5]s (created_at);
		CREATE INDEX IF NOT EXISTS %[6]s_created ON %[6]s (created_at);
		CREATE INDEX IF NOT EXISTS %[6]s_key ON %[6]s (key_id);
	`, s.keysTable(), s.dailyTable(), s.monthlyTable(), s.membershipsTable(), s.commitsTable(), s.heldTable())
	_, err := s.pool.Exec(ctx, q)
	if err != nil {
		return fmt.Errorf("speechquota/postgres: ensure schema: %w", err)
	}
	return nil
}

const keyColumns = `id, name, secret, region, total_quota, used_quota, reserved_quota, active, notes, created_at, updated_at, last_used_at`

func scanKey(row pgx.Row) (speechquota.KeyRecord, error) {
	var k speechquota.KeyRecord
	err := row.Scan(&k.ID, &k.Name, &k.Secret, &k.Region, &k.TotalQuota, &k.UsedQuota,
		&k.ReservedQuota, &k.Active, &k.Notes, &k.CreatedAt, &k.UpdatedAt, &k.LastUsedAt)
	return k, err
}

// CreateKey inserts a key. An empty ID is assigned a UUID.
func (s *Store) CreateKey(ctx context.Context, rec speechquota.KeyRecord) (speechquota.KeyRecord, error) {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.TotalQuota < 0 || rec.UsedQuota < 0 || rec.UsedQuota+rec.ReservedQuota > rec.TotalQuota {
		return speechquota.KeyRecord{}, speechquota.ErrInvalidQuota
	}
	_, err := s.pool.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (`+keyColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			s.keysTable()),
		rec.ID, rec.Name, rec.Secret, rec.Region, rec.TotalQuota, rec.UsedQuota, rec.ReservedQuota,
		rec.Active, rec.Notes, rec.CreatedAt, rec.UpdatedAt, rec.LastUsedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return speechquota.KeyRecord{}, fmt.Errorf("%w: duplicate key id %q", speechquota.ErrInvalidRequest, rec.ID)
	}
	if err != nil {
		return speechquota.KeyRecord{}, fmt.Errorf("speechquota/postgres: create key: %w", err)
	}
	return rec, nil
}

// GetKey returns a key by ID.
func (s *Store) GetKey(ctx context.Context, id string) (speechquota.KeyRecord, error) {
	k, err := scanKey(s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT `+keyColumns+` FROM %s WHERE id = $1`, s.keysTable()), id))
	if errors.Is(err, pgx.ErrNoRows) {
		return speechquota.KeyRecord{}, speechquota.ErrKeyNotFound
	}
	if err != nil {
		return speechquota.KeyRecord{}, fmt.Errorf("speechquota/postgres: get key: %w", err)
	}
	return k, nil
}

// ListKeys returns all keys ordered by creation time.
func (s *Store) ListKeys(ctx context.Context) ([]speechquota.KeyRecord, error) {
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT `+keyColumns+` FROM %s ORDER BY created_at, id`, s.keysTable()))
	if err != nil {
		return nil, fmt.Errorf("speechquota/postgres: list keys: %w", err)
	}
	defer rows.Close()

	var out []speechquota.KeyRecord
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, fmt.Errorf("speechquota/postgres: scan key: %w", err)
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// UpdateKey applies a partial update under a row lock.
func (s *Store) UpdateKey(ctx context.Context, id string, upd speechquota.KeyUpdate, now time.Time) (speechquota.KeyRecord, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return speechquota.KeyRecord{}, fmt.Errorf("speechquota/postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	k, err := scanKey(tx.QueryRow(ctx,
		fmt.Sprintf(`SELECT `+keyColumns+` FROM %s WHERE id = $1 FOR UPDATE`, s.keysTable()), id))
	if errors.Is(err, pgx.ErrNoRows) {
		return speechquota.KeyRecord{}, speechquota.ErrKeyNotFound
	}
	if err != nil {
		return speechquota.KeyRecord{}, fmt.Errorf("speechquota/postgres: lock key: %w", err)
	}
	if err := upd.Apply(&k, now); err != nil {
		return speechquota.KeyRecord{}, err
	}

	_, err = tx.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET name = $1, secret = $2, region = $3, total_quota = $4, active = $5, notes = $6, updated_at = $7
			WHERE id = $8`, s.keysTable()),
		k.Name, k.Secret, k.Region, k.TotalQuota, k.Active, k.Notes, k.UpdatedAt, id,
	)
	if err != nil {
		return speechquota.KeyRecord{}, fmt.Errorf("speechquota/postgres: update key: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return speechquota.KeyRecord{}, fmt.Errorf("speechquota/postgres: commit: %w", err)
	}
	return k, nil
}

// DeleteKey removes a key.
func (s *Store) DeleteKey(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, s.keysTable()), id)
	if err != nil {
		return fmt.Errorf("speechquota/postgres: delete key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return speechquota.ErrKeyNotFound
	}
	return nil
}

// RecordKeyUsage adds chars to a key's used quota if it fits.
func (s *Store) RecordKeyUsage(ctx context.Context, keyID string, chars int64, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET used_quota = used_quota + $1, last_used_at = $2, updated_at = $2
			WHERE id = $3 AND $1 >= 0 AND used_quota + reserved_quota + $1 <= total_quota`, s.keysTable()),
		chars, at, keyID,
	)
	if err != nil {
		return fmt.Errorf("speechquota/postgres: record key usage: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.explainMiss(ctx, s.pool, keyID, false)
	}
	return nil
}

// ResetKeyQuota clears a key's used quota and drops its reservations.
func (s *Store) ResetKeyQuota(ctx context.Context, keyID string, at time.Time) error {
	var id string
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`WITH dropped AS (DELETE FROM %[2]s WHERE key_id = $2)
			UPDATE %[1]s SET used_quota = 0, reserved_quota = 0, updated_at = $1 WHERE id = $2
			RETURNING id`, s.keysTable(), s.heldTable()),
		at, keyID,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return speechquota.ErrKeyNotFound
	}
	if err != nil {
		return fmt.Errorf("speechquota/postgres: reset key quota: %w", err)
	}
	return nil
}

// RecordUserUsage upserts the daily and monthly counters in one transaction.
func (s *Store) RecordUserUsage(ctx context.Context, userID string, chars int64, p speechquota.Period, at time.Time) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return transient(fmt.Errorf("speechquota/postgres: begin tx: %w", err))
	}
	defer tx.Rollback(ctx)

	if err := s.addUsage(ctx, tx, userID, chars, p, at); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return transient(fmt.Errorf("speechquota/postgres: commit: %w", err))
	}
	return nil
}

// GetUserUsage returns the counters for a period without creating them.
func (s *Store) GetUserUsage(ctx context.Context, userID string, p speechquota.Period) (speechquota.UserUsage, error) {
	u := speechquota.EmptyUsage(userID, p)
	if err := s.readCounter(ctx, s.dailyTable(), "day", userID, p.Day, &u.Daily); err != nil {
		return speechquota.UserUsage{}, err
	}
	if err := s.readCounter(ctx, s.monthlyTable(), "month", userID, p.Month, &u.Monthly); err != nil {
		return speechquota.UserUsage{}, err
	}
	return u, nil
}

func (s *Store) readCounter(ctx context.Context, table, col, userID, period string, c *speechquota.UsageCounter) error {
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT requests, characters, updated_at FROM %s WHERE user_id = $1 AND %s = $2`, table, col),
		userID, period,
	).Scan(&c.Requests, &c.Characters, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("speechquota/postgres: read %s usage: %w", col, err)
	}
	return nil
}

// ReserveKey holds chars of an active key's remaining quota and records the
// reservation in the same statement.
func (s *Store) ReserveKey(ctx context.Context, keyID string, chars int64, at time.Time) (speechquota.Reservation, error) {
	res := speechquota.Reservation{
		ID:        uuid.New().String(),
		KeyID:     keyID,
		Amount:    chars,
		CreatedAt: at,
	}
	var reserved bool
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`WITH k AS (
				UPDATE %[1]s SET reserved_quota = reserved_quota + $1
				WHERE id = $2 AND active AND $1 >= 0 AND (total_quota - used_quota - reserved_quota) >= $1
				RETURNING id
			)
			INSERT INTO %[2]s (id, key_id, amount, created_at)
			SELECT $3::text, k.id, $1::bigint, $4::timestamptz FROM k
			RETURNING true`, s.keysTable(), s.heldTable()),
		chars, keyID, res.ID, at,
	).Scan(&reserved)
	if errors.Is(err, pgx.ErrNoRows) {
		return speechquota.Reservation{}, s.explainMiss(ctx, s.pool, keyID, true)
	}
	if err != nil {
		return speechquota.Reservation{}, fmt.Errorf("speechquota/postgres: reserve: %w", err)
	}
	return res, nil
}

// ReleaseKey returns a reservation that is still held.
func (s *Store) ReleaseKey(ctx context.Context, res speechquota.Reservation) error {
	_, err := s.pool.Exec(ctx,
		fmt.Sprintf(`WITH r AS (DELETE FROM %[2]s WHERE id = $1 RETURNING key_id, amount)
			UPDATE %[1]s k SET reserved_quota = GREATEST(k.reserved_quota - r.amount, 0)
			FROM r WHERE k.id = r.key_id`, s.keysTable(), s.heldTable()),
		res.ID,
	)
	if err != nil {
		return fmt.Errorf("speechquota/postgres: release: %w", err)
	}
	return nil
}

// ExpireReservations releases reservations created before the cutoff.
func (s *Store) ExpireReservations(ctx context.Context, before time.Time) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`WITH expired AS (
				DELETE FROM %[2]s WHERE created_at < $1 RETURNING key_id, amount
			), per_key AS (
				SELECT key_id, SUM(amount)::bigint AS amount FROM expired GROUP BY key_id
			), released AS (
				UPDATE %[1]s k SET reserved_quota = GREATEST(k.reserved_quota - p.amount, 0)
				FROM per_key p WHERE k.id = p.key_id
			)
			SELECT count(*) FROM expired`, s.keysTable(), s.heldTable()),
		before,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("speechquota/postgres: expire reservations: %w", err)
	}
	return n, nil
}

// Commit moves the reservation into used quota and records user usage in one
// transaction. A reservation that was already committed is a no-op, so a
// retry after a lost acknowledgement never counts twice.
func (s *Store) Commit(ctx context.Context, res speechquota.Reservation, c speechquota.Charge) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return transient(fmt.Errorf("speechquota/postgres: begin tx: %w", err))
	}
	defer tx.Rollback(ctx)

	if res.ID != "" {
		var inserted bool
		err = tx.QueryRow(ctx,
			fmt.Sprintf(`INSERT INTO %s (reservation_id) VALUES ($1) ON CONFLICT DO NOTHING RETURNING true`, s.commitsTable()),
			res.ID,
		).Scan(&inserted)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return transient(fmt.Errorf("speechquota/postgres: commit marker: %w", err))
		}
	}

	var held int64
	err = tx.QueryRow(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE id = $1 RETURNING amount`, s.heldTable()),
		res.ID,
	).Scan(&held)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return transient(fmt.Errorf("speechquota/postgres: take reservation: %w", err))
	}

	tag, err := tx.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET
				used_quota = used_quota + $1,
				reserved_quota = GREATEST(reserved_quota - $2, 0),
				last_used_at = $3,
				updated_at = $3
			WHERE id = $4 AND used_quota + $1 + GREATEST(reserved_quota - $2, 0) <= total_quota`, s.keysTable()),
		c.Characters, held, c.At, res.KeyID,
	)
	if err != nil {
		return transient(fmt.Errorf("speechquota/postgres: commit key usage: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return s.explainMiss(ctx, tx, res.KeyID, false)
	}
	if err := s.addUsage(ctx, tx, c.UserID, c.Characters, c.Period, c.At); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return transient(fmt.Errorf("speechquota/postgres: commit: %w", err))
	}
	return nil
}

func (s *Store) addUsage(ctx context.Context, tx pgx.Tx, userID string, chars int64, p speechquota.Period, at time.Time) error {
	for _, u := range []struct{ table, col, period string }{
		{s.dailyTable(), "day", p.Day},
		{s.monthlyTable(), "month", p.Month},
	} {
		_, err := tx.Exec(ctx,
			fmt.Sprintf(`INSERT INTO %[1]s (user_id, %[2]s, requests, characters, updated_at) VALUES ($1, $2, 1, $3, $4)
				ON CONFLICT (user_id, %[2]s) DO UPDATE SET
					requests = %[1]s.requests + EXCLUDED.requests,
					characters = %[1]s.characters + EXCLUDED.characters,
					updated_at = EXCLUDED.updated_at`, u.table, u.col),
			userID, u.period, chars, at,
		)
		if err != nil {
			return transient(fmt.Errorf("speechquota/postgres: record %s usage: %w", u.col, err))
		}
	}
	return nil
}

// GetMembership returns the stored membership; unknown users are free.
func (s *Store) GetMembership(ctx context.Context, userID string) (speechquota.MembershipState, error) {
	var (
		tier    string
		expires *time.Time
	)
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT tier, expires_at FROM %s WHERE user_id = $1`, s.membershipsTable()),
		userID,
	).Scan(&tier, &expires)
	if errors.Is(err, pgx.ErrNoRows) {
		return speechquota.MembershipState{Tier: speechquota.TierFree}, nil
	}
	if err != nil {
		return speechquota.MembershipState{}, fmt.Errorf("speechquota/postgres: get membership: %w", err)
	}
	return speechquota.MembershipState{Tier: speechquota.Tier(tier), ExpiresAt: expires}, nil
}

// SetMembership upserts a user's membership.
func (s *Store) SetMembership(ctx context.Context, userID string, state speechquota.MembershipState) error {
	_, err := s.pool.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (user_id, tier, expires_at) VALUES ($1, $2, $3)
			ON CONFLICT (user_id) DO UPDATE SET tier = EXCLUDED.tier, expires_at = EXCLUDED.expires_at`,
			s.membershipsTable()),
		userID, string(state.Tier), state.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("speechquota/postgres: set membership: %w", err)
	}
	return nil
}

// PurgeUsage removes counters older than the cutoffs.
func (s *Store) PurgeUsage(ctx context.Context, dailyBefore, monthlyBefore string) (int64, error) {
	var total int64
	for _, q := range []struct{ table, col, before string }{
		{s.dailyTable(), "day", dailyBefore},
		{s.monthlyTable(), "month", monthlyBefore},
	} {
		tag, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE %s < $1`, q.table, q.col), q.before)
		if err != nil {
			return total, fmt.Errorf("speechquota/postgres: purge %s usage: %w", q.col, err)
		}
		total += tag.RowsAffected()
	}
	return total, nil
}

// CleanupCommits removes commit markers created before the cutoff.
func (s *Store) CleanupCommits(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE created_at < $1`, s.commitsTable()),
		before,
	)
	if err != nil {
		return 0, fmt.Errorf("speechquota/postgres: cleanup commits: %w", err)
	}
	return tag.RowsAffected(), nil
}

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// explainMiss reports why a conditional key update matched no row.
func (s *Store) explainMiss(ctx context.Context, q rowQuerier, keyID string, requireActive bool) error {
	var active bool
	err := q.QueryRow(ctx,
		fmt.Sprintf(`SELECT active FROM %s WHERE id = $1`, s.keysTable()),
		keyID,
	).Scan(&active)
	if errors.Is(err, pgx.ErrNoRows) {
		return speechquota.ErrKeyNotFound
	}
	if err != nil {
		return fmt.Errorf("speechquota/postgres: check key: %w", err)
	}
	if requireActive && !active {
		return speechquota.ErrKeyInactive
	}
	return speechquota.ErrQuotaExceeded
}

func transient(err error) error {
	return &speechquota.TransientError{Err: err}
}
