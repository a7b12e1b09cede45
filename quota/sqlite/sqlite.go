// Package sqlite provides an embedded SQLite-backed Store for speechquota.
//
// Counters are mutated with single UPDATE ... SET col = col + ? statements and
// INSERT ... ON CONFLICT DO UPDATE upserts. The pool is limited to one
// connection, so SQLite's single writer never reports SQLITE_BUSY to callers.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	// register sqlite driver
	_ "modernc.org/sqlite"

	"github.com/ineyio/speechquota"
)

// Store is a SQLite-backed Store.
type Store struct {
	db     *sql.DB
	prefix string
}

var (
	_ speechquota.Store       = (*Store)(nil)
	_ speechquota.UsagePurger = (*Store)(nil)
)

// Option configures Store.
type Option func(*Store)

// WithTablePrefix sets the table name prefix (default "speechquota_").
func WithTablePrefix(prefix string) Option {
	return func(s *Store) { s.prefix = prefix }
}

// New opens (or creates) a SQLite database at path and applies the schema.
func New(path string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("speechquota/sqlite: create directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("speechquota/sqlite: open: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db, prefix: "speechquota_"}
	for _, opt := range opts {
		opt(s)
	}

	for _, pragma := range []string{`PRAGMA journal_mode=WAL`, `PRAGMA busy_timeout=5000`} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("speechquota/sqlite: %s: %w", pragma, err)
		}
	}
	if err := s.EnsureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases underlying database resources.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) keysTable() string        { return s.prefix + "api_keys" }
func (s *Store) dailyTable() string       { return s.prefix + "usage_daily" }
func (s *Store) monthlyTable() string     { return s.prefix + "usage_monthly" }
func (s *Store) membershipsTable() string { return s.prefix + "memberships" }
func (s *Store) heldTable() string        { return s.prefix + "reservations" }

// EnsureSchema creates the required tables if they don't exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	secret TEXT NOT NULL,
	region TEXT NOT NULL,
	total_quota INTEGER NOT NULL,
	used_quota INTEGER NOT NULL DEFAULT 0,
	reserved_quota INTEGER NOT NULL DEFAULT 0,
	active INTEGER NOT NULL DEFAULT 1,
	notes TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	last_used_at INTEGER,
	CHECK (used_quota >= 0 AND reserved_quota >= 0 AND used_quota + reserved_quota <= total_quota)
);
CREATE TABLE IF NOT EXISTS %[2]s (
	user_id TEXT NOT NULL,
	day TEXT NOT NULL,
	requests INTEGER NOT NULL DEFAULT 0,
	characters INTEGER NOT NULL DEFAULT 0,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (user_id, day)
);
CREATE TABLE IF NOT EXISTS %[3]s (
	user_id TEXT NOT NULL,
	month TEXT NOT NULL,
	requests INTEGER NOT NULL DEFAULT 0,
	characters INTEGER NOT NULL DEFAULT 0,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (user_id, month)
);
CREATE TABLE IF NOT EXISTS %[4]s (
	user_id TEXT PRIMARY KEY,
	tier TEXT NOT NULL,
	expires_at INTEGER
);
CREATE TABLE IF NOT EXISTS %[5]s (
	id TEXT PRIMARY KEY,
	key_id TEXT NOT NULL,
	amount INTEGER NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS %[2]s_day ON %[2]s(day);
CREATE INDEX IF NOT EXISTS %[3]s_month ON %[3]s(month);
CREATE INDEX IF NOT EXISTS %[5]s_created ON %[5]s(created_at);
CREATE INDEX IF NOT EXISTS %[5]s_key ON %[5]s(key_id);
`, s.keysTable(), s.dailyTable(), s.monthlyTable(), s.membershipsTable(), s.heldTable())
	if _, err := s.db.ExecContext(ctx, q); err != nil {
		return fmt.Errorf("speechquota/sqlite: ensure schema: %w", err)
	}
	return nil
}

const keyColumns = `id, name, secret, region, total_quota, used_quota, reserved_quota, active, notes, created_at, updated_at, last_used_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanKey(row scanner) (speechquota.KeyRecord, error) {
	var (
		k                speechquota.KeyRecord
		active           int64
		created, updated int64
		lastUsed         sql.NullInt64
	)
	if err := row.Scan(&k.ID, &k.Name, &k.Secret, &k.Region, &k.TotalQuota, &k.UsedQuota,
		&k.ReservedQuota, &active, &k.Notes, &created, &updated, &lastUsed); err != nil {
		return speechquota.KeyRecord{}, err
	}
	k.Active = active != 0
	k.CreatedAt = fromNanos(created)
	k.UpdatedAt = fromNanos(updated)
	if lastUsed.Valid {
		t := fromNanos(lastUsed.Int64)
		k.LastUsedAt = &t
	}
	return k, nil
}

// CreateKey inserts a key. An empty ID is assigned a UUID.
func (s *Store) CreateKey(ctx context.Context, rec speechquota.KeyRecord) (speechquota.KeyRecord, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.TotalQuota < 0 || rec.UsedQuota < 0 || rec.UsedQuota+rec.ReservedQuota > rec.TotalQuota {
		return speechquota.KeyRecord{}, speechquota.ErrInvalidQuota
	}
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
INSERT INTO %s (`+keyColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.keysTable()),
		rec.ID, rec.Name, rec.Secret, rec.Region, rec.TotalQuota, rec.UsedQuota, rec.ReservedQuota,
		boolInt(rec.Active), rec.Notes, toNanos(rec.CreatedAt), toNanos(rec.UpdatedAt), nullNanos(rec.LastUsedAt),
	)
	if err != nil {
		return speechquota.KeyRecord{}, fmt.Errorf("speechquota/sqlite: create key: %w", err)
	}
	return rec, nil
}

// GetKey returns a key by ID.
func (s *Store) GetKey(ctx context.Context, id string) (speechquota.KeyRecord, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT `+keyColumns+` FROM %s WHERE id = ?`, s.keysTable()), id)
	k, err := scanKey(row)
	if errors.Is(err, sql.ErrNoRows) {
		return speechquota.KeyRecord{}, speechquota.ErrKeyNotFound
	}
	if err != nil {
		return speechquota.KeyRecord{}, fmt.Errorf("speechquota/sqlite: get key: %w", err)
	}
	return k, nil
}

// ListKeys returns all keys ordered by creation time.
func (s *Store) ListKeys(ctx context.Context) ([]speechquota.KeyRecord, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`SELECT `+keyColumns+` FROM %s ORDER BY created_at, id`, s.keysTable()))
	if err != nil {
		return nil, fmt.Errorf("speechquota/sqlite: list keys: %w", err)
	}
	defer rows.Close()

	var out []speechquota.KeyRecord
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, fmt.Errorf("speechquota/sqlite: scan key: %w", err)
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// UpdateKey applies a partial update inside a transaction.
func (s *Store) UpdateKey(ctx context.Context, id string, upd speechquota.KeyUpdate, now time.Time) (speechquota.KeyRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return speechquota.KeyRecord{}, fmt.Errorf("speechquota/sqlite: begin tx: %w", err)
	}
	defer tx.Rollback()

	k, err := scanKey(tx.QueryRowContext(ctx, fmt.Sprintf(`SELECT `+keyColumns+` FROM %s WHERE id = ?`, s.keysTable()), id))
	if errors.Is(err, sql.ErrNoRows) {
		return speechquota.KeyRecord{}, speechquota.ErrKeyNotFound
	}
	if err != nil {
		return speechquota.KeyRecord{}, fmt.Errorf("speechquota/sqlite: get key: %w", err)
	}
	if err := upd.Apply(&k, now); err != nil {
		return speechquota.KeyRecord{}, err
	}

	_, err = tx.ExecContext(ctx, fmt.Sprintf(`
UPDATE %s SET name = ?, secret = ?, region = ?, total_quota = ?, active = ?, notes = ?, updated_at = ?
WHERE id = ?`, s.keysTable()),
		k.Name, k.Secret, k.Region, k.TotalQuota, boolInt(k.Active), k.Notes, toNanos(k.UpdatedAt), id,
	)
	if err != nil {
		return speechquota.KeyRecord{}, fmt.Errorf("speechquota/sqlite: update key: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return speechquota.KeyRecord{}, fmt.Errorf("speechquota/sqlite: commit: %w", err)
	}
	return k, nil
}

// DeleteKey removes a key and its reservations.
func (s *Store) DeleteKey(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("speechquota/sqlite: begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, s.keysTable()), id)
	if err != nil {
		return fmt.Errorf("speechquota/sqlite: delete key: %w", err)
	}
	if err := requireRow(res, speechquota.ErrKeyNotFound); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE key_id = ?`, s.heldTable()), id); err != nil {
		return fmt.Errorf("speechquota/sqlite: delete reservations: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("speechquota/sqlite: commit: %w", err)
	}
	return nil
}

// RecordKeyUsage adds chars to a key's used quota if it fits.
func (s *Store) RecordKeyUsage(ctx context.Context, keyID string, chars int64, at time.Time) error {
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`
UPDATE %s SET used_quota = used_quota + ?1, last_used_at = ?2, updated_at = ?2
WHERE id = ?3 AND ?1 >= 0 AND used_quota + reserved_quota + ?1 <= total_quota`, s.keysTable()),
		chars, toNanos(at), keyID,
	)
	if err != nil {
		return fmt.Errorf("speechquota/sqlite: record key usage: %w", err)
	}
	return s.explainMiss(ctx, s.db, res, keyID, false)
}

// ResetKeyQuota clears a key's used quota and drops its reservations.
func (s *Store) ResetKeyQuota(ctx context.Context, keyID string, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("speechquota/sqlite: begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, fmt.Sprintf(`
UPDATE %s SET used_quota = 0, reserved_quota = 0, updated_at = ? WHERE id = ?`, s.keysTable()),
		toNanos(at), keyID,
	)
	if err != nil {
		return fmt.Errorf("speechquota/sqlite: reset key quota: %w", err)
	}
	if err := requireRow(res, speechquota.ErrKeyNotFound); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE key_id = ?`, s.heldTable()), keyID); err != nil {
		return fmt.Errorf("speechquota/sqlite: drop reservations: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("speechquota/sqlite: commit: %w", err)
	}
	return nil
}

// RecordUserUsage upserts the daily and monthly counters in one transaction.
func (s *Store) RecordUserUsage(ctx context.Context, userID string, chars int64, p speechquota.Period, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return transient(fmt.Errorf("speechquota/sqlite: begin tx: %w", err))
	}
	defer tx.Rollback()

	if err := s.addUsage(ctx, tx, userID, chars, p, at); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return transient(fmt.Errorf("speechquota/sqlite: commit: %w", err))
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
	var updated int64
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT requests, characters, updated_at FROM %s WHERE user_id = ? AND %s = ?`, table, col),
		userID, period,
	).Scan(&c.Requests, &c.Characters, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("speechquota/sqlite: read %s usage: %w", col, err)
	}
	c.UpdatedAt = fromNanos(updated)
	return nil
}

// ReserveKey holds chars of an active key's remaining quota.
func (s *Store) ReserveKey(ctx context.Context, keyID string, chars int64, at time.Time) (speechquota.Reservation, error) {
	r := speechquota.Reservation{ID: uuid.NewString(), KeyID: keyID, Amount: chars, CreatedAt: at}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return speechquota.Reservation{}, fmt.Errorf("speechquota/sqlite: begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, fmt.Sprintf(`
UPDATE %s SET reserved_quota = reserved_quota + ?1
WHERE id = ?2 AND active = 1 AND ?1 >= 0 AND used_quota + reserved_quota + ?1 <= total_quota`, s.keysTable()),
		chars, keyID,
	)
	if err != nil {
		return speechquota.Reservation{}, fmt.Errorf("speechquota/sqlite: reserve: %w", err)
	}
	if err := s.explainMiss(ctx, tx, res, keyID, true); err != nil {
		return speechquota.Reservation{}, err
	}
	_, err = tx.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %s (id, key_id, amount, created_at) VALUES (?, ?, ?, ?)`, s.heldTable()),
		r.ID, r.KeyID, r.Amount, toNanos(at),
	)
	if err != nil {
		return speechquota.Reservation{}, fmt.Errorf("speechquota/sqlite: record reservation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return speechquota.Reservation{}, fmt.Errorf("speechquota/sqlite: commit: %w", err)
	}
	return r, nil
}

// ReleaseKey returns a reservation that is still held.
func (s *Store) ReleaseKey(ctx context.Context, r speechquota.Reservation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("speechquota/sqlite: begin tx: %w", err)
	}
	defer tx.Rollback()

	amount, err := s.takeHeld(ctx, tx, r.ID)
	if err != nil {
		return err
	}
	if amount > 0 {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`
UPDATE %s SET reserved_quota = MAX(reserved_quota - ?, 0) WHERE id = ?`, s.keysTable()),
			amount, r.KeyID,
		); err != nil {
			return fmt.Errorf("speechquota/sqlite: release: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("speechquota/sqlite: commit: %w", err)
	}
	return nil
}

// ExpireReservations releases reservations created before the cutoff.
func (s *Store) ExpireReservations(ctx context.Context, before time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("speechquota/sqlite: begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, fmt.Sprintf(`
UPDATE %[1]s SET reserved_quota = MAX(reserved_quota - (
	SELECT COALESCE(SUM(amount), 0) FROM %[2]s WHERE %[2]s.key_id = %[1]s.id AND %[2]s.created_at < ?1
), 0)
WHERE id IN (SELECT key_id FROM %[2]s WHERE created_at < ?1)`, s.keysTable(), s.heldTable()),
		toNanos(before),
	)
	if err != nil {
		return 0, fmt.Errorf("speechquota/sqlite: expire reservations: %w", err)
	}
	res, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE created_at < ?`, s.heldTable()), toNanos(before))
	if err != nil {
		return 0, fmt.Errorf("speechquota/sqlite: delete expired reservations: %w", err)
	}
	n, _ := res.RowsAffected()
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("speechquota/sqlite: commit: %w", err)
	}
	return n, nil
}

// takeHeld deletes a reservation row and returns its amount, or zero when the
// reservation is no longer held.
func (s *Store) takeHeld(ctx context.Context, tx *sql.Tx, id string) (int64, error) {
	var amount int64
	err := tx.QueryRowContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = ? RETURNING amount`, s.heldTable()), id).Scan(&amount)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, transient(fmt.Errorf("speechquota/sqlite: take reservation: %w", err))
	}
	return amount, nil
}

// Commit moves the reservation into used quota and records user usage in one transaction.
func (s *Store) Commit(ctx context.Context, r speechquota.Reservation, c speechquota.Charge) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return transient(fmt.Errorf("speechquota/sqlite: begin tx: %w", err))
	}
	defer tx.Rollback()

	amount, err := s.takeHeld(ctx, tx, r.ID)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, fmt.Sprintf(`
UPDATE %s SET
	used_quota = used_quota + ?1,
	reserved_quota = MAX(reserved_quota - ?2, 0),
	last_used_at = ?3,
	updated_at = ?3
WHERE id = ?4 AND used_quota + ?1 + MAX(reserved_quota - ?2, 0) <= total_quota`, s.keysTable()),
		c.Characters, amount, toNanos(c.At), r.KeyID,
	)
	if err != nil {
		return transient(fmt.Errorf("speechquota/sqlite: commit key usage: %w", err))
	}
	if err := s.explainMiss(ctx, tx, res, r.KeyID, false); err != nil {
		return err
	}
	if err := s.addUsage(ctx, tx, c.UserID, c.Characters, c.Period, c.At); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return transient(fmt.Errorf("speechquota/sqlite: commit: %w", err))
	}
	return nil
}

func (s *Store) addUsage(ctx context.Context, tx *sql.Tx, userID string, chars int64, p speechquota.Period, at time.Time) error {
	for _, u := range []struct{ table, col, period string }{
		{s.dailyTable(), "day", p.Day},
		{s.monthlyTable(), "month", p.Month},
	} {
		_, err := tx.ExecContext(ctx, fmt.Sprintf(`
INSERT INTO %[1]s (user_id, %[2]s, requests, characters, updated_at) VALUES (?, ?, 1, ?, ?)
ON CONFLICT (user_id, %[2]s) DO UPDATE SET
	requests = %[1]s.requests + excluded.requests,
	characters = %[1]s.characters + excluded.characters,
	updated_at = excluded.updated_at`, u.table, u.col),
			userID, u.period, chars, toNanos(at),
		)
		if err != nil {
			return transient(fmt.Errorf("speechquota/sqlite: record %s usage: %w", u.col, err))
		}
	}
	return nil
}

// GetMembership returns the stored membership; unknown users are free.
func (s *Store) GetMembership(ctx context.Context, userID string) (speechquota.MembershipState, error) {
	var (
		tier    string
		expires sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT tier, expires_at FROM %s WHERE user_id = ?`, s.membershipsTable()), userID,
	).Scan(&tier, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return speechquota.MembershipState{Tier: speechquota.TierFree}, nil
	}
	if err != nil {
		return speechquota.MembershipState{}, fmt.Errorf("speechquota/sqlite: get membership: %w", err)
	}
	state := speechquota.MembershipState{Tier: speechquota.Tier(tier)}
	if expires.Valid {
		t := fromNanos(expires.Int64)
		state.ExpiresAt = &t
	}
	return state, nil
}

// SetMembership upserts a user's membership.
func (s *Store) SetMembership(ctx context.Context, userID string, state speechquota.MembershipState) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
INSERT INTO %s (user_id, tier, expires_at) VALUES (?, ?, ?)
ON CONFLICT (user_id) DO UPDATE SET tier = excluded.tier, expires_at = excluded.expires_at`,
		s.membershipsTable()),
		userID, string(state.Tier), nullNanos(state.ExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("speechquota/sqlite: set membership: %w", err)
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
		res, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE %s < ?`, q.table, q.col), q.before)
		if err != nil {
			return total, fmt.Errorf("speechquota/sqlite: purge %s usage: %w", q.col, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// explainMiss turns a conditional update that matched no row into
// ErrKeyNotFound, ErrKeyInactive (when requireActive) or ErrQuotaExceeded.
func (s *Store) explainMiss(ctx context.Context, q queryer, res sql.Result, keyID string, requireActive bool) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("speechquota/sqlite: rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	var active int64
	err = q.QueryRowContext(ctx, fmt.Sprintf(`SELECT active FROM %s WHERE id = ?`, s.keysTable()), keyID).Scan(&active)
	if errors.Is(err, sql.ErrNoRows) {
		return speechquota.ErrKeyNotFound
	}
	if err != nil {
		return fmt.Errorf("speechquota/sqlite: check key: %w", err)
	}
	if requireActive && active == 0 {
		return speechquota.ErrKeyInactive
	}
	return speechquota.ErrQuotaExceeded
}

func requireRow(res sql.Result, miss error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("speechquota/sqlite: rows affected: %w", err)
	}
	if n == 0 {
		return miss
	}
	return nil
}

func transient(err error) error {
	return &speechquota.TransientError{Err: err}
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func toNanos(t time.Time) int64 { return t.UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func nullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}
