package speechquota

import (
	"context"
	"fmt"
	"time"
)

const (
	DefaultDailyRetentionDays     = 90
	DefaultMonthlyRetentionMonths = 12
)

// ReservationExpirer reclaims reservations abandoned by dead callers.
type ReservationExpirer interface {
	ExpireReservations(ctx context.Context, before time.Time) (int64, error)
}

// Purger deletes usage rows older than the retention window. Optionally it
// also reaps stale reservations and forgets old commit markers. Usage purging
// is advisory: no other component depends on old rows being gone.
type Purger struct {
	store         UsagePurger
	dailyDays     int
	monthlyMonths int
	now           func() time.Time
	loc           *time.Location
	onError       func(error)

	reaper    ReservationExpirer
	leaseTTL  time.Duration
	cleaner   CommitCleaner
	commitTTL time.Duration
}

// PurgerOption configures a Purger.
type PurgerOption func(*Purger)

// WithReservationReaper releases reservations older than ttl.
func WithReservationReaper(r ReservationExpirer, ttl time.Duration) PurgerOption {
	return func(p *Purger) {
		p.reaper = r
		p.leaseTTL = ttl
	}
}

// WithCommitCleaner forgets commit markers older than ttl on every purge.
func WithCommitCleaner(c CommitCleaner, ttl time.Duration) PurgerOption {
	return func(p *Purger) {
		p.cleaner = c
		p.commitTTL = ttl
	}
}

// NewPurger creates a Purger. Non-positive retention values use the defaults.
func NewPurger(store UsagePurger, dailyDays, monthlyMonths int, now func() time.Time, opts ...PurgerOption) *Purger {
	if dailyDays <= 0 {
		dailyDays = DefaultDailyRetentionDays
	}
	if monthlyMonths <= 0 {
		monthlyMonths = DefaultMonthlyRetentionMonths
	}
	if now == nil {
		now = time.Now
	}
	p := &Purger{
		store:         store,
		dailyDays:     dailyDays,
		monthlyMonths: monthlyMonths,
		now:           now,
		loc:           time.UTC,
		onError:       func(error) {},
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.leaseTTL <= 0 {
		p.reaper = nil
	}
	if p.commitTTL <= 0 {
		p.cleaner = nil
	}
	return p
}

// OnError sets a callback for failures during Run.
func (p *Purger) OnError(fn func(error)) {
	if fn != nil {
		p.onError = fn
	}
}

// Cutoffs returns the oldest day and month kept.
func (p *Purger) Cutoffs() (day, month string) {
	now := p.now().In(p.loc)
	day = now.AddDate(0, 0, -p.dailyDays).Format(time.DateOnly)
	firstOfMonth := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, p.loc)
	month = firstOfMonth.AddDate(0, -p.monthlyMonths, 0).Format("2006-01")
	return day, month
}

// PurgeOnce removes expired usage rows and commit markers and returns how many
// were deleted.
func (p *Purger) PurgeOnce(ctx context.Context) (int64, error) {
	day, month := p.Cutoffs()
	n, err := p.store.PurgeUsage(ctx, day, month)
	if err != nil {
		return 0, fmt.Errorf("speechquota: purge usage: %w", err)
	}
	if p.cleaner != nil {
		c, err := p.cleaner.CleanupCommits(ctx, p.now().Add(-p.commitTTL))
		if err != nil {
			return n, fmt.Errorf("speechquota: cleanup commits: %w", err)
		}
		n += c
	}
	return n, nil
}

// ReapOnce releases reservations older than the lease TTL. It does nothing
// without a reaper.
func (p *Purger) ReapOnce(ctx context.Context) (int64, error) {
	if p.reaper == nil {
		return 0, nil
	}
	n, err := p.reaper.ExpireReservations(ctx, p.now().Add(-p.leaseTTL))
	if err != nil {
		return 0, fmt.Errorf("speechquota: expire reservations: %w", err)
	}
	return n, nil
}

// ReapInterval is how often Run reaps reservations: half the lease TTL, at
// least once a second.
func (p *Purger) ReapInterval() time.Duration {
	return max(p.leaseTTL/2, time.Second)
}

// Run purges every interval, and reaps reservations every ReapInterval, until
// ctx is cancelled.
func (p *Purger) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var reap <-chan time.Time
	if p.reaper != nil {
		reapTicker := time.NewTicker(p.ReapInterval())
		defer reapTicker.Stop()
		reap = reapTicker.C
	}

	p.purge(ctx)
	p.reap(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.purge(ctx)
		case <-reap:
			p.reap(ctx)
		}
	}
}

func (p *Purger) purge(ctx context.Context) {
	if _, err := p.PurgeOnce(ctx); err != nil && ctx.Err() == nil {
		p.onError(err)
	}
}

func (p *Purger) reap(ctx context.Context) {
	if _, err := p.ReapOnce(ctx); err != nil && ctx.Err() == nil {
		p.onError(err)
	}
}
