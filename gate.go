package speechquota

import (
	"context"
	"fmt"
	"time"
)

// Decision is the outcome of a passed gate check.
type Decision struct {
	UserID     string
	Tier       Tier
	Plan       Plan
	Period     Period
	Usage      UserUsage // before this request
	Characters int64
	CheckedAt  time.Time
}

// Gate enforces membership limits before an external synthesis call.
type Gate struct {
	memberships *Memberships
	ledger      Ledger
	now         func() time.Time
	loc         *time.Location
}

// NewGate creates a Gate. A nil loc means UTC periods.
func NewGate(memberships *Memberships, ledger Ledger, now func() time.Time, loc *time.Location) *Gate {
	if now == nil {
		now = time.Now
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Gate{memberships: memberships, ledger: ledger, now: now, loc: loc}
}

// CheckAndReserve decides whether userID may synthesize chars characters now.
// It never writes: usage is recorded only after a successful external call.
// Rejections are returned as *LimitError.
func (g *Gate) CheckAndReserve(ctx context.Context, userID string, chars int64) (Decision, error) {
	if userID == "" {
		return Decision{}, wrapInvalid("user id is required")
	}
	if chars <= 0 {
		return Decision{}, wrapInvalid("nothing to synthesize")
	}

	now := g.now()
	eff, err := g.memberships.Current(ctx, userID, now)
	if err != nil {
		return Decision{}, err
	}

	period := PeriodAt(now, g.loc)
	usage, err := g.ledger.GetUserUsage(ctx, userID, period)
	if err != nil {
		return Decision{}, fmt.Errorf("speechquota: get usage: %w", err)
	}

	plan := eff.Plan
	if usage.Daily.Requests >= plan.MaxRequestsPerDay {
		return Decision{}, &LimitError{
			Err:   ErrDailyRequestLimitReached,
			Tier:  eff.Tier,
			Limit: plan.MaxRequestsPerDay,
			Used:  usage.Daily.Requests,
		}
	}
	if usage.Monthly.Characters+chars > plan.MaxCharactersPerMonth {
		return Decision{}, &LimitError{
			Err:       ErrMonthlyCharacterLimitExceeded,
			Tier:      eff.Tier,
			Limit:     plan.MaxCharactersPerMonth,
			Used:      usage.Monthly.Characters,
			Requested: chars,
		}
	}

	return Decision{
		UserID:     userID,
		Tier:       eff.Tier,
		Plan:       plan,
		Period:     period,
		Usage:      usage,
		Characters: chars,
		CheckedAt:  now,
	}, nil
}
