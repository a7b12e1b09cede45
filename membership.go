package speechquota

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Tier is a membership level.
type Tier string

const (
	TierFree    Tier = "free"
	TierPro     Tier = "pro"
	TierPremium Tier = "premium"
)

// ParseTier parses a tier name case-insensitively.
func ParseTier(s string) (Tier, error) {
	switch t := Tier(strings.ToLower(strings.TrimSpace(s))); t {
	case TierFree, TierPro, TierPremium:
		return t, nil
	default:
		return "", fmt.Errorf("%w %q", ErrInvalidTier, s)
	}
}

// Cycle is the billing cycle of an upgrade.
type Cycle string

const (
	CycleMonthly Cycle = "monthly"
	CycleYearly  Cycle = "yearly"
)

// Features are the feature flags granted by a plan.
type Features struct {
	AdvancedMarkup  bool `json:"advanced_markup" yaml:"advanced_markup"`
	VoiceCloning    bool `json:"voice_cloning" yaml:"voice_cloning"`
	BatchProcessing bool `json:"batch_processing" yaml:"batch_processing"`
	PrioritySupport bool `json:"priority_support" yaml:"priority_support"`
	CustomVoices    bool `json:"custom_voices" yaml:"custom_voices"`
	APIAccess       bool `json:"api_access" yaml:"api_access"`
}

// Plan is the limit and feature set of one tier.
type Plan struct {
	Tier                  Tier     `json:"tier" yaml:"-"`
	Features              Features `json:"features" yaml:"features"`
	MaxCharactersPerMonth int64    `json:"max_characters_per_month" yaml:"max_characters_per_month"`
	MaxRequestsPerDay     int64    `json:"max_requests_per_day" yaml:"max_requests_per_day"`
}

// Plans maps tiers to plans.
type Plans map[Tier]Plan

// DefaultPlans is the built-in limit table.
var DefaultPlans = Plans{
	TierFree: {
		Tier:                  TierFree,
		MaxCharactersPerMonth: 10_000,
		MaxRequestsPerDay:     10,
	},
	TierPro: {
		Tier: TierPro,
		Features: Features{
			AdvancedMarkup:  true,
			BatchProcessing: true,
			PrioritySupport: true,
			APIAccess:       true,
		},
		MaxCharactersPerMonth: 100_000,
		MaxRequestsPerDay:     100,
	},
	TierPremium: {
		Tier: TierPremium,
		Features: Features{
			AdvancedMarkup:  true,
			VoiceCloning:    true,
			BatchProcessing: true,
			PrioritySupport: true,
			CustomVoices:    true,
			APIAccess:       true,
		},
		MaxCharactersPerMonth: 1_000_000,
		MaxRequestsPerDay:     1_000,
	},
}

// MembershipState is the stored membership of a user.
type MembershipState struct {
	Tier      Tier       `json:"tier"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// EffectiveTier returns the tier after lapse correction: a paid tier whose
// expiry is not after now counts as free. A paid tier without expiry never lapses.
func EffectiveTier(raw Tier, expiry *time.Time, now time.Time) Tier {
	if raw == TierFree || raw == "" {
		return TierFree
	}
	if expiry == nil || expiry.After(now) {
		return raw
	}
	return TierFree
}

// Resolve returns the default plan for the lapse-corrected tier.
func Resolve(raw Tier, expiry *time.Time, now time.Time) Plan {
	return DefaultPlans.Resolve(raw, expiry, now)
}

// Resolve returns the plan for the lapse-corrected tier. Unknown tiers resolve to free.
func (p Plans) Resolve(raw Tier, expiry *time.Time, now time.Time) Plan {
	if plan, ok := p[EffectiveTier(raw, expiry, now)]; ok {
		return plan
	}
	if plan, ok := p[TierFree]; ok {
		return plan
	}
	return DefaultPlans[TierFree]
}

// Merge returns a copy of p with the given overrides applied.
func (p Plans) Merge(overrides Plans) Plans {
	out := make(Plans, len(p))
	for t, plan := range p {
		out[t] = plan
	}
	for t, plan := range overrides {
		plan.Tier = t
		out[t] = plan
	}
	return out
}

// Memberships reads and mutates user membership state.
type Memberships struct {
	store MembershipStore
	plans Plans
	now   func() time.Time
}

// NewMemberships creates a membership service. Nil plans means DefaultPlans.
func NewMemberships(store MembershipStore, plans Plans, now func() time.Time) *Memberships {
	if plans == nil {
		plans = DefaultPlans
	}
	if now == nil {
		now = time.Now
	}
	return &Memberships{store: store, plans: plans, now: now}
}

// Effective is a user's resolved membership at a point in time.
type Effective struct {
	Raw       MembershipState `json:"raw"`
	Tier      Tier            `json:"tier"`
	Lapsed    bool            `json:"lapsed"`
	Plan      Plan            `json:"plan"`
	CheckedAt time.Time       `json:"checked_at"`
}

// Current resolves the user's plan at now.
func (m *Memberships) Current(ctx context.Context, userID string, now time.Time) (Effective, error) {
	state, err := m.store.GetMembership(ctx, userID)
	if err != nil {
		return Effective{}, fmt.Errorf("speechquota: get membership: %w", err)
	}
	if state.Tier == "" {
		state.Tier = TierFree
	}
	tier := EffectiveTier(state.Tier, state.ExpiresAt, now)
	return Effective{
		Raw:       state,
		Tier:      tier,
		Lapsed:    tier != state.Tier,
		Plan:      m.plans.Resolve(state.Tier, state.ExpiresAt, now),
		CheckedAt: now,
	}, nil
}

// Upgrade sets the user's tier with an expiry one cycle from now.
func (m *Memberships) Upgrade(ctx context.Context, userID string, tier Tier, cycle Cycle) (MembershipState, error) {
	if userID == "" {
		return MembershipState{}, wrapInvalid("user id is required")
	}
	if tier == TierFree {
		if err := m.DowngradeToFree(ctx, userID); err != nil {
			return MembershipState{}, err
		}
		return MembershipState{Tier: TierFree}, nil
	}
	if _, ok := m.plans[tier]; !ok {
		return MembershipState{}, fmt.Errorf("%w %q", ErrInvalidTier, tier)
	}

	now := m.now()
	var expiry time.Time
	switch cycle {
	case CycleMonthly, "":
		expiry = now.AddDate(0, 1, 0)
	case CycleYearly:
		expiry = now.AddDate(1, 0, 0)
	default:
		return MembershipState{}, wrapInvalid(fmt.Sprintf("unknown billing cycle %q", cycle))
	}

	state := MembershipState{Tier: tier, ExpiresAt: &expiry}
	if err := m.store.SetMembership(ctx, userID, state); err != nil {
		return MembershipState{}, fmt.Errorf("speechquota: set membership: %w", err)
	}
	return state, nil
}

// DowngradeToFree clears the user's tier to free with no expiry.
func (m *Memberships) DowngradeToFree(ctx context.Context, userID string) error {
	if userID == "" {
		return wrapInvalid("user id is required")
	}
	if err := m.store.SetMembership(ctx, userID, MembershipState{Tier: TierFree}); err != nil {
		return fmt.Errorf("speechquota: set membership: %w", err)
	}
	return nil
}
