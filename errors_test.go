package speechquota_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	sq "github.com/ineyio/speechquota"
)

func TestIsRetryable(t *testing.T) {
	for _, err := range []error{
		sq.ErrRateLimited,
		sq.ErrProviderUnavailable,
		sq.ErrAuthFailed,
		sq.ErrQuotaExceeded,
		sq.ErrKeyInactive,
		fmt.Errorf("wrapped: %w", sq.ErrRateLimited),
	} {
		assert.True(t, sq.IsRetryable(err), err.Error())
	}
	assert.False(t, sq.IsRetryable(sq.ErrInvalidRequest))
	assert.False(t, sq.IsRetryable(errors.New("boom")))
}

func TestIsFatal(t *testing.T) {
	assert.True(t, sq.IsFatal(fmt.Errorf("%w: bad ssml", sq.ErrInvalidRequest)))
	assert.False(t, sq.IsFatal(sq.ErrRateLimited))
}

func TestIsLimit(t *testing.T) {
	err := &sq.LimitError{Err: sq.ErrMonthlyCharacterLimitExceeded, Tier: sq.TierFree, Limit: 10_000, Used: 9_990, Requested: 20}
	assert.True(t, sq.IsLimit(err))
	assert.ErrorIs(t, err, sq.ErrMonthlyCharacterLimitExceeded)
	assert.Contains(t, err.Error(), "9990 used + 20 requested exceeds 10000")
	assert.False(t, sq.IsLimit(sq.ErrNoKeyAvailable))
}

func TestTransientError(t *testing.T) {
	inner := errors.New("connection refused")
	err := fmt.Errorf("commit: %w", &sq.TransientError{Err: inner})
	assert.True(t, sq.IsTransient(err))
	assert.ErrorIs(t, err, inner)
	assert.False(t, sq.IsTransient(inner))
}

func TestSynthesisError(t *testing.T) {
	err := &sq.SynthesisError{Err: sq.ErrRateLimited, Provider: "azure", KeyID: "k1", Attempts: 2}
	assert.Equal(t, "speechquota: provider=azure key=k1 attempts=2: speechquota: rate limited by provider", err.Error())
	assert.ErrorIs(t, err, sq.ErrRateLimited)
}
