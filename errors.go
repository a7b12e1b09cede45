package speechquota

import (
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	ErrNoKeyAvailable                = errors.New("speechquota: no key available")
	ErrQuotaExceeded                 = errors.New("speechquota: key quota exceeded")
	ErrDailyRequestLimitReached      = errors.New("speechquota: daily request limit reached")
	ErrMonthlyCharacterLimitExceeded = errors.New("speechquota: monthly character limit exceeded")
	ErrExternalSynthesisFailure      = errors.New("speechquota: external synthesis failed")
	ErrLedgerWriteFailure            = errors.New("speechquota: ledger write failed")

	ErrKeyNotFound         = errors.New("speechquota: key not found")
	ErrKeyInactive         = errors.New("speechquota: key inactive")
	ErrInvalidQuota        = errors.New("speechquota: quota must satisfy 0 <= used <= total")
	ErrInvalidRequest      = errors.New("speechquota: invalid request")
	ErrInvalidTier         = errors.New("speechquota: invalid membership tier")
	ErrAuthFailed          = errors.New("speechquota: authentication failed")
	ErrRateLimited         = errors.New("speechquota: rate limited by provider")
	ErrProviderUnavailable = errors.New("speechquota: provider unavailable")
)

func wrapInvalid(msg string) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, msg)
}

// LimitError is a user-level policy rejection. Limit is the numeric limit
// that was hit so callers can display it.
type LimitError struct {
	Err       error
	Tier      Tier
	Limit     int64
	Used      int64
	Requested int64
}

func (e *LimitError) Error() string {
	if errors.Is(e.Err, ErrDailyRequestLimitReached) {
		return fmt.Sprintf("%v: %d of %d requests used today (tier %s)", e.Err, e.Used, e.Limit, e.Tier)
	}
	return fmt.Sprintf("%v: %d used + %d requested exceeds %d characters this month (tier %s)",
		e.Err, e.Used, e.Requested, e.Limit, e.Tier)
}

func (e *LimitError) Unwrap() error {
	return e.Err
}

// SynthesisError wraps a failed synthesis with routing context.
type SynthesisError struct {
	Err      error
	Provider string
	KeyID    string
	Attempts int
}

func (e *SynthesisError) Error() string {
	return fmt.Sprintf("speechquota: provider=%s key=%s attempts=%d: %v",
		e.Provider, e.KeyID, e.Attempts, e.Err)
}

func (e *SynthesisError) Unwrap() error {
	return e.Err
}

// IsFatal returns true if the error should not be retried with another key.
func IsFatal(err error) bool {
	return errors.Is(err, ErrInvalidRequest)
}

// IsRetryable returns true if the error can be retried with another key.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrProviderUnavailable) ||
		errors.Is(err, ErrAuthFailed) ||
		errors.Is(err, ErrQuotaExceeded) ||
		errors.Is(err, ErrKeyInactive) ||
		errors.Is(err, ErrNoKeyAvailable)
}

// IsLimit reports whether err is a user-level policy rejection.
func IsLimit(err error) bool {
	return errors.Is(err, ErrDailyRequestLimitReached) || errors.Is(err, ErrMonthlyCharacterLimitExceeded)
}

// TransientError marks a storage failure that may succeed when retried.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err was marked transient by a store.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}
