package speechquota

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	defaultMaxAttempts   = 3
	defaultLedgerRetries = 2
	ledgerRetryBackoff   = 20 * time.Millisecond
)

// Service meters synthesis requests across a pool of speech service keys.
type Service struct {
	store       Store
	synth       Synthesizer
	policy      Policy
	meter       Meter
	health      *HealthTracker
	plans       Plans
	now         func() time.Time
	loc         *time.Location
	maxAttempts int
	retries     int
	voice       string
	format      string

	memberships *Memberships
	gate        *Gate
	selector    *Selector
}

// Option configures a Service.
type Option func(*Service)

// WithPolicy sets the key ordering policy.
func WithPolicy(p Policy) Option {
	return func(s *Service) { s.policy = p }
}

// WithMeter sets the meter.
func WithMeter(m Meter) Option {
	return func(s *Service) { s.meter = m }
}

// WithHealthTracker sets the health tracker.
func WithHealthTracker(h *HealthTracker) Option {
	return func(s *Service) { s.health = h }
}

// WithPlans sets the membership limit table.
func WithPlans(p Plans) Option {
	return func(s *Service) { s.plans = p }
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithLocation sets the time zone used for daily and monthly periods.
func WithLocation(loc *time.Location) Option {
	return func(s *Service) { s.loc = loc }
}

// WithMaxAttempts bounds the number of distinct keys tried per request.
func WithMaxAttempts(n int) Option {
	return func(s *Service) { s.maxAttempts = n }
}

// WithLedgerRetries sets how often a transient commit failure is retried.
func WithLedgerRetries(n int) Option {
	return func(s *Service) { s.retries = n }
}

// WithDefaultVoice sets the voice used when a request names none.
func WithDefaultVoice(voice string) Option {
	return func(s *Service) { s.voice = voice }
}

// WithDefaultFormat sets the output format used when a request names none.
func WithDefaultFormat(format string) Option {
	return func(s *Service) { s.format = format }
}

// NewService creates a Service over store, calling synth for audio.
func NewService(store Store, synth Synthesizer, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("speechquota: a store is required")
	}
	if synth == nil {
		return nil, fmt.Errorf("speechquota: a synthesizer is required")
	}

	s := &Service{
		store:       store,
		synth:       synth,
		maxAttempts: defaultMaxAttempts,
		retries:     defaultLedgerRetries,
	}
	for _, opt := range opts {
		opt(s)
	}

	// Apply defaults after options.
	if s.policy == nil {
		s.policy = defaultHeadroomPolicy{}
	}
	if s.meter == nil {
		s.meter = noopMeter{}
	}
	if s.health == nil {
		s.health = NewHealthTracker()
	}
	if s.plans == nil {
		s.plans = DefaultPlans
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.loc == nil {
		s.loc = time.UTC
	}
	if s.maxAttempts <= 0 {
		s.maxAttempts = defaultMaxAttempts
	}
	if s.retries < 0 {
		s.retries = 0
	}

	s.memberships = NewMemberships(store, s.plans, s.now)
	s.gate = NewGate(s.memberships, store, s.now, s.loc)
	s.selector = NewSelector(store, s.policy, s.health)
	return s, nil
}

// Memberships returns the membership service.
func (s *Service) Memberships() *Memberships { return s.memberships }

// Gate returns the usage gate.
func (s *Service) Gate() *Gate { return s.gate }

// Selector returns the key selector.
func (s *Service) Selector() *Selector { return s.selector }

// Health returns the key health tracker.
func (s *Service) Health() *HealthTracker { return s.health }

// Plans returns the limit table in effect.
func (s *Service) Plans() Plans { return s.plans }

// Period returns the usage period for the current time.
func (s *Service) Period() Period { return PeriodAt(s.now(), s.loc) }

// SynthesizeRequest is a user's request for audio.
type SynthesizeRequest struct {
	UserID  string `json:"user_id"`
	Text    string `json:"text"`
	VoiceID string `json:"voice,omitempty"`
	Format  string `json:"format,omitempty"`
}

// SynthesizeResponse carries the produced audio and the caller's usage.
type SynthesizeResponse struct {
	Audio       []byte
	ContentType string
	Characters  int64
	Tier        Tier
	Plan        Plan
	Usage       UserUsage // after this request when Recorded
	KeyID       string
	Attempts    int

	// Recorded is false when the audio was produced but the ledger write failed.
	Recorded bool
}

// Synthesize checks the user's limits, reserves quota on a key, calls the
// speech service and records usage. Usage and key quota change only when the
// external call succeeds.
func (s *Service) Synthesize(ctx context.Context, req SynthesizeRequest) (SynthesizeResponse, error) {
	voice := req.VoiceID
	if voice == "" {
		voice = s.voice
	}
	if voice == "" {
		return SynthesizeResponse{}, wrapInvalid("voice is required")
	}
	format := req.Format
	if format == "" {
		format = s.format
	}

	chars := CountCharacters(req.Text)
	decision, err := s.gate.CheckAndReserve(ctx, req.UserID, chars)
	if err != nil {
		var le *LimitError
		if errors.As(err, &le) {
			s.meter.OnReject(RejectEvent{
				UserID:     req.UserID,
				Tier:       le.Tier,
				Characters: chars,
				Limit:      le.Limit,
				Error:      err,
			})
		}
		return SynthesizeResponse{}, err
	}

	tried := make(map[string]bool, s.maxAttempts)
	attempts := 0
	var lastErr error
	var lastKey string

	for attempts < s.maxAttempts {
		if err := ctx.Err(); err != nil {
			return SynthesizeResponse{}, err
		}

		key, err := s.selector.Select(ctx, chars, tried)
		if errors.Is(err, ErrNoKeyAvailable) {
			break
		}
		if err != nil {
			return SynthesizeResponse{}, err
		}
		tried[key.ID] = true
		attempts++

		res, err := s.store.ReserveKey(ctx, key.ID, chars, s.now())
		if err != nil {
			// The selector's view was stale; try the next-best key.
			if IsRetryable(err) || errors.Is(err, ErrKeyNotFound) {
				lastErr = err
				continue
			}
			return SynthesizeResponse{}, fmt.Errorf("speechquota: reserve key %s: %w", key.ID, err)
		}

		s.meter.OnSelect(SelectEvent{
			Provider:   s.synth.Name(),
			KeyID:      key.ID,
			UserID:     req.UserID,
			AttemptNum: attempts,
			Characters: chars,
			Remaining:  key.Remaining(),
		})

		start := s.now()
		result, err := s.synth.Synthesize(ctx, SynthesisRequest{
			Text:       req.Text,
			VoiceID:    voice,
			Format:     format,
			Credential: key.Credential(),
		})
		duration := s.now().Sub(start)

		if err != nil {
			s.release(ctx, res, req.UserID)
			if providerFault(err) && ctx.Err() == nil {
				s.health.RecordFailure(key.ID)
			}
			s.meter.OnResult(ResultEvent{
				Provider:   s.synth.Name(),
				KeyID:      key.ID,
				UserID:     req.UserID,
				Duration:   duration,
				Characters: chars,
				Error:      err,
			})

			synthErr := fmt.Errorf("%w: %w", ErrExternalSynthesisFailure, err)
			if IsFatal(err) || ctx.Err() != nil {
				return SynthesizeResponse{}, &SynthesisError{
					Err:      synthErr,
					Provider: s.synth.Name(),
					KeyID:    key.ID,
					Attempts: attempts,
				}
			}
			lastErr = synthErr
			lastKey = key.ID
			continue
		}

		s.health.RecordSuccess(key.ID)

		billed := result.Characters
		if billed <= 0 {
			billed = chars
		}
		recorded := s.commit(ctx, res, Charge{
			UserID:     req.UserID,
			Characters: billed,
			Period:     decision.Period,
			At:         s.now(),
		})

		s.meter.OnResult(ResultEvent{
			Provider:   s.synth.Name(),
			KeyID:      key.ID,
			UserID:     req.UserID,
			Success:    true,
			Recorded:   recorded,
			Duration:   duration,
			Characters: billed,
		})

		usage := decision.Usage
		if recorded {
			usage = usage.Add(billed)
		}
		return SynthesizeResponse{
			Audio:       result.Audio,
			ContentType: result.ContentType,
			Characters:  billed,
			Tier:        decision.Tier,
			Plan:        decision.Plan,
			Usage:       usage,
			KeyID:       key.ID,
			Attempts:    attempts,
			Recorded:    recorded,
		}, nil
	}

	if lastErr == nil || errors.Is(lastErr, ErrQuotaExceeded) ||
		errors.Is(lastErr, ErrKeyInactive) || errors.Is(lastErr, ErrKeyNotFound) {
		if lastErr == nil {
			lastErr = ErrNoKeyAvailable
		} else {
			lastErr = fmt.Errorf("%w: %w", ErrNoKeyAvailable, lastErr)
		}
	}
	return SynthesizeResponse{}, &SynthesisError{
		Err:      lastErr,
		Provider: s.synth.Name(),
		KeyID:    lastKey,
		Attempts: attempts,
	}
}

// commit records the successful call. It runs on a context that survives caller
// cancellation: the audio exists, so the usage must be written.
func (s *Service) commit(ctx context.Context, res Reservation, charge Charge) bool {
	ctx = context.WithoutCancel(ctx)

	var err error
	for i := 0; i <= s.retries; i++ {
		if i > 0 {
			time.Sleep(ledgerRetryBackoff << (i - 1))
		}
		err = s.store.Commit(ctx, res, charge)
		if err == nil {
			return true
		}
		if !IsTransient(err) {
			break
		}
	}

	// A commit that applied before its acknowledgement was lost has consumed
	// the reservation, so this release changes nothing.
	s.release(ctx, res, charge.UserID)
	s.meter.OnAnomaly(LedgerAnomaly{
		Kind:          AnomalyUnrecorded,
		KeyID:         res.KeyID,
		ReservationID: res.ID,
		UserID:        charge.UserID,
		Characters:    charge.Characters,
		At:            charge.At,
		Error:         fmt.Errorf("%w: %w", ErrLedgerWriteFailure, err),
	})
	return false
}

// release returns a reservation. A failed release is reported and left to the
// reservation reaper.
func (s *Service) release(ctx context.Context, res Reservation, userID string) {
	if err := s.store.ReleaseKey(context.WithoutCancel(ctx), res); err != nil {
		s.meter.OnAnomaly(LedgerAnomaly{
			Kind:          AnomalyUnreleased,
			KeyID:         res.KeyID,
			ReservationID: res.ID,
			UserID:        userID,
			Characters:    res.Amount,
			At:            s.now(),
			Error:         fmt.Errorf("%w: release reservation: %w", ErrLedgerWriteFailure, err),
		})
	}
}

// providerFault reports whether a synthesis error says something about the key
// or the provider rather than the request.
func providerFault(err error) bool {
	if IsFatal(err) {
		return false
	}
	return errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrProviderUnavailable) ||
		errors.Is(err, ErrAuthFailed)
}
