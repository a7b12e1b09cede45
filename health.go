package speechquota

import (
	"sync"
	"time"
)

const (
	healthFailureThreshold = 3
	healthFailureWindow    = 5 * time.Minute
	healthUnhealthyPeriod  = 30 * time.Second
)

// HealthState describes the health of a key.
type HealthState int

const (
	HealthHealthy HealthState = iota
	HealthUnhealthy
	HealthHalfOpen
)

func (h HealthState) String() string {
	switch h {
	case HealthHealthy:
		return "healthy"
	case HealthUnhealthy:
		return "unhealthy"
	case HealthHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// HealthTracker tracks per-key health using a circuit breaker pattern.
type HealthTracker struct {
	mu   sync.Mutex
	keys map[string]*keyHealth
	now  func() time.Time
}

type keyHealth struct {
	state       HealthState
	failures    []time.Time // sliding window of failure timestamps
	unhealthyAt time.Time
}

// NewHealthTracker creates a new HealthTracker.
func NewHealthTracker() *HealthTracker {
	return NewHealthTrackerWithClock(time.Now)
}

// NewHealthTrackerWithClock creates a HealthTracker that reads time from now.
func NewHealthTrackerWithClock(now func() time.Time) *HealthTracker {
	return &HealthTracker{keys: make(map[string]*keyHealth), now: now}
}

// GetHealth returns the current health state for a key.
func (h *HealthTracker) GetHealth(keyID string) HealthState {
	h.mu.Lock()
	defer h.mu.Unlock()

	kh, ok := h.keys[keyID]
	if !ok {
		return HealthHealthy
	}

	// Unhealthy period elapsed → half-open: the next call is a trial.
	if kh.state == HealthUnhealthy && h.now().Sub(kh.unhealthyAt) >= healthUnhealthyPeriod {
		kh.state = HealthHalfOpen
	}
	return kh.state
}

// RecordSuccess records a successful call for a key.
func (h *HealthTracker) RecordSuccess(keyID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	kh := h.getOrCreate(keyID)
	kh.state = HealthHealthy
	kh.failures = kh.failures[:0]
}

// RecordFailure records a failed call for a key.
func (h *HealthTracker) RecordFailure(keyID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	kh := h.getOrCreate(keyID)
	now := h.now()

	if kh.state == HealthHalfOpen {
		kh.state = HealthUnhealthy
		kh.unhealthyAt = now
		return
	}
	if kh.state == HealthUnhealthy {
		return
	}

	cutoff := now.Add(-healthFailureWindow)
	valid := kh.failures[:0]
	for _, t := range kh.failures {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	kh.failures = append(valid, now)

	if len(kh.failures) >= healthFailureThreshold {
		kh.state = HealthUnhealthy
		kh.unhealthyAt = now
	}
}

// Forget drops all state for a key, e.g. after it was deleted or reset.
func (h *HealthTracker) Forget(keyID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.keys, keyID)
}

func (h *HealthTracker) getOrCreate(keyID string) *keyHealth {
	kh, ok := h.keys[keyID]
	if !ok {
		kh = &keyHealth{state: HealthHealthy}
		h.keys[keyID] = kh
	}
	return kh
}
