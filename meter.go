package speechquota

import "time"

// Meter observes synthesis events for monitoring, logging and reconciliation.
type Meter interface {
	// OnSelect is called when a key has been reserved for an attempt.
	OnSelect(event SelectEvent)

	// OnResult is called when the provider returns.
	OnResult(event ResultEvent)

	// OnReject is called when the gate refuses a request.
	OnReject(event RejectEvent)

	// OnAnomaly is called when usage could not be recorded after a successful
	// call or a reservation could not be released.
	OnAnomaly(event LedgerAnomaly)
}

// SelectEvent describes a key selected for an attempt.
type SelectEvent struct {
	Provider   string
	KeyID      string
	UserID     string
	AttemptNum int
	Characters int64
	Remaining  int64
}

// ResultEvent describes the outcome of a provider call.
type ResultEvent struct {
	Provider   string
	KeyID      string
	UserID     string
	Success    bool
	Recorded   bool
	Duration   time.Duration
	Characters int64
	Error      error
}

// RejectEvent describes a refused request.
type RejectEvent struct {
	UserID     string
	Tier       Tier
	Characters int64
	Limit      int64
	Error      error
}

// AnomalyKind classifies a ledger anomaly.
type AnomalyKind string

const (
	// AnomalyUnrecorded means audio was produced but usage was not recorded.
	AnomalyUnrecorded AnomalyKind = "unrecorded"
	// AnomalyUnreleased means a reservation could not be returned and stays
	// held until it expires.
	AnomalyUnreleased AnomalyKind = "unreleased"
)

// LedgerAnomaly is a ledger write that failed after the provider was called.
type LedgerAnomaly struct {
	Kind          AnomalyKind
	KeyID         string
	ReservationID string
	UserID        string
	Characters    int64
	At            time.Time
	Error         error
}

// noopMeter is a meter that does nothing.
type noopMeter struct{}

func (noopMeter) OnSelect(SelectEvent)    {}
func (noopMeter) OnResult(ResultEvent)    {}
func (noopMeter) OnReject(RejectEvent)    {}
func (noopMeter) OnAnomaly(LedgerAnomaly) {}
