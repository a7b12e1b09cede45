package meter

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ineyio/speechquota"
)

const (
	outcomeSuccess    = "success"
	outcomeUnrecorded = "unrecorded"
	outcomeError      = "error"

	reasonDailyRequests     = "daily_requests"
	reasonMonthlyCharacters = "monthly_characters"
	reasonOther             = "other"
)

// PrometheusMeter exports synthesis events as Prometheus metrics.
type PrometheusMeter struct {
	selections   *prometheus.CounterVec
	results      *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	characters   *prometheus.CounterVec
	rejections   *prometheus.CounterVec
	anomalies    *prometheus.CounterVec
	keyRemaining *prometheus.GaugeVec
}

var _ speechquota.Meter = (*PrometheusMeter)(nil)

// NewPrometheusMeter creates the collectors and registers them with reg.
// A nil reg uses prometheus.DefaultRegisterer.
func NewPrometheusMeter(reg prometheus.Registerer) (*PrometheusMeter, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &PrometheusMeter{
		selections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "speechquota_key_selections_total",
			Help: "Keys reserved for a synthesis attempt.",
		}, []string{"provider"}),
		results: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "speechquota_synthesis_total",
			Help: "Provider calls by outcome.",
		}, []string{"provider", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "speechquota_synthesis_duration_seconds",
			Help:    "Provider call latency.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"provider"}),
		characters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "speechquota_characters_total",
			Help: "Characters synthesized and recorded against key quota.",
		}, []string{"provider"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "speechquota_rejections_total",
			Help: "Requests refused by membership limits.",
		}, []string{"tier", "reason"}),
		anomalies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "speechquota_ledger_anomalies_total",
			Help: "Ledger writes that failed after a provider call, by kind.",
		}, []string{"kind"}),
		keyRemaining: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "speechquota_key_remaining_characters",
			Help: "Remaining key quota observed at the last selection.",
		}, []string{"key_id"}),
	}

	for _, c := range []prometheus.Collector{
		m.selections, m.results, m.duration, m.characters, m.rejections, m.anomalies, m.keyRemaining,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *PrometheusMeter) OnSelect(e speechquota.SelectEvent) {
	m.selections.WithLabelValues(e.Provider).Inc()
	m.keyRemaining.WithLabelValues(e.KeyID).Set(float64(e.Remaining))
}

func (m *PrometheusMeter) OnResult(e speechquota.ResultEvent) {
	m.duration.WithLabelValues(e.Provider).Observe(e.Duration.Seconds())
	switch {
	case !e.Success:
		m.results.WithLabelValues(e.Provider, outcomeError).Inc()
	case !e.Recorded:
		m.results.WithLabelValues(e.Provider, outcomeUnrecorded).Inc()
	default:
		m.results.WithLabelValues(e.Provider, outcomeSuccess).Inc()
		m.characters.WithLabelValues(e.Provider).Add(float64(e.Characters))
	}
}

func (m *PrometheusMeter) OnReject(e speechquota.RejectEvent) {
	m.rejections.WithLabelValues(string(e.Tier), rejectReason(e.Error)).Inc()
}

func (m *PrometheusMeter) OnAnomaly(e speechquota.LedgerAnomaly) {
	kind := e.Kind
	if kind == "" {
		kind = speechquota.AnomalyUnrecorded
	}
	m.anomalies.WithLabelValues(string(kind)).Inc()
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, speechquota.ErrDailyRequestLimitReached):
		return reasonDailyRequests
	case errors.Is(err, speechquota.ErrMonthlyCharacterLimitExceeded):
		return reasonMonthlyCharacters
	default:
		return reasonOther
	}
}
