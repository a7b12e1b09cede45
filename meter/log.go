package meter

import (
	"log/slog"

	"github.com/ineyio/speechquota"
)

// LogMeter logs synthesis events using slog.
type LogMeter struct {
	Logger *slog.Logger
}

var _ speechquota.Meter = (*LogMeter)(nil)

// NewLogMeter creates a LogMeter with the given logger.
// If logger is nil, slog.Default() is used.
func NewLogMeter(logger *slog.Logger) *LogMeter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogMeter{Logger: logger}
}

func (m *LogMeter) OnSelect(e speechquota.SelectEvent) {
	m.Logger.Info("select",
		"provider", e.Provider,
		"key", e.KeyID,
		"user", e.UserID,
		"attempt", e.AttemptNum,
		"characters", e.Characters,
		"remaining", e.Remaining,
	)
}

func (m *LogMeter) OnResult(e speechquota.ResultEvent) {
	if e.Success {
		m.Logger.Info("result",
			"provider", e.Provider,
			"key", e.KeyID,
			"user", e.UserID,
			"recorded", e.Recorded,
			"duration_ms", e.Duration.Milliseconds(),
			"characters", e.Characters,
		)
	} else {
		m.Logger.Warn("result_error",
			"provider", e.Provider,
			"key", e.KeyID,
			"user", e.UserID,
			"duration_ms", e.Duration.Milliseconds(),
			"error", e.Error,
		)
	}
}

func (m *LogMeter) OnReject(e speechquota.RejectEvent) {
	m.Logger.Info("reject",
		"user", e.UserID,
		"tier", e.Tier,
		"characters", e.Characters,
		"limit", e.Limit,
		"error", e.Error,
	)
}

func (m *LogMeter) OnAnomaly(e speechquota.LedgerAnomaly) {
	m.Logger.Error("ledger_anomaly",
		"kind", e.Kind,
		"key", e.KeyID,
		"reservation", e.ReservationID,
		"user", e.UserID,
		"characters", e.Characters,
		"at", e.At,
		"error", e.Error,
	)
}
