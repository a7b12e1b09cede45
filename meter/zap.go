package meter

import (
	"go.uber.org/zap"

	"github.com/ineyio/speechquota"
)

// ZapMeter logs synthesis events using zap.
type ZapMeter struct {
	logger *zap.Logger
}

var _ speechquota.Meter = (*ZapMeter)(nil)

// NewZapMeter creates a ZapMeter. A nil logger discards events.
func NewZapMeter(logger *zap.Logger) *ZapMeter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapMeter{logger: logger.Named("meter")}
}

func (m *ZapMeter) OnSelect(e speechquota.SelectEvent) {
	m.logger.Debug("key selected",
		zap.String("provider", e.Provider),
		zap.String("key_id", e.KeyID),
		zap.String("user_id", e.UserID),
		zap.Int("attempt", e.AttemptNum),
		zap.Int64("characters", e.Characters),
		zap.Int64("remaining", e.Remaining),
	)
}

func (m *ZapMeter) OnResult(e speechquota.ResultEvent) {
	fields := []zap.Field{
		zap.String("provider", e.Provider),
		zap.String("key_id", e.KeyID),
		zap.String("user_id", e.UserID),
		zap.Duration("duration", e.Duration),
		zap.Int64("characters", e.Characters),
	}
	if !e.Success {
		m.logger.Warn("synthesis failed", append(fields, zap.Error(e.Error))...)
		return
	}
	m.logger.Info("synthesis completed", append(fields, zap.Bool("recorded", e.Recorded))...)
}

func (m *ZapMeter) OnReject(e speechquota.RejectEvent) {
	m.logger.Info("request rejected",
		zap.String("user_id", e.UserID),
		zap.String("tier", string(e.Tier)),
		zap.Int64("characters", e.Characters),
		zap.Int64("limit", e.Limit),
		zap.Error(e.Error),
	)
}

func (m *ZapMeter) OnAnomaly(e speechquota.LedgerAnomaly) {
	msg := "usage not recorded"
	if e.Kind == speechquota.AnomalyUnreleased {
		msg = "reservation not released"
	}
	m.logger.Error(msg,
		zap.String("kind", string(e.Kind)),
		zap.String("key_id", e.KeyID),
		zap.String("reservation_id", e.ReservationID),
		zap.String("user_id", e.UserID),
		zap.Int64("characters", e.Characters),
		zap.Time("at", e.At),
		zap.Error(e.Error),
	)
}
