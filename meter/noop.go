package meter

import "github.com/ineyio/speechquota"

// NoopMeter is a meter that does nothing.
type NoopMeter struct{}

var _ speechquota.Meter = (*NoopMeter)(nil)

func (m *NoopMeter) OnSelect(speechquota.SelectEvent)    {}
func (m *NoopMeter) OnResult(speechquota.ResultEvent)    {}
func (m *NoopMeter) OnReject(speechquota.RejectEvent)    {}
func (m *NoopMeter) OnAnomaly(speechquota.LedgerAnomaly) {}
