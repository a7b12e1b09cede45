package meter

import "github.com/ineyio/speechquota"

// MultiMeter fans every event out to each meter in order.
type MultiMeter []speechquota.Meter

var _ speechquota.Meter = MultiMeter(nil)

// Multi combines meters, skipping nil entries.
func Multi(meters ...speechquota.Meter) MultiMeter {
	out := make(MultiMeter, 0, len(meters))
	for _, m := range meters {
		if m != nil {
			out = append(out, m)
		}
	}
	return out
}

func (mm MultiMeter) OnSelect(e speechquota.SelectEvent) {
	for _, m := range mm {
		m.OnSelect(e)
	}
}

func (mm MultiMeter) OnResult(e speechquota.ResultEvent) {
	for _, m := range mm {
		m.OnResult(e)
	}
}

func (mm MultiMeter) OnReject(e speechquota.RejectEvent) {
	for _, m := range mm {
		m.OnReject(e)
	}
}

func (mm MultiMeter) OnAnomaly(e speechquota.LedgerAnomaly) {
	for _, m := range mm {
		m.OnAnomaly(e)
	}
}
