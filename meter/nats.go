package meter

import (
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/ineyio/speechquota"
)

// DefaultAnomalySubject is the subject ledger anomalies are published on.
const DefaultAnomalySubject = "speechquota.ledger.anomaly"

// Publisher is the subset of *nats.Conn used by NATSMeter.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// AnomalyMessage is the JSON payload published for each ledger anomaly.
// Consumers use it to re-apply usage that was not recorded.
type AnomalyMessage struct {
	Kind          string    `json:"kind"`
	KeyID         string    `json:"key_id"`
	ReservationID string    `json:"reservation_id"`
	UserID        string    `json:"user_id"`
	Characters    int64     `json:"characters"`
	At            time.Time `json:"at"`
	Error         string    `json:"error,omitempty"`
}

// NATSMeter publishes ledger anomalies to NATS. Other events are ignored.
type NATSMeter struct {
	pub     Publisher
	subject string
	onError func(error)
}

var _ speechquota.Meter = (*NATSMeter)(nil)

// NewNATSMeter creates a NATSMeter. An empty subject uses DefaultAnomalySubject.
func NewNATSMeter(pub Publisher, subject string, onError func(error)) *NATSMeter {
	if subject == "" {
		subject = DefaultAnomalySubject
	}
	if onError == nil {
		onError = func(error) {}
	}
	return &NATSMeter{pub: pub, subject: subject, onError: onError}
}

func (m *NATSMeter) OnSelect(speechquota.SelectEvent) {}
func (m *NATSMeter) OnResult(speechquota.ResultEvent) {}
func (m *NATSMeter) OnReject(speechquota.RejectEvent) {}

func (m *NATSMeter) OnAnomaly(e speechquota.LedgerAnomaly) {
	msg := AnomalyMessage{
		Kind:          string(e.Kind),
		KeyID:         e.KeyID,
		ReservationID: e.ReservationID,
		UserID:        e.UserID,
		Characters:    e.Characters,
		At:            e.At,
	}
	if e.Error != nil {
		msg.Error = e.Error.Error()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		m.onError(err)
		return
	}
	if err := m.pub.Publish(m.subject, data); err != nil {
		m.onError(err)
	}
}

// SubscribeAnomalies delivers decoded anomaly messages to fn until the
// subscription is drained or unsubscribed. Malformed payloads are skipped.
func SubscribeAnomalies(nc *nats.Conn, subject string, fn func(AnomalyMessage)) (*nats.Subscription, error) {
	if subject == "" {
		subject = DefaultAnomalySubject
	}
	return nc.Subscribe(subject, func(m *nats.Msg) {
		var msg AnomalyMessage
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			return
		}
		fn(msg)
	})
}
