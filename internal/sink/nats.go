package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSSink publishes events to a NATS subject tree so external alerting and
// telemetry consumers can subscribe without touching the relay.
type NATSSink struct {
	nc            *nats.Conn
	subjectPrefix string
}

// natsEvent is the published wire form. The principal is masked like every
// other sink output.
type natsEvent struct {
	Principal string          `json:"principal"`
	Action    string          `json:"action"`
	Detail    json.RawMessage `json:"detail,omitempty"`
	At        time.Time       `json:"at"`
}

// NewNATSSink connects to the NATS server at url and publishes under
// subjectPrefix (e.g. "beacon.events").
func NewNATSSink(url, subjectPrefix string) (*NATSSink, error) {
	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	if subjectPrefix == "" {
		subjectPrefix = "beacon.events"
	}
	return &NATSSink{nc: nc, subjectPrefix: subjectPrefix}, nil
}

func (s *NATSSink) Publish(_ context.Context, ev Event) error {
	data, err := json.Marshal(natsEvent{
		Principal: MaskPrincipal(ev.Principal),
		Action:    ev.Action,
		Detail:    ev.Detail,
		At:        ev.At,
	})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	subject := s.subjectPrefix + "." + ev.Action
	if err := s.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Close drains the connection.
func (s *NATSSink) Close() {
	_ = s.nc.Drain()
}
