package notify

import (
	"context"

	"github.com/nats-io/nats.go"

	"github.com/keydex/keydex/internal/index"
)

// NATSBackend publishes notifications to a NATS subject hierarchy.
// Events land on "<subject>.<event type>", e.g. "keydex.events.object.inserted",
// so subscribers can filter with subject wildcards.
type NATSBackend struct {
	conn    *nats.Conn
	subject string
}

func NewNATSBackend(url, subject string) (*NATSBackend, error) {
	conn, err := nats.Connect(url)
	if err != nil {
		return nil, err
	}
	return &NATSBackend{conn: conn, subject: subject}, nil
}

func (n *NATSBackend) Name() string {
	return "nats"
}

func (n *NATSBackend) Publish(_ context.Context, ev index.Event, payload []byte) error {
	return n.conn.Publish(n.subject+"."+ev.Type, payload)
}

func (n *NATSBackend) Close() error {
	n.conn.Close()
	return nil
}
