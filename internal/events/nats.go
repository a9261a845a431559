package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
)

// NATSEmitter publishes events as JSON to a NATS subject so external
// consumers can follow pipeline activity without touching the state store.
type NATSEmitter struct {
	conn    *nats.Conn
	subject string
}

// NewNATSEmitter connects to url and publishes to subject.
func NewNATSEmitter(url, subject string) (*NATSEmitter, error) {
	if subject == "" {
		return nil, fmt.Errorf("nats subject is required")
	}
	conn, err := nats.Connect(url, nats.Name("archon-events"))
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	slog.Info("NATS event sink connected", slog.String("url", url), slog.String("subject", subject))
	return &NATSEmitter{conn: conn, subject: subject}, nil
}

func (e *NATSEmitter) Emit(_ context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := e.conn.Publish(e.subject, data); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Close drains and closes the connection.
func (e *NATSEmitter) Close() {
	if e.conn != nil {
		e.conn.Close()
	}
}
