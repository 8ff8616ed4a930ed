package audit

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
)

// NATSPublisher mirrors audit records onto a NATS subject so external
// consumers (reporting, human review) can follow the trail live. Consumers
// only ever read; the file remains the single writer's source of truth.
type NATSPublisher struct {
	conn    *nats.Conn
	subject string
}

// NewNATSPublisher connects to the given NATS URL and publishes records on
// subject.
func NewNATSPublisher(url, subject string) (*NATSPublisher, error) {
	conn, err := nats.Connect(url, nats.Name("conductor-audit"))
	if err != nil {
		return nil, fmt.Errorf("connecting audit stream: %w", err)
	}
	return &NATSPublisher{conn: conn, subject: subject}, nil
}

// Publish sends one record as JSON.
func (p *NATSPublisher) Publish(rec Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return p.conn.Publish(p.subject, payload)
}

// Close drains and closes the connection.
func (p *NATSPublisher) Close() {
	if p.conn != nil {
		p.conn.Drain()
	}
}
