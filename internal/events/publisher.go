// Package events publishes session lifecycle events over NATS so
// external consumers (the chat transport, audit sinks) can observe
// state changes without polling the store. Publishing is best-effort
// and never blocks or fails a conversation turn.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const subjectPrefix = "sessiond.transitions."

// TransitionEvent describes one successful state transition. It never
// carries sensitive field contents.
type TransitionEvent struct {
	ConversationID string    `json:"conversationId"`
	From           string    `json:"from"`
	To             string    `json:"to"`
	Version        int64     `json:"version"`
	OccurredAt     time.Time `json:"occurredAt"`
}

// Publisher emits transition events.
type Publisher interface {
	PublishTransition(ctx context.Context, ev TransitionEvent) error
	Close()
}

// NATSPublisher publishes transition events to NATS, one subject per
// conversation under sessiond.transitions.*.
type NATSPublisher struct {
	conn   *nats.Conn
	logger *zap.Logger
}

// NewNATSPublisher connects to NATS and returns a publisher.
func NewNATSPublisher(url string, logger *zap.Logger) (*NATSPublisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	conn, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", url, err)
	}
	return &NATSPublisher{conn: conn, logger: logger}, nil
}

// PublishTransition implements Publisher.
func (p *NATSPublisher) PublishTransition(_ context.Context, ev TransitionEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding transition event: %w", err)
	}
	if err := p.conn.Publish(subjectPrefix+ev.ConversationID, payload); err != nil {
		return fmt.Errorf("publishing transition event: %w", err)
	}
	return nil
}

// Close implements Publisher.
func (p *NATSPublisher) Close() {
	p.conn.Close()
}

// NopPublisher discards all events. Used when eventing is disabled.
type NopPublisher struct{}

// PublishTransition implements Publisher.
func (NopPublisher) PublishTransition(context.Context, TransitionEvent) error { return nil }

// Close implements Publisher.
func (NopPublisher) Close() {}
