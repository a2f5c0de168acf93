package events

import (
	"context"
	"time"

	"github.com/google/uuid"

	"hermes/internal/adapters/kafka"
	"hermes/pkg/logger"
)

// Connection lifecycle event types
const (
	TypeStreamConnected    = "stream.connected"
	TypeStreamReady        = "stream.ready"
	TypeStreamReconnecting = "stream.reconnecting"
	TypeStreamClosed       = "stream.closed"
	TypeRestClientBuilt    = "rest.client_built"
	TypeRestClientEvicted  = "rest.client_evicted"
)

// ConnectionEvent describes one connection lifecycle transition
type ConnectionEvent struct {
	Type      string    `json:"type"`
	UserID    uuid.UUID `json:"user_id"`
	Exchange  string    `json:"exchange"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher fans connection lifecycle events out to Kafka. Publishing is
// best-effort; a broker outage never fails the connection operation that
// produced the event.
type Publisher struct {
	producer *kafka.Producer
	topic    string
	logger   *logger.Logger
}

// NewPublisher creates a publisher; a nil producer disables publishing
func NewPublisher(producer *kafka.Producer, topic string, log *logger.Logger) *Publisher {
	return &Publisher{
		producer: producer,
		topic:    topic,
		logger:   log.With("component", "events"),
	}
}

// Publish emits one lifecycle event, keyed by user for partition affinity
func (p *Publisher) Publish(ctx context.Context, eventType string, userID uuid.UUID, exchange, detail string) {
	if p.producer == nil {
		return
	}

	event := ConnectionEvent{
		Type:      eventType,
		UserID:    userID,
		Exchange:  exchange,
		Detail:    detail,
		Timestamp: time.Now().UTC(),
	}

	if err := p.producer.Publish(ctx, p.topic, userID.String(), event); err != nil {
		p.logger.Warnw("Failed to publish connection event",
			"type", eventType,
			"exchange", exchange,
			"error", err,
		)
	}
}
