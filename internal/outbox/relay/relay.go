// Package relay publishes delivered outbox events to Kafka for consumers
// outside this service.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"courier/internal/outbox/models"
	"courier/internal/platform/kafka/producer"
)

// HandlerName identifies the relay in logs and last_error.
const HandlerName = "KafkaRelay.v1"

// Publisher sends one message and waits for the acknowledgement.
type Publisher interface {
	Produce(ctx context.Context, msg *producer.Message) error
}

// Envelope is the published message value.
type Envelope struct {
	EventID        string                `json:"event_id"`
	EventType      string                `json:"event_type"`
	DedupeKey      string                `json:"dedupe_key"`
	CorrelationIDs models.CorrelationIDs `json:"correlation_ids"`
	Payload        json.RawMessage       `json:"payload"`
	CreatedAt      time.Time             `json:"created_at"`
}

// Relay is an outbox handler that forwards events to a topic. It is not
// ledger-guarded: a redelivered event is published again, keyed by its event
// id so consumers can deduplicate.
type Relay struct {
	publisher Publisher
	topic     string
}

// New creates a relay publishing to topic.
func New(publisher Publisher, topic string) *Relay {
	return &Relay{publisher: publisher, topic: topic}
}

func (r *Relay) Name() string { return HandlerName }

// Handle publishes e.
func (r *Relay) Handle(ctx context.Context, e *models.Event) error {
	payload := json.RawMessage(e.Payload)
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	value, err := json.Marshal(Envelope{
		EventID:        e.ID.String(),
		EventType:      e.Type.String(),
		DedupeKey:      e.DedupeKey,
		CorrelationIDs: e.Correlation,
		Payload:        payload,
		CreatedAt:      e.CreatedAt.UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	return r.publisher.Produce(ctx, &producer.Message{
		Topic: r.topic,
		Key:   []byte(e.ID.String()),
		Value: value,
		Headers: map[string]string{
			"event_type": e.Type.String(),
			"dedupe_key": e.DedupeKey,
		},
	})
}
