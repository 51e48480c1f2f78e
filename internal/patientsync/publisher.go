package patientsync

import (
	"context"

	"github.com/drfirst/go-hospital/internal/infrastructure/outbox"
)

// SyncPath is the coordinator endpoint that applies a Record.
const SyncPath = "/sync/patient"

// Producer is the part of the Kafka producer the publisher needs.
type Producer interface {
	ProduceMessage(ctx context.Context, topic, key string, value []byte, headers map[string]string) error
}

// KafkaPublisher delivers sync entries to a topic, keyed by routing key.
// The broker ack is the delivery ack.
type KafkaPublisher struct {
	producer Producer
	topic    string
}

// NewKafkaPublisher creates a publisher that produces to topic.
func NewKafkaPublisher(producer Producer, topic string) *KafkaPublisher {
	return &KafkaPublisher{producer: producer, topic: topic}
}

func (p *KafkaPublisher) Publish(ctx context.Context, entry *outbox.Entry) error {
	return p.producer.ProduceMessage(ctx, p.topic, entry.RoutingKey, entry.Payload, map[string]string{
		HeaderEventID: entry.EventID,
		"event_type":  entry.EventType,
	})
}
