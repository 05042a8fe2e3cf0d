// Package mirror copies accepted call events to Kafka or a webhook collector for downstream
// pipelines.
package mirror

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/splax/callwatch/internal/domain"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka publishes events as JSON keyed by pc name, so one instance's events stay ordered
// within a partition.
type Kafka struct {
	writer messageWriter
	topic  string
}

// NewKafka returns a mirror writing to topic, or nil when brokers or topic are empty.
func NewKafka(brokers []string, topic string) *Kafka {
	if len(brokers) == 0 || topic == "" {
		return nil
	}
	return &Kafka{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			BatchTimeout: 50 * time.Millisecond,
		},
		topic: topic,
	}
}

// Publish writes one event.
func (k *Kafka) Publish(ctx context.Context, event domain.RealtimeEvent) error {
	if k == nil || k.writer == nil {
		return nil
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.PCName),
		Value: payload,
		Time:  event.CreatedAt,
		Headers: []kafka.Header{
			{Key: "backend", Value: []byte(event.Backend)},
			{Key: "status", Value: []byte(event.Status)},
		},
	})
}

// Close flushes and closes the writer. Safe on a nil mirror.
func (k *Kafka) Close() error {
	if k == nil || k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
