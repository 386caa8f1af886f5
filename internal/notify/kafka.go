package notify

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/keydex/keydex/internal/index"
)

// KafkaBackend publishes notifications to a Kafka topic. Messages are keyed
// by bucket so per-bucket event order survives partitioning.
type KafkaBackend struct {
	writer *kafka.Writer
	topic  string
}

func NewKafkaBackend(brokers []string, topic string) *KafkaBackend {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 100 * time.Millisecond,
		Async:        true,
	}
	return &KafkaBackend{writer: w, topic: topic}
}

func (k *KafkaBackend) Name() string {
	return "kafka"
}

func (k *KafkaBackend) Publish(ctx context.Context, ev index.Event, payload []byte) error {
	return k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.Bucket),
		Value: payload,
	})
}

func (k *KafkaBackend) Close() error {
	return k.writer.Close()
}
