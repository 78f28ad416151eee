package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/trip-dispatch/internal/models"
)

const kafkaWriteTimeout = 2 * time.Second

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes location and status events keyed by trip id, so every
// event of a trip lands on one partition in order.
type KafkaSink struct {
	locations messageWriter
	statuses  messageWriter
}

func NewKafkaSink(brokers []string, locationTopic, statusTopic string) *KafkaSink {
	return &KafkaSink{
		locations: kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: locationTopic, Balancer: &kafka.Hash{}}),
		statuses:  kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: statusTopic, Balancer: &kafka.Hash{}}),
	}
}

func (k *KafkaSink) AppendLocationEvent(ctx context.Context, ev models.LocationEvent) error {
	return k.write(ctx, k.locations, ev.TripID, ev)
}

func (k *KafkaSink) AppendStatusEvent(ctx context.Context, ev models.StatusEvent) error {
	return k.write(ctx, k.statuses, ev.TripID, ev)
}

func (k *KafkaSink) write(ctx context.Context, w messageWriter, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, kafkaWriteTimeout)
	defer cancel()
	return w.WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: b})
}

func (k *KafkaSink) Close() error {
	var first error
	for _, w := range []messageWriter{k.locations, k.statuses} {
		if w == nil {
			continue
		}
		if err := w.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
