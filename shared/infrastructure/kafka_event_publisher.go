package infrastructure

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"

	"github.com/oficina99/service-order-system/shared/events"
)

// Kafka header keys carried on every produced message.
const (
	KafkaEventTypeHeader     = "event_type"
	KafkaEventIDHeader       = "event_id"
	KafkaDeduplicationHeader = "dedup_id"
	KafkaCorrelationHeader   = "correlation_id"
	KafkaTimestampHeader     = "event_timestamp"
)

var _ events.Publisher = (*KafkaEventPublisher)(nil)

// KafkaEventPublisher implements events.Publisher on top of a Kafka topic.
// Messages are keyed by the event partition key so every event of one
// service order lands on the same partition, in order.
type KafkaEventPublisher struct {
	writer *kafka.Writer
}

// NewKafkaWriter builds a writer for the given channel with the delivery
// guarantees the saga needs: hash partitioning on the message key and
// acks from all in-sync replicas.
func NewKafkaWriter(brokers []string, channel string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        channel,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
	}
}

// NewKafkaEventPublisher creates a publisher bound to the writer's topic.
func NewKafkaEventPublisher(writer *kafka.Writer) *KafkaEventPublisher {
	return &KafkaEventPublisher{writer: writer}
}

// Publish writes the events to the channel in a single batch.
func (p *KafkaEventPublisher) Publish(ctx context.Context, evts ...*events.Event) error {
	if len(evts) == 0 {
		return nil
	}

	messages := make([]kafka.Message, len(evts))
	for i, event := range evts {
		msg, err := kafkaMessage(event)
		if err != nil {
			return err
		}
		messages[i] = msg
	}

	if err := p.writer.WriteMessages(ctx, messages...); err != nil {
		return errors.Wrapf(err, "failed to write to channel %s", p.writer.Topic)
	}

	return nil
}

// Close releases the underlying writer.
func (p *KafkaEventPublisher) Close() error {
	return p.writer.Close()
}

func kafkaMessage(event *events.Event) (kafka.Message, error) {
	body, err := event.ToJSON()
	if err != nil {
		return kafka.Message{}, errors.Wrap(err, "failed to marshal event")
	}

	headers := []kafka.Header{
		{Key: KafkaEventTypeHeader, Value: []byte(event.EventType)},
		{Key: KafkaEventIDHeader, Value: []byte(event.ID.String())},
		{Key: KafkaDeduplicationHeader, Value: []byte(event.DeduplicationID())},
		{Key: KafkaTimestampHeader, Value: []byte(event.Timestamp.UTC().Format(time.RFC3339Nano))},
	}
	if !event.CorrelationID.IsZero() {
		headers = append(headers, kafka.Header{
			Key: KafkaCorrelationHeader, Value: []byte(event.CorrelationID.String()),
		})
	}

	return kafka.Message{
		Key:     []byte(event.PartitionKey()),
		Value:   body,
		Headers: headers,
	}, nil
}
