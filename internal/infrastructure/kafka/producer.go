package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/es-engine/internal/eventstore"
)

const (
	HeaderEventType     = "event_type"
	HeaderAggregateType = "aggregate_type"
)

type Producer struct {
	writer *kafka.Writer
}

// NewProducer writes to topic. Messages are partitioned by key so the changes
// of one aggregate stay ordered.
func NewProducer(brokers []string, topic string) *Producer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
	}
	return &Producer{writer: writer}
}

// PublishChanges writes all changes in one request.
func (p *Producer) PublishChanges(ctx context.Context, changes []eventstore.Change) error {
	if len(changes) == 0 {
		return nil
	}
	msgs, err := changeMessages(changes)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, msgs...)
}

func changeMessages(changes []eventstore.Change) ([]kafka.Message, error) {
	msgs := make([]kafka.Message, 0, len(changes))
	for _, ch := range changes {
		data, err := json.Marshal(ch)
		if err != nil {
			return nil, fmt.Errorf("encode change %s v%d: %w", ch.Key(), ch.Version, err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(ch.Key()),
			Value: data,
			Time:  ch.When,
			Headers: []kafka.Header{
				{Key: HeaderAggregateType, Value: []byte(ch.AggregateType)},
				{Key: HeaderEventType, Value: []byte(ch.EventType)},
			},
		})
	}
	return msgs, nil
}

func (p *Producer) Close() error {
	return p.writer.Close()
}
