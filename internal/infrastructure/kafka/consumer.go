package kafka

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cenkalti/backoff/v5"
	"github.com/segmentio/kafka-go"
)

// defaultHandleTries bounds the attempts at one message before Consume gives
// up on it.
const defaultHandleTries = 5

type MessageHandler func(ctx context.Context, key, value []byte) error

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer delivers messages at least once: an offset is committed only
// after the handler succeeded.
type Consumer struct {
	reader   messageReader
	logger   *slog.Logger
	backOff  func() backoff.BackOff
	maxTries uint
}

func NewConsumer(brokers []string, topic, groupID string, logger *slog.Logger) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 10e3, // 10KB
		MaxBytes: 10e6, // 10MB
	})
	return newConsumer(reader, logger)
}

func newConsumer(reader messageReader, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		reader:   reader,
		logger:   logger.With("component", "kafka-consumer"),
		backOff:  func() backoff.BackOff { return backoff.NewExponentialBackOff() },
		maxTries: defaultHandleTries,
	}
}

// Consume runs until ctx is done. A failing handler is retried with backoff;
// when it keeps failing Consume returns without committing the message, so
// the group delivers it again. Handlers must be idempotent.
func (c *Consumer) Consume(ctx context.Context, handler MessageHandler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			msg, err := c.reader.FetchMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				c.logger.Warn("reading message", "error", err)
				continue
			}

			if err := c.handle(ctx, msg, handler); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				c.logger.Error("handling message", "key", string(msg.Key), "offset", msg.Offset, "error", err)
				return fmt.Errorf("handle offset %d: %w", msg.Offset, err)
			}
			if err := c.reader.CommitMessages(ctx, msg); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				c.logger.Warn("committing offset", "offset", msg.Offset, "error", err)
			}
		}
	}
}

func (c *Consumer) handle(ctx context.Context, msg kafka.Message, handler MessageHandler) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := handler(ctx, msg.Key, msg.Value)
		if err != nil {
			c.logger.Warn("retrying message", "key", string(msg.Key), "offset", msg.Offset, "error", err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(c.backOff()), backoff.WithMaxTries(c.maxTries))
	return err
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
