package broker

import (
	"context"
	"errors"
	"fmt"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Handler processes one message body. A returned error stops the consumer
// before the message is committed.
type Handler func(ctx context.Context, body []byte) error

// Consumer drains one topic with at-least-once semantics.
type Consumer struct {
	logger *zap.Logger
	reader KafkaReader
}

func NewConsumer(logger *zap.Logger, reader KafkaReader) *Consumer {
	return &Consumer{logger: logger, reader: reader}
}

// Run fetches, handles and commits messages in order until ctx is done
// (returns nil) or fetch, handle or commit fails.
func (c *Consumer) Run(ctx context.Context, handle Handler) error {
	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return fmt.Errorf("fetch message: %w", err)
		}

		if err := handle(ctx, m.Value); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Error("Handler failed, leaving message uncommitted",
				zap.String("topic", m.Topic), zap.Int64("offset", m.Offset), zap.Error(err))
			return err
		}

		if err := c.reader.CommitMessages(ctx, m); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("commit offset %d: %w", m.Offset, err)
		}
		c.logger.Debug("Committed", zap.String("topic", m.Topic), zap.Int64("offset", m.Offset))
	}
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}

// Compile-time check to ensure *kafka.Reader satisfies KafkaReader
var _ KafkaReader = (*kafka.Reader)(nil)
