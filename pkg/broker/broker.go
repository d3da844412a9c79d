// Package broker carries scrape batches between the scraper and the workers.
//
// Every queue is a Kafka topic. A message body is either a comma-joined list
// of symbols or instrument ids, or the Sentinel that closes the current cycle.
package broker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

// Topics, one per scrape type.
const (
	TopicSymbols                   = "symbols"
	TopicInstrumentIDs             = "instrument_ids"
	TopicFundamentalsInstrumentIDs = "fundamentals_instrument_ids"
)

// Sentinel marks the end of a cycle on a queue.
const Sentinel = "__DONE"

// Join encodes a batch body.
func Join(items []string) []byte {
	return []byte(strings.Join(items, ","))
}

// Split decodes a batch body. Empty elements are dropped.
func Split(body []byte) []string {
	parts := strings.Split(string(body), ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func IsSentinel(body []byte) bool {
	return strings.TrimSpace(string(body)) == Sentinel
}

// NewWriter builds a synchronous writer whose messages pick their topic.
// Batches must be acknowledged before the scraper moves on, so Async is off.
func NewWriter(brokers []string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireAll,
	}
}

// NewReader builds a group reader for one topic. Offsets are committed
// explicitly by the Consumer.
func NewReader(brokers []string, groupID, topic string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		GroupID:        groupID,
		Topic:          topic,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0,
		StartOffset:    kafka.FirstOffset,
	})
}

// Publisher writes batches and sentinels.
type Publisher struct {
	writer KafkaWriter
}

func NewPublisher(writer KafkaWriter) *Publisher {
	return &Publisher{writer: writer}
}

// PublishBatch sends one batch message to topic.
func (p *Publisher) PublishBatch(ctx context.Context, topic string, items []string) error {
	if len(items) == 0 {
		return nil
	}
	if err := p.writer.WriteMessages(ctx, kafka.Message{Topic: topic, Value: Join(items)}); err != nil {
		return fmt.Errorf("publish batch to %s: %w", topic, err)
	}
	return nil
}

// PublishSentinel closes the cycle on every given topic.
func (p *Publisher) PublishSentinel(ctx context.Context, topics ...string) error {
	msgs := make([]kafka.Message, len(topics))
	for i, t := range topics {
		msgs[i] = kafka.Message{Topic: t, Value: []byte(Sentinel)}
	}
	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("publish sentinel: %w", err)
	}
	return nil
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}
