package broker

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/shubham-shewale/stock-popularity/pkg/clock"
)

const (
	topicReadyAttempts = 5
	topicReadyInterval = 200 * time.Millisecond
)

// TopicCreator makes sure the scrape topics exist before anything is published.
// Topics are created with a single partition by default so each queue is FIFO.
type TopicCreator struct {
	logger *zap.Logger
	dialer KafkaDialer
	clock  clock.Clock
}

func NewTopicCreator(logger *zap.Logger, dialer KafkaDialer, clk clock.Clock) *TopicCreator {
	return &TopicCreator{
		logger: logger,
		dialer: dialer,
		clock:  clk,
	}
}

// Create is best effort: failures are logged and publishing proceeds, relying on
// broker-side auto creation.
func (tc *TopicCreator) Create(ctx context.Context, brokers []string, partitions, replication int, topics ...string) {
	var conn KafkaConn
	var err error

	for _, addr := range brokers {
		conn, err = tc.dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			break
		}
	}
	if conn == nil {
		tc.logger.Warn("Failed to dial brokers", zap.Error(err))
		return
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		tc.logger.Warn("Failed to get controller", zap.Error(err))
		return
	}

	controllerAddr := net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port))
	controllerConn, err := tc.dialer.DialContext(ctx, "tcp", controllerAddr)
	if err != nil {
		tc.logger.Warn("Failed to dial controller", zap.Error(err))
		return
	}
	defer controllerConn.Close()

	configs := make([]kafka.TopicConfig, len(topics))
	for i, t := range topics {
		configs[i] = kafka.TopicConfig{
			Topic:             t,
			NumPartitions:     partitions,
			ReplicationFactor: replication,
		}
	}

	if err := controllerConn.CreateTopics(configs...); err != nil {
		tc.logger.Info("Topic creation finished (might already exist)", zap.Error(err))
	} else {
		tc.logger.Info("Topic creation request sent", zap.Strings("topics", topics))
	}

	for _, t := range topics {
		tc.waitForTopic(ctx, conn, t)
	}
}

func (tc *TopicCreator) waitForTopic(ctx context.Context, conn KafkaConn, topic string) {
	for i := 0; i < topicReadyAttempts; i++ {
		if err := tc.clock.Sleep(ctx, topicReadyInterval); err != nil {
			return
		}
		partitions, err := conn.ReadPartitions(topic)
		if err == nil && len(partitions) > 0 {
			tc.logger.Info("Topic is ready", zap.String("topic", topic), zap.Int("partitions", len(partitions)))
			return
		}
	}
	tc.logger.Warn("Timed out waiting for topic", zap.String("topic", topic))
}
