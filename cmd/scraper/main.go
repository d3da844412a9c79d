package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/shubham-shewale/stock-popularity/cmd/scraper/internal/enumerator"
	"github.com/shubham-shewale/stock-popularity/pkg/barrier"
	"github.com/shubham-shewale/stock-popularity/pkg/broker"
	"github.com/shubham-shewale/stock-popularity/pkg/clock"
	"github.com/shubham-shewale/stock-popularity/pkg/config"
	"github.com/shubham-shewale/stock-popularity/pkg/ranking"
	"github.com/shubham-shewale/stock-popularity/pkg/retry"
	"github.com/shubham-shewale/stock-popularity/pkg/store"
	"github.com/shubham-shewale/stock-popularity/pkg/upstream"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	logger, err := config.NewLogger(cfg.Logger)
	if err != nil {
		panic(fmt.Sprintf("Failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	// One run per invocation; a signal abandons the cycle with the cache locked.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("Scrape cycle failed", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	pg, err := store.Open(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns)
	if err != nil {
		return err
	}
	defer pg.Close()
	if err := retry.Connect(ctx, logger, "postgres", pg.Ping); err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	if err := pg.Migrate(ctx); err != nil {
		return err
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	if err := retry.Connect(ctx, logger, "redis", func(ctx context.Context) error {
		return rdb.Ping(ctx).Err()
	}); err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}

	clk := clock.Real{}
	materializer := ranking.NewMaterializer(logger, pg, rdb, clk)
	controller := barrier.NewController(logger, rdb, materializer)

	api := upstream.NewClient(upstream.Options{
		BaseURL: cfg.Upstream.BaseURL,
		Token:   cfg.Upstream.Token,
		Timeout: cfg.Upstream.Timeout,
	})

	publisher := broker.NewPublisher(broker.NewWriter(cfg.Kafka.Brokers))
	defer func() {
		if err := publisher.Close(); err != nil {
			logger.Error("Error closing Kafka writer", zap.Error(err))
		}
	}()

	policy := upstream.DefaultRetryPolicy()
	policy.RequestCooldown = cfg.Scraper.RequestCooldown
	policy.RetryBackoff = cfg.Scraper.RetryBackoff

	enum := enumerator.NewEnumerator(logger, api, pg, publisher, controller, clk, enumerator.Options{
		BatchSize:    cfg.Scraper.BatchSize,
		Fundamentals: cfg.Scraper.ScrapeFundamentals,
		Policy:       policy,
	})

	creator := broker.NewTopicCreator(logger, &broker.RealKafkaDialer{Dialer: kafka.DefaultDialer}, clk)
	creator.Create(ctx, cfg.Kafka.Brokers, cfg.Kafka.Partitions, cfg.Kafka.ReplicationFactor, enum.Topics()...)

	summary, err := enum.Run(ctx)
	if err != nil {
		return err
	}
	logger.Info("Scrape cycle published", zap.Int("tradable", summary.Tradable), zap.Int("batches", summary.Batches))
	return nil
}
