package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/shubham-shewale/stock-popularity/cmd/worker/internal/worker"
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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// A failed batch exits non-zero so the supervisor restarts us and the
	// uncommitted message is redelivered.
	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("Worker failed", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
	logger.Info("Worker exited cleanly")
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
	controller := barrier.NewController(logger, rdb, ranking.NewMaterializer(logger, pg, rdb, clk))
	api := upstream.NewClient(upstream.Options{
		BaseURL: cfg.Upstream.BaseURL,
		Token:   cfg.Upstream.Token,
		Timeout: cfg.Upstream.Timeout,
	})

	var mode worker.Mode
	switch cfg.Worker.Mode {
	case config.ModeQuotes:
		mode = worker.NewQuotesMode(logger, api, pg, controller, clk)
	case config.ModePopularity:
		mode = worker.NewPopularityMode(logger, api, pg, controller, clk)
	case config.ModeFundamentals:
		mode = worker.NewFundamentalsMode(logger, api, pg)
	default:
		return fmt.Errorf("unknown worker mode %q", cfg.Worker.Mode)
	}

	groupID := cfg.Kafka.GroupID + "-" + mode.Name()
	consumer := broker.NewConsumer(logger, broker.NewReader(cfg.Kafka.Brokers, groupID, mode.Topic()))
	defer func() {
		logger.Info("Closing Kafka Reader...")
		if err := consumer.Close(); err != nil {
			logger.Error("Error closing reader", zap.Error(err))
		}
	}()

	policy := upstream.RetryPolicy{
		RequestCooldown: cfg.Worker.RequestCooldown,
		RetryBackoff:    cfg.Worker.RetryBackoff,
		PoisonBackoff:   cfg.Worker.PoisonBackoff,
	}

	return worker.NewWorker(logger, mode, consumer, policy, clk).Run(ctx)
}
