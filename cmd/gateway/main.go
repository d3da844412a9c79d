package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gobwas/ws"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/shubham-shewale/stock-popularity/cmd/gateway/internal/api"
	"github.com/shubham-shewale/stock-popularity/cmd/gateway/internal/gateway"
	"github.com/shubham-shewale/stock-popularity/cmd/gateway/internal/hub"
	"github.com/shubham-shewale/stock-popularity/cmd/gateway/internal/repository"
	"github.com/shubham-shewale/stock-popularity/pkg/clock"
	"github.com/shubham-shewale/stock-popularity/pkg/config"
	"github.com/shubham-shewale/stock-popularity/pkg/ranking"
	"github.com/shubham-shewale/stock-popularity/pkg/retry"
	"github.com/shubham-shewale/stock-popularity/pkg/store"
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

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("Gateway failed", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
	logger.Info("Shutdown Complete")
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

	repo, err := repository.NewRedisStore(ctx, rdb, logger)
	if err != nil {
		return err
	}
	defer repo.Close()

	// Dependency Injection: Hub depends on the Repository Interface
	wsHub := hub.NewHub(repo, logger)
	go wsHub.Run(ctx)

	if cfg.App.Env != "local" {
		gin.SetMode(gin.ReleaseMode)
	}
	clk := clock.Real{}
	limiter := repository.NewRedisRateLimiter(rdb, clk, cfg.Gateway.RateLimit, cfg.Gateway.RateWindow)
	srv := api.NewServer(logger, repo, ranking.NewMaterializer(logger, pg, rdb, clk), pg, limiter, cfg.Gateway.DefaultLimit)

	srv.Engine().GET("/ws", func(c *gin.Context) {
		conn, _, _, err := ws.UpgradeHTTP(c.Request, c.Writer)
		if err != nil {
			return
		}
		gateway.NewClient(conn, wsHub, logger).Start()
	})

	httpSrv := &http.Server{Addr: cfg.App.Port, Handler: srv.Engine()}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("Server Started", zap.String("port", cfg.App.Port))
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}
