package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/shubham-shewale/stock-popularity/pkg/barrier"
	"github.com/shubham-shewale/stock-popularity/pkg/models"
	"github.com/shubham-shewale/stock-popularity/pkg/ranking"
)

// Response cache entries are dropped by the cycle-start flush. The TTL bounds
// an entry written just as a cycle starts.
const (
	responseKeyPrefix = "response-"
	ResponseTTL       = 10 * time.Minute
)

// Compile-time check to ensure RedisStore implements RankingStore
var _ RankingStore = (*RedisStore)(nil)

type RedisStore struct {
	client redis.UniversalClient
	pubsub *redis.PubSub
	logger *zap.Logger
}

// NewRedisStore subscribes to rebuild notifications and waits for Redis to
// confirm, so no rebuild published after it returns is missed.
func NewRedisStore(ctx context.Context, client redis.UniversalClient, logger *zap.Logger) (*RedisStore, error) {
	ps := client.Subscribe(ctx, barrier.ChannelRebuilt)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", barrier.ChannelRebuilt, err)
	}
	return &RedisStore{client: client, pubsub: ps, logger: logger}, nil
}

func (r *RedisStore) State(ctx context.Context) (models.ScrapeRunState, error) {
	return barrier.ReadState(ctx, r.client)
}

func (r *RedisStore) Top(ctx context.Context, n int) ([]models.RankingEntry, error) {
	return ranking.Top(ctx, r.client, n)
}

func (r *RedisStore) Bottom(ctx context.Context, n int) ([]models.RankingEntry, error) {
	return ranking.Bottom(ctx, r.client, n)
}

func (r *RedisStore) Rank(ctx context.Context, symbol string) (int, bool, error) {
	return ranking.Rank(ctx, r.client, symbol)
}

func (r *RedisStore) Snapshots(ctx context.Context, symbols []string) ([]models.RankUpdate, error) {
	return ranking.Lookup(ctx, r.client, symbols)
}

// RunPubSub is a blocking loop that reads rebuild notifications until ctx is
// done or the subscription is closed.
func (r *RedisStore) RunPubSub(ctx context.Context, onRebuilt func(count int)) {
	ch := r.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			count, err := strconv.Atoi(msg.Payload)
			if err != nil {
				r.logger.Warn("Ignoring malformed rebuild notification", zap.String("payload", msg.Payload))
				continue
			}
			onRebuilt(count)
		}
	}
}

func (r *RedisStore) CachedResponse(ctx context.Context, key string) ([]byte, bool, error) {
	body, err := r.client.Get(ctx, responseKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return body, true, nil
}

func (r *RedisStore) CacheResponse(ctx context.Context, key string, body []byte) error {
	return r.client.Set(ctx, responseKeyPrefix+key, body, ResponseTTL).Err()
}

func (r *RedisStore) Close() error {
	return r.pubsub.Close()
}
