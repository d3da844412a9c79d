package repository

import (
	"context"

	"github.com/shubham-shewale/stock-popularity/pkg/models"
)

// RankingStore is the read side of the ranking cache.
type RankingStore interface {
	State(ctx context.Context) (models.ScrapeRunState, error)
	Top(ctx context.Context, n int) ([]models.RankingEntry, error)
	Bottom(ctx context.Context, n int) ([]models.RankingEntry, error)
	Rank(ctx context.Context, symbol string) (int, bool, error)
	// Snapshots returns the cached rank of every ranked symbol in symbols.
	Snapshots(ctx context.Context, symbols []string) ([]models.RankUpdate, error)
	// RunPubSub blocks, calling onRebuilt with the ranked count after each rebuild.
	RunPubSub(ctx context.Context, onRebuilt func(count int))
	// CachedResponse reports false on a miss.
	CachedResponse(ctx context.Context, key string) ([]byte, bool, error)
	CacheResponse(ctx context.Context, key string, body []byte) error
	Close() error
}

type RateLimiter interface {
	Allow(ctx context.Context, ip, path string) (bool, error)
}
