// Package barrier tracks scrape-cycle completion and guards the read cache.
//
// All state lives in Redis as explicit "1"/"0" strings. A missing flag reads
// as false and a missing lock reads as locked, so a fresh cache is never
// trusted. The cache is only unlocked by the single caller that wins the
// rebuild claim, after the ranking has been rebuilt.
package barrier

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/shubham-shewale/stock-popularity/pkg/models"
)

// Control keys.
const (
	KeyInstrumentsFinished  = "INSTRUMENTS_FINISHED"
	KeyPopularitiesFinished = "POPULARITIES_FINISHED"
	KeyQuotesFinished       = "QUOTES_FINISHED"
	KeyCacheLocked          = "CACHE_LOCKED"
	KeyRebuildClaim         = "CACHE_REBUILD_CLAIM"
)

// ChannelRebuilt receives the number of ranked instruments after every rebuild.
const ChannelRebuilt = "popularity.rebuilt"

const (
	valueTrue  = "1"
	valueFalse = "0"

	maxTxRetries  = 10
	flushScanSize = 500
)

// ClaimTTL bounds how long a crashed rebuild can hold the claim.
var ClaimTTL = 10 * time.Minute

// ErrClaimLost means a new cycle started, or the claim expired, while the
// rebuild ran. The cache stays locked.
var ErrClaimLost = errors.New("rebuild claim lost")

var stateKeys = []string{KeyInstrumentsFinished, KeyPopularitiesFinished, KeyQuotesFinished, KeyCacheLocked, KeyRebuildClaim}

var controlKeys = map[string]bool{
	KeyInstrumentsFinished:  true,
	KeyPopularitiesFinished: true,
	KeyQuotesFinished:       true,
	KeyCacheLocked:          true,
	KeyRebuildClaim:         true,
}

// Materializer rebuilds derived cache entries once a cycle is complete.
type Materializer interface {
	Rebuild(ctx context.Context) (models.PopularityRanking, error)
}

type Controller struct {
	logger       *zap.Logger
	rdb          redis.UniversalClient
	materializer Materializer
}

func NewController(logger *zap.Logger, rdb redis.UniversalClient, materializer Materializer) *Controller {
	return &Controller{
		logger:       logger,
		rdb:          rdb,
		materializer: materializer,
	}
}

// StartUpdate opens a new cycle: clears every flag, locks the cache and drops
// any previous claim, then flushes derived entries.
func (c *Controller) StartUpdate(ctx context.Context) error {
	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, KeyCacheLocked, valueTrue, 0)
		pipe.Set(ctx, KeyInstrumentsFinished, valueFalse, 0)
		pipe.Set(ctx, KeyPopularitiesFinished, valueFalse, 0)
		pipe.Set(ctx, KeyQuotesFinished, valueFalse, 0)
		pipe.Del(ctx, KeyRebuildClaim)
		return nil
	})
	if err != nil {
		return fmt.Errorf("start update: %w", err)
	}
	if err := c.flushDerived(ctx); err != nil {
		return err
	}
	c.logger.Info("Scrape cycle started, cache locked")
	return nil
}

func (c *Controller) MarkInstrumentsFinished(ctx context.Context) error {
	return c.mark(ctx, KeyInstrumentsFinished)
}

func (c *Controller) MarkPopularitiesFinished(ctx context.Context) error {
	return c.mark(ctx, KeyPopularitiesFinished)
}

func (c *Controller) MarkQuotesFinished(ctx context.Context) error {
	return c.mark(ctx, KeyQuotesFinished)
}

func (c *Controller) mark(ctx context.Context, key string) error {
	if err := c.rdb.Set(ctx, key, valueTrue, 0).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	c.logger.Info("Scrape type finished", zap.String("flag", key))
	_, err := c.CheckIfAllFinished(ctx)
	return err
}

// CheckIfAllFinished rebuilds and unlocks the cache when every flag is set.
// It reports whether this call performed the rebuild; concurrent callers race
// for the claim and exactly one wins.
func (c *Controller) CheckIfAllFinished(ctx context.Context) (bool, error) {
	token := uuid.NewString()
	claimed, err := c.claim(ctx, token)
	if err != nil || !claimed {
		return false, err
	}

	c.logger.Info("All scrape types finished, rebuilding cache")
	count, err := c.rebuild(ctx)
	if err != nil {
		c.release(ctx, token)
		return false, err
	}

	if err := c.unlock(ctx, token); err != nil {
		c.release(ctx, token)
		return false, err
	}

	if err := c.rdb.Publish(ctx, ChannelRebuilt, strconv.Itoa(count)).Err(); err != nil {
		c.logger.Warn("Failed to announce rebuild", zap.Error(err))
	}
	c.logger.Info("Cache rebuilt and unlocked", zap.Int("instruments", count))
	return true, nil
}

func (c *Controller) claim(ctx context.Context, token string) (bool, error) {
	claimed := false
	txf := func(tx *redis.Tx) error {
		st, hasClaim, err := readState(ctx, tx)
		if err != nil {
			return err
		}
		if !st.AllFinished() || !st.CacheLocked || hasClaim {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, KeyRebuildClaim, token, ClaimTTL)
			return nil
		})
		if err == nil {
			claimed = true
		}
		return err
	}
	return claimed, c.watch(ctx, txf)
}

func (c *Controller) rebuild(ctx context.Context) (int, error) {
	if err := c.flushDerived(ctx); err != nil {
		return 0, err
	}
	ranking, err := c.materializer.Rebuild(ctx)
	if err != nil {
		return 0, fmt.Errorf("rebuild ranking: %w", err)
	}
	return len(ranking.List), nil
}

// unlock clears the lock only if the cycle that was rebuilt is still the
// current one.
func (c *Controller) unlock(ctx context.Context, token string) error {
	txf := func(tx *redis.Tx) error {
		st, _, err := readState(ctx, tx)
		if err != nil {
			return err
		}
		owner, err := tx.Get(ctx, KeyRebuildClaim).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if owner != token || !st.AllFinished() {
			return ErrClaimLost
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, KeyCacheLocked, valueFalse, 0)
			pipe.Del(ctx, KeyRebuildClaim)
			return nil
		})
		return err
	}
	return c.watch(ctx, txf)
}

func (c *Controller) release(ctx context.Context, token string) {
	err := c.watch(ctx, func(tx *redis.Tx) error {
		owner, err := tx.Get(ctx, KeyRebuildClaim).Result()
		if errors.Is(err, redis.Nil) || owner != token {
			return nil
		}
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, KeyRebuildClaim)
			return nil
		})
		return err
	})
	if err != nil {
		c.logger.Warn("Failed to release rebuild claim", zap.Error(err))
	}
}

func (c *Controller) watch(ctx context.Context, txf func(tx *redis.Tx) error) error {
	for i := 0; i < maxTxRetries; i++ {
		err := c.rdb.Watch(ctx, txf, stateKeys...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("barrier transaction: %w", redis.TxFailedErr)
}

// flushDerived deletes every key except the control keys.
func (c *Controller) flushDerived(ctx context.Context) error {
	iter := c.rdb.Scan(ctx, 0, "*", flushScanSize).Iterator()
	var batch []string
	deleted := 0
	for iter.Next(ctx) {
		if controlKeys[iter.Val()] {
			continue
		}
		batch = append(batch, iter.Val())
		if len(batch) >= flushScanSize {
			if err := c.rdb.Del(ctx, batch...).Err(); err != nil {
				return fmt.Errorf("flush cache: %w", err)
			}
			deleted += len(batch)
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scan cache: %w", err)
	}
	if len(batch) > 0 {
		if err := c.rdb.Del(ctx, batch...).Err(); err != nil {
			return fmt.Errorf("flush cache: %w", err)
		}
		deleted += len(batch)
	}
	c.logger.Debug("Flushed derived cache entries", zap.Int("keys", deleted))
	return nil
}

// State reads the flags and lock in one round trip.
func (c *Controller) State(ctx context.Context) (models.ScrapeRunState, error) {
	return ReadState(ctx, c.rdb)
}

func (c *Controller) IsCacheLocked(ctx context.Context) (bool, error) {
	st, err := c.State(ctx)
	if err != nil {
		return true, err
	}
	return st.CacheLocked, nil
}

type stateReader interface {
	MGet(ctx context.Context, keys ...string) *redis.SliceCmd
}

// ReadState is State for callers that only hold a Redis client.
func ReadState(ctx context.Context, rdb stateReader) (models.ScrapeRunState, error) {
	st, _, err := readState(ctx, rdb)
	return st, err
}

func readState(ctx context.Context, rdb stateReader) (models.ScrapeRunState, bool, error) {
	vals, err := rdb.MGet(ctx, stateKeys...).Result()
	if err != nil {
		return models.ScrapeRunState{CacheLocked: true}, false, fmt.Errorf("read barrier state: %w", err)
	}
	st := models.ScrapeRunState{
		InstrumentsFinished:  vals[0] == valueTrue,
		PopularitiesFinished: vals[1] == valueTrue,
		QuotesFinished:       vals[2] == valueTrue,
		CacheLocked:          vals[3] != valueFalse,
	}
	return st, vals[4] != nil, nil
}
