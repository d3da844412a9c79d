// Package ranking materializes the popularity ranking into the read cache.
package ranking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/shubham-shewale/stock-popularity/pkg/clock"
	"github.com/shubham-shewale/stock-popularity/pkg/models"
)

// Cache keys owned by the materializer.
const (
	KeyRankings = "popularity_rankings"
	KeyList     = "popularity_list"
)

// DefaultWindow is how far back samples count towards the ranking.
const DefaultWindow = 2 * time.Hour

// Source is the slice of the store the ranking reads.
type Source interface {
	PopularitySince(ctx context.Context, since time.Time) ([]models.PopularitySample, error)
	InstrumentsByID(ctx context.Context, ids []string) (map[string]models.Instrument, error)
}

type Materializer struct {
	logger *zap.Logger
	source Source
	rdb    redis.UniversalClient
	clock  clock.Clock
	Window time.Duration
}

func NewMaterializer(logger *zap.Logger, source Source, rdb redis.UniversalClient, clk clock.Clock) *Materializer {
	return &Materializer{
		logger: logger,
		source: source,
		rdb:    rdb,
		clock:  clk,
		Window: DefaultWindow,
	}
}

// Compute ranks every instrument with a sample in the trailing window by its
// latest popularity. Ranks run 1..N in list order; ties are broken by symbol.
func (m *Materializer) Compute(ctx context.Context) (models.PopularityRanking, error) {
	since := m.clock.Now().Add(-m.Window)
	samples, err := m.source.PopularitySince(ctx, since)
	if err != nil {
		return models.PopularityRanking{}, fmt.Errorf("load popularity: %w", err)
	}

	latest := make(map[string]models.PopularitySample, len(samples))
	for _, s := range samples {
		if cur, ok := latest[s.InstrumentID]; !ok || s.Timestamp.After(cur.Timestamp) {
			latest[s.InstrumentID] = s
		}
	}

	ids := make([]string, 0, len(latest))
	for id := range latest {
		ids = append(ids, id)
	}
	instruments, err := m.source.InstrumentsByID(ctx, ids)
	if err != nil {
		return models.PopularityRanking{}, fmt.Errorf("load instruments: %w", err)
	}

	list := make([]models.RankingEntry, 0, len(latest))
	for id, s := range latest {
		inst, ok := instruments[id]
		if !ok {
			continue
		}
		list = append(list, models.RankingEntry{
			Symbol:     inst.Symbol,
			Popularity: s.Popularity,
			Name:       inst.DisplayName(),
		})
	}

	sort.Slice(list, func(i, j int) bool {
		if list[i].Popularity != list[j].Popularity {
			return list[i].Popularity > list[j].Popularity
		}
		return list[i].Symbol < list[j].Symbol
	})

	ranks := make(map[string]int, len(list))
	for i, e := range list {
		ranks[e.Symbol] = i + 1
	}

	return models.PopularityRanking{Ranks: ranks, List: list}, nil
}

// Rebuild computes the ranking and replaces both cache keys in one MULTI/EXEC.
func (m *Materializer) Rebuild(ctx context.Context) (models.PopularityRanking, error) {
	ranking, err := m.Compute(ctx)
	if err != nil {
		return ranking, err
	}

	hash := make(map[string]any, len(ranking.Ranks))
	for sym, r := range ranking.Ranks {
		hash[sym] = r
	}
	entries := make([]any, len(ranking.List))
	for i, e := range ranking.List {
		b, err := json.Marshal(e)
		if err != nil {
			return ranking, fmt.Errorf("encode entry %s: %w", e.Symbol, err)
		}
		entries[i] = b
	}

	_, err = m.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, KeyRankings, KeyList)
		if len(hash) > 0 {
			pipe.HSet(ctx, KeyRankings, hash)
		}
		if len(entries) > 0 {
			pipe.RPush(ctx, KeyList, entries...)
		}
		return nil
	})
	if err != nil {
		return ranking, fmt.Errorf("write ranking: %w", err)
	}

	m.logger.Info("Popularity ranking rebuilt", zap.Int("instruments", len(ranking.List)))
	return ranking, nil
}

// Rank reads a symbol's cached rank. ok is false when the symbol is unranked.
func Rank(ctx context.Context, rdb redis.UniversalClient, symbol string) (rank int, ok bool, err error) {
	rank, err = rdb.HGet(ctx, KeyRankings, symbol).Int()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return rank, true, nil
}

// Top returns the n most popular cached entries, most popular first.
func Top(ctx context.Context, rdb redis.UniversalClient, n int) ([]models.RankingEntry, error) {
	if n <= 0 {
		return nil, nil
	}
	return readList(ctx, rdb, 0, int64(n-1))
}

// Bottom returns the n least popular cached entries, least popular first.
func Bottom(ctx context.Context, rdb redis.UniversalClient, n int) ([]models.RankingEntry, error) {
	if n <= 0 {
		return nil, nil
	}
	list, err := readList(ctx, rdb, -int64(n), -1)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(list)-1; i < j; i, j = i+1, j-1 {
		list[i], list[j] = list[j], list[i]
	}
	return list, nil
}

// Lookup reads the cached rank and popularity of each symbol, in the order
// given. Unranked symbols are left out.
func Lookup(ctx context.Context, rdb redis.UniversalClient, symbols []string) ([]models.RankUpdate, error) {
	if len(symbols) == 0 {
		return nil, nil
	}
	ranks, err := rdb.HMGet(ctx, KeyRankings, symbols...).Result()
	if err != nil {
		return nil, err
	}
	list, err := readList(ctx, rdb, 0, -1)
	if err != nil {
		return nil, err
	}
	entries := make(map[string]models.RankingEntry, len(list))
	for _, e := range list {
		entries[e.Symbol] = e
	}

	var out []models.RankUpdate
	for i, sym := range symbols {
		raw, ok := ranks[i].(string)
		if !ok {
			continue
		}
		rank, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("decode rank of %s: %w", sym, err)
		}
		e := entries[sym]
		out = append(out, models.RankUpdate{Symbol: sym, Rank: rank, Popularity: e.Popularity, Name: e.Name})
	}
	return out, nil
}

func readList(ctx context.Context, rdb redis.UniversalClient, start, stop int64) ([]models.RankingEntry, error) {
	raw, err := rdb.LRange(ctx, KeyList, start, stop).Result()
	if err != nil {
		return nil, err
	}
	out := make([]models.RankingEntry, 0, len(raw))
	for _, r := range raw {
		var e models.RankingEntry
		if err := json.Unmarshal([]byte(r), &e); err != nil {
			return nil, fmt.Errorf("decode ranking entry: %w", err)
		}
		out = append(out, e)
	}
	return out, nil
}
