package ranking_test

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/shubham-shewale/stock-popularity/pkg/models"
	"github.com/shubham-shewale/stock-popularity/pkg/ranking"
	"github.com/shubham-shewale/stock-popularity/pkg/testutils"
)

func setup(t *testing.T) (*ranking.Materializer, *testutils.MockStore, *testutils.MockClock, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	st := testutils.NewMockStore()
	clk := testutils.NewMockClock()
	return ranking.NewMaterializer(zap.NewNop(), st, rdb, clk), st, clk, rdb
}

func addInstrument(st *testutils.MockStore, id, symbol, name string) {
	st.Index[id] = models.Instrument{InstrumentID: id, Symbol: symbol, Name: name, Tradability: models.TradabilityTradable}
}

func TestCompute_LatestSampleWins(t *testing.T) {
	m, st, clk, _ := setup(t)
	now := clk.Now()
	t1, t2 := now.Add(-90*time.Minute), now.Add(-30*time.Minute)

	addInstrument(st, "X", "xxx", "Ex Corp")
	addInstrument(st, "Y", "yyy", "Why Corp")
	st.Popularity = []models.PopularitySample{
		{InstrumentID: "X", Popularity: 10, Timestamp: t1},
		{InstrumentID: "X", Popularity: 30, Timestamp: t2},
		{InstrumentID: "Y", Popularity: 20, Timestamp: t1},
	}

	r, err := m.Compute(context.Background())
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}
	if !reflect.DeepEqual(r.Ranks, map[string]int{"xxx": 1, "yyy": 2}) {
		t.Errorf("Unexpected ranks %v", r.Ranks)
	}
	if r.List[0].Symbol != "xxx" || r.List[0].Popularity != 30 {
		t.Errorf("Expected xxx with 30 on top, got %+v", r.List[0])
	}
}

func TestCompute_WindowTiesAndOrphans(t *testing.T) {
	m, st, clk, _ := setup(t)
	now := clk.Now()

	addInstrument(st, "A", "AAA", "")
	addInstrument(st, "B", "BBB", "")
	addInstrument(st, "C", "CCC", "")
	st.Popularity = []models.PopularitySample{
		{InstrumentID: "B", Popularity: 50, Timestamp: now},
		{InstrumentID: "A", Popularity: 50, Timestamp: now},
		{InstrumentID: "C", Popularity: 5, Timestamp: now},
		{InstrumentID: "C", Popularity: 500, Timestamp: now.Add(-3 * time.Hour)}, // outside window
		{InstrumentID: "GONE", Popularity: 900, Timestamp: now},                  // not in index
	}

	r, err := m.Compute(context.Background())
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}
	want := map[string]int{"AAA": 1, "BBB": 2, "CCC": 3}
	if !reflect.DeepEqual(r.Ranks, want) {
		t.Errorf("Expected ranks by position %v, got %v", want, r.Ranks)
	}
	if r.List[0].Symbol != "AAA" || r.List[1].Symbol != "BBB" {
		t.Errorf("Ties should be ordered by symbol, got %+v", r.List)
	}
}

func TestRebuild_WritesCacheAndIsIdempotent(t *testing.T) {
	m, st, clk, rdb := setup(t)
	ctx := context.Background()
	now := clk.Now()

	addInstrument(st, "A", "AAA", "Alpha")
	addInstrument(st, "B", "BBB", "Beta")
	addInstrument(st, "C", "CCC", "Gamma")
	st.Popularity = []models.PopularitySample{
		{InstrumentID: "A", Popularity: 3, Timestamp: now},
		{InstrumentID: "B", Popularity: 2, Timestamp: now},
		{InstrumentID: "C", Popularity: 1, Timestamp: now},
	}

	first, err := m.Rebuild(ctx)
	if err != nil {
		t.Fatalf("Rebuild failed: %v", err)
	}
	firstList, _ := rdb.LRange(ctx, ranking.KeyList, 0, -1).Result()
	firstHash, _ := rdb.HGetAll(ctx, ranking.KeyRankings).Result()

	second, err := m.Rebuild(ctx)
	if err != nil {
		t.Fatalf("Second rebuild failed: %v", err)
	}
	secondList, _ := rdb.LRange(ctx, ranking.KeyList, 0, -1).Result()
	secondHash, _ := rdb.HGetAll(ctx, ranking.KeyRankings).Result()

	if !reflect.DeepEqual(first, second) {
		t.Errorf("Rankings differ between rebuilds:\n%+v\n%+v", first, second)
	}
	if !reflect.DeepEqual(firstList, secondList) || !reflect.DeepEqual(firstHash, secondHash) {
		t.Error("Cache contents differ between rebuilds")
	}
	if len(secondList) != 3 {
		t.Errorf("Expected the list to be replaced, not appended; got %d entries", len(secondList))
	}

	rank, ok, err := ranking.Rank(ctx, rdb, "BBB")
	if err != nil || !ok || rank != 2 {
		t.Errorf("Expected BBB at rank 2, got %d (%v, %v)", rank, ok, err)
	}
	if _, ok, _ := ranking.Rank(ctx, rdb, "ZZZ"); ok {
		t.Error("Unknown symbol should not be ranked")
	}

	top, _ := ranking.Top(ctx, rdb, 2)
	if len(top) != 2 || top[0].Symbol != "AAA" || top[0].Name != "Alpha" {
		t.Errorf("Unexpected top %+v", top)
	}
	bottom, _ := ranking.Bottom(ctx, rdb, 2)
	if len(bottom) != 2 || bottom[0].Symbol != "CCC" || bottom[1].Symbol != "BBB" {
		t.Errorf("Unexpected bottom %+v", bottom)
	}
}

func TestRebuild_EmptyWindowClearsCache(t *testing.T) {
	m, _, _, rdb := setup(t)
	ctx := context.Background()
	rdb.RPush(ctx, ranking.KeyList, `{"symbol":"OLD"}`)

	if _, err := m.Rebuild(ctx); err != nil {
		t.Fatalf("Rebuild failed: %v", err)
	}
	if n, _ := rdb.Exists(ctx, ranking.KeyList).Result(); n != 0 {
		t.Error("Stale list should have been removed")
	}
}

func TestLookup_SkipsUnrankedSymbols(t *testing.T) {
	m, st, clk, rdb := setup(t)
	ctx := context.Background()

	addInstrument(st, "A", "AAA", "Triple A")
	addInstrument(st, "B", "BBB", "Double B")
	st.Popularity = []models.PopularitySample{
		{InstrumentID: "A", Popularity: 7, Timestamp: clk.Now()},
		{InstrumentID: "B", Popularity: 9, Timestamp: clk.Now()},
	}
	if _, err := m.Rebuild(ctx); err != nil {
		t.Fatalf("Rebuild failed: %v", err)
	}

	got, err := ranking.Lookup(ctx, rdb, []string{"AAA", "NOPE", "BBB"})
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	want := []models.RankUpdate{
		{Symbol: "AAA", Rank: 2, Popularity: 7, Name: "Triple A"},
		{Symbol: "BBB", Rank: 1, Popularity: 9, Name: "Double B"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Expected %+v, got %+v", want, got)
	}
}

func TestRebuild_TiedRanksFollowListPosition(t *testing.T) {
	m, st, clk, rdb := setup(t)
	ctx := context.Background()

	addInstrument(st, "C", "CCC", "")
	addInstrument(st, "B", "BBB", "")
	addInstrument(st, "A", "AAA", "")
	st.Popularity = []models.PopularitySample{
		{InstrumentID: "C", Popularity: 5, Timestamp: clk.Now()},
		{InstrumentID: "B", Popularity: 50, Timestamp: clk.Now()},
		{InstrumentID: "A", Popularity: 50, Timestamp: clk.Now()},
	}
	if _, err := m.Rebuild(ctx); err != nil {
		t.Fatalf("Rebuild failed: %v", err)
	}

	list, err := ranking.Top(ctx, rdb, 10)
	if err != nil {
		t.Fatalf("Top failed: %v", err)
	}
	for i, e := range list {
		rank, ok, err := ranking.Rank(ctx, rdb, e.Symbol)
		if err != nil || !ok || rank != i+1 {
			t.Errorf("%s is at position %d but cached with rank %d (%v, %v)", e.Symbol, i+1, rank, ok, err)
		}
	}
	if len(list) != 3 || list[0].Symbol != "AAA" || list[1].Symbol != "BBB" {
		t.Errorf("Expected the tie split by symbol, got %+v", list)
	}
}
