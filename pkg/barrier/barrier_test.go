package barrier_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/shubham-shewale/stock-popularity/pkg/barrier"
	"github.com/shubham-shewale/stock-popularity/pkg/models"
)

type MockMaterializer struct {
	Calls   int32
	Err     error
	Delay   time.Duration
	OnBuild func()
}

func (m *MockMaterializer) Rebuild(ctx context.Context) (models.PopularityRanking, error) {
	atomic.AddInt32(&m.Calls, 1)
	if m.OnBuild != nil {
		m.OnBuild()
	}
	if m.Delay > 0 {
		time.Sleep(m.Delay)
	}
	if m.Err != nil {
		return models.PopularityRanking{}, m.Err
	}
	return models.PopularityRanking{List: []models.RankingEntry{{Symbol: "AAA", Popularity: 1}}}, nil
}

func setup(t *testing.T, mat barrier.Materializer) (*barrier.Controller, *redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return barrier.NewController(zap.NewNop(), rdb, mat), rdb, mr
}

func TestState_MissingKeysAreLockedAndUnfinished(t *testing.T) {
	c, _, _ := setup(t, &MockMaterializer{})

	st, err := c.State(context.Background())
	if err != nil {
		t.Fatalf("State failed: %v", err)
	}
	if !st.CacheLocked || st.InstrumentsFinished || st.PopularitiesFinished || st.QuotesFinished {
		t.Errorf("Fresh cache must read as locked and unfinished, got %+v", st)
	}
}

func TestStartUpdate_ResetsFlagsAndFlushesDerivedKeys(t *testing.T) {
	c, _, mr := setup(t, &MockMaterializer{})
	ctx := context.Background()

	mr.Set(barrier.KeyCacheLocked, "0")
	mr.Set(barrier.KeyQuotesFinished, "1")
	mr.Set("popularity_list", "stale")
	mr.Set("ratelimit:1.2.3.4:/scrape_status", "3")

	if err := c.StartUpdate(ctx); err != nil {
		t.Fatalf("StartUpdate failed: %v", err)
	}

	for _, k := range []string{barrier.KeyInstrumentsFinished, barrier.KeyPopularitiesFinished, barrier.KeyQuotesFinished} {
		if v, _ := mr.Get(k); v != "0" {
			t.Errorf("Expected %s=0, got %q", k, v)
		}
	}
	if v, _ := mr.Get(barrier.KeyCacheLocked); v != "1" {
		t.Errorf("Expected cache locked, got %q", v)
	}
	if mr.Exists("popularity_list") || mr.Exists("ratelimit:1.2.3.4:/scrape_status") {
		t.Error("Derived keys should have been flushed")
	}
}

func TestFullCycle_RebuildsOnceAndUnlocks(t *testing.T) {
	mat := &MockMaterializer{}
	c, rdb, _ := setup(t, mat)
	ctx := context.Background()

	sub := rdb.Subscribe(ctx, barrier.ChannelRebuilt)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if err := c.StartUpdate(ctx); err != nil {
		t.Fatal(err)
	}
	steps := []func(context.Context) error{c.MarkInstrumentsFinished, c.MarkQuotesFinished, c.MarkPopularitiesFinished}
	for i, step := range steps {
		if err := step(ctx); err != nil {
			t.Fatalf("Step %d failed: %v", i, err)
		}
		locked, _ := c.IsCacheLocked(ctx)
		if last := i == len(steps)-1; locked == last {
			t.Errorf("After step %d expected locked=%v", i, !last)
		}
	}

	if mat.Calls != 1 {
		t.Errorf("Expected one rebuild, got %d", mat.Calls)
	}

	msg, err := sub.ReceiveMessage(ctx)
	if err != nil || msg.Payload != "1" {
		t.Errorf("Expected rebuild announcement with count 1, got %v (%v)", msg, err)
	}

	// A late duplicate sentinel must not rebuild again.
	if err := c.MarkQuotesFinished(ctx); err != nil {
		t.Fatal(err)
	}
	if mat.Calls != 1 {
		t.Errorf("Duplicate mark triggered another rebuild")
	}
}

func TestInvariant_HeldContinuouslyDuringRun(t *testing.T) {
	var c *barrier.Controller
	var violations int32
	mat := &MockMaterializer{}
	c, _, _ = setup(t, mat)
	ctx := context.Background()

	// The cache must still be locked while the ranking is rebuilt.
	mat.OnBuild = func() {
		if locked, _ := c.IsCacheLocked(ctx); !locked {
			atomic.AddInt32(&violations, 1)
		}
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			default:
			}
			st, err := c.State(ctx)
			if err == nil && !st.Consistent() {
				atomic.AddInt32(&violations, 1)
			}
		}
	}()

	for cycle := 0; cycle < 3; cycle++ {
		if err := c.StartUpdate(ctx); err != nil {
			t.Fatal(err)
		}
		c.MarkPopularitiesFinished(ctx)
		c.MarkInstrumentsFinished(ctx)
		c.MarkQuotesFinished(ctx)
	}
	close(done)

	if violations != 0 {
		t.Errorf("Observed %d states with an unlocked cache and unfinished flags", violations)
	}
	if mat.Calls != 3 {
		t.Errorf("Expected one rebuild per cycle, got %d", mat.Calls)
	}
}

func TestConcurrentMarks_RebuildExactlyOnce(t *testing.T) {
	for run := 0; run < 20; run++ {
		mat := &MockMaterializer{Delay: 5 * time.Millisecond}
		c, _, _ := setup(t, mat)
		ctx := context.Background()

		if err := c.StartUpdate(ctx); err != nil {
			t.Fatal(err)
		}
		if err := c.MarkInstrumentsFinished(ctx); err != nil {
			t.Fatal(err)
		}

		var wg sync.WaitGroup
		start := make(chan struct{})
		for _, mark := range []func(context.Context) error{c.MarkPopularitiesFinished, c.MarkQuotesFinished} {
			wg.Add(1)
			go func(mark func(context.Context) error) {
				defer wg.Done()
				<-start
				if err := mark(ctx); err != nil {
					t.Errorf("Mark failed: %v", err)
				}
			}(mark)
		}
		close(start)
		wg.Wait()

		if got := atomic.LoadInt32(&mat.Calls); got != 1 {
			t.Fatalf("Run %d: expected exactly one rebuild, got %d", run, got)
		}
		if locked, _ := c.IsCacheLocked(ctx); locked {
			t.Fatalf("Run %d: cache should be unlocked", run)
		}
	}
}

func TestRebuildFailure_KeepsLockAndAllowsRetry(t *testing.T) {
	mat := &MockMaterializer{Err: errors.New("store down")}
	c, _, mr := setup(t, mat)
	ctx := context.Background()

	c.StartUpdate(ctx)
	c.MarkInstrumentsFinished(ctx)
	c.MarkPopularitiesFinished(ctx)
	if err := c.MarkQuotesFinished(ctx); err == nil {
		t.Fatal("Expected the rebuild error to surface")
	}
	if locked, _ := c.IsCacheLocked(ctx); !locked {
		t.Error("Cache must stay locked after a failed rebuild")
	}
	if mr.Exists(barrier.KeyRebuildClaim) {
		t.Error("Failed rebuild should release its claim")
	}

	mat.Err = nil
	rebuilt, err := c.CheckIfAllFinished(ctx)
	if err != nil || !rebuilt {
		t.Fatalf("Retry should rebuild, got %v (%v)", rebuilt, err)
	}
	if locked, _ := c.IsCacheLocked(ctx); locked {
		t.Error("Cache should be unlocked after the retry")
	}
}

func TestUnlock_RefusedWhenNewCycleStartedMidRebuild(t *testing.T) {
	mat := &MockMaterializer{}
	c, _, _ := setup(t, mat)
	ctx := context.Background()

	mat.OnBuild = func() {
		// Scraper kicks off the next cycle while we are rebuilding.
		c.StartUpdate(ctx)
	}

	c.StartUpdate(ctx)
	c.MarkInstrumentsFinished(ctx)
	c.MarkPopularitiesFinished(ctx)
	err := c.MarkQuotesFinished(ctx)
	if !errors.Is(err, barrier.ErrClaimLost) {
		t.Fatalf("Expected ErrClaimLost, got %v", err)
	}
	st, _ := c.State(ctx)
	if !st.CacheLocked || st.QuotesFinished {
		t.Errorf("New cycle must stay locked, got %+v", st)
	}
}
