package worker_test

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/shubham-shewale/stock-popularity/cmd/worker/internal/testutils"
	"github.com/shubham-shewale/stock-popularity/cmd/worker/internal/worker"
	"github.com/shubham-shewale/stock-popularity/pkg/broker"
	"github.com/shubham-shewale/stock-popularity/pkg/models"
	mocks "github.com/shubham-shewale/stock-popularity/pkg/testutils"
	"github.com/shubham-shewale/stock-popularity/pkg/upstream"
)

const (
	idAAA = "f7a777df-9b1f-47f6-a82f-fe2645f663c2"
	idBBB = "450dfc6d-5510-4d40-abfb-f633b7d9be3e"
)

type fixture struct {
	api     *testutils.MockUpstream
	barrier *testutils.MockBarrier
	store   *mocks.MockStore
	clock   *mocks.MockClock
}

func newFixture() *fixture {
	return &fixture{
		api:     &testutils.MockUpstream{},
		barrier: &testutils.MockBarrier{},
		store:   mocks.NewMockStore(),
		clock:   mocks.NewMockClock(),
	}
}

func (f *fixture) worker(mode worker.Mode) *worker.Worker {
	return worker.NewWorker(zap.NewNop(), mode, nil, upstream.DefaultRetryPolicy(), f.clock)
}

func (f *fixture) quotes() *worker.Worker {
	return f.worker(worker.NewQuotesMode(zap.NewNop(), f.api, f.store, f.barrier, f.clock))
}

func (f *fixture) popularity() *worker.Worker {
	return f.worker(worker.NewPopularityMode(zap.NewNop(), f.api, f.store, f.barrier, f.clock))
}

func quotePair() upstream.Result[upstream.QuoteRecord] {
	return testutils.Success(
		testutils.QuoteRecord("AAA", idAAA, "2024-01-02T14:59:00Z"),
		testutils.QuoteRecord("BBB", idBBB, "2024-01-02T14:59:30Z"),
	)
}

func TestQuotes_UnrecognisedThrottleWarnsAndFallsBack(t *testing.T) {
	f := newFixture()
	f.api.QuoteResults = []upstream.Result[upstream.QuoteRecord]{
		testutils.Failure[upstream.QuoteRecord](upstream.KindThrottled, "Slow down."),
		quotePair(),
	}
	core, logs := observer.New(zapcore.WarnLevel)
	w := worker.NewWorker(zap.New(core), worker.NewQuotesMode(zap.NewNop(), f.api, f.store, f.barrier, f.clock),
		nil, upstream.DefaultRetryPolicy(), f.clock)

	if err := w.Handle(context.Background(), []byte("AAA,BBB")); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	if got := f.clock.SleepsSnapshot(); len(got) == 0 || got[0] != 120*time.Second {
		t.Errorf("Expected the 120s fallback first, got %v", got)
	}
	warned := logs.FilterMessage("Unrecognised throttle message, using fallback cooldown")
	if warned.Len() != 1 {
		t.Errorf("Expected one warning for the unparsed throttle, got %v", logs.All())
	}
}

func TestQuotes_ThrottleRetriesIdenticalBatch(t *testing.T) {
	f := newFixture()
	f.api.QuoteResults = []upstream.Result[upstream.QuoteRecord]{
		testutils.Failure[upstream.QuoteRecord](upstream.KindThrottled, "Request was throttled. Expected available in 4 seconds."),
		quotePair(),
	}

	if err := f.quotes().Handle(context.Background(), []byte("AAA,BBB")); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	want := [][]string{{"AAA", "BBB"}, {"AAA", "BBB"}}
	if !reflect.DeepEqual(f.api.QuoteCalls, want) {
		t.Errorf("Expected the identical batch to be retried, got %v", f.api.QuoteCalls)
	}
	if got := f.clock.SleepsSnapshot(); !reflect.DeepEqual(got, []time.Duration{6 * time.Second, time.Second}) {
		t.Errorf("Expected throttle cooldown then request cooldown, got %v", got)
	}
	if f.store.QuoteCount() != 2 {
		t.Errorf("Expected 2 quotes stored, got %d", f.store.QuoteCount())
	}
}

func TestQuotes_ReplayIsIdempotent(t *testing.T) {
	f := newFixture()
	f.api.QuoteResults = []upstream.Result[upstream.QuoteRecord]{quotePair()}
	w := f.quotes()

	for i := 0; i < 2; i++ {
		if err := w.Handle(context.Background(), []byte("AAA,BBB")); err != nil {
			t.Fatalf("Delivery %d failed: %v", i+1, err)
		}
	}
	if f.store.QuoteCount() != 2 {
		t.Errorf("Replay should not add quotes, got %d", f.store.QuoteCount())
	}
	if f.store.QuoteInsertCalls != 2 {
		t.Errorf("Expected both deliveries to write, got %d", f.store.QuoteInsertCalls)
	}
}

func TestQuotes_StatusUpdateIsBestEffort(t *testing.T) {
	f := newFixture()
	f.store.Index[idAAA] = models.Instrument{InstrumentID: idAAA, Symbol: "AAA"}
	f.api.QuoteResults = []upstream.Result[upstream.QuoteRecord]{quotePair()}

	if err := f.quotes().Handle(context.Background(), []byte("AAA,BBB")); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	st, ok := f.store.Statuses[idAAA]
	if !ok || st.TradingHalted == nil || *st.TradingHalted {
		t.Errorf("Expected status refreshed from the quote, got %+v", st)
	}
	if st.UpdatedAt == nil || !st.UpdatedAt.Equal(time.Date(2024, 1, 2, 14, 59, 0, 0, time.UTC)) {
		t.Errorf("Unexpected updated_at %v", st.UpdatedAt)
	}

	f.store.UpdateStatusErr = errors.New("bulk write: 1 failed")
	f.store.Quotes = map[string]models.Quote{}
	if err := f.quotes().Handle(context.Background(), []byte("AAA,BBB")); err != nil {
		t.Fatalf("Status failures must not fail the batch: %v", err)
	}
	if f.store.QuoteCount() != 2 {
		t.Errorf("Quotes should still be inserted, got %d", f.store.QuoteCount())
	}
}

func TestQuotes_OtherWriteErrorsSurface(t *testing.T) {
	f := newFixture()
	f.store.InsertQuotesErr = errors.New("disk full")
	f.api.QuoteResults = []upstream.Result[upstream.QuoteRecord]{quotePair()}

	if err := f.quotes().Handle(context.Background(), []byte("AAA,BBB")); err == nil {
		t.Fatal("Expected the write error to surface")
	}
}

func TestHandle_RetryAndDropPolicy(t *testing.T) {
	cases := []struct {
		name    string
		results []upstream.Result[upstream.QuoteRecord]
		calls   int
		sleeps  []time.Duration
		stored  int
	}{
		{
			name:    "invalid symbol dropped",
			results: []upstream.Result[upstream.QuoteRecord]{testutils.Failure[upstream.QuoteRecord](upstream.KindClientError, "Invalid symbol.")},
			calls:   1,
			sleeps:  nil,
		},
		{
			name:    "unexpected payload dropped after poison backoff",
			results: []upstream.Result[upstream.QuoteRecord]{testutils.Failure[upstream.QuoteRecord](upstream.KindUnexpected, "")},
			calls:   1,
			sleeps:  []time.Duration{120 * time.Second},
		},
		{
			name: "transient and malformed retried",
			results: []upstream.Result[upstream.QuoteRecord]{
				testutils.Failure[upstream.QuoteRecord](upstream.KindTransient, ""),
				testutils.Failure[upstream.QuoteRecord](upstream.KindMalformed, ""),
				quotePair(),
			},
			calls:  3,
			sleeps: []time.Duration{30 * time.Second, 30 * time.Second, time.Second},
			stored: 2,
		},
		{
			name:    "unrecognised throttle message uses fallback",
			results: []upstream.Result[upstream.QuoteRecord]{testutils.Failure[upstream.QuoteRecord](upstream.KindThrottled, "slow down"), quotePair()},
			calls:   2,
			sleeps:  []time.Duration{120 * time.Second, time.Second},
			stored:  2,
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			f := newFixture()
			f.api.QuoteResults = c.results

			if err := f.quotes().Handle(context.Background(), []byte("AAA,BBB")); err != nil {
				t.Fatalf("Handle failed: %v", err)
			}
			if len(f.api.QuoteCalls) != c.calls {
				t.Errorf("Expected %d calls, got %d", c.calls, len(f.api.QuoteCalls))
			}
			if got := f.clock.SleepsSnapshot(); !reflect.DeepEqual(got, c.sleeps) {
				t.Errorf("Expected sleeps %v, got %v", c.sleeps, got)
			}
			if f.store.QuoteCount() != c.stored {
				t.Errorf("Expected %d stored, got %d", c.stored, f.store.QuoteCount())
			}
		})
	}
}

func TestHandle_CancelledDuringBackoff(t *testing.T) {
	f := newFixture()
	f.api.QuoteResults = []upstream.Result[upstream.QuoteRecord]{testutils.Failure[upstream.QuoteRecord](upstream.KindTransient, "")}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := f.quotes().Handle(ctx, []byte("AAA")); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestHandle_SentinelMarksFinished(t *testing.T) {
	f := newFixture()

	if err := f.quotes().Handle(context.Background(), []byte(broker.Sentinel)); err != nil {
		t.Fatal(err)
	}
	if err := f.popularity().Handle(context.Background(), []byte(broker.Sentinel)); err != nil {
		t.Fatal(err)
	}
	if f.barrier.QuotesFinished != 1 || f.barrier.PopularitiesFinished != 1 {
		t.Errorf("Unexpected barrier marks %+v", f.barrier)
	}
	if len(f.api.QuoteCalls)+len(f.api.PopularityCalls) != 0 {
		t.Error("Sentinel must not reach the API")
	}

	// A sentinel still marks when earlier batches were dropped
	f.barrier.Err = errors.New("redis down")
	if err := f.quotes().Handle(context.Background(), []byte(broker.Sentinel)); err == nil {
		t.Error("Barrier failure should surface so the sentinel is redelivered")
	}
}

func TestPopularity_SharedTimestampAndNullsSkipped(t *testing.T) {
	f := newFixture()
	f.api.PopularityResults = []upstream.Result[upstream.PopularityRecord]{
		testutils.Success[upstream.PopularityRecord](testutils.PopularityRecord(idAAA, 1200), nil, testutils.PopularityRecord(idBBB, 30)),
	}

	if err := f.popularity().Handle(context.Background(), []byte(idAAA+","+idBBB)); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	if len(f.store.Popularity) != 2 {
		t.Fatalf("Expected 2 samples, got %d", len(f.store.Popularity))
	}
	ts := f.store.Popularity[0].Timestamp
	for _, s := range f.store.Popularity {
		if !s.Timestamp.Equal(ts) {
			t.Errorf("Samples should share one timestamp: %v vs %v", s.Timestamp, ts)
		}
	}
	if f.store.Popularity[0].InstrumentID != idAAA || f.store.Popularity[0].Popularity != 1200 {
		t.Errorf("Unexpected sample %+v", f.store.Popularity[0])
	}
}

func TestFundamentals_UpsertsNonEmptyRecords(t *testing.T) {
	f := newFixture()
	var full, empty upstream.FundamentalsRecord
	json.Unmarshal([]byte(`{"instrument":"https://api.robinhood.com/instruments/`+idAAA+`/","sector":"Technology","market_cap":"1000"}`), &full)
	json.Unmarshal([]byte(`{}`), &empty)
	f.api.FundamentalsResults = []upstream.Result[upstream.FundamentalsRecord]{testutils.Success[upstream.FundamentalsRecord](&full, &empty, nil)}

	w := f.worker(worker.NewFundamentalsMode(zap.NewNop(), f.api, f.store))
	if err := w.Handle(context.Background(), []byte(idAAA)); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	got, ok := f.store.Fundamentals[idAAA]
	if !ok || got.Sector != "Technology" || got.Data["market_cap"] != "1000" {
		t.Errorf("Unexpected fundamentals %+v", f.store.Fundamentals)
	}
	if len(f.store.Fundamentals) != 1 {
		t.Errorf("Empty records should be skipped, got %d", len(f.store.Fundamentals))
	}

	if err := w.Handle(context.Background(), []byte(broker.Sentinel)); err != nil {
		t.Fatal(err)
	}
	if f.barrier.QuotesFinished+f.barrier.PopularitiesFinished != 0 {
		t.Error("Fundamentals has no completion flag")
	}
}

func TestRun_CommitsHandledMessages(t *testing.T) {
	f := newFixture()
	f.api.QuoteResults = []upstream.Result[upstream.QuoteRecord]{quotePair()}
	reader := mocks.NewMockKafkaReader(broker.TopicSymbols, "AAA,BBB", broker.Sentinel)

	mode := worker.NewQuotesMode(zap.NewNop(), f.api, f.store, f.barrier, f.clock)
	w := worker.NewWorker(zap.NewNop(), mode, broker.NewConsumer(zap.NewNop(), reader), upstream.DefaultRetryPolicy(), f.clock)

	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(reader.Committed) != 2 {
		t.Errorf("Expected both messages committed, got %d", len(reader.Committed))
	}
	if f.barrier.QuotesFinished != 1 {
		t.Error("Sentinel not handled")
	}
}
