package testutils

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/shubham-shewale/stock-popularity/pkg/models"
	"github.com/shubham-shewale/stock-popularity/pkg/upstream"
)

// MockUpstream serves scripted results per lookup and records every batch it
// was asked for. Each call consumes the next result; the last one repeats.
type MockUpstream struct {
	QuoteResults        []upstream.Result[upstream.QuoteRecord]
	PopularityResults   []upstream.Result[upstream.PopularityRecord]
	FundamentalsResults []upstream.Result[upstream.FundamentalsRecord]

	QuoteCalls        [][]string
	PopularityCalls   [][]string
	FundamentalsCalls [][]string

	Mu sync.Mutex
}

func next[T any](queue *[]upstream.Result[T]) upstream.Result[T] {
	if len(*queue) == 0 {
		return upstream.Result[T]{Outcome: upstream.Outcome{Kind: upstream.KindUnexpected, Status: 200}}
	}
	res := (*queue)[0]
	if len(*queue) > 1 {
		*queue = (*queue)[1:]
	}
	return res
}

func (m *MockUpstream) Quotes(ctx context.Context, symbols []string) upstream.Result[upstream.QuoteRecord] {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.QuoteCalls = append(m.QuoteCalls, append([]string(nil), symbols...))
	return next(&m.QuoteResults)
}

func (m *MockUpstream) Popularity(ctx context.Context, ids []string) upstream.Result[upstream.PopularityRecord] {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.PopularityCalls = append(m.PopularityCalls, append([]string(nil), ids...))
	return next(&m.PopularityResults)
}

func (m *MockUpstream) Fundamentals(ctx context.Context, ids []string) upstream.Result[upstream.FundamentalsRecord] {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.FundamentalsCalls = append(m.FundamentalsCalls, append([]string(nil), ids...))
	return next(&m.FundamentalsResults)
}

// Success wraps items into a successful result.
func Success[T any](items ...*T) upstream.Result[T] {
	return upstream.Result[T]{Outcome: upstream.Outcome{Kind: upstream.KindSuccess, Status: 200}, Items: items}
}

// Failure builds a result of the given kind.
func Failure[T any](kind upstream.Kind, detail string) upstream.Result[T] {
	return upstream.Result[T]{Outcome: upstream.Outcome{Kind: kind, Status: 200, Detail: detail}}
}

// QuoteRecord builds a quote as the client would decode it.
func QuoteRecord(symbol, instrumentID, updatedAt string) *upstream.QuoteRecord {
	halted := false
	return &upstream.QuoteRecord{
		Symbol:         symbol,
		Instrument:     models.BuildInstrumentURL(instrumentID),
		BidPrice:       decimal.RequireFromString("10.10"),
		AskPrice:       decimal.RequireFromString("10.20"),
		BidSize:        100,
		AskSize:        200,
		LastTradePrice: decimal.RequireFromString("10.15"),
		UpdatedAt:      updatedAt,
		TradingHalted:  &halted,
	}
}

func PopularityRecord(instrumentID string, positions int64) *upstream.PopularityRecord {
	return &upstream.PopularityRecord{Instrument: models.BuildInstrumentURL(instrumentID), NumOpenPositions: positions}
}

type MockBarrier struct {
	QuotesFinished       int
	PopularitiesFinished int
	Err                  error
	Mu                   sync.Mutex
}

func (m *MockBarrier) MarkQuotesFinished(ctx context.Context) error {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.QuotesFinished++
	return m.Err
}

func (m *MockBarrier) MarkPopularitiesFinished(ctx context.Context) error {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.PopularitiesFinished++
	return m.Err
}
