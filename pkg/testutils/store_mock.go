package testutils

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shubham-shewale/stock-popularity/pkg/models"
	"github.com/shubham-shewale/stock-popularity/pkg/store"
)

// MockStore is an in-memory store.Store that enforces the same unique keys as
// the Postgres schema.
type MockStore struct {
	Index        map[string]models.Instrument
	Statuses     map[string]models.InstrumentStatus
	Quotes       map[string]models.Quote
	Popularity   []models.PopularitySample
	Fundamentals map[string]models.Fundamentals

	// Fault injection
	UpsertErr        error
	InsertQuotesErr  error
	UpdateStatusErr  error
	PopularityErr    error
	FundamentalsErr  error
	QueryErr         error
	QuoteInsertCalls int
	QueryCalls       int

	Mu sync.Mutex
}

// Compile-time check to ensure MockStore implements store.Store
var _ store.Store = (*MockStore)(nil)

func NewMockStore() *MockStore {
	return &MockStore{
		Index:        make(map[string]models.Instrument),
		Statuses:     make(map[string]models.InstrumentStatus),
		Quotes:       make(map[string]models.Quote),
		Fundamentals: make(map[string]models.Fundamentals),
	}
}

func (m *MockStore) symbolOwner(symbol string) (string, bool) {
	for id, inst := range m.Index {
		if inst.Symbol == symbol {
			return id, true
		}
	}
	return "", false
}

func (m *MockStore) UpsertInstrument(ctx context.Context, inst models.Instrument) error {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	if m.UpsertErr != nil {
		return m.UpsertErr
	}
	if owner, ok := m.symbolOwner(inst.Symbol); ok && owner != inst.InstrumentID {
		return fmt.Errorf("%w: %s", store.ErrSymbolConflict, inst.Symbol)
	}
	m.Index[inst.InstrumentID] = inst
	return nil
}

func (m *MockStore) DeleteInstrumentsBySymbol(ctx context.Context, symbol string) (int64, error) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	var n int64
	for id, inst := range m.Index {
		if inst.Symbol == symbol {
			delete(m.Index, id)
			n++
		}
	}
	return n, nil
}

func (m *MockStore) InsertInstrument(ctx context.Context, inst models.Instrument) error {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	if _, ok := m.Index[inst.InstrumentID]; ok {
		return fmt.Errorf("%w: %s", store.ErrDuplicateKey, inst.InstrumentID)
	}
	if _, ok := m.symbolOwner(inst.Symbol); ok {
		return fmt.Errorf("%w: %s", store.ErrSymbolConflict, inst.Symbol)
	}
	m.Index[inst.InstrumentID] = inst
	return nil
}

func (m *MockStore) UpdateInstrumentStatus(ctx context.Context, statuses []models.InstrumentStatus) error {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	if m.UpdateStatusErr != nil {
		return m.UpdateStatusErr
	}
	for _, st := range statuses {
		if _, ok := m.Index[st.InstrumentID]; ok {
			m.Statuses[st.InstrumentID] = st
		}
	}
	return nil
}

func (m *MockStore) InsertQuotes(ctx context.Context, quotes []models.Quote) error {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.QuoteInsertCalls++
	if m.InsertQuotesErr != nil {
		return m.InsertQuotesErr
	}
	var bwe store.BulkWriteError
	for i, q := range quotes {
		if _, ok := m.Quotes[q.Key()]; ok {
			bwe.Errors = append(bwe.Errors, store.WriteError{Index: i, Err: fmt.Errorf("%w: %s", store.ErrDuplicateKey, q.Key())})
			continue
		}
		m.Quotes[q.Key()] = q
	}
	if len(bwe.Errors) > 0 {
		return &bwe
	}
	return nil
}

func (m *MockStore) InsertPopularity(ctx context.Context, samples []models.PopularitySample) error {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	if m.PopularityErr != nil {
		return m.PopularityErr
	}
	m.Popularity = append(m.Popularity, samples...)
	return nil
}

func (m *MockStore) UpsertFundamentals(ctx context.Context, f models.Fundamentals) error {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	if m.FundamentalsErr != nil {
		return m.FundamentalsErr
	}
	m.Fundamentals[f.InstrumentID] = f
	return nil
}

// PopularitySince returns every sample in the window, not only the latest.
func (m *MockStore) PopularitySince(ctx context.Context, since time.Time) ([]models.PopularitySample, error) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	var out []models.PopularitySample
	for _, s := range m.Popularity {
		if !s.Timestamp.Before(since) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *MockStore) InstrumentsByID(ctx context.Context, ids []string) (map[string]models.Instrument, error) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	out := make(map[string]models.Instrument, len(ids))
	for _, id := range ids {
		if inst, ok := m.Index[id]; ok {
			out[id] = inst
		}
	}
	return out, nil
}

// quotesOf is oldest first. Callers hold Mu.
func (m *MockStore) quotesOf(symbol string) []models.Quote {
	id, ok := m.symbolOwner(symbol)
	if !ok {
		return nil
	}
	var out []models.Quote
	for _, q := range m.Quotes {
		if q.InstrumentID == id {
			q.Symbol = symbol
			out = append(out, q)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out
}

func (m *MockStore) LatestQuote(ctx context.Context, symbol string) (models.Quote, bool, error) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.QueryCalls++
	if m.QueryErr != nil {
		return models.Quote{}, false, m.QueryErr
	}
	quotes := m.quotesOf(symbol)
	if len(quotes) == 0 {
		return models.Quote{}, false, nil
	}
	return quotes[len(quotes)-1], true, nil
}

func (m *MockStore) LatestQuotes(ctx context.Context, symbols []string) (map[string]models.Quote, error) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.QueryCalls++
	if m.QueryErr != nil {
		return nil, m.QueryErr
	}
	out := make(map[string]models.Quote, len(symbols))
	for _, sym := range symbols {
		if quotes := m.quotesOf(sym); len(quotes) > 0 {
			out[sym] = quotes[len(quotes)-1]
		}
	}
	return out, nil
}

func (m *MockStore) QuoteHistory(ctx context.Context, symbol string) ([]models.Quote, error) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.QueryCalls++
	if m.QueryErr != nil {
		return nil, m.QueryErr
	}
	return m.quotesOf(symbol), nil
}

func (m *MockStore) PopularityHistory(ctx context.Context, symbol string) ([]models.PopularitySample, bool, error) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.QueryCalls++
	if m.QueryErr != nil {
		return nil, false, m.QueryErr
	}
	id, ok := m.symbolOwner(symbol)
	if !ok {
		return nil, false, nil
	}
	var out []models.PopularitySample
	for _, s := range m.Popularity {
		if s.InstrumentID == id {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, true, nil
}

func (m *MockStore) Close() {}

// QuoteCount is safe to call while workers run.
func (m *MockStore) QuoteCount() int {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	return len(m.Quotes)
}
