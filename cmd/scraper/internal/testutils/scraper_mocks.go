package testutils

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/shubham-shewale/stock-popularity/pkg/upstream"
)

// MockListingAPI serves scripted responses per page URL. Each request for a
// page consumes the next scripted response; the last one repeats.
type MockListingAPI struct {
	Responses map[string][]upstream.Result[upstream.InstrumentRecord]
	Requests  []string
	Mu        sync.Mutex
}

func NewMockListingAPI() *MockListingAPI {
	return &MockListingAPI{Responses: make(map[string][]upstream.Result[upstream.InstrumentRecord])}
}

// AddPage scripts a successful page.
func (m *MockListingAPI) AddPage(pageURL, next string, records ...*upstream.InstrumentRecord) {
	m.Add(pageURL, upstream.Result[upstream.InstrumentRecord]{
		Outcome: upstream.Outcome{Kind: upstream.KindSuccess, Status: 200},
		Items:   records,
		Next:    next,
	})
}

func (m *MockListingAPI) Add(pageURL string, res upstream.Result[upstream.InstrumentRecord]) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.Responses[pageURL] = append(m.Responses[pageURL], res)
}

func (m *MockListingAPI) Instruments(ctx context.Context, pageURL string) upstream.Result[upstream.InstrumentRecord] {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.Requests = append(m.Requests, pageURL)

	queue := m.Responses[pageURL]
	if len(queue) == 0 {
		return upstream.Result[upstream.InstrumentRecord]{Outcome: upstream.Outcome{Kind: upstream.KindClientError, Status: 404}}
	}
	res := queue[0]
	if len(queue) > 1 {
		m.Responses[pageURL] = queue[1:]
	}
	return res
}

// Record builds an instrument record the way the API client decodes one.
func Record(id, symbol, tradability string) *upstream.InstrumentRecord {
	body := fmt.Sprintf(`{"id":%q,"symbol":%q,"name":%q,"tradability":%q}`, id, symbol, symbol+" Inc", tradability)
	var rec upstream.InstrumentRecord
	if err := json.Unmarshal([]byte(body), &rec); err != nil {
		panic(err)
	}
	return &rec
}

type MockBarrier struct {
	Calls []string
	Err   error
	// OnCall runs before the call is recorded
	OnCall func(name string)
	Mu     sync.Mutex
}

func (m *MockBarrier) record(name string) error {
	if m.OnCall != nil {
		m.OnCall(name)
	}
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.Calls = append(m.Calls, name)
	return m.Err
}

func (m *MockBarrier) StartUpdate(ctx context.Context) error {
	return m.record("start_update")
}

func (m *MockBarrier) MarkInstrumentsFinished(ctx context.Context) error {
	return m.record("instruments_finished")
}
