package testutils

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/shubham-shewale/stock-popularity/cmd/gateway/internal/protocol"
	"github.com/shubham-shewale/stock-popularity/pkg/models"
)

// MockClient simulates a connected websocket client
type MockClient struct {
	IDVal    string
	Messages []protocol.WSResponse // Stores JSON responses
	RawBytes []string              // Stores raw broadcasts
	Closed   bool
	Mu       sync.Mutex
}

func NewMockClient(id string) *MockClient {
	return &MockClient{IDVal: id, Messages: make([]protocol.WSResponse, 0)}
}

func (m *MockClient) ID() string { return m.IDVal }

func (m *MockClient) Close() {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.Closed = true
}

func (m *MockClient) SendJSON(v interface{}) {
	m.Mu.Lock()
	defer m.Mu.Unlock()

	if resp, ok := v.(protocol.WSResponse); ok {
		m.Messages = append(m.Messages, resp)
	}
}

func (m *MockClient) SendBytes(b []byte) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.RawBytes = append(m.RawBytes, string(b))
}

func (m *MockClient) LastMsg() protocol.WSResponse {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	for i := len(m.Messages) - 1; i >= 0; i-- {
		if m.Messages[i].Type != protocol.TypeRank {
			return m.Messages[i]
		}
	}
	return protocol.WSResponse{}
}

// Ranks collects every rank update the client received, snapshots first.
func (m *MockClient) Ranks() []models.RankUpdate {
	m.Mu.Lock()
	defer m.Mu.Unlock()

	var out []models.RankUpdate
	for _, msg := range m.Messages {
		if u, ok := msg.Data.(models.RankUpdate); ok {
			out = append(out, u)
		}
	}
	for _, raw := range m.RawBytes {
		var msg struct {
			Type string            `json:"type"`
			Data models.RankUpdate `json:"data"`
		}
		if json.Unmarshal([]byte(raw), &msg) == nil && msg.Type == protocol.TypeRank {
			out = append(out, msg.Data)
		}
	}
	return out
}

// MockFeed simulates the ranking cache
type MockFeed struct {
	Locked        bool
	Ranks         map[string]models.RankUpdate
	SnapshotCalls [][]string
	Err           error
	Mu            sync.Mutex
}

func NewMockFeed() *MockFeed {
	return &MockFeed{Ranks: make(map[string]models.RankUpdate)}
}

func (m *MockFeed) Set(symbol string, rank int, popularity int64) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.Ranks[symbol] = models.RankUpdate{Symbol: symbol, Rank: rank, Popularity: popularity}
}

func (m *MockFeed) State(ctx context.Context) (models.ScrapeRunState, error) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	if m.Locked {
		return models.ScrapeRunState{CacheLocked: true}, m.Err
	}
	return models.ScrapeRunState{InstrumentsFinished: true, PopularitiesFinished: true, QuotesFinished: true}, m.Err
}

func (m *MockFeed) Snapshots(ctx context.Context, symbols []string) ([]models.RankUpdate, error) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.SnapshotCalls = append(m.SnapshotCalls, append([]string(nil), symbols...))
	if m.Err != nil {
		return nil, m.Err
	}
	var out []models.RankUpdate
	for _, s := range symbols {
		if u, ok := m.Ranks[s]; ok {
			out = append(out, u)
		}
	}
	return out, nil
}

func (m *MockFeed) RunPubSub(ctx context.Context, onRebuilt func(count int)) {
	// No-op for unit tests
}

// MockCache serves a fixed ranking as the Redis cache would.
type MockCache struct {
	*MockFeed
	List      []models.RankingEntry
	Responses map[string][]byte
}

func NewMockCache(list ...models.RankingEntry) *MockCache {
	c := &MockCache{MockFeed: NewMockFeed(), List: list, Responses: make(map[string][]byte)}
	for i, e := range list {
		c.Ranks[e.Symbol] = models.RankUpdate{Symbol: e.Symbol, Rank: i + 1, Popularity: e.Popularity, Name: e.Name}
	}
	return c
}

func (m *MockCache) Top(ctx context.Context, n int) ([]models.RankingEntry, error) {
	if n > len(m.List) {
		n = len(m.List)
	}
	return m.List[:n], m.Err
}

func (m *MockCache) Bottom(ctx context.Context, n int) ([]models.RankingEntry, error) {
	var out []models.RankingEntry
	for i := len(m.List) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, m.List[i])
	}
	return out, m.Err
}

func (m *MockCache) Rank(ctx context.Context, symbol string) (int, bool, error) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	u, ok := m.Ranks[symbol]
	return u.Rank, ok, m.Err
}

func (m *MockCache) CachedResponse(ctx context.Context, key string) ([]byte, bool, error) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	body, ok := m.Responses[key]
	return body, ok, m.Err
}

func (m *MockCache) CacheResponse(ctx context.Context, key string, body []byte) error {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.Responses[key] = body
	return m.Err
}

func (m *MockCache) Close() error { return nil }

// MockLive counts live computations.
type MockLive struct {
	Ranking models.PopularityRanking
	Calls   int
	Mu      sync.Mutex
}

func (m *MockLive) Compute(ctx context.Context) (models.PopularityRanking, error) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.Calls++
	return m.Ranking, nil
}

// MockLimiter allows the first Limit requests.
type MockLimiter struct {
	Limit int
	Err   error
	Paths []string
	Mu    sync.Mutex
}

func (m *MockLimiter) Allow(ctx context.Context, ip, path string) (bool, error) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.Paths = append(m.Paths, path)
	return len(m.Paths) <= m.Limit, m.Err
}
