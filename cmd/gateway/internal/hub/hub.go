package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/shubham-shewale/stock-popularity/cmd/gateway/internal/protocol"
	"github.com/shubham-shewale/stock-popularity/pkg/models"
)

type ClientInterface interface {
	ID() string
	SendJSON(v interface{})
	SendBytes(b []byte)
	Close()
}

// Feed is the slice of the ranking cache the hub pushes from.
type Feed interface {
	State(ctx context.Context) (models.ScrapeRunState, error)
	Snapshots(ctx context.Context, symbols []string) ([]models.RankUpdate, error)
	RunPubSub(ctx context.Context, onRebuilt func(count int))
}

// Hub tracks which clients watch which symbols and pushes their new rank
// after every rebuild.
type Hub struct {
	subscribers map[string]map[ClientInterface]bool
	clientSubs  map[ClientInterface]map[string]bool

	feed   Feed
	logger *zap.Logger
	mu     sync.RWMutex
}

func NewHub(feed Feed, logger *zap.Logger) *Hub {
	return &Hub{
		subscribers: make(map[string]map[ClientInterface]bool),
		clientSubs:  make(map[ClientInterface]map[string]bool),
		feed:        feed,
		logger:      logger,
	}
}

// Run pushes rank updates until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	h.feed.RunPubSub(ctx, func(count int) {
		h.logger.Debug("Ranking rebuilt", zap.Int("instruments", count))
		h.Broadcast(ctx)
	})
}

func (h *Hub) HandleCommand(client ClientInterface, req protocol.WSRequest) {
	switch req.Action {
	case protocol.ActionSubscribe:
		h.handleSubscribe(client, req)
	case protocol.ActionUnsubscribe:
		h.handleUnsubscribe(client, req)
	case protocol.ActionUnsubscribeAll:
		h.handleUnsubscribeAll(client, req)
	default:
		h.sendError(client, req.ID, "Unknown action: "+req.Action)
	}
}

func (h *Hub) handleSubscribe(client ClientInterface, req protocol.WSRequest) {
	h.mu.Lock()
	var added []string
	for _, s := range req.Payload.Symbols {
		if !models.ValidSymbol(s) {
			continue
		}
		// Idempotency: Ignore if already subscribed
		if h.clientSubs[client][s] {
			continue
		}
		if h.clientSubs[client] == nil {
			h.clientSubs[client] = make(map[string]bool)
		}
		if h.subscribers[s] == nil {
			h.subscribers[s] = make(map[ClientInterface]bool)
		}
		h.clientSubs[client][s] = true
		h.subscribers[s][client] = true
		added = append(added, s)
	}
	h.mu.Unlock()

	if len(added) == 0 {
		h.sendError(client, req.ID, "No valid/new symbols provided")
		return
	}
	h.sendAck(client, req.ID, fmt.Sprintf("Subscribed to %v", added))
	h.sendSnapshots(context.Background(), client, added)
}

// sendSnapshots sends the cached ranks of symbols, unless a scrape cycle is
// rewriting the cache.
func (h *Hub) sendSnapshots(ctx context.Context, client ClientInterface, symbols []string) {
	state, err := h.feed.State(ctx)
	if err != nil {
		h.logger.Error("Failed to read scrape state", zap.Error(err))
		return
	}
	if state.CacheLocked {
		return
	}
	updates, err := h.feed.Snapshots(ctx, symbols)
	if err != nil {
		h.logger.Error("Failed to read snapshots", zap.Strings("symbols", symbols), zap.Error(err))
		return
	}
	for _, u := range updates {
		client.SendJSON(rankMessage(u))
	}
}

func (h *Hub) handleUnsubscribe(client ClientInterface, req protocol.WSRequest) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var removed []string
	if subs, ok := h.clientSubs[client]; ok {
		for _, sym := range req.Payload.Symbols {
			if subs[sym] {
				delete(subs, sym)
				h.removeSubscriber(sym, client)
				removed = append(removed, sym)
			}
		}
	}

	if len(removed) > 0 {
		h.sendAck(client, req.ID, fmt.Sprintf("Unsubscribed from %v", removed))
	} else {
		h.sendError(client, req.ID, fmt.Sprintf("Not subscribed to: %v", req.Payload.Symbols))
	}
}

func (h *Hub) handleUnsubscribeAll(client ClientInterface, req protocol.WSRequest) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for sym := range h.clientSubs[client] {
		h.removeSubscriber(sym, client)
	}
	// Keep the client registered
	h.clientSubs[client] = make(map[string]bool)
	h.sendAck(client, req.ID, "Unsubscribed from all symbols")
}

func (h *Hub) Unregister(client ClientInterface) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for sym := range h.clientSubs[client] {
		h.removeSubscriber(sym, client)
	}
	delete(h.clientSubs, client)
	client.Close()
}

// Watched returns the number of symbols with at least one subscriber.
func (h *Hub) Watched() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Broadcast pushes the cached rank of every watched symbol to its subscribers.
func (h *Hub) Broadcast(ctx context.Context) {
	h.mu.RLock()
	symbols := make([]string, 0, len(h.subscribers))
	for sym := range h.subscribers {
		symbols = append(symbols, sym)
	}
	h.mu.RUnlock()
	if len(symbols) == 0 {
		return
	}

	updates, err := h.feed.Snapshots(ctx, symbols)
	if err != nil {
		h.logger.Error("Failed to read ranks for broadcast", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, u := range updates {
		msg, err := json.Marshal(rankMessage(u))
		if err != nil {
			continue
		}
		for client := range h.subscribers[u.Symbol] {
			client.SendBytes(msg)
		}
	}
}

func (h *Hub) removeSubscriber(symbol string, client ClientInterface) {
	delete(h.subscribers[symbol], client)
	if len(h.subscribers[symbol]) == 0 {
		delete(h.subscribers, symbol)
	}
}

func rankMessage(u models.RankUpdate) protocol.WSResponse {
	return protocol.WSResponse{Type: protocol.TypeRank, Data: u}
}

func (h *Hub) sendAck(c ClientInterface, id, msg string) {
	c.SendJSON(protocol.WSResponse{Type: protocol.TypeAck, ID: id, Status: "success", Message: msg})
}

func (h *Hub) sendError(c ClientInterface, id, msg string) {
	c.SendJSON(protocol.WSResponse{Type: protocol.TypeError, ID: id, Status: "error", Message: msg})
}
