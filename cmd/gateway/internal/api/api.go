// Package api serves the popularity ranking and the stored quote and
// popularity series over HTTP. Reads come from the Redis cache unless a scrape
// cycle holds the cache lock, in which case they go to the store.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/shubham-shewale/stock-popularity/cmd/gateway/internal/repository"
	"github.com/shubham-shewale/stock-popularity/pkg/models"
)

// Cache header values.
const (
	HeaderCache = "X-Cache"
	CacheHit    = "HIT"
	CacheMiss   = "MISS"
	CacheBypass = "BYPASS"
)

const (
	maxLimit   = 1000
	maxSymbols = 100
	jsonMIME   = "application/json; charset=utf-8"
)

// LiveRanking computes the ranking without the cache.
type LiveRanking interface {
	Compute(ctx context.Context) (models.PopularityRanking, error)
}

// History reads the stored series by symbol.
type History interface {
	LatestQuote(ctx context.Context, symbol string) (models.Quote, bool, error)
	LatestQuotes(ctx context.Context, symbols []string) (map[string]models.Quote, error)
	QuoteHistory(ctx context.Context, symbol string) ([]models.Quote, error)
	PopularityHistory(ctx context.Context, symbol string) ([]models.PopularitySample, bool, error)
}

// QuoteView is the public shape of a quote.
type QuoteView struct {
	Symbol    string          `json:"symbol,omitempty"`
	Bid       decimal.Decimal `json:"bid"`
	Ask       decimal.Decimal `json:"ask"`
	Timestamp time.Time       `json:"timestamp"`
}

type PopularityPoint struct {
	Popularity int64     `json:"popularity"`
	Timestamp  time.Time `json:"timestamp"`
}

type Server struct {
	logger       *zap.Logger
	cache        repository.RankingStore
	live         LiveRanking
	history      History
	limiter      repository.RateLimiter
	defaultLimit int
	engine       *gin.Engine
}

func NewServer(logger *zap.Logger, cache repository.RankingStore, live LiveRanking, history History, limiter repository.RateLimiter, defaultLimit int) *Server {
	s := &Server{
		logger:       logger,
		cache:        cache,
		live:         live,
		history:      history,
		limiter:      limiter,
		defaultLimit: defaultLimit,
		engine:       gin.New(),
	}
	s.engine.Use(gin.Recovery(), s.requestLogger())
	s.setupRoutes()
	return s
}

// Engine exposes the router so callers can mount extra routes such as /ws.
func (s *Server) Engine() *gin.Engine { return s.engine }

func (s *Server) setupRoutes() {
	limited := s.engine.Group("/", s.rateLimit())
	limited.GET("/most_popular", s.mostPopular)
	limited.GET("/least_popular", s.leastPopular)
	limited.GET("/stocks/:symbol/popularity_ranking", s.popularityRanking)
	limited.GET("/scrape_status", s.scrapeStatus)
	limited.GET("/quotes", s.quotes)
	limited.GET("/stocks/:symbol/quote", s.quote)
	limited.GET("/stocks/:symbol/quote_history", s.quoteHistory)
	limited.GET("/stocks/:symbol/popularity_history", s.popularityHistory)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("Request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}

// rateLimit fails open: a Redis outage must not take the read API down.
func (s *Server) rateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		ok, err := s.limiter.Allow(c.Request.Context(), c.ClientIP(), c.Request.URL.Path)
		if err != nil {
			s.logger.Warn("Rate limiter unavailable", zap.Error(err))
			c.Next()
			return
		}
		if !ok {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too_many_requests"})
			return
		}
		c.Next()
	}
}

func (s *Server) mostPopular(c *gin.Context) {
	s.list(c, s.cache.Top, func(list []models.RankingEntry, n int) []models.RankingEntry {
		if n > len(list) {
			n = len(list)
		}
		return list[:n]
	})
}

func (s *Server) leastPopular(c *gin.Context) {
	s.list(c, s.cache.Bottom, func(list []models.RankingEntry, n int) []models.RankingEntry {
		out := make([]models.RankingEntry, 0, n)
		for i := len(list) - 1; i >= 0 && len(out) < n; i-- {
			out = append(out, list[i])
		}
		return out
	})
}

func (s *Server) list(c *gin.Context,
	cached func(context.Context, int) ([]models.RankingEntry, error),
	fromLive func([]models.RankingEntry, int) []models.RankingEntry,
) {
	n, ok := s.limitParam(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	live, locked, err := s.liveIfLocked(ctx)
	if err != nil {
		s.fail(c, err)
		return
	}
	if locked {
		c.Header(HeaderCache, CacheBypass)
		c.JSON(http.StatusOK, fromLive(live.List, n))
		return
	}

	entries, err := cached(ctx, n)
	if err != nil {
		s.fail(c, err)
		return
	}
	if entries == nil {
		entries = []models.RankingEntry{}
	}
	c.Header(HeaderCache, CacheHit)
	c.JSON(http.StatusOK, entries)
}

func (s *Server) popularityRanking(c *gin.Context) {
	symbol, ok := symbolParam(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	live, locked, err := s.liveIfLocked(ctx)
	if err != nil {
		s.fail(c, err)
		return
	}

	var rank int
	var found bool
	if locked {
		c.Header(HeaderCache, CacheBypass)
		rank, found = live.Ranks[symbol]
	} else {
		c.Header(HeaderCache, CacheHit)
		if rank, found, err = s.cache.Rank(ctx, symbol); err != nil {
			s.fail(c, err)
			return
		}
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"symbol": symbol, "popularity_ranking": rank})
}

func (s *Server) quote(c *gin.Context) {
	symbol, ok := symbolParam(c)
	if !ok {
		return
	}
	s.serveStored(c, "quote-"+symbol, func(ctx context.Context) (any, bool, error) {
		q, found, err := s.history.LatestQuote(ctx, symbol)
		if !found || err != nil {
			return nil, false, err
		}
		v := viewOf(q)
		v.Symbol = symbol
		return v, true, nil
	})
}

func (s *Server) quotes(c *gin.Context) {
	symbols, ok := symbolsParam(c)
	if !ok {
		return
	}
	s.serveStored(c, "quotes-"+strings.Join(symbols, ","), func(ctx context.Context) (any, bool, error) {
		latest, err := s.history.LatestQuotes(ctx, symbols)
		if err != nil {
			return nil, false, err
		}
		out := make(map[string]QuoteView, len(latest))
		for sym, q := range latest {
			out[sym] = viewOf(q)
		}
		return out, true, nil
	})
}

func (s *Server) quoteHistory(c *gin.Context) {
	symbol, ok := symbolParam(c)
	if !ok {
		return
	}
	s.serveStored(c, "quote_history-"+symbol, func(ctx context.Context) (any, bool, error) {
		quotes, err := s.history.QuoteHistory(ctx, symbol)
		if len(quotes) == 0 || err != nil {
			return nil, false, err
		}
		out := make([]QuoteView, len(quotes))
		for i, q := range quotes {
			out[i] = viewOf(q)
		}
		return out, true, nil
	})
}

func (s *Server) popularityHistory(c *gin.Context) {
	symbol, ok := symbolParam(c)
	if !ok {
		return
	}
	s.serveStored(c, "popularity_history-"+symbol, func(ctx context.Context) (any, bool, error) {
		samples, found, err := s.history.PopularityHistory(ctx, symbol)
		if !found || err != nil {
			return nil, false, err
		}
		out := make([]PopularityPoint, len(samples))
		for i, p := range samples {
			out[i] = PopularityPoint{Popularity: p.Popularity, Timestamp: p.Timestamp}
		}
		return out, true, nil
	})
}

// serveStored answers from the response cache while the cache is unlocked and
// fills it on a miss. While locked it reads the store and writes nothing back.
func (s *Server) serveStored(c *gin.Context, key string, load func(context.Context) (any, bool, error)) {
	ctx := c.Request.Context()
	state, err := s.cache.State(ctx)
	if err != nil {
		s.fail(c, err)
		return
	}

	header := CacheBypass
	if !state.CacheLocked {
		header = CacheMiss
		body, hit, err := s.cache.CachedResponse(ctx, key)
		if err != nil {
			s.logger.Warn("Response cache read failed", zap.String("key", key), zap.Error(err))
		} else if hit {
			c.Header(HeaderCache, CacheHit)
			c.Data(http.StatusOK, jsonMIME, body)
			return
		}
	}

	v, found, err := load(ctx)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.Header(HeaderCache, header)
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	body, err := json.Marshal(v)
	if err != nil {
		s.fail(c, err)
		return
	}
	if !state.CacheLocked {
		if err := s.cache.CacheResponse(ctx, key, body); err != nil {
			s.logger.Warn("Response cache write failed", zap.String("key", key), zap.Error(err))
		}
	}
	c.Data(http.StatusOK, jsonMIME, body)
}

func viewOf(q models.Quote) QuoteView {
	return QuoteView{Bid: q.BidPrice, Ask: q.AskPrice, Timestamp: q.UpdatedAt}
}

func symbolParam(c *gin.Context) (string, bool) {
	symbol := strings.ToUpper(c.Param("symbol"))
	if !models.ValidSymbol(symbol) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_symbol"})
		return "", false
	}
	return symbol, true
}

// symbolsParam returns the sorted, de-duplicated ?symbols= list.
func symbolsParam(c *gin.Context) ([]string, bool) {
	seen := make(map[string]bool)
	var symbols []string
	for _, raw := range strings.Split(c.Query("symbols"), ",") {
		sym := strings.ToUpper(strings.TrimSpace(raw))
		if sym == "" || seen[sym] {
			continue
		}
		if !models.ValidSymbol(sym) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_symbol", "symbol": sym})
			return nil, false
		}
		seen[sym] = true
		symbols = append(symbols, sym)
	}
	if len(symbols) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no_symbols_supplied"})
		return nil, false
	}
	if len(symbols) > maxSymbols {
		c.JSON(http.StatusBadRequest, gin.H{"error": "too_many_symbols"})
		return nil, false
	}
	sort.Strings(symbols)
	return symbols, true
}

func (s *Server) scrapeStatus(c *gin.Context) {
	state, err := s.cache.State(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

// liveIfLocked computes the ranking from the store when the cache is locked.
func (s *Server) liveIfLocked(ctx context.Context) (models.PopularityRanking, bool, error) {
	state, err := s.cache.State(ctx)
	if err != nil {
		return models.PopularityRanking{}, false, err
	}
	if !state.CacheLocked {
		return models.PopularityRanking{}, false, nil
	}
	live, err := s.live.Compute(ctx)
	return live, true, err
}

func (s *Server) limitParam(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return s.defaultLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
		return 0, false
	}
	if n > maxLimit {
		n = maxLimit
	}
	return n, true
}

func (s *Server) fail(c *gin.Context, err error) {
	s.logger.Error("Request failed", zap.String("path", c.Request.URL.Path), zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
}
