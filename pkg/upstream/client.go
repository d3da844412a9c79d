// Package upstream is the client for the rate-limited brokerage API.
package upstream

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/shubham-shewale/stock-popularity/pkg/models"
)

// ErrUnexpectedStatus is wrapped into transient outcomes caused by 5xx responses.
var ErrUnexpectedStatus = errors.New("unexpected upstream status")

const (
	instrumentsPath  = "/instruments/"
	quotesPath       = "/quotes/"
	popularityPath   = "/instruments/popularity/"
	fundamentalsPath = "/fundamentals/"
)

// Options configures the client.
type Options struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// Client issues requests and classifies every response into a Result.
type Client struct {
	http *resty.Client
}

func NewClient(opts Options) *Client {
	c := resty.New().
		SetBaseURL(strings.TrimSuffix(opts.BaseURL, "/")).
		SetTimeout(opts.Timeout).
		SetHeader("Accept", "application/json")
	if opts.Token != "" {
		c.SetAuthScheme("Bearer").SetAuthToken(opts.Token)
	}
	return &Client{http: c}
}

// Instruments fetches one page of the instrument listing. An empty pageURL
// requests the first page; otherwise pageURL is the absolute "next" cursor.
func (c *Client) Instruments(ctx context.Context, pageURL string) Result[InstrumentRecord] {
	if pageURL == "" {
		pageURL = instrumentsPath
	}
	return get[InstrumentRecord](ctx, c.http.R(), pageURL)
}

// Quotes looks up quotes for a batch of symbols.
func (c *Client) Quotes(ctx context.Context, symbols []string) Result[QuoteRecord] {
	req := c.http.R().SetQueryParam("symbols", strings.Join(symbols, ","))
	return get[QuoteRecord](ctx, req, quotesPath)
}

// Popularity looks up open position counts for a batch of instrument ids.
func (c *Client) Popularity(ctx context.Context, instrumentIDs []string) Result[PopularityRecord] {
	req := c.http.R().SetQueryParam("ids", strings.Join(instrumentIDs, ","))
	return get[PopularityRecord](ctx, req, popularityPath)
}

// Fundamentals looks up fundamentals for a batch of instrument ids. The API is
// keyed by instrument urls rather than bare ids.
func (c *Client) Fundamentals(ctx context.Context, instrumentIDs []string) Result[FundamentalsRecord] {
	urls := make([]string, len(instrumentIDs))
	for i, id := range instrumentIDs {
		urls[i] = models.BuildInstrumentURL(id)
	}
	req := c.http.R().SetQueryParam("instruments", strings.Join(urls, ","))
	return get[FundamentalsRecord](ctx, req, fundamentalsPath)
}

func get[T any](ctx context.Context, req *resty.Request, url string) Result[T] {
	resp, err := req.SetContext(ctx).Get(url)
	if err != nil {
		return Result[T]{Outcome: Outcome{Kind: KindTransient, Err: err}}
	}
	return Parse[T](resp.StatusCode(), resp.Body())
}
