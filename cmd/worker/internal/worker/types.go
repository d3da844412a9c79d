package worker

import (
	"context"

	"go.uber.org/zap"

	"github.com/shubham-shewale/stock-popularity/pkg/broker"
	"github.com/shubham-shewale/stock-popularity/pkg/models"
	"github.com/shubham-shewale/stock-popularity/pkg/upstream"
)

// Logger abstracts the logging library
type Logger interface {
	Info(msg string, fields ...zap.Field)
	Error(msg string, fields ...zap.Field)
	Debug(msg string, fields ...zap.Field)
	Warn(msg string, fields ...zap.Field)
	Fatal(msg string, fields ...zap.Field)
	Sync() error
}

// Consumer abstracts the input stream
type Consumer interface {
	Run(ctx context.Context, handle broker.Handler) error
}

// Barrier receives end-of-queue notifications
type Barrier interface {
	MarkQuotesFinished(ctx context.Context) error
	MarkPopularitiesFinished(ctx context.Context) error
}

type QuotesAPI interface {
	Quotes(ctx context.Context, symbols []string) upstream.Result[upstream.QuoteRecord]
}

type PopularityAPI interface {
	Popularity(ctx context.Context, instrumentIDs []string) upstream.Result[upstream.PopularityRecord]
}

type FundamentalsAPI interface {
	Fundamentals(ctx context.Context, instrumentIDs []string) upstream.Result[upstream.FundamentalsRecord]
}

type QuoteStore interface {
	UpdateInstrumentStatus(ctx context.Context, statuses []models.InstrumentStatus) error
	InsertQuotes(ctx context.Context, quotes []models.Quote) error
}

type PopularityStore interface {
	InsertPopularity(ctx context.Context, samples []models.PopularitySample) error
}

type FundamentalsStore interface {
	UpsertFundamentals(ctx context.Context, f models.Fundamentals) error
}

// Mode binds a worker to one queue, one upstream lookup and one collection.
type Mode interface {
	Name() string
	Topic() string
	// Attempt issues one upstream request for batch. persist is only called
	// when the outcome is a success.
	Attempt(ctx context.Context, batch []string) (outcome upstream.Outcome, persist func(context.Context) error)
	// Finish runs when the queue's sentinel arrives.
	Finish(ctx context.Context) error
}
