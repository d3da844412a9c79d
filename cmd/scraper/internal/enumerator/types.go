package enumerator

import (
	"context"

	"github.com/shubham-shewale/stock-popularity/pkg/models"
	"github.com/shubham-shewale/stock-popularity/pkg/upstream"
)

// ListingAPI fetches pages of the instrument listing
type ListingAPI interface {
	Instruments(ctx context.Context, pageURL string) upstream.Result[upstream.InstrumentRecord]
}

// Index is the instrument collection
type Index interface {
	UpsertInstrument(ctx context.Context, inst models.Instrument) error
	DeleteInstrumentsBySymbol(ctx context.Context, symbol string) (int64, error)
	InsertInstrument(ctx context.Context, inst models.Instrument) error
}

// Publisher fans batches out to the worker queues
type Publisher interface {
	PublishBatch(ctx context.Context, topic string, items []string) error
	PublishSentinel(ctx context.Context, topics ...string) error
}

// Barrier is the part of the completion barrier the scraper drives
type Barrier interface {
	StartUpdate(ctx context.Context) error
	MarkInstrumentsFinished(ctx context.Context) error
}
