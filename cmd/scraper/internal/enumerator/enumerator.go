package enumerator

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/shubham-shewale/stock-popularity/pkg/broker"
	"github.com/shubham-shewale/stock-popularity/pkg/clock"
	"github.com/shubham-shewale/stock-popularity/pkg/models"
	"github.com/shubham-shewale/stock-popularity/pkg/store"
	"github.com/shubham-shewale/stock-popularity/pkg/upstream"
)

// ErrListingFailed is returned when the listing hits an outcome that retrying
// cannot fix. The cycle is abandoned with the cache still locked.
var ErrListingFailed = errors.New("instrument listing failed")

const DefaultBatchSize = 20

type Options struct {
	BatchSize    int
	Fundamentals bool
	Policy       upstream.RetryPolicy
}

// Summary describes one completed enumeration.
type Summary struct {
	Pages     int
	Tradable  int
	Skipped   int // tradable instruments whose index write was skipped
	Batches   int
	Conflicts int
}

type pair struct {
	id     string
	symbol string
}

// Enumerator walks the instrument listing once per cycle and feeds the queues.
type Enumerator struct {
	logger    *zap.Logger
	api       ListingAPI
	index     Index
	publisher Publisher
	barrier   Barrier
	clock     clock.Clock
	opts      Options

	buffer  []pair
	summary Summary
}

func NewEnumerator(
	logger *zap.Logger,
	api ListingAPI,
	index Index,
	publisher Publisher,
	barrier Barrier,
	clk clock.Clock,
	opts Options,
) *Enumerator {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	return &Enumerator{
		logger:    logger,
		api:       api,
		index:     index,
		publisher: publisher,
		barrier:   barrier,
		clock:     clk,
		opts:      opts,
	}
}

// Topics are the queues this enumerator feeds.
func (e *Enumerator) Topics() []string {
	topics := []string{broker.TopicSymbols, broker.TopicInstrumentIDs}
	if e.opts.Fundamentals {
		topics = append(topics, broker.TopicFundamentalsInstrumentIDs)
	}
	return topics
}

// Run performs one full cycle.
func (e *Enumerator) Run(ctx context.Context) (Summary, error) {
	e.buffer = e.buffer[:0]
	e.summary = Summary{}

	if err := e.barrier.StartUpdate(ctx); err != nil {
		return e.summary, fmt.Errorf("start update: %w", err)
	}
	e.logger.Info("Enumeration started", zap.Strings("topics", e.Topics()), zap.Int("batch_size", e.opts.BatchSize))

	page := ""
	for {
		res := e.api.Instruments(ctx, page)
		decision := e.opts.Policy.Decide(res.Outcome)

		switch res.Kind {
		case upstream.KindSuccess:
		case upstream.KindThrottled, upstream.KindTransient:
			e.logger.Warn("Listing request failed, retrying same page",
				zap.Stringer("outcome", res.Outcome),
				zap.String("page", page),
				zap.Duration("wait", decision.Wait),
				zap.Bool("throttle_parsed", decision.ThrottleParsed))
			if err := e.clock.Sleep(ctx, decision.Wait); err != nil {
				return e.summary, err
			}
			continue
		default:
			return e.summary, fmt.Errorf("%w: page %q: %s", ErrListingFailed, page, res.Outcome)
		}

		e.summary.Pages++
		if err := e.processPage(ctx, res.Items); err != nil {
			return e.summary, err
		}

		if res.Next == "" {
			break
		}
		if err := e.clock.Sleep(ctx, decision.Wait); err != nil {
			return e.summary, err
		}
		page = res.Next
	}

	if err := e.flush(ctx); err != nil {
		return e.summary, err
	}
	if err := e.publisher.PublishSentinel(ctx, e.Topics()...); err != nil {
		return e.summary, err
	}
	if err := e.barrier.MarkInstrumentsFinished(ctx); err != nil {
		return e.summary, fmt.Errorf("mark instruments finished: %w", err)
	}

	e.logger.Info("Enumeration finished",
		zap.Int("pages", e.summary.Pages),
		zap.Int("tradable", e.summary.Tradable),
		zap.Int("skipped", e.summary.Skipped),
		zap.Int("symbol_conflicts", e.summary.Conflicts),
		zap.Int("batches", e.summary.Batches))
	return e.summary, nil
}

func (e *Enumerator) processPage(ctx context.Context, items []*upstream.InstrumentRecord) error {
	for _, rec := range items {
		if rec == nil {
			continue
		}
		inst := rec.Instrument()
		if !inst.Tradable() {
			continue
		}

		stored, err := e.save(ctx, inst)
		if err != nil {
			return err
		}
		// An unresolved conflict only skips the index write; the instrument
		// is still scraped.
		if !stored {
			e.summary.Skipped++
		}

		e.summary.Tradable++
		e.buffer = append(e.buffer, pair{id: inst.InstrumentID, symbol: inst.Symbol})
		if len(e.buffer) >= e.opts.BatchSize {
			if err := e.flush(ctx); err != nil {
				return err
			}
		}
	}
	return nil
}

// save upserts by instrument_id. When another instrument owns the symbol, the
// symbol's previous owners are replaced by inst.
func (e *Enumerator) save(ctx context.Context, inst models.Instrument) (bool, error) {
	err := e.index.UpsertInstrument(ctx, inst)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, store.ErrSymbolConflict) {
		return false, fmt.Errorf("upsert %s: %w", inst.Symbol, err)
	}

	e.summary.Conflicts++
	deleted, err := e.index.DeleteInstrumentsBySymbol(ctx, inst.Symbol)
	if err != nil {
		return false, fmt.Errorf("delete conflicting %s: %w", inst.Symbol, err)
	}
	if deleted == 0 {
		e.logger.Warn("Symbol conflict reported but no owner found, skipping index write",
			zap.String("symbol", inst.Symbol), zap.String("instrument_id", inst.InstrumentID))
		return false, nil
	}

	e.logger.Info("Replaced instruments sharing symbol",
		zap.String("symbol", inst.Symbol), zap.Int64("deleted", deleted))
	if err := e.index.InsertInstrument(ctx, inst); err != nil {
		return false, fmt.Errorf("reinsert %s: %w", inst.Symbol, err)
	}
	return true, nil
}

func (e *Enumerator) flush(ctx context.Context) error {
	if len(e.buffer) == 0 {
		return nil
	}
	ids := make([]string, len(e.buffer))
	symbols := make([]string, len(e.buffer))
	for i, p := range e.buffer {
		ids[i] = p.id
		symbols[i] = p.symbol
	}

	if err := e.publisher.PublishBatch(ctx, broker.TopicSymbols, symbols); err != nil {
		return err
	}
	if err := e.publisher.PublishBatch(ctx, broker.TopicInstrumentIDs, ids); err != nil {
		return err
	}
	if e.opts.Fundamentals {
		if err := e.publisher.PublishBatch(ctx, broker.TopicFundamentalsInstrumentIDs, ids); err != nil {
			return err
		}
	}

	e.summary.Batches++
	e.logger.Debug("Published batch", zap.Int("size", len(e.buffer)))
	e.buffer = e.buffer[:0]
	return nil
}
