package worker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/shubham-shewale/stock-popularity/pkg/broker"
	"github.com/shubham-shewale/stock-popularity/pkg/clock"
	"github.com/shubham-shewale/stock-popularity/pkg/config"
	"github.com/shubham-shewale/stock-popularity/pkg/models"
	"github.com/shubham-shewale/stock-popularity/pkg/store"
	"github.com/shubham-shewale/stock-popularity/pkg/upstream"
)

// Compile-time checks to ensure every mode implements Mode
var (
	_ Mode = (*QuotesMode)(nil)
	_ Mode = (*PopularityMode)(nil)
	_ Mode = (*FundamentalsMode)(nil)
)

// QuotesMode looks up quotes by symbol. Quotes also refresh the index's
// tradability metadata.
type QuotesMode struct {
	logger  Logger
	api     QuotesAPI
	store   QuoteStore
	barrier Barrier
	clock   clock.Clock
}

func NewQuotesMode(logger Logger, api QuotesAPI, st QuoteStore, barrier Barrier, clk clock.Clock) *QuotesMode {
	return &QuotesMode{logger: logger, api: api, store: st, barrier: barrier, clock: clk}
}

func (m *QuotesMode) Name() string  { return config.ModeQuotes }
func (m *QuotesMode) Topic() string { return broker.TopicSymbols }

func (m *QuotesMode) Attempt(ctx context.Context, batch []string) (upstream.Outcome, func(context.Context) error) {
	res := m.api.Quotes(ctx, batch)
	return res.Outcome, func(ctx context.Context) error {
		return m.persist(ctx, res.Items)
	}
}

func (m *QuotesMode) persist(ctx context.Context, records []*upstream.QuoteRecord) error {
	now := m.clock.Now().UTC()
	quotes := make([]models.Quote, 0, len(records))
	statuses := make([]models.InstrumentStatus, 0, len(records))

	for _, rec := range records {
		if rec == nil {
			continue
		}
		q, err := rec.Quote()
		if err != nil {
			m.logger.Warn("Skipping unparseable quote", zap.String("symbol", rec.Symbol), zap.Error(err))
			continue
		}
		quotes = append(quotes, q)
		if st, err := rec.Status(now); err == nil {
			statuses = append(statuses, st)
		}
	}

	if len(statuses) > 0 {
		if err := m.store.UpdateInstrumentStatus(ctx, statuses); err != nil {
			m.logger.Warn("Instrument status update partially failed", zap.Error(err))
		}
	}
	if len(quotes) == 0 {
		return nil
	}
	if err := store.IgnoreDuplicates(m.store.InsertQuotes(ctx, quotes)); err != nil {
		return fmt.Errorf("insert quotes: %w", err)
	}
	return nil
}

func (m *QuotesMode) Finish(ctx context.Context) error {
	return m.barrier.MarkQuotesFinished(ctx)
}

// PopularityMode looks up open position counts by instrument id.
type PopularityMode struct {
	logger  Logger
	api     PopularityAPI
	store   PopularityStore
	barrier Barrier
	clock   clock.Clock
}

func NewPopularityMode(logger Logger, api PopularityAPI, st PopularityStore, barrier Barrier, clk clock.Clock) *PopularityMode {
	return &PopularityMode{logger: logger, api: api, store: st, barrier: barrier, clock: clk}
}

func (m *PopularityMode) Name() string  { return config.ModePopularity }
func (m *PopularityMode) Topic() string { return broker.TopicInstrumentIDs }

func (m *PopularityMode) Attempt(ctx context.Context, batch []string) (upstream.Outcome, func(context.Context) error) {
	res := m.api.Popularity(ctx, batch)
	return res.Outcome, func(ctx context.Context) error {
		return m.persist(ctx, res.Items)
	}
}

// persist stamps the whole batch with one timestamp.
func (m *PopularityMode) persist(ctx context.Context, records []*upstream.PopularityRecord) error {
	now := m.clock.Now().UTC()
	samples := make([]models.PopularitySample, 0, len(records))
	for _, rec := range records {
		if rec == nil {
			continue
		}
		id, err := models.ParseInstrumentURL(rec.Instrument)
		if err != nil {
			m.logger.Warn("Skipping popularity record", zap.Error(err))
			continue
		}
		samples = append(samples, models.PopularitySample{
			InstrumentID: id,
			Popularity:   rec.NumOpenPositions,
			Timestamp:    now,
		})
	}
	if len(samples) == 0 {
		return nil
	}
	if err := m.store.InsertPopularity(ctx, samples); err != nil {
		return fmt.Errorf("insert popularity: %w", err)
	}
	return nil
}

func (m *PopularityMode) Finish(ctx context.Context) error {
	return m.barrier.MarkPopularitiesFinished(ctx)
}

// FundamentalsMode keeps the latest fundamentals per instrument. It has no
// completion flag; the ranking does not depend on it.
type FundamentalsMode struct {
	logger Logger
	api    FundamentalsAPI
	store  FundamentalsStore
}

func NewFundamentalsMode(logger Logger, api FundamentalsAPI, st FundamentalsStore) *FundamentalsMode {
	return &FundamentalsMode{logger: logger, api: api, store: st}
}

func (m *FundamentalsMode) Name() string  { return config.ModeFundamentals }
func (m *FundamentalsMode) Topic() string { return broker.TopicFundamentalsInstrumentIDs }

func (m *FundamentalsMode) Attempt(ctx context.Context, batch []string) (upstream.Outcome, func(context.Context) error) {
	res := m.api.Fundamentals(ctx, batch)
	return res.Outcome, func(ctx context.Context) error {
		return m.persist(ctx, res.Items)
	}
}

func (m *FundamentalsMode) persist(ctx context.Context, records []*upstream.FundamentalsRecord) error {
	for _, rec := range records {
		if rec == nil || rec.Empty() {
			continue
		}
		f, err := rec.Fundamentals()
		if err != nil {
			m.logger.Warn("Skipping fundamentals record", zap.Error(err))
			continue
		}
		if err := m.store.UpsertFundamentals(ctx, f); err != nil {
			return fmt.Errorf("upsert fundamentals %s: %w", f.InstrumentID, err)
		}
	}
	return nil
}

func (m *FundamentalsMode) Finish(ctx context.Context) error {
	m.logger.Info("Fundamentals queue drained")
	return nil
}
