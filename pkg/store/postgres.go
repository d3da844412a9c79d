package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shubham-shewale/stock-popularity/pkg/models"
)

const (
	uniqueViolation  = "23505"
	symbolConstraint = "index_symbol_key"
	defaultMaxConns  = 4
	migrationTimeout = 30 * time.Second
)

const schema = `
CREATE TABLE IF NOT EXISTS "index" (
	instrument_id    text PRIMARY KEY,
	symbol           text NOT NULL,
	name             text NOT NULL DEFAULT '',
	simple_name      text NOT NULL DEFAULT '',
	tradability      text NOT NULL DEFAULT '',
	metadata         jsonb NOT NULL DEFAULT '{}'::jsonb,
	has_traded       boolean,
	trading_halted   boolean,
	updated_at       timestamptz,
	status_timestamp timestamptz,
	CONSTRAINT index_symbol_key UNIQUE (symbol)
);

CREATE TABLE IF NOT EXISTS quotes (
	instrument_id                   text NOT NULL,
	symbol                          text NOT NULL,
	bid_price                       numeric,
	ask_price                       numeric,
	bid_size                        bigint,
	ask_size                        bigint,
	last_trade_price                numeric,
	last_extended_hours_trade_price numeric,
	updated_at                      timestamptz NOT NULL,
	PRIMARY KEY (instrument_id, updated_at)
);

CREATE TABLE IF NOT EXISTS popularity (
	instrument_id text NOT NULL,
	popularity    bigint NOT NULL,
	"timestamp"   timestamptz NOT NULL
);
CREATE INDEX IF NOT EXISTS popularity_timestamp_idx ON popularity ("timestamp");
CREATE INDEX IF NOT EXISTS popularity_instrument_idx ON popularity (instrument_id, "timestamp" DESC);

CREATE TABLE IF NOT EXISTS fundamentals (
	instrument_id text PRIMARY KEY,
	sector        text NOT NULL DEFAULT '',
	industry      text NOT NULL DEFAULT '',
	description   text NOT NULL DEFAULT '',
	data          jsonb NOT NULL DEFAULT '{}'::jsonb,
	fetched_at    timestamptz NOT NULL DEFAULT now()
);
`

// Compile-time check to ensure Postgres implements Store
var _ Store = (*Postgres)(nil)

// Postgres stores documents in JSONB-backed tables, one per collection.
type Postgres struct {
	pool *pgxpool.Pool
}

// Open connects a pool. It does not ping; callers use retry.Connect with Ping.
func Open(ctx context.Context, dsn string, maxConns int) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if maxConns <= 0 {
		maxConns = defaultMaxConns
	}
	cfg.MaxConns = int32(maxConns)

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Migrate creates the collections and their unique indexes.
func (p *Postgres) Migrate(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, migrationTimeout)
	defer cancel()
	if _, err := p.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (p *Postgres) Close() {
	p.pool.Close()
}

func (p *Postgres) UpsertInstrument(ctx context.Context, inst models.Instrument) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO "index" (instrument_id, symbol, name, simple_name, tradability, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (instrument_id) DO UPDATE SET
			symbol = EXCLUDED.symbol,
			name = EXCLUDED.name,
			simple_name = EXCLUDED.simple_name,
			tradability = EXCLUDED.tradability,
			metadata = EXCLUDED.metadata`,
		inst.InstrumentID, inst.Symbol, inst.Name, inst.SimpleName, inst.Tradability, metadataOf(inst))
	return translate(err)
}

func (p *Postgres) DeleteInstrumentsBySymbol(ctx context.Context, symbol string) (int64, error) {
	tag, err := p.pool.Exec(ctx, `DELETE FROM "index" WHERE symbol = $1`, symbol)
	if err != nil {
		return 0, translate(err)
	}
	return tag.RowsAffected(), nil
}

func (p *Postgres) InsertInstrument(ctx context.Context, inst models.Instrument) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO "index" (instrument_id, symbol, name, simple_name, tradability, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		inst.InstrumentID, inst.Symbol, inst.Name, inst.SimpleName, inst.Tradability, metadataOf(inst))
	return translate(err)
}

const updateStatusSQL = `
	UPDATE "index"
	SET has_traded = $2, trading_halted = $3, updated_at = $4, status_timestamp = $5
	WHERE instrument_id = $1`

const insertQuoteSQL = `
	INSERT INTO quotes (instrument_id, symbol, bid_price, ask_price, bid_size, ask_size,
		last_trade_price, last_extended_hours_trade_price, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	ON CONFLICT (instrument_id, updated_at) DO NOTHING`

// execer is the single-statement slice of a pool.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// UpdateInstrumentStatus runs one statement per row, so a failing row does not
// stop the others. Failures come back as a *BulkWriteError.
func (p *Postgres) UpdateInstrumentStatus(ctx context.Context, statuses []models.InstrumentStatus) error {
	return updateStatuses(ctx, p.pool, statuses)
}

func updateStatuses(ctx context.Context, db execer, statuses []models.InstrumentStatus) error {
	var bwe BulkWriteError
	for i, st := range statuses {
		if _, err := db.Exec(ctx, updateStatusSQL,
			st.InstrumentID, st.HasTraded, st.TradingHalted, st.UpdatedAt, st.Timestamp); err != nil {
			bwe.Errors = append(bwe.Errors, WriteError{Index: i, Err: translate(err)})
		}
	}
	if len(bwe.Errors) > 0 {
		return &bwe
	}
	return nil
}

// InsertQuotes writes the quotes in one batch. Replayed rows are skipped by the
// natural key; any other failure aborts the whole batch, which is then
// reported against the first failing row.
func (p *Postgres) InsertQuotes(ctx context.Context, quotes []models.Quote) error {
	if len(quotes) == 0 {
		return nil
	}
	br := p.pool.SendBatch(ctx, quoteBatch(quotes))
	var failed *WriteError
	for i := range quotes {
		if _, err := br.Exec(); err != nil {
			failed = &WriteError{Index: i, Err: translate(err)}
			break
		}
	}
	closeErr := br.Close()
	if failed != nil {
		return &BulkWriteError{Errors: []WriteError{*failed}}
	}
	if closeErr != nil {
		return fmt.Errorf("insert quotes: %w", translate(closeErr))
	}
	return nil
}

func quoteBatch(quotes []models.Quote) *pgx.Batch {
	b := &pgx.Batch{}
	for _, q := range quotes {
		b.Queue(insertQuoteSQL,
			q.InstrumentID, q.Symbol, q.BidPrice, q.AskPrice, q.BidSize, q.AskSize,
			q.LastTradePrice, q.LastExtendedHoursTradePrice, q.UpdatedAt)
	}
	return b
}

func (p *Postgres) InsertPopularity(ctx context.Context, samples []models.PopularitySample) error {
	if len(samples) == 0 {
		return nil
	}
	_, err := p.pool.CopyFrom(ctx,
		pgx.Identifier{CollectionPopularity},
		[]string{"instrument_id", "popularity", "timestamp"},
		pgx.CopyFromSlice(len(samples), func(i int) ([]any, error) {
			s := samples[i]
			return []any{s.InstrumentID, s.Popularity, s.Timestamp}, nil
		}),
	)
	if err != nil {
		return fmt.Errorf("copy popularity: %w", translate(err))
	}
	return nil
}

func (p *Postgres) UpsertFundamentals(ctx context.Context, f models.Fundamentals) error {
	data := f.Data
	if data == nil {
		data = map[string]any{}
	}
	_, err := p.pool.Exec(ctx, `
		INSERT INTO fundamentals (instrument_id, sector, industry, description, data, fetched_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (instrument_id) DO UPDATE SET
			sector = EXCLUDED.sector,
			industry = EXCLUDED.industry,
			description = EXCLUDED.description,
			data = EXCLUDED.data,
			fetched_at = EXCLUDED.fetched_at`,
		f.InstrumentID, f.Sector, f.Industry, f.Description, data)
	return translate(err)
}

// PopularitySince returns the most recent sample per instrument within the window.
func (p *Postgres) PopularitySince(ctx context.Context, since time.Time) ([]models.PopularitySample, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT DISTINCT ON (instrument_id) instrument_id, popularity, "timestamp"
		FROM popularity
		WHERE "timestamp" >= $1
		ORDER BY instrument_id, "timestamp" DESC`, since)
	if err != nil {
		return nil, fmt.Errorf("query popularity: %w", err)
	}

	samples, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.PopularitySample, error) {
		var s models.PopularitySample
		err := row.Scan(&s.InstrumentID, &s.Popularity, &s.Timestamp)
		return s, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan popularity: %w", err)
	}
	return samples, nil
}

func (p *Postgres) InstrumentsByID(ctx context.Context, ids []string) (map[string]models.Instrument, error) {
	out := make(map[string]models.Instrument, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := p.pool.Query(ctx, `
		SELECT instrument_id, symbol, name, simple_name, tradability, metadata
		FROM "index"
		WHERE instrument_id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("query index: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var inst models.Instrument
		if err := rows.Scan(&inst.InstrumentID, &inst.Symbol, &inst.Name, &inst.SimpleName, &inst.Tradability, &inst.Metadata); err != nil {
			return nil, fmt.Errorf("scan index: %w", err)
		}
		out[inst.InstrumentID] = inst
	}
	return out, rows.Err()
}

const quoteColumns = `q.instrument_id, i.symbol, q.bid_price, q.ask_price, q.bid_size, q.ask_size,
	q.last_trade_price, q.last_extended_hours_trade_price, q.updated_at`

func scanQuote(row pgx.CollectableRow) (models.Quote, error) {
	var q models.Quote
	err := row.Scan(&q.InstrumentID, &q.Symbol, &q.BidPrice, &q.AskPrice, &q.BidSize, &q.AskSize,
		&q.LastTradePrice, &q.LastExtendedHoursTradePrice, &q.UpdatedAt)
	return q, err
}

// LatestQuote joins through the index, so a re-listed symbol reads its current
// instrument.
func (p *Postgres) LatestQuote(ctx context.Context, symbol string) (models.Quote, bool, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+quoteColumns+`
		FROM "index" i JOIN quotes q ON q.instrument_id = i.instrument_id
		WHERE i.symbol = $1
		ORDER BY q.updated_at DESC
		LIMIT 1`, symbol)
	if err != nil {
		return models.Quote{}, false, fmt.Errorf("query quote: %w", err)
	}
	q, err := pgx.CollectExactlyOneRow(rows, scanQuote)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Quote{}, false, nil
	}
	if err != nil {
		return models.Quote{}, false, fmt.Errorf("scan quote: %w", err)
	}
	return q, true, nil
}

func (p *Postgres) LatestQuotes(ctx context.Context, symbols []string) (map[string]models.Quote, error) {
	out := make(map[string]models.Quote, len(symbols))
	if len(symbols) == 0 {
		return out, nil
	}
	rows, err := p.pool.Query(ctx, `
		SELECT DISTINCT ON (i.symbol) `+quoteColumns+`
		FROM "index" i JOIN quotes q ON q.instrument_id = i.instrument_id
		WHERE i.symbol = ANY($1)
		ORDER BY i.symbol, q.updated_at DESC`, symbols)
	if err != nil {
		return nil, fmt.Errorf("query quotes: %w", err)
	}
	quotes, err := pgx.CollectRows(rows, scanQuote)
	if err != nil {
		return nil, fmt.Errorf("scan quotes: %w", err)
	}
	for _, q := range quotes {
		out[q.Symbol] = q
	}
	return out, nil
}

func (p *Postgres) QuoteHistory(ctx context.Context, symbol string) ([]models.Quote, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+quoteColumns+`
		FROM "index" i JOIN quotes q ON q.instrument_id = i.instrument_id
		WHERE i.symbol = $1
		ORDER BY q.updated_at`, symbol)
	if err != nil {
		return nil, fmt.Errorf("query quote history: %w", err)
	}
	quotes, err := pgx.CollectRows(rows, scanQuote)
	if err != nil {
		return nil, fmt.Errorf("scan quote history: %w", err)
	}
	return quotes, nil
}

func (p *Postgres) PopularityHistory(ctx context.Context, symbol string) ([]models.PopularitySample, bool, error) {
	var id string
	err := p.pool.QueryRow(ctx, `SELECT instrument_id FROM "index" WHERE symbol = $1`, symbol).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("query index: %w", err)
	}

	rows, err := p.pool.Query(ctx, `
		SELECT instrument_id, popularity, "timestamp"
		FROM popularity
		WHERE instrument_id = $1
		ORDER BY "timestamp"`, id)
	if err != nil {
		return nil, false, fmt.Errorf("query popularity history: %w", err)
	}
	samples, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.PopularitySample, error) {
		var s models.PopularitySample
		err := row.Scan(&s.InstrumentID, &s.Popularity, &s.Timestamp)
		return s, err
	})
	if err != nil {
		return nil, false, fmt.Errorf("scan popularity history: %w", err)
	}
	return samples, true, nil
}

func metadataOf(inst models.Instrument) map[string]any {
	if inst.Metadata == nil {
		return map[string]any{}
	}
	return inst.Metadata
}

// translate maps unique violations onto the package's sentinel errors.
func translate(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		if pgErr.ConstraintName == symbolConstraint {
			return fmt.Errorf("%w: %s", ErrSymbolConflict, pgErr.Detail)
		}
		return fmt.Errorf("%w: %s", ErrDuplicateKey, pgErr.Detail)
	}
	return err
}
