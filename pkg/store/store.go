// Package store persists instruments and their time series.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shubham-shewale/stock-popularity/pkg/models"
)

var (
	// ErrDuplicateKey is a natural-key collision, i.e. a replayed write.
	ErrDuplicateKey = errors.New("duplicate key")
	// ErrSymbolConflict means another instrument_id already owns the symbol.
	ErrSymbolConflict = errors.New("symbol owned by another instrument")
)

// Collection names.
const (
	CollectionIndex        = "index"
	CollectionQuotes       = "quotes"
	CollectionPopularity   = "popularity"
	CollectionFundamentals = "fundamentals"
)

// Store is the full document store used by the binaries. Components depend on
// the narrower interfaces they declare themselves.
type Store interface {
	UpsertInstrument(ctx context.Context, inst models.Instrument) error
	DeleteInstrumentsBySymbol(ctx context.Context, symbol string) (int64, error)
	InsertInstrument(ctx context.Context, inst models.Instrument) error
	UpdateInstrumentStatus(ctx context.Context, statuses []models.InstrumentStatus) error

	InsertQuotes(ctx context.Context, quotes []models.Quote) error
	InsertPopularity(ctx context.Context, samples []models.PopularitySample) error
	UpsertFundamentals(ctx context.Context, f models.Fundamentals) error

	PopularitySince(ctx context.Context, since time.Time) ([]models.PopularitySample, error)
	InstrumentsByID(ctx context.Context, ids []string) (map[string]models.Instrument, error)

	// LatestQuote reports false when the symbol has no quotes.
	LatestQuote(ctx context.Context, symbol string) (models.Quote, bool, error)
	// LatestQuotes is keyed by symbol; symbols without quotes are absent.
	LatestQuotes(ctx context.Context, symbols []string) (map[string]models.Quote, error)
	// QuoteHistory is oldest first.
	QuoteHistory(ctx context.Context, symbol string) ([]models.Quote, error)
	// PopularityHistory is oldest first. It reports false when no instrument
	// owns the symbol.
	PopularityHistory(ctx context.Context, symbol string) ([]models.PopularitySample, bool, error)

	Close()
}

// WriteError is the failure of one document in an unordered bulk write.
type WriteError struct {
	Index int
	Err   error
}

// BulkWriteError collects per-document failures. Documents without an entry
// were written.
type BulkWriteError struct {
	Errors []WriteError
}

func (e *BulkWriteError) Error() string {
	msgs := make([]string, 0, len(e.Errors))
	for _, we := range e.Errors {
		msgs = append(msgs, fmt.Sprintf("#%d: %v", we.Index, we.Err))
	}
	return fmt.Sprintf("bulk write: %d failed: %s", len(e.Errors), strings.Join(msgs, "; "))
}

func (e *BulkWriteError) Unwrap() []error {
	errs := make([]error, len(e.Errors))
	for i, we := range e.Errors {
		errs[i] = we.Err
	}
	return errs
}

// IgnoreDuplicates drops duplicate-key failures from err. It returns nil when
// nothing else is left.
func IgnoreDuplicates(err error) error {
	if err == nil {
		return nil
	}
	var bwe *BulkWriteError
	if errors.As(err, &bwe) {
		var rest []WriteError
		for _, we := range bwe.Errors {
			if !errors.Is(we.Err, ErrDuplicateKey) {
				rest = append(rest, we)
			}
		}
		if len(rest) == 0 {
			return nil
		}
		return &BulkWriteError{Errors: rest}
	}
	if errors.Is(err, ErrDuplicateKey) {
		return nil
	}
	return err
}
