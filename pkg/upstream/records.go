package upstream

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/shubham-shewale/stock-popularity/pkg/models"
)

// InstrumentRecord is one element of the instrument listing. Raw keeps every
// field so the index can store the full document as metadata.
type InstrumentRecord struct {
	ID          string `json:"id"`
	URL         string `json:"url"`
	Symbol      string `json:"symbol"`
	Name        string `json:"name"`
	SimpleName  string `json:"simple_name"`
	Tradability string `json:"tradability"`

	Raw map[string]any `json:"-"`
}

func (r *InstrumentRecord) UnmarshalJSON(b []byte) error {
	type plain InstrumentRecord
	if err := json.Unmarshal(b, (*plain)(r)); err != nil {
		return err
	}
	return json.Unmarshal(b, &r.Raw)
}

// Instrument converts the record into its index document. The id is stored as
// instrument_id so metadata drops it.
func (r InstrumentRecord) Instrument() models.Instrument {
	meta := make(map[string]any, len(r.Raw))
	for k, v := range r.Raw {
		if k == "id" {
			continue
		}
		meta[k] = v
	}
	return models.Instrument{
		InstrumentID: r.ID,
		Symbol:       r.Symbol,
		Name:         r.Name,
		SimpleName:   r.SimpleName,
		Tradability:  r.Tradability,
		Metadata:     meta,
	}
}

// QuoteRecord is one element of a bulk quote response.
type QuoteRecord struct {
	Symbol                      string              `json:"symbol"`
	Instrument                  string              `json:"instrument"`
	BidPrice                    decimal.Decimal     `json:"bid_price"`
	AskPrice                    decimal.Decimal     `json:"ask_price"`
	BidSize                     int64               `json:"bid_size"`
	AskSize                     int64               `json:"ask_size"`
	LastTradePrice              decimal.Decimal     `json:"last_trade_price"`
	LastExtendedHoursTradePrice decimal.NullDecimal `json:"last_extended_hours_trade_price"`
	UpdatedAt                   string              `json:"updated_at"`
	HasTraded                   *bool               `json:"has_traded"`
	TradingHalted               *bool               `json:"trading_halted"`
}

// Quote converts the record into its persisted shape.
func (r QuoteRecord) Quote() (models.Quote, error) {
	id, err := models.ParseInstrumentURL(r.Instrument)
	if err != nil {
		return models.Quote{}, err
	}
	updatedAt, err := models.ParseUpdatedAt(r.UpdatedAt)
	if err != nil {
		return models.Quote{}, fmt.Errorf("quote %s: %w", r.Symbol, err)
	}
	return models.Quote{
		InstrumentID:                id,
		Symbol:                      r.Symbol,
		BidPrice:                    r.BidPrice,
		AskPrice:                    r.AskPrice,
		BidSize:                     r.BidSize,
		AskSize:                     r.AskSize,
		LastTradePrice:              r.LastTradePrice,
		LastExtendedHoursTradePrice: r.LastExtendedHoursTradePrice,
		UpdatedAt:                   updatedAt,
	}, nil
}

// Status extracts the index metadata carried by the quote.
func (r QuoteRecord) Status(now time.Time) (models.InstrumentStatus, error) {
	id, err := models.ParseInstrumentURL(r.Instrument)
	if err != nil {
		return models.InstrumentStatus{}, err
	}
	st := models.InstrumentStatus{
		InstrumentID:  id,
		HasTraded:     r.HasTraded,
		TradingHalted: r.TradingHalted,
		Timestamp:     now,
	}
	if r.UpdatedAt != "" {
		if t, err := models.ParseUpdatedAt(r.UpdatedAt); err == nil {
			st.UpdatedAt = &t
		}
	}
	return st, nil
}

// PopularityRecord is one element of a bulk popularity response.
type PopularityRecord struct {
	Instrument       string `json:"instrument"`
	NumOpenPositions int64  `json:"num_open_positions"`
}

// FundamentalsRecord is one element of a bulk fundamentals response.
type FundamentalsRecord struct {
	Instrument  string `json:"instrument"`
	Sector      string `json:"sector"`
	Industry    string `json:"industry"`
	Description string `json:"description"`

	Raw map[string]any `json:"-"`
}

func (r *FundamentalsRecord) UnmarshalJSON(b []byte) error {
	type plain FundamentalsRecord
	if err := json.Unmarshal(b, (*plain)(r)); err != nil {
		return err
	}
	return json.Unmarshal(b, &r.Raw)
}

// Empty reports records the API sent without any content.
func (r FundamentalsRecord) Empty() bool {
	return len(r.Raw) == 0 || r.Instrument == ""
}

// Fundamentals converts the record into its latest-wins document.
func (r FundamentalsRecord) Fundamentals() (models.Fundamentals, error) {
	id, err := models.ParseInstrumentURL(r.Instrument)
	if err != nil {
		return models.Fundamentals{}, err
	}
	data := make(map[string]any, len(r.Raw))
	for k, v := range r.Raw {
		if k == "instrument" {
			continue
		}
		data[k] = v
	}
	return models.Fundamentals{
		InstrumentID: id,
		Sector:       r.Sector,
		Industry:     r.Industry,
		Description:  r.Description,
		Data:         data,
	}, nil
}
