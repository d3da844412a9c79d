package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Quote is one bid/ask observation. (InstrumentID, UpdatedAt) is its natural key.
type Quote struct {
	InstrumentID                string              `json:"instrument_id"`
	Symbol                      string              `json:"symbol"`
	BidPrice                    decimal.Decimal     `json:"bid_price"`
	AskPrice                    decimal.Decimal     `json:"ask_price"`
	BidSize                     int64               `json:"bid_size"`
	AskSize                     int64               `json:"ask_size"`
	LastTradePrice              decimal.Decimal     `json:"last_trade_price"`
	LastExtendedHoursTradePrice decimal.NullDecimal `json:"last_extended_hours_trade_price"`
	UpdatedAt                   time.Time           `json:"updated_at"`
}

// Key identifies the logical quote event.
func (q Quote) Key() string {
	return q.InstrumentID + "@" + q.UpdatedAt.UTC().Format(time.RFC3339Nano)
}
