package models

import (
	"regexp"
	"time"
)

// TradabilityTradable is the upstream tradability value of instruments worth scraping.
const TradabilityTradable = "tradable"

var symbolPattern = regexp.MustCompile(`^[A-Z0-9.]{1,10}$`)

// ValidSymbol reports whether s looks like a ticker symbol, e.g. "AAPL" or "BRK.B".
func ValidSymbol(s string) bool {
	return symbolPattern.MatchString(s)
}

// Instrument is one entry of the instrument index, unique by InstrumentID.
type Instrument struct {
	InstrumentID string         `json:"instrument_id"`
	Symbol       string         `json:"symbol"`
	Name         string         `json:"name"`
	SimpleName   string         `json:"simple_name,omitempty"`
	Tradability  string         `json:"tradability"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Tradable reports whether the upstream marks the instrument as tradable.
func (i Instrument) Tradable() bool {
	return i.Tradability == TradabilityTradable
}

// DisplayName prefers the short marketing name over the legal one.
func (i Instrument) DisplayName() string {
	if i.SimpleName != "" {
		return i.SimpleName
	}
	return i.Name
}

// InstrumentStatus is the tradability/halt metadata refreshed from quote responses.
type InstrumentStatus struct {
	InstrumentID  string     `json:"instrument_id"`
	HasTraded     *bool      `json:"has_traded,omitempty"`
	TradingHalted *bool      `json:"trading_halted,omitempty"`
	UpdatedAt     *time.Time `json:"updated_at,omitempty"`
	Timestamp     time.Time  `json:"timestamp"`
}
