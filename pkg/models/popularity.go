package models

import "time"

// PopularitySample is the number of open positions held in an instrument at a scrape.
type PopularitySample struct {
	InstrumentID string    `json:"instrument_id"`
	Popularity   int64     `json:"popularity"`
	Timestamp    time.Time `json:"timestamp"`
}
