package models

// Fundamentals is the latest-wins fundamentals document of an instrument.
// Data carries every upstream field except the instrument reference.
type Fundamentals struct {
	InstrumentID string         `json:"instrument_id"`
	Sector       string         `json:"sector,omitempty"`
	Industry     string         `json:"industry,omitempty"`
	Description  string         `json:"description,omitempty"`
	Data         map[string]any `json:"data"`
}
