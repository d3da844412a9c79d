package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	instrumentURLPrefix = "https://api.robinhood.com/instruments/"
	instrumentMarker    = "instruments/"

	// UpdatedAtLayout is the upstream timestamp format.
	UpdatedAtLayout = "2006-01-02T15:04:05Z"
)

// ParseInstrumentURL extracts the instrument id from an embedded instrument reference
// such as "https://api.robinhood.com/instruments/<uuid>/".
func ParseInstrumentURL(ref string) (string, error) {
	i := strings.Index(ref, instrumentMarker)
	if i < 0 {
		return "", fmt.Errorf("not an instrument url: %q", ref)
	}
	id := strings.TrimSuffix(ref[i+len(instrumentMarker):], "/")
	if _, err := uuid.Parse(id); err != nil {
		return "", fmt.Errorf("invalid instrument id in %q: %w", ref, err)
	}
	return id, nil
}

// BuildInstrumentURL is the inverse of ParseInstrumentURL.
func BuildInstrumentURL(instrumentID string) string {
	return instrumentURLPrefix + instrumentID + "/"
}

// ParseUpdatedAt parses an upstream updated_at value as UTC.
func ParseUpdatedAt(s string) (time.Time, error) {
	return time.Parse(UpdatedAtLayout, s)
}
