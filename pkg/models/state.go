package models

// ScrapeRunState is the completion bookkeeping of one scrape cycle.
// The cache must not be trusted while CacheLocked is set.
type ScrapeRunState struct {
	InstrumentsFinished  bool `json:"instruments_finished"`
	PopularitiesFinished bool `json:"popularities_finished"`
	QuotesFinished       bool `json:"quotes_finished"`
	CacheLocked          bool `json:"cache_locked"`
}

// AllFinished reports whether every scrape type has drained its queue.
func (s ScrapeRunState) AllFinished() bool {
	return s.InstrumentsFinished && s.PopularitiesFinished && s.QuotesFinished
}

// Consistent checks the lock invariant: unlocked implies all finished.
func (s ScrapeRunState) Consistent() bool {
	return s.CacheLocked || s.AllFinished()
}
