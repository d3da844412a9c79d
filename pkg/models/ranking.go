package models

// RankingEntry is one element of the cached popularity list.
type RankingEntry struct {
	Symbol     string `json:"symbol"`
	Popularity int64  `json:"popularity"`
	Name       string `json:"name"`
}

// PopularityRanking is the derived, cache-resident ranking. List is ordered
// most to least popular and Ranks[sym] is sym's 1-based position in List.
type PopularityRanking struct {
	Ranks map[string]int `json:"ranks"`
	List  []RankingEntry `json:"list"`
}

// RankUpdate is pushed to gateway subscribers after each rebuild.
type RankUpdate struct {
	Symbol     string `json:"symbol"`
	Rank       int    `json:"rank"`
	Popularity int64  `json:"popularity"`
	Name       string `json:"name,omitempty"`
}
