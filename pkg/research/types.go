package research

import "context"

// SearchResult is a single document returned by a Searcher. Its identity
// is the URL.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Content string `json:"content"`
}

// Learning is distilled from exactly one (query, SearchResult) pair.
type Learning struct {
	Learning          string   `json:"learning"`
	FollowUpQuestions []string `json:"followUpQuestions"`
}

// ResearchState accumulates everything a research run produces. A single
// instance is shared by every call in the recursion tree and is never
// copied; the engine mutates it in depth-first order.
type ResearchState struct {
	// Topic is set by the first call that sees it empty and never changed after.
	Topic string `json:"topic,omitempty"`
	// Queries holds only the queries of the most recent engine call.
	Queries       []string       `json:"queries"`
	SearchResults []SearchResult `json:"searchResults"`
	Learnings     []Learning     `json:"learnings"`
	// CompletedQueries gets one entry per accepted result, so a query with
	// k accepted results appears k times.
	CompletedQueries []string `json:"completedQueries"`
}

// NewResearchState returns an empty accumulator.
func NewResearchState() *ResearchState {
	return &ResearchState{
		Queries:          []string{},
		SearchResults:    []SearchResult{},
		Learnings:        []Learning{},
		CompletedQueries: []string{},
	}
}

// URLs returns the URLs of every accumulated search result, in order.
func (s *ResearchState) URLs() []string {
	urls := make([]string, 0, len(s.SearchResults))
	for _, r := range s.SearchResults {
		urls = append(urls, r.URL)
	}
	return urls
}

// Freshness selects whether a search may be answered from a cache.
type Freshness string

const (
	FreshnessCached Freshness = "cached"
	FreshnessLive   Freshness = "always-live"
)

// SearchOptions are passed to every Searcher call.
type SearchOptions struct {
	ResultCount int
	Freshness   Freshness
}

// Searcher is a document search service.
type Searcher interface {
	Search(ctx context.Context, query string, opts SearchOptions) ([]SearchResult, error)
}
