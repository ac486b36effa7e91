package research

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mikeboe/deep-research/pkg/llm"
)

// MaxFilterSteps is the hard ceiling on search and evaluate calls combined
// within one filtering session.
const MaxFilterSteps = 5

// Evaluation labels.
const (
	Relevant   = "relevant"
	Irrelevant = "irrelevant"
)

const (
	searchToolName   = "search_web"
	evaluateToolName = "evaluate"

	irrelevantReply = "Search result is irrelevant, search again with a more specific query."
	relevantReply   = "Search result is relevant, end research for this query."
)

var (
	searchArgsSchema = &llm.Schema{
		Type: llm.TypeObject,
		Properties: map[string]*llm.Schema{
			"query": {Type: llm.TypeString, Description: "The web search query", MinLength: llm.Int(3)},
		},
		Required: []string{"query"},
	}
	evaluateArgsSchema = &llm.Schema{
		Type: llm.TypeObject,
		Properties: map[string]*llm.Schema{
			"handle": {Type: llm.TypeString, Description: "Handle of a result returned by search_web"},
		},
		Required: []string{"handle"},
	}
	evaluationSchema = llm.StringEnum(Relevant, Irrelevant)
)

// RelevanceFilter runs the interactive search and evaluate session for one
// query and returns the results judged relevant and new.
type RelevanceFilter struct {
	gen      llm.Generator
	searcher Searcher
	logger   *slog.Logger
	maxSteps int
}

func NewRelevanceFilter(gen llm.Generator, searcher Searcher, logger *slog.Logger) *RelevanceFilter {
	if logger == nil {
		logger = slog.Default()
	}
	return &RelevanceFilter{gen: gen, searcher: searcher, logger: logger, maxSteps: MaxFilterSteps}
}

// Run never modifies accumulated; it only reads the URLs for the novelty
// judgment.
func (f *RelevanceFilter) Run(ctx context.Context, query string, accumulated []SearchResult) ([]SearchResult, error) {
	s := &filterSession{
		filter:    f,
		query:     query,
		knownURLs: make([]string, 0, len(accumulated)),
		pending:   make(map[string]SearchResult),
	}
	for _, r := range accumulated {
		s.knownURLs = append(s.knownURLs, r.URL)
	}

	_, err := f.gen.RunTools(ctx, llm.ToolRequest{
		System:   filterSystemPrompt,
		Prompt:   fmt.Sprintf(filterPromptTemplate, query),
		Tools:    s.tools(),
		MaxSteps: f.maxSteps,
	})
	if s.fatal != nil {
		return nil, s.fatal
	}
	if err != nil {
		return nil, generationError("filter session", err)
	}

	if len(s.pending) > 0 {
		f.logger.Debug("Search results left unevaluated", "query", query, "count", len(s.pending))
	}
	return s.accepted, nil
}

// filterSession is the state of one Run. Every staged search result gets a
// handle, and evaluate consumes exactly the result named by its handle.
type filterSession struct {
	filter    *RelevanceFilter
	query     string
	knownURLs []string

	steps    int
	staged   int
	pending  map[string]SearchResult
	accepted []SearchResult
	fatal    error
}

func (s *filterSession) tools() []llm.Tool {
	return []llm.Tool{
		{
			Name:        searchToolName,
			Description: "Search the web for information about the query. Returns handles for the results found.",
			Parameters:  searchArgsSchema,
			Execute:     s.guard(s.search),
		},
		{
			Name:        evaluateToolName,
			Description: "Evaluate one search result, identified by the handle search_web returned for it.",
			Parameters:  evaluateArgsSchema,
			Execute:     s.guard(s.evaluate),
		},
	}
}

// guard counts steps and records fatal errors so Run can return them
// unwrapped regardless of what the generator does with them.
func (s *filterSession) guard(fn func(context.Context, json.RawMessage) (string, error)) func(context.Context, json.RawMessage) (string, error) {
	return func(ctx context.Context, args json.RawMessage) (string, error) {
		if s.fatal != nil {
			return "", s.fatal
		}
		if err := ctx.Err(); err != nil {
			s.fatal = err
			return "", err
		}
		s.steps++
		if s.steps > s.filter.maxSteps {
			s.fatal = fmt.Errorf("%w: %d calls for query %q", ErrStepLimit, s.steps, s.query)
			return "", s.fatal
		}
		out, err := fn(ctx, args)
		if err != nil {
			s.fatal = err
		}
		return out, err
	}
}

func (s *filterSession) search(ctx context.Context, raw json.RawMessage) (string, error) {
	var args struct {
		Query string `json:"query"`
	}
	if err := searchArgsSchema.Decode(string(raw), &args); err != nil {
		return fmt.Sprintf("Invalid arguments: %v", err), nil
	}

	s.filter.logger.Info("Searching", "query", args.Query)
	results, err := s.filter.searcher.Search(ctx, args.Query, SearchOptions{
		ResultCount: 1,
		Freshness:   FreshnessLive,
	})
	if err != nil {
		return "", searchError("search "+args.Query, err)
	}

	handles := make([]string, 0, len(results))
	for _, r := range results {
		s.staged++
		handle := fmt.Sprintf("r%d", s.staged)
		s.pending[handle] = r
		handles = append(handles, handle)
	}

	if len(handles) == 0 {
		return fmt.Sprintf("Found 0 search results for: %s", args.Query), nil
	}
	return fmt.Sprintf("Found %d search results for: %s. Handles: %s",
		len(handles), args.Query, strings.Join(handles, ", ")), nil
}

func (s *filterSession) evaluate(ctx context.Context, raw json.RawMessage) (string, error) {
	var args struct {
		Handle string `json:"handle"`
	}
	if err := evaluateArgsSchema.Decode(string(raw), &args); err != nil {
		return fmt.Sprintf("Invalid arguments: %v", err), nil
	}

	result, ok := s.pending[args.Handle]
	if !ok {
		return "", fmt.Errorf("%w: %q (query %q)", ErrNoPendingResult, args.Handle, s.query)
	}
	delete(s.pending, args.Handle)

	resultJSON, err := json.Marshal(result)
	if err != nil {
		return "", fmt.Errorf("encode search result: %w", err)
	}
	knownJSON, err := json.Marshal(s.knownURLs)
	if err != nil {
		return "", fmt.Errorf("encode existing results: %w", err)
	}

	var label string
	err = s.filter.gen.GenerateObject(ctx, llm.ObjectRequest{
		Prompt: fmt.Sprintf(evaluatePromptTemplate, s.query, resultJSON, knownJSON),
		Schema: evaluationSchema,
	}, &label)
	if err != nil {
		return "", generationError("evaluate "+result.URL, err)
	}

	s.filter.logger.Info("Evaluated search result", "url", result.URL, "evaluation", label)

	if label != Relevant {
		return irrelevantReply, nil
	}
	s.accepted = append(s.accepted, result)
	return relevantReply, nil
}
