package research

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mikeboe/deep-research/pkg/llm"
)

const (
	DefaultDepth   = 2
	DefaultBreadth = 3
)

// FailurePolicy decides what Research does when the run fails part way.
type FailurePolicy int

const (
	// FailFast returns the error and no report.
	FailFast FailurePolicy = iota
	// Salvage writes a report from whatever was gathered before the failure,
	// provided at least one learning exists.
	Salvage
)

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger used by the engine and its components.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithReportGenerator uses a separate, usually stronger, model for the report.
func WithReportGenerator(gen llm.Generator) Option {
	return func(e *Engine) { e.reportGen = gen }
}

// WithMaxCalls caps the search and generation calls of the research tree.
// The final report is not counted. Zero means unlimited.
func WithMaxCalls(n int) Option {
	return func(e *Engine) {
		if n >= 0 {
			e.maxCalls = n
		}
	}
}

// WithFailurePolicy selects fail-fast or salvage behavior for Research.
func WithFailurePolicy(p FailurePolicy) Option {
	return func(e *Engine) { e.policy = p }
}

// WithStateHook registers a callback invoked after every mutation of the
// research state. The callback runs synchronously and must not retain or
// modify the state.
func WithStateHook(fn func(state *ResearchState)) Option {
	return func(e *Engine) { e.onStateUpdate = fn }
}

// Engine runs the recursive research process: generate queries for a
// topic, filter search results per query, extract a learning per accepted
// result and recurse on the learning's follow-up questions.
type Engine struct {
	queries   *QueryGenerator
	filter    *RelevanceFilter
	learnings *LearningExtractor
	reports   *ReportSynthesizer

	reportGen     llm.Generator
	budget        *CallBudget
	maxCalls      int
	policy        FailurePolicy
	logger        *slog.Logger
	onStateUpdate func(state *ResearchState)
}

// NewEngine wires the research components around a generator and a searcher.
func NewEngine(gen llm.Generator, searcher Searcher, opts ...Option) *Engine {
	e := &Engine{logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}

	e.budget = NewCallBudget(e.maxCalls)
	metered := &meteredGenerator{next: gen, budget: e.budget}
	search := &meteredSearcher{next: searcher, budget: e.budget}

	if e.reportGen == nil {
		e.reportGen = gen
	}

	e.queries = NewQueryGenerator(metered)
	e.filter = NewRelevanceFilter(metered, search, e.logger)
	e.learnings = NewLearningExtractor(metered)
	e.reports = NewReportSynthesizer(e.reportGen)
	return e
}

// Budget exposes the call accounting of the engine.
func (e *Engine) Budget() *CallBudget { return e.budget }

// Run researches topic to the given depth, mutating and returning state.
// A nil state starts a fresh accumulator. Any failure aborts the whole run;
// state keeps whatever was gathered up to that point.
func (e *Engine) Run(ctx context.Context, topic string, depth, breadth int, state *ResearchState) (*ResearchState, error) {
	if depth < 0 || breadth < 1 {
		return state, fmt.Errorf("%w: depth %d, breadth %d", ErrInvalidParams, depth, breadth)
	}
	if state == nil {
		state = NewResearchState()
	}
	return state, e.run(ctx, topic, depth, breadth, state)
}

func (e *Engine) run(ctx context.Context, topic string, depth, breadth int, state *ResearchState) error {
	if state.Topic == "" {
		state.Topic = topic
		e.notify(state)
	}
	if depth == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	e.logger.Info("Generating queries", "depth", depth, "breadth", breadth)
	queries, err := e.queries.Generate(ctx, topic, breadth)
	if err != nil {
		return err
	}
	state.Queries = queries
	e.notify(state)
	e.logger.Info("Generated queries", "queries", queries)

	for _, query := range queries {
		e.logger.Info("Searching for", "query", query)
		accepted, err := e.filter.Run(ctx, query, state.SearchResults)
		if err != nil {
			return err
		}
		state.SearchResults = append(state.SearchResults, accepted...)
		e.notify(state)

		for _, result := range accepted {
			learning, err := e.learnings.Extract(ctx, query, result)
			if err != nil {
				return err
			}
			state.Learnings = append(state.Learnings, learning)
			state.CompletedQueries = append(state.CompletedQueries, query)
			e.notify(state)
			e.logger.Info("Extracted learning", "query", query, "url", result.URL, "follow_ups", len(learning.FollowUpQuestions))

			next := FollowUpTopic(state.Topic, queries, learning)
			if err := e.run(ctx, next, depth-1, NextBreadth(breadth), state); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Engine) notify(state *ResearchState) {
	if e.onStateUpdate != nil {
		e.onStateUpdate(state)
	}
}

// NextBreadth halves breadth, rounding up, so it never drops below one.
func NextBreadth(breadth int) int {
	return (breadth + 1) / 2
}

// FollowUpTopic builds the topic of a recursive call from the overall goal,
// the queries of the current call and the learning's follow-up questions.
func FollowUpTopic(goal string, queries []string, learning Learning) string {
	return fmt.Sprintf(followUpTemplate,
		goal,
		strings.Join(queries, ", "),
		strings.Join(learning.FollowUpQuestions, ", "))
}

// Outcome is the result of a full research process.
type Outcome struct {
	Report string
	State  *ResearchState
	// Partial is set when the report was salvaged from a failed run; Cause
	// holds that failure.
	Partial bool
	Cause   error
}

// Research runs the recursion on a fresh state and synthesizes the report.
func (e *Engine) Research(ctx context.Context, topic string, depth, breadth int) (*Outcome, error) {
	state := NewResearchState()

	_, runErr := e.Run(ctx, topic, depth, breadth, state)
	if runErr != nil {
		if e.policy != Salvage || len(state.Learnings) == 0 || errors.Is(runErr, ErrInvalidParams) {
			return nil, fmt.Errorf("research failed: %w", runErr)
		}

		e.logger.Warn("Research failed, salvaging partial report",
			"error", runErr, "learnings", len(state.Learnings), "sources", len(state.SearchResults))
		// The run may have died from cancellation; the salvage report must still go out.
		report, err := e.reports.synthesize(context.WithoutCancel(ctx), state, runErr.Error())
		if err != nil {
			return nil, fmt.Errorf("research failed: %w (salvage report: %v)", runErr, err)
		}
		return &Outcome{Report: report, State: state, Partial: true, Cause: runErr}, nil
	}

	e.logger.Info("Compiling final report", "learnings", len(state.Learnings), "calls", e.budget.Used())
	report, err := e.reports.Synthesize(ctx, state)
	if err != nil {
		return nil, err
	}
	e.logger.Info("Final report generated", "length", len(report))
	return &Outcome{Report: report, State: state}, nil
}
