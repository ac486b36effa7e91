package research

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikeboe/deep-research/pkg/llm"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(gen *fakeGenerator, search *fakeSearcher, opts ...Option) *Engine {
	return NewEngine(gen, search, append([]Option{WithLogger(quietLogger())}, opts...)...)
}

func TestRunDepthZeroMakesNoCalls(t *testing.T) {
	gen := newFakeGenerator()
	search := &fakeSearcher{}
	engine := newTestEngine(gen, search)

	state, err := engine.Run(context.Background(), "solar storms", 0, 3, nil)

	require.NoError(t, err)
	assert.Equal(t, "solar storms", state.Topic)
	assert.Empty(t, state.Queries)
	assert.Empty(t, state.SearchResults)
	assert.Empty(t, state.Learnings)
	assert.Empty(t, gen.queryCounts)
	assert.Empty(t, search.calls)
	assert.Zero(t, engine.Budget().Used())
}

func TestRunRejectsInvalidParams(t *testing.T) {
	engine := newTestEngine(newFakeGenerator(), &fakeSearcher{})

	_, err := engine.Run(context.Background(), "t", -1, 3, nil)
	assert.ErrorIs(t, err, ErrInvalidParams)

	_, err = engine.Run(context.Background(), "t", 2, 0, nil)
	assert.ErrorIs(t, err, ErrInvalidParams)
}

func TestRunNoAcceptedResultsDoesNotRecurse(t *testing.T) {
	gen := newFakeGenerator()
	gen.evaluate = func(string) string { return Irrelevant }
	engine := newTestEngine(gen, &fakeSearcher{})

	state, err := engine.Run(context.Background(), "quiet topic", 2, 1, nil)

	require.NoError(t, err)
	assert.Equal(t, []int{1}, gen.queryCounts)
	assert.Equal(t, []string{"q1"}, state.Queries)
	assert.Empty(t, state.SearchResults)
	assert.Empty(t, state.Learnings)
	assert.Empty(t, state.CompletedQueries)
}

func TestRunDepthFirstOrderAndBreadthHalving(t *testing.T) {
	gen := newFakeGenerator()
	search := &fakeSearcher{}
	engine := newTestEngine(gen, search)

	state, err := engine.Run(context.Background(), "fusion energy", 2, 3, nil)

	require.NoError(t, err)
	// One top-level call with breadth 3, then one child call with breadth 2
	// per accepted result. Children run at depth 0 and generate nothing.
	assert.Equal(t, []int{3, 2, 2, 2}, gen.queryCounts)
	assert.Equal(t,
		[]string{"q1", "q4", "q5", "q2", "q6", "q7", "q3", "q8", "q9"},
		state.CompletedQueries)
	assert.Len(t, state.Learnings, 9)
	assert.Len(t, state.SearchResults, 9)
	// Only the last call's queries survive.
	assert.Equal(t, []string{"q8", "q9"}, state.Queries)
	assert.Equal(t, "fusion energy", state.Topic)

	for i, opts := range search.opts {
		assert.Equal(t, SearchOptions{ResultCount: 1, Freshness: FreshnessLive}, opts, "search %d", i)
	}
}

func TestRunFollowUpTopicEmbedsGoalQueriesAndQuestions(t *testing.T) {
	gen := newFakeGenerator()
	gen.learning = func(string) Learning {
		return Learning{Learning: "plasma confinement improved", FollowUpQuestions: []string{"who funds it?", "when?"}}
	}
	engine := newTestEngine(gen, &fakeSearcher{})

	_, err := engine.Run(context.Background(), "fusion energy", 2, 2, nil)
	require.NoError(t, err)

	require.GreaterOrEqual(t, len(gen.queryTopics), 2)
	child := gen.queryTopics[1]
	assert.Contains(t, child, "Overall research goal: fusion energy")
	assert.Contains(t, child, "Previous search queries: q1, q2")
	assert.Contains(t, child, "Follow-up question: who funds it?, when?")
}

func TestRunTopicIsFirstCallWins(t *testing.T) {
	gen := newFakeGenerator()
	engine := newTestEngine(gen, &fakeSearcher{})
	state := NewResearchState()

	_, err := engine.Run(context.Background(), "first topic", 1, 1, state)
	require.NoError(t, err)
	_, err = engine.Run(context.Background(), "second topic", 1, 1, state)
	require.NoError(t, err)

	assert.Equal(t, "first topic", state.Topic)
	assert.Len(t, state.Learnings, 2)
}

func TestRunStateIsAppendOnly(t *testing.T) {
	gen := newFakeGenerator()
	var snapshots []ResearchState
	hook := func(s *ResearchState) {
		snapshots = append(snapshots, ResearchState{
			SearchResults:    append(make([]SearchResult, 0, len(s.SearchResults)), s.SearchResults...),
			Learnings:        append(make([]Learning, 0, len(s.Learnings)), s.Learnings...),
			CompletedQueries: append(make([]string, 0, len(s.CompletedQueries)), s.CompletedQueries...),
		})
	}
	engine := newTestEngine(gen, &fakeSearcher{}, WithStateHook(hook))

	_, err := engine.Run(context.Background(), "topic", 2, 2, nil)
	require.NoError(t, err)

	require.NotEmpty(t, snapshots)
	for i := 1; i < len(snapshots); i++ {
		prev, cur := snapshots[i-1], snapshots[i]
		assert.Equal(t, prev.SearchResults, cur.SearchResults[:len(prev.SearchResults)])
		assert.Equal(t, prev.Learnings, cur.Learnings[:len(prev.Learnings)])
		assert.Equal(t, prev.CompletedQueries, cur.CompletedQueries[:len(prev.CompletedQueries)])
	}
}

func TestRunLaterFiltersSeeEarlierResults(t *testing.T) {
	gen := newFakeGenerator()
	engine := newTestEngine(gen, &fakeSearcher{})

	_, err := engine.Run(context.Background(), "topic", 1, 2, nil)
	require.NoError(t, err)

	require.Len(t, gen.evalPrompts, 2)
	assert.Contains(t, gen.evalPrompts[0], "<existing_results>\n[]\n")
	assert.Contains(t, gen.evalPrompts[1], `["https://example.com/1"]`)
}

func TestRunTerminatesForLargeParameters(t *testing.T) {
	gen := newFakeGenerator()
	engine := newTestEngine(gen, &fakeSearcher{})

	state, err := engine.Run(context.Background(), "topic", 4, 5, nil)
	require.NoError(t, err)

	// 5 + 5*3 + 5*3*2 + 5*3*2*1 learnings, breadth 5 -> 3 -> 2 -> 1.
	assert.Len(t, state.Learnings, 5+15+30+30)
	for _, n := range gen.queryCounts {
		assert.Contains(t, []int{5, 3, 2, 1}, n)
	}
}

func TestRunSchemaFailureAborts(t *testing.T) {
	gen := newFakeGenerator()
	gen.learning = func(string) Learning { return Learning{Learning: "short"} }
	engine := newTestEngine(gen, &fakeSearcher{})

	state, err := engine.Run(context.Background(), "topic", 2, 3, nil)

	require.Error(t, err)
	assert.ErrorIs(t, err, llm.ErrSchemaConformance)
	var svcErr *ServiceError
	assert.False(t, errors.As(err, &svcErr), "schema failures are not service errors")
	assert.Len(t, state.SearchResults, 1)
	assert.Empty(t, state.Learnings)
}

func TestRunSearchFailureIsServiceError(t *testing.T) {
	gen := newFakeGenerator()
	boom := errors.New("connection refused")
	engine := newTestEngine(gen, &fakeSearcher{err: boom})

	_, err := engine.Run(context.Background(), "topic", 1, 1, nil)

	var svcErr *ServiceError
	require.ErrorAs(t, err, &svcErr)
	assert.Equal(t, "search", svcErr.Service)
	assert.ErrorIs(t, err, boom)
}

func TestRunStopsWhenBudgetExhausted(t *testing.T) {
	gen := newFakeGenerator()
	search := &fakeSearcher{}
	// queries, session, search, evaluate, learning = 5 calls per accepted result
	engine := newTestEngine(gen, search, WithMaxCalls(7))

	_, err := engine.Run(context.Background(), "topic", 2, 3, nil)

	assert.ErrorIs(t, err, ErrBudgetExhausted)
	assert.Equal(t, 7, engine.Budget().Used())
}

func TestRunHonorsCancellation(t *testing.T) {
	gen := newFakeGenerator()
	search := &fakeSearcher{}
	engine := newTestEngine(gen, search)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	state, err := engine.Run(ctx, "topic", 2, 3, nil)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, "topic", state.Topic)
	assert.Empty(t, gen.queryCounts)
	assert.Empty(t, search.calls)
}

func TestResearchProducesReport(t *testing.T) {
	gen := newFakeGenerator()
	engine := newTestEngine(gen, &fakeSearcher{})

	outcome, err := engine.Research(context.Background(), "topic", 1, 1)

	require.NoError(t, err)
	assert.Equal(t, "# Report", outcome.Report)
	assert.False(t, outcome.Partial)
	assert.Contains(t, gen.reportPrompt, `"topic": "topic"`)
	assert.Contains(t, gen.reportPrompt, `"completedQueries": [`)
	assert.NotContains(t, gen.reportSystem, "stopped early")
}

func TestResearchFailFastProducesNoReport(t *testing.T) {
	gen := newFakeGenerator()
	gen.failOn["learning"] = errors.New("quota")
	gen.failAt["learning"] = 2
	engine := newTestEngine(gen, &fakeSearcher{})

	outcome, err := engine.Research(context.Background(), "topic", 1, 3)

	require.Error(t, err)
	assert.Nil(t, outcome)
	assert.Empty(t, gen.reportPrompt)
}

func TestResearchSalvagesPartialReport(t *testing.T) {
	gen := newFakeGenerator()
	quota := errors.New("quota")
	gen.failOn["learning"] = quota
	gen.failAt["learning"] = 2
	engine := newTestEngine(gen, &fakeSearcher{}, WithFailurePolicy(Salvage))

	outcome, err := engine.Research(context.Background(), "topic", 1, 3)

	require.NoError(t, err)
	assert.True(t, outcome.Partial)
	assert.ErrorIs(t, outcome.Cause, quota)
	assert.Len(t, outcome.State.Learnings, 1)
	assert.True(t, strings.Contains(gen.reportSystem, "stopped early"))
}

func TestResearchSalvageNeedsLearnings(t *testing.T) {
	gen := newFakeGenerator()
	gen.failOn["queries"] = errors.New("unavailable")
	engine := newTestEngine(gen, &fakeSearcher{}, WithFailurePolicy(Salvage))

	_, err := engine.Research(context.Background(), "topic", 1, 3)

	require.Error(t, err)
	assert.Empty(t, gen.reportPrompt)
}

func TestNextBreadth(t *testing.T) {
	tests := []struct {
		in, want int
	}{
		{1, 1}, {2, 1}, {3, 2}, {4, 2}, {5, 3}, {8, 4}, {9, 5},
	}
	for _, tt := range tests {
		if got := NextBreadth(tt.in); got != tt.want {
			t.Errorf("NextBreadth(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}

	// Any chain reaches one and stays there.
	for start := 1; start <= 64; start++ {
		b := start
		for i := 0; i < 8; i++ {
			next := NextBreadth(b)
			if next > b || next < 1 {
				t.Fatalf("breadth chain from %d went %d -> %d", start, b, next)
			}
			b = next
		}
		if b != 1 {
			t.Errorf("breadth chain from %d ended at %d", start, b)
		}
	}
}
