package research

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/mikeboe/deep-research/pkg/llm"
)

// toolCall is one scripted step of a filtering session. A handle of "$last"
// is replaced by the most recent handle a search returned.
type toolCall struct {
	tool string
	args string
}

// fakeGenerator answers each request shape from simple scripts and records
// what it was asked.
type fakeGenerator struct {
	mu sync.Mutex

	// queryCounts records the count of every query generation.
	queryCounts []int
	queryTopics []string
	nextQuery   int
	// queries overrides the numbered query generator when set.
	queries func(topic string, count int) []string

	// evaluate returns the label for an evaluation prompt. Default relevant.
	evaluate      func(prompt string) string
	evalPrompts   []string
	learning      func(prompt string) Learning
	learningCalls int

	// script drives every filtering session; nil means search then evaluate.
	script       []toolCall
	ignoreCeil   bool
	sessions     int
	toolSteps    []int
	reportSystem string
	reportPrompt string
	report       string

	// failOn makes the named operation fail: "queries", "evaluate",
	// "learning", "session", "report".
	failOn  map[string]error
	failAt  map[string]int
	opCount map[string]int
}

func newFakeGenerator() *fakeGenerator {
	return &fakeGenerator{
		report:  "# Report",
		failOn:  map[string]error{},
		failAt:  map[string]int{},
		opCount: map[string]int{},
	}
}

func (f *fakeGenerator) fail(op string) error {
	f.opCount[op]++
	err, ok := f.failOn[op]
	if !ok {
		return nil
	}
	if at := f.failAt[op]; at > 0 && f.opCount[op] != at {
		return nil
	}
	return err
}

func (f *fakeGenerator) GenerateObject(_ context.Context, req llm.ObjectRequest, out any) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	var value any
	switch {
	case req.Schema.IsEnum():
		if err := f.fail("evaluate"); err != nil {
			return err
		}
		f.evalPrompts = append(f.evalPrompts, req.Prompt)
		label := Relevant
		if f.evaluate != nil {
			label = f.evaluate(req.Prompt)
		}
		value = label
	case req.Schema.Properties["queries"] != nil:
		if err := f.fail("queries"); err != nil {
			return err
		}
		count := *req.Schema.Properties["queries"].MaxItems
		f.queryCounts = append(f.queryCounts, count)
		f.queryTopics = append(f.queryTopics, req.Prompt)
		var queries []string
		if f.queries != nil {
			queries = f.queries(req.Prompt, count)
		} else {
			for i := 0; i < count; i++ {
				f.nextQuery++
				queries = append(queries, fmt.Sprintf("q%d", f.nextQuery))
			}
		}
		value = map[string]any{"queries": queries}
	case req.Schema.Properties["learning"] != nil:
		if err := f.fail("learning"); err != nil {
			return err
		}
		f.learningCalls++
		l := Learning{
			Learning:          "learning number " + fmt.Sprint(f.learningCalls),
			FollowUpQuestions: []string{"what next?"},
		}
		if f.learning != nil {
			l = f.learning(req.Prompt)
		}
		value = l
	default:
		return errors.New("unexpected schema")
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return req.Schema.Decode(string(raw), out)
}

func (f *fakeGenerator) GenerateText(_ context.Context, req llm.TextRequest) (string, error) {
	if err := f.fail("report"); err != nil {
		return "", err
	}
	f.reportSystem = req.System
	f.reportPrompt = req.Prompt
	return f.report, nil
}

var handlePattern = regexp.MustCompile(`Handles: (r\d+)`)

// RunTools executes the script like a real adapter: sequentially and never
// past req.MaxSteps unless ignoreCeil is set.
func (f *fakeGenerator) RunTools(ctx context.Context, req llm.ToolRequest) (string, error) {
	if err := f.fail("session"); err != nil {
		return "", err
	}
	f.sessions++

	script := f.script
	if script == nil {
		script = []toolCall{
			{tool: searchToolName, args: `{"query":"topic search"}`},
			{tool: evaluateToolName, args: `{"handle":"$last"}`},
		}
	}

	steps := 0
	last := ""
	defer func() { f.toolSteps = append(f.toolSteps, steps) }()
	for _, call := range script {
		if steps >= req.MaxSteps && !f.ignoreCeil {
			break
		}
		tool, ok := findFakeTool(req.Tools, call.tool)
		if !ok {
			return "", fmt.Errorf("unknown tool %s", call.tool)
		}
		steps++
		out, err := tool.Execute(ctx, json.RawMessage(strings.ReplaceAll(call.args, "$last", last)))
		if err != nil {
			return "", err
		}
		if m := handlePattern.FindStringSubmatch(out); m != nil {
			last = m[1]
		}
		if out == relevantReply {
			break
		}
	}
	return "done", nil
}

func findFakeTool(tools []llm.Tool, name string) (llm.Tool, bool) {
	for _, t := range tools {
		if t.Name == name {
			return t, true
		}
	}
	return llm.Tool{}, false
}

// fakeSearcher returns one uniquely numbered document per search.
type fakeSearcher struct {
	calls   []string
	opts    []SearchOptions
	err     error
	results func(query string, n int) []SearchResult
}

func (s *fakeSearcher) Search(_ context.Context, query string, opts SearchOptions) ([]SearchResult, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.calls = append(s.calls, query)
	s.opts = append(s.opts, opts)
	if s.results != nil {
		return s.results(query, len(s.calls)), nil
	}
	n := len(s.calls)
	return []SearchResult{{
		Title:   fmt.Sprintf("Doc %d", n),
		URL:     fmt.Sprintf("https://example.com/%d", n),
		Content: "content for " + query,
	}}, nil
}
