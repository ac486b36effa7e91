package research

import (
	"context"

	"github.com/mikeboe/deep-research/pkg/llm"
)

// CallBudget caps the total number of external service calls of a run.
// Every search and every generation request costs one call; the requests a
// generator makes internally during a tool session are not counted, the
// tool calls it triggers are. A limit of zero means unlimited.
//
// A CallBudget is not safe for concurrent use; it belongs to one run.
type CallBudget struct {
	limit int
	used  int
}

func NewCallBudget(limit int) *CallBudget {
	return &CallBudget{limit: limit}
}

func (b *CallBudget) spend() error {
	if b == nil {
		return nil
	}
	if b.limit > 0 && b.used >= b.limit {
		return ErrBudgetExhausted
	}
	b.used++
	return nil
}

// Used reports how many calls have been made so far.
func (b *CallBudget) Used() int {
	if b == nil {
		return 0
	}
	return b.used
}

// Limit reports the configured cap, zero when unlimited.
func (b *CallBudget) Limit() int {
	if b == nil {
		return 0
	}
	return b.limit
}

type meteredGenerator struct {
	next   llm.Generator
	budget *CallBudget
}

func (m *meteredGenerator) GenerateObject(ctx context.Context, req llm.ObjectRequest, out any) error {
	if err := m.budget.spend(); err != nil {
		return err
	}
	return m.next.GenerateObject(ctx, req, out)
}

func (m *meteredGenerator) GenerateText(ctx context.Context, req llm.TextRequest) (string, error) {
	if err := m.budget.spend(); err != nil {
		return "", err
	}
	return m.next.GenerateText(ctx, req)
}

func (m *meteredGenerator) RunTools(ctx context.Context, req llm.ToolRequest) (string, error) {
	if err := m.budget.spend(); err != nil {
		return "", err
	}
	return m.next.RunTools(ctx, req)
}

type meteredSearcher struct {
	next   Searcher
	budget *CallBudget
}

func (m *meteredSearcher) Search(ctx context.Context, query string, opts SearchOptions) ([]SearchResult, error) {
	if err := m.budget.spend(); err != nil {
		return nil, err
	}
	return m.next.Search(ctx, query, opts)
}
