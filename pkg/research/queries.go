package research

import (
	"context"
	"fmt"

	"github.com/mikeboe/deep-research/pkg/llm"
)

// maxQueries bounds a single query generation regardless of breadth.
const maxQueries = 5

// QueryGenerator expands a topic into search queries.
type QueryGenerator struct {
	gen llm.Generator
}

func NewQueryGenerator(gen llm.Generator) *QueryGenerator {
	return &QueryGenerator{gen: gen}
}

// Generate returns between one and count queries for topic, in the order the
// generator produced them. count is capped at five.
func (q *QueryGenerator) Generate(ctx context.Context, topic string, count int) ([]string, error) {
	if count < 1 {
		return nil, fmt.Errorf("%w: query count %d", ErrInvalidParams, count)
	}
	count = min(count, maxQueries)

	var resp struct {
		Queries []string `json:"queries"`
	}
	err := q.gen.GenerateObject(ctx, llm.ObjectRequest{
		System: queryPlannerPrompt,
		Prompt: fmt.Sprintf(queryPromptTemplate, count, topic),
		Schema: querySchema(count),
	}, &resp)
	if err != nil {
		return nil, generationError("generate queries", err)
	}
	return resp.Queries, nil
}

func querySchema(count int) *llm.Schema {
	return &llm.Schema{
		Type: llm.TypeObject,
		Properties: map[string]*llm.Schema{
			"queries": {
				Type:        llm.TypeArray,
				Description: fmt.Sprintf("Between 1 and %d specific search queries", count),
				Items:       &llm.Schema{Type: llm.TypeString},
				MinItems:    llm.Int(1),
				MaxItems:    llm.Int(count),
			},
		},
		Required: []string{"queries"},
	}
}
