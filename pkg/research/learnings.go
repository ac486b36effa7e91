package research

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mikeboe/deep-research/pkg/llm"
)

const minLearningLength = 10

var learningSchema = &llm.Schema{
	Type: llm.TypeObject,
	Properties: map[string]*llm.Schema{
		"learning": {
			Type:        llm.TypeString,
			Description: "The key insight the search result contributes to the research",
			MinLength:   llm.Int(minLearningLength),
		},
		"followUpQuestions": {
			Type:        llm.TypeArray,
			Description: "Questions worth researching next",
			Items:       &llm.Schema{Type: llm.TypeString},
		},
	},
	Required: []string{"learning", "followUpQuestions"},
}

// LearningExtractor distills an accepted search result into a Learning.
type LearningExtractor struct {
	gen llm.Generator
}

func NewLearningExtractor(gen llm.Generator) *LearningExtractor {
	return &LearningExtractor{gen: gen}
}

func (x *LearningExtractor) Extract(ctx context.Context, query string, result SearchResult) (Learning, error) {
	payload, err := json.Marshal(result)
	if err != nil {
		return Learning{}, fmt.Errorf("encode search result: %w", err)
	}

	var learning Learning
	err = x.gen.GenerateObject(ctx, llm.ObjectRequest{
		Prompt: fmt.Sprintf(learningPromptTemplate, query, payload),
		Schema: learningSchema,
	}, &learning)
	if err != nil {
		return Learning{}, generationError("extract learning", err)
	}
	if learning.FollowUpQuestions == nil {
		learning.FollowUpQuestions = []string{}
	}
	return learning, nil
}
