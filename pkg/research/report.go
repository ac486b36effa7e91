package research

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mikeboe/deep-research/pkg/llm"
)

// ReportSynthesizer turns a finished ResearchState into a Markdown report.
type ReportSynthesizer struct {
	gen llm.Generator
	now func() time.Time
}

func NewReportSynthesizer(gen llm.Generator) *ReportSynthesizer {
	return &ReportSynthesizer{gen: gen, now: time.Now}
}

// Synthesize returns the generated report verbatim.
func (r *ReportSynthesizer) Synthesize(ctx context.Context, state *ResearchState) (string, error) {
	return r.synthesize(ctx, state, "")
}

func (r *ReportSynthesizer) synthesize(ctx context.Context, state *ResearchState, note string) (string, error) {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode research state: %w", err)
	}

	system := fmt.Sprintf(reportSystemPrompt, r.now().UTC().Format(time.RFC3339))
	if note != "" {
		system += "\n" + fmt.Sprintf(partialReportNote, note)
	}

	report, err := r.gen.GenerateText(ctx, llm.TextRequest{
		System: system,
		Prompt: fmt.Sprintf(reportPromptTemplate, data),
	})
	if err != nil {
		return "", generationError("synthesize report", err)
	}
	return report, nil
}
