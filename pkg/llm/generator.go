// Package llm adapts text generation providers to the three request shapes
// the research engine needs: schema-constrained objects, free text and
// tool-calling sessions with a hard ceiling on tool invocations.
package llm

import (
	"context"
	"encoding/json"
)

// Generator is a text generation service.
type Generator interface {
	// GenerateObject returns a value conforming to req.Schema decoded into out.
	// Non-conforming output fails with an error matching ErrSchemaConformance.
	GenerateObject(ctx context.Context, req ObjectRequest, out any) error
	// GenerateText returns unstructured text.
	GenerateText(ctx context.Context, req TextRequest) (string, error)
	// RunTools lets the model call req.Tools until it stops on its own or
	// req.MaxSteps tool calls have been executed, and returns the final text.
	RunTools(ctx context.Context, req ToolRequest) (string, error)
}

type ObjectRequest struct {
	System string
	Prompt string
	Schema *Schema
}

type TextRequest struct {
	System string
	Prompt string
}

type ToolRequest struct {
	System   string
	Prompt   string
	Tools    []Tool
	MaxSteps int
}

// Tool is a capability exposed to the model during RunTools.
type Tool struct {
	Name        string
	Description string
	Parameters  *Schema
	// Execute receives the raw JSON arguments chosen by the model. An error
	// aborts the whole session and is returned from RunTools unchanged.
	Execute func(ctx context.Context, args json.RawMessage) (string, error)
}

func findTool(tools []Tool, name string) (Tool, bool) {
	for _, t := range tools {
		if t.Name == name {
			return t, true
		}
	}
	return Tool{}, false
}

// objectPrompt appends the response format instructions used by providers
// without native schema support.
func objectPrompt(system string, schema *Schema) string {
	return system + "\n\n# Response Format:\n" +
		"Return the JSON object directly without any formatting or additional text. " +
		"The JSON must validate against this schema:\n" + schema.String()
}
