package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

const enumMIMEType = "text/x.enum"

// Gemini talks to the Gemini API through the genai SDK, using native
// response schemas and function calling.
type Gemini struct {
	client *genai.Client
	model  string
}

// NewGemini creates a Gemini generator for the given model.
func NewGemini(ctx context.Context, apiKey, model string) (*Gemini, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini API client: %w", err)
	}
	return NewGeminiWithClient(client, model), nil
}

// NewGeminiWithClient wraps an existing client.
func NewGeminiWithClient(client *genai.Client, model string) *Gemini {
	return &Gemini{client: client, model: model}
}

func (g *Gemini) GenerateObject(ctx context.Context, req ObjectRequest, out any) error {
	cfg := &genai.GenerateContentConfig{
		SystemInstruction: systemContent(req.System),
		ResponseMIMEType:  "application/json",
		ResponseSchema:    toGenaiSchema(req.Schema),
	}
	if req.Schema.IsEnum() {
		cfg.ResponseMIMEType = enumMIMEType
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(req.Prompt), cfg)
	if err != nil {
		return fmt.Errorf("gemini generate object: %w", err)
	}

	raw := strings.TrimSpace(resp.Text())
	if req.Schema.IsEnum() {
		// Enum mode answers with the bare label.
		quoted, _ := json.Marshal(strings.Trim(raw, `"`))
		raw = string(quoted)
	}
	return req.Schema.Decode(raw, out)
}

func (g *Gemini) GenerateText(ctx context.Context, req TextRequest) (string, error) {
	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(req.Prompt), &genai.GenerateContentConfig{
		SystemInstruction: systemContent(req.System),
	})
	if err != nil {
		return "", fmt.Errorf("gemini generate text: %w", err)
	}
	return resp.Text(), nil
}

func (g *Gemini) RunTools(ctx context.Context, req ToolRequest) (string, error) {
	decls := make([]*genai.FunctionDeclaration, 0, len(req.Tools))
	for _, t := range req.Tools {
		decls = append(decls, &genai.FunctionDeclaration{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  toGenaiSchema(t.Parameters),
		})
	}
	cfg := &genai.GenerateContentConfig{
		SystemInstruction: systemContent(req.System),
		Tools:             []*genai.Tool{{FunctionDeclarations: decls}},
	}

	contents := genai.Text(req.Prompt)
	steps := 0
	for {
		resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, cfg)
		if err != nil {
			return "", fmt.Errorf("gemini tool step %d: %w", steps, err)
		}
		calls := resp.FunctionCalls()
		if len(calls) == 0 || len(resp.Candidates) == 0 {
			return resp.Text(), nil
		}
		contents = append(contents, resp.Candidates[0].Content)

		var parts []*genai.Part
		for _, call := range calls {
			if steps >= req.MaxSteps {
				return resp.Text(), nil
			}
			steps++

			output, err := g.execute(ctx, req.Tools, call)
			if err != nil {
				return "", err
			}
			part := genai.NewPartFromFunctionResponse(call.Name, map[string]any{"output": output})
			part.FunctionResponse.ID = call.ID
			parts = append(parts, part)
		}
		contents = append(contents, genai.NewContentFromParts(parts, genai.RoleUser))

		if steps >= req.MaxSteps {
			return resp.Text(), nil
		}
	}
}

func (g *Gemini) execute(ctx context.Context, tools []Tool, call *genai.FunctionCall) (string, error) {
	t, ok := findTool(tools, call.Name)
	if !ok {
		return fmt.Sprintf("Unknown tool %q.", call.Name), nil
	}
	args, err := json.Marshal(call.Args)
	if err != nil {
		return "", fmt.Errorf("encode %s arguments: %w", call.Name, err)
	}
	return t.Execute(ctx, args)
}

func systemContent(system string) *genai.Content {
	if system == "" {
		return nil
	}
	return genai.NewContentFromText(system, genai.RoleUser)
}

func toGenaiSchema(s *Schema) *genai.Schema {
	if s == nil {
		return nil
	}
	out := &genai.Schema{
		Type:        genai.Type(strings.ToUpper(s.Type)),
		Description: s.Description,
		Required:    s.Required,
		Enum:        s.Enum,
		Items:       toGenaiSchema(s.Items),
		MinItems:    int64Ptr(s.MinItems),
		MaxItems:    int64Ptr(s.MaxItems),
		MinLength:   int64Ptr(s.MinLength),
	}
	if len(s.Properties) > 0 {
		out.Properties = make(map[string]*genai.Schema, len(s.Properties))
		for name, prop := range s.Properties {
			out.Properties[name] = toGenaiSchema(prop)
		}
	}
	return out
}

func int64Ptr(n *int) *int64 {
	if n == nil {
		return nil
	}
	v := int64(*n)
	return &v
}
