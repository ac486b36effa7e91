package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tmc/langchaingo/llms"
)

// LangChain adapts any langchaingo model. Structured output uses JSON mode
// with the schema embedded in the system prompt and is validated locally.
type LangChain struct {
	Model llms.Model
	// Attempts bounds how often a failed or non-conforming generation is
	// retried before the last error is returned.
	Attempts int
	// Backoff is multiplied by the attempt number between retries.
	Backoff time.Duration
	Logger  *slog.Logger
}

// NewLangChain wraps a langchaingo model with the default retry policy.
func NewLangChain(model llms.Model) *LangChain {
	return &LangChain{
		Model:    model,
		Attempts: 3,
		Backoff:  time.Second,
		Logger:   slog.Default(),
	}
}

// generateWithRetry calls the model and hands the content to validate,
// retrying on transport errors and validation failures alike.
func (l *LangChain) generateWithRetry(ctx context.Context, messages []llms.MessageContent, validate func(string) error, opts ...llms.CallOption) error {
	attempts := max(l.Attempts, 1)
	var lastErr error

	for i := 0; i < attempts; i++ {
		if i > 0 {
			l.Logger.Warn("Retrying LLM generation", "attempt", i+1, "last_error", lastErr)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(l.Backoff * time.Duration(i)):
			}
		}

		resp, err := l.Model.GenerateContent(ctx, messages, opts...)
		if err != nil {
			lastErr = fmt.Errorf("llm generation failed: %w", err)
			continue
		}
		if len(resp.Choices) == 0 {
			lastErr = errors.New("llm returned no choices")
			continue
		}
		if err := validate(resp.Choices[0].Content); err != nil {
			lastErr = err
			continue
		}
		return nil
	}

	return fmt.Errorf("operation failed after %d attempts: %w", attempts, lastErr)
}

func (l *LangChain) GenerateObject(ctx context.Context, req ObjectRequest, out any) error {
	schema := req.Schema
	enum := schema.IsEnum()
	if enum {
		// JSON mode needs an object at the top level.
		schema = &Schema{
			Type:       TypeObject,
			Properties: map[string]*Schema{"value": req.Schema},
			Required:   []string{"value"},
		}
	}

	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, objectPrompt(req.System, schema)),
		llms.TextParts(llms.ChatMessageTypeHuman, req.Prompt),
	}

	return l.generateWithRetry(ctx, messages, func(content string) error {
		if !enum {
			return schema.Decode(content, out)
		}
		var wrapped struct {
			Value json.RawMessage `json:"value"`
		}
		if err := schema.Decode(content, &wrapped); err != nil {
			return err
		}
		return req.Schema.Decode(string(wrapped.Value), out)
	}, llms.WithJSONMode())
}

func (l *LangChain) GenerateText(ctx context.Context, req TextRequest) (string, error) {
	var messages []llms.MessageContent
	if req.System != "" {
		messages = append(messages, llms.TextParts(llms.ChatMessageTypeSystem, req.System))
	}
	messages = append(messages, llms.TextParts(llms.ChatMessageTypeHuman, req.Prompt))

	var text string
	err := l.generateWithRetry(ctx, messages, func(content string) error {
		text = content
		return nil
	})
	return text, err
}

func (l *LangChain) RunTools(ctx context.Context, req ToolRequest) (string, error) {
	tools := make([]llms.Tool, 0, len(req.Tools))
	for _, t := range req.Tools {
		tools = append(tools, llms.Tool{
			Type: "function",
			Function: &llms.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}

	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, req.System),
		llms.TextParts(llms.ChatMessageTypeHuman, req.Prompt),
	}

	steps := 0
	for {
		resp, err := l.Model.GenerateContent(ctx, messages, llms.WithTools(tools))
		if err != nil {
			return "", fmt.Errorf("llm tool step %d: %w", steps, err)
		}
		if len(resp.Choices) == 0 {
			return "", errors.New("llm returned no choices")
		}
		choice := resp.Choices[0]
		if len(choice.ToolCalls) == 0 {
			return choice.Content, nil
		}

		assistant := llms.MessageContent{Role: llms.ChatMessageTypeAI}
		if choice.Content != "" {
			assistant.Parts = append(assistant.Parts, llms.TextContent{Text: choice.Content})
		}
		for _, call := range choice.ToolCalls {
			assistant.Parts = append(assistant.Parts, call)
		}
		messages = append(messages, assistant)

		for _, call := range choice.ToolCalls {
			if steps >= req.MaxSteps {
				return choice.Content, nil
			}
			steps++

			output, err := l.execute(ctx, req.Tools, call)
			if err != nil {
				return "", err
			}
			var name string
			if call.FunctionCall != nil {
				name = call.FunctionCall.Name
			}
			messages = append(messages, llms.MessageContent{
				Role: llms.ChatMessageTypeTool,
				Parts: []llms.ContentPart{llms.ToolCallResponse{
					ToolCallID: call.ID,
					Name:       name,
					Content:    output,
				}},
			})
		}

		if steps >= req.MaxSteps {
			return choice.Content, nil
		}
	}
}

func (l *LangChain) execute(ctx context.Context, tools []Tool, call llms.ToolCall) (string, error) {
	if call.FunctionCall == nil {
		return "Malformed tool call.", nil
	}
	t, ok := findTool(tools, call.FunctionCall.Name)
	if !ok {
		return fmt.Sprintf("Unknown tool %q.", call.FunctionCall.Name), nil
	}
	args := call.FunctionCall.Arguments
	if args == "" {
		args = "{}"
	}
	return t.Execute(ctx, json.RawMessage(args))
}
