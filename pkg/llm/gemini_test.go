package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"
)

// geminiRequest is the part of a generateContent body the tests look at.
type geminiRequest struct {
	Contents         []json.RawMessage `json:"contents"`
	GenerationConfig struct {
		ResponseMIMEType string          `json:"responseMimeType"`
		ResponseSchema   json.RawMessage `json:"responseSchema"`
	} `json:"generationConfig"`
}

// newTestGemini serves every generateContent call with respond and records
// the requests.
func newTestGemini(t *testing.T, respond func(n int) string) (*Gemini, *[]geminiRequest) {
	t.Helper()
	var requests []geminiRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, ":generateContent"), r.URL.Path)
		var req geminiRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		requests = append(requests, req)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(respond(len(requests))))
	}))
	t.Cleanup(srv.Close)

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:      "test",
		Backend:     genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{BaseURL: srv.URL},
	})
	require.NoError(t, err)
	return NewGeminiWithClient(client, "gemini-2.5-flash"), &requests
}

func textResponse(text string) string {
	body, _ := json.Marshal(map[string]any{
		"candidates": []any{map[string]any{
			"content": map[string]any{"role": "model", "parts": []any{map[string]any{"text": text}}},
		}},
	})
	return string(body)
}

func callResponse(names ...string) string {
	parts := make([]any, 0, len(names))
	for _, name := range names {
		parts = append(parts, map[string]any{"functionCall": map[string]any{"name": name, "args": map[string]any{}}})
	}
	body, _ := json.Marshal(map[string]any{
		"candidates": []any{map[string]any{
			"content": map[string]any{"role": "model", "parts": parts},
		}},
	})
	return string(body)
}

func TestGeminiGenerateObjectEnum(t *testing.T) {
	tests := []struct {
		name  string
		reply string
		want  string
	}{
		{"Bare label", "relevant", "relevant"},
		{"Quoted label", `"irrelevant"`, "irrelevant"},
		{"Padded label", " relevant\n", "relevant"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, requests := newTestGemini(t, func(int) string { return textResponse(tt.reply) })

			var label string
			err := g.GenerateObject(context.Background(), ObjectRequest{
				Prompt: "Is it relevant?",
				Schema: StringEnum("relevant", "irrelevant"),
			}, &label)

			require.NoError(t, err)
			assert.Equal(t, tt.want, label)
			require.Len(t, *requests, 1)
			assert.Equal(t, enumMIMEType, (*requests)[0].GenerationConfig.ResponseMIMEType)
		})
	}
}

func TestGeminiGenerateObjectJSON(t *testing.T) {
	schema := &Schema{
		Type: TypeObject,
		Properties: map[string]*Schema{
			"queries": {Type: TypeArray, Items: &Schema{Type: TypeString}, MinItems: Int(1), MaxItems: Int(3)},
		},
		Required: []string{"queries"},
	}
	g, requests := newTestGemini(t, func(int) string { return textResponse(`{"queries":["a","b"]}`) })

	var out struct {
		Queries []string `json:"queries"`
	}
	err := g.GenerateObject(context.Background(), ObjectRequest{Prompt: "plan", Schema: schema}, &out)

	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, out.Queries)
	assert.Equal(t, "application/json", (*requests)[0].GenerationConfig.ResponseMIMEType)
	assert.Contains(t, string((*requests)[0].GenerationConfig.ResponseSchema), `"queries"`)
}

func TestGeminiGenerateObjectSchemaFailure(t *testing.T) {
	tests := []struct {
		name   string
		schema *Schema
		reply  string
	}{
		{"Label outside enum", StringEnum("relevant", "irrelevant"), "maybe"},
		{"Too many items", &Schema{Type: TypeArray, Items: &Schema{Type: TypeString}, MaxItems: Int(1)}, `["a","b"]`},
		{"Not JSON", &Schema{Type: TypeObject}, "sure, here it is"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, _ := newTestGemini(t, func(int) string { return textResponse(tt.reply) })

			var out any
			err := g.GenerateObject(context.Background(), ObjectRequest{Prompt: "p", Schema: tt.schema}, &out)

			assert.ErrorIs(t, err, ErrSchemaConformance)
		})
	}
}

func TestGeminiRunToolsStopsAtCeiling(t *testing.T) {
	// Every turn asks for two more calls; the model never stops on its own.
	g, requests := newTestGemini(t, func(int) string { return callResponse("step", "step") })

	executed := 0
	_, err := g.RunTools(context.Background(), ToolRequest{
		Prompt: "go",
		Tools: []Tool{{
			Name:       "step",
			Parameters: &Schema{Type: TypeObject},
			Execute: func(context.Context, json.RawMessage) (string, error) {
				executed++
				return "ok", nil
			},
		}},
		MaxSteps: 5,
	})

	require.NoError(t, err)
	assert.Equal(t, 5, executed)
	assert.Len(t, *requests, 3)
}

func TestGeminiRunToolsReturnsFinalText(t *testing.T) {
	g, requests := newTestGemini(t, func(n int) string {
		if n == 1 {
			return callResponse("step")
		}
		return textResponse("all done")
	})

	executed := 0
	out, err := g.RunTools(context.Background(), ToolRequest{
		Prompt: "go",
		Tools: []Tool{{Name: "step", Execute: func(context.Context, json.RawMessage) (string, error) {
			executed++
			return "ok", nil
		}}},
		MaxSteps: 5,
	})

	require.NoError(t, err)
	assert.Equal(t, "all done", out)
	assert.Equal(t, 1, executed)
	require.Len(t, *requests, 2)
	// prompt, model call, function response
	assert.Len(t, (*requests)[1].Contents, 3)
}

func TestGeminiRunToolsPropagatesToolError(t *testing.T) {
	g, requests := newTestGemini(t, func(int) string { return callResponse("step", "step") })
	boom := errors.New("no pending search result")

	executed := 0
	_, err := g.RunTools(context.Background(), ToolRequest{
		Prompt: "go",
		Tools: []Tool{{Name: "step", Execute: func(context.Context, json.RawMessage) (string, error) {
			executed++
			return "", boom
		}}},
		MaxSteps: 5,
	})

	assert.Same(t, boom, err)
	assert.Equal(t, 1, executed)
	assert.Len(t, *requests, 1)
}
