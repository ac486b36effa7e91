package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"google.golang.org/adk/agent"
	"google.golang.org/adk/tool"
	"google.golang.org/adk/tool/functiontool"

	"github.com/mikeboe/deep-research/pkg/embeddings"
	"github.com/mikeboe/deep-research/pkg/research"
	"github.com/mikeboe/deep-research/pkg/vectorstore"
)

// SourceIndex is the read side of the source collection.
type SourceIndex interface {
	SimilaritySearch(ctx context.Context, queryEmbedding []float32, topK int, filter vectorstore.Filter) ([]vectorstore.SimilaritySearchResult, error)
	GetContentBySource(ctx context.Context, source string) ([]vectorstore.Document, error)
}

// StateLoader returns the research state persisted for a job.
type StateLoader interface {
	LoadState(ctx context.Context, jobID uuid.UUID) (*research.ResearchState, error)
}

// ResearchToolset exposes finished research to the chat agent and to MCP
// clients.
type ResearchToolset struct {
	Embedder embeddings.Embedder
	Index    SourceIndex
	States   StateLoader
}

func NewResearchToolset(embedder embeddings.Embedder, index SourceIndex, states StateLoader) *ResearchToolset {
	return &ResearchToolset{Embedder: embedder, Index: index, States: states}
}

func (t *ResearchToolset) Name() string {
	return "research_tools"
}

func (t *ResearchToolset) Tools(ctx agent.ReadonlyContext) ([]tool.Tool, error) {
	searchTool, err := functiontool.New[SearchSourcesArgs, SearchSourcesResp](
		functiontool.Config{
			Name:        "search_sources",
			Description: "Semantic search over the sources collected by research jobs.",
		},
		func(ctx tool.Context, args SearchSourcesArgs) (SearchSourcesResp, error) {
			return t.SearchSources(ctx, args)
		},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create search_sources tool: %w", err)
	}

	learningsTool, err := functiontool.New[GetLearningsArgs, GetLearningsResp](
		functiontool.Config{
			Name:        "get_learnings",
			Description: "Get the topic, learnings and source URLs of a research job.",
		},
		func(ctx tool.Context, args GetLearningsArgs) (GetLearningsResp, error) {
			return t.GetLearnings(ctx, args)
		},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create get_learnings tool: %w", err)
	}

	readTool, err := functiontool.New[ReadSourceArgs, ReadSourceResp](
		functiontool.Config{
			Name:        "read_source",
			Description: "Read the full indexed text of one source URL.",
		},
		func(ctx tool.Context, args ReadSourceArgs) (ReadSourceResp, error) {
			return t.ReadSource(ctx, args)
		},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create read_source tool: %w", err)
	}

	return []tool.Tool{searchTool, learningsTool, readTool}, nil
}

type SearchSourcesArgs struct {
	Query string `json:"query" jsonschema:"the search query"`
	TopK  int    `json:"topK,omitempty" jsonschema:"number of results to return (default 5)"`
	JobID string `json:"job_id,omitempty" jsonschema:"only search sources of this research job"`
}

type SearchSourcesResp struct {
	Results string `json:"results"`
}

// SearchSources embeds the query and returns the closest chunks, grouped
// one block per hit with its source URL.
func (t *ResearchToolset) SearchSources(ctx context.Context, args SearchSourcesArgs) (SearchSourcesResp, error) {
	if t.Index == nil || t.Embedder == nil {
		return SearchSourcesResp{}, fmt.Errorf("source index is not configured")
	}
	if strings.TrimSpace(args.Query) == "" {
		return SearchSourcesResp{}, fmt.Errorf("query must not be empty")
	}
	if args.TopK <= 0 {
		args.TopK = 5
	}

	slog.Info("Search sources", "query", args.Query, "topK", args.TopK, "job_id", args.JobID)

	queryEmbedding, err := t.Embedder.EmbedText(ctx, args.Query)
	if err != nil {
		return SearchSourcesResp{}, fmt.Errorf("failed to generate query embedding: %w", err)
	}

	results, err := t.Index.SimilaritySearch(ctx, queryEmbedding, args.TopK, vectorstore.Filter{JobID: args.JobID})
	if err != nil {
		return SearchSourcesResp{}, fmt.Errorf("failed to search: %w", err)
	}
	if len(results) == 0 {
		return SearchSourcesResp{Results: "No matching sources found."}, nil
	}

	blocks := make([]string, 0, len(results))
	for _, r := range results {
		title, _ := r.Document.Metadata[vectorstore.MetaTitle].(string)
		blocks = append(blocks, fmt.Sprintf("[Source]: %s\n[Title]: %s\n[Score]: %.3f\n[Content]: %s",
			r.Document.Source(), title, r.Score, r.Document.Content))
	}
	return SearchSourcesResp{Results: strings.Join(blocks, "\n\n")}, nil
}

type GetLearningsArgs struct {
	JobID string `json:"job_id" jsonschema:"id of the research job"`
}

type GetLearningsResp struct {
	Topic     string              `json:"topic"`
	Learnings []research.Learning `json:"learnings"`
	Sources   []string            `json:"sources"`
}

func (t *ResearchToolset) GetLearnings(ctx context.Context, args GetLearningsArgs) (GetLearningsResp, error) {
	if t.States == nil {
		return GetLearningsResp{}, fmt.Errorf("job store is not configured")
	}
	id, err := uuid.Parse(args.JobID)
	if err != nil {
		return GetLearningsResp{}, fmt.Errorf("invalid job id %q", args.JobID)
	}
	state, err := t.States.LoadState(ctx, id)
	if err != nil {
		return GetLearningsResp{}, err
	}
	return GetLearningsResp{
		Topic:     state.Topic,
		Learnings: state.Learnings,
		Sources:   state.URLs(),
	}, nil
}

type ReadSourceArgs struct {
	URL string `json:"url" jsonschema:"the source URL"`
}

type ReadSourceResp struct {
	Content string `json:"content"`
}

func (t *ResearchToolset) ReadSource(ctx context.Context, args ReadSourceArgs) (ReadSourceResp, error) {
	if t.Index == nil {
		return ReadSourceResp{}, fmt.Errorf("source index is not configured")
	}
	docs, err := t.Index.GetContentBySource(ctx, args.URL)
	if err != nil {
		return ReadSourceResp{}, fmt.Errorf("failed to read source: %w", err)
	}
	if len(docs) == 0 {
		return ReadSourceResp{Content: "Source not indexed: " + args.URL}, nil
	}
	parts := make([]string, 0, len(docs))
	for _, d := range docs {
		parts = append(parts, d.Content)
	}
	return ReadSourceResp{Content: strings.Join(parts, "\n\n")}, nil
}
