// Package sources stores the documents accepted during a research run in a
// vector collection so they can be searched and cited later.
package sources

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tmc/langchaingo/textsplitter"

	"github.com/mikeboe/deep-research/pkg/embeddings"
	"github.com/mikeboe/deep-research/pkg/research"
	"github.com/mikeboe/deep-research/pkg/vectorstore"
)

// Store is the part of the vector store the indexer writes to.
type Store interface {
	IndexedSources(ctx context.Context, jobID string, urls []string) (map[string]bool, error)
	AddDocuments(ctx context.Context, docs []vectorstore.Document) error
}

// Indexer chunks, embeds and stores search results.
type Indexer struct {
	splitter textsplitter.TextSplitter
	embedder embeddings.Embedder
	store    Store
	logger   *slog.Logger
}

func NewIndexer(embedder embeddings.Embedder, store Store, chunkSize, chunkOverlap int, logger *slog.Logger) *Indexer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Indexer{
		splitter: textsplitter.NewRecursiveCharacter(
			textsplitter.WithChunkSize(chunkSize),
			textsplitter.WithChunkOverlap(chunkOverlap),
		),
		embedder: embedder,
		store:    store,
		logger:   logger,
	}
}

// Summary counts what one Index call did.
type Summary struct {
	Indexed int `json:"indexed"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
	Chunks  int `json:"chunks"`
}

// Index stores every result whose URL is not yet indexed for jobID, so a
// source shared by several jobs is searchable under each of them. With an
// empty jobID any indexed copy counts. A failing source is logged and
// counted; only a failure to reach the store at all is returned.
func (ix *Indexer) Index(ctx context.Context, jobID string, results []research.SearchResult) (Summary, error) {
	var sum Summary

	urls := make([]string, 0, len(results))
	for _, r := range results {
		urls = append(urls, r.URL)
	}
	indexed, err := ix.store.IndexedSources(ctx, jobID, urls)
	if err != nil {
		return sum, fmt.Errorf("failed to check indexed sources: %w", err)
	}

	for _, r := range results {
		if indexed[r.URL] {
			sum.Skipped++
			continue
		}
		// Guards against the same URL appearing twice in results.
		indexed[r.URL] = true

		n, err := ix.indexOne(ctx, jobID, r)
		if err != nil {
			if ctx.Err() != nil {
				return sum, ctx.Err()
			}
			ix.logger.Warn("Failed to index source", "url", r.URL, "error", err)
			sum.Failed++
			continue
		}
		sum.Indexed++
		sum.Chunks += n
	}

	ix.logger.Info("Indexed sources", "job_id", jobID, "indexed", sum.Indexed, "skipped", sum.Skipped, "failed", sum.Failed, "chunks", sum.Chunks)
	return sum, nil
}

func (ix *Indexer) indexOne(ctx context.Context, jobID string, r research.SearchResult) (int, error) {
	if strings.TrimSpace(r.Content) == "" {
		return 0, fmt.Errorf("empty content")
	}
	chunks, err := ix.splitter.SplitText(r.Content)
	if err != nil {
		return 0, fmt.Errorf("failed to split text: %w", err)
	}
	if len(chunks) == 0 {
		return 0, fmt.Errorf("no chunks produced")
	}

	vectors, err := ix.embedder.EmbedTexts(ctx, chunks)
	if err != nil {
		return 0, err
	}
	if len(vectors) != len(chunks) {
		return 0, fmt.Errorf("got %d embeddings for %d chunks", len(vectors), len(chunks))
	}

	docs := make([]vectorstore.Document, 0, len(chunks))
	for i, chunk := range chunks {
		meta := map[string]any{
			vectorstore.MetaSource: r.URL,
			vectorstore.MetaTitle:  r.Title,
			vectorstore.MetaChunk:  i,
		}
		if jobID != "" {
			meta[vectorstore.MetaJobID] = jobID
		}
		docs = append(docs, vectorstore.Document{Content: chunk, Metadata: meta, Embedding: vectors[i]})
	}
	if err := ix.store.AddDocuments(ctx, docs); err != nil {
		return 0, err
	}
	return len(docs), nil
}
