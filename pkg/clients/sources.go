package clients

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mikeboe/deep-research/pkg/config"
	"github.com/mikeboe/deep-research/pkg/database"
	"github.com/mikeboe/deep-research/pkg/embeddings"
	"github.com/mikeboe/deep-research/pkg/sources"
	"github.com/mikeboe/deep-research/pkg/vectorstore"
)

// Sources is the vector index of collected search results.
type Sources struct {
	Embedder *embeddings.GoogleEmbedder
	Store    *vectorstore.PGVectorStore
	Indexer  *sources.Indexer
}

// NewSources prepares the embeddings table for cfg.CollectionName and wires
// an indexer on top of it.
func NewSources(ctx context.Context, cfg *config.Config, db *database.PostgresDB, logger *slog.Logger) (*Sources, error) {
	if cfg.GoogleApiKey == "" {
		return nil, fmt.Errorf("GOOGLE_API_KEY is not set")
	}

	if err := db.EnsureVectorExtension(ctx); err != nil {
		return nil, err
	}
	if err := db.CreateEmbeddingsTable(ctx, cfg.CollectionName, cfg.EmbeddingDimensions); err != nil {
		return nil, err
	}

	embedder, err := embeddings.NewGoogleEmbedder(ctx, cfg.EmbeddingModel, cfg.GoogleApiKey, cfg.EmbeddingDimensions)
	if err != nil {
		return nil, err
	}
	store, err := vectorstore.NewPGVectorStore(db.Pool, cfg.CollectionName)
	if err != nil {
		return nil, err
	}

	return &Sources{
		Embedder: embedder,
		Store:    store,
		Indexer:  sources.NewIndexer(embedder, store, cfg.ChunkSize, cfg.ChunkOverlap, logger),
	}, nil
}
