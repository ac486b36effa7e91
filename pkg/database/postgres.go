package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// maxIndexedDimensions is the largest vector size HNSW indexes support.
const maxIndexedDimensions = 2000

// PostgresDB wraps the database connection pool
type PostgresDB struct {
	Pool *pgxpool.Pool
}

// NewPostgresDB creates a new PostgreSQL database connection
func NewPostgresDB(ctx context.Context, databaseURL string) (*PostgresDB, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	config.MaxConns = 25
	config.MinConns = 2

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresDB{Pool: pool}, nil
}

// Close closes the database connection pool
func (db *PostgresDB) Close() {
	db.Pool.Close()
}

// EnsureVectorExtension ensures the pgvector extension is installed
func (db *PostgresDB) EnsureVectorExtension(ctx context.Context) error {
	if _, err := db.Pool.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return fmt.Errorf("failed to create vector extension: %w", err)
	}
	return nil
}

// CreateEmbeddingsTable creates a source collection table if it doesn't exist.
func (db *PostgresDB) CreateEmbeddingsTable(ctx context.Context, tableName string, dimension int) error {
	if dimension <= 0 {
		return fmt.Errorf("invalid embedding dimension %d", dimension)
	}
	for _, query := range embeddingsTableDDL(tableName, dimension) {
		if _, err := db.Pool.Exec(ctx, query); err != nil {
			return fmt.Errorf("failed to create collection %s: %w", tableName, err)
		}
	}
	return nil
}

// embeddingsTableDDL returns the statements creating a collection. Vectors
// wider than HNSW supports are stored without an index and searched exactly.
func embeddingsTableDDL(tableName string, dimension int) []string {
	table := pgx.Identifier{tableName}.Sanitize()
	stmts := []string{
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
				content TEXT NOT NULL,
				metadata JSONB,
				embedding vector(%d),
				created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
			)
		`, table, dimension),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s ((metadata->>'source'))`,
			pgx.Identifier{tableName + "_source_idx"}.Sanitize(), table),
	}
	if dimension <= maxIndexedDimensions {
		stmts = append(stmts, fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s USING hnsw (embedding vector_cosine_ops)`,
			pgx.Identifier{tableName + "_embedding_idx"}.Sanitize(), table))
	}
	return stmts
}
