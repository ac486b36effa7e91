package vectorstore

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

// Metadata keys written for every indexed chunk.
const (
	MetaSource = "source"
	MetaTitle  = "title"
	MetaJobID  = "job_id"
	MetaChunk  = "chunk"
)

// Document is one embedded chunk of a source.
type Document struct {
	ID        string         `json:"id"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata"`
	Embedding []float32      `json:"embedding,omitempty"`
}

// Source returns the URL the chunk was taken from.
func (d Document) Source() string {
	s, _ := d.Metadata[MetaSource].(string)
	return s
}

// Filter narrows a search to one source and/or one research job. Empty
// fields match everything.
type Filter struct {
	Source string
	JobID  string
}

// containment returns the JSONB document used with the @> operator, or nil
// when the filter is empty.
func (f Filter) containment() ([]byte, error) {
	m := map[string]string{}
	if f.Source != "" {
		m[MetaSource] = f.Source
	}
	if f.JobID != "" {
		m[MetaJobID] = f.JobID
	}
	if len(m) == 0 {
		return nil, nil
	}
	return json.Marshal(m)
}

// PGVectorStore handles pgvector operations on one collection table.
type PGVectorStore struct {
	pool      *pgxpool.Pool
	tableName string
}

var tableNamePattern = regexp.MustCompile(`^[a-z_][a-zA-Z0-9_]{0,62}$`)

// isValidTableName reports whether name is safe to use as a table name.
func isValidTableName(name string) bool {
	return tableNamePattern.MatchString(name)
}

// NewPGVectorStore creates a new PGVector store
func NewPGVectorStore(pool *pgxpool.Pool, tableName string) (*PGVectorStore, error) {
	if !isValidTableName(tableName) {
		return nil, fmt.Errorf("invalid table name %q: must contain only alphanumeric characters and underscores, start with a lowercase letter or underscore, and be 1-63 characters long", tableName)
	}
	return &PGVectorStore{
		pool:      pool,
		tableName: tableName,
	}, nil
}

func (vs *PGVectorStore) table() string {
	return pgx.Identifier{vs.tableName}.Sanitize()
}

// AddDocuments adds documents with embeddings to the vector store
func (vs *PGVectorStore) AddDocuments(ctx context.Context, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (content, metadata, embedding)
		VALUES ($1, $2, $3)
	`, vs.table())

	batch := &pgx.Batch{}
	for _, doc := range docs {
		metadataJSON, err := json.Marshal(doc.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
		batch.Queue(query, doc.Content, metadataJSON, pgvector.NewVector(doc.Embedding))
	}

	br := vs.pool.SendBatch(ctx, batch)
	defer br.Close()

	for range docs {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("failed to insert document: %w", err)
		}
	}
	return nil
}

// SimilaritySearchResult represents a search result with score
type SimilaritySearchResult struct {
	Document Document `json:"document"`
	Score    float64  `json:"score"`
}

// SimilaritySearch returns the topK chunks closest to queryEmbedding by
// cosine distance.
func (vs *PGVectorStore) SimilaritySearch(ctx context.Context, queryEmbedding []float32, topK int, filter Filter) ([]SimilaritySearchResult, error) {
	query, args, err := vs.similarityQuery(queryEmbedding, topK, filter)
	if err != nil {
		return nil, err
	}

	rows, err := vs.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute similarity search: %w", err)
	}
	defer rows.Close()

	var results []SimilaritySearchResult
	for rows.Next() {
		var doc Document
		var metadataJSON []byte
		var similarity float64

		if err := rows.Scan(&doc.ID, &doc.Content, &metadataJSON, &similarity); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		if err := json.Unmarshal(metadataJSON, &doc.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
		results = append(results, SimilaritySearchResult{Document: doc, Score: similarity})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return results, nil
}

func (vs *PGVectorStore) similarityQuery(queryEmbedding []float32, topK int, filter Filter) (string, []any, error) {
	if topK <= 0 {
		topK = 5
	}
	contains, err := filter.containment()
	if err != nil {
		return "", nil, fmt.Errorf("failed to encode filter: %w", err)
	}

	args := []any{pgvector.NewVector(queryEmbedding), topK}
	where := ""
	if contains != nil {
		args = append(args, contains)
		where = "WHERE metadata @> $3"
	}
	query := fmt.Sprintf(`
		SELECT id, content, metadata, 1 - (embedding <=> $1) AS similarity
		FROM %s
		%s
		ORDER BY embedding <=> $1
		LIMIT $2
	`, vs.table(), where)
	return query, args, nil
}

// GetContentBySource retrieves all chunks of a source in indexing order.
// A source indexed by several jobs is returned once.
func (vs *PGVectorStore) GetContentBySource(ctx context.Context, source string) ([]Document, error) {
	query := vs.contentBySourceQuery()
	rows, err := vs.pool.Query(ctx, query, source)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()

	var documents []Document
	for rows.Next() {
		var doc Document
		var metadataJSON []byte

		if err := rows.Scan(&doc.ID, &doc.Content, &metadataJSON); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		if err := json.Unmarshal(metadataJSON, &doc.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
		documents = append(documents, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return documents, nil
}

func (vs *PGVectorStore) contentBySourceQuery() string {
	return fmt.Sprintf(`
		SELECT id, content, metadata
		FROM (
			SELECT DISTINCT ON ((metadata->>'chunk')::int) id, content, metadata, created_at
			FROM %s
			WHERE metadata->>'source' = $1
			ORDER BY (metadata->>'chunk')::int NULLS LAST, created_at
		) chunks
		ORDER BY (metadata->>'chunk')::int NULLS LAST, created_at
	`, vs.table())
}

// IndexedSources reports which of urls already have chunks tagged with
// jobID. An empty jobID matches chunks of any job.
func (vs *PGVectorStore) IndexedSources(ctx context.Context, jobID string, urls []string) (map[string]bool, error) {
	indexed := make(map[string]bool, len(urls))
	if len(urls) == 0 {
		return indexed, nil
	}

	query, args, err := vs.indexedSourcesQuery(jobID, urls)
	if err != nil {
		return nil, err
	}
	rows, err := vs.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query indexed sources: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var source string
		if err := rows.Scan(&source); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		indexed[source] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return indexed, nil
}

func (vs *PGVectorStore) indexedSourcesQuery(jobID string, urls []string) (string, []any, error) {
	contains, err := Filter{JobID: jobID}.containment()
	if err != nil {
		return "", nil, fmt.Errorf("failed to encode filter: %w", err)
	}

	args := []any{urls}
	where := "metadata->>'source' = ANY($1)"
	if contains != nil {
		args = append(args, contains)
		where += " AND metadata @> $2"
	}
	query := fmt.Sprintf(`
		SELECT DISTINCT metadata->>'source'
		FROM %s
		WHERE %s
	`, vs.table(), where)
	return query, args, nil
}
