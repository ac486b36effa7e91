package sources

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikeboe/deep-research/pkg/research"
	"github.com/mikeboe/deep-research/pkg/vectorstore"
)

type fakeEmbedder struct {
	failOn string
	calls  int
}

func (f *fakeEmbedder) EmbedText(ctx context.Context, text string) ([]float32, error) {
	vecs, err := f.EmbedTexts(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (f *fakeEmbedder) EmbedTexts(_ context.Context, texts []string) ([][]float32, error) {
	f.calls++
	out := make([][]float32, 0, len(texts))
	for _, t := range texts {
		if f.failOn != "" && strings.Contains(t, f.failOn) {
			return nil, errors.New("embedding quota")
		}
		out = append(out, []float32{float32(len(t))})
	}
	return out, nil
}

// fakeStore keeps documents in memory and answers IndexedSources from their
// metadata the way the pgvector store does.
type fakeStore struct {
	docs     []vectorstore.Document
	checkErr error
}

func (s *fakeStore) IndexedSources(_ context.Context, jobID string, urls []string) (map[string]bool, error) {
	if s.checkErr != nil {
		return nil, s.checkErr
	}
	out := map[string]bool{}
	for _, u := range urls {
		for _, d := range s.docs {
			if d.Source() == u && (jobID == "" || d.Metadata[vectorstore.MetaJobID] == jobID) {
				out[u] = true
			}
		}
	}
	return out, nil
}

func (s *fakeStore) AddDocuments(_ context.Context, docs []vectorstore.Document) error {
	s.docs = append(s.docs, docs...)
	return nil
}

func (s *fakeStore) chunksFor(jobID string) int {
	n := 0
	for _, d := range s.docs {
		if d.Metadata[vectorstore.MetaJobID] == jobID {
			n++
		}
	}
	return n
}

func newTestIndexer(emb *fakeEmbedder, store *fakeStore) *Indexer {
	return NewIndexer(emb, store, 50, 0, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestIndexChunksAndTagsMetadata(t *testing.T) {
	store := &fakeStore{}
	ix := newTestIndexer(&fakeEmbedder{}, store)

	long := strings.Repeat("plasma confinement results. ", 10)
	sum, err := ix.Index(context.Background(), "job-1", []research.SearchResult{
		{Title: "Tokamaks", URL: "https://a.example", Content: long},
	})

	require.NoError(t, err)
	assert.Equal(t, 1, sum.Indexed)
	assert.Greater(t, sum.Chunks, 1)
	require.Len(t, store.docs, sum.Chunks)
	for i, doc := range store.docs {
		assert.Equal(t, "https://a.example", doc.Metadata[vectorstore.MetaSource])
		assert.Equal(t, "Tokamaks", doc.Metadata[vectorstore.MetaTitle])
		assert.Equal(t, "job-1", doc.Metadata[vectorstore.MetaJobID])
		assert.Equal(t, i, doc.Metadata[vectorstore.MetaChunk])
		assert.NotEmpty(t, doc.Embedding)
	}
}

func TestIndexSkipsKnownAndDuplicateURLs(t *testing.T) {
	store := &fakeStore{docs: []vectorstore.Document{
		{Content: "already there", Metadata: map[string]any{vectorstore.MetaSource: "https://old.example", vectorstore.MetaJobID: "job-0"}},
	}}
	ix := newTestIndexer(&fakeEmbedder{}, store)

	sum, err := ix.Index(context.Background(), "", []research.SearchResult{
		{URL: "https://old.example", Content: "already there"},
		{URL: "https://new.example", Content: "fresh content"},
		{URL: "https://new.example", Content: "fresh content"},
	})

	require.NoError(t, err)
	assert.Equal(t, Summary{Indexed: 1, Skipped: 2, Chunks: 1}, sum)
	require.Len(t, store.docs, 2)
	_, hasJob := store.docs[1].Metadata[vectorstore.MetaJobID]
	assert.False(t, hasJob)
}

func TestIndexContinuesPastFailingSource(t *testing.T) {
	store := &fakeStore{}
	ix := newTestIndexer(&fakeEmbedder{failOn: "poison"}, store)

	sum, err := ix.Index(context.Background(), "job", []research.SearchResult{
		{URL: "https://bad.example", Content: "poison pill"},
		{URL: "https://empty.example", Content: "   "},
		{URL: "https://good.example", Content: "good content"},
	})

	require.NoError(t, err)
	assert.Equal(t, 1, sum.Indexed)
	assert.Equal(t, 2, sum.Failed)
	require.Len(t, store.docs, 1)
	assert.Equal(t, "https://good.example", store.docs[0].Source())
}

func TestIndexFailsWhenStoreUnreachable(t *testing.T) {
	ix := newTestIndexer(&fakeEmbedder{}, &fakeStore{checkErr: errors.New("connection refused")})

	_, err := ix.Index(context.Background(), "job", []research.SearchResult{{URL: "https://a", Content: "x"}})
	assert.ErrorContains(t, err, "connection refused")
}

func TestIndexSharedSourceUnderEachJob(t *testing.T) {
	store := &fakeStore{}
	ix := newTestIndexer(&fakeEmbedder{}, store)
	shared := []research.SearchResult{{Title: "Shared", URL: "https://shared.example", Content: "common findings"}}

	first, err := ix.Index(context.Background(), "job-A", shared)
	require.NoError(t, err)
	second, err := ix.Index(context.Background(), "job-B", shared)
	require.NoError(t, err)
	again, err := ix.Index(context.Background(), "job-B", shared)
	require.NoError(t, err)

	assert.Equal(t, Summary{Indexed: 1, Chunks: 1}, first)
	assert.Equal(t, Summary{Indexed: 1, Chunks: 1}, second)
	assert.Equal(t, Summary{Skipped: 1}, again)
	assert.Equal(t, 1, store.chunksFor("job-A"))
	assert.Equal(t, 1, store.chunksFor("job-B"))
}
