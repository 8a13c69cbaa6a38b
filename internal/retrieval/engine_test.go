package retrieval

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Huyen1974/agent-data-sub002/internal/apperr"
	"github.com/Huyen1974/agent-data-sub002/internal/embeddings"
	"github.com/Huyen1974/agent-data-sub002/internal/metadata"
	"github.com/Huyen1974/agent-data-sub002/internal/vectorstore"
)

type stubEmbedder struct {
	vec   []float32
	err   error
	calls int
}

func (s *stubEmbedder) Embed(context.Context, string) (embeddings.Embedding, error) {
	s.calls++
	if s.err != nil {
		return embeddings.Embedding{}, s.err
	}
	return embeddings.Embedding{Vector: s.vec, Model: "stub"}, nil
}

// seedDoc writes one point plus its metadata record.
func seedDoc(t *testing.T, vecs *vectorstore.MemoryStore, meta *metadata.MemoryStore, docID string, vec []float32, rec metadata.Record) {
	t.Helper()
	ctx := context.Background()
	payload := map[string]any{"doc_id": docID}
	for k, v := range rec {
		if k == "content" {
			continue
		}
		payload[k] = v
	}
	_, err := vecs.Upsert(ctx, "", vec, payload)
	require.NoError(t, err)
	require.NoError(t, meta.Set(ctx, docID, rec))
}

func TestRAGSearchHybridFilter(t *testing.T) {
	vecs := vectorstore.NewMemoryStore()
	meta := metadata.NewMemoryStore()
	// Query vector {1,0}; cosine scores roughly 0.9, 0.8, 0.7.
	seedDoc(t, vecs, meta, "d1", []float32{0.9, 0.436}, metadata.Record{"category": "science", "tags": []string{"ai"}})
	seedDoc(t, vecs, meta, "d2", []float32{0.8, 0.6}, metadata.Record{"category": "history", "tags": []string{"ai"}})
	seedDoc(t, vecs, meta, "d3", []float32{0.7, 0.714}, metadata.Record{"category": "science", "tags": []string{"bio"}})

	e := New(&stubEmbedder{vec: []float32{1, 0}}, vecs, meta, zap.NewNop())
	resp, err := e.RAGSearch(context.Background(), Params{
		Query:    "q",
		Filters:  map[string]any{"category": "science"},
		Tags:     []string{"ai"},
		K:        10,
		ScoreMin: 0.5,
	})
	require.NoError(t, err)

	assert.Equal(t, "success", resp.Status)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "d1", resp.Results[0].DocID)
}

func TestRAGSearchOrderingAndTruncation(t *testing.T) {
	vecs := vectorstore.NewMemoryStore()
	meta := metadata.NewMemoryStore()
	seedDoc(t, vecs, meta, "far", []float32{0.6, 0.8}, metadata.Record{})
	seedDoc(t, vecs, meta, "near", []float32{1, 0.05}, metadata.Record{})
	seedDoc(t, vecs, meta, "mid", []float32{0.9, 0.436}, metadata.Record{})

	e := New(&stubEmbedder{vec: []float32{1, 0}}, vecs, meta, zap.NewNop())

	resp, err := e.RAGSearch(context.Background(), Params{Query: "q", K: 2, ScoreMin: 0.1})
	require.NoError(t, err)
	require.Len(t, resp.Results, 2)
	assert.Equal(t, "near", resp.Results[0].DocID)
	assert.Equal(t, "mid", resp.Results[1].DocID)
}

func TestRAGSearchMonotonicInK(t *testing.T) {
	vecs := vectorstore.NewMemoryStore()
	meta := metadata.NewMemoryStore()
	seedDoc(t, vecs, meta, "a", []float32{1, 0}, metadata.Record{})
	seedDoc(t, vecs, meta, "b", []float32{0.95, 0.312}, metadata.Record{})
	seedDoc(t, vecs, meta, "c", []float32{0.9, 0.436}, metadata.Record{})
	seedDoc(t, vecs, meta, "d", []float32{0.85, 0.527}, metadata.Record{})

	e := New(&stubEmbedder{vec: []float32{1, 0}}, vecs, meta, zap.NewNop())

	var prev []string
	for k := 1; k <= 4; k++ {
		resp, err := e.RAGSearch(context.Background(), Params{Query: "q", K: k, ScoreMin: 0.1})
		require.NoError(t, err)
		ids := make([]string, 0, len(resp.Results))
		for _, h := range resp.Results {
			ids = append(ids, h.DocID)
		}
		require.Len(t, ids, k)
		if prev != nil {
			assert.Equal(t, prev, ids[:len(prev)], "k=%d extends k=%d", k, k-1)
		}
		prev = ids
	}
}

func TestRAGSearchTagFilterAndPathQuery(t *testing.T) {
	vecs := vectorstore.NewMemoryStore()
	meta := metadata.NewMemoryStore()
	seedDoc(t, vecs, meta, "p1", []float32{1, 0}, metadata.Record{"path": "docs/Guides/intro.md"})
	seedDoc(t, vecs, meta, "p2", []float32{1, 0}, metadata.Record{"path": "notes/scratch.md"})

	e := New(&stubEmbedder{vec: []float32{1, 0}}, vecs, meta, zap.NewNop())

	resp, err := e.RAGSearch(context.Background(), Params{Query: "q", K: 10, ScoreMin: 0.1, PathQuery: "guides"})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "p1", resp.Results[0].DocID)
	assert.Equal(t, "docs > Guides > intro.md", resp.Results[0].HierarchyPath)
}

func TestRAGSearchVectorTagFilter(t *testing.T) {
	vecs := vectorstore.NewMemoryStore()
	meta := metadata.NewMemoryStore()
	seedDoc(t, vecs, meta, "s1", []float32{1, 0}, metadata.Record{"tag": "session-1"})
	seedDoc(t, vecs, meta, "s2", []float32{1, 0}, metadata.Record{"tag": "session-2"})

	e := New(&stubEmbedder{vec: []float32{1, 0}}, vecs, meta, zap.NewNop())

	resp, err := e.RAGSearch(context.Background(), Params{Query: "q", K: 10, ScoreMin: 0.1, Tag: "session-2"})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "s2", resp.Results[0].DocID)
}

func TestRAGSearchHierarchyPathFromLevels(t *testing.T) {
	vecs := vectorstore.NewMemoryStore()
	meta := metadata.NewMemoryStore()
	seedDoc(t, vecs, meta, "h1", []float32{1, 0}, metadata.Record{
		"level_1": "science", "level_2": "physics", "level_4": "2024",
	})
	seedDoc(t, vecs, meta, "h2", []float32{1, 0}, metadata.Record{})

	e := New(&stubEmbedder{vec: []float32{1, 0}}, vecs, meta, zap.NewNop())

	resp, err := e.RAGSearch(context.Background(), Params{Query: "q", K: 10, ScoreMin: 0.1})
	require.NoError(t, err)
	require.Len(t, resp.Results, 2)

	byID := map[string]Hit{}
	for _, h := range resp.Results {
		byID[h.DocID] = h
	}
	assert.Equal(t, "science > physics > 2024", byID["h1"].HierarchyPath, "null levels are skipped")
	assert.Equal(t, "Uncategorized", byID["h2"].HierarchyPath)
}

func TestRAGSearchContentPreview(t *testing.T) {
	vecs := vectorstore.NewMemoryStore()
	meta := metadata.NewMemoryStore()
	long := make([]byte, previewLen+50)
	for i := range long {
		long[i] = 'x'
	}
	seedDoc(t, vecs, meta, "c1", []float32{1, 0}, metadata.Record{"content": string(long)})

	e := New(&stubEmbedder{vec: []float32{1, 0}}, vecs, meta, zap.NewNop())

	resp, err := e.RAGSearch(context.Background(), Params{Query: "q", K: 10, ScoreMin: 0.1})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Len(t, resp.Results[0].ContentPreview, previewLen)
	_, hasContent := resp.Results[0].Metadata["content"]
	assert.False(t, hasContent, "bulk content stays out of hit metadata")
}

func TestRAGSearchDefaultScoreFloor(t *testing.T) {
	vecs := vectorstore.NewMemoryStore()
	meta := metadata.NewMemoryStore()
	// Query vector {1,0}; cosine scores roughly 0.9 and 0.3.
	seedDoc(t, vecs, meta, "close", []float32{0.9, 0.436}, metadata.Record{})
	seedDoc(t, vecs, meta, "distant", []float32{0.3, 0.954}, metadata.Record{})

	e := New(&stubEmbedder{vec: []float32{1, 0}}, vecs, meta, zap.NewNop())

	// No ScoreMin supplied: the 0.5 floor applies.
	resp, err := e.RAGSearch(context.Background(), Params{Query: "q", K: 10})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "close", resp.Results[0].DocID)

	// An explicit floor still wins.
	resp, err = e.RAGSearch(context.Background(), Params{Query: "q", K: 10, ScoreMin: 0.1})
	require.NoError(t, err)
	assert.Len(t, resp.Results, 2)
}

func TestRAGSearchEmbedderFailureReturnsEmpty(t *testing.T) {
	vecs := vectorstore.NewMemoryStore()
	meta := metadata.NewMemoryStore()
	seedDoc(t, vecs, meta, "d", []float32{1, 0}, metadata.Record{})

	emb := &stubEmbedder{err: apperr.Wrap(apperr.KindEmbeddingUnavailable, embeddings.ErrUnavailable, "down")}
	e := New(emb, vecs, meta, zap.NewNop())

	resp, err := e.RAGSearch(context.Background(), Params{Query: "q", K: 10})
	require.Error(t, err)
	assert.Equal(t, "failed", resp.Status)
	assert.Empty(t, resp.Results, "failures are never partial")
	assert.Contains(t, resp.Error, "EmbeddingUnavailable")
}

func TestRAGSearchEmptyQuery(t *testing.T) {
	e := New(&stubEmbedder{vec: []float32{1, 0}}, vectorstore.NewMemoryStore(), metadata.NewMemoryStore(), zap.NewNop())

	_, err := e.RAGSearch(context.Background(), Params{Query: ""})
	require.Error(t, err)
	assert.Equal(t, apperr.KindInvalidInput, apperr.KindOf(err))
}

func TestRAGSearchMissingMetadataKeepsHit(t *testing.T) {
	vecs := vectorstore.NewMemoryStore()
	meta := metadata.NewMemoryStore()
	_, err := vecs.Upsert(context.Background(), "", []float32{1, 0}, map[string]any{"doc_id": "ghost", "category": "science"})
	require.NoError(t, err)

	e := New(&stubEmbedder{vec: []float32{1, 0}}, vecs, meta, zap.NewNop())

	resp, err := e.RAGSearch(context.Background(), Params{Query: "q", K: 10, ScoreMin: 0.1})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "ghost", resp.Results[0].DocID)
	assert.Equal(t, "science", resp.Results[0].Metadata["category"], "payload fields survive without metadata")
}

func TestSearchScrollByFilter(t *testing.T) {
	vecs := vectorstore.NewMemoryStore()
	meta := metadata.NewMemoryStore()
	seedDoc(t, vecs, meta, "a", []float32{1, 0}, metadata.Record{"tag": "t1"})
	seedDoc(t, vecs, meta, "b", []float32{0, 1}, metadata.Record{"tag": "t1"})
	seedDoc(t, vecs, meta, "c", []float32{1, 1}, metadata.Record{"tag": "t2"})

	e := New(&stubEmbedder{vec: []float32{1, 0}}, vecs, meta, zap.NewNop())

	resp, err := e.Search(context.Background(), "t1", nil, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, "success", resp.Status)
	assert.Len(t, resp.Results, 2)

	// Pagination.
	page, err := e.Search(context.Background(), "t1", nil, 1, 1)
	require.NoError(t, err)
	assert.Len(t, page.Results, 1)
}
