// Package retrieval implements hybrid search: vector similarity narrowed by
// payload filters, hydrated with metadata and post-filtered.
package retrieval

import (
	"context"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Huyen1974/agent-data-sub002/internal/apperr"
	"github.com/Huyen1974/agent-data-sub002/internal/embeddings"
	"github.com/Huyen1974/agent-data-sub002/internal/metadata"
	"github.com/Huyen1974/agent-data-sub002/internal/vectorstore"
)

const (
	// DefaultK is the result count when the caller does not specify one.
	DefaultK = 10

	// DefaultScoreMin is the similarity floor when unspecified.
	DefaultScoreMin = 0.5

	// DefaultDeadline bounds a search; timeouts return empty, never partial.
	DefaultDeadline = 3 * time.Second

	// previewLen caps the content preview attached to each hit.
	previewLen = 200
)

// Embedder is the slice of the embedding client the engine needs.
type Embedder interface {
	Embed(ctx context.Context, text string) (embeddings.Embedding, error)
}

// Params describe one search.
type Params struct {
	Query     string
	Filters   map[string]any
	Tags      []string
	PathQuery string
	K         int
	ScoreMin  float32
	Tag       string
}

// Hit is one search result.
type Hit struct {
	DocID          string          `json:"doc_id"`
	Score          float32         `json:"score"`
	ContentPreview string          `json:"content_preview,omitempty"`
	Metadata       metadata.Record `json:"metadata,omitempty"`
	HierarchyPath  string          `json:"hierarchy_path"`
}

// Response is the search outcome. Failures carry an empty result list.
type Response struct {
	Status  string `json:"status"`
	Results []Hit  `json:"results"`
	Error   string `json:"error,omitempty"`
}

// Engine composes the embedding client, vector store and metadata store into
// retrieval operations.
type Engine struct {
	embedder Embedder
	vectors  vectorstore.Store
	meta     metadata.Store
	logger   *zap.Logger
}

// New creates a retrieval engine.
func New(embedder Embedder, vectors vectorstore.Store, meta metadata.Store, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{embedder: embedder, vectors: vectors, meta: meta, logger: logger}
}

// RAGSearch embeds the query, searches the vector store with over-fetch,
// hydrates metadata and applies the post-filters. Any embedding or vector
// store failure returns a failed response with no results.
func (e *Engine) RAGSearch(ctx context.Context, p Params) (Response, error) {
	if p.Query == "" {
		err := apperr.New(apperr.KindInvalidInput, "query_text is required")
		return failed(err), err
	}
	if p.K <= 0 {
		p.K = DefaultK
	}
	if p.ScoreMin <= 0 {
		p.ScoreMin = DefaultScoreMin
	}

	ctx, cancel := context.WithTimeout(ctx, DefaultDeadline)
	defer cancel()

	emb, err := e.embedder.Embed(ctx, p.Query)
	if err != nil {
		return failed(err), err
	}

	var filter vectorstore.Filter
	if p.Tag != "" {
		filter = vectorstore.Filter{"tag": p.Tag}
	}

	// Over-fetch to survive post-filtering; k'=2k keeps recall without a
	// second round trip.
	raw, err := e.vectors.Search(ctx, emb.Vector, p.K*2, p.ScoreMin, filter)
	if err != nil {
		return failed(err), err
	}

	hits := e.hydrate(ctx, raw)
	hits = applyPostFilters(hits, p)

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > p.K {
		hits = hits[:p.K]
	}
	return Response{Status: "success", Results: hits}, nil
}

// Search lists points by payload filter only, paginated; no embedding is
// involved.
func (e *Engine) Search(ctx context.Context, tag string, filters map[string]any, limit, offset int) (Response, error) {
	if limit <= 0 {
		limit = DefaultK
	}
	filter := vectorstore.Filter{}
	for k, v := range filters {
		filter[k] = v
	}
	if tag != "" {
		filter["tag"] = tag
	}

	ctx, cancel := context.WithTimeout(ctx, DefaultDeadline)
	defer cancel()

	raw, err := e.vectors.Scroll(ctx, filter, limit, offset)
	if err != nil {
		return failed(err), err
	}
	return Response{Status: "success", Results: e.hydrate(ctx, raw)}, nil
}

// hydrate converts raw vector hits, overlaying stored metadata on the point
// payload. Missing metadata never drops a hit.
func (e *Engine) hydrate(ctx context.Context, raw []vectorstore.Hit) []Hit {
	ids := make([]string, 0, len(raw))
	for _, h := range raw {
		if id, ok := h.Payload["doc_id"].(string); ok && id != "" {
			ids = append(ids, id)
		}
	}

	var recs map[string]metadata.Record
	if len(ids) > 0 {
		var err error
		recs, err = e.meta.BatchGet(ctx, ids)
		if err != nil {
			e.logger.Warn("metadata hydration failed, serving payload only", zap.Error(err))
			recs = nil
		}
	}

	hits := make([]Hit, 0, len(raw))
	for _, h := range raw {
		docID, _ := h.Payload["doc_id"].(string)
		merged := metadata.Record{}
		for k, v := range h.Payload {
			merged[k] = v
		}
		for k, v := range recs[docID] {
			merged[k] = v
		}

		preview := ""
		if content, ok := merged["content"].(string); ok {
			preview = content
			if len(preview) > previewLen {
				preview = preview[:previewLen]
			}
		}
		delete(merged, "content")
		delete(merged, "original_text")

		hits = append(hits, Hit{
			DocID:          docID,
			Score:          h.Score,
			ContentPreview: preview,
			Metadata:       merged,
			HierarchyPath:  hierarchyPath(merged),
		})
	}
	return hits
}

func applyPostFilters(hits []Hit, p Params) []Hit {
	out := hits[:0]
	for _, h := range hits {
		if !matchesFilters(h.Metadata, p.Filters) {
			continue
		}
		if len(p.Tags) > 0 && !tagsIntersect(h.Metadata, p.Tags) {
			continue
		}
		if p.PathQuery != "" && !pathContains(h.Metadata, p.PathQuery) {
			continue
		}
		if h.Score < p.ScoreMin {
			continue
		}
		out = append(out, h)
	}
	return out
}

func matchesFilters(meta metadata.Record, filters map[string]any) bool {
	for k, want := range filters {
		got, ok := meta[k]
		if !ok || !scalarEqual(got, want) {
			return false
		}
	}
	return true
}

func scalarEqual(a, b any) bool {
	if ai, ok := toInt64(a); ok {
		if bi, ok := toInt64(b); ok {
			return ai == bi
		}
	}
	return a == b
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		if n == float64(int64(n)) {
			return int64(n), true
		}
	}
	return 0, false
}

// tagsIntersect reports whether the hit's tags or auto_tags share any
// element with want.
func tagsIntersect(meta metadata.Record, want []string) bool {
	have := make(map[string]bool)
	for _, key := range []string{"tags", "auto_tags"} {
		for _, t := range stringList(meta[key]) {
			have[t] = true
		}
	}
	for _, t := range want {
		if have[t] {
			return true
		}
	}
	return false
}

func pathContains(meta metadata.Record, q string) bool {
	q = strings.ToLower(q)
	for _, key := range []string{"path", "file_path"} {
		if p, ok := meta[key].(string); ok && strings.Contains(strings.ToLower(p), q) {
			return true
		}
	}
	return false
}

// hierarchyPath renders the first non-empty of the level hierarchy, the
// slash-split storage path, or "Uncategorized".
func hierarchyPath(meta metadata.Record) string {
	var levels []string
	for _, key := range []string{"level_1", "level_2", "level_3", "level_4", "level_5", "level_6"} {
		if v, ok := meta[key].(string); ok && v != "" {
			levels = append(levels, v)
		}
	}
	if len(levels) > 0 {
		return strings.Join(levels, " > ")
	}

	for _, key := range []string{"path", "file_path"} {
		p, ok := meta[key].(string)
		if !ok || p == "" {
			continue
		}
		var parts []string
		for _, seg := range strings.Split(p, "/") {
			if seg != "" {
				parts = append(parts, seg)
			}
		}
		if len(parts) > 0 {
			return strings.Join(parts, " > ")
		}
	}
	return "Uncategorized"
}

func stringList(v any) []string {
	switch l := v.(type) {
	case []string:
		return l
	case []any:
		out := make([]string, 0, len(l))
		for _, e := range l {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func failed(err error) Response {
	return Response{Status: "failed", Results: []Hit{}, Error: apperr.Message(err)}
}
