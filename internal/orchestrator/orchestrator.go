// Package orchestrator coordinates ingestion: embedding, enrichment, the
// vector upsert and the versioned metadata write.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Huyen1974/agent-data-sub002/internal/apperr"
	"github.com/Huyen1974/agent-data-sub002/internal/embeddings"
	"github.com/Huyen1974/agent-data-sub002/internal/metadata"
	"github.com/Huyen1974/agent-data-sub002/internal/vectorstore"
)

const (
	// DefaultTimeout bounds a single document's ingestion flow.
	DefaultTimeout = 30 * time.Second

	// BatchConcurrency caps concurrent per-document vectorizations.
	BatchConcurrency = 10

	// LatencyTarget is the ingestion latency goal reported per document.
	LatencyTarget = 700 * time.Millisecond
)

// Embedder is the slice of the embedding client the orchestrator needs.
type Embedder interface {
	Embed(ctx context.Context, text string) (embeddings.Embedding, error)
}

// Enricher merges generated tags into metadata. Failures must be absorbed by
// the implementation; Enrich never blocks a save.
type Enricher interface {
	Enrich(ctx context.Context, content string, meta metadata.Record) metadata.Record
}

// Document is one ingestion input.
type Document struct {
	DocID    string          `json:"doc_id"`
	Content  string          `json:"content"`
	Metadata metadata.Record `json:"metadata,omitempty"`
}

// Options control a vectorize call.
type Options struct {
	// Tag is attached to the vector payload for filtered search.
	Tag string

	// UpdateMetadata controls whether the metadata store is written.
	UpdateMetadata bool

	// AutoTag controls tag enrichment before embedding.
	AutoTag bool

	// Timeout bounds the per-document flow; zero means DefaultTimeout.
	Timeout time.Duration
}

// DefaultOptions returns the standard ingestion options.
func DefaultOptions() Options {
	return Options{UpdateMetadata: true, AutoTag: true, Timeout: DefaultTimeout}
}

// Result is the per-document outcome.
type Result struct {
	Status         string  `json:"status"`
	DocID          string  `json:"doc_id"`
	VectorID       string  `json:"vector_id,omitempty"`
	Error          string  `json:"error,omitempty"`
	LatencySeconds float64 `json:"latency_seconds"`
	WithinTarget   bool    `json:"within_target"`
}

// BatchResult collates per-document outcomes.
type BatchResult struct {
	Status     string   `json:"status"`
	Total      int      `json:"total"`
	Successful int      `json:"successful"`
	Failed     int      `json:"failed"`
	Results    []Result `json:"results"`
}

// Service implements single-document and batch vectorization.
type Service struct {
	embedder  Embedder
	vectors   vectorstore.Store
	meta      metadata.Store
	enricher  Enricher
	dimension int
	logger    *zap.Logger
	now       func() time.Time
}

// New creates the orchestrator. enricher may be nil to disable auto-tagging.
func New(embedder Embedder, vectors vectorstore.Store, meta metadata.Store, enricher Enricher, dimension int, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		embedder:  embedder,
		vectors:   vectors,
		meta:      meta,
		enricher:  enricher,
		dimension: dimension,
		logger:    logger,
		now:       time.Now,
	}
}

// Vectorize ingests one document: enrich, embed, upsert the vector, then
// write versioned metadata. The vector is written first; if the metadata
// write fails the vector is compensating-deleted so no orphan survives.
func (s *Service) Vectorize(ctx context.Context, doc Document, opts Options) (Result, error) {
	start := s.now()

	if doc.DocID == "" || doc.Content == "" {
		err := apperr.New(apperr.KindInvalidInput, "doc_id and content are required")
		return s.failure(doc.DocID, start, err), err
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	meta := doc.Metadata.Clone()
	if meta == nil {
		meta = metadata.Record{}
	}
	meta["doc_id"] = doc.DocID

	if opts.AutoTag && s.enricher != nil {
		meta = s.enricher.Enrich(ctx, doc.Content, meta)
	}

	emb, err := s.embedder.Embed(ctx, doc.Content)
	if err != nil {
		s.markFailed(ctx, doc.DocID, meta, err, opts)
		return s.failure(doc.DocID, start, err), err
	}
	if s.dimension > 0 && len(emb.Vector) != s.dimension {
		err := apperr.Newf(apperr.KindInternal, "embedding dimension %d, expected %d", len(emb.Vector), s.dimension)
		s.markFailed(ctx, doc.DocID, meta, err, opts)
		return s.failure(doc.DocID, start, err), err
	}

	payload := vectorPayload(meta, doc.DocID, opts.Tag)
	vectorID, err := s.vectors.Upsert(ctx, "", emb.Vector, payload)
	if err != nil {
		s.markFailed(ctx, doc.DocID, meta, err, opts)
		return s.failure(doc.DocID, start, err), err
	}

	if opts.UpdateMetadata {
		if err := s.writeMetadata(ctx, doc, meta, vectorID, emb.Model, opts.Tag); err != nil {
			s.compensateVector(doc.DocID, vectorID, meta)
			return s.failure(doc.DocID, start, err), err
		}
	}

	latency := s.now().Sub(start)
	return Result{
		Status:         "success",
		DocID:          doc.DocID,
		VectorID:       vectorID,
		LatencySeconds: latency.Seconds(),
		WithinTarget:   latency <= LatencyTarget,
	}, nil
}

// BatchVectorize fans out per-document vectorizations with bounded
// concurrency and collates the outcomes. Per-document failures never abort
// the batch.
func (s *Service) BatchVectorize(ctx context.Context, docs []Document, opts Options) (BatchResult, error) {
	if len(docs) == 0 {
		return BatchResult{Status: "failed"}, apperr.New(apperr.KindInvalidInput, "empty batch")
	}

	results := make([]Result, len(docs))
	sem := make(chan struct{}, BatchConcurrency)
	var wg sync.WaitGroup
	for i, doc := range docs {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, doc Document) {
			defer wg.Done()
			defer func() { <-sem }()
			results[i], _ = s.Vectorize(ctx, doc, opts)
		}(i, doc)
	}
	wg.Wait()

	out := BatchResult{Total: len(docs), Results: results}
	for _, r := range results {
		if r.Status == "success" {
			out.Successful++
		} else {
			out.Failed++
		}
	}
	switch {
	case out.Failed == 0:
		out.Status = "success"
	case out.Successful == 0:
		out.Status = "failed"
	default:
		out.Status = "partial_success"
	}
	return out, nil
}

// Delete removes a document's vector point and metadata record.
func (s *Service) Delete(ctx context.Context, docID string) error {
	if docID == "" {
		return apperr.New(apperr.KindInvalidInput, "doc_id is required")
	}
	if err := s.vectors.DeleteByFilter(ctx, vectorstore.Filter{"doc_id": docID}); err != nil {
		return fmt.Errorf("deleting vector: %w", err)
	}
	if err := s.meta.Delete(ctx, docID); err != nil {
		return fmt.Errorf("deleting metadata: %w", err)
	}
	return nil
}

// writeMetadata reads the prior record, composes the next version with
// completed status and persists it.
func (s *Service) writeMetadata(ctx context.Context, doc Document, meta metadata.Record, vectorID, model, tag string) error {
	prior, err := s.meta.Get(ctx, doc.DocID)
	if err != nil && apperr.KindOf(err) != apperr.KindNotFound {
		return fmt.Errorf("reading prior metadata: %w", err)
	}

	next := meta.Clone()
	next["content"] = doc.Content
	next["vectorStatus"] = "completed"
	next["vector_id"] = vectorID
	next["embedding_model"] = model
	if tag != "" {
		next["tag"] = tag
	}
	delete(next, "error")

	rec, err := metadata.ComposeVersion(next, prior, s.now())
	if err != nil {
		return err
	}
	return s.meta.Set(ctx, doc.DocID, rec)
}

// markFailed records vectorStatus=failed best-effort. It runs detached from
// the request deadline so a timed-out ingest still leaves a status trail.
func (s *Service) markFailed(ctx context.Context, docID string, meta metadata.Record, cause error, opts Options) {
	if !opts.UpdateMetadata || docID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	prior, err := s.meta.Get(ctx, docID)
	if err != nil && apperr.KindOf(err) != apperr.KindNotFound {
		s.logger.Warn("reading prior metadata for failure mark", zap.String("doc_id", docID), zap.Error(err))
		return
	}

	next := meta.Clone()
	next["vectorStatus"] = "failed"
	next["error"] = apperr.Message(cause)
	rec, err := metadata.ComposeVersion(next, prior, s.now())
	if err != nil {
		s.logger.Warn("composing failure record", zap.String("doc_id", docID), zap.Error(err))
		return
	}
	if err := s.meta.Set(ctx, docID, rec); err != nil {
		s.logger.Warn("writing failure record", zap.String("doc_id", docID), zap.Error(err))
	}
}

// compensateVector removes the vector written before a metadata failure. A
// second failure here leaves an orphan and is logged for reconciliation.
func (s *Service) compensateVector(docID, vectorID string, meta metadata.Record) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := s.vectors.DeleteByFilter(ctx, vectorstore.Filter{"doc_id": docID})
	if err != nil {
		s.logger.Error("CRITICAL: compensating vector delete failed, orphan point needs reconciliation",
			zap.String("doc_id", docID),
			zap.String("vector_id", vectorID),
			zap.Any("metadata", meta),
			zap.Error(err))
	}
}

func (s *Service) failure(docID string, start time.Time, err error) Result {
	latency := s.now().Sub(start)
	return Result{
		Status:         "failed",
		DocID:          docID,
		Error:          apperr.Message(err),
		LatencySeconds: latency.Seconds(),
		WithinTarget:   latency <= LatencyTarget,
	}
}

// vectorPayload builds the point payload: the metadata minus bulk content,
// plus doc_id and the optional tag.
func vectorPayload(meta metadata.Record, docID, tag string) map[string]any {
	payload := make(map[string]any, len(meta)+2)
	for k, v := range meta {
		if k == "content" || k == "original_text" {
			continue
		}
		payload[k] = v
	}
	payload["doc_id"] = docID
	if tag != "" {
		payload["tag"] = tag
	}
	return payload
}
