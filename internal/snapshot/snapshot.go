// Package snapshot exports the vector collection to the object store for
// offline reconciliation and backup.
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Huyen1974/agent-data-sub002/internal/blobstore"
	"github.com/Huyen1974/agent-data-sub002/internal/vectorstore"
)

// DefaultPageSize is the scroll page size.
const DefaultPageSize = 100

// Point is one exported vector point.
type Point struct {
	ID      string         `json:"id"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Manifest is the snapshot file layout.
type Manifest struct {
	Collection string    `json:"collection"`
	TakenAt    time.Time `json:"taken_at"`
	Count      int       `json:"count"`
	Points     []Point   `json:"points"`
}

// Job exports one collection.
type Job struct {
	vectors    vectorstore.Store
	blobs      blobstore.Store
	collection string
	pageSize   int
	logger     *zap.Logger
	now        func() time.Time
}

// New creates a snapshot job for collection.
func New(vectors vectorstore.Store, blobs blobstore.Store, collection string, logger *zap.Logger) *Job {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Job{
		vectors:    vectors,
		blobs:      blobs,
		collection: collection,
		pageSize:   DefaultPageSize,
		logger:     logger,
		now:        time.Now,
	}
}

// SetClock overrides the time source for tests.
func (j *Job) SetClock(now func() time.Time) { j.now = now }

// Run scrolls the whole collection page by page and uploads one JSON
// manifest. It returns the object key and the number of exported points.
func (j *Job) Run(ctx context.Context) (string, int, error) {
	manifest := Manifest{
		Collection: j.collection,
		TakenAt:    j.now().UTC(),
		Points:     []Point{},
	}

	for offset := 0; ; offset += j.pageSize {
		hits, err := j.vectors.Scroll(ctx, nil, j.pageSize, offset)
		if err != nil {
			return "", 0, fmt.Errorf("scrolling collection: %w", err)
		}
		for _, h := range hits {
			manifest.Points = append(manifest.Points, Point{ID: h.ID, Payload: h.Payload})
		}
		if len(hits) < j.pageSize {
			break
		}
	}
	manifest.Count = len(manifest.Points)

	data, err := json.Marshal(manifest)
	if err != nil {
		return "", 0, fmt.Errorf("encoding manifest: %w", err)
	}

	key := fmt.Sprintf("snapshots/%s/%s.json", j.collection, manifest.TakenAt.Format("20060102T150405Z"))
	if err := j.blobs.Put(ctx, key, data); err != nil {
		return "", 0, fmt.Errorf("uploading snapshot: %w", err)
	}

	j.logger.Info("snapshot uploaded",
		zap.String("key", key),
		zap.Int("points", manifest.Count))
	return key, manifest.Count, nil
}
