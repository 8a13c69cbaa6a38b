// Package vectorstore defines the interface for similarity-engine operations.
package vectorstore

import (
	"context"
	"errors"
)

// Sentinel errors for vector store operations.
var (
	// ErrUnavailable indicates the engine could not be reached after retries.
	ErrUnavailable = errors.New("vector store unavailable")

	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrInvalidCollectionName indicates collection name validation failure.
	ErrInvalidCollectionName = errors.New("invalid collection name")

	// ErrConnectionFailed indicates gRPC connection issues.
	ErrConnectionFailed = errors.New("failed to connect to vector backend")

	// ErrEmptyVector indicates an empty query or upsert vector.
	ErrEmptyVector = errors.New("empty vector")
)

// Filter is a conjunction of predicates over payload fields. A string value
// is an equality match; a []string value is an "in" match. For payload
// fields holding lists, a predicate matches if any element equals it.
type Filter map[string]any

// Hit is one search or scroll result.
type Hit struct {
	// ID is the engine-assigned point ID.
	ID string

	// Score is the similarity score. Scroll results report 1.0.
	Score float32

	// Payload is the stored payload mapping.
	Payload map[string]any
}

// Store is the interface for similarity-engine operations.
//
// Implementations are process-wide and safe for concurrent use. All network
// calls retry transient failures; persistent failures surface ErrUnavailable.
type Store interface {
	// EnsureCollection idempotently creates the named collection with the
	// given vector dimension and a keyword payload index on "tag".
	EnsureCollection(ctx context.Context, name string, dim int) error

	// Upsert writes a point. An empty id gets a fresh UUID. The returned ID
	// is the point ID actually stored.
	Upsert(ctx context.Context, id string, vector []float32, payload map[string]any) (string, error)

	// Search returns up to k hits above scoreMin matching the filter,
	// sorted by score descending with point-ID ties broken lexicographically.
	Search(ctx context.Context, vector []float32, k int, scoreMin float32, filter Filter) ([]Hit, error)

	// Scroll retrieves points by filter only, without similarity ranking.
	// Hits report a score of 1.0.
	Scroll(ctx context.Context, filter Filter, limit, offset int) ([]Hit, error)

	// DeleteByFilter removes every point matching the filter.
	DeleteByFilter(ctx context.Context, filter Filter) error

	// Count returns the number of points in the collection.
	Count(ctx context.Context) (int, error)

	// HealthCheck verifies the backend is reachable.
	HealthCheck(ctx context.Context) error

	// Close releases the connection.
	Close() error
}
