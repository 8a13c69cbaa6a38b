// Package metadata provides the document-store adapter and the pure
// metadata versioner.
package metadata

import (
	"context"
	"errors"
)

// Sentinel errors for metadata store operations.
var (
	// ErrNotFound is returned when a document does not exist.
	ErrNotFound = errors.New("document not found")

	// ErrUnavailable indicates the store could not be reached after retries.
	ErrUnavailable = errors.New("metadata store unavailable")

	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Record is one document's metadata mapping.
type Record map[string]any

// Clone returns a shallow copy of the record.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	cp := make(Record, len(r))
	for k, v := range r {
		cp[k] = v
	}
	return cp
}

// Store is the interface for document-store operations.
//
// Existence checks MUST be implemented with an identifier-only projection to
// minimize read cost; BatchGet checks existence first and fetches only the
// IDs that exist.
type Store interface {
	// Get returns the record for id, or ErrNotFound.
	Get(ctx context.Context, id string) (Record, error)

	// Set writes the record for id, replacing any prior record.
	Set(ctx context.Context, id string, rec Record) error

	// Delete removes the record for id. Missing records are not an error.
	Delete(ctx context.Context, id string) error

	// BatchGet returns the records that exist among ids.
	BatchGet(ctx context.Context, ids []string) (map[string]Record, error)

	// BatchSet writes several records, chunked to the store's commit limit.
	BatchSet(ctx context.Context, recs map[string]Record) error

	// BatchDelete removes several records.
	BatchDelete(ctx context.Context, ids []string) error

	// Exists reports whether id exists, fetching only the identifier.
	Exists(ctx context.Context, id string) (bool, error)

	// BatchExists reports existence for each id, fetching only identifiers.
	BatchExists(ctx context.Context, ids []string) (map[string]bool, error)

	// Query returns records matching equality predicates over indexed
	// fields, optionally projecting only the named fields.
	Query(ctx context.Context, filter map[string]any, projection []string) ([]Record, error)

	// HealthCheck verifies the backend is reachable.
	HealthCheck(ctx context.Context) error

	// Close releases the connection.
	Close() error
}
