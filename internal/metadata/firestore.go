package metadata

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/Huyen1974/agent-data-sub002/internal/apperr"
	"github.com/Huyen1974/agent-data-sub002/internal/retry"
)

const (
	// commitLimit is the document store's maximum batch commit size.
	commitLimit = 500

	// inQueryLimit is the maximum number of document refs per "in" query.
	inQueryLimit = 30
)

// FirestoreConfig holds configuration for the Firestore adapter.
type FirestoreConfig struct {
	// ProjectID is the GCP project.
	ProjectID string

	// DatabaseID is the Firestore database, "(default)" unless multi-db.
	DatabaseID string

	// Collection is the collection this store reads and writes.
	Collection string

	// Retry controls backoff for transient failures.
	Retry retry.Policy
}

// Validate validates the configuration.
func (c FirestoreConfig) Validate() error {
	if c.ProjectID == "" {
		return fmt.Errorf("%w: project ID required", ErrInvalidConfig)
	}
	if c.Collection == "" {
		return fmt.Errorf("%w: collection required", ErrInvalidConfig)
	}
	return nil
}

// FirestoreStore is a Store implementation backed by one Firestore
// collection. A single store instance is collection-scoped; the service
// wires separate instances for document metadata, the auto-tag cache and
// users.
type FirestoreStore struct {
	client     *firestore.Client
	collection string
	policy     retry.Policy
}

// NewFirestoreStore connects to Firestore and returns a collection-scoped
// store.
func NewFirestoreStore(ctx context.Context, cfg FirestoreConfig) (*FirestoreStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	if cfg.DatabaseID == "" {
		cfg.DatabaseID = "(default)"
	}
	if cfg.Retry.MaxRetries == 0 && cfg.Retry.Base == 0 {
		cfg.Retry = retry.DefaultPolicy()
	}

	client, err := firestore.NewClientWithDatabase(ctx, cfg.ProjectID, cfg.DatabaseID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return &FirestoreStore{client: client, collection: cfg.Collection, policy: cfg.Retry}, nil
}

// WithCollection returns a store sharing the connection but scoped to
// another collection.
func (s *FirestoreStore) WithCollection(collection string) *FirestoreStore {
	return &FirestoreStore{client: s.client, collection: collection, policy: s.policy}
}

// Close releases the Firestore connection.
func (s *FirestoreStore) Close() error {
	return s.client.Close()
}

func (s *FirestoreStore) col() *firestore.CollectionRef {
	return s.client.Collection(s.collection)
}

func classifyFirestore(err error) retry.Class {
	st, ok := status.FromError(err)
	if !ok {
		return retry.ClassOther
	}
	switch st.Code() {
	case grpccodes.ResourceExhausted:
		return retry.ClassRateLimit
	case grpccodes.Unavailable, grpccodes.DeadlineExceeded, grpccodes.Aborted, grpccodes.Internal:
		return retry.ClassConnection
	default:
		return retry.ClassOther
	}
}

func (s *FirestoreStore) run(ctx context.Context, name string, op func() error) error {
	err := retry.Do(ctx, s.policy, classifyFirestore, op)
	if err == nil {
		return nil
	}
	if status.Code(err) == grpccodes.NotFound {
		return apperr.Wrap(apperr.KindNotFound, ErrNotFound, name)
	}
	return apperr.Wrap(apperr.KindMetadataStoreUnavailable,
		fmt.Errorf("%w: %v", ErrUnavailable, err), name)
}

// Get returns the record for id.
func (s *FirestoreStore) Get(ctx context.Context, id string) (Record, error) {
	var rec Record
	err := s.run(ctx, "get", func() error {
		snap, err := s.col().Doc(id).Get(ctx)
		if err != nil {
			return err
		}
		rec = Record(snap.Data())
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Set writes the record for id.
func (s *FirestoreStore) Set(ctx context.Context, id string, rec Record) error {
	return s.run(ctx, "set", func() error {
		_, err := s.col().Doc(id).Set(ctx, map[string]any(rec))
		return err
	})
}

// Delete removes the record for id. Firestore deletes are idempotent.
func (s *FirestoreStore) Delete(ctx context.Context, id string) error {
	return s.run(ctx, "delete", func() error {
		_, err := s.col().Doc(id).Delete(ctx)
		return err
	})
}

// Exists reports whether id exists using an identifier-only projection.
func (s *FirestoreStore) Exists(ctx context.Context, id string) (bool, error) {
	found, err := s.BatchExists(ctx, []string{id})
	if err != nil {
		return false, err
	}
	return found[id], nil
}

// BatchExists reports existence per id. Each probe selects only the
// document name, so it costs a fraction of a full read.
func (s *FirestoreStore) BatchExists(ctx context.Context, ids []string) (map[string]bool, error) {
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		out[id] = false
	}

	for start := 0; start < len(ids); start += inQueryLimit {
		end := start + inQueryLimit
		if end > len(ids) {
			end = len(ids)
		}
		refs := make([]*firestore.DocumentRef, 0, end-start)
		for _, id := range ids[start:end] {
			refs = append(refs, s.col().Doc(id))
		}

		err := s.run(ctx, "batch_exists", func() error {
			it := s.col().Select().Where(firestore.DocumentID, "in", refs).Documents(ctx)
			defer it.Stop()
			for {
				snap, err := it.Next()
				if err == iterator.Done {
					return nil
				}
				if err != nil {
					return err
				}
				out[snap.Ref.ID] = true
			}
		})
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// BatchGet checks existence first, then fetches only the IDs that exist.
func (s *FirestoreStore) BatchGet(ctx context.Context, ids []string) (map[string]Record, error) {
	exists, err := s.BatchExists(ctx, ids)
	if err != nil {
		return nil, err
	}

	refs := make([]*firestore.DocumentRef, 0, len(ids))
	for _, id := range ids {
		if exists[id] {
			refs = append(refs, s.col().Doc(id))
		}
	}
	out := make(map[string]Record, len(refs))
	if len(refs) == 0 {
		return out, nil
	}

	err = s.run(ctx, "batch_get", func() error {
		snaps, err := s.client.GetAll(ctx, refs)
		if err != nil {
			return err
		}
		for _, snap := range snaps {
			if snap.Exists() {
				out[snap.Ref.ID] = Record(snap.Data())
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// BatchSet writes records through the bulk writer, flushing at the commit
// limit.
func (s *FirestoreStore) BatchSet(ctx context.Context, recs map[string]Record) error {
	return s.run(ctx, "batch_set", func() error {
		bw := s.client.BulkWriter(ctx)
		n := 0
		for id, rec := range recs {
			if _, err := bw.Set(s.col().Doc(id), map[string]any(rec)); err != nil {
				bw.End()
				return err
			}
			n++
			if n%commitLimit == 0 {
				bw.Flush()
			}
		}
		bw.End()
		return nil
	})
}

// BatchDelete removes records through the bulk writer.
func (s *FirestoreStore) BatchDelete(ctx context.Context, ids []string) error {
	return s.run(ctx, "batch_delete", func() error {
		bw := s.client.BulkWriter(ctx)
		for i, id := range ids {
			if _, err := bw.Delete(s.col().Doc(id)); err != nil {
				bw.End()
				return err
			}
			if (i+1)%commitLimit == 0 {
				bw.Flush()
			}
		}
		bw.End()
		return nil
	})
}

// Query returns records matching equality predicates, optionally projected.
func (s *FirestoreStore) Query(ctx context.Context, filter map[string]any, projection []string) ([]Record, error) {
	q := s.col().Query
	for k, v := range filter {
		q = q.Where(k, "==", v)
	}
	if len(projection) > 0 {
		q = q.Select(projection...)
	}

	var out []Record
	err := s.run(ctx, "query", func() error {
		out = out[:0]
		it := q.Documents(ctx)
		defer it.Stop()
		for {
			snap, err := it.Next()
			if err == iterator.Done {
				return nil
			}
			if err != nil {
				return err
			}
			rec := Record(snap.Data())
			if rec == nil {
				rec = Record{}
			}
			rec["doc_id"] = snap.Ref.ID
			out = append(out, rec)
		}
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// HealthCheck runs a minimal identifier-only read.
func (s *FirestoreStore) HealthCheck(ctx context.Context) error {
	return s.run(ctx, "health", func() error {
		it := s.col().Select().Limit(1).Documents(ctx)
		defer it.Stop()
		_, err := it.Next()
		if err == iterator.Done {
			return nil
		}
		return err
	})
}

// Ensure FirestoreStore implements Store.
var _ Store = (*FirestoreStore)(nil)
