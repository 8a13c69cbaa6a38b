package metadata

import (
	"context"
	"sync"

	"github.com/Huyen1974/agent-data-sub002/internal/apperr"
)

// MemoryStore is an in-memory Store used by tests and local development.
type MemoryStore struct {
	mu   sync.Mutex
	recs map[string]Record
}

// NewMemoryStore creates an empty in-memory metadata store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{recs: make(map[string]Record)}
}

// Get returns the record for id.
func (s *MemoryStore) Get(_ context.Context, id string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[id]
	if !ok {
		return nil, apperr.Wrap(apperr.KindNotFound, ErrNotFound, id)
	}
	return rec.Clone(), nil
}

// Set writes the record for id.
func (s *MemoryStore) Set(_ context.Context, id string, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs[id] = rec.Clone()
	return nil
}

// Delete removes the record for id.
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.recs, id)
	return nil
}

// BatchGet returns the records that exist among ids.
func (s *MemoryStore) BatchGet(_ context.Context, ids []string) (map[string]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Record, len(ids))
	for _, id := range ids {
		if rec, ok := s.recs[id]; ok {
			out[id] = rec.Clone()
		}
	}
	return out, nil
}

// BatchSet writes several records.
func (s *MemoryStore) BatchSet(_ context.Context, recs map[string]Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, rec := range recs {
		s.recs[id] = rec.Clone()
	}
	return nil
}

// BatchDelete removes several records.
func (s *MemoryStore) BatchDelete(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.recs, id)
	}
	return nil
}

// Exists reports whether id exists.
func (s *MemoryStore) Exists(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.recs[id]
	return ok, nil
}

// BatchExists reports existence per id.
func (s *MemoryStore) BatchExists(_ context.Context, ids []string) (map[string]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		_, ok := s.recs[id]
		out[id] = ok
	}
	return out, nil
}

// Query returns records matching equality predicates.
func (s *MemoryStore) Query(_ context.Context, filter map[string]any, projection []string) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Record
	for id, rec := range s.recs {
		match := true
		for k, v := range filter {
			if rec[k] != v {
				match = false
				break
			}
		}
		if !match {
			continue
		}
		var proj Record
		if len(projection) > 0 {
			proj = make(Record, len(projection)+1)
			for _, field := range projection {
				if v, ok := rec[field]; ok {
					proj[field] = v
				}
			}
		} else {
			proj = rec.Clone()
		}
		proj["doc_id"] = id
		out = append(out, proj)
	}
	return out, nil
}

// HealthCheck always succeeds.
func (s *MemoryStore) HealthCheck(context.Context) error { return nil }

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

// Ensure MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
