package vectorstore

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store used by tests and local development.
// It implements the same filter semantics as the Qdrant adapter: AND across
// keys, any-element match for list payload fields.
type MemoryStore struct {
	mu     sync.Mutex
	points map[string]memoryPoint
	dim    int
}

type memoryPoint struct {
	vector  []float32
	payload map[string]any
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{points: make(map[string]memoryPoint)}
}

// EnsureCollection records the expected dimension; recreation is a no-op.
func (s *MemoryStore) EnsureCollection(_ context.Context, name string, dim int) error {
	if err := ValidateCollectionName(name); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dim = dim
	return nil
}

// Upsert stores a point, assigning a UUID when id is empty.
func (s *MemoryStore) Upsert(_ context.Context, id string, vector []float32, payload map[string]any) (string, error) {
	if len(vector) == 0 {
		return "", ErrEmptyVector
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dim != 0 && len(vector) != s.dim {
		return "", fmt.Errorf("vector dimension %d does not match collection dimension %d", len(vector), s.dim)
	}
	if id == "" {
		id = uuid.New().String()
	}
	cp := make(map[string]any, len(payload))
	for k, v := range payload {
		cp[k] = v
	}
	vec := make([]float32, len(vector))
	copy(vec, vector)
	s.points[id] = memoryPoint{vector: vec, payload: cp}
	return id, nil
}

// Search ranks all matching points by cosine similarity.
func (s *MemoryStore) Search(_ context.Context, vector []float32, k int, scoreMin float32, filter Filter) ([]Hit, error) {
	if len(vector) == 0 {
		return nil, ErrEmptyVector
	}
	if k <= 0 {
		return nil, fmt.Errorf("k must be positive, got %d", k)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	hits := make([]Hit, 0)
	for id, p := range s.points {
		if !matchesFilter(p.payload, filter) {
			continue
		}
		score := cosine(vector, p.vector)
		if score < scoreMin {
			continue
		}
		hits = append(hits, Hit{ID: id, Score: score, Payload: copyPayload(p.payload)})
	}
	SortHits(hits)
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// Scroll returns matching points in stable point-ID order with score 1.0.
func (s *MemoryStore) Scroll(_ context.Context, filter Filter, limit, offset int) ([]Hit, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be positive, got %d", limit)
	}
	if offset < 0 {
		return nil, fmt.Errorf("offset cannot be negative, got %d", offset)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.points))
	for id, p := range s.points {
		if matchesFilter(p.payload, filter) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	if offset >= len(ids) {
		return []Hit{}, nil
	}
	ids = ids[offset:]
	if len(ids) > limit {
		ids = ids[:limit]
	}

	hits := make([]Hit, len(ids))
	for i, id := range ids {
		hits[i] = Hit{ID: id, Score: 1.0, Payload: copyPayload(s.points[id].payload)}
	}
	return hits, nil
}

// DeleteByFilter removes every point matching the filter.
func (s *MemoryStore) DeleteByFilter(_ context.Context, filter Filter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, p := range s.points {
		if matchesFilter(p.payload, filter) {
			delete(s.points, id)
		}
	}
	return nil
}

// Count returns the number of stored points.
func (s *MemoryStore) Count(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.points), nil
}

// HealthCheck always succeeds.
func (s *MemoryStore) HealthCheck(context.Context) error { return nil }

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

// matchesFilter applies the Filter semantics: AND across keys; equality for
// scalars; "in" for []string predicates; any-element match when the payload
// value is a list.
func matchesFilter(payload map[string]any, filter Filter) bool {
	for key, want := range filter {
		got, ok := payload[key]
		if !ok {
			return false
		}
		if !valueMatches(got, want) {
			return false
		}
	}
	return true
}

func valueMatches(got, want any) bool {
	// "in" predicate: any of the wanted values matches.
	if wants, ok := want.([]string); ok {
		for _, w := range wants {
			if valueMatches(got, w) {
				return true
			}
		}
		return false
	}
	// List payload field: any element matches.
	switch list := got.(type) {
	case []string:
		for _, item := range list {
			if scalarEqual(item, want) {
				return true
			}
		}
		return false
	case []any:
		for _, item := range list {
			if scalarEqual(item, want) {
				return true
			}
		}
		return false
	}
	return scalarEqual(got, want)
}

func scalarEqual(got, want any) bool {
	// Integers may arrive as int, int64 or float64 depending on the
	// serialization path.
	gi, gok := toInt64(got)
	wi, wok := toInt64(want)
	if gok && wok {
		return gi == wi
	}
	return got == want
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		if n == math.Trunc(n) {
			return int64(n), true
		}
	}
	return 0, false
}

func copyPayload(payload map[string]any) map[string]any {
	cp := make(map[string]any, len(payload))
	for k, v := range payload {
		cp[k] = v
	}
	return cp
}

func cosine(a, b []float32) float32 {
	if len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}

// Ensure MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
