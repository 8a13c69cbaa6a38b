// Package blobstore provides object storage for snapshot artifacts.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"

	"github.com/Huyen1974/agent-data-sub002/internal/apperr"
	"github.com/Huyen1974/agent-data-sub002/internal/retry"
)

// Sentinel errors for blob operations.
var (
	// ErrNotFound is returned when an object does not exist.
	ErrNotFound = errors.New("object not found")

	// ErrUnavailable indicates the object store could not be reached.
	ErrUnavailable = errors.New("object store unavailable")

	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Store is the object-store interface.
type Store interface {
	// Put uploads data under key, replacing any prior object.
	Put(ctx context.Context, key string, data []byte) error

	// Get downloads the object at key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Close releases the connection.
	Close() error
}

// GCSStore is a Store backed by one Cloud Storage bucket.
type GCSStore struct {
	client *storage.Client
	bucket string
	policy retry.Policy
}

// NewGCSStore connects to Cloud Storage scoped to bucket.
func NewGCSStore(ctx context.Context, bucket string) (*GCSStore, error) {
	if bucket == "" {
		return nil, fmt.Errorf("%w: bucket required", ErrInvalidConfig)
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return &GCSStore{client: client, bucket: bucket, policy: retry.DefaultPolicy()}, nil
}

// Close releases the connection.
func (s *GCSStore) Close() error {
	return s.client.Close()
}

// classify treats everything except not-found as a transient connection
// failure; object stores rarely surface structured codes here.
func classify(err error) retry.Class {
	if errors.Is(err, storage.ErrObjectNotExist) || errors.Is(err, storage.ErrBucketNotExist) {
		return retry.ClassOther
	}
	return retry.ClassConnection
}

// Put uploads data under key with retry.
func (s *GCSStore) Put(ctx context.Context, key string, data []byte) error {
	err := retry.Do(ctx, s.policy, classify, func() error {
		w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
		if _, err := w.Write(data); err != nil {
			w.Close()
			return err
		}
		return w.Close()
	})
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, fmt.Errorf("%w: %v", ErrUnavailable, err), "put "+key)
	}
	return nil
}

// Get downloads the object at key with retry.
func (s *GCSStore) Get(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := retry.Do(ctx, s.policy, classify, func() error {
		r, err := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
		if err != nil {
			return err
		}
		defer r.Close()
		data, err = io.ReadAll(r)
		return err
	})
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, apperr.Wrap(apperr.KindNotFound, ErrNotFound, key)
		}
		return nil, apperr.Wrap(apperr.KindInternal, fmt.Errorf("%w: %v", ErrUnavailable, err), "get "+key)
	}
	return data, nil
}

// Ensure GCSStore implements Store.
var _ Store = (*GCSStore)(nil)

// MemoryStore is an in-memory Store used by tests.
type MemoryStore struct {
	objects map[string][]byte
}

// NewMemoryStore creates an empty in-memory blob store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string][]byte)}
}

// Put stores data under key.
func (s *MemoryStore) Put(_ context.Context, key string, data []byte) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	s.objects[key] = cp
	return nil
}

// Get returns the object at key.
func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	data, ok := s.objects[key]
	if !ok {
		return nil, apperr.Wrap(apperr.KindNotFound, ErrNotFound, key)
	}
	return data, nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

// Keys lists stored object keys for test assertions.
func (s *MemoryStore) Keys() []string {
	keys := make([]string, 0, len(s.objects))
	for k := range s.objects {
		keys = append(keys, k)
	}
	return keys
}

// Ensure MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
