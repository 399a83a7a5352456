package storage

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/joseph-ayodele/docbatch/internal/common"
)

// ObjectStore holds extraction results and output artifacts. The scheduler
// only ever keeps keys, never raw bytes.
type ObjectStore interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	// Presign returns a time-limited download URL for key.
	Presign(ctx context.Context, key string, expiry time.Duration) (string, error)
}

// MemoryStore is a map-backed ObjectStore for tests and DB-less runs.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string][]byte)}
}

var _ ObjectStore = (*MemoryStore)(nil)

func (s *MemoryStore) Put(_ context.Context, key string, r io.Reader, _ int64, _ string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = data
	return nil
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.objects[key]
	if !ok {
		return nil, common.ErrNotFound
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (s *MemoryStore) Presign(_ context.Context, key string, expiry time.Duration) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.objects[key]; !ok {
		return "", common.ErrNotFound
	}
	return fmt.Sprintf("memory://%s?expires_in=%ds", key, int(expiry.Seconds())), nil
}
