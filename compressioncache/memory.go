package compressioncache

import (
	"context"
	"sync"
)

// MemoryStore keeps entries in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewMemoryStore ...
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: map[string]Entry{}}
}

// Get ...
func (s *MemoryStore) Get(ctx context.Context, key string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	e.Data = append([]byte(nil), e.Data...)
	return &e, nil
}

// List ...
func (s *MemoryStore) List(ctx context.Context) ([]Meta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	metas := make([]Meta, 0, len(s.entries))
	for _, e := range s.entries {
		metas = append(metas, e.Meta)
	}
	return metas, nil
}

// Write ...
func (s *MemoryStore) Write(ctx context.Context, batch Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, key := range batch.Deletes {
		delete(s.entries, key)
	}
	if batch.Put != nil {
		e := *batch.Put
		e.Data = append([]byte(nil), e.Data...)
		s.entries[e.Key] = e
	}
	return nil
}

// Clear ...
func (s *MemoryStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = map[string]Entry{}
	return nil
}

// Close ...
func (s *MemoryStore) Close() error {
	return nil
}
