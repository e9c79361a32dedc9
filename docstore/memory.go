package docstore

import (
	"context"
	"fmt"
	"slices"
	"sync"
)

// MemoryStore holds everything in maps. Used by tests and by servers run
// with storage.backend = "memory", where losing state on exit is fine.
type MemoryStore struct {
	mu   sync.RWMutex
	snap map[string][]byte
	meta map[string]Meta
}

func NewMemory() *MemoryStore {
	return &MemoryStore{
		snap: make(map[string][]byte),
		meta: make(map[string]Meta),
	}
}

func (s *MemoryStore) Load(ctx context.Context, docID string) ([]byte, Meta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snapshot, ok := s.snap[docID]
	if !ok {
		return nil, Meta{}, fmt.Errorf("%w: %s", ErrNotFound, docID)
	}
	return slices.Clone(snapshot), s.meta[docID], nil
}

func (s *MemoryStore) Save(ctx context.Context, docID string, snapshot []byte, meta Meta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap[docID] = slices.Clone(snapshot)
	s.meta[docID] = stampMeta(docID, snapshot, meta)
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, docID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.snap[docID]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, docID)
	}
	delete(s.snap, docID)
	delete(s.meta, docID)
	return nil
}

func (s *MemoryStore) List(ctx context.Context) ([]Meta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Meta, 0, len(s.meta))
	for _, m := range s.meta {
		out = append(out, m)
	}
	slices.SortFunc(out, func(a, b Meta) int {
		return b.UpdatedAt.Compare(a.UpdatedAt)
	})
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
