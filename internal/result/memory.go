package result

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore is a non-durable Store used in development mode and tests.
type MemoryStore struct {
	mu      sync.Mutex
	records map[int64]*Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[int64]*Record)}
}

func (s *MemoryStore) Get(ctx context.Context, key int64) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[key]
	if !ok {
		return nil, fmt.Errorf("result.MemoryStore: key %d: %w", key, ErrNotFound)
	}
	return r, nil
}

func (s *MemoryStore) Set(ctx context.Context, key int64, record *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[key] = record
	return nil
}

func (s *MemoryStore) Keys(ctx context.Context) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]int64, 0, len(s.records))
	for k := range s.records {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys, nil
}

func (s *MemoryStore) Sync(ctx context.Context) error {
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
