package artifact

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

var _ Catalog = (*MemoryCatalog)(nil)

// MemoryCatalog is a non-durable Catalog used in development mode and tests.
type MemoryCatalog struct {
	mu    sync.Mutex
	files map[int64][]UploadedFile
}

func NewMemoryCatalog() *MemoryCatalog {
	return &MemoryCatalog{files: make(map[int64][]UploadedFile)}
}

func (c *MemoryCatalog) Get(ctx context.Context, key int64) ([]UploadedFile, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	files, ok := c.files[key]
	if !ok {
		return nil, fmt.Errorf("artifact.MemoryCatalog: key %d: %w", key, ErrNotFound)
	}
	return files, nil
}

func (c *MemoryCatalog) Set(ctx context.Context, key int64, files []UploadedFile) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.files[key] = files
	return nil
}

func (c *MemoryCatalog) Keys(ctx context.Context) ([]int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]int64, 0, len(c.files))
	for k := range c.files {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys, nil
}

func (c *MemoryCatalog) Sync(ctx context.Context) error {
	return nil
}

func (c *MemoryCatalog) Close() error {
	return nil
}
