package artifact

import (
	"context"
	"errors"
	"io"
)

var ErrNotFound = errors.New("not found")

// UploadedFile describes one build-artifact file accepted by the coordinator.
// Subdir is the string form of the owning result's key.
type UploadedFile struct {
	Subdir      string `json:"subdir"`
	Filename    string `json:"filename"`
	Description string `json:"description"`
	Visible     bool   `json:"visible"`
}

// Catalog is an integer-keyed persistent mapping of result keys to the files
// uploaded for that result.
type Catalog interface {
	Get(ctx context.Context, key int64) ([]UploadedFile, error)
	Set(ctx context.Context, key int64, files []UploadedFile) error
	Keys(ctx context.Context) ([]int64, error)
	Sync(ctx context.Context) error
	Close() error
}

// Mirror copies accepted uploads to off-box storage. Mirrored copies are not
// subject to the sweep.
type Mirror interface {
	Upload(ctx context.Context, key int64, filename string, content io.Reader) error
}
