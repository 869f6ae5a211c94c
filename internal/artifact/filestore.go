package artifact

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// DefaultBudget is the total number of bytes the sweep lets uploaded
// artifacts occupy before it starts evicting the oldest subdirectories.
const DefaultBudget = 50_000_000

var ErrPathOutsideRoot = errors.New("file path outside storage root")

// FileStore keeps uploaded artifact files on the local filesystem under one
// root directory, one subdirectory per result key.
type FileStore struct {
	root string
	log  *slog.Logger
}

// NewFileStore resolves root to an absolute path and creates it if missing.
func NewFileStore(root string, log *slog.Logger) (*FileStore, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("artifact.FileStore: %w", err)
	}
	if err = os.MkdirAll(absRoot, 0o755); err != nil {
		return nil, fmt.Errorf("artifact.FileStore: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &FileStore{root: absRoot, log: log.With("component", "filestore")}, nil
}

func (s *FileStore) Root() string {
	return s.root
}

// Abspath returns the absolute path for a file, URL-quoting the filename and
// verifying the result still lies under the storage root. A filename that
// escapes the root is rejected with ErrPathOutsideRoot.
func (s *FileStore) Abspath(f *UploadedFile) (string, error) {
	quoted := url.PathEscape(f.Filename)
	p := filepath.Join(s.root, f.Subdir, quoted)
	if p != s.root && !strings.HasPrefix(p, s.root+string(filepath.Separator)) {
		return "", fmt.Errorf("artifact.FileStore: %q: %w", f.Filename, ErrPathOutsideRoot)
	}
	return p, nil
}

// Write stores content at the file's path, creating its subdirectory first.
func (s *FileStore) Write(f *UploadedFile, content []byte) error {
	p, err := s.Abspath(f)
	if err != nil {
		return err
	}
	if err = os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("artifact.FileStore: %w", err)
	}
	if err = os.WriteFile(p, content, 0o644); err != nil {
		return fmt.Errorf("artifact.FileStore: %w", err)
	}
	return nil
}

// Read returns the stored content of a file.
func (s *FileStore) Read(f *UploadedFile) ([]byte, error) {
	p, err := s.Abspath(f)
	if err != nil {
		return nil, err
	}
	content, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("artifact.FileStore: %w", err)
	}
	return content, nil
}

// Sweep enforces the byte budget. It sums file sizes per immediate
// subdirectory of the root, orders subdirectories newest-modified first,
// accumulates sizes in that order and removes every subdirectory once the
// running total exceeds the budget, so the retained newest subdirectories
// stay within it. Removal failures are logged and do not stop the sweep.
// A budget of 0 means DefaultBudget.
func (s *FileStore) Sweep(budget int64) error {
	if budget == 0 {
		budget = DefaultBudget
	}

	entries, err := os.ReadDir(s.root)
	if err != nil {
		return fmt.Errorf("artifact.FileStore: sweep: %w", err)
	}

	type subdir struct {
		path  string
		size  int64
		mtime int64
	}
	subdirs := make([]subdir, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		p := filepath.Join(s.root, e.Name())
		info, err := e.Info()
		if err != nil {
			s.log.Warn("skipping unreadable subdirectory", "path", p, "error", err)
			continue
		}
		subdirs = append(subdirs, subdir{path: p, size: dirSize(p), mtime: info.ModTime().UnixNano()})
	}

	sort.Slice(subdirs, func(i, j int) bool { return subdirs[i].mtime > subdirs[j].mtime })

	var total int64
	for _, d := range subdirs {
		total += d.size
		if total <= budget {
			continue
		}
		if err := os.RemoveAll(d.path); err != nil {
			s.log.Warn("failed to remove swept subdirectory", "path", d.path, "error", err)
		}
	}
	return nil
}

func dirSize(dir string) int64 {
	var size int64
	_ = filepath.Walk(dir, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if !info.IsDir() {
			size += info.Size()
		}
		return nil
	})
	return size
}
