package artifact

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestFileStore(t testing.TB) *FileStore {
	s, err := NewFileStore(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("didn't want %v", err)
	}
	return s
}

func writeSubdir(t testing.TB, s *FileStore, name string, size int, mtime time.Time) {
	t.Helper()
	dir := filepath.Join(s.Root(), name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("didn't want %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "f"), make([]byte, size), 0o644); err != nil {
		t.Fatalf("didn't want %v", err)
	}
	if err := os.Chtimes(dir, mtime, mtime); err != nil {
		t.Fatalf("didn't want %v", err)
	}
}

func TestFileStoreAbspath(t *testing.T) {
	t.Run("quotes the filename under the subdirectory", func(t *testing.T) {
		s := newTestFileStore(t)

		p, err := s.Abspath(&UploadedFile{Subdir: "3", Filename: "build log.txt"})
		if err != nil {
			t.Fatalf("didn't want %v", err)
		}
		if want := filepath.Join(s.Root(), "3", "build%20log.txt"); p != want {
			t.Errorf("got %q, want %q", p, want)
		}
	})

	t.Run("rejects a subdirectory escaping the root", func(t *testing.T) {
		s := newTestFileStore(t)

		_, err := s.Abspath(&UploadedFile{Subdir: "../../etc", Filename: "passwd"})
		if !errors.Is(err, ErrPathOutsideRoot) {
			t.Errorf("got %v, want %v", err, ErrPathOutsideRoot)
		}
	})
}

func TestFileStoreWrite(t *testing.T) {
	s := newTestFileStore(t)

	f := &UploadedFile{Subdir: "0", Filename: "output.tar.gz"}
	if err := s.Write(f, []byte("data")); err != nil {
		t.Fatalf("didn't want %v", err)
	}

	got, err := s.Read(f)
	if err != nil {
		t.Fatalf("didn't want %v", err)
	}
	if want := "data"; string(got) != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestFileStoreSweep(t *testing.T) {
	t.Run("keeps the newest subdirectories within the budget", func(t *testing.T) {
		s := newTestFileStore(t)
		now := time.Now()
		writeSubdir(t, s, "2", 60, now)
		writeSubdir(t, s, "1", 30, now.Add(-time.Hour))
		writeSubdir(t, s, "0", 50, now.Add(-2*time.Hour))

		if err := s.Sweep(100); err != nil {
			t.Fatalf("didn't want %v", err)
		}

		for _, name := range []string{"2", "1"} {
			if _, err := os.Stat(filepath.Join(s.Root(), name)); err != nil {
				t.Errorf("didn't want %v; subdirectory %q fits the budget", err, name)
			}
		}
		if _, err := os.Stat(filepath.Join(s.Root(), "0")); !errors.Is(err, os.ErrNotExist) {
			t.Errorf("got %v, want the oldest subdirectory removed", err)
		}
	})

	t.Run("leaves everything when the budget isn't exceeded", func(t *testing.T) {
		s := newTestFileStore(t)
		now := time.Now()
		writeSubdir(t, s, "1", 10, now)
		writeSubdir(t, s, "0", 10, now.Add(-time.Hour))

		if err := s.Sweep(100); err != nil {
			t.Fatalf("didn't want %v", err)
		}

		entries, err := os.ReadDir(s.Root())
		if err != nil {
			t.Fatalf("didn't want %v", err)
		}
		if got, want := len(entries), 2; got != want {
			t.Errorf("got %d subdirectories, want %d", got, want)
		}
	})

	t.Run("evicts regardless of which package owns a subdirectory", func(t *testing.T) {
		// A small infrequently updated result can be evicted entirely by
		// newer, larger neighbors.
		s := newTestFileStore(t)
		now := time.Now()
		writeSubdir(t, s, "9", 100, now)
		writeSubdir(t, s, "0", 1, now.Add(-24*time.Hour))

		if err := s.Sweep(100); err != nil {
			t.Fatalf("didn't want %v", err)
		}

		if _, err := os.Stat(filepath.Join(s.Root(), "0")); !errors.Is(err, os.ErrNotExist) {
			t.Errorf("got %v, want the old subdirectory removed", err)
		}
	})
}
