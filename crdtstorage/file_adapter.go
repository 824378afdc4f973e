package crdtstorage

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
)

// FileAdapter is a filesystem-backed Storage: a Key maps directly onto
// a relative path under basePath, one file per entry. Grounded on the
// teacher's FilePersistence, generalized from a fixed per-document
// ".json" file to the spec's arbitrary path-segment keys (snapshot and
// incremental-change blobs alike).
type FileAdapter struct {
	basePath string
	mu       sync.Mutex
}

// NewFileAdapter creates a Storage rooted at basePath, creating the
// directory if it does not exist.
func NewFileAdapter(basePath string) (*FileAdapter, error) {
	if basePath == "" {
		basePath = "documents"
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, errors.Wrap(err, "creating storage root")
	}
	return &FileAdapter{basePath: basePath}, nil
}

func (a *FileAdapter) path(key Key) string {
	return filepath.Join(append([]string{a.basePath}, []string(key)...)...)
}

func (a *FileAdapter) Load(_ context.Context, key Key) ([]byte, bool, error) {
	data, err := os.ReadFile(a.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, errors.Wrapf(err, "reading %s", key.String())
	}
	return data, true, nil
}

// LoadRange walks every file under prefix, returning its contents
// keyed by its path relative to basePath. Used to enumerate a
// document's incremental changes (§6's "/<docId>/incremental/*" range
// load) ahead of compaction.
func (a *FileAdapter) LoadRange(_ context.Context, prefix Key) ([]KV, error) {
	root := a.path(prefix)
	info, err := os.Stat(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "stat %s", prefix.String())
	}
	if !info.IsDir() {
		data, err := os.ReadFile(root)
		if err != nil {
			return nil, err
		}
		return []KV{{Key: prefix, Value: data}}, nil
	}

	var out []KV
	err = filepath.Walk(root, func(p string, fi os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if fi.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(a.basePath, p)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		out = append(out, KV{Key: ParseKey(filepath.ToSlash(rel)), Value: data})
		return nil
	})
	return out, err
}

// Put writes value via a temp-file-then-rename so a concurrent Load
// never observes a partially-written file.
func (a *FileAdapter) Put(_ context.Context, key Key, value []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	full := a.path(key)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return errors.Wrap(err, "creating parent directory")
	}
	tmp := full + ".tmp"
	if err := os.WriteFile(tmp, value, 0o644); err != nil {
		return errors.Wrapf(err, "writing %s", key.String())
	}
	return os.Rename(tmp, full)
}

func (a *FileAdapter) Delete(_ context.Context, key Key) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	err := os.Remove(a.path(key))
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "deleting %s", key.String())
	}
	return nil
}

func (a *FileAdapter) Close() error { return nil }
