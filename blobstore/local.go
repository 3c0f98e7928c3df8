package blobstore

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Compile-time check to ensure LocalStore satisfies the BlobStore interface.
var _ BlobStore = (*LocalStore)(nil)

// LocalStore implements BlobStore using the local file system.
// Writes go to a temp file and are published via atomic rename on Close.
type LocalStore struct {
	root string
}

// NewLocalStore creates a new LocalStore rooted at the given directory.
// The directory is created if it does not exist.
func NewLocalStore(root string) (*LocalStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &LocalStore{root: root}, nil
}

// Open opens a blob for reading.
func (s *LocalStore) Open(_ context.Context, name string) (Blob, error) {
	path := filepath.Join(s.root, name)

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	return &localBlob{File: f, size: info.Size()}, nil
}

// Create creates a new writable blob. Parent directories for nested names
// are created as needed.
func (s *LocalStore) Create(_ context.Context, name string) (WritableBlob, error) {
	path := filepath.Join(s.root, name)
	tmpPath := path + ".tmp"

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}

	return &localWritableBlob{f: f, tmpPath: tmpPath, path: path}, nil
}

// Delete removes a blob. Deleting a missing blob is not an error.
func (s *LocalStore) Delete(_ context.Context, name string) error {
	err := os.Remove(filepath.Join(s.root, name))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// List returns all blob names with the given prefix, sorted. Nested blobs
// are reported with slash-separated names relative to the store root.
func (s *LocalStore) List(_ context.Context, prefix string) ([]string, error) {
	var names []string
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if strings.HasSuffix(d.Name(), ".tmp") {
			return nil // unpublished write in progress
		}

		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

// localBlob implements Blob backed by an os.File.
type localBlob struct {
	*os.File
	size int64
}

func (b *localBlob) Size() int64 { return b.size }

// localWritableBlob implements WritableBlob with atomic publish on Close.
type localWritableBlob struct {
	f        *os.File
	tmpPath  string
	path     string
	finished bool
}

func (w *localWritableBlob) Write(p []byte) (int, error) {
	return w.f.Write(p)
}

func (w *localWritableBlob) Sync() error {
	return w.f.Sync()
}

func (w *localWritableBlob) Close() error {
	if w.finished {
		return nil
	}
	w.finished = true

	if err := w.f.Sync(); err != nil {
		w.f.Close()
		os.Remove(w.tmpPath)
		return err
	}
	if err := w.f.Close(); err != nil {
		os.Remove(w.tmpPath)
		return err
	}
	return os.Rename(w.tmpPath, w.path)
}

// Abort discards the temp file; nothing is published.
func (w *localWritableBlob) Abort() error {
	if w.finished {
		return nil
	}
	w.finished = true

	w.f.Close()
	err := os.Remove(w.tmpPath)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
