package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const tempPrefix = ".tmp-"

// Filesystem implements Backend using a local directory.
// Writes go to a temp file that is renamed into place on success.
type Filesystem struct {
	root string
}

// NewFilesystem creates a filesystem backend rooted at root, creating the
// directory if needed.
func NewFilesystem(root string) (*Filesystem, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving root path: %w", err)
	}
	if err := os.MkdirAll(absRoot, 0o755); err != nil {
		return nil, fmt.Errorf("creating root directory: %w", err)
	}
	return &Filesystem{root: absRoot}, nil
}

// Root returns the root directory path.
func (f *Filesystem) Root() string {
	return f.root
}

// Write stores data at key.
func (f *Filesystem) Write(ctx context.Context, key string, r io.Reader) error {
	w, err := f.writer(key)
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, r); err != nil {
		_ = w.abort()
		return fmt.Errorf("writing data: %w", err)
	}
	return w.Close()
}

// WriteFramed stores a framed body at key.
func (f *Filesystem) WriteFramed(ctx context.Context, key string, header *BodyHeader, body io.Reader) error {
	w, err := f.writer(key)
	if err != nil {
		return err
	}
	if err := WriteFramed(w, header, body); err != nil {
		_ = w.abort()
		return err
	}
	return w.Close()
}

// Read retrieves data at key.
func (f *Filesystem) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	file, err := os.Open(f.path(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("opening file: %w", err)
	}
	return file, nil
}

// ReadFramed returns the header of the framed body at key and a reader for the body.
func (f *Filesystem) ReadFramed(ctx context.Context, key string) (*BodyHeader, io.ReadCloser, error) {
	rc, err := f.Read(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	header, body, err := ReadFramed(rc)
	if err != nil {
		_ = rc.Close()
		return nil, nil, err
	}
	return header, struct {
		io.Reader
		io.Closer
	}{body, rc}, nil
}

// Delete removes data at key.
func (f *Filesystem) Delete(ctx context.Context, key string) error {
	if err := os.Remove(f.path(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing file: %w", err)
	}
	return nil
}

// Exists checks if key exists.
func (f *Filesystem) Exists(ctx context.Context, key string) (bool, error) {
	_, err := os.Stat(f.path(key))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("checking file: %w", err)
	}
}

// List returns all keys under prefix, skipping in-progress writes.
func (f *Filesystem) List(ctx context.Context, prefix string) ([]string, error) {
	dir := f.path(prefix)
	if _, err := os.Stat(dir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("stat path: %w", err)
	}

	var keys []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), tempPrefix) {
			return nil
		}
		rel, err := filepath.Rel(f.root, path)
		if err != nil {
			return err
		}
		keys = append(keys, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking directory: %w", err)
	}
	return keys, nil
}

// Size returns the size of the data at key.
func (f *Filesystem) Size(ctx context.Context, key string) (int64, error) {
	info, err := os.Stat(f.path(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("stat file: %w", err)
	}
	return info.Size(), nil
}

func (f *Filesystem) path(key string) string {
	return filepath.Join(f.root, filepath.FromSlash(key))
}

func (f *Filesystem) writer(key string) (*atomicWriter, error) {
	dst := f.path(key)
	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating directory %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, tempPrefix+"*")
	if err != nil {
		return nil, fmt.Errorf("creating temp file: %w", err)
	}
	return &atomicWriter{f: tmp, dst: dst}, nil
}

// atomicWriter renames its temp file over the destination on Close.
type atomicWriter struct {
	f      *os.File
	dst    string
	closed bool
}

func (w *atomicWriter) Write(p []byte) (int, error) {
	return w.f.Write(p)
}

func (w *atomicWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	tmp := w.f.Name()
	if err := w.f.Sync(); err != nil {
		_ = w.f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("syncing file: %w", err)
	}
	if err := w.f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmp, w.dst); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("renaming temp file: %w", err)
	}
	return nil
}

func (w *atomicWriter) abort() error {
	if w.closed {
		return nil
	}
	w.closed = true
	_ = w.f.Close()
	return os.Remove(w.f.Name())
}

// Compile-time interface checks
var (
	_ Backend          = (*Filesystem)(nil)
	_ SizeAwareBackend = (*Filesystem)(nil)
	_ FramedBackend    = (*Filesystem)(nil)
)
