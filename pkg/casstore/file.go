package casstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sys/unix"
)

const recordSuffix = ".json"

// FileBackend stores one JSON file per key inside a directory.
// It is safe for concurrent use by multiple goroutines and multiple processes
// sharing the same directory.
type FileBackend struct {
	dir string

	mu    sync.Mutex
	locks map[string]*sync.Mutex // key -> in-process writer lock
}

// NewFileBackend creates dir if needed and returns a backend rooted there.
func NewFileBackend(dir string) (*FileBackend, error) {
	if dir == "" {
		return nil, fmt.Errorf("store directory cannot be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: mkdir %s: %w", ErrIO, dir, err)
	}
	return &FileBackend{
		dir:   dir,
		locks: make(map[string]*sync.Mutex),
	}, nil
}

// Dir returns the directory records are stored in.
func (f *FileBackend) Dir() string {
	return f.dir
}

// Close is a no-op. Implements io.Closer.
func (f *FileBackend) Close() error {
	return nil
}

// Load reads the record for key. Readers take no lock: records are replaced by
// rename, so a reader sees either the old or the new file, never a partial one.
func (f *FileBackend) Load(ctx context.Context, key string) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(f.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", ErrIO, key, err)
	}

	content, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrIO, key, err)
	}

	return &Record{Key: key, Content: content, Version: versionOf(data)}, nil
}

// Swap atomically replaces the record if its version matches expectedVersion.
func (f *FileBackend) Swap(ctx context.Context, key, expectedVersion string, content []Item) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := Encode(content)
	if err != nil {
		return nil, err
	}

	unlock, err := f.lock(key)
	if err != nil {
		return nil, err
	}
	defer unlock()

	current := ""
	existing, err := os.ReadFile(f.path(key))
	switch {
	case err == nil:
		current = versionOf(existing)
	case !errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("%w: read %s: %w", ErrIO, key, err)
	}

	if current != expectedVersion {
		return nil, &ConflictError{Key: key, Expected: expectedVersion, Current: current}
	}

	if err := f.writeAtomic(key, data); err != nil {
		return nil, err
	}

	stored := make([]Item, len(content))
	copy(stored, content)
	return &Record{Key: key, Content: stored, Version: versionOf(data)}, nil
}

// Keys lists the logical keys with a stored record.
func (f *FileBackend) Keys() ([]string, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("%w: list %s: %w", ErrIO, f.dir, err)
	}

	var keys []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, recordSuffix) {
			continue
		}
		key, err := url.PathUnescape(strings.TrimSuffix(name, recordSuffix))
		if err != nil {
			continue
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// writeAtomic writes to a temp file in the same directory, fsyncs it and renames
// it over the record.
func (f *FileBackend) writeAtomic(key string, data []byte) error {
	tmp, err := os.CreateTemp(f.dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("%w: create temp for %s: %w", ErrIO, key, err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("%w: write temp for %s: %w", ErrIO, key, err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("%w: fsync temp for %s: %w", ErrIO, key, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: close temp for %s: %w", ErrIO, key, err)
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		return fmt.Errorf("%w: chmod temp for %s: %w", ErrIO, key, err)
	}
	if err := os.Rename(tmpPath, f.path(key)); err != nil {
		return fmt.Errorf("%w: rename %s: %w", ErrIO, key, err)
	}
	return nil
}

// lock serializes writers of one key: a mutex within the process, a flock on a
// sidecar file across processes.
func (f *FileBackend) lock(key string) (func(), error) {
	f.mu.Lock()
	m, ok := f.locks[key]
	if !ok {
		m = &sync.Mutex{}
		f.locks[key] = m
	}
	f.mu.Unlock()

	m.Lock()

	lf, err := os.OpenFile(f.lockPath(key), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		m.Unlock()
		return nil, fmt.Errorf("%w: open lock for %s: %w", ErrIO, key, err)
	}
	if err := unix.Flock(int(lf.Fd()), unix.LOCK_EX); err != nil {
		lf.Close()
		m.Unlock()
		return nil, fmt.Errorf("%w: flock %s: %w", ErrIO, key, err)
	}

	return func() {
		_ = unix.Flock(int(lf.Fd()), unix.LOCK_UN)
		_ = lf.Close()
		m.Unlock()
	}, nil
}

func (f *FileBackend) path(key string) string {
	return filepath.Join(f.dir, url.PathEscape(key)+recordSuffix)
}

func (f *FileBackend) lockPath(key string) string {
	return filepath.Join(f.dir, "."+url.PathEscape(key)+".lock")
}
