package storage

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	fverr "github.com/framevault/framevault/internal/errors"
	"github.com/framevault/framevault/internal/uid"
)

// LocalBackend stores objects as files under a configurable mount root.
// The dataset prefix maps directly to a directory tree, so an object
// named im_c000_z000_t000_p000.png under prefix raw_frames/<serial>
// lands at <root>/raw_frames/<serial>/im_c000_z000_t000_p000.png.
type LocalBackend struct {
	// Root is the mount root under which all prefixes are stored.
	Root string

	prefix string
}

// NewLocalBackend creates a LocalBackend rooted at root and scoped to
// prefix. It creates the root and the temp directory for atomic writes,
// and clears temp files left behind by a previous crash.
func NewLocalBackend(root, prefix string) (*LocalBackend, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating mount root %q: %w", root, err)
	}
	tmpDir := filepath.Join(root, ".tmp")
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating temp directory %q: %w", tmpDir, err)
	}
	b := &LocalBackend{Root: root, prefix: prefix}
	if err := b.cleanTempFiles(); err != nil {
		return nil, err
	}
	return b, nil
}

// cleanTempFiles removes leftovers from interrupted writes. Any file in
// .tmp indicates an incomplete write from a previous crash.
func (b *LocalBackend) cleanTempFiles() error {
	tmpDir := filepath.Join(b.Root, ".tmp")
	entries, err := os.ReadDir(tmpDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading temp directory: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			os.Remove(filepath.Join(tmpDir, entry.Name()))
		}
	}
	return nil
}

// Prefix returns the dataset-scoped prefix.
func (b *LocalBackend) Prefix() string { return b.prefix }

// prefixDir returns the directory holding this backend's objects.
func (b *LocalBackend) prefixDir() string {
	return filepath.Join(b.Root, filepath.FromSlash(b.prefix))
}

// objectPath returns the full filesystem path for an object name.
func (b *LocalBackend) objectPath(name string) string {
	return filepath.Join(b.prefixDir(), filepath.FromSlash(name))
}

// tempPath returns a unique temporary file path in the .tmp directory.
func (b *LocalBackend) tempPath() string {
	return filepath.Join(b.Root, ".tmp", "tmp-"+uid.New())
}

// Exists reports whether the named object exists as a regular file.
func (b *LocalBackend) Exists(ctx context.Context, name string) (bool, error) {
	info, err := os.Stat(b.objectPath(name))
	if err == nil {
		return !info.IsDir(), nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("checking %q: %w", name, err)
}

// Put writes object data using the crash-only atomic pattern: write to a
// temp file, fsync, rename into place. Parent directories are created
// on demand.
func (b *LocalBackend) Put(ctx context.Context, name string, data []byte) error {
	objPath := b.objectPath(name)
	if err := os.MkdirAll(filepath.Dir(objPath), 0o755); err != nil {
		return fmt.Errorf("creating parent directories for %q: %w", name, err)
	}

	tmpPath := b.tempPath()
	tmpFile, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing object data: %w", err)
	}

	// Fsync before rename to guarantee durability.
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, objPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming temp file to %q: %w", name, err)
	}
	return nil
}

// Get reads the named object's bytes.
func (b *LocalBackend) Get(ctx context.Context, name string) ([]byte, error) {
	data, err := os.ReadFile(b.objectPath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fverr.ErrObjectNotFound.WithField("path", b.prefix+"/"+name)
		}
		return nil, fmt.Errorf("reading object %q: %w", name, err)
	}
	return data, nil
}

// List walks the prefix directory and returns all object names, sorted,
// relative to the prefix with slash separators.
func (b *LocalBackend) List(ctx context.Context) ([]string, error) {
	dir := b.prefixDir()
	var names []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(dir, path)
		if relErr != nil {
			return relErr
		}
		names = append(names, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing %q: %w", b.prefix, err)
	}
	sort.Strings(names)
	return names, nil
}

// AssertUnique fails if the prefix directory already holds any object.
func (b *LocalBackend) AssertUnique(ctx context.Context) error {
	found := false
	err := filepath.WalkDir(b.prefixDir(), func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			found = true
			return fs.SkipAll
		}
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("checking prefix %q: %w", b.prefix, err)
	}
	if found {
		return fverr.ErrPrefixExists.WithField("prefix", b.prefix)
	}
	return nil
}

// HealthCheck verifies that the mount root is accessible.
func (b *LocalBackend) HealthCheck(ctx context.Context) error {
	if _, err := os.Stat(b.Root); err != nil {
		return fverr.ErrStorageUnavailable.WithMessage("mount root %q: %v", b.Root, err)
	}
	return nil
}

// Close is a no-op for the local backend.
func (b *LocalBackend) Close() error { return nil }
