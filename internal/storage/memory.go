package storage

import (
	"context"
	"sort"
	"sync"

	fverr "github.com/framevault/framevault/internal/errors"
)

// MemoryBackend implements Backend with an in-memory map. It exists for
// tests and for dry-run ingestions where nothing should touch disk.
type MemoryBackend struct {
	mu      sync.RWMutex
	prefix  string
	objects map[string][]byte
}

// NewMemoryBackend creates an empty MemoryBackend scoped to prefix.
func NewMemoryBackend(prefix string) *MemoryBackend {
	return &MemoryBackend{
		prefix:  prefix,
		objects: make(map[string][]byte),
	}
}

// Prefix returns the dataset-scoped prefix.
func (b *MemoryBackend) Prefix() string { return b.prefix }

// Exists reports whether the named object is present.
func (b *MemoryBackend) Exists(ctx context.Context, name string) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.objects[name]
	return ok, nil
}

// Put stores a copy of data under name.
func (b *MemoryBackend) Put(ctx context.Context, name string, data []byte) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	b.mu.Lock()
	b.objects[name] = cp
	b.mu.Unlock()
	return nil
}

// Get returns a copy of the named object's bytes.
func (b *MemoryBackend) Get(ctx context.Context, name string) ([]byte, error) {
	b.mu.RLock()
	data, ok := b.objects[name]
	b.mu.RUnlock()
	if !ok {
		return nil, fverr.ErrObjectNotFound.WithField("path", b.prefix+"/"+name)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

// List returns all object names, sorted.
func (b *MemoryBackend) List(ctx context.Context) ([]string, error) {
	b.mu.RLock()
	names := make([]string, 0, len(b.objects))
	for name := range b.objects {
		names = append(names, name)
	}
	b.mu.RUnlock()
	sort.Strings(names)
	return names, nil
}

// AssertUnique fails if any object is already stored.
func (b *MemoryBackend) AssertUnique(ctx context.Context) error {
	b.mu.RLock()
	n := len(b.objects)
	b.mu.RUnlock()
	if n > 0 {
		return fverr.ErrPrefixExists.WithField("prefix", b.prefix)
	}
	return nil
}

// HealthCheck always succeeds.
func (b *MemoryBackend) HealthCheck(ctx context.Context) error { return nil }

// Close is a no-op.
func (b *MemoryBackend) Close() error { return nil }

// Dump returns every stored object keyed by name. Test support.
func (b *MemoryBackend) Dump() map[string][]byte {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string][]byte, len(b.objects))
	for name, data := range b.objects {
		cp := make([]byte, len(data))
		copy(cp, data)
		out[name] = cp
	}
	return out
}
