package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	fverr "github.com/framevault/framevault/internal/errors"
)

const testPrefix = "raw_frames/ML-2020-01-02-03-04-05-0001"

func newTestBackend(t *testing.T) *LocalBackend {
	t.Helper()
	backend, err := NewLocalBackend(t.TempDir(), testPrefix)
	if err != nil {
		t.Fatalf("NewLocalBackend failed: %v", err)
	}
	return backend
}

func TestPutAndGet(t *testing.T) {
	backend := newTestBackend(t)
	ctx := context.Background()

	content := []byte("frame bytes")
	if err := backend.Put(ctx, "im_c000_z000_t000_p000.png", content); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	data, err := backend.Get(ctx, "im_c000_z000_t000_p000.png")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(data) != string(content) {
		t.Errorf("Get data = %q, want %q", data, content)
	}
}

func TestPutNestedName(t *testing.T) {
	backend := newTestBackend(t)
	ctx := context.Background()

	content := []byte("nested content")
	if err := backend.Put(ctx, "meta/global_metadata.json", content); err != nil {
		t.Fatalf("Put (nested) failed: %v", err)
	}

	data, err := backend.Get(ctx, "meta/global_metadata.json")
	if err != nil {
		t.Fatalf("Get (nested) failed: %v", err)
	}
	if string(data) != string(content) {
		t.Errorf("nested data = %q, want %q", data, content)
	}
}

func TestPutAtomicWrite(t *testing.T) {
	backend := newTestBackend(t)
	ctx := context.Background()

	// Put an object; verify no temp files remain in .tmp.
	if err := backend.Put(ctx, "atomic.png", []byte("atomic write test")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	tmpDir := filepath.Join(backend.Root, ".tmp")
	entries, err := os.ReadDir(tmpDir)
	if err != nil {
		t.Fatalf("ReadDir .tmp failed: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf(".tmp directory should be empty after Put, has %d entries", len(entries))
	}

	// Verify the object file exists at the expected path.
	objPath := filepath.Join(backend.Root, filepath.FromSlash(testPrefix), "atomic.png")
	if _, err := os.Stat(objPath); os.IsNotExist(err) {
		t.Error("Object file does not exist at expected path")
	}
}

func TestPutOverwrite(t *testing.T) {
	backend := newTestBackend(t)
	ctx := context.Background()

	if err := backend.Put(ctx, "overwrite.png", []byte("version 1")); err != nil {
		t.Fatalf("Put v1 failed: %v", err)
	}
	if err := backend.Put(ctx, "overwrite.png", []byte("version 2!!")); err != nil {
		t.Fatalf("Put v2 failed: %v", err)
	}

	data, err := backend.Get(ctx, "overwrite.png")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(data) != "version 2!!" {
		t.Errorf("data = %q, want %q", data, "version 2!!")
	}
}

func TestGetNotFound(t *testing.T) {
	backend := newTestBackend(t)
	ctx := context.Background()

	_, err := backend.Get(ctx, "nonexistent.png")
	if err == nil {
		t.Fatal("Get should return error for non-existent object")
	}
	if !errors.Is(err, fverr.ErrObjectNotFound) {
		t.Errorf("Get error = %v, want ErrObjectNotFound", err)
	}
	if !fverr.IsNotFound(err) {
		t.Errorf("IsNotFound(%v) = false, want true", err)
	}
}

func TestExists(t *testing.T) {
	backend := newTestBackend(t)
	ctx := context.Background()

	exists, err := backend.Exists(ctx, "nope.png")
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}
	if exists {
		t.Error("Exists should return false for non-existent object")
	}

	if err := backend.Put(ctx, "yep.png", []byte("data")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	exists, err = backend.Exists(ctx, "yep.png")
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}
	if !exists {
		t.Error("Exists should return true for existing object")
	}
}

func TestList(t *testing.T) {
	backend := newTestBackend(t)
	ctx := context.Background()

	// Empty prefix lists nothing.
	names, err := backend.List(ctx)
	if err != nil {
		t.Fatalf("List (empty) failed: %v", err)
	}
	if len(names) != 0 {
		t.Errorf("List (empty) = %v, want no names", names)
	}

	for _, name := range []string{
		"im_c001_z000_t000_p000.png",
		"im_c000_z000_t000_p000.png",
		"meta/global_metadata.json",
	} {
		if err := backend.Put(ctx, name, []byte(name)); err != nil {
			t.Fatalf("Put %q failed: %v", name, err)
		}
	}

	names, err = backend.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	want := []string{
		"im_c000_z000_t000_p000.png",
		"im_c001_z000_t000_p000.png",
		"meta/global_metadata.json",
	}
	if !reflect.DeepEqual(names, want) {
		t.Errorf("List = %v, want %v", names, want)
	}
}

func TestAssertUnique(t *testing.T) {
	backend := newTestBackend(t)
	ctx := context.Background()

	// Fresh prefix passes.
	if err := backend.AssertUnique(ctx); err != nil {
		t.Fatalf("AssertUnique (fresh) failed: %v", err)
	}

	if err := backend.Put(ctx, "im_c000_z000_t000_p000.png", []byte("x")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	err := backend.AssertUnique(ctx)
	if err == nil {
		t.Fatal("AssertUnique should fail on occupied prefix")
	}
	if !errors.Is(err, fverr.ErrPrefixExists) {
		t.Errorf("AssertUnique error = %v, want ErrPrefixExists", err)
	}
	if !fverr.IsAlreadyExists(err) {
		t.Errorf("IsAlreadyExists(%v) = false, want true", err)
	}
}

func TestPrefixIsolation(t *testing.T) {
	root := t.TempDir()
	ctx := context.Background()

	a, err := NewLocalBackend(root, "raw_frames/ML-2020-01-02-03-04-05-0001")
	if err != nil {
		t.Fatalf("NewLocalBackend a failed: %v", err)
	}
	b, err := NewLocalBackend(root, "raw_frames/ML-2020-01-02-03-04-05-0002")
	if err != nil {
		t.Fatalf("NewLocalBackend b failed: %v", err)
	}

	if err := a.Put(ctx, "im_c000_z000_t000_p000.png", []byte("a")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	// The second prefix stays unique and empty.
	if err := b.AssertUnique(ctx); err != nil {
		t.Errorf("AssertUnique on sibling prefix failed: %v", err)
	}
	exists, err := b.Exists(ctx, "im_c000_z000_t000_p000.png")
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}
	if exists {
		t.Error("object from sibling prefix should not be visible")
	}
}

func TestCleanTempFiles(t *testing.T) {
	root := t.TempDir()
	tmpDir := filepath.Join(root, ".tmp")
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}
	for _, name := range []string{"tmp-abc123", "tmp-def456"} {
		if err := os.WriteFile(filepath.Join(tmpDir, name), []byte("orphan"), 0o644); err != nil {
			t.Fatalf("WriteFile failed: %v", err)
		}
	}

	// Construction cleans leftovers from interrupted writes.
	if _, err := NewLocalBackend(root, testPrefix); err != nil {
		t.Fatalf("NewLocalBackend failed: %v", err)
	}

	entries, err := os.ReadDir(tmpDir)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("Expected 0 temp files after construction, got %d", len(entries))
	}
}

func TestHealthCheck(t *testing.T) {
	backend := newTestBackend(t)
	ctx := context.Background()

	if err := backend.HealthCheck(ctx); err != nil {
		t.Fatalf("HealthCheck failed: %v", err)
	}

	// A vanished mount root is a transient storage failure.
	if err := os.RemoveAll(backend.Root); err != nil {
		t.Fatalf("RemoveAll failed: %v", err)
	}
	err := backend.HealthCheck(ctx)
	if err == nil {
		t.Fatal("HealthCheck should fail on missing mount root")
	}
	if !fverr.IsTransient(err) {
		t.Errorf("IsTransient(%v) = false, want true", err)
	}
}
