package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"testing"

	gcs "cloud.google.com/go/storage"

	fverr "github.com/framevault/framevault/internal/errors"
)

// mockGCSClient implements GCSAPI for unit testing.
type mockGCSClient struct {
	// objects stores all objects keyed by their GCS object name.
	objects map[string][]byte
	// listErr, when set, is returned by ListObjects.
	listErr error
}

func newMockGCSClient() *mockGCSClient {
	return &mockGCSClient{objects: make(map[string][]byte)}
}

// mockGCSWriter buffers writes and commits the object on Close, like
// the real GCS writer.
type mockGCSWriter struct {
	buf    bytes.Buffer
	client *mockGCSClient
	object string
}

func (w *mockGCSWriter) Write(p []byte) (int, error) { return w.buf.Write(p) }

func (w *mockGCSWriter) Close() error {
	w.client.objects[w.object] = w.buf.Bytes()
	return nil
}

func (m *mockGCSClient) NewWriter(ctx context.Context, bucket, object string) GCSWriter {
	return &mockGCSWriter{client: m, object: object}
}

func (m *mockGCSClient) NewReader(ctx context.Context, bucket, object string) (io.ReadCloser, error) {
	data, ok := m.objects[object]
	if !ok {
		return nil, gcs.ErrObjectNotExist
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *mockGCSClient) Attrs(ctx context.Context, bucket, object string) (*GCSAttrs, error) {
	data, ok := m.objects[object]
	if !ok {
		return nil, gcs.ErrObjectNotExist
	}
	return &GCSAttrs{Size: int64(len(data))}, nil
}

func (m *mockGCSClient) ListObjects(ctx context.Context, bucket, prefix string) ([]string, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	var names []string
	for name := range m.objects {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func newTestGCSBackend(t *testing.T) (*GCSBackend, *mockGCSClient) {
	t.Helper()
	mock := newMockGCSClient()
	backend := NewGCSBackendWithClient("test-bucket", "test-project", testPrefix, mock)
	return backend, mock
}

// --- Tests ---

func TestGCSPutAndGet(t *testing.T) {
	backend, mock := newTestGCSBackend(t)
	ctx := context.Background()

	content := []byte("frame bytes")
	if err := backend.Put(ctx, "im_c000_z000_t000_p000.png", content); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	// The object commits under {prefix}/{name}.
	expectedName := testPrefix + "/im_c000_z000_t000_p000.png"
	if _, ok := mock.objects[expectedName]; !ok {
		t.Errorf("object should be stored at %q", expectedName)
	}

	data, err := backend.Get(ctx, "im_c000_z000_t000_p000.png")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(data) != string(content) {
		t.Errorf("data = %q, want %q", data, content)
	}
}

func TestGCSGetNotFound(t *testing.T) {
	backend, _ := newTestGCSBackend(t)
	ctx := context.Background()

	_, err := backend.Get(ctx, "nonexistent.png")
	if err == nil {
		t.Fatal("Get should fail for non-existent object")
	}
	if !errors.Is(err, fverr.ErrObjectNotFound) {
		t.Errorf("Get error = %v, want ErrObjectNotFound", err)
	}
}

func TestGCSExists(t *testing.T) {
	backend, _ := newTestGCSBackend(t)
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

func TestGCSListAndAssertUnique(t *testing.T) {
	backend, _ := newTestGCSBackend(t)
	ctx := context.Background()

	if err := backend.AssertUnique(ctx); err != nil {
		t.Fatalf("AssertUnique (fresh) failed: %v", err)
	}

	for _, name := range []string{
		"im_c001_z000_t000_p000.png",
		"im_c000_z000_t000_p000.png",
	} {
		if err := backend.Put(ctx, name, []byte(name)); err != nil {
			t.Fatalf("Put %q failed: %v", name, err)
		}
	}

	names, err := backend.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	want := []string{"im_c000_z000_t000_p000.png", "im_c001_z000_t000_p000.png"}
	if len(names) != len(want) || names[0] != want[0] || names[1] != want[1] {
		t.Errorf("List = %v, want %v", names, want)
	}

	err = backend.AssertUnique(ctx)
	if !errors.Is(err, fverr.ErrPrefixExists) {
		t.Errorf("AssertUnique error = %v, want ErrPrefixExists", err)
	}
}

func TestGCSHealthCheckUnavailable(t *testing.T) {
	backend, mock := newTestGCSBackend(t)
	ctx := context.Background()

	if err := backend.HealthCheck(ctx); err != nil {
		t.Fatalf("HealthCheck failed: %v", err)
	}

	mock.listErr = errors.New("dial tcp: connection refused")
	err := backend.HealthCheck(ctx)
	if err == nil {
		t.Fatal("HealthCheck should fail when the bucket is unreachable")
	}
	if !fverr.IsTransient(err) {
		t.Errorf("IsTransient(%v) = false, want true", err)
	}
}

func TestIsGCSNotFound(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"object not exist", gcs.ErrObjectNotExist, true},
		{"bucket not exist", gcs.ErrBucketNotExist, true},
		{"wrapped sentinel", fmt.Errorf("opening object: %w", gcs.ErrObjectNotExist), true},
		{"message fallback", errors.New("googleapi: Error 404: Not Found"), true},
		{"other", errors.New("boom"), false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := isGCSNotFound(tc.err); got != tc.want {
				t.Errorf("isGCSNotFound(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestGCSInterfaceCompliance(t *testing.T) {
	var _ Backend = (*GCSBackend)(nil)
}
