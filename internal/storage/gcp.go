// Google Cloud Storage backend for FrameVault.
//
// Frames and files are stored in a GCS bucket under the dataset-scoped
// prefix. Credentials are resolved via Application Default Credentials
// (GOOGLE_APPLICATION_CREDENTIALS, gcloud auth, metadata server).

package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/iterator"

	fverr "github.com/framevault/framevault/internal/errors"
)

// GCSAPI defines the subset of the GCS client interface that the backend
// uses. This allows mocking in tests.
type GCSAPI interface {
	// NewWriter returns a writer for the given GCS object.
	NewWriter(ctx context.Context, bucket, object string) GCSWriter
	// NewReader returns a reader for the given GCS object.
	NewReader(ctx context.Context, bucket, object string) (io.ReadCloser, error)
	// Attrs returns the attributes of the given GCS object.
	Attrs(ctx context.Context, bucket, object string) (*GCSAttrs, error)
	// ListObjects lists object names with the given prefix.
	ListObjects(ctx context.Context, bucket, prefix string) ([]string, error)
}

// GCSWriter is a writer interface for writing to GCS objects.
type GCSWriter interface {
	io.WriteCloser
}

// GCSAttrs holds object attributes returned from GCS operations.
type GCSAttrs struct {
	Size int64
}

// realGCSClient wraps the official GCS client to satisfy GCSAPI.
type realGCSClient struct {
	client *gcs.Client
}

func (c *realGCSClient) NewWriter(ctx context.Context, bucket, object string) GCSWriter {
	return c.client.Bucket(bucket).Object(object).NewWriter(ctx)
}

func (c *realGCSClient) NewReader(ctx context.Context, bucket, object string) (io.ReadCloser, error) {
	return c.client.Bucket(bucket).Object(object).NewReader(ctx)
}

func (c *realGCSClient) Attrs(ctx context.Context, bucket, object string) (*GCSAttrs, error) {
	attrs, err := c.client.Bucket(bucket).Object(object).Attrs(ctx)
	if err != nil {
		return nil, err
	}
	return &GCSAttrs{Size: attrs.Size}, nil
}

func (c *realGCSClient) ListObjects(ctx context.Context, bucket, prefix string) ([]string, error) {
	it := c.client.Bucket(bucket).Objects(ctx, &gcs.Query{Prefix: prefix})
	var names []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, err
		}
		names = append(names, attrs.Name)
	}
	return names, nil
}

// GCSBackend implements the Backend interface against a GCS bucket.
type GCSBackend struct {
	// Bucket is the GCS bucket name.
	Bucket string
	// Project is the GCP project ID.
	Project string

	prefix string
	client GCSAPI
}

// NewGCSBackend creates a GCSBackend scoped to prefix, initializing the
// GCS client with Application Default Credentials and verifying the
// bucket is reachable.
func NewGCSBackend(ctx context.Context, bucket, project, prefix string) (*GCSBackend, error) {
	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating GCS client: %w", err)
	}

	b := &GCSBackend{
		Bucket:  bucket,
		Project: project,
		prefix:  prefix,
		client:  &realGCSClient{client: client},
	}

	if err := b.HealthCheck(ctx); err != nil {
		return nil, err
	}

	slog.Info("gcs backend initialized",
		"bucket", bucket, "project", project, "prefix", prefix)
	return b, nil
}

// NewGCSBackendWithClient creates a GCSBackend with a pre-configured
// client. This is primarily used for testing with mock clients.
func NewGCSBackendWithClient(bucket, project, prefix string, client GCSAPI) *GCSBackend {
	return &GCSBackend{Bucket: bucket, Project: project, prefix: prefix, client: client}
}

// Prefix returns the dataset-scoped prefix.
func (b *GCSBackend) Prefix() string { return b.prefix }

// object maps a relative name to its GCS object name.
func (b *GCSBackend) object(name string) string {
	return b.prefix + "/" + name
}

// Exists checks object existence via an attributes fetch.
func (b *GCSBackend) Exists(ctx context.Context, name string) (bool, error) {
	_, err := b.client.Attrs(ctx, b.Bucket, b.object(name))
	if err != nil {
		if isGCSNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("checking object %q in GCS: %w", name, err)
	}
	return true, nil
}

// Put uploads the object bytes. GCS writers commit on Close, so a
// failed write never leaves a partial object visible.
func (b *GCSBackend) Put(ctx context.Context, name string, data []byte) error {
	w := b.client.NewWriter(ctx, b.Bucket, b.object(name))
	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("writing %q to GCS: %w", name, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("committing %q to GCS: %w", name, err)
	}
	return nil
}

// Get downloads the object bytes.
func (b *GCSBackend) Get(ctx context.Context, name string) ([]byte, error) {
	r, err := b.client.NewReader(ctx, b.Bucket, b.object(name))
	if err != nil {
		if isGCSNotFound(err) {
			return nil, fverr.ErrObjectNotFound.WithField("path", b.object(name))
		}
		return nil, fmt.Errorf("opening object %q in GCS: %w", name, err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading object %q from GCS: %w", name, err)
	}
	return data, nil
}

// List returns all relative object names under the prefix, sorted.
func (b *GCSBackend) List(ctx context.Context) ([]string, error) {
	objects, err := b.client.ListObjects(ctx, b.Bucket, b.prefix+"/")
	if err != nil {
		return nil, fmt.Errorf("listing prefix %q in GCS: %w", b.prefix, err)
	}
	names := make([]string, 0, len(objects))
	for _, obj := range objects {
		names = append(names, trimPrefix(obj, b.prefix))
	}
	sort.Strings(names)
	return names, nil
}

// AssertUnique fails if the prefix already holds any object.
func (b *GCSBackend) AssertUnique(ctx context.Context) error {
	objects, err := b.client.ListObjects(ctx, b.Bucket, b.prefix+"/")
	if err != nil {
		return fmt.Errorf("checking prefix %q in GCS: %w", b.prefix, err)
	}
	if len(objects) > 0 {
		return fverr.ErrPrefixExists.WithField("prefix", b.prefix)
	}
	return nil
}

// HealthCheck verifies the bucket is accessible by listing a name that
// cannot exist.
func (b *GCSBackend) HealthCheck(ctx context.Context) error {
	if _, err := b.client.ListObjects(ctx, b.Bucket, "\x00nonexistent\x00"); err != nil {
		return fverr.ErrStorageUnavailable.
			WithMessage("cannot access GCS bucket %q: %v", b.Bucket, err)
	}
	return nil
}

// Close is a no-op; reader/writer lifetimes are per-call.
func (b *GCSBackend) Close() error { return nil }

// isGCSNotFound checks if a GCS error is a 404/not-found error.
func isGCSNotFound(err error) bool {
	if errors.Is(err, gcs.ErrObjectNotExist) || errors.Is(err, gcs.ErrBucketNotExist) {
		return true
	}
	if err != nil {
		msg := strings.ToLower(err.Error())
		if strings.Contains(msg, "not found") || strings.Contains(msg, "404") {
			return true
		}
	}
	return false
}
