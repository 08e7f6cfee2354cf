// Package storage provides the FrameVault storage abstraction: uniform
// existence-checked put/get of named binary objects under a
// dataset-scoped prefix, over local-filesystem, S3, GCS, Azure Blob,
// SQLite, and in-memory backends.
package storage

import (
	"context"
	"fmt"
	"io"
	"strings"
)

// Backend is the uniform interface over all storage variants. A backend
// is constructed for a single dataset-scoped prefix (raw_frames/<serial>
// or raw_files/<serial>); object names passed to its methods are
// relative to that prefix. All methods must be safe for concurrent use.
type Backend interface {
	io.Closer

	// Prefix returns the dataset-scoped prefix fixed at construction.
	Prefix() string

	// Exists reports whether the named object exists under the prefix.
	Exists(ctx context.Context, name string) (bool, error)

	// Put writes an object. Writing identical bytes over an existing
	// object is a harmless no-op from the caller's point of view.
	Put(ctx context.Context, name string, data []byte) error

	// Get reads an object's bytes. A missing object is ErrObjectNotFound.
	Get(ctx context.Context, name string) ([]byte, error)

	// List returns the names of all objects under the prefix, sorted.
	List(ctx context.Context) ([]string, error)

	// AssertUnique fails with ErrPrefixExists if any object already
	// exists under the prefix. This is the guard against silently
	// overwriting a prior ingestion.
	AssertUnique(ctx context.Context) error

	// HealthCheck verifies the backend is reachable.
	HealthCheck(ctx context.Context) error
}

// Settings selects and configures a storage variant. Exactly one variant
// is chosen by Kind; the remaining fields configure that variant.
type Settings struct {
	// Kind is one of "local", "s3", "gcs", "azure", "sqlite", "memory".
	Kind string
	// MountRoot is the local backend's root directory.
	MountRoot string
	// Bucket is the S3 or GCS bucket name.
	Bucket string
	// Region is the AWS region for the s3 backend.
	Region string
	// Endpoint overrides the S3 endpoint URL (MinIO, on-prem gateways).
	Endpoint string
	// PathStyle forces path-style S3 addressing.
	PathStyle bool
	// AccessKeyID and SecretAccessKey optionally override the AWS
	// credential chain.
	AccessKeyID     string
	SecretAccessKey string
	// Project is the GCP project for the gcs backend.
	Project string
	// AccountURL and Container configure the azure backend; the
	// connection string takes precedence when set.
	AccountURL       string
	Container        string
	ConnectionString string
	// DBPath is the sqlite backend's database file.
	DBPath string
}

// Open constructs the backend named by settings.Kind, scoped to the
// given prefix. This is the single selection point for storage variants;
// callers hold only the Backend interface.
func Open(ctx context.Context, settings Settings, prefix string) (Backend, error) {
	switch settings.Kind {
	case "local":
		return NewLocalBackend(settings.MountRoot, prefix)
	case "s3":
		return NewS3Backend(ctx, settings, prefix)
	case "gcs":
		return NewGCSBackend(ctx, settings.Bucket, settings.Project, prefix)
	case "azure":
		return NewAzureBackend(settings.AccountURL, settings.ConnectionString, settings.Container, prefix)
	case "sqlite":
		return NewSQLiteBackend(settings.DBPath, prefix)
	case "memory":
		return NewMemoryBackend(prefix), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", settings.Kind)
	}
}

// trimPrefix strips a stored full key down to its prefix-relative name.
func trimPrefix(key, prefix string) string {
	return strings.TrimPrefix(strings.TrimPrefix(key, prefix), "/")
}
