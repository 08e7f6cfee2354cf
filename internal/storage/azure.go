// Azure Blob Storage backend for FrameVault.
//
// Frames and files are stored as block blobs in an Azure container
// under the dataset-scoped prefix. Credentials are resolved via
// DefaultAzureCredential (env vars, managed identity, Azure CLI) or a
// connection string when one is configured.

package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	fverr "github.com/framevault/framevault/internal/errors"
)

// AzureBlobAPI defines the subset of the Azure Blob Storage client
// interface that the backend uses. This allows mocking in tests.
type AzureBlobAPI interface {
	// UploadBlob uploads data to a blob, overwriting if it already exists.
	UploadBlob(ctx context.Context, containerName, blobName string, data []byte) error
	// DownloadBlob downloads a blob's contents.
	DownloadBlob(ctx context.Context, containerName, blobName string) ([]byte, error)
	// BlobExists checks if a blob exists.
	BlobExists(ctx context.Context, containerName, blobName string) (bool, error)
	// ListBlobs lists blob names with the given prefix.
	ListBlobs(ctx context.Context, containerName, prefix string) ([]string, error)
}

// AzureBackend implements the Backend interface against an Azure Blob
// Storage container.
type AzureBackend struct {
	// Container is the Azure Blob container name.
	Container string

	prefix string
	client AzureBlobAPI
}

// NewAzureBackend creates an AzureBackend scoped to prefix. A non-empty
// connection string takes precedence over DefaultAzureCredential.
func NewAzureBackend(accountURL, connectionString, container, prefix string) (*AzureBackend, error) {
	client, err := newRealAzureClient(accountURL, connectionString)
	if err != nil {
		return nil, err
	}

	b := &AzureBackend{Container: container, prefix: prefix, client: client}

	slog.Info("azure backend initialized",
		"container", container, "prefix", prefix)
	return b, nil
}

// NewAzureBackendWithClient creates an AzureBackend with a
// pre-configured client. This is primarily used for testing with mock
// clients.
func NewAzureBackendWithClient(container, prefix string, client AzureBlobAPI) *AzureBackend {
	return &AzureBackend{Container: container, prefix: prefix, client: client}
}

// Prefix returns the dataset-scoped prefix.
func (b *AzureBackend) Prefix() string { return b.prefix }

// blobName maps a relative object name to its blob name.
func (b *AzureBackend) blobName(name string) string {
	return b.prefix + "/" + name
}

// Exists checks blob existence.
func (b *AzureBackend) Exists(ctx context.Context, name string) (bool, error) {
	exists, err := b.client.BlobExists(ctx, b.Container, b.blobName(name))
	if err != nil {
		return false, fmt.Errorf("checking blob %q: %w", name, err)
	}
	return exists, nil
}

// Put uploads the object bytes as a block blob.
func (b *AzureBackend) Put(ctx context.Context, name string, data []byte) error {
	if err := b.client.UploadBlob(ctx, b.Container, b.blobName(name), data); err != nil {
		return fmt.Errorf("uploading blob %q: %w", name, err)
	}
	return nil
}

// Get downloads the object bytes.
func (b *AzureBackend) Get(ctx context.Context, name string) ([]byte, error) {
	data, err := b.client.DownloadBlob(ctx, b.Container, b.blobName(name))
	if err != nil {
		if isAzureNotFound(err) {
			return nil, fverr.ErrObjectNotFound.WithField("path", b.blobName(name))
		}
		return nil, fmt.Errorf("downloading blob %q: %w", name, err)
	}
	return data, nil
}

// List returns all relative object names under the prefix, sorted.
func (b *AzureBackend) List(ctx context.Context) ([]string, error) {
	blobs, err := b.client.ListBlobs(ctx, b.Container, b.prefix+"/")
	if err != nil {
		return nil, fmt.Errorf("listing prefix %q: %w", b.prefix, err)
	}
	names := make([]string, 0, len(blobs))
	for _, blob := range blobs {
		names = append(names, trimPrefix(blob, b.prefix))
	}
	sort.Strings(names)
	return names, nil
}

// AssertUnique fails if the prefix already holds any blob.
func (b *AzureBackend) AssertUnique(ctx context.Context) error {
	blobs, err := b.client.ListBlobs(ctx, b.Container, b.prefix+"/")
	if err != nil {
		return fmt.Errorf("checking prefix %q: %w", b.prefix, err)
	}
	if len(blobs) > 0 {
		return fverr.ErrPrefixExists.WithField("prefix", b.prefix)
	}
	return nil
}

// HealthCheck verifies the container is reachable by listing a name
// that cannot exist.
func (b *AzureBackend) HealthCheck(ctx context.Context) error {
	if _, err := b.client.ListBlobs(ctx, b.Container, "\x00nonexistent\x00"); err != nil {
		return fverr.ErrStorageUnavailable.
			WithMessage("cannot access Azure container %q: %v", b.Container, err)
	}
	return nil
}

// Close is a no-op; the SDK client holds no resources needing release.
func (b *AzureBackend) Close() error { return nil }

// isAzureNotFound checks if an Azure error is a not-found error.
func isAzureNotFound(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "not found") || strings.Contains(msg, "404") ||
		strings.Contains(msg, "blobnotfound") || strings.Contains(msg, "containernotfound") ||
		strings.Contains(msg, "the specified blob does not exist") ||
		strings.Contains(msg, "the specified container does not exist")
}
