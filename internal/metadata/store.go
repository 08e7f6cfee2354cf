// Package metadata defines the interface and implementations for FrameVault's
// metadata storage layer, which tracks datasets, file records, frame sets,
// and per-frame index rows.
package metadata

import (
	"context"
	"io"
	"time"

	"github.com/framevault/framevault/internal/dataset"
	fverr "github.com/framevault/framevault/internal/errors"
)

// Filters narrows a frame query along the four index dimensions. A nil
// slice leaves its dimension unfiltered. Channels are selected either by
// index or by name, never both. Filters apply in the order channel,
// slice, time, position, ANDed together.
type Filters struct {
	ChannelIndices []int
	ChannelNames   []string
	Slices         []int
	Times          []int
	Positions      []int
}

// Validate rejects filter combinations the query layer cannot honor.
func (f Filters) Validate() error {
	if len(f.ChannelIndices) > 0 && len(f.ChannelNames) > 0 {
		return fverr.ErrMixedChannelFilter
	}
	return nil
}

// All reports whether the filters select every frame.
func (f Filters) All() bool {
	return len(f.ChannelIndices) == 0 && len(f.ChannelNames) == 0 &&
		len(f.Slices) == 0 && len(f.Times) == 0 && len(f.Positions) == 0
}

// Search narrows a dataset listing. Zero-value fields are ignored.
// Substring fields match anywhere in the column; Start and End bound the
// serial-derived acquisition time inclusively.
type Search struct {
	Serial      string
	Microscope  string
	Description string
	Start       time.Time
	End         time.Time
}

// Store defines the interface for all metadata operations required by
// FrameVault. Implementations must be safe for concurrent use.
type Store interface {
	io.Closer

	// Ping checks connectivity to the metadata store.
	Ping(ctx context.Context) error

	// Ingest operations

	// AssertUniqueDataset returns ErrDatasetExists if a dataset with the
	// given serial is already recorded.
	AssertUniqueDataset(ctx context.Context, serial string) error

	// ResolveParent maps a parent serial to its dataset ID. The empty
	// string and "none" resolve to nil; an unknown serial returns
	// ErrParentNotFound.
	ResolveParent(ctx context.Context, parentSerial string) (*int64, error)

	// InsertFrameSet persists a decomposed dataset: the dataset row, its
	// frame-set global metadata, and every frame row, in one atomic
	// transaction. On success the record IDs are filled in.
	InsertFrameSet(ctx context.Context, ds *dataset.Dataset, fs *dataset.FrameSet, frames []dataset.Frame) error

	// InsertFileRecord persists a non-decomposed dataset: the dataset row
	// and its file record, in one atomic transaction.
	InsertFileRecord(ctx context.Context, ds *dataset.Dataset, fr *dataset.FileRecord) error

	// Query operations

	// GetDataset retrieves a dataset by serial. Returns ErrDatasetNotFound
	// if no such dataset is recorded.
	GetDataset(ctx context.Context, serial string) (*dataset.Dataset, error)

	// GetFileRecord retrieves the file record of a non-decomposed dataset.
	GetFileRecord(ctx context.Context, serial string) (*dataset.FileRecord, error)

	// QueryFrames returns the frame-set global metadata and the frame rows
	// selected by the filters, ordered by file name. Querying a
	// non-decomposed dataset is a validation error; filters that match
	// nothing return ErrEmptyResult.
	QueryFrames(ctx context.Context, serial string, f Filters) (*dataset.FrameSet, []dataset.Frame, error)

	// QueryDatasets lists datasets matching the search, ordered by serial.
	QueryDatasets(ctx context.Context, s Search) ([]dataset.Dataset, error)
}

// Open selects a store implementation from the engine name. "sqlite"
// opens or creates the database file at path; "postgres" connects to the
// server described by the credential descriptor JSON at path; "memory"
// runs in-process. This is the single selection point for metadata
// engines; callers hold only the Store interface.
func Open(ctx context.Context, engine, path string) (Store, error) {
	switch engine {
	case "sqlite":
		return NewSQLiteStore(path)
	case "postgres":
		creds, err := LoadCredentials(path)
		if err != nil {
			return nil, err
		}
		switch creds.Driver {
		case "postgres", "postgresql":
			return NewPostgresStore(ctx, creds.DSN())
		default:
			return nil, fverr.ErrInvalidCredentials.
				WithField("driver", creds.Driver).
				WithMessage("unsupported database driver %q", creds.Driver)
		}
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fverr.ErrInvalidCredentials.
			WithField("engine", engine).
			WithMessage("unknown metadata engine %q", engine)
	}
}
