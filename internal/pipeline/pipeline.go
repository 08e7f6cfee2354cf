// Package pipeline orchestrates the upload, download, and search flows
// that tie the splitters, storage backends, and metadata store together.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/framevault/framevault/internal/checksum"
	"github.com/framevault/framevault/internal/dataset"
	fverr "github.com/framevault/framevault/internal/errors"
	"github.com/framevault/framevault/internal/exchange"
	"github.com/framevault/framevault/internal/logging"
	"github.com/framevault/framevault/internal/metadata"
	"github.com/framevault/framevault/internal/metrics"
	"github.com/framevault/framevault/internal/splitter"
	"github.com/framevault/framevault/internal/stack"
	"github.com/framevault/framevault/internal/storage"
)

// Pipeline binds a metadata store and storage settings for the duration
// of a command run. Backends are opened per dataset because every
// backend is scoped to one dataset prefix.
type Pipeline struct {
	store    metadata.Store
	settings storage.Settings
	log      *slog.Logger
}

// New creates a Pipeline over the given store and storage settings.
func New(store metadata.Store, settings storage.Settings) *Pipeline {
	return &Pipeline{
		store:    store,
		settings: settings,
		log:      logging.Component("pipeline"),
	}
}

// UploadRequest describes one dataset ingestion.
type UploadRequest struct {
	// Serial is the dataset serial, validated before any I/O.
	Serial string
	// Path is the acquisition source, a file or directory depending on
	// the format.
	Path string
	// Frames selects decomposition: split into frames when true, store
	// the file whole when false.
	Frames bool
	// Format names the acquisition layout; ignored when Frames is false.
	Format splitter.Format
	// Description and Microscope annotate the dataset record.
	Description string
	Microscope  string
	// ParentSerial links to an existing dataset; empty or "none" for no
	// parent.
	ParentSerial string
	// Positions restricts a multi-position acquisition; nil means all.
	Positions []int
	// Workers caps concurrent transfers; <= 0 uses the processor count.
	Workers int
	// Collision is the storage collision policy; empty means skip.
	Collision storage.CollisionPolicy
	// Override tolerates an already-ingested serial as a logged skip
	// instead of an error, for resuming interrupted batch runs.
	Override bool
}

// UploadResult reports one finished ingestion.
type UploadResult struct {
	Serial string
	// Frames is the number of frame rows written, zero for whole-file
	// uploads.
	Frames int
	// Skipped reports that an Override run found the dataset already
	// ingested and did nothing.
	Skipped  bool
	Duration time.Duration
}

// Upload ingests one dataset: serial validation, uniqueness checks,
// storage writes, then the metadata insert in one transaction. The
// duplicate-serial check runs before any storage write, so a duplicate
// never leaves partial objects behind.
func (p *Pipeline) Upload(ctx context.Context, req UploadRequest) (*UploadResult, error) {
	start := time.Now()
	if err := dataset.ValidateSerial(req.Serial); err != nil {
		return nil, err
	}
	acquiredAt, err := dataset.TimeFromSerial(req.Serial)
	if err != nil {
		return nil, err
	}
	parentID, err := p.store.ResolveParent(ctx, req.ParentSerial)
	if err != nil {
		return nil, err
	}

	if err := p.store.AssertUniqueDataset(ctx, req.Serial); err != nil {
		if req.Override && fverr.IsAlreadyExists(err) {
			p.log.Info("dataset already ingested, skipping",
				"serial", req.Serial)
			return &UploadResult{Serial: req.Serial, Skipped: true,
				Duration: time.Since(start)}, nil
		}
		return nil, err
	}

	prefix := dataset.FilePrefix(req.Serial)
	if req.Frames {
		prefix = dataset.FramePrefix(req.Serial)
	}
	backend, err := storage.Open(ctx, p.settings, prefix)
	if err != nil {
		return nil, err
	}
	defer backend.Close()

	// A resumed run expects leftover objects; skip collisions instead
	// of asserting an empty prefix.
	collision := req.Collision
	if req.Override {
		collision = storage.CollisionSkip
	} else if err := backend.AssertUnique(ctx); err != nil {
		return nil, err
	}

	ds := &dataset.Dataset{
		Serial:      req.Serial,
		Description: req.Description,
		Microscope:  req.Microscope,
		Frames:      req.Frames,
		AcquiredAt:  acquiredAt,
		ParentID:    parentID,
	}

	nbrFrames := 0
	source := "file"
	if req.Frames {
		source = string(req.Format)
		sp, err := splitter.New(req.Format, splitter.Options{
			Workers:   req.Workers,
			Collision: collision,
			Positions: req.Positions,
		})
		if err != nil {
			return nil, err
		}
		res, err := sp.Split(ctx, req.Path, backend)
		if err != nil {
			return nil, err
		}
		if err := p.store.InsertFrameSet(ctx, ds, &res.FrameSet, res.Frames); err != nil {
			return nil, err
		}
		nbrFrames = len(res.Frames)
	} else {
		fr, err := p.putFile(ctx, backend, req.Path, collision, req.Workers)
		if err != nil {
			return nil, err
		}
		if err := p.store.InsertFileRecord(ctx, ds, fr); err != nil {
			return nil, err
		}
	}

	elapsed := time.Since(start)
	metrics.DatasetsIngested.WithLabelValues(source).Inc()
	metrics.IngestDuration.Observe(elapsed.Seconds())
	p.log.Info("dataset ingested",
		"serial", req.Serial,
		"source", source,
		"frames", nbrFrames,
		"elapsed", elapsed)
	return &UploadResult{Serial: req.Serial, Frames: nbrFrames, Duration: elapsed}, nil
}

// putFile uploads a whole acquisition file and builds its record.
func (p *Pipeline) putFile(ctx context.Context, backend storage.Backend, path string, collision storage.CollisionPolicy, workers int) (*dataset.FileRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading acquisition file: %w", err)
	}
	name := filepath.Base(path)
	objects := map[string][]byte{name: data}
	if err := storage.PutMany(ctx, backend, objects, storage.BatchOptions{
		Workers:   workers,
		Collision: collision,
	}); err != nil {
		return nil, err
	}
	meta, err := json.Marshal(map[string]string{"file_origin": path})
	if err != nil {
		return nil, fmt.Errorf("marshaling file metadata: %w", err)
	}
	return &dataset.FileRecord{
		StorageDir: backend.Prefix(),
		FileName:   name,
		SHA256:     checksum.SHA256Bytes(data),
		Meta:       meta,
	}, nil
}

// DownloadRequest describes one dataset retrieval.
type DownloadRequest struct {
	Serial string
	// Dest is the output directory, created if absent.
	Dest string
	// Filters narrows the frame rows of a decomposed dataset; ignored
	// for whole-file datasets.
	Filters metadata.Filters
	// Workers caps concurrent fetches; <= 0 uses the processor count.
	Workers int
	// Verify rechecks each fetched object against its recorded digest.
	Verify bool
}

// DownloadResult reports one finished retrieval.
type DownloadResult struct {
	Serial string
	Dest   string
	// Files counts the data files written, excluding the metadata
	// documents.
	Files    int
	Duration time.Duration
}

// Download fetches a dataset into a local directory. Decomposed
// datasets produce the filtered frames plus the global-metadata
// document and per-frame table; whole-file datasets produce the
// original file.
func (p *Pipeline) Download(ctx context.Context, req DownloadRequest) (*DownloadResult, error) {
	start := time.Now()
	if err := dataset.ValidateSerial(req.Serial); err != nil {
		return nil, err
	}
	ds, err := p.store.GetDataset(ctx, req.Serial)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(req.Dest, 0o755); err != nil {
		return nil, fmt.Errorf("creating destination directory: %w", err)
	}

	var files int
	if ds.Frames {
		files, err = p.downloadFrames(ctx, req)
	} else {
		files, err = p.downloadFile(ctx, req)
	}
	if err != nil {
		return nil, err
	}

	elapsed := time.Since(start)
	p.log.Info("dataset downloaded",
		"serial", req.Serial,
		"dest", req.Dest,
		"files", files,
		"elapsed", elapsed)
	return &DownloadResult{Serial: req.Serial, Dest: req.Dest,
		Files: files, Duration: elapsed}, nil
}

func (p *Pipeline) downloadFrames(ctx context.Context, req DownloadRequest) (int, error) {
	queryStart := time.Now()
	fs, frames, err := p.store.QueryFrames(ctx, req.Serial, req.Filters)
	if err != nil {
		return 0, err
	}
	metrics.QueryDuration.Observe(time.Since(queryStart).Seconds())

	backend, err := storage.Open(ctx, p.settings, fs.StorageDir)
	if err != nil {
		return 0, err
	}
	defer backend.Close()

	names := make([]string, len(frames))
	for i, f := range frames {
		names[i] = f.FileName
	}
	blobs, err := storage.GetMany(ctx, backend, names, storage.BatchOptions{Workers: req.Workers})
	if err != nil {
		return 0, err
	}

	var g errgroup.Group
	g.SetLimit(workers(req.Workers))
	for i := range frames {
		i := i
		g.Go(func() error {
			if req.Verify {
				if err := verifyDigest(blobs[i], frames[i].SHA256, frames[i].FileName); err != nil {
					return err
				}
			}
			return writeFile(filepath.Join(req.Dest, frames[i].FileName), blobs[i])
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	if err := exchange.WriteGlobalMeta(filepath.Join(req.Dest, exchange.GlobalMetaFile), fs); err != nil {
		return 0, err
	}
	if err := exchange.WriteFramesMeta(filepath.Join(req.Dest, exchange.FramesMetaFile), frames); err != nil {
		return 0, err
	}
	return len(frames), nil
}

func (p *Pipeline) downloadFile(ctx context.Context, req DownloadRequest) (int, error) {
	fr, err := p.store.GetFileRecord(ctx, req.Serial)
	if err != nil {
		return 0, err
	}
	backend, err := storage.Open(ctx, p.settings, fr.StorageDir)
	if err != nil {
		return 0, err
	}
	defer backend.Close()

	blobs, err := storage.GetMany(ctx, backend, []string{fr.FileName}, storage.BatchOptions{Workers: req.Workers})
	if err != nil {
		return 0, err
	}
	if req.Verify {
		if err := verifyDigest(blobs[0], fr.SHA256, fr.FileName); err != nil {
			return 0, err
		}
	}
	if err := writeFile(filepath.Join(req.Dest, fr.FileName), blobs[0]); err != nil {
		return 0, err
	}
	return 1, nil
}

// AssembleRequest describes one in-memory stack rebuild.
type AssembleRequest struct {
	Serial  string
	Filters metadata.Filters
	// Workers caps concurrent fetches; <= 0 uses the processor count.
	Workers int
	// Verify rechecks each fetched frame against its recorded digest.
	Verify bool
}

// Assemble queries a dataset's frames and rebuilds them into an
// in-memory stack instead of writing files.
func (p *Pipeline) Assemble(ctx context.Context, req AssembleRequest) (*stack.Stack, error) {
	if err := dataset.ValidateSerial(req.Serial); err != nil {
		return nil, err
	}
	queryStart := time.Now()
	fs, frames, err := p.store.QueryFrames(ctx, req.Serial, req.Filters)
	if err != nil {
		return nil, err
	}
	metrics.QueryDuration.Observe(time.Since(queryStart).Seconds())

	backend, err := storage.Open(ctx, p.settings, fs.StorageDir)
	if err != nil {
		return nil, err
	}
	defer backend.Close()

	return stack.Assemble(ctx, backend, fs, frames, stack.Options{
		Workers:       req.Workers,
		VerifyDigests: req.Verify,
	})
}

// Search lists datasets matching the given criteria.
func (p *Pipeline) Search(ctx context.Context, s metadata.Search) ([]dataset.Dataset, error) {
	return p.store.QueryDatasets(ctx, s)
}

func verifyDigest(data []byte, expected, name string) error {
	if err := checksum.Verify(data, expected); err != nil {
		var e *fverr.Error
		if errors.As(err, &e) {
			return e.WithField("file_name", name)
		}
		return err
	}
	return nil
}

func writeFile(path string, data []byte) error {
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", filepath.Base(path), err)
	}
	return nil
}

func workers(n int) int {
	if n > 0 {
		return n
	}
	return runtime.GOMAXPROCS(0)
}
