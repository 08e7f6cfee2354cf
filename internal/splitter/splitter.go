// Package splitter decomposes microscope acquisitions into individually
// stored frames.
//
// A splitter reads one acquisition source (a multi-page stack file or a
// directory of single-frame files), derives each frame's channel, slice,
// time, and position indices per the source format, encodes every frame
// as PNG, and uploads the frames to a dataset-scoped storage backend.
// Split returns only after every frame is written, so the caller's
// metadata never references an object that does not exist. Uploads that
// collide with existing objects follow the configured collision policy;
// every other failure aborts the acquisition with no frame rows emitted.
package splitter

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/framevault/framevault/internal/checksum"
	"github.com/framevault/framevault/internal/dataset"
	fverr "github.com/framevault/framevault/internal/errors"
	"github.com/framevault/framevault/internal/imgutil"
	"github.com/framevault/framevault/internal/metrics"
	"github.com/framevault/framevault/internal/storage"
	"github.com/framevault/framevault/internal/tiff"
)

// Format selects an acquisition source layout.
type Format string

// The closed set of supported acquisition formats.
const (
	// FormatMicroManager is a tagged .ome.tif stack (or a folder of
	// position-labeled stacks) with per-page MicroManager JSON metadata.
	FormatMicroManager Format = "micromanager"
	// FormatFolder is a directory of single-frame .tif files whose
	// indices are encoded in the file names, with a metadata.txt sidecar.
	FormatFolder Format = "folder"
	// FormatVideo is a time-series stack whose ImageDescription tag
	// declares channel and timepoint counts.
	FormatVideo Format = "video"
	// FormatStack is a tag-less stack whose ImageDescription tag declares
	// counts for all four index dimensions.
	FormatStack Format = "stack"
)

// Options tune a split run.
type Options struct {
	// Workers caps concurrent frame encodes and uploads; values <= 0 use
	// the number of available processors.
	Workers int
	// Collision selects the upload collision policy; empty means skip.
	Collision storage.CollisionPolicy
	// Positions restricts a multi-file micromanager acquisition to the
	// given position numbers. Empty means all positions. The other
	// formats ignore it.
	Positions []int
}

func (o Options) workers() int {
	if o.Workers > 0 {
		return o.Workers
	}
	return runtime.GOMAXPROCS(0)
}

// Result is the realized output of a split: the computed global metadata
// and one row per uploaded frame, ready for the metadata store.
type Result struct {
	FrameSet dataset.FrameSet
	Frames   []dataset.Frame
}

// Splitter decomposes one acquisition source into uploaded frames.
type Splitter interface {
	// Split reads the acquisition at source, uploads every frame under
	// the backend's prefix, and returns the frame rows and computed
	// global metadata.
	Split(ctx context.Context, source string, backend storage.Backend) (*Result, error)
}

// New returns the splitter for the named format.
func New(format Format, opts Options) (Splitter, error) {
	switch format {
	case FormatMicroManager:
		return &mmSplitter{opts: opts}, nil
	case FormatFolder:
		return &folderSplitter{opts: opts}, nil
	case FormatVideo:
		return &videoSplitter{opts: opts}, nil
	case FormatStack:
		return &stackSplitter{opts: opts}, nil
	default:
		return nil, fmt.Errorf("unknown acquisition format %q", format)
	}
}

// frameImage pairs one decoded plane with its metadata row. The SHA256
// field is filled in during finalize, after PNG encoding.
type frameImage struct {
	plane *imgutil.Plane
	frame dataset.Frame
}

// finalize is the shared back half of every split: compute the FrameSet
// globals from the realized rows, encode and hash every plane with
// bounded concurrency, and upload the batch. Width, height, colors, and
// bit depth come from the first decoded frame; the four count fields are
// the distinct index counts over the rows.
func finalize(ctx context.Context, backend storage.Backend, images []frameImage, global json.RawMessage, opts Options) (*Result, error) {
	if len(images) == 0 {
		return nil, fverr.ErrMissingMetaField.WithMessage("acquisition produced no frames")
	}
	seen := make(map[string]bool, len(images))
	for _, im := range images {
		if seen[im.frame.FileName] {
			return nil, fverr.ErrMissingMetaField.
				WithField("file_name", im.frame.FileName).
				WithMessage("duplicate (channel, slice, time, position) tuple in acquisition")
		}
		seen[im.frame.FileName] = true
	}

	first := images[0].plane
	bitDepth, err := bitDepthName(first.Bits)
	if err != nil {
		return nil, err
	}
	fs := dataset.FrameSet{
		StorageDir:    backend.Prefix(),
		NbrFrames:     len(images),
		ImWidth:       first.Width,
		ImHeight:      first.Height,
		ImColors:      first.Colors,
		NbrSlices:     distinctCount(images, func(f dataset.Frame) int { return f.SliceIdx }),
		NbrChannels:   distinctCount(images, func(f dataset.Frame) int { return f.ChannelIdx }),
		NbrTimepoints: distinctCount(images, func(f dataset.Frame) int { return f.TimeIdx }),
		NbrPositions:  distinctCount(images, func(f dataset.Frame) int { return f.PosIdx }),
		BitDepth:      bitDepth,
		Meta:          global,
	}
	if err := fs.Validate(); err != nil {
		return nil, err
	}

	// Workers write disjoint slots, so no locking is needed.
	frames := make([]dataset.Frame, len(images))
	encoded := make([][]byte, len(images))
	var g errgroup.Group
	g.SetLimit(opts.workers())
	for i := range images {
		i := i
		g.Go(func() error {
			data, err := images[i].plane.EncodePNG()
			if err != nil {
				return fmt.Errorf("encoding frame %s: %w", images[i].frame.FileName, err)
			}
			frames[i] = images[i].frame
			frames[i].SHA256 = checksum.SHA256Bytes(data)
			encoded[i] = data
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	objects := make(map[string][]byte, len(frames))
	for i, f := range frames {
		objects[f.FileName] = encoded[i]
	}
	if err := storage.PutMany(ctx, backend, objects, storage.BatchOptions{
		Workers:   opts.Workers,
		Collision: opts.Collision,
	}); err != nil {
		return nil, err
	}
	metrics.FramesSplit.Add(float64(len(frames)))

	return &Result{FrameSet: fs, Frames: frames}, nil
}

func distinctCount(images []frameImage, pick func(dataset.Frame) int) int {
	vals := make(map[int]bool, len(images))
	for _, im := range images {
		vals[pick(im.frame)] = true
	}
	return len(vals)
}

// bitDepthName maps a sample bit count to the stored depth name.
func bitDepthName(bits int) (string, error) {
	switch bits {
	case 16:
		return dataset.BitDepth16, nil
	case 8:
		return dataset.BitDepth8, nil
	default:
		return "", fverr.ErrMissingMetaField.
			WithField("field", "bit_depth").
			WithMessage("bit depth must be 16 or 8, not %d", bits)
	}
}

// stackCounts are the index-dimension sizes declared by a stack file's
// ImageDescription tag. Absent keys default to 1.
type stackCounts struct {
	channels   int
	slices     int
	timepoints int
	positions  int
}

// parseStackCounts reads the newline-separated key=value pairs ImageJ
// and MicroManager write into the ImageDescription tag. The "frames"
// key counts timepoints.
func parseStackCounts(desc string) (stackCounts, error) {
	counts := stackCounts{channels: 1, slices: 1, timepoints: 1, positions: 1}
	for _, line := range strings.Split(desc, "\n") {
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		var dst *int
		switch key {
		case "channels":
			dst = &counts.channels
		case "slices":
			dst = &counts.slices
		case "frames":
			dst = &counts.timepoints
		case "positions":
			dst = &counts.positions
		default:
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(val))
		if err != nil || n < 1 {
			return counts, fverr.ErrMissingMetaField.
				WithField("field", key).
				WithMessage("ImageDescription %s=%q is not a positive integer", key, strings.TrimSpace(val))
		}
		*dst = n
	}
	return counts, nil
}

// tagNames labels the tags worth naming in per-frame metadata payloads.
var tagNames = map[uint16]string{
	256:   "ImageWidth",
	257:   "ImageLength",
	258:   "BitsPerSample",
	259:   "Compression",
	262:   "PhotometricInterpretation",
	270:   "ImageDescription",
	273:   "StripOffsets",
	277:   "SamplesPerPixel",
	278:   "RowsPerStrip",
	279:   "StripByteCounts",
	284:   "PlanarConfiguration",
	339:   "SampleFormat",
	51123: "MicroManagerMetadata",
}

// pageTagsJSON dumps a page's tags as a JSON object keyed by tag name.
// Text tags holding valid JSON are embedded as objects rather than
// strings, so vendor metadata blocks stay queryable.
func pageTagsJSON(page *tiff.Page) json.RawMessage {
	doc := make(map[string]any)
	for _, id := range page.TagIDs() {
		tag, ok := page.Tag(id)
		if !ok {
			continue
		}
		name, ok := tagNames[id]
		if !ok {
			name = fmt.Sprintf("Tag%d", id)
		}
		if tag.IsText() {
			text := tag.Text()
			if json.Valid([]byte(text)) {
				doc[name] = json.RawMessage(text)
			} else {
				doc[name] = text
			}
			continue
		}
		vals, err := tag.Uints()
		if err != nil || len(vals) == 0 {
			continue
		}
		if len(vals) == 1 {
			doc[name] = vals[0]
		} else {
			doc[name] = vals
		}
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return json.RawMessage("{}")
	}
	return b
}

// withFileOrigin marshals a global metadata document with the
// acquisition's source path recorded alongside it.
func withFileOrigin(doc map[string]any, source string) json.RawMessage {
	if doc == nil {
		doc = make(map[string]any, 1)
	}
	doc["file_origin"] = source
	b, err := json.Marshal(doc)
	if err != nil {
		b, _ = json.Marshal(map[string]string{"file_origin": source})
	}
	return b
}
