package splitter

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/framevault/framevault/internal/dataset"
	fverr "github.com/framevault/framevault/internal/errors"
	"github.com/framevault/framevault/internal/imgutil"
	"github.com/framevault/framevault/internal/storage"
	"github.com/framevault/framevault/internal/tiff"
)

// stackSplitter splits a stack that carries no per-page metadata. The
// ImageDescription tag declares the count along each index dimension,
// and pages are assumed ordered time, position, slice, channel from
// outermost to innermost. There is no way to verify that order from the
// file, only the counts. Channel names default to the stringified
// channel index.
type stackSplitter struct {
	opts Options
}

func (s *stackSplitter) Split(ctx context.Context, source string, backend storage.Backend) (*Result, error) {
	data, err := os.ReadFile(source)
	if err != nil {
		return nil, fmt.Errorf("reading acquisition source: %w", err)
	}
	f, err := tiff.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", source, err)
	}

	desc, ok := f.Pages[0].Description()
	if !ok {
		return nil, fverr.ErrMissingMetaField.
			WithField("file", source).
			WithMessage("stack has no ImageDescription tag")
	}
	counts, err := parseStackCounts(desc)
	if err != nil {
		return nil, err
	}
	expected := counts.channels * counts.slices * counts.timepoints * counts.positions
	if len(f.Pages) != expected {
		return nil, fverr.ErrMissingMetaField.
			WithField("file", source).
			WithMessage("file has %d pages but ImageDescription declares channels=%d slices=%d frames=%d positions=%d",
				len(f.Pages), counts.channels, counts.slices, counts.timepoints, counts.positions)
	}

	images := make([]frameImage, 0, len(f.Pages))
	for i, page := range f.Pages {
		plane, err := imgutil.FromTIFFPage(page)
		if err != nil {
			return nil, fmt.Errorf("decoding %s page %d: %w", source, i, err)
		}
		chanIdx := i % counts.channels
		sliceIdx := i / counts.channels % counts.slices
		posIdx := i / (counts.channels * counts.slices) % counts.positions
		timeIdx := i / (counts.channels * counts.slices * counts.positions)
		images = append(images, frameImage{
			plane: plane,
			frame: dataset.Frame{
				ChannelIdx:  chanIdx,
				SliceIdx:    sliceIdx,
				TimeIdx:     timeIdx,
				PosIdx:      posIdx,
				ChannelName: strconv.Itoa(chanIdx),
				FileName:    dataset.FrameFileName(chanIdx, sliceIdx, timeIdx, posIdx),
				Meta:        pageTagsJSON(page),
			},
		})
	}

	return finalize(ctx, backend, images, withFileOrigin(nil, source), s.opts)
}
