package splitter

import (
	"context"
	"fmt"
	"os"

	"github.com/framevault/framevault/internal/dataset"
	fverr "github.com/framevault/framevault/internal/errors"
	"github.com/framevault/framevault/internal/imgutil"
	"github.com/framevault/framevault/internal/storage"
	"github.com/framevault/framevault/internal/tiff"
)

// videoSplitter splits a time-series stack. The only index information
// is the channel and timepoint counts in the ImageDescription tag; pages
// are ordered time-major then channel-minor, and slice and position are
// always zero. Channels are unnamed.
type videoSplitter struct {
	opts Options
}

func (s *videoSplitter) Split(ctx context.Context, source string, backend storage.Backend) (*Result, error) {
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
			WithMessage("video stack has no ImageDescription tag")
	}
	counts, err := parseStackCounts(desc)
	if err != nil {
		return nil, err
	}
	if expected := counts.channels * counts.timepoints; len(f.Pages) != expected {
		return nil, fverr.ErrMissingMetaField.
			WithField("file", source).
			WithMessage("file has %d pages but ImageDescription declares channels=%d frames=%d",
				len(f.Pages), counts.channels, counts.timepoints)
	}

	images := make([]frameImage, 0, len(f.Pages))
	for i, page := range f.Pages {
		plane, err := imgutil.FromTIFFPage(page)
		if err != nil {
			return nil, fmt.Errorf("decoding %s page %d: %w", source, i, err)
		}
		timeIdx := i / counts.channels
		chanIdx := i % counts.channels
		images = append(images, frameImage{
			plane: plane,
			frame: dataset.Frame{
				ChannelIdx: chanIdx,
				TimeIdx:    timeIdx,
				FileName:   dataset.FrameFileName(chanIdx, 0, timeIdx, 0),
				Meta:       pageTagsJSON(page),
			},
		})
	}

	return finalize(ctx, backend, images, withFileOrigin(nil, source), s.opts)
}
