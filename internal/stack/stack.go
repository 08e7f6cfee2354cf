// Package stack reassembles stored frames into N-dimensional image
// stacks.
//
// A full stack is addressed by seven axes in fixed order: image height,
// image width, color samples, slices, channels, timepoints, positions.
// The four index axes are sized from the distinct index values of the
// frames being assembled, not the dataset's global counts, so a
// filtered query yields a stack shaped by the filter. Singleton axes
// are squeezed away and the surviving axes are named by a label string,
// which is how callers treat 2D, 3D, and 7D results uniformly.
package stack

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/framevault/framevault/internal/checksum"
	"github.com/framevault/framevault/internal/dataset"
	fverr "github.com/framevault/framevault/internal/errors"
	"github.com/framevault/framevault/internal/imgutil"
	"github.com/framevault/framevault/internal/storage"
)

// AxisLabels names the seven stack axes in order: X image height, Y
// image width, G color samples, Z slices, C channels, T timepoints, P
// positions.
const AxisLabels = "XYGZCTP"

// Options tune an assembly run.
type Options struct {
	// Workers caps concurrent frame fetches and decodes; values <= 0 use
	// the number of available processors.
	Workers int
	// VerifyDigests rechecks every fetched object against its frame
	// row's digest. Rows with an empty digest are not checked.
	VerifyDigests bool
}

func (o Options) workers() int {
	if o.Workers > 0 {
		return o.Workers
	}
	return runtime.GOMAXPROCS(0)
}

// Stack is a squeezed image stack.
type Stack struct {
	// Samples holds the stack values in row-major axis order, widened to
	// uint16 for 8-bit data.
	Samples []uint16
	// Shape lists the surviving axis sizes after squeezing.
	Shape []int
	// Labels names the surviving axes, a subsequence of AxisLabels in
	// original order. Empty when every axis was singleton.
	Labels string
	// BitDepth is the element depth of the stored frames.
	BitDepth string
}

// At returns the sample at the given coordinates, one per surviving
// axis.
func (s *Stack) At(coords ...int) uint16 {
	if len(coords) != len(s.Shape) {
		panic(fmt.Sprintf("stack is %d-dimensional, got %d coordinates", len(s.Shape), len(coords)))
	}
	off := 0
	for i, c := range coords {
		off = off*s.Shape[i] + c
	}
	return s.Samples[off]
}

// Assemble fetches the given frames from the backend and places each
// decoded plane at the rank of its index values within the frames'
// distinct sorted index sets. Rank placement, not raw index value, is
// what tolerates non-contiguous and non-zero-based indices.
func Assemble(ctx context.Context, backend storage.Backend, fs *dataset.FrameSet, frames []dataset.Frame, opts Options) (*Stack, error) {
	if len(frames) == 0 {
		return nil, fverr.ErrEmptyResult.WithMessage("no frames to assemble")
	}
	names := make([]string, len(frames))
	seen := make(map[string]bool, len(frames))
	for i, f := range frames {
		if seen[f.FileName] {
			return nil, fverr.ErrInvalidFilter.
				WithField("file_name", f.FileName).
				WithMessage("duplicate frame in assembly set")
		}
		seen[f.FileName] = true
		names[i] = f.FileName
	}

	sliceRank := distinctRanks(frames, func(f dataset.Frame) int { return f.SliceIdx })
	chanRank := distinctRanks(frames, func(f dataset.Frame) int { return f.ChannelIdx })
	timeRank := distinctRanks(frames, func(f dataset.Frame) int { return f.TimeIdx })
	posRank := distinctRanks(frames, func(f dataset.Frame) int { return f.PosIdx })

	full := [7]int{
		fs.ImHeight, fs.ImWidth, fs.ImColors,
		len(sliceRank), len(chanRank), len(timeRank), len(posRank),
	}
	var strides [7]int
	stride := 1
	for i := 6; i >= 0; i-- {
		strides[i] = stride
		stride *= full[i]
	}
	samples := make([]uint16, stride)

	blobs, err := storage.GetMany(ctx, backend, names, storage.BatchOptions{Workers: opts.Workers})
	if err != nil {
		return nil, err
	}

	// Each frame owns a disjoint slot set, so workers write without
	// locking.
	var g errgroup.Group
	g.SetLimit(opts.workers())
	for i := range frames {
		i := i
		g.Go(func() error {
			f := frames[i]
			if opts.VerifyDigests {
				if err := checksum.Verify(blobs[i], f.SHA256); err != nil {
					var e *fverr.Error
					if errors.As(err, &e) {
						return e.WithField("file_name", f.FileName)
					}
					return err
				}
			}
			plane, err := imgutil.DecodePNG(blobs[i])
			if err != nil {
				return fmt.Errorf("decoding %s: %w", f.FileName, err)
			}
			if plane.Width != fs.ImWidth || plane.Height != fs.ImHeight || plane.Colors != fs.ImColors {
				return fmt.Errorf("frame %s is %dx%d with %d colors, stack expects %dx%d with %d",
					f.FileName, plane.Width, plane.Height, plane.Colors,
					fs.ImWidth, fs.ImHeight, fs.ImColors)
			}

			base := sliceRank[f.SliceIdx]*strides[3] +
				chanRank[f.ChannelIdx]*strides[4] +
				timeRank[f.TimeIdx]*strides[5] +
				posRank[f.PosIdx]*strides[6]
			for y := 0; y < plane.Height; y++ {
				for x := 0; x < plane.Width; x++ {
					for c := 0; c < plane.Colors; c++ {
						samples[y*strides[0]+x*strides[1]+c*strides[2]+base] = plane.At(x, y, c)
					}
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Squeeze singleton axes, keeping the surviving labels in order.
	shape := make([]int, 0, 7)
	labels := make([]byte, 0, 7)
	for i, size := range full {
		if size != 1 {
			shape = append(shape, size)
			labels = append(labels, AxisLabels[i])
		}
	}
	return &Stack{
		Samples:  samples,
		Shape:    shape,
		Labels:   string(labels),
		BitDepth: fs.BitDepth,
	}, nil
}

// distinctRanks maps each distinct picked value to its rank in the
// sorted distinct-value set.
func distinctRanks(frames []dataset.Frame, pick func(dataset.Frame) int) map[int]int {
	seen := make(map[int]bool, len(frames))
	vals := make([]int, 0, len(frames))
	for _, f := range frames {
		v := pick(f)
		if !seen[v] {
			seen[v] = true
			vals = append(vals, v)
		}
	}
	sort.Ints(vals)
	ranks := make(map[int]int, len(vals))
	for r, v := range vals {
		ranks[v] = r
	}
	return ranks
}
