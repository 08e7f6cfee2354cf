package splitter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/maruel/natural"

	"github.com/framevault/framevault/internal/dataset"
	fverr "github.com/framevault/framevault/internal/errors"
	"github.com/framevault/framevault/internal/imgutil"
	"github.com/framevault/framevault/internal/storage"
	"github.com/framevault/framevault/internal/tiff"
)

// sidecarName is the acquisition-wide metadata file expected next to the
// frame files.
const sidecarName = "metadata.txt"

// folderSplitter splits a directory of single-frame .tif files. Frame
// indices live in the file names; the sidecar's Summary block declares
// the frame shape and bit depth, which every decoded frame must match.
type folderSplitter struct {
	opts Options
}

// folderSummary is the declared frame geometry from the sidecar.
type folderSummary struct {
	width    int
	height   int
	colors   int
	bitDepth string
}

func (s *folderSplitter) Split(ctx context.Context, source string, backend storage.Backend) (*Result, error) {
	info, err := os.Stat(source)
	if err != nil {
		return nil, fmt.Errorf("reading acquisition source: %w", err)
	}
	if !info.IsDir() {
		return nil, fverr.ErrMissingMetaField.
			WithField("dir", source).
			WithMessage("acquisition source is not a directory")
	}

	summary, sidecarDoc, err := readSidecar(source)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(source)
	if err != nil {
		return nil, fmt.Errorf("reading acquisition folder: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".tif") {
			names = append(names, e.Name())
		}
	}
	sort.Slice(names, func(i, j int) bool { return natural.Less(names[i], names[j]) })
	if len(names) == 0 {
		return nil, fverr.ErrMissingMetaField.
			WithField("dir", source).
			WithMessage("acquisition folder contains no .tif files")
	}

	// Channel indices are assigned by discovery order over the sorted
	// file list.
	channelIdx := make(map[string]int)
	images := make([]frameImage, 0, len(names))
	for i, name := range names {
		channel, timeIdx, posIdx, sliceIdx, err := parseFrameName(name)
		if err != nil {
			return nil, err
		}
		idx, ok := channelIdx[channel]
		if !ok {
			idx = len(channelIdx)
			channelIdx[channel] = idx
		}

		data, err := os.ReadFile(filepath.Join(source, name))
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", name, err)
		}
		f, err := tiff.Decode(data)
		if err != nil {
			return nil, fmt.Errorf("decoding %s: %w", name, err)
		}
		if len(f.Pages) != 1 {
			return nil, fverr.ErrMissingMetaField.
				WithField("file", name).
				WithMessage("expected one page per frame file, found %d", len(f.Pages))
		}
		page := f.Pages[0]
		plane, err := imgutil.FromTIFFPage(page)
		if err != nil {
			return nil, fmt.Errorf("decoding %s: %w", name, err)
		}
		if i == 0 {
			if err := summary.check(plane, name); err != nil {
				return nil, err
			}
		}

		images = append(images, frameImage{
			plane: plane,
			frame: dataset.Frame{
				ChannelIdx:  idx,
				SliceIdx:    sliceIdx,
				TimeIdx:     timeIdx,
				PosIdx:      posIdx,
				ChannelName: channel,
				FileName:    dataset.FrameFileName(idx, sliceIdx, timeIdx, posIdx),
				Meta:        pageTagsJSON(page),
			},
		})
	}

	return finalize(ctx, backend, images, withFileOrigin(sidecarDoc, source), s.opts)
}

// check compares the declared geometry against the first decoded frame.
func (s folderSummary) check(plane *imgutil.Plane, name string) error {
	if plane.Width != s.width || plane.Height != s.height {
		return fverr.ErrMissingMetaField.
			WithField("file", name).
			WithMessage("%s declares %dx%d frames but %s decodes to %dx%d",
				sidecarName, s.width, s.height, name, plane.Width, plane.Height)
	}
	if plane.Colors != s.colors {
		return fverr.ErrMissingMetaField.
			WithField("file", name).
			WithMessage("%s declares %d color channels but %s decodes to %d",
				sidecarName, s.colors, name, plane.Colors)
	}
	bitDepth, err := bitDepthName(plane.Bits)
	if err != nil {
		return err
	}
	if bitDepth != s.bitDepth {
		return fverr.ErrMissingMetaField.
			WithField("file", name).
			WithMessage("%s declares %s frames but %s decodes to %s",
				sidecarName, s.bitDepth, name, bitDepth)
	}
	return nil
}

// readSidecar loads the folder's metadata.txt and extracts the Summary
// geometry. A GRAY pixel type means one color sample; anything else is
// treated as RGB.
func readSidecar(dir string) (folderSummary, map[string]any, error) {
	var summary folderSummary
	data, err := os.ReadFile(filepath.Join(dir, sidecarName))
	if errors.Is(err, os.ErrNotExist) {
		return summary, nil, fverr.ErrSidecarNotFound.WithField("dir", dir)
	}
	if err != nil {
		return summary, nil, fmt.Errorf("reading %s: %w", sidecarName, err)
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return summary, nil, fverr.ErrMissingMetaField.
			WithField("dir", dir).
			WithMessage("%s is not valid JSON: %v", sidecarName, err)
	}
	block, ok := doc["Summary"].(map[string]any)
	if !ok {
		return summary, nil, fverr.ErrMissingMetaField.
			WithField("field", "Summary").
			WithMessage("%s has no Summary block", sidecarName)
	}

	summary.height, err = summaryInt(block, "Height")
	if err != nil {
		return summary, nil, err
	}
	summary.width, err = summaryInt(block, "Width")
	if err != nil {
		return summary, nil, err
	}
	pixelType, ok := block["PixelType"].(string)
	if !ok {
		return summary, nil, fverr.ErrMissingMetaField.WithField("field", "Summary.PixelType")
	}
	summary.colors = 3
	if strings.Contains(pixelType, "GRAY") {
		summary.colors = 1
	}
	bits, err := summaryInt(block, "BitDepth")
	if err != nil {
		return summary, nil, err
	}
	summary.bitDepth, err = bitDepthName(bits)
	if err != nil {
		return summary, nil, err
	}
	return summary, doc, nil
}

func summaryInt(block map[string]any, key string) (int, error) {
	f, ok := block[key].(float64)
	if !ok {
		return 0, fverr.ErrMissingMetaField.WithField("field", "Summary."+key)
	}
	return int(f), nil
}

// indexToken matches one index field of a frame file name: an axis
// letter followed by digits.
var indexToken = regexp.MustCompile(`^[tpz][0-9]+$`)

// parseFrameName extracts the channel name and indices from a frame file
// name of the form <prefix>_<channel>_t<idx>_p<idx>_z<idx>.tif. The
// index fields may appear in any order; the channel name may itself
// contain underscores. Assumes no channel name looks like an index
// field (e.g. "t5").
func parseFrameName(name string) (channel string, timeIdx, posIdx, sliceIdx int, err error) {
	malformed := func(reason string) error {
		return fverr.ErrMissingMetaField.
			WithField("file", name).
			WithMessage("file name does not follow <prefix>_<channel>_t<idx>_p<idx>_z<idx>: %s", reason)
	}

	base := strings.TrimSuffix(name, filepath.Ext(name))
	parts := strings.Split(base, "_")
	if len(parts) < 5 {
		return "", 0, 0, 0, malformed("too few fields")
	}

	var channelParts []string
	indices := make(map[byte]int, 3)
	for _, part := range parts[1:] {
		if indexToken.MatchString(part) {
			axis := part[0]
			if _, dup := indices[axis]; dup {
				return "", 0, 0, 0, malformed("duplicate index field " + string(axis))
			}
			n, convErr := strconv.Atoi(part[1:])
			if convErr != nil {
				return "", 0, 0, 0, malformed("index field " + part + " out of range")
			}
			indices[axis] = n
			continue
		}
		if len(indices) > 0 {
			return "", 0, 0, 0, malformed("unexpected field " + part + " after index fields")
		}
		channelParts = append(channelParts, part)
	}
	for _, axis := range []byte{'t', 'p', 'z'} {
		if _, ok := indices[axis]; !ok {
			return "", 0, 0, 0, malformed("missing index field " + string(axis))
		}
	}
	if len(channelParts) == 0 {
		return "", 0, 0, 0, malformed("missing channel name")
	}
	return strings.Join(channelParts, "_"), indices['t'], indices['p'], indices['z'], nil
}
