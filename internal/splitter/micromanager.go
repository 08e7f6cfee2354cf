package splitter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/maruel/natural"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/framevault/framevault/internal/dataset"
	fverr "github.com/framevault/framevault/internal/errors"
	"github.com/framevault/framevault/internal/imgutil"
	"github.com/framevault/framevault/internal/storage"
	"github.com/framevault/framevault/internal/tiff"
)

// stackExt is the extension MicroManager writes acquisition stacks with.
const stackExt = ".ome.tif"

// pageMetaSchema constrains the per-page MicroManager metadata block.
// The index fields and channel name are required; everything else in the
// block is carried through as opaque frame metadata.
const pageMetaSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["ChannelIndex", "Slice", "FrameIndex", "PositionIndex", "Channel"],
	"properties": {
		"ChannelIndex": {"type": "integer", "minimum": 0},
		"Slice": {"type": "integer", "minimum": 0},
		"FrameIndex": {"type": "integer", "minimum": 0},
		"PositionIndex": {"type": "integer", "minimum": 0},
		"Channel": {"type": "string"},
		"Exposure-ms": {"type": "number"}
	}
}`

var compiledPageMetaSchema = jsonschema.MustCompileString("micromanager.schema.json", pageMetaSchema)

// pageMeta is the structured slice of a page's MicroManager metadata.
// FrameIndex is the acquisition's time index.
type pageMeta struct {
	ChannelIndex  int    `json:"ChannelIndex"`
	Slice         int    `json:"Slice"`
	FrameIndex    int    `json:"FrameIndex"`
	PositionIndex int    `json:"PositionIndex"`
	Channel       string `json:"Channel"`
}

// mmSplitter splits tagged .ome.tif stacks. A directory source holds one
// position-labeled stack file per stage position; a file source is a
// single stack.
type mmSplitter struct {
	opts Options
}

func (s *mmSplitter) Split(ctx context.Context, source string, backend storage.Backend) (*Result, error) {
	info, err := os.Stat(source)
	if err != nil {
		return nil, fmt.Errorf("reading acquisition source: %w", err)
	}
	var paths []string
	if info.IsDir() {
		paths, err = s.stackPaths(source)
		if err != nil {
			return nil, err
		}
	} else {
		if !strings.HasSuffix(source, stackExt) {
			return nil, fverr.ErrMissingMetaField.
				WithField("file", source).
				WithMessage("micromanager acquisition must be a %s file", stackExt)
		}
		paths = []string{source}
	}

	var images []frameImage
	var global json.RawMessage
	for fi, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
		f, err := tiff.Decode(data)
		if err != nil {
			return nil, fmt.Errorf("decoding %s: %w", path, err)
		}
		for pi, page := range f.Pages {
			raw, err := pageMetaRaw(page)
			if err != nil {
				return nil, annotatePage(err, path, pi)
			}
			meta, err := parsePageMeta(raw)
			if err != nil {
				return nil, annotatePage(err, path, pi)
			}
			plane, err := imgutil.FromTIFFPage(page)
			if err != nil {
				return nil, fmt.Errorf("decoding %s page %d: %w", path, pi, err)
			}
			// The acquisition-wide summary block only appears on the
			// first page of the first file.
			if fi == 0 && pi == 0 {
				var doc map[string]any
				if err := json.Unmarshal(raw, &doc); err == nil {
					global = withFileOrigin(doc, source)
				}
			}
			images = append(images, frameImage{
				plane: plane,
				frame: dataset.Frame{
					ChannelIdx:  meta.ChannelIndex,
					SliceIdx:    meta.Slice,
					TimeIdx:     meta.FrameIndex,
					PosIdx:      meta.PositionIndex,
					ChannelName: meta.Channel,
					FileName:    dataset.FrameFileName(meta.ChannelIndex, meta.Slice, meta.FrameIndex, meta.PositionIndex),
					Meta:        raw,
				},
			})
		}
	}
	return finalize(ctx, backend, images, global, s.opts)
}

// stackPaths lists the directory's stack files in natural order and,
// when a position filter is set, narrows them to the requested stage
// positions via the summary block's position label list.
func (s *mmSplitter) stackPaths(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading acquisition folder: %w", err)
	}
	var paths []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), stackExt) {
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	sort.Slice(paths, func(i, j int) bool { return natural.Less(paths[i], paths[j]) })
	if len(paths) == 0 {
		return nil, fverr.ErrMissingMetaField.
			WithField("dir", dir).
			WithMessage("acquisition folder contains no %s files", stackExt)
	}
	if len(s.opts.Positions) == 0 {
		return paths, nil
	}
	return s.filterPositions(paths)
}

// filterPositions selects the stack files whose position labels match
// the requested position numbers. Labels come from the first file's
// summary block, as "Pos<N>" entries naming each stage position; each
// label's file is found by substring match on the path.
func (s *mmSplitter) filterPositions(paths []string) ([]string, error) {
	labels, err := positionLabels(paths[0])
	if err != nil {
		return nil, err
	}
	var selected []string
	for _, label := range labels {
		n, err := strconv.Atoi(strings.TrimPrefix(label, "Pos"))
		if err != nil {
			return nil, fverr.ErrMissingMetaField.
				WithField("label", label).
				WithMessage("position label is not of the form Pos<N>")
		}
		if !containsInt(s.opts.Positions, n) {
			continue
		}
		found := ""
		for _, p := range paths {
			if strings.Contains(p, label) {
				found = p
				break
			}
		}
		if found == "" {
			return nil, fverr.ErrMissingMetaField.
				WithField("label", label).
				WithMessage("no stack file matches position label")
		}
		selected = append(selected, found)
	}
	if len(selected) == 0 {
		return nil, fverr.ErrEmptyResult.
			WithMessage("no stack files match the requested positions %v", s.opts.Positions)
	}
	return selected, nil
}

// positionLabels extracts the InitialPositionList labels from the
// summary block on the first page of the given stack file.
func positionLabels(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	f, err := tiff.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	raw, err := pageMetaRaw(f.Pages[0])
	if err != nil {
		return nil, annotatePage(err, path, 0)
	}
	var doc struct {
		IJMetadata struct {
			InitialPositionList []struct {
				Label string `json:"Label"`
			} `json:"InitialPositionList"`
		} `json:"IJMetadata"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fverr.ErrMissingMetaField.
			WithField("file", path).
			WithMessage("summary metadata is not valid JSON: %v", err)
	}
	if len(doc.IJMetadata.InitialPositionList) == 0 {
		return nil, fverr.ErrMissingMetaField.
			WithField("file", path).
			WithMessage("summary metadata has no position label list")
	}
	labels := make([]string, len(doc.IJMetadata.InitialPositionList))
	for i, p := range doc.IJMetadata.InitialPositionList {
		labels[i] = p.Label
	}
	return labels, nil
}

// pageMetaRaw returns a page's MicroManager metadata block.
func pageMetaRaw(page *tiff.Page) (json.RawMessage, error) {
	tag, ok := page.Tag(tiff.TagMicroManagerMeta)
	if !ok {
		return nil, fverr.ErrMissingMetaField.
			WithMessage("page has no MicroManager metadata tag")
	}
	return json.RawMessage(tag.Text()), nil
}

// parsePageMeta validates a metadata block against the page schema and
// extracts the structured index fields.
func parsePageMeta(raw json.RawMessage) (pageMeta, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return pageMeta{}, fverr.ErrMissingMetaField.
			WithMessage("frame metadata tag is not valid JSON: %v", err)
	}
	if err := compiledPageMetaSchema.Validate(doc); err != nil {
		return pageMeta{}, fverr.ErrMissingMetaField.
			WithMessage("frame metadata tag does not match the MicroManager schema: %v", err)
	}
	var meta pageMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return pageMeta{}, fverr.ErrMissingMetaField.
			WithMessage("frame metadata tag does not decode: %v", err)
	}
	return meta, nil
}

// annotatePage adds file and page context to a classified error.
func annotatePage(err error, path string, page int) error {
	var e *fverr.Error
	if errors.As(err, &e) {
		return e.WithField("file", path).WithField("page", strconv.Itoa(page))
	}
	return fmt.Errorf("%s page %d: %w", path, page, err)
}

func containsInt(vals []int, want int) bool {
	for _, v := range vals {
		if v == want {
			return true
		}
	}
	return false
}
