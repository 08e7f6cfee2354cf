// Package exchange reads and writes the files that carry dataset
// metadata across tool boundaries: the global-metadata document and the
// per-frame table written next to downloaded frames, and the batch
// upload list consumed by the uploader.
package exchange

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/framevault/framevault/internal/dataset"
	fverr "github.com/framevault/framevault/internal/errors"
)

// File names written into a download directory alongside the frames.
const (
	GlobalMetaFile = "global_metadata.json"
	FramesMetaFile = "frames_meta.csv"
)

// framesMetaHeader is the fixed column order of the per-frame table.
var framesMetaHeader = []string{
	"channel_idx", "slice_idx", "time_idx",
	"channel_name", "file_name", "pos_idx", "sha256",
}

// GlobalMeta is the wire form of a frame set's global metadata. Field
// order is the document's key order.
type GlobalMeta struct {
	StorageDir    string          `json:"storage_dir"`
	NbrFrames     int             `json:"nbr_frames"`
	ImWidth       int             `json:"im_width"`
	ImHeight      int             `json:"im_height"`
	NbrSlices     int             `json:"nbr_slices"`
	NbrChannels   int             `json:"nbr_channels"`
	ImColors      int             `json:"im_colors"`
	NbrTimepoints int             `json:"nbr_timepoints"`
	NbrPositions  int             `json:"nbr_positions"`
	BitDepth      string          `json:"bit_depth"`
	MetadataJSON  json.RawMessage `json:"metadata_json,omitempty"`
}

// FromFrameSet converts a frame set record to its wire form.
func FromFrameSet(fs *dataset.FrameSet) GlobalMeta {
	return GlobalMeta{
		StorageDir:    fs.StorageDir,
		NbrFrames:     fs.NbrFrames,
		ImWidth:       fs.ImWidth,
		ImHeight:      fs.ImHeight,
		NbrSlices:     fs.NbrSlices,
		NbrChannels:   fs.NbrChannels,
		ImColors:      fs.ImColors,
		NbrTimepoints: fs.NbrTimepoints,
		NbrPositions:  fs.NbrPositions,
		BitDepth:      fs.BitDepth,
		MetadataJSON:  fs.Meta,
	}
}

// FrameSet converts the wire form back to a frame set record. The
// database identifiers are left zero.
func (m GlobalMeta) FrameSet() *dataset.FrameSet {
	return &dataset.FrameSet{
		StorageDir:    m.StorageDir,
		NbrFrames:     m.NbrFrames,
		ImWidth:       m.ImWidth,
		ImHeight:      m.ImHeight,
		ImColors:      m.ImColors,
		NbrSlices:     m.NbrSlices,
		NbrChannels:   m.NbrChannels,
		NbrTimepoints: m.NbrTimepoints,
		NbrPositions:  m.NbrPositions,
		BitDepth:      m.BitDepth,
		Meta:          m.MetadataJSON,
	}
}

// Validate checks that all ten required keys are populated.
func (m GlobalMeta) Validate() error {
	return m.FrameSet().Validate()
}

// WriteGlobalMeta writes the global-metadata document for a frame set.
// The frame set is validated first so an incomplete record never
// produces a file.
func WriteGlobalMeta(path string, fs *dataset.FrameSet) error {
	m := FromFrameSet(fs)
	if err := m.Validate(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling global metadata: %w", err)
	}
	data = append(data, '\n')
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing global metadata: %w", err)
	}
	return nil
}

// ReadGlobalMeta parses and validates a global-metadata document.
func ReadGlobalMeta(path string) (*dataset.FrameSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading global metadata: %w", err)
	}
	var m GlobalMeta
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fverr.ErrMissingMetaField.
			WithField("path", path).
			WithMessage("global metadata is not valid JSON: %v", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m.FrameSet(), nil
}

// WriteFramesMeta writes one table row per frame in the fixed column
// order.
func WriteFramesMeta(path string, frames []dataset.Frame) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating frame table: %w", err)
	}
	w := csv.NewWriter(f)
	if err := w.Write(framesMetaHeader); err != nil {
		f.Close()
		return fmt.Errorf("writing frame table: %w", err)
	}
	for _, fr := range frames {
		rec := []string{
			strconv.Itoa(fr.ChannelIdx),
			strconv.Itoa(fr.SliceIdx),
			strconv.Itoa(fr.TimeIdx),
			fr.ChannelName,
			fr.FileName,
			strconv.Itoa(fr.PosIdx),
			fr.SHA256,
		}
		if err := w.Write(rec); err != nil {
			f.Close()
			return fmt.Errorf("writing frame table: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return fmt.Errorf("writing frame table: %w", err)
	}
	return f.Close()
}

// ReadFramesMeta parses a per-frame table. The header must match the
// fixed column order exactly.
func ReadFramesMeta(path string) ([]dataset.Frame, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening frame table: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	header, err := r.Read()
	if err != nil {
		return nil, fverr.ErrMissingMetaField.
			WithField("path", path).
			WithMessage("frame table has no header row")
	}
	if !equalStrings(header, framesMetaHeader) {
		return nil, fverr.ErrMissingMetaField.
			WithField("path", path).
			WithMessage("frame table header is %v, want %v", header, framesMetaHeader)
	}

	var frames []dataset.Frame
	for line := 2; ; line++ {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading frame table line %d: %w", line, err)
		}
		fr := dataset.Frame{
			ChannelName: rec[3],
			FileName:    rec[4],
			SHA256:      rec[6],
		}
		if fr.ChannelIdx, err = tableInt("channel_idx", rec[0], line); err != nil {
			return nil, err
		}
		if fr.SliceIdx, err = tableInt("slice_idx", rec[1], line); err != nil {
			return nil, err
		}
		if fr.TimeIdx, err = tableInt("time_idx", rec[2], line); err != nil {
			return nil, err
		}
		if fr.PosIdx, err = tableInt("pos_idx", rec[5], line); err != nil {
			return nil, err
		}
		frames = append(frames, fr)
	}
	return frames, nil
}

func tableInt(col, val string, line int) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(val))
	if err != nil {
		return 0, fverr.ErrMissingMetaField.
			WithField("column", col).
			WithMessage("frame table line %d: %s is not an integer: %q", line, col, val)
	}
	return n, nil
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// UploadEntry is one acquisition to ingest from a batch upload list.
type UploadEntry struct {
	// Serial is the dataset serial to ingest under.
	Serial string
	// Path is the acquisition file or directory.
	Path string
	// Description is free text attached to the dataset.
	Description string
	// ParentSerial links the dataset to an existing parent, empty for
	// none.
	ParentSerial string
	// Positions selects a subset of acquisition positions, nil for all.
	Positions []int
}

// ReadUploadList parses a batch upload list. The header row names the
// columns; dataset_id and file_name are required, description,
// parent_dataset_id, and positions are optional.
func ReadUploadList(path string) ([]UploadEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening upload list: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	header, err := r.Read()
	if err != nil {
		return nil, fverr.ErrMissingMetaField.
			WithField("path", path).
			WithMessage("upload list has no header row")
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.TrimSpace(name)] = i
	}
	for _, required := range []string{"dataset_id", "file_name"} {
		if _, ok := col[required]; !ok {
			return nil, fverr.ErrMissingMetaField.
				WithField("path", path).
				WithMessage("upload list is missing required column %q", required)
		}
	}

	cell := func(rec []string, name string) string {
		i, ok := col[name]
		if !ok || i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}

	var entries []UploadEntry
	for line := 2; ; line++ {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading upload list line %d: %w", line, err)
		}
		e := UploadEntry{
			Serial:       cell(rec, "dataset_id"),
			Path:         cell(rec, "file_name"),
			Description:  cell(rec, "description"),
			ParentSerial: cell(rec, "parent_dataset_id"),
		}
		if e.Serial == "" {
			return nil, fverr.ErrMissingMetaField.
				WithMessage("upload list line %d has an empty dataset_id", line)
		}
		if e.Path == "" {
			return nil, fverr.ErrMissingMetaField.
				WithMessage("upload list line %d has an empty file_name", line)
		}
		if e.Positions, err = parsePositions(cell(rec, "positions"), line); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// parsePositions accepts an empty cell, a bare integer, or a JSON list
// of integers.
func parsePositions(val string, line int) ([]int, error) {
	if val == "" {
		return nil, nil
	}
	if strings.HasPrefix(val, "[") {
		var positions []int
		if err := json.Unmarshal([]byte(val), &positions); err != nil {
			return nil, fverr.ErrMissingMetaField.
				WithMessage("upload list line %d: positions must be an integer or a list of integers, got %q", line, val)
		}
		return positions, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return nil, fverr.ErrMissingMetaField.
			WithMessage("upload list line %d: positions must be an integer or a list of integers, got %q", line, val)
	}
	return []int{n}, nil
}
