// Package dataset defines the core FrameVault records (datasets, file
// records, frame sets, frames), the dataset serial grammar, and the
// deterministic frame naming scheme shared by splitters, storage, and
// queries.
package dataset

import (
	"encoding/json"
	"time"

	fverr "github.com/framevault/framevault/internal/errors"
)

// Bit depths supported for frame pixel data.
const (
	BitDepth8  = "uint8"
	BitDepth16 = "uint16"
)

// Dataset is the top-level ingested unit, identified by its serial.
// Created once at ingestion time and immutable thereafter.
type Dataset struct {
	ID          int64
	Serial      string
	Description string
	Microscope  string
	// Frames reports whether the dataset was decomposed into frames
	// (FrameSet + Frame rows) or stored whole (FileRecord).
	Frames bool
	// AcquiredAt is derived from the serial's date-time fields.
	AcquiredAt time.Time
	// ParentID links a derived or reprocessed dataset to its source.
	ParentID *int64
}

// FileRecord holds the storage location and digest of a dataset that was
// uploaded without frame decomposition. Exactly one per non-decomposed
// dataset.
type FileRecord struct {
	ID         int64
	DatasetID  int64
	StorageDir string
	FileName   string
	SHA256     string
	Meta       json.RawMessage
}

// FrameSet holds the global shape and location metadata shared by all
// frames of one decomposed dataset.
type FrameSet struct {
	ID            int64
	DatasetID     int64
	StorageDir    string
	NbrFrames     int
	ImWidth       int
	ImHeight      int
	ImColors      int
	NbrSlices     int
	NbrChannels   int
	NbrTimepoints int
	NbrPositions  int
	BitDepth      string
	Meta          json.RawMessage
}

// Validate checks that every required global metadata field is populated.
// A FrameSet with any missing field must not be persisted.
func (fs *FrameSet) Validate() error {
	missing := func(field string) error {
		return fverr.ErrMissingMetaField.WithField("field", field)
	}
	switch {
	case fs.StorageDir == "":
		return missing("storage_dir")
	case fs.NbrFrames <= 0:
		return missing("nbr_frames")
	case fs.ImWidth <= 0:
		return missing("im_width")
	case fs.ImHeight <= 0:
		return missing("im_height")
	case fs.NbrSlices <= 0:
		return missing("nbr_slices")
	case fs.NbrChannels <= 0:
		return missing("nbr_channels")
	case fs.NbrTimepoints <= 0:
		return missing("nbr_timepoints")
	case fs.NbrPositions <= 0:
		return missing("nbr_positions")
	}
	if fs.ImColors != 1 && fs.ImColors != 3 {
		return fverr.ErrMissingMetaField.
			WithField("field", "im_colors").
			WithMessage("im_colors must be 1 (grayscale) or 3 (RGB), got %d", fs.ImColors)
	}
	if fs.BitDepth != BitDepth8 && fs.BitDepth != BitDepth16 {
		return fverr.ErrMissingMetaField.
			WithField("field", "bit_depth").
			WithMessage("bit_depth must be %q or %q, got %q", BitDepth8, BitDepth16, fs.BitDepth)
	}
	return nil
}

// Frame is one 2D image plane extracted from an acquisition. Indices
// need not be zero-based or contiguous; (channel, slice, time, pos) is
// unique within a FrameSet. ChannelName may be empty when the source
// format carries no channel naming.
type Frame struct {
	ID          int64
	FrameSetID  int64
	ChannelIdx  int
	SliceIdx    int
	TimeIdx     int
	PosIdx      int
	ChannelName string
	FileName    string
	SHA256      string
	Meta        json.RawMessage
}
