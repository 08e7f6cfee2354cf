package dataset

import (
	"testing"
	"time"

	fverr "github.com/framevault/framevault/internal/errors"
)

// --- Serial grammar tests ---

func TestValidateSerialAccepts(t *testing.T) {
	valid := []string{
		"ML-2020-01-02-03-04-05-0001",
		"ISP-2005-06-09-20-00-00-0001",
		"ml-2020-12-31-23-59-59-9999",
		"AB-2020-01-01-00-00-00-0000",
	}
	for _, serial := range valid {
		if err := ValidateSerial(serial); err != nil {
			t.Errorf("ValidateSerial(%q) = %v, want nil", serial, err)
		}
	}
}

func TestValidateSerialRejects(t *testing.T) {
	tests := []struct {
		serial string
		reason string
	}{
		// Field count.
		{"ML-2020-01-02-03-04-05", "seven fields"},
		{"ML-2020-01-02-03-04-05-0001-09", "nine fields"},
		{"", "empty"},

		// Project code.
		{"M-2020-01-02-03-04-05-0001", "one-letter project"},
		{"MLXY-2020-01-02-03-04-05-0001", "four-letter project"},
		{"M1-2020-01-02-03-04-05-0001", "digit in project"},

		// Digit widths.
		{"ML-20-01-02-03-04-05-0001", "two-digit year"},
		{"ML-2020-1-02-03-04-05-0001", "one-digit month"},
		{"ML-2020-01-02-03-04-05-001", "three-digit sequence"},
		{"ML-2020-01-02-03-04-05-00001", "five-digit sequence"},

		// Ranges.
		{"ML-2020-00-02-03-04-05-0001", "month zero"},
		{"ML-2020-13-02-03-04-05-0001", "month thirteen"},
		{"ML-2020-01-00-03-04-05-0001", "day zero"},
		{"ML-2020-01-32-03-04-05-0001", "day 32"},
		{"ML-2020-01-02-24-04-05-0001", "hour 24"},
		{"ML-2020-01-02-03-60-05-0001", "minute 60"},
		{"ML-2020-01-02-03-04-60-0001", "second 60"},

		// Non-numeric fields.
		{"ML-twen-01-02-03-04-05-0001", "alphabetic year"},
		{"ML-2020-01-02-03-04-05-00x1", "alphabetic sequence"},
	}
	for _, tt := range tests {
		t.Run(tt.reason, func(t *testing.T) {
			err := ValidateSerial(tt.serial)
			if err == nil {
				t.Fatalf("ValidateSerial(%q) = nil, want error (%s)", tt.serial, tt.reason)
			}
			if !fverr.IsValidation(err) {
				t.Errorf("ValidateSerial(%q) kind = %v, want validation", tt.serial, fverr.KindOf(err))
			}
		})
	}
}

func TestTimeFromSerial(t *testing.T) {
	got, err := TimeFromSerial("ML-2020-01-02-03-04-05-0001")
	if err != nil {
		t.Fatalf("TimeFromSerial: %v", err)
	}
	want := time.Date(2020, time.January, 2, 3, 4, 5, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("TimeFromSerial = %v, want %v", got, want)
	}

	if _, err := TimeFromSerial("ML-2020-13-02-03-04-05-0001"); err == nil {
		t.Error("TimeFromSerial accepted an invalid serial")
	}
}

func TestStoragePrefixes(t *testing.T) {
	serial := "ML-2020-01-02-03-04-05-0001"
	if got := FramePrefix(serial); got != "raw_frames/ML-2020-01-02-03-04-05-0001" {
		t.Errorf("FramePrefix = %q", got)
	}
	if got := FilePrefix(serial); got != "raw_files/ML-2020-01-02-03-04-05-0001" {
		t.Errorf("FilePrefix = %q", got)
	}
}

func TestHasParent(t *testing.T) {
	tests := []struct {
		parent string
		want   bool
	}{
		{"", false},
		{"  ", false},
		{"none", false},
		{"None", false},
		{"NONE", false},
		{"ML-2020-01-02-03-04-05-0001", true},
	}
	for _, tt := range tests {
		if got := HasParent(tt.parent); got != tt.want {
			t.Errorf("HasParent(%q) = %v, want %v", tt.parent, got, tt.want)
		}
	}
}

// --- Frame name tests ---

func TestFrameFileName(t *testing.T) {
	tests := []struct {
		c, z, tm, p int
		want        string
	}{
		{0, 0, 0, 0, "im_c000_z000_t000_p000.png"},
		{1, 25, 3, 8, "im_c001_z025_t003_p008.png"},
		{600, 500, 400, 300, "im_c600_z500_t400_p300.png"},
		{1000, 0, 0, 0, "im_c1000_z000_t000_p000.png"},
	}
	for _, tt := range tests {
		if got := FrameFileName(tt.c, tt.z, tt.tm, tt.p); got != tt.want {
			t.Errorf("FrameFileName(%d,%d,%d,%d) = %q, want %q", tt.c, tt.z, tt.tm, tt.p, got, tt.want)
		}
	}
}

func TestParseFrameFileName(t *testing.T) {
	c, z, tm, p, err := ParseFrameFileName("im_c600_z500_t400_p300.png")
	if err != nil {
		t.Fatalf("ParseFrameFileName: %v", err)
	}
	if c != 600 || z != 500 || tm != 400 || p != 300 {
		t.Errorf("indices = (%d,%d,%d,%d), want (600,500,400,300)", c, z, tm, p)
	}

	// Round trip.
	name := FrameFileName(2, 3, 4, 5)
	c, z, tm, p, err = ParseFrameFileName(name)
	if err != nil {
		t.Fatalf("ParseFrameFileName(%q): %v", name, err)
	}
	if c != 2 || z != 3 || tm != 4 || p != 5 {
		t.Errorf("round trip = (%d,%d,%d,%d), want (2,3,4,5)", c, z, tm, p)
	}

	for _, bad := range []string{"frame_c000_z000_t000_p000.png", "im_c000_z000_t000.png", "im_cX_z0_t0_p0.png"} {
		if _, _, _, _, err := ParseFrameFileName(bad); err == nil {
			t.Errorf("ParseFrameFileName(%q) = nil error, want failure", bad)
		}
	}
}

// --- FrameSet validation tests ---

func validFrameSet() FrameSet {
	return FrameSet{
		StorageDir:    "raw_frames/ML-2020-01-02-03-04-05-0001",
		NbrFrames:     6,
		ImWidth:       64,
		ImHeight:      32,
		ImColors:      1,
		NbrSlices:     2,
		NbrChannels:   3,
		NbrTimepoints: 1,
		NbrPositions:  1,
		BitDepth:      BitDepth16,
	}
}

func TestFrameSetValidate(t *testing.T) {
	fs := validFrameSet()
	if err := fs.Validate(); err != nil {
		t.Fatalf("Validate() on complete FrameSet: %v", err)
	}

	mutations := []struct {
		name   string
		mutate func(*FrameSet)
	}{
		{"storage_dir", func(fs *FrameSet) { fs.StorageDir = "" }},
		{"nbr_frames", func(fs *FrameSet) { fs.NbrFrames = 0 }},
		{"im_width", func(fs *FrameSet) { fs.ImWidth = 0 }},
		{"im_height", func(fs *FrameSet) { fs.ImHeight = 0 }},
		{"im_colors", func(fs *FrameSet) { fs.ImColors = 2 }},
		{"nbr_slices", func(fs *FrameSet) { fs.NbrSlices = 0 }},
		{"nbr_channels", func(fs *FrameSet) { fs.NbrChannels = 0 }},
		{"nbr_timepoints", func(fs *FrameSet) { fs.NbrTimepoints = 0 }},
		{"nbr_positions", func(fs *FrameSet) { fs.NbrPositions = 0 }},
		{"bit_depth", func(fs *FrameSet) { fs.BitDepth = "float32" }},
	}
	for _, tt := range mutations {
		t.Run(tt.name, func(t *testing.T) {
			fs := validFrameSet()
			tt.mutate(&fs)
			err := fs.Validate()
			if err == nil {
				t.Fatalf("Validate() accepted FrameSet with bad %s", tt.name)
			}
			if !fverr.IsValidation(err) {
				t.Errorf("kind = %v, want validation", fverr.KindOf(err))
			}
		})
	}
}
