package dataset

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	fverr "github.com/framevault/framevault/internal/errors"
)

// Storage prefixes for the two upload shapes. The full object key is
// <prefix>/<serial>/<file name>.
const (
	FramePrefixBase = "raw_frames"
	FilePrefixBase  = "raw_files"
)

// FramePrefix returns the storage prefix for a decomposed dataset.
func FramePrefix(serial string) string {
	return FramePrefixBase + "/" + serial
}

// FilePrefix returns the storage prefix for a non-decomposed dataset.
func FilePrefix(serial string) string {
	return FilePrefixBase + "/" + serial
}

// serialField describes one numeric field of the serial grammar.
type serialField struct {
	name   string
	digits int
	min    int
	max    int
}

// Numeric serial fields in order, following the project code.
var serialFields = []serialField{
	{"year", 4, 0, 9999},
	{"month", 2, 1, 12},
	{"day", 2, 1, 31},
	{"hour", 2, 0, 23},
	{"minute", 2, 0, 59},
	{"second", 2, 0, 59},
	{"sequence", 4, 0, 9999},
}

// ValidateSerial checks a dataset serial against the grammar
// <2-3 letter project>-YYYY-MM-DD-HH-MM-SS-<4 digit sequence>.
// Field widths are exact and every numeric field must be in range.
// It must be called before any I/O on a caller-supplied serial.
func ValidateSerial(serial string) error {
	invalid := func(format string, args ...any) error {
		return fverr.ErrInvalidSerial.
			WithField("serial", serial).
			WithMessage(format, args...)
	}

	fields := strings.Split(serial, "-")
	if len(fields) != 8 {
		return invalid("expected 8 hyphen-delimited fields, got %d", len(fields))
	}

	project := fields[0]
	if len(project) < 2 || len(project) > 3 {
		return invalid("project code must be 2-3 letters, got %q", project)
	}
	for _, r := range project {
		if (r < 'A' || r > 'Z') && (r < 'a' || r > 'z') {
			return invalid("project code must be letters only, got %q", project)
		}
	}

	for i, sf := range serialFields {
		field := fields[i+1]
		if len(field) != sf.digits {
			return invalid("%s must be %d digits, got %q", sf.name, sf.digits, field)
		}
		n := 0
		for _, r := range field {
			if r < '0' || r > '9' {
				return invalid("%s must be numeric, got %q", sf.name, field)
			}
			n = n*10 + int(r-'0')
		}
		if n < sf.min || n > sf.max {
			return invalid("%s must be in [%d, %d], got %d", sf.name, sf.min, sf.max, n)
		}
	}
	return nil
}

// TimeFromSerial derives the acquisition timestamp from the serial's six
// date-time fields. The serial must already be validated.
func TimeFromSerial(serial string) (time.Time, error) {
	if err := ValidateSerial(serial); err != nil {
		return time.Time{}, err
	}
	fields := strings.Split(serial, "-")
	nums := make([]int, 6)
	for i := 0; i < 6; i++ {
		n, err := strconv.Atoi(fields[i+1])
		if err != nil {
			return time.Time{}, fmt.Errorf("parsing serial field %q: %w", fields[i+1], err)
		}
		nums[i] = n
	}
	return time.Date(nums[0], time.Month(nums[1]), nums[2], nums[3], nums[4], nums[5], 0, time.UTC), nil
}

// HasParent reports whether a caller-supplied parent serial names a real
// parent. Empty strings and the literal "none" (any case) mean no parent.
func HasParent(parentSerial string) bool {
	trimmed := strings.TrimSpace(parentSerial)
	return trimmed != "" && !strings.EqualFold(trimmed, "none")
}
