package dataset

import (
	"fmt"
	"strconv"
	"strings"

	fverr "github.com/framevault/framevault/internal/errors"
)

// FrameExt is the serialization format every decomposed frame is stored in.
const FrameExt = ".png"

// FrameFileName returns the canonical object name for a frame, a
// deterministic function of its four indices.
func FrameFileName(channel, slice, time, pos int) string {
	return fmt.Sprintf("im_c%03d_z%03d_t%03d_p%03d%s", channel, slice, time, pos, FrameExt)
}

// ParseFrameFileName recovers the four indices from a canonical frame
// name. The index fields are fixed-order (c, z, t, p) but may be wider
// than three digits for large index values.
func ParseFrameFileName(name string) (channel, slice, time, pos int, err error) {
	invalid := func(reason string) error {
		return fverr.ErrInvalidFilter.
			WithField("file_name", name).
			WithMessage("frame name is not canonical: %s", reason)
	}

	base := name
	if i := strings.LastIndex(base, "."); i >= 0 {
		base = base[:i]
	}
	parts := strings.Split(base, "_")
	if len(parts) != 5 || parts[0] != "im" {
		return 0, 0, 0, 0, invalid("expected im_cNNN_zNNN_tNNN_pNNN")
	}
	idx := make(map[byte]int, 4)
	for _, p := range parts[1:] {
		if len(p) < 2 {
			return 0, 0, 0, 0, invalid("index field too short")
		}
		n, convErr := strconv.Atoi(p[1:])
		if convErr != nil {
			return 0, 0, 0, 0, invalid("non-numeric index field " + p)
		}
		idx[p[0]] = n
	}
	for _, axis := range []byte{'c', 'z', 't', 'p'} {
		if _, ok := idx[axis]; !ok {
			return 0, 0, 0, 0, invalid("missing index field " + string(axis))
		}
	}
	return idx['c'], idx['z'], idx['t'], idx['p'], nil
}
