// Package tiff reads multi-page classic TIFF files at the tag level.
//
// Microscope acquisition stacks arrive as TIFF files whose scientific
// metadata lives in per-page tags (ImageDescription, vendor tags such
// as the MicroManager JSON block), and whose page count is the frame
// count. The stdlib-adjacent image decoders stop at the first IFD and
// hide unknown tags, so this package walks the IFD chain directly and
// exposes every tag of every page. Only uncompressed, chunky-layout
// pages are decodable; that is what acquisition software emits.
package tiff

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// Well-known tag IDs used by the frame splitters.
const (
	// TagImageDescription is the standard free-text description tag.
	// Acquisition software stores per-file JSON metadata here.
	TagImageDescription uint16 = 270
	// TagMicroManagerMeta is the MicroManager per-page metadata tag,
	// holding a JSON object with channel/slice/frame/position indices.
	TagMicroManagerMeta uint16 = 51123
)

// Structural tag IDs.
const (
	tagImageWidth          uint16 = 256
	tagImageLength         uint16 = 257
	tagBitsPerSample       uint16 = 258
	tagCompression         uint16 = 259
	tagPhotometric         uint16 = 262
	tagStripOffsets        uint16 = 273
	tagSamplesPerPixel     uint16 = 277
	tagRowsPerStrip        uint16 = 278
	tagStripByteCounts     uint16 = 279
	tagPlanarConfiguration uint16 = 284
)

// Tag value types defined by the TIFF 6.0 specification.
const (
	typeByte      uint16 = 1
	typeASCII     uint16 = 2
	typeShort     uint16 = 3
	typeLong      uint16 = 4
	typeRational  uint16 = 5
	typeSByte     uint16 = 6
	typeUndefined uint16 = 7
	typeSShort    uint16 = 8
	typeSLong     uint16 = 9
	typeSRational uint16 = 10
	typeFloat     uint16 = 11
	typeDouble    uint16 = 12
)

// typeSizes maps a tag value type to its size in bytes.
var typeSizes = map[uint16]uint32{
	typeByte:      1,
	typeASCII:     1,
	typeShort:     2,
	typeLong:      4,
	typeRational:  8,
	typeSByte:     1,
	typeUndefined: 1,
	typeSShort:    2,
	typeSLong:     4,
	typeSRational: 8,
	typeFloat:     4,
	typeDouble:    8,
}

// Tag is a single IFD entry with its value bytes resolved.
type Tag struct {
	// ID is the tag identifier.
	ID uint16
	// Type is the TIFF value type code.
	Type uint16
	// Count is the number of values of Type.
	Count uint32

	raw       []byte
	byteOrder binary.ByteOrder
}

// Uints returns the tag values as unsigned integers. Valid for BYTE,
// SHORT, and LONG tags.
func (t Tag) Uints() ([]uint32, error) {
	size, ok := typeSizes[t.Type]
	if !ok {
		return nil, fmt.Errorf("tag %d: unknown type %d", t.ID, t.Type)
	}
	switch t.Type {
	case typeByte, typeShort, typeLong:
	default:
		return nil, fmt.Errorf("tag %d: type %d is not an unsigned integer type", t.ID, t.Type)
	}
	vals := make([]uint32, t.Count)
	for i := uint32(0); i < t.Count; i++ {
		off := i * size
		switch t.Type {
		case typeByte:
			vals[i] = uint32(t.raw[off])
		case typeShort:
			vals[i] = uint32(t.byteOrder.Uint16(t.raw[off:]))
		case typeLong:
			vals[i] = t.byteOrder.Uint32(t.raw[off:])
		}
	}
	return vals, nil
}

// Uint returns the first tag value as an unsigned integer.
func (t Tag) Uint() (uint32, error) {
	vals, err := t.Uints()
	if err != nil {
		return 0, err
	}
	if len(vals) == 0 {
		return 0, fmt.Errorf("tag %d: empty value", t.ID)
	}
	return vals[0], nil
}

// Text returns the tag value as a string. ASCII values are
// NUL-terminated in the file; trailing NULs are stripped. UNDEFINED
// values are returned verbatim, which is how vendor JSON blocks are
// usually typed.
func (t Tag) Text() string {
	return strings.TrimRight(string(t.raw), "\x00")
}

// IsText reports whether the tag holds text (ASCII or UNDEFINED, the
// types vendors use for description and JSON metadata blocks).
func (t Tag) IsText() bool {
	return t.Type == typeASCII || t.Type == typeUndefined
}

// Page is one IFD of a TIFF file with accessors for the tags the frame
// splitters need.
type Page struct {
	tags      map[uint16]Tag
	order     []uint16
	data      []byte
	byteOrder binary.ByteOrder
}

// Tag returns the tag with the given ID, if present.
func (p *Page) Tag(id uint16) (Tag, bool) {
	t, ok := p.tags[id]
	return t, ok
}

// TagIDs returns the page's tag IDs in file order.
func (p *Page) TagIDs() []uint16 {
	ids := make([]uint16, len(p.order))
	copy(ids, p.order)
	return ids
}

// ByteOrder returns the file's byte order, needed to interpret 16-bit
// pixel data.
func (p *Page) ByteOrder() binary.ByteOrder { return p.byteOrder }

func (p *Page) uintTag(id uint16, name string) (int, error) {
	t, ok := p.tags[id]
	if !ok {
		return 0, fmt.Errorf("page has no %s tag", name)
	}
	v, err := t.Uint()
	if err != nil {
		return 0, fmt.Errorf("reading %s tag: %w", name, err)
	}
	return int(v), nil
}

// Width returns the page's pixel width.
func (p *Page) Width() (int, error) {
	return p.uintTag(tagImageWidth, "ImageWidth")
}

// Height returns the page's pixel height.
func (p *Page) Height() (int, error) {
	return p.uintTag(tagImageLength, "ImageLength")
}

// BitsPerSample returns the page's bit depth. Pages with differing
// per-sample depths are rejected.
func (p *Page) BitsPerSample() (int, error) {
	t, ok := p.tags[tagBitsPerSample]
	if !ok {
		// Bilevel/grayscale default per the TIFF spec.
		return 8, nil
	}
	vals, err := t.Uints()
	if err != nil || len(vals) == 0 {
		return 0, fmt.Errorf("reading BitsPerSample tag: %w", err)
	}
	for _, v := range vals[1:] {
		if v != vals[0] {
			return 0, fmt.Errorf("mixed bits per sample %v not supported", vals)
		}
	}
	return int(vals[0]), nil
}

// SamplesPerPixel returns the number of interleaved samples (1 for
// grayscale, 3 for RGB).
func (p *Page) SamplesPerPixel() (int, error) {
	if _, ok := p.tags[tagSamplesPerPixel]; !ok {
		return 1, nil
	}
	return p.uintTag(tagSamplesPerPixel, "SamplesPerPixel")
}

// Description returns the ImageDescription text, if present.
func (p *Page) Description() (string, bool) {
	t, ok := p.tags[TagImageDescription]
	if !ok {
		return "", false
	}
	return t.Text(), true
}

// Pixels returns the page's decoded pixel bytes: strips concatenated in
// order, samples interleaved, 16-bit values still in the file's byte
// order. Only uncompressed chunky pages are supported.
func (p *Page) Pixels() ([]byte, error) {
	if t, ok := p.tags[tagCompression]; ok {
		v, err := t.Uint()
		if err != nil {
			return nil, fmt.Errorf("reading Compression tag: %w", err)
		}
		if v != 1 {
			return nil, fmt.Errorf("compression scheme %d not supported", v)
		}
	}
	if t, ok := p.tags[tagPlanarConfiguration]; ok {
		v, err := t.Uint()
		if err != nil {
			return nil, fmt.Errorf("reading PlanarConfiguration tag: %w", err)
		}
		if v != 1 {
			return nil, fmt.Errorf("planar configuration %d not supported", v)
		}
	}

	offTag, ok := p.tags[tagStripOffsets]
	if !ok {
		return nil, fmt.Errorf("page has no StripOffsets tag")
	}
	cntTag, ok := p.tags[tagStripByteCounts]
	if !ok {
		return nil, fmt.Errorf("page has no StripByteCounts tag")
	}
	offsets, err := offTag.Uints()
	if err != nil {
		return nil, fmt.Errorf("reading StripOffsets tag: %w", err)
	}
	counts, err := cntTag.Uints()
	if err != nil {
		return nil, fmt.Errorf("reading StripByteCounts tag: %w", err)
	}
	if len(offsets) != len(counts) {
		return nil, fmt.Errorf("strip count mismatch: %d offsets, %d byte counts", len(offsets), len(counts))
	}

	width, err := p.Width()
	if err != nil {
		return nil, err
	}
	height, err := p.Height()
	if err != nil {
		return nil, err
	}
	bits, err := p.BitsPerSample()
	if err != nil {
		return nil, err
	}
	if bits != 8 && bits != 16 {
		return nil, fmt.Errorf("bit depth %d not supported", bits)
	}
	samples, err := p.SamplesPerPixel()
	if err != nil {
		return nil, err
	}

	expected := width * height * samples * (bits / 8)
	pixels := make([]byte, 0, expected)
	for i := range offsets {
		off, cnt := int(offsets[i]), int(counts[i])
		if off < 0 || cnt < 0 || off+cnt > len(p.data) {
			return nil, fmt.Errorf("strip %d [%d:%d] outside file bounds", i, off, off+cnt)
		}
		pixels = append(pixels, p.data[off:off+cnt]...)
	}
	if len(pixels) != expected {
		return nil, fmt.Errorf("pixel data is %d bytes, expected %d", len(pixels), expected)
	}
	return pixels, nil
}

// File is a decoded TIFF file.
type File struct {
	// Pages holds one entry per IFD, in chain order.
	Pages []*Page
	// ByteOrder is the file's byte order.
	ByteOrder binary.ByteOrder
}

// Decode parses the IFD chain of a classic TIFF file. Pixel data is not
// touched until Page.Pixels is called.
func Decode(data []byte) (*File, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("file too short for TIFF header (%d bytes)", len(data))
	}

	var byteOrder binary.ByteOrder
	switch string(data[:2]) {
	case "II":
		byteOrder = binary.LittleEndian
	case "MM":
		byteOrder = binary.BigEndian
	default:
		return nil, fmt.Errorf("bad byte order mark %q", data[:2])
	}
	if magic := byteOrder.Uint16(data[2:4]); magic != 42 {
		return nil, fmt.Errorf("bad TIFF magic %d", magic)
	}

	f := &File{ByteOrder: byteOrder}
	seen := make(map[uint32]bool)
	offset := byteOrder.Uint32(data[4:8])
	for offset != 0 {
		if seen[offset] {
			return nil, fmt.Errorf("IFD chain loops back to offset %d", offset)
		}
		seen[offset] = true

		page, next, err := decodeIFD(data, offset, byteOrder)
		if err != nil {
			return nil, fmt.Errorf("page %d: %w", len(f.Pages), err)
		}
		f.Pages = append(f.Pages, page)
		offset = next
	}
	if len(f.Pages) == 0 {
		return nil, fmt.Errorf("file has no pages")
	}
	return f, nil
}

// decodeIFD parses one IFD at the given offset and returns the page and
// the offset of the next IFD (0 at end of chain).
func decodeIFD(data []byte, offset uint32, byteOrder binary.ByteOrder) (*Page, uint32, error) {
	if int(offset)+2 > len(data) {
		return nil, 0, fmt.Errorf("IFD offset %d outside file bounds", offset)
	}
	count := int(byteOrder.Uint16(data[offset:]))
	entriesEnd := int(offset) + 2 + count*12 + 4
	if entriesEnd > len(data) {
		return nil, 0, fmt.Errorf("IFD with %d entries at offset %d overruns file", count, offset)
	}

	page := &Page{
		tags:      make(map[uint16]Tag, count),
		data:      data,
		byteOrder: byteOrder,
	}
	for i := 0; i < count; i++ {
		entry := data[int(offset)+2+i*12:]
		tag := Tag{
			ID:        byteOrder.Uint16(entry[0:2]),
			Type:      byteOrder.Uint16(entry[2:4]),
			Count:     byteOrder.Uint32(entry[4:8]),
			byteOrder: byteOrder,
		}

		size, ok := typeSizes[tag.Type]
		if !ok {
			// Unknown value types are skipped, not fatal; vendors
			// write private tags with private types.
			continue
		}
		total := uint64(size) * uint64(tag.Count)
		if total <= 4 {
			tag.raw = entry[8 : 8+total]
		} else {
			valOff := uint64(byteOrder.Uint32(entry[8:12]))
			if valOff+total > uint64(len(data)) {
				return nil, 0, fmt.Errorf("tag %d value [%d:%d] outside file bounds", tag.ID, valOff, valOff+total)
			}
			tag.raw = data[valOff : valOff+total]
		}
		page.tags[tag.ID] = tag
		page.order = append(page.order, tag.ID)
	}

	next := byteOrder.Uint32(data[int(offset)+2+count*12:])
	return page, next, nil
}
