package tiff

import (
	"encoding/binary"
	"fmt"
	"sort"
)

// PageSpec describes one page for Encode.
type PageSpec struct {
	// Width and Height are the pixel dimensions.
	Width, Height int
	// BitsPerSample is 8 or 16.
	BitsPerSample int
	// SamplesPerPixel is 1 for grayscale or 3 for RGB.
	SamplesPerPixel int
	// Pixels holds interleaved samples, 16-bit values little-endian.
	Pixels []byte
	// Description is written as the ImageDescription tag when non-empty.
	Description string
	// Extra holds additional ASCII tags keyed by tag ID, such as
	// vendor metadata blocks.
	Extra map[uint16]string
}

type ifdEntry struct {
	id    uint16
	typ   uint16
	count uint32
	value [4]byte
}

// Encode writes a little-endian classic TIFF with one strip per page.
// It produces the uncompressed chunky layout that Decode reads, which
// is all the splitter tests need.
func Encode(pages []PageSpec) ([]byte, error) {
	if len(pages) == 0 {
		return nil, fmt.Errorf("no pages to encode")
	}

	buf := make([]byte, 0, 1024)
	buf = append(buf, 'I', 'I')
	buf = appendUint16(buf, 42)
	buf = appendUint32(buf, 0)

	// prevLink is the position of the uint32 pointing at the next IFD:
	// the header slot first, then each page's next-IFD slot.
	prevLink := 4
	for i, p := range pages {
		var err error
		buf, prevLink, err = appendPage(buf, p, prevLink)
		if err != nil {
			return nil, fmt.Errorf("page %d: %w", i, err)
		}
	}
	return buf, nil
}

func appendPage(buf []byte, p PageSpec, prevLink int) ([]byte, int, error) {
	if p.BitsPerSample != 8 && p.BitsPerSample != 16 {
		return nil, 0, fmt.Errorf("bit depth %d not supported", p.BitsPerSample)
	}
	if p.SamplesPerPixel != 1 && p.SamplesPerPixel != 3 {
		return nil, 0, fmt.Errorf("%d samples per pixel not supported", p.SamplesPerPixel)
	}
	want := p.Width * p.Height * p.SamplesPerPixel * (p.BitsPerSample / 8)
	if len(p.Pixels) != want {
		return nil, 0, fmt.Errorf("pixel data is %d bytes, expected %d", len(p.Pixels), want)
	}

	stripOff := len(buf)
	buf = append(buf, p.Pixels...)

	// addExternal appends a word-aligned value block and returns its offset.
	addExternal := func(data []byte) uint32 {
		if len(buf)%2 == 1 {
			buf = append(buf, 0)
		}
		off := uint32(len(buf))
		buf = append(buf, data...)
		return off
	}

	var entries []ifdEntry
	addLong := func(id uint16, v uint32) {
		e := ifdEntry{id: id, typ: typeLong, count: 1}
		binary.LittleEndian.PutUint32(e.value[:], v)
		entries = append(entries, e)
	}
	addShort := func(id uint16, v uint16) {
		e := ifdEntry{id: id, typ: typeShort, count: 1}
		binary.LittleEndian.PutUint16(e.value[:2], v)
		entries = append(entries, e)
	}
	addASCII := func(id uint16, s string) {
		data := append([]byte(s), 0)
		e := ifdEntry{id: id, typ: typeASCII, count: uint32(len(data))}
		if len(data) <= 4 {
			copy(e.value[:], data)
		} else {
			binary.LittleEndian.PutUint32(e.value[:], addExternal(data))
		}
		entries = append(entries, e)
	}

	addLong(tagImageWidth, uint32(p.Width))
	addLong(tagImageLength, uint32(p.Height))

	if p.SamplesPerPixel == 1 {
		addShort(tagBitsPerSample, uint16(p.BitsPerSample))
	} else {
		bits := make([]byte, 0, 2*p.SamplesPerPixel)
		for s := 0; s < p.SamplesPerPixel; s++ {
			bits = appendUint16(bits, uint16(p.BitsPerSample))
		}
		e := ifdEntry{id: tagBitsPerSample, typ: typeShort, count: uint32(p.SamplesPerPixel)}
		binary.LittleEndian.PutUint32(e.value[:], addExternal(bits))
		entries = append(entries, e)
	}

	addShort(tagCompression, 1)
	photometric := uint16(1)
	if p.SamplesPerPixel == 3 {
		photometric = 2
	}
	addShort(tagPhotometric, photometric)
	if p.Description != "" {
		addASCII(TagImageDescription, p.Description)
	}
	addLong(tagStripOffsets, uint32(stripOff))
	addShort(tagSamplesPerPixel, uint16(p.SamplesPerPixel))
	addLong(tagRowsPerStrip, uint32(p.Height))
	addLong(tagStripByteCounts, uint32(want))

	extraIDs := make([]int, 0, len(p.Extra))
	for id := range p.Extra {
		extraIDs = append(extraIDs, int(id))
	}
	sort.Ints(extraIDs)
	for _, id := range extraIDs {
		addASCII(uint16(id), p.Extra[uint16(id)])
	}

	// IFD entries must be sorted by tag ID.
	sort.Slice(entries, func(i, j int) bool { return entries[i].id < entries[j].id })

	if len(buf)%2 == 1 {
		buf = append(buf, 0)
	}
	ifdOff := uint32(len(buf))
	binary.LittleEndian.PutUint32(buf[prevLink:], ifdOff)

	buf = appendUint16(buf, uint16(len(entries)))
	for _, e := range entries {
		buf = appendUint16(buf, e.id)
		buf = appendUint16(buf, e.typ)
		buf = appendUint32(buf, e.count)
		buf = append(buf, e.value[:]...)
	}
	nextLink := len(buf)
	buf = appendUint32(buf, 0)
	return buf, nextLink, nil
}

func appendUint16(buf []byte, v uint16) []byte {
	return append(buf, byte(v), byte(v>>8))
}

func appendUint32(buf []byte, v uint32) []byte {
	return append(buf, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}
