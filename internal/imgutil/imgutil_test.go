package imgutil

import (
	"testing"

	"github.com/framevault/framevault/internal/tiff"
)

func TestPNGRoundTripGray8(t *testing.T) {
	p := &Plane{
		Width: 3, Height: 2, Colors: 1, Bits: 8,
		Samples: []uint16{0, 50, 100, 150, 200, 255},
	}

	data, err := p.EncodePNG()
	if err != nil {
		t.Fatalf("EncodePNG failed: %v", err)
	}
	got, err := DecodePNG(data)
	if err != nil {
		t.Fatalf("DecodePNG failed: %v", err)
	}

	if got.Width != p.Width || got.Height != p.Height || got.Colors != 1 || got.Bits != 8 {
		t.Fatalf("shape = %dx%d c%d b%d, want %dx%d c1 b8",
			got.Width, got.Height, got.Colors, got.Bits, p.Width, p.Height)
	}
	for i := range p.Samples {
		if got.Samples[i] != p.Samples[i] {
			t.Errorf("sample %d = %d, want %d", i, got.Samples[i], p.Samples[i])
		}
	}
}

func TestPNGRoundTripGray16(t *testing.T) {
	p := &Plane{
		Width: 2, Height: 2, Colors: 1, Bits: 16,
		Samples: []uint16{0, 1000, 40000, 65535},
	}

	data, err := p.EncodePNG()
	if err != nil {
		t.Fatalf("EncodePNG failed: %v", err)
	}
	got, err := DecodePNG(data)
	if err != nil {
		t.Fatalf("DecodePNG failed: %v", err)
	}

	if got.Bits != 16 || got.Colors != 1 {
		t.Fatalf("shape = c%d b%d, want c1 b16", got.Colors, got.Bits)
	}
	for i := range p.Samples {
		if got.Samples[i] != p.Samples[i] {
			t.Errorf("sample %d = %d, want %d", i, got.Samples[i], p.Samples[i])
		}
	}
}

func TestPNGRoundTripRGB8(t *testing.T) {
	p := &Plane{
		Width: 2, Height: 1, Colors: 3, Bits: 8,
		Samples: []uint16{255, 0, 0, 10, 20, 30},
	}

	data, err := p.EncodePNG()
	if err != nil {
		t.Fatalf("EncodePNG failed: %v", err)
	}
	got, err := DecodePNG(data)
	if err != nil {
		t.Fatalf("DecodePNG failed: %v", err)
	}

	if got.Colors != 3 {
		t.Fatalf("Colors = %d, want 3", got.Colors)
	}
	for i := range p.Samples {
		if got.Samples[i] != p.Samples[i] {
			t.Errorf("sample %d = %d, want %d", i, got.Samples[i], p.Samples[i])
		}
	}
}

func TestPlaneAt(t *testing.T) {
	p := &Plane{
		Width: 2, Height: 2, Colors: 3, Bits: 8,
		Samples: []uint16{
			1, 2, 3, 4, 5, 6,
			7, 8, 9, 10, 11, 12,
		},
	}

	tests := []struct {
		x, y, c int
		want    uint16
	}{
		{0, 0, 0, 1},
		{0, 0, 2, 3},
		{1, 0, 1, 5},
		{0, 1, 0, 7},
		{1, 1, 2, 12},
	}
	for _, tc := range tests {
		if got := p.At(tc.x, tc.y, tc.c); got != tc.want {
			t.Errorf("At(%d, %d, %d) = %d, want %d", tc.x, tc.y, tc.c, got, tc.want)
		}
	}
}

func TestPlaneValidate(t *testing.T) {
	tests := []struct {
		name  string
		plane Plane
		ok    bool
	}{
		{"valid gray8", Plane{Width: 2, Height: 2, Colors: 1, Bits: 8, Samples: make([]uint16, 4)}, true},
		{"valid rgb16", Plane{Width: 2, Height: 1, Colors: 3, Bits: 16, Samples: make([]uint16, 6)}, true},
		{"bad colors", Plane{Width: 2, Height: 2, Colors: 2, Bits: 8, Samples: make([]uint16, 8)}, false},
		{"bad bits", Plane{Width: 2, Height: 2, Colors: 1, Bits: 12, Samples: make([]uint16, 4)}, false},
		{"short samples", Plane{Width: 2, Height: 2, Colors: 1, Bits: 8, Samples: make([]uint16, 3)}, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.plane.Validate()
			if tc.ok && err != nil {
				t.Errorf("Validate failed: %v", err)
			}
			if !tc.ok && err == nil {
				t.Error("Validate should fail")
			}
		})
	}
}

func TestFromTIFFPage(t *testing.T) {
	pixels := []byte{10, 20, 30, 40, 50, 60}
	data, err := tiff.Encode([]tiff.PageSpec{{
		Width: 3, Height: 2, BitsPerSample: 8, SamplesPerPixel: 1,
		Pixels: pixels,
	}})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	f, err := tiff.Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	p, err := FromTIFFPage(f.Pages[0])
	if err != nil {
		t.Fatalf("FromTIFFPage failed: %v", err)
	}
	if p.Width != 3 || p.Height != 2 || p.Colors != 1 || p.Bits != 8 {
		t.Fatalf("shape = %dx%d c%d b%d, want 3x2 c1 b8", p.Width, p.Height, p.Colors, p.Bits)
	}
	for i, b := range pixels {
		if p.Samples[i] != uint16(b) {
			t.Errorf("sample %d = %d, want %d", i, p.Samples[i], b)
		}
	}
}

func TestFromTIFFPage16BitToPNG(t *testing.T) {
	vals := []uint16{0, 4096, 32768, 65535}
	pixels := make([]byte, 0, 8)
	for _, v := range vals {
		pixels = append(pixels, byte(v), byte(v>>8))
	}
	data, err := tiff.Encode([]tiff.PageSpec{{
		Width: 2, Height: 2, BitsPerSample: 16, SamplesPerPixel: 1,
		Pixels: pixels,
	}})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	f, err := tiff.Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	// TIFF page through to PNG and back preserves every sample.
	p, err := FromTIFFPage(f.Pages[0])
	if err != nil {
		t.Fatalf("FromTIFFPage failed: %v", err)
	}
	encoded, err := p.EncodePNG()
	if err != nil {
		t.Fatalf("EncodePNG failed: %v", err)
	}
	got, err := DecodePNG(encoded)
	if err != nil {
		t.Fatalf("DecodePNG failed: %v", err)
	}
	for i, want := range vals {
		if got.Samples[i] != want {
			t.Errorf("sample %d = %d, want %d", i, got.Samples[i], want)
		}
	}
}
