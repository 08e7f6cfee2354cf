package stack

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/framevault/framevault/internal/checksum"
	"github.com/framevault/framevault/internal/dataset"
	fverr "github.com/framevault/framevault/internal/errors"
	"github.com/framevault/framevault/internal/imgutil"
	"github.com/framevault/framevault/internal/storage"
)

func testFrameSet(width, height, colors int, bitDepth string) *dataset.FrameSet {
	return &dataset.FrameSet{
		StorageDir: "raw_frames/ML-2020-01-02-03-04-05-0001",
		ImWidth:    width,
		ImHeight:   height,
		ImColors:   colors,
		BitDepth:   bitDepth,
	}
}

// seedFrame encodes a plane whose samples are fill, fill+1, ... in
// row-major order, stores it under the frame's file name, and returns
// the frame with its digest filled in.
func seedFrame(t *testing.T, b storage.Backend, width, height, colors, bits int, frame dataset.Frame, fill uint16) dataset.Frame {
	t.Helper()
	plane := &imgutil.Plane{
		Width:   width,
		Height:  height,
		Colors:  colors,
		Bits:    bits,
		Samples: make([]uint16, width*height*colors),
	}
	for i := range plane.Samples {
		plane.Samples[i] = fill + uint16(i)
	}
	data, err := plane.EncodePNG()
	if err != nil {
		t.Fatalf("EncodePNG: %v", err)
	}
	frame.FileName = dataset.FrameFileName(frame.ChannelIdx, frame.SliceIdx, frame.TimeIdx, frame.PosIdx)
	frame.SHA256 = checksum.SHA256Bytes(data)
	if err := b.Put(context.Background(), frame.FileName, data); err != nil {
		t.Fatalf("Put %s: %v", frame.FileName, err)
	}
	return frame
}

func equalInts(a, b []int) bool {
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

func TestAssembleFullGrid(t *testing.T) {
	b := storage.NewMemoryBackend("raw_frames/ML-2020-01-02-03-04-05-0001")
	fs := testFrameSet(3, 2, 1, dataset.BitDepth16)

	// Two slices by two channels of 3x2 grayscale frames, each filled
	// with a distinct base value.
	var frames []dataset.Frame
	fills := map[[2]int]uint16{}
	for c := 0; c < 2; c++ {
		for z := 0; z < 2; z++ {
			fill := uint16(1000*(c+1) + 100*z)
			fills[[2]int{z, c}] = fill
			frames = append(frames, seedFrame(t, b, 3, 2, 1, 16,
				dataset.Frame{ChannelIdx: c, SliceIdx: z}, fill))
		}
	}

	st, err := Assemble(context.Background(), b, fs, frames, Options{})
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if !equalInts(st.Shape, []int{2, 3, 2, 2}) {
		t.Fatalf("shape = %v, want [2 3 2 2]", st.Shape)
	}
	if st.Labels != "XYZC" {
		t.Fatalf("labels = %q, want XYZC", st.Labels)
	}
	if st.BitDepth != dataset.BitDepth16 {
		t.Errorf("bit depth = %q, want %q", st.BitDepth, dataset.BitDepth16)
	}
	if len(st.Samples) != 2*3*2*2 {
		t.Fatalf("got %d samples, want %d", len(st.Samples), 2*3*2*2)
	}
	for z := 0; z < 2; z++ {
		for c := 0; c < 2; c++ {
			for y := 0; y < 2; y++ {
				for x := 0; x < 3; x++ {
					want := fills[[2]int{z, c}] + uint16(y*3+x)
					if got := st.At(y, x, z, c); got != want {
						t.Fatalf("At(%d,%d,%d,%d) = %d, want %d", y, x, z, c, got, want)
					}
				}
			}
		}
	}
}

func TestAssembleFilteredSubsetShape(t *testing.T) {
	b := storage.NewMemoryBackend("raw_frames/ML-2020-01-02-03-04-05-0001")
	fs := testFrameSet(3, 2, 1, dataset.BitDepth16)

	var all []dataset.Frame
	for c := 0; c < 2; c++ {
		for z := 0; z < 2; z++ {
			all = append(all, seedFrame(t, b, 3, 2, 1, 16,
				dataset.Frame{ChannelIdx: c, SliceIdx: z}, uint16(1000*(c+1)+100*z)))
		}
	}

	// Assemble only channel 1; the channel axis collapses.
	var filtered []dataset.Frame
	for _, f := range all {
		if f.ChannelIdx == 1 {
			filtered = append(filtered, f)
		}
	}
	st, err := Assemble(context.Background(), b, fs, filtered, Options{})
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if !equalInts(st.Shape, []int{2, 3, 2}) {
		t.Fatalf("shape = %v, want [2 3 2]", st.Shape)
	}
	if st.Labels != "XYZ" {
		t.Fatalf("labels = %q, want XYZ", st.Labels)
	}
	if got, want := st.At(0, 0, 1), uint16(2100); got != want {
		t.Errorf("At(0,0,1) = %d, want %d", got, want)
	}
}

func TestAssembleRankPlacement(t *testing.T) {
	b := storage.NewMemoryBackend("raw_frames/ML-2020-01-02-03-04-05-0001")
	fs := testFrameSet(3, 2, 1, dataset.BitDepth16)

	// Slice indices 7 and 3, neither contiguous nor zero-based, on
	// channel 5 at position 9. Placement follows sorted rank.
	f7 := seedFrame(t, b, 3, 2, 1, 16,
		dataset.Frame{ChannelIdx: 5, SliceIdx: 7, PosIdx: 9}, 7000)
	f3 := seedFrame(t, b, 3, 2, 1, 16,
		dataset.Frame{ChannelIdx: 5, SliceIdx: 3, PosIdx: 9}, 3000)

	st, err := Assemble(context.Background(), b, fs, []dataset.Frame{f7, f3}, Options{})
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if !equalInts(st.Shape, []int{2, 3, 2}) {
		t.Fatalf("shape = %v, want [2 3 2]", st.Shape)
	}
	if st.Labels != "XYZ" {
		t.Fatalf("labels = %q, want XYZ", st.Labels)
	}
	if got := st.At(0, 0, 0); got != 3000 {
		t.Errorf("slice rank 0 = %d, want frame with slice_idx 3 (3000)", got)
	}
	if got := st.At(0, 0, 1); got != 7000 {
		t.Errorf("slice rank 1 = %d, want frame with slice_idx 7 (7000)", got)
	}
}

func TestAssembleColorAxis(t *testing.T) {
	b := storage.NewMemoryBackend("raw_frames/ML-2020-01-02-03-04-05-0001")
	fs := testFrameSet(2, 2, 3, dataset.BitDepth8)

	f := seedFrame(t, b, 2, 2, 3, 8, dataset.Frame{}, 10)
	st, err := Assemble(context.Background(), b, fs, []dataset.Frame{f}, Options{})
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if !equalInts(st.Shape, []int{2, 2, 3}) {
		t.Fatalf("shape = %v, want [2 2 3]", st.Shape)
	}
	if st.Labels != "XYG" {
		t.Fatalf("labels = %q, want XYG", st.Labels)
	}
	if st.BitDepth != dataset.BitDepth8 {
		t.Errorf("bit depth = %q, want %q", st.BitDepth, dataset.BitDepth8)
	}
	// Plane samples are interleaved per pixel; axis order splits them.
	if got := st.At(0, 1, 2); got != 10+1*3+2 {
		t.Errorf("At(0,1,2) = %d, want %d", got, 10+1*3+2)
	}
}

func TestAssembleAllSingleton(t *testing.T) {
	b := storage.NewMemoryBackend("raw_frames/ML-2020-01-02-03-04-05-0001")
	fs := testFrameSet(1, 1, 1, dataset.BitDepth8)

	f := seedFrame(t, b, 1, 1, 1, 8, dataset.Frame{}, 42)
	st, err := Assemble(context.Background(), b, fs, []dataset.Frame{f}, Options{})
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if len(st.Shape) != 0 || st.Labels != "" {
		t.Fatalf("shape = %v labels = %q, want empty", st.Shape, st.Labels)
	}
	if len(st.Samples) != 1 || st.At() != 42 {
		t.Fatalf("samples = %v, want [42]", st.Samples)
	}
}

func TestAssembleVerifyDigests(t *testing.T) {
	b := storage.NewMemoryBackend("raw_frames/ML-2020-01-02-03-04-05-0001")
	fs := testFrameSet(3, 2, 1, dataset.BitDepth16)

	good := seedFrame(t, b, 3, 2, 1, 16, dataset.Frame{ChannelIdx: 0}, 100)
	bad := seedFrame(t, b, 3, 2, 1, 16, dataset.Frame{ChannelIdx: 1}, 200)

	if _, err := Assemble(context.Background(), b, fs,
		[]dataset.Frame{good, bad}, Options{VerifyDigests: true}); err != nil {
		t.Fatalf("Assemble with intact digests: %v", err)
	}

	// Overwrite the stored object so its digest no longer matches the
	// frame row.
	tampered := &imgutil.Plane{Width: 3, Height: 2, Colors: 1, Bits: 16, Samples: make([]uint16, 6)}
	data, err := tampered.EncodePNG()
	if err != nil {
		t.Fatalf("EncodePNG: %v", err)
	}
	if err := b.Put(context.Background(), bad.FileName, data); err != nil {
		t.Fatalf("Put: %v", err)
	}

	_, err = Assemble(context.Background(), b, fs,
		[]dataset.Frame{good, bad}, Options{VerifyDigests: true})
	if !errors.Is(err, fverr.ErrDigestMismatch) {
		t.Fatalf("err = %v, want ErrDigestMismatch", err)
	}
	if !fverr.IsIntegrity(err) {
		t.Errorf("err = %v, want integrity kind", err)
	}
	if !strings.Contains(err.Error(), bad.FileName) {
		t.Errorf("err = %v, want file name %s", err, bad.FileName)
	}

	// Without verification the tampered bytes still decode, so
	// assembly succeeds.
	if _, err := Assemble(context.Background(), b, fs,
		[]dataset.Frame{good, bad}, Options{}); err != nil {
		t.Fatalf("Assemble without verification: %v", err)
	}
}

func TestAssembleMissingObject(t *testing.T) {
	b := storage.NewMemoryBackend("raw_frames/ML-2020-01-02-03-04-05-0001")
	fs := testFrameSet(3, 2, 1, dataset.BitDepth16)

	missing := dataset.Frame{
		ChannelIdx: 4,
		FileName:   dataset.FrameFileName(4, 0, 0, 0),
	}
	_, err := Assemble(context.Background(), b, fs, []dataset.Frame{missing}, Options{})
	if !fverr.IsNotFound(err) {
		t.Fatalf("err = %v, want not-found kind", err)
	}
}

func TestAssembleEmptySet(t *testing.T) {
	b := storage.NewMemoryBackend("raw_frames/ML-2020-01-02-03-04-05-0001")
	fs := testFrameSet(3, 2, 1, dataset.BitDepth16)

	_, err := Assemble(context.Background(), b, fs, nil, Options{})
	if !errors.Is(err, fverr.ErrEmptyResult) {
		t.Fatalf("err = %v, want ErrEmptyResult", err)
	}
}

func TestAssembleDuplicateFrame(t *testing.T) {
	b := storage.NewMemoryBackend("raw_frames/ML-2020-01-02-03-04-05-0001")
	fs := testFrameSet(3, 2, 1, dataset.BitDepth16)

	f := seedFrame(t, b, 3, 2, 1, 16, dataset.Frame{}, 100)
	_, err := Assemble(context.Background(), b, fs, []dataset.Frame{f, f}, Options{})
	if !fverr.IsValidation(err) {
		t.Fatalf("err = %v, want validation kind", err)
	}
	if !strings.Contains(err.Error(), "duplicate") {
		t.Errorf("err = %v, want mention of duplicate", err)
	}
}

func TestAssembleDimensionMismatch(t *testing.T) {
	b := storage.NewMemoryBackend("raw_frames/ML-2020-01-02-03-04-05-0001")
	// The stored frame is 3x2 but the dataset claims 4x4.
	fs := testFrameSet(4, 4, 1, dataset.BitDepth16)

	f := seedFrame(t, b, 3, 2, 1, 16, dataset.Frame{}, 100)
	_, err := Assemble(context.Background(), b, fs, []dataset.Frame{f}, Options{})
	if err == nil || !strings.Contains(err.Error(), "stack expects") {
		t.Fatalf("err = %v, want dimension mismatch", err)
	}
}

func TestAssembleBoundedWorkers(t *testing.T) {
	b := storage.NewMemoryBackend("raw_frames/ML-2020-01-02-03-04-05-0001")
	fs := testFrameSet(3, 2, 1, dataset.BitDepth16)

	var frames []dataset.Frame
	for tm := 0; tm < 8; tm++ {
		frames = append(frames, seedFrame(t, b, 3, 2, 1, 16,
			dataset.Frame{TimeIdx: tm}, uint16(100*(tm+1))))
	}
	st, err := Assemble(context.Background(), b, fs, frames, Options{Workers: 1})
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if !equalInts(st.Shape, []int{2, 3, 8}) {
		t.Fatalf("shape = %v, want [2 3 8]", st.Shape)
	}
	if st.Labels != "XYT" {
		t.Fatalf("labels = %q, want XYT", st.Labels)
	}
	for tm := 0; tm < 8; tm++ {
		if got, want := st.At(1, 2, tm), uint16(100*(tm+1)+5); got != want {
			t.Errorf("At(1,2,%d) = %d, want %d", tm, got, want)
		}
	}
}
