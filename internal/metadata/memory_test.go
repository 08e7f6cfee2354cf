package metadata

import (
	"context"
	"errors"
	"testing"

	fverr "github.com/framevault/framevault/internal/errors"
)

func TestMemoryStoreFrameRoundTrip(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	serial := "ML-2020-01-02-03-04-05-0001"
	seedFrameDataset(t, store, serial)

	fs, frames, err := store.QueryFrames(ctx, serial, Filters{})
	if err != nil {
		t.Fatalf("QueryFrames: %v", err)
	}
	if len(frames) != 6 {
		t.Fatalf("QueryFrames returned %d frames, want 6", len(frames))
	}
	if fs.NbrChannels != 3 || fs.NbrSlices != 2 {
		t.Errorf("frame set counts = %d channels, %d slices, want 3, 2",
			fs.NbrChannels, fs.NbrSlices)
	}
	for i := 1; i < len(frames); i++ {
		if frames[i-1].FileName >= frames[i].FileName {
			t.Errorf("frames out of order: %q before %q", frames[i-1].FileName, frames[i].FileName)
		}
	}

	_, frames, err = store.QueryFrames(ctx, serial, Filters{ChannelIndices: []int{1}})
	if err != nil {
		t.Fatalf("QueryFrames(channel 1): %v", err)
	}
	if len(frames) != 2 {
		t.Errorf("channel filter [1] returned %d frames, want 2", len(frames))
	}
}

func TestMemoryStoreErrors(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	frameSerial := "ML-2020-01-02-03-04-05-0001"
	fileSerial := "AB-2021-06-07-08-09-10-0042"
	seedFrameDataset(t, store, frameSerial)
	seedFileDataset(t, store, fileSerial)

	if err := store.AssertUniqueDataset(ctx, frameSerial); !errors.Is(err, fverr.ErrDatasetExists) {
		t.Errorf("AssertUniqueDataset(taken) = %v, want ErrDatasetExists", err)
	}

	if _, _, err := store.QueryFrames(ctx, fileSerial, Filters{}); !errors.Is(err, fverr.ErrNotDecomposed) {
		t.Errorf("QueryFrames(file dataset) = %v, want ErrNotDecomposed", err)
	}

	if _, _, err := store.QueryFrames(ctx, frameSerial, Filters{Positions: []int{7}}); !errors.Is(err, fverr.ErrEmptyResult) {
		t.Errorf("QueryFrames(no match) = %v, want ErrEmptyResult", err)
	}

	mixed := Filters{ChannelIndices: []int{0}, ChannelNames: []string{"DAPI"}}
	if _, _, err := store.QueryFrames(ctx, frameSerial, mixed); !errors.Is(err, fverr.ErrMixedChannelFilter) {
		t.Errorf("QueryFrames(mixed channels) = %v, want ErrMixedChannelFilter", err)
	}

	if _, err := store.ResolveParent(ctx, "ZZ-2020-01-02-03-04-05-0001"); !errors.Is(err, fverr.ErrParentNotFound) {
		t.Errorf("ResolveParent(unknown) = %v, want ErrParentNotFound", err)
	}
}

func TestMemoryStoreSearch(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	seedFrameDataset(t, store, "ML-2020-01-02-03-04-05-0001")
	seedFileDataset(t, store, "AB-2021-06-07-08-09-10-0042")

	got, err := store.QueryDatasets(ctx, Search{Serial: "ml-"})
	if err != nil {
		t.Fatalf("QueryDatasets: %v", err)
	}
	if len(got) != 1 || got[0].Serial != "ML-2020-01-02-03-04-05-0001" {
		t.Errorf("case-insensitive serial search = %v, want the ML dataset", serials(got))
	}

	got, err = store.QueryDatasets(ctx, Search{})
	if err != nil {
		t.Fatalf("QueryDatasets: %v", err)
	}
	if len(got) != 2 || got[0].Serial > got[1].Serial {
		t.Errorf("unfiltered search = %v, want both datasets ordered by serial", serials(got))
	}
}

func TestMemoryStoreInsertDoesNotAliasCaller(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	serial := "ML-2020-01-02-03-04-05-0001"
	ds, _, _ := seedFrameDataset(t, store, serial)

	// Mutating the caller's record after insert must not leak into the store.
	ds.Description = "mutated"
	got, err := store.GetDataset(ctx, serial)
	if err != nil {
		t.Fatalf("GetDataset: %v", err)
	}
	if got.Description != "calibration run" {
		t.Errorf("Description = %q, want %q", got.Description, "calibration run")
	}
}
