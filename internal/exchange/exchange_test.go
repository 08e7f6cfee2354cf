package exchange

import (
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/framevault/framevault/internal/dataset"
	fverr "github.com/framevault/framevault/internal/errors"
)

func testFrameSet() *dataset.FrameSet {
	return &dataset.FrameSet{
		StorageDir:    "raw_frames/ML-2020-01-02-03-04-05-0001",
		NbrFrames:     6,
		ImWidth:       30,
		ImHeight:      20,
		ImColors:      1,
		NbrSlices:     2,
		NbrChannels:   3,
		NbrTimepoints: 1,
		NbrPositions:  1,
		BitDepth:      dataset.BitDepth16,
		Meta:          json.RawMessage(`{"file_origin":"/data/acq"}`),
	}
}

func TestGlobalMetaRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), GlobalMetaFile)
	fs := testFrameSet()
	if err := WriteGlobalMeta(path, fs); err != nil {
		t.Fatalf("WriteGlobalMeta: %v", err)
	}

	got, err := ReadGlobalMeta(path)
	if err != nil {
		t.Fatalf("ReadGlobalMeta: %v", err)
	}
	if got.StorageDir != fs.StorageDir || got.NbrFrames != fs.NbrFrames ||
		got.ImWidth != fs.ImWidth || got.ImHeight != fs.ImHeight ||
		got.ImColors != fs.ImColors || got.NbrSlices != fs.NbrSlices ||
		got.NbrChannels != fs.NbrChannels || got.NbrTimepoints != fs.NbrTimepoints ||
		got.NbrPositions != fs.NbrPositions || got.BitDepth != fs.BitDepth {
		t.Errorf("round trip = %+v, want %+v", got, fs)
	}
	var payload struct {
		FileOrigin string `json:"file_origin"`
	}
	if err := json.Unmarshal(got.Meta, &payload); err != nil {
		t.Fatalf("unmarshaling payload: %v", err)
	}
	if payload.FileOrigin != "/data/acq" {
		t.Errorf("file_origin = %q, want /data/acq", payload.FileOrigin)
	}
}

func TestGlobalMetaKeyOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), GlobalMetaFile)
	if err := WriteGlobalMeta(path, testFrameSet()); err != nil {
		t.Fatalf("WriteGlobalMeta: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	doc := string(data)
	// Keys appear in declaration order, storage location first.
	order := []string{
		`"storage_dir"`, `"nbr_frames"`, `"im_width"`, `"im_height"`,
		`"nbr_slices"`, `"nbr_channels"`, `"im_colors"`,
		`"nbr_timepoints"`, `"nbr_positions"`, `"bit_depth"`, `"metadata_json"`,
	}
	last := -1
	for _, key := range order {
		i := strings.Index(doc, key)
		if i < 0 {
			t.Fatalf("document is missing %s:\n%s", key, doc)
		}
		if i < last {
			t.Fatalf("%s appears out of order:\n%s", key, doc)
		}
		last = i
	}
	if !strings.HasSuffix(doc, "\n") {
		t.Error("document does not end with a newline")
	}
}

func TestWriteGlobalMetaIncomplete(t *testing.T) {
	path := filepath.Join(t.TempDir(), GlobalMetaFile)
	fs := testFrameSet()
	fs.NbrFrames = 0
	err := WriteGlobalMeta(path, fs)
	if !fverr.IsValidation(err) {
		t.Fatalf("err = %v, want validation kind", err)
	}
	if _, statErr := os.Stat(path); !os.IsNotExist(statErr) {
		t.Error("incomplete metadata still produced a file")
	}
}

func TestReadGlobalMetaMissingKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), GlobalMetaFile)
	doc := `{"storage_dir": "raw_frames/x", "nbr_frames": 6, "im_width": 30,
		"im_height": 20, "nbr_slices": 2, "nbr_channels": 3, "im_colors": 1,
		"nbr_timepoints": 1, "nbr_positions": 1}`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	_, err := ReadGlobalMeta(path)
	if !fverr.IsValidation(err) {
		t.Fatalf("err = %v, want validation kind", err)
	}
	if !strings.Contains(err.Error(), "bit_depth") {
		t.Errorf("err = %v, want mention of bit_depth", err)
	}
}

func TestReadGlobalMetaBadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), GlobalMetaFile)
	if err := os.WriteFile(path, []byte("not json"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	_, err := ReadGlobalMeta(path)
	if !fverr.IsValidation(err) {
		t.Fatalf("err = %v, want validation kind", err)
	}
}

func TestFramesMetaRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), FramesMetaFile)
	frames := []dataset.Frame{
		{ChannelIdx: 0, SliceIdx: 0, TimeIdx: 0, PosIdx: 0,
			ChannelName: "DAPI", FileName: "im_c000_z000_t000_p000.png", SHA256: "aaa"},
		{ChannelIdx: 1, SliceIdx: 7, TimeIdx: 0, PosIdx: 50,
			ChannelName: "", FileName: "im_c001_z007_t000_p050.png", SHA256: "bbb"},
	}
	if err := WriteFramesMeta(path, frames); err != nil {
		t.Fatalf("WriteFramesMeta: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	first, _, _ := strings.Cut(string(data), "\n")
	if first != "channel_idx,slice_idx,time_idx,channel_name,file_name,pos_idx,sha256" {
		t.Fatalf("header = %q", first)
	}

	got, err := ReadFramesMeta(path)
	if err != nil {
		t.Fatalf("ReadFramesMeta: %v", err)
	}
	if !reflect.DeepEqual(got, frames) {
		t.Errorf("round trip = %+v, want %+v", got, frames)
	}
}

func TestReadFramesMetaWrongHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), FramesMetaFile)
	table := "slice_idx,channel_idx,time_idx,channel_name,file_name,pos_idx,sha256\n" +
		"0,0,0,DAPI,im_c000_z000_t000_p000.png,0,aaa\n"
	if err := os.WriteFile(path, []byte(table), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	_, err := ReadFramesMeta(path)
	if !fverr.IsValidation(err) {
		t.Fatalf("err = %v, want validation kind", err)
	}
	if !strings.Contains(err.Error(), "header") {
		t.Errorf("err = %v, want mention of header", err)
	}
}

func TestReadFramesMetaBadCell(t *testing.T) {
	path := filepath.Join(t.TempDir(), FramesMetaFile)
	table := "channel_idx,slice_idx,time_idx,channel_name,file_name,pos_idx,sha256\n" +
		"0,0,0,DAPI,im_c000_z000_t000_p000.png,0,aaa\n" +
		"0,x,0,FITC,im_c000_z001_t000_p000.png,0,bbb\n"
	if err := os.WriteFile(path, []byte(table), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	_, err := ReadFramesMeta(path)
	if !fverr.IsValidation(err) {
		t.Fatalf("err = %v, want validation kind", err)
	}
	if !strings.Contains(err.Error(), "line 3") || !strings.Contains(err.Error(), "slice_idx") {
		t.Errorf("err = %v, want line 3 and slice_idx", err)
	}
}

func TestReadUploadList(t *testing.T) {
	path := filepath.Join(t.TempDir(), "upload_list.csv")
	list := `dataset_id,file_name,description,parent_dataset_id,positions
ML-2020-01-02-03-04-05-0001,/data/acq1,First pass,,
ML-2020-01-02-03-04-05-0002,/data/acq2,Deconvolved,ML-2020-01-02-03-04-05-0001,3
ML-2020-01-02-03-04-05-0003,/data/acq3,,,"[1, 3]"
`
	if err := os.WriteFile(path, []byte(list), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	entries, err := ReadUploadList(path)
	if err != nil {
		t.Fatalf("ReadUploadList: %v", err)
	}
	want := []UploadEntry{
		{Serial: "ML-2020-01-02-03-04-05-0001", Path: "/data/acq1", Description: "First pass"},
		{Serial: "ML-2020-01-02-03-04-05-0002", Path: "/data/acq2", Description: "Deconvolved",
			ParentSerial: "ML-2020-01-02-03-04-05-0001", Positions: []int{3}},
		{Serial: "ML-2020-01-02-03-04-05-0003", Path: "/data/acq3", Positions: []int{1, 3}},
	}
	if !reflect.DeepEqual(entries, want) {
		t.Errorf("entries = %+v, want %+v", entries, want)
	}
}

func TestReadUploadListMinimalColumns(t *testing.T) {
	path := filepath.Join(t.TempDir(), "upload_list.csv")
	list := "dataset_id,file_name\nML-2020-01-02-03-04-05-0001,/data/acq1\n"
	if err := os.WriteFile(path, []byte(list), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	entries, err := ReadUploadList(path)
	if err != nil {
		t.Fatalf("ReadUploadList: %v", err)
	}
	if len(entries) != 1 || entries[0].Serial != "ML-2020-01-02-03-04-05-0001" ||
		entries[0].Path != "/data/acq1" {
		t.Errorf("entries = %+v", entries)
	}
}

func TestReadUploadListMissingColumn(t *testing.T) {
	path := filepath.Join(t.TempDir(), "upload_list.csv")
	list := "dataset_id,description\nML-2020-01-02-03-04-05-0001,whoops\n"
	if err := os.WriteFile(path, []byte(list), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	_, err := ReadUploadList(path)
	if !fverr.IsValidation(err) {
		t.Fatalf("err = %v, want validation kind", err)
	}
	if !strings.Contains(err.Error(), "file_name") {
		t.Errorf("err = %v, want mention of file_name", err)
	}
}

func TestReadUploadListBadPositions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "upload_list.csv")
	list := "dataset_id,file_name,positions\nML-2020-01-02-03-04-05-0001,/data/acq1,abc\n"
	if err := os.WriteFile(path, []byte(list), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	_, err := ReadUploadList(path)
	if !fverr.IsValidation(err) {
		t.Fatalf("err = %v, want validation kind", err)
	}
	if !strings.Contains(err.Error(), "positions") {
		t.Errorf("err = %v, want mention of positions", err)
	}
}

func TestReadUploadListEmptyRequiredCell(t *testing.T) {
	path := filepath.Join(t.TempDir(), "upload_list.csv")
	list := "dataset_id,file_name\nML-2020-01-02-03-04-05-0001,/data/acq1\n,/data/acq2\n"
	if err := os.WriteFile(path, []byte(list), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	_, err := ReadUploadList(path)
	if !fverr.IsValidation(err) {
		t.Fatalf("err = %v, want validation kind", err)
	}
	if !strings.Contains(err.Error(), "line 3") {
		t.Errorf("err = %v, want line 3", err)
	}
}
