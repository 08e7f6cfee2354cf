package metadata

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/framevault/framevault/internal/dataset"
	fverr "github.com/framevault/framevault/internal/errors"
)

// MemoryStore keeps all metadata in process memory. It backs tests and
// serves as the reference implementation of the filter semantics.
type MemoryStore struct {
	mu       sync.RWMutex
	nextID   int64
	datasets map[string]*dataset.Dataset
	files    map[int64]*dataset.FileRecord
	sets     map[int64]*dataset.FrameSet
	frames   map[int64][]dataset.Frame
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		datasets: make(map[string]*dataset.Dataset),
		files:    make(map[int64]*dataset.FileRecord),
		sets:     make(map[int64]*dataset.FrameSet),
		frames:   make(map[int64][]dataset.Frame),
	}
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func (s *MemoryStore) AssertUniqueDataset(ctx context.Context, serial string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, exists := s.datasets[serial]; exists {
		return fverr.ErrDatasetExists.WithField("serial", serial)
	}
	return nil
}

func (s *MemoryStore) ResolveParent(ctx context.Context, parentSerial string) (*int64, error) {
	if !dataset.HasParent(parentSerial) {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	ds, exists := s.datasets[parentSerial]
	if !exists {
		return nil, fverr.ErrParentNotFound.WithField("serial", parentSerial)
	}
	id := ds.ID
	return &id, nil
}

func (s *MemoryStore) InsertFrameSet(ctx context.Context, ds *dataset.Dataset, fs *dataset.FrameSet, frames []dataset.Frame) error {
	if err := fs.Validate(); err != nil {
		return err
	}
	if len(frames) != fs.NbrFrames {
		return fverr.ErrMissingMetaField.
			WithField("field", "nbr_frames").
			WithMessage("nbr_frames is %d but %d frame rows were supplied", fs.NbrFrames, len(frames))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.datasets[ds.Serial]; exists {
		return fverr.ErrDatasetExists.WithField("serial", ds.Serial)
	}

	s.nextID++
	ds.ID = s.nextID
	ds.Frames = true
	s.nextID++
	fs.ID = s.nextID
	fs.DatasetID = ds.ID

	stored := make([]dataset.Frame, len(frames))
	for i := range frames {
		s.nextID++
		frames[i].ID = s.nextID
		frames[i].FrameSetID = fs.ID
		stored[i] = frames[i]
	}

	dsCopy := *ds
	fsCopy := *fs
	s.datasets[ds.Serial] = &dsCopy
	s.sets[ds.ID] = &fsCopy
	s.frames[fs.ID] = stored
	return nil
}

func (s *MemoryStore) InsertFileRecord(ctx context.Context, ds *dataset.Dataset, fr *dataset.FileRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.datasets[ds.Serial]; exists {
		return fverr.ErrDatasetExists.WithField("serial", ds.Serial)
	}

	s.nextID++
	ds.ID = s.nextID
	ds.Frames = false
	s.nextID++
	fr.ID = s.nextID
	fr.DatasetID = ds.ID

	dsCopy := *ds
	frCopy := *fr
	s.datasets[ds.Serial] = &dsCopy
	s.files[ds.ID] = &frCopy
	return nil
}

func (s *MemoryStore) GetDataset(ctx context.Context, serial string) (*dataset.Dataset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ds, exists := s.datasets[serial]
	if !exists {
		return nil, fverr.ErrDatasetNotFound.WithField("serial", serial)
	}
	dsCopy := *ds
	return &dsCopy, nil
}

func (s *MemoryStore) GetFileRecord(ctx context.Context, serial string) (*dataset.FileRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ds, exists := s.datasets[serial]
	if !exists {
		return nil, fverr.ErrDatasetNotFound.WithField("serial", serial)
	}
	fr, exists := s.files[ds.ID]
	if !exists {
		return nil, fverr.ErrDatasetNotFound.
			WithField("serial", serial).
			WithMessage("dataset %s has no file record (decomposed=%v)", serial, ds.Frames)
	}
	frCopy := *fr
	return &frCopy, nil
}

func (s *MemoryStore) QueryFrames(ctx context.Context, serial string, f Filters) (*dataset.FrameSet, []dataset.Frame, error) {
	if err := f.Validate(); err != nil {
		return nil, nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	ds, exists := s.datasets[serial]
	if !exists {
		return nil, nil, fverr.ErrDatasetNotFound.WithField("serial", serial)
	}
	if !ds.Frames {
		return nil, nil, fverr.ErrNotDecomposed.WithField("serial", serial)
	}
	fs := s.sets[ds.ID]

	// Filters apply in dimension order: channel, slice, time, position.
	selected := s.frames[fs.ID]
	if len(f.ChannelIndices) > 0 {
		selected = keepFrames(selected, func(fr dataset.Frame) bool {
			return containsInt(f.ChannelIndices, fr.ChannelIdx)
		})
	} else if len(f.ChannelNames) > 0 {
		selected = keepFrames(selected, func(fr dataset.Frame) bool {
			return containsString(f.ChannelNames, fr.ChannelName)
		})
	}
	if len(f.Slices) > 0 {
		selected = keepFrames(selected, func(fr dataset.Frame) bool {
			return containsInt(f.Slices, fr.SliceIdx)
		})
	}
	if len(f.Times) > 0 {
		selected = keepFrames(selected, func(fr dataset.Frame) bool {
			return containsInt(f.Times, fr.TimeIdx)
		})
	}
	if len(f.Positions) > 0 {
		selected = keepFrames(selected, func(fr dataset.Frame) bool {
			return containsInt(f.Positions, fr.PosIdx)
		})
	}

	if len(selected) == 0 {
		return nil, nil, fverr.ErrEmptyResult.WithField("serial", serial)
	}

	result := make([]dataset.Frame, len(selected))
	copy(result, selected)
	sort.Slice(result, func(i, j int) bool {
		return result[i].FileName < result[j].FileName
	})

	fsCopy := *fs
	return &fsCopy, result, nil
}

func (s *MemoryStore) QueryDatasets(ctx context.Context, search Search) ([]dataset.Dataset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []dataset.Dataset
	for _, ds := range s.datasets {
		if !matchesSearch(ds, search) {
			continue
		}
		result = append(result, *ds)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].Serial < result[j].Serial
	})
	return result, nil
}

func matchesSearch(ds *dataset.Dataset, search Search) bool {
	if search.Serial != "" && !containsFold(ds.Serial, search.Serial) {
		return false
	}
	if search.Microscope != "" && !containsFold(ds.Microscope, search.Microscope) {
		return false
	}
	if search.Description != "" && !containsFold(ds.Description, search.Description) {
		return false
	}
	if !search.Start.IsZero() && ds.AcquiredAt.Before(search.Start) {
		return false
	}
	if !search.End.IsZero() && ds.AcquiredAt.After(search.End) {
		return false
	}
	return true
}

func keepFrames(frames []dataset.Frame, keep func(dataset.Frame) bool) []dataset.Frame {
	var out []dataset.Frame
	for _, fr := range frames {
		if keep(fr) {
			out = append(out, fr)
		}
	}
	return out
}

func containsInt(values []int, v int) bool {
	for _, x := range values {
		if x == v {
			return true
		}
	}
	return false
}

func containsString(values []string, v string) bool {
	for _, x := range values {
		if x == v {
			return true
		}
	}
	return false
}

// containsFold reports whether needle occurs in hay, ignoring ASCII case.
// SQL stores match substrings case-insensitively; this keeps parity.
func containsFold(hay, needle string) bool {
	return strings.Contains(strings.ToLower(hay), strings.ToLower(needle))
}
