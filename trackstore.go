// Copyright (C) The TF-Dragonn Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package tfdragonn

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/pgzip"
	"github.com/kshedden/gonpy"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

const (
	trackMetadataFile = "metadata.json"
	trackArrayFile    = "data.npy.gz"

	trackTypeArray = "array_npy"
	trackTypeVplot = "vplot_npy"
)

type trackMetadata struct {
	Type       string           `json:"type"`
	FileShapes map[string][]int `json:"file_shapes"`
}

// Track serves random-access row reads from one chromosome of a
// genome-wide track directory.
type Track interface {
	// Len is the number of genomic positions covered.
	Len() int
	// RowWidth is the number of values stored per position.
	RowWidth() int
	// Slice returns rows [start,end) as a row-major block of
	// (end-start)*RowWidth() values.
	Slice(start, end int) ([]float32, error)
}

// TrackSet maps chromosome name to its track.
type TrackSet map[string]Track

func (ts TrackSet) track(chrom string) (Track, error) {
	t, ok := ts[chrom]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrMissingChromosome, chrom)
	}
	return t, nil
}

// rowWidth returns the per-position width shared by all chromosomes in
// the set.
func (ts TrackSet) rowWidth() (int, error) {
	w := -1
	for chrom, t := range ts {
		if w < 0 {
			w = t.RowWidth()
		} else if t.RowWidth() != w {
			return 0, fmt.Errorf("%w: chromosome %q has row width %d, others have %d", ErrShapeMismatch, chrom, t.RowWidth(), w)
		}
	}
	if w < 0 {
		return 0, fmt.Errorf("%w: track set is empty", ErrConfig)
	}
	return w, nil
}

// TrackCache deduplicates track directory loads across all datasets in
// the process. Entries are keyed by canonicalized absolute path, live
// for the life of the process, and are shared read-only by all worker
// threads once populated. Population is single-flighted so concurrent
// first loads of the same directory decompress only once.
type TrackCache struct {
	group singleflight.Group
	mtx   sync.Mutex
	dirs  map[string]TrackSet
}

func NewTrackCache() *TrackCache {
	return &TrackCache{dirs: map[string]TrackSet{}}
}

// LoadTrackDir loads a compressed track directory. With a non-nil
// cache, repeated loads of the same canonical path return the identical
// TrackSet; with a nil cache every call loads an independent copy.
func LoadTrackDir(dir string, inMemory bool, cache *TrackCache) (TrackSet, error) {
	if cache == nil {
		return loadTrackDir(dir, inMemory)
	}
	key, err := filepath.Abs(filepath.Clean(dir))
	if err != nil {
		return nil, err
	}
	cache.mtx.Lock()
	ts, ok := cache.dirs[key]
	cache.mtx.Unlock()
	if ok {
		return ts, nil
	}
	v, err, _ := cache.group.Do(key, func() (interface{}, error) {
		ts, err := loadTrackDir(dir, inMemory)
		if err != nil {
			return nil, err
		}
		cache.mtx.Lock()
		cache.dirs[key] = ts
		cache.mtx.Unlock()
		return ts, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(TrackSet), nil
}

func loadTrackDir(dir string, inMemory bool) (TrackSet, error) {
	fi, err := os.Stat(dir)
	if err != nil {
		return nil, err
	} else if !fi.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", ErrConfig, dir)
	}
	buf, err := os.ReadFile(filepath.Join(dir, trackMetadataFile))
	if err != nil {
		return nil, err
	}
	var meta trackMetadata
	if err := json.Unmarshal(buf, &meta); err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Join(dir, trackMetadataFile), err)
	}
	switch meta.Type {
	case trackTypeArray:
		return loadArrayTracks(dir, meta)
	case trackTypeVplot:
		if inMemory {
			return nil, fmt.Errorf("%w: in-memory loading is not supported for v-plot tracks", ErrUnsupportedConfig)
		}
		return loadVplotTracks(dir)
	default:
		return nil, fmt.Errorf("%w: track type %q (only %q and %q are supported)", ErrConfig, meta.Type, trackTypeArray, trackTypeVplot)
	}
}

func loadArrayTracks(dir string, meta trackMetadata) (TrackSet, error) {
	ts := TrackSet{}
	for chrom, want := range meta.FileShapes {
		path := filepath.Join(dir, chrom, trackArrayFile)
		data, shape, err := readNpyGz(path)
		if err != nil {
			return nil, err
		}
		if !shapeEqual(shape, want) {
			return nil, fmt.Errorf("%w: %s declares shape %v but stored array has shape %v", ErrShapeMismatch, path, want, shape)
		}
		ts[chrom] = &arrayTrack{data: data, length: shape[0], width: rowWidthOf(shape)}
		log.Debugf("loaded %s %s %v", dir, chrom, shape)
	}
	return ts, nil
}

func loadVplotTracks(dir string) (TrackSet, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	ts := TrackSet{}
	for _, ent := range entries {
		if !ent.IsDir() {
			continue
		}
		chrom := ent.Name()
		path := filepath.Join(dir, chrom, trackArrayFile)
		shape, err := readNpyGzShape(path)
		if err != nil {
			return nil, err
		}
		if len(shape) != 2 {
			return nil, fmt.Errorf("%w: v-plot %s has shape %v, expected 2 dimensions", ErrShapeMismatch, path, shape)
		}
		// stored transposed: [channels, positions]
		ts[chrom] = &vplotTrack{path: path, length: shape[1], channels: shape[0]}
	}
	if len(ts) == 0 {
		return nil, fmt.Errorf("%w: no chromosome subdirectories in %s", ErrConfig, dir)
	}
	return ts, nil
}

type arrayTrack struct {
	length int
	width  int
	data   []float32
}

func (t *arrayTrack) Len() int      { return t.length }
func (t *arrayTrack) RowWidth() int { return t.width }

func (t *arrayTrack) Slice(start, end int) ([]float32, error) {
	if start < 0 || end > t.length || end <= start {
		return nil, fmt.Errorf("track slice [%d:%d) out of range [0:%d)", start, end, t.length)
	}
	return t.data[start*t.width : end*t.width], nil
}

// vplotTrack reads a 2D (read-length x position) track stored
// transposed for row-major access. The compressed array is never kept
// resident: each read decompresses the stream and keeps only the
// requested window.
type vplotTrack struct {
	path     string
	length   int
	channels int
}

func (t *vplotTrack) Len() int      { return t.length }
func (t *vplotTrack) RowWidth() int { return t.channels }

func (t *vplotTrack) Slice(start, end int) ([]float32, error) {
	if start < 0 || end > t.length || end <= start {
		return nil, fmt.Errorf("track slice [%d:%d) out of range [0:%d)", start, end, t.length)
	}
	data, shape, err := readNpyGz(t.path)
	if err != nil {
		return nil, err
	}
	if len(shape) != 2 || shape[0] != t.channels || shape[1] != t.length {
		return nil, fmt.Errorf("%w: %s changed shape to %v after load", ErrShapeMismatch, t.path, shape)
	}
	out := make([]float32, (end-start)*t.channels)
	for c := 0; c < t.channels; c++ {
		row := data[c*t.length : (c+1)*t.length]
		for i := start; i < end; i++ {
			out[(i-start)*t.channels+c] = row[i]
		}
	}
	return out, nil
}

func rowWidthOf(shape []int) int {
	w := 1
	for _, d := range shape[1:] {
		w *= d
	}
	return w
}

func shapeEqual(a, b []int) bool {
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

func readNpyGz(path string) ([]float32, []int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()
	gz, err := pgzip.NewReader(f)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	defer gz.Close()
	npy, err := gonpy.NewReader(gz)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	var data []float32
	switch npy.Dtype {
	case "f4":
		data, err = npy.GetFloat32()
	case "f8":
		var d64 []float64
		d64, err = npy.GetFloat64()
		if err == nil {
			data = make([]float32, len(d64))
			for i, v := range d64 {
				data[i] = float32(v)
			}
		}
	case "u1":
		var d8 []uint8
		d8, err = npy.GetUint8()
		if err == nil {
			data = make([]float32, len(d8))
			for i, v := range d8 {
				data[i] = float32(v)
			}
		}
	default:
		return nil, nil, fmt.Errorf("%w: %s has dtype %q (want f4, f8, or u1)", ErrUnsupportedConfig, path, npy.Dtype)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	return data, npy.Shape, nil
}

// readNpyGzShape decompresses just far enough to parse the array
// header.
func readNpyGzShape(path string) ([]int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	gz, err := pgzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	defer gz.Close()
	npy, err := gonpy.NewReader(gz)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return npy.Shape, nil
}
