// Copyright (C) The TF-Dragonn Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package tfdragonn

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/klauspost/pgzip"
	"gonum.org/v1/gonum/stat"
)

// Tensor is a dense row-major float32 array with an explicit shape.
// The first dimension is always the batch size.
type Tensor struct {
	Shape []int
	Data  []float32
}

func (t *Tensor) Rows() int {
	if len(t.Shape) == 0 {
		return 0
	}
	return t.Shape[0]
}

// RowSize is the number of values per batch row.
func (t *Tensor) RowSize() int {
	n := 1
	for _, d := range t.Shape[1:] {
		n *= d
	}
	return n
}

func (t *Tensor) Row(i int) []float32 {
	n := t.RowSize()
	return t.Data[i*n : (i+1)*n]
}

const (
	normLocalZscore = "local_zscore"
	normAsinhZscore = "asinh_zscore"
)

// DataSource turns a batch of intervals into one feature tensor.
// Extractors must return rows in input-interval order, one row per
// interval.
type DataSource interface {
	// ExampleShape is the per-example tensor shape for intervals of
	// the given length.
	ExampleShape(intervalLen int) []int
	Extract(intervals []Interval) (*Tensor, error)
}

// trackDataSource reads slices from a compressed track directory, with
// optional per-example normalization applied before returning.
type trackDataSource struct {
	name   string
	tracks TrackSet
	width  int
	norm   string
}

func newTrackDataSource(name, dir string, inMemory bool, cache *TrackCache, norm string) (*trackDataSource, error) {
	switch norm {
	case "", normLocalZscore, normAsinhZscore:
	default:
		return nil, fmt.Errorf("%w: unknown normalization %q for %s", ErrConfig, norm, name)
	}
	tracks, err := LoadTrackDir(dir, inMemory, cache)
	if err != nil {
		return nil, err
	}
	width, err := tracks.rowWidth()
	if err != nil {
		return nil, err
	}
	return &trackDataSource{name: name, tracks: tracks, width: width, norm: norm}, nil
}

func (s *trackDataSource) ExampleShape(intervalLen int) []int {
	if s.width == 1 {
		return []int{intervalLen}
	}
	return []int{intervalLen, s.width}
}

func (s *trackDataSource) Extract(intervals []Interval) (*Tensor, error) {
	if len(intervals) == 0 {
		return nil, fmt.Errorf("%w: %s: empty interval batch", ErrShapeMismatch, s.name)
	}
	length := intervals[0].Length()
	rowSize := length * s.width
	out := make([]float32, len(intervals)*rowSize)
	for i, iv := range intervals {
		if iv.Length() != length {
			return nil, fmt.Errorf("%w: %s: interval %s:%d-%d has length %d, batch expects %d", ErrShapeMismatch, s.name, iv.Chrom, iv.Start, iv.End, iv.Length(), length)
		}
		tr, err := s.tracks.track(iv.Chrom)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", s.name, err)
		}
		rows, err := tr.Slice(iv.Start, iv.End)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", s.name, err)
		}
		if len(rows) != rowSize {
			return nil, fmt.Errorf("%w: %s: track returned %d values for %d expected", ErrShapeMismatch, s.name, len(rows), rowSize)
		}
		dst := out[i*rowSize : (i+1)*rowSize]
		copy(dst, rows)
		if s.norm != "" {
			normalizeValues(dst, s.norm == normAsinhZscore)
		}
	}
	shape := append([]int{len(intervals)}, s.ExampleShape(length)...)
	return &Tensor{Shape: shape, Data: out}, nil
}

// normalizeValues z-scores one example in place, optionally applying
// asinh first. The standard deviation is floored to keep the output
// finite on constant inputs.
func normalizeValues(v []float32, asinh bool) {
	f := make([]float64, len(v))
	for i, x := range v {
		y := float64(x)
		if asinh {
			y = math.Asinh(y)
		}
		f[i] = y
	}
	mean, std := stat.MeanStdDev(f, nil)
	if !(std > 1e-4) || math.IsNaN(std) {
		std = 1e-4
	}
	for i, y := range f {
		v[i] = float32((y - mean) / std)
	}
}

type scoredInterval struct {
	start, end int
	value      float64
}

// bedDataSource serves precomputed per-position statistics from a
// sorted TSV file: one scalar per interval, aggregated over the
// entries overlapping it.
type bedDataSource struct {
	name    string
	op      string // count, mean, or max
	norm    string
	entries map[string][]scoredInterval
	// moments of asinh(value) over the whole file, for asinh_zscore
	mean, std float64
}

func newBedDataSource(name, path, op, norm string) (*bedDataSource, error) {
	switch op {
	case "count", "mean", "max":
	default:
		return nil, fmt.Errorf("%w: unknown aggregation op %q for %s", ErrConfig, op, name)
	}
	switch norm {
	case "", normAsinhZscore:
	default:
		return nil, fmt.Errorf("%w: unknown normalization %q for %s", ErrConfig, norm, name)
	}
	s := &bedDataSource{name: name, op: op, norm: norm, entries: map[string][]scoredInterval{}}
	// annotation entries have no fixed width, so they get their own
	// scan loop instead of an interval reader
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var in io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := pgzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		defer gz.Close()
		in = gz
	}
	var values []float64
	scanner := bufio.NewScanner(in)
	lineno := 0
	for scanner.Scan() {
		lineno++
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) < 3 {
			return nil, fmt.Errorf("%w: %s line %d: expected at least 3 tab-separated fields", ErrConfig, path, lineno)
		}
		start, err := strconv.Atoi(fields[1])
		if err != nil {
			return nil, fmt.Errorf("%w: %s line %d: bad start %q", ErrConfig, path, lineno, fields[1])
		}
		end, err := strconv.Atoi(fields[2])
		if err != nil || end <= start {
			return nil, fmt.Errorf("%w: %s line %d: bad end %q", ErrConfig, path, lineno, fields[2])
		}
		value := 1.0
		if len(fields) > 3 {
			value, err = strconv.ParseFloat(fields[3], 64)
			if err != nil {
				return nil, fmt.Errorf("%w: %s line %d: bad value %q", ErrConfig, path, lineno, fields[3])
			}
		}
		s.entries[fields[0]] = append(s.entries[fields[0]], scoredInterval{start: start, end: end, value: value})
		values = append(values, math.Asinh(value))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	for _, ents := range s.entries {
		sort.Slice(ents, func(i, j int) bool { return ents[i].start < ents[j].start })
	}
	if len(values) > 1 {
		s.mean, s.std = stat.MeanStdDev(values, nil)
	}
	if !(s.std > 1e-4) || math.IsNaN(s.std) {
		s.std = 1e-4
	}
	return s, nil
}

func (s *bedDataSource) ExampleShape(int) []int { return []int{1} }

func (s *bedDataSource) Extract(intervals []Interval) (*Tensor, error) {
	if len(intervals) == 0 {
		return nil, fmt.Errorf("%w: %s: empty interval batch", ErrShapeMismatch, s.name)
	}
	out := make([]float32, len(intervals))
	for i, iv := range intervals {
		out[i] = float32(s.aggregate(iv))
	}
	return &Tensor{Shape: []int{len(intervals), 1}, Data: out}, nil
}

func (s *bedDataSource) aggregate(iv Interval) float64 {
	ents := s.entries[iv.Chrom]
	// first entry that could overlap: entries are sorted by start,
	// so skip everything ending at or before iv.Start by scanning
	// from the first start < iv.End
	lo := sort.Search(len(ents), func(i int) bool { return ents[i].start >= iv.End })
	count := 0
	sum := 0.0
	max := math.Inf(-1)
	for i := 0; i < lo; i++ {
		e := ents[i]
		if e.end <= iv.Start {
			continue
		}
		count++
		sum += e.value
		if e.value > max {
			max = e.value
		}
	}
	var v float64
	switch s.op {
	case "count":
		v = float64(count)
	case "mean":
		if count > 0 {
			v = sum / float64(count)
		}
	case "max":
		if count > 0 {
			v = max
		}
	}
	if s.norm == normAsinhZscore {
		v = (math.Asinh(v) - s.mean) / s.std
	}
	return v
}
