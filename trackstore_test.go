// Copyright (C) The TF-Dragonn Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package tfdragonn

import (
	"errors"
	"os"
	"path/filepath"

	"gopkg.in/check.v1"
)

type trackstoreSuite struct{}

var _ = check.Suite(&trackstoreSuite{})

func writeArrayTrackDir(c *check.C, dir string, chroms map[string][]float32, width int) {
	shapes := map[string][]int{}
	for chrom, data := range chroms {
		shape := []int{len(data)}
		if width > 1 {
			shape = []int{len(data) / width, width}
		}
		c.Assert(os.MkdirAll(filepath.Join(dir, chrom), 0777), check.IsNil)
		c.Assert(writeCompressedArray(filepath.Join(dir, chrom, trackArrayFile), shape, data), check.IsNil)
		shapes[chrom] = shape
	}
	c.Assert(writeTrackMetadata(dir, trackTypeArray, shapes), check.IsNil)
}

func (s *trackstoreSuite) TestArraySlice(c *check.C) {
	dir := c.MkDir()
	writeArrayTrackDir(c, dir, map[string][]float32{
		"chr1": {0, 1, 2, 3, 4, 5, 6, 7},
	}, 1)
	ts, err := LoadTrackDir(dir, true, nil)
	c.Assert(err, check.IsNil)
	tr, err := ts.track("chr1")
	c.Assert(err, check.IsNil)
	c.Check(tr.Len(), check.Equals, 8)
	c.Check(tr.RowWidth(), check.Equals, 1)
	got, err := tr.Slice(2, 5)
	c.Assert(err, check.IsNil)
	c.Check(got, check.DeepEquals, []float32{2, 3, 4})
	_, err = tr.Slice(5, 9)
	c.Check(err, check.NotNil)
}

func (s *trackstoreSuite) TestMissingChromosome(c *check.C) {
	dir := c.MkDir()
	writeArrayTrackDir(c, dir, map[string][]float32{"chr1": {1, 2}}, 1)
	ts, err := LoadTrackDir(dir, false, nil)
	c.Assert(err, check.IsNil)
	_, err = ts.track("chrX")
	c.Check(errors.Is(err, ErrMissingChromosome), check.Equals, true)
}

func (s *trackstoreSuite) TestShapeMismatch(c *check.C) {
	dir := c.MkDir()
	c.Assert(os.MkdirAll(filepath.Join(dir, "chr1"), 0777), check.IsNil)
	c.Assert(writeCompressedArray(filepath.Join(dir, "chr1", trackArrayFile), []int{4}, []float32{1, 2, 3, 4}), check.IsNil)
	c.Assert(writeTrackMetadata(dir, trackTypeArray, map[string][]int{"chr1": {5}}), check.IsNil)
	_, err := LoadTrackDir(dir, false, nil)
	c.Check(errors.Is(err, ErrShapeMismatch), check.Equals, true)
}

func (s *trackstoreSuite) TestCacheIdentity(c *check.C) {
	dir := c.MkDir()
	writeArrayTrackDir(c, dir, map[string][]float32{"chr1": {1, 2, 3}}, 1)
	cache := NewTrackCache()
	a, err := LoadTrackDir(dir, false, cache)
	c.Assert(err, check.IsNil)
	b, err := LoadTrackDir(dir, false, cache)
	c.Assert(err, check.IsNil)
	c.Check(a["chr1"], check.Equals, b["chr1"])

	// path spelling variants resolve to the same entry
	variant := filepath.Join(dir, ".", ".") + string(filepath.Separator)
	d, err := LoadTrackDir(variant, false, cache)
	c.Assert(err, check.IsNil)
	c.Check(a["chr1"], check.Equals, d["chr1"])

	// independent loads are distinct
	e, err := LoadTrackDir(dir, false, nil)
	c.Assert(err, check.IsNil)
	c.Check(a["chr1"] == e["chr1"], check.Equals, false)
}

func (s *trackstoreSuite) TestVplotTrack(c *check.C) {
	dir := c.MkDir()
	// 2 channels x 4 positions, stored transposed
	c.Assert(os.MkdirAll(filepath.Join(dir, "chr1"), 0777), check.IsNil)
	stored := []float32{
		0, 1, 2, 3, // channel 0
		10, 11, 12, 13, // channel 1
	}
	c.Assert(writeCompressedArray(filepath.Join(dir, "chr1", trackArrayFile), []int{2, 4}, stored), check.IsNil)
	c.Assert(writeTrackMetadata(dir, trackTypeVplot, map[string][]int{"chr1": {2, 4}}), check.IsNil)

	_, err := LoadTrackDir(dir, true, nil)
	c.Check(errors.Is(err, ErrUnsupportedConfig), check.Equals, true)

	ts, err := LoadTrackDir(dir, false, nil)
	c.Assert(err, check.IsNil)
	tr, err := ts.track("chr1")
	c.Assert(err, check.IsNil)
	c.Check(tr.Len(), check.Equals, 4)
	c.Check(tr.RowWidth(), check.Equals, 2)
	got, err := tr.Slice(1, 3)
	c.Assert(err, check.IsNil)
	c.Check(got, check.DeepEquals, []float32{1, 11, 2, 12})
}
