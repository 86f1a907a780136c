// Copyright (C) The TF-Dragonn Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package tfdragonn

import (
	"errors"
	"math"
	"path/filepath"

	"gopkg.in/check.v1"
)

type datasourceSuite struct{}

var _ = check.Suite(&datasourceSuite{})

func (s *datasourceSuite) TestTrackExtract(c *check.C) {
	dir := c.MkDir()
	writeArrayTrackDir(c, dir, map[string][]float32{
		"chr1": {0, 1, 2, 3, 4, 5, 6, 7, 8, 9},
	}, 1)
	src, err := newTrackDataSource("genome_data_dir", dir, true, nil, "")
	c.Assert(err, check.IsNil)
	c.Check(src.ExampleShape(4), check.DeepEquals, []int{4})

	tensor, err := src.Extract([]Interval{
		{Chrom: "chr1", Start: 2, End: 6, Labels: []int8{1}},
		{Chrom: "chr1", Start: 0, End: 4, Labels: []int8{0}},
	})
	c.Assert(err, check.IsNil)
	c.Check(tensor.Shape, check.DeepEquals, []int{2, 4})
	c.Check(tensor.Row(0), check.DeepEquals, []float32{2, 3, 4, 5})
	c.Check(tensor.Row(1), check.DeepEquals, []float32{0, 1, 2, 3})
}

func (s *datasourceSuite) TestTrackExtractErrors(c *check.C) {
	dir := c.MkDir()
	writeArrayTrackDir(c, dir, map[string][]float32{"chr1": {0, 1, 2, 3}}, 1)
	src, err := newTrackDataSource("dnase_data_dir", dir, true, nil, "")
	c.Assert(err, check.IsNil)
	_, err = src.Extract([]Interval{{Chrom: "chrX", Start: 0, End: 2}})
	c.Check(errors.Is(err, ErrMissingChromosome), check.Equals, true)
	_, err = src.Extract([]Interval{
		{Chrom: "chr1", Start: 0, End: 2},
		{Chrom: "chr1", Start: 0, End: 3},
	})
	c.Check(errors.Is(err, ErrShapeMismatch), check.Equals, true)

	_, err = newTrackDataSource("dnase_data_dir", dir, true, nil, "bogus")
	c.Check(errors.Is(err, ErrConfig), check.Equals, true)
}

func (s *datasourceSuite) TestLocalZscore(c *check.C) {
	dir := c.MkDir()
	writeArrayTrackDir(c, dir, map[string][]float32{"chr1": {1, 2, 3, 4}}, 1)
	src, err := newTrackDataSource("dnase_data_dir", dir, true, nil, normLocalZscore)
	c.Assert(err, check.IsNil)
	tensor, err := src.Extract([]Interval{{Chrom: "chr1", Start: 0, End: 4}})
	c.Assert(err, check.IsNil)
	sum := float32(0)
	for _, v := range tensor.Data {
		sum += v
	}
	c.Check(math.Abs(float64(sum)) < 1e-4, check.Equals, true)
}

func (s *datasourceSuite) TestBedCount(c *check.C) {
	path := filepath.Join(c.MkDir(), "tss.tsv")
	writeLines(c, path,
		"chr1\t100\t110",
		"chr1\t120\t130",
		"chr1\t500\t510",
		"chr2\t100\t110",
	)
	src, err := newBedDataSource("tss_counts", path, "count", "")
	c.Assert(err, check.IsNil)
	c.Check(src.ExampleShape(1000), check.DeepEquals, []int{1})
	tensor, err := src.Extract([]Interval{
		{Chrom: "chr1", Start: 90, End: 140},
		{Chrom: "chr1", Start: 0, End: 50},
		{Chrom: "chr3", Start: 0, End: 1000},
	})
	c.Assert(err, check.IsNil)
	c.Check(tensor.Data, check.DeepEquals, []float32{2, 0, 0})
}

func (s *datasourceSuite) TestBedMeanMax(c *check.C) {
	path := filepath.Join(c.MkDir(), "tpm.tsv")
	writeLines(c, path,
		"chr1\t100\t110\t2.5",
		"chr1\t120\t130\t0.5",
		"chr1\t500\t510\t9",
	)
	mean, err := newBedDataSource("tss_mean_tpm", path, "mean", "")
	c.Assert(err, check.IsNil)
	tensor, err := mean.Extract([]Interval{{Chrom: "chr1", Start: 90, End: 140}})
	c.Assert(err, check.IsNil)
	c.Check(tensor.Data[0], check.Equals, float32(1.5))

	max, err := newBedDataSource("tss_max_tpm", path, "max", "")
	c.Assert(err, check.IsNil)
	tensor, err = max.Extract([]Interval{{Chrom: "chr1", Start: 90, End: 140}})
	c.Assert(err, check.IsNil)
	c.Check(tensor.Data[0], check.Equals, float32(2.5))

	_, err = newBedDataSource("tss_counts", path, "median", "")
	c.Check(errors.Is(err, ErrConfig), check.Equals, true)
}
