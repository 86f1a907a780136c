// Copyright (C) The TF-Dragonn Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package tfdragonn

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/klauspost/pgzip"
	"gopkg.in/check.v1"
)

type intervalsSuite struct{}

var _ = check.Suite(&intervalsSuite{})

func writeLines(c *check.C, path string, lines ...string) {
	buf := ""
	for _, line := range lines {
		buf += line + "\n"
	}
	c.Assert(os.WriteFile(path, []byte(buf), 0666), check.IsNil)
}

func (s *intervalsSuite) TestReadOnePass(c *check.C) {
	path := filepath.Join(c.MkDir(), "labels.tsv")
	writeLines(c, path,
		"chr1\t100\t200\t1",
		"chr2\t300\t400\t0",
		"chr2\t500\t600\t-1",
	)
	r, err := openIntervalReader(path, intervalReaderOpts{NumEpochs: 1})
	c.Assert(err, check.IsNil)
	defer r.Close()
	var got []Interval
	for {
		iv, err := r.Read()
		if errors.Is(err, ErrEndOfStream) {
			break
		}
		c.Assert(err, check.IsNil)
		got = append(got, iv)
	}
	c.Check(got, check.DeepEquals, []Interval{
		{Chrom: "chr1", Start: 100, End: 200, Labels: []int8{1}},
		{Chrom: "chr2", Start: 300, End: 400, Labels: []int8{0}},
		{Chrom: "chr2", Start: 500, End: 600, Labels: []int8{-1}},
	})
	// end of stream is sticky
	_, err = r.Read()
	c.Check(errors.Is(err, ErrEndOfStream), check.Equals, true)
	_, err = r.Read()
	c.Check(errors.Is(err, ErrEndOfStream), check.Equals, true)
}

func (s *intervalsSuite) TestMultiEpoch(c *check.C) {
	path := filepath.Join(c.MkDir(), "labels.tsv")
	writeLines(c, path, "chr1\t0\t10\t1", "chr1\t10\t20\t0")
	r, err := openIntervalReader(path, intervalReaderOpts{NumEpochs: 3})
	c.Assert(err, check.IsNil)
	defer r.Close()
	n := 0
	for {
		_, err := r.Read()
		if errors.Is(err, ErrEndOfStream) {
			break
		}
		c.Assert(err, check.IsNil)
		n++
	}
	c.Check(n, check.Equals, 6)
}

func (s *intervalsSuite) TestChromFilters(c *check.C) {
	path := filepath.Join(c.MkDir(), "labels.tsv")
	writeLines(c, path,
		"chr1\t0\t10\t1",
		"chr2\t0\t10\t0",
		"chr9\t0\t10\t1",
	)
	r, err := openIntervalReader(path, intervalReaderOpts{
		SelectedChroms: []string{"chr1", "chr2"},
		HoldoutChroms:  []string{"chr1"},
		NumEpochs:      1,
	})
	c.Assert(err, check.IsNil)
	defer r.Close()
	iv, err := r.Read()
	c.Assert(err, check.IsNil)
	c.Check(iv.Chrom, check.Equals, "chr2")
	_, err = r.Read()
	c.Check(errors.Is(err, ErrEndOfStream), check.Equals, true)
}

func (s *intervalsSuite) TestSamplingFn(c *check.C) {
	path := filepath.Join(c.MkDir(), "labels.tsv")
	writeLines(c, path,
		"chr1\t0\t10\t1",
		"chr1\t10\t20\t0",
		"chr1\t20\t30\t1",
	)
	r, err := openIntervalReader(path, intervalReaderOpts{NumEpochs: 1, SamplingFn: lastTaskPositive})
	c.Assert(err, check.IsNil)
	defer r.Close()
	n := 0
	for {
		iv, err := r.Read()
		if errors.Is(err, ErrEndOfStream) {
			break
		}
		c.Assert(err, check.IsNil)
		c.Check(iv.Labels[0], check.Equals, int8(1))
		n++
	}
	c.Check(n, check.Equals, 2)
}

func (s *intervalsSuite) TestInconsistentLength(c *check.C) {
	path := filepath.Join(c.MkDir(), "labels.tsv")
	writeLines(c, path, "chr1\t0\t10\t1", "chr1\t10\t25\t0")
	r, err := openIntervalReader(path, intervalReaderOpts{NumEpochs: 1})
	c.Assert(err, check.IsNil)
	defer r.Close()
	_, err = r.Read()
	c.Assert(err, check.IsNil)
	_, err = r.Read()
	c.Check(errors.Is(err, ErrConfig), check.Equals, true)
}

func (s *intervalsSuite) TestGzipInput(c *check.C) {
	path := filepath.Join(c.MkDir(), "labels.tsv.gz")
	f, err := os.Create(path)
	c.Assert(err, check.IsNil)
	gz := pgzip.NewWriter(f)
	_, err = gz.Write([]byte("chr1\t5\t15\t1\nchr1\t15\t25\t0\n"))
	c.Assert(err, check.IsNil)
	c.Assert(gz.Close(), check.IsNil)
	c.Assert(f.Close(), check.IsNil)

	width, err := intervalFileWidth(path)
	c.Assert(err, check.IsNil)
	c.Check(width, check.Equals, 10)
	pos, total, err := countLabelValues(path)
	c.Assert(err, check.IsNil)
	c.Check(pos, check.Equals, 1)
	c.Check(total, check.Equals, 2)
}

func (s *intervalsSuite) TestParseErrors(c *check.C) {
	for _, line := range []string{
		"chr1\t0",
		"chr1\tx\t10",
		"chr1\t10\t10",
		"chr1\t0\t10\t7",
	} {
		_, err := parseInterval(line)
		c.Check(errors.Is(err, ErrConfig), check.Equals, true, check.Commentf("line %q", line))
	}
}
