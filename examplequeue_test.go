// Copyright (C) The TF-Dragonn Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package tfdragonn

import (
	"errors"

	"gopkg.in/check.v1"
)

type exampleQueueSuite struct{}

var _ = check.Suite(&exampleQueueSuite{})

func (s *exampleQueueSuite) testSources(c *check.C, chrom string, values []float32) map[string]DataSource {
	dir := c.MkDir()
	writeArrayTrackDir(c, dir, map[string][]float32{chrom: values}, 1)
	src, err := newTrackDataSource("genome_data_dir", dir, true, nil, "")
	c.Assert(err, check.IsNil)
	return map[string]DataSource{"genome_data_dir": src}
}

func (s *exampleQueueSuite) TestBatches(c *check.C) {
	values := make([]float32, 1000)
	for i := range values {
		values[i] = float32(i)
	}
	sources := s.testSources(c, "chr1", values)
	path := writeNumberedIntervals(c, 10, 1)
	iq, err := newIntervalQueue(path, intervalQueueOpts{NumEpochs: 1})
	c.Assert(err, check.IsNil)
	q := newExampleQueue("ds1", iq, sources, 10, 1, exampleQueueOpts{Name: "test", BatchSize: 4})

	var batches []*Batch
	for {
		b, err := q.NextBatch()
		if errors.Is(err, ErrEndOfStream) {
			break
		}
		c.Assert(err, check.IsNil)
		batches = append(batches, b)
	}
	c.Assert(batches, check.HasLen, 3)
	c.Check(batches[0].Intervals, check.HasLen, 4)
	c.Check(batches[2].Intervals, check.HasLen, 2)
	c.Check(q.OutputShapes(), check.DeepEquals, map[string][]int{"genome_data_dir": {10}})
	c.Check(q.NumTasks(), check.Equals, 1)

	// features line up with interval coordinates
	for _, b := range batches {
		c.Check(b.DatasetID, check.Equals, "ds1")
		tensor := b.Features["genome_data_dir"]
		for i, iv := range b.Intervals {
			c.Check(tensor.Row(i)[0], check.Equals, float32(iv.Start))
			c.Check(b.Labels[i], check.DeepEquals, []int8{1})
		}
	}
}

func (s *exampleQueueSuite) TestLabelArityMismatch(c *check.C) {
	sources := s.testSources(c, "chr1", make([]float32, 100))
	path := writeNumberedIntervals(c, 4, 1)
	iq, err := newIntervalQueue(path, intervalQueueOpts{NumEpochs: 1})
	c.Assert(err, check.IsNil)
	q := newExampleQueue("ds1", iq, sources, 10, 2, exampleQueueOpts{BatchSize: 4})
	_, err = q.NextBatch()
	c.Check(errors.Is(err, ErrConfig), check.Equals, true)
}

func (s *exampleQueueSuite) TestCancel(c *check.C) {
	sources := s.testSources(c, "chr1", make([]float32, 1000))
	path := writeNumberedIntervals(c, 20, 1)
	iq, err := newIntervalQueue(path, intervalQueueOpts{})
	c.Assert(err, check.IsNil)
	q := newExampleQueue("ds1", iq, sources, 10, 1, exampleQueueOpts{BatchSize: 4})
	_, err = q.NextBatch()
	c.Assert(err, check.IsNil)
	q.Cancel()
	for i := 0; i < 10; i++ {
		if _, err = q.NextBatch(); errors.Is(err, ErrCanceled) {
			return
		}
	}
	c.Fatal("queue kept producing after Cancel")
}

func (s *exampleQueueSuite) multiQueue(c *check.C, async bool) *multiDatasetQueue {
	queues := map[string]*exampleQueue{}
	for _, id := range []string{"dsA", "dsB"} {
		sources := s.testSources(c, "chr1", make([]float32, 1000))
		path := writeNumberedIntervals(c, 8, 1)
		iq, err := newIntervalQueue(path, intervalQueueOpts{NumEpochs: 1})
		c.Assert(err, check.IsNil)
		queues[id] = newExampleQueue(id, iq, sources, 10, 1, exampleQueueOpts{Name: id, BatchSize: 4})
	}
	m, err := newMultiDatasetQueue(queues, async)
	c.Assert(err, check.IsNil)
	return m
}

func (s *exampleQueueSuite) TestMultiDatasetRoundRobin(c *check.C) {
	m := s.multiQueue(c, false)
	var ids []string
	for {
		b, err := m.NextBatch()
		if errors.Is(err, ErrEndOfStream) {
			break
		}
		c.Assert(err, check.IsNil)
		ids = append(ids, b.DatasetID)
	}
	c.Check(ids, check.DeepEquals, []string{"dsA", "dsB", "dsA", "dsB"})
}

func (s *exampleQueueSuite) TestMultiDatasetAsync(c *check.C) {
	m := s.multiQueue(c, true)
	counts := map[string]int{}
	for {
		b, err := m.NextBatch()
		if errors.Is(err, ErrEndOfStream) {
			break
		}
		c.Assert(err, check.IsNil)
		counts[b.DatasetID]++
	}
	c.Check(counts, check.DeepEquals, map[string]int{"dsA": 2, "dsB": 2})
}

func (s *exampleQueueSuite) TestMultiDatasetShapeMismatch(c *check.C) {
	queues := map[string]*exampleQueue{}
	for id, width := range map[string]int{"dsA": 10, "dsB": 20} {
		sources := s.testSources(c, "chr1", make([]float32, 1000))
		path := writeNumberedIntervals(c, 4, 1)
		iq, err := newIntervalQueue(path, intervalQueueOpts{NumEpochs: 1})
		c.Assert(err, check.IsNil)
		queues[id] = newExampleQueue(id, iq, sources, width, 1, exampleQueueOpts{Name: id, BatchSize: 4})
	}
	defer func() {
		for _, q := range queues {
			q.Cancel()
		}
	}()
	_, err := newMultiDatasetQueue(queues, false)
	c.Check(errors.Is(err, ErrConfig), check.Equals, true)
}
