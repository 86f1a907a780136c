// Copyright (C) The TF-Dragonn Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package tfdragonn

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"
)

const defaultExampleQueueCapacity = 2048

// Batch is one complete (features, labels) batch. DatasetID is carried
// for diagnostics only and is not part of the model inputs.
type Batch struct {
	DatasetID string
	Intervals []Interval
	Features  map[string]*Tensor
	Labels    [][]int8
}

// BatchQueue is the consumer-facing side of an example queue: the
// training loop blocks on NextBatch until a batch is ready, the queue
// is exhausted (ErrEndOfStream), or canceled (ErrCanceled).
type BatchQueue interface {
	NextBatch() (*Batch, error)
	OutputShapes() map[string][]int
	NumTasks() int
	Cancel()
}

type exampleQueueOpts struct {
	Name      string
	BatchSize int
	Capacity  int // buffered examples, default 2048
	// EnqueuesPerThread runs one worker per entry; each worker
	// builds that many batches between cancellation checks.
	EnqueuesPerThread []int
}

// exampleQueue joins one interval stream with a set of data sources,
// producing complete batches on a pool of enqueue workers. Workers
// block when the queue is full; a worker hitting end of stream on the
// interval source simply stops contributing. Any extraction error is
// fatal to the queue.
type exampleQueue struct {
	name       string
	datasetID  string
	batchSize  int
	intervals  intervalStream
	sources    map[string]DataSource
	shapes     map[string][]int
	numTasks   int
	ch         chan *Batch
	cancelCh   chan struct{}
	cancelOnce sync.Once
	err        error // written before ch is closed
	workers    throttle
}

func newExampleQueue(datasetID string, intervals intervalStream, sources map[string]DataSource, intervalLen, numTasks int, opts exampleQueueOpts) *exampleQueue {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 1
	}
	if opts.Capacity <= 0 {
		opts.Capacity = defaultExampleQueueCapacity
	}
	if len(opts.EnqueuesPerThread) == 0 {
		opts.EnqueuesPerThread = []int{128}
	}
	shapes := map[string][]int{}
	for name, src := range sources {
		shapes[name] = src.ExampleShape(intervalLen)
	}
	chCap := opts.Capacity / opts.BatchSize
	if chCap < 1 {
		chCap = 1
	}
	q := &exampleQueue{
		name:      opts.Name,
		datasetID: datasetID,
		batchSize: opts.BatchSize,
		intervals: intervals,
		sources:   sources,
		shapes:    shapes,
		numTasks:  numTasks,
		ch:        make(chan *Batch, chCap),
		cancelCh:  make(chan struct{}),
	}
	q.workers.Max = len(opts.EnqueuesPerThread)
	for _, enqueues := range opts.EnqueuesPerThread {
		enqueues := enqueues
		q.workers.Go(func() error { return q.enqueueLoop(enqueues) })
	}
	go func() {
		err := q.workers.Wait()
		if err != nil {
			log.Errorf("%s: enqueue worker failed: %s", q.name, err)
		}
		q.err = err
		close(q.ch)
	}()
	return q
}

func (q *exampleQueue) enqueueLoop(enqueues int) error {
	for {
		select {
		case <-q.cancelCh:
			return nil
		default:
		}
		for i := 0; i < enqueues; i++ {
			intervals, err := readIntervalBatch(q.intervals, q.batchSize)
			if errors.Is(err, ErrEndOfStream) || errors.Is(err, ErrCanceled) {
				return nil
			} else if err != nil {
				return err
			}
			batch, err := q.buildBatch(intervals)
			if err != nil {
				return err
			}
			select {
			case q.ch <- batch:
			case <-q.cancelCh:
				return nil
			}
		}
	}
}

func (q *exampleQueue) buildBatch(intervals []Interval) (*Batch, error) {
	features := map[string]*Tensor{}
	for name, src := range q.sources {
		tensor, err := src.Extract(intervals)
		if err != nil {
			return nil, err
		}
		if tensor.Rows() != len(intervals) {
			return nil, fmt.Errorf("%w: %s returned %d rows for %d intervals", ErrShapeMismatch, name, tensor.Rows(), len(intervals))
		}
		features[name] = tensor
	}
	labels := make([][]int8, len(intervals))
	for i, iv := range intervals {
		if len(iv.Labels) != q.numTasks {
			return nil, fmt.Errorf("%w: interval %s:%d-%d has %d labels for %d tasks", ErrConfig, iv.Chrom, iv.Start, iv.End, len(iv.Labels), q.numTasks)
		}
		labels[i] = iv.Labels
	}
	return &Batch{DatasetID: q.datasetID, Intervals: intervals, Features: features, Labels: labels}, nil
}

func (q *exampleQueue) NextBatch() (*Batch, error) {
	select {
	case <-q.cancelCh:
		return nil, ErrCanceled
	default:
	}
	b, ok := <-q.ch
	if !ok {
		if q.err != nil {
			return nil, q.err
		}
		select {
		case <-q.cancelCh:
			return nil, ErrCanceled
		default:
		}
		return nil, ErrEndOfStream
	}
	return b, nil
}

func (q *exampleQueue) OutputShapes() map[string][]int { return q.shapes }
func (q *exampleQueue) NumTasks() int                  { return q.numTasks }

// Cancel drops pending batches and unblocks all enqueue workers.
func (q *exampleQueue) Cancel() {
	q.cancelOnce.Do(func() {
		close(q.cancelCh)
		q.intervals.Cancel()
	})
}

// multiDatasetQueue merges per-dataset example queues into one training
// stream. With async merging each constituent gets a free-running
// forwarder, so faster datasets contribute more batches per unit time;
// otherwise batches are taken round-robin in dataset-id order,
// preserving per-queue FIFO. End of stream is reported only once every
// constituent queue is exhausted.
type multiDatasetQueue struct {
	queues     map[string]*exampleQueue
	shapes     map[string][]int
	numTasks   int
	ch         chan *Batch
	cancelCh   chan struct{}
	cancelOnce sync.Once
	err        error
	workers    throttle
}

func newMultiDatasetQueue(queues map[string]*exampleQueue, async bool) (*multiDatasetQueue, error) {
	if len(queues) == 0 {
		return nil, fmt.Errorf("%w: no example queues to merge", ErrConfig)
	}
	var shapes map[string][]int
	numTasks := 0
	for id, q := range queues {
		if shapes == nil {
			shapes = q.OutputShapes()
			numTasks = q.NumTasks()
			continue
		}
		if len(q.OutputShapes()) != len(shapes) || q.NumTasks() != numTasks {
			return nil, fmt.Errorf("%w: dataset %s has incompatible output shapes", ErrConfig, id)
		}
		for name, shape := range q.OutputShapes() {
			if !shapeEqual(shape, shapes[name]) {
				return nil, fmt.Errorf("%w: dataset %s shape %v for %s, others have %v", ErrConfig, id, shape, name, shapes[name])
			}
		}
	}
	m := &multiDatasetQueue{
		queues:   queues,
		shapes:   shapes,
		numTasks: numTasks,
		ch:       make(chan *Batch, len(queues)),
		cancelCh: make(chan struct{}),
	}
	if async {
		m.workers.Max = len(queues)
		for _, q := range queues {
			q := q
			m.workers.Go(func() error { return m.forward(q) })
		}
	} else {
		m.workers.Max = 1
		m.workers.Go(m.roundRobin)
	}
	go func() {
		err := m.workers.Wait()
		m.err = err
		close(m.ch)
	}()
	return m, nil
}

func (m *multiDatasetQueue) forward(q *exampleQueue) error {
	for {
		b, err := q.NextBatch()
		if errors.Is(err, ErrEndOfStream) || errors.Is(err, ErrCanceled) {
			return nil
		} else if err != nil {
			return err
		}
		select {
		case m.ch <- b:
		case <-m.cancelCh:
			return nil
		}
	}
}

func (m *multiDatasetQueue) roundRobin() error {
	ids := make([]string, 0, len(m.queues))
	for id := range m.queues {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	exhausted := map[string]bool{}
	for len(exhausted) < len(ids) {
		for _, id := range ids {
			if exhausted[id] {
				continue
			}
			b, err := m.queues[id].NextBatch()
			if errors.Is(err, ErrEndOfStream) || errors.Is(err, ErrCanceled) {
				exhausted[id] = true
				continue
			} else if err != nil {
				return err
			}
			select {
			case m.ch <- b:
			case <-m.cancelCh:
				return nil
			}
		}
	}
	return nil
}

func (m *multiDatasetQueue) NextBatch() (*Batch, error) {
	select {
	case <-m.cancelCh:
		return nil, ErrCanceled
	default:
	}
	b, ok := <-m.ch
	if !ok {
		if m.err != nil {
			return nil, m.err
		}
		select {
		case <-m.cancelCh:
			return nil, ErrCanceled
		default:
		}
		return nil, ErrEndOfStream
	}
	return b, nil
}

func (m *multiDatasetQueue) OutputShapes() map[string][]int { return m.shapes }
func (m *multiDatasetQueue) NumTasks() int                  { return m.numTasks }

func (m *multiDatasetQueue) Cancel() {
	m.cancelOnce.Do(func() {
		close(m.cancelCh)
		for _, q := range m.queues {
			q.Cancel()
		}
	})
}
