// Copyright (C) The TF-Dragonn Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package tfdragonn

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	defaultIntervalQueueCapacity = 50000
	defaultMinAfterDequeue       = 40000
)

// intervalStream is a multi-epoch source of interval records. Next is
// safe for concurrent use by multiple consumers. Cancel drops pending
// items and unblocks any producer or consumer immediately.
type intervalStream interface {
	Next() (Interval, error)
	Cancel()
}

type intervalQueueOpts struct {
	Name            string
	Capacity        int // total buffered intervals, default 50000
	Shuffle         bool
	MinAfterDequeue int // shuffle buffer floor, default 40000
	NumEpochs       int // 0 streams forever
	Seed            int64
}

// intervalQueue is a bounded, optionally shuffled, multi-epoch queue
// over an intervals file. Every record in the file is dequeued exactly
// once per epoch; with Shuffle the dequeue order is randomized once at
// least MinAfterDequeue records are buffered (sooner when the source is
// exhausted).
type intervalQueue struct {
	name       string
	ch         chan Interval
	cancelCh   chan struct{}
	cancelOnce sync.Once
	err        error // written by the producer before ch is closed
}

func newIntervalQueue(path string, opts intervalQueueOpts) (*intervalQueue, error) {
	if opts.Capacity <= 0 {
		opts.Capacity = defaultIntervalQueueCapacity
	}
	if opts.MinAfterDequeue <= 0 {
		opts.MinAfterDequeue = defaultMinAfterDequeue
	}
	if opts.MinAfterDequeue >= opts.Capacity {
		return nil, fmt.Errorf("%w: min after dequeue %d must be below capacity %d", ErrConfig, opts.MinAfterDequeue, opts.Capacity)
	}
	reader, err := openIntervalReader(path, intervalReaderOpts{NumEpochs: opts.NumEpochs})
	if err != nil {
		return nil, err
	}
	chCap := opts.Capacity
	if opts.Shuffle {
		chCap = opts.Capacity - opts.MinAfterDequeue
	}
	q := &intervalQueue{
		name:     opts.Name,
		ch:       make(chan Interval, chCap),
		cancelCh: make(chan struct{}),
	}
	go q.run(reader, opts)
	return q, nil
}

func (q *intervalQueue) run(reader *intervalReader, opts intervalQueueOpts) {
	defer close(q.ch)
	defer reader.Close()
	seed := opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rnd := rand.New(rand.NewSource(seed))
	var buf []Interval
	emit := func(iv Interval) bool {
		select {
		case q.ch <- iv:
			return true
		case <-q.cancelCh:
			return false
		}
	}
	emitRandom := func() bool {
		i := rnd.Intn(len(buf))
		iv := buf[i]
		buf[i] = buf[len(buf)-1]
		buf = buf[:len(buf)-1]
		return emit(iv)
	}
	for {
		iv, err := reader.Read()
		if errors.Is(err, ErrEndOfStream) {
			break
		} else if err != nil {
			q.err = err
			return
		}
		if !opts.Shuffle {
			if !emit(iv) {
				return
			}
			continue
		}
		buf = append(buf, iv)
		if len(buf) > opts.MinAfterDequeue {
			if !emitRandom() {
				return
			}
		}
	}
	for len(buf) > 0 {
		if !emitRandom() {
			return
		}
	}
	log.Debugf("%s: drained", q.name)
}

func (q *intervalQueue) Next() (Interval, error) {
	select {
	case <-q.cancelCh:
		return Interval{}, ErrCanceled
	default:
	}
	iv, ok := <-q.ch
	if !ok {
		if q.err != nil {
			return Interval{}, q.err
		}
		select {
		case <-q.cancelCh:
			return Interval{}, ErrCanceled
		default:
		}
		return Interval{}, ErrEndOfStream
	}
	return iv, nil
}

// Cancel unblocks the producer and drops all buffered intervals. It is
// distinct from normal exhaustion: after Cancel, Next returns
// ErrCanceled without draining.
func (q *intervalQueue) Cancel() {
	q.cancelOnce.Do(func() { close(q.cancelCh) })
}

// weightedIntervalQueue multiplexes sub-queues by fixed probability:
// each dequeue draws from one sub-queue chosen by its rate,
// independently across draws. An exhausted sub-queue is dropped from
// the draw; end of stream is reported only once all sub-queues are
// exhausted.
type weightedIntervalQueue struct {
	queues    []*intervalQueue
	rates     []float64
	exhausted []bool
	rnd       *rand.Rand
	mtx       sync.Mutex
}

func newWeightedIntervalQueue(queues []*intervalQueue, rates []float64, seed int64) (*weightedIntervalQueue, error) {
	if len(queues) != len(rates) || len(queues) == 0 {
		return nil, fmt.Errorf("%w: %d queues with %d rates", ErrConfig, len(queues), len(rates))
	}
	total := 0.0
	for _, r := range rates {
		if r <= 0 {
			return nil, fmt.Errorf("%w: sampling rate %v must be positive", ErrConfig, r)
		}
		total += r
	}
	if total <= 0 {
		return nil, fmt.Errorf("%w: sampling rates sum to %v", ErrConfig, total)
	}
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &weightedIntervalQueue{
		queues:    queues,
		rates:     rates,
		exhausted: make([]bool, len(queues)),
		rnd:       rand.New(rand.NewSource(seed)),
	}, nil
}

func (w *weightedIntervalQueue) Next() (Interval, error) {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	for {
		total := 0.0
		for i, r := range w.rates {
			if !w.exhausted[i] {
				total += r
			}
		}
		if total == 0 {
			return Interval{}, ErrEndOfStream
		}
		x := w.rnd.Float64() * total
		pick := -1
		for i, r := range w.rates {
			if w.exhausted[i] {
				continue
			}
			pick = i
			if x < r {
				break
			}
			x -= r
		}
		iv, err := w.queues[pick].Next()
		if errors.Is(err, ErrEndOfStream) {
			w.exhausted[pick] = true
			continue
		}
		return iv, err
	}
}

func (w *weightedIntervalQueue) Cancel() {
	for _, q := range w.queues {
		q.Cancel()
	}
}

// readIntervalBatch collects up to n intervals from src. A partial
// batch is returned when the stream ends mid-batch; the terminal
// condition surfaces on the following call.
func readIntervalBatch(src intervalStream, n int) ([]Interval, error) {
	batch := make([]Interval, 0, n)
	for len(batch) < n {
		iv, err := src.Next()
		if errors.Is(err, ErrEndOfStream) || errors.Is(err, ErrCanceled) {
			if len(batch) > 0 {
				return batch, nil
			}
			return nil, err
		} else if err != nil {
			return nil, err
		}
		batch = append(batch, iv)
	}
	return batch, nil
}
