// Copyright (C) The TF-Dragonn Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package tfdragonn

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/pgzip"
	log "github.com/sirupsen/logrus"
)

const defaultFlankTrim = 400

type predictcmd struct{}

// predict scores every interval of every dataset with a saved model and
// writes one compressed BED-like table per (task, dataset). The flank
// trim narrows each output interval to the region the label refers to.
func (cmd *predictcmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	prefix := flags.String("prefix", "predictions", "output `prefix`")
	flank := flags.Int("flank-size", defaultFlankTrim, "bases trimmed from each interval end in the output")
	batchSize := flags.Int("batch-size", defaultBatchSize, "examples per batch")
	validSpec := flags.String("validation-intervalspec", "", "intervalspec `file` whose intervals replace the training ones for prediction")
	inMemory := flags.Bool("in-memory", false, "keep track data resident instead of rereading per slice")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	}
	if flags.NArg() != 4 {
		err = fmt.Errorf("usage: %s predict [options] datasetspec intervalspec modelfile logdir", prog)
		return 2
	}
	datasetspec, intervalspec, modelfile, logdir := flags.Arg(0), flags.Arg(1), flags.Arg(2), flags.Arg(3)

	model, err := loadModel(modelfile)
	if err != nil {
		return 1
	}
	gf, err := NewGenomeFlow(datasetspec, intervalspec, model.Inputs(), logdir)
	if err != nil {
		return 1
	}
	gf.BatchSize = *batchSize
	gf.InMemory = *inMemory
	gf.PosSamplingRate = 0
	gf.ValidationIntervalSpec = *validSpec
	defer gf.Cleanup()
	if len(gf.TaskNames) != model.NumTasks() {
		err = fmt.Errorf("%w: model has %d tasks, spec has %d", ErrConfig, model.NumTasks(), len(gf.TaskNames))
		return 1
	}
	overrides, err := gf.validationOverrides()
	if err != nil {
		return 1
	}

	// one unfiltered pass over every dataset, batches routed to
	// per-(task, dataset) writers by DatasetID
	q, err := gf.queue(queueParams{
		suffix:            "predict",
		numEpochs:         1,
		async:             false,
		enqueuesPerThread: []int{128, 1},
		intervalsFiles:    overrides,
	})
	if err != nil {
		return 1
	}
	defer q.Cancel()

	writers := map[string]*predictionWriter{}
	defer func() {
		for _, w := range writers {
			w.Close()
		}
	}()
	for {
		b, nextErr := q.NextBatch()
		if errors.Is(nextErr, ErrEndOfStream) {
			break
		} else if nextErr != nil {
			err = nextErr
			return 1
		}
		preds, predErr := model.Predict(b)
		if predErr != nil {
			err = predErr
			return 1
		}
		for task, name := range gf.TaskNames {
			key := name + "." + b.DatasetID
			w := writers[key]
			if w == nil {
				w, err = newPredictionWriter(fmt.Sprintf("%s.%s.%s.tab.gz", *prefix, name, b.DatasetID))
				if err != nil {
					return 1
				}
				writers[key] = w
			}
			for i, iv := range b.Intervals {
				if err = w.Write(iv, *flank, preds[i][task]); err != nil {
					return 1
				}
			}
		}
	}
	for key, w := range writers {
		if err = w.Close(); err != nil {
			return 1
		}
		delete(writers, key)
		log.Infof("wrote %s (%d intervals)", w.path, w.n)
	}
	return 0
}

type predictionWriter struct {
	path   string
	file   *os.File
	gz     *pgzip.Writer
	buf    *bufio.Writer
	n      int
	closed bool
}

func newPredictionWriter(path string) (*predictionWriter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0666)
	if err != nil {
		return nil, err
	}
	gz := pgzip.NewWriter(f)
	return &predictionWriter{path: path, file: f, gz: gz, buf: bufio.NewWriter(gz)}, nil
}

func (w *predictionWriter) Write(iv Interval, flank int, score float64) error {
	start, end := iv.Start+flank, iv.End-flank
	if end <= start {
		start, end = iv.Start, iv.End
	}
	_, err := fmt.Fprintf(w.buf, "%s\t%d\t%d\t%g\n", iv.Chrom, start, end, score)
	w.n++
	return err
}

func (w *predictionWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	err := w.buf.Flush()
	if e := w.gz.Close(); err == nil {
		err = e
	}
	if e := w.file.Close(); err == nil {
		err = e
	}
	return err
}
