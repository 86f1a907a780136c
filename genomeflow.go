// Copyright (C) The TF-Dragonn Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package tfdragonn

import (
	"fmt"
	"os"
	"sync"

	log "github.com/sirupsen/logrus"
)

var (
	defaultHoldoutChroms    = []string{"chr1", "chr8", "chr21"}
	defaultValidationChroms = []string{"chr9"}
)

const (
	defaultBatchSize       = 256
	defaultPosSamplingRate = 0.05
)

// GenomeFlow feeds labeled genomic examples to a model: it owns the
// datasets, the chromosome split, the class balancing policy, and the
// queue plumbing between the interval files on disk and the training
// loop. One GenomeFlow serves one run; side files and temporary
// materializations live under LogDir.
type GenomeFlow struct {
	Datasets   map[string]*Dataset
	TaskNames  []string
	InputNames []string
	LogDir     string

	Shuffle          bool
	BatchSize        int
	PosSamplingRate  float64 // 0 disables stratified balancing
	ValidationChroms []string
	HoldoutChroms    []string
	InMemory         bool
	Seed             int64
	// ValidationIntervalSpec, when set, is an intervalspec whose
	// intervals_file entries replace the training ones for validation
	// and prediction queues.
	ValidationIntervalSpec string

	cache    *TrackCache
	mtx      sync.Mutex
	tmpFiles []string
}

// NewGenomeFlow parses the dataset and interval spec files and returns
// a flow with the standard chromosome split and balancing defaults.
// inputNames selects which of the datasets' modalities are extracted;
// every dataset must provide all of them.
func NewGenomeFlow(datasetspec, intervalspec string, inputNames []string, logdir string) (*GenomeFlow, error) {
	datasets, taskNames, err := parseInputsAndIntervals(datasetspec, intervalspec)
	if err != nil {
		return nil, err
	}
	gf := &GenomeFlow{
		Datasets:         datasets,
		TaskNames:        taskNames,
		InputNames:       inputNames,
		LogDir:           logdir,
		Shuffle:          true,
		BatchSize:        defaultBatchSize,
		PosSamplingRate:  defaultPosSamplingRate,
		ValidationChroms: defaultValidationChroms,
		HoldoutChroms:    defaultHoldoutChroms,
		cache:            NewTrackCache(),
	}
	for _, id := range sortedDatasetIDs(datasets) {
		ds := datasets[id]
		for _, name := range inputNames {
			if _, ok := ds.Inputs[name]; !ok {
				return nil, fmt.Errorf("%w: dataset %q does not provide input %q", ErrConfig, id, name)
			}
		}
		log.Infof("dataset %s: intervals %s, %d inputs", id, ds.IntervalsFile, len(ds.Inputs))
	}
	log.Infof("genomeflow: %d datasets, %d tasks, holdout %v, validation %v", len(datasets), len(taskNames), gf.HoldoutChroms, gf.ValidationChroms)
	return gf, nil
}

func (gf *GenomeFlow) addTmpFile(path string) {
	gf.mtx.Lock()
	defer gf.mtx.Unlock()
	gf.tmpFiles = append(gf.tmpFiles, path)
}

// Cleanup removes the temporary interval materializations created by
// this flow. Fingerprinted side files are kept for reuse across runs.
func (gf *GenomeFlow) Cleanup() {
	gf.mtx.Lock()
	defer gf.mtx.Unlock()
	for _, path := range gf.tmpFiles {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			log.Warnf("cleanup: %s", err)
		}
	}
	gf.tmpFiles = nil
}

// TrainQueue streams shuffled, class-balanced training batches forever,
// excluding validation and holdout chromosomes. Datasets are merged
// asynchronously, so each contributes in proportion to its throughput.
// With balancing enabled, a training interval on a holdout chromosome
// is a fatal error rather than a silent drop.
func (gf *GenomeFlow) TrainQueue() (BatchQueue, error) {
	return gf.queue(queueParams{
		suffix:            "train",
		excludeChroms:     gf.ValidationChroms,
		holdoutChroms:     gf.HoldoutChroms,
		rate:              gf.PosSamplingRate,
		shuffle:           gf.Shuffle,
		numEpochs:         0,
		async:             true,
		enqueuesPerThread: []int{128},
	})
}

// ValidationQueue streams the validation chromosomes for numEpochs
// passes, unshuffled and unbalanced, merging datasets round-robin so a
// finite pass covers every dataset evenly. With a validation
// intervalspec configured, each dataset's intervals come from that
// file instead of its training intervals.
func (gf *GenomeFlow) ValidationQueue(numEpochs int) (BatchQueue, error) {
	if numEpochs <= 0 {
		numEpochs = 1
	}
	overrides, err := gf.validationOverrides()
	if err != nil {
		return nil, err
	}
	return gf.queue(queueParams{
		suffix:            "validation",
		selectedChroms:    gf.ValidationChroms,
		numEpochs:         numEpochs,
		async:             false,
		enqueuesPerThread: []int{128, 1},
		intervalsFiles:    overrides,
	})
}

// validationOverrides parses the optional validation intervalspec and
// returns its per-dataset intervals_file replacements. Every dataset
// in the flow must have an entry.
func (gf *GenomeFlow) validationOverrides() (map[string]string, error) {
	if gf.ValidationIntervalSpec == "" {
		return nil, nil
	}
	files, taskNames, err := parseIntervalSpec(gf.ValidationIntervalSpec)
	if err != nil {
		return nil, err
	}
	if taskNames != nil && !stringsEqual(taskNames, gf.TaskNames) {
		return nil, fmt.Errorf("%w: validation intervalspec task names %v differ from %v", ErrConfig, taskNames, gf.TaskNames)
	}
	for _, id := range sortedDatasetIDs(gf.Datasets) {
		if files[id] == "" {
			return nil, fmt.Errorf("%w: %s has no intervals_file for dataset %q", ErrConfig, gf.ValidationIntervalSpec, id)
		}
	}
	return files, nil
}

type queueParams struct {
	suffix            string
	selectedChroms    []string
	excludeChroms     []string
	holdoutChroms     []string
	rate              float64
	shuffle           bool
	numEpochs         int
	async             bool
	enqueuesPerThread []int
	intervalsFiles    map[string]string // per-dataset overrides
}

func (gf *GenomeFlow) queue(p queueParams) (BatchQueue, error) {
	queues := map[string]*exampleQueue{}
	fail := func(err error) (BatchQueue, error) {
		for _, q := range queues {
			q.Cancel()
		}
		return nil, err
	}
	for _, id := range sortedDatasetIDs(gf.Datasets) {
		q, err := gf.exampleQueue(gf.Datasets[id], p)
		if err != nil {
			return fail(err)
		}
		queues[id] = q
	}
	m, err := newMultiDatasetQueue(queues, p.async)
	if err != nil {
		return fail(err)
	}
	return m, nil
}

// exampleQueue builds one dataset's interval stream (stratified when a
// positive sampling rate is set, a plain filtered materialization
// otherwise) and joins it with the dataset's data sources.
func (gf *GenomeFlow) exampleQueue(ds *Dataset, p queueParams) (*exampleQueue, error) {
	if path := p.intervalsFiles[ds.ID]; path != "" {
		override := *ds
		override.IntervalsFile = path
		ds = &override
	}
	width, err := intervalFileWidth(ds.IntervalsFile)
	if err != nil {
		return nil, err
	}
	iqOpts := intervalQueueOpts{
		Name:      ds.ID + "-" + p.suffix + "-interval-queue",
		Shuffle:   p.shuffle,
		NumEpochs: p.numEpochs,
		Seed:      gf.Seed,
	}
	var stream intervalStream
	if p.rate > 0 {
		stream, err = gf.stratifiedQueue(ds, p.selectedChroms, p.excludeChroms, p.holdoutChroms, p.rate, iqOpts)
	} else {
		skip := append(append([]string(nil), p.excludeChroms...), p.holdoutChroms...)
		var path string
		path, err = gf.materializePlain(ds, p.selectedChroms, skip)
		if err == nil {
			stream, err = newIntervalQueue(path, iqOpts)
		}
	}
	if err != nil {
		return nil, err
	}
	sources := map[string]DataSource{}
	for _, name := range gf.InputNames {
		src, err := gf.dataSource(ds, name)
		if err != nil {
			stream.Cancel()
			return nil, err
		}
		sources[name] = src
	}
	return newExampleQueue(ds.ID, stream, sources, width, len(gf.TaskNames), exampleQueueOpts{
		Name:              ds.ID + "-" + p.suffix + "-example-queue",
		BatchSize:         gf.BatchSize,
		EnqueuesPerThread: p.enqueuesPerThread,
	}), nil
}

func (gf *GenomeFlow) dataSource(ds *Dataset, name string) (DataSource, error) {
	spec, ok := ds.Inputs[name]
	if !ok {
		return nil, fmt.Errorf("%w: dataset %q does not provide input %q", ErrConfig, ds.ID, name)
	}
	kind, ok := modalityExtractors[name]
	if !ok {
		return nil, fmt.Errorf("%w: unknown input modality %q", ErrConfig, name)
	}
	opts := map[string]string{}
	for k, v := range modalityDefaults[name] {
		opts[k] = v
	}
	for k, v := range spec.Options {
		opts[k] = v
	}
	switch kind {
	case "track":
		return newTrackDataSource(name, spec.Path, gf.InMemory, gf.cache, opts["norm_params"])
	case "bed":
		return newBedDataSource(name, spec.Path, opts["op"], opts["norm_params"])
	}
	return nil, fmt.Errorf("%w: unknown extractor kind %q for %q", ErrConfig, kind, name)
}

// NormalizedClassRates reports, per dataset, the configured positive
// sampling rate divided by the true positive fraction on the last task:
// the factor by which balanced sampling over-represents positives.
// Only defined for single-task runs with balancing enabled.
func (gf *GenomeFlow) NormalizedClassRates() (map[string]float64, error) {
	if len(gf.TaskNames) != 1 {
		return nil, fmt.Errorf("%w: class rates require a single-task run (%d tasks)", ErrConfig, len(gf.TaskNames))
	}
	if gf.PosSamplingRate <= 0 {
		return nil, fmt.Errorf("%w: class rates require a positive sampling rate", ErrConfig)
	}
	rates := map[string]float64{}
	for _, id := range sortedDatasetIDs(gf.Datasets) {
		pos, total, err := countLabelValues(gf.Datasets[id].IntervalsFile)
		if err != nil {
			return nil, err
		}
		if pos == 0 || total == 0 {
			return nil, fmt.Errorf("%w: %s has no positive labeled intervals", ErrConfig, gf.Datasets[id].IntervalsFile)
		}
		rates[id] = gf.PosSamplingRate / (float64(pos) / float64(total))
	}
	return rates, nil
}

// OutputShapes reports the per-example feature shapes the flow will
// produce, keyed by input name, without building any queue.
func (gf *GenomeFlow) OutputShapes() (map[string][]int, error) {
	var anyDS *Dataset
	for _, id := range sortedDatasetIDs(gf.Datasets) {
		anyDS = gf.Datasets[id]
		break
	}
	width, err := intervalFileWidth(anyDS.IntervalsFile)
	if err != nil {
		return nil, err
	}
	shapes := map[string][]int{}
	for _, name := range gf.InputNames {
		src, err := gf.dataSource(anyDS, name)
		if err != nil {
			return nil, err
		}
		shapes[name] = src.ExampleShape(width)
	}
	return shapes, nil
}
