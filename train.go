// Copyright (C) The TF-Dragonn Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package tfdragonn

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"
	"os"
	"path/filepath"
	"sort"

	log "github.com/sirupsen/logrus"
)

const (
	defaultEpochSize = 250000
	defaultPatience  = 4
	defaultMaxEpochs = 100
)

// ClassifierTrainer drives the fit/evaluate loop: each epoch draws
// EpochSize examples from the training queue, refits the model on
// everything drawn so far, and scores it on a fresh validation pass.
// Training stops after Patience epochs without an auPRC improvement;
// the best model is kept on disk.
type ClassifierTrainer struct {
	EpochSize int
	Patience  int
	MaxEpochs int
}

// Train returns the best mean validation auPRC reached. newValidQueue
// must return a fresh finite queue on every call.
func (tr *ClassifierTrainer) Train(model Model, train BatchQueue, newValidQueue func() (BatchQueue, error), savePrefix string) (float64, error) {
	epochSize := tr.EpochSize
	if epochSize <= 0 {
		epochSize = defaultEpochSize
	}
	patience := tr.Patience
	if patience <= 0 {
		patience = defaultPatience
	}
	maxEpochs := tr.MaxEpochs
	if maxEpochs <= 0 {
		maxEpochs = defaultMaxEpochs
	}
	modelFile := savePrefix + ".model.json"
	best := -1.0
	bestEpoch := 0
	var accumulated []*Batch
	for epoch := 1; epoch <= maxEpochs; epoch++ {
		drawn := 0
		for drawn < epochSize {
			b, err := train.NextBatch()
			if errors.Is(err, ErrEndOfStream) {
				if len(accumulated) == 0 {
					return 0, fmt.Errorf("%w: training queue is empty", ErrConfig)
				}
				break
			} else if err != nil {
				return 0, err
			}
			accumulated = append(accumulated, b)
			drawn += len(b.Intervals)
		}
		if err := model.Fit(accumulated); err != nil {
			return 0, err
		}
		validQ, err := newValidQueue()
		if err != nil {
			return 0, err
		}
		metrics, err := Evaluate(model, validQ)
		if err != nil {
			return 0, err
		}
		score := meanAuPRC(metrics)
		for _, m := range metrics {
			log.Infof("epoch %d: task %s: auROC %.4f auPRC %.4f (%d examples)", epoch, m.Task, m.AuROC, m.AuPRC, m.Examples)
		}
		if score > best {
			best = score
			bestEpoch = epoch
			if err := model.Save(modelFile); err != nil {
				return 0, err
			}
			log.Infof("epoch %d: new best auPRC %.4f, saved %s", epoch, best, modelFile)
		} else if epoch-bestEpoch >= patience {
			log.Infof("epoch %d: no improvement since epoch %d, stopping", epoch, bestEpoch)
			break
		}
	}
	train.Cancel()
	return best, nil
}

// TaskMetrics are per-task evaluation results. Ambiguous labels are
// excluded from all metrics; accuracy thresholds scores at 0.5.
type TaskMetrics struct {
	Task     string
	AuROC    float64
	AuPRC    float64
	Accuracy float64
	Examples int
}

// Evaluate drains a finite queue and scores the model on every task.
// Task names are taken positionally when absent from the queue.
func Evaluate(model Model, q BatchQueue) ([]TaskMetrics, error) {
	numTasks := model.NumTasks()
	scores := make([][]float64, numTasks)
	labels := make([][]bool, numTasks)
	for {
		b, err := q.NextBatch()
		if errors.Is(err, ErrEndOfStream) {
			break
		} else if err != nil {
			return nil, err
		}
		preds, err := model.Predict(b)
		if err != nil {
			return nil, err
		}
		for i, row := range preds {
			for task := 0; task < numTasks; task++ {
				label := b.Labels[i][task]
				if label < 0 {
					continue
				}
				scores[task] = append(scores[task], row[task])
				labels[task] = append(labels[task], label == 1)
			}
		}
	}
	metrics := make([]TaskMetrics, numTasks)
	for task := 0; task < numTasks; task++ {
		metrics[task] = TaskMetrics{
			Task:     fmt.Sprintf("task%d", task),
			AuROC:    auROC(scores[task], labels[task]),
			AuPRC:    auPRC(scores[task], labels[task]),
			Accuracy: accuracy(scores[task], labels[task]),
			Examples: len(scores[task]),
		}
	}
	return metrics, nil
}

func accuracy(scores []float64, labels []bool) float64 {
	if len(scores) == 0 {
		return 0
	}
	correct := 0
	for i, score := range scores {
		if (score >= 0.5) == labels[i] {
			correct++
		}
	}
	return float64(correct) / float64(len(scores))
}

func meanAuPRC(metrics []TaskMetrics) float64 {
	sum := 0.0
	for _, m := range metrics {
		sum += m.AuPRC
	}
	return sum / float64(len(metrics))
}

func rankOrder(scores []float64) []int {
	order := make([]int, len(scores))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return scores[order[a]] > scores[order[b]] })
	return order
}

// auROC is the Mann-Whitney estimate: the probability a random positive
// outranks a random negative, with ties counted half.
func auROC(scores []float64, labels []bool) float64 {
	pos, neg := 0, 0
	for _, l := range labels {
		if l {
			pos++
		} else {
			neg++
		}
	}
	if pos == 0 || neg == 0 {
		return 0
	}
	order := rankOrder(scores)
	u := 0.0
	negSeen := 0
	for i := 0; i < len(order); {
		j := i
		tiedPos := 0
		tiedNeg := 0
		for j < len(order) && scores[order[j]] == scores[order[i]] {
			if labels[order[j]] {
				tiedPos++
			} else {
				tiedNeg++
			}
			j++
		}
		u += float64(tiedPos) * (float64(negSeen) + float64(tiedNeg)/2)
		negSeen += tiedNeg
		i = j
	}
	return 1 - u/float64(pos*neg)
}

// auPRC is average precision: precision summed at each positive hit in
// score-descending order, divided by the positive count.
func auPRC(scores []float64, labels []bool) float64 {
	pos := 0
	for _, l := range labels {
		if l {
			pos++
		}
	}
	if pos == 0 {
		return 0
	}
	order := rankOrder(scores)
	hits := 0
	ap := 0.0
	for rank, idx := range order {
		if labels[idx] {
			hits++
			ap += float64(hits) / float64(rank+1)
		}
	}
	return ap / float64(pos)
}

type traincmd struct{}

func (cmd *traincmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	pprofdir := flags.String("pprof-dir", "", "write Go profile data to `directory` periodically")
	kfoldCV := flags.Bool("kfold-cv", false, "leave-one-dataset-out cross validation")
	batchSize := flags.Int("batch-size", defaultBatchSize, "examples per batch")
	epochSize := flags.Int("epoch-size", defaultEpochSize, "training examples drawn per epoch")
	patience := flags.Int("patience", defaultPatience, "epochs without auPRC improvement before stopping")
	maxEpochs := flags.Int("max-epochs", defaultMaxEpochs, "epoch limit")
	posRate := flags.Float64("pos-sampling-rate", defaultPosSamplingRate, "positive `rate` for balanced sampling, 0 to disable")
	validSpec := flags.String("validation-intervalspec", "", "intervalspec `file` whose intervals replace the training ones for validation queues")
	inMemory := flags.Bool("in-memory", false, "keep track data resident instead of rereading per slice")
	seed := flags.Int64("seed", 0, "shuffle seed, 0 for time-based")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	}
	if flags.NArg() != 4 {
		err = fmt.Errorf("usage: %s train [options] datasetspec intervalspec modelspec logdir", prog)
		return 2
	}
	datasetspec, intervalspec, modelspec, logdir := flags.Arg(0), flags.Arg(1), flags.Arg(2), flags.Arg(3)

	if *pprof != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprof, nil))
		}()
	}
	if *pprofdir != "" {
		go writeProfilesPeriodically(*pprofdir)
	}

	spec, err := parseModelSpec(modelspec)
	if err != nil {
		return 1
	}
	inputNames, err := modelInputsFromSpec(spec)
	if err != nil {
		return 1
	}
	trainer := &ClassifierTrainer{EpochSize: *epochSize, Patience: *patience, MaxEpochs: *maxEpochs}
	configure := func(gf *GenomeFlow) {
		gf.BatchSize = *batchSize
		gf.PosSamplingRate = *posRate
		gf.InMemory = *inMemory
		gf.Seed = *seed
		gf.ValidationIntervalSpec = *validSpec
	}

	if !*kfoldCV {
		err = runFold(trainer, spec, inputNames, datasetspec, intervalspec, modelspec, logdir, nil, configure)
		if err != nil {
			return 1
		}
		return 0
	}

	gf, err := NewGenomeFlow(datasetspec, intervalspec, inputNames, logdir)
	if err != nil {
		return 1
	}
	ids := sortedDatasetIDs(gf.Datasets)
	if len(ids) < 2 {
		err = fmt.Errorf("%w: cross validation needs at least 2 datasets, have %d", ErrConfig, len(ids))
		return 1
	}
	for _, heldout := range ids {
		log.Infof("fold %s: training on %d datasets", heldout, len(ids)-1)
		foldDir := filepath.Join(logdir, "fold-"+heldout)
		err = runFold(trainer, spec, inputNames, datasetspec, intervalspec, modelspec, foldDir, &heldoutFold{id: heldout}, configure)
		if err != nil {
			return 1
		}
	}
	return 0
}

type heldoutFold struct {
	id string
}

// runFold trains one model in its own log directory. With a heldout
// fold, the named dataset is removed from training and evaluated after
// the fit.
func runFold(trainer *ClassifierTrainer, spec ModelSpec, inputNames []string, datasetspec, intervalspec, modelspec, logdir string, fold *heldoutFold, configure func(*GenomeFlow)) error {
	if err := os.MkdirAll(logdir, 0777); err != nil {
		return err
	}
	for _, path := range []string{datasetspec, intervalspec, modelspec} {
		if err := copyFileInto(path, logdir); err != nil {
			return err
		}
	}
	gf, err := NewGenomeFlow(datasetspec, intervalspec, inputNames, logdir)
	if err != nil {
		return err
	}
	configure(gf)
	defer gf.Cleanup()

	var heldoutDS *Dataset
	if fold != nil {
		heldoutDS = gf.Datasets[fold.id]
		if heldoutDS == nil {
			return fmt.Errorf("internal error: fold dataset %q not in the parsed spec", fold.id)
		}
		delete(gf.Datasets, fold.id)
	}

	if len(gf.TaskNames) == 1 && gf.PosSamplingRate > 0 {
		rates, err := gf.NormalizedClassRates()
		if err != nil {
			return err
		}
		for _, id := range sortedDatasetIDs(gf.Datasets) {
			log.Infof("%s: normalized class rate %.4f", id, rates[id])
		}
	}

	shapes, err := gf.OutputShapes()
	if err != nil {
		return err
	}
	model, err := newModel(spec, shapes, len(gf.TaskNames))
	if err != nil {
		return err
	}
	trainQ, err := gf.TrainQueue()
	if err != nil {
		return err
	}
	defer trainQ.Cancel()
	best, err := trainer.Train(model, trainQ, func() (BatchQueue, error) { return gf.ValidationQueue(1) }, filepath.Join(logdir, "classifier"))
	if err != nil {
		return err
	}
	log.Infof("best validation auPRC %.4f (model in %s)", best, logdir)

	if heldoutDS != nil {
		heldoutGF := *gf
		heldoutGF.Datasets = map[string]*Dataset{heldoutDS.ID: heldoutDS}
		q, err := heldoutGF.ValidationQueue(1)
		if err != nil {
			return err
		}
		metrics, err := Evaluate(model, q)
		if err != nil {
			return err
		}
		for _, m := range metrics {
			log.Infof("fold %s: task %s: auROC %.4f auPRC %.4f (%d examples)", heldoutDS.ID, m.Task, m.AuROC, m.AuPRC, m.Examples)
		}
	}
	return nil
}

func copyFileInto(path, dir string) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, filepath.Base(path)), buf, 0666)
}

type testcmd struct{}

func (cmd *testcmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	batchSize := flags.Int("batch-size", defaultBatchSize, "examples per batch")
	validSpec := flags.String("validation-intervalspec", "", "intervalspec `file` whose intervals replace the training ones for evaluation")
	inMemory := flags.Bool("in-memory", false, "keep track data resident instead of rereading per slice")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	}
	if flags.NArg() != 4 {
		err = fmt.Errorf("usage: %s test [options] datasetspec intervalspec modelfile logdir", prog)
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
	gf.ValidationIntervalSpec = *validSpec
	defer gf.Cleanup()
	q, err := gf.ValidationQueue(1)
	if err != nil {
		return 1
	}
	metrics, err := Evaluate(model, q)
	if err != nil {
		return 1
	}
	for i, m := range metrics {
		task := m.Task
		if i < len(gf.TaskNames) {
			task = gf.TaskNames[i]
		}
		fmt.Fprintf(stdout, "%s\tauROC\t%.4f\n", task, m.AuROC)
		fmt.Fprintf(stdout, "%s\tauPRC\t%.4f\n", task, m.AuPRC)
		fmt.Fprintf(stdout, "%s\taccuracy\t%.4f\n", task, m.Accuracy)
	}
	return 0
}
