// Copyright (C) The TF-Dragonn Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package tfdragonn

import (
	"bufio"
	"encoding/hex"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"

	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2b"
)

type polarity string

const (
	positive polarity = "pos"
	negative polarity = "neg"
)

// Class balancing is defined on the last task's label only.
func lastTaskPositive(iv Interval) bool {
	return len(iv.Labels) > 0 && iv.Labels[len(iv.Labels)-1] == 1
}

func lastTaskNegative(iv Interval) bool {
	return len(iv.Labels) > 0 && iv.Labels[len(iv.Labels)-1] == 0
}

// stratifiedQueue materializes positive-only and negative-only side
// files for a dataset and composes them into one rate-weighted
// shuffled interval stream: each draw comes from the positive queue
// with probability rate, the negative queue otherwise.
//
// Rate-based balancing is only defined for single-task datasets; a
// multi-task dataset must disable it.
//
// excludeChroms are filtered silently; a record on a holdoutChroms
// chromosome is a fatal configuration error.
func (gf *GenomeFlow) stratifiedQueue(ds *Dataset, selectedChroms, excludeChroms, holdoutChroms []string, rate float64, opts intervalQueueOpts) (intervalStream, error) {
	if rate <= 0 || rate >= 1 {
		return nil, fmt.Errorf("%w: positive sampling rate %v must be in (0,1)", ErrConfig, rate)
	}
	if len(gf.TaskNames) > 1 {
		return nil, fmt.Errorf("%w: positive sampling rate requires a single-task dataset (%s has %d tasks)", ErrConfig, ds.ID, len(gf.TaskNames))
	}
	posFile, err := gf.materializeSideFile(ds, selectedChroms, excludeChroms, holdoutChroms, positive)
	if err != nil {
		return nil, err
	}
	negFile, err := gf.materializeSideFile(ds, selectedChroms, excludeChroms, holdoutChroms, negative)
	if err != nil {
		return nil, err
	}
	posOpts := opts
	posOpts.Name = ds.ID + "-pos-interval-queue"
	posQ, err := newIntervalQueue(posFile, posOpts)
	if err != nil {
		return nil, err
	}
	negOpts := opts
	negOpts.Name = ds.ID + "-neg-interval-queue"
	if negOpts.Seed != 0 {
		negOpts.Seed++
	}
	negQ, err := newIntervalQueue(negFile, negOpts)
	if err != nil {
		posQ.Cancel()
		return nil, err
	}
	return newWeightedIntervalQueue([]*intervalQueue{posQ, negQ}, []float64{rate, 1 - rate}, opts.Seed)
}

// materializeSideFile writes the label-stratified intervals of one
// polarity to a side file under the log directory, or reuses the
// existing file when its fingerprint still matches the materialization
// inputs. An interval on a holdout chromosome reaching the split is a
// fatal configuration error, never silently dropped.
func (gf *GenomeFlow) materializeSideFile(ds *Dataset, selectedChroms, excludeChroms, holdoutChroms []string, pol polarity) (string, error) {
	dest := filepath.Join(gf.LogDir, filepath.Base(ds.IntervalsFile)+"."+string(pol))
	fp, err := sideFileFingerprint(ds.IntervalsFile, selectedChroms, excludeChroms, holdoutChroms, pol)
	if err != nil {
		return "", err
	}
	if sideFileCurrent(dest, fp) {
		log.Debugf("%s: reusing side file %s", ds.ID, dest)
		return dest, nil
	}
	sampler := lastTaskPositive
	if pol == negative {
		sampler = lastTaskNegative
	}
	src, err := openIntervalReader(ds.IntervalsFile, intervalReaderOpts{
		SelectedChroms: selectedChroms,
		HoldoutChroms:  excludeChroms,
		NumEpochs:      1,
		SamplingFn:     sampler,
	})
	if err != nil {
		return "", err
	}
	defer src.Close()
	holdout := map[string]bool{}
	for _, c := range holdoutChroms {
		holdout[c] = true
	}
	f, err := os.OpenFile(dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0666)
	if err != nil {
		return "", err
	}
	w := bufio.NewWriter(f)
	n := 0
	for {
		iv, err := src.Read()
		if errors.Is(err, ErrEndOfStream) {
			break
		} else if err != nil {
			f.Close()
			os.Remove(dest)
			return "", err
		}
		if holdout[iv.Chrom] {
			f.Close()
			os.Remove(dest)
			return "", fmt.Errorf("%w: %s:%d-%d in %s", ErrHoldoutViolation, iv.Chrom, iv.Start, iv.End, ds.IntervalsFile)
		}
		if _, err := fmt.Fprintln(w, iv.tsv()); err != nil {
			f.Close()
			os.Remove(dest)
			return "", err
		}
		n++
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(dest)
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(dest)
		return "", err
	}
	if err := os.WriteFile(dest+".fp", []byte(fp+"\n"), 0666); err != nil {
		return "", err
	}
	log.Infof("%s: wrote %d %s intervals to %s", ds.ID, n, pol, dest)
	return dest, nil
}

// sideFileFingerprint hashes the materialization inputs: source path,
// size, mtime, all three chromosome filters, and polarity. A side file
// whose recorded fingerprint differs is stale and gets rewritten; in
// particular a changed holdout set forces a rewrite so the holdout
// check runs again.
func sideFileFingerprint(intervalsFile string, selectedChroms, excludeChroms, holdoutChroms []string, pol polarity) (string, error) {
	fi, err := os.Stat(intervalsFile)
	if err != nil {
		return "", err
	}
	h, err := blake2b.New256(nil)
	if err != nil {
		return "", err
	}
	fmt.Fprintf(h, "%s\n%d\n%d\n%s\n", intervalsFile, fi.Size(), fi.ModTime().UnixNano(), pol)
	for _, chroms := range [][]string{selectedChroms, excludeChroms, holdoutChroms} {
		chroms = append([]string(nil), chroms...)
		sort.Strings(chroms)
		for _, c := range chroms {
			fmt.Fprintf(h, "%s\n", c)
		}
		fmt.Fprintln(h, "--")
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func sideFileCurrent(dest, fp string) bool {
	fi, err := os.Stat(dest)
	if err != nil || fi.Size() == 0 {
		return false
	}
	buf, err := os.ReadFile(dest + ".fp")
	if err != nil {
		return false
	}
	return string(buf) == fp+"\n"
}

// materializePlain copies a chromosome-filtered pass of the intervals
// file to a fresh file under the log directory and returns its path.
// Holdout chromosomes are excluded at the source here; the file is
// temporary and removed by Cleanup.
func (gf *GenomeFlow) materializePlain(ds *Dataset, selectedChroms, holdoutChroms []string) (string, error) {
	dest := filepath.Join(gf.LogDir, filepath.Base(ds.IntervalsFile))
	for {
		if _, err := os.Stat(dest); os.IsNotExist(err) {
			break
		}
		dest += fmt.Sprintf("%d", rand.Intn(10))
	}
	gf.addTmpFile(dest)
	src, err := openIntervalReader(ds.IntervalsFile, intervalReaderOpts{
		SelectedChroms: selectedChroms,
		HoldoutChroms:  holdoutChroms,
		NumEpochs:      1,
	})
	if err != nil {
		return "", err
	}
	defer src.Close()
	f, err := os.OpenFile(dest, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0666)
	if err != nil {
		return "", err
	}
	w := bufio.NewWriter(f)
	n := 0
	for {
		iv, err := src.Read()
		if errors.Is(err, ErrEndOfStream) {
			break
		} else if err != nil {
			f.Close()
			return "", err
		}
		if _, err := fmt.Fprintln(w, iv.tsv()); err != nil {
			f.Close()
			return "", err
		}
		n++
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	if n == 0 {
		return "", fmt.Errorf("%w: no intervals from %s after chromosome filters", ErrConfig, ds.IntervalsFile)
	}
	log.Infof("%s: wrote %d intervals to %s", ds.ID, n, dest)
	return dest, nil
}
