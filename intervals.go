// Copyright (C) The TF-Dragonn Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package tfdragonn

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/klauspost/pgzip"
)

// Interval is a genomic coordinate range with optional per-task labels.
// Label -1 means ambiguous, 0 negative, 1 positive.
type Interval struct {
	Chrom  string
	Start  int
	End    int
	Labels []int8
}

func (iv Interval) Length() int { return iv.End - iv.Start }

func (iv Interval) tsv() string {
	line := fmt.Sprintf("%s\t%d\t%d", iv.Chrom, iv.Start, iv.End)
	for _, l := range iv.Labels {
		line += fmt.Sprintf("\t%d", l)
	}
	return line
}

type intervalReaderOpts struct {
	// SelectedChroms, when non-nil, restricts the stream to these
	// chromosomes. HoldoutChroms are silently excluded.
	SelectedChroms []string
	HoldoutChroms  []string
	// NumEpochs is the number of passes over the file; 0 streams
	// forever.
	NumEpochs int
	// SamplingFn, when non-nil, keeps only intervals for which it
	// returns true.
	SamplingFn func(Interval) bool
}

// intervalReader streams interval records from a sorted TSV file
// (optionally gzip-compressed), applying chromosome filters first and
// the sampling predicate second. All intervals read from one file must
// have the same length; a mismatch is fatal, not coerced.
type intervalReader struct {
	path     string
	opts     intervalReaderOpts
	selected map[string]bool
	holdout  map[string]bool
	file     *os.File
	gz       *pgzip.Reader
	scanner  *bufio.Scanner
	epoch    int
	lineno   int
	width    int
	done     bool
}

func openIntervalReader(path string, opts intervalReaderOpts) (*intervalReader, error) {
	r := &intervalReader{path: path, opts: opts, width: -1}
	if opts.SelectedChroms != nil {
		r.selected = map[string]bool{}
		for _, c := range opts.SelectedChroms {
			r.selected[c] = true
		}
	}
	if len(opts.HoldoutChroms) > 0 {
		r.holdout = map[string]bool{}
		for _, c := range opts.HoldoutChroms {
			r.holdout[c] = true
		}
	}
	if err := r.open(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *intervalReader) open() error {
	f, err := os.Open(r.path)
	if err != nil {
		return err
	}
	r.file = f
	r.lineno = 0
	if strings.HasSuffix(r.path, ".gz") {
		gz, err := pgzip.NewReader(f)
		if err != nil {
			f.Close()
			return fmt.Errorf("%s: %w", r.path, err)
		}
		r.gz = gz
		r.scanner = bufio.NewScanner(gz)
	} else {
		r.gz = nil
		r.scanner = bufio.NewScanner(f)
	}
	return nil
}

func (r *intervalReader) closeFile() error {
	var err error
	if r.gz != nil {
		err = r.gz.Close()
		r.gz = nil
	}
	if r.file != nil {
		if e := r.file.Close(); err == nil {
			err = e
		}
		r.file = nil
	}
	r.scanner = nil
	return err
}

func (r *intervalReader) Close() error {
	r.done = true
	return r.closeFile()
}

// Read returns the next interval passing the configured filters, or
// ErrEndOfStream once NumEpochs passes over the file are exhausted.
// After end of stream, every subsequent Read keeps returning
// ErrEndOfStream.
func (r *intervalReader) Read() (Interval, error) {
	if r.done {
		return Interval{}, ErrEndOfStream
	}
	for {
		if !r.scanner.Scan() {
			if err := r.scanner.Err(); err != nil {
				return Interval{}, fmt.Errorf("%s: %w", r.path, err)
			}
			r.epoch++
			if r.opts.NumEpochs > 0 && r.epoch >= r.opts.NumEpochs {
				r.done = true
				r.closeFile()
				return Interval{}, ErrEndOfStream
			}
			if err := r.closeFile(); err != nil {
				return Interval{}, err
			}
			if err := r.open(); err != nil {
				return Interval{}, err
			}
			continue
		}
		r.lineno++
		line := strings.TrimRight(r.scanner.Text(), "\r")
		if line == "" {
			continue
		}
		iv, err := parseInterval(line)
		if err != nil {
			return Interval{}, fmt.Errorf("%s line %d: %w", r.path, r.lineno, err)
		}
		if r.selected != nil && !r.selected[iv.Chrom] {
			continue
		}
		if r.holdout != nil && r.holdout[iv.Chrom] {
			continue
		}
		if r.width < 0 {
			r.width = iv.Length()
		} else if iv.Length() != r.width {
			return Interval{}, fmt.Errorf("%w: inconsistent interval length %d at %s line %d (expected %d)", ErrConfig, iv.Length(), r.path, r.lineno, r.width)
		}
		if r.opts.SamplingFn != nil && !r.opts.SamplingFn(iv) {
			continue
		}
		return iv, nil
	}
}

func parseInterval(line string) (Interval, error) {
	fields := strings.Split(line, "\t")
	if len(fields) < 3 {
		return Interval{}, fmt.Errorf("%w: expected at least 3 tab-separated fields, got %d", ErrConfig, len(fields))
	}
	start, err := strconv.Atoi(fields[1])
	if err != nil {
		return Interval{}, fmt.Errorf("%w: bad start %q", ErrConfig, fields[1])
	}
	end, err := strconv.Atoi(fields[2])
	if err != nil {
		return Interval{}, fmt.Errorf("%w: bad end %q", ErrConfig, fields[2])
	}
	if end <= start {
		return Interval{}, fmt.Errorf("%w: interval end %d must exceed start %d", ErrConfig, end, start)
	}
	iv := Interval{Chrom: fields[0], Start: start, End: end}
	if len(fields) > 3 {
		iv.Labels = make([]int8, 0, len(fields)-3)
		for _, f := range fields[3:] {
			v, err := strconv.Atoi(f)
			if err != nil || v < -1 || v > 1 {
				return Interval{}, fmt.Errorf("%w: bad label %q (want -1, 0, or 1)", ErrConfig, f)
			}
			iv.Labels = append(iv.Labels, int8(v))
		}
	}
	return iv, nil
}

// intervalFileWidth peeks at the first record to learn the interval
// length used throughout the file.
func intervalFileWidth(path string) (int, error) {
	r, err := openIntervalReader(path, intervalReaderOpts{NumEpochs: 1})
	if err != nil {
		return 0, err
	}
	defer r.Close()
	iv, err := r.Read()
	if errors.Is(err, ErrEndOfStream) {
		return 0, fmt.Errorf("%w: intervals file %s is empty", ErrConfig, path)
	} else if err != nil {
		return 0, err
	}
	return iv.Length(), nil
}

// countLabelValues streams one pass over an intervals file and tallies
// positive and labeled records on the last task.
func countLabelValues(path string) (pos, total int, err error) {
	r, err := openIntervalReader(path, intervalReaderOpts{NumEpochs: 1})
	if err != nil {
		return 0, 0, err
	}
	defer r.Close()
	for {
		iv, err := r.Read()
		if errors.Is(err, ErrEndOfStream) {
			return pos, total, nil
		} else if err != nil {
			return 0, 0, err
		}
		if len(iv.Labels) == 0 {
			continue
		}
		switch iv.Labels[len(iv.Labels)-1] {
		case 1:
			pos++
			total++
		case 0:
			total++
		}
	}
}
