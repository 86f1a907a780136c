// Copyright (C) The TF-Dragonn Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package tfdragonn

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/klauspost/pgzip"
	"github.com/kshedden/gonpy"
	log "github.com/sirupsen/logrus"
)

type importtrack struct{}

// import-track converts per-chromosome numpy arrays into a compressed
// track directory. V-plot arrays arrive as [positions, channels] and
// are stored transposed so position slices stay contiguous per channel.
func (cmd *importtrack) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	outdir := flags.String("o", "", "output track `directory`")
	trackType := flags.String("type", trackTypeArray, "track `type` (array_npy or vplot_npy)")
	maxParallel := flags.Int("max-parallel", 4, "maximum chromosomes to convert concurrently")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	}
	if *outdir == "" || flags.NArg() == 0 {
		err = fmt.Errorf("usage: %s import-track -o dir [options] chrom=source.npy ...", prog)
		return 2
	}
	if *trackType != trackTypeArray && *trackType != trackTypeVplot {
		err = fmt.Errorf("%w: track type %q (want %q or %q)", ErrConfig, *trackType, trackTypeArray, trackTypeVplot)
		return 1
	}
	sources := map[string]string{}
	for _, arg := range flags.Args() {
		parts := strings.SplitN(arg, "=", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			err = fmt.Errorf("%w: argument %q is not chrom=source.npy", ErrConfig, arg)
			return 1
		}
		chrom, path := parts[0], parts[1]
		if _, dup := sources[chrom]; dup {
			err = fmt.Errorf("%w: chromosome %q given twice", ErrConfig, chrom)
			return 1
		}
		sources[chrom] = path
	}
	if err = os.MkdirAll(*outdir, 0777); err != nil {
		return 1
	}

	shapes := map[string][]int{}
	var mtx sync.Mutex
	var workers throttle
	workers.Max = *maxParallel
	for chrom, path := range sources {
		chrom, path := chrom, path
		workers.Go(func() error {
			shape, err := importChromosome(*outdir, chrom, path, *trackType)
			if err != nil {
				return fmt.Errorf("%s: %w", chrom, err)
			}
			mtx.Lock()
			shapes[chrom] = shape
			mtx.Unlock()
			log.Infof("imported %s %v", chrom, shape)
			return nil
		})
	}
	if err = workers.Wait(); err != nil {
		return 1
	}
	if err = writeTrackMetadata(*outdir, *trackType, shapes); err != nil {
		return 1
	}
	fmt.Fprintln(stdout, *outdir)
	return 0
}

func importChromosome(outdir, chrom, path, trackType string) ([]int, error) {
	data, shape, err := readNpy(path)
	if err != nil {
		return nil, err
	}
	if trackType == trackTypeVplot {
		if len(shape) != 2 {
			return nil, fmt.Errorf("%w: v-plot source %s has shape %v, expected 2 dimensions", ErrShapeMismatch, path, shape)
		}
		data, shape = transpose2D(data, shape)
	}
	if err := os.MkdirAll(filepath.Join(outdir, chrom), 0777); err != nil {
		return nil, err
	}
	if err := writeCompressedArray(filepath.Join(outdir, chrom, trackArrayFile), shape, data); err != nil {
		return nil, err
	}
	return shape, nil
}

func transpose2D(data []float32, shape []int) ([]float32, []int) {
	rows, cols := shape[0], shape[1]
	out := make([]float32, len(data))
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			out[j*rows+i] = data[i*cols+j]
		}
	}
	return out, []int{cols, rows}
}

func readNpy(path string) ([]float32, []int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()
	npy, err := gonpy.NewReader(f)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	var data []float32
	switch npy.Dtype {
	case "f4":
		data, err = npy.GetFloat32()
	case "f8":
		var d64 []float64
		d64, err = npy.GetFloat64()
		if err == nil {
			data = make([]float32, len(d64))
			for i, v := range d64 {
				data[i] = float32(v)
			}
		}
	default:
		return nil, nil, fmt.Errorf("%w: %s has dtype %q (want f4 or f8)", ErrUnsupportedConfig, path, npy.Dtype)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	return data, npy.Shape, nil
}

// writeCompressedArray stores a float32 array as gzipped npy.
func writeCompressedArray(path string, shape []int, data []float32) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0666)
	if err != nil {
		return err
	}
	gz := pgzip.NewWriter(f)
	bufw := bufio.NewWriter(gz)
	npw, err := gonpy.NewWriter(nopCloser{bufw})
	if err != nil {
		f.Close()
		return err
	}
	npw.Shape = shape
	if err := npw.WriteFloat32(data); err != nil {
		f.Close()
		return err
	}
	if err := bufw.Flush(); err != nil {
		f.Close()
		return err
	}
	if err := gz.Close(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func writeTrackMetadata(dir, trackType string, shapes map[string][]int) error {
	buf, err := json.MarshalIndent(trackMetadata{Type: trackType, FileShapes: shapes}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, trackMetadataFile), append(buf, '\n'), 0666)
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }
