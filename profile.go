// Copyright (C) The TF-Dragonn Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package tfdragonn

import (
	"os"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"time"

	log "github.com/sirupsen/logrus"
)

// writeProfilesPeriodically dumps CPU and heap profiles into dir once a
// minute, so long training runs can be inspected after the fact. Each
// profile is written to a temporary name and renamed into place, so a
// reader never sees a partial file.
func writeProfilesPeriodically(dir string) {
	for range time.NewTicker(time.Minute).C {
		if err := writeHeapProfile(filepath.Join(dir, "heap.prof")); err != nil {
			log.Warnf("heap profile: %s", err)
		}
		if err := writeCPUProfile(filepath.Join(dir, "cpu.prof"), time.Second); err != nil {
			log.Warnf("cpu profile: %s", err)
		}
	}
}

func writeCPUProfile(path string, d time.Duration) error {
	f, err := os.OpenFile(path+"~", os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0666)
	if err != nil {
		return err
	}
	runtime.GC()
	if err := pprof.StartCPUProfile(f); err != nil {
		f.Close()
		return err
	}
	time.Sleep(d)
	pprof.StopCPUProfile()
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(path+"~", path)
}

func writeHeapProfile(path string) error {
	f, err := os.OpenFile(path+"~", os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0666)
	if err != nil {
		return err
	}
	runtime.GC()
	if err := pprof.WriteHeapProfile(f); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(path+"~", path)
}
