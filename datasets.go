// Copyright (C) The TF-Dragonn Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package tfdragonn

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
)

// InputSpec describes one input modality of a dataset: either a bare
// path (track directories) or an object with a file path and extractor
// options (bed-backed statistics).
type InputSpec struct {
	Path    string
	Options map[string]string
}

func (s *InputSpec) UnmarshalJSON(data []byte) error {
	var path string
	if err := json.Unmarshal(data, &path); err == nil {
		s.Path = path
		return nil
	}
	var full struct {
		Filepath string            `json:"filepath"`
		Options  map[string]string `json:"options"`
	}
	if err := json.Unmarshal(data, &full); err != nil {
		return err
	}
	if full.Filepath == "" {
		return fmt.Errorf("%w: input spec needs a path or a filepath field", ErrConfig)
	}
	s.Path = full.Filepath
	s.Options = full.Options
	return nil
}

// Dataset is one cell-type/assay dataset: its input modalities, its
// labeled intervals file, and the ordered task names. The id is unique
// within a run and namespaces per-dataset side files and queue names.
type Dataset struct {
	ID            string               `json:"-"`
	Inputs        map[string]InputSpec `json:"inputs"`
	IntervalsFile string               `json:"intervals_file"`
	TaskNames     []string             `json:"task_names"`
}

// Modality name to extractor kind, plus per-modality default options
// for the bed-backed extractors.
var modalityExtractors = map[string]string{
	"genome_data_dir": "track",
	"dnase_data_dir":  "track",
	"HelT_data_dir":   "track",
	"MGW_data_dir":    "track",
	"OC2_data_dir":    "track",
	"ProT_data_dir":   "track",
	"Roll_data_dir":   "track",
	"tss_counts":      "bed",
	"dhs_counts":      "bed",
	"tss_mean_tpm":    "bed",
	"tss_max_tpm":     "bed",
}

var modalityDefaults = map[string]map[string]string{
	"tss_counts":   {"op": "count"},
	"dhs_counts":   {"op": "count"},
	"tss_mean_tpm": {"op": "mean", "norm_params": normAsinhZscore},
	"tss_max_tpm":  {"op": "max", "norm_params": normAsinhZscore},
}

// parseInputsAndIntervals reads a datasetspec file and merges the
// per-dataset intervals_file overrides from an intervalspec file. Task
// names may live at the top level of the intervalspec or per dataset in
// the datasetspec; all datasets must agree on them.
func parseInputsAndIntervals(datasetspec, intervalspec string) (map[string]*Dataset, []string, error) {
	buf, err := os.ReadFile(datasetspec)
	if err != nil {
		return nil, nil, err
	}
	raw := map[string]json.RawMessage{}
	if err := json.Unmarshal(buf, &raw); err != nil {
		return nil, nil, fmt.Errorf("%s: %w", datasetspec, err)
	}
	datasets := map[string]*Dataset{}
	for id, msg := range raw {
		if id == "task_names" {
			continue
		}
		ds := &Dataset{ID: id}
		if err := json.Unmarshal(msg, ds); err != nil {
			return nil, nil, fmt.Errorf("%s: dataset %s: %w", datasetspec, id, err)
		}
		datasets[id] = ds
	}
	if len(datasets) == 0 {
		return nil, nil, fmt.Errorf("%w: %s defines no datasets", ErrConfig, datasetspec)
	}

	intervalsFiles, taskNames, err := parseIntervalSpec(intervalspec)
	if err != nil {
		return nil, nil, err
	}
	for id, path := range intervalsFiles {
		ds, ok := datasets[id]
		if !ok {
			return nil, nil, fmt.Errorf("%w: intervalspec dataset %q not present in %s", ErrConfig, id, datasetspec)
		}
		ds.IntervalsFile = path
	}
	for _, id := range sortedDatasetIDs(datasets) {
		ds := datasets[id]
		if ds.IntervalsFile == "" {
			return nil, nil, fmt.Errorf("%w: dataset %q has no intervals_file", ErrConfig, id)
		}
		if taskNames == nil {
			taskNames = ds.TaskNames
		} else if ds.TaskNames != nil && !stringsEqual(ds.TaskNames, taskNames) {
			return nil, nil, fmt.Errorf("%w: dataset %q task names %v differ from %v", ErrConfig, id, ds.TaskNames, taskNames)
		}
		for modality := range ds.Inputs {
			if _, ok := modalityExtractors[modality]; !ok {
				return nil, nil, fmt.Errorf("%w: dataset %q has unknown input modality %q", ErrConfig, id, modality)
			}
		}
	}
	if len(taskNames) == 0 {
		return nil, nil, fmt.Errorf("%w: no task names in %s or %s", ErrConfig, datasetspec, intervalspec)
	}
	return datasets, taskNames, nil
}

func parseIntervalSpec(path string) (map[string]string, []string, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	raw := map[string]json.RawMessage{}
	if err := json.Unmarshal(buf, &raw); err != nil {
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	var taskNames []string
	files := map[string]string{}
	for id, msg := range raw {
		if id == "task_names" {
			if err := json.Unmarshal(msg, &taskNames); err != nil {
				return nil, nil, fmt.Errorf("%s: task_names: %w", path, err)
			}
			continue
		}
		var ent struct {
			IntervalsFile string `json:"intervals_file"`
		}
		if err := json.Unmarshal(msg, &ent); err != nil {
			return nil, nil, fmt.Errorf("%s: dataset %s: %w", path, id, err)
		}
		if ent.IntervalsFile == "" {
			return nil, nil, fmt.Errorf("%w: %s: dataset %q has no intervals_file", ErrConfig, path, id)
		}
		files[id] = ent.IntervalsFile
	}
	return files, taskNames, nil
}

func sortedDatasetIDs(datasets map[string]*Dataset) []string {
	ids := make([]string, 0, len(datasets))
	for id := range datasets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func stringsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
