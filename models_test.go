// Copyright (C) The TF-Dragonn Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package tfdragonn

import (
	"errors"
	"math/rand"
	"path/filepath"

	"gonum.org/v1/gonum/mat"
	"gopkg.in/check.v1"
)

type modelsSuite struct{}

var _ = check.Suite(&modelsSuite{})

func (s *modelsSuite) TestRegistry(c *check.C) {
	_, err := modelInputsFromSpec(ModelSpec{ModelClass: "RandomForest"})
	c.Check(errors.Is(err, ErrConfig), check.Equals, true)

	_, err = modelInputsFromSpec(ModelSpec{ModelClass: "LogisticRegression"})
	c.Check(errors.Is(err, ErrConfig), check.Equals, true)

	inputs, err := modelInputsFromSpec(ModelSpec{ModelClass: "SequenceAndDnaseLogisticRegression"})
	c.Assert(err, check.IsNil)
	c.Check(inputs, check.DeepEquals, []string{"dnase_data_dir", "genome_data_dir"})

	inputs, err = modelInputsFromSpec(ModelSpec{ModelClass: "LogisticRegression", Inputs: []string{"tss_counts", "dnase_data_dir"}})
	c.Assert(err, check.IsNil)
	c.Check(inputs, check.DeepEquals, []string{"dnase_data_dir", "tss_counts"})
}

// syntheticBatch builds one batch whose labels depend on the first two
// feature dimensions, with a fraction of labels flipped.
func syntheticBatch(rnd *rand.Rand, n, dim int, flip float64) *Batch {
	data := make([]float32, n*dim)
	labels := make([][]int8, n)
	intervals := make([]Interval, n)
	for i := 0; i < n; i++ {
		z := 0.0
		for j := 0; j < dim; j++ {
			v := rnd.Float64()*2 - 1
			if j < 2 {
				v *= 3
			}
			data[i*dim+j] = float32(v)
			switch j {
			case 0:
				z += v
			case 1:
				z += 0.5 * v
			}
		}
		label := int8(0)
		if z > 0 {
			label = 1
		}
		if rnd.Float64() < flip {
			label = 1 - label
		}
		labels[i] = []int8{label}
		intervals[i] = Interval{Chrom: "chr2", Start: i * 10, End: i*10 + 10, Labels: labels[i]}
	}
	return &Batch{
		DatasetID: "ds1",
		Intervals: intervals,
		Features:  map[string]*Tensor{"genome_data_dir": {Shape: []int{n, dim}, Data: data}},
		Labels:    labels,
	}
}

func checkFitQuality(c *check.C, model Model, b *Batch, minAuPRC float64) {
	preds, err := model.Predict(b)
	c.Assert(err, check.IsNil)
	scores := make([]float64, len(preds))
	labels := make([]bool, len(preds))
	for i, row := range preds {
		scores[i] = row[0]
		labels[i] = b.Labels[i][0] == 1
	}
	got := auPRC(scores, labels)
	c.Check(got > minAuPRC, check.Equals, true, check.Commentf("auPRC %v", got))
}

func (s *modelsSuite) TestLogisticFit(c *check.C) {
	rnd := rand.New(rand.NewSource(1))
	spec := ModelSpec{ModelClass: "LogisticRegression", Inputs: []string{"genome_data_dir"}}
	model, err := newModel(spec, map[string][]int{"genome_data_dir": {5}}, 1)
	c.Assert(err, check.IsNil)
	b := syntheticBatch(rnd, 400, 5, 0.1)
	c.Assert(model.Fit([]*Batch{b}), check.IsNil)
	checkFitQuality(c, model, b, 0.85)

	// held out draw from the same distribution
	checkFitQuality(c, model, syntheticBatch(rnd, 400, 5, 0.1), 0.8)
}

func (s *modelsSuite) TestSaveLoadRoundtrip(c *check.C) {
	rnd := rand.New(rand.NewSource(2))
	spec := ModelSpec{ModelClass: "LogisticRegression", Inputs: []string{"genome_data_dir"}}
	model, err := newModel(spec, map[string][]int{"genome_data_dir": {5}}, 1)
	c.Assert(err, check.IsNil)
	b := syntheticBatch(rnd, 300, 5, 0.1)
	c.Assert(model.Fit([]*Batch{b}), check.IsNil)

	path := filepath.Join(c.MkDir(), "classifier.model.json")
	c.Assert(model.Save(path), check.IsNil)
	loaded, err := loadModel(path)
	c.Assert(err, check.IsNil)
	c.Check(loaded.Class(), check.Equals, "LogisticRegression")
	c.Check(loaded.Inputs(), check.DeepEquals, model.Inputs())

	want, err := model.Predict(b)
	c.Assert(err, check.IsNil)
	got, err := loaded.Predict(b)
	c.Assert(err, check.IsNil)
	c.Check(got, check.DeepEquals, want)
}

func (s *modelsSuite) TestPCALogisticFit(c *check.C) {
	rnd := rand.New(rand.NewSource(3))
	spec := ModelSpec{
		ModelClass:    "PCALogisticRegression",
		Inputs:        []string{"genome_data_dir"},
		NumComponents: 2,
	}
	model, err := newModel(spec, map[string][]int{"genome_data_dir": {5}}, 1)
	c.Assert(err, check.IsNil)
	b := syntheticBatch(rnd, 400, 5, 0.1)
	c.Assert(model.Fit([]*Batch{b}), check.IsNil)
	checkFitQuality(c, model, b, 0.75)

	// too many components for the feature dimension
	_, err = newModel(ModelSpec{
		ModelClass:    "PCALogisticRegression",
		Inputs:        []string{"genome_data_dir"},
		NumComponents: 5,
	}, map[string][]int{"genome_data_dir": {5}}, 1)
	c.Check(errors.Is(err, ErrConfig), check.Equals, true)
}

func (s *modelsSuite) TestAffineFold(c *check.C) {
	p := &affineMap{a: mat.NewDense(2, 3, []float64{
		1, 0, 2,
		0, 3, 1,
	}), c: []float64{0.5, -1}, k: 2, d: 3}
	x := []float64{1, 2, 3}
	y := p.apply(x)
	c.Check(y, check.DeepEquals, []float64{7.5, 8})

	// reduced-space weights evaluated on y must equal folded raw
	// weights evaluated on x
	w := []float64{0.25, 1.5, -2}
	zReduced := w[0] + w[1]*y[0] + w[2]*y[1]
	folded := p.foldInto(w)
	zRaw := folded[0]
	for j, v := range x {
		zRaw += folded[j+1] * v
	}
	c.Check(zRaw, check.Equals, zReduced)
}

func (s *modelsSuite) TestCollinearFeatures(c *check.C) {
	rnd := rand.New(rand.NewSource(4))
	spec := ModelSpec{ModelClass: "LogisticRegression", Inputs: []string{"genome_data_dir"}}
	model, err := newModel(spec, map[string][]int{"genome_data_dir": {4}}, 1)
	c.Assert(err, check.IsNil)
	b := syntheticBatch(rnd, 300, 4, 0.1)
	// duplicate one informative column and make another constant, so
	// the design matrix is rank deficient in both the feature block
	// and against the intercept
	tensor := b.Features["genome_data_dir"]
	for i := 0; i < tensor.Rows(); i++ {
		row := tensor.Row(i)
		row[2] = row[0]
		row[3] = 1
	}
	c.Assert(model.Fit([]*Batch{b}), check.IsNil)
	checkFitQuality(c, model, b, 0.8)
}

func (s *modelsSuite) TestIndependentColumns(c *check.C) {
	rows := [][]float64{
		{1, 2, 3, 5, 7},
		{2, 1, 3, 5, 7},
		{0, 1, 1, 5, 7},
		{1, 0, 1, 5, 7},
	}
	// column 2 = column 0 + column 1, columns 3 and 4 are constant
	c.Check(independentColumns(rows, 5), check.DeepEquals, []int{0, 1})
}

func (s *modelsSuite) TestAmbiguousLabelsSkipped(c *check.C) {
	x := [][]float64{{0}, {1}, {2}, {3}, {1.5}}
	labels := [][]int8{{0}, {1}, {0}, {1}, {-1}}
	w, err := fitTaskGLM(x, labels, 0, 1)
	c.Assert(err, check.IsNil)
	c.Check(w, check.HasLen, 2)
}
