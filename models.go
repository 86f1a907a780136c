// Copyright (C) The TF-Dragonn Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package tfdragonn

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"sort"

	"github.com/james-bowman/nlp"
	"github.com/kshedden/statmodel/glm"
	"github.com/kshedden/statmodel/statmodel"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

var glmConfig = &glm.Config{
	Family:         glm.NewFamily(glm.BinomialFamily),
	FitMethod:      "IRLS",
	ConcurrentIRLS: 1000,
	Log:            log.New(io.Discard, "", 0),
}

// ModelSpec is the parsed modelspec file: a model class name from the
// registry plus class-specific parameters.
type ModelSpec struct {
	ModelClass    string   `json:"model_class"`
	Inputs        []string `json:"inputs"`
	NumComponents int      `json:"num_components"`
}

func parseModelSpec(path string) (ModelSpec, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return ModelSpec{}, err
	}
	var spec ModelSpec
	if err := json.Unmarshal(buf, &spec); err != nil {
		return ModelSpec{}, fmt.Errorf("%s: %w", path, err)
	}
	if spec.ModelClass == "" {
		return ModelSpec{}, fmt.Errorf("%w: %s has no model_class", ErrConfig, path)
	}
	return spec, nil
}

// Model is a multi-task classifier fed by a GenomeFlow queue.
type Model interface {
	Class() string
	Inputs() []string
	NumTasks() int
	// Fit trains on the accumulated batches from scratch.
	Fit(batches []*Batch) error
	// Predict returns per-task positive-class probabilities, one row
	// per batch example.
	Predict(b *Batch) ([][]float64, error)
	Save(path string) error
}

type modelClass struct {
	// fixedInputs, when non-nil, overrides the modelspec's inputs.
	fixedInputs []string
	pca         bool
}

var modelClasses = map[string]modelClass{
	"LogisticRegression":                 {},
	"SequenceAndDnaseLogisticRegression": {fixedInputs: []string{"genome_data_dir", "dnase_data_dir"}},
	"PCALogisticRegression":              {pca: true},
}

const defaultPCAComponents = 16

// modelInputsFromSpec resolves which input modalities a modelspec
// consumes, before any data is loaded.
func modelInputsFromSpec(spec ModelSpec) ([]string, error) {
	class, ok := modelClasses[spec.ModelClass]
	if !ok {
		return nil, fmt.Errorf("%w: unknown model class %q", ErrConfig, spec.ModelClass)
	}
	inputs := class.fixedInputs
	if inputs == nil {
		inputs = spec.Inputs
	}
	if len(inputs) == 0 {
		return nil, fmt.Errorf("%w: model class %q needs an inputs list", ErrConfig, spec.ModelClass)
	}
	inputs = append([]string(nil), inputs...)
	sort.Strings(inputs)
	return inputs, nil
}

// newModel builds a model from the registry. inputShapes fixes the
// flattened feature layout so saved weights stay valid across runs.
func newModel(spec ModelSpec, inputShapes map[string][]int, numTasks int) (Model, error) {
	class, ok := modelClasses[spec.ModelClass]
	if !ok {
		return nil, fmt.Errorf("%w: unknown model class %q", ErrConfig, spec.ModelClass)
	}
	inputs, err := modelInputsFromSpec(spec)
	if err != nil {
		return nil, err
	}
	dim := 0
	for _, name := range inputs {
		shape, ok := inputShapes[name]
		if !ok {
			return nil, fmt.Errorf("%w: no shape for model input %q", ErrConfig, name)
		}
		dim += rowWidthOf(append([]int{1}, shape...))
	}
	if numTasks <= 0 {
		return nil, fmt.Errorf("%w: model needs at least one task", ErrConfig)
	}
	m := &logisticModel{
		class:    spec.ModelClass,
		inputs:   inputs,
		numTasks: numTasks,
		dim:      dim,
	}
	if class.pca {
		m.components = spec.NumComponents
		if m.components <= 0 {
			m.components = defaultPCAComponents
		}
		if m.components >= dim {
			return nil, fmt.Errorf("%w: %d components for %d features", ErrConfig, m.components, dim)
		}
	}
	return m, nil
}

// logisticModel is a per-task logistic regression over the flattened,
// concatenated input features. With components > 0 the features are
// PCA-reduced before fitting and the projection is folded back into the
// raw-space weights, so the saved form is always one affine map per
// task: weights[task] = [intercept, w_0 .. w_{dim-1}].
type logisticModel struct {
	class      string
	inputs     []string
	numTasks   int
	dim        int
	components int
	weights    [][]float64
}

func (m *logisticModel) Class() string    { return m.class }
func (m *logisticModel) Inputs() []string { return m.inputs }
func (m *logisticModel) NumTasks() int    { return m.numTasks }

// featurize flattens one example's feature tensors in input-name order.
func (m *logisticModel) featurize(b *Batch, row int, dst []float64) error {
	off := 0
	for _, name := range m.inputs {
		tensor, ok := b.Features[name]
		if !ok {
			return fmt.Errorf("%w: batch has no feature %q", ErrConfig, name)
		}
		for _, v := range tensor.Row(row) {
			dst[off] = float64(v)
			off++
		}
	}
	if off != m.dim {
		return fmt.Errorf("%w: %d features per example, model expects %d", ErrShapeMismatch, off, m.dim)
	}
	return nil
}

func (m *logisticModel) designMatrix(batches []*Batch) ([][]float64, [][]int8, error) {
	var x [][]float64
	var labels [][]int8
	for _, b := range batches {
		for i := range b.Intervals {
			row := make([]float64, m.dim)
			if err := m.featurize(b, i, row); err != nil {
				return nil, nil, err
			}
			x = append(x, row)
			labels = append(labels, b.Labels[i])
		}
	}
	if len(x) == 0 {
		return nil, nil, fmt.Errorf("%w: no examples to fit", ErrConfig)
	}
	return x, labels, nil
}

func (m *logisticModel) Fit(batches []*Batch) error {
	x, labels, err := m.designMatrix(batches)
	if err != nil {
		return err
	}
	var project *affineMap
	if m.components > 0 {
		project, err = fitPCA(x, m.components)
		if err != nil {
			return err
		}
		for i, row := range x {
			x[i] = project.apply(row)
		}
	}
	featDim := m.dim
	if project != nil {
		featDim = m.components
	}
	weights := make([][]float64, m.numTasks)
	for task := 0; task < m.numTasks; task++ {
		w, err := fitTaskGLM(x, labels, task, featDim)
		if err != nil {
			return fmt.Errorf("task %d: %w", task, err)
		}
		if project != nil {
			w = project.foldInto(w)
		}
		weights[task] = w
	}
	m.weights = weights
	return nil
}

func (m *logisticModel) Predict(b *Batch) ([][]float64, error) {
	if m.weights == nil {
		return nil, fmt.Errorf("%w: model is not fitted", ErrConfig)
	}
	out := make([][]float64, len(b.Intervals))
	row := make([]float64, m.dim)
	for i := range b.Intervals {
		if err := m.featurize(b, i, row); err != nil {
			return nil, err
		}
		scores := make([]float64, m.numTasks)
		for task, w := range m.weights {
			z := w[0]
			for j, v := range row {
				z += w[j+1] * v
			}
			scores[task] = 1 / (1 + math.Exp(-z))
		}
		out[i] = scores
	}
	return out, nil
}

// fitTaskGLM fits one task's logistic regression by IRLS, skipping
// ambiguous (-1) labels. Collinear feature columns are dropped before
// the fit and keep weight zero: IRLS cannot invert a singular
// information matrix, and genomic tensors (one-hot rows, constant
// tracks) are routinely rank-deficient. Returns
// [intercept, w_0 .. w_{featDim-1}].
func fitTaskGLM(x [][]float64, labels [][]int8, task, featDim int) (w []float64, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: logistic fit: %v", ErrConfig, p)
		}
	}()
	var outcome []statmodel.Dtype
	var rows [][]float64
	for i, row := range x {
		label := labels[i][task]
		if label < 0 {
			continue
		}
		outcome = append(outcome, statmodel.Dtype(label))
		rows = append(rows, row)
	}
	if len(outcome) == 0 {
		return nil, fmt.Errorf("%w: no unambiguous labels", ErrConfig)
	}
	keep := independentColumns(rows, featDim)
	constants := make([]statmodel.Dtype, len(rows))
	for i := range constants {
		constants[i] = 1
	}
	data := [][]statmodel.Dtype{outcome, constants}
	names := []string{"outcome", "constants"}
	for _, j := range keep {
		col := make([]statmodel.Dtype, len(rows))
		for i, row := range rows {
			col[i] = statmodel.Dtype(row[j])
		}
		data = append(data, col)
		names = append(names, fmt.Sprintf("x%d", j))
	}
	dataset := statmodel.NewDataset(data, names)
	model, err := glm.NewGLM(dataset, "outcome", names[1:], glmConfig)
	if err != nil {
		return nil, err
	}
	result := model.Fit()
	params := result.Params()
	if len(params) != len(keep)+1 {
		return nil, fmt.Errorf("%w: IRLS returned %d parameters for %d features", ErrShapeMismatch, len(params), len(keep))
	}
	w = make([]float64, featDim+1)
	w[0] = params[0]
	for i, j := range keep {
		w[j+1] = params[i+1]
	}
	return w, nil
}

// independentColumns selects a maximal set of feature columns that are
// linearly independent of each other and of the intercept, by modified
// Gram-Schmidt with a relative tolerance.
func independentColumns(rows [][]float64, featDim int) []int {
	n := len(rows)
	ones := make([]float64, n)
	for i := range ones {
		ones[i] = 1 / math.Sqrt(float64(n))
	}
	basis := [][]float64{ones}
	var keep []int
	for j := 0; j < featDim; j++ {
		v := make([]float64, n)
		for i, row := range rows {
			v[i] = row[j]
		}
		norm0 := floats.Norm(v, 2)
		for _, b := range basis {
			floats.AddScaled(v, -floats.Dot(v, b), b)
		}
		norm := floats.Norm(v, 2)
		if norm <= 1e-8*(1+norm0) {
			continue
		}
		floats.Scale(1/norm, v)
		basis = append(basis, v)
		keep = append(keep, j)
	}
	return keep
}

// affineMap is y = A x + c with A of size k×d.
type affineMap struct {
	a    *mat.Dense
	c    []float64
	k, d int
}

func (p *affineMap) apply(x []float64) []float64 {
	y := make([]float64, p.k)
	for i := 0; i < p.k; i++ {
		v := p.c[i]
		for j := 0; j < p.d; j++ {
			v += p.a.At(i, j) * x[j]
		}
		y[i] = v
	}
	return y
}

// foldInto rewrites reduced-space logistic weights [b, w_0..w_{k-1}]
// as raw-space weights [b + w·c, (A^T w)_0 .. (A^T w)_{d-1}].
func (p *affineMap) foldInto(w []float64) []float64 {
	out := make([]float64, p.d+1)
	out[0] = w[0]
	for i := 0; i < p.k; i++ {
		out[0] += w[i+1] * p.c[i]
		for j := 0; j < p.d; j++ {
			out[j+1] += w[i+1] * p.a.At(i, j)
		}
	}
	return out
}

// fitPCA learns a k-component projection of the design matrix and
// recovers it as an explicit affine map by transforming the standard
// basis alongside the zero vector.
func fitPCA(x [][]float64, k int) (*affineMap, error) {
	d := len(x[0])
	n := len(x)
	if n < k {
		return nil, fmt.Errorf("%w: %d examples for %d components", ErrConfig, n, k)
	}
	samples := mat.NewDense(d, n, nil)
	for j, row := range x {
		for i, v := range row {
			samples.Set(i, j, v)
		}
	}
	transformer := nlp.NewPCA(k)
	transformer.Fit(samples)

	basis := mat.NewDense(d, d+1, nil)
	for i := 0; i < d; i++ {
		basis.Set(i, i, 1)
	}
	transformed, err := transformer.Transform(basis)
	if err != nil {
		return nil, err
	}
	p := &affineMap{a: mat.NewDense(k, d, nil), c: make([]float64, k), k: k, d: d}
	for i := 0; i < k; i++ {
		p.c[i] = transformed.At(i, d)
		for j := 0; j < d; j++ {
			p.a.Set(i, j, transformed.At(i, j)-p.c[i])
		}
	}
	return p, nil
}

type savedModel struct {
	ModelClass string      `json:"model_class"`
	Inputs     []string    `json:"inputs"`
	NumTasks   int         `json:"num_tasks"`
	Dim        int         `json:"dim"`
	Weights    [][]float64 `json:"weights"`
}

func (m *logisticModel) Save(path string) error {
	if m.weights == nil {
		return fmt.Errorf("%w: model is not fitted", ErrConfig)
	}
	buf, err := json.MarshalIndent(savedModel{
		ModelClass: m.class,
		Inputs:     m.inputs,
		NumTasks:   m.numTasks,
		Dim:        m.dim,
		Weights:    m.weights,
	}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(buf, '\n'), 0666)
}

func loadModel(path string) (Model, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var saved savedModel
	if err := json.Unmarshal(buf, &saved); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if _, ok := modelClasses[saved.ModelClass]; !ok {
		return nil, fmt.Errorf("%w: %s has unknown model class %q", ErrConfig, path, saved.ModelClass)
	}
	if len(saved.Weights) != saved.NumTasks {
		return nil, fmt.Errorf("%w: %s has %d weight rows for %d tasks", ErrShapeMismatch, path, len(saved.Weights), saved.NumTasks)
	}
	for _, w := range saved.Weights {
		if len(w) != saved.Dim+1 {
			return nil, fmt.Errorf("%w: %s has a weight row of %d values, want %d", ErrShapeMismatch, path, len(w), saved.Dim+1)
		}
	}
	return &logisticModel{
		class:    saved.ModelClass,
		inputs:   saved.Inputs,
		numTasks: saved.NumTasks,
		dim:      saved.Dim,
		weights:  saved.Weights,
	}, nil
}
