// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package nn provides the small set of float64 neural network layers the
// caption model is built from: dense, embedding, masked LSTM, dropout, ReLU,
// softmax cross-entropy and the Adam optimizer.
//
// Layers are explicit: Forward computes outputs and, where needed, returns a
// cache; Backward consumes that cache, accumulates parameter gradients into
// Parameter.Grad and returns the gradient with respect to the input. Forward
// never mutates layer state, so a trained layer can be shared by concurrent
// readers. Backward and optimizer steps must not run concurrently.
//
// Matrices are gonum *mat.Dense with one row per batch element.
package nn

import (
	"gonum.org/v1/gonum/mat"
)

// Parameter is a trainable weight matrix and its accumulated gradient.
type Parameter struct {
	Name  string
	Value *mat.Dense
	Grad  *mat.Dense
}

// NewParameter wraps value as a trainable parameter with a zero gradient.
func NewParameter(name string, value *mat.Dense) *Parameter {
	r, c := value.Dims()
	return &Parameter{
		Name:  name,
		Value: value,
		Grad:  mat.NewDense(r, c, nil),
	}
}

// Dims returns the parameter's shape.
func (p *Parameter) Dims() (int, int) {
	return p.Value.Dims()
}

// ZeroGrad clears the accumulated gradient.
func (p *Parameter) ZeroGrad() {
	p.Grad.Zero()
}

// addRowSums adds the column sums of m to the single-row matrix dst.
func addRowSums(dst, m *mat.Dense) {
	out := dst.RawRowView(0)
	rows, _ := m.Dims()
	for i := 0; i < rows; i++ {
		row := m.RawRowView(i)
		for j, v := range row {
			out[j] += v
		}
	}
}

// addBias adds the single-row bias to every row of m in place.
func addBias(m, bias *mat.Dense) {
	b := bias.RawRowView(0)
	rows, _ := m.Dims()
	for i := 0; i < rows; i++ {
		row := m.RawRowView(i)
		for j := range row {
			row[j] += b[j]
		}
	}
}
