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

package nn

import (
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
)

// Dense is a fully connected layer y = xW + b.
type Dense struct {
	Weight *Parameter // in×out
	Bias   *Parameter // 1×out
}

// NewDense creates a Glorot-initialized dense layer with zero bias.
func NewDense(name string, in, out int, rng *rand.Rand) *Dense {
	return &Dense{
		Weight: NewParameter(name+".kernel", GlorotUniform(rng, in, out)),
		Bias:   NewParameter(name+".bias", mat.NewDense(1, out, nil)),
	}
}

// In returns the input width.
func (d *Dense) In() int {
	r, _ := d.Weight.Dims()
	return r
}

// Out returns the output width.
func (d *Dense) Out() int {
	_, c := d.Weight.Dims()
	return c
}

// Parameters returns the layer's trainable parameters.
func (d *Dense) Parameters() []*Parameter {
	return []*Parameter{d.Weight, d.Bias}
}

// Forward computes xW + b for a batch×in input.
func (d *Dense) Forward(x *mat.Dense) *mat.Dense {
	rows, _ := x.Dims()
	y := mat.NewDense(rows, d.Out(), nil)
	y.Mul(x, d.Weight.Value)
	addBias(y, d.Bias.Value)
	return y
}

// Backward accumulates weight gradients for the forward input x and output
// gradient dy, and returns the gradient with respect to x.
func (d *Dense) Backward(x, dy *mat.Dense) *mat.Dense {
	var gw mat.Dense
	gw.Mul(x.T(), dy)
	d.Weight.Grad.Add(d.Weight.Grad, &gw)
	addRowSums(d.Bias.Grad, dy)

	rows, _ := x.Dims()
	dx := mat.NewDense(rows, d.In(), nil)
	dx.Mul(dy, d.Weight.Value.T())
	return dx
}
