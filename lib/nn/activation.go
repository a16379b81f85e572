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
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// ReLU returns max(0, x) element-wise.
func ReLU(x *mat.Dense) *mat.Dense {
	var y mat.Dense
	y.Apply(func(_, _ int, v float64) float64 {
		return math.Max(0, v)
	}, x)
	return &y
}

// ReLUBackward masks dy by the positive entries of the forward output y.
func ReLUBackward(y, dy *mat.Dense) *mat.Dense {
	var dx mat.Dense
	dx.Apply(func(i, j int, v float64) float64 {
		if y.At(i, j) > 0 {
			return v
		}
		return 0
	}, dy)
	return &dx
}

// Softmax normalizes each row of logits into a probability distribution.
func Softmax(logits *mat.Dense) *mat.Dense {
	p := mat.DenseCopyOf(logits)
	rows, _ := p.Dims()
	for i := 0; i < rows; i++ {
		row := p.RawRowView(i)
		mx := floats.Max(row)
		for j, v := range row {
			row[j] = math.Exp(v - mx)
		}
		floats.Scale(1/floats.Sum(row), row)
	}
	return p
}

// Dropout zeroes inputs with probability Rate during training and scales the
// survivors by 1/(1-Rate). At inference it is the identity.
type Dropout struct {
	Rate float64
}

// Forward applies dropout using rng. A nil rng (inference) or zero rate
// returns x unchanged and a nil mask.
func (d Dropout) Forward(x *mat.Dense, rng *rand.Rand) (*mat.Dense, *mat.Dense) {
	if rng == nil || d.Rate <= 0 {
		return x, nil
	}
	r, c := x.Dims()
	keep := 1 / (1 - d.Rate)
	data := make([]float64, r*c)
	for i := range data {
		if rng.Float64() >= d.Rate {
			data[i] = keep
		}
	}
	mask := mat.NewDense(r, c, data)
	var y mat.Dense
	y.MulElem(x, mask)
	return &y, mask
}

// Backward routes dy through the mask returned by Forward.
func (d Dropout) Backward(dy, mask *mat.Dense) *mat.Dense {
	if mask == nil {
		return dy
	}
	var dx mat.Dense
	dx.MulElem(dy, mask)
	return &dx
}
