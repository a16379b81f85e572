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

	"gonum.org/v1/gonum/mat"
)

// NewRand returns a deterministic generator for weight initialization and
// dropout masks.
func NewRand(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// GlorotUniform draws a rows×cols matrix from U(-limit, limit) with
// limit = sqrt(6 / (rows + cols)).
func GlorotUniform(rng *rand.Rand, rows, cols int) *mat.Dense {
	return Uniform(rng, rows, cols, math.Sqrt(6.0/float64(rows+cols)))
}

// Uniform draws a rows×cols matrix from U(-limit, limit).
func Uniform(rng *rand.Rand, rows, cols int, limit float64) *mat.Dense {
	data := make([]float64, rows*cols)
	for i := range data {
		data[i] = (rng.Float64()*2 - 1) * limit
	}
	return mat.NewDense(rows, cols, data)
}

// Orthogonal returns a rows×cols matrix with orthonormal rows or columns
// (whichever is shorter), taken from the QR decomposition of a Gaussian
// matrix with the signs of R's diagonal folded in.
func Orthogonal(rng *rand.Rand, rows, cols int) *mat.Dense {
	n, m := rows, cols
	if n < m {
		n, m = m, n
	}
	data := make([]float64, n*m)
	for i := range data {
		data[i] = rng.NormFloat64()
	}
	a := mat.NewDense(n, m, data)

	var qr mat.QR
	qr.Factorize(a)
	var q, r mat.Dense
	qr.QTo(&q)
	qr.RTo(&r)

	out := mat.NewDense(n, m, nil)
	out.Copy(q.Slice(0, n, 0, m))
	for j := 0; j < m; j++ {
		if r.At(j, j) < 0 {
			for i := 0; i < n; i++ {
				out.Set(i, j, -out.At(i, j))
			}
		}
	}
	if rows < cols {
		return mat.DenseCopyOf(out.T())
	}
	return out
}
