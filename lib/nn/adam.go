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

	"gonum.org/v1/gonum/mat"
)

// AdamConfig holds the Adam hyperparameters.
type AdamConfig struct {
	LR    float64
	Beta1 float64
	Beta2 float64
	Eps   float64
}

// DefaultAdamConfig returns lr 0.001, betas (0.9, 0.999), eps 1e-7.
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{LR: 0.001, Beta1: 0.9, Beta2: 0.999, Eps: 1e-7}
}

// Adam implements the Adam optimizer with bias-corrected moment estimates.
//
//	for each batch {
//	    loss := model.forwardBackward(batch)
//	    opt.Step()
//	    opt.ZeroGrad()
//	}
type Adam struct {
	params []*Parameter
	cfg    AdamConfig
	t      int
	m      []*mat.Dense
	v      []*mat.Dense
}

// NewAdam creates an optimizer over params. Zero fields in cfg take the
// defaults.
func NewAdam(params []*Parameter, cfg AdamConfig) *Adam {
	def := DefaultAdamConfig()
	if cfg.LR == 0 {
		cfg.LR = def.LR
	}
	if cfg.Beta1 == 0 {
		cfg.Beta1 = def.Beta1
	}
	if cfg.Beta2 == 0 {
		cfg.Beta2 = def.Beta2
	}
	if cfg.Eps == 0 {
		cfg.Eps = def.Eps
	}
	a := &Adam{
		params: params,
		cfg:    cfg,
		m:      make([]*mat.Dense, len(params)),
		v:      make([]*mat.Dense, len(params)),
	}
	for i, p := range params {
		r, c := p.Dims()
		a.m[i] = mat.NewDense(r, c, nil)
		a.v[i] = mat.NewDense(r, c, nil)
	}
	return a
}

// Step applies one update from the accumulated gradients.
func (a *Adam) Step() {
	a.t++
	bc1 := 1 - math.Pow(a.cfg.Beta1, float64(a.t))
	bc2 := 1 - math.Pow(a.cfg.Beta2, float64(a.t))
	b1, b2 := a.cfg.Beta1, a.cfg.Beta2

	for i, p := range a.params {
		r, _ := p.Dims()
		for row := 0; row < r; row++ {
			w := p.Value.RawRowView(row)
			g := p.Grad.RawRowView(row)
			m := a.m[i].RawRowView(row)
			v := a.v[i].RawRowView(row)
			for j := range w {
				m[j] = b1*m[j] + (1-b1)*g[j]
				v[j] = b2*v[j] + (1-b2)*g[j]*g[j]
				mHat := m[j] / bc1
				vHat := v[j] / bc2
				w[j] -= a.cfg.LR * mHat / (math.Sqrt(vHat) + a.cfg.Eps)
			}
		}
	}
}

// ZeroGrad clears the gradients of every parameter.
func (a *Adam) ZeroGrad() {
	for _, p := range a.params {
		p.ZeroGrad()
	}
}

// Timestep returns the number of steps taken.
func (a *Adam) Timestep() int {
	return a.t
}
