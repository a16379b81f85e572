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

// LSTM is a single recurrent layer that returns its final hidden state.
//
// Gates are packed in the order input, forget, cell, output along the
// second axis of Kernel, Recurrent and Bias. A masked-out time step leaves
// both hidden and cell state unchanged, so pre-padded sequences behave as if
// the padding were absent.
type LSTM struct {
	Units     int
	Kernel    *Parameter // in×4u
	Recurrent *Parameter // u×4u
	Bias      *Parameter // 1×4u
}

// NewLSTM creates an LSTM with a Glorot-uniform kernel, an orthogonal
// recurrent kernel and the forget-gate bias set to one.
func NewLSTM(name string, in, units int, rng *rand.Rand) *LSTM {
	bias := mat.NewDense(1, 4*units, nil)
	for j := units; j < 2*units; j++ {
		bias.Set(0, j, 1)
	}
	return &LSTM{
		Units:     units,
		Kernel:    NewParameter(name+".kernel", GlorotUniform(rng, in, 4*units)),
		Recurrent: NewParameter(name+".recurrent_kernel", Orthogonal(rng, units, 4*units)),
		Bias:      NewParameter(name+".bias", bias),
	}
}

// Parameters returns the layer's trainable parameters.
func (l *LSTM) Parameters() []*Parameter {
	return []*Parameter{l.Kernel, l.Recurrent, l.Bias}
}

type lstmStep struct {
	x, hPrev, cPrev *mat.Dense
	i, f, g, o      *mat.Dense
	tanhC           *mat.Dense
}

// LSTMCache holds the activations Backward needs.
type LSTMCache struct {
	steps []lstmStep
	mask  [][]bool
	batch int
}

func active(mask [][]bool, b, t int) bool {
	return mask == nil || mask[b][t]
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

// Forward runs the layer over xs, one batch×in matrix per time step, and
// returns the final batch×units hidden state. mask[b][t] false skips step t
// for row b; a nil mask keeps every step.
func (l *LSTM) Forward(xs []*mat.Dense, mask [][]bool) (*mat.Dense, *LSTMCache) {
	u := l.Units
	batch, _ := xs[0].Dims()
	h := mat.NewDense(batch, u, nil)
	c := mat.NewDense(batch, u, nil)
	cache := &LSTMCache{steps: make([]lstmStep, len(xs)), mask: mask, batch: batch}

	for t, x := range xs {
		z := mat.NewDense(batch, 4*u, nil)
		z.Mul(x, l.Kernel.Value)
		var zh mat.Dense
		zh.Mul(h, l.Recurrent.Value)
		z.Add(z, &zh)
		addBias(z, l.Bias.Value)

		st := lstmStep{
			x: x, hPrev: h, cPrev: c,
			i:     mat.NewDense(batch, u, nil),
			f:     mat.NewDense(batch, u, nil),
			g:     mat.NewDense(batch, u, nil),
			o:     mat.NewDense(batch, u, nil),
			tanhC: mat.NewDense(batch, u, nil),
		}
		hNext := mat.NewDense(batch, u, nil)
		cNext := mat.NewDense(batch, u, nil)

		for b := 0; b < batch; b++ {
			if !active(mask, b, t) {
				copy(hNext.RawRowView(b), h.RawRowView(b))
				copy(cNext.RawRowView(b), c.RawRowView(b))
				continue
			}
			zr := z.RawRowView(b)
			cp := c.RawRowView(b)
			ir, fr, gr, or := st.i.RawRowView(b), st.f.RawRowView(b), st.g.RawRowView(b), st.o.RawRowView(b)
			tc := st.tanhC.RawRowView(b)
			hn, cn := hNext.RawRowView(b), cNext.RawRowView(b)
			for j := 0; j < u; j++ {
				ir[j] = sigmoid(zr[j])
				fr[j] = sigmoid(zr[u+j])
				gr[j] = math.Tanh(zr[2*u+j])
				or[j] = sigmoid(zr[3*u+j])
				cn[j] = fr[j]*cp[j] + ir[j]*gr[j]
				tc[j] = math.Tanh(cn[j])
				hn[j] = or[j] * tc[j]
			}
		}
		cache.steps[t] = st
		h, c = hNext, cNext
	}
	return h, cache
}

// Backward runs backpropagation through time from the gradient of the final
// hidden state, accumulating parameter gradients and returning one input
// gradient per time step.
func (l *LSTM) Backward(cache *LSTMCache, dh *mat.Dense) []*mat.Dense {
	u := l.Units
	batch := cache.batch
	dxs := make([]*mat.Dense, len(cache.steps))

	dhNext := mat.DenseCopyOf(dh)
	dcNext := mat.NewDense(batch, u, nil)

	for t := len(cache.steps) - 1; t >= 0; t-- {
		st := cache.steps[t]
		dz := mat.NewDense(batch, 4*u, nil)
		dhPrev := mat.NewDense(batch, u, nil)
		dcPrev := mat.NewDense(batch, u, nil)

		for b := 0; b < batch; b++ {
			dhr, dcr := dhNext.RawRowView(b), dcNext.RawRowView(b)
			if !active(cache.mask, b, t) {
				copy(dhPrev.RawRowView(b), dhr)
				copy(dcPrev.RawRowView(b), dcr)
				continue
			}
			ir, fr, gr, or := st.i.RawRowView(b), st.f.RawRowView(b), st.g.RawRowView(b), st.o.RawRowView(b)
			tc, cp := st.tanhC.RawRowView(b), st.cPrev.RawRowView(b)
			dzr, dcp := dz.RawRowView(b), dcPrev.RawRowView(b)
			for j := 0; j < u; j++ {
				do := dhr[j] * tc[j]
				dc := dcr[j] + dhr[j]*or[j]*(1-tc[j]*tc[j])
				dcp[j] = dc * fr[j]
				dzr[j] = dc * gr[j] * ir[j] * (1 - ir[j])
				dzr[u+j] = dc * cp[j] * fr[j] * (1 - fr[j])
				dzr[2*u+j] = dc * ir[j] * (1 - gr[j]*gr[j])
				dzr[3*u+j] = do * or[j] * (1 - or[j])
			}
		}

		var gk, gr mat.Dense
		gk.Mul(st.x.T(), dz)
		l.Kernel.Grad.Add(l.Kernel.Grad, &gk)
		gr.Mul(st.hPrev.T(), dz)
		l.Recurrent.Grad.Add(l.Recurrent.Grad, &gr)
		addRowSums(l.Bias.Grad, dz)

		_, in := st.x.Dims()
		dx := mat.NewDense(batch, in, nil)
		dx.Mul(dz, l.Kernel.Value.T())
		dxs[t] = dx

		var dhr mat.Dense
		dhr.Mul(dz, l.Recurrent.Value.T())
		dhPrev.Add(dhPrev, &dhr)

		dhNext, dcNext = dhPrev, dcPrev
	}
	return dxs
}
