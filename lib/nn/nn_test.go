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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

const gradEps = 1e-5

func randMatrix(rng *rand.Rand, r, c int) *mat.Dense {
	return Uniform(rng, r, c, 1)
}

func numericGrad(m *mat.Dense, loss func() float64) *mat.Dense {
	r, c := m.Dims()
	g := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			orig := m.At(i, j)
			m.Set(i, j, orig+gradEps)
			lp := loss()
			m.Set(i, j, orig-gradEps)
			lm := loss()
			m.Set(i, j, orig)
			g.Set(i, j, (lp-lm)/(2*gradEps))
		}
	}
	return g
}

func assertGradClose(t *testing.T, name string, want, got *mat.Dense) {
	t.Helper()
	r, c := want.Dims()
	gr, gc := got.Dims()
	require.Equal(t, r, gr, name)
	require.Equal(t, c, gc, name)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			w, g := want.At(i, j), got.At(i, j)
			assert.LessOrEqual(t, math.Abs(w-g), 1e-6+1e-4*math.Abs(w), "%s[%d,%d]: numeric %g analytic %g", name, i, j, w, g)
		}
	}
}

func TestDense_GradientCheck(t *testing.T) {
	rng := NewRand(1)
	d := NewDense("dense", 3, 4, rng)
	x := randMatrix(rng, 2, 3)
	labels := []int{1, 3}

	loss := func() float64 {
		l, _ := SoftmaxCrossEntropy(d.Forward(x), labels)
		return l
	}

	_, dLogits := SoftmaxCrossEntropy(d.Forward(x), labels)
	dx := d.Backward(x, dLogits)

	assertGradClose(t, "kernel", numericGrad(d.Weight.Value, loss), d.Weight.Grad)
	assertGradClose(t, "bias", numericGrad(d.Bias.Value, loss), d.Bias.Grad)
	assertGradClose(t, "input", numericGrad(x, loss), dx)
}

func TestReLU_GradientCheck(t *testing.T) {
	rng := NewRand(2)
	d := NewDense("dense", 4, 3, rng)
	x := randMatrix(rng, 3, 4)
	labels := []int{0, 2, 1}

	loss := func() float64 {
		l, _ := SoftmaxCrossEntropy(d.Forward(ReLU(x)), labels)
		return l
	}

	y := ReLU(x)
	_, dLogits := SoftmaxCrossEntropy(d.Forward(y), labels)
	dx := ReLUBackward(y, d.Backward(y, dLogits))
	assertGradClose(t, "input", numericGrad(x, loss), dx)
}

func TestLSTM_GradientCheck(t *testing.T) {
	rng := NewRand(3)
	const in, units, steps, batch = 3, 4, 4, 2
	l := NewLSTM("lstm", in, units, rng)
	head := NewDense("head", units, 5, rng)

	xs := make([]*mat.Dense, steps)
	for i := range xs {
		xs[i] = randMatrix(rng, batch, in)
	}
	mask := [][]bool{
		{false, false, true, true},
		{true, true, true, true},
	}
	labels := []int{4, 0}

	loss := func() float64 {
		h, _ := l.Forward(xs, mask)
		v, _ := SoftmaxCrossEntropy(head.Forward(h), labels)
		return v
	}

	h, cache := l.Forward(xs, mask)
	_, dLogits := SoftmaxCrossEntropy(head.Forward(h), labels)
	dxs := l.Backward(cache, head.Backward(h, dLogits))

	assertGradClose(t, "kernel", numericGrad(l.Kernel.Value, loss), l.Kernel.Grad)
	assertGradClose(t, "recurrent", numericGrad(l.Recurrent.Value, loss), l.Recurrent.Grad)
	assertGradClose(t, "bias", numericGrad(l.Bias.Value, loss), l.Bias.Grad)
	for i, x := range xs {
		assertGradClose(t, "input", numericGrad(x, loss), dxs[i])
	}
	// Masked steps receive no gradient.
	assert.Equal(t, 0.0, floats.Norm(dxs[0].RawRowView(0), 2))
	assert.Equal(t, 0.0, floats.Norm(dxs[1].RawRowView(0), 2))
}

func TestLSTM_MaskedPrefixCarriesState(t *testing.T) {
	rng := NewRand(4)
	l := NewLSTM("lstm", 3, 5, rng)
	a := randMatrix(rng, 1, 3)
	b := randMatrix(rng, 1, 3)
	junk := randMatrix(rng, 1, 3)

	plain, _ := l.Forward([]*mat.Dense{a, b}, nil)
	padded, _ := l.Forward([]*mat.Dense{junk, junk, a, b}, [][]bool{{false, false, true, true}})
	assert.True(t, mat.EqualApprox(plain, padded, 1e-12))
}

func TestLSTM_ForgetBias(t *testing.T) {
	l := NewLSTM("lstm", 2, 3, NewRand(5))
	for j := 0; j < 12; j++ {
		want := 0.0
		if j >= 3 && j < 6 {
			want = 1
		}
		assert.Equal(t, want, l.Bias.Value.At(0, j))
	}
}

func TestOrthogonal(t *testing.T) {
	rng := NewRand(6)
	w := Orthogonal(rng, 3, 12)
	r, c := w.Dims()
	require.Equal(t, 3, r)
	require.Equal(t, 12, c)

	var wwt mat.Dense
	wwt.Mul(w, w.T())
	assert.True(t, mat.EqualApprox(&wwt, eye(3), 1e-10))

	tall := Orthogonal(rng, 8, 4)
	var wtw mat.Dense
	wtw.Mul(tall.T(), tall)
	assert.True(t, mat.EqualApprox(&wtw, eye(4), 1e-10))
}

func eye(n int) *mat.Dense {
	m := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		m.Set(i, i, 1)
	}
	return m
}

func TestSoftmax_ValidDistribution(t *testing.T) {
	logits := mat.NewDense(3, 4, []float64{
		1, 2, 3, 4,
		-1000, 0, 1000, 5,
		0, 0, 0, 0,
	})
	p := Softmax(logits)
	for i := 0; i < 3; i++ {
		row := p.RawRowView(i)
		assert.InDelta(t, 1.0, floats.Sum(row), 1e-12)
		for _, v := range row {
			assert.GreaterOrEqual(t, v, 0.0)
			assert.False(t, math.IsNaN(v))
		}
	}
	assert.InDelta(t, 0.25, p.At(2, 0), 1e-12)
}

func TestDropout(t *testing.T) {
	x := mat.NewDense(4, 8, nil)
	x.Apply(func(_, _ int, _ float64) float64 { return 1 }, x)

	d := Dropout{Rate: 0.5}
	y, mask := d.Forward(x, nil)
	assert.Same(t, x, y)
	assert.Nil(t, mask)

	y, mask = d.Forward(x, NewRand(7))
	require.NotNil(t, mask)
	for _, v := range y.RawMatrix().Data {
		assert.Contains(t, []float64{0, 2}, v)
	}
	dx := d.Backward(x, mask)
	assert.True(t, mat.Equal(y, dx))
}

func TestEmbedding(t *testing.T) {
	e := NewEmbedding("embed", 5, 3, NewRand(8))
	out, err := e.Forward([][]int{{0, 2}, {4, 4}})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, e.Table.Value.RawRowView(4), out[1].RawRowView(1))

	dys := []*mat.Dense{
		mat.NewDense(2, 3, []float64{1, 1, 1, 2, 2, 2}),
		mat.NewDense(2, 3, []float64{3, 3, 3, 4, 4, 4}),
	}
	e.Backward([][]int{{0, 2}, {4, 4}}, dys)
	assert.Equal(t, []float64{6, 6, 6}, e.Table.Grad.RawRowView(4))
	assert.Equal(t, []float64{3, 3, 3}, e.Table.Grad.RawRowView(2))

	_, err = e.Forward([][]int{{5}})
	assert.Error(t, err)
	_, err = e.Forward([][]int{{1, 2}, {1}})
	assert.Error(t, err)
}

func TestAdam_Converges(t *testing.T) {
	p := NewParameter("w", mat.NewDense(1, 2, []float64{0, 10}))
	opt := NewAdam([]*Parameter{p}, AdamConfig{LR: 0.01})
	target := []float64{3, -2}

	for i := 0; i < 3000; i++ {
		w := p.Value.RawRowView(0)
		g := p.Grad.RawRowView(0)
		for j := range w {
			g[j] = 2 * (w[j] - target[j])
		}
		opt.Step()
		opt.ZeroGrad()
	}
	assert.InDelta(t, 3, p.Value.At(0, 0), 0.05)
	assert.InDelta(t, -2, p.Value.At(0, 1), 0.05)
	assert.Equal(t, 3000, opt.Timestep())
	assert.Equal(t, 0.0, p.Grad.At(0, 0))
}
